package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"
	"unicode/utf8"

	"github.com/spf13/cobra"

	"github.com/kalambet/glimpse/internal/api"
	"github.com/kalambet/glimpse/internal/capture"
	"github.com/kalambet/glimpse/internal/config"
	"github.com/kalambet/glimpse/internal/storage"
)

// --- history ---

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Browse or purge recorded observations",
}

var historyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent observations, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		kind, _ := cmd.Flags().GetString("kind")
		run, _ := cmd.Flags().GetString("run")
		asJSON, _ := cmd.Flags().GetBool("json")

		if kind != "" && kind != string(capture.KindScreenshot) && kind != string(capture.KindAudio) {
			return fmt.Errorf("--kind must be %q or %q", capture.KindScreenshot, capture.KindAudio)
		}

		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		obs, err := store.ListObservations(cmd.Context(), storage.ListFilter{Kind: kind, RunID: run, Limit: limit})
		if err != nil {
			return err
		}
		if asJSON {
			out := make([]api.Observation, len(obs))
			for i, o := range obs {
				out[i] = api.ObservationFrom(o)
			}
			return writeJSONTo(cmd.OutOrStdout(), out)
		}
		if len(obs) == 0 {
			printWarning("No observations recorded")
			return nil
		}
		return writeObservationTable(cmd.OutOrStdout(), obs)
	},
}

var historyShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one observation in full",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		o, err := store.GetObservation(cmd.Context(), args[0])
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("observation %s not found", args[0])
		}
		if err != nil {
			return err
		}
		writeObservation(cmd.OutOrStdout(), o)
		return nil
	},
}

var historyPurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete recorded observations",
	RunE: func(cmd *cobra.Command, args []string) error {
		confirm, _ := cmd.Flags().GetBool("confirm")
		olderThan, _ := cmd.Flags().GetDuration("older-than")

		if !confirm {
			printWarning("This deletes recorded observations. Pass --confirm to proceed.")
			return fmt.Errorf("purge not confirmed")
		}
		if olderThan < 0 {
			return fmt.Errorf("--older-than must not be negative, got %s", olderThan)
		}

		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		var cutoff time.Time
		if olderThan > 0 {
			cutoff = time.Now().Add(-olderThan)
		}
		n, err := store.DeleteObservationsBefore(cmd.Context(), cutoff)
		if err != nil {
			return err
		}
		printSuccess("Deleted %d observations", n)
		return nil
	},
}

func init() {
	historyListCmd.Flags().Int("limit", 20, "maximum number of observations to list")
	historyListCmd.Flags().String("kind", "", "only list screenshot or audio observations")
	historyListCmd.Flags().String("run", "", "only list observations from this run ID")
	historyListCmd.Flags().Bool("json", false, "print JSON instead of a table")
	historyPurgeCmd.Flags().Bool("confirm", false, "confirm deletion")
	historyPurgeCmd.Flags().Duration("older-than", 0, "only delete observations older than this (default: all)")
	historyCmd.AddCommand(historyListCmd)
	historyCmd.AddCommand(historyShowCmd)
	historyCmd.AddCommand(historyPurgeCmd)
}

var openStore = func() (*storage.Store, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening history: %w", err)
	}
	return store, nil
}

func writeObservationTable(w io.Writer, obs []storage.Observation) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTIME\tKIND\tSTATUS\tRESPONSE")
	for _, o := range obs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			o.ID, o.CreatedAt.Local().Format(time.DateTime), o.Kind, o.Status, preview(o.Response, 60))
	}
	return tw.Flush()
}

func writeObservation(w io.Writer, o storage.Observation) {
	c := newConsole(w)
	fmt.Fprintf(w, "%s %s\n", c.paint(colorBold, "ID:"), o.ID)
	fmt.Fprintf(w, "%s %s\n", c.paint(colorBold, "Time:"), o.CreatedAt.Local().Format(time.DateTime))
	fmt.Fprintf(w, "%s %s #%d (run %s)\n", c.paint(colorBold, "Capture:"), o.Kind, o.Iteration, o.RunID)
	fmt.Fprintf(w, "%s %s\n", c.paint(colorBold, "Model:"), o.Model)
	fmt.Fprintf(w, "%s %s\n", c.paint(colorBold, "Status:"), o.Status)
	if o.Error != "" {
		fmt.Fprintf(w, "%s %s\n", c.paint(colorBold, "Error:"), o.Error)
	}
	fmt.Fprintf(w, "%s %.2fs\n", c.paint(colorBold, "Elapsed:"), o.Elapsed.Seconds())
	if o.Host != "" {
		fmt.Fprintf(w, "%s %s\n", c.paint(colorBold, "Host:"), o.Host)
	}
	if o.ArtifactPath != "" {
		fmt.Fprintf(w, "%s %s\n", c.paint(colorBold, "Artifact:"), o.ArtifactPath)
	}
	fmt.Fprintf(w, "%s %s\n\n%s\n", c.paint(colorBold, "Prompt:"), o.Prompt, o.Response)
}

// preview flattens s to one line of at most n runes.
func preview(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n-1]) + "…"
}

func writeJSONTo(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		out := newConsole(cmd.OutOrStdout())
		for _, k := range config.ShowAll(cfg) {
			fmt.Fprintf(out.w, "  %s = %s\n", out.paint(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value in the config file.\n\nKeys:\n  " + strings.Join(config.ValidKeys(), "\n  "),
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s", key)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
