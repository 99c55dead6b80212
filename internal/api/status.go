// Package api exposes a running loop over HTTP and MCP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/glimpse/internal/host"
	"github.com/kalambet/glimpse/internal/loop"
	"github.com/kalambet/glimpse/internal/storage"
)

// StateFunc reports the state of a loop.
type StateFunc func(ctx context.Context) (loop.State, error)

// ObservationReader reads the observation history.
type ObservationReader interface {
	ListObservations(ctx context.Context, f storage.ListFilter) ([]storage.Observation, error)
	GetObservation(ctx context.Context, id string) (storage.Observation, error)
	CountObservations(ctx context.Context) (int, error)
}

type StatusDeps struct {
	State    StateFunc
	Store    ObservationReader // optional; history endpoints answer 404 without it
	Host     host.Info
	Version  string
	Endpoint string
	Model    string
	Token    string
}

// StateResponse is the body of GET /state.
type StateResponse struct {
	Loop         loop.State `json:"loop"`
	Interval     string     `json:"interval,omitempty"`
	Endpoint     string     `json:"endpoint"`
	Model        string     `json:"model"`
	Host         host.Info  `json:"host"`
	Version      string     `json:"version"`
	Observations int        `json:"observations"`
}

// Observation is the wire form of a stored observation.
type Observation struct {
	ID           string    `json:"id"`
	RunID        string    `json:"runId,omitempty"`
	Iteration    int       `json:"iteration"`
	CreatedAt    time.Time `json:"createdAt"`
	Kind         string    `json:"kind"`
	Model        string    `json:"model"`
	Prompt       string    `json:"prompt"`
	Response     string    `json:"response"`
	Status       string    `json:"status"`
	Error        string    `json:"error,omitempty"`
	ElapsedMS    int64     `json:"elapsedMs"`
	ArtifactPath string    `json:"artifactPath,omitempty"`
	Host         string    `json:"host,omitempty"`
}

// ObservationFrom converts a stored observation to its wire form.
func ObservationFrom(o storage.Observation) Observation {
	return Observation{
		ID:           o.ID,
		RunID:        o.RunID,
		Iteration:    o.Iteration,
		CreatedAt:    o.CreatedAt,
		Kind:         o.Kind,
		Model:        o.Model,
		Prompt:       o.Prompt,
		Response:     o.Response,
		Status:       o.Status,
		Error:        o.Error,
		ElapsedMS:    o.Elapsed.Milliseconds(),
		ArtifactPath: o.ArtifactPath,
		Host:         o.Host,
	}
}

// NewStatusHandler serves the read-only status API of a running loop.
func NewStatusHandler(deps StatusDeps) http.Handler {
	r := chi.NewRouter()
	r.Use(BearerAuth(deps.Token))

	r.Get("/health", handleHealth(deps))
	r.Get("/state", handleState(deps))
	r.Get("/observations", handleListObservations(deps))
	r.Get("/observations/{id}", handleGetObservation(deps))

	return r
}

func handleHealth(deps StatusDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": deps.Version})
	}
}

func handleState(deps StatusDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := StateResponse{
			Endpoint: deps.Endpoint,
			Model:    deps.Model,
			Host:     deps.Host,
			Version:  deps.Version,
		}
		if deps.State != nil {
			st, err := deps.State(r.Context())
			if err != nil {
				httpError(w, http.StatusServiceUnavailable, "api_error", "loop state unavailable: %v", err)
				return
			}
			resp.Loop = st
			if st.Interval > 0 {
				resp.Interval = st.Interval.String()
			}
		}
		if deps.Store != nil {
			n, err := deps.Store.CountObservations(r.Context())
			if err != nil {
				httpError(w, http.StatusInternalServerError, "api_error", "counting observations: %v", err)
				return
			}
			resp.Observations = n
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func handleListObservations(deps StatusDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Store == nil {
			httpError(w, http.StatusNotFound, "not_found", "history is disabled")
			return
		}
		f := storage.ListFilter{
			Kind:   r.URL.Query().Get("kind"),
			RunID:  r.URL.Query().Get("run"),
			Limit:  parseIntParam(r, "limit", 20, 100),
			Offset: parseIntParam(r, "offset", 0, 0),
		}
		list, err := deps.Store.ListObservations(r.Context(), f)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list observations: %v", err)
			return
		}
		out := make([]Observation, len(list))
		for i, o := range list {
			out[i] = ObservationFrom(o)
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func handleGetObservation(deps StatusDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Store == nil {
			httpError(w, http.StatusNotFound, "not_found", "history is disabled")
			return
		}
		o, err := deps.Store.GetObservation(r.Context(), chi.URLParam(r, "id"))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "observation not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get observation: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, ObservationFrom(o))
	}
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	writeJSON(w, code, map[string]any{
		"error": map[string]any{
			"message": fmt.Sprintf(format, args...),
			"type":    errType,
		},
	})
}
