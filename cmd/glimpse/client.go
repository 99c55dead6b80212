package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/kalambet/glimpse/internal/api"
	"github.com/kalambet/glimpse/internal/config"
	"github.com/kalambet/glimpse/internal/loop"
)

// apiClient talks to the status API of a running `glimpse serve`.
type apiClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

var newAPIClient = func() (*apiClient, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return apiClientFor(cfg), nil
}

func apiClientFor(cfg config.Config) *apiClient {
	return &apiClient{
		baseURL:    fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port),
		token:      cfg.Server.Token,
		httpClient: &http.Client{Timeout: 5 * time.Second},
	}
}

func (c *apiClient) get(ctx context.Context, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("server not reachable, is glimpse serve running? (%w)", err)
	}
	return resp, nil
}

// state fetches the serve loop's snapshot.
func (c *apiClient) state(ctx context.Context) (api.StateResponse, error) {
	var st api.StateResponse
	resp, err := c.get(ctx, "/state")
	if err != nil {
		return st, err
	}
	err = decodeJSON(resp, &st)
	return st, err
}

// loopState adapts state to api.StateFunc for the MCP loop_state tool.
func (c *apiClient) loopState(ctx context.Context) (loop.State, error) {
	st, err := c.state(ctx)
	if err != nil {
		return loop.State{}, err
	}
	return st.Loop, nil
}

func decodeJSON(resp *http.Response, v any) error {
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("server returned %d (failed to read body: %w)", resp.StatusCode, err)
		}
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, string(body))
	}
	return json.NewDecoder(resp.Body).Decode(v)
}
