// Package inference talks to a local multimodal generation server.
package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/kalambet/glimpse/internal/capture"
)

const (
	defaultTimeout       = 120 * time.Second
	defaultStreamTimeout = 300 * time.Second
	defaultIdleTimeout   = 60 * time.Second
	maxResponseBody      = 16 << 20
)

// Request is one generation call.
type Request struct {
	Model     string
	Prompt    string
	System    string
	Artifact  *capture.Artifact
	Stream    bool
	MaxTokens int
	// SendPath sends the artifact's absolute path instead of inline data.
	// Only works when the server shares the client's filesystem.
	SendPath bool
}

// Response holds either the complete text (buffered mode) or a stream.
type Response struct {
	Text   string
	Stream *TextStream
}

// Streaming reports whether the response must be read from Stream.
func (r *Response) Streaming() bool { return r.Stream != nil }

// generateRequest is the JSON body of POST /generate.
type generateRequest struct {
	Model     string   `json:"model"`
	Prompt    string   `json:"prompt"`
	System    string   `json:"system,omitempty"`
	Image     []string `json:"image,omitempty"`
	Audio     []string `json:"audio,omitempty"`
	Stream    bool     `json:"stream"`
	MaxTokens int      `json:"max_tokens"`
}

// Client sends capture artifacts to the inference server. It never retries;
// retry policy belongs to the caller.
type Client struct {
	endpoint      string
	httpClient    *http.Client
	timeout       time.Duration
	streamTimeout time.Duration
	idleTimeout   time.Duration

	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
	inst           *instruments
}

type Option func(*Client)

// WithTimeouts overrides the buffered request deadline, the overall stream
// deadline and the stream idle timeout. Non-positive values keep defaults.
func WithTimeouts(buffered, stream, idle time.Duration) Option {
	return func(c *Client) {
		if buffered > 0 {
			c.timeout = buffered
		}
		if stream > 0 {
			c.streamTimeout = stream
		}
		if idle > 0 {
			c.idleTimeout = idle
		}
	}
}

// WithHTTPClient replaces the instrumented default client (for testing).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTelemetry records spans and metrics on the given providers instead of
// the global ones. A nil provider keeps the global.
func WithTelemetry(tp trace.TracerProvider, mp metric.MeterProvider) Option {
	return func(c *Client) {
		c.tracerProvider = tp
		c.meterProvider = mp
	}
}

// New creates a Client posting to endpoint, e.g. http://localhost:8000/generate.
func New(endpoint string, opts ...Option) *Client {
	c := &Client{
		endpoint:      endpoint,
		timeout:       defaultTimeout,
		streamTimeout: defaultStreamTimeout,
		idleTimeout:   defaultIdleTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.inst = newInstruments(c.tracerProvider, c.meterProvider)
	if c.httpClient == nil {
		c.httpClient = &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport,
				otelhttp.WithTracerProvider(c.inst.tracerProvider),
				otelhttp.WithMeterProvider(c.inst.meterProvider),
				otelhttp.WithSpanNameFormatter(func(op string, r *http.Request) string {
					return op + " " + r.URL.Path
				}),
			),
		}
	}
	return c
}

// Endpoint returns the configured generate URL.
func (c *Client) Endpoint() string { return c.endpoint }

// Infer posts req and returns the generated text. In streaming mode the
// returned Response carries a TextStream the caller must consume or Close.
func (c *Client) Infer(ctx context.Context, req Request) (*Response, error) {
	if req.Artifact == nil {
		return nil, errors.New("inference request has no artifact")
	}
	body, err := encodeRequest(req)
	if err != nil {
		return nil, err
	}

	timeout := c.timeout
	if req.Stream {
		timeout = c.streamTimeout
	}

	start := time.Now()
	spanCtx, span := c.inst.tracer.Start(ctx, "inference.generate", trace.WithAttributes(
		attribute.String("request.model", req.Model),
		attribute.String("request.kind", string(req.Artifact.Kind)),
		attribute.Bool("request.stream", req.Stream),
		attribute.Int("request.max_tokens", req.MaxTokens),
	))
	fail := func(err error) (*Response, error) {
		c.inst.recordRequest(ctx, req, outcomeError, start)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.End()
		return nil, err
	}

	reqCtx, cancel := context.WithTimeout(spanCtx, timeout)
	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		cancel()
		return fail(fmt.Errorf("creating request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if req.Stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	} else {
		httpReq.Header.Set("Accept", "application/json")
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		cancel()
		return fail(classify(ctx, err))
	}
	span.SetAttributes(attribute.Int("response.status_code", resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody*4))
		resp.Body.Close()
		cancel()
		return fail(&Error{StatusCode: resp.StatusCode, Body: string(raw)})
	}

	if !req.Stream {
		defer cancel()
		defer resp.Body.Close()
		text, err := decodeText(resp)
		if err != nil {
			if ctx.Err() != nil {
				return fail(ctx.Err())
			}
			return fail(err)
		}
		span.SetAttributes(attribute.Int("response.length", len(text)))
		span.End()
		c.inst.recordRequest(ctx, req, outcomeOK, start)
		return &Response{Text: text}, nil
	}

	c.inst.recordRequest(ctx, req, outcomeStream, start)
	rc := &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return &Response{Stream: newTextStream(rc, c.idleTimeout, span)}, nil
}

// Ping reports whether the server's host:port accepts TCP connections.
func (c *Client) Ping(ctx context.Context) error {
	u, err := url.Parse(c.endpoint)
	if err != nil {
		return fmt.Errorf("parsing endpoint: %w", err)
	}
	host := u.Host
	if u.Port() == "" {
		port := "80"
		if u.Scheme == "https" {
			port = "443"
		}
		host = net.JoinHostPort(u.Hostname(), port)
	}

	d := net.Dialer{Timeout: 2 * time.Second}
	conn, err := d.DialContext(ctx, "tcp", host)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrServerUnreachable, err)
	}
	return conn.Close()
}

func encodeRequest(req Request) ([]byte, error) {
	payload := req.Artifact.Path
	if !req.SendPath {
		uri, err := req.Artifact.Encode()
		if err != nil {
			return nil, err
		}
		payload = uri
	}

	body := generateRequest{
		Model:     req.Model,
		Prompt:    req.Prompt,
		System:    req.System,
		Stream:    req.Stream,
		MaxTokens: req.MaxTokens,
	}
	switch req.Artifact.Kind {
	case capture.KindAudio:
		body.Audio = []string{payload}
	default:
		body.Image = []string{payload}
	}

	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}
	return data, nil
}

// decodeText extracts the generated text from a buffered response. The
// server answers {"text": ...}; older builds use {"response": ...}.
func decodeText(resp *http.Response) (string, error) {
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "", &Error{StatusCode: resp.StatusCode, Err: fmt.Errorf("request timed out: %w", err)}
		}
		return "", &Error{StatusCode: resp.StatusCode, Err: fmt.Errorf("reading response: %w", err)}
	}

	var body struct {
		Text     *string `json:"text"`
		Response *string `json:"response"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return "", &Error{StatusCode: resp.StatusCode, Body: string(raw), Err: fmt.Errorf("malformed response: %w", err)}
	}
	switch {
	case body.Text != nil:
		return *body.Text, nil
	case body.Response != nil:
		return *body.Response, nil
	}
	return "", &Error{StatusCode: resp.StatusCode, Body: string(raw), Err: errors.New("response has no text field")}
}

// cancelOnClose wraps a ReadCloser and cancels a context on Close.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}
