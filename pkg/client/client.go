package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned when the batch or stage does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a batch already exists or was extended
	// concurrently.
	ErrConflict = errors.New("conflict")
)

// Verification statuses.
const (
	StatusVerified    = "verified"
	StatusCompromised = "compromised"
)

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server error %d: %s", e.StatusCode, e.Message)
}

// Unwrap maps 404 and 409 onto ErrNotFound and ErrConflict.
func (e *APIError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusConflict:
		return ErrConflict
	}
	return nil
}

// Record is one stage in a batch's chain.
type Record struct {
	Position   int    `json:"position"`
	SequenceID string `json:"sequence_id"`
	Stage      string `json:"stage"`
	Timestamp  string `json:"timestamp"`
	PrevDigest string `json:"prev_digest"`
	Digest     string `json:"digest"`
}

// Breach locates the first failed record of a compromised chain.
type Breach struct {
	Position int    `json:"position"`
	Stage    string `json:"stage"`
	Reason   string `json:"reason"`
	Expected string `json:"expected"`
	Actual   string `json:"actual"`
}

// Report is the outcome of a verification.
type Report struct {
	Status      string  `json:"status"`
	TotalStages int     `json:"total_stages"`
	Breach      *Breach `json:"breach,omitempty"`
	Algorithm   string  `json:"algorithm,omitempty"`
	Head        string  `json:"head,omitempty"`
}

// BatchSummary describes a batch's chain.
type BatchSummary struct {
	SequenceID string `json:"sequence_id"`
	Algorithm  string `json:"algorithm"`
	Stages     int    `json:"stages"`
	Head       string `json:"head"`
	LastStage  string `json:"last_stage"`
}

// OpenBatchRequest is the payload for OpenBatch. An empty SequenceID lets
// the server assign one; an empty Timestamp means today; an empty Algorithm
// uses the server's configured hasher.
type OpenBatchRequest struct {
	SequenceID string `json:"sequence_id,omitempty"`
	Stage      string `json:"stage"`
	Timestamp  string `json:"timestamp,omitempty"`
	Algorithm  string `json:"algorithm,omitempty"`
}

// AppendStageRequest is the payload for AppendStage.
type AppendStageRequest struct {
	Stage     string `json:"stage"`
	Timestamp string `json:"timestamp,omitempty"`
}

// Client talks to a silicontrace server.
type Client struct {
	base       string
	httpClient *http.Client
	requestID  func() string
}

// Option is a functional option for configuring a Client.
type Option func(*Client) error

// WithHTTPClient sets a custom http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) error {
		if hc == nil {
			return errors.New("nil http client")
		}
		c.httpClient = hc
		return nil
	}
}

// WithTimeout sets the per-request timeout of the default http.Client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) error {
		c.httpClient = &http.Client{Timeout: d}
		return nil
	}
}

// WithRequestID sets a generator for the X-Request-ID header.
func WithRequestID(fn func() string) Option {
	return func(c *Client) error {
		c.requestID = fn
		return nil
	}
}

// New creates a Client for the server at base, e.g. "http://localhost:8080".
func New(base string, opts ...Option) (*Client, error) {
	u, err := url.Parse(base)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid server URL %q", base)
	}
	c := &Client{
		base:       strings.TrimRight(base, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, o := range opts {
		if err := o(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// MustNew is like New but panics on error.
func MustNew(base string, opts ...Option) *Client {
	c, err := New(base, opts...)
	if err != nil {
		panic(err)
	}
	return c
}

// OpenBatch creates a batch and returns its genesis record.
func (c *Client) OpenBatch(ctx context.Context, req OpenBatchRequest) (*Record, error) {
	var rec Record
	if err := c.call(ctx, http.MethodPost, "/api/v1/batches", req, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// AppendStage records a stage on an existing batch.
func (c *Client) AppendStage(ctx context.Context, sequenceID string, req AppendStageRequest) (*Record, error) {
	var rec Record
	if err := c.call(ctx, http.MethodPost, batchPath(sequenceID, "stages"), req, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Stages returns every record of a batch in order.
func (c *Client) Stages(ctx context.Context, sequenceID string) ([]Record, error) {
	var resp struct {
		Stages []Record `json:"stages"`
	}
	if err := c.call(ctx, http.MethodGet, batchPath(sequenceID, "stages"), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Stages, nil
}

// Stage returns the record at position.
func (c *Client) Stage(ctx context.Context, sequenceID string, position int) (*Record, error) {
	var rec Record
	if err := c.call(ctx, http.MethodGet, batchPath(sequenceID, "stages", strconv.Itoa(position)), nil, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Describe returns a batch summary.
func (c *Client) Describe(ctx context.Context, sequenceID string) (*BatchSummary, error) {
	var sum BatchSummary
	if err := c.call(ctx, http.MethodGet, batchPath(sequenceID), nil, &sum); err != nil {
		return nil, err
	}
	return &sum, nil
}

// ListBatches returns every sequence id known to the server.
func (c *Client) ListBatches(ctx context.Context) ([]string, error) {
	var resp struct {
		Batches []string `json:"batches"`
	}
	if err := c.call(ctx, http.MethodGet, "/api/v1/batches", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Batches, nil
}

// Verify asks the server to verify a batch. With deep set every digest is
// recomputed.
func (c *Client) Verify(ctx context.Context, sequenceID string, deep bool) (*Report, error) {
	path := batchPath(sequenceID, "verify")
	if deep {
		path += "?deep=true"
	}
	var rep Report
	if err := c.call(ctx, http.MethodGet, path, nil, &rep); err != nil {
		return nil, err
	}
	return &rep, nil
}

func batchPath(sequenceID string, rest ...string) string {
	parts := append([]string{"/api/v1/batches", url.PathEscape(sequenceID)}, rest...)
	return strings.Join(parts, "/")
}

// call sends a JSON request and decodes a JSON response into out.
func (c *Client) call(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.requestID != nil {
		req.Header.Set("X-Request-ID", c.requestID())
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		msg := strings.TrimSpace(string(raw))
		if json.Unmarshal(raw, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		return &APIError{StatusCode: resp.StatusCode, Message: msg}
	}

	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
