// Package agent implements the HTTP client for the remote monitoring agent's
// REST API. It depends only on documented field names in the agent's JSON
// documents, not on the agent implementation.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/fleetpulse/fleetpulse/internal/models"
)

// ConnectivityError wraps timeouts, refused connections and bad HTTP status
// from the agent. The poller retries these with backoff.
type ConnectivityError struct {
	Alias      string
	Endpoint   string
	StatusCode int
	Err        error
}

func (e *ConnectivityError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("[%s] %s: HTTP %d", e.Alias, e.Endpoint, e.StatusCode)
	}
	return fmt.Sprintf("[%s] %s: %v", e.Alias, e.Endpoint, e.Err)
}

func (e *ConnectivityError) Unwrap() error { return e.Err }

// ParseError reports a malformed agent response for one endpoint. The
// offending metric paths are dropped and the snapshot is marked partial.
type ParseError struct {
	Alias    string
	Endpoint string
	Err      error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("[%s] %s: malformed response: %v", e.Alias, e.Endpoint, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Client fetches metric documents from one agent.
type Client struct {
	target models.ServerTarget
	http   *http.Client
	logger *slog.Logger
}

// NewClient builds a client honoring the target's per-request timeout and
// basic-auth credentials.
func NewClient(target models.ServerTarget, logger *slog.Logger) *Client {
	return &Client{
		target: target,
		http: &http.Client{
			Timeout: target.Timeout(),
		},
		logger: logger.With("component", "agent_client", "target", target.Alias),
	}
}

// endpoints are the stable agent resource paths the engine consumes, paired
// with the flattener that turns each JSON document into dotted metric paths.
var endpoints = []struct {
	path    string
	flatten func(body []byte, into map[string]float64) error

	// optional endpoints are absent on many hosts (no container runtime);
	// their failure never degrades the snapshot.
	optional bool
}{
	{"cpu", flattenCPU, false},
	{"mem", flattenMemory, false},
	{"load", flattenLoad, false},
	{"fs", flattenFilesystems, false},
	{"network", flattenNetwork, false},
	{"processcount", flattenProcessCount, false},
	{"containers", flattenContainers, true},
}

// Fetch polls every endpoint once and assembles the flattened metric map.
//
// A connectivity failure on the first endpoint aborts the whole fetch (the
// agent is unreachable); a parse failure drops that endpoint's paths and
// degrades the result to partial.
func (c *Client) Fetch(ctx context.Context) (map[string]float64, models.SnapshotStatus, error) {
	metrics := make(map[string]float64, 16)
	status := models.StatusOK
	var lastErr error

	for i, ep := range endpoints {
		body, err := c.get(ctx, ep.path)
		if err != nil {
			if ep.optional {
				c.logger.Debug("optional endpoint unavailable", "endpoint", ep.path, "error", err)
				continue
			}
			if _, ok := err.(*ConnectivityError); ok && i == 0 {
				return nil, models.StatusUnreachable, err
			}
			c.logger.Warn("endpoint fetch failed", "endpoint", ep.path, "error", err)
			status = models.StatusPartial
			lastErr = err
			continue
		}

		if err := ep.flatten(body, metrics); err != nil {
			if ep.optional {
				c.logger.Debug("dropping unparsable optional endpoint", "endpoint", ep.path, "error", err)
				continue
			}
			perr := &ParseError{Alias: c.target.Alias, Endpoint: ep.path, Err: err}
			c.logger.Warn("dropping unparsable endpoint", "endpoint", ep.path, "error", err)
			status = models.StatusPartial
			lastErr = perr
		}
	}

	if len(metrics) == 0 {
		if lastErr == nil {
			lastErr = &ConnectivityError{Alias: c.target.Alias, Endpoint: "all", Err: fmt.Errorf("no metrics decoded")}
		}
		return nil, models.StatusUnreachable, lastErr
	}

	return metrics, status, lastErr
}

// get performs one HTTP GET against the agent's API.
func (c *Client) get(ctx context.Context, endpoint string) ([]byte, error) {
	url := fmt.Sprintf("%s/api/3/%s", c.target.BaseURL(), endpoint)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &ConnectivityError{Alias: c.target.Alias, Endpoint: endpoint, Err: err}
	}
	if c.target.Username != "" {
		req.SetBasicAuth(c.target.Username, c.target.Password)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &ConnectivityError{Alias: c.target.Alias, Endpoint: endpoint, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, &ConnectivityError{
			Alias:      c.target.Alias,
			Endpoint:   endpoint,
			StatusCode: resp.StatusCode,
		}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &ConnectivityError{Alias: c.target.Alias, Endpoint: endpoint, Err: err}
	}

	c.logger.Debug("endpoint fetched",
		"endpoint", endpoint,
		"bytes", len(body),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return body, nil
}

// decodeObject unmarshals a JSON object of numeric-ish fields.
func decodeObject(body []byte) (map[string]json.RawMessage, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(body, &obj); err != nil {
		return nil, err
	}
	return obj, nil
}

// numericField extracts a float from a raw JSON value. Unparsable fields are
// dropped, never coerced to zero.
func numericField(raw json.RawMessage) (float64, bool) {
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		return 0, false
	}
	return f, true
}
