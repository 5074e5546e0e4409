// Package api is the HTTP client for the NodePass dashboard backend.
// Every request carries: Authorization: Bearer <token> and a fresh X-Request-Id.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// RequestFailed is returned for transport errors and non-2xx responses, and
// for 2xx responses whose body says success=false.
type RequestFailed struct {
	Op     string // e.g. "tunnel details"
	Status int    // 0 for transport errors
	Reason string // server-provided message or a generic fallback
	Err    error
}

func (e *RequestFailed) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s failed (%d): %s", e.Op, e.Status, e.Reason)
	}
	return fmt.Sprintf("%s failed: %s", e.Op, e.Reason)
}

func (e *RequestFailed) Unwrap() error { return e.Err }

// ErrUnauthenticated is wrapped by RequestFailed on 401 responses.
var ErrUnauthenticated = errors.New("not logged in or session expired")

// Client talks to one backend. The zero value is not usable; use New.
type Client struct {
	base string
	hc   *http.Client

	mu    sync.RWMutex
	token string
}

// New creates a client for baseURL, e.g. "http://127.0.0.1:3000".
func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		base: strings.TrimRight(baseURL, "/"),
		hc:   &http.Client{Timeout: timeout},
	}
}

// BaseURL returns the backend root the client was created with.
func (c *Client) BaseURL() string { return c.base }

// SetToken replaces the bearer token used for subsequent requests.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// Token returns the current bearer token.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// AuthHeader returns the headers streams must send to the backend.
func (c *Client) AuthHeader() http.Header {
	h := http.Header{}
	if tok := c.Token(); tok != "" {
		h.Set("Authorization", "Bearer "+tok)
	}
	return h
}

// envelope covers the {success, message, error} wrapper the backend uses on
// most responses. Success is a pointer because some payloads omit it.
type envelope struct {
	Success *bool  `json:"success"`
	Message string `json:"message"`
	Error   string `json:"error"`
}

// do sends body (if non-nil) as JSON and decodes the response into out (if
// non-nil). The raw response body is returned for callers needing it.
func (c *Client) do(ctx context.Context, op, method, path string, body, out any) ([]byte, error) {
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encoding %s request: %w", op, err)
		}
		rdr = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rdr)
	if err != nil {
		return nil, fmt.Errorf("building %s request: %w", op, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-Id", uuid.NewString())
	if tok := c.Token(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, &RequestFailed{Op: op, Reason: "network error: " + err.Error(), Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &RequestFailed{Op: op, Status: resp.StatusCode, Reason: "reading response: " + err.Error(), Err: err}
	}

	var env envelope
	_ = json.Unmarshal(raw, &env) // not every payload is an object

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		rf := &RequestFailed{Op: op, Status: resp.StatusCode, Reason: reasonOf(env, resp.Status)}
		if resp.StatusCode == http.StatusUnauthorized {
			rf.Err = ErrUnauthenticated
		}
		log.Printf("[api] %s %s → %d: %s", method, path, resp.StatusCode, rf.Reason)
		return raw, rf
	}
	if env.Success != nil && !*env.Success {
		return raw, &RequestFailed{Op: op, Status: resp.StatusCode, Reason: reasonOf(env, "operation failed")}
	}

	if out != nil && len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return raw, &RequestFailed{Op: op, Status: resp.StatusCode, Reason: "malformed response", Err: err}
		}
	}
	return raw, nil
}

func reasonOf(env envelope, fallback string) string {
	switch {
	case env.Error != "":
		return env.Error
	case env.Message != "":
		return env.Message
	}
	return fallback
}

// Result is the {success, message, error} body of action endpoints.
type Result struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}
