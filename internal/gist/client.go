// Package gist is the client for the external revisioned document store.
// The store keeps one JSON file per share and a revision history of writes;
// the collaboration server treats it as a durable mirror that may lag the
// in-memory document.
package gist

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

// Revision describes one persisted write of a gist.
type Revision struct {
	Revision  string `json:"revision"`
	UpdatedAt string `json:"updated_at"`
}

// Gist is the stored document.
type Gist struct {
	ID        string `json:"id"`
	Filename  string `json:"filename"`
	Content   string `json:"content"`
	Revision  string `json:"revision,omitempty"`
	UpdatedAt string `json:"updated_at,omitempty"`
}

// StatusError is returned for non-2xx store responses.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("store returned %d: %s", e.StatusCode, e.Body)
}

// ErrNotFound is returned when the store has no gist for the ID.
var ErrNotFound = errors.New("gist not found")

// IsRateLimited reports whether err is a store throttling response
// (403/429), which gets a much larger persist backoff than other failures.
func IsRateLimited(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode == http.StatusForbidden || se.StatusCode == http.StatusTooManyRequests
	}
	return false
}

// Client talks to a revisioned store over HTTP. Stateless besides the
// embedded http.Client; safe for concurrent use.
type Client struct {
	baseURL string
	httpc   *http.Client
}

// NewClient creates a store client for baseURL (no trailing slash needed).
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpc:   &http.Client{Timeout: 15 * time.Second},
	}
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("reading store response: %w", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail := string(body)
		if len(detail) > 200 {
			detail = detail[:200]
		}
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: detail}
	}
	return body, nil
}

// Get fetches the stored document for id.
func (c *Client) Get(ctx context.Context, id string) (*Gist, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/gists/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, err
	}
	body, err := c.do(req)
	if err != nil {
		return nil, err
	}
	var g Gist
	if err := json.Unmarshal(body, &g); err != nil {
		return nil, fmt.Errorf("decoding gist: %w", err)
	}
	return &g, nil
}

// Patch writes content as filename into the gist for id. The returned
// revision may be nil when the store's response omits it; callers fall
// back to ListRevisions.
func (c *Client) Patch(ctx context.Context, id, filename, content string) (*Revision, error) {
	payload, err := json.Marshal(map[string]string{
		"filename": filename,
		"content":  content,
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, c.baseURL+"/gists/"+url.PathEscape(id), bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	body, err := c.do(req)
	if err != nil {
		return nil, err
	}
	if len(body) == 0 {
		return nil, nil
	}
	var rev Revision
	if err := json.Unmarshal(body, &rev); err != nil || rev.Revision == "" {
		// Response body present but not a revision descriptor.
		return nil, nil
	}
	return &rev, nil
}

// ListRevisions returns a page of revision descriptors, newest first.
func (c *Client) ListRevisions(ctx context.Context, id string, page, perPage int) ([]Revision, error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("per_page", strconv.Itoa(perPage))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/gists/"+url.PathEscape(id)+"/revisions?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	body, err := c.do(req)
	if err != nil {
		return nil, err
	}
	var revs []Revision
	if err := json.Unmarshal(body, &revs); err != nil {
		return nil, fmt.Errorf("decoding revisions: %w", err)
	}
	return revs, nil
}
