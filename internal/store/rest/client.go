// Package rest implements the store.Directory contract against the venue
// backend's HTTP API.
package rest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/eventlens/arscan/internal/store"
	"github.com/eventlens/arscan/pkg/core"
)

// Client handles communication with the venue backend.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// New creates a new API client. timeout bounds every request; the resolver
// additionally passes per-lookup contexts.
func New(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 4 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Healthcheck checks if the venue backend is reachable.
func (c *Client) Healthcheck() error {
	resp, err := c.httpClient.Get(c.baseURL + "/healthcheck")
	if err != nil {
		return fmt.Errorf("healthcheck request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("healthcheck returned status %d", resp.StatusCode)
	}
	return nil
}

// stallDoc mirrors the backend's stall document shape.
type stallDoc struct {
	ID         string `json:"id"`
	Marker     string `json:"marker"`
	Event      string `json:"event"`
	Name       string `json:"name"`
	Category   string `json:"category"`
	Status     string `json:"status"`
	Schedule   string `json:"schedule"`
	CrowdLevel string `json:"crowdLevel"`
	Position   string `json:"position"`
}

// LookupStall resolves a marker within an event scope.
//
// Status mapping: 200 found, 404 not registered anywhere, 409 registered
// under a different event. The 409 body is never read; the backend sends
// none, and the scope-mismatch contract forbids exposing the other record.
func (c *Client) LookupStall(ctx context.Context, marker core.MarkerID, scope core.EventScope) (*core.Stall, error) {
	q := url.Values{}
	q.Set("marker", string(marker))
	q.Set("event", string(scope))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/api/v1/stalls/lookup?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("lookup request failed: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		// handled below
	case http.StatusNotFound:
		return nil, store.ErrNotRegistered
	case http.StatusConflict:
		return nil, store.ErrScopeMismatch
	default:
		return nil, fmt.Errorf("lookup returned status %d", resp.StatusCode)
	}

	var doc stallDoc
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decoding stall document: %w", err)
	}

	return &core.Stall{
		ID:         doc.ID,
		Marker:     core.MarkerID(doc.Marker),
		EventScope: scope,
		Name:       doc.Name,
		Category:   doc.Category,
		Status:     doc.Status,
		Schedule:   doc.Schedule,
		CrowdLevel: doc.CrowdLevel,
		Position:   doc.Position,
		FetchedAt:  time.Now(),
	}, nil
}
