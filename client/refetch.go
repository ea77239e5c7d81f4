package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// Refetcher fetches the authoritative snapshot of a resource and returns
// the sequence number it reflects. The dispatcher falls back to it whenever
// incremental delivery can no longer be trusted.
type Refetcher interface {
	Refetch(ctx context.Context, resourceType, resourceID string) (seq uint64, err error)
}

// RefetchFunc adapts a function to the Refetcher interface.
type RefetchFunc func(ctx context.Context, resourceType, resourceID string) (uint64, error)

func (f RefetchFunc) Refetch(ctx context.Context, resourceType, resourceID string) (uint64, error) {
	return f(ctx, resourceType, resourceID)
}

// HTTPRefetcher pulls snapshots from the collaboration service's REST
// surface. Applications that cache resources locally will usually wrap it to
// also store the returned payload.
type HTTPRefetcher struct {
	BaseURL string
	Token   func() string
	Client  *http.Client
}

func (r *HTTPRefetcher) Refetch(ctx context.Context, resourceType, resourceID string) (uint64, error) {
	url := fmt.Sprintf("%s/collab/resources/%s/%s", strings.TrimRight(r.BaseURL, "/"), resourceType, resourceID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	if r.Token != nil {
		req.Header.Set("Authorization", "Bearer "+r.Token())
	}
	httpClient := r.Client
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("refetch %s/%s: unexpected status %d", resourceType, resourceID, resp.StatusCode)
	}
	var body struct {
		Seq uint64 `json:"seq"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, err
	}
	return body.Seq, nil
}
