// Package catalog is the Challenge Catalog Client: the HTTP client the
// Recovery Orchestrator (and, per future intent, on-demand handlers)
// use to fetch the active phase catalog.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/rezkam/mono/internal/breaker"
	"github.com/rezkam/mono/internal/domain"
)

const maxAttempts = 3

// activePhase is the wire shape of one element of GET /phases/active.
type activePhase struct {
	ProjectID     uint64         `json:"projectId"`
	PhaseID       uint64         `json:"phaseId"`
	PhaseTypeName string         `json:"phaseTypeName"`
	State         string         `json:"state"`
	EndTime       time.Time      `json:"endTime"`
	ProjectStatus string         `json:"projectStatus"`
	Operator      string         `json:"operator"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// Client fetches the active phase catalog over HTTP, wrapped in its
// own circuit breaker so a catalog outage degrades callers to "treat
// as empty" instead of blocking.
type Client struct {
	baseURL    string
	httpClient *http.Client
	cb         *breaker.Breaker
}

func New(baseURL string, timeout time.Duration, cb *breaker.Breaker) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		cb:         cb,
	}
}

// FetchActivePhases calls GET {baseURL}/phases/active, retrying with
// bounded exponential backoff and jitter before the circuit breaker
// counts the attempt as one failure.
func (c *Client) FetchActivePhases(ctx context.Context) ([]domain.CatalogPhase, error) {
	var phases []domain.CatalogPhase

	err := c.cb.Execute(ctx, func(ctx context.Context) error {
		var lastErr error
		for attempt := 0; attempt < maxAttempts; attempt++ {
			if attempt > 0 {
				backoff := time.Duration(1<<uint(attempt-1)) * 200 * time.Millisecond
				backoff += time.Duration(rand.N(int64(100 * time.Millisecond)))
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(backoff):
				}
			}

			raw, err := c.doFetch(ctx)
			if err == nil {
				phases = raw
				return nil
			}
			lastErr = err
		}
		return lastErr
	})
	if err != nil {
		return nil, err
	}
	return phases, nil
}

func (c *Client) doFetch(ctx context.Context) ([]domain.CatalogPhase, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/phases/active", nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch active phases: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch active phases: unexpected status %d", resp.StatusCode)
	}

	var wire []activePhase
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, fmt.Errorf("decode active phases: %w", err)
	}

	out := make([]domain.CatalogPhase, 0, len(wire))
	for _, p := range wire {
		out = append(out, domain.CatalogPhase{
			ProjectID: p.ProjectID, PhaseID: p.PhaseID, PhaseTypeName: p.PhaseTypeName,
			State: domain.TransitionState(p.State), EndTime: p.EndTime, Operator: p.Operator, ProjectStatus: p.ProjectStatus,
		})
	}
	return out, nil
}
