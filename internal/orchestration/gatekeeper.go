package orchestration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// HTTPGatekeeper delegates intercloud orchestration to the gatekeeper
// core system over HTTP.
type HTTPGatekeeper struct {
	url    string
	client *http.Client
}

// NewHTTPGatekeeper creates a gatekeeper client for the given endpoint.
func NewHTTPGatekeeper(url string, timeout time.Duration) *HTTPGatekeeper {
	return &HTTPGatekeeper{
		url: url,
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

type gatekeeperRequest struct {
	RequesterSystem    string   `json:"requesterSystem"`
	TargetSystem       string   `json:"targetSystem"`
	ServiceDefinition  string   `json:"serviceDefinition"`
	PreferredProviders []string `json:"preferredProviders,omitempty"`
}

type gatekeeperResponse struct {
	Results []MatchedService `json:"results"`
}

// Orchestrate starts an intercloud negotiation for the form.
func (g *HTTPGatekeeper) Orchestrate(ctx context.Context, form *Form) ([]MatchedService, error) {
	body, err := json.Marshal(gatekeeperRequest{
		RequesterSystem:    form.RequesterSystem,
		TargetSystem:       form.TargetSystem,
		ServiceDefinition:  form.ServiceDefinition,
		PreferredProviders: form.PreferredProviders,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal gatekeeper request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gatekeeper request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("gatekeeper returned HTTP %d", resp.StatusCode)
	}

	var decoded gatekeeperResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode gatekeeper response: %w", err)
	}
	return decoded.Results, nil
}

var _ Gatekeeper = (*HTTPGatekeeper)(nil)
