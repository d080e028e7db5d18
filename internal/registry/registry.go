// Package registry provides the client boundary to the service-registry
// lookup collaborator.
package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// ServiceInstance is one discovered provider instance.
type ServiceInstance struct {
	ID                string            `json:"id"`
	Provider          string            `json:"provider"`
	ServiceDefinition string            `json:"serviceDefinition"`
	Address           string            `json:"address"`
	Port              int               `json:"port"`
	ServiceURI        string            `json:"serviceUri"`
	Interface         string            `json:"interface"`
	Metadata          map[string]string `json:"metadata,omitempty"`

	// Exclusivity attributes advertised by the provider.
	CanBeExclusive      bool `json:"canBeExclusive"`
	ExclusivityDuration int  `json:"exclusivityDuration"` // seconds, 0 if not applicable
}

// Query describes a registry lookup.
type Query struct {
	ServiceDefinition string            `json:"serviceDefinition"`
	Metadata          map[string]string `json:"metadataRequirements,omitempty"`
}

// Registry looks up candidate provider instances for a service
// definition. An empty result is a normal outcome, not an error.
type Registry interface {
	Lookup(ctx context.Context, q Query) ([]ServiceInstance, error)
}

// Client is an HTTP registry client.
type Client struct {
	url    string
	client *http.Client
}

// NewClient creates a registry client for the given query endpoint.
func NewClient(url string, timeout time.Duration) *Client {
	return &Client{
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

type queryResponse struct {
	Instances []ServiceInstance `json:"instances"`
}

// Lookup queries the registry for provider instances.
func (c *Client) Lookup(ctx context.Context, q Query) ([]ServiceInstance, error) {
	body, err := json.Marshal(q)
	if err != nil {
		return nil, fmt.Errorf("marshal query: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("registry request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("registry returned HTTP %d", resp.StatusCode)
	}

	var decoded queryResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode registry response: %w", err)
	}
	return decoded.Instances, nil
}

// Verify Client implements Registry
var _ Registry = (*Client)(nil)
