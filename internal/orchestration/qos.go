package orchestration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"slices"
	"time"

	"arrowmesh/internal/registry"
)

// qosEvaluatorService is the service definition QoS evaluators register
// under; the evaluation type they support is an instance metadata tag.
const (
	qosEvaluatorService  = "qos-evaluation"
	qosEvaluationTypeTag = "evaluationType"

	// WarningQoSUnverified is appended once per requirement that could
	// not be verified. QoS problems never abort orchestration.
	WarningQoSUnverified = "QoS compliance could not be verified"
)

// EvaluationRequest is the payload sent to an external QoS evaluator.
type EvaluationRequest struct {
	Operation  string            `json:"operation"`
	Providers  []string          `json:"providers"`
	Parameters map[string]string `json:"parameters,omitempty"`
}

// EvaluationResult is an evaluator's decision: an ordered list for SORT
// operations or an unordered passed list for filter operations.
type EvaluationResult struct {
	SortedProviders []string `json:"sortedProviders,omitempty"`
	PassedProviders []string `json:"passedProviders,omitempty"`
}

// EvaluatorCaller performs the synchronous call to one evaluator instance.
type EvaluatorCaller interface {
	Evaluate(ctx context.Context, instance registry.ServiceInstance, req EvaluationRequest) (*EvaluationResult, error)
}

// HTTPEvaluator calls QoS evaluators over HTTP.
type HTTPEvaluator struct {
	client *http.Client
}

// NewHTTPEvaluator creates an evaluator caller with a bounded timeout.
func NewHTTPEvaluator(timeout time.Duration) *HTTPEvaluator {
	return &HTTPEvaluator{
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

// Evaluate posts the candidate provider names and the opaque requirement
// parameters to the evaluator instance.
func (e *HTTPEvaluator) Evaluate(ctx context.Context, instance registry.ServiceInstance, evalReq EvaluationRequest) (*EvaluationResult, error) {
	body, err := json.Marshal(evalReq)
	if err != nil {
		return nil, fmt.Errorf("marshal evaluation request: %w", err)
	}

	url := fmt.Sprintf("http://%s:%d%s", instance.Address, instance.Port, instance.ServiceURI)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("evaluator request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("evaluator returned HTTP %d", resp.StatusCode)
	}

	var result EvaluationResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode evaluator response: %w", err)
	}
	return &result, nil
}

var _ EvaluatorCaller = (*HTTPEvaluator)(nil)

// QoSPipeline applies a request's QoS requirements to a candidate list
// by consulting external evaluator services. Every failure mode is a
// soft failure: the requirement is skipped with a warning and the
// candidate list from the previous step carries forward.
type QoSPipeline struct {
	registry  registry.Registry
	evaluator EvaluatorCaller
	logger    *slog.Logger

	// pickIndex selects one evaluator instance among several matches.
	// Overridable in tests; defaults to uniform random.
	pickIndex func(n int) int
}

// NewQoSPipeline creates a pipeline driver.
func NewQoSPipeline(reg registry.Registry, evaluator EvaluatorCaller) *QoSPipeline {
	return &QoSPipeline{
		registry:  reg,
		evaluator: evaluator,
		logger:    slog.With("component", "qos"),
		pickIndex: rand.IntN,
	}
}

// Apply runs each requirement in order and returns the filtered/sorted
// candidate list. Warnings are appended for every requirement that
// could not be verified.
func (p *QoSPipeline) Apply(ctx context.Context, candidates []*Candidate, requirements []QoSRequirement, warnings *[]string) []*Candidate {
	current := candidates
	for _, req := range requirements {
		next, ok := p.applyOne(ctx, current, req)
		if !ok {
			*warnings = append(*warnings, WarningQoSUnverified)
			continue
		}
		current = next
	}
	return current
}

func (p *QoSPipeline) applyOne(ctx context.Context, candidates []*Candidate, req QoSRequirement) ([]*Candidate, bool) {
	instances, err := p.registry.Lookup(ctx, registry.Query{
		ServiceDefinition: qosEvaluatorService,
		Metadata:          map[string]string{qosEvaluationTypeTag: req.EvaluationType},
	})
	if err != nil {
		p.logger.Warn("QoS evaluator lookup failed", "evaluationType", req.EvaluationType, "error", err)
		return nil, false
	}
	if len(instances) == 0 {
		p.logger.Warn("No QoS evaluator found", "evaluationType", req.EvaluationType)
		return nil, false
	}
	instance := instances[p.pickIndex(len(instances))]

	providers := make([]string, 0, len(candidates))
	for _, c := range candidates {
		providers = append(providers, c.Instance.Provider)
	}

	result, err := p.evaluator.Evaluate(ctx, instance, EvaluationRequest{
		Operation:  req.Operation,
		Providers:  providers,
		Parameters: req.Parameters,
	})
	if err != nil {
		p.logger.Warn("QoS evaluator call failed",
			"evaluationType", req.EvaluationType,
			"provider", instance.Provider,
			"error", err,
		)
		return nil, false
	}

	switch req.Operation {
	case QoSOperationSort:
		if result.SortedProviders == nil {
			return nil, false
		}
		return sortByProviderOrder(candidates, result.SortedProviders), true
	default:
		if result.PassedProviders == nil {
			return nil, false
		}
		return retainProviders(candidates, result.PassedProviders), true
	}
}

// sortByProviderOrder rebuilds the candidate list in the evaluator's
// order, dropping candidates the evaluator did not name.
func sortByProviderOrder(candidates []*Candidate, order []string) []*Candidate {
	used := make([]bool, len(candidates))
	var out []*Candidate
	for _, name := range order {
		for i, c := range candidates {
			if !used[i] && c.Instance.Provider == name {
				used[i] = true
				out = append(out, c)
			}
		}
	}
	return out
}

// retainProviders keeps only candidates whose provider passed,
// preserving their original relative order.
func retainProviders(candidates []*Candidate, passed []string) []*Candidate {
	var out []*Candidate
	for _, c := range candidates {
		if slices.Contains(passed, c.Instance.Provider) {
			out = append(out, c)
		}
	}
	return out
}
