// Package orchestration implements the dynamic orchestration engine:
// request validation, candidate matchmaking, QoS filtering, exclusivity
// locking and the job lifecycle, for both pull and push orchestration.
package orchestration

import (
	"time"

	"arrowmesh/internal/registry"
)

// Flags control orchestration behavior for one request.
type Flags struct {
	Matchmaking          bool `json:"matchmaking"`
	OnlyPreferred        bool `json:"onlyPreferred"`
	OnlyInterCloud       bool `json:"onlyInterCloud"`
	ExclusivityPreferred bool `json:"exclusivityPreferred"`
	AllowTranslation     bool `json:"allowTranslation"`
}

// QoS requirement operations.
const (
	QoSOperationSort   = "SORT"
	QoSOperationFilter = "FILTER"
)

// QoSRequirement names one external evaluation to apply to the
// candidate list. Parameters are opaque to the engine.
type QoSRequirement struct {
	EvaluationType string            `json:"evaluationType"`
	Operation      string            `json:"operation"`
	Parameters     map[string]string `json:"parameters,omitempty"`
}

// Request is the wire form of an orchestration request.
type Request struct {
	RequesterSystem     string           `json:"requesterSystem"`
	TargetSystem        string           `json:"targetSystem,omitempty"`
	ServiceDefinition   string           `json:"serviceDefinition"`
	Flags               Flags            `json:"flags"`
	PreferredProviders  []string         `json:"preferredProviders,omitempty"`
	ExclusivityDuration int              `json:"exclusivityDuration,omitempty"` // seconds
	QoSRequirements     []QoSRequirement `json:"qosRequirements,omitempty"`
}

// Form is the validated, normalized representation of one request. It
// is built once per request and passed by reference through the
// pipeline; it is never persisted.
type Form struct {
	RequesterSystem     string
	TargetSystem        string
	ServiceDefinition   string
	Flags               Flags
	PreferredProviders  []string
	ExclusivityDuration int // seconds
	QoSRequirements     []QoSRequirement
}

// RequestsExclusivity reports whether the form asks for an exclusive
// reservation of the matched provider.
func (f *Form) RequestsExclusivity() bool {
	return f.Flags.ExclusivityPreferred && f.ExclusivityDuration > 0
}

// Candidate wraps one discovered provider instance together with the
// orchestration-relevant flags derived for this request. In-memory only.
type Candidate struct {
	Instance            registry.ServiceInstance
	Preferred           bool
	CanBeExclusive      bool
	ExclusivityDuration int // seconds the provider can stay exclusive, 0 if none
}

// MatchedService is one provider selected for the requester.
type MatchedService struct {
	Provider          string            `json:"provider"`
	ServiceDefinition string            `json:"serviceDefinition"`
	ServiceInstanceID string            `json:"serviceInstanceId"`
	Address           string            `json:"address"`
	Port              int               `json:"port"`
	ServiceURI        string            `json:"serviceUri"`
	Interface         string            `json:"interface"`
	Metadata          map[string]string `json:"metadata,omitempty"`
	Exclusive         bool              `json:"exclusive"`
	ExclusiveUntil    *time.Time        `json:"exclusiveUntil,omitempty"`
}

// Response is the outcome of one orchestration job.
type Response struct {
	JobID    string           `json:"jobId"`
	Results  []MatchedService `json:"results"`
	Warnings []string         `json:"warnings,omitempty"`
}

// NotifyTarget describes where a subscription's results are delivered.
type NotifyTarget struct {
	Protocol string `json:"protocol"` // "http" or "https"
	Address  string `json:"address"`
	Port     int    `json:"port"`
	Path     string `json:"path,omitempty"`
}

// SubscribeRequest registers a standing push orchestration.
type SubscribeRequest struct {
	OwnerSystem     string       `json:"ownerSystem"`
	TargetSystem    string       `json:"targetSystem,omitempty"`
	DurationSeconds int          `json:"durationSeconds,omitempty"` // 0 means never expires
	Notify          NotifyTarget `json:"notify"`
	Request         Request      `json:"request"`
}

// SubscriptionView is the API representation of a subscription.
type SubscriptionView struct {
	ID                string       `json:"id"`
	OwnerSystem       string       `json:"ownerSystem"`
	TargetSystem      string       `json:"targetSystem"`
	ServiceDefinition string       `json:"serviceDefinition"`
	Notify            NotifyTarget `json:"notify"`
	ExpiresAt         *time.Time   `json:"expiresAt,omitempty"`
	CreatedAt         time.Time    `json:"createdAt"`
}
