package orchestration

import (
	"fmt"
	"regexp"
	"strings"

	"arrowmesh/internal/apperrors"
)

// Validation limits
const (
	maxSystemNameLength = 64
	maxServiceDefLength = 64
	maxPreferredEntries = 32
	maxQoSRequirements  = 16
	maxExclusivitySecs  = 86400 // 24 hours
)

// systemNamePattern allows alphanumeric, hyphens, and underscores
var systemNamePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]*$`)

// BuildForm validates a request and normalizes it into a Form.
// Invalid requests are rejected here, before any job row exists.
func BuildForm(req *Request) (*Form, error) {
	form := &Form{
		RequesterSystem:     strings.TrimSpace(req.RequesterSystem),
		TargetSystem:        strings.TrimSpace(req.TargetSystem),
		ServiceDefinition:   strings.TrimSpace(req.ServiceDefinition),
		Flags:               req.Flags,
		ExclusivityDuration: req.ExclusivityDuration,
		QoSRequirements:     req.QoSRequirements,
	}
	if form.TargetSystem == "" {
		form.TargetSystem = form.RequesterSystem
	}
	for _, p := range req.PreferredProviders {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			form.PreferredProviders = append(form.PreferredProviders, trimmed)
		}
	}

	if err := validateForm(form); err != nil {
		return nil, err
	}
	return form, nil
}

func validateForm(f *Form) error {
	if err := validateSystemName("requesterSystem", f.RequesterSystem); err != nil {
		return err
	}
	if err := validateSystemName("targetSystem", f.TargetSystem); err != nil {
		return err
	}

	if f.ServiceDefinition == "" {
		return apperrors.Validation("serviceDefinition", "service definition is required")
	}
	if len(f.ServiceDefinition) > maxServiceDefLength {
		return apperrors.Validation("serviceDefinition", fmt.Sprintf("service definition exceeds maximum length of %d", maxServiceDefLength))
	}
	if !systemNamePattern.MatchString(f.ServiceDefinition) {
		return apperrors.Validation("serviceDefinition", "service definition must be alphanumeric (hyphens and underscores allowed)")
	}

	// Policy combinations that contradict each other.
	if f.Flags.OnlyInterCloud && len(f.QoSRequirements) > 0 {
		return apperrors.Validation("flags", "intercloud-only orchestration cannot carry QoS requirements")
	}
	if f.Flags.OnlyInterCloud && f.Flags.ExclusivityPreferred {
		return apperrors.Validation("flags", "intercloud-only orchestration cannot request exclusivity")
	}
	if f.Flags.OnlyPreferred && len(f.PreferredProviders) == 0 {
		return apperrors.Validation("preferredProviders", "onlyPreferred requires at least one preferred provider")
	}

	if f.Flags.ExclusivityPreferred && f.ExclusivityDuration <= 0 {
		return apperrors.Validation("exclusivityDuration", "exclusivityPreferred requires a positive exclusivity duration")
	}
	if !f.Flags.ExclusivityPreferred && f.ExclusivityDuration > 0 {
		return apperrors.Validation("exclusivityDuration", "exclusivity duration given without exclusivityPreferred flag")
	}
	if f.ExclusivityDuration > maxExclusivitySecs {
		return apperrors.Validation("exclusivityDuration", fmt.Sprintf("exclusivity duration exceeds maximum of %d seconds", maxExclusivitySecs))
	}

	if len(f.PreferredProviders) > maxPreferredEntries {
		return apperrors.Validation("preferredProviders", fmt.Sprintf("preferred providers exceed maximum of %d", maxPreferredEntries))
	}
	for _, p := range f.PreferredProviders {
		if err := validateSystemName("preferredProviders", p); err != nil {
			return err
		}
	}

	if len(f.QoSRequirements) > maxQoSRequirements {
		return apperrors.Validation("qosRequirements", fmt.Sprintf("QoS requirements exceed maximum of %d", maxQoSRequirements))
	}
	for i, q := range f.QoSRequirements {
		if q.EvaluationType == "" {
			return apperrors.Validation("qosRequirements", fmt.Sprintf("QoS requirement %d is missing an evaluation type", i))
		}
		if q.Operation != QoSOperationSort && q.Operation != QoSOperationFilter {
			return apperrors.Validation("qosRequirements", fmt.Sprintf("QoS requirement %d has unknown operation %q", i, q.Operation))
		}
	}

	return nil
}

func validateSystemName(field, name string) error {
	if name == "" {
		return apperrors.Validation(field, field+" is required")
	}
	if len(name) > maxSystemNameLength {
		return apperrors.Validation(field, fmt.Sprintf("%s exceeds maximum length of %d", field, maxSystemNameLength))
	}
	if !systemNamePattern.MatchString(name) {
		return apperrors.Validation(field, field+" must be alphanumeric (hyphens and underscores allowed, cannot start with hyphen/underscore)")
	}
	return nil
}
