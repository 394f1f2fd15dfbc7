package models

import (
	"fmt"
	"strings"
)

// GlobalScopeKey is the key under which engine-wide usage is accounted.
const GlobalScopeKey = "global"

// TenantScope identifies a tenant at project:category:feature granularity.
// Immutable once created.
type TenantScope struct {
	Project  string
	Category string
	Feature  string
}

const (
	maxSegmentLen = 64
	scopeSegments = 3
)

// ParseScope parses a "project:category:feature" identifier.
// Returns a *ValidationError describing the first malformed segment.
func ParseScope(s string) (TenantScope, error) {
	parts := strings.Split(s, ":")
	if len(parts) != scopeSegments {
		return TenantScope{}, &ValidationError{
			Field:  "scope",
			Reason: fmt.Sprintf("expected project:category:feature, got %q", s),
		}
	}
	names := [scopeSegments]string{"project", "category", "feature"}
	for i, p := range parts {
		if err := validateSegment(names[i], p); err != nil {
			return TenantScope{}, err
		}
	}
	return TenantScope{Project: parts[0], Category: parts[1], Feature: parts[2]}, nil
}

// MustParseScope is ParseScope for statically known identifiers.
func MustParseScope(s string) TenantScope {
	scope, err := ParseScope(s)
	if err != nil {
		panic(err)
	}
	return scope
}

func validateSegment(name, s string) error {
	if s == "" {
		return &ValidationError{Field: name, Reason: "segment is empty"}
	}
	if len(s) > maxSegmentLen {
		return &ValidationError{Field: name, Reason: fmt.Sprintf("segment exceeds %d characters", maxSegmentLen)}
	}
	for _, r := range s {
		if r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '-' || r == '_' || r == '.' {
			continue
		}
		return &ValidationError{Field: name, Reason: fmt.Sprintf("invalid character %q", r)}
	}
	return nil
}

// String returns the full feature-level identifier.
func (t TenantScope) String() string {
	return t.Project + ":" + t.Category + ":" + t.Feature
}

// FeatureKey is the feature-granularity accounting key.
func (t TenantScope) FeatureKey() string { return t.String() }

// ProjectKey is the project-granularity accounting key.
func (t TenantScope) ProjectKey() string { return t.Project }

// Keys returns the accounting keys this scope rolls up into, finest first:
// feature, project, global.
func (t TenantScope) Keys() []string {
	return []string{t.FeatureKey(), t.ProjectKey(), GlobalScopeKey}
}

// ValidScopeSegment reports whether s is a single well-formed scope
// segment, used where a bare project key is acceptable.
func ValidScopeSegment(s string) bool {
	return validateSegment("scope", s) == nil
}

// ValidMetricName reports whether a metric identifier is well formed.
// Malformed metrics are rejected individually; the rest of the sample
// is still processed.
func ValidMetricName(name string) bool {
	if name == "" || len(name) > maxSegmentLen {
		return false
	}
	for _, r := range name {
		if r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '_' {
			continue
		}
		return false
	}
	return true
}
