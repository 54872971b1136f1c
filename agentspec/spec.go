// Package agentspec defines the typed, validated description from which an
// agent's source is synthesized and which governs its deployment.
//
// Specs are canonicalized on parse: names are trimmed, capabilities are
// deduplicated, and every invariant is checked fail-closed. A spec that
// parses is safe to hand to the synthesizer and the sandbox.
package agentspec

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/maestroframework/maestro/core"
)

// IDPrefix is the documented prefix for agent identifiers. Prefixes are part
// of the contract; validators reject mismatches.
const IDPrefix = "agent:"

// Status is the lifecycle state of a spec.
type Status string

const (
	StatusDraft    Status = "draft"
	StatusActive   Status = "active"
	StatusPaused   Status = "paused"
	StatusArchived Status = "archived"
)

// FieldType enumerates the allowed field schema types.
type FieldType string

const (
	FieldString  FieldType = "string"
	FieldNumber  FieldType = "number"
	FieldBoolean FieldType = "boolean"
	FieldObject  FieldType = "object"
	FieldArray   FieldType = "array"
)

// FieldSchema describes one named input or output field.
type FieldSchema struct {
	Type       FieldType              `json:"type"`
	Required   bool                   `json:"required"`
	Validation map[string]interface{} `json:"validation,omitempty"`
}

// ResourceLimits caps an agent's sandbox footprint.
type ResourceLimits struct {
	CPUCores   float64 `json:"cpu_cores"`
	MemoryMB   int     `json:"memory_mb"`
	TimeoutS   int     `json:"timeout_s"`
	MaxRetries int     `json:"max_retries"`
}

// DefaultResourceLimits returns the documented defaults.
func DefaultResourceLimits() ResourceLimits {
	return ResourceLimits{CPUCores: 0.5, MemoryMB: 256, TimeoutS: 300, MaxRetries: 3}
}

// AgentSpec is the central entity of the platform.
type AgentSpec struct {
	ID           string                 `json:"id"`
	Name         string                 `json:"name"`
	Description  string                 `json:"description"`
	Version      string                 `json:"version"`
	Capabilities []Capability           `json:"capabilities"`
	Triggers     []Trigger              `json:"triggers"`
	Integrations map[string]Integration `json:"integrations,omitempty"`
	Inputs       map[string]FieldSchema `json:"inputs,omitempty"`
	Outputs      map[string]FieldSchema `json:"outputs,omitempty"`
	Limits       ResourceLimits         `json:"resource_limits"`
	Status       Status                 `json:"status"`
	CreatedAt    time.Time              `json:"created_at"`
	UpdatedAt    time.Time              `json:"updated_at"`
	CreatedBy    string                 `json:"created_by,omitempty"`
}

var (
	nameRe   = regexp.MustCompile(`^[a-zA-Z0-9 ]+$`)
	semverRe = regexp.MustCompile(`^(\d+)\.(\d+)\.(\d+)$`)
)

// Parse decodes a serialized spec, canonicalizes it, and enforces every
// invariant. Constructors fail closed: an invalid blob never yields a spec.
func Parse(blob []byte) (*AgentSpec, error) {
	var spec AgentSpec
	if err := json.Unmarshal(blob, &spec); err != nil {
		return nil, &core.ValidationError{Field: "spec", Reason: fmt.Sprintf("not a valid spec document: %v", err)}
	}
	spec.Canonicalize()
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return &spec, nil
}

// Canonicalize trims the name and removes duplicate capabilities,
// preserving first-seen order.
func (s *AgentSpec) Canonicalize() {
	s.Name = strings.TrimSpace(s.Name)

	seen := make(map[Capability]struct{}, len(s.Capabilities))
	deduped := s.Capabilities[:0]
	for _, c := range s.Capabilities {
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		deduped = append(deduped, c)
	}
	s.Capabilities = deduped
}

// Validate enforces all spec invariants. The first failure is returned.
func (s *AgentSpec) Validate() error {
	if !strings.HasPrefix(s.ID, IDPrefix) {
		return &core.ValidationError{Field: "id", Reason: fmt.Sprintf("must start with %q", IDPrefix)}
	}
	if len(s.Name) < 2 || len(s.Name) > 50 {
		return &core.ValidationError{Field: "name", Reason: "must be 2-50 characters"}
	}
	if !nameRe.MatchString(s.Name) {
		return &core.ValidationError{Field: "name", Reason: "must be alphanumeric and spaces only"}
	}
	if len(s.Description) < 10 || len(s.Description) > 500 {
		return &core.ValidationError{Field: "description", Reason: "must be 10-500 characters"}
	}
	if !semverRe.MatchString(s.Version) {
		return &core.ValidationError{Field: "version", Reason: "must be semantic MAJOR.MINOR.PATCH"}
	}

	if len(s.Capabilities) == 0 {
		return &core.ValidationError{Field: "capabilities", Reason: "at least one capability is required"}
	}
	for _, c := range s.Capabilities {
		if !IsKnownCapability(c) {
			return &core.ValidationError{Field: "capabilities", Reason: fmt.Sprintf("unknown capability %q", c)}
		}
	}

	if len(s.Triggers) == 0 {
		return &core.ValidationError{Field: "triggers", Reason: "at least one trigger is required"}
	}
	for i, trig := range s.Triggers {
		if err := trig.Validate(); err != nil {
			var verr *core.ValidationError
			if ok := asValidationError(err, &verr); ok {
				return &core.ValidationError{
					Field:  fmt.Sprintf("triggers[%d].%s", i, verr.Field),
					Reason: verr.Reason,
				}
			}
			return err
		}
	}

	for key, integ := range s.Integrations {
		if err := integ.Validate(key); err != nil {
			return err
		}
	}

	for name, field := range s.Inputs {
		if err := validateField("inputs", name, field); err != nil {
			return err
		}
	}
	for name, field := range s.Outputs {
		if err := validateField("outputs", name, field); err != nil {
			return err
		}
	}

	if err := s.Limits.Validate(); err != nil {
		return err
	}

	switch s.Status {
	case StatusDraft, StatusActive, StatusPaused, StatusArchived:
	default:
		return &core.ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", s.Status)}
	}

	return s.ValidateCapabilityMap()
}

func validateField(section, name string, field FieldSchema) error {
	switch field.Type {
	case FieldString, FieldNumber, FieldBoolean, FieldObject, FieldArray:
		return nil
	default:
		return &core.ValidationError{
			Field:  fmt.Sprintf("%s.%s.type", section, name),
			Reason: fmt.Sprintf("unknown field type %q", field.Type),
		}
	}
}

// Validate checks resource limits against the documented bounds.
func (r ResourceLimits) Validate() error {
	if r.CPUCores < 0.1 || r.CPUCores > 4.0 {
		return &core.ValidationError{Field: "resource_limits.cpu_cores", Reason: "must be in [0.1, 4.0]"}
	}
	if r.MemoryMB < 128 || r.MemoryMB > 2048 {
		return &core.ValidationError{Field: "resource_limits.memory_mb", Reason: "must be in [128, 2048]"}
	}
	if r.TimeoutS < 30 || r.TimeoutS > 3600 {
		return &core.ValidationError{Field: "resource_limits.timeout_s", Reason: "must be in [30, 3600]"}
	}
	if r.MaxRetries < 0 || r.MaxRetries > 10 {
		return &core.ValidationError{Field: "resource_limits.max_retries", Reason: "must be in [0, 10]"}
	}
	return nil
}

// VersionKind selects which semver component IncrementVersion bumps.
type VersionKind string

const (
	VersionMajor VersionKind = "major"
	VersionMinor VersionKind = "minor"
	VersionPatch VersionKind = "patch"
)

// IncrementVersion bumps the spec's version per semver and refreshes
// updated_at. Bumping major or minor resets the lower components.
func (s *AgentSpec) IncrementVersion(kind VersionKind) error {
	m := semverRe.FindStringSubmatch(s.Version)
	if m == nil {
		return &core.ValidationError{Field: "version", Reason: "must be semantic MAJOR.MINOR.PATCH"}
	}
	major, _ := strconv.Atoi(m[1])
	minor, _ := strconv.Atoi(m[2])
	patch, _ := strconv.Atoi(m[3])

	switch kind {
	case VersionMajor:
		major, minor, patch = major+1, 0, 0
	case VersionMinor:
		minor, patch = minor+1, 0
	case VersionPatch:
		patch++
	default:
		return &core.ValidationError{Field: "version", Reason: fmt.Sprintf("unknown version kind %q", kind)}
	}

	s.Version = fmt.Sprintf("%d.%d.%d", major, minor, patch)
	s.UpdatedAt = time.Now().UTC()
	return nil
}

// RequiredScopes returns the deduplicated union of scopes across all
// integrations, sorted for stable output.
func (s *AgentSpec) RequiredScopes() []string {
	seen := make(map[string]struct{})
	for _, integ := range s.Integrations {
		for _, scope := range integ.Scopes {
			seen[scope] = struct{}{}
		}
	}
	scopes := make([]string, 0, len(seen))
	for scope := range seen {
		scopes = append(scopes, scope)
	}
	sort.Strings(scopes)
	return scopes
}

// Serialize encodes the spec for storage.
func (s *AgentSpec) Serialize() ([]byte, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize spec %s: %w", s.ID, err)
	}
	return data, nil
}

func asValidationError(err error, target **core.ValidationError) bool {
	verr, ok := err.(*core.ValidationError)
	if ok {
		*target = verr
	}
	return ok
}
