package agentspec

import (
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"

	"github.com/maestroframework/maestro/core"
)

// TriggerType tags the trigger union.
type TriggerType string

const (
	TriggerTime   TriggerType = "time"
	TriggerEvent  TriggerType = "event"
	TriggerManual TriggerType = "manual"
)

// Trigger is a tagged union over time, event, and manual activation.
// The Type field selects which variant fields are meaningful; the
// state machine and the synthesizer route on the tag.
type Trigger struct {
	Type TriggerType `json:"type"`

	// Time variant: exactly one of Cron (5 whitespace-separated fields)
	// or IntervalMinutes in [1, 43200]. Never both, never neither.
	Cron            string `json:"cron,omitempty"`
	IntervalMinutes int    `json:"interval_minutes,omitempty"`

	// Event variant
	WebhookURL    string   `json:"webhook_url,omitempty"`
	EventTypes    []string `json:"event_types,omitempty"`
	SourceService string   `json:"source_service,omitempty"`

	// Manual variant
	Description string `json:"description,omitempty"`
}

var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
)

// Validate enforces the per-variant invariants.
func (t Trigger) Validate() error {
	switch t.Type {
	case TriggerTime:
		return t.validateTime()
	case TriggerEvent:
		return t.validateEvent()
	case TriggerManual:
		return t.validateManual()
	default:
		return &core.ValidationError{Field: "type", Reason: fmt.Sprintf("unknown trigger type %q", t.Type)}
	}
}

func (t Trigger) validateTime() error {
	hasCron := t.Cron != ""
	hasInterval := t.IntervalMinutes != 0

	if hasCron == hasInterval {
		return &core.ValidationError{Field: "time", Reason: "exactly one of cron or interval_minutes is required"}
	}
	if hasCron {
		if fields := strings.Fields(t.Cron); len(fields) != 5 {
			return &core.ValidationError{Field: "cron", Reason: fmt.Sprintf("must have 5 fields, got %d", len(fields))}
		}
		if _, err := cronParser.Parse(t.Cron); err != nil {
			return &core.ValidationError{Field: "cron", Reason: fmt.Sprintf("invalid expression: %v", err)}
		}
		return nil
	}
	if t.IntervalMinutes < 1 || t.IntervalMinutes > 43200 {
		return &core.ValidationError{Field: "interval_minutes", Reason: "must be in [1, 43200]"}
	}
	return nil
}

func (t Trigger) validateEvent() error {
	if t.WebhookURL != "" &&
		!strings.HasPrefix(t.WebhookURL, "http://") &&
		!strings.HasPrefix(t.WebhookURL, "https://") {
		return &core.ValidationError{Field: "webhook_url", Reason: "must start with http:// or https://"}
	}
	return nil
}

func (t Trigger) validateManual() error {
	if len(t.Description) < 5 || len(t.Description) > 200 {
		return &core.ValidationError{Field: "description", Reason: "must be 5-200 characters"}
	}
	return nil
}

// Summary renders a short human description, used in synthesis prompts and
// user-visible responses.
func (t Trigger) Summary() string {
	switch t.Type {
	case TriggerTime:
		if t.Cron != "" {
			return fmt.Sprintf("on schedule %q", t.Cron)
		}
		return fmt.Sprintf("every %d minutes", t.IntervalMinutes)
	case TriggerEvent:
		src := t.SourceService
		if src == "" {
			src = "external events"
		}
		return fmt.Sprintf("on events from %s", src)
	case TriggerManual:
		return "on demand"
	default:
		return string(t.Type)
	}
}

// TimeIntervalTrigger builds an interval-based time trigger.
func TimeIntervalTrigger(minutes int) Trigger {
	return Trigger{Type: TriggerTime, IntervalMinutes: minutes}
}

// TimeCronTrigger builds a cron-based time trigger.
func TimeCronTrigger(expr string) Trigger {
	return Trigger{Type: TriggerTime, Cron: expr}
}

// ManualTrigger builds a manual trigger with the given description.
func ManualTrigger(description string) Trigger {
	return Trigger{Type: TriggerManual, Description: description}
}
