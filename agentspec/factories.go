package agentspec

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// NewID returns a fresh agent identifier with the documented prefix.
func NewID() string {
	return IDPrefix + uuid.NewString()
}

// MonitorParams configures the monitor factory.
type MonitorParams struct {
	// Target names what to watch: "email", "files", "website", "inventory".
	Target          string
	IntervalMinutes int
	// Service overrides the default integration for the target.
	Service   string
	CreatedBy string
}

type monitorProfile struct {
	capabilities []Capability
	service      string
	authType     AuthType
	scopes       []string
}

var monitorProfiles = map[string]monitorProfile{
	"email": {
		capabilities: []Capability{CapEmailMonitoring, CapAlertSending},
		service:      "gmail",
		authType:     AuthOAuth2,
		scopes:       []string{"read_messages", "read_labels"},
	},
	"files": {
		capabilities: []Capability{CapFileMonitoring, CapAlertSending},
		service:      "google_drive",
		authType:     AuthOAuth2,
		scopes:       []string{"read_files"},
	},
	"website": {
		capabilities: []Capability{CapWebScraping, CapAlertSending},
		service:      "slack",
		authType:     AuthWebhook,
		scopes:       []string{"post_messages"},
	},
	"inventory": {
		capabilities: []Capability{CapInventoryTracking, CapAlertSending},
		service:      "slack",
		authType:     AuthWebhook,
		scopes:       []string{"post_messages"},
	},
}

// NewMonitorSpec produces a well-formed monitoring agent spec. The target
// selects capabilities and a default integration; unknown targets fall back
// to the website profile.
func NewMonitorSpec(p MonitorParams) (*AgentSpec, error) {
	target := strings.ToLower(strings.TrimSpace(p.Target))
	profile, ok := monitorProfiles[target]
	if !ok {
		target = "website"
		profile = monitorProfiles[target]
	}
	if p.IntervalMinutes <= 0 {
		p.IntervalMinutes = 15
	}
	service := profile.service
	if p.Service != "" && IsWhitelistedService(p.Service) {
		service = p.Service
	}

	now := time.Now().UTC()
	spec := &AgentSpec{
		ID:   NewID(),
		Name: fmt.Sprintf("%s Monitor", titleWord(target)),
		Description: fmt.Sprintf(
			"Monitors %s every %d minutes and sends alerts when attention is needed.",
			target, p.IntervalMinutes),
		Version:      "1.0.0",
		Capabilities: profile.capabilities,
		Triggers:     []Trigger{TimeIntervalTrigger(p.IntervalMinutes)},
		Integrations: map[string]Integration{
			service: {
				ServiceName: service,
				AuthType:    profile.authType,
				Scopes:      profile.scopes,
				RateLimit:   60,
			},
		},
		Outputs: map[string]FieldSchema{
			"alerts": {Type: FieldArray, Required: true},
			"status": {Type: FieldString, Required: true},
		},
		Limits:    DefaultResourceLimits(),
		Status:    StatusDraft,
		CreatedAt: now,
		UpdatedAt: now,
		CreatedBy: p.CreatedBy,
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return spec, nil
}

// SyncParams configures the sync factory.
type SyncParams struct {
	Source          string
	Destination     string
	IntervalMinutes int
	CreatedBy       string
}

// NewSyncSpec produces a well-formed data-sync agent spec moving records
// from Source to Destination on an interval.
func NewSyncSpec(p SyncParams) (*AgentSpec, error) {
	source := fallbackService(p.Source, "hubspot")
	dest := fallbackService(p.Destination, "google_drive")
	if p.IntervalMinutes <= 0 {
		p.IntervalMinutes = 60
	}

	now := time.Now().UTC()
	spec := &AgentSpec{
		ID:   NewID(),
		Name: fmt.Sprintf("%s to %s Sync", titleWord(source), titleWord(dest)),
		Description: fmt.Sprintf(
			"Synchronizes records from %s to %s every %d minutes.",
			source, dest, p.IntervalMinutes),
		Version:      "1.0.0",
		Capabilities: []Capability{CapDataSync, CapDataTransformation},
		Triggers:     []Trigger{TimeIntervalTrigger(p.IntervalMinutes)},
		Integrations: map[string]Integration{
			source: {ServiceName: source, AuthType: AuthOAuth2, Scopes: []string{"read_records"}, RateLimit: 120},
			dest:   {ServiceName: dest, AuthType: AuthOAuth2, Scopes: []string{"write_records"}, RateLimit: 120},
		},
		Inputs: map[string]FieldSchema{
			"since": {Type: FieldString, Required: false},
		},
		Outputs: map[string]FieldSchema{
			"synced_count": {Type: FieldNumber, Required: true},
			"errors":       {Type: FieldArray, Required: false},
		},
		Limits:    DefaultResourceLimits(),
		Status:    StatusDraft,
		CreatedAt: now,
		UpdatedAt: now,
		CreatedBy: p.CreatedBy,
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return spec, nil
}

// ReportParams configures the report factory.
type ReportParams struct {
	Subject   string // what the report covers, e.g. "sales pipeline"
	Cron      string // 5-field schedule; defaults to weekday 9am
	Service   string // data source integration
	CreatedBy string
}

// NewReportSpec produces a well-formed reporting agent spec on a cron
// schedule.
func NewReportSpec(p ReportParams) (*AgentSpec, error) {
	subject := strings.TrimSpace(p.Subject)
	if subject == "" {
		subject = "activity"
	}
	cronExpr := p.Cron
	if cronExpr == "" {
		cronExpr = "0 9 * * 1-5"
	}
	service := fallbackService(p.Service, "hubspot")

	now := time.Now().UTC()
	spec := &AgentSpec{
		ID:   NewID(),
		Name: fmt.Sprintf("%s Report", titleWord(subject)),
		Description: fmt.Sprintf(
			"Generates a recurring report on %s and distributes it to stakeholders.",
			subject),
		Version:      "1.0.0",
		Capabilities: []Capability{CapReportGeneration, CapDataAnalysis},
		Triggers:     []Trigger{TimeCronTrigger(cronExpr)},
		Integrations: map[string]Integration{
			service: {ServiceName: service, AuthType: AuthOAuth2, Scopes: []string{"read_records"}, RateLimit: 60},
		},
		Outputs: map[string]FieldSchema{
			"report_url": {Type: FieldString, Required: true},
			"metrics":    {Type: FieldObject, Required: false},
		},
		Limits:    DefaultResourceLimits(),
		Status:    StatusDraft,
		CreatedAt: now,
		UpdatedAt: now,
		CreatedBy: p.CreatedBy,
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return spec, nil
}

func fallbackService(name, fallback string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if IsWhitelistedService(name) {
		return name
	}
	return fallback
}

// titleWord uppercases the first letter of each space- or underscore-
// separated word, producing names that satisfy the alphanumeric rule.
func titleWord(s string) string {
	words := strings.FieldsFunc(s, func(r rune) bool { return r == ' ' || r == '_' })
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}
