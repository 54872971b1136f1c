package agentspec

import (
	"strings"
	"testing"
)

func TestNewMonitorSpec_Email(t *testing.T) {
	spec, err := NewMonitorSpec(MonitorParams{Target: "email", IntervalMinutes: 15})
	if err != nil {
		t.Fatalf("NewMonitorSpec() error = %v", err)
	}

	if !strings.Contains(spec.Name, "Email") || !strings.Contains(spec.Name, "Monitor") {
		t.Errorf("Name = %q, want it to contain Email and Monitor", spec.Name)
	}
	if !hasCapability(spec, CapEmailMonitoring) || !hasCapability(spec, CapAlertSending) {
		t.Errorf("Capabilities = %v, want email_monitoring and alert_sending", spec.Capabilities)
	}
	if len(spec.Triggers) != 1 || spec.Triggers[0].Type != TriggerTime {
		t.Fatalf("Triggers = %v, want exactly one time trigger", spec.Triggers)
	}
	if spec.Triggers[0].IntervalMinutes > 60 {
		t.Errorf("IntervalMinutes = %d, want <= 60", spec.Triggers[0].IntervalMinutes)
	}
	if _, ok := spec.Integrations["gmail"]; !ok {
		t.Errorf("Integrations = %v, want gmail", spec.Integrations)
	}
	if err := spec.Validate(); err != nil {
		t.Errorf("factory produced invalid spec: %v", err)
	}
}

func TestNewMonitorSpec_UnknownTargetFallsBack(t *testing.T) {
	spec, err := NewMonitorSpec(MonitorParams{Target: "quantum flux"})
	if err != nil {
		t.Fatalf("NewMonitorSpec() error = %v", err)
	}
	if err := spec.Validate(); err != nil {
		t.Errorf("fallback spec invalid: %v", err)
	}
}

func TestNewSyncSpec(t *testing.T) {
	spec, err := NewSyncSpec(SyncParams{Source: "hubspot", Destination: "s3", IntervalMinutes: 30})
	if err != nil {
		t.Fatalf("NewSyncSpec() error = %v", err)
	}
	if _, ok := spec.Integrations["hubspot"]; !ok {
		t.Error("missing source integration")
	}
	if _, ok := spec.Integrations["s3"]; !ok {
		t.Error("missing destination integration")
	}
	if !hasCapability(spec, CapDataSync) {
		t.Errorf("Capabilities = %v, want data_sync", spec.Capabilities)
	}
}

func TestNewReportSpec_DefaultCron(t *testing.T) {
	spec, err := NewReportSpec(ReportParams{Subject: "sales pipeline"})
	if err != nil {
		t.Fatalf("NewReportSpec() error = %v", err)
	}
	if len(spec.Triggers) != 1 || spec.Triggers[0].Cron == "" {
		t.Fatalf("Triggers = %v, want one cron trigger", spec.Triggers)
	}
	if err := spec.Validate(); err != nil {
		t.Errorf("report spec invalid: %v", err)
	}
}

func TestNewID_Prefix(t *testing.T) {
	id := NewID()
	if !strings.HasPrefix(id, IDPrefix) {
		t.Errorf("NewID() = %q, want %q prefix", id, IDPrefix)
	}
}

func hasCapability(spec *AgentSpec, c Capability) bool {
	for _, have := range spec.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}
