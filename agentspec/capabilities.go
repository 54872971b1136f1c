package agentspec

import (
	"fmt"
	"strings"

	"github.com/maestroframework/maestro/core"
)

// Capability is one tag from the closed capability vocabulary.
type Capability string

// The closed capability vocabulary. Validators reject anything else.
const (
	CapEmailMonitoring      Capability = "email_monitoring"
	CapEmailSending         Capability = "email_sending"
	CapAlertSending         Capability = "alert_sending"
	CapDataSync             Capability = "data_sync"
	CapDataTransformation   Capability = "data_transformation"
	CapReportGeneration     Capability = "report_generation"
	CapWebScraping          Capability = "web_scraping"
	CapFileBackup           Capability = "file_backup"
	CapFileMonitoring       Capability = "file_monitoring"
	CapCalendarManagement   Capability = "calendar_management"
	CapMeetingScheduling    Capability = "meeting_scheduling"
	CapCRMUpdates           Capability = "crm_updates"
	CapLeadEnrichment       Capability = "lead_enrichment"
	CapInvoiceProcessing    Capability = "invoice_processing"
	CapPaymentTracking      Capability = "payment_tracking"
	CapSocialMediaPosting   Capability = "social_media_posting"
	CapContentGeneration    Capability = "content_generation"
	CapSentimentAnalysis    Capability = "sentiment_analysis"
	CapDataAnalysis         Capability = "data_analysis"
	CapMetricTracking       Capability = "metric_tracking"
	CapTaskAutomation       Capability = "task_automation"
	CapWorkflowCoordination Capability = "workflow_coordination"
	CapNotificationRouting  Capability = "notification_routing"
	CapDocumentParsing      Capability = "document_parsing"
	CapTranslation          Capability = "translation"
	CapSummarization        Capability = "summarization"
	CapAPIIntegration       Capability = "api_integration"
	CapDatabaseQueries      Capability = "database_queries"
	CapInventoryTracking    Capability = "inventory_tracking"
	CapCustomerSupport      Capability = "customer_support"
)

// AllCapabilities lists the vocabulary in a stable order.
var AllCapabilities = []Capability{
	CapEmailMonitoring, CapEmailSending, CapAlertSending,
	CapDataSync, CapDataTransformation, CapReportGeneration,
	CapWebScraping, CapFileBackup, CapFileMonitoring,
	CapCalendarManagement, CapMeetingScheduling,
	CapCRMUpdates, CapLeadEnrichment,
	CapInvoiceProcessing, CapPaymentTracking,
	CapSocialMediaPosting, CapContentGeneration,
	CapSentimentAnalysis, CapDataAnalysis, CapMetricTracking,
	CapTaskAutomation, CapWorkflowCoordination, CapNotificationRouting,
	CapDocumentParsing, CapTranslation, CapSummarization,
	CapAPIIntegration, CapDatabaseQueries, CapInventoryTracking,
	CapCustomerSupport,
}

var knownCapabilities = func() map[Capability]struct{} {
	m := make(map[Capability]struct{}, len(AllCapabilities))
	for _, c := range AllCapabilities {
		m[c] = struct{}{}
	}
	return m
}()

// IsKnownCapability reports whether c lies in the closed vocabulary.
func IsKnownCapability(c Capability) bool {
	_, ok := knownCapabilities[c]
	return ok
}

// capabilityIntegrations maps capabilities to the integrations that can
// satisfy them. A spec carrying one of these capabilities must declare at
// least one integration from the corresponding set. Capabilities absent
// from the table have no integration requirement.
var capabilityIntegrations = map[Capability][]string{
	CapEmailMonitoring:    {"gmail", "outlook"},
	CapEmailSending:       {"gmail", "outlook", "sendgrid"},
	CapAlertSending:       {"slack", "discord", "twilio", "sendgrid", "gmail", "outlook"},
	CapCRMUpdates:         {"hubspot", "salesforce"},
	CapLeadEnrichment:     {"hubspot", "salesforce", "linkedin"},
	CapCalendarManagement: {"google_calendar", "outlook"},
	CapMeetingScheduling:  {"google_calendar", "outlook"},
	CapPaymentTracking:    {"stripe", "quickbooks"},
	CapInvoiceProcessing:  {"stripe", "quickbooks"},
	CapFileBackup:         {"google_drive", "dropbox", "s3"},
	CapSocialMediaPosting: {"twitter", "linkedin"},
	CapCustomerSupport:    {"zendesk", "slack"},
	CapDatabaseQueries:    {"postgres", "mysql"},
}

// ValidateCapabilityMap checks the capability → integration dependency
// table: every capability that needs an external service must be backed by
// at least one declared integration that can serve it.
func (s *AgentSpec) ValidateCapabilityMap() error {
	for _, cap := range s.Capabilities {
		required, ok := capabilityIntegrations[cap]
		if !ok {
			continue
		}
		if !s.hasAnyIntegration(required) {
			return &core.ValidationError{
				Field: "integrations",
				Reason: fmt.Sprintf("capability %q requires one of: %s",
					cap, strings.Join(required, ", ")),
			}
		}
	}
	return nil
}

func (s *AgentSpec) hasAnyIntegration(services []string) bool {
	for _, svc := range services {
		if _, ok := s.Integrations[svc]; ok {
			return true
		}
	}
	return false
}
