package agentspec

import (
	"fmt"

	"github.com/maestroframework/maestro/core"
)

// AuthType enumerates the supported integration auth mechanisms.
type AuthType string

const (
	AuthOAuth2   AuthType = "oauth2"
	AuthAPIKey   AuthType = "api_key"
	AuthWebhook  AuthType = "webhook"
	AuthInternal AuthType = "internal"
	AuthScraping AuthType = "scraping"
)

// Integration describes one external service binding. Concrete external
// APIs are modeled as opaque descriptors; the platform only validates the
// shape and never calls the service itself.
type Integration struct {
	ServiceName string   `json:"service_name"`
	AuthType    AuthType `json:"auth_type"`
	Scopes      []string `json:"scopes,omitempty"`
	RateLimit   int      `json:"rate_limit"`
}

// serviceWhitelist is the closed set of integratable services.
var serviceWhitelist = map[string]struct{}{
	"gmail":           {},
	"outlook":         {},
	"slack":           {},
	"discord":         {},
	"hubspot":         {},
	"salesforce":      {},
	"stripe":          {},
	"quickbooks":      {},
	"google_calendar": {},
	"google_drive":    {},
	"dropbox":         {},
	"s3":              {},
	"github":          {},
	"jira":            {},
	"notion":          {},
	"airtable":        {},
	"twilio":          {},
	"sendgrid":        {},
	"twitter":         {},
	"linkedin":        {},
	"zendesk":         {},
	"shopify":         {},
	"postgres":        {},
	"mysql":           {},
	"webhooks":        {},
	"internal":        {},
}

// IsWhitelistedService reports whether name is an integratable service.
func IsWhitelistedService(name string) bool {
	_, ok := serviceWhitelist[name]
	return ok
}

// Validate checks the integration against its map key and the documented
// bounds. The key must equal the embedded service name.
func (i Integration) Validate(key string) error {
	if key != i.ServiceName {
		return &core.ValidationError{
			Field:  fmt.Sprintf("integrations.%s", key),
			Reason: fmt.Sprintf("key must equal service_name (got %q)", i.ServiceName),
		}
	}
	if !IsWhitelistedService(i.ServiceName) {
		return &core.ValidationError{
			Field:  fmt.Sprintf("integrations.%s", key),
			Reason: fmt.Sprintf("service %q is not in the whitelist", i.ServiceName),
		}
	}
	switch i.AuthType {
	case AuthOAuth2, AuthAPIKey, AuthWebhook, AuthInternal, AuthScraping:
	default:
		return &core.ValidationError{
			Field:  fmt.Sprintf("integrations.%s.auth_type", key),
			Reason: fmt.Sprintf("unknown auth type %q", i.AuthType),
		}
	}
	if i.RateLimit < 1 || i.RateLimit > 10000 {
		return &core.ValidationError{
			Field:  fmt.Sprintf("integrations.%s.rate_limit", key),
			Reason: "must be in [1, 10000]",
		}
	}
	return nil
}
