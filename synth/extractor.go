package synth

import (
	"regexp"
	"strconv"
	"strings"
)

// ExtractedParams is what the deterministic extractor pulls out of a
// request before any model is consulted.
type ExtractedParams struct {
	Target          string
	Source          string
	Destination     string
	Subject         string
	IntervalMinutes int
	Cron            string
	Services        []string
}

var (
	intervalRe = regexp.MustCompile(`(?i)every\s+(\d+)\s*(minute|min|hour|hr)s?`)
	dailyRe    = regexp.MustCompile(`(?i)\b(daily|every day|each day)\b`)
	weekdayRe  = regexp.MustCompile(`(?i)\b(weekday|business day|workday)s?\b`)
	syncRe     = regexp.MustCompile(`(?i)(?:sync|copy|move|mirror)\s+.*?\bfrom\s+(\w+)\s+to\s+(\w+)`)
	reportRe   = regexp.MustCompile(`(?i)report\s+(?:on|about|of)\s+([\w\s]+?)(?:\.|,|$|\s+every|\s+daily)`)
)

// monitorTargets maps request keywords to canonical monitor targets.
var monitorTargets = []struct {
	keywords []string
	target   string
}{
	{[]string{"email", "inbox", "mail"}, "email"},
	{[]string{"website", "site", "page", "url"}, "website"},
	{[]string{"file", "folder", "directory", "document"}, "files"},
	{[]string{"inventory", "stock", "warehouse"}, "inventory"},
}

// knownServices are service names the extractor recognizes verbatim in
// request text.
var knownServices = []string{
	"gmail", "outlook", "slack", "discord", "hubspot", "salesforce",
	"stripe", "quickbooks", "shopify", "zendesk", "github", "jira",
	"notion", "airtable", "dropbox", "s3", "twilio", "sendgrid",
}

// Extract runs the regex+keyword extractor over a request. It never
// errs: missing parameters are simply left zero and the template
// matcher decides whether that disqualifies the fast path.
func Extract(request string) ExtractedParams {
	lower := strings.ToLower(request)
	params := ExtractedParams{}

	if m := intervalRe.FindStringSubmatch(request); m != nil {
		n, _ := strconv.Atoi(m[1])
		if strings.HasPrefix(strings.ToLower(m[2]), "h") {
			n *= 60
		}
		params.IntervalMinutes = n
	}
	switch {
	case weekdayRe.MatchString(request):
		params.Cron = "0 9 * * 1-5"
	case dailyRe.MatchString(request):
		params.Cron = "0 9 * * *"
	}

	for _, mt := range monitorTargets {
		for _, kw := range mt.keywords {
			if strings.Contains(lower, kw) {
				params.Target = mt.target
				break
			}
		}
		if params.Target != "" {
			break
		}
	}

	if m := syncRe.FindStringSubmatch(request); m != nil {
		params.Source = strings.ToLower(m[1])
		params.Destination = strings.ToLower(m[2])
	}
	if m := reportRe.FindStringSubmatch(request); m != nil {
		params.Subject = strings.TrimSpace(m[1])
	}

	for _, svc := range knownServices {
		if strings.Contains(lower, svc) {
			params.Services = append(params.Services, svc)
		}
	}
	return params
}
