package synth

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"

	"github.com/maestroframework/maestro/agentspec"
)

// Template is one fast-path code template. The primary keyword carries
// most of the match confidence, supporting keywords the rest; Required
// names the extracted parameters that must be present for the template
// to render.
type Template struct {
	Name       string
	Primary    string
	Supporting []string
	Required   []string
	tmpl       *template.Template
}

// templateData is the rendering context shared by all templates.
type templateData struct {
	AgentName       string
	ClassName       string
	Version         string
	Capabilities    []string
	Target          string
	Source          string
	Destination     string
	Subject         string
	IntervalMinutes int
	Service         string
}

// MatchConfidence scores how well this template fits a request. The
// primary keyword is worth 0.6, the supporting set shares the
// remaining 0.4, so a primary hit plus one supporting hit clears the
// fast-path floor.
func (t *Template) MatchConfidence(request string) float64 {
	lower := strings.ToLower(request)
	score := 0.0
	if strings.Contains(lower, t.Primary) {
		score += 0.6
	}
	if len(t.Supporting) > 0 {
		hits := 0
		for _, kw := range t.Supporting {
			if strings.Contains(lower, kw) {
				hits++
			}
		}
		score += 0.4 * float64(hits) / float64(len(t.Supporting))
	}
	return score
}

// HasRequired reports whether every required parameter was extracted.
func (t *Template) HasRequired(params ExtractedParams) bool {
	for _, name := range t.Required {
		switch name {
		case "target":
			if params.Target == "" {
				return false
			}
		case "source":
			if params.Source == "" {
				return false
			}
		case "destination":
			if params.Destination == "" {
				return false
			}
		case "subject":
			if params.Subject == "" {
				return false
			}
		case "schedule":
			if params.IntervalMinutes == 0 && params.Cron == "" {
				return false
			}
		}
	}
	return true
}

// Render produces the agent source for this template.
func (t *Template) Render(spec *agentspec.AgentSpec, params ExtractedParams) (string, error) {
	data := templateData{
		AgentName:       spec.Name,
		ClassName:       classNameFor(spec.Name),
		Version:         spec.Version,
		Target:          params.Target,
		Source:          params.Source,
		Destination:     params.Destination,
		Subject:         params.Subject,
		IntervalMinutes: params.IntervalMinutes,
	}
	for _, c := range spec.Capabilities {
		data.Capabilities = append(data.Capabilities, string(c))
	}
	if len(params.Services) > 0 {
		data.Service = params.Services[0]
	} else {
		for name := range spec.Integrations {
			data.Service = name
			break
		}
	}
	if data.IntervalMinutes == 0 {
		data.IntervalMinutes = 15
	}

	var buf bytes.Buffer
	if err := t.tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to render template %s: %w", t.Name, err)
	}
	return buf.String(), nil
}

func classNameFor(name string) string {
	var b strings.Builder
	for _, word := range strings.Fields(name) {
		word = strings.ToLower(word)
		b.WriteString(strings.ToUpper(word[:1]))
		b.WriteString(word[1:])
	}
	if b.Len() == 0 {
		return "GeneratedAgent"
	}
	return b.String()
}

// Registry holds the known templates in match-priority order.
type Registry struct {
	templates []*Template
}

// NewRegistry builds the built-in template set.
func NewRegistry() *Registry {
	return &Registry{templates: []*Template{
		mustTemplate("monitor", "monitor", []string{"watch", "alert", "notify"}, []string{"target"}, monitorTemplate),
		mustTemplate("sync", "sync", []string{"from", "to"}, []string{"source", "destination"}, syncTemplate),
		mustTemplate("report", "report", []string{"summary", "digest", "every"}, []string{"subject"}, reportTemplate),
	}}
}

// Match returns the best template for a request together with its
// confidence, or nil when nothing scores above zero.
func (r *Registry) Match(request string, params ExtractedParams) (*Template, float64) {
	var best *Template
	bestScore := 0.0
	for _, t := range r.templates {
		score := t.MatchConfidence(request)
		if !t.HasRequired(params) {
			continue
		}
		if score > bestScore {
			best, bestScore = t, score
		}
	}
	return best, bestScore
}

// Names lists the registered template names, used in slow-path prompts.
func (r *Registry) Names() []string {
	names := make([]string, len(r.templates))
	for i, t := range r.templates {
		names[i] = t.Name
	}
	return names
}

func mustTemplate(name, primary string, supporting, required []string, body string) *Template {
	return &Template{
		Name:       name,
		Primary:    primary,
		Supporting: supporting,
		Required:   required,
		tmpl:       template.Must(template.New(name).Parse(body)),
	}
}

const monitorTemplate = `import logging
import time

from agent_runtime import BaseAgent


class {{.ClassName}}(BaseAgent):
    """{{.AgentName}}: watches {{.Target}} and raises alerts on matches."""

    def __init__(self, config=None):
        super().__init__(config)
        self.name = "{{.AgentName}}"
        self.version = "{{.Version}}"
        self.capabilities = [{{range $i, $c := .Capabilities}}{{if $i}}, {{end}}"{{$c}}"{{end}}]
        self.config = config or {}
        self.interval_minutes = {{.IntervalMinutes}}
        self.logger = logging.getLogger(self.name)

    def initialize(self):
        if getattr(self, "_ready", False):
            return
        self.client = self.connect("{{.Service}}")
        self._ready = True
        self.logger.info("initialized, polling every %d minutes", self.interval_minutes)

    def execute(self):
        self.initialize()
        items = self.client.fetch_new("{{.Target}}")
        matched = [item for item in items if self.matches_criteria(item)]
        for item in matched:
            self.send_alert(item)
        self.logger.info("checked %d items, alerted on %d", len(items), len(matched))
        return {"checked": len(items), "alerted": len(matched)}

    def matches_criteria(self, item):
        keywords = self.config.get("keywords", [])
        if not keywords:
            return item.get("important", False)
        text = str(item.get("subject", "")) + " " + str(item.get("body", ""))
        return any(kw.lower() in text.lower() for kw in keywords)

    def send_alert(self, item):
        self.notify(channel=self.config.get("alert_channel", "default"),
                    message="Alert from {{.AgentName}}: %s" % item.get("subject", "(no subject)"))

    def cleanup(self):
        if getattr(self, "_ready", False):
            self.client.close()
            self._ready = False
`

const syncTemplate = `import logging
import time

from agent_runtime import BaseAgent


class {{.ClassName}}(BaseAgent):
    """{{.AgentName}}: mirrors records from {{.Source}} into {{.Destination}}."""

    def __init__(self, config=None):
        super().__init__(config)
        self.name = "{{.AgentName}}"
        self.version = "{{.Version}}"
        self.capabilities = [{{range $i, $c := .Capabilities}}{{if $i}}, {{end}}"{{$c}}"{{end}}]
        self.config = config or {}
        self.logger = logging.getLogger(self.name)

    def initialize(self):
        if getattr(self, "_ready", False):
            return
        self.source = self.connect("{{.Source}}")
        self.destination = self.connect("{{.Destination}}")
        self._ready = True

    def execute(self):
        self.initialize()
        cursor = self.load_cursor()
        records = self.source.fetch_since(cursor)
        written = 0
        for record in records:
            self.destination.upsert(self.transform(record))
            written += 1
        if records:
            self.save_cursor(records[-1]["updated_at"])
        self.logger.info("synced %d records from {{.Source}} to {{.Destination}}", written)
        return {"synced": written}

    def transform(self, record):
        mapping = self.config.get("field_mapping", {})
        if not mapping:
            return record
        return {mapping.get(k, k): v for k, v in record.items()}

    def cleanup(self):
        if getattr(self, "_ready", False):
            self.source.close()
            self.destination.close()
            self._ready = False
`

const reportTemplate = `import datetime
import logging

from agent_runtime import BaseAgent


class {{.ClassName}}(BaseAgent):
    """{{.AgentName}}: compiles a recurring report on {{.Subject}}."""

    def __init__(self, config=None):
        super().__init__(config)
        self.name = "{{.AgentName}}"
        self.version = "{{.Version}}"
        self.capabilities = [{{range $i, $c := .Capabilities}}{{if $i}}, {{end}}"{{$c}}"{{end}}]
        self.config = config or {}
        self.logger = logging.getLogger(self.name)

    def initialize(self):
        if getattr(self, "_ready", False):
            return
        self.source = self.connect("{{.Service}}")
        self._ready = True

    def execute(self):
        self.initialize()
        since = datetime.datetime.utcnow() - datetime.timedelta(days=1)
        rows = self.source.query("{{.Subject}}", since=since)
        report = self.render_report(rows)
        self.deliver(report, recipients=self.config.get("recipients", []))
        self.logger.info("delivered report covering %d rows", len(rows))
        return {"rows": len(rows)}

    def render_report(self, rows):
        lines = ["Report: {{.Subject}}", "Generated: %s" % datetime.datetime.utcnow().isoformat()]
        for row in rows:
            lines.append("- %s" % row.get("summary", str(row)))
        return "\n".join(lines)

    def cleanup(self):
        if getattr(self, "_ready", False):
            self.source.close()
            self._ready = False
`
