// Package meta is the business layer on top of the orchestrator: it
// classifies requests as strategic or technical, carries per-session
// business context, and decorates every response with guidance and
// processing metadata.
package meta

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/maestroframework/maestro/core"
)

// GoalStatus classifies progress toward one business goal.
type GoalStatus string

const (
	GoalCompleted    GoalStatus = "completed"
	GoalOnTrack      GoalStatus = "on_track"
	GoalAtRisk       GoalStatus = "at_risk"
	GoalOverdue      GoalStatus = "overdue"
	GoalSlowProgress GoalStatus = "slow_progress"
	GoalNotStarted   GoalStatus = "not_started"
)

// Goal is one tracked business objective. Progress is a fraction in
// [0, 1].
type Goal struct {
	Name      string    `json:"name"`
	Progress  float64   `json:"progress"`
	StartedAt time.Time `json:"started_at"`
	Deadline  time.Time `json:"deadline"`
}

// CompanyProfile describes the business the session belongs to.
type CompanyProfile struct {
	Name     string `json:"name,omitempty"`
	Industry string `json:"industry,omitempty"`
	Stage    string `json:"stage,omitempty"`
	TeamSize int    `json:"team_size,omitempty"`
}

// BusinessContext is the per-session business state: profile, metrics,
// goals, and constraints. Derived metrics (runway, ARR) are recomputed
// on every update.
type BusinessContext struct {
	Profile     CompanyProfile     `json:"profile"`
	Metrics     map[string]float64 `json:"metrics"`
	Goals       []Goal             `json:"goals,omitempty"`
	Constraints []string           `json:"constraints,omitempty"`
	UpdatedAt   time.Time          `json:"updated_at"`
}

// NewBusinessContext returns an empty context.
func NewBusinessContext() *BusinessContext {
	return &BusinessContext{Metrics: map[string]float64{}, UpdatedAt: time.Now().UTC()}
}

// UpdateMetric sets a metric and refreshes the derived ones:
// runway_months = cash_balance / burn_rate, arr = mrr * 12.
func (c *BusinessContext) UpdateMetric(name string, value float64) {
	if c.Metrics == nil {
		c.Metrics = map[string]float64{}
	}
	c.Metrics[name] = value

	if burn := c.Metrics["burn_rate"]; burn > 0 {
		c.Metrics["runway_months"] = c.Metrics["cash_balance"] / burn
	}
	if mrr, ok := c.Metrics["mrr"]; ok {
		c.Metrics["arr"] = mrr * 12
	}
	c.UpdatedAt = time.Now().UTC()
}

// CheckGoalProgress classifies every goal by deadline proximity and
// progress fraction.
func (c *BusinessContext) CheckGoalProgress() map[string]GoalStatus {
	now := time.Now().UTC()
	out := make(map[string]GoalStatus, len(c.Goals))
	for _, g := range c.Goals {
		out[g.Name] = classifyGoal(g, now)
	}
	return out
}

func classifyGoal(g Goal, now time.Time) GoalStatus {
	if g.Progress >= 1 {
		return GoalCompleted
	}
	if !g.Deadline.IsZero() && now.After(g.Deadline) {
		return GoalOverdue
	}
	if g.Progress <= 0 {
		return GoalNotStarted
	}
	if g.StartedAt.IsZero() || g.Deadline.IsZero() {
		return GoalOnTrack
	}

	total := g.Deadline.Sub(g.StartedAt)
	if total <= 0 {
		return GoalAtRisk
	}
	expected := float64(now.Sub(g.StartedAt)) / float64(total)
	switch {
	case expected <= 0 || g.Progress >= expected*0.9:
		return GoalOnTrack
	case g.Progress >= expected*0.5:
		return GoalSlowProgress
	default:
		return GoalAtRisk
	}
}

// OptimizationSuggestions applies the rule table over the current
// metrics and profile. The result is deterministic and sorted.
func (c *BusinessContext) OptimizationSuggestions() []string {
	var out []string

	if runway, ok := c.Metrics["runway_months"]; ok && runway < 6 {
		out = append(out, fmt.Sprintf("Runway is %.1f months; reduce burn rate or raise capital.", runway))
	}
	if growth, ok := c.Metrics["growth_rate"]; ok && growth < 0.05 {
		out = append(out, "Monthly growth is under 5%; invest in acquisition experiments.")
	}
	if ltv, ok := c.Metrics["ltv"]; ok {
		if cac := c.Metrics["cac"]; cac > 0 && ltv/cac < 3 {
			out = append(out, "LTV:CAC is below 3; improve retention or cut acquisition cost.")
		}
	}
	if churn, ok := c.Metrics["churn_rate"]; ok && churn > 0.05 {
		out = append(out, "Monthly churn exceeds 5%; automate onboarding and win-back flows.")
	}
	if c.Profile.Stage == "seed" && c.Profile.TeamSize > 15 {
		out = append(out, "Team size is large for seed stage; review hiring pace against runway.")
	}
	switch strings.ToLower(c.Profile.Industry) {
	case "ecommerce":
		out = append(out, "Consider cart-abandonment and inventory-alert automations.")
	case "saas":
		out = append(out, "Consider trial-conversion and usage-alert automations.")
	}

	sort.Strings(out)
	return out
}

// Summary renders the short preamble the meta layer prepends to
// business requests.
func (c *BusinessContext) Summary() string {
	var b strings.Builder
	if c.Profile.Name != "" {
		fmt.Fprintf(&b, "Company: %s", c.Profile.Name)
		if c.Profile.Industry != "" {
			fmt.Fprintf(&b, " (%s)", c.Profile.Industry)
		}
		b.WriteString(". ")
	}
	if len(c.Metrics) > 0 {
		names := make([]string, 0, len(c.Metrics))
		for name := range c.Metrics {
			names = append(names, name)
		}
		sort.Strings(names)
		parts := make([]string, 0, len(names))
		for _, name := range names {
			parts = append(parts, fmt.Sprintf("%s=%.2f", name, c.Metrics[name]))
		}
		fmt.Fprintf(&b, "Key metrics: %s.", strings.Join(parts, ", "))
	}
	return strings.TrimSpace(b.String())
}

func contextKey(session string) string { return fmt.Sprintf("business_context:%s", session) }

// loadContext fetches the session's business context from the store,
// returning a fresh one when none is persisted.
func loadContext(ctx context.Context, store core.StateStore, session string) (*BusinessContext, error) {
	raw, err := store.Get(ctx, contextKey(session))
	if err != nil {
		if core.IsNotFound(err) {
			return NewBusinessContext(), nil
		}
		return nil, fmt.Errorf("loading business context for %s: %w", session, err)
	}
	var bc BusinessContext
	if err := json.Unmarshal([]byte(raw), &bc); err != nil {
		return nil, fmt.Errorf("business context for %s is malformed: %v: %w", session, err, core.ErrParse)
	}
	if bc.Metrics == nil {
		bc.Metrics = map[string]float64{}
	}
	return &bc, nil
}

// saveContext persists the context with the given TTL.
func saveContext(ctx context.Context, store core.StateStore, session string, bc *BusinessContext, ttl time.Duration) error {
	blob, err := json.Marshal(bc)
	if err != nil {
		return err
	}
	return store.SetEx(ctx, contextKey(session), string(blob), ttl)
}
