package meta

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/maestroframework/maestro/core"
	"github.com/maestroframework/maestro/orchestrator"
	"github.com/maestroframework/maestro/synth"
	"github.com/maestroframework/maestro/telemetry"
)

// Category is the strategic classification of a request.
type Category string

const (
	CategoryGrowRevenue       Category = "GROW_REVENUE"
	CategoryReduceCosts       Category = "REDUCE_COSTS"
	CategoryImproveEfficiency Category = "IMPROVE_EFFICIENCY"
	CategoryLaunchProduct     Category = "LAUNCH_PRODUCT"
	CategoryCustomAutomation  Category = "CUSTOM_AUTOMATION"
)

var knownCategories = map[Category]bool{
	CategoryGrowRevenue:       true,
	CategoryReduceCosts:       true,
	CategoryImproveEfficiency: true,
	CategoryLaunchProduct:     true,
	CategoryCustomAutomation:  true,
}

// BusinessIntent is the classifier's strategic verdict.
type BusinessIntent struct {
	Category             Category `json:"category"`
	Confidence           float64  `json:"confidence"`
	SuggestedDepartments []string `json:"suggested_departments,omitempty"`
	KeyMetrics           []string `json:"key_metrics,omitempty"`
	Reasoning            string   `json:"reasoning,omitempty"`
	Complexity           string   `json:"complexity,omitempty"`
	EstimatedTimeline    string   `json:"estimated_timeline,omitempty"`
	Prerequisites        []string `json:"prerequisites,omitempty"`
	SuccessCriteria      []string `json:"success_criteria,omitempty"`
}

// fallbackIntent is used whenever classification fails: the request is
// treated as plain automation with low confidence.
func fallbackIntent() *BusinessIntent {
	return &BusinessIntent{Category: CategoryCustomAutomation, Confidence: 0.3, Complexity: "simple"}
}

// Metadata is attached to every meta-layer response.
type Metadata struct {
	ProcessingMS      int64    `json:"processing_time_ms"`
	ActiveDepartments []string `json:"active_departments,omitempty"`
	Category          Category `json:"category"`
	Confidence        float64  `json:"confidence"`
	Complexity        string   `json:"complexity,omitempty"`
	EstimatedTimeline string   `json:"estimated_timeline,omitempty"`
}

// Guidance is the business advice block attached to successful
// strategic requests.
type Guidance struct {
	Departments     []string `json:"departments,omitempty"`
	KeyMetrics      []string `json:"key_metrics,omitempty"`
	Reasoning       string   `json:"reasoning,omitempty"`
	Prerequisites   []string `json:"prerequisites,omitempty"`
	SuccessCriteria []string `json:"success_criteria,omitempty"`
	Suggestions     []string `json:"suggestions,omitempty"`
}

// Response wraps the pipeline's terminal state with the meta layer's
// additions.
type Response struct {
	State            *orchestrator.State `json:"state"`
	Intent           *BusinessIntent     `json:"business_intent"`
	BusinessGuidance *Guidance           `json:"business_guidance,omitempty"`
	Metadata         Metadata            `json:"jarvis_metadata"`
}

const (
	defaultIntentTTL      = 24 * time.Hour
	defaultContextRefresh = 5 * time.Minute
)

// MetaOrchestrator routes strategic requests over the single-agent
// pipeline.
type MetaOrchestrator struct {
	orch       *orchestrator.Orchestrator
	store      core.StateStore
	completion core.Completion
	refresh    time.Duration
	intentTTL  time.Duration
	logger     core.Logger

	mu       sync.Mutex
	contexts map[string]*cachedContext
}

type cachedContext struct {
	bc       *BusinessContext
	loadedAt time.Time
}

// Options configures a MetaOrchestrator.
type Options struct {
	Orchestrator   *orchestrator.Orchestrator // required
	Store          core.StateStore            // required; holds context and intent history
	Completion     core.Completion            // required for business classification
	ContextRefresh time.Duration
	IntentTTL      time.Duration
	Logger         core.Logger
}

// New creates the business layer.
func New(opts Options) (*MetaOrchestrator, error) {
	if opts.Orchestrator == nil {
		return nil, fmt.Errorf("meta orchestrator needs the core pipeline: %w", core.ErrInvalidConfiguration)
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("meta orchestrator needs a state store: %w", core.ErrInvalidConfiguration)
	}
	if opts.ContextRefresh <= 0 {
		opts.ContextRefresh = defaultContextRefresh
	}
	if opts.IntentTTL <= 0 {
		opts.IntentTTL = defaultIntentTTL
	}
	logger := opts.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("meta")
	}
	return &MetaOrchestrator{
		orch:       opts.Orchestrator,
		store:      opts.Store,
		completion: opts.Completion,
		refresh:    opts.ContextRefresh,
		intentTTL:  opts.IntentTTL,
		logger:     logger,
		contexts:   map[string]*cachedContext{},
	}, nil
}

const businessSystemPrompt = `You classify business requests for an automation platform.
Respond with ONLY a JSON object:
  category: one of GROW_REVENUE, REDUCE_COSTS, IMPROVE_EFFICIENCY, LAUNCH_PRODUCT, CUSTOM_AUTOMATION
  confidence: number in [0,1]
  suggested_departments: array of department names
  key_metrics: array of metric names this affects
  reasoning: one sentence
  complexity: one of simple, moderate, complex
  estimated_timeline: short human estimate
  prerequisites: array
  success_criteria: array`

// Process classifies the request, routes it through the pipeline, and
// decorates the result. Technical requests pass through verbatim;
// strategic ones get a business-context preamble and a guidance block.
func (m *MetaOrchestrator) Process(ctx context.Context, session, request string) (*Response, error) {
	began := time.Now()
	defer telemetry.Duration("meta.process_ms", began)

	bc, err := m.businessContext(ctx, session)
	if err != nil {
		return nil, err
	}
	intent := m.classify(ctx, bc, request)
	m.persistIntent(ctx, session, intent)

	routed := request
	if intent.Category != CategoryCustomAutomation {
		routed = m.withPreamble(bc, intent, request)
	}

	state, runErr := m.orch.Process(ctx, session, routed)
	resp := &Response{
		State:  state,
		Intent: intent,
		Metadata: Metadata{
			ProcessingMS:      time.Since(began).Milliseconds(),
			ActiveDepartments: activeDepartments(state),
			Category:          intent.Category,
			Confidence:        intent.Confidence,
			Complexity:        intent.Complexity,
			EstimatedTimeline: intent.EstimatedTimeline,
		},
	}
	if runErr != nil {
		return resp, runErr
	}
	if intent.Category != CategoryCustomAutomation && state != nil && state.DeploymentStatus == orchestrator.DeploymentCompleted {
		resp.BusinessGuidance = &Guidance{
			Departments:     intent.SuggestedDepartments,
			KeyMetrics:      intent.KeyMetrics,
			Reasoning:       intent.Reasoning,
			Prerequisites:   intent.Prerequisites,
			SuccessCriteria: intent.SuccessCriteria,
			Suggestions:     bc.OptimizationSuggestions(),
		}
	}
	return resp, nil
}

// classify turns the request into a BusinessIntent, falling back to
// CUSTOM_AUTOMATION at 0.3 confidence whenever the classifier cannot be
// used or returns something unusable.
func (m *MetaOrchestrator) classify(ctx context.Context, bc *BusinessContext, request string) *BusinessIntent {
	if m.completion == nil {
		return fallbackIntent()
	}

	var prompt strings.Builder
	fmt.Fprintf(&prompt, "Request: %s\n", request)
	if summary := bc.Summary(); summary != "" {
		fmt.Fprintf(&prompt, "Business context: %s\n", summary)
	}

	resp, err := m.completion.Generate(ctx, core.CompletionRequest{
		System:      businessSystemPrompt,
		Prompt:      prompt.String(),
		MaxTokens:   1024,
		Temperature: 0,
	})
	if err != nil {
		m.logger.Warn("Business classification failed, treating as custom automation", map[string]interface{}{
			"operation": "classify_business",
			"error":     err.Error(),
		})
		return fallbackIntent()
	}

	var intent BusinessIntent
	if err := json.Unmarshal([]byte(synth.ExtractJSONObject(resp.Text)), &intent); err != nil {
		return fallbackIntent()
	}
	intent.Category = Category(strings.ToUpper(strings.TrimSpace(string(intent.Category))))
	if !knownCategories[intent.Category] {
		return fallbackIntent()
	}
	return &intent
}

// withPreamble prepends a short business-context block so the pipeline's
// own classifier sees the strategic framing.
func (m *MetaOrchestrator) withPreamble(bc *BusinessContext, intent *BusinessIntent, request string) string {
	var b strings.Builder
	b.WriteString("Business Context: ")
	fmt.Fprintf(&b, "objective %s", intent.Category)
	if len(intent.SuggestedDepartments) > 0 {
		fmt.Fprintf(&b, "; departments: %s", strings.Join(intent.SuggestedDepartments, ", "))
	}
	if summary := bc.Summary(); summary != "" {
		fmt.Fprintf(&b, "; %s", summary)
	}
	b.WriteString("\n\nRequest: ")
	b.WriteString(request)
	return b.String()
}

// businessContext returns the session's context, reloading it from the
// store when the cached copy is older than the refresh interval.
func (m *MetaOrchestrator) businessContext(ctx context.Context, session string) (*BusinessContext, error) {
	m.mu.Lock()
	cached, ok := m.contexts[session]
	if ok && time.Since(cached.loadedAt) < m.refresh {
		bc := cached.bc
		m.mu.Unlock()
		return bc, nil
	}
	m.mu.Unlock()

	bc, err := loadContext(ctx, m.store, session)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.contexts[session] = &cachedContext{bc: bc, loadedAt: time.Now()}
	m.mu.Unlock()
	return bc, nil
}

// UpdateContext mutates the session's business context and persists it.
func (m *MetaOrchestrator) UpdateContext(ctx context.Context, session string, mutate func(*BusinessContext)) error {
	bc, err := m.businessContext(ctx, session)
	if err != nil {
		return err
	}
	mutate(bc)
	bc.UpdatedAt = time.Now().UTC()
	if err := saveContext(ctx, m.store, session, bc, m.intentTTL); err != nil {
		return err
	}
	m.mu.Lock()
	m.contexts[session] = &cachedContext{bc: bc, loadedAt: time.Now()}
	m.mu.Unlock()
	return nil
}

func intentKey(session string, ts time.Time) string {
	return fmt.Sprintf("business_intent:%s:%d", session, ts.UnixNano())
}

func intentIndexKey(session string) string {
	return fmt.Sprintf("business_intents:%s", session)
}

// persistIntent records the classification under a timestamped key and
// prepends that key to the session's intent index. Best effort.
func (m *MetaOrchestrator) persistIntent(ctx context.Context, session string, intent *BusinessIntent) {
	blob, err := json.Marshal(intent)
	if err != nil {
		return
	}
	key := intentKey(session, time.Now().UTC())
	if err := m.store.SetEx(ctx, key, string(blob), m.intentTTL); err != nil {
		m.logger.Warn("Failed to persist business intent", map[string]interface{}{
			"operation": "persist_intent",
			"session":   session,
			"error":     err.Error(),
		})
		return
	}
	index := intentIndexKey(session)
	if err := m.store.LPush(ctx, index, key); err == nil {
		m.store.Expire(ctx, index, m.intentTTL)
	}
	telemetry.Counter("meta.intents", "category", string(intent.Category))
}

// IntentHistory returns the session's recorded intents, newest first.
func (m *MetaOrchestrator) IntentHistory(ctx context.Context, session string, limit int) ([]BusinessIntent, error) {
	if limit <= 0 {
		limit = 10
	}
	keys, err := m.store.LRange(ctx, intentIndexKey(session), 0, int64(limit-1))
	if err != nil {
		if core.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []BusinessIntent
	for _, key := range keys {
		raw, err := m.store.Get(ctx, key)
		if err != nil {
			continue
		}
		var intent BusinessIntent
		if err := json.Unmarshal([]byte(raw), &intent); err != nil {
			continue
		}
		out = append(out, intent)
	}
	return out, nil
}

// activeDepartments surfaces the departments the pipeline touched.
func activeDepartments(state *orchestrator.State) []string {
	if state == nil {
		return nil
	}
	return state.ActiveDepartments
}
