package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/maestroframework/maestro/core"
	"github.com/maestroframework/maestro/telemetry"
)

const (
	// Per-sender rate limit: rateLimitMax sends per rateLimitWindow.
	defaultRateLimitMax    = 100
	defaultRateLimitWindow = 60 * time.Second

	defaultStreamTTL     = 7 * 24 * time.Hour
	defaultDeadLetterTTL = 30 * 24 * time.Hour

	// cleanupMaxLen is the approximate per-stream cap applied by
	// CleanupExpired.
	cleanupMaxLen = 1000

	deadLetterStream = "failed:messages"

	consumerGroup = "readers"
)

// Stats summarizes one agent's bus footprint.
type Stats struct {
	Pending       int64 `json:"pending"`
	Sent          int64 `json:"sent"`
	Read          int64 `json:"read"`
	Subscriptions int64 `json:"subscriptions"`
}

// Bus routes messages between agents over a StateStore.
type Bus struct {
	store           core.StateStore
	rateLimitMax    int64
	rateLimitWindow time.Duration
	streamTTL       time.Duration
	deadLetterTTL   time.Duration
	logger          core.Logger
}

// Options configures a Bus.
type Options struct {
	RateLimitMax    int
	RateLimitWindow time.Duration
	StreamTTL       time.Duration
	DeadLetterTTL   time.Duration
	Logger          core.Logger
}

// New creates a message bus over the given state store.
func New(store core.StateStore, opts Options) *Bus {
	if opts.RateLimitMax <= 0 {
		opts.RateLimitMax = defaultRateLimitMax
	}
	if opts.RateLimitWindow <= 0 {
		opts.RateLimitWindow = defaultRateLimitWindow
	}
	if opts.StreamTTL <= 0 {
		opts.StreamTTL = defaultStreamTTL
	}
	if opts.DeadLetterTTL <= 0 {
		opts.DeadLetterTTL = defaultDeadLetterTTL
	}
	logger := opts.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("bus")
	}
	return &Bus{
		store:           store,
		rateLimitMax:    int64(opts.RateLimitMax),
		rateLimitWindow: opts.RateLimitWindow,
		streamTTL:       opts.StreamTTL,
		deadLetterTTL:   opts.DeadLetterTTL,
		logger:          logger,
	}
}

func inboxKey(agent string) string         { return fmt.Sprintf("agent:%s:messages", agent) }
func outboxKey(agent string) string        { return fmt.Sprintf("agent:%s:outbox", agent) }
func subscriptionsKey(agent string) string { return fmt.Sprintf("agent:%s:subscriptions", agent) }
func readKey(agent string) string          { return fmt.Sprintf("agent:%s:read_messages", agent) }
func broadcastKey(dept string) string      { return fmt.Sprintf("dept:%s:broadcast", dept) }
func deptAgentsKey(dept string) string     { return fmt.Sprintf("dept:%s:agents", dept) }
func rateLimitKey(agent string) string     { return fmt.Sprintf("rate_limit:%s", agent) }

// Publish validates, rate-checks, and appends a message to the
// recipient's stream plus the sender's outbox. Any delivery failure
// routes the message to the dead-letter stream; a rate-limit rejection
// does not.
func (b *Bus) Publish(ctx context.Context, from, to string, msgType MessageType, payload map[string]interface{}, priority Priority) (string, error) {
	msg, err := NewMessage(from, to, msgType, payload, priority)
	if err != nil {
		return "", err
	}
	if err := b.checkRateLimit(ctx, from); err != nil {
		return "", err
	}
	if err := b.deliver(ctx, msg); err != nil {
		b.deadLetter(ctx, msg, err)
		return "", err
	}
	telemetry.Counter("bus.published")
	return msg.ID, nil
}

func (b *Bus) deliver(ctx context.Context, msg *Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	values, err := msg.streamValues()
	if err != nil {
		return err
	}
	inbox := inboxKey(msg.To)
	if _, err := b.store.XAdd(ctx, inbox, values); err != nil {
		return fmt.Errorf("failed to enqueue message for %s: %w", msg.To, err)
	}
	b.store.Expire(ctx, inbox, b.streamTTL)

	outbox := outboxKey(msg.From)
	if _, err := b.store.XAdd(ctx, outbox, values); err != nil {
		return fmt.Errorf("failed to record outbox entry for %s: %w", msg.From, err)
	}
	b.store.Expire(ctx, outbox, b.streamTTL)
	return nil
}

// checkRateLimit enforces the fixed-window per-sender limit. The
// counter key expires with the window, so the first send of a window
// re-creates it.
func (b *Bus) checkRateLimit(ctx context.Context, from string) error {
	key := rateLimitKey(from)
	count, err := b.store.Incr(ctx, key)
	if err != nil {
		return fmt.Errorf("rate limit check for %s: %w", from, err)
	}
	if count == 1 {
		b.store.Expire(ctx, key, b.rateLimitWindow)
	}
	if count > b.rateLimitMax {
		telemetry.Counter("bus.rate_limited")
		return fmt.Errorf("sender %s exceeded %d messages per %s: %w",
			from, b.rateLimitMax, b.rateLimitWindow, core.ErrRateLimited)
	}
	return nil
}

// deadLetter routes a failed message to the dead-letter stream. Best
// effort: a dead-letter failure is logged, not returned.
func (b *Bus) deadLetter(ctx context.Context, msg *Message, cause error) {
	values, err := msg.streamValues()
	if err != nil {
		values = map[string]interface{}{"id": msg.ID}
	}
	values["reason"] = cause.Error()
	values["retry_count"] = "0"
	values["failed_at"] = time.Now().UTC().Format(time.RFC3339)

	if _, err := b.store.XAdd(ctx, deadLetterStream, values); err != nil {
		b.logger.Error("Failed to dead-letter message", map[string]interface{}{
			"operation":  "bus_dead_letter",
			"message_id": msg.ID,
			"error":      err.Error(),
		})
		return
	}
	b.store.Expire(ctx, deadLetterStream, b.deadLetterTTL)
	telemetry.Counter("bus.dead_lettered")
	b.logger.Warn("Message dead-lettered", map[string]interface{}{
		"operation":  "bus_dead_letter",
		"message_id": msg.ID,
		"to":         msg.To,
		"reason":     cause.Error(),
	})
}

// Broadcast fans a payload out to every agent in a department. All
// copies share one broadcast id, and the department's own broadcast
// stream records the fan-out.
func (b *Bus) Broadcast(ctx context.Context, dept string, payload map[string]interface{}, from string) (string, error) {
	if from == "" {
		from = "dept:" + dept
	}
	agents, err := b.store.SMembers(ctx, deptAgentsKey(dept))
	if err != nil {
		return "", fmt.Errorf("failed to enumerate agents for department %s: %w", dept, err)
	}

	broadcastID := uuid.NewString()
	delivered := 0
	for _, agent := range agents {
		msg, err := NewMessage(from, agent, TypeCoordination, payload, PriorityMedium)
		if err != nil {
			return "", err
		}
		msg.BroadcastID = broadcastID
		if err := b.deliver(ctx, msg); err != nil {
			b.deadLetter(ctx, msg, err)
			continue
		}
		delivered++
	}

	record := map[string]interface{}{
		"broadcast_id": broadcastID,
		"from":         from,
		"delivered":    fmt.Sprintf("%d", delivered),
		"sent_at":      time.Now().UTC().Format(time.RFC3339),
	}
	if blob, err := json.Marshal(payload); err == nil {
		record["payload"] = string(blob)
	}
	stream := broadcastKey(dept)
	if _, err := b.store.XAdd(ctx, stream, record); err != nil {
		return "", fmt.Errorf("failed to record broadcast for department %s: %w", dept, err)
	}
	b.store.Expire(ctx, stream, b.streamTTL)

	b.logger.Info("Broadcast delivered", map[string]interface{}{
		"operation":    "bus_broadcast",
		"department":   dept,
		"broadcast_id": broadcastID,
		"recipients":   delivered,
	})
	return broadcastID, nil
}

// Subscribe adds topics to an agent's subscription set.
func (b *Bus) Subscribe(ctx context.Context, agent string, topics ...string) error {
	if len(topics) == 0 {
		return nil
	}
	if err := b.store.SAdd(ctx, subscriptionsKey(agent), topics...); err != nil {
		return fmt.Errorf("failed to subscribe %s: %w", agent, err)
	}
	return nil
}

// Unsubscribe removes topics from an agent's subscription set.
func (b *Bus) Unsubscribe(ctx context.Context, agent string, topics ...string) error {
	if len(topics) == 0 {
		return nil
	}
	if err := b.store.SRem(ctx, subscriptionsKey(agent), topics...); err != nil {
		return fmt.Errorf("failed to unsubscribe %s: %w", agent, err)
	}
	return nil
}

// Subscriptions lists an agent's topics.
func (b *Bus) Subscriptions(ctx context.Context, agent string) ([]string, error) {
	return b.store.SMembers(ctx, subscriptionsKey(agent))
}

// Pending reads the next messages from an agent's inbox without
// acknowledging them. Each returned message carries its stream cursor.
func (b *Bus) Pending(ctx context.Context, agent string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 10
	}
	entries, err := b.store.XRead(ctx, inboxKey(agent), "0", int64(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to read inbox for %s: %w", agent, err)
	}

	messages := make([]Message, 0, len(entries))
	for _, entry := range entries {
		msg, err := messageFromEntry(entry)
		if err != nil {
			b.logger.Warn("Skipping undecodable message", map[string]interface{}{
				"operation": "bus_pending",
				"agent":     agent,
				"cursor":    entry.ID,
				"error":     err.Error(),
			})
			continue
		}
		messages = append(messages, *msg)
	}
	return messages, nil
}

// MarkRead acks a message in the agent's consumer group and records
// the read in the audit stream. The group is created lazily; an
// already-exists error is ignored.
func (b *Bus) MarkRead(ctx context.Context, agent, cursor string) error {
	inbox := inboxKey(agent)
	if err := b.store.XGroupCreate(ctx, inbox, consumerGroup, "0"); err != nil {
		return fmt.Errorf("failed to ensure consumer group for %s: %w", agent, err)
	}
	if err := b.store.XAck(ctx, inbox, consumerGroup, cursor); err != nil {
		return fmt.Errorf("failed to ack %s for %s: %w", cursor, agent, err)
	}

	audit := readKey(agent)
	if _, err := b.store.XAdd(ctx, audit, map[string]interface{}{
		"cursor":  cursor,
		"read_at": time.Now().UTC().Format(time.RFC3339),
	}); err != nil {
		return fmt.Errorf("failed to record read audit for %s: %w", agent, err)
	}
	b.store.Expire(ctx, audit, b.streamTTL)
	return nil
}

// Stats reports stream and set lengths for one agent.
func (b *Bus) Stats(ctx context.Context, agent string) (*Stats, error) {
	pending, err := b.store.XLen(ctx, inboxKey(agent))
	if err != nil {
		return nil, fmt.Errorf("failed to measure inbox for %s: %w", agent, err)
	}
	sent, err := b.store.XLen(ctx, outboxKey(agent))
	if err != nil {
		return nil, fmt.Errorf("failed to measure outbox for %s: %w", agent, err)
	}
	read, err := b.store.XLen(ctx, readKey(agent))
	if err != nil {
		return nil, fmt.Errorf("failed to measure read audit for %s: %w", agent, err)
	}
	subs, err := b.store.SCard(ctx, subscriptionsKey(agent))
	if err != nil {
		return nil, fmt.Errorf("failed to measure subscriptions for %s: %w", agent, err)
	}
	return &Stats{Pending: pending, Sent: sent, Read: read, Subscriptions: subs}, nil
}

// JoinDepartment registers an agent as a broadcast recipient.
func (b *Bus) JoinDepartment(ctx context.Context, dept, agent string) error {
	return b.store.SAdd(ctx, deptAgentsKey(dept), agent)
}

// LeaveDepartment removes an agent from a department's broadcast set.
func (b *Bus) LeaveDepartment(ctx context.Context, dept, agent string) error {
	return b.store.SRem(ctx, deptAgentsKey(dept), agent)
}

// CleanupExpired trims every live message stream to the approximate
// max length. TTLs handle full expiry; this bounds hot streams.
func (b *Bus) CleanupExpired(ctx context.Context) error {
	patterns := []string{"agent:*:messages", "agent:*:outbox", "agent:*:read_messages", "dept:*:broadcast"}
	trimmed := 0
	for _, pattern := range patterns {
		keys, err := b.store.Keys(ctx, pattern)
		if err != nil {
			return fmt.Errorf("failed to scan %s: %w", pattern, err)
		}
		for _, key := range keys {
			if err := b.store.XTrimApprox(ctx, key, cleanupMaxLen); err != nil {
				b.logger.Warn("Failed to trim stream", map[string]interface{}{
					"operation": "bus_cleanup",
					"stream":    key,
					"error":     err.Error(),
				})
				continue
			}
			trimmed++
		}
	}
	if err := b.store.XTrimApprox(ctx, deadLetterStream, cleanupMaxLen); err == nil {
		trimmed++
	}
	b.logger.Info("Stream cleanup finished", map[string]interface{}{
		"operation": "bus_cleanup_complete",
		"streams":   trimmed,
	})
	return nil
}

// DeadLetters reads entries from the dead-letter stream.
func (b *Bus) DeadLetters(ctx context.Context, limit int) ([]core.StreamEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	return b.store.XRead(ctx, deadLetterStream, "0", int64(limit))
}

// streamValues flattens a message for stream storage. The payload is a
// nested JSON blob; envelope fields stay flat for cheap filtering.
func (m *Message) streamValues() (map[string]interface{}, error) {
	payload, err := json.Marshal(m.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload for %s: %w", m.ID, err)
	}
	values := map[string]interface{}{
		"id":         m.ID,
		"type":       string(m.Type),
		"from":       m.From,
		"to":         m.To,
		"priority":   string(m.Priority),
		"payload":    string(payload),
		"created_at": m.CreatedAt.Format(time.RFC3339Nano),
	}
	if m.BroadcastID != "" {
		values["broadcast_id"] = m.BroadcastID
	}
	return values, nil
}

func messageFromEntry(entry core.StreamEntry) (*Message, error) {
	str := func(key string) string {
		if v, ok := entry.Values[key].(string); ok {
			return v
		}
		return ""
	}
	msg := &Message{
		ID:          str("id"),
		Type:        MessageType(str("type")),
		From:        str("from"),
		To:          str("to"),
		Priority:    Priority(str("priority")),
		BroadcastID: str("broadcast_id"),
		Cursor:      entry.ID,
	}
	if msg.ID == "" {
		return nil, fmt.Errorf("stream entry %s has no message id", entry.ID)
	}
	if raw := str("payload"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &msg.Payload); err != nil {
			return nil, fmt.Errorf("message %s payload is corrupted: %w", msg.ID, err)
		}
	}
	if ts := str("created_at"); ts != "" {
		if parsed, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			msg.CreatedAt = parsed
		}
	}
	return msg, nil
}
