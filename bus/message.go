// Package bus is the inter-agent message fabric: per-recipient
// append-only streams with consumer groups, a per-sender rate limit,
// and a dead-letter stream for failed sends.
package bus

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/maestroframework/maestro/core"
)

// idPrefix marks bus message IDs. The prefix is part of the ID
// contract; Validate rejects IDs without it.
const idPrefix = "msg_"

// MessageType tags the message union.
type MessageType string

const (
	TypeDataShare      MessageType = "data_share"
	TypeTaskAssignment MessageType = "task_assignment"
	TypeStatusUpdate   MessageType = "status_update"
	TypeCoordination   MessageType = "coordination"
	TypeAlert          MessageType = "alert"
	TypeHandoff        MessageType = "handoff"
)

var knownTypes = map[MessageType]bool{
	TypeDataShare:      true,
	TypeTaskAssignment: true,
	TypeStatusUpdate:   true,
	TypeCoordination:   true,
	TypeAlert:          true,
	TypeHandoff:        true,
}

// Priority orders delivery urgency. It does not affect stream order,
// only how consumers triage.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

var knownPriorities = map[Priority]bool{
	PriorityLow:      true,
	PriorityMedium:   true,
	PriorityHigh:     true,
	PriorityCritical: true,
}

// Message is one bus message. Type-specific fields live in Payload;
// the envelope carries routing and audit data.
type Message struct {
	ID          string                 `json:"id"`
	Type        MessageType            `json:"type"`
	From        string                 `json:"from"`
	To          string                 `json:"to"`
	Priority    Priority               `json:"priority"`
	Payload     map[string]interface{} `json:"payload"`
	BroadcastID string                 `json:"broadcast_id,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`

	// Cursor is the stream position of this entry, set on reads.
	Cursor string `json:"cursor,omitempty"`
}

// NewMessage builds a validated message envelope.
func NewMessage(from, to string, msgType MessageType, payload map[string]interface{}, priority Priority) (*Message, error) {
	if !knownTypes[msgType] {
		return nil, fmt.Errorf("message type %q: %w", msgType, core.ErrUnknownMessageType)
	}
	if priority == "" {
		priority = PriorityMedium
	}
	if !knownPriorities[priority] {
		return nil, fmt.Errorf("unknown priority %q: %w", priority, core.ErrValidation)
	}
	if from == "" || to == "" {
		return nil, fmt.Errorf("message requires from and to: %w", core.ErrValidation)
	}
	if payload == nil {
		payload = map[string]interface{}{}
	}
	return &Message{
		ID:        idPrefix + uuid.NewString(),
		Type:      msgType,
		From:      from,
		To:        to,
		Priority:  priority,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// Validate checks the envelope contract. Every message passes through
// here before delivery.
func (m *Message) Validate() error {
	if !strings.HasPrefix(m.ID, idPrefix) {
		return fmt.Errorf("message id %q is missing the %q prefix: %w", m.ID, idPrefix, core.ErrValidation)
	}
	if !knownTypes[m.Type] {
		return fmt.Errorf("message type %q: %w", m.Type, core.ErrUnknownMessageType)
	}
	if !knownPriorities[m.Priority] {
		return fmt.Errorf("unknown priority %q: %w", m.Priority, core.ErrValidation)
	}
	if m.From == "" || m.To == "" {
		return fmt.Errorf("message requires from and to: %w", core.ErrValidation)
	}
	return nil
}

// StatusUpdatePayload builds the payload for a progress report.
// Progress is clamped to [0, 100].
func StatusUpdatePayload(status string, progress int, detail string) map[string]interface{} {
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	return map[string]interface{}{
		"status":   status,
		"progress": progress,
		"detail":   detail,
	}
}

// HandoffPayload builds the payload for transferring a task between
// agents.
func HandoffPayload(taskID, reason string, context map[string]interface{}) map[string]interface{} {
	return map[string]interface{}{
		"task_id": taskID,
		"reason":  reason,
		"context": context,
	}
}
