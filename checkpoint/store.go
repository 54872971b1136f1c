// Package checkpoint persists per-(session, step) snapshots of orchestrator
// state so an interrupted run can resume at the same step.
//
// Key schema (stable, part of the external contract):
//   - checkpoint:{session}:{step}  envelope blob, 24 h TTL
//   - checkpoint:{session}:latest  {step, timestamp} pointer, 24 h TTL
//   - agents:{session}             serialized spec list, session TTL
package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/maestroframework/maestro/agentspec"
	"github.com/maestroframework/maestro/core"
)

// Envelope is the stored form of one checkpoint: the step label, the write
// time, and the snapshotted state. The state is kept as a raw blob so the
// store never shares structure with in-memory state (snapshot on write,
// parse on read).
type Envelope struct {
	Step      string          `json:"step"`
	Timestamp time.Time       `json:"timestamp"`
	State     json.RawMessage `json:"state"`
}

// LatestPointer records the most recently written step for a session.
type LatestPointer struct {
	Step      string    `json:"step"`
	Timestamp time.Time `json:"timestamp"`
}

// SessionSummary is one row of ListSessions.
type SessionSummary struct {
	Session   string    `json:"session"`
	Timestamp time.Time `json:"timestamp"`
	Status    string    `json:"status"`
	Request   string    `json:"request"`
}

// statePeek is the subset of orchestrator state ListSessions surfaces.
// Field names follow the snake_case wire convention.
type statePeek struct {
	UserRequest      string `json:"user_request"`
	DeploymentStatus string `json:"deployment_status"`
}

// Store persists checkpoints and session agent lists through a StateStore.
type Store struct {
	store      core.StateStore
	ttl        time.Duration
	sessionTTL time.Duration
	logger     core.Logger
}

// Options configures a checkpoint Store.
type Options struct {
	CheckpointTTL time.Duration // defaults to 24 h
	SessionTTL    time.Duration // defaults to 1 h, applies to agents:{session}
	Logger        core.Logger   // optional
}

// NewStore creates a checkpoint store over the given state store.
func NewStore(store core.StateStore, opts Options) *Store {
	if opts.CheckpointTTL <= 0 {
		opts.CheckpointTTL = 24 * time.Hour
	}
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = time.Hour
	}
	logger := opts.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("checkpoint")
	}
	return &Store{
		store:      store,
		ttl:        opts.CheckpointTTL,
		sessionTTL: opts.SessionTTL,
		logger:     logger,
	}
}

func checkpointKey(session, step string) string {
	return fmt.Sprintf("checkpoint:%s:%s", session, step)
}

func latestKey(session string) string {
	return fmt.Sprintf("checkpoint:%s:latest", session)
}

func agentsKey(session string) string {
	return fmt.Sprintf("agents:%s", session)
}

// Save snapshots state under (session, step) and advances the latest
// pointer. The state is marshaled at save time so later mutations of the
// caller's copy do not leak into the stored snapshot.
func (s *Store) Save(ctx context.Context, session, step string, state interface{}) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal state for checkpoint %s/%s: %w", session, step, err)
	}
	now := time.Now().UTC()
	envelope, err := json.Marshal(Envelope{Step: step, Timestamp: now, State: raw})
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint envelope %s/%s: %w", session, step, err)
	}

	if err := s.store.SetEx(ctx, checkpointKey(session, step), string(envelope), s.ttl); err != nil {
		s.logger.Error("Failed to save checkpoint", map[string]interface{}{
			"operation": "checkpoint_save",
			"session":   session,
			"step":      step,
			"error":     err.Error(),
		})
		return fmt.Errorf("failed to save checkpoint %s/%s: %w", session, step, err)
	}

	pointer, _ := json.Marshal(LatestPointer{Step: step, Timestamp: now})
	if err := s.store.SetEx(ctx, latestKey(session), string(pointer), s.ttl); err != nil {
		return fmt.Errorf("failed to update latest pointer for %s: %w", session, err)
	}

	s.logger.Debug("Checkpoint saved", map[string]interface{}{
		"operation": "checkpoint_save_complete",
		"session":   session,
		"step":      step,
	})
	return nil
}

// Load retrieves the checkpoint for (session, step). With an empty step it
// follows the latest pointer.
func (s *Store) Load(ctx context.Context, session, step string) (*Envelope, error) {
	if step == "" {
		pointer, err := s.Latest(ctx, session)
		if err != nil {
			return nil, err
		}
		step = pointer.Step
	}

	blob, err := s.store.Get(ctx, checkpointKey(session, step))
	if err != nil {
		if core.IsNotFound(err) {
			return nil, fmt.Errorf("session %s step %s: %w", session, step, core.ErrCheckpointNotFound)
		}
		return nil, fmt.Errorf("failed to load checkpoint %s/%s: %w", session, step, err)
	}

	var envelope Envelope
	if err := json.Unmarshal([]byte(blob), &envelope); err != nil {
		return nil, fmt.Errorf("checkpoint %s/%s is corrupted: %w", session, step, err)
	}
	return &envelope, nil
}

// Latest returns the latest pointer for a session.
func (s *Store) Latest(ctx context.Context, session string) (*LatestPointer, error) {
	blob, err := s.store.Get(ctx, latestKey(session))
	if err != nil {
		if core.IsNotFound(err) {
			return nil, fmt.Errorf("session %s: %w", session, core.ErrCheckpointNotFound)
		}
		return nil, fmt.Errorf("failed to load latest pointer for %s: %w", session, err)
	}
	var pointer LatestPointer
	if err := json.Unmarshal([]byte(blob), &pointer); err != nil {
		return nil, fmt.Errorf("latest pointer for %s is corrupted: %w", session, err)
	}
	return &pointer, nil
}

// ListSessions scans all latest pointers, joins each with the pointed
// checkpoint for status and a request preview, and returns them sorted
// newest-first.
func (s *Store) ListSessions(ctx context.Context) ([]SessionSummary, error) {
	keys, err := s.store.Keys(ctx, "checkpoint:*:latest")
	if err != nil {
		return nil, fmt.Errorf("failed to scan sessions: %w", err)
	}

	summaries := make([]SessionSummary, 0, len(keys))
	for _, key := range keys {
		session := sessionFromLatestKey(key)
		if session == "" {
			continue
		}
		pointer, err := s.Latest(ctx, session)
		if err != nil {
			continue // pointer expired between scan and read
		}
		summary := SessionSummary{Session: session, Timestamp: pointer.Timestamp}

		if envelope, err := s.Load(ctx, session, pointer.Step); err == nil {
			var peek statePeek
			if json.Unmarshal(envelope.State, &peek) == nil {
				summary.Status = peek.DeploymentStatus
				summary.Request = peek.UserRequest
			}
		}
		summaries = append(summaries, summary)
	}

	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].Timestamp.After(summaries[j].Timestamp)
	})
	return summaries, nil
}

func sessionFromLatestKey(key string) string {
	trimmed := strings.TrimPrefix(key, "checkpoint:")
	trimmed = strings.TrimSuffix(trimmed, ":latest")
	if trimmed == key {
		return ""
	}
	return trimmed
}

// SaveAgents persists a session's agent list with the session TTL.
func (s *Store) SaveAgents(ctx context.Context, session string, specs []agentspec.AgentSpec) error {
	data, err := json.Marshal(specs)
	if err != nil {
		return fmt.Errorf("failed to marshal agents for %s: %w", session, err)
	}
	if err := s.store.SetEx(ctx, agentsKey(session), string(data), s.sessionTTL); err != nil {
		return fmt.Errorf("failed to save agents for %s: %w", session, err)
	}
	return nil
}

// LoadAgents returns the session's agent list. A missing key is an empty
// list, not an error.
func (s *Store) LoadAgents(ctx context.Context, session string) ([]agentspec.AgentSpec, error) {
	blob, err := s.store.Get(ctx, agentsKey(session))
	if err != nil {
		if core.IsNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load agents for %s: %w", session, err)
	}
	var specs []agentspec.AgentSpec
	if err := json.Unmarshal([]byte(blob), &specs); err != nil {
		return nil, fmt.Errorf("agent list for %s is corrupted: %w", session, err)
	}
	return specs, nil
}

// DeleteAgents removes a session's agent list.
func (s *Store) DeleteAgents(ctx context.Context, session string) error {
	return s.store.Del(ctx, agentsKey(session))
}
