package core

import (
	"context"
	"fmt"
	"path"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory implementation of StateStore. It covers the
// full interface, including streams and consumer groups, so the pipeline
// can run single-node and tests can run without Redis.
type MemoryStore struct {
	mu      sync.RWMutex
	kv      map[string]memoryEntry
	sets    map[string]map[string]struct{}
	lists   map[string][]string
	streams map[string]*memoryStream
	logger  Logger
}

type memoryEntry struct {
	value     string
	expiresAt time.Time
}

type memoryStream struct {
	entries []StreamEntry
	seq     int64
	groups  map[string]map[string]struct{} // group -> acked entry IDs
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		kv:      make(map[string]memoryEntry),
		sets:    make(map[string]map[string]struct{}),
		lists:   make(map[string][]string),
		streams: make(map[string]*memoryStream),
		logger:  &NoOpLogger{},
	}
}

// SetLogger configures the logger for this store.
func (m *MemoryStore) SetLogger(logger Logger) {
	if logger != nil {
		m.logger = logger
	}
}

func (e memoryEntry) expired() bool {
	return !e.expiresAt.IsZero() && time.Now().After(e.expiresAt)
}

func (m *MemoryStore) Get(ctx context.Context, key string) (string, error) {
	m.mu.RLock()
	entry, exists := m.kv[key]
	m.mu.RUnlock()

	if !exists || entry.expired() {
		return "", fmt.Errorf("key %s: %w", key, ErrNotFound)
	}
	return entry.value, nil
}

func (m *MemoryStore) SetEx(ctx context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry := memoryEntry{value: value}
	if ttl > 0 {
		entry.expiresAt = time.Now().Add(ttl)
	}
	m.kv[key] = entry
	return nil
}

func (m *MemoryStore) Del(ctx context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, key := range keys {
		delete(m.kv, key)
		delete(m.sets, key)
		delete(m.lists, key)
		delete(m.streams, key)
	}
	return nil
}

func (m *MemoryStore) Keys(ctx context.Context, pattern string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var keys []string
	for k, e := range m.kv {
		if e.expired() {
			continue
		}
		if ok, _ := path.Match(pattern, k); ok {
			keys = append(keys, k)
		}
	}
	for k := range m.sets {
		if ok, _ := path.Match(pattern, k); ok {
			keys = append(keys, k)
		}
	}
	for k := range m.lists {
		if ok, _ := path.Match(pattern, k); ok {
			keys = append(keys, k)
		}
	}
	for k := range m.streams {
		if ok, _ := path.Match(pattern, k); ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Expire sets a TTL on a keyed blob. TTLs on sets, lists, and streams are
// accepted and ignored; in-process data lives as long as the store.
func (m *MemoryStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if entry, ok := m.kv[key]; ok {
		entry.expiresAt = time.Now().Add(ttl)
		m.kv[key] = entry
	}
	return nil
}

func (m *MemoryStore) SAdd(ctx context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	set, ok := m.sets[key]
	if !ok {
		set = make(map[string]struct{})
		m.sets[key] = set
	}
	for _, member := range members {
		set[member] = struct{}{}
	}
	return nil
}

func (m *MemoryStore) SRem(ctx context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if set, ok := m.sets[key]; ok {
		for _, member := range members {
			delete(set, member)
		}
	}
	return nil
}

func (m *MemoryStore) SMembers(ctx context.Context, key string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	set, ok := m.sets[key]
	if !ok {
		return nil, nil
	}
	members := make([]string, 0, len(set))
	for member := range set {
		members = append(members, member)
	}
	sort.Strings(members)
	return members, nil
}

func (m *MemoryStore) SCard(ctx context.Context, key string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.sets[key])), nil
}

func (m *MemoryStore) LPush(ctx context.Context, key string, values ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	list := m.lists[key]
	for _, v := range values {
		list = append([]string{v}, list...)
	}
	m.lists[key] = list
	return nil
}

func (m *MemoryStore) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	list := m.lists[key]
	n := int64(len(list))
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop || n == 0 {
		return nil, nil
	}
	out := make([]string, stop-start+1)
	copy(out, list[start:stop+1])
	return out, nil
}

func (m *MemoryStore) LTrim(ctx context.Context, key string, start, stop int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	list := m.lists[key]
	n := int64(len(list))
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop || n == 0 {
		m.lists[key] = nil
		return nil
	}
	m.lists[key] = append([]string(nil), list[start:stop+1]...)
	return nil
}

func (m *MemoryStore) XAdd(ctx context.Context, stream string, values map[string]interface{}) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.streams[stream]
	if !ok {
		st = &memoryStream{groups: make(map[string]map[string]struct{})}
		m.streams[stream] = st
	}
	st.seq++
	id := fmt.Sprintf("%d-%d", time.Now().UnixMilli(), st.seq)

	copied := make(map[string]interface{}, len(values))
	for k, v := range values {
		copied[k] = v
	}
	st.entries = append(st.entries, StreamEntry{ID: id, Values: copied})
	return id, nil
}

func (m *MemoryStore) XRead(ctx context.Context, stream, from string, count int64) ([]StreamEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st, ok := m.streams[stream]
	if !ok {
		return nil, nil
	}

	var out []StreamEntry
	for _, entry := range st.entries {
		if from != "" && from != "0" && entry.ID <= from {
			continue
		}
		out = append(out, entry)
		if count > 0 && int64(len(out)) >= count {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) XLen(ctx context.Context, stream string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st, ok := m.streams[stream]
	if !ok {
		return 0, nil
	}
	return int64(len(st.entries)), nil
}

func (m *MemoryStore) XTrimApprox(ctx context.Context, stream string, maxLen int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.streams[stream]
	if !ok {
		return nil
	}
	if int64(len(st.entries)) > maxLen {
		st.entries = append([]StreamEntry(nil), st.entries[int64(len(st.entries))-maxLen:]...)
	}
	return nil
}

func (m *MemoryStore) XGroupCreate(ctx context.Context, stream, group, start string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.streams[stream]
	if !ok {
		st = &memoryStream{groups: make(map[string]map[string]struct{})}
		m.streams[stream] = st
	}
	if _, exists := st.groups[group]; !exists {
		st.groups[group] = make(map[string]struct{})
	}
	return nil
}

func (m *MemoryStore) XAck(ctx context.Context, stream, group string, ids ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.streams[stream]
	if !ok {
		return nil
	}
	acked, ok := st.groups[group]
	if !ok {
		return nil
	}
	for _, id := range ids {
		acked[id] = struct{}{}
	}
	return nil
}

func (m *MemoryStore) Incr(ctx context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, exists := m.kv[key]
	var n int64
	if exists && !entry.expired() {
		fmt.Sscanf(entry.value, "%d", &n) //nolint:errcheck
	} else {
		entry = memoryEntry{}
	}
	n++
	entry.value = fmt.Sprintf("%d", n)
	m.kv[key] = entry
	return n, nil
}

func (m *MemoryStore) Publish(ctx context.Context, channel, payload string) error {
	// Pub/sub has no in-process subscribers; delivery is a no-op.
	return nil
}

// Compile-time interface compliance check
var _ StateStore = (*MemoryStore)(nil)
