package db

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store for local development and tests.
// Transactions are serialized and roll back on error, but writes made outside
// a transaction while one is running can be lost by that rollback.
type MemoryStore struct {
	mu    sync.RWMutex
	txMu  sync.Mutex
	state memState
	now   func() time.Time
}

type memState struct {
	nextID      int64
	experiments map[string]*Experiment
	variants    []*Variant
	impressions map[string]*Impression
	events      []*Event
	apiKeys     map[string]*APIKey
}

func (s memState) clone() memState {
	c := memState{
		nextID:      s.nextID,
		experiments: make(map[string]*Experiment, len(s.experiments)),
		variants:    append([]*Variant(nil), s.variants...),
		impressions: make(map[string]*Impression, len(s.impressions)),
		events:      append([]*Event(nil), s.events...),
		apiKeys:     make(map[string]*APIKey, len(s.apiKeys)),
	}
	for k, v := range s.experiments {
		c.experiments[k] = v
	}
	for k, v := range s.impressions {
		c.impressions[k] = v
	}
	for k, v := range s.apiKeys {
		c.apiKeys[k] = v
	}
	return c
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		state: memState{
			experiments: make(map[string]*Experiment),
			impressions: make(map[string]*Impression),
			apiKeys:     make(map[string]*APIKey),
		},
		now: time.Now,
	}
}

// SetClock replaces the clock used to stamp created rows
func (m *MemoryStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *MemoryStore) id() int64 {
	m.state.nextID++
	return m.state.nextID
}

type memTx struct {
	*MemoryStore
}

func (t memTx) WithTx(_ context.Context, fn func(Store) error) error {
	return fn(t)
}

// WithTx runs fn against the store and restores the previous state if fn fails
func (m *MemoryStore) WithTx(_ context.Context, fn func(Store) error) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()

	m.mu.RLock()
	snapshot := m.state.clone()
	m.mu.RUnlock()

	if err := fn(memTx{m}); err != nil {
		m.mu.Lock()
		m.state = snapshot
		m.mu.Unlock()
		return err
	}
	return nil
}

func (m *MemoryStore) GetOrCreateExperiment(_ context.Context, e *Experiment) (*Experiment, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.state.experiments[e.IntentID]; ok {
		cp := *existing
		return &cp, false, nil
	}

	now := m.now()
	created := &Experiment{
		ID:          m.id(),
		IntentID:    e.IntentID,
		BaseMessage: e.BaseMessage,
		Locale:      e.Locale,
		Status:      e.Status,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if created.Status == "" {
		created.Status = ExperimentActive
	}
	m.state.experiments[e.IntentID] = created

	cp := *created
	return &cp, true, nil
}

func (m *MemoryStore) GetExperiment(_ context.Context, intentID string) (*Experiment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.state.experiments[intentID]
	if !ok {
		return nil, fmt.Errorf("experiment %s: %w", intentID, ErrNotFound)
	}
	cp := *e
	return &cp, nil
}

func (m *MemoryStore) ListExperiments(_ context.Context, limit, offset int) ([]*Experiment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	all := make([]*Experiment, 0, len(m.state.experiments))
	for _, e := range m.state.experiments {
		cp := *e
		all = append(all, &cp)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID > all[j].ID })

	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	return all, nil
}

func (m *MemoryStore) UpdateExperimentStatus(_ context.Context, intentID string, status ExperimentStatus) (*Experiment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.state.experiments[intentID]
	if !ok {
		return nil, fmt.Errorf("experiment %s: %w", intentID, ErrNotFound)
	}
	updated := *e
	updated.Status = status
	updated.UpdatedAt = m.now()
	m.state.experiments[intentID] = &updated

	cp := updated
	return &cp, nil
}

func (m *MemoryStore) ListVariants(_ context.Context, experimentID int64, locale string) ([]*Variant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.variantsFor(experimentID, locale), nil
}

func (m *MemoryStore) variantsFor(experimentID int64, locale string) []*Variant {
	var out []*Variant
	for _, v := range m.state.variants {
		if v.ExperimentID != experimentID {
			continue
		}
		if locale != "" && v.Locale != locale {
			continue
		}
		cp := *v
		out = append(out, &cp)
	}
	return out
}

func (m *MemoryStore) CreateVariant(_ context.Context, v *Variant) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if v.VariantID == "" {
		v.VariantID = NewVariantID()
	}
	if v.Weight == 0 {
		v.Weight = 1
	}
	for _, existing := range m.state.variants {
		if existing.VariantID == v.VariantID {
			return fmt.Errorf("insert variant: duplicate variant_id %s", v.VariantID)
		}
	}
	v.ID = m.id()
	v.CreatedAt = m.now()

	cp := *v
	m.state.variants = append(m.state.variants, &cp)
	return nil
}

func (m *MemoryStore) VariantCounts(_ context.Context, experimentID int64, locale string, reward EventType) ([]VariantCounts, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rewarded := make(map[string]bool)
	for _, ev := range m.state.events {
		if ev.Type == reward {
			rewarded[ev.TrackingToken] = true
		}
	}

	var counts []VariantCounts
	for _, v := range m.variantsFor(experimentID, locale) {
		c := VariantCounts{Variant: v}
		for _, imp := range m.state.impressions {
			if imp.VariantID != v.ID {
				continue
			}
			c.Sent++
			if rewarded[imp.TrackingToken] {
				c.Rewards++
			}
		}
		counts = append(counts, c)
	}
	return counts, nil
}

func (m *MemoryStore) CreateImpression(_ context.Context, imp *Impression) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if imp.TrackingToken == "" {
		imp.TrackingToken = NewTrackingToken()
	}
	if _, ok := m.state.impressions[imp.TrackingToken]; ok {
		return fmt.Errorf("insert impression: duplicate tracking token")
	}
	found := false
	for _, v := range m.state.variants {
		if v.ID == imp.VariantID {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("insert impression: variant %d: %w", imp.VariantID, ErrNotFound)
	}

	imp.ID = m.id()
	imp.CreatedAt = m.now()
	cp := *imp
	m.state.impressions[imp.TrackingToken] = &cp
	return nil
}

func (m *MemoryStore) GetImpression(_ context.Context, trackingToken string) (*Impression, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	imp, ok := m.state.impressions[trackingToken]
	if !ok {
		return nil, fmt.Errorf("impression %s: %w", trackingToken, ErrNotFound)
	}
	cp := *imp
	return &cp, nil
}

func (m *MemoryStore) CreateEvent(_ context.Context, ev *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.state.impressions[ev.TrackingToken]; !ok {
		return fmt.Errorf("insert event: impression %s: %w", ev.TrackingToken, ErrNotFound)
	}
	ev.ID = m.id()
	ev.CreatedAt = m.now()
	cp := *ev
	m.state.events = append(m.state.events, &cp)
	return nil
}

func (m *MemoryStore) CountImpressions(_ context.Context, variantID int64, w TimeWindow) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var n int64
	for _, imp := range m.state.impressions {
		if imp.VariantID == variantID && w.Contains(imp.CreatedAt) {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) CountEvents(_ context.Context, variantID int64, t EventType, w TimeWindow) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var n int64
	for _, ev := range m.state.events {
		if ev.Type != t {
			continue
		}
		imp, ok := m.state.impressions[ev.TrackingToken]
		if ok && imp.VariantID == variantID && w.Contains(imp.CreatedAt) {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) CreateAPIKey(_ context.Context, k *APIKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.state.apiKeys[k.Prefix]; ok {
		return fmt.Errorf("insert api key: duplicate prefix %s", k.Prefix)
	}
	k.ID = m.id()
	k.CreatedAt = m.now()
	cp := *k
	m.state.apiKeys[k.Prefix] = &cp
	return nil
}

func (m *MemoryStore) GetAPIKeyByPrefix(_ context.Context, prefix string) (*APIKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	k, ok := m.state.apiKeys[prefix]
	if !ok || k.RevokedAt != nil {
		return nil, fmt.Errorf("api key %s: %w", prefix, ErrNotFound)
	}
	cp := *k
	return &cp, nil
}
