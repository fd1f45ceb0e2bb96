package keystore

import (
	"context"
	"sort"
	"sync"
)

// Memory is an in-process Store. Nothing survives Close.
type Memory struct {
	mu     sync.RWMutex
	keys   map[Tier]map[string]Record
	trust  map[string][]TrustRecord
	closed bool
}

var _ Store = (*Memory)(nil)

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		keys:  make(map[Tier]map[string]Record),
		trust: make(map[string][]TrustRecord),
	}
}

func (m *Memory) Put(ctx context.Context, tier Tier, rec Record) error {
	if err := normalize(tier, &rec); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	bucket := m.keys[tier]
	if bucket == nil {
		bucket = make(map[string]Record)
		m.keys[tier] = bucket
	}
	bucket[rec.Hash] = rec
	return nil
}

func (m *Memory) GetAll(ctx context.Context, tier Tier) ([]Record, error) {
	if !tier.Valid() {
		return nil, ErrUnknownTier
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}

	return m.collect(tier, func(Record) bool { return true }), nil
}

func (m *Memory) GetLatest(ctx context.Context, tier Tier) (*Record, error) {
	all, err := m.GetAll(ctx, tier)
	if err != nil {
		return nil, err
	}
	return latestOf(all), nil
}

func (m *Memory) Delete(ctx context.Context, tier Tier, hash string) error {
	if !tier.Valid() {
		return ErrUnknownTier
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	delete(m.keys[tier], hash)
	return nil
}

func (m *Memory) Clear(ctx context.Context, tier Tier) error {
	if !tier.Valid() {
		return ErrUnknownTier
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	delete(m.keys, tier)
	return nil
}

func (m *Memory) GetAllRoom(ctx context.Context, roomID string) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}

	return m.collect(TierRoom, func(r Record) bool { return r.RoomID == roomID }), nil
}

func (m *Memory) GetLatestRoom(ctx context.Context, roomID string) (*Record, error) {
	all, err := m.GetAllRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	return latestOf(all), nil
}

// collect must be called with mu held.
func (m *Memory) collect(tier Tier, keep func(Record) bool) []Record {
	var out []Record
	for _, r := range m.keys[tier] {
		if keep(r) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp != out[j].Timestamp {
			return out[i].Timestamp < out[j].Timestamp
		}
		return out[i].Hash < out[j].Hash
	})
	return out
}

func (m *Memory) PutTrust(ctx context.Context, rec TrustRecord) error {
	if err := normalizeTrust(&rec); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	history := m.trust[rec.UserID]
	for i := range history {
		history[i].Latest = false
	}
	m.trust[rec.UserID] = append(history, rec)
	return nil
}

func (m *Memory) LatestTrust(ctx context.Context, userID string) (*TrustRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}

	for _, r := range m.trust[userID] {
		if r.Latest {
			out := r
			return &out, nil
		}
	}
	return nil, nil
}

func (m *Memory) TrustHistory(ctx context.Context, userID string) ([]TrustRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}

	history := m.trust[userID]
	if len(history) == 0 {
		return nil, nil
	}
	out := make([]TrustRecord, len(history))
	copy(out, history)
	return out, nil
}

func (m *Memory) TrustedUsers(ctx context.Context) ([]TrustRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}

	var out []TrustRecord
	for _, history := range m.trust {
		for _, r := range history {
			if r.Latest {
				out = append(out, r)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (m *Memory) ClearAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	m.keys = make(map[Tier]map[string]Record)
	m.trust = make(map[string][]TrustRecord)
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
