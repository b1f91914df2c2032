package storage

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/R3E-Network/raffle/internal/raffle"
)

// Memory is a thread-safe in-memory Store. Snapshots are kept serialized so
// callers never share state with the store.
type Memory struct {
	mu       sync.RWMutex
	snapshot []byte
	rounds   map[uint64]RoundRecord
}

var _ Store = (*Memory)(nil)

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{rounds: make(map[uint64]RoundRecord)}
}

func (m *Memory) SaveSnapshot(_ context.Context, snap raffle.Snapshot) error {
	raw, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.snapshot = raw
	m.mu.Unlock()
	return nil
}

func (m *Memory) LoadSnapshot(_ context.Context) (raffle.Snapshot, error) {
	m.mu.RLock()
	raw := m.snapshot
	m.mu.RUnlock()
	if raw == nil {
		return raffle.Snapshot{}, ErrNotFound
	}
	var snap raffle.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return raffle.Snapshot{}, err
	}
	return snap, nil
}

// RecordRound stores rec. Recording the same round twice keeps the first.
func (m *Memory) RecordRound(_ context.Context, rec RoundRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.rounds[rec.Round]; !exists {
		m.rounds[rec.Round] = rec
	}
	return nil
}

func (m *Memory) ListRounds(_ context.Context, limit int) ([]RoundRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]RoundRecord, 0, len(m.rounds))
	for _, rec := range m.rounds {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Round > out[j].Round })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
