// Package outbox durably stages auction events and relays them to the
// message bus in commit order, so gateway broadcasts observe the same
// order the ledger committed.
package outbox

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/stagebid/stagebid/internal/events"
)

// Record is a staged event with its commit position.
type Record struct {
	Position int64
	Event    events.Event
}

// Repository stores events pending relay. Emit makes every Repository an
// events.Sink for the round and bid services.
type Repository interface {
	Emit(ctx context.Context, event events.Event) error
	FetchUnsent(ctx context.Context, limit int) ([]Record, error)
	MarkSent(ctx context.Context, id uuid.UUID) error
}

// Memory is the in-process outbox used by tests and single-node runs.
type Memory struct {
	mu      sync.Mutex
	next    int64
	records []Record
	sent    map[uuid.UUID]bool
}

var _ Repository = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{sent: make(map[uuid.UUID]bool)}
}

func (m *Memory) Emit(ctx context.Context, event events.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.next++
	m.records = append(m.records, Record{Position: m.next, Event: event})
	return nil
}

func (m *Memory) FetchUnsent(ctx context.Context, limit int) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Record
	for _, r := range m.records {
		if m.sent[r.Event.ID] {
			continue
		}
		out = append(out, r)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) MarkSent(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent[id] = true
	return nil
}
