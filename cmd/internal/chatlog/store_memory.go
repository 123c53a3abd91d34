package chatlog

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is a dev-only fallback when no durable backend is configured.
// Records live for the process lifetime.
type MemoryStore struct {
	mu     sync.RWMutex
	nextID int64
	clock  clock
	recs   []Record // ordered by id
	closed bool
}

// NewMemoryStore constructs an in-memory Store implementation.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{recs: make([]Record, 0, 256)}
}

// newMemoryStoreAt is used by tests to pin the clock.
func newMemoryStoreAt(now func() time.Time) *MemoryStore {
	s := NewMemoryStore()
	s.clock.now = now
	return s
}

// Close closes the store.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// Append persists a record with the next id and the current time.
func (s *MemoryStore) Append(ctx context.Context, sender, receiver, content string) (Record, error) {
	if err := validateAppend(sender); err != nil {
		return Record{}, err
	}
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Record{}, ErrClosed
	}

	s.nextID++
	rec := Record{
		ID:        s.nextID,
		Sender:    sender,
		Receiver:  receiver,
		Content:   content,
		Timestamp: s.clock.next(),
	}
	s.recs = append(s.recs, rec)
	return rec, nil
}

// History returns the private records between a and b, oldest first.
func (s *MemoryStore) History(ctx context.Context, a, b string, limit int) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	limit = normalizeLimit(limit)

	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, ErrClosed
	}
	out := make([]Record, 0)
	for _, rec := range s.recs {
		if between(rec, a, b) {
			out = append(out, rec)
		}
	}
	s.mu.RUnlock()

	sortRecords(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
