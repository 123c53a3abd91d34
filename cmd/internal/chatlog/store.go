//go:generate go run go.uber.org/mock/mockgen -source=store.go -destination=mocks/mock_store.go -package=mocks

// Package chatlog is the durable, append-only log of relayed chat messages.
package chatlog

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"
)

// DefaultHistoryLimit is used when a history query does not carry a positive limit.
const DefaultHistoryLimit = 100

var (
	// ErrInvalidInput is returned when an append lacks a sender.
	ErrInvalidInput = errors.New("chatlog: invalid input")
	// ErrClosed is returned by stores that have been closed.
	ErrClosed = errors.New("chatlog: store closed")
)

// Record is the canonical persisted message representation.
// Receiver is empty for public messages.
type Record struct {
	ID        int64
	Sender    string
	Receiver  string
	Content   string
	Timestamp time.Time
}

// Public reports whether the record was addressed to everyone.
func (r Record) Public() bool { return r.Receiver == "" }

// Store persists and queries chat records.
//
// Requirements:
//   - Append is the only write; records are never updated or deleted
//   - ids are server-assigned and strictly increasing
//   - History between a pair is ordered by (timestamp, id) ascending and
//     never includes public records
type Store interface {
	Append(ctx context.Context, sender, receiver, content string) (Record, error)
	History(ctx context.Context, a, b string, limit int) ([]Record, error)
	Close() error
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultHistoryLimit
	}
	return limit
}

// pairOf returns the two identities in a stable order so (a,b) and (b,a) share a key.
func pairOf(a, b string) (string, string) {
	if b < a {
		return b, a
	}
	return a, b
}

// between reports whether rec was exchanged privately between a and b.
func between(rec Record, a, b string) bool {
	if rec.Public() {
		return false
	}
	return (rec.Sender == a && rec.Receiver == b) || (rec.Sender == b && rec.Receiver == a)
}

func sortRecords(recs []Record) {
	sort.SliceStable(recs, func(i, j int) bool {
		if !recs[i].Timestamp.Equal(recs[j].Timestamp) {
			return recs[i].Timestamp.Before(recs[j].Timestamp)
		}
		return recs[i].ID < recs[j].ID
	})
}

func validateAppend(sender string) error {
	if strings.TrimSpace(sender) == "" {
		return ErrInvalidInput
	}
	return nil
}

// clock hands out non-decreasing timestamps. Callers must serialize access.
type clock struct {
	now  func() time.Time
	last time.Time
}

func (c *clock) next() time.Time {
	now := time.Now
	if c.now != nil {
		now = c.now
	}
	t := now().UTC()
	if t.Before(c.last) {
		t = c.last
	}
	c.last = t
	return t
}

func unixNanoUTC(n int64) time.Time {
	return time.Unix(0, n).UTC()
}
