package chatlog

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/dgraph-io/badger/v4"
)

const (
	badgerSeqKey       = "seq:messages"
	badgerSeqBandwidth = 128
)

// BadgerStore persists records in an embedded BadgerDB.
//
// Private records are keyed "msg:{pair}:{timestamp_padded}:{id_padded}" where
// {pair} is the hex-encoded identity pair in sorted order, so a prefix scan
// yields one pair's history already in (timestamp, id) order. Public records
// go under "pub:" and are never read back by History.
type BadgerStore struct {
	db  *badger.DB
	log *slog.Logger
	seq *badger.Sequence

	// mu makes id, timestamp and write one step so key order equals append order.
	mu    sync.Mutex
	clock clock
}

// OpenBadgerStore opens (or creates) a BadgerDB at path.
func OpenBadgerStore(path string, log *slog.Logger) (*BadgerStore, error) {
	db, err := badger.Open(badger.DefaultOptions(path).WithLoggingLevel(badger.WARNING))
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	st, err := NewBadgerStore(db, log)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

// NewBadgerStore wraps an already opened database. The store owns db from here on.
func NewBadgerStore(db *badger.DB, log *slog.Logger) (*BadgerStore, error) {
	if db == nil {
		return nil, errors.New("chatlog: nil badger db")
	}
	if log == nil {
		log = slog.Default()
	}
	seq, err := db.GetSequence([]byte(badgerSeqKey), badgerSeqBandwidth)
	if err != nil {
		return nil, fmt.Errorf("badger sequence: %w", err)
	}
	return &BadgerStore{db: db, log: log, seq: seq}, nil
}

// Close releases the id lease and closes the database.
func (s *BadgerStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	if s.seq != nil {
		errs = append(errs, s.seq.Release())
		s.seq = nil
	}
	if s.db != nil {
		errs = append(errs, s.db.Close())
		s.db = nil
	}
	return errors.Join(errs...)
}

type badgerRecord struct {
	ID        int64  `json:"id"`
	Sender    string `json:"sender"`
	Receiver  string `json:"receiver,omitempty"`
	Content   string `json:"content"`
	Timestamp int64  `json:"ts"`
}

// Append stores a record under its pair (or public) prefix.
func (s *BadgerStore) Append(ctx context.Context, sender, receiver, content string) (Record, error) {
	if err := validateAppend(sender); err != nil {
		return Record{}, err
	}
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return Record{}, ErrClosed
	}

	n, err := s.seq.Next()
	if err != nil {
		return Record{}, fmt.Errorf("next id: %w", err)
	}
	// Sequence starts at zero; ids start at one like a SQL serial.
	rec := Record{
		ID:        int64(n) + 1,
		Sender:    sender,
		Receiver:  receiver,
		Content:   content,
		Timestamp: s.clock.next(),
	}

	val, err := json.Marshal(badgerRecord{
		ID:        rec.ID,
		Sender:    rec.Sender,
		Receiver:  rec.Receiver,
		Content:   rec.Content,
		Timestamp: rec.Timestamp.UnixNano(),
	})
	if err != nil {
		return Record{}, err
	}

	key := recordKey(rec)
	if err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, val)
	}); err != nil {
		return Record{}, fmt.Errorf("store message: %w", err)
	}
	return rec, nil
}

// History scans the pair prefix; keys are already ordered by timestamp then id.
func (s *BadgerStore) History(ctx context.Context, a, b string, limit int) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	limit = normalizeLimit(limit)

	s.mu.Lock()
	db := s.db
	s.mu.Unlock()
	if db == nil {
		return nil, ErrClosed
	}

	prefix := pairPrefix(a, b)
	out := make([]Record, 0)
	err := db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if len(out) == limit {
				break
			}
			item := it.Item()
			var br badgerRecord
			err := item.Value(func(v []byte) error {
				return json.Unmarshal(v, &br)
			})
			if err != nil {
				s.log.Warn("chatlog.badger.decode.fail", "key", string(item.Key()), "err", err)
				continue
			}
			out = append(out, fromBadgerRecord(br))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func fromBadgerRecord(br badgerRecord) Record {
	return Record{
		ID:        br.ID,
		Sender:    br.Sender,
		Receiver:  br.Receiver,
		Content:   br.Content,
		Timestamp: unixNanoUTC(br.Timestamp),
	}
}

func recordKey(rec Record) []byte {
	if rec.Public() {
		return []byte(fmt.Sprintf("pub:%019d:%019d", rec.Timestamp.UnixNano(), rec.ID))
	}
	return append(pairPrefix(rec.Sender, rec.Receiver),
		[]byte(fmt.Sprintf("%019d:%019d", rec.Timestamp.UnixNano(), rec.ID))...)
}

func pairPrefix(a, b string) []byte {
	lo, hi := pairOf(a, b)
	return []byte("msg:" + hex.EncodeToString([]byte(lo)) + "." + hex.EncodeToString([]byte(hi)) + ":")
}
