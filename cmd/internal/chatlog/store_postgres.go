package chatlog

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is a Store backed by PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
//
// Concurrency model:
//   - Appends take a transactional advisory lock keyed by the unordered identity pair,
//     so id and timestamp allocation for one pair happen in commit order.
//   - Reads run under READ COMMITTED and never observe uncommitted rows.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "relay").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("chatlog: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("chatlog: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed Store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "relay",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("chatlog: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

// EnsureSchema creates the schema, the messages table and its pair index if missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return errors.New("chatlog: nil store")
	}
	schema := pgx.Identifier{s.schema}.Sanitize()
	messages := pgIdent(s.schema, "messages")
	index := pgx.Identifier{s.schema + "_messages_pair_idx"}.Sanitize()

	stmts := []string{
		`CREATE SCHEMA IF NOT EXISTS ` + schema,
		`CREATE TABLE IF NOT EXISTS ` + messages + ` (
		     id        BIGSERIAL PRIMARY KEY,
		     sender    TEXT NOT NULL,
		     receiver  TEXT NULL,
		     content   TEXT NOT NULL,
		     timestamp TIMESTAMPTZ NOT NULL DEFAULT now()
		 )`,
		`CREATE INDEX IF NOT EXISTS ` + index + ` ON ` + messages + ` (sender, receiver, timestamp, id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// Append inserts a record. The id comes from the table sequence and the
// timestamp from clock_timestamp() taken after the pair lock is held.
func (s *PostgresStore) Append(ctx context.Context, sender, receiver, content string) (Record, error) {
	if s == nil || s.pool == nil {
		return Record{}, errors.New("chatlog: nil store")
	}
	if err := validateAppend(sender); err != nil {
		return Record{}, err
	}
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return Record{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// hashtextextended reduces collision risk vs hashtext (still a hash, but better).
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, lockKey(sender, receiver)); err != nil {
		return Record{}, fmt.Errorf("advisory lock: %w", err)
	}

	messages := pgIdent(s.schema, "messages")

	rec := Record{Sender: sender, Receiver: receiver, Content: content}
	if err := tx.QueryRow(ctx,
		`INSERT INTO `+messages+` (sender, receiver, content, timestamp)
		 VALUES ($1, NULLIF($2, ''), $3, clock_timestamp())
		 RETURNING id, timestamp`,
		sender, receiver, content,
	).Scan(&rec.ID, &rec.Timestamp); err != nil {
		return Record{}, fmt.Errorf("insert message: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, err
	}
	rec.Timestamp = rec.Timestamp.UTC()
	return rec, nil
}

// History returns private records between a and b ordered by (timestamp, id) ASC.
func (s *PostgresStore) History(ctx context.Context, a, b string, limit int) ([]Record, error) {
	if s == nil || s.pool == nil {
		return nil, errors.New("chatlog: nil store")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	limit = normalizeLimit(limit)

	messages := pgIdent(s.schema, "messages")

	rows, err := s.pool.Query(ctx,
		`SELECT id, sender, receiver, content, timestamp
		   FROM `+messages+`
		  WHERE (sender = $1 AND receiver = $2) OR (sender = $2 AND receiver = $1)
		  ORDER BY timestamp ASC, id ASC
		  LIMIT $3`,
		a, b, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Record, 0, min(limit, 64))
	for rows.Next() {
		var (
			rec      Record
			receiver *string
		)
		if err := rows.Scan(&rec.ID, &rec.Sender, &receiver, &rec.Content, &rec.Timestamp); err != nil {
			return nil, err
		}
		if receiver != nil {
			rec.Receiver = *receiver
		}
		rec.Timestamp = rec.Timestamp.UTC()
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// lockKey serializes writes per unordered pair; public messages share one key per sender.
func lockKey(sender, receiver string) string {
	if receiver == "" {
		return "pub\x1f" + sender
	}
	lo, hi := pairOf(sender, receiver)
	return "pair\x1f" + lo + "\x1f" + hi
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}
