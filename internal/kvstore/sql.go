package kvstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"

	"arcstore/internal/arc"
)

// dialect covers the differences between the SQL engines. Both store every
// namespace in the single kv(ns, key, value) table.
type dialect struct {
	name        string
	placeholder func(n int) string
}

var (
	sqliteDialect   = dialect{name: "sqlite", placeholder: func(int) string { return "?" }}
	postgresDialect = dialect{name: "postgres", placeholder: func(n int) string { return "$" + strconv.Itoa(n) }}
)

// SQLKV is an engine backed by a database/sql connection pool.
type SQLKV struct {
	db      *sql.DB
	dialect dialect
	closed  atomic.Bool
}

var _ arc.KV = (*SQLKV)(nil)

func (s *SQLKV) Namespace(ctx context.Context, name string) (arc.Namespace, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	return &sqlNamespace{name: name, kv: s}, nil
}

// DB exposes the underlying connection for migrations and tooling.
func (s *SQLKV) DB() *sql.DB {
	return s.db
}

func (s *SQLKV) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("closing %s database: %w", s.dialect.name, err)
	}
	return nil
}

type sqlNamespace struct {
	name   string
	kv     *SQLKV
	closed atomic.Bool
}

var _ arc.Namespace = (*sqlNamespace)(nil)

func (n *sqlNamespace) check() error {
	if n.closed.Load() || n.kv.closed.Load() {
		return ErrClosed
	}
	return nil
}

func (n *sqlNamespace) ph(i int) string {
	return n.kv.dialect.placeholder(i)
}

func (n *sqlNamespace) Name() string { return n.name }

func (n *sqlNamespace) Get(ctx context.Context, key string) ([]byte, error) {
	if err := n.check(); err != nil {
		return nil, err
	}
	q := fmt.Sprintf("SELECT value FROM kv WHERE ns = %s AND key = %s", n.ph(1), n.ph(2))
	var value []byte
	if err := n.kv.db.QueryRowContext(ctx, q, n.name, key).Scan(&value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFound(n.name, key)
		}
		return nil, fmt.Errorf("getting %s %s: %w", n.name, key, err)
	}
	return value, nil
}

func (n *sqlNamespace) upsertQuery() string {
	return fmt.Sprintf(
		"INSERT INTO kv (ns, key, value) VALUES (%s, %s, %s) ON CONFLICT (ns, key) DO UPDATE SET value = excluded.value",
		n.ph(1), n.ph(2), n.ph(3))
}

func (n *sqlNamespace) deleteQuery() string {
	return fmt.Sprintf("DELETE FROM kv WHERE ns = %s AND key = %s", n.ph(1), n.ph(2))
}

func (n *sqlNamespace) Put(ctx context.Context, key string, value []byte) error {
	if err := n.check(); err != nil {
		return err
	}
	if value == nil {
		value = []byte{}
	}
	if _, err := n.kv.db.ExecContext(ctx, n.upsertQuery(), n.name, key, value); err != nil {
		return fmt.Errorf("putting %s %s: %w", n.name, key, err)
	}
	return nil
}

func (n *sqlNamespace) Delete(ctx context.Context, key string) error {
	if err := n.check(); err != nil {
		return err
	}
	if _, err := n.kv.db.ExecContext(ctx, n.deleteQuery(), n.name, key); err != nil {
		return fmt.Errorf("deleting %s %s: %w", n.name, key, err)
	}
	return nil
}

func (n *sqlNamespace) Batch(ctx context.Context, ops []arc.BatchOp) (err error) {
	if err := n.check(); err != nil {
		return err
	}
	if len(ops) == 0 {
		return nil
	}
	tx, err := n.kv.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning batch: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	upsert, del := n.upsertQuery(), n.deleteQuery()
	for _, op := range ops {
		switch op.Type {
		case arc.BatchPut:
			value := op.Value
			if value == nil {
				value = []byte{}
			}
			if _, err = tx.ExecContext(ctx, upsert, n.name, op.Key, value); err != nil {
				return fmt.Errorf("batch put %s %s: %w", n.name, op.Key, err)
			}
		case arc.BatchDelete:
			if _, err = tx.ExecContext(ctx, del, n.name, op.Key); err != nil {
				return fmt.Errorf("batch delete %s %s: %w", n.name, op.Key, err)
			}
		default:
			err = fmt.Errorf("unknown batch operation %d", op.Type)
			return err
		}
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("committing batch: %w", err)
	}
	return nil
}

func (n *sqlNamespace) Iterate(ctx context.Context, r arc.Range) (arc.Iterator, error) {
	if err := n.check(); err != nil {
		return nil, err
	}
	return newChunkIterator(r, n.fetch), nil
}

// rangeQuery builds the SELECT for one chunk of r.
func (n *sqlNamespace) rangeQuery(r arc.Range, limit int) (string, []any) {
	var b strings.Builder
	args := []any{n.name}
	b.WriteString("SELECT key, value FROM kv WHERE ns = ")
	b.WriteString(n.ph(1))
	if lo, exclusive := r.Lower(); lo != "" {
		args = append(args, lo)
		op := " AND key >= "
		if exclusive {
			op = " AND key > "
		}
		b.WriteString(op + n.ph(len(args)))
	}
	if hi, exclusive := r.Upper(); hi != "" {
		args = append(args, hi)
		op := " AND key <= "
		if exclusive {
			op = " AND key < "
		}
		b.WriteString(op + n.ph(len(args)))
	}
	if r.Reverse {
		b.WriteString(" ORDER BY key DESC")
	} else {
		b.WriteString(" ORDER BY key")
	}
	args = append(args, limit+1)
	b.WriteString(" LIMIT " + n.ph(len(args)))
	return b.String(), args
}

func (n *sqlNamespace) fetch(ctx context.Context, r arc.Range, limit int) ([]entry, string, bool, error) {
	if err := n.check(); err != nil {
		return nil, "", false, err
	}
	q, args := n.rangeQuery(r, limit)
	rows, err := n.kv.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, "", false, fmt.Errorf("querying %s: %w", n.name, err)
	}
	defer rows.Close()

	var out []entry
	more := false
	for rows.Next() {
		if len(out) == limit {
			more = true
			break
		}
		var e entry
		if err := rows.Scan(&e.key, &e.value); err != nil {
			return nil, "", false, fmt.Errorf("scanning %s: %w", n.name, err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, "", false, fmt.Errorf("reading %s: %w", n.name, err)
	}
	return out, lastKey(out), more, nil
}

func (n *sqlNamespace) Close() error {
	n.closed.Store(true)
	return nil
}
