// Package kvstore implements the ordered key-value engines behind arc.KV:
// an in-process memory engine, SQLite, PostgreSQL and DynamoDB.
package kvstore

import (
	"context"
	"errors"
	"fmt"

	"arcstore/internal/arc"
)

// chunkSize is how many entries an iterator fetches per round trip.
const chunkSize = 64

// ErrClosed is returned by namespaces and iterators used after Close.
var ErrClosed = errors.New("kvstore: closed")

type entry struct {
	key   string
	value []byte
}

// fetchFunc reads up to limit entries inside r in r's direction. last is the
// last key the engine examined, which may lie outside r for engines that
// filter exclusive bounds themselves. more reports whether entries may remain
// past last.
type fetchFunc func(ctx context.Context, r arc.Range, limit int) (entries []entry, last string, more bool, err error)

// chunkIterator drives a fetchFunc, narrowing the range past the last key read
// after every chunk.
type chunkIterator struct {
	fetch  fetchFunc
	r      arc.Range
	buf    []entry
	cur    entry
	more   bool
	err    error
	closed bool
}

func newChunkIterator(r arc.Range, fetch fetchFunc) *chunkIterator {
	return &chunkIterator{fetch: fetch, r: r, more: true}
}

var _ arc.Iterator = (*chunkIterator)(nil)

func (it *chunkIterator) Next(ctx context.Context) bool {
	if it.closed {
		it.err = ErrClosed
		return false
	}
	if it.err != nil {
		return false
	}
	for len(it.buf) == 0 {
		if !it.more {
			return false
		}
		if err := ctx.Err(); err != nil {
			it.err = err
			return false
		}
		entries, last, more, err := it.fetch(ctx, it.r, chunkSize)
		if err != nil {
			it.err = fmt.Errorf("iterating: %w", err)
			return false
		}
		it.buf = entries
		it.more = more && last != ""
		if last != "" {
			if it.r.Reverse {
				it.r.Lt = last
			} else {
				it.r.Gt = last
			}
		}
	}
	it.cur = it.buf[0]
	it.buf = it.buf[1:]
	return true
}

func (it *chunkIterator) Key() string   { return it.cur.key }
func (it *chunkIterator) Value() []byte { return it.cur.value }
func (it *chunkIterator) Err() error    { return it.err }

func (it *chunkIterator) Close() error {
	it.closed = true
	it.buf = nil
	return nil
}

func notFound(ns, key string) error {
	return fmt.Errorf("%s %s: %w", ns, key, arc.ErrNotFound)
}

// dedupe keeps the last operation for every key, preserving first-seen order.
func dedupe(ops []arc.BatchOp) []arc.BatchOp {
	idx := make(map[string]int, len(ops))
	out := make([]arc.BatchOp, 0, len(ops))
	for _, op := range ops {
		if i, ok := idx[op.Key]; ok {
			out[i] = op
			continue
		}
		idx[op.Key] = len(out)
		out = append(out, op)
	}
	return out
}
