package arc

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"arcstore/internal/codec"
	"arcstore/internal/cursor"
	"arcstore/internal/keyspace"
	"arcstore/internal/patch"
)

// Revisions is the append-only change log of files, media and app items.
// Entries are keyed ~{alt}~{key}~{timestamp}~ so a reverse range scan lists
// them newest first.
type Revisions struct {
	ns     Namespace
	clock  Clock
	logger Logger
}

func NewRevisions(ns Namespace, clock Clock, logger Logger) *Revisions {
	return &Revisions{ns: ns, clock: clock, logger: logger}
}

// Add records ops, the inverse of a change just applied to key. Two
// revisions of the same object never share a timestamp: a collision moves
// the new one forward by a nanosecond.
func (s *Revisions) Add(ctx context.Context, kind, key string, ops []patch.Operation, user *User, alt string) (*Revision, error) {
	now := s.clock.Now().UTC()
	var k string
	for {
		var err error
		k, err = makeKey(alt, key, keyspace.Timestamp(now))
		if err != nil {
			return nil, err
		}
		exists, err := hasKey(ctx, s.ns, k)
		if err != nil {
			return nil, fmt.Errorf("checking revision key: %w", err)
		}
		if !exists {
			break
		}
		now = now.Add(time.Nanosecond)
	}

	rev := &Revision{
		ID:      k,
		Key:     key,
		Kind:    kind,
		Alt:     alt,
		Created: now.UnixMilli(),
		Patch:   ops,
		Modification: Modification{
			User: user.Key,
			Name: user.Name,
			Time: now.UnixMilli(),
		},
	}
	if err := putRecord(ctx, s.ns, k, rev); err != nil {
		return nil, fmt.Errorf("adding revision: %w", err)
	}
	return rev, nil
}

// Read returns the revision with the given id.
func (s *Revisions) Read(ctx context.Context, id string) (*Revision, error) {
	if _, err := keyspace.Split(id); err != nil {
		return nil, notFound("revision", id)
	}
	var rev Revision
	if err := getRecord(ctx, s.ns, id, &rev); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, notFound("revision", id)
		}
		return nil, fmt.Errorf("reading revision: %w", err)
	}
	if rev.Deleted {
		return nil, notFound("revision", id)
	}
	return &rev, nil
}

// List pages through the revisions of key, newest first.
func (s *Revisions) List(ctx context.Context, alt, key string, opts cursor.Options) (*cursor.Page[Revision], error) {
	state, err := cursor.Resolve(opts)
	if err != nil {
		return nil, err
	}
	p, err := makePrefix(alt, key)
	if err != nil {
		return nil, err
	}

	page := &cursor.Page[Revision]{Items: []Revision{}}
	lastRead, err := scan(ctx, s.ns, keyspace.Range(p), true, state, state.Limit, func(k string, value []byte) (bool, error) {
		var rev Revision
		if err := codec.Unmarshal(value, &rev); err != nil {
			return false, fmt.Errorf("decoding revision %s: %w", k, err)
		}
		if rev.Deleted {
			return false, nil
		}
		page.Items = append(page.Items, rev)
		return true, nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing revisions: %w", err)
	}
	if page.Cursor, err = nextCursor(state, lastRead); err != nil {
		return nil, err
	}
	return page, nil
}

// Since returns the revisions of key from the newest down to and including
// the revision with the given id.
func (s *Revisions) Since(ctx context.Context, alt, key, id string) ([]Revision, error) {
	p, err := makePrefix(alt, key)
	if err != nil {
		return nil, err
	}
	if !strings.HasPrefix(id, p) {
		return nil, notFound("revision", id)
	}
	bounds := keyspace.Range(p)
	it, err := s.ns.Iterate(ctx, Range{Gte: id, Lte: bounds.Lte, Reverse: true})
	if err != nil {
		return nil, fmt.Errorf("iterating revisions: %w", err)
	}
	defer it.Close()

	var revs []Revision
	found := false
	for it.Next(ctx) {
		var rev Revision
		if err := codec.Unmarshal(it.Value(), &rev); err != nil {
			return nil, fmt.Errorf("decoding revision %s: %w", it.Key(), err)
		}
		if rev.Deleted {
			continue
		}
		revs = append(revs, rev)
		if it.Key() == id {
			found = true
		}
	}
	if err := it.Err(); err != nil {
		return nil, fmt.Errorf("iterating revisions: %w", err)
	}
	if !found {
		return nil, notFound("revision", id)
	}
	return revs, nil
}

// DeleteAll marks every revision of key deleted. Deleted revisions are
// hidden from List, Read and Since.
func (s *Revisions) DeleteAll(ctx context.Context, alt, key string) error {
	p, err := makePrefix(alt, key)
	if err != nil {
		return err
	}
	bounds := keyspace.Range(p)
	it, err := s.ns.Iterate(ctx, Range{Gte: bounds.Gte, Lte: bounds.Lte})
	if err != nil {
		return fmt.Errorf("iterating revisions: %w", err)
	}
	var ops []BatchOp
	for it.Next(ctx) {
		var rev Revision
		if err := codec.Unmarshal(it.Value(), &rev); err != nil {
			it.Close()
			return fmt.Errorf("decoding revision %s: %w", it.Key(), err)
		}
		if rev.Deleted {
			continue
		}
		rev.Deleted = true
		op, err := putOp(it.Key(), &rev)
		if err != nil {
			it.Close()
			return err
		}
		ops = append(ops, op)
	}
	err = it.Err()
	it.Close()
	if err != nil {
		return fmt.Errorf("iterating revisions: %w", err)
	}
	if len(ops) == 0 {
		return nil
	}
	if err := s.ns.Batch(ctx, ops); err != nil {
		return fmt.Errorf("deleting revisions: %w", err)
	}
	s.logger.Debug("revisions deleted", "alt", alt, "key", key, "count", len(ops))
	return nil
}
