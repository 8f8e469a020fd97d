package arc

import (
	"context"
	"fmt"

	"arcstore/internal/codec"
	"arcstore/internal/cursor"
	"arcstore/internal/keyspace"
)

// Bin stores tombstones for soft-deleted objects. A tombstone is keyed by
// the bin kind followed by the object's full key chain, so checking whether
// any ancestor is deleted is one lookup per chain prefix.
type Bin struct {
	ns     Namespace
	clock  Clock
	logger Logger
}

func NewBin(ns Namespace, clock Clock, logger Logger) *Bin {
	return &Bin{ns: ns, clock: clock, logger: logger}
}

func binKey(kind string, chain []string) (string, error) {
	if len(chain) == 0 {
		return "", invalidInput("empty bin chain")
	}
	return makeKey(append([]string{kind}, chain...)...)
}

// Add writes a tombstone for the object at the end of chain.
func (b *Bin) Add(ctx context.Context, kind string, chain []string, user *User) (*BinItem, error) {
	k, err := binKey(kind, chain)
	if err != nil {
		return nil, err
	}
	item := &BinItem{
		Key:         chain[len(chain)-1],
		Kind:        kind,
		DeletedBy:   user.Key,
		DeletedTime: b.clock.Now().UnixMilli(),
	}
	if err := putRecord(ctx, b.ns, k, item); err != nil {
		return nil, fmt.Errorf("adding bin item: %w", err)
	}
	b.logger.Debug("bin item added", "kind", kind, "key", item.Key)
	return item, nil
}

// IsDeleted reports whether the object at the end of chain has a tombstone.
func (b *Bin) IsDeleted(ctx context.Context, kind string, chain []string) (bool, error) {
	k, err := binKey(kind, chain)
	if err != nil {
		return false, err
	}
	return hasKey(ctx, b.ns, k)
}

// IsAnyDeleted reports whether the object or any of its ancestors in chain
// has a tombstone.
func (b *Bin) IsAnyDeleted(ctx context.Context, kind string, chain []string) (bool, error) {
	for i := 1; i <= len(chain); i++ {
		deleted, err := b.IsDeleted(ctx, kind, chain[:i])
		if err != nil {
			return false, err
		}
		if deleted {
			return true, nil
		}
	}
	return false, nil
}

// Remove deletes the tombstone for chain.
func (b *Bin) Remove(ctx context.Context, kind string, chain []string) error {
	k, err := binKey(kind, chain)
	if err != nil {
		return err
	}
	if err := b.ns.Delete(ctx, k); err != nil {
		return fmt.Errorf("removing bin item: %w", err)
	}
	return nil
}

// List pages through the tombstones of one bin kind.
func (b *Bin) List(ctx context.Context, kind string, opts cursor.Options) (*cursor.Page[BinItem], error) {
	state, err := cursor.Resolve(opts)
	if err != nil {
		return nil, err
	}
	p, err := makePrefix(kind)
	if err != nil {
		return nil, err
	}

	page := &cursor.Page[BinItem]{Items: []BinItem{}}
	lastRead, err := scan(ctx, b.ns, keyspace.Range(p), false, state, state.Limit, func(k string, value []byte) (bool, error) {
		var item BinItem
		if err := codec.Unmarshal(value, &item); err != nil {
			return false, fmt.Errorf("decoding bin item %s: %w", k, err)
		}
		page.Items = append(page.Items, item)
		return true, nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing bin: %w", err)
	}
	if page.Cursor, err = nextCursor(state, lastRead); err != nil {
		return nil, err
	}
	return page, nil
}
