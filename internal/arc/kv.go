package arc

import "context"

// KV is an ordered key-value engine split into independently opened
// namespaces. Implementations live in internal/kvstore.
type KV interface {
	// Namespace opens (creating if needed) the named sub-store.
	Namespace(ctx context.Context, name string) (Namespace, error)

	// Close releases the engine and every namespace opened from it.
	Close() error
}

// Namespace is one sub-store of a KV engine. Keys are compared bytewise.
type Namespace interface {
	// Name returns the namespace name.
	Name() string

	// Get returns the value stored under key, or an error wrapping ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Put stores value under key, replacing any previous value.
	Put(ctx context.Context, key string, value []byte) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Batch applies every operation atomically.
	Batch(ctx context.Context, ops []BatchOp) error

	// Iterate returns an iterator over the keys inside r. Entries are
	// fetched incrementally; closing the iterator releases it early.
	Iterate(ctx context.Context, r Range) (Iterator, error)

	// Close releases the namespace. Further calls fail.
	Close() error
}

// BatchOpType selects the operation applied by a BatchOp.
type BatchOpType int

const (
	BatchPut BatchOpType = iota
	BatchDelete
)

// BatchOp is one write inside an atomic batch.
type BatchOp struct {
	Type  BatchOpType
	Key   string
	Value []byte
}

// PutOp returns a put batch operation.
func PutOp(key string, value []byte) BatchOp {
	return BatchOp{Type: BatchPut, Key: key, Value: value}
}

// DeleteOp returns a delete batch operation.
func DeleteOp(key string) BatchOp {
	return BatchOp{Type: BatchDelete, Key: key}
}

// Range bounds an iteration. Empty bounds are open. Reverse iterates from the
// upper bound down.
type Range struct {
	Gt      string
	Gte     string
	Lt      string
	Lte     string
	Reverse bool
}

// Contains reports whether key falls inside the range bounds.
func (r Range) Contains(key string) bool {
	if r.Gt != "" && key <= r.Gt {
		return false
	}
	if r.Gte != "" && key < r.Gte {
		return false
	}
	if r.Lt != "" && key >= r.Lt {
		return false
	}
	if r.Lte != "" && key > r.Lte {
		return false
	}
	return true
}

// Lower returns the effective lower bound and whether it is exclusive.
func (r Range) Lower() (string, bool) {
	if r.Gt != "" && r.Gt >= r.Gte {
		return r.Gt, true
	}
	return r.Gte, false
}

// Upper returns the effective upper bound and whether it is exclusive.
func (r Range) Upper() (string, bool) {
	if r.Lt != "" && (r.Lte == "" || r.Lt <= r.Lte) {
		return r.Lt, true
	}
	return r.Lte, false
}

// Iterator walks a Range. Typical use:
//
//	it, err := ns.Iterate(ctx, r)
//	defer it.Close()
//	for it.Next(ctx) { use(it.Key(), it.Value()) }
//	if err := it.Err(); err != nil { ... }
type Iterator interface {
	Next(ctx context.Context) bool
	Key() string
	Value() []byte
	Err() error
	Close() error
}
