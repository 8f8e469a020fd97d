package kvstore

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"

	"arcstore/internal/arc"
)

// MemoryKV is an in-process engine. Namespaces opened twice share data.
type MemoryKV struct {
	mu     sync.Mutex
	spaces map[string]*memoryData
	closed atomic.Bool
}

// NewMemoryKV creates an empty memory engine.
func NewMemoryKV() *MemoryKV {
	return &MemoryKV{spaces: make(map[string]*memoryData)}
}

var _ arc.KV = (*MemoryKV)(nil)

func (m *MemoryKV) Namespace(ctx context.Context, name string) (arc.Namespace, error) {
	if m.closed.Load() {
		return nil, ErrClosed
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.spaces[name]
	if !ok {
		data = &memoryData{values: make(map[string][]byte)}
		m.spaces[name] = data
	}
	return &memoryNamespace{name: name, data: data, engine: &m.closed}, nil
}

func (m *MemoryKV) Close() error {
	m.closed.Store(true)
	return nil
}

// memoryData keeps keys sorted next to a value map.
type memoryData struct {
	mu     sync.RWMutex
	keys   []string
	values map[string][]byte
}

func (d *memoryData) put(key string, value []byte) {
	if _, ok := d.values[key]; !ok {
		i, _ := slices.BinarySearch(d.keys, key)
		d.keys = slices.Insert(d.keys, i, key)
	}
	d.values[key] = slices.Clone(value)
}

func (d *memoryData) delete(key string) {
	if _, ok := d.values[key]; !ok {
		return
	}
	delete(d.values, key)
	if i, found := slices.BinarySearch(d.keys, key); found {
		d.keys = slices.Delete(d.keys, i, i+1)
	}
}

type memoryNamespace struct {
	name   string
	data   *memoryData
	engine *atomic.Bool
	closed atomic.Bool
}

var _ arc.Namespace = (*memoryNamespace)(nil)

func (n *memoryNamespace) check() error {
	if n.closed.Load() || n.engine.Load() {
		return ErrClosed
	}
	return nil
}

func (n *memoryNamespace) Name() string { return n.name }

func (n *memoryNamespace) Get(ctx context.Context, key string) ([]byte, error) {
	if err := n.check(); err != nil {
		return nil, err
	}
	n.data.mu.RLock()
	defer n.data.mu.RUnlock()
	v, ok := n.data.values[key]
	if !ok {
		return nil, notFound(n.name, key)
	}
	return slices.Clone(v), nil
}

func (n *memoryNamespace) Put(ctx context.Context, key string, value []byte) error {
	if err := n.check(); err != nil {
		return err
	}
	n.data.mu.Lock()
	defer n.data.mu.Unlock()
	n.data.put(key, value)
	return nil
}

func (n *memoryNamespace) Delete(ctx context.Context, key string) error {
	if err := n.check(); err != nil {
		return err
	}
	n.data.mu.Lock()
	defer n.data.mu.Unlock()
	n.data.delete(key)
	return nil
}

func (n *memoryNamespace) Batch(ctx context.Context, ops []arc.BatchOp) error {
	if err := n.check(); err != nil {
		return err
	}
	n.data.mu.Lock()
	defer n.data.mu.Unlock()
	for _, op := range ops {
		switch op.Type {
		case arc.BatchPut:
			n.data.put(op.Key, op.Value)
		case arc.BatchDelete:
			n.data.delete(op.Key)
		}
	}
	return nil
}

func (n *memoryNamespace) Iterate(ctx context.Context, r arc.Range) (arc.Iterator, error) {
	if err := n.check(); err != nil {
		return nil, err
	}
	return newChunkIterator(r, n.fetch), nil
}

func (n *memoryNamespace) fetch(ctx context.Context, r arc.Range, limit int) ([]entry, string, bool, error) {
	if err := n.check(); err != nil {
		return nil, "", false, err
	}
	n.data.mu.RLock()
	defer n.data.mu.RUnlock()

	keys := n.data.keys
	var out []entry
	if !r.Reverse {
		i := 0
		if lo, exclusive := r.Lower(); lo != "" {
			var found bool
			i, found = slices.BinarySearch(keys, lo)
			if found && exclusive {
				i++
			}
		}
		for ; i < len(keys) && len(out) < limit; i++ {
			if !r.Contains(keys[i]) {
				break
			}
			out = append(out, entry{key: keys[i], value: slices.Clone(n.data.values[keys[i]])})
		}
		more := i < len(keys) && r.Contains(keys[i])
		return out, lastKey(out), more, nil
	}

	i := len(keys) - 1
	if hi, exclusive := r.Upper(); hi != "" {
		j, found := slices.BinarySearch(keys, hi)
		if found && !exclusive {
			i = j
		} else {
			i = j - 1
		}
	}
	for ; i >= 0 && len(out) < limit; i-- {
		if !r.Contains(keys[i]) {
			break
		}
		out = append(out, entry{key: keys[i], value: slices.Clone(n.data.values[keys[i]])})
	}
	more := i >= 0 && r.Contains(keys[i])
	return out, lastKey(out), more, nil
}

func (n *memoryNamespace) Close() error {
	n.closed.Store(true)
	return nil
}

func lastKey(entries []entry) string {
	if len(entries) == 0 {
		return ""
	}
	return entries[len(entries)-1].key
}
