// Package vault holds the snapshot vaults: in-memory, local filesystem and
// S3.
package vault

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"arcstore/internal/backup"
)

type metadataEntry struct {
	data    []byte
	version int64
}

// MemoryVault keeps snapshots in memory. It is safe for concurrent use and
// mostly useful in tests.
type MemoryVault struct {
	name     string
	mu       sync.RWMutex
	content  map[string][]byte
	metadata map[string]metadataEntry
}

var _ backup.Vault = (*MemoryVault)(nil)

func NewMemoryVault(name string) *MemoryVault {
	return &MemoryVault{
		name:     name,
		content:  make(map[string][]byte),
		metadata: make(map[string]metadataEntry),
	}
}

func metadataKey(instanceID, name string) string {
	return instanceID + "/" + name
}

// readSized reads exactly size bytes from r.
func readSized(r io.Reader, size int64) ([]byte, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading data: %w", err)
	}
	if int64(len(data)) != size {
		return nil, fmt.Errorf("size mismatch: expected %d bytes, got %d", size, len(data))
	}
	return data, nil
}

func (m *MemoryVault) PutContent(ctx context.Context, checksum string, r io.Reader, size int64) error {
	data, err := readSized(r, size)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.content[checksum]; !ok {
		m.content[checksum] = data
	}
	return nil
}

func (m *MemoryVault) GetContent(ctx context.Context, checksum string, w io.Writer) error {
	m.mu.RLock()
	data, ok := m.content[checksum]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: content %s", backup.ErrNotFound, checksum)
	}
	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("writing content: %w", err)
	}
	return nil
}

func (m *MemoryVault) PutMetadata(ctx context.Context, instanceID, name string, r io.Reader, size int64, version int64) error {
	data, err := readSized(r, size)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.metadata[metadataKey(instanceID, name)] = metadataEntry{data: data, version: version}
	return nil
}

func (m *MemoryVault) GetMetadata(ctx context.Context, instanceID, name string, w io.Writer) error {
	m.mu.RLock()
	e, ok := m.metadata[metadataKey(instanceID, name)]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: metadata %q for instance %s", backup.ErrNotFound, name, instanceID)
	}
	if _, err := io.Copy(w, bytes.NewReader(e.data)); err != nil {
		return fmt.Errorf("writing metadata: %w", err)
	}
	return nil
}

func (m *MemoryVault) GetMetadataVersion(ctx context.Context, instanceID, name string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.metadata[metadataKey(instanceID, name)].version, nil
}

func (m *MemoryVault) ValidateSetup(ctx context.Context) error {
	return nil
}

// ContentCount returns how many distinct content blobs are stored.
func (m *MemoryVault) ContentCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.content)
}
