package backup

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"

	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"

	"arcstore/internal/arc"
	"arcstore/internal/codec"
)

// CatalogName is the metadata document listing an instance's snapshots.
const CatalogName = "snapshots"

// restoreBatchSize is the number of entries written per namespace batch.
const restoreBatchSize = 100

// Source gives access to the namespaces a snapshot covers. *arc.Store
// satisfies it.
type Source interface {
	Namespace(name string) (arc.Namespace, error)
}

// Manifest describes one stored snapshot.
type Manifest struct {
	Version    int64          `json:"version"`
	Checksum   string         `json:"checksum"`
	Size       int64          `json:"size"`
	Created    int64          `json:"created"`
	Compressed bool           `json:"compressed"`
	Encrypted  bool           `json:"encrypted"`
	Entries    map[string]int `json:"entries"`
}

// Catalog is every snapshot of an instance, oldest first.
type Catalog struct {
	Snapshots []Manifest `json:"snapshots"`
}

// entry is one key-value pair in the snapshot stream.
type entry struct {
	Namespace string `json:"ns"`
	Key       string `json:"k"`
	Value     []byte `json:"v"`
}

// Options configures a Service.
type Options struct {
	InstanceID string
	Compress   bool

	// Encryptor encrypts new snapshots when set.
	Encryptor Encryptor
}

// Service writes snapshots of a store to a vault and restores them.
type Service struct {
	source     Source
	vault      Vault
	namespaces []string
	opts       Options
	logger     arc.Logger
	clock      arc.Clock
}

// NewService returns a Service covering every store namespace.
func NewService(source Source, vault Vault, opts Options, logger arc.Logger, clock arc.Clock) *Service {
	return &Service{
		source:     source,
		vault:      vault,
		namespaces: slices.Clone(arc.Namespaces),
		opts:       opts,
		logger:     logger,
		clock:      clock,
	}
}

// Snapshot streams every namespace into the vault and records the result in
// the catalog under the next version.
func (s *Service) Snapshot(ctx context.Context) (*Manifest, error) {
	if s.opts.Encryptor != nil && !s.opts.Encryptor.IsConfigured() {
		return nil, fmt.Errorf("encryption is enabled but no key pair is set up")
	}

	tmp, err := os.CreateTemp("", "arcstore-snapshot-*")
	if err != nil {
		return nil, fmt.Errorf("creating snapshot file: %w", err)
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	hasher := blake3.New()
	out := io.MultiWriter(tmp, hasher)

	pr, pw := io.Pipe()
	type streamResult struct {
		entries map[string]int
		err     error
	}
	done := make(chan streamResult, 1)
	go func() {
		entries, err := s.writeStream(ctx, pw)
		pw.CloseWithError(err)
		done <- streamResult{entries, err}
	}()

	if s.opts.Encryptor != nil {
		err = s.opts.Encryptor.Encrypt(pr, out)
	} else {
		_, err = io.Copy(out, pr)
	}
	pr.CloseWithError(err)
	result := <-done
	if result.err != nil {
		return nil, fmt.Errorf("reading namespaces: %w", result.err)
	}
	if err != nil {
		return nil, fmt.Errorf("writing snapshot: %w", err)
	}

	size, err := tmp.Seek(0, io.SeekCurrent)
	if err != nil {
		return nil, fmt.Errorf("sizing snapshot: %w", err)
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("rewinding snapshot: %w", err)
	}

	checksum := hex.EncodeToString(hasher.Sum(nil))
	if err := s.vault.PutContent(ctx, checksum, tmp, size); err != nil {
		return nil, fmt.Errorf("uploading snapshot: %w", err)
	}

	catalog, version, err := s.loadCatalog(ctx)
	if err != nil {
		return nil, err
	}
	m := Manifest{
		Version:    version + 1,
		Checksum:   checksum,
		Size:       size,
		Created:    s.clock.Now().UnixMilli(),
		Compressed: s.opts.Compress,
		Encrypted:  s.opts.Encryptor != nil,
		Entries:    result.entries,
	}
	catalog.Snapshots = append(catalog.Snapshots, m)
	if err := s.saveCatalog(ctx, catalog, m.Version); err != nil {
		return nil, err
	}

	s.logger.Info("snapshot stored", "version", m.Version, "checksum", checksum, "size", size)
	return &m, nil
}

// writeStream encodes every namespace entry to w, compressing when enabled.
// It returns the number of entries written per namespace.
func (s *Service) writeStream(ctx context.Context, w io.Writer) (map[string]int, error) {
	var zw *zstd.Encoder
	if s.opts.Compress {
		var err error
		zw, err = zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return nil, fmt.Errorf("creating compressor: %w", err)
		}
		w = zw
	}

	enc := codec.NewEncoder(w)
	entries := make(map[string]int, len(s.namespaces))
	for _, name := range s.namespaces {
		n, err := s.encodeNamespace(ctx, enc, name)
		if err != nil {
			if zw != nil {
				zw.Close()
			}
			return nil, err
		}
		entries[name] = n
	}

	if zw != nil {
		if err := zw.Close(); err != nil {
			return nil, fmt.Errorf("finishing compression: %w", err)
		}
	}
	return entries, nil
}

func (s *Service) encodeNamespace(ctx context.Context, enc *codec.Encoder, name string) (int, error) {
	ns, err := s.source.Namespace(name)
	if err != nil {
		return 0, fmt.Errorf("opening namespace %s: %w", name, err)
	}
	it, err := ns.Iterate(ctx, arc.Range{})
	if err != nil {
		return 0, fmt.Errorf("iterating namespace %s: %w", name, err)
	}
	defer it.Close()

	n := 0
	for it.Next(ctx) {
		if err := enc.Encode(entry{Namespace: name, Key: it.Key(), Value: it.Value()}); err != nil {
			return n, fmt.Errorf("encoding %s entry: %w", name, err)
		}
		n++
	}
	if err := it.Err(); err != nil {
		return n, fmt.Errorf("iterating namespace %s: %w", name, err)
	}
	return n, nil
}

// List returns the catalog of stored snapshots, oldest first.
func (s *Service) List(ctx context.Context) ([]Manifest, error) {
	catalog, _, err := s.loadCatalog(ctx)
	if err != nil {
		return nil, err
	}
	return catalog.Snapshots, nil
}

// Restore replaces the contents of every namespace with the snapshot stored
// under version. Version 0 restores the latest snapshot. dec may be nil for
// snapshots that were stored unencrypted.
func (s *Service) Restore(ctx context.Context, version int64, dec DecryptionContext) (*Manifest, error) {
	catalog, _, err := s.loadCatalog(ctx)
	if err != nil {
		return nil, err
	}
	m, err := catalog.find(version)
	if err != nil {
		return nil, err
	}
	if m.Encrypted && dec == nil {
		return nil, fmt.Errorf("snapshot %d is encrypted but no passphrase was provided", m.Version)
	}

	tmp, err := os.CreateTemp("", "arcstore-restore-*")
	if err != nil {
		return nil, fmt.Errorf("creating restore file: %w", err)
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	hasher := blake3.New()
	if err := s.vault.GetContent(ctx, m.Checksum, io.MultiWriter(tmp, hasher)); err != nil {
		return nil, fmt.Errorf("retrieving snapshot %d: %w", m.Version, err)
	}
	if got := hex.EncodeToString(hasher.Sum(nil)); got != m.Checksum {
		return nil, fmt.Errorf("snapshot %d checksum mismatch: got %s, want %s", m.Version, got, m.Checksum)
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("rewinding snapshot: %w", err)
	}

	var r io.Reader = tmp
	if m.Encrypted {
		pr, pw := io.Pipe()
		decErrCh := make(chan error, 1)
		go func() {
			err := dec.Decrypt(tmp, pw)
			pw.CloseWithError(err)
			decErrCh <- err
		}()
		defer func() {
			pr.Close()
			<-decErrCh
		}()
		r = pr
	}
	if m.Compressed {
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("creating decompressor: %w", err)
		}
		defer zr.Close()
		r = zr
	}

	for _, name := range s.namespaces {
		if err := s.clearNamespace(ctx, name); err != nil {
			return nil, err
		}
	}
	if err := s.readStream(ctx, r); err != nil {
		return nil, fmt.Errorf("restoring snapshot %d: %w", m.Version, err)
	}

	s.logger.Info("snapshot restored", "version", m.Version, "checksum", m.Checksum)
	return m, nil
}

func (s *Service) readStream(ctx context.Context, r io.Reader) error {
	dec := codec.NewDecoder(r)
	pending := make(map[string][]arc.BatchOp)

	flush := func(name string) error {
		ops := pending[name]
		if len(ops) == 0 {
			return nil
		}
		ns, err := s.source.Namespace(name)
		if err != nil {
			return fmt.Errorf("opening namespace %s: %w", name, err)
		}
		if err := ns.Batch(ctx, ops); err != nil {
			return fmt.Errorf("writing namespace %s: %w", name, err)
		}
		pending[name] = ops[:0]
		return nil
	}

	for {
		var e entry
		if err := dec.Decode(&e); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return fmt.Errorf("decoding entry: %w", err)
		}
		if !slices.Contains(s.namespaces, e.Namespace) {
			return fmt.Errorf("unknown namespace %q in snapshot", e.Namespace)
		}
		pending[e.Namespace] = append(pending[e.Namespace], arc.PutOp(e.Key, e.Value))
		if len(pending[e.Namespace]) >= restoreBatchSize {
			if err := flush(e.Namespace); err != nil {
				return err
			}
		}
	}

	for _, name := range s.namespaces {
		if err := flush(name); err != nil {
			return err
		}
	}
	return nil
}

// clearNamespace deletes every key in the named namespace.
func (s *Service) clearNamespace(ctx context.Context, name string) error {
	ns, err := s.source.Namespace(name)
	if err != nil {
		return fmt.Errorf("opening namespace %s: %w", name, err)
	}
	it, err := ns.Iterate(ctx, arc.Range{})
	if err != nil {
		return fmt.Errorf("iterating namespace %s: %w", name, err)
	}
	var keys []string
	for it.Next(ctx) {
		keys = append(keys, it.Key())
	}
	err = it.Err()
	it.Close()
	if err != nil {
		return fmt.Errorf("iterating namespace %s: %w", name, err)
	}

	for chunk := range slices.Chunk(keys, restoreBatchSize) {
		ops := make([]arc.BatchOp, 0, len(chunk))
		for _, k := range chunk {
			ops = append(ops, arc.DeleteOp(k))
		}
		if err := ns.Batch(ctx, ops); err != nil {
			return fmt.Errorf("clearing namespace %s: %w", name, err)
		}
	}
	return nil
}

func (s *Service) loadCatalog(ctx context.Context) (*Catalog, int64, error) {
	version, err := s.vault.GetMetadataVersion(ctx, s.opts.InstanceID, CatalogName)
	if err != nil {
		return nil, 0, fmt.Errorf("checking catalog version: %w", err)
	}
	if version == 0 {
		return &Catalog{}, 0, nil
	}

	var buf bytes.Buffer
	if err := s.vault.GetMetadata(ctx, s.opts.InstanceID, CatalogName, &buf); err != nil {
		return nil, 0, fmt.Errorf("reading catalog: %w", err)
	}
	var catalog Catalog
	if err := codec.Unmarshal(buf.Bytes(), &catalog); err != nil {
		return nil, 0, fmt.Errorf("decoding catalog: %w", err)
	}
	return &catalog, version, nil
}

func (s *Service) saveCatalog(ctx context.Context, catalog *Catalog, version int64) error {
	data, err := codec.Marshal(catalog)
	if err != nil {
		return fmt.Errorf("encoding catalog: %w", err)
	}
	if err := s.vault.PutMetadata(ctx, s.opts.InstanceID, CatalogName, bytes.NewReader(data), int64(len(data)), version); err != nil {
		return fmt.Errorf("writing catalog: %w", err)
	}
	return nil
}

// find returns the snapshot stored under version, or the latest for 0.
func (c *Catalog) find(version int64) (*Manifest, error) {
	if len(c.Snapshots) == 0 {
		return nil, fmt.Errorf("%w: no snapshots", ErrNotFound)
	}
	if version == 0 {
		return &c.Snapshots[len(c.Snapshots)-1], nil
	}
	for i := range c.Snapshots {
		if c.Snapshots[i].Version == version {
			return &c.Snapshots[i], nil
		}
	}
	return nil, fmt.Errorf("%w: snapshot %d", ErrNotFound, version)
}
