package backup_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"arcstore/internal/arc"
	"arcstore/internal/backup"
	"arcstore/internal/cursor"
	"arcstore/internal/encryption"
	"arcstore/internal/testutil"
)

var alice = testutil.NewUser("alice")

func seed(t *testing.T, s *testutil.TestStore, keys ...string) {
	t.Helper()
	ctx := context.Background()
	for _, key := range keys {
		if _, err := s.Files.Add(ctx, key, &arc.File{Kind: arc.KindWorkspace, Info: arc.FileInfo{Name: key}}, alice, arc.AddOptions{}); err != nil {
			t.Fatalf("Files.Add(%s) error = %v", key, err)
		}
	}
	if _, err := s.History.Add(ctx, arc.HistoryRecord{App: "web", Data: map[string]any{"url": "https://a.example"}}, alice); err != nil {
		t.Fatalf("History.Add() error = %v", err)
	}
	if err := s.Users.Put(ctx, alice); err != nil {
		t.Fatalf("Users.Put() error = %v", err)
	}
}

func fileKeys(t *testing.T, s *testutil.TestStore) []string {
	t.Helper()
	page, err := s.Files.List(context.Background(), alice, cursor.Options{})
	if err != nil {
		t.Fatalf("Files.List() error = %v", err)
	}
	var keys []string
	for _, f := range page.Items {
		keys = append(keys, f.Key)
	}
	return keys
}

func sameKeys(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[string]int)
	for _, k := range a {
		seen[k]++
	}
	for _, k := range b {
		seen[k]--
	}
	for _, n := range seen {
		if n != 0 {
			return false
		}
	}
	return true
}

func TestService_SnapshotAndRestore(t *testing.T) {
	tests := []struct {
		name     string
		compress bool
		encrypt  bool
	}{
		{name: "plain"},
		{name: "compressed", compress: true},
		{name: "encrypted", encrypt: true},
		{name: "compressed and encrypted", compress: true, encrypt: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			s := testutil.NewTestStore(t)
			seed(t, s, "ws1", "ws2")
			v := testutil.NewTestVault()

			opts := backup.Options{InstanceID: "inst", Compress: tt.compress}
			var dec backup.DecryptionContext
			if tt.encrypt {
				enc := testutil.NewTestEncryptor()
				opts.Encryptor = enc
				var err error
				if dec, err = enc.Unlock("pass"); err != nil {
					t.Fatalf("Unlock() error = %v", err)
				}
			}
			svc := backup.NewService(s.Store, v, opts, arc.NewNopLogger(), s.Clock)

			m, err := svc.Snapshot(ctx)
			if err != nil {
				t.Fatalf("Snapshot() error = %v", err)
			}
			if m.Version != 1 || m.Checksum == "" || m.Size == 0 {
				t.Errorf("Snapshot() = %+v", m)
			}
			if m.Compressed != tt.compress || m.Encrypted != tt.encrypt {
				t.Errorf("Snapshot() flags = compressed %v encrypted %v", m.Compressed, m.Encrypted)
			}
			if m.Entries[arc.NSFiles] != 2 || m.Entries[arc.NSUsers] != 1 || m.Entries[arc.NSHistoryData] != 1 {
				t.Errorf("Snapshot() entries = %v", m.Entries)
			}
			if m.Created != s.Clock.NowMillis() {
				t.Errorf("Snapshot() created = %d, want %d", m.Created, s.Clock.NowMillis())
			}

			before := fileKeys(t, s)
			seed(t, s, "ws3")
			if err := s.Files.Delete(ctx, "ws1", alice); err != nil {
				t.Fatalf("Files.Delete() error = %v", err)
			}

			restored, err := svc.Restore(ctx, m.Version, dec)
			if err != nil {
				t.Fatalf("Restore() error = %v", err)
			}
			if restored.Checksum != m.Checksum {
				t.Errorf("Restore() manifest = %+v, want %+v", restored, m)
			}
			if after := fileKeys(t, s); !sameKeys(after, before) {
				t.Errorf("files after Restore() = %v, want %v", after, before)
			}
			if _, err := s.Files.Read(ctx, "ws3", alice, arc.ReadOptions{}); !errors.Is(err, arc.ErrNotFound) {
				t.Errorf("file created after the snapshot survived Restore(): %v", err)
			}
			bin, err := s.Bin.List(ctx, arc.BinFile, cursor.Options{})
			if err != nil {
				t.Fatalf("Bin.List() error = %v", err)
			}
			if len(bin.Items) != 0 {
				t.Errorf("bin after Restore() = %d items, want 0", len(bin.Items))
			}
		})
	}
}

func TestService_Versions(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewTestStore(t)
	v := testutil.NewTestVault()
	svc := backup.NewService(s.Store, v, backup.Options{InstanceID: "inst", Compress: true}, arc.NewNopLogger(), s.Clock)

	if _, err := svc.Restore(ctx, 0, nil); !errors.Is(err, backup.ErrNotFound) {
		t.Errorf("Restore() with no snapshots error = %v, want not found", err)
	}

	seed(t, s, "ws1")
	first, err := svc.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	s.Clock.Advance(time.Hour)
	seed(t, s, "ws2")
	second, err := svc.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	s.Clock.Advance(time.Hour)
	unchanged, err := svc.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}

	if first.Version != 1 || second.Version != 2 || unchanged.Version != 3 {
		t.Errorf("versions = %d, %d, %d; want 1, 2, 3", first.Version, second.Version, unchanged.Version)
	}
	if unchanged.Checksum != second.Checksum {
		t.Error("unchanged store produced a different checksum")
	}
	if v.ContentCount() != 2 {
		t.Errorf("vault holds %d blobs, want 2", v.ContentCount())
	}
	if got, _ := v.GetMetadataVersion(ctx, "inst", backup.CatalogName); got != 3 {
		t.Errorf("catalog version = %d, want 3", got)
	}

	list, err := svc.List(ctx)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(list) != 3 || list[0].Version != 1 || list[2].Version != 3 {
		t.Errorf("List() = %+v", list)
	}

	if _, err := svc.Restore(ctx, first.Version, nil); err != nil {
		t.Fatalf("Restore(1) error = %v", err)
	}
	if keys := fileKeys(t, s); !sameKeys(keys, []string{"ws1"}) {
		t.Errorf("files after Restore(1) = %v", keys)
	}
	m, err := svc.Restore(ctx, 0, nil)
	if err != nil {
		t.Fatalf("Restore(latest) error = %v", err)
	}
	if m.Version != 3 {
		t.Errorf("Restore(0) restored version %d, want 3", m.Version)
	}
	if keys := fileKeys(t, s); !sameKeys(keys, []string{"ws1", "ws2"}) {
		t.Errorf("files after Restore(latest) = %v", keys)
	}

	if _, err := svc.Restore(ctx, 42, nil); !errors.Is(err, backup.ErrNotFound) {
		t.Errorf("Restore(42) error = %v, want not found", err)
	}
}

func TestService_Rejections(t *testing.T) {
	ctx := context.Background()

	t.Run("encrypted snapshot without passphrase", func(t *testing.T) {
		s := testutil.NewTestStore(t)
		seed(t, s, "ws1")
		svc := backup.NewService(s.Store, testutil.NewTestVault(), backup.Options{InstanceID: "inst", Encryptor: testutil.NewTestEncryptor()}, arc.NewNopLogger(), s.Clock)
		if _, err := svc.Snapshot(ctx); err != nil {
			t.Fatalf("Snapshot() error = %v", err)
		}
		if _, err := svc.Restore(ctx, 1, nil); err == nil {
			t.Error("Restore() of encrypted snapshot without decryption succeeded")
		}
	})

	t.Run("encryption not set up", func(t *testing.T) {
		s := testutil.NewTestStore(t)
		v := testutil.NewTestVault()
		svc := backup.NewService(s.Store, v, backup.Options{InstanceID: "inst", Encryptor: encryption.NewUnconfiguredTestEncryptor()}, arc.NewNopLogger(), s.Clock)
		if _, err := svc.Snapshot(ctx); err == nil {
			t.Error("Snapshot() without keys succeeded")
		}
		if v.ContentCount() != 0 {
			t.Error("failed Snapshot() uploaded content")
		}
	})

	t.Run("corrupted content", func(t *testing.T) {
		s := testutil.NewTestStore(t)
		seed(t, s, "ws1")
		v := &corruptingVault{Vault: testutil.NewTestVault()}
		svc := backup.NewService(s.Store, v, backup.Options{InstanceID: "inst"}, arc.NewNopLogger(), s.Clock)
		if _, err := svc.Snapshot(ctx); err != nil {
			t.Fatalf("Snapshot() error = %v", err)
		}
		seed(t, s, "ws2")

		v.corrupt = true
		if _, err := svc.Restore(ctx, 1, nil); err == nil {
			t.Fatal("Restore() of corrupted content succeeded")
		}
		if keys := fileKeys(t, s); !sameKeys(keys, []string{"ws1", "ws2"}) {
			t.Errorf("failed Restore() changed the store: %v", keys)
		}
	})
}

// corruptingVault flips a byte of every content read once corrupt is set.
type corruptingVault struct {
	backup.Vault
	corrupt bool
}

func (v *corruptingVault) GetContent(ctx context.Context, checksum string, w io.Writer) error {
	if !v.corrupt {
		return v.Vault.GetContent(ctx, checksum, w)
	}
	var buf bytes.Buffer
	if err := v.Vault.GetContent(ctx, checksum, &buf); err != nil {
		return err
	}
	data := buf.Bytes()
	data[len(data)/2] ^= 0xff
	_, err := w.Write(data)
	return err
}
