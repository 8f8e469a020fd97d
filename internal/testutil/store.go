package testutil

import (
	"context"
	"testing"

	"arcstore/internal/arc"
	"arcstore/internal/kvstore"
)

// TestStore bundles a Store over the memory engine with its stubs.
type TestStore struct {
	*arc.Store
	KV       *kvstore.MemoryKV
	Notifier *RecordingNotifier
	Clock    *StubClock
	IDs      *StubIDGenerator
}

// NewTestStore builds a Store on a fresh memory engine with a fixed clock,
// sequential IDs and a recording notifier.
func NewTestStore(t *testing.T) *TestStore {
	t.Helper()

	kv := kvstore.NewMemoryKV()
	notifier := NewRecordingNotifier()
	clock := FixedClock()
	ids := NewStubIDGenerator()

	store, err := arc.NewStore(context.Background(), kv, notifier, arc.NewNopLogger(), clock, ids)
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	t.Cleanup(func() {
		store.Close()
		kv.Close()
	})
	return &TestStore{Store: store, KV: kv, Notifier: notifier, Clock: clock, IDs: ids}
}

// NewUser returns a user with the given key and a derived display name.
func NewUser(key string, groups ...string) *arc.User {
	return &arc.User{Key: key, Name: "User " + key, Email: key + "@example.com", Groups: groups}
}
