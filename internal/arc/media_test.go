package arc_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"arcstore/internal/arc"
	"arcstore/internal/cursor"
	"arcstore/internal/patch"
	"arcstore/internal/testutil"
)

func TestMedia_PutReadPatch(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewTestStore(t)
	addFile(t, s, "ws", arc.KindWorkspace, alice, "")
	grant(t, s, "ws", alice, userGrant("bob", arc.RoleWriter), userGrant("carol", arc.RoleReader))

	if _, err := s.Files.ReadMedia(ctx, "ws", alice); !errors.Is(err, arc.ErrNotFound) {
		t.Fatalf("ReadMedia() before put error = %v, want not found", err)
	}

	m, err := s.Files.PutMedia(ctx, "ws", map[string]any{"requests": []any{"r1"}, "count": 1}, alice)
	if err != nil {
		t.Fatalf("PutMedia() error = %v", err)
	}
	if m.Kind != arc.KindWorkspace || m.LastModified.User != "alice" {
		t.Errorf("PutMedia() = %+v", m)
	}

	s.Clock.Advance(time.Second)
	s.Notifier.Reset()
	ops := []patch.Operation{
		{Op: patch.OpAdd, Path: "/requests/-", Value: "r2"},
		{Op: patch.OpReplace, Path: "/count", Value: 2},
	}
	if _, err := s.Files.PatchMedia(ctx, "ws", ops, bob); err != nil {
		t.Fatalf("PatchMedia() error = %v", err)
	}

	got, err := s.Files.ReadMedia(ctx, "ws", carol)
	if err != nil {
		t.Fatalf("ReadMedia() error = %v", err)
	}
	value := got.Value.(map[string]any)
	if reqs := value["requests"].([]any); len(reqs) != 2 || reqs[1] != "r2" {
		t.Errorf("requests = %v, want [r1 r2]", reqs)
	}
	if value["count"] != float64(2) {
		t.Errorf("count = %v, want 2", value["count"])
	}
	if got.LastModified.User != "bob" {
		t.Errorf("LastModified.User = %q, want bob", got.LastModified.User)
	}

	events := s.Notifier.To(arc.RouteFileMedia("ws"), "carol")
	if len(events) != 1 || events[0].Event.Operation != arc.OpPatch {
		t.Fatalf("media events = %+v", events)
	}
	if sent, ok := events[0].Event.Data.([]patch.Operation); !ok || len(sent) != 2 {
		t.Errorf("media event data = %#v, want the applied ops", events[0].Event.Data)
	}

	t.Run("rejections", func(t *testing.T) {
		tests := []struct {
			name string
			call func() error
			want error
		}{
			{"reader put", func() error {
				_, err := s.Files.PutMedia(ctx, "ws", "x", carol)
				return err
			}, arc.ErrForbidden},
			{"stranger read", func() error {
				_, err := s.Files.ReadMedia(ctx, "ws", dave)
				return err
			}, arc.ErrNotFound},
			{"empty patch", func() error {
				_, err := s.Files.PatchMedia(ctx, "ws", nil, alice)
				return err
			}, arc.ErrInvalidInput},
			{"bad path", func() error {
				_, err := s.Files.PatchMedia(ctx, "ws", []patch.Operation{{Op: patch.OpRemove, Path: "/missing"}}, alice)
				return err
			}, patch.ErrInvalidPatch},
			{"unknown file", func() error {
				_, err := s.Files.PutMedia(ctx, "nope", "x", alice)
				return err
			}, arc.ErrNotFound},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				if err := tt.call(); !errors.Is(err, tt.want) {
					t.Errorf("error = %v, want %v", err, tt.want)
				}
			})
		}
	})
}

func TestMedia_RevisionsAndRestore(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewTestStore(t)
	addFile(t, s, "ws", arc.KindWorkspace, alice, "")

	for _, v := range []string{"one", "two", "three"} {
		if _, err := s.Files.PutMedia(ctx, "ws", map[string]any{"v": v}, alice); err != nil {
			t.Fatalf("PutMedia(%s) error = %v", v, err)
		}
		s.Clock.Advance(time.Second)
	}

	page, err := s.Files.ListRevisions(ctx, "ws", arc.AltMedia, alice, cursor.Options{})
	if err != nil {
		t.Fatalf("ListRevisions() error = %v", err)
	}
	if len(page.Items) != 3 {
		t.Fatalf("media revisions = %d, want 3", len(page.Items))
	}
	for i := 1; i < len(page.Items); i++ {
		if page.Items[i-1].Created < page.Items[i].Created {
			t.Fatalf("revisions not newest first: %d before %d", page.Items[i-1].Created, page.Items[i].Created)
		}
	}
	meta, err := s.Files.ListRevisions(ctx, "ws", arc.AltMeta, alice, cursor.Options{})
	if err != nil {
		t.Fatalf("ListRevisions(meta) error = %v", err)
	}
	if len(meta.Items) != 0 {
		t.Errorf("meta revisions = %d, want 0", len(meta.Items))
	}

	// The middle revision recorded the change to "two"; restoring it rolls
	// back that change and every later one.
	target := page.Items[1]
	if _, err := s.Files.Restore(ctx, "ws", target.ID, alice); err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	m, err := s.Files.ReadMedia(ctx, "ws", alice)
	if err != nil {
		t.Fatalf("ReadMedia() error = %v", err)
	}
	if v := m.Value.(map[string]any)["v"]; v != "one" {
		t.Errorf("restored value = %v, want one", v)
	}

	if _, err := s.Files.ListRevisions(ctx, "ws", "thumbnail", alice, cursor.Options{}); !errors.Is(err, arc.ErrInvalidInput) {
		t.Errorf("ListRevisions(unknown alt) error = %v, want invalid input", err)
	}
}

func TestRevisions(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewTestStore(t)
	op := []patch.Operation{{Op: patch.OpReplace, Path: "/name", Value: "x"}}

	first, err := s.Revisions.Add(ctx, "workspace", "k1", op, alice, arc.AltMeta)
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	second, err := s.Revisions.Add(ctx, "workspace", "k1", op, alice, arc.AltMeta)
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	t.Run("same instant gets a distinct id", func(t *testing.T) {
		if first.ID == second.ID {
			t.Fatalf("revision ids collide: %s", first.ID)
		}
		if second.ID <= first.ID {
			t.Errorf("later revision %s sorts before %s", second.ID, first.ID)
		}
	})

	t.Run("read", func(t *testing.T) {
		got, err := s.Revisions.Read(ctx, first.ID)
		if err != nil {
			t.Fatalf("Read() error = %v", err)
		}
		if got.Key != "k1" || got.Modification.Name != "User alice" {
			t.Errorf("Read() = %+v", got)
		}
		for _, id := range []string{"", "garbage", "~meta~k1~nope~"} {
			if _, err := s.Revisions.Read(ctx, id); !errors.Is(err, arc.ErrNotFound) {
				t.Errorf("Read(%q) error = %v, want not found", id, err)
			}
		}
	})

	t.Run("list pages newest first", func(t *testing.T) {
		s.Clock.Advance(time.Second)
		third, err := s.Revisions.Add(ctx, "workspace", "k1", op, alice, arc.AltMeta)
		if err != nil {
			t.Fatalf("Add() error = %v", err)
		}
		page, err := s.Revisions.List(ctx, arc.AltMeta, "k1", cursor.Options{Limit: 2})
		if err != nil {
			t.Fatalf("List() error = %v", err)
		}
		if len(page.Items) != 2 || page.Items[0].ID != third.ID || page.Items[1].ID != second.ID {
			t.Fatalf("first page = %+v", page.Items)
		}
		page, err = s.Revisions.List(ctx, arc.AltMeta, "k1", cursor.Options{Cursor: page.Cursor})
		if err != nil {
			t.Fatalf("List() error = %v", err)
		}
		if len(page.Items) != 1 || page.Items[0].ID != first.ID {
			t.Errorf("second page = %+v", page.Items)
		}
	})

	t.Run("since", func(t *testing.T) {
		revs, err := s.Revisions.Since(ctx, arc.AltMeta, "k1", second.ID)
		if err != nil {
			t.Fatalf("Since() error = %v", err)
		}
		if len(revs) != 2 || revs[len(revs)-1].ID != second.ID {
			t.Errorf("Since() = %d revisions ending %s", len(revs), revs[len(revs)-1].ID)
		}
		if _, err := s.Revisions.Since(ctx, arc.AltMedia, "k1", second.ID); !errors.Is(err, arc.ErrNotFound) {
			t.Errorf("Since() with another alt error = %v, want not found", err)
		}
	})

	t.Run("other keys are separate", func(t *testing.T) {
		if _, err := s.Revisions.Add(ctx, "workspace", "k10", op, alice, arc.AltMeta); err != nil {
			t.Fatalf("Add() error = %v", err)
		}
		page, err := s.Revisions.List(ctx, arc.AltMeta, "k1", cursor.Options{})
		if err != nil {
			t.Fatalf("List() error = %v", err)
		}
		for _, rev := range page.Items {
			if rev.Key != "k1" {
				t.Errorf("List(k1) returned revision of %s", rev.Key)
			}
		}
	})

	t.Run("delete all", func(t *testing.T) {
		if err := s.Revisions.DeleteAll(ctx, arc.AltMeta, "k1"); err != nil {
			t.Fatalf("DeleteAll() error = %v", err)
		}
		page, err := s.Revisions.List(ctx, arc.AltMeta, "k1", cursor.Options{})
		if err != nil {
			t.Fatalf("List() error = %v", err)
		}
		if len(page.Items) != 0 {
			t.Errorf("List() after DeleteAll = %d items", len(page.Items))
		}
		if _, err := s.Revisions.Read(ctx, first.ID); !errors.Is(err, arc.ErrNotFound) {
			t.Errorf("Read() deleted revision error = %v, want not found", err)
		}
		page, err = s.Revisions.List(ctx, arc.AltMeta, "k10", cursor.Options{})
		if err != nil {
			t.Fatalf("List() error = %v", err)
		}
		if len(page.Items) != 1 {
			t.Errorf("k10 revisions = %d, want 1", len(page.Items))
		}
	})
}

func TestBin(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewTestStore(t)

	if _, err := s.Bin.Add(ctx, arc.BinFile, []string{"ws", "p1"}, alice); err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	tests := []struct {
		chain     []string
		direct    bool
		inherited bool
	}{
		{[]string{"ws"}, false, false},
		{[]string{"ws", "p1"}, true, true},
		{[]string{"ws", "p1", "e1"}, false, true},
		{[]string{"ws", "p2"}, false, false},
	}
	for _, tt := range tests {
		direct, err := s.Bin.IsDeleted(ctx, arc.BinFile, tt.chain)
		if err != nil {
			t.Fatalf("IsDeleted(%v) error = %v", tt.chain, err)
		}
		inherited, err := s.Bin.IsAnyDeleted(ctx, arc.BinFile, tt.chain)
		if err != nil {
			t.Fatalf("IsAnyDeleted(%v) error = %v", tt.chain, err)
		}
		if direct != tt.direct || inherited != tt.inherited {
			t.Errorf("%v: IsDeleted = %v, IsAnyDeleted = %v, want %v, %v", tt.chain, direct, inherited, tt.direct, tt.inherited)
		}
	}

	if deleted, _ := s.Bin.IsDeleted(ctx, arc.BinApp, []string{"ws", "p1"}); deleted {
		t.Error("bin kinds are not separate")
	}
	if _, err := s.Bin.IsDeleted(ctx, arc.BinFile, nil); !errors.Is(err, arc.ErrInvalidInput) {
		t.Errorf("IsDeleted(nil) error = %v, want invalid input", err)
	}

	page, err := s.Bin.List(ctx, arc.BinFile, cursor.Options{})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(page.Items) != 1 || page.Items[0].Key != "p1" || page.Items[0].DeletedBy != "alice" {
		t.Errorf("List() = %+v", page.Items)
	}

	if err := s.Bin.Remove(ctx, arc.BinFile, []string{"ws", "p1"}); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if deleted, _ := s.Bin.IsAnyDeleted(ctx, arc.BinFile, []string{"ws", "p1", "e1"}); deleted {
		t.Error("IsAnyDeleted() after Remove = true")
	}
}

func TestUsers(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewTestStore(t)
	for _, u := range []*arc.User{alice, bob, carol} {
		if err := s.Users.Put(ctx, u); err != nil {
			t.Fatalf("Put(%s) error = %v", u.Key, err)
		}
	}

	got, err := s.Users.Read(ctx, "bob")
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if got.Email != "bob@example.com" {
		t.Errorf("Read() = %+v", got)
	}
	if _, err := s.Users.Read(ctx, "zed"); !errors.Is(err, arc.ErrNotFound) {
		t.Errorf("Read(unknown) error = %v, want not found", err)
	}

	many, err := s.Users.ReadMany(ctx, []string{"carol", "zed", "alice"})
	if err != nil {
		t.Fatalf("ReadMany() error = %v", err)
	}
	if len(many) != 2 || many[0].Key != "carol" || many[1].Key != "alice" {
		t.Errorf("ReadMany() = %+v", many)
	}

	page, err := s.Users.List(ctx, cursor.Options{Limit: 2})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(page.Items) != 2 || page.Items[0].Key != "alice" || page.Items[1].Key != "bob" {
		t.Fatalf("List() = %+v", page.Items)
	}
	page, err = s.Users.List(ctx, cursor.Options{Cursor: page.Cursor})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(page.Items) != 1 || page.Items[0].Key != "carol" {
		t.Errorf("second page = %+v", page.Items)
	}

	page, err = s.Users.List(ctx, cursor.Options{Query: "CAROL@"})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(page.Items) != 1 || page.Items[0].Key != "carol" {
		t.Errorf("query result = %+v", page.Items)
	}
}
