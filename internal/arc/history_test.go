package arc_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"arcstore/internal/arc"
	"arcstore/internal/cursor"
	"arcstore/internal/testutil"
)

func addHistory(t *testing.T, s *testutil.TestStore, user *arc.User, r arc.HistoryRecord) *arc.HistoryRecord {
	t.Helper()
	out, err := s.History.Add(context.Background(), r, user)
	if err != nil {
		t.Fatalf("History.Add() error = %v", err)
	}
	s.Clock.Advance(time.Second)
	return out
}

func historyKeys(page *cursor.Page[arc.HistoryRecord]) []string {
	out := make([]string, 0, len(page.Items))
	for _, r := range page.Items {
		out = append(out, r.Key)
	}
	return out
}

func TestHistory_AddAndList(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewTestStore(t)
	addFile(t, s, "ws", arc.KindWorkspace, alice, "")
	addFile(t, s, "proj", arc.KindProject, alice, "ws")
	grant(t, s, "ws", alice, userGrant("bob", arc.RoleReader))
	s.Notifier.Reset()

	first := addHistory(t, s, alice, arc.HistoryRecord{App: "web", Data: map[string]any{"url": "https://a.example/users"}})
	second := addHistory(t, s, bob, arc.HistoryRecord{App: "web", Space: "ws", Project: "proj", Data: map[string]any{"url": "https://b.example/orders"}})
	third := addHistory(t, s, alice, arc.HistoryRecord{App: "cli", Space: "ws", Data: map[string]any{"url": "https://a.example/orders"}})

	if first.User != "alice" || first.Created == 0 || first.Key == "" {
		t.Errorf("Add() = %+v, want user, created and key set", first)
	}
	if got := s.Notifier.To(arc.RouteHistory, "alice"); len(got) != 2 {
		t.Errorf("alice history events = %d, want 2", len(got))
	}
	if got := s.Notifier.To(arc.RouteHistory, "bob"); len(got) != 1 || got[0].Event.Operation != arc.OpCreated {
		t.Errorf("bob history events = %+v", got)
	}

	tests := []struct {
		name string
		user *arc.User
		opts cursor.Options
		want []string
	}{
		{"own records newest first", alice, cursor.Options{}, []string{third.Key, first.Key}},
		{"explicit user type", bob, cursor.Options{Type: arc.HistoryUser}, []string{second.Key}},
		{"space", alice, cursor.Options{Type: arc.HistorySpace, ID: "ws"}, []string{third.Key, second.Key}},
		{"space as reader", bob, cursor.Options{Type: arc.HistorySpace, ID: "ws"}, []string{third.Key, second.Key}},
		{"project", alice, cursor.Options{Type: arc.HistoryProject, ID: "proj"}, []string{second.Key}},
		{"app is per user", alice, cursor.Options{Type: arc.HistoryApp, ID: "web"}, []string{first.Key}},
		{"since", alice, cursor.Options{Since: third.Created}, []string{third.Key}},
		{"until", alice, cursor.Options{Until: first.Created}, []string{first.Key}},
		{"query", alice, cursor.Options{Query: "ORDERS"}, []string{third.Key}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			page, err := s.History.List(ctx, tt.user, tt.opts)
			if err != nil {
				t.Fatalf("List() error = %v", err)
			}
			got := historyKeys(page)
			if len(got) != len(tt.want) {
				t.Fatalf("List() = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Fatalf("List() = %v, want %v", got, tt.want)
				}
			}
		})
	}

	errorCases := []struct {
		name string
		user *arc.User
		opts cursor.Options
		want error
	}{
		{"unknown type", alice, cursor.Options{Type: "team"}, arc.ErrInvalidInput},
		{"space without id", alice, cursor.Options{Type: arc.HistorySpace}, arc.ErrInvalidInput},
		{"app without id", alice, cursor.Options{Type: arc.HistoryApp}, arc.ErrInvalidInput},
		{"space without access", carol, cursor.Options{Type: arc.HistorySpace, ID: "ws"}, arc.ErrNotFound},
		{"bad cursor", alice, cursor.Options{Cursor: "!!"}, cursor.ErrInvalidCursor},
	}
	for _, tt := range errorCases {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := s.History.List(ctx, tt.user, tt.opts); !errors.Is(err, tt.want) {
				t.Errorf("List() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestHistory_AddValidation(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewTestStore(t)
	addFile(t, s, "ws", arc.KindWorkspace, alice, "")

	if _, err := s.History.Add(ctx, arc.HistoryRecord{App: "web", Space: "ws"}, bob); !errors.Is(err, arc.ErrNotFound) {
		t.Errorf("Add() to a foreign space error = %v, want not found", err)
	}
	if _, err := s.History.Add(ctx, arc.HistoryRecord{App: "a~b"}, alice); !errors.Is(err, arc.ErrInvalidInput) {
		t.Errorf("Add() with bad app error = %v, want invalid input", err)
	}
	if _, err := s.History.AddMany(ctx, nil, alice); !errors.Is(err, arc.ErrInvalidInput) {
		t.Errorf("AddMany(nil) error = %v, want invalid input", err)
	}

	_, err := s.History.AddMany(ctx, []arc.HistoryRecord{
		{App: "web"},
		{App: "web", Space: "ws"},
	}, bob)
	if !errors.Is(err, arc.ErrNotFound) {
		t.Fatalf("AddMany() error = %v, want not found", err)
	}
	page, err := s.History.List(ctx, bob, cursor.Options{})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(page.Items) != 0 {
		t.Errorf("rejected batch wrote %d records", len(page.Items))
	}

	records, err := s.History.AddMany(ctx, []arc.HistoryRecord{{App: "web"}, {App: "web"}}, bob)
	if err != nil {
		t.Fatalf("AddMany() error = %v", err)
	}
	if len(records) != 2 || records[0].Key == records[1].Key {
		t.Errorf("AddMany() = %+v", records)
	}
	if records[0].Data == nil {
		t.Error("AddMany() left Data nil")
	}
}

func TestHistory_ReadAndDelete(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewTestStore(t)
	addFile(t, s, "ws", arc.KindWorkspace, alice, "")
	grant(t, s, "ws", alice, userGrant("bob", arc.RoleWriter))
	r := addHistory(t, s, bob, arc.HistoryRecord{App: "web", Space: "ws"})

	t.Run("read", func(t *testing.T) {
		for _, u := range []*arc.User{bob, alice} {
			if _, err := s.History.Read(ctx, r.Key, u); err != nil {
				t.Errorf("Read() as %s error = %v", u.Key, err)
			}
		}
		if _, err := s.History.Read(ctx, r.Key, carol); !errors.Is(err, arc.ErrNotFound) {
			t.Errorf("Read() as stranger error = %v, want not found", err)
		}
		if _, err := s.History.Read(ctx, "missing", bob); !errors.Is(err, arc.ErrNotFound) {
			t.Errorf("Read(missing) error = %v, want not found", err)
		}
	})

	t.Run("only the author deletes", func(t *testing.T) {
		if err := s.History.Delete(ctx, []string{r.Key}, alice); !errors.Is(err, arc.ErrNotFound) {
			t.Errorf("Delete() by space owner error = %v, want not found", err)
		}
		if err := s.History.Delete(ctx, []string{r.Key, r.Key}, bob); err != nil {
			t.Fatalf("Delete() error = %v", err)
		}
		if _, err := s.History.Read(ctx, r.Key, bob); !errors.Is(err, arc.ErrNotFound) {
			t.Errorf("Read() after Delete error = %v, want not found", err)
		}
		for _, opts := range []cursor.Options{{}, {Type: arc.HistorySpace, ID: "ws"}, {Type: arc.HistoryApp, ID: "web"}} {
			page, err := s.History.List(ctx, bob, opts)
			if err != nil {
				t.Fatalf("List(%+v) error = %v", opts, err)
			}
			if len(page.Items) != 0 {
				t.Errorf("List(%+v) after Delete = %d items", opts, len(page.Items))
			}
		}
	})
}
