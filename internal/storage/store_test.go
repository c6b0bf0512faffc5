package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"ghostwall/internal/event"
)

var base = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

func openStores(t *testing.T) map[string]Store {
	t.Helper()
	sqlite, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "events.db"), nil)
	if err != nil {
		t.Fatalf("OpenSQLite() error = %v", err)
	}
	t.Cleanup(func() { sqlite.Close() })
	return map[string]Store{
		"memory": NewMemoryStore(100),
		"sqlite": sqlite,
	}
}

func sessionEvent(id, ip, action string, at time.Time, meta event.SessionMeta) event.Event {
	meta.Session = id
	meta.Action = action
	return event.New(event.TypeCowrieSession, event.SourceCowrie, ip, at, meta)
}

func TestStoreEventsNewestFirstWithFilters(t *testing.T) {
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for i := 0; i < 5; i++ {
				ev := event.New(event.TypeConnectAttempt, event.SourceSSH, "10.0.0.1", base.Add(time.Duration(i)*time.Second),
					event.ConnectMeta{DstPort: 22, Route: "decoy"})
				if err := store.SaveEvent(ctx, ev); err != nil {
					t.Fatalf("SaveEvent() error = %v", err)
				}
			}
			brute := event.New(event.TypeBruteForce, event.SourceSSH, "10.0.0.2", base.Add(10*time.Second),
				event.BruteForceMeta{DstPort: 22, Count: 10, Window: 10 * time.Second})
			store.SaveEvent(ctx, brute)

			all, err := store.Events(ctx, EventQuery{})
			if err != nil {
				t.Fatalf("Events() error = %v", err)
			}
			if len(all) != 6 {
				t.Fatalf("len = %d, want 6", len(all))
			}
			if all[0].ID != brute.ID {
				t.Error("newest event should come first")
			}
			if m, ok := all[0].Meta.(event.BruteForceMeta); !ok || m.Count != 10 {
				t.Errorf("metadata not restored: %#v", all[0].Meta)
			}

			typed, _ := store.Events(ctx, EventQuery{Type: event.TypeConnectAttempt, Limit: 2})
			if len(typed) != 2 || !typed[0].Timestamp.Equal(base.Add(4*time.Second)) {
				t.Errorf("type+limit filter returned %d events", len(typed))
			}

			since, _ := store.Events(ctx, EventQuery{Since: base.Add(3 * time.Second)})
			if len(since) != 3 {
				t.Errorf("since filter returned %d events, want 3", len(since))
			}

			byIP, _ := store.Events(ctx, EventQuery{SrcIP: "10.0.0.2"})
			if len(byIP) != 1 {
				t.Errorf("src_ip filter returned %d events, want 1", len(byIP))
			}
		})
	}
}

func TestStoreSessionAggregation(t *testing.T) {
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			events := []event.Event{
				sessionEvent("s1", "198.51.100.7", event.ActionConnect, base, event.SessionMeta{}),
				sessionEvent("s1", "198.51.100.7", event.ActionLoginFailed, base.Add(time.Second), event.SessionMeta{Username: "admin"}),
				sessionEvent("s1", "198.51.100.7", event.ActionLoginSuccess, base.Add(2*time.Second), event.SessionMeta{Username: "root"}),
				sessionEvent("s1", "198.51.100.7", event.ActionCommand, base.Add(3*time.Second), event.SessionMeta{Command: "uname -a"}),
				sessionEvent("s1", "198.51.100.7", event.ActionDownload, base.Add(4*time.Second), event.SessionMeta{URL: "http://x/bot.sh"}),
				sessionEvent("s2", "198.51.100.8", event.ActionConnect, base.Add(10*time.Second), event.SessionMeta{}),
			}
			for _, ev := range events {
				if err := store.SaveEvent(ctx, ev); err != nil {
					t.Fatalf("SaveEvent() error = %v", err)
				}
			}

			sessions, err := store.Sessions(ctx, SessionQuery{})
			if err != nil {
				t.Fatalf("Sessions() error = %v", err)
			}
			if len(sessions) != 2 {
				t.Fatalf("len = %d, want 2", len(sessions))
			}
			if sessions[0].ID != "s2" {
				t.Errorf("most recent session first, got %s", sessions[0].ID)
			}

			s1 := sessions[1]
			if s1.SrcIP != "198.51.100.7" || s1.Source != event.SourceCowrie {
				t.Errorf("identity = %s/%s", s1.SrcIP, s1.Source)
			}
			if !s1.FirstSeen.Equal(base) || !s1.LastSeen.Equal(base.Add(4*time.Second)) {
				t.Errorf("first/last = %v/%v", s1.FirstSeen, s1.LastSeen)
			}
			if s1.Username != "root" || !s1.LoginSuccess {
				t.Errorf("login = %q/%v", s1.Username, s1.LoginSuccess)
			}
			if s1.CommandCount != 2 || len(s1.Commands) != 2 || s1.Commands[1] != "http://x/bot.sh" {
				t.Errorf("commands = %d %v", s1.CommandCount, s1.Commands)
			}

			recent, _ := store.Sessions(ctx, SessionQuery{Since: base.Add(5 * time.Second)})
			if len(recent) != 1 || recent[0].ID != "s2" {
				t.Errorf("since filter returned %v", recent)
			}
		})
	}
}

func TestStorePruneAndReset(t *testing.T) {
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store.SaveEvent(ctx, sessionEvent("old", "10.0.0.1", event.ActionConnect, base, event.SessionMeta{}))
			store.SaveEvent(ctx, sessionEvent("new", "10.0.0.2", event.ActionConnect, base.Add(time.Hour), event.SessionMeta{}))

			n, err := store.Prune(ctx, base.Add(time.Minute))
			if err != nil {
				t.Fatalf("Prune() error = %v", err)
			}
			if n != 1 {
				t.Errorf("pruned %d events, want 1", n)
			}
			sessions, _ := store.Sessions(ctx, SessionQuery{})
			if len(sessions) != 1 || sessions[0].ID != "new" {
				t.Errorf("sessions after prune = %v", sessions)
			}

			if err := store.Reset(ctx); err != nil {
				t.Fatalf("Reset() error = %v", err)
			}
			events, _ := store.Events(ctx, EventQuery{})
			sessions, _ = store.Sessions(ctx, SessionQuery{})
			if len(events) != 0 || len(sessions) != 0 {
				t.Errorf("store not empty after reset: %d events, %d sessions", len(events), len(sessions))
			}
		})
	}
}

func TestMemoryStoreEvictsOldest(t *testing.T) {
	store := NewMemoryStore(3)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		store.SaveEvent(ctx, event.New(event.TypeConnectAttempt, event.SourceSSH, "10.0.0.1",
			base.Add(time.Duration(i)*time.Second), event.ConnectMeta{DstPort: 22}))
	}
	if store.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", store.Len())
	}
	events, _ := store.Events(ctx, EventQuery{})
	if !events[2].Timestamp.Equal(base.Add(2 * time.Second)) {
		t.Errorf("oldest kept = %v, want base+2s", events[2].Timestamp)
	}

	store.Close()
	if err := store.SaveEvent(ctx, events[0]); err != ErrDatabaseClosed {
		t.Errorf("SaveEvent after Close = %v, want ErrDatabaseClosed", err)
	}
}

func TestSQLiteReopenKeepsData(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "events.db")

	store, err := OpenSQLite(ctx, path, nil)
	if err != nil {
		t.Fatalf("OpenSQLite() error = %v", err)
	}
	ev := newTestEvent()
	store.SaveEvent(ctx, ev)
	// duplicates are ignored
	store.SaveEvent(ctx, ev)
	store.Close()

	store, err = OpenSQLite(ctx, path, nil)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer store.Close()
	events, _ := store.Events(ctx, EventQuery{})
	if len(events) != 1 || events[0].ID != ev.ID {
		t.Errorf("events after reopen = %v", events)
	}
}

func TestRetentionPrune(t *testing.T) {
	store := NewMemoryStore(10)
	ctx := context.Background()
	store.SaveEvent(ctx, event.New(event.TypeConnectAttempt, event.SourceSSH, "10.0.0.1", base, event.ConnectMeta{DstPort: 22}))
	store.SaveEvent(ctx, event.New(event.TypeConnectAttempt, event.SourceSSH, "10.0.0.1", base.Add(2*time.Hour), event.ConnectMeta{DstPort: 22}))

	rm := NewRetentionManager(store, nil, time.Hour, nil)
	rm.now = func() time.Time { return base.Add(90 * time.Minute) }
	rm.ApplyTTLs(ctx) // no archive, no-op

	n, err := rm.Prune(ctx)
	if err != nil || n != 1 {
		t.Fatalf("Prune() = %d, %v; want 1, nil", n, err)
	}
	if store.Len() != 1 {
		t.Errorf("Len() = %d, want 1", store.Len())
	}
}
