package store

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/vesaa/npdash/internal/models"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "npdash.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSessionLifecycle(t *testing.T) {
	s := openTemp(t)
	now := time.Now()

	if _, err := s.ActiveSession(now); !errors.Is(err, ErrNoSession) {
		t.Fatalf("empty store err = %v", err)
	}

	if _, err := s.SaveSession("alice", "t1", false, now.Add(time.Hour)); err != nil {
		t.Fatal(err)
	}
	second, err := s.SaveSession("bob", "t2", true, time.Time{})
	if err != nil {
		t.Fatal(err)
	}

	got, err := s.ActiveSession(now)
	if err != nil {
		t.Fatalf("ActiveSession: %v", err)
	}
	if got.SessionID != second.SessionID || got.Token != "t2" || !got.NeedsSetup {
		t.Errorf("active = %+v, want bob's session", got)
	}

	if err := s.ClearSessions(); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ActiveSession(now); !errors.Is(err, ErrNoSession) {
		t.Errorf("after clear err = %v", err)
	}
}

func TestExpiredSessionIsDeactivated(t *testing.T) {
	s := openTemp(t)
	now := time.Now()
	if _, err := s.SaveSession("alice", "t1", false, now.Add(-time.Minute)); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ActiveSession(now); !errors.Is(err, ErrNoSession) {
		t.Fatalf("expired session err = %v", err)
	}
	if _, err := s.ActiveSession(now.Add(-time.Hour)); !errors.Is(err, ErrNoSession) {
		t.Error("expired session should stay inactive")
	}
}

func TestNotifications(t *testing.T) {
	s := openTemp(t)
	for _, n := range []models.Notification{
		{Level: models.LevelSuccess, Title: "started", Resource: "tunnel/1"},
		{Level: models.LevelDanger, Title: "delete failed", Resource: "tunnel/2"},
		{Level: models.LevelWarning, Title: "stopped", Resource: "tunnel/1"},
	} {
		n := n
		if err := s.AddNotification(&n); err != nil {
			t.Fatal(err)
		}
	}

	all, err := s.Notifications("", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 || all[0].Title != "stopped" {
		t.Errorf("all = %+v", all)
	}

	one, err := s.Notifications("tunnel/1", 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(one) != 1 || one[0].Title != "stopped" {
		t.Errorf("filtered = %+v", one)
	}

	n, err := s.PruneNotifications(time.Now().Add(time.Minute))
	if err != nil || n != 3 {
		t.Errorf("pruned %d, %v", n, err)
	}
}
