package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	tmpDir, err := os.MkdirTemp("", "quotawatch-store-test")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tmpDir) })

	s, err := NewStore(filepath.Join(tmpDir, "quotawatch.db"))
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestEventAppendAndRead(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	for i, typ := range []EventType{"snapshot_updated", "transient_error", "auth_required"} {
		payload, _ := json.Marshal(map[string]any{"seq": i})
		err := s.AppendEvent(ctx, &EventRecord{
			EventID:   time.Duration(i).String() + "_evt",
			EventType: typ,
			Ts:        base.Add(time.Duration(i) * time.Minute),
			Payload:   payload,
		})
		if err != nil {
			t.Fatalf("AppendEvent failed: %v", err)
		}
	}

	events, err := s.ReadRecentEvents(ctx, 2)
	if err != nil {
		t.Fatalf("ReadRecentEvents failed: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].EventType != "auth_required" {
		t.Errorf("expected newest event first, got %s", events[0].EventType)
	}
}

func TestPruneEvents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	old := &EventRecord{EventID: "old", EventType: "transient_error", Ts: time.Now().UTC().Add(-48 * time.Hour), Payload: []byte(`{}`)}
	recent := &EventRecord{EventID: "recent", EventType: "snapshot_updated", Ts: time.Now().UTC(), Payload: []byte(`{}`)}
	for _, rec := range []*EventRecord{old, recent} {
		if err := s.AppendEvent(ctx, rec); err != nil {
			t.Fatalf("AppendEvent failed: %v", err)
		}
	}

	n, err := s.PruneEvents(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("PruneEvents failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 pruned event, got %d", n)
	}

	events, err := s.ReadRecentEvents(ctx, 10)
	if err != nil {
		t.Fatalf("ReadRecentEvents failed: %v", err)
	}
	if len(events) != 1 || events[0].EventID != "recent" {
		t.Errorf("expected only the recent event to survive, got %+v", events)
	}
}

func TestSnapshotHistory(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, ok, err := s.LatestSnapshot(ctx); err != nil || ok {
		t.Fatalf("expected no snapshot yet, got ok=%v err=%v", ok, err)
	}

	first := SnapshotRecord{
		FetchedAt:          time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC),
		SessionUtilization: 12.5,
		SessionResetsAt:    time.Date(2025, 6, 1, 14, 0, 0, 0, time.UTC),
	}
	second := SnapshotRecord{
		FetchedAt:          time.Date(2025, 6, 1, 10, 1, 0, 0, time.UTC),
		SessionUtilization: 13.0,
		WeeklyUtilization:  60.0,
		WeeklyResetsAt:     time.Date(2025, 6, 4, 0, 0, 0, 0, time.UTC),
		HasWeekly:          true,
	}
	for _, rec := range []SnapshotRecord{first, second} {
		if err := s.SaveSnapshot(ctx, rec); err != nil {
			t.Fatalf("SaveSnapshot failed: %v", err)
		}
	}

	latest, ok, err := s.LatestSnapshot(ctx)
	if err != nil || !ok {
		t.Fatalf("LatestSnapshot failed: ok=%v err=%v", ok, err)
	}
	if latest.SessionUtilization != 13.0 || !latest.HasWeekly {
		t.Errorf("expected the second snapshot, got %+v", latest)
	}
	if !latest.WeeklyResetsAt.Equal(second.WeeklyResetsAt) {
		t.Errorf("expected weekly reset %v, got %v", second.WeeklyResetsAt, latest.WeeklyResetsAt)
	}

	recs, err := s.RecentSnapshots(ctx, 10)
	if err != nil {
		t.Fatalf("RecentSnapshots failed: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 snapshots, got %d", len(recs))
	}
	// First snapshot had no weekly window; the reset stays zero.
	if !recs[1].WeeklyResetsAt.IsZero() || recs[1].HasWeekly {
		t.Errorf("expected zeroed weekly fields on first snapshot, got %+v", recs[1])
	}
}

func TestCredentialRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	token, err := s.LoadCredential(ctx)
	if err != nil {
		t.Fatalf("LoadCredential failed: %v", err)
	}
	if token != "" {
		t.Fatalf("expected empty token initially, got %q", token)
	}

	if err := s.SaveCredential(ctx, "tok-1"); err != nil {
		t.Fatalf("SaveCredential failed: %v", err)
	}
	if err := s.SaveCredential(ctx, "tok-2"); err != nil {
		t.Fatalf("SaveCredential upsert failed: %v", err)
	}

	token, err = s.LoadCredential(ctx)
	if err != nil {
		t.Fatalf("LoadCredential failed: %v", err)
	}
	if token != "tok-2" {
		t.Errorf("expected tok-2 after upsert, got %q", token)
	}

	if err := s.DeleteCredential(ctx); err != nil {
		t.Fatalf("DeleteCredential failed: %v", err)
	}
	token, err = s.LoadCredential(ctx)
	if err != nil || token != "" {
		t.Errorf("expected empty token after delete, got %q / %v", token, err)
	}
}
