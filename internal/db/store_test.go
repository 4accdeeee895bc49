package db_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"skyfleet/internal/db"
	"skyfleet/internal/model"
)

func openStore(t *testing.T) *db.Store {
	t.Helper()
	ctx := context.Background()
	s, err := db.Open(ctx, filepath.Join(t.TempDir(), "fleet.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if err := db.ApplyMigrations(ctx, s.DB()); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return s
}

func ptr(f float64) *float64 { return &f }

func sampleItems() []model.WaypointItem {
	return []model.WaypointItem{
		{Seq: 0, Command: model.CmdTakeoff, Frame: 3, X: 28.5355, Y: 77.391, Z: 60},
		{Seq: 1, Command: model.CmdWaypoint, Frame: 3, X: 28.5355, Y: 77.391, Z: 25},
		{Seq: 2, Command: model.CmdReturnToLaunch, Frame: 3},
	}
}

func TestMigrationsIdempotent(t *testing.T) {
	s := openStore(t)
	// Second run is a no-op.
	if err := db.ApplyMigrations(context.Background(), s.DB()); err != nil {
		t.Fatalf("reapply migrations: %v", err)
	}
}

func TestRollbackAll(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	if err := db.RollbackAll(ctx, s.DB()); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if err := db.ApplyMigrations(ctx, s.DB()); err != nil {
		t.Fatalf("reapply after rollback: %v", err)
	}
}

func TestUpsertVehicleRoundTrip(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	seen := time.Now().UTC().Truncate(time.Millisecond)
	v := model.Vehicle{
		Slot:        "scout",
		Name:        "Scout",
		SystemID:    1,
		ComponentID: 190,
		Link:        model.LinkLive,
		Position:    &model.Position{Lat: 28.5355, Lon: 77.391, Alt: 42},
		Battery:     87,
		LastSeenAt:  &seen,
	}
	if err := s.UpsertVehicle(ctx, v); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	// Upsert again with a changed battery.
	v.Battery = 80
	if err := s.UpsertVehicle(ctx, v); err != nil {
		t.Fatalf("re-upsert: %v", err)
	}

	got, err := s.ListVehicles(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 vehicle, got %d", len(got))
	}
	g := got[0]
	if g.Slot != "scout" || g.Battery != 80 || g.Link != model.LinkLive {
		t.Fatalf("unexpected vehicle %+v", g)
	}
	if g.Position == nil || g.Position.Lat != 28.5355 {
		t.Fatalf("unexpected position %+v", g.Position)
	}
	if g.LastSeenAt == nil || !g.LastSeenAt.Equal(seen) {
		t.Fatalf("unexpected last seen %v", g.LastSeenAt)
	}
}

func TestDetectionLifecycle(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	id, err := s.InsertDetection(ctx, model.Detection{
		Slot: "scout", Lat: ptr(28.5), Lon: ptr(77.4), Confidence: 0.92,
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	d, err := s.GetDetection(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if d.Approved || d.MissionID != nil {
		t.Fatalf("new detection should be unapproved: %+v", d)
	}
	if d.Lat == nil || *d.Lat != 28.5 {
		t.Fatalf("unexpected lat %v", d.Lat)
	}
	if d.ReportedAt.IsZero() {
		t.Fatal("reported_at not stamped")
	}

	if _, err := s.GetDetection(ctx, 9999); !errors.Is(err, db.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDetectionWithoutCoordinates(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	id, err := s.InsertDetection(ctx, model.Detection{Slot: "scout", Confidence: 0.4})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	d, err := s.GetDetection(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if d.Lat != nil || d.Lon != nil {
		t.Fatalf("expected nil coordinates, got %v/%v", d.Lat, d.Lon)
	}
}

func TestApproveDetectionOnce(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	id, err := s.InsertDetection(ctx, model.Detection{Slot: "scout", Lat: ptr(1), Lon: ptr(2)})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	mid, err := s.InsertMission(ctx, model.Mission{Slot: "delivery", Items: sampleItems()})
	if err != nil {
		t.Fatalf("insert mission: %v", err)
	}

	if err := s.MarkDetectionApproved(ctx, id, mid); err != nil {
		t.Fatalf("approve: %v", err)
	}
	d, err := s.GetDetection(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !d.Approved || d.MissionID == nil || *d.MissionID != mid {
		t.Fatalf("approval not recorded: %+v", d)
	}

	if err := s.MarkDetectionApproved(ctx, id, mid); !errors.Is(err, db.ErrAlreadyApproved) {
		t.Fatalf("expected ErrAlreadyApproved, got %v", err)
	}
	if err := s.MarkDetectionApproved(ctx, 9999, mid); !errors.Is(err, db.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMissionRoundTrip(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	items := sampleItems()
	id, err := s.InsertMission(ctx, model.Mission{Slot: "delivery", Items: items})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	m, err := s.GetMission(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if m.Status != model.MissionGenerated {
		t.Fatalf("expected generated, got %s", m.Status)
	}
	if len(m.Items) != len(items) {
		t.Fatalf("expected %d items, got %d", len(items), len(m.Items))
	}
	for i := range items {
		if m.Items[i] != items[i] {
			t.Fatalf("item %d mismatch: got %+v want %+v", i, m.Items[i], items[i])
		}
	}
	if m.StartedAt != nil || m.FinishedAt != nil {
		t.Fatalf("fresh mission should have no timestamps: %+v", m)
	}
}

func TestListMissionsBySlot(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	if _, err := s.InsertMission(ctx, model.Mission{Slot: "delivery", Items: sampleItems()}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := s.InsertMission(ctx, model.Mission{Slot: "scout", Items: sampleItems()}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	all, err := s.ListMissions(ctx, "")
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 missions, got %d", len(all))
	}
	delivery, err := s.ListMissions(ctx, "delivery")
	if err != nil {
		t.Fatalf("list delivery: %v", err)
	}
	if len(delivery) != 1 || delivery[0].Slot != "delivery" {
		t.Fatalf("unexpected delivery list %+v", delivery)
	}
}

func TestMissionStatusForwardOnly(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	id, err := s.InsertMission(ctx, model.Mission{Slot: "delivery", Items: sampleItems()})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	steps := []model.MissionStatus{model.MissionUploading, model.MissionUploaded, model.MissionAcknowledged}
	for _, st := range steps {
		if err := s.SetMissionStatus(ctx, id, st); err != nil {
			t.Fatalf("advance to %s: %v", st, err)
		}
	}
	m, err := s.GetMission(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if m.StartedAt == nil || m.FinishedAt == nil {
		t.Fatalf("expected started/finished stamps: %+v", m)
	}

	// Terminal missions never change.
	if err := s.SetMissionStatus(ctx, id, model.MissionFailed); !errors.Is(err, db.ErrOutOfOrder) {
		t.Fatalf("expected ErrOutOfOrder after terminal, got %v", err)
	}

	// Backwards moves are refused.
	id2, err := s.InsertMission(ctx, model.Mission{Slot: "delivery", Items: sampleItems()})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := s.SetMissionStatus(ctx, id2, model.MissionUploaded); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if err := s.SetMissionStatus(ctx, id2, model.MissionUploading); !errors.Is(err, db.ErrOutOfOrder) {
		t.Fatalf("expected ErrOutOfOrder going backwards, got %v", err)
	}

	if err := s.SetMissionStatus(ctx, 9999, model.MissionUploading); !errors.Is(err, db.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestFailedMissionStampsFinished(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	id, err := s.InsertMission(ctx, model.Mission{Slot: "delivery", Items: sampleItems()})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := s.SetMissionStatus(ctx, id, model.MissionUploading); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if err := s.SetMissionStatus(ctx, id, model.MissionFailed); err != nil {
		t.Fatalf("fail: %v", err)
	}
	m, err := s.GetMission(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if m.Status != model.MissionFailed || m.FinishedAt == nil {
		t.Fatalf("unexpected failed mission %+v", m)
	}
}

func TestMissionLogOrder(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	id, err := s.InsertMission(ctx, model.Mission{Slot: "delivery", Items: sampleItems()})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	lines := []string{"upload started: 3 items", "all 3 items sent", "vehicle acknowledged mission"}
	for _, l := range lines {
		if err := s.AppendMissionLog(ctx, id, l); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	got, err := s.ListMissionLogs(ctx, id)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != len(lines) {
		t.Fatalf("expected %d lines, got %d", len(lines), len(got))
	}
	for i, l := range lines {
		if got[i].Message != l {
			t.Fatalf("line %d: got %q want %q", i, got[i].Message, l)
		}
		if got[i].LoggedAt.IsZero() {
			t.Fatalf("line %d missing timestamp", i)
		}
	}
}
