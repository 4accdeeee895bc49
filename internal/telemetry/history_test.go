package telemetry

import (
	"testing"

	"skyfleet/internal/model"
)

func point(alt float64) model.TelemetryPoint {
	return model.TelemetryPoint{Lat: 28.5, Lon: 77.3, Alt: alt}
}

func TestHistoryNeverExceedsCapacity(t *testing.T) {
	h := NewHistory(5)
	for i := 0; i < 20; i++ {
		h.Append(point(float64(i)))
		if h.Len() > 5 {
			t.Fatalf("history grew past capacity: %d", h.Len())
		}
	}
	if h.Len() != 5 {
		t.Fatalf("expected full history, got %d", h.Len())
	}
}

func TestHistoryEvictsOldestFirst(t *testing.T) {
	h := NewHistory(3)
	for i := 0; i < 5; i++ {
		h.Append(point(float64(i)))
	}
	got := h.Snapshot(0)
	want := []float64{2, 3, 4}
	if len(got) != len(want) {
		t.Fatalf("expected %d points, got %d", len(want), len(got))
	}
	for i, p := range got {
		if p.Alt != want[i] {
			t.Fatalf("expected alts %v, got %+v", want, got)
		}
	}
}

func TestHistorySnapshotLimitReturnsNewest(t *testing.T) {
	h := NewHistory(10)
	for i := 0; i < 8; i++ {
		h.Append(point(float64(i)))
	}
	got := h.Snapshot(3)
	want := []float64{5, 6, 7}
	for i, p := range got {
		if p.Alt != want[i] {
			t.Fatalf("expected alts %v, got %+v", want, got)
		}
	}
}

func TestHistorySnapshotEmpty(t *testing.T) {
	h := NewHistory(4)
	if got := h.Snapshot(0); len(got) != 0 {
		t.Fatalf("expected empty snapshot, got %+v", got)
	}
}
