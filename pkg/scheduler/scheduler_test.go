package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/cadalytix/installer/pkg/types"
)

func TestNextRunSameMonth(t *testing.T) {
	now := time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)
	sched := types.ArchiveSchedule{DayOfMonth: 15, TimeLocal: "02:30"}

	next := NextRun(now, sched)
	want := time.Date(2025, 3, 15, 2, 30, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("got %v, want %v", next, want)
	}
}

func TestNextRunRollsToNextMonth(t *testing.T) {
	now := time.Date(2025, 3, 20, 8, 0, 0, 0, time.UTC)
	sched := types.ArchiveSchedule{DayOfMonth: 15, TimeLocal: "02:30"}

	next := NextRun(now, sched)
	want := time.Date(2025, 4, 15, 2, 30, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("got %v, want %v", next, want)
	}
}

func TestNextRunExactBoundaryRolls(t *testing.T) {
	now := time.Date(2025, 12, 15, 2, 30, 0, 0, time.UTC)
	sched := types.ArchiveSchedule{DayOfMonth: 15, TimeLocal: "02:30"}

	next := NextRun(now, sched)
	want := time.Date(2026, 1, 15, 2, 30, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("got %v, want %v", next, want)
	}
}

func TestEligibleMonth(t *testing.T) {
	now := time.Date(2025, 6, 20, 0, 0, 0, 0, time.UTC)
	if got := EligibleMonth(now, 3); got != "2025-03" {
		t.Fatalf("got %q, want 2025-03", got)
	}
	if got := EligibleMonth(now, 12); got != "2024-06" {
		t.Fatalf("got %q, want 2024-06", got)
	}
}

func TestPendingMonthsSkipsCompleted(t *testing.T) {
	now := time.Date(2025, 6, 20, 0, 0, 0, 0, time.UTC)
	done := map[string]bool{"2025-02": true, "2025-03": true}

	pending := PendingMonths(now, 3, 4, func(m string) bool { return done[m] })
	want := []string{"2024-12", "2025-01"}
	if len(pending) != len(want) {
		t.Fatalf("got %v, want %v", pending, want)
	}
	for i := range want {
		if pending[i] != want[i] {
			t.Fatalf("got %v, want %v", pending, want)
		}
	}
}

func TestCatchUpRunsOldestFirst(t *testing.T) {
	now := time.Date(2025, 6, 20, 0, 0, 0, 0, time.UTC)
	var ran []string
	s := New(
		types.ArchivePolicy{Schedule: types.ArchiveSchedule{DayOfMonth: 1, TimeLocal: "00:15"}, CatchUpOnStart: true},
		3,
		func(_ context.Context, month string, override bool) error {
			if override {
				t.Fatal("catch-up must not override the watermark gate")
			}
			ran = append(ran, month)
			return nil
		},
		func(m string) bool { return m != "2025-02" && m != "2025-03" },
	)

	if err := s.CatchUp(context.Background(), now); err != nil {
		t.Fatal(err)
	}
	if len(ran) != 2 || ran[0] != "2025-02" || ran[1] != "2025-03" {
		t.Fatalf("ran %v", ran)
	}
}
