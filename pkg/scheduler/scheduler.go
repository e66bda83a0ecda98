package scheduler

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cadalytix/installer/pkg/log"
	"github.com/cadalytix/installer/pkg/types"
)

// RunMonthFunc archives one month; override loosens the watermark gate.
// The archiver's Pipeline.RunMonth also returns a RunResult, so it fits this
// signature through a small adapter that drops the result.
type RunMonthFunc func(ctx context.Context, month string, override bool) error

// CompletedFunc reports whether the ledger already records a complete
// archive for the given month.
type CompletedFunc func(month string) bool

// Scheduler fires the archive pipeline on the policy's monthly schedule and
// optionally catches up missed months on startup.
type Scheduler struct {
	policy    types.ArchivePolicy
	retention int // hot-retention months
	run       RunMonthFunc
	completed CompletedFunc
	logger    zerolog.Logger

	mu     sync.Mutex
	stopCh chan struct{}
}

// New creates a scheduler for the given archive policy.
func New(policy types.ArchivePolicy, retentionMonths int, run RunMonthFunc, completed CompletedFunc) *Scheduler {
	return &Scheduler{
		policy:    policy,
		retention: retentionMonths,
		run:       run,
		completed: completed,
		logger:    log.WithComponent("scheduler"),
		stopCh:    make(chan struct{}),
	}
}

// Start begins the scheduling loop.
func (s *Scheduler) Start(ctx context.Context) {
	go s.loop(ctx)
}

// Stop stops the scheduling loop.
func (s *Scheduler) Stop() {
	close(s.stopCh)
}

func (s *Scheduler) loop(ctx context.Context) {
	if s.policy.CatchUpOnStart {
		if err := s.CatchUp(ctx, time.Now()); err != nil {
			s.logger.Error().Err(err).Msg("startup catch-up failed")
		}
	}

	for {
		next := NextRun(time.Now(), s.policy.Schedule)
		timer := time.NewTimer(time.Until(next))
		s.logger.Info().Time("next_run", next).Msg("archive run scheduled")

		select {
		case <-timer.C:
			month := EligibleMonth(time.Now(), s.retention)
			if err := s.runOne(ctx, month); err != nil {
				s.logger.Error().Err(err).Str("month", month).Msg("scheduled archive run failed")
			}
		case <-s.stopCh:
			timer.Stop()
			return
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}
}

func (s *Scheduler) runOne(ctx context.Context, month string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.run(ctx, month, false)
}

// CatchUp looks back over the twelve newest eligible months and archives
// each one the ledger does not yet record as complete, oldest first. A
// failure for one month stops the sweep; the months after it are not
// attempted.
func (s *Scheduler) CatchUp(ctx context.Context, now time.Time) error {
	for _, month := range PendingMonths(now, s.retention, 12, s.completed) {
		s.logger.Info().Str("month", month).Msg("catching up missed archive month")
		if err := s.runOne(ctx, month); err != nil {
			return fmt.Errorf("scheduler: catch-up %s: %w", month, err)
		}
	}
	return nil
}

// NextRun computes the next schedule firing strictly after now: the schedule's
// day-of-month and local wall time, this month if still ahead, else next
// month. DayOfMonth is capped at 28 upstream, so the date always exists.
func NextRun(now time.Time, sched types.ArchiveSchedule) time.Time {
	hour, minute := parseHHMM(sched.TimeLocal)
	candidate := time.Date(now.Year(), now.Month(), sched.DayOfMonth, hour, minute, 0, 0, now.Location())
	if !candidate.After(now) {
		candidate = time.Date(now.Year(), now.Month()+1, sched.DayOfMonth, hour, minute, 0, 0, now.Location())
	}
	return candidate
}

// EligibleMonth returns the newest month old enough to leave hot storage:
// retention months behind the current one, formatted YYYY-MM.
func EligibleMonth(now time.Time, retentionMonths int) string {
	t := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, -retentionMonths, 0)
	return t.Format("2006-01")
}

// PendingMonths lists up to lookback eligible months missing from the
// ledger, oldest first.
func PendingMonths(now time.Time, retentionMonths, lookback int, completed CompletedFunc) []string {
	var pending []string
	newest := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, -retentionMonths, 0)
	for i := lookback - 1; i >= 0; i-- {
		month := newest.AddDate(0, -i, 0).Format("2006-01")
		if completed == nil || !completed(month) {
			pending = append(pending, month)
		}
	}
	return pending
}

func parseHHMM(s string) (hour, minute int) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, 0
	}
	hour, _ = strconv.Atoi(parts[0])
	minute, _ = strconv.Atoi(parts[1])
	return hour, minute
}
