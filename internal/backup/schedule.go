package backup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/roach88/tenantmig/internal/clock"
	"github.com/roach88/tenantmig/internal/ir"
	"github.com/roach88/tenantmig/internal/store"
)

// specParser accepts standard five-field specs, an optional leading
// seconds field and descriptors such as @daily.
var specParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ParseSpec validates a cron spec.
func ParseSpec(spec string) (cron.Schedule, error) {
	sched, err := specParser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", spec, err)
	}
	return sched, nil
}

// Scheduler runs durable backup schedules. Schedule rows live in the store,
// so next-run times survive restarts; Reconcile recomputes them and runs
// anything that came due while no process was serving.
type Scheduler struct {
	engine *Engine
	store  *store.Store
	clock  clock.Clock
	ids    ir.IDGenerator
	logger *slog.Logger
}

// NewScheduler creates a scheduler over engine's store and clock.
func NewScheduler(engine *Engine) *Scheduler {
	return &Scheduler{
		engine: engine,
		store:  engine.store,
		clock:  engine.clock,
		ids:    engine.ids,
		logger: engine.logger.With("component", "backup-scheduler"),
	}
}

// Add persists a new enabled schedule with its first next-run time.
func (s *Scheduler) Add(ctx context.Context, scope ir.Scope, tables []string, spec string, retention time.Duration) (ir.BackupSchedule, error) {
	sched, err := ParseSpec(spec)
	if err != nil {
		return ir.BackupSchedule{}, err
	}
	if len(tables) == 0 {
		return ir.BackupSchedule{}, errors.New("schedule needs at least one table")
	}
	sch := ir.BackupSchedule{
		ID:        s.ids.Generate(),
		Scope:     scope,
		Tables:    dedupe(tables),
		Spec:      spec,
		Retention: retention,
		NextRunAt: sched.Next(s.clock.Now()),
		Enabled:   true,
	}
	if err := s.store.InsertSchedule(ctx, sch); err != nil {
		return ir.BackupSchedule{}, err
	}
	s.logger.Info("schedule added", "schedule", sch.ID, "spec", spec, "scope", scope.String(), "next", sch.NextRunAt)
	return sch, nil
}

// List returns all schedules.
func (s *Scheduler) List(ctx context.Context) ([]ir.BackupSchedule, error) {
	return s.store.ListSchedules(ctx)
}

// Remove deletes a schedule.
func (s *Scheduler) Remove(ctx context.Context, id string) error {
	return s.store.DeleteSchedule(ctx, id)
}

// RunNow takes the schedule's snapshot, prunes per its retention and
// records the run.
func (s *Scheduler) RunNow(ctx context.Context, id string) (ir.BackupSnapshot, error) {
	sch, err := s.store.GetSchedule(ctx, id)
	if err != nil {
		return ir.BackupSnapshot{}, err
	}
	return s.run(ctx, sch)
}

func (s *Scheduler) run(ctx context.Context, sch ir.BackupSchedule) (ir.BackupSnapshot, error) {
	sched, err := ParseSpec(sch.Spec)
	if err != nil {
		return ir.BackupSnapshot{}, err
	}

	snap, snapErr := s.engine.Snapshot(ctx, sch.Scope, sch.Tables, "schedule "+sch.ID)
	now := s.clock.Now()
	if err := s.store.RecordScheduleRun(ctx, sch.ID, now, snap.ID, sched.Next(now)); err != nil {
		return snap, errors.Join(snapErr, err)
	}
	if snapErr != nil {
		return snap, snapErr
	}

	if sch.Retention > 0 {
		scope := sch.Scope
		if _, err := s.engine.Cleanup(ctx, sch.Retention, &scope); err != nil {
			s.logger.Warn("retention cleanup failed", "schedule", sch.ID, "error", err)
		}
	}
	return snap, nil
}

// ReconcileResult summarises a reconciliation pass.
type ReconcileResult struct {
	Rescheduled []string
	Ran         []string
	Failed      map[string]error
}

// Reconcile recomputes next-run times for enabled schedules and runs each
// overdue schedule once.
func (s *Scheduler) Reconcile(ctx context.Context) (ReconcileResult, error) {
	res := ReconcileResult{Failed: map[string]error{}}
	schedules, err := s.store.ListSchedules(ctx)
	if err != nil {
		return res, err
	}
	now := s.clock.Now()
	for _, sch := range schedules {
		if !sch.Enabled {
			continue
		}
		parsed, err := ParseSpec(sch.Spec)
		if err != nil {
			res.Failed[sch.ID] = err
			continue
		}
		switch {
		case sch.NextRunAt.IsZero():
			if err := s.store.SetNextRun(ctx, sch.ID, parsed.Next(now)); err != nil {
				return res, err
			}
			res.Rescheduled = append(res.Rescheduled, sch.ID)
		case !sch.NextRunAt.After(now):
			if _, err := s.run(ctx, sch); err != nil {
				res.Failed[sch.ID] = err
				continue
			}
			res.Ran = append(res.Ran, sch.ID)
		}
	}
	s.logger.Info("schedules reconciled", "ran", len(res.Ran), "rescheduled", len(res.Rescheduled), "failed", len(res.Failed))
	return res, nil
}

// Serve reconciles, then drives every enabled schedule with cron until ctx
// is done. In-flight runs finish before Serve returns. Cancellation is not
// an error.
func (s *Scheduler) Serve(ctx context.Context) error {
	if _, err := s.Reconcile(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	schedules, err := s.store.ListSchedules(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}

	c := cron.New(
		cron.WithParser(specParser),
		cron.WithLocation(time.UTC),
		cron.WithLogger(cron.PrintfLogger(slog.NewLogLogger(s.logger.Handler(), slog.LevelDebug))),
	)
	for _, sch := range schedules {
		if !sch.Enabled {
			continue
		}
		id := sch.ID
		if _, err := c.AddFunc(sch.Spec, func() {
			if _, err := s.RunNow(ctx, id); err != nil {
				s.logger.Error("scheduled snapshot failed", "schedule", id, "error", err)
			}
		}); err != nil {
			return fmt.Errorf("register schedule %s: %w", id, err)
		}
	}

	c.Start()
	s.logger.Info("backup scheduler started", "schedules", len(c.Entries()))
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}
