// Package cron runs the daemon's periodic jobs: the overdue sweep over the
// task registry and retention of the event journal.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/taskd/internal/bus"
	"github.com/basket/taskd/internal/persistence"
	"github.com/basket/taskd/internal/registry"
)

const (
	DefaultOverdueSchedule   = "@every 1m"
	DefaultRetentionSchedule = "@daily"
)

// cronParser accepts standard 5-field expressions and descriptors such as
// "@every 30s" or "@daily".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// NextRun parses spec with the scheduler's parser and returns its next
// activation after from.
func NextRun(spec string, from time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(spec)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(from), nil
}

// Config holds the dependencies for the scheduler.
type Config struct {
	Registry *registry.Registry
	Bus      *bus.Bus
	// Store enables the retention job. Nil skips it.
	Store  *persistence.Store
	Logger *slog.Logger

	// OverdueDisabled skips the deadline sweep; retention still runs.
	OverdueDisabled   bool
	OverdueSchedule   string
	RetentionSchedule string
	TaskEventDays     int
	AuditLogDays      int

	// Now defaults to time.Now.
	Now func() time.Time
}

// Scheduler reports overdue tasks and prunes the journal on cron schedules.
type Scheduler struct {
	registry *registry.Registry
	bus      *bus.Bus
	store    *persistence.Store
	logger   *slog.Logger
	now      func() time.Time

	overdue       bool
	overdueSpec   string
	retentionSpec string
	eventDays     int
	auditDays     int

	mu       sync.Mutex
	reported map[registry.TaskID]struct{}

	runner    *cronlib.Cron
	overdueID cronlib.EntryID
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewScheduler validates the schedules and returns a stopped Scheduler.
func NewScheduler(cfg Config) (*Scheduler, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("cron: registry is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	s := &Scheduler{
		registry:      cfg.Registry,
		bus:           cfg.Bus,
		store:         cfg.Store,
		logger:        logger,
		now:           now,
		overdue:       !cfg.OverdueDisabled,
		overdueSpec:   orDefault(cfg.OverdueSchedule, DefaultOverdueSchedule),
		retentionSpec: orDefault(cfg.RetentionSchedule, DefaultRetentionSchedule),
		eventDays:     cfg.TaskEventDays,
		auditDays:     cfg.AuditLogDays,
		reported:      make(map[registry.TaskID]struct{}),
	}

	cronLogger := cronlib.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelWarn))
	s.runner = cronlib.New(
		cronlib.WithParser(cronParser),
		cronlib.WithLogger(cronLogger),
		cronlib.WithChain(cronlib.Recover(cronLogger), cronlib.SkipIfStillRunning(cronLogger)),
	)
	if s.overdue {
		id, err := s.runner.AddFunc(s.overdueSpec, func() { s.Sweep(s.now()) })
		if err != nil {
			return nil, fmt.Errorf("cron: overdue schedule %q: %w", s.overdueSpec, err)
		}
		s.overdueID = id
	}
	if s.store != nil {
		if _, err := s.runner.AddFunc(s.retentionSpec, s.retain); err != nil {
			return nil, fmt.Errorf("cron: retention schedule %q: %w", s.retentionSpec, err)
		}
	}
	return s, nil
}

// Start runs one sweep immediately and then hands off to the cron runner.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	if s.overdue {
		s.Sweep(s.now())
	}
	s.runner.Start()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		<-ctx.Done()
		<-s.runner.Stop().Done()
	}()
	s.logger.Info("cron scheduler started", "overdue", s.overdue, "schedule", s.overdueSpec, "retention", s.retentionEnabled())
}

// Stop cancels the scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("cron scheduler stopped")
}

// Sweep publishes task.overdue for every incomplete task whose deadline
// (Unix seconds) is at or before now and that has not been reported yet.
// A deadline of zero or less means the task has none. It returns the
// number of tasks newly reported.
func (s *Scheduler) Sweep(now time.Time) int {
	cutoff := now.Unix()
	var due []bus.TaskOverdueEvent

	s.mu.Lock()
	s.registry.Range(func(id registry.TaskID, task registry.Task) bool {
		if task.Completed || task.Deadline <= 0 || task.Deadline > cutoff {
			return true
		}
		if _, seen := s.reported[id]; seen {
			return true
		}
		s.reported[id] = struct{}{}
		due = append(due, bus.TaskOverdueEvent{
			TaskID:   uint64(id),
			Creator:  task.Creator,
			Title:    task.Title,
			Deadline: task.Deadline,
		})
		return true
	})
	s.mu.Unlock()

	for _, ev := range due {
		if s.bus != nil {
			s.bus.Publish(bus.TopicTaskOverdue, ev)
		}
		s.logger.Info("task overdue", "task_id", ev.TaskID, "creator", ev.Creator, "deadline", ev.Deadline)
	}
	return len(due)
}

// NextSweep returns when the runner will next sweep. It is zero before Start
// and when the sweep is disabled.
func (s *Scheduler) NextSweep() time.Time {
	if !s.overdue {
		return time.Time{}
	}
	return s.runner.Entry(s.overdueID).Next
}

func (s *Scheduler) retain() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	res, err := s.store.RunRetention(ctx, s.eventDays, s.auditDays)
	if err != nil {
		s.logger.Error("cron: retention failed", "error", err)
		return
	}
	s.logger.Info("cron: retention complete",
		"purged_task_events", res.PurgedTaskEvents,
		"purged_audit_logs", res.PurgedAuditLogs,
	)
}

func (s *Scheduler) retentionEnabled() bool {
	return s.store != nil && (s.eventDays > 0 || s.auditDays > 0)
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
