// Package scheduler runs cron-driven maintenance for the sync engine:
// scheduled state snapshots and backup retention cleanup.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/loopsync/loopsync/internal/config"
	"github.com/loopsync/loopsync/internal/service"
)

// BackupRunner is the slice of the backup service the scheduler drives.
type BackupRunner interface {
	// ScheduleInfo returns the current backup schedule configuration.
	ScheduleInfo() config.BackupScheduleConfig

	// CreateBackup snapshots the persisted state into the backup directory.
	CreateBackup(ctx context.Context) (*service.BackupInfo, error)

	// CleanupOldBackups removes backups beyond the retention count and
	// returns how many were deleted.
	CleanupOldBackups(ctx context.Context) (int, error)
}

// Scheduler polls the backup schedule and fires snapshots when they come due.
type Scheduler struct {
	mu sync.RWMutex

	backups BackupRunner
	logger  *slog.Logger
	parser  cron.Parser

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	syncInterval      time.Duration
	dedupeGracePeriod time.Duration

	// lastBackup suppresses duplicate firings when consecutive polls land
	// inside the same cron window.
	lastBackup time.Time
}

// Config holds scheduler tuning parameters.
type Config struct {
	// SyncInterval is how often the schedule is evaluated.
	// Default: 1 minute.
	SyncInterval time.Duration

	// DedupeGracePeriod is the window within which a schedule will not
	// fire twice. Default: 5 minutes.
	DedupeGracePeriod time.Duration
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() Config {
	return Config{
		SyncInterval:      time.Minute,
		DedupeGracePeriod: 5 * time.Minute,
	}
}

// NewScheduler creates a scheduler around the given backup runner.
func NewScheduler(backups BackupRunner) *Scheduler {
	cfg := DefaultConfig()
	return &Scheduler{
		backups:           backups,
		logger:            slog.Default(),
		parser:            cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		syncInterval:      cfg.SyncInterval,
		dedupeGracePeriod: cfg.DedupeGracePeriod,
	}
}

// WithLogger sets a custom logger.
func (s *Scheduler) WithLogger(logger *slog.Logger) *Scheduler {
	s.logger = logger
	return s
}

// WithConfig applies scheduler configuration. Zero values keep the defaults.
func (s *Scheduler) WithConfig(cfg Config) *Scheduler {
	if cfg.SyncInterval > 0 {
		s.syncInterval = cfg.SyncInterval
	}
	if cfg.DedupeGracePeriod > 0 {
		s.dedupeGracePeriod = cfg.DedupeGracePeriod
	}
	return s
}

// Start begins the schedule polling loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctx != nil {
		return fmt.Errorf("scheduler already started")
	}

	s.ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go s.syncLoop()

	s.logger.Info("scheduler started",
		slog.Duration("sync_interval", s.syncInterval))
	return nil
}

// Stop halts the polling loop and waits for any in-flight run to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()

	s.wg.Wait()

	s.mu.Lock()
	s.ctx = nil
	s.cancel = nil
	s.mu.Unlock()

	s.logger.Info("scheduler stopped")
}

// syncLoop evaluates the schedule immediately and then on every tick.
func (s *Scheduler) syncLoop() {
	defer s.wg.Done()

	s.mu.RLock()
	ctx := s.ctx
	s.mu.RUnlock()

	s.checkSchedule(ctx)

	ticker := time.NewTicker(s.syncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.checkSchedule(ctx)
		}
	}
}

// checkSchedule fires a backup when the configured cron expression is due.
func (s *Scheduler) checkSchedule(ctx context.Context) {
	sched := s.backups.ScheduleInfo()
	if !sched.Enabled || sched.Cron == "" {
		return
	}

	if !s.isDue(sched.Cron) {
		return
	}

	s.mu.Lock()
	if !s.lastBackup.IsZero() && time.Since(s.lastBackup) < s.dedupeGracePeriod {
		s.mu.Unlock()
		s.logger.Debug("scheduled backup already ran in this window",
			slog.Time("last_backup", s.lastBackup))
		return
	}
	s.lastBackup = time.Now()
	s.mu.Unlock()

	info, err := s.backups.CreateBackup(ctx)
	if err != nil {
		s.logger.Error("scheduled backup failed", slog.Any("error", err))
		return
	}

	s.logger.Info("scheduled backup created",
		slog.String("filename", info.Filename),
		slog.Int64("size", info.FileSize))

	if _, err := s.backups.CleanupOldBackups(ctx); err != nil {
		s.logger.Error("backup cleanup failed", slog.Any("error", err))
	}
}

// isDue reports whether the cron expression has a firing inside the current
// polling window. The window extends one sync interval to each side so a
// firing is not missed when the poll lands just after it.
func (s *Scheduler) isDue(cronExpr string) bool {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		s.logger.Warn("invalid cron expression",
			slog.String("cron", cronExpr),
			slog.Any("error", err))
		return false
	}

	now := time.Now()
	next := schedule.Next(now.Add(-s.syncInterval))
	return next.Before(now) || next.Equal(now) || next.Before(now.Add(s.syncInterval))
}

// NextRun returns the next firing time of the cron expression.
func (s *Scheduler) NextRun(cronExpr string) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing cron expression: %w", err)
	}
	return schedule.Next(time.Now()), nil
}

// ValidateCron checks that a cron expression parses with the six-field
// format used by the backup schedule.
func (s *Scheduler) ValidateCron(cronExpr string) error {
	if _, err := s.parser.Parse(cronExpr); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", cronExpr, err)
	}
	return nil
}
