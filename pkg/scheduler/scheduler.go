// Package scheduler decides when training cycles start. It never advances a
// cycle itself; it only asks the state machine to begin one, and the state
// machine's single-active-cycle check is the authority on whether that is
// allowed.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Cognate-Labs/aegis/core/pkg/contracts"
	"github.com/Cognate-Labs/aegis/core/pkg/cycle"
)

// Mode selects the triggering policy.
type Mode string

const (
	// ModeManual triggers only on explicit operator calls.
	ModeManual Mode = "manual"
	// ModeScheduled triggers once per day at a configured time of day.
	ModeScheduled Mode = "scheduled"
	// ModeContinuous triggers a new cycle as soon as the previous one
	// reaches a terminal stage.
	ModeContinuous Mode = "continuous"
)

// ErrDisabled is returned when the master enable flag is off.
var ErrDisabled = errors.New("scheduler: triggering is disabled")

// Driver is the slice of the state machine the scheduler needs.
type Driver interface {
	Begin(ctx context.Context, trigger string) (*cycle.Cycle, error)
	Run(ctx context.Context) error
	Active() *cycle.Cycle
	ExpireCheckpoint(ctx context.Context) (bool, error)
}

// Config parameterizes the scheduler.
type Config struct {
	Mode Mode

	// Enabled is the master flag. When false every trigger, including
	// manual ones, is refused.
	Enabled bool

	// TriggerAt is the time of day, "HH:MM" in UTC, for ModeScheduled.
	TriggerAt string

	// Tick is the loop granularity. Defaults to 30s.
	Tick time.Duration
}

// Scheduler runs the triggering loop and exposes manual triggering.
type Scheduler struct {
	cfg    Config
	driver Driver
	logger *slog.Logger
	clock  func() time.Time

	mu           sync.Mutex
	lastRunDay   string // yyyy-mm-dd of the last scheduled trigger
	cycleRunning sync.WaitGroup

	stop chan struct{}
	done chan struct{}
}

// New validates the configuration and builds a scheduler.
func New(cfg Config, driver Driver, logger *slog.Logger) (*Scheduler, error) {
	switch cfg.Mode {
	case ModeManual, ModeScheduled, ModeContinuous:
	default:
		return nil, fmt.Errorf("%w: unknown scheduler mode %q", contracts.ErrValidation, cfg.Mode)
	}
	if cfg.Mode == ModeScheduled {
		if _, err := parseTimeOfDay(cfg.TriggerAt); err != nil {
			return nil, err
		}
	}
	if cfg.Tick <= 0 {
		cfg.Tick = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		cfg:    cfg,
		driver: driver,
		logger: logger,
		clock:  time.Now,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}, nil
}

// WithClock overrides the clock for testing.
func (s *Scheduler) WithClock(clock func() time.Time) *Scheduler {
	s.clock = clock
	return s
}

// Trigger starts a cycle now. The state machine refuses while a cycle is in
// flight; that refusal reaches the caller unchanged and leaves no trace on
// the ledger.
func (s *Scheduler) Trigger(ctx context.Context, mode Mode) (*cycle.Cycle, error) {
	switch mode {
	case ModeManual, ModeScheduled, ModeContinuous:
	default:
		return nil, fmt.Errorf("%w: unknown trigger mode %q", contracts.ErrValidation, mode)
	}
	if !s.cfg.Enabled {
		return nil, ErrDisabled
	}

	c, err := s.driver.Begin(ctx, string(mode))
	if err != nil {
		return nil, err
	}
	s.logger.Info("cycle triggered", "cycle", c.ID, "mode", string(mode))

	s.cycleRunning.Add(1)
	go func() {
		defer s.cycleRunning.Done()
		if err := s.driver.Run(context.WithoutCancel(ctx)); err != nil {
			s.logger.Error("cycle run failed", "cycle", c.ID, "error", err)
		}
	}()
	return c, nil
}

// Start runs the background loop until Stop or ctx cancellation. Manual
// mode still runs the loop for checkpoint-expiry sweeps.
func (s *Scheduler) Start(ctx context.Context) {
	go s.loop(ctx)
}

// Stop halts the loop and waits for an in-flight cycle goroutine to settle.
func (s *Scheduler) Stop() {
	close(s.stop)
	<-s.done
	s.cycleRunning.Wait()
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick performs one pass: sweep the checkpoint timeout, then apply the
// triggering policy for the configured mode.
func (s *Scheduler) tick(ctx context.Context) {
	if acted, err := s.driver.ExpireCheckpoint(ctx); err != nil {
		s.logger.Error("checkpoint expiry sweep failed", "error", err)
	} else if acted {
		s.logger.Warn("parked cycle expired without a checkpoint signature")
	}

	if !s.cfg.Enabled {
		return
	}

	switch s.cfg.Mode {
	case ModeScheduled:
		s.maybeTriggerScheduled(ctx)
	case ModeContinuous:
		s.maybeTriggerContinuous(ctx)
	}
}

func (s *Scheduler) maybeTriggerScheduled(ctx context.Context) {
	at, _ := parseTimeOfDay(s.cfg.TriggerAt)
	now := s.clock().UTC()
	due := time.Date(now.Year(), now.Month(), now.Day(), at.hour, at.minute, 0, 0, time.UTC)
	if now.Before(due) {
		return
	}

	day := now.Format("2006-01-02")
	s.mu.Lock()
	already := s.lastRunDay == day
	s.mu.Unlock()
	if already {
		return
	}

	if _, err := s.Trigger(ctx, ModeScheduled); err != nil {
		// A cycle still in flight keeps the day unmarked, so the trigger
		// retries on later ticks instead of being lost for the day.
		if errors.Is(err, contracts.ErrCycleInProgress) {
			s.logger.Warn("scheduled trigger deferred, cycle still in flight")
			return
		}
		s.logger.Error("scheduled trigger failed", "error", err)
		return
	}
	s.mu.Lock()
	s.lastRunDay = day
	s.mu.Unlock()
}

func (s *Scheduler) maybeTriggerContinuous(ctx context.Context) {
	if s.driver.Active() != nil {
		return
	}
	if _, err := s.Trigger(ctx, ModeContinuous); err != nil && !errors.Is(err, contracts.ErrCycleInProgress) {
		s.logger.Error("continuous trigger failed", "error", err)
	}
}

type timeOfDay struct {
	hour   int
	minute int
}

func parseTimeOfDay(s string) (timeOfDay, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return timeOfDay{}, fmt.Errorf("%w: trigger time %q is not HH:MM", contracts.ErrValidation, s)
	}
	return timeOfDay{hour: t.Hour(), minute: t.Minute()}, nil
}
