package scheduler

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Cognate-Labs/aegis/core/pkg/contracts"
	"github.com/Cognate-Labs/aegis/core/pkg/cycle"
)

// fakeDriver simulates the state machine's begin/run/active surface.
type fakeDriver struct {
	mu       sync.Mutex
	active   *cycle.Cycle
	begun    []string
	expired  int
	beginErr error
}

func (f *fakeDriver) Begin(_ context.Context, trigger string) (*cycle.Cycle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.beginErr != nil {
		return nil, f.beginErr
	}
	if f.active != nil && !f.active.Stage.Terminal() {
		return nil, contracts.ErrCycleInProgress
	}
	c := &cycle.Cycle{ID: fmt.Sprintf("cycle-%d", len(f.begun)), Stage: contracts.StageIdle, Trigger: trigger}
	f.active = c
	f.begun = append(f.begun, trigger)
	return c, nil
}

func (f *fakeDriver) Run(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.active.Stage = contracts.StageActivated
	return nil
}

func (f *fakeDriver) Active() *cycle.Cycle {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.active == nil || f.active.Stage.Terminal() {
		return nil
	}
	return f.active
}

func (f *fakeDriver) ExpireCheckpoint(_ context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.expired++
	return false, nil
}

func (f *fakeDriver) triggers() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.begun...)
}

func TestManualTrigger(t *testing.T) {
	d := &fakeDriver{}
	s, err := New(Config{Mode: ModeManual, Enabled: true}, d, nil)
	require.NoError(t, err)

	c, err := s.Trigger(context.Background(), ModeManual)
	require.NoError(t, err)
	assert.Equal(t, "manual", c.Trigger)

	s.cycleRunning.Wait()
	assert.Equal(t, []string{"manual"}, d.triggers())
}

func TestTriggerWhileInFlight(t *testing.T) {
	d := &fakeDriver{active: &cycle.Cycle{ID: "busy", Stage: contracts.StageTraining}}
	s, err := New(Config{Mode: ModeManual, Enabled: true}, d, nil)
	require.NoError(t, err)

	_, err = s.Trigger(context.Background(), ModeManual)
	assert.ErrorIs(t, err, contracts.ErrCycleInProgress)
	assert.Empty(t, d.triggers())
}

func TestDisabledRefusesAllTriggers(t *testing.T) {
	d := &fakeDriver{}
	s, err := New(Config{Mode: ModeContinuous, Enabled: false}, d, nil)
	require.NoError(t, err)

	_, err = s.Trigger(context.Background(), ModeManual)
	assert.ErrorIs(t, err, ErrDisabled)

	s.tick(context.Background())
	assert.Empty(t, d.triggers())
}

func TestUnknownModeRejected(t *testing.T) {
	d := &fakeDriver{}
	_, err := New(Config{Mode: "hourly", Enabled: true}, d, nil)
	assert.ErrorIs(t, err, contracts.ErrValidation)

	s, err := New(Config{Mode: ModeManual, Enabled: true}, d, nil)
	require.NoError(t, err)
	_, err = s.Trigger(context.Background(), "hourly")
	assert.ErrorIs(t, err, contracts.ErrValidation)
}

func TestScheduledModeRequiresValidTime(t *testing.T) {
	d := &fakeDriver{}
	_, err := New(Config{Mode: ModeScheduled, Enabled: true, TriggerAt: "25:99"}, d, nil)
	assert.ErrorIs(t, err, contracts.ErrValidation)
}

func TestScheduledTriggersOncePerDay(t *testing.T) {
	d := &fakeDriver{}
	s, err := New(Config{Mode: ModeScheduled, Enabled: true, TriggerAt: "03:00"}, d, nil)
	require.NoError(t, err)

	now := time.Date(2026, 8, 29, 2, 59, 0, 0, time.UTC)
	s.WithClock(func() time.Time { return now })

	s.tick(context.Background())
	assert.Empty(t, d.triggers(), "before the trigger time")

	now = time.Date(2026, 8, 29, 3, 0, 30, 0, time.UTC)
	s.tick(context.Background())
	s.cycleRunning.Wait()
	assert.Equal(t, []string{"scheduled"}, d.triggers())

	now = time.Date(2026, 8, 29, 3, 1, 0, 0, time.UTC)
	s.tick(context.Background())
	assert.Len(t, d.triggers(), 1, "same day must not fire twice")

	now = time.Date(2026, 8, 30, 3, 0, 30, 0, time.UTC)
	s.tick(context.Background())
	s.cycleRunning.Wait()
	assert.Len(t, d.triggers(), 2, "next day fires again")
}

func TestScheduledTriggerDeferredWhileInFlight(t *testing.T) {
	d := &fakeDriver{active: &cycle.Cycle{ID: "busy", Stage: contracts.StageTraining}}
	s, err := New(Config{Mode: ModeScheduled, Enabled: true, TriggerAt: "03:00"}, d, nil)
	require.NoError(t, err)
	s.WithClock(func() time.Time { return time.Date(2026, 8, 29, 3, 5, 0, 0, time.UTC) })

	s.tick(context.Background())
	assert.Empty(t, d.triggers())

	// Cycle finishes; the same day's trigger fires on the next tick.
	d.mu.Lock()
	d.active.Stage = contracts.StageFailed
	d.mu.Unlock()

	s.tick(context.Background())
	s.cycleRunning.Wait()
	assert.Equal(t, []string{"scheduled"}, d.triggers())
}

func TestContinuousRetriggersAfterTerminal(t *testing.T) {
	d := &fakeDriver{}
	s, err := New(Config{Mode: ModeContinuous, Enabled: true}, d, nil)
	require.NoError(t, err)

	ctx := context.Background()
	s.tick(ctx)
	s.cycleRunning.Wait()
	s.tick(ctx)
	s.cycleRunning.Wait()

	// Each tick finds the previous cycle terminal and starts another.
	assert.Equal(t, []string{"continuous", "continuous"}, d.triggers())
}

func TestTickSweepsCheckpointExpiry(t *testing.T) {
	d := &fakeDriver{}
	s, err := New(Config{Mode: ModeManual, Enabled: true}, d, nil)
	require.NoError(t, err)

	s.tick(context.Background())
	d.mu.Lock()
	defer d.mu.Unlock()
	assert.Equal(t, 1, d.expired)
}

func TestStartStop(t *testing.T) {
	d := &fakeDriver{}
	s, err := New(Config{Mode: ModeManual, Enabled: true, Tick: 5 * time.Millisecond}, d, nil)
	require.NoError(t, err)

	s.Start(context.Background())
	time.Sleep(20 * time.Millisecond)
	s.Stop()

	d.mu.Lock()
	defer d.mu.Unlock()
	assert.Greater(t, d.expired, 0, "loop ran expiry sweeps")
}
