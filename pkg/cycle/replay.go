package cycle

import (
	"context"
	"fmt"

	"github.com/Masterminds/semver/v3"

	"github.com/Cognate-Labs/aegis/core/pkg/chain"
	"github.com/Cognate-Labs/aegis/core/pkg/contracts"
	"github.com/Cognate-Labs/aegis/core/pkg/dataset"
)

func parseVersion(s string) (*semver.Version, error) {
	v, err := semver.NewVersion(s)
	if err != nil {
		return nil, fmt.Errorf("replayed model version %q: %w", s, err)
	}
	return v, nil
}

// State is what ledger replay recovers: the in-progress cycle (if the
// process died mid-cycle), the most recent fidelity measurement, and the
// last activated model version. No other mutable persisted state exists in
// the core.
type State struct {
	Current      *Cycle
	LastFidelity *float64
	ModelVersion string
}

// Rebuild reconstructs cycle state by replaying stage-transition events
// from the ledger. The chain is verified first; replaying an untrustworthy
// ledger would launder tampering into live state.
func Rebuild(ctx context.Context, ch *chain.Chain) (*State, error) {
	if err := ch.VerifyAll(ctx); err != nil {
		return nil, fmt.Errorf("replay refused: %w", err)
	}
	n, err := ch.Len(ctx)
	if err != nil {
		return nil, err
	}

	state := &State{}
	var current *Cycle

	blocks, err := ch.Range(ctx, 1, n)
	if err != nil {
		return nil, err
	}
	for _, b := range blocks {
		switch b.Kind {
		case contracts.EventStageTransition, contracts.EventCheckpointApproval, contracts.EventAbort:
		default:
			continue // votes and other event kinds carry no cycle state
		}
		var ev contracts.StageTransition
		if err := b.DecodePayload(&ev); err != nil {
			return nil, fmt.Errorf("replay block %d: %w", b.Index, err)
		}

		if ev.From == contracts.StageIdle {
			current = &Cycle{
				ID:        ev.CycleID,
				Stage:     contracts.StageIdle,
				Trigger:   ev.Trigger,
				CreatedAt: ev.Timestamp,
			}
		}
		if current == nil || current.ID != ev.CycleID {
			return nil, fmt.Errorf("replay block %d: transition for unknown cycle %s", b.Index, ev.CycleID)
		}
		applyTransition(current, ev)
		// Fidelity only becomes the sizing prior once a human activates the
		// cycle, mirroring the live machine.
		if ev.To == contracts.StageActivated {
			fid := ev.Fidelity
			state.LastFidelity = &fid
			state.ModelVersion = ev.ModelVersion
		}
	}

	if current != nil && !current.Stage.Terminal() {
		state.Current = current
	}
	return state, nil
}

// applyTransition folds one ledger event into the cycle under
// reconstruction. Gate verdicts travel on the transition out of their gate
// stage, so the From field decides where each detail lands.
func applyTransition(c *Cycle, ev contracts.StageTransition) {
	switch ev.From {
	case contracts.StageIdle:
		if ev.DatasetMin != 0 || ev.DatasetMax != 0 {
			c.DatasetRange = dataset.Range{Min: ev.DatasetMin, Max: ev.DatasetMax}
		}
	case contracts.StagePreTrainGate:
		if ev.Verdict != nil {
			v := *ev.Verdict
			c.PreVerdict = &v
		}
	case contracts.StageTraining:
		if ev.ArtifactHash != "" {
			c.ArtifactHash = ev.ArtifactHash
			c.Fidelity = ev.Fidelity
		}
	case contracts.StagePostTrainGate:
		if ev.Verdict != nil {
			v := *ev.Verdict
			c.PostVerdict = &v
		}
	case contracts.StageExternalReview:
		if len(ev.Reviews) > 0 {
			c.Reviews = append([]contracts.Verdict(nil), ev.Reviews...)
		}
	case contracts.StageApprovalDecision:
		if ev.Decision != nil {
			d := *ev.Decision
			c.Decision = &d
		}
	}

	c.Stage = ev.To
	c.UpdatedAt = ev.Timestamp
	if ev.To == contracts.StageFailed && ev.Reason != "" {
		c.FailReason = ev.Reason
	}
	if ev.To == contracts.StageActivated {
		c.ModelVersion = ev.ModelVersion
	}
}

// Restore primes a machine with replayed state. Call before the scheduler
// starts triggering.
func (m *Machine) Restore(state *State) error {
	if state == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if state.Current != nil {
		m.current = state.Current
		m.byID[state.Current.ID] = state.Current
		m.history = append(m.history, state.Current)
	}
	m.lastFidelity = state.LastFidelity
	if state.ModelVersion != "" {
		v, err := parseVersion(state.ModelVersion)
		if err != nil {
			return err
		}
		m.version = v
	}
	return nil
}
