package cycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/Cognate-Labs/aegis/core/pkg/approval"
	"github.com/Cognate-Labs/aegis/core/pkg/chain"
	"github.com/Cognate-Labs/aegis/core/pkg/contracts"
	"github.com/Cognate-Labs/aegis/core/pkg/crypto"
	"github.com/Cognate-Labs/aegis/core/pkg/dataset"
	"github.com/Cognate-Labs/aegis/core/pkg/quality"
	"github.com/Cognate-Labs/aegis/core/pkg/review"
)

// Config parameterizes the state machine.
type Config struct {
	// DatasetDescriptor identifies the training dataset to the trainer and
	// the pre-train gate.
	DatasetDescriptor string

	Sizer dataset.Sizer

	// TrainingTimeout bounds the training call. Training has no
	// partial-success meaning, so exceeding it fails the cycle.
	TrainingTimeout time.Duration

	// CheckpointTimeout optionally bounds AwaitingCheckpoint. Zero leaves
	// the checkpoint human-paced and unbounded.
	CheckpointTimeout time.Duration

	// CheckpointPublicKey is the hex public key a checkpoint signature must
	// verify against.
	CheckpointPublicKey string

	// RejectOnFailedConsensus routes a review round that misses its own
	// consensus threshold straight to Rejected instead of letting the
	// approval gate weigh the individual verdicts.
	RejectOnFailedConsensus bool

	// InitialModelVersion seeds the activated-model version sequence.
	// Defaults to 0.1.0.
	InitialModelVersion string
}

// Machine drives one cycle at a time through the transition graph. All
// mutation of the current cycle happens here.
type Machine struct {
	cfg     Config
	chain   *chain.Chain
	trainer Trainer
	quality *quality.Evaluator
	reviews *review.Aggregator
	gate    *approval.Gate
	logger  *slog.Logger
	tracer  trace.Tracer
	clock   func() time.Time

	// commitMu serializes whole transitions: stage check, ledger append,
	// and stage advance happen under it as one step, so two concurrent
	// submissions cannot both observe the same stage and double-append.
	commitMu sync.Mutex

	mu           sync.Mutex
	current      *Cycle
	history      []*Cycle
	byID         map[string]*Cycle
	lastFidelity *float64
	version      *semver.Version
}

// NewMachine wires the state machine. The chain is the commitment point for
// every transition; callers inject it rather than the machine owning it so
// checkpoint approvals and votes share the same authoritative writer.
func NewMachine(cfg Config, ch *chain.Chain, trainer Trainer, q *quality.Evaluator, r *review.Aggregator, g *approval.Gate, logger *slog.Logger) (*Machine, error) {
	if cfg.InitialModelVersion == "" {
		cfg.InitialModelVersion = "0.1.0"
	}
	version, err := semver.NewVersion(cfg.InitialModelVersion)
	if err != nil {
		return nil, fmt.Errorf("initial model version: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{
		cfg:     cfg,
		chain:   ch,
		trainer: trainer,
		quality: q,
		reviews: r,
		gate:    g,
		logger:  logger,
		tracer:  otel.Tracer("aegis.cycle"),
		clock:   time.Now,
		byID:    make(map[string]*Cycle),
		version: version,
	}, nil
}

// WithClock overrides the clock for testing.
func (m *Machine) WithClock(clock func() time.Time) *Machine {
	m.clock = clock
	return m
}

// Begin registers a new cycle. It refuses while any cycle is in a
// non-terminal stage and writes nothing to the ledger on refusal.
func (m *Machine) Begin(_ context.Context, trigger string) (*Cycle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != nil && !m.current.Stage.Terminal() {
		return nil, fmt.Errorf("cycle %s is in stage %s: %w", m.current.ID, m.current.Stage, contracts.ErrCycleInProgress)
	}
	now := m.clock().UTC()
	c := &Cycle{
		ID:        uuid.NewString(),
		Stage:     contracts.StageIdle,
		Trigger:   trigger,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.current = c
	m.byID[c.ID] = c
	m.history = append(m.history, c)
	return c.clone(), nil
}

// Run drives the current cycle from Idle until it parks at
// AwaitingCheckpoint or reaches a terminal stage. It returns an error only
// on a system failure (a ledger append that did not commit); quality
// rejections and collaborator failures are recorded outcomes, not errors.
func (m *Machine) Run(ctx context.Context) error {
	m.mu.Lock()
	c := m.current
	m.mu.Unlock()
	if c == nil || c.Stage != contracts.StageIdle {
		return fmt.Errorf("%w: no cycle ready to run", contracts.ErrValidation)
	}

	ctx, span := m.tracer.Start(ctx, "cycle.run", trace.WithAttributes(
		attribute.String("cycle.id", c.ID),
		attribute.String("cycle.trigger", c.Trigger),
	))
	defer span.End()

	// DatasetSizing
	rng := m.cfg.Sizer.SizeFor(m.priorFidelity())
	if err := m.transition(ctx, c, contracts.StageDatasetSizing, func(ev *contracts.StageTransition) {
		ev.Trigger = c.Trigger
		ev.DatasetMin = rng.Min
		ev.DatasetMax = rng.Max
	}); err != nil {
		return err
	}
	m.setDatasetRange(c, rng)

	// PreTrainGate
	if err := m.transition(ctx, c, contracts.StagePreTrainGate, nil); err != nil {
		return err
	}
	pre := m.evaluateGate(ctx, m.cfg.DatasetDescriptor, quality.StagePre)
	m.setVerdict(c, quality.StagePre, pre)
	if !m.quality.Passed(pre) {
		return m.reject(ctx, c, func(ev *contracts.StageTransition) { ev.Verdict = &pre })
	}

	// Training
	if err := m.transition(ctx, c, contracts.StageTraining, func(ev *contracts.StageTransition) {
		ev.Verdict = &pre
	}); err != nil {
		return err
	}
	result, err := m.train(ctx)
	if err != nil {
		m.logger.Error("training failed", "cycle", c.ID, "error", err)
		return m.fail(ctx, c, contracts.EventStageTransition, "training failed: "+err.Error())
	}
	m.setTrainResult(c, result)

	// PostTrainGate
	if err := m.transition(ctx, c, contracts.StagePostTrainGate, func(ev *contracts.StageTransition) {
		ev.ArtifactHash = result.ArtifactHash
		ev.Fidelity = result.Fidelity
	}); err != nil {
		return err
	}
	post := m.evaluateGate(ctx, result.ArtifactHash, quality.StagePost)
	m.setVerdict(c, quality.StagePost, post)
	if !m.quality.Passed(post) {
		return m.reject(ctx, c, func(ev *contracts.StageTransition) { ev.Verdict = &post })
	}

	// ExternalReview
	if err := m.transition(ctx, c, contracts.StageExternalReview, func(ev *contracts.StageTransition) {
		ev.Verdict = &post
	}); err != nil {
		return err
	}
	round := m.reviews.Collect(ctx, result.ArtifactHash)
	m.setReviews(c, round.Verdicts)
	if m.cfg.RejectOnFailedConsensus && !round.Consensus {
		return m.reject(ctx, c, func(ev *contracts.StageTransition) { ev.Reviews = round.Verdicts })
	}

	// ApprovalDecision
	if err := m.transition(ctx, c, contracts.StageApprovalDecision, func(ev *contracts.StageTransition) {
		ev.Reviews = round.Verdicts
	}); err != nil {
		return err
	}
	decision, err := m.gate.Decide(post, round.Verdicts, round.Consensus)
	if err != nil {
		return m.fail(ctx, c, contracts.EventStageTransition, "approval gate: "+err.Error())
	}
	m.setDecision(c, decision)
	if !decision.Approved {
		return m.reject(ctx, c, func(ev *contracts.StageTransition) { ev.Decision = &decision })
	}

	// AwaitingCheckpoint: park until a human signs the commitment.
	if err := m.transition(ctx, c, contracts.StageAwaitingCheckpoint, func(ev *contracts.StageTransition) {
		ev.Decision = &decision
	}); err != nil {
		return err
	}
	m.logger.Info("cycle awaiting golden checkpoint", "cycle", c.ID, "artifact", result.ArtifactHash)
	return nil
}

// SubmitCheckpoint applies a human signature over the cycle commitment. On
// a verification failure the cycle stays parked in AwaitingCheckpoint and
// may be retried by the same or a different authorized signer.
func (m *Machine) SubmitCheckpoint(ctx context.Context, cycleID, signatureHex, publicKeyHex string) error {
	if cycleID == "" || signatureHex == "" || publicKeyHex == "" {
		return fmt.Errorf("%w: cycle id, signature, and public key required", contracts.ErrValidation)
	}

	m.mu.Lock()
	c := m.current
	m.mu.Unlock()
	if c == nil || c.ID != cycleID || c.Stage != contracts.StageAwaitingCheckpoint {
		return fmt.Errorf("%w: cycle %s is not awaiting a checkpoint", contracts.ErrValidation, cycleID)
	}

	if publicKeyHex != m.cfg.CheckpointPublicKey {
		return fmt.Errorf("%w: public key is not the configured checkpoint key", crypto.ErrSignature)
	}
	// The commitment fields are immutable once the cycle parks, so the
	// signature can be verified outside the commit lock.
	commitment := contracts.Commitment{
		CycleID:           c.ID,
		ModelArtifactHash: c.ArtifactHash,
		Decision:          "approved",
	}
	if err := crypto.VerifyCommitment(commitment, signatureHex, publicKeyHex); err != nil {
		m.logger.Warn("checkpoint signature rejected", "cycle", c.ID)
		return err
	}

	m.commitMu.Lock()
	defer m.commitMu.Unlock()

	// Re-check under the commit lock: a concurrent retry that won this race
	// has already activated (or an abort failed) the cycle.
	m.mu.Lock()
	if c.Stage != contracts.StageAwaitingCheckpoint {
		m.mu.Unlock()
		return fmt.Errorf("%w: cycle %s is not awaiting a checkpoint", contracts.ErrValidation, cycleID)
	}
	next := m.version.IncMinor()
	m.mu.Unlock()
	now := m.clock().UTC()
	payload := contracts.StageTransition{
		CycleID:      c.ID,
		From:         contracts.StageAwaitingCheckpoint,
		To:           contracts.StageActivated,
		ArtifactHash: c.ArtifactHash,
		Fidelity:     c.Fidelity,
		ModelVersion: next.String(),
		Timestamp:    now,
	}
	// The activation block is the golden checkpoint: the only signed block
	// on the chain.
	if _, err := m.chain.AppendSigned(ctx, contracts.EventCheckpointApproval, payload, signatureHex, publicKeyHex); err != nil {
		return fmt.Errorf("commit activation: %w", err)
	}

	m.mu.Lock()
	c.Stage = contracts.StageActivated
	c.UpdatedAt = now
	c.ModelVersion = next.String()
	c.FailReason = ""
	fid := c.Fidelity
	m.lastFidelity = &fid
	m.version = &next
	m.mu.Unlock()

	m.logger.Info("cycle activated", "cycle", c.ID, "model_version", next.String())
	return nil
}

// Abort moves the in-flight cycle to Failed on operator action. The abort
// is itself a ledger event; collaborator calls still in flight are simply
// discarded.
func (m *Machine) Abort(ctx context.Context, reason string) error {
	m.mu.Lock()
	c := m.current
	m.mu.Unlock()
	if c == nil || c.Stage.Terminal() {
		return fmt.Errorf("%w: no active cycle to abort", contracts.ErrValidation)
	}
	return m.fail(ctx, c, contracts.EventAbort, reason)
}

// ExpireCheckpoint aborts a parked cycle whose optional checkpoint timeout
// has elapsed. Reports whether it acted.
func (m *Machine) ExpireCheckpoint(ctx context.Context) (bool, error) {
	if m.cfg.CheckpointTimeout <= 0 {
		return false, nil
	}
	m.mu.Lock()
	c := m.current
	expired := c != nil && c.Stage == contracts.StageAwaitingCheckpoint &&
		m.clock().Sub(c.UpdatedAt) > m.cfg.CheckpointTimeout
	m.mu.Unlock()
	if !expired {
		return false, nil
	}
	if err := m.fail(ctx, c, contracts.EventAbort, "checkpoint timeout elapsed"); err != nil {
		// A checkpoint that landed between the expiry check and the commit
		// lock wins; the sweep simply did not act.
		if errors.Is(err, contracts.ErrValidation) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Active returns the current cycle if it is non-terminal.
func (m *Machine) Active() *Cycle {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil || m.current.Stage.Terminal() {
		return nil
	}
	return m.current.clone()
}

// Current returns the most recent cycle, terminal or not.
func (m *Machine) Current() *Cycle {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return nil
	}
	return m.current.clone()
}

// Get returns a cycle by id.
func (m *Machine) Get(id string) (*Cycle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.byID[id]
	if !ok {
		return nil, false
	}
	return c.clone(), true
}

// History returns all cycles, oldest first.
func (m *Machine) History() []*Cycle {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Cycle, len(m.history))
	for i, c := range m.history {
		out[i] = c.clone()
	}
	return out
}

// ModelVersion returns the currently active model version.
func (m *Machine) ModelVersion() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.version.String()
}

// transition commits one edge of the graph: ledger append first, stage
// advance second. A crash between decision and ledger write is impossible
// by construction because the decision is not visible until the write
// returns.
func (m *Machine) transition(ctx context.Context, c *Cycle, to contracts.Stage, mut func(*contracts.StageTransition)) error {
	return m.transitionKind(ctx, c, to, contracts.EventStageTransition, mut)
}

func (m *Machine) transitionKind(ctx context.Context, c *Cycle, to contracts.Stage, kind string, mut func(*contracts.StageTransition)) error {
	m.commitMu.Lock()
	defer m.commitMu.Unlock()

	m.mu.Lock()
	from := c.Stage
	m.mu.Unlock()
	if !ValidTransition(from, to) {
		return fmt.Errorf("%w: illegal transition %s -> %s for cycle %s", contracts.ErrValidation, from, to, c.ID)
	}

	ev := contracts.StageTransition{
		CycleID:   c.ID,
		From:      from,
		To:        to,
		Timestamp: m.clock().UTC(),
	}
	if mut != nil {
		mut(&ev)
	}
	if _, err := m.chain.Append(ctx, kind, ev); err != nil {
		return fmt.Errorf("commit transition %s -> %s: %w", from, to, err)
	}

	m.mu.Lock()
	c.Stage = to
	c.UpdatedAt = ev.Timestamp
	m.mu.Unlock()

	m.logger.Info("cycle transition", "cycle", c.ID, "from", string(from), "to", string(to))
	span := trace.SpanFromContext(ctx)
	span.AddEvent("stage_transition", trace.WithAttributes(
		attribute.String("from", string(from)),
		attribute.String("to", string(to)),
	))
	return nil
}

func (m *Machine) reject(ctx context.Context, c *Cycle, mut func(*contracts.StageTransition)) error {
	return m.transition(ctx, c, contracts.StageRejected, mut)
}

func (m *Machine) fail(ctx context.Context, c *Cycle, kind, reason string) error {
	err := m.transitionKind(ctx, c, contracts.StageFailed, kind, func(ev *contracts.StageTransition) {
		ev.Reason = reason
	})
	if err != nil {
		return err
	}
	m.mu.Lock()
	c.FailReason = reason
	m.mu.Unlock()
	return nil
}

// evaluateGate applies the timeout policy for quality gates: an analyzer
// that cannot answer in time yields a non-approving verdict rather than a
// stuck cycle.
func (m *Machine) evaluateGate(ctx context.Context, descriptor string, stage quality.GateStage) contracts.Verdict {
	v, err := m.quality.Evaluate(ctx, descriptor, stage)
	if err != nil {
		return contracts.Verdict{
			Source:    contracts.SourceInternal,
			Approved:  false,
			Score:     0,
			Rationale: "quality analyzer unavailable: " + err.Error(),
			Timestamp: m.clock().UTC(),
		}
	}
	return v
}

func (m *Machine) train(ctx context.Context) (TrainResult, error) {
	tctx, cancel := context.WithTimeout(ctx, m.cfg.TrainingTimeout)
	defer cancel()
	result, err := m.trainer.Train(tctx, m.cfg.DatasetDescriptor, m.currentRange())
	if err != nil {
		if tctx.Err() != nil {
			return TrainResult{}, fmt.Errorf("%w: training exceeded %s", contracts.ErrCollaboratorTimeout, m.cfg.TrainingTimeout)
		}
		return TrainResult{}, err
	}
	return result, nil
}

func (m *Machine) priorFidelity() *float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastFidelity
}

func (m *Machine) currentRange() dataset.Range {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current.DatasetRange
}

func (m *Machine) setDatasetRange(c *Cycle, r dataset.Range) {
	m.mu.Lock()
	c.DatasetRange = r
	m.mu.Unlock()
}

func (m *Machine) setVerdict(c *Cycle, stage quality.GateStage, v contracts.Verdict) {
	m.mu.Lock()
	if stage == quality.StagePre {
		c.PreVerdict = &v
	} else {
		c.PostVerdict = &v
	}
	m.mu.Unlock()
}

func (m *Machine) setTrainResult(c *Cycle, r TrainResult) {
	m.mu.Lock()
	c.ArtifactHash = r.ArtifactHash
	c.Fidelity = r.Fidelity
	m.mu.Unlock()
}

func (m *Machine) setReviews(c *Cycle, verdicts []contracts.Verdict) {
	m.mu.Lock()
	c.Reviews = verdicts
	m.mu.Unlock()
}

func (m *Machine) setDecision(c *Cycle, d contracts.Decision) {
	m.mu.Lock()
	c.Decision = &d
	m.mu.Unlock()
}

