// Package pow gates community control-question voting behind a
// proof-of-work puzzle. A voter requests a challenge bound to their identity,
// the question, and a coarse time bucket, solves for a nonce whose hash
// clears the configured difficulty, and submits the solution with the vote.
// Replay of a solved (voter, question) pair is rejected for a bounded
// horizon.
package pow

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"math/bits"
	"sync"
	"time"

	"golang.org/x/crypto/sha3"
	"golang.org/x/time/rate"

	"github.com/Cognate-Labs/aegis/core/pkg/contracts"
)

var (
	// ErrStaleChallenge means the challenge's time bucket has expired.
	ErrStaleChallenge = errors.New("challenge expired")

	// ErrInsufficientWork means the solution hash does not meet difficulty.
	ErrInsufficientWork = errors.New("insufficient proof of work")

	// ErrReplay means this (voter, question) pair was already recorded.
	ErrReplay = errors.New("duplicate vote")

	// ErrRateLimited means the voter is requesting challenges too fast.
	ErrRateLimited = errors.New("challenge rate limit exceeded")
)

// Config holds the pure configuration of the gate. Difficulty is not
// adaptive.
type Config struct {
	// Difficulty is the required number of leading zero bits in the
	// solution hash.
	Difficulty int

	// BucketWidth is the width of the challenge time bucket. A challenge is
	// stable within its bucket and accepted for one bucket after.
	BucketWidth time.Duration

	// ReplayHorizon bounds how long a recorded (voter, question) pair is
	// remembered. Must exceed twice the bucket width or expired challenges
	// could be replayed after eviction.
	ReplayHorizon time.Duration

	// ChallengesPerMinute limits challenge issuance per voter.
	ChallengesPerMinute int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Difficulty:          20,
		BucketWidth:         10 * time.Minute,
		ReplayHorizon:       24 * time.Hour,
		ChallengesPerMinute: 6,
	}
}

// Gate verifies proof-of-work vote solutions.
type Gate struct {
	cfg   Config
	cache ReplayCache
	clock func() time.Time

	mu        sync.Mutex
	limiters  map[string]*voterLimiter
	lastSweep time.Time
}

type voterLimiter struct {
	lim  *rate.Limiter
	last time.Time
}

// NewGate creates a gate over the given replay cache.
func NewGate(cfg Config, cache ReplayCache) *Gate {
	if cfg.BucketWidth <= 0 {
		cfg.BucketWidth = DefaultConfig().BucketWidth
	}
	if cfg.ReplayHorizon <= 0 {
		cfg.ReplayHorizon = DefaultConfig().ReplayHorizon
	}
	return &Gate{
		cfg:      cfg,
		cache:    cache,
		clock:    time.Now,
		limiters: make(map[string]*voterLimiter),
	}
}

// WithClock overrides the clock for testing.
func (g *Gate) WithClock(clock func() time.Time) *Gate {
	g.clock = clock
	return g
}

// IssueChallenge deterministically derives the current challenge for a
// (voter, question) pair. The same pair gets the same challenge for the
// whole time bucket, so the voter can keep solving without re-requesting.
func (g *Gate) IssueChallenge(_ context.Context, voterID, questionID string) (string, error) {
	if voterID == "" || questionID == "" {
		return "", fmt.Errorf("%w: voter and question ids required", contracts.ErrValidation)
	}
	if !g.allowIssue(voterID) {
		return "", ErrRateLimited
	}
	return g.challengeFor(voterID, questionID, g.bucket(g.clock())), nil
}

// Verify checks a submitted vote solution: the challenge must match the
// current or immediately prior bucket, the solution hash must clear the
// difficulty, and the (voter, question) pair must be unseen.
func (g *Gate) Verify(ctx context.Context, v contracts.Vote) error {
	if v.VoterID == "" || v.QuestionID == "" || v.Nonce == "" {
		return fmt.Errorf("%w: voter, question, and nonce required", contracts.ErrValidation)
	}

	now := g.bucket(g.clock())
	current := g.challengeFor(v.VoterID, v.QuestionID, now)
	previous := g.challengeFor(v.VoterID, v.QuestionID, now-1)
	if v.Challenge != current && v.Challenge != previous {
		return ErrStaleChallenge
	}

	sum := sha3.Sum256([]byte(v.Challenge + v.Nonce))
	if v.PowHash != hex.EncodeToString(sum[:]) {
		return fmt.Errorf("%w: solution hash does not match challenge and nonce", ErrInsufficientWork)
	}
	if leadingZeroBits(sum[:]) < g.cfg.Difficulty {
		return ErrInsufficientWork
	}

	seen, err := g.cache.Seen(ctx, v.Key(), g.cfg.ReplayHorizon)
	if err != nil {
		return fmt.Errorf("replay cache: %w", err)
	}
	if seen {
		return ErrReplay
	}
	return nil
}

// MarkSeen burns the replay slot for an accepted vote. It is called only
// after the vote is durably committed, so a failed commit leaves the pair
// free to retry.
func (g *Gate) MarkSeen(ctx context.Context, v contracts.Vote) error {
	return g.cache.Mark(ctx, v.Key(), g.cfg.ReplayHorizon)
}

// SolveHash returns the solution hash for a challenge and nonce. Exposed so
// clients and tests compute it identically to verification.
func SolveHash(challenge, nonce string) string {
	sum := sha3.Sum256([]byte(challenge + nonce))
	return hex.EncodeToString(sum[:])
}

func (g *Gate) bucket(t time.Time) int64 {
	return t.Unix() / int64(g.cfg.BucketWidth/time.Second)
}

func (g *Gate) challengeFor(voterID, questionID string, bucket int64) string {
	sum := sha3.Sum256(fmt.Appendf(nil, "%s|%s|%d", questionID, voterID, bucket))
	return hex.EncodeToString(sum[:])
}

func (g *Gate) allowIssue(voterID string) bool {
	if g.cfg.ChallengesPerMinute <= 0 {
		return true
	}
	now := g.clock()
	g.mu.Lock()
	g.sweepLimiters(now)
	vl, ok := g.limiters[voterID]
	if !ok {
		vl = &voterLimiter{
			lim: rate.NewLimiter(rate.Limit(g.cfg.ChallengesPerMinute)/60, g.cfg.ChallengesPerMinute),
		}
		g.limiters[voterID] = vl
	}
	vl.last = now
	g.mu.Unlock()
	return vl.lim.Allow()
}

// sweepLimiters drops limiters idle past the replay horizon so the map stays
// bounded across distinct voter ids. Called with g.mu held, at most once per
// bucket width.
func (g *Gate) sweepLimiters(now time.Time) {
	if now.Sub(g.lastSweep) < g.cfg.BucketWidth {
		return
	}
	g.lastSweep = now
	for id, vl := range g.limiters {
		if now.Sub(vl.last) > g.cfg.ReplayHorizon {
			delete(g.limiters, id)
		}
	}
}

func leadingZeroBits(b []byte) int {
	n := 0
	for _, v := range b {
		if v == 0 {
			n += 8
			continue
		}
		n += bits.LeadingZeros8(v)
		break
	}
	return n
}
