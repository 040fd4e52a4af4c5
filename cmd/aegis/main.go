package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/Cognate-Labs/aegis/core/pkg/approval"
	"github.com/Cognate-Labs/aegis/core/pkg/chain"
	"github.com/Cognate-Labs/aegis/core/pkg/chain/store"
	"github.com/Cognate-Labs/aegis/core/pkg/collab"
	"github.com/Cognate-Labs/aegis/core/pkg/config"
	"github.com/Cognate-Labs/aegis/core/pkg/contracts"
	"github.com/Cognate-Labs/aegis/core/pkg/crypto"
	"github.com/Cognate-Labs/aegis/core/pkg/cycle"
	"github.com/Cognate-Labs/aegis/core/pkg/observability"
	"github.com/Cognate-Labs/aegis/core/pkg/pow"
	"github.com/Cognate-Labs/aegis/core/pkg/quality"
	"github.com/Cognate-Labs/aegis/core/pkg/review"
	"github.com/Cognate-Labs/aegis/core/pkg/scheduler"
	"github.com/Cognate-Labs/aegis/core/pkg/service"
	"github.com/Cognate-Labs/aegis/core/pkg/vote"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint, split out for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return runServe(stderr)
	}
	switch args[1] {
	case "serve", "server":
		return runServe(stderr)
	case "verify":
		return runVerify(args[2:], stdout, stderr)
	case "keygen":
		return runKeygen(stdout, stderr)
	case "sign":
		return runSign(args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "aegis — training-cycle governance core")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Usage: aegis <command>")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve    start the HTTP service (default)")
	fmt.Fprintln(w, "  verify   verify the ledger hash chain")
	fmt.Fprintln(w, "  keygen   generate a checkpoint signing keypair")
	fmt.Fprintln(w, "  sign     sign a cycle commitment with a secret key")
	fmt.Fprintln(w, "  help     show this help")
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

func runServe(stderr io.Writer) int {
	cfg := config.Load()
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)
	ctx := context.Background()

	profile, err := config.LoadProfile(cfg.ProfilePath)
	if err != nil {
		fmt.Fprintf(stderr, "profile: %v\n", err)
		return 1
	}
	if cfg.CheckpointPublicKey == "" {
		fmt.Fprintln(stderr, "CHECKPOINT_PUBLIC_KEY is required; run `aegis keygen` first")
		return 1
	}

	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:    "aegis-core",
		ServiceVersion: "0.1.0",
		Environment:    envOr("ENVIRONMENT", "development"),
		OTLPEndpoint:   cfg.OTLPEndpoint,
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        cfg.OTLPEndpoint != "",
		Insecure:       true,
	})
	if err != nil {
		fmt.Fprintf(stderr, "observability: %v\n", err)
		return 1
	}
	defer func() { _ = obs.Shutdown(context.Background()) }()

	// DATABASE_URL selects Postgres for shared deployments; otherwise the
	// ledger and the vote index live in one local sqlite file.
	var (
		blockStore chain.BlockStore
		voteStore  vote.Store
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			fmt.Fprintf(stderr, "postgres: %v\n", err)
			return 1
		}
		pg := store.NewPostgresStore(db)
		if err := pg.Init(ctx); err != nil {
			fmt.Fprintf(stderr, "ledger store: %v\n", err)
			return 1
		}
		vs, err := vote.NewPostgresStore(db)
		if err != nil {
			fmt.Fprintf(stderr, "vote store: %v\n", err)
			return 1
		}
		blockStore, voteStore = pg, vs
		logger.Info("ledger opened", "backend", "postgres")
	} else {
		ss, err := store.OpenSQLite(cfg.LedgerPath)
		if err != nil {
			fmt.Fprintf(stderr, "ledger store: %v\n", err)
			return 1
		}
		vs, err := vote.NewSQLiteStore(ss.DB())
		if err != nil {
			fmt.Fprintf(stderr, "vote store: %v\n", err)
			return 1
		}
		blockStore, voteStore = ss, vs
		logger.Info("ledger opened", "backend", "sqlite", "path", cfg.LedgerPath)
	}
	ch, err := chain.New(ctx, blockStore)
	if err != nil {
		fmt.Fprintf(stderr, "ledger: %v\n", err)
		return 1
	}

	// Replay before accepting any traffic: a tampered ledger refuses to
	// serve, an interrupted cycle resumes parked.
	state, err := cycle.Rebuild(ctx, ch)
	if err != nil {
		fmt.Fprintf(stderr, "ledger replay: %v\n", err)
		return 1
	}

	trainer := collab.NewTrainerClient(cfg.TrainerURL, nil)
	analyzer := collab.NewAnalyzerClient(cfg.AnalyzerURL, nil)
	reviewers := make([]review.Reviewer, 0, len(profile.Review.Reviewers))
	for _, rc := range profile.Review.Reviewers {
		reviewers = append(reviewers, collab.NewReviewerClient(rc.ID, rc.URL, nil))
	}

	evaluator := quality.NewEvaluator(analyzer, profile.QualityTimeout(), profile.Quality.MinScore, logger)
	aggregator, err := review.NewAggregator(reviewers, profile.ReviewTimeout(), profile.Review.MinApprovals, logger)
	if err != nil {
		fmt.Fprintf(stderr, "review aggregator: %v\n", err)
		return 1
	}
	gate, err := approval.NewGate(approval.Config{
		MinTotalApprovals:        profile.Approval.MinTotalApprovals,
		CountInternal:            profile.Approval.CountInternal,
		RequireExternalConsensus: profile.Approval.RequireExternalConsensus,
		Policy:                   profile.Approval.Policy,
	})
	if err != nil {
		fmt.Fprintf(stderr, "approval gate: %v\n", err)
		return 1
	}

	machine, err := cycle.NewMachine(cycle.Config{
		DatasetDescriptor:       profile.Dataset.Descriptor,
		Sizer:                   profile.Sizer(),
		TrainingTimeout:         profile.TrainingTimeout(),
		CheckpointTimeout:       profile.CheckpointTimeout(),
		CheckpointPublicKey:     cfg.CheckpointPublicKey,
		RejectOnFailedConsensus: profile.Approval.RejectOnFailedConsensus,
		InitialModelVersion:     profile.InitialModelVersion,
	}, ch, trainer, evaluator, aggregator, gate, logger)
	if err != nil {
		fmt.Fprintf(stderr, "state machine: %v\n", err)
		return 1
	}
	if err := machine.Restore(state); err != nil {
		fmt.Fprintf(stderr, "restore: %v\n", err)
		return 1
	}
	if state.Current != nil {
		logger.Info("resumed in-flight cycle from ledger",
			"cycle", state.Current.ID, "stage", string(state.Current.Stage))
	}

	var cache pow.ReplayCache
	if cfg.RedisAddr != "" {
		cache = pow.NewRedisCache(cfg.RedisAddr, os.Getenv("REDIS_PASSWORD"), 0)
		logger.Info("using redis replay cache", "addr", cfg.RedisAddr)
	} else {
		cache = pow.NewMemoryCache()
	}
	powGate := pow.NewGate(pow.Config{
		Difficulty:          profile.Vote.Difficulty,
		BucketWidth:         time.Duration(profile.Vote.BucketMinutes) * time.Minute,
		ReplayHorizon:       time.Duration(profile.Vote.ReplayHorizonHours) * time.Hour,
		ChallengesPerMinute: profile.Vote.ChallengesPerMinute,
	}, cache)

	votes := vote.NewSubmitter(powGate, voteStore, ch, logger)

	sched, err := scheduler.New(scheduler.Config{
		Mode:      scheduler.Mode(profile.Scheduler.Mode),
		Enabled:   profile.Scheduler.Enabled,
		TriggerAt: profile.Scheduler.TriggerAt,
	}, machine, logger)
	if err != nil {
		fmt.Fprintf(stderr, "scheduler: %v\n", err)
		return 1
	}

	svc := service.New(machine, sched, votes, ch, logger)
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           service.Handler(svc),
		ReadHeaderTimeout: 10 * time.Second,
	}

	loopCtx, cancelLoop := context.WithCancel(ctx)
	sched.Start(loopCtx)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("serving", "addr", srv.Addr, "profile", profile.Name)
		errCh <- srv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		logger.Error("server failed", "error", err)
		cancelLoop()
		sched.Stop()
		return 1
	}

	cancelLoop()
	sched.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown", "error", err)
		return 1
	}
	return 0
}

func runVerify(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("verify", flag.ContinueOnError)
	fs.SetOutput(stderr)
	ledgerPath := fs.String("ledger", "aegis.db", "path to the ledger database")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	ctx := context.Background()
	blockStore, err := store.OpenSQLite(*ledgerPath)
	if err != nil {
		fmt.Fprintf(stderr, "open ledger: %v\n", err)
		return 1
	}
	ch, err := chain.New(ctx, blockStore)
	if err != nil {
		fmt.Fprintf(stderr, "ledger: %v\n", err)
		return 1
	}
	n, err := ch.Len(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "ledger length: %v\n", err)
		return 1
	}
	if err := ch.VerifyAll(ctx); err != nil {
		fmt.Fprintf(stderr, "FAIL: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "OK: %d blocks, chain intact\n", n)
	return 0
}

func runKeygen(stdout, stderr io.Writer) int {
	kp, err := crypto.GenerateKeypair()
	if err != nil {
		fmt.Fprintf(stderr, "keygen: %v\n", err)
		return 1
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(kp)
	return 0
}

func runSign(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("sign", flag.ContinueOnError)
	fs.SetOutput(stderr)
	cycleID := fs.String("cycle", "", "cycle id to approve")
	artifact := fs.String("artifact", "", "model artifact hash of the cycle")
	keyFile := fs.String("key-file", "", "file containing the hex secret key")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *cycleID == "" || *artifact == "" || *keyFile == "" {
		fmt.Fprintln(stderr, "Usage: aegis sign -cycle <id> -artifact <hash> -key-file <path>")
		return 2
	}

	raw, err := os.ReadFile(*keyFile)
	if err != nil {
		fmt.Fprintf(stderr, "read key: %v\n", err)
		return 1
	}
	sig, err := crypto.SignCommitment(contracts.Commitment{
		CycleID:           *cycleID,
		ModelArtifactHash: *artifact,
		Decision:          "approved",
	}, strings.TrimSpace(string(raw)))
	if err != nil {
		fmt.Fprintf(stderr, "sign: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, sig)
	return 0
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
