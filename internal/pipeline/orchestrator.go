package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"revspec/internal/ai"
	"revspec/internal/analysis"
	"revspec/internal/config"
	"revspec/internal/emit"
	"revspec/internal/extractor"
	"revspec/internal/heuristic"
	"revspec/internal/patterns"
	"revspec/internal/report"
)

// ErrRulePanic marks a file whose analysis panicked. The panic is contained to that file.
var ErrRulePanic = errors.New("rule engine panic")

var errEmit = errors.New("emit failed")

// Deps are the collaborators an orchestrator drives. Only Registry is required.
type Deps struct {
	Registry   *extractor.Registry
	Repository patterns.Repository
	AI         *ai.Enhancer
	Emitter    emit.Emitter
	Rules      []heuristic.Rule
	Logger     *zap.Logger
}

// Orchestrator runs the per-file pipeline over a batch with a bounded worker pool.
type Orchestrator struct {
	registry *extractor.Registry
	analyzer *analysis.Analyzer
	repo     patterns.Repository
	ai       *ai.Enhancer
	emitter  emit.Emitter
	rules    []heuristic.Rule
	log      *zap.Logger
}

func New(d Deps) *Orchestrator {
	if d.Registry == nil {
		d.Registry = extractor.DefaultRegistry()
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	return &Orchestrator{
		registry: d.Registry,
		analyzer: analysis.NewAnalyzer(),
		repo:     d.Repository,
		ai:       d.AI,
		emitter:  d.Emitter,
		rules:    d.Rules,
		log:      d.Logger,
	}
}

// run is the state of one Run call shared by its workers.
type run struct {
	o        *Orchestrator
	cfg      config.RunConfig
	enhancer *heuristic.Enhancer
	snapshot *patterns.Snapshot
	stop     context.CancelFunc

	discovered atomic.Int64

	mu          sync.Mutex
	repoFailing int
	aborted     string
}

// Run analyzes every unit and always returns a report with one entry per unit, in input order.
// Cancelling ctx stops dispatch; files already in flight run to completion and the rest are skipped.
func (o *Orchestrator) Run(ctx context.Context, units []extractor.SourceUnit, cfg config.RunConfig) *report.BatchReport {
	rep := &report.BatchReport{
		RunID:     uuid.NewString(),
		StartedAt: time.Now(),
		Entries:   make([]report.Entry, len(units)),
	}

	dispatchCtx, stop := context.WithCancel(ctx)
	defer stop()

	r := &run{
		o:        o,
		cfg:      cfg,
		enhancer: heuristic.NewEnhancer(cfg.HeuristicConfig(), o.log, o.rules...),
		stop:     stop,
	}
	r.snapshot = r.snapshotStage(ctx)

	workers := cfg.WorkerCount()
	o.log.Info("batch started",
		zap.String("run_id", rep.RunID),
		zap.Int("files", len(units)),
		zap.Int("workers", workers),
		zap.Int("patterns", r.snapshot.Len()))

	done := make([]bool, len(units))
	var g errgroup.Group
	g.SetLimit(workers)
	for i := range units {
		if dispatchCtx.Err() != nil {
			break
		}
		g.Go(func() error {
			if dispatchCtx.Err() != nil {
				return nil
			}
			rep.Entries[i] = r.process(ctx, units[i])
			done[i] = true
			return nil
		})
	}
	_ = g.Wait()

	reason := "run cancelled before dispatch"
	if r.aborted != "" {
		rep.Aborted, rep.AbortReason = true, r.aborted
		reason = "run aborted: " + r.aborted
	}
	for i, u := range units {
		if !done[i] {
			rep.Entries[i] = report.Entry{Path: u.Path, Error: &report.FileError{Kind: report.KindSkipped, Message: reason}}
		}
	}
	rep.PatternsDiscovered = int(r.discovered.Load())
	rep.FinishedAt = time.Now()

	o.log.Info("batch finished",
		zap.String("run_id", rep.RunID),
		zap.String("status", rep.Status().String()),
		zap.Int("patterns_discovered", rep.PatternsDiscovered),
		zap.Duration("elapsed", rep.FinishedAt.Sub(rep.StartedAt)))
	return rep
}

func (r *run) snapshotStage(ctx context.Context) *patterns.Snapshot {
	if r.o.repo == nil {
		return nil
	}
	var snap *patterns.Snapshot
	err := r.withRetry(ctx, func() error {
		var err error
		snap, err = patterns.TakeSnapshot(ctx, r.o.repo)
		return err
	})
	if err != nil {
		r.o.log.Warn("pattern snapshot unavailable, continuing without pattern boosts", zap.Error(err))
		return nil
	}
	return snap
}

type outcome struct {
	result   *report.AnalysisResult
	err      error
	usedRepo bool
}

// process runs one file under its own wall-clock budget, detached from run cancellation.
func (r *run) process(ctx context.Context, unit extractor.SourceUnit) report.Entry {
	start := time.Now()
	fileCtx := context.WithoutCancel(ctx)
	if r.cfg.FileTimeout > 0 {
		var cancel context.CancelFunc
		fileCtx, cancel = context.WithTimeout(fileCtx, r.cfg.FileTimeout)
		defer cancel()
	}

	ch := make(chan outcome, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				r.o.log.Error("analysis panicked",
					zap.String("path", unit.Path),
					zap.Any("panic", rec),
					zap.Stack("stack"))
				ch <- outcome{err: fmt.Errorf("%w: %v", ErrRulePanic, rec)}
			}
		}()
		ch <- r.analyzeFile(fileCtx, unit)
	}()

	var out outcome
	select {
	case out = <-ch:
	case <-fileCtx.Done():
		out = outcome{err: fmt.Errorf("%w: exceeded %s budget", context.DeadlineExceeded, r.cfg.FileTimeout)}
	}

	if out.err == nil && r.o.emitter != nil {
		if err := r.o.emitter.Emit(fileCtx, out.result); err != nil {
			out = outcome{err: fmt.Errorf("%w: %v", errEmit, err), usedRepo: out.usedRepo}
		}
	}
	r.trackRepository(out)

	if out.err != nil {
		kind := Classify(out.err)
		r.o.log.Warn("file failed",
			zap.String("path", unit.Path),
			zap.String("kind", string(kind)),
			zap.Error(out.err))
		return report.Entry{Path: unit.Path, Error: &report.FileError{Kind: kind, Message: out.err.Error()}}
	}
	r.o.log.Debug("file analyzed",
		zap.String("path", unit.Path),
		zap.Int("facts", len(out.result.Facts)),
		zap.Int("annotations", len(out.result.Annotations)),
		zap.Duration("elapsed", time.Since(start)))
	return report.Entry{Path: unit.Path, Result: out.result}
}

// analyzeFile runs the stages for one unit strictly in order.
func (r *run) analyzeFile(ctx context.Context, unit extractor.SourceUnit) outcome {
	tree, err := r.o.registry.Parse(ctx, unit)
	if err != nil {
		return outcome{err: err}
	}

	facts := r.o.analyzer.Analyze(tree.Root)
	enhanced := r.enhancer.Enhance(facts, r.snapshot)
	if err := ctx.Err(); err != nil {
		return outcome{err: err}
	}

	usedRepo := false
	if r.o.repo != nil && len(enhanced.Candidates) > 0 {
		usedRepo = true
		if err := r.discoveryStage(ctx, enhanced.Candidates); err != nil {
			return outcome{err: err, usedRepo: true}
		}
	}

	anns := enhanced.Annotations
	var warnings []string
	if r.cfg.AI.Enabled && r.o.ai != nil {
		var aiErrs []error
		anns, aiErrs = r.o.ai.Enhance(ctx, unit.Path, facts, anns)
		for _, e := range aiErrs {
			warnings = append(warnings, "ai: "+e.Error())
		}
	}
	if err := ctx.Err(); err != nil {
		return outcome{err: err, usedRepo: usedRepo}
	}

	res := report.Build(tree, facts, anns, warnings)
	if !res.Covered() {
		return outcome{err: fmt.Errorf("internal: %s lost facts between stages", unit.Path), usedRepo: usedRepo}
	}
	return outcome{result: res, usedRepo: usedRepo}
}

// discoveryStage persists the file's pattern candidates.
func (r *run) discoveryStage(ctx context.Context, candidates []patterns.Candidate) error {
	for _, c := range candidates {
		err := r.withRetry(ctx, func() error {
			_, err := r.o.repo.Upsert(ctx, c)
			return err
		})
		if err != nil {
			return fmt.Errorf("failed to store pattern %q: %w", c.Name, err)
		}
		r.discovered.Add(1)
	}
	return nil
}

// withRetry retries repository-unavailable errors with a fixed delay.
func (r *run) withRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt <= r.cfg.Repository.Retries; attempt++ {
		if err = fn(); err == nil || !errors.Is(err, patterns.ErrRepositoryUnavailable) {
			return err
		}
		if attempt == r.cfg.Repository.Retries {
			break
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(r.cfg.Repository.RetryDelay):
		}
	}
	return err
}

// trackRepository counts consecutive files that failed on the repository and stops dispatch past the threshold.
func (r *run) trackRepository(out outcome) {
	if !out.usedRepo {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if !errors.Is(out.err, patterns.ErrRepositoryUnavailable) {
		r.repoFailing = 0
		return
	}
	r.repoFailing++
	limit := r.cfg.Repository.AbortAfter
	if limit > 0 && r.repoFailing >= limit && r.aborted == "" {
		r.aborted = fmt.Sprintf("pattern repository unavailable for %d consecutive files", r.repoFailing)
		r.o.log.Error("aborting batch", zap.String("reason", r.aborted))
		r.stop()
	}
}

// Classify maps a per-file error onto its report kind.
func Classify(err error) report.ErrorKind {
	var pe *extractor.ParseError
	switch {
	case errors.As(err, &pe):
		return report.KindParseError
	case errors.Is(err, extractor.ErrUnsupportedDialect):
		return report.KindUnsupportedDialect
	case errors.Is(err, ErrRulePanic):
		return report.KindRulePanic
	case errors.Is(err, patterns.ErrRepositoryUnavailable):
		return report.KindRepositoryUnavailable
	case errors.Is(err, errEmit):
		return report.KindEmitError
	case errors.Is(err, context.DeadlineExceeded):
		return report.KindTimeout
	default:
		return report.KindInternal
	}
}
