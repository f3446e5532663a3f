package execution

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"tradingagents/internal/logging"
	"tradingagents/internal/models"

	"golang.org/x/sync/errgroup"
)

// ErrEmptyOutput is returned for a stage whose executor produced no text
var ErrEmptyOutput = errors.New("executor returned empty output")

// SessionMutator applies one atomic update to a stored session
type SessionMutator interface {
	Mutate(id string, fn func(*models.Session)) error
}

// EventFunc is called after a mutation that appended an event has been committed
type EventFunc func(sessionID string, entry models.LogEntry)

// StageFunc is called once a stage reaches a terminal state
type StageFunc func(stage string, status models.StageStatus, elapsed time.Duration)

// RunnerOptions tunes the pipeline runner
type RunnerOptions struct {
	StageTimeout time.Duration // bound on one executor call
	StageDelay   time.Duration // pause between stages of a sequential team
	Concurrency  int           // max stages in flight within a concurrent team
	OnEvent      EventFunc
	OnStageDone  StageFunc
}

// Runner drives sessions through their resolved plan
type Runner struct {
	store    SessionMutator
	registry *ExecutorRegistry
	opts     RunnerOptions
}

// NewRunner creates a runner writing to store and sourcing executors from registry
func NewRunner(store SessionMutator, registry *ExecutorRegistry, opts RunnerOptions) *Runner {
	if opts.StageTimeout <= 0 {
		opts.StageTimeout = 5 * time.Minute
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	return &Runner{store: store, registry: registry, opts: opts}
}

// run holds the per-session state of one Run call
type run struct {
	*Runner
	sessionID string
	input     models.AnalysisInput
	logger    *slog.Logger

	outputsMu sync.Mutex
	outputs   []StageOutput

	// interrupted is set when cancellation cut a stage short or skipped it
	interrupted atomic.Bool
}

// Run advances the session through every team of the plan and then finalizes it.
// Teams are barriers. Stage failures are recorded on the session and never returned.
// When ctx is cancelled, stages not yet started are marked error and the session
// is finalized with whatever completed. A non-nil error means the runner itself
// faulted and left the session unfinished.
func (r *Runner) Run(ctx context.Context, sessionID string, input models.AnalysisInput, plan Plan) (err error) {
	rs := &run{
		Runner:    r,
		sessionID: sessionID,
		input:     input,
		logger:    logging.WithSession(sessionID, input.Ticker),
	}

	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("🔥 [RUNNER] PANIC in session %s: %v\n%s", sessionID, rec, debug.Stack())
			err = fmt.Errorf("runner panic: %v", rec)
		}
	}()

	started := time.Now()
	rs.logger.Info("pipeline started", "stages", len(plan.StageNames()), "teams", len(plan.Teams))
	rs.event(models.EventKindSystem, fmt.Sprintf("Starting analysis of %s for %s", input.Ticker, input.Date))

	for _, team := range plan.Teams {
		if team.Concurrent {
			rs.runConcurrent(ctx, team)
		} else {
			rs.runSequential(ctx, team)
		}
	}

	var (
		final     models.LogEntry
		finalized bool
	)
	if err := r.store.Mutate(sessionID, func(s *models.Session) {
		final, finalized = FinalizeSession(s, rs.interrupted.Load() || !s.AllStagesTerminal())
	}); err != nil {
		return fmt.Errorf("finalize session %s: %w", sessionID, err)
	}
	if finalized {
		rs.emit(final)
	}

	rs.logger.Info("pipeline finished", "elapsed", time.Since(started).Round(time.Millisecond).String())
	return nil
}

// FinalizeSession marks every unfinished stage as error, assembles the final report
// and sets is_complete. It is a no-op on an already complete session.
// Must be called inside a store mutation.
func FinalizeSession(s *models.Session, cancelled bool) (models.LogEntry, bool) {
	if s.IsComplete {
		return models.LogEntry{}, false
	}
	for _, stage := range s.Plan {
		status := s.StageStatus[stage]
		if IsTerminal(status) {
			continue
		}
		if TransitionStage(s, stage, models.StageStatusError) {
			s.AppendEvent(models.EventKindSystem, fmt.Sprintf("Stage %s did not finish: session cancelled", stage))
		}
	}

	now := time.Now()
	s.FinalReport = AssembleReport(s.Sections)
	s.HasFinalReport = true
	s.IsComplete = true
	s.CompletedAt = &now

	failed := 0
	for _, stage := range s.Plan {
		if s.StageStatus[stage] == models.StageStatusError {
			failed++
		}
	}

	var msg string
	switch {
	case cancelled:
		msg = fmt.Sprintf("Analysis of %s cancelled; partial report assembled (%d of %d stages failed)", s.Input.Ticker, failed, len(s.Plan))
	case failed > 0:
		msg = fmt.Sprintf("Analysis of %s complete with errors (%d of %d stages failed)", s.Input.Ticker, failed, len(s.Plan))
	default:
		msg = fmt.Sprintf("Analysis of %s complete", s.Input.Ticker)
	}
	return s.AppendEvent(models.EventKindResult, msg), true
}

func (rs *run) runConcurrent(ctx context.Context, team Team) {
	prior := rs.priorOutputs()

	var g errgroup.Group
	g.SetLimit(rs.opts.Concurrency)
	for _, def := range team.Stages {
		g.Go(func() error {
			rs.runStage(ctx, def, prior)
			return nil
		})
	}
	_ = g.Wait()
}

func (rs *run) runSequential(ctx context.Context, team Team) {
	for i, def := range team.Stages {
		if i > 0 && rs.opts.StageDelay > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(rs.opts.StageDelay):
			}
		}
		rs.runStage(ctx, def, rs.priorOutputs())
	}
}

func (rs *run) runStage(ctx context.Context, def StageDef, prior []StageOutput) {
	logger := logging.WithStage(rs.logger, def.Name, def.Team)

	if ctx.Err() != nil {
		rs.interrupted.Store(true)
		rs.mutate(func(s *models.Session) []models.LogEntry {
			if !TransitionStage(s, def.Name, models.StageStatusError) {
				return nil
			}
			return []models.LogEntry{s.AppendEvent(models.EventKindSystem, fmt.Sprintf("%s skipped: session cancelled", def.Title))}
		})
		rs.stageDone(def.Name, models.StageStatusError, 0)
		return
	}

	started := rs.mutate(func(s *models.Session) []models.LogEntry {
		if !TransitionStage(s, def.Name, models.StageStatusInProgress) {
			return nil
		}
		return []models.LogEntry{s.AppendEvent(models.EventKindReasoning, fmt.Sprintf("%s is analyzing %s...", def.Title, rs.input.Ticker))}
	})
	if !started {
		return
	}

	begin := time.Now()
	text, err := rs.invoke(ctx, def, prior)
	elapsed := time.Since(begin)

	if err != nil {
		if ctx.Err() != nil {
			rs.interrupted.Store(true)
		}
		logger.Warn("stage failed", "error", err, "elapsed", elapsed.Round(time.Millisecond).String())
		rs.mutate(func(s *models.Session) []models.LogEntry {
			if !TransitionStage(s, def.Name, models.StageStatusError) {
				return nil
			}
			return []models.LogEntry{s.AppendEvent(models.EventKindSystem, fmt.Sprintf("%s failed: %v", def.Title, err))}
		})
		rs.stageDone(def.Name, models.StageStatusError, elapsed)
		return
	}

	logger.Info("stage completed", "elapsed", elapsed.Round(time.Millisecond).String(), "chars", len(text))
	rs.mutate(func(s *models.Session) []models.LogEntry {
		if !TransitionStage(s, def.Name, models.StageStatusCompleted) {
			return nil
		}
		if def.Section != "" {
			if _, exists := s.Sections[def.Section]; !exists {
				s.Sections[def.Section] = text
			}
			s.CurrentReport = text
		}
		return []models.LogEntry{s.AppendEvent(models.EventKindResult, fmt.Sprintf("%s: %s", def.Title, text))}
	})
	rs.recordOutput(StageOutput{Stage: def.Name, Title: def.Title, Text: text})
	rs.stageDone(def.Name, models.StageStatusCompleted, elapsed)
}

type stageResult struct {
	text string
	err  error
}

// invoke calls the stage's executor under the per-stage timeout. The executor runs
// on its own goroutine so a call that ignores ctx still cannot hold the stage past
// its deadline.
func (rs *run) invoke(ctx context.Context, def StageDef, prior []StageOutput) (string, error) {
	exec, err := rs.registry.Get(def.Name)
	if err != nil {
		return "", &StageError{Stage: def.Name, Kind: StageErrorExecutor, Cause: err}
	}

	stageCtx, cancel := context.WithTimeout(ctx, rs.opts.StageTimeout)
	defer cancel()

	req := StageRequest{
		SessionID:  rs.sessionID,
		Stage:      def,
		Input:      rs.input,
		Prior:      prior,
		RecordTool: rs.toolRecorder(def.Name),
	}

	done := make(chan stageResult, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				log.Printf("🔥 [RUNNER] PANIC in stage '%s' (session %s): %v\n%s", def.Name, rs.sessionID, rec, debug.Stack())
				done <- stageResult{err: &StageError{Stage: def.Name, Kind: StageErrorPanic, Cause: fmt.Errorf("internal panic: %v", rec)}}
			}
		}()
		text, err := exec.Execute(stageCtx, req)
		done <- stageResult{text: text, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return "", NewStageError(stageCtx, def.Name, res.err)
		}
		if strings.TrimSpace(res.text) == "" {
			return "", &StageError{Stage: def.Name, Kind: StageErrorExecutor, Cause: ErrEmptyOutput}
		}
		return res.text, nil
	case <-stageCtx.Done():
		return "", NewStageError(stageCtx, def.Name, stageCtx.Err())
	}
}

// toolRecorder returns the RecordTool hook for one stage. Calls made after the
// stage left in_progress (an executor outliving its timeout) are dropped.
func (rs *run) toolRecorder(stage string) ToolRecorder {
	return func(name string, args map[string]any) {
		rs.mutate(func(s *models.Session) []models.LogEntry {
			if s.IsComplete || s.StageStatus[stage] != models.StageStatusInProgress {
				return nil
			}
			return []models.LogEntry{s.RecordToolCall(name, args)}
		})
	}
}

// mutate applies fn to the session and emits the entries it appended once the
// mutation is visible. Returns false if fn appended nothing or the session is gone.
func (rs *run) mutate(fn func(s *models.Session) []models.LogEntry) bool {
	var entries []models.LogEntry
	if err := rs.store.Mutate(rs.sessionID, func(s *models.Session) {
		entries = fn(s)
	}); err != nil {
		rs.logger.Error("session mutation failed", "error", err)
		return false
	}
	for _, entry := range entries {
		rs.emit(entry)
	}
	return len(entries) > 0
}

func (rs *run) event(kind models.EventKind, text string) {
	rs.mutate(func(s *models.Session) []models.LogEntry {
		return []models.LogEntry{s.AppendEvent(kind, text)}
	})
}

func (rs *run) emit(entry models.LogEntry) {
	if rs.opts.OnEvent != nil {
		rs.guardHook("OnEvent", func() { rs.opts.OnEvent(rs.sessionID, entry) })
	}
}

func (rs *run) stageDone(stage string, status models.StageStatus, elapsed time.Duration) {
	if rs.opts.OnStageDone != nil {
		rs.guardHook("OnStageDone", func() { rs.opts.OnStageDone(stage, status, elapsed) })
	}
}

// guardHook runs a caller-supplied hook. Hooks also run on errgroup goroutines,
// outside the recover in Run.
func (rs *run) guardHook(name string, fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("🔥 [RUNNER] PANIC in %s hook (session %s): %v\n%s", name, rs.sessionID, rec, debug.Stack())
		}
	}()
	fn()
}

func (rs *run) recordOutput(out StageOutput) {
	rs.outputsMu.Lock()
	rs.outputs = append(rs.outputs, out)
	rs.outputsMu.Unlock()
}

func (rs *run) priorOutputs() []StageOutput {
	rs.outputsMu.Lock()
	defer rs.outputsMu.Unlock()
	return append([]StageOutput(nil), rs.outputs...)
}
