package execution

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"tradingagents/internal/models"
)

// memStore is a minimal single-session SessionMutator that records every
// committed snapshot so tests can inspect the sequence a poller could observe.
// Like the real store it ignores mutations of a completed session.
type memStore struct {
	mu        sync.Mutex
	session   *models.Session
	snapshots []*models.SessionSnapshot
}

func newMemStore(selected []string) (*memStore, Plan) {
	plan := ResolvePlan(selected)
	s := models.NewSession("session-1", models.AnalysisInput{Ticker: "AAA", Date: "2024-01-01"}, NormalizeSelection(selected), plan.StageNames())
	return &memStore{session: s}, plan
}

func (m *memStore) Mutate(id string, fn func(*models.Session)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id != m.session.ID {
		return fmt.Errorf("session %s not found", id)
	}
	if m.session.IsComplete {
		return nil
	}
	fn(m.session)
	m.session.Version++
	m.snapshots = append(m.snapshots, m.session.Snapshot())
	return nil
}

func (m *memStore) snapshot() *models.SessionSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session.Snapshot()
}

func (m *memStore) history() []*models.SessionSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*models.SessionSnapshot(nil), m.snapshots...)
}

// MockStageExecutor is a configurable fake executor for testing the runner.
type MockStageExecutor struct {
	delay     time.Duration
	err       error
	panicMsg  string
	ignoreCtx bool
	callCount atomic.Int32
}

func (m *MockStageExecutor) Execute(ctx context.Context, req StageRequest) (string, error) {
	m.callCount.Add(1)
	if m.delay > 0 {
		if m.ignoreCtx {
			time.Sleep(m.delay)
		} else {
			select {
			case <-time.After(m.delay):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
	}
	if m.panicMsg != "" {
		panic(m.panicMsg)
	}
	if m.err != nil {
		return "", m.err
	}
	return "output of " + req.Stage.Name, nil
}

func newTestRunner(store SessionMutator, fallback StageExecutor, opts RunnerOptions) (*Runner, *ExecutorRegistry) {
	registry := NewExecutorRegistry(fallback)
	if opts.StageTimeout == 0 {
		opts.StageTimeout = 2 * time.Second
	}
	return NewRunner(store, registry, opts), registry
}

// ---- Tests ----

func TestRunner_CompletesAllStages(t *testing.T) {
	store, plan := newMemStore([]string{"social", "news"})
	runner, _ := newTestRunner(store, &MockStageExecutor{}, RunnerOptions{})

	if err := runner.Run(context.Background(), "session-1", store.session.Input, plan); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	snap := store.snapshot()
	if !snap.IsComplete {
		t.Fatal("session should be complete")
	}
	for _, stage := range plan.StageNames() {
		if snap.StageStatus[stage] != models.StageStatusCompleted {
			t.Errorf("stage %s = %s, want completed", stage, snap.StageStatus[stage])
		}
	}
	for _, key := range []string{models.SectionMarket, models.SectionSentiment, models.SectionNews, models.SectionInvestment, models.SectionTraderPlan, models.SectionFinalDecision} {
		if snap.Sections[key] == "" {
			t.Errorf("missing section %s", key)
		}
	}
	if _, ok := snap.Sections[models.SectionFundamentals]; ok {
		t.Error("fundamentals was not selected but has a section")
	}
	if snap.FinalReport == nil {
		t.Fatal("final report not set")
	}
	if !strings.HasPrefix(*snap.FinalReport, "## I. Analyst Team Reports") {
		t.Errorf("unexpected report start: %q", *snap.FinalReport)
	}
	if snap.CurrentReport != "output of portfolio_manager" {
		t.Errorf("current report = %q", snap.CurrentReport)
	}
	if snap.HasErrors || len(snap.FailedStages) != 0 {
		t.Errorf("unexpected failures: %v", snap.FailedStages)
	}

	last := snap.EventLog[len(snap.EventLog)-1]
	if last.Kind != models.EventKindResult {
		t.Errorf("last event kind = %s, want result", last.Kind)
	}
}

func TestRunner_NoOptionalStages(t *testing.T) {
	store, plan := newMemStore(nil)
	runner, _ := newTestRunner(store, &MockStageExecutor{}, RunnerOptions{})

	if err := runner.Run(context.Background(), "session-1", store.session.Input, plan); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	snap := store.snapshot()
	report := *snap.FinalReport
	for _, absent := range []string{"Social Sentiment", "News Analysis", "Fundamentals Analysis"} {
		if strings.Contains(report, absent) {
			t.Errorf("report contains unselected section %q", absent)
		}
	}
	if !strings.Contains(report, "### Market Analysis") {
		t.Error("report missing always-run market analysis")
	}
}

func TestRunner_StageFailureIsContained(t *testing.T) {
	store, plan := newMemStore([]string{"social", "news"})
	runner, registry := newTestRunner(store, &MockStageExecutor{}, RunnerOptions{})
	registry.Register(StageNews, &MockStageExecutor{err: errors.New("news feed down")})

	if err := runner.Run(context.Background(), "session-1", store.session.Input, plan); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	snap := store.snapshot()
	if !snap.IsComplete {
		t.Fatal("session should complete despite a failed stage")
	}
	if snap.StageStatus[StageNews] != models.StageStatusError {
		t.Errorf("news = %s, want error", snap.StageStatus[StageNews])
	}
	if _, ok := snap.Sections[models.SectionNews]; ok {
		t.Error("failed stage must not have a section")
	}
	if strings.Contains(*snap.FinalReport, "News Analysis") {
		t.Error("final report should omit the failed section")
	}
	if snap.StageStatus[StagePortfolioManager] != models.StageStatusCompleted {
		t.Error("later teams should still run")
	}
	if !snap.HasErrors || len(snap.FailedStages) != 1 || snap.FailedStages[0] != StageNews {
		t.Errorf("failed stages = %v", snap.FailedStages)
	}

	found := false
	for _, e := range snap.EventLog {
		if e.Kind == models.EventKindSystem && strings.Contains(e.Text, "news feed down") {
			found = true
		}
	}
	if !found {
		t.Error("failure not recorded as a system event")
	}
}

func TestRunner_TeamBarrier(t *testing.T) {
	store, plan := newMemStore([]string{"social", "news", "fundamentals"})

	var mu sync.Mutex
	started := make(map[string]time.Time)
	finished := make(map[string]time.Time)
	exec := ExecutorFunc(func(ctx context.Context, req StageRequest) (string, error) {
		mu.Lock()
		started[req.Stage.Name] = time.Now()
		mu.Unlock()
		// Uneven delays so analysts finish out of registry order
		delay := 5 * time.Millisecond
		if req.Stage.Name == StageMarket || req.Stage.Name == StageAggressiveAnalyst {
			delay = 30 * time.Millisecond
		}
		time.Sleep(delay)
		mu.Lock()
		finished[req.Stage.Name] = time.Now()
		mu.Unlock()
		return "ok " + req.Stage.Name, nil
	})
	runner, _ := newTestRunner(store, exec, RunnerOptions{})

	if err := runner.Run(context.Background(), "session-1", store.session.Input, plan); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for i := 1; i < len(plan.Teams); i++ {
		var lastPrevEnd time.Time
		for _, s := range plan.Teams[i-1].Stages {
			if finished[s.Name].After(lastPrevEnd) {
				lastPrevEnd = finished[s.Name]
			}
		}
		for _, s := range plan.Teams[i].Stages {
			if started[s.Name].Before(lastPrevEnd) {
				t.Errorf("%s (%s) started before %s finished", s.Name, plan.Teams[i].Name, plan.Teams[i-1].Name)
			}
		}
	}
}

func TestRunner_ConcurrentTeamOverlaps(t *testing.T) {
	store, plan := newMemStore([]string{"social", "news", "fundamentals"})

	var inFlight, peak atomic.Int32
	exec := ExecutorFunc(func(ctx context.Context, req StageRequest) (string, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		inFlight.Add(-1)
		return "ok", nil
	})
	runner, _ := newTestRunner(store, exec, RunnerOptions{Concurrency: 4})

	if err := runner.Run(context.Background(), "session-1", store.session.Input, plan); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if peak.Load() < 2 {
		t.Errorf("peak concurrency = %d, expected analysts to overlap", peak.Load())
	}
}

func TestRunner_StageTimeout(t *testing.T) {
	store, plan := newMemStore(nil)
	runner, registry := newTestRunner(store, &MockStageExecutor{}, RunnerOptions{StageTimeout: 50 * time.Millisecond})
	// ignores ctx entirely; runner must still give up at the deadline
	registry.Register(StageTrader, &MockStageExecutor{delay: 2 * time.Second, ignoreCtx: true})

	start := time.Now()
	if err := runner.Run(context.Background(), "session-1", store.session.Input, plan); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("run took %s; stage timeout not enforced", elapsed)
	}

	snap := store.snapshot()
	if snap.StageStatus[StageTrader] != models.StageStatusError {
		t.Errorf("trader = %s, want error", snap.StageStatus[StageTrader])
	}
	if !snap.IsComplete {
		t.Error("session should still complete")
	}
	found := false
	for _, e := range snap.EventLog {
		if strings.Contains(e.Text, "timed out") {
			found = true
		}
	}
	if !found {
		t.Error("timeout not described in the event log")
	}
}

func TestRunner_PanicInExecutor(t *testing.T) {
	store, plan := newMemStore([]string{"fundamentals"})
	runner, registry := newTestRunner(store, &MockStageExecutor{}, RunnerOptions{})
	registry.Register(StageFundamentals, &MockStageExecutor{panicMsg: "boom"})

	if err := runner.Run(context.Background(), "session-1", store.session.Input, plan); err != nil {
		t.Fatalf("panic escaped the stage: %v", err)
	}
	snap := store.snapshot()
	if snap.StageStatus[StageFundamentals] != models.StageStatusError {
		t.Errorf("fundamentals = %s, want error", snap.StageStatus[StageFundamentals])
	}
	if !snap.IsComplete {
		t.Error("session should complete")
	}
}

func TestRunner_EmptyOutputIsFailure(t *testing.T) {
	store, plan := newMemStore(nil)
	runner, registry := newTestRunner(store, &MockStageExecutor{}, RunnerOptions{})
	registry.Register(StageMarket, ExecutorFunc(func(context.Context, StageRequest) (string, error) {
		return "  \n", nil
	}))

	if err := runner.Run(context.Background(), "session-1", store.session.Input, plan); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	snap := store.snapshot()
	if snap.StageStatus[StageMarket] != models.StageStatusError {
		t.Errorf("market = %s, want error", snap.StageStatus[StageMarket])
	}
	if _, ok := snap.Sections[models.SectionMarket]; ok {
		t.Error("blank output must not produce a section")
	}
}

func TestRunner_Cancellation(t *testing.T) {
	store, plan := newMemStore([]string{"social"})
	ctx, cancel := context.WithCancel(context.Background())

	exec := ExecutorFunc(func(ctx context.Context, req StageRequest) (string, error) {
		if req.Stage.Name == StageBullResearcher {
			cancel()
			<-ctx.Done()
			return "", ctx.Err()
		}
		return "ok " + req.Stage.Name, nil
	})
	runner, _ := newTestRunner(store, exec, RunnerOptions{})

	if err := runner.Run(ctx, "session-1", store.session.Input, plan); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	snap := store.snapshot()
	if !snap.IsComplete {
		t.Fatal("cancelled session should be finalized")
	}
	if snap.StageStatus[StageMarket] != models.StageStatusCompleted {
		t.Errorf("market = %s, want completed", snap.StageStatus[StageMarket])
	}
	for _, stage := range []string{StageBullResearcher, StageBearResearcher, StageTrader, StagePortfolioManager} {
		if snap.StageStatus[stage] != models.StageStatusError {
			t.Errorf("%s = %s, want error", stage, snap.StageStatus[stage])
		}
	}
	if !strings.Contains(*snap.FinalReport, "### Market Analysis") {
		t.Error("partial report should keep completed sections")
	}
	if !strings.Contains(snap.EventLog[len(snap.EventLog)-1].Text, "cancelled") {
		t.Errorf("final event = %q", snap.EventLog[len(snap.EventLog)-1].Text)
	}
}

func TestRunner_PriorOutputsFlowForward(t *testing.T) {
	store, plan := newMemStore(nil)

	var traderPrior []StageOutput
	var marketPrior []StageOutput
	exec := ExecutorFunc(func(ctx context.Context, req StageRequest) (string, error) {
		switch req.Stage.Name {
		case StageMarket:
			marketPrior = req.Prior
		case StageTrader:
			traderPrior = req.Prior
		}
		return "ok " + req.Stage.Name, nil
	})
	runner, _ := newTestRunner(store, exec, RunnerOptions{})

	if err := runner.Run(context.Background(), "session-1", store.session.Input, plan); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(marketPrior) != 0 {
		t.Errorf("first team saw prior outputs: %v", marketPrior)
	}
	req := StageRequest{Prior: traderPrior}
	if req.PriorText(StageResearchManager) != "ok research_manager" {
		t.Errorf("trader did not see research manager output: %v", traderPrior)
	}
	if req.PriorText(StageBearResearcher) == "" {
		t.Error("trader did not see debate output")
	}
}

func TestRunner_LateToolCallAfterTimeoutDropped(t *testing.T) {
	store, plan := newMemStore(nil)
	runner, registry := newTestRunner(store, &MockStageExecutor{}, RunnerOptions{StageTimeout: 20 * time.Millisecond})

	lateDone := make(chan struct{})
	registry.Register(StageMarket, ExecutorFunc(func(_ context.Context, req StageRequest) (string, error) {
		defer close(lateDone)
		// ignores ctx and records a tool call long after its deadline
		time.Sleep(150 * time.Millisecond)
		req.RecordTool("late_tool", map[string]any{"symbol": req.Input.Ticker})
		return "too late", nil
	}))

	if err := runner.Run(context.Background(), "session-1", store.session.Input, plan); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	select {
	case <-lateDone:
	case <-time.After(2 * time.Second):
		t.Fatal("late executor never returned")
	}

	snap := store.snapshot()
	if !snap.IsComplete {
		t.Fatal("session should be complete")
	}
	if snap.StageStatus[StageMarket] != models.StageStatusError {
		t.Errorf("market = %s, want error", snap.StageStatus[StageMarket])
	}
	if len(snap.ToolInvocations) != 0 {
		t.Errorf("tool call from a timed-out stage was recorded: %+v", snap.ToolInvocations)
	}
	for _, e := range snap.EventLog {
		if e.Kind == models.EventKindTool {
			t.Errorf("unexpected tool event %q", e.Text)
		}
	}

	// Nothing may change once the session is complete
	history := store.history()
	var completedAt int64 = -1
	for _, h := range history {
		if h.IsComplete {
			completedAt = h.Version
			break
		}
	}
	if last := history[len(history)-1]; last.Version != completedAt || len(last.EventLog) != len(snap.EventLog) {
		t.Errorf("session changed after completion: completed at version %d, now %d", completedAt, last.Version)
	}
}

func TestRunner_PanickingHooksContained(t *testing.T) {
	store, plan := newMemStore([]string{"social", "news", "fundamentals"})
	runner, _ := newTestRunner(store, &MockStageExecutor{}, RunnerOptions{
		OnEvent:     func(string, models.LogEntry) { panic("event sink down") },
		OnStageDone: func(string, models.StageStatus, time.Duration) { panic("metrics down") },
	})

	if err := runner.Run(context.Background(), "session-1", store.session.Input, plan); err != nil {
		t.Fatalf("hook panic escaped: %v", err)
	}
	snap := store.snapshot()
	if !snap.IsComplete || snap.HasErrors {
		t.Errorf("complete=%v has_errors=%v; hook panics must not affect stages", snap.IsComplete, snap.HasErrors)
	}
}

func TestRunner_CancelAfterLastStageNotReportedAsCancelled(t *testing.T) {
	store, plan := newMemStore(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runner, _ := newTestRunner(store, &MockStageExecutor{}, RunnerOptions{
		OnStageDone: func(stage string, _ models.StageStatus, _ time.Duration) {
			if stage == StagePortfolioManager {
				cancel()
			}
		},
	})

	if err := runner.Run(ctx, "session-1", store.session.Input, plan); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	snap := store.snapshot()
	if snap.HasErrors {
		t.Errorf("failed stages = %v", snap.FailedStages)
	}
	last := snap.EventLog[len(snap.EventLog)-1].Text
	if last != "Analysis of AAA complete" {
		t.Errorf("final event = %q", last)
	}
}

func TestRunner_RecordsToolCalls(t *testing.T) {
	store, plan := newMemStore(nil)
	exec := ExecutorFunc(func(ctx context.Context, req StageRequest) (string, error) {
		if req.Stage.Name == StageMarket {
			req.RecordTool("get_crypto_market_data", map[string]any{"symbol": req.Input.Ticker})
		}
		return "ok", nil
	})
	runner, _ := newTestRunner(store, exec, RunnerOptions{})

	if err := runner.Run(context.Background(), "session-1", store.session.Input, plan); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	snap := store.snapshot()
	if len(snap.ToolInvocations) != 1 || snap.ToolInvocations[0].Name != "get_crypto_market_data" {
		t.Fatalf("tool invocations = %+v", snap.ToolInvocations)
	}
	found := false
	for _, e := range snap.EventLog {
		if e.Kind == models.EventKindTool && e.Text == "get_crypto_market_data(symbol=AAA)" {
			found = true
		}
	}
	if !found {
		t.Error("tool call not mirrored in the event log")
	}
}

func TestRunner_EventHooks(t *testing.T) {
	store, plan := newMemStore(nil)

	var events atomic.Int32
	var stagesDone atomic.Int32
	runner, _ := newTestRunner(store, &MockStageExecutor{}, RunnerOptions{
		OnEvent:     func(string, models.LogEntry) { events.Add(1) },
		OnStageDone: func(string, models.StageStatus, time.Duration) { stagesDone.Add(1) },
	})

	if err := runner.Run(context.Background(), "session-1", store.session.Input, plan); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	snap := store.snapshot()
	if int(events.Load()) != len(snap.EventLog) {
		t.Errorf("OnEvent called %d times for %d events", events.Load(), len(snap.EventLog))
	}
	if int(stagesDone.Load()) != len(plan.StageNames()) {
		t.Errorf("OnStageDone called %d times for %d stages", stagesDone.Load(), len(plan.StageNames()))
	}
}

// Every committed snapshot is something a poller could observe; check the
// observable sequence obeys the session invariants.
func TestRunner_ObservableInvariants(t *testing.T) {
	store, plan := newMemStore([]string{"social", "news", "fundamentals"})
	runner, registry := newTestRunner(store, &MockStageExecutor{delay: time.Millisecond}, RunnerOptions{})
	registry.Register(StageSocial, &MockStageExecutor{err: errors.New("rate limited")})

	if err := runner.Run(context.Background(), "session-1", store.session.Input, plan); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	rank := map[models.StageStatus]int{
		models.StageStatusPending:    0,
		models.StageStatusInProgress: 1,
		models.StageStatusCompleted:  2,
		models.StageStatusError:      2,
	}

	history := store.history()
	var prev *models.SessionSnapshot
	for _, snap := range history {
		for _, def := range plan.Teams {
			for _, s := range def.Stages {
				status := snap.StageStatus[s.Name]
				_, hasSection := snap.Sections[s.Section]
				if s.Section != "" && hasSection != (status == models.StageStatusCompleted) {
					t.Fatalf("v%d: stage %s status %s but section present=%v", snap.Version, s.Name, status, hasSection)
				}
				if prev != nil {
					before := prev.StageStatus[s.Name]
					if rank[status] < rank[before] || (IsTerminal(before) && status != before) {
						t.Fatalf("v%d: stage %s moved %s → %s", snap.Version, s.Name, before, status)
					}
				}
			}
		}
		if snap.IsComplete {
			for _, s := range plan.StageNames() {
				if !IsTerminal(snap.StageStatus[s]) {
					t.Fatalf("v%d: complete while %s is %s", snap.Version, s, snap.StageStatus[s])
				}
			}
			if snap.FinalReport == nil {
				t.Fatalf("v%d: complete without final report", snap.Version)
			}
		} else if snap.FinalReport != nil {
			t.Fatalf("v%d: final report before completion", snap.Version)
		}
		if prev != nil && len(snap.EventLog) < len(prev.EventLog) {
			t.Fatalf("v%d: event log shrank", snap.Version)
		}
		prev = snap
	}
}

func TestFinalizeSession_Idempotent(t *testing.T) {
	s := models.NewSession("s", models.AnalysisInput{Ticker: "BTC", Date: "2024-01-01"}, nil, []string{StageMarket, StageTrader})
	TransitionStage(s, StageMarket, models.StageStatusInProgress)
	TransitionStage(s, StageMarket, models.StageStatusCompleted)
	s.Sections[models.SectionMarket] = "market"

	if _, ok := FinalizeSession(s, true); !ok {
		t.Fatal("first finalize should apply")
	}
	report := s.FinalReport
	events := len(s.EventLog)

	if s.StageStatus[StageTrader] != models.StageStatusError {
		t.Errorf("pending trader should be errored, got %s", s.StageStatus[StageTrader])
	}
	if _, ok := FinalizeSession(s, false); ok {
		t.Fatal("second finalize should be a no-op")
	}
	if s.FinalReport != report || len(s.EventLog) != events {
		t.Error("second finalize changed the session")
	}
}
