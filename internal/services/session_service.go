package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"regexp"
	"strings"
	"sync"
	"time"

	"tradingagents/internal/execution"
	"tradingagents/internal/models"
)

// ErrDraining is returned by Create once shutdown has begun
var ErrDraining = errors.New("server is shutting down, not accepting new sessions")

// ValidationError describes a rejected create request
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

var tickerPattern = regexp.MustCompile(`^[A-Z0-9][A-Z0-9.\-/]{0,19}$`)

// SessionService owns session lifecycle: validation, runner spawning,
// cancellation and shutdown
type SessionService struct {
	store     *SessionStore
	runner    *execution.Runner
	tracker   *execution.RunnerTracker
	metrics   *Metrics
	supported map[string]bool

	mu      sync.Mutex
	cancels map[string]context.CancelFunc // running sessions only

	now func() time.Time
}

// NewSessionService creates the session service. An empty supportedAssets
// list accepts any well-formed identifier.
func NewSessionService(store *SessionStore, runner *execution.Runner, tracker *execution.RunnerTracker, metrics *Metrics, supportedAssets []string) *SessionService {
	var supported map[string]bool
	if len(supportedAssets) > 0 {
		supported = make(map[string]bool, len(supportedAssets))
		for _, a := range supportedAssets {
			supported[strings.ToUpper(strings.TrimSpace(a))] = true
		}
	}
	return &SessionService{
		store:     store,
		runner:    runner,
		tracker:   tracker,
		metrics:   metrics,
		supported: supported,
		cancels:   make(map[string]context.CancelFunc),
		now:       time.Now,
	}
}

// Validate normalizes a create request. Unknown stage names are dropped, not rejected.
func (s *SessionService) Validate(req models.CreateSessionRequest) (models.AnalysisInput, []string, error) {
	ticker := strings.ToUpper(strings.TrimSpace(req.Input.Ticker))
	if ticker == "" {
		return models.AnalysisInput{}, nil, &ValidationError{Field: "input.ticker", Message: "is required"}
	}
	if !tickerPattern.MatchString(ticker) {
		return models.AnalysisInput{}, nil, &ValidationError{Field: "input.ticker", Message: fmt.Sprintf("%q is not a valid asset identifier", req.Input.Ticker)}
	}
	if s.supported != nil && !s.supported[ticker] {
		return models.AnalysisInput{}, nil, &ValidationError{Field: "input.ticker", Message: fmt.Sprintf("%s is not a supported asset", ticker)}
	}

	date := strings.TrimSpace(req.Input.Date)
	if date == "" {
		date = s.now().Format(time.DateOnly)
	} else if _, err := time.Parse(time.DateOnly, date); err != nil {
		return models.AnalysisInput{}, nil, &ValidationError{Field: "input.date", Message: "must be formatted YYYY-MM-DD"}
	}

	return models.AnalysisInput{Ticker: ticker, Date: date}, execution.NormalizeSelection(req.SelectedStages), nil
}

// Create validates the request, stores a new session and starts its runner.
// It returns as soon as the runner is spawned.
func (s *SessionService) Create(req models.CreateSessionRequest) (string, error) {
	input, selected, err := s.Validate(req)
	if err != nil {
		return "", err
	}
	if !s.tracker.Acquire() {
		return "", ErrDraining
	}

	plan := execution.ResolvePlan(selected)
	ctx, cancel := context.WithCancel(context.Background())

	// Hold mu until the cancel func is registered so the orphan sweep never
	// sees a fresh session as runner-less.
	s.mu.Lock()
	session := s.store.Create(input, selected, plan.StageNames())
	id := session.ID
	s.cancels[id] = cancel
	s.mu.Unlock()

	s.metrics.RecordSessionCreated()
	log.Printf("🚀 [SESSION] Created %s for %s (%s), %d stages", id, input.Ticker, input.Date, len(plan.StageNames()))

	go s.run(ctx, cancel, id, input, plan)
	return id, nil
}

func (s *SessionService) run(ctx context.Context, cancel context.CancelFunc, id string, input models.AnalysisInput, plan execution.Plan) {
	defer s.tracker.Release()
	defer func() {
		s.mu.Lock()
		delete(s.cancels, id)
		s.mu.Unlock()
		cancel()
	}()

	if err := s.runner.Run(ctx, id, input, plan); err != nil {
		log.Printf("❌ [SESSION] Runner for %s exited without finishing: %v", id, err)
		return
	}
	s.recordOutcome(id, ctx.Err() != nil)
}

func (s *SessionService) recordOutcome(id string, cancelled bool) {
	snap, err := s.store.Get(id)
	if err != nil {
		return
	}
	outcome := "ok"
	switch {
	case cancelled:
		outcome = "cancelled"
	case snap.HasErrors:
		outcome = "errors"
	}
	s.metrics.RecordSessionFinished(outcome)
	log.Printf("✅ [SESSION] %s finished (%s), failed stages: %v", id, outcome, snap.FailedStages)
}

// Get returns the current snapshot of a session
func (s *SessionService) Get(id string) (*models.SessionSnapshot, error) {
	return s.store.Get(id)
}

// Watch returns the current snapshot and a channel closed on the next change
func (s *SessionService) Watch(id string) (*models.SessionSnapshot, <-chan struct{}, error) {
	return s.store.Watch(id)
}

// Cancel signals a running session to stop. Stages not yet started are marked
// error and the session is finalized with a partial report. Returns false if
// the session is not running.
func (s *SessionService) Cancel(id string) bool {
	s.mu.Lock()
	cancel, ok := s.cancels[id]
	s.mu.Unlock()
	if !ok {
		return false
	}
	log.Printf("🛑 [SESSION] Cancelling %s", id)
	cancel()
	return true
}

// IsRunning reports whether a runner is attached to the session
func (s *SessionService) IsRunning(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.cancels[id]
	return ok
}

// ActiveRunners returns the number of runners in flight
func (s *SessionService) ActiveRunners() int {
	return s.tracker.Active()
}

// Stats summarizes the session store
func (s *SessionService) Stats() SessionStats {
	return s.store.Stats()
}

// SweepOrphans finalizes unfinished sessions whose runner is gone and cancels
// runners that have been going longer than maxAge. Returns how many sessions
// it acted on.
func (s *SessionService) SweepOrphans(maxAge time.Duration) int {
	cutoff := s.now().Add(-maxAge)
	acted := 0

	for _, rs := range s.store.Incomplete() {
		if s.IsRunning(rs.ID) {
			if maxAge > 0 && rs.CreatedAt.Before(cutoff) {
				log.Printf("⏰ [SESSION] %s exceeded max age %s, cancelling", rs.ID, maxAge)
				if s.Cancel(rs.ID) {
					acted++
				}
			}
			continue
		}

		finalized := false
		err := s.store.Mutate(rs.ID, func(session *models.Session) {
			if session.IsComplete {
				return
			}
			session.AppendEvent(models.EventKindSystem, "Runner stopped unexpectedly; finalizing with completed stages")
			_, finalized = execution.FinalizeSession(session, true)
		})
		if err != nil || !finalized {
			continue
		}
		log.Printf("🧹 [SESSION] Finalized orphaned session %s", rs.ID)
		s.metrics.RecordSessionFinished("orphaned")
		acted++
	}
	return acted
}

// EvictCompleted drops sessions that finished more than ttl ago
func (s *SessionService) EvictCompleted(ttl time.Duration) int {
	return s.store.EvictCompleted(s.now().Add(-ttl))
}

// Shutdown stops accepting sessions and waits up to timeout for runners.
// Runners still going after that are cancelled so their sessions finalize.
func (s *SessionService) Shutdown(timeout time.Duration) {
	if s.tracker.Drain(timeout) {
		return
	}

	s.mu.Lock()
	pending := make([]context.CancelFunc, 0, len(s.cancels))
	for _, cancel := range s.cancels {
		pending = append(pending, cancel)
	}
	s.mu.Unlock()

	log.Printf("🛑 [SESSION] Cancelling %d sessions still running", len(pending))
	for _, cancel := range pending {
		cancel()
	}
	// Cancelled runners only need to write their final mutation
	s.tracker.Drain(5 * time.Second)
}
