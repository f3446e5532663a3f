package services

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"tradingagents/internal/models"
)

var testInput = models.AnalysisInput{Ticker: "BTC", Date: "2024-01-01"}

func TestSessionStore_CreateAndGet(t *testing.T) {
	store := NewSessionStore()
	session := store.Create(testInput, []string{"news"}, []string{"market", "news", "trader"})

	snap, err := store.Get(session.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if snap.SessionID != session.ID {
		t.Errorf("Expected id %s, got %s", session.ID, snap.SessionID)
	}
	for _, stage := range []string{"market", "news", "trader"} {
		if snap.StageStatus[stage] != models.StageStatusPending {
			t.Errorf("Stage %s should start pending, got %s", stage, snap.StageStatus[stage])
		}
	}
	if snap.IsComplete || snap.FinalReport != nil || len(snap.Sections) != 0 || len(snap.EventLog) != 0 {
		t.Errorf("New session should be empty: %+v", snap)
	}
}

func TestSessionStore_GetUnknown(t *testing.T) {
	store := NewSessionStore()
	if _, err := store.Get("missing"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Expected ErrSessionNotFound, got %v", err)
	}
	if err := store.Mutate("missing", func(*models.Session) {}); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Expected ErrSessionNotFound from Mutate, got %v", err)
	}
}

func TestSessionStore_RetriesCollidingIDs(t *testing.T) {
	store := NewSessionStore()
	ids := []string{"dup", "dup", "fresh"}
	store.newID = func() string {
		id := ids[0]
		ids = ids[1:]
		return id
	}

	first := store.Create(testInput, nil, []string{"market"})
	second := store.Create(testInput, nil, []string{"market"})
	if first.ID != "dup" || second.ID != "fresh" {
		t.Errorf("Expected ids dup/fresh, got %s/%s", first.ID, second.ID)
	}
}

func TestSessionStore_SnapshotIsIsolated(t *testing.T) {
	store := NewSessionStore()
	session := store.Create(testInput, nil, []string{"market"})

	snap, _ := store.Get(session.ID)
	snap.StageStatus["market"] = models.StageStatusCompleted
	snap.Sections["market_report"] = "tampered"

	fresh, _ := store.Get(session.ID)
	if fresh.StageStatus["market"] != models.StageStatusPending {
		t.Error("Snapshot mutation leaked into the store")
	}
	if _, ok := fresh.Sections["market_report"]; ok {
		t.Error("Snapshot section write leaked into the store")
	}
}

func TestSessionStore_MutateBumpsVersionAndWakesWatchers(t *testing.T) {
	store := NewSessionStore()
	session := store.Create(testInput, nil, []string{"market"})

	before, changed, err := store.Watch(session.ID)
	if err != nil {
		t.Fatalf("Watch failed: %v", err)
	}

	select {
	case <-changed:
		t.Fatal("Watch channel closed before any mutation")
	default:
	}

	if err := store.Mutate(session.ID, func(s *models.Session) {
		s.AppendEvent(models.EventKindSystem, "hello")
	}); err != nil {
		t.Fatalf("Mutate failed: %v", err)
	}

	select {
	case <-changed:
	case <-time.After(time.Second):
		t.Fatal("Watch channel not closed after mutation")
	}

	after, _ := store.Get(session.ID)
	if after.Version != before.Version+1 {
		t.Errorf("Expected version %d, got %d", before.Version+1, after.Version)
	}
	if !after.UpdatedAt.After(before.UpdatedAt) && !after.UpdatedAt.Equal(before.UpdatedAt) {
		t.Error("UpdatedAt went backwards")
	}
}

// Readers must never see a completed stage without its section.
func TestSessionStore_ConcurrentReadersSeeAtomicMutations(t *testing.T) {
	store := NewSessionStore()
	stages := make([]string, 50)
	for i := range stages {
		stages[i] = fmt.Sprintf("stage-%d", i)
	}
	session := store.Create(testInput, nil, stages)

	var wg sync.WaitGroup
	stop := make(chan struct{})
	violations := make(chan string, 10)

	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				snap, err := store.Get(session.ID)
				if err != nil {
					violations <- err.Error()
					return
				}
				for _, stage := range stages {
					_, has := snap.Sections[stage]
					if (snap.StageStatus[stage] == models.StageStatusCompleted) != has {
						select {
						case violations <- fmt.Sprintf("%s: status=%s section=%v", stage, snap.StageStatus[stage], has):
						default:
						}
						return
					}
				}
			}
		}()
	}

	for _, stage := range stages {
		store.Mutate(session.ID, func(s *models.Session) {
			s.StageStatus[stage] = models.StageStatusInProgress
		})
		store.Mutate(session.ID, func(s *models.Session) {
			s.StageStatus[stage] = models.StageStatusCompleted
			s.Sections[stage] = "text"
		})
	}
	close(stop)
	wg.Wait()
	close(violations)

	for v := range violations {
		t.Errorf("Torn read observed: %s", v)
	}
}

func TestSessionStore_EvictCompleted(t *testing.T) {
	store := NewSessionStore()
	done := store.Create(testInput, nil, []string{"market"})
	running := store.Create(testInput, nil, []string{"market"})

	old := time.Now().Add(-time.Hour)
	store.Mutate(done.ID, func(s *models.Session) {
		s.IsComplete = true
		s.CompletedAt = &old
	})

	if n := store.EvictCompleted(time.Now().Add(-30 * time.Minute)); n != 1 {
		t.Fatalf("Expected 1 eviction, got %d", n)
	}
	if _, err := store.Get(done.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Error("Completed session should be evicted")
	}
	if _, err := store.Get(running.ID); err != nil {
		t.Error("Running session must never be evicted")
	}
	if store.Count() != 1 {
		t.Errorf("Expected 1 session left, got %d", store.Count())
	}
}

func TestSessionStore_CompletedSessionIsFrozen(t *testing.T) {
	store := NewSessionStore()
	session := store.Create(testInput, nil, []string{"market"})
	store.Mutate(session.ID, func(s *models.Session) { s.IsComplete = true })
	before, _ := store.Get(session.ID)

	if err := store.Mutate(session.ID, func(s *models.Session) {
		s.RecordToolCall("late_tool", map[string]any{"symbol": "BTC"})
	}); err != nil {
		t.Fatalf("Mutate failed: %v", err)
	}

	after, _ := store.Get(session.ID)
	if after.Version != before.Version {
		t.Errorf("Version moved from %d to %d on a completed session", before.Version, after.Version)
	}
	if len(after.ToolInvocations) != 0 || len(after.EventLog) != len(before.EventLog) {
		t.Error("Completed session was modified")
	}
}

func TestSessionStore_StatsAndIncomplete(t *testing.T) {
	store := NewSessionStore()
	a := store.Create(testInput, nil, []string{"market"})
	store.Create(testInput, nil, []string{"market"})
	store.Mutate(a.ID, func(s *models.Session) { s.IsComplete = true })

	stats := store.Stats()
	if stats.Total != 2 || stats.Complete != 1 || stats.Running != 1 {
		t.Errorf("Unexpected stats: %+v", stats)
	}
	incomplete := store.Incomplete()
	if len(incomplete) != 1 || incomplete[0].ID == a.ID {
		t.Errorf("Unexpected incomplete list: %+v", incomplete)
	}
}
