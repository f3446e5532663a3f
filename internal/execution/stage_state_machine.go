package execution

import (
	"log"

	"tradingagents/internal/models"
)

// validTransitions defines the allowed state transitions for stages.
// Any transition not listed here is invalid and will be rejected.
// Terminal states have no outgoing edges.
var validTransitions = map[models.StageStatus]map[models.StageStatus]bool{
	models.StageStatusPending: {
		models.StageStatusInProgress: true,
		models.StageStatusError:      true, // never started: session cancelled or orphaned
	},
	models.StageStatusInProgress: {
		models.StageStatusCompleted: true,
		models.StageStatusError:     true,
	},
}

// CanTransition reports whether current → desired is a permitted stage transition.
func CanTransition(current, desired models.StageStatus) bool {
	allowed, exists := validTransitions[current]
	return exists && allowed[desired]
}

// TransitionStage validates and applies a status change to one stage of a session.
// Returns false, leaving the session untouched, when the transition is invalid.
func TransitionStage(session *models.Session, stage string, desired models.StageStatus) bool {
	current, ok := session.StageStatus[stage]
	if !ok {
		log.Printf("⚠️ [STATE] Stage %s is not in the plan of session %s (rejected)", stage, session.ID)
		return false
	}
	if !CanTransition(current, desired) {
		log.Printf("⚠️ [STATE] Invalid stage transition for %s: %s → %s (rejected)", stage, current, desired)
		return false
	}
	session.StageStatus[stage] = desired
	return true
}

// IsTerminal returns true if the status is a final state.
func IsTerminal(status models.StageStatus) bool {
	return status == models.StageStatusCompleted || status == models.StageStatusError
}
