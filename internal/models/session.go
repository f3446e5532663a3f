package models

import (
	"time"
)

// StageStatus is the lifecycle state of a single pipeline stage
type StageStatus string

const (
	StageStatusPending    StageStatus = "pending"
	StageStatusInProgress StageStatus = "in_progress"
	StageStatusCompleted  StageStatus = "completed"
	StageStatusError      StageStatus = "error"
)

// EventKind classifies entries in a session's event log
type EventKind string

const (
	EventKindSystem    EventKind = "system"
	EventKindReasoning EventKind = "reasoning"
	EventKindTool      EventKind = "tool"
	EventKindResult    EventKind = "result"
)

// Section keys. This is a closed set; one key per section-producing stage.
const (
	SectionMarket        = "market_report"
	SectionSentiment     = "sentiment_report"
	SectionNews          = "news_report"
	SectionFundamentals  = "fundamentals_report"
	SectionInvestment    = "investment_plan"
	SectionTraderPlan    = "trader_investment_plan"
	SectionFinalDecision = "final_trade_decision"
)

// AnalysisInput is the subject of an analysis session
type AnalysisInput struct {
	Ticker string `json:"ticker"` // Asset identifier, e.g. "BTC"
	Date   string `json:"date"`   // Reference date, YYYY-MM-DD
}

// LogEntry is one append-only event in a session's log
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Kind      EventKind `json:"kind"`
	Text      string    `json:"text"`
}

// ToolInvocation records a data tool call made on behalf of a stage
type ToolInvocation struct {
	Timestamp time.Time      `json:"timestamp"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// Session is the mutable record of one pipeline run.
// It is only ever mutated through the session store, which serializes writers.
type Session struct {
	ID             string
	Input          AnalysisInput
	SelectedStages []string
	Plan           []string
	StageStatus    map[string]StageStatus
	EventLog       []LogEntry
	ToolCalls      []ToolInvocation
	Sections       map[string]string
	CurrentReport  string
	FinalReport    string
	HasFinalReport bool
	IsComplete     bool
	Version        int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
	CompletedAt    *time.Time
}

// NewSession creates a session with every plan stage pending
func NewSession(id string, input AnalysisInput, selected, plan []string) *Session {
	now := time.Now()
	status := make(map[string]StageStatus, len(plan))
	for _, stage := range plan {
		status[stage] = StageStatusPending
	}
	return &Session{
		ID:             id,
		Input:          input,
		SelectedStages: append([]string(nil), selected...),
		Plan:           append([]string(nil), plan...),
		StageStatus:    status,
		EventLog:       make([]LogEntry, 0, 32),
		ToolCalls:      make([]ToolInvocation, 0, 8),
		Sections:       make(map[string]string),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// AppendEvent appends an entry to the event log and returns it
func (s *Session) AppendEvent(kind EventKind, text string) LogEntry {
	entry := LogEntry{Timestamp: time.Now(), Kind: kind, Text: text}
	s.EventLog = append(s.EventLog, entry)
	return entry
}

// RecordToolCall appends a tool invocation and its mirrored "tool" event
func (s *Session) RecordToolCall(name string, args map[string]any) LogEntry {
	call := ToolInvocation{Timestamp: time.Now(), Name: name, Arguments: copyArgs(args)}
	s.ToolCalls = append(s.ToolCalls, call)
	entry := LogEntry{Timestamp: call.Timestamp, Kind: EventKindTool, Text: FormatToolCall(name, args)}
	s.EventLog = append(s.EventLog, entry)
	return entry
}

// AllStagesTerminal reports whether every plan stage has reached completed or error
func (s *Session) AllStagesTerminal() bool {
	for _, stage := range s.Plan {
		st := s.StageStatus[stage]
		if st != StageStatusCompleted && st != StageStatusError {
			return false
		}
	}
	return true
}

// Snapshot returns a deep copy safe to hand to readers
func (s *Session) Snapshot() *SessionSnapshot {
	snap := &SessionSnapshot{
		SessionID:       s.ID,
		Input:           s.Input,
		SelectedStages:  append([]string{}, s.SelectedStages...),
		Plan:            append([]string{}, s.Plan...),
		StageStatus:     make(map[string]StageStatus, len(s.StageStatus)),
		EventLog:        append([]LogEntry{}, s.EventLog...),
		ToolInvocations: make([]ToolInvocation, len(s.ToolCalls)),
		Sections:        make(map[string]string, len(s.Sections)),
		CurrentReport:   s.CurrentReport,
		IsComplete:      s.IsComplete,
		Version:         s.Version,
		CreatedAt:       s.CreatedAt,
		UpdatedAt:       s.UpdatedAt,
		FailedStages:    []string{},
	}
	for k, v := range s.StageStatus {
		snap.StageStatus[k] = v
	}
	for i, call := range s.ToolCalls {
		snap.ToolInvocations[i] = ToolInvocation{Timestamp: call.Timestamp, Name: call.Name, Arguments: copyArgs(call.Arguments)}
	}
	for k, v := range s.Sections {
		snap.Sections[k] = v
	}
	for _, stage := range s.Plan {
		if s.StageStatus[stage] == StageStatusError {
			snap.FailedStages = append(snap.FailedStages, stage)
		}
	}
	snap.HasErrors = len(snap.FailedStages) > 0
	if s.HasFinalReport {
		report := s.FinalReport
		snap.FinalReport = &report
	}
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		snap.CompletedAt = &t
	}
	return snap
}

// SessionSnapshot is the read-consistent view returned to pollers
type SessionSnapshot struct {
	SessionID       string                 `json:"session_id"`
	Input           AnalysisInput          `json:"input"`
	SelectedStages  []string               `json:"selected_stages"`
	Plan            []string               `json:"plan"`
	StageStatus     map[string]StageStatus `json:"stage_status"`
	EventLog        []LogEntry             `json:"event_log"`
	ToolInvocations []ToolInvocation       `json:"tool_invocations"`
	Sections        map[string]string      `json:"sections"`
	CurrentReport   string                 `json:"current_report,omitempty"`
	FinalReport     *string                `json:"final_report,omitempty"`
	IsComplete      bool                   `json:"is_complete"`
	HasErrors       bool                   `json:"has_errors"`
	FailedStages    []string               `json:"failed_stages"`
	Version         int64                  `json:"version"`
	CreatedAt       time.Time              `json:"created_at"`
	UpdatedAt       time.Time              `json:"updated_at"`
	CompletedAt     *time.Time             `json:"completed_at,omitempty"`
}

// CreateSessionRequest is the body of POST /api/sessions
type CreateSessionRequest struct {
	Input          AnalysisInput `json:"input"`
	SelectedStages []string      `json:"selected_stages"`
}

// CreateSessionResponse is returned once the session is allocated
type CreateSessionResponse struct {
	SessionID string `json:"session_id"`
}

func copyArgs(args map[string]any) map[string]any {
	if args == nil {
		return nil
	}
	out := make(map[string]any, len(args))
	for k, v := range args {
		out[k] = v
	}
	return out
}
