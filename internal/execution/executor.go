package execution

import (
	"context"
	"fmt"

	"tradingagents/internal/models"
)

// StageOutput is the text a completed stage produced, handed to later stages as context
type StageOutput struct {
	Stage string
	Title string
	Text  string
}

// ToolRecorder records a data tool call against the running session
type ToolRecorder func(name string, args map[string]any)

// StageRequest is everything an executor is given for one stage
type StageRequest struct {
	SessionID string
	Stage     StageDef
	Input     models.AnalysisInput
	// Prior holds outputs of stages that completed before this one started,
	// in completion order.
	Prior []StageOutput
	// RecordTool appends a tool invocation to the session. Never nil.
	RecordTool ToolRecorder
}

// PriorText returns the output of a named earlier stage, or "" if it did not complete
func (r StageRequest) PriorText(stage string) string {
	for _, out := range r.Prior {
		if out.Stage == stage {
			return out.Text
		}
	}
	return ""
}

// StageExecutor produces the content of one stage
type StageExecutor interface {
	Execute(ctx context.Context, req StageRequest) (string, error)
}

// ExecutorFunc adapts a function to the StageExecutor interface
type ExecutorFunc func(ctx context.Context, req StageRequest) (string, error)

// Execute calls f(ctx, req)
func (f ExecutorFunc) Execute(ctx context.Context, req StageRequest) (string, error) {
	return f(ctx, req)
}

// ExecutorRegistry maps stage names to executors, with a fallback for unmapped stages
type ExecutorRegistry struct {
	fallback  StageExecutor
	executors map[string]StageExecutor
}

// NewExecutorRegistry creates a registry that uses fallback for every stage
// without a dedicated executor
func NewExecutorRegistry(fallback StageExecutor) *ExecutorRegistry {
	return &ExecutorRegistry{
		fallback:  fallback,
		executors: make(map[string]StageExecutor),
	}
}

// Get retrieves the executor for a stage
func (r *ExecutorRegistry) Get(stage string) (StageExecutor, error) {
	if exec, ok := r.executors[stage]; ok {
		return exec, nil
	}
	if r.fallback == nil {
		return nil, fmt.Errorf("no executor registered for stage: %s", stage)
	}
	return r.fallback, nil
}

// Register adds a dedicated executor for a stage. Call before any run starts.
func (r *ExecutorRegistry) Register(stage string, executor StageExecutor) {
	r.executors[stage] = executor
}
