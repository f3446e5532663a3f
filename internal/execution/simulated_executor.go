package execution

import (
	"context"
	"fmt"
	"hash/fnv"
	"time"
)

// SimulatedExecutor produces deterministic placeholder analysis without any
// network access. Used when no LLM provider is configured and in tests.
type SimulatedExecutor struct {
	latency time.Duration
}

// NewSimulatedExecutor creates a simulated executor that sleeps latency per stage
func NewSimulatedExecutor(latency time.Duration) *SimulatedExecutor {
	return &SimulatedExecutor{latency: latency}
}

// Execute waits for the configured latency (or ctx) and returns canned text
func (e *SimulatedExecutor) Execute(ctx context.Context, req StageRequest) (string, error) {
	if tools, ok := stageTools[req.Stage.Name]; ok {
		for _, tc := range tools {
			req.RecordTool(tc.name, tc.args(req.Input))
		}
	}

	if e.latency > 0 {
		timer := time.NewTimer(e.latency)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-timer.C:
		}
	}

	return fmt.Sprintf("%s assessment of %s on %s: %s", req.Stage.Title, req.Input.Ticker, req.Input.Date, e.verdict(req)), nil
}

// verdict picks a stable recommendation from the input so repeated runs agree
func (e *SimulatedExecutor) verdict(req StageRequest) string {
	h := fnv.New32a()
	h.Write([]byte(req.Input.Ticker + req.Input.Date + req.Stage.Name))
	switch h.Sum32() % 3 {
	case 0:
		return "signals lean bullish; recommendation BUY."
	case 1:
		return "signals are mixed; recommendation HOLD."
	default:
		return "signals lean bearish; recommendation SELL."
	}
}
