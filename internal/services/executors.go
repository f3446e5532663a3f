package services

import (
	"log"
	"time"

	"tradingagents/internal/execution"
)

// Executor modes
const (
	ExecutorModeAgent     = "agent"
	ExecutorModeSimulated = "simulated"
)

// ResolveExecutorMode picks the stage executor. An explicit mode wins;
// otherwise agents are used when an LLM provider is configured.
func ResolveExecutorMode(requested string, providers *ProviderService) string {
	switch requested {
	case ExecutorModeAgent, ExecutorModeSimulated:
		return requested
	case "":
	default:
		log.Printf("⚠️ Unknown EXECUTOR_MODE %q, choosing automatically", requested)
	}
	if providers != nil && providers.Available() {
		return ExecutorModeAgent
	}
	return ExecutorModeSimulated
}

// NewStageExecutors builds the executor registry for a mode. llm and tools
// are only used in agent mode.
func NewStageExecutors(mode string, llm *LLMService, tools *ToolClient, tradingMode string, simulatedLatency time.Duration) *execution.ExecutorRegistry {
	if mode == ExecutorModeAgent {
		log.Printf("🤖 [RUNNER] Using LLM agents for all stages (%s mode)", tradingMode)
		return execution.NewExecutorRegistry(execution.NewAgentExecutor(llm, tools, tradingMode))
	}
	log.Printf("🧪 [RUNNER] No LLM provider in use, stages produce simulated output (latency %s)", simulatedLatency)
	return execution.NewExecutorRegistry(execution.NewSimulatedExecutor(simulatedLatency))
}
