package execution

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"tradingagents/internal/models"
)

// ChatMessage is one message of a chat completion request
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatCompleter runs a chat completion against the configured LLM backend
type ChatCompleter interface {
	Complete(ctx context.Context, tier models.ModelTier, messages []ChatMessage) (string, error)
}

// ToolCaller invokes a market-data or news tool by name
type ToolCaller interface {
	CallTool(ctx context.Context, name string, args map[string]any) (models.ToolResult, error)
}

// toolCall is a tool the agent gathers before prompting the model
type toolCall struct {
	name string
	args func(input models.AnalysisInput) map[string]any
}

func symbolArgs(input models.AnalysisInput) map[string]any {
	return map[string]any{"symbol": input.Ticker}
}

func withDays(days int) func(models.AnalysisInput) map[string]any {
	return func(input models.AnalysisInput) map[string]any {
		return map[string]any{"symbol": input.Ticker, "days": days}
	}
}

func noArgs(models.AnalysisInput) map[string]any {
	return map[string]any{}
}

// stageTools lists the data each analyst collects. Stages not listed reason only
// over earlier stages' output.
var stageTools = map[string][]toolCall{
	StageMarket: {
		{name: "get_crypto_market_data", args: symbolArgs},
		{name: "calculate_crypto_indicators", args: withDays(30)},
	},
	StageSocial: {
		{name: "get_crypto_social_sentiment", args: symbolArgs},
		{name: "get_market_fear_greed_index", args: noArgs},
	},
	StageNews: {
		{name: "get_crypto_news", args: withDays(7)},
		{name: "analyze_crypto_news_sentiment", args: withDays(7)},
	},
	StageFundamentals: {
		{name: "get_crypto_market_data", args: symbolArgs},
		{name: "get_crypto_price_data", args: withDays(30)},
	},
}

var stageRoles = map[string]string{
	StageMarket:              "You are a market analyst. Assess price action, trend and technical indicators (RSI, MACD, moving averages, Bollinger bands) and summarize what they imply for the next trading period.",
	StageSocial:              "You are a social media and sentiment analyst. Assess community sentiment and the fear & greed index and explain how crowd psychology could move the price.",
	StageNews:                "You are a news analyst. Summarize the most relevant recent headlines, their sentiment and their likely market impact.",
	StageFundamentals:        "You are a fundamentals analyst. Assess market capitalization, supply, volume, liquidity and long-term price history.",
	StageBullResearcher:      "You are a bull researcher. Build the strongest evidence-based case for investing, rebutting the bearish concerns raised in the analyst reports.",
	StageBearResearcher:      "You are a bear researcher. Build the strongest evidence-based case against investing, highlighting risks and rebutting the bull case.",
	StageResearchManager:     "You are the research manager. Weigh the bull and bear arguments, decide Buy, Sell or Hold, and write an investment plan with rationale and strategic actions.",
	StageTrader:              "You are a trader. Turn the investment plan into a concrete trading plan with entry, position size, stop loss and take profit. End with FINAL TRANSACTION PROPOSAL: **BUY/HOLD/SELL**.",
	StageAggressiveAnalyst:   "You are an aggressive risk analyst. Champion high-reward opportunities in the trader's plan and argue for bold positioning.",
	StageConservativeAnalyst: "You are a conservative risk analyst. Protect capital: identify downside risks in the trader's plan and argue for tighter risk controls.",
	StageNeutralAnalyst:      "You are a neutral risk analyst. Balance potential rewards against risks and recommend a moderate adjustment of the trader's plan.",
	StagePortfolioManager:    "You are the portfolio manager. Judge the risk debate, refine the trader's plan and issue the final decision. Begin with a clear recommendation: Buy, Sell or Hold.",
}

// AgentExecutor produces stage content by gathering tool data and asking an LLM
type AgentExecutor struct {
	llm         ChatCompleter
	tools       ToolCaller
	tradingMode string
}

// NewAgentExecutor creates an agent executor. tools may be nil, in which case
// analysts reason without market data.
func NewAgentExecutor(llm ChatCompleter, tools ToolCaller, tradingMode string) *AgentExecutor {
	if tradingMode == "" {
		tradingMode = "crypto"
	}
	return &AgentExecutor{llm: llm, tools: tools, tradingMode: tradingMode}
}

// Execute gathers the stage's data, records each tool call on the session and
// returns the model's answer
func (e *AgentExecutor) Execute(ctx context.Context, req StageRequest) (string, error) {
	role, ok := stageRoles[req.Stage.Name]
	if !ok {
		return "", fmt.Errorf("no agent role defined for stage: %s", req.Stage.Name)
	}

	var data strings.Builder
	if e.tools != nil {
		for _, tc := range stageTools[req.Stage.Name] {
			args := tc.args(req.Input)
			req.RecordTool(tc.name, args)

			result, err := e.tools.CallTool(ctx, tc.name, args)
			if err != nil {
				if ctx.Err() != nil {
					return "", ctx.Err()
				}
				fmt.Fprintf(&data, "### %s\nunavailable: %v\n\n", tc.name, err)
				continue
			}
			payload, _ := json.MarshalIndent(result, "", "  ")
			fmt.Fprintf(&data, "### %s\n```json\n%s\n```\n\n", tc.name, truncateString(string(payload), 6000))
		}
	}

	messages := []ChatMessage{
		{Role: "system", Content: e.systemPrompt(role, req)},
		{Role: "user", Content: e.userPrompt(req, data.String())},
	}

	answer, err := e.llm.Complete(ctx, req.Stage.Tier, messages)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(answer), nil
}

func (e *AgentExecutor) systemPrompt(role string, req StageRequest) string {
	asset := "cryptocurrency"
	if e.tradingMode == "stocks" {
		asset = "stock"
	}
	return fmt.Sprintf("%s\nYou are part of a trading firm analyzing the %s %s as of %s. Write in Markdown, be specific and cite the data you were given.",
		role, asset, req.Input.Ticker, req.Input.Date)
}

func (e *AgentExecutor) userPrompt(req StageRequest, data string) string {
	var b strings.Builder
	if data != "" {
		b.WriteString("## Data\n\n")
		b.WriteString(data)
	}
	if len(req.Prior) > 0 {
		b.WriteString("## Reports from earlier stages\n\n")
		for _, out := range req.Prior {
			fmt.Fprintf(&b, "### %s\n%s\n\n", out.Title, out.Text)
		}
	}
	fmt.Fprintf(&b, "Write your %s report for %s.", strings.ToLower(req.Stage.Title), req.Input.Ticker)
	return b.String()
}
