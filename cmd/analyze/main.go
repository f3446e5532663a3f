package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"tradingagents/internal/config"
	"tradingagents/internal/execution"
	"tradingagents/internal/logging"
	"tradingagents/internal/models"
	"tradingagents/internal/services"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	date      string
	stages    []string
	outputDir string
	simulated bool
)

var rootCmd = &cobra.Command{
	Use:   "analyze <ticker> [ticker...]",
	Short: "Run trading analyses from the command line",
	Long: `Runs one analysis session per ticker in-process and prints each
portfolio decision followed by a summary.

Examples:
  analyze BTC ETH
  analyze BTC --date 2024-01-01 --stages social,news
  analyze SOL --output-dir ./reports --simulated`,
	Args: cobra.MinimumNArgs(1),
	RunE: runAnalyze,
}

func init() {
	rootCmd.Flags().StringVar(&date, "date", "", "Analysis date, YYYY-MM-DD (default today)")
	rootCmd.Flags().StringSliceVar(&stages, "stages", []string{"social", "news", "fundamentals"}, "Optional analyst stages to run")
	rootCmd.Flags().StringVar(&outputDir, "output-dir", "", "Write each final report to <dir>/<ticker>_<date>.md")
	rootCmd.Flags().BoolVar(&simulated, "simulated", false, "Use simulated stage output instead of an LLM")
}

type result struct {
	ticker   string
	id       string
	decision string
	failed   []string
	elapsed  time.Duration
	err      error
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	godotenv.Load()
	logging.Init()
	cfg := config.Load()

	providers, err := services.NewProviderService(cfg.ProvidersFile, cfg.EnvProvider())
	if err != nil {
		return fmt.Errorf("failed to load providers: %w", err)
	}
	requested := cfg.ExecutorMode
	if simulated {
		requested = services.ExecutorModeSimulated
	}
	mode := services.ResolveExecutorMode(requested, providers)

	llm := services.NewLLMService(providers, nil)
	tools := services.NewToolClient(services.ToolClientConfig{
		CryptoServerURL: cfg.CryptoServerURL,
		NewsServerURL:   cfg.NewsServerURL,
		DefaultTTL:      cfg.CacheTTL,
		RatePerSecond:   cfg.ToolRateLimit,
	}, nil, nil)

	store := services.NewSessionStore()
	runner := execution.NewRunner(store, services.NewStageExecutors(mode, llm, tools, cfg.TradingMode, cfg.SimulatedLatency), execution.RunnerOptions{
		StageTimeout: cfg.StageTimeout,
		StageDelay:   cfg.StageDelay,
		Concurrency:  cfg.AnalystConcurrency,
	})
	sessions := services.NewSessionService(store, runner, execution.NewRunnerTracker(), nil, cfg.SupportedAssets)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Printf("📈 Analyzing %s (executor: %s, stages: %s)\n\n", strings.Join(args, ", "), mode, strings.Join(stages, ","))

	results := make([]result, len(args))
	for i, ticker := range args {
		results[i].ticker = strings.ToUpper(ticker)
		id, err := sessions.Create(models.CreateSessionRequest{
			Input:          models.AnalysisInput{Ticker: ticker, Date: date},
			SelectedStages: stages,
		})
		if err != nil {
			results[i].err = err
			continue
		}
		results[i].id = id
	}

	for i := range results {
		r := &results[i]
		if r.err != nil {
			fmt.Printf("❌ %s: %v\n\n", r.ticker, r.err)
			continue
		}
		snap, err := waitForSession(ctx, sessions, r.id)
		if err != nil {
			sessions.Shutdown(0)
			return err
		}
		r.elapsed = snap.CompletedAt.Sub(snap.CreatedAt)
		r.failed = snap.FailedStages
		r.decision = extractDecision(snap.Sections[models.SectionFinalDecision])
		printResult(r, snap)

		if outputDir != "" {
			if err := writeReport(outputDir, snap); err != nil {
				fmt.Printf("⚠️  Failed to write report for %s: %v\n", r.ticker, err)
			}
		}
	}

	printSummary(results)
	return nil
}

// waitForSession blocks until the session completes. On interrupt the session
// is cancelled and its partial report is still returned.
func waitForSession(ctx context.Context, sessions *services.SessionService, id string) (*models.SessionSnapshot, error) {
	cancelled := false
	for {
		snap, changed, err := sessions.Watch(id)
		if err != nil {
			return nil, err
		}
		if snap.IsComplete {
			return snap, nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			if !cancelled {
				fmt.Println("\n🛑 Interrupted, cancelling running analyses...")
				sessions.Cancel(id)
				cancelled = true
			}
			<-changed
		}
	}
}

// extractDecision finds the first BUY, SELL or HOLD in the portfolio decision
func extractDecision(text string) string {
	upper := strings.ToUpper(text)
	best, bestIdx := "UNKNOWN", -1
	for _, d := range []string{"BUY", "SELL", "HOLD"} {
		if idx := strings.Index(upper, d); idx >= 0 && (bestIdx < 0 || idx < bestIdx) {
			best, bestIdx = d, idx
		}
	}
	return best
}

func printResult(r *result, snap *models.SessionSnapshot) {
	fmt.Printf("═══ %s (%s) ═══\n", snap.Input.Ticker, snap.Input.Date)
	for _, stage := range snap.Plan {
		mark := "✅"
		if snap.StageStatus[stage] == models.StageStatusError {
			mark = "❌"
		}
		fmt.Printf("  %s %s\n", mark, stage)
	}
	fmt.Printf("  Decision: %s (%s)\n\n", r.decision, r.elapsed.Round(time.Millisecond))
}

func printSummary(results []result) {
	fmt.Println("📊 Summary")
	for _, r := range results {
		switch {
		case r.err != nil:
			fmt.Printf("  %-8s ERROR    %v\n", r.ticker, r.err)
		case len(r.failed) > 0:
			fmt.Printf("  %-8s %-8s %d stage(s) failed: %s\n", r.ticker, r.decision, len(r.failed), strings.Join(r.failed, ", "))
		default:
			fmt.Printf("  %-8s %-8s\n", r.ticker, r.decision)
		}
	}
}

func writeReport(dir string, snap *models.SessionSnapshot) error {
	if snap.FinalReport == nil {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(dir, fmt.Sprintf("%s_%s.md", snap.Input.Ticker, snap.Input.Date))
	if err := os.WriteFile(path, []byte(*snap.FinalReport), 0o644); err != nil {
		return err
	}
	fmt.Printf("📝 Report written to %s\n\n", path)
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
