package cmd

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/blackbox-cli/api/schemas"
	"github.com/xkilldash9x/blackbox-cli/internal/agent"
	"github.com/xkilldash9x/blackbox-cli/internal/browser"
	"github.com/xkilldash9x/blackbox-cli/internal/config"
	"github.com/xkilldash9x/blackbox-cli/internal/findings"
	"github.com/xkilldash9x/blackbox-cli/internal/keypool"
	"github.com/xkilldash9x/blackbox-cli/internal/llmclient"
	"github.com/xkilldash9x/blackbox-cli/internal/observability"
	"github.com/xkilldash9x/blackbox-cli/internal/reporting"
	"github.com/xkilldash9x/blackbox-cli/internal/trajectory"
)

// newHuntCmd creates and configures the `hunt` command.
func newHuntCmd() *cobra.Command {
	huntCmd := &cobra.Command{
		Use:   "hunt [target]",
		Short: "Runs an autonomous vulnerability hunt against the target",
		Args:  cobra.MaximumNArgs(1),
		PreRunE: func(cmd *cobra.Command, args []string) error {
			// Bind flags to their viper keys so command-line values override
			// the config file and environment with the right precedence.
			if err := viper.BindPFlag("agent.max_steps", cmd.Flags().Lookup("steps")); err != nil {
				return err
			}
			if err := viper.BindPFlag("agent.demo_mode", cmd.Flags().Lookup("demo")); err != nil {
				return err
			}
			if err := viper.BindPFlag("browser.headless", cmd.Flags().Lookup("headless")); err != nil {
				return err
			}
			return viper.BindPFlags(cmd.Flags())
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			// Use the context passed from main.go (signal-aware).
			ctx := cmd.Context()
			logger := observability.GetLogger()

			cfg, err := config.NewConfigFromViper(viper.GetViper())
			if err != nil {
				return fmt.Errorf("failed to load config with flag overrides: %w", err)
			}

			if len(args) > 0 {
				cfg.Target.URL = args[0]
			}
			if cfg.Target.URL == "" {
				return fmt.Errorf("no target specified: pass one as an argument or set target.url")
			}
			if !strings.HasPrefix(cfg.Target.URL, "http://") && !strings.HasPrefix(cfg.Target.URL, "https://") {
				cfg.Target.URL = "http://" + cfg.Target.URL
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			if len(cfg.LLM.APIKeys) == 0 {
				return fmt.Errorf("no API keys configured: set GOOGLE_API_KEY (and optionally GOOGLE_API_KEY_2..9)")
			}

			runID := uuid.New().String()
			outputDir := filepath.Join(viper.GetString("output"), runID)

			logger.Info("Starting hunt",
				zap.String("run_id", runID),
				zap.String("target", cfg.Target.URL),
				zap.Int("step_budget", cfg.Agent.StepBudget()),
				zap.Bool("demo_mode", cfg.Agent.DemoMode),
				zap.Int("api_keys", len(cfg.LLM.APIKeys)))

			result, err := runHunt(ctx, cfg, runID, outputDir, logger)
			if err != nil {
				if errors.Is(err, context.Canceled) {
					logger.Warn("Hunt aborted gracefully", zap.String("run_id", runID))
					return fmt.Errorf("hunt aborted by user signal")
				}
				return err
			}

			fmt.Printf("\nHunt complete: %s\n", result.Reason)
			fmt.Printf("Steps: %d  Cumulative reward: %.2f  Findings: %d\n",
				len(result.Steps), result.CumulativeReward, len(result.Findings))
			fmt.Printf("Report: %s\n", filepath.Join(outputDir, "report.md"))
			return nil
		},
	}

	huntCmd.Flags().IntP("steps", "s", 0, "Maximum loop iterations. (Overrides config/env)")
	huntCmd.Flags().Bool("headless", true, "Run the browser headless. (Overrides config/env)")
	huntCmd.Flags().Bool("demo", false, "Demo mode: tighter step budget for live runs. (Overrides config/env)")
	huntCmd.Flags().StringP("output", "o", "reports", "Directory for run reports.")

	return huntCmd
}

// huntComponents holds the initialized services for one run.
type huntComponents struct {
	pool      *keypool.Pool
	llm       schemas.LLMClient
	session   *browser.Session
	dbPool    *pgxpool.Pool
	collector *findings.Collector
	recorder  *trajectory.Recorder
	machine   *agent.Machine
	input     chan schemas.Finding
}

// shutdown releases everything the run acquired, in reverse order.
func (hc *huntComponents) shutdown(logger *zap.Logger) {
	if hc.collector != nil {
		hc.collector.Stop()
	}
	if hc.session != nil {
		hc.session.Close()
	}
	if hc.llm != nil {
		if err := hc.llm.Close(); err != nil {
			logger.Warn("Error closing LLM client", zap.Error(err))
		}
	}
	if hc.dbPool != nil {
		hc.dbPool.Close()
	}
}

// runHunt wires the components, drives the machine and writes the reports.
func runHunt(ctx context.Context, cfg *config.Config, runID, outputDir string, logger *zap.Logger) (*agent.RunResult, error) {
	hc, err := initializeHuntComponents(ctx, cfg, runID, logger)
	if err != nil {
		if hc != nil {
			hc.shutdown(logger)
		}
		return nil, fmt.Errorf("failed to initialize hunt components: %w", err)
	}

	var g errgroup.Group
	collectorCtx, stopCollector := context.WithCancel(context.Background())
	g.Go(func() error {
		hc.collector.Start(collectorCtx)
		return nil
	})

	result, runErr := hc.machine.Run(ctx, runID, cfg.Target.URL)

	hc.shutdown(logger)
	stopCollector()
	if err := g.Wait(); err != nil {
		logger.Warn("Findings collector exited abnormally", zap.Error(err))
	}

	// The report is written even for fatal and partial runs; whatever was
	// confirmed before the failure is still worth keeping.
	reporter, repErr := reporting.NewReporter(outputDir, logger)
	if repErr == nil {
		_, repErr = reporter.Write(result)
	}
	if repErr != nil {
		logger.Error("Failed to write report", zap.Error(repErr))
	}

	if runErr != nil {
		return result, fmt.Errorf("hunt failed: %w", runErr)
	}
	return result, nil
}

// initializeHuntComponents handles dependency injection for a run.
func initializeHuntComponents(ctx context.Context, cfg *config.Config, runID string, logger *zap.Logger) (*huntComponents, error) {
	hc := &huntComponents{}

	// 1. API key pool and LLM client.
	pool, err := keypool.New(cfg.LLM.APIKeys, cfg.LLM.RequestsPerWindow, cfg.LLM.Window, logger)
	if err != nil {
		return hc, fmt.Errorf("failed to initialize key pool: %w", err)
	}
	hc.pool = pool

	llm, err := llmclient.New(cfg.LLM, pool, logger)
	if err != nil {
		return hc, fmt.Errorf("failed to initialize LLM client: %w", err)
	}
	hc.llm = llm

	// 2. Browser session.
	session, err := browser.NewSession(ctx, cfg.Browser, logger)
	if err != nil {
		return hc, fmt.Errorf("failed to launch browser: %w", err)
	}
	hc.session = session

	// 3. Optional database for findings persistence.
	if cfg.Database.URL != "" {
		dbPool, err := pgxpool.New(ctx, cfg.Database.URL)
		if err != nil {
			return hc, fmt.Errorf("failed to connect to database: %w", err)
		}
		hc.dbPool = dbPool
	}

	hc.input = make(chan schemas.Finding, 64)
	hc.collector = findings.NewCollector(hc.input, hc.dbPool, logger, cfg.Findings)

	// 4. Trajectory recorder.
	recorder, err := trajectory.New(cfg.Trajectory.Dir, runID, cfg.Target.URL, logger)
	if err != nil {
		return hc, fmt.Errorf("failed to initialize trajectory recorder: %w", err)
	}
	hc.recorder = recorder

	// 5. The agent loop.
	policy := agent.NewPolicy(llm, cfg.Agent, cfg.Target.Routes, logger)
	executor := agent.NewExecutor(session, cfg.Browser.PostActionWait, logger)
	evaluator := agent.NewEvaluator(runID, llm, cfg.LLM.JudgeEnabled, logger)
	hc.machine = agent.NewMachine(cfg.Agent, policy, executor, evaluator, recorder, hc.input, logger)

	return hc, nil
}
