package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/strandlabs/sovereign/internal/agent"
	"github.com/strandlabs/sovereign/internal/agent/checkpoint"
	"github.com/strandlabs/sovereign/internal/agent/routing"
	"github.com/strandlabs/sovereign/internal/backend"
	"github.com/strandlabs/sovereign/internal/backend/providers"
	"github.com/strandlabs/sovereign/internal/config"
	"github.com/strandlabs/sovereign/internal/memory"
	"github.com/strandlabs/sovereign/internal/observability"
	"github.com/strandlabs/sovereign/internal/sandbox"
)

// loadConfig reads the config file when one is given, defaults otherwise.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

// buildOrchestrator wires an orchestrator from configuration. The returned
// shutdown function flushes telemetry and closes the orchestrator.
func buildOrchestrator(cfg *config.Config, checkpointDir string) (*agent.Orchestrator, func(context.Context) error, error) {
	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: os.Stderr,
	})

	tracer, flushTraces := observability.NewTracer(observability.TraceConfig{
		ServiceName:  cfg.Telemetry.ServiceName,
		Endpoint:     cfg.Telemetry.OTLPEndpoint,
		SamplingRate: cfg.Telemetry.SamplingRate,
		Insecure:     cfg.Telemetry.Insecure,
	})

	var mem memory.Adapter
	switch cfg.Memory.Driver {
	case "inmem":
		mem = memory.NewInMemoryAdapter()
	case "sqlite":
		mem = memory.NewSQLiteAdapter(cfg.Memory.Path)
	}

	var sbx sandbox.Manager
	if cfg.Sandbox.Enabled {
		sbx = sandbox.NewLocalManager(
			sandbox.WithWorkDir(cfg.Sandbox.WorkDir),
			sandbox.WithTimeout(cfg.Sandbox.DefaultTimeout),
			sandbox.WithLogger(logger),
		)
	}

	var ckpts checkpoint.Store
	if checkpointDir != "" {
		store, err := checkpoint.NewFileStore(checkpointDir)
		if err != nil {
			return nil, nil, fmt.Errorf("checkpoint store: %w", err)
		}
		ckpts = store
	}

	orch := agent.New(agent.Config{
		Backends:           backend.NewCache(providers.Factory(cfg.Providers)),
		DefaultProvider:    cfg.Providers.Default,
		Memory:             mem,
		Sandbox:            sbx,
		InjectionDetection: true,
		RoutingEnabled:     cfg.Routing.Enabled,
		AutoSelectModel:    cfg.Routing.AutoSelectModel,
		PreferLocal:        cfg.Routing.PreferLocal,
		Budget: routing.Budget{
			MaxCostPerRun:  cfg.Budget.MaxCostPerRun,
			MaxCostPerHour: cfg.Budget.MaxCostPerHour,
			MaxCostPerDay:  cfg.Budget.MaxCostPerDay,
		},
		Checkpoints: ckpts,
		Logger:      logger,
		Metrics:     observability.NewMetrics(prometheus.NewRegistry()),
		Tracer:      tracer,
	})

	shutdown := func(ctx context.Context) error {
		err := orch.Close(ctx)
		if flushErr := flushTraces(ctx); err == nil {
			err = flushErr
		}
		return err
	}
	return orch, shutdown, nil
}

func runAgent(ctx context.Context, flags runFlags, input string) error {
	cfg, err := loadConfig(flags.configPath)
	if err != nil {
		return err
	}

	orch, shutdown, err := buildOrchestrator(cfg, flags.checkpointDir)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			slog.Warn("shutdown failed", "error", err)
		}
	}()

	ag := &agent.Agent{
		ID:            "cli",
		Instructions:  flags.instructions,
		Model:         flags.model,
		MaxIterations: flags.maxIterations,
	}
	if err := ag.Validate(); err != nil {
		return err
	}

	opts := &agent.RunOptions{
		Input:             input,
		ThreadID:          flags.threadID,
		ParallelToolCalls: flags.parallelTools,
	}
	if flags.threadID == "" {
		opts.WithoutMemory()
	}
	if flags.stream {
		opts.Stream = true
		opts.OnToken = func(token string) { fmt.Print(token) }
	}

	result, err := orch.Run(ctx, ag, opts)
	if err != nil {
		return err
	}

	if flags.asJSON {
		data, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	}

	if flags.stream {
		fmt.Println()
	} else {
		fmt.Println(result.Output)
	}
	fmt.Fprintf(os.Stderr, "\n[%s] %d tokens, $%.4f, %s\n",
		result.ModelUsed, result.Usage.TotalTokens, result.Usage.Cost, result.Usage.Duration)
	return nil
}

func estimateRun(configPath, model, input string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	orch, shutdown, err := buildOrchestrator(cfg, "")
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			slog.Warn("shutdown failed", "error", err)
		}
	}()

	estimate := orch.EstimateCost(&agent.Agent{ID: "cli", Model: model}, input)
	fmt.Printf("expected: $%.4f  (range $%.4f - $%.4f, confidence %.0f%%)\n",
		estimate.ExpectedCost, estimate.MinCost, estimate.MaxCost, estimate.Confidence*100)
	for _, warning := range estimate.Warnings {
		fmt.Printf("warning: %s\n", warning)
	}
	return nil
}

func validateConfig(path string) error {
	if _, err := config.Load(path); err != nil {
		return err
	}
	fmt.Printf("%s: OK\n", path)
	return nil
}
