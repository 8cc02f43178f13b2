package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/dshills/trialguard/internal/batch"
	"github.com/dshills/trialguard/internal/clinical"
	"github.com/dshills/trialguard/internal/config"
	"github.com/dshills/trialguard/internal/engine"
	"github.com/dshills/trialguard/internal/llm"
	"github.com/dshills/trialguard/internal/llmeval"
	"github.com/dshills/trialguard/internal/render"
	"github.com/dshills/trialguard/internal/rules"
	"github.com/dshills/trialguard/internal/schema"
	"github.com/dshills/trialguard/internal/storage"
	"github.com/dshills/trialguard/internal/telemetry"
	"github.com/dshills/trialguard/internal/usage"
	"github.com/dshills/trialguard/internal/verdict"
)

const serviceName = "trialguard"

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// loadConfig reads the environment, applies flag overrides and validates.
func loadConfig(g *globalFlags) (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return cfg, &exitError{code: exitCodeBadInput, err: err}
	}
	if g.rulesDir != "" {
		cfg.RulesDir = g.rulesDir
	}
	if g.dbPath != "" {
		cfg.DBPath = g.dbPath
	}
	if g.resultsDir != "" {
		cfg.ResultsDir = g.resultsDir
	}
	if g.llmMode != "" {
		cfg.LLMMode = strings.ToLower(g.llmMode)
	}
	if g.logLevel != "" {
		cfg.LogLevel = strings.ToLower(g.logLevel)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, &exitError{code: exitCodeBadInput, err: err}
	}
	return cfg, nil
}

// app holds the wired components shared by the commands.
type app struct {
	cfg      config.Config
	logger   *slog.Logger
	db       *storage.DB
	registry *rules.Registry
	data     *clinical.Toolkit
	tracker  *usage.Tracker
	metrics  *prometheus.Registry
	engine   *engine.Engine
	mode     string

	closers []func(context.Context) error
}

// openApp wires storage, rules, the reasoning model and the engine.
func openApp(ctx context.Context, g *globalFlags) (*app, error) {
	cfg, err := loadConfig(g)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: cfg.Logger(), metrics: prometheus.NewRegistry()}
	a.metrics.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	shutdownTrace, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName:    serviceName,
		ServiceVersion: version,
		Stdout:         cfg.TraceStdout,
		Writer:         os.Stderr,
	})
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, shutdownTrace)

	a.db, err = storage.Open(ctx, cfg.DBPath, a.logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.closers = append(a.closers, func(context.Context) error { return a.db.Close() })
	if err := a.db.Migrate(); err != nil {
		a.Close()
		return nil, err
	}

	a.registry, err = openRegistry(cfg, a.logger)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.data = clinical.NewToolkit(a.db.Source())
	a.tracker = usage.NewTracker(usage.Pricing{
		InputPerMillion:  cfg.InputCostPerMillion,
		OutputPerMillion: cfg.OutputCostPerMillion,
	}, usage.WithMetrics(a.metrics))

	reasoner, mode, err := newReasoner(cfg, a.data, a.tracker, a.logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.mode = mode
	a.engine = engine.New(a.registry, a.data, reasoner, engine.WithLogger(a.logger))
	a.logger.Debug("engine ready", "rules", a.registry.Snapshot().Len(), "llm_mode", mode, "db", cfg.DBPath)
	return a, nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	ctx := context.Background()
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			a.logger.Warn("shutdown", "error", err)
		}
	}
	a.closers = nil
}

// newManager builds the batch orchestrator over the app's engine.
func (a *app) newManager() (*batch.Manager, error) {
	store, err := batch.NewFileStore(a.cfg.ResultsDir)
	if err != nil {
		return nil, err
	}
	return batch.NewManager(a.engine, a.data, store, batch.Options{
		Workers:   a.cfg.BatchWorkers,
		MemoryTTL: a.cfg.JobMemoryTTL,
		Retention: a.cfg.Retention(),
		Pricing:   usage.Pricing{InputPerMillion: a.cfg.InputCostPerMillion, OutputPerMillion: a.cfg.OutputCostPerMillion},
		Sink:      a.db,
		Metrics:   a.metrics,
		Logger:    a.logger,
	}), nil
}

func openRegistry(cfg config.Config, logger *slog.Logger) (*rules.Registry, error) {
	reg, err := rules.Open(cfg.RulesDir, logger)
	if err != nil {
		return nil, &exitError{code: exitCodeBadInput, err: err}
	}
	return reg, nil
}

// newReasoner picks the evaluator for llm-tools rules.
func newReasoner(cfg config.Config, data clinical.Access, tracker *usage.Tracker, logger *slog.Logger) (llmeval.Evaluator, string, error) {
	if cfg.UseMock() {
		if cfg.LLMMode == config.ModeAuto {
			logger.Warn("no API key found, llm-tools rules use the mock evaluator", "key", llm.APIKeyEnv(cfg.LLMProvider))
		}
		return llmeval.NewMockEvaluator(data, logger), config.ModeMock, nil
	}
	p, err := llm.NewProvider(llm.ProviderConfig{Name: cfg.LLMProvider, Model: cfg.LLMModel, APIKey: cfg.LLMAPIKey})
	if err != nil {
		return nil, "", fmt.Errorf("create %s provider: %w", cfg.LLMProvider, err)
	}
	return llmeval.NewToolEvaluator(p, data, tracker, llmeval.Options{
		MaxRounds:   cfg.LLMMaxRounds,
		MaxTokens:   cfg.LLMMaxTokens,
		Temperature: cfg.LLMTemperature,
		CallTimeout: cfg.LLMCallTimeout,
	}, logger), config.ModeLive, nil
}

// outputFlags are shared by the commands that print results.
type outputFlags struct {
	format string
	out    string
	failOn string
}

func (o *outputFlags) validate() (threshold schema.Severity, err error) {
	if o.format != "json" && o.format != "md" {
		return "", badInput("--format must be json or md, got %q", o.format)
	}
	if o.failOn == "" {
		return "", nil
	}
	sev, err := schema.ParseSeverity(o.failOn)
	if err != nil {
		return "", badInput("--fail-on: %v", err)
	}
	return sev, nil
}

// writer opens the output destination. The returned close must be called.
func (o *outputFlags) writer(stdout io.Writer) (io.Writer, func() error, error) {
	if o.out == "" || o.out == "-" {
		return stdout, func() error { return nil }, nil
	}
	f, err := os.Create(o.out)
	if err != nil {
		return nil, nil, fmt.Errorf("open output: %w", err)
	}
	return f, f.Close, nil
}

// emit writes either the JSON of v or the markdown md.
func (o *outputFlags) emit(stdout io.Writer, v any, md func() string) (err error) {
	w, closeOut, err := o.writer(stdout)
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, closeOut()) }()
	if o.format == "md" {
		_, err = io.WriteString(w, md())
		return err
	}
	b, err := render.JSON(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}

// failOn reports an exit error when any violation reaches threshold.
func failOn(threshold schema.Severity, vs []schema.Violation) error {
	if threshold == "" || len(vs) == 0 {
		return nil
	}
	worst := verdict.Worst(vs)
	if verdict.SeverityOrdinal(worst) >= verdict.SeverityOrdinal(threshold) {
		return &exitError{code: exitCodeFailOn, err: fmt.Errorf("%d violation(s), worst severity %s (fail-on %s)", len(vs), worst, threshold)}
	}
	return nil
}
