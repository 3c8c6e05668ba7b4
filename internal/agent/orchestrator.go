package agent

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/strandlabs/sovereign/internal/agent/checkpoint"
	"github.com/strandlabs/sovereign/internal/agent/guard"
	"github.com/strandlabs/sovereign/internal/agent/routing"
	"github.com/strandlabs/sovereign/internal/backend"
	"github.com/strandlabs/sovereign/internal/memory"
	"github.com/strandlabs/sovereign/internal/observability"
	"github.com/strandlabs/sovereign/internal/sandbox"
	"github.com/strandlabs/sovereign/pkg/models"
)

// Config wires the orchestrator's collaborators. Every field is optional;
// a zero Config yields an orchestrator that can run agents against any
// backend registered on its cache, with memory, sandbox, guardrails,
// routing, and checkpointing all disabled.
type Config struct {
	// Backends resolves providers to backend adapters. When nil an empty
	// cache is created; register backends via Backends().Register.
	Backends *backend.Cache

	// DefaultProvider is consulted by provider resolution after the agent's
	// explicit provider and the model prefix.
	DefaultProvider string

	// Memory persists conversation turns. Connected lazily on first run.
	Memory memory.Adapter

	// Composer, when set, replaces the builder's plain history splice.
	Composer ContextComposer

	// Sandbox executes tools carrying a sandbox descriptor.
	Sandbox sandbox.Manager

	// Guardrails is the initial policy layer; SetConstitution replaces it.
	Guardrails guard.Guardrails

	// InjectionDetection classifies user input before the first iteration.
	InjectionDetection bool

	// RoutingEnabled turns on budget enforcement and cost recording;
	// AutoSelectModel additionally lets the router pick the model.
	RoutingEnabled  bool
	AutoSelectModel bool
	PreferLocal     bool
	Budget          routing.Budget

	// Catalog supplies model metadata and pricing. Defaults to the builtin.
	Catalog *routing.Catalog

	// ContextManager compresses transcripts that outgrow the model window.
	ContextManager ContextManager

	// NewReflector creates a run-scoped reflection engine; nil disables
	// reflection.
	NewReflector func() Reflector

	// Checkpoints stores per-step snapshots; nil disables checkpointing.
	Checkpoints checkpoint.Store

	// Executor bounds tool execution; nil uses DefaultExecutorConfig.
	Executor *ExecutorConfig

	Logger  *slog.Logger
	Metrics *observability.Metrics
	Tracer  *observability.Tracer
}

// Orchestrator drives agent runs: the bounded, cancellable, observable loop
// of prompt, model reply, tool fan-out, and result folding. One orchestrator
// serves many concurrent runs; runs share the backend cache, memory adapter,
// router ledger, and guardrails, and own everything else.
type Orchestrator struct {
	backends        *backend.Cache
	defaultProvider string

	memory   memory.Adapter
	composer ContextComposer
	memOnce  sync.Once
	memErr   error

	guardMu    sync.RWMutex
	guardrails guard.Guardrails

	injector *guard.InjectionDetector

	routingOn  bool
	autoSelect bool
	router     *routing.Router

	contextMgr   ContextManager
	newReflector func() Reflector
	insights     *insightLog

	exec     *executor
	sandbox  sandbox.Manager
	replayer *checkpoint.Replayer

	logger  *slog.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer

	closeOnce sync.Once
}

// New creates an orchestrator from the given wiring.
func New(cfg Config) *Orchestrator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	backends := cfg.Backends
	if backends == nil {
		backends = backend.NewCache(nil)
	}
	catalog := cfg.Catalog
	if catalog == nil {
		catalog = routing.NewCatalog()
	}

	o := &Orchestrator{
		backends:        backends,
		defaultProvider: cfg.DefaultProvider,
		memory:          cfg.Memory,
		composer:        cfg.Composer,
		guardrails:      cfg.Guardrails,
		routingOn:       cfg.RoutingEnabled,
		autoSelect:      cfg.AutoSelectModel,
		router:          routing.NewRouter(catalog, cfg.Budget, cfg.PreferLocal),
		contextMgr:      cfg.ContextManager,
		newReflector:    cfg.NewReflector,
		insights:        newInsightLog(),
		sandbox:         cfg.Sandbox,
		logger:          logger,
		metrics:         cfg.Metrics,
		tracer:          cfg.Tracer,
	}
	if cfg.InjectionDetection {
		o.injector = guard.NewInjectionDetector()
	}
	o.exec = newExecutor(cfg.Executor, o.GetGuardrails, cfg.Sandbox, logger)
	if cfg.Checkpoints != nil {
		o.replayer = checkpoint.NewReplayer(cfg.Checkpoints, logger)
	}
	return o
}

// Backends exposes the backend cache for adapter registration.
func (o *Orchestrator) Backends() *backend.Cache { return o.backends }

// Run executes one agent run and returns its result.
func (o *Orchestrator) Run(ctx context.Context, ag *Agent, opts *RunOptions) (*models.RunResult, error) {
	return o.runInternal(ctx, ag, opts, nil)
}

// runInternal is the shared run path. A non-nil seed replaces message
// building with the checkpoint's transcript and pre-fills cached tool
// results, which is how live replay and forking reuse the loop.
func (o *Orchestrator) runInternal(ctx context.Context, ag *Agent, opts *RunOptions, seed *models.Checkpoint) (*models.RunResult, error) {
	if opts == nil {
		opts = &RunOptions{}
	}
	if err := ag.Validate(); err != nil {
		return nil, err
	}
	if seed == nil && strings.TrimSpace(opts.Input) == "" {
		return nil, NewError(ErrValidation, "run input is required")
	}

	// Setup: identity, clock, cancellation.
	runID := models.NewRunID()
	traceID := models.NewTraceID()
	threadID := opts.ThreadID
	if threadID == "" {
		threadID = models.NewThreadID()
	}
	startTime := time.Now()

	timeout := ag.EffectiveTimeout()
	if opts.Timeout > 0 {
		timeout = opts.Timeout
	}
	runCtx := ctx
	if timeout > 0 {
		cause := NewError(ErrLLMTimeout, "Run timed out after %dms", timeout.Milliseconds())
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeoutCause(ctx, timeout, cause)
		defer cancel()
	}

	if opts.OnRunStart != nil {
		opts.OnRunStart(runID)
	}

	recorder := newSpanRecorder(traceID, opts.OnSpan)
	rootSpanID := models.NewSpanID()

	fail := func(err error) (*models.RunResult, error) {
		root := &models.Span{
			ID:        rootSpanID,
			TraceID:   traceID,
			Name:      models.RootSpanName,
			Kind:      models.SpanKindInternal,
			Status:    models.SpanStatusError,
			StartTime: startTime,
			EndTime:   time.Now(),
			Attributes: map[string]any{
				"agent.id": ag.ID,
				"error":    err.Error(),
			},
		}
		if opts.OnSpan != nil {
			opts.OnSpan(root)
		}
		trace := recorder.finish(root)
		o.exportTrace(&trace)
		o.metrics.ObserveRun(ag.ID, err, time.Since(startTime), 0, ag.Model)
		o.logger.Error("run failed", "run_id", runID, "agent_id", ag.ID, "error", err)
		if opts.OnRunError != nil {
			opts.OnRunError(err, runID)
		}
		return nil, err
	}

	// Lazy subsystem initialization.
	builder := newMessageBuilder(o.memAdapter(runCtx), o.composer, o.logger)

	reg := ag.registrySnapshot()
	schemas := reg.GetSchemas()

	// Model routing and budget enforcement.
	effectiveModel := ag.Model
	if o.routingOn && o.autoSelect {
		profile := routing.AnalyzeTask(opts.Input, reg.Len())
		if len(opts.Images) > 0 {
			profile.NeedsVision = true
		}
		if m, err := o.router.SelectModel(profile); err == nil {
			effectiveModel = m.Qualified()
			o.logger.Debug("router selected model", "run_id", runID, "model", effectiveModel)
		} else {
			o.logger.Warn("model routing failed, using agent model", "error", err)
		}
	}
	if o.routingOn {
		est := o.router.Estimator().Estimate(routing.EstimateRequest{
			Model:        effectiveModel,
			SystemPrompt: ag.Instructions,
			Input:        opts.Input,
			ToolCount:    reg.Len(),
		})
		if err := o.router.CheckBudget(est.ExpectedCost); err != nil {
			return fail(WrapError(ErrBudgetExceeded, err, "Budget exceeded: %v", err))
		}
	}

	// Backend resolution.
	provider := backend.ResolveProvider(ag.Provider, effectiveModel, o.defaultProvider)
	be, err := o.backends.Resolve(provider)
	if err != nil {
		return fail(WrapError(ErrConfiguration, err, "%v", err))
	}
	_, modelName := backend.SplitModel(effectiveModel)

	// Initial transcript.
	var msgs []models.Message
	if seed != nil {
		msgs = models.CloneMessages(seed.Messages)
	} else {
		msgs = builder.build(runCtx, ag, opts, threadID)

		if o.injector != nil {
			verdict := o.injector.Scan(opts.Input)
			if verdict.Blocked() {
				return fail(NewError(ErrPromptInjection,
					"prompt injection detected (score %.2f): %s", verdict.Score, strings.Join(verdict.Matched, ", ")))
			}
			if verdict.Level == guard.InjectionSuspicious {
				o.logger.Warn("suspicious input", "run_id", runID, "score", verdict.Score, "matched", verdict.Matched)
			}
		}
		if g := o.GetGuardrails(); g != nil && g.FiltersInput() {
			verdict, gerr := g.CheckInput(runCtx, opts.Input)
			if gerr != nil {
				return fail(WrapError(ErrInputBlocked, gerr, "Input blocked: %v", gerr))
			}
			if !verdict.Allowed {
				return fail(NewError(ErrInputBlocked, "Input blocked: %s", verdict.Reason))
			}
		}

		msgs = enrichWithInsights(msgs, o.insights.texts(ag.ID))
		msgs = addContext(msgs, opts.Context)

		builder.saveEntry(runCtx, opts, threadID, msgs[len(msgs)-1], nil, nil)
	}

	// Cached tool results satisfy replays without re-executing tools.
	toolResults := make(map[string]any)
	if seed != nil {
		for id, v := range seed.ToolResults {
			toolResults[id] = v
		}
	}

	var reflector Reflector
	if o.newReflector != nil {
		reflector = o.newReflector()
	}

	tc := &ToolContext{AgentID: ag.ID, RunID: runID}
	maxIterations := ag.EffectiveMaxIterations()
	var (
		totalIn, totalOut int
		allCalls          []models.ToolCall
		iteration         int
	)

	for iteration < maxIterations {
		if runCtx.Err() != nil {
			return fail(runAbortError(runCtx))
		}

		if o.contextMgr != nil && o.contextMgr.NeedsCompression(msgs, effectiveModel) {
			compressed, cerr := o.contextMgr.Compress(runCtx, msgs, effectiveModel)
			if cerr != nil {
				o.logger.Warn("context compression failed", "run_id", runID, "error", cerr)
			} else {
				msgs = compressed
			}
		}

		iteration++

		req := &backend.ChatRequest{
			Model:       modelName,
			Messages:    msgs,
			Tools:       schemas,
			Temperature: ag.Temperature,
			TopP:        ag.TopP,
			MaxTokens:   ag.MaxTokens,
			Stop:        ag.StopSequences,
		}

		callStart := time.Now()
		var resp *backend.ChatResponse
		if opts.Stream && opts.OnToken != nil {
			var ch <-chan backend.ChatChunk
			ch, err = be.ChatStream(runCtx, req)
			if err == nil {
				resp, err = readStream(runCtx, ch, msgs, opts.OnToken)
			}
		} else {
			resp, err = be.Chat(runCtx, req)
		}
		callEnd := time.Now()

		if err != nil {
			recorder.record(models.SpanNameLLMCall, models.SpanKindClient, rootSpanID, callStart, callEnd,
				map[string]any{
					models.AttrModel:     effectiveModel,
					models.AttrIteration: iteration,
					"error":              err.Error(),
				}, models.SpanStatusError)
			if runCtx.Err() != nil {
				return fail(runAbortError(runCtx))
			}
			return fail(WrapError(ErrLLMUnavailable, err, "%v", err))
		}

		if resp.Usage == nil {
			resp.Usage = estimateUsage(msgs, resp.Content)
		}
		totalIn += resp.Usage.InputTokens
		totalOut += resp.Usage.OutputTokens
		o.metrics.ObserveLLMCall(provider, modelName, callEnd.Sub(callStart), resp.Usage.InputTokens, resp.Usage.OutputTokens)

		recorder.record(models.SpanNameLLMCall, models.SpanKindClient, rootSpanID, callStart, callEnd,
			map[string]any{
				models.AttrModel:        effectiveModel,
				models.AttrIteration:    iteration,
				models.AttrInputTokens:  resp.Usage.InputTokens,
				models.AttrOutputTokens: resp.Usage.OutputTokens,
				models.AttrFinishReason: string(resp.FinishReason),
				models.AttrResponseText: resp.Content,
			}, models.SpanStatusOK)

		content := resp.Content
		if g := o.GetGuardrails(); g != nil && g.FiltersOutput() {
			verdict, gerr := g.CheckOutput(runCtx, content, msgs)
			if gerr != nil {
				return fail(WrapError(ErrOutputBlocked, gerr, "Output blocked: %v", gerr))
			}
			if !verdict.Allowed {
				if verdict.Revision == "" {
					return fail(NewError(ErrOutputBlocked, "Output blocked: %s", verdict.Reason))
				}
				o.logger.Info("output revised by guardrails", "run_id", runID, "rule", verdict.Reason)
				content = verdict.Revision
			}
		}

		assistant := models.Message{Role: models.RoleAssistant, Content: content, ToolCalls: resp.ToolCalls}
		msgs = append(msgs, assistant)
		builder.saveEntry(runCtx, opts, threadID, assistant, resp.ToolCalls, nil)

		if resp.FinishReason != backend.FinishToolCalls || len(resp.ToolCalls) == 0 {
			break
		}

		o.saveCheckpoint(runCtx, &models.Checkpoint{
			TraceID:          traceID,
			RunID:            runID,
			AgentID:          ag.ID,
			StepIndex:        iteration - 1,
			Messages:         models.CloneMessages(msgs),
			PendingToolCalls: models.CloneToolCalls(resp.ToolCalls),
			ToolResults:      cloneResults(toolResults),
		})

		// Tool fan-out. Results fold back in issuance order regardless of
		// dispatch mode.
		calls := resp.ToolCalls
		for _, call := range calls {
			allCalls = append(allCalls, call)
			if opts.OnToolCall != nil {
				opts.OnToolCall(call)
			}
		}

		dispatches := o.exec.executeAll(runCtx, reg, calls, tc, toolResults, opts.ParallelToolCalls)

		for i, call := range calls {
			result := dispatches[i].result
			recorder.record(models.ToolSpanName(call.Name), models.SpanKindInternal, rootSpanID, dispatches[i].start, dispatches[i].end,
				map[string]any{
					models.AttrToolName:    call.Name,
					models.AttrToolCallID:  call.ID,
					models.AttrToolArgs:    string(call.ArgumentsJSON()),
					models.AttrToolSuccess: !result.Failed(),
					models.AttrToolError:   result.Error,
				}, toolSpanStatus(&result))
			o.metrics.ObserveTool(call.Name, result.Failed(), dispatches[i].end.Sub(dispatches[i].start))

			if opts.OnToolResult != nil {
				opts.OnToolResult(result)
			}
			if !result.Failed() {
				toolResults[call.ID] = result.Result
			}

			toolMsg := models.ToolMessage(call.ID, call.Name, result.Content())
			msgs = append(msgs, toolMsg)
			builder.saveEntry(runCtx, opts, threadID, toolMsg, nil, []models.ToolResult{result})

			if reflector != nil {
				advisory, rerr := reflector.ObserveTool(runCtx, ag.ID, ToolObservation{
					Call:     call,
					Output:   result.Result,
					Error:    result.Error,
					Duration: dispatches[i].end.Sub(dispatches[i].start),
				})
				if rerr != nil {
					o.logger.Warn("reflection failed", "run_id", runID, "tool", call.Name, "error", rerr)
				} else if advisory != "" {
					msgs = append(msgs, models.SystemMessage(advisory))
				}
			}
		}
	}

	// Finalization.
	output := models.LastAssistantText(msgs)
	duration := time.Since(startTime)

	cost := o.computeCost(effectiveModel, totalIn, totalOut)
	if o.routingOn {
		o.router.RecordCost(cost)
	}

	result := &models.RunResult{
		Output:    output,
		RunID:     runID,
		AgentID:   ag.ID,
		ThreadID:  threadID,
		ModelUsed: effectiveModel,
		Usage: models.Usage{
			InputTokens:  totalIn,
			OutputTokens: totalOut,
			TotalTokens:  totalIn + totalOut,
			Cost:         cost,
			Duration:     duration,
		},
		ToolCalls: allCalls,
		Messages:  models.CloneMessages(msgs),
	}

	if reflector != nil {
		if summary, rerr := reflector.Summarize(runCtx, ag.ID, result); rerr != nil {
			o.logger.Warn("reflection summary failed", "run_id", runID, "error", rerr)
		} else if summary != "" {
			o.insights.add(ag.ID, summary)
		}
	}

	root := &models.Span{
		ID:        rootSpanID,
		TraceID:   traceID,
		Name:      models.RootSpanName,
		Kind:      models.SpanKindInternal,
		Status:    models.SpanStatusOK,
		StartTime: startTime,
		EndTime:   time.Now(),
		Attributes: map[string]any{
			"agent.id":              ag.ID,
			models.AttrModel:        effectiveModel,
			models.AttrInputTokens:  totalIn,
			models.AttrOutputTokens: totalOut,
			"iterations":            iteration,
			"tool_calls":            len(allCalls),
		},
	}
	if opts.OnSpan != nil {
		opts.OnSpan(root)
	}
	result.Trace = recorder.finish(root)
	o.exportTrace(&result.Trace)
	o.metrics.ObserveRun(ag.ID, nil, duration, cost, effectiveModel)

	o.logger.Info("run complete",
		"run_id", runID,
		"agent_id", ag.ID,
		"model", effectiveModel,
		"iterations", iteration,
		"tool_calls", len(allCalls),
		"tokens", result.Usage.TotalTokens,
		"duration", duration)

	if opts.OnRunComplete != nil {
		opts.OnRunComplete(result)
	}
	return result, nil
}

// EstimateCost produces an ahead-of-run cost estimate for running the agent
// against the given input.
func (o *Orchestrator) EstimateCost(ag *Agent, input string) *routing.CostEstimate {
	return o.router.Estimator().Estimate(routing.EstimateRequest{
		Model:        ag.Model,
		SystemPrompt: ag.Instructions,
		Input:        input,
		ToolCount:    len(ag.Tools),
	})
}

// Close releases shared resources: memory, sandbox, backend cache.
// Idempotent.
func (o *Orchestrator) Close(ctx context.Context) error {
	var err error
	o.closeOnce.Do(func() {
		if o.memory != nil {
			if derr := o.memory.Disconnect(ctx); derr != nil {
				err = derr
			}
		}
		if o.sandbox != nil {
			if serr := o.sandbox.Shutdown(ctx); serr != nil && err == nil {
				err = serr
			}
		}
		o.backends.Clear()
	})
	return err
}

// GetInsights returns the persisted insight texts for an agent.
func (o *Orchestrator) GetInsights(agentID string) []string {
	return o.insights.texts(agentID)
}

// GetReflectionSummary summarizes the insight history of an agent.
func (o *Orchestrator) GetReflectionSummary(agentID string) string {
	return o.insights.summary(agentID)
}

// GetGuardrails returns the active policy layer, nil when none.
func (o *Orchestrator) GetGuardrails() guard.Guardrails {
	o.guardMu.RLock()
	defer o.guardMu.RUnlock()
	return o.guardrails
}

// SetConstitution compiles and installs a constitution as the active
// guardrails. Tool approval applies to runs already in flight from their
// next invocation.
func (o *Orchestrator) SetConstitution(c *guard.Constitution) error {
	if err := c.Compile(); err != nil {
		return NewError(ErrConfiguration, "constitution rejected: %v", err)
	}
	o.guardMu.Lock()
	o.guardrails = c
	o.guardMu.Unlock()
	return nil
}

// GetCostSummary reports cumulative router spend.
func (o *Orchestrator) GetCostSummary() routing.Summary {
	return o.router.GetSummary()
}

// GetCostRouter exposes the router for catalog and budget introspection.
func (o *Orchestrator) GetCostRouter() *routing.Router {
	return o.router
}

// ExecutorMetrics returns a snapshot of tool executor counters.
func (o *Orchestrator) ExecutorMetrics() ExecutorMetrics {
	return o.exec.metrics.Snapshot()
}

// Checkpoints returns the replayer, nil when checkpointing is disabled.
func (o *Orchestrator) Checkpoints() *checkpoint.Replayer { return o.replayer }

// ReplayDeterministic reconstructs a result from a checkpoint alone.
func (o *Orchestrator) ReplayDeterministic(ctx context.Context, checkpointID string, overlay *checkpoint.Overlay) (*models.RunResult, error) {
	if o.replayer == nil {
		return nil, NewError(ErrConfiguration, "checkpointing is not configured")
	}
	return o.replayer.Deterministic(ctx, checkpointID, overlay)
}

// ReplayLive re-runs the agent from a checkpoint's transcript and annotates
// the result with divergence from the original run.
func (o *Orchestrator) ReplayLive(ctx context.Context, ag *Agent, checkpointID string, overlay *checkpoint.Overlay, opts *RunOptions) (*models.RunResult, error) {
	if o.replayer == nil {
		return nil, NewError(ErrConfiguration, "checkpointing is not configured")
	}
	return o.replayer.Live(ctx, checkpointID, overlay, o.runFrom(ag, opts))
}

// ForkAndRun forks a stored checkpoint and live-replays from the child.
func (o *Orchestrator) ForkAndRun(ctx context.Context, ag *Agent, parentID string, fopts checkpoint.ForkOptions, opts *RunOptions) (*models.RunResult, error) {
	if o.replayer == nil {
		return nil, NewError(ErrConfiguration, "checkpointing is not configured")
	}
	return o.replayer.ForkAndRun(ctx, parentID, fopts, o.runFrom(ag, opts))
}

func (o *Orchestrator) runFrom(ag *Agent, opts *RunOptions) checkpoint.RunFunc {
	return func(ctx context.Context, ckpt *models.Checkpoint) (*models.RunResult, error) {
		return o.runInternal(ctx, ag, opts, ckpt)
	}
}

// memAdapter connects the memory adapter once and returns it, or nil when
// memory is unconfigured or its connection failed.
func (o *Orchestrator) memAdapter(ctx context.Context) memory.Adapter {
	if o.memory == nil {
		return nil
	}
	o.memOnce.Do(func() {
		o.memErr = o.memory.Connect(ctx)
		o.metrics.ObserveMemory("connect", o.memErr)
		if o.memErr != nil {
			o.logger.Warn("memory adapter connection failed, running without memory", "error", o.memErr)
		}
	})
	if o.memErr != nil {
		return nil
	}
	return o.memory
}

func (o *Orchestrator) saveCheckpoint(ctx context.Context, ckpt *models.Checkpoint) {
	if o.replayer == nil {
		return
	}
	ckpt.ID = models.NewCheckpointID()
	ckpt.CreatedAt = time.Now()
	if err := o.replayer.Store().Save(ctx, ckpt); err != nil {
		o.logger.Warn("checkpoint save failed", "run_id", ckpt.RunID, "step", ckpt.StepIndex, "error", err)
	}
}

// computeCost prices the run's aggregate tokens against the catalog. Models
// without known pricing cost 0.
func (o *Orchestrator) computeCost(model string, inputTokens, outputTokens int) float64 {
	m, ok := o.router.Catalog().Get(model)
	if !ok || !m.HasPricing() || m.Local() {
		return 0
	}
	return (float64(inputTokens)*m.InputPer1M + float64(outputTokens)*m.OutputPer1M) / 1_000_000
}

func (o *Orchestrator) exportTrace(trace *models.Trace) {
	if o.tracer != nil {
		o.tracer.ExportTrace(context.Background(), trace)
	}
}

// runAbortError surfaces the cancellation cause: the timeout trigger's
// structured error when the deadline fired, a wrapped abort otherwise.
func runAbortError(ctx context.Context) error {
	cause := context.Cause(ctx)
	var ae *Error
	if errors.As(cause, &ae) {
		return ae
	}
	return WrapError(ErrInternal, cause, "run aborted: %v", cause)
}

func toolSpanStatus(r *models.ToolResult) models.SpanStatus {
	if r.Failed() {
		return models.SpanStatusError
	}
	return models.SpanStatusOK
}

func cloneResults(in map[string]any) map[string]any {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
