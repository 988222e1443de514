package assistant

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/martinemde/av/capability"
	"github.com/martinemde/av/config"
	"github.com/martinemde/av/detect"
	"github.com/martinemde/av/orchestrator"
	"github.com/martinemde/av/plan"
	"github.com/martinemde/av/pypi"
	"github.com/martinemde/av/reasoning"
	"github.com/martinemde/av/sandbox"
)

// Inference is what a planner produced for one project.
type Inference struct {
	Plan  *plan.Plan
	State orchestrator.State
	Turns int
	// Err is set for failed runs and wraps orchestrator.ErrBudgetExceeded
	// for partial ones.
	Err error
}

// Planner infers the dependency plan of a project.
type Planner interface {
	Plan(ctx context.Context, root string) (*Inference, error)
	// Describe names the strategy for display.
	Describe() string
}

// AgentPlanner runs the inference loop against a reasoning backend.
type AgentPlanner struct {
	orch   *orchestrator.Orchestrator
	label  string
	logger *zap.Logger
}

// NewAgentPlanner wraps an orchestrator. label is shown to the user.
func NewAgentPlanner(orch *orchestrator.Orchestrator, label string, logger *zap.Logger) *AgentPlanner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AgentPlanner{orch: orch, label: label, logger: logger}
}

// Describe implements Planner.
func (p *AgentPlanner) Describe() string { return p.label }

// Plan runs one session and logs its events as they arrive.
func (p *AgentPlanner) Plan(ctx context.Context, root string) (*Inference, error) {
	session := p.orch.NewSession(root)
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		for ev := range session.Events() {
			logEvent(p.logger, ev)
		}
	}()

	res, err := session.Run(ctx)
	<-drained

	inf := &Inference{Plan: res.Plan, State: res.State, Turns: res.Turns, Err: res.Err}
	return inf, err
}

func logEvent(logger *zap.Logger, ev orchestrator.Event) {
	fields := []zap.Field{
		zap.String("event", string(ev.Kind)),
		zap.String("session", ev.SessionID),
		zap.Int("turn", ev.Turn),
	}
	for k, v := range ev.Data {
		fields = append(fields, zap.Any(k, v))
	}
	switch ev.Kind {
	case orchestrator.EventError, orchestrator.EventMalformedResponse, orchestrator.EventLoopDetection:
		logger.Warn("session event", fields...)
	case orchestrator.EventSessionStart, orchestrator.EventSessionEnd, orchestrator.EventTurnLimit:
		logger.Info("session event", fields...)
	default:
		logger.Debug("session event", fields...)
	}
}

// FallbackPlanner uses the offline detector.
type FallbackPlanner struct {
	detector *detect.Detector
	reason   string
}

// NewFallbackPlanner wraps a detector. reason explains why it was chosen.
func NewFallbackPlanner(d *detect.Detector, reason string) *FallbackPlanner {
	return &FallbackPlanner{detector: d, reason: reason}
}

// Describe implements Planner.
func (p *FallbackPlanner) Describe() string {
	if p.reason == "" {
		return "static detection"
	}
	return "static detection (" + p.reason + ")"
}

// Plan implements Planner.
func (p *FallbackPlanner) Plan(ctx context.Context, root string) (*Inference, error) {
	pl, err := p.detector.Detect(ctx, root)
	if err != nil {
		return &Inference{Plan: &plan.Plan{Source: plan.SourceFallback}, State: orchestrator.StateFailed, Err: err}, err
	}
	return &Inference{Plan: pl, State: orchestrator.StateDone}, nil
}

// BuildOptions tunes NewPlanner.
type BuildOptions struct {
	// Verify checks agent-proposed names against the package index.
	Verify bool
}

// NewPlanner selects the strategy. A credential for the configured provider
// selects the agent; without one the offline detector is used.
func NewPlanner(cfg *config.Config, root string, opts BuildOptions, logger *zap.Logger) (Planner, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	key := cfg.Credential()
	if key == "" {
		reason := "no API key"
		if env := cfg.CredentialEnv(); env != "" {
			reason = env + " is not set"
		}
		logger.Info("using static detection", zap.String("reason", reason))
		return NewFallbackPlanner(detect.New(detect.WithLogger(logger)), reason), nil
	}

	orch, err := newOrchestrator(cfg, key, root, opts, logger)
	if err != nil {
		return nil, err
	}
	return NewAgentPlanner(orch, fmt.Sprintf("agent (%s %s)", cfg.Provider, cfg.Model), logger), nil
}

func newOrchestrator(cfg *config.Config, key, root string, opts BuildOptions, logger *zap.Logger) (*orchestrator.Orchestrator, error) {
	sbOpts := []sandbox.Option{sandbox.WithLogger(logger)}
	if cfg.Commands.Shell != "" {
		sbOpts = append(sbOpts, sandbox.WithShell(cfg.Commands.Shell, "-c"))
	}
	sb := sandbox.NewLocal(root, sbOpts...)

	index := pypi.NewClient(
		pypi.WithBaseURL(cfg.Registry.URL),
		pypi.WithTimeout(cfg.Registry.Timeout),
		pypi.WithCacheSize(cfg.Registry.CacheSize),
		pypi.WithLogger(logger),
	)

	registry, err := capability.NewDefaultRegistry(capability.BuiltinConfig{
		Sandbox:        sb,
		Index:          index,
		CommandTimeout: cfg.Commands.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("register capabilities: %w", err)
	}

	adapter, err := reasoning.NewGollmAdapter(cfg.Provider, key,
		reasoning.WithModel(cfg.Model),
		reasoning.WithMaxTokens(cfg.Backend.MaxTokens),
		reasoning.WithTemperature(cfg.Temperature),
	)
	if err != nil {
		return nil, fmt.Errorf("configure %s backend: %w", cfg.Provider, err)
	}
	client := reasoning.NewClient(
		reasoning.WithProvider(cfg.Provider, adapter),
		reasoning.WithMiddleware(reasoning.LoggingMiddleware(logger)),
	)

	policy := reasoning.DefaultRetryPolicy()
	policy.MaxRetries = cfg.Backend.MaxRetries
	if cfg.Backend.BaseDelay > 0 {
		policy.BaseDelay = cfg.Backend.BaseDelay
	}
	if cfg.Backend.MaxDelay > 0 {
		policy.MaxDelay = cfg.Backend.MaxDelay
	}
	policy.OnRetry = func(err error, attempt int, delay time.Duration) {
		logger.Warn("retrying backend call", zap.Int("attempt", attempt), zap.Duration("delay", delay), zap.Error(err))
	}

	backend := reasoning.NewLLMBackend(client,
		reasoning.WithBackendModel(cfg.Provider, reasoning.ResolveModel(cfg.Model)),
		reasoning.WithRetryPolicy(policy),
		reasoning.WithAttemptTimeout(cfg.Backend.Timeout),
		reasoning.WithBackendTemperature(cfg.Temperature),
		reasoning.WithBackendLogger(logger),
	)

	validatorOpts := []plan.Option{plan.WithLogger(logger)}
	if opts.Verify {
		validatorOpts = append(validatorOpts, plan.WithResolver(index))
	}

	loop := orchestrator.DefaultConfig()
	loop.MaxTurns = cfg.MaxTurns
	loop.CapabilityTimeout = cfg.Commands.Timeout + 30*time.Second
	loop.OutputLimit = cfg.Commands.OutputLimit
	loop.MaxMalformedResponses = cfg.Loop.MaxMalformedResponses
	loop.MaxConsecutiveFailures = cfg.Loop.MaxConsecutiveFailures
	loop.LoopDetectionWindow = cfg.Loop.LoopWindow
	loop.EnableLoopDetection = cfg.Loop.LoopWindow > 0
	loop.UserInstructions = cfg.Instructions

	return orchestrator.New(backend, registry,
		orchestrator.WithConfig(loop),
		orchestrator.WithValidator(plan.NewValidator(validatorOpts...)),
		orchestrator.WithLogger(logger),
	), nil
}
