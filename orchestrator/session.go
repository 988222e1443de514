package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/martinemde/av/capability"
	"github.com/martinemde/av/observation"
	"github.com/martinemde/av/plan"
	"github.com/martinemde/av/reasoning"
)

// State is the lifecycle state of a session.
type State string

const (
	StateInit           State = "init"
	StateRunning        State = "running"
	StateDone           State = "done"
	StateBudgetExceeded State = "budget_exceeded"
	StateFailed         State = "failed"
)

// Terminal reports whether s is an end state.
func (s State) Terminal() bool {
	return s == StateDone || s == StateBudgetExceeded || s == StateFailed
}

var (
	// ErrBudgetExceeded marks a result produced after the turn budget ran out.
	// It is carried in Result.Err but Run does not return it.
	ErrBudgetExceeded = errors.New("turn budget exceeded")
	// ErrTooManyFailures ends a session after too many failed calls in a row.
	ErrTooManyFailures = errors.New("too many consecutive capability failures")
	// ErrSessionUsed is returned when Run is called on a session twice.
	ErrSessionUsed = errors.New("session already ran")
)

// Config holds the inference loop limits.
type Config struct {
	MaxTurns int `json:"max_turns"`
	// CapabilityTimeout bounds one capability call, including after
	// cancellation of the session context.
	CapabilityTimeout time.Duration `json:"capability_timeout"`
	// OutputLimit caps the rendered result of each call sent to the backend.
	OutputLimit            int    `json:"output_limit"`
	MaxMalformedResponses  int    `json:"max_malformed_responses"`
	MaxConsecutiveFailures int    `json:"max_consecutive_failures"` // 0 = disabled
	EnableLoopDetection    bool   `json:"enable_loop_detection"`
	LoopDetectionWindow    int    `json:"loop_detection_window"`
	ConcludeOnBudget       bool   `json:"conclude_on_budget"`
	EventBuffer            int    `json:"event_buffer"`
	UserInstructions       string `json:"user_instructions,omitempty"`
}

// DefaultConfig returns the default loop limits.
func DefaultConfig() Config {
	return Config{
		MaxTurns:              10,
		CapabilityTimeout:     60 * time.Second,
		OutputLimit:           10000,
		MaxMalformedResponses: 3,
		EnableLoopDetection:   true,
		LoopDetectionWindow:   DefaultLoopWindow,
		ConcludeOnBudget:      true,
		EventBuffer:           DefaultEventBuffer,
	}
}

// Registry is the capability surface the loop dispatches through.
type Registry interface {
	List() []capability.Capability
	Invoke(ctx context.Context, name string, args json.RawMessage) (capability.Outcome, error)
}

// Orchestrator creates inference sessions that share a backend, a registry
// and a plan validator.
type Orchestrator struct {
	backend   reasoning.Backend
	registry  Registry
	validator *plan.Validator
	config    Config
	logger    *zap.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithConfig replaces the default limits.
func WithConfig(cfg Config) Option {
	return func(o *Orchestrator) { o.config = cfg }
}

// WithValidator sets the validator applied to the final candidates.
func WithValidator(v *plan.Validator) Option {
	return func(o *Orchestrator) { o.validator = v }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// New creates an Orchestrator.
func New(backend reasoning.Backend, registry Registry, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		backend:  backend,
		registry: registry,
		config:   DefaultConfig(),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.validator == nil {
		o.validator = plan.NewValidator(plan.WithLogger(o.logger))
	}
	return o
}

// Run is NewSession followed by Session.Run.
func (o *Orchestrator) Run(ctx context.Context, root string) (*Result, error) {
	return o.NewSession(root).Run(ctx)
}

// Result is the outcome of one session.
type Result struct {
	SessionID string
	State     State
	// Plan is never nil; it is empty when the session failed.
	Plan         *plan.Plan
	Turns        int
	Observations []observation.Observation
	// Err is the failure for StateFailed and wraps ErrBudgetExceeded for
	// StateBudgetExceeded.
	Err error
}

// Session is one inference run over a project root. It owns its
// observation store and turn counter and is discarded after Run.
type Session struct {
	id      string
	root    string
	budget  int
	o       *Orchestrator
	store   *observation.Store
	emitter *EventEmitter
	logger  *zap.Logger

	mu        sync.Mutex
	ran       bool
	state     State
	turns     int
	malformed int
	steering  []string
}

// NewSession creates a session in StateInit with the configured budget.
func (o *Orchestrator) NewSession(root string) *Session {
	id := uuid.NewString()
	budget := o.config.MaxTurns
	if budget < 0 {
		budget = 0
	}
	return &Session{
		id:      id,
		root:    root,
		budget:  budget,
		o:       o,
		store:   observation.NewStore(),
		emitter: NewEventEmitter(id, o.config.EventBuffer),
		logger:  o.logger.With(zap.String("session", id)),
		state:   StateInit,
	}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Root returns the project root.
func (s *Session) Root() string { return s.root }

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Turns returns the number of completed turns.
func (s *Session) Turns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.turns
}

// History returns a copy of the observations so far.
func (s *Session) History() []observation.Observation {
	return s.store.History()
}

// Events returns the event channel. It is closed when Run returns.
func (s *Session) Events() <-chan Event {
	return s.emitter.Events()
}

// Steer queues a note for the next backend request.
func (s *Session) Steer(message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steering = append(s.steering, message)
}

// Close releases the event channel of a session that never ran.
func (s *Session) Close() {
	s.emitter.Close()
}

// Run drives the session to a terminal state. The returned error is non-nil
// only for StateFailed; a budget-exhausted session returns its partial plan
// with a nil error.
func (s *Session) Run(ctx context.Context) (*Result, error) {
	s.mu.Lock()
	if s.ran {
		s.mu.Unlock()
		return &Result{SessionID: s.id, State: StateFailed, Plan: emptyPlan(), Err: ErrSessionUsed}, ErrSessionUsed
	}
	s.ran = true
	s.mu.Unlock()
	defer s.emitter.Close()

	s.emit(EventSessionStart, map[string]any{"root": s.root, "budget": s.budget})
	s.logger.Info("inference session started", zap.String("root", s.root), zap.Int("budget", s.budget))

	// A session without budget goes from INIT straight to BUDGET_EXCEEDED.
	if s.budget > 0 {
		s.transition(StateRunning)
	}
	res := s.loop(ctx)
	res.SessionID = s.id
	res.Observations = s.store.History()
	res.Turns = s.Turns()
	s.transition(res.State)

	s.emit(EventSessionEnd, map[string]any{
		"state":    string(res.State),
		"packages": res.Plan.Names(),
	})
	s.logger.Info("inference session finished",
		zap.String("state", string(res.State)),
		zap.Int("turns", res.Turns),
		zap.Strings("packages", res.Plan.Names()),
		zap.Error(res.Err),
	)

	if res.State == StateFailed {
		return res, res.Err
	}
	return res, nil
}

func (s *Session) transition(to State) {
	s.mu.Lock()
	from := s.state
	s.state = to
	s.mu.Unlock()
	s.emit(EventStateChange, map[string]any{"from": string(from), "to": string(to)})
}

func (s *Session) loop(ctx context.Context) *Result {
	cfg := s.o.config
	caps := s.o.registry.List()
	system := BuildSystemPrompt(s.root, caps, s.budget, cfg.UserInstructions)
	tools := toolDefinitions(caps)

	for {
		if err := ctx.Err(); err != nil {
			return s.fail(fmt.Errorf("session canceled: %w", err))
		}
		if s.Turns() >= s.budget {
			return s.budgetExhausted(ctx, system, tools)
		}

		req := s.decisionRequest(system, tools, false)
		decision, err := s.o.backend.Decide(ctx, req)
		if err != nil {
			var malformed *reasoning.MalformedResponseError
			if !errors.As(err, &malformed) {
				return s.fail(err)
			}
			if res := s.recordMalformed(malformed); res != nil {
				return res
			}
			continue
		}
		s.resetMalformed()

		switch decision.Kind {
		case reasoning.DecisionFinal:
			candidates := candidatesFromAnswer(decision.Final)
			rationale := ""
			if decision.Final != nil {
				rationale = decision.Final.Rationale
			}
			s.emit(EventDecision, map[string]any{
				"kind":     string(decision.Kind),
				"packages": len(candidates),
			})
			return s.finish(ctx, StateDone, candidates, rationale, nil)

		case reasoning.DecisionCall:
			if decision.Call == nil {
				if res := s.recordMalformed(&reasoning.MalformedResponseError{Reason: "capability decision without a call"}); res != nil {
					return res
				}
				continue
			}
			s.emit(EventDecision, map[string]any{
				"kind":       string(decision.Kind),
				"capability": decision.Call.Name,
			})
			obs := s.invoke(ctx, decision.Call)
			s.advance()

			if n := cfg.MaxConsecutiveFailures; n > 0 && s.store.TrailingFailures() >= n {
				return s.fail(fmt.Errorf("%w: %d in a row, last %s: %s",
					ErrTooManyFailures, n, obs.Capability, obs.Outcome.Summary()))
			}
			if cfg.EnableLoopDetection && DetectLoop(s.store.History(), cfg.LoopDetectionWindow) {
				warning := fmt.Sprintf("Loop detected: the last %d tool calls follow a repeating pattern. "+
					"Try a different approach or call %s with what you know.", cfg.LoopDetectionWindow, reasoning.FinalAnswerTool)
				s.Steer(warning)
				s.emit(EventLoopDetection, map[string]any{"message": warning})
				s.logger.Warn("loop detected", zap.Int("window", cfg.LoopDetectionWindow))
			}

		default:
			return s.fail(fmt.Errorf("unexpected decision kind %q", decision.Kind))
		}
	}
}

// invoke dispatches one call and records it. The call runs on a context
// detached from session cancellation and bounded by CapabilityTimeout.
func (s *Session) invoke(ctx context.Context, call *reasoning.CapabilityCall) observation.Observation {
	callID := call.ID
	if callID == "" {
		callID = "call_" + uuid.NewString()
	}
	s.emit(EventCapabilityStart, map[string]any{
		"call_id":    callID,
		"capability": call.Name,
		"arguments":  string(call.Arguments),
	})

	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.o.config.CapabilityTimeout)
	outcome, err := s.o.registry.Invoke(callCtx, call.Name, call.Arguments)
	cancel()
	if err != nil {
		outcome = capability.FailureFromError(err)
	}

	obs := s.store.Append(observation.Observation{
		CallID:     callID,
		Capability: call.Name,
		Arguments:  call.Arguments,
		Outcome:    outcome,
	})

	s.emit(EventCapabilityEnd, map[string]any{
		"call_id":    callID,
		"capability": call.Name,
		"succeeded":  outcome.Succeeded(),
		"summary":    outcome.Summary(),
	})
	s.logger.Debug("capability call",
		zap.Int("seq", obs.Seq),
		zap.String("capability", call.Name),
		zap.ByteString("arguments", call.Arguments),
		zap.String("outcome", outcome.Summary()),
	)
	return obs
}

// recordMalformed stores an unusable reply as a failed observation so the
// backend sees it next turn. It returns a result once the threshold is hit.
func (s *Session) recordMalformed(err *reasoning.MalformedResponseError) *Result {
	s.store.Append(observation.Observation{
		CallID:  "malformed_" + uuid.NewString(),
		Outcome: capability.FailureOutcome(capability.CategoryMalformedResponse, "%s", err.Reason),
	})
	s.advance()

	s.mu.Lock()
	s.malformed++
	count := s.malformed
	s.mu.Unlock()

	s.emit(EventMalformedResponse, map[string]any{"reason": err.Reason, "consecutive": count})
	s.logger.Warn("malformed backend reply", zap.String("reason", err.Reason), zap.Int("consecutive", count))

	if limit := s.o.config.MaxMalformedResponses; limit > 0 && count >= limit {
		return s.fail(fmt.Errorf("%d consecutive malformed replies: %w", count, err))
	}
	return nil
}

func (s *Session) resetMalformed() {
	s.mu.Lock()
	s.malformed = 0
	s.mu.Unlock()
}

func (s *Session) advance() {
	s.mu.Lock()
	s.turns++
	s.mu.Unlock()
}

// budgetExhausted salvages what it can. When anything was observed the
// backend gets one last chance to answer without tools; otherwise, or if
// that fails, successful package lookups are used.
func (s *Session) budgetExhausted(ctx context.Context, system string, tools []reasoning.ToolDefinition) *Result {
	s.emit(EventTurnLimit, map[string]any{"budget": s.budget})
	s.logger.Info("turn budget exhausted", zap.Int("budget", s.budget))

	var (
		candidates []plan.Candidate
		rationale  string
		concluded  bool
	)
	if s.o.config.ConcludeOnBudget && s.store.Size() > 0 && ctx.Err() == nil {
		decision, err := s.o.backend.Decide(ctx, s.decisionRequest(system, tools, true))
		if err == nil && decision.Kind == reasoning.DecisionFinal && decision.Final != nil {
			candidates = candidatesFromAnswer(decision.Final)
			rationale = decision.Final.Rationale
			concluded = true
		} else if err != nil {
			s.logger.Warn("concluding request failed", zap.Error(err))
		}
	}
	if !concluded {
		candidates = Salvage(s.store.History())
		if len(candidates) > 0 {
			rationale = "salvaged from package lookups made before the turn budget ran out"
		}
	}

	return s.finish(ctx, StateBudgetExceeded, candidates, rationale,
		fmt.Errorf("%w: %d of %d turns used", ErrBudgetExceeded, s.Turns(), s.budget))
}

// finish validates candidates into the plan of a terminal state.
func (s *Session) finish(ctx context.Context, state State, candidates []plan.Candidate, rationale string, cause error) *Result {
	p, err := s.o.validator.Validate(ctx, candidates, rationale)
	if err != nil {
		return s.fail(fmt.Errorf("validate plan: %w", err))
	}
	p.Source = plan.SourceAgent
	p.Partial = state == StateBudgetExceeded
	return &Result{State: state, Plan: p, Err: cause}
}

func (s *Session) fail(err error) *Result {
	s.emit(EventError, map[string]any{"error": err.Error()})
	return &Result{State: StateFailed, Plan: emptyPlan(), Err: err}
}

func emptyPlan() *plan.Plan {
	return &plan.Plan{Source: plan.SourceAgent}
}

func (s *Session) decisionRequest(system string, tools []reasoning.ToolDefinition, conclude bool) reasoning.DecisionRequest {
	history := Exchanges(s.store.History(), s.o.config.OutputLimit)

	s.mu.Lock()
	notes := s.steering
	s.steering = nil
	s.mu.Unlock()
	for _, n := range notes {
		s.emit(EventSteeringInjected, map[string]any{"content": n})
	}

	if ce := s.logger.Check(zap.DebugLevel, "decision request"); ce != nil {
		ce.Write(
			zap.Int("turn", s.Turns()),
			zap.Bool("conclude", conclude),
			zap.String("history", reasoning.RenderHistory(history)),
		)
	}

	return reasoning.DecisionRequest{
		System:       system,
		ProjectRoot:  s.root,
		Capabilities: tools,
		History:      history,
		Notes:        notes,
		Conclude:     conclude,
	}
}

func (s *Session) emit(kind EventKind, data map[string]any) {
	s.emitter.Emit(kind, s.Turns(), data)
}

// Exchanges converts observations into the history the backend sees. Each
// result is rendered and capped at limit characters.
func Exchanges(history []observation.Observation, limit int) []reasoning.Exchange {
	out := make([]reasoning.Exchange, len(history))
	for i, o := range history {
		if o.Capability == "" {
			reason := ""
			if o.Outcome.Failure != nil {
				reason = o.Outcome.Failure.Message
			}
			out[i] = reasoning.Exchange{CallID: o.CallID, Result: reason, IsError: true, Malformed: true}
			continue
		}
		out[i] = reasoning.Exchange{
			CallID:     o.CallID,
			Capability: o.Capability,
			Arguments:  o.Arguments,
			Result:     o.Outcome.Render(limit),
			IsError:    o.Failed(),
		}
	}
	return out
}

func toolDefinitions(caps []capability.Capability) []reasoning.ToolDefinition {
	out := make([]reasoning.ToolDefinition, len(caps))
	for i, c := range caps {
		out[i] = reasoning.ToolDefinition{Name: c.Name, Description: c.Description, Parameters: c.Parameters}
	}
	return out
}
