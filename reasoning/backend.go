package reasoning

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Exchange is one past capability call as the backend sees it.
type Exchange struct {
	CallID     string          `json:"call_id"`
	Capability string          `json:"capability"`
	Arguments  json.RawMessage `json:"arguments"`
	Result     string          `json:"result"`
	IsError    bool            `json:"is_error"`
	// Malformed marks a turn where the backend's own reply was unusable;
	// Result then explains why.
	Malformed bool `json:"malformed,omitempty"`
}

// DecisionRequest is everything the backend needs for one turn. The backend
// is stateless: History is the full record every time.
type DecisionRequest struct {
	System       string
	ProjectRoot  string
	Capabilities []ToolDefinition
	History      []Exchange
	// Notes are extra steering messages for this turn only.
	Notes []string
	// Conclude asks for a final answer with no further capability calls.
	Conclude bool
}

// Backend is the decision oracle used by the inference loop.
type Backend interface {
	Decide(ctx context.Context, req DecisionRequest) (Decision, error)
}

// BackendFunc adapts a function to Backend.
type BackendFunc func(ctx context.Context, req DecisionRequest) (Decision, error)

func (f BackendFunc) Decide(ctx context.Context, req DecisionRequest) (Decision, error) {
	return f(ctx, req)
}

// LLMBackend turns a DecisionRequest into a completion and parses the reply.
type LLMBackend struct {
	client         *Client
	provider       string
	model          string
	temperature    float64
	attemptTimeout time.Duration
	policy         RetryPolicy
	logger         *zap.Logger
}

// BackendOption configures an LLMBackend.
type BackendOption func(*LLMBackend)

// WithBackendModel sets the provider and model used for requests.
func WithBackendModel(provider, model string) BackendOption {
	return func(b *LLMBackend) {
		b.provider = provider
		b.model = model
	}
}

// WithRetryPolicy sets the transport retry policy.
func WithRetryPolicy(p RetryPolicy) BackendOption {
	return func(b *LLMBackend) { b.policy = p }
}

// WithAttemptTimeout bounds each individual backend call.
func WithAttemptTimeout(d time.Duration) BackendOption {
	return func(b *LLMBackend) { b.attemptTimeout = d }
}

// WithBackendTemperature sets the sampling temperature.
func WithBackendTemperature(t float64) BackendOption {
	return func(b *LLMBackend) { b.temperature = t }
}

// WithBackendLogger sets the backend logger.
func WithBackendLogger(l *zap.Logger) BackendOption {
	return func(b *LLMBackend) { b.logger = l }
}

// DefaultAttemptTimeout bounds one backend call.
const DefaultAttemptTimeout = 120 * time.Second

// NewLLMBackend creates an LLMBackend on top of client.
func NewLLMBackend(client *Client, opts ...BackendOption) *LLMBackend {
	b := &LLMBackend{
		client:         client,
		attemptTimeout: DefaultAttemptTimeout,
		policy:         DefaultRetryPolicy(),
		logger:         zap.NewNop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Decide performs one turn. Retryable failures are retried per the policy;
// if they persist the error is a *TransportError. Non-retryable provider
// errors are returned as is and a bad reply yields *MalformedResponseError.
func (b *LLMBackend) Decide(ctx context.Context, req DecisionRequest) (Decision, error) {
	llmReq := b.buildRequest(req)

	policy := b.policy
	userOnRetry := policy.OnRetry
	policy.OnRetry = func(err error, attempt int, delay time.Duration) {
		b.logger.Info("retrying backend call",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		if userOnRetry != nil {
			userOnRetry(err, attempt, delay)
		}
	}

	resp, calls, err := Retry(ctx, policy, func(ctx context.Context) (*Response, error) {
		attemptCtx, cancel := context.WithTimeout(ctx, b.attemptTimeout)
		defer cancel()
		resp, err := b.client.Complete(attemptCtx, llmReq)
		if err != nil && attemptCtx.Err() != nil && ctx.Err() == nil {
			return nil, &RequestTimeoutError{SDKError: SDKError{Message: "backend call timed out", Cause: err}}
		}
		return resp, err
	})
	if err != nil {
		if IsRetryable(err) {
			return Decision{}, &TransportError{Attempts: calls, Cause: err}
		}
		return Decision{}, err
	}

	decision, err := ParseDecision(resp)
	if err != nil {
		return Decision{}, err
	}
	if req.Conclude && decision.Kind == DecisionCall {
		return Decision{}, &MalformedResponseError{
			Reason: fmt.Sprintf("capability %s requested after the turn budget was spent", decision.Call.Name),
		}
	}
	return decision, nil
}

func (b *LLMBackend) buildRequest(req DecisionRequest) Request {
	messages := make([]Message, 0, 2+2*len(req.History)+len(req.Notes))
	if req.System != "" {
		messages = append(messages, SystemMessage(req.System))
	}
	messages = append(messages, UserMessage(fmt.Sprintf(
		"Project root: %s\nDetermine the third-party Python packages this project needs.", req.ProjectRoot)))

	for _, ex := range req.History {
		if ex.Malformed {
			messages = append(messages, UserMessage("Your previous reply could not be used: "+ex.Result+
				". Call one of the tools or call "+FinalAnswerTool+"."))
			continue
		}
		messages = append(messages,
			ToolCallMessage(ToolCall{ID: ex.CallID, Name: ex.Capability, Arguments: ex.Arguments}),
			ToolResultMessage(ex.CallID, ex.Result, ex.IsError),
		)
	}

	for _, note := range req.Notes {
		messages = append(messages, UserMessage(note))
	}

	temp := b.temperature
	llmReq := Request{
		Model:       b.model,
		Provider:    b.provider,
		Messages:    messages,
		Temperature: &temp,
	}

	if req.Conclude {
		llmReq.Messages = append(llmReq.Messages, UserMessage(
			"The exploration budget is spent. Do not call any more tools. Reply with only a JSON object "+
				`{"final_answer": {"dependencies": [{"name": "...", "note": "..."}], "rationale": "..."}}`+
				" based on what you have learned so far."))
		llmReq.ToolChoice = &ToolChoice{Mode: "none"}
		return llmReq
	}

	tools := make([]ToolDefinition, 0, len(req.Capabilities)+1)
	tools = append(tools, req.Capabilities...)
	tools = append(tools, FinalAnswerDefinition())
	llmReq.Tools = tools
	llmReq.ToolChoice = &ToolChoice{Mode: "auto"}
	return llmReq
}

// RenderHistory is a compact, human-readable transcript used in debug logs.
func RenderHistory(history []Exchange) string {
	var sb strings.Builder
	for i, ex := range history {
		status := "ok"
		if ex.IsError {
			status = "error"
		}
		fmt.Fprintf(&sb, "%d. %s %s -> %s\n", i+1, ex.Capability, string(ex.Arguments), status)
	}
	return sb.String()
}
