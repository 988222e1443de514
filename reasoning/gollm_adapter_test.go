package reasoning

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/teilomillet/gollm"
)

func TestNewGollmAdapterRequiresKey(t *testing.T) {
	_, err := NewGollmAdapter("openai", "")
	var cfgErr *ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigurationError, got %v", err)
	}
}

func TestGollmAdapterName(t *testing.T) {
	for _, provider := range []string{"openai", "anthropic"} {
		adapter, err := NewGollmAdapter(provider, "test-key-not-real")
		if err != nil {
			t.Logf("skipping %s adapter creation: %v", provider, err)
			continue
		}
		if adapter.Name() != provider {
			t.Errorf("expected name %q, got %q", provider, adapter.Name())
		}
	}
}

func stubAdapter(reply string, err error) *GollmAdapter {
	return &GollmAdapter{
		provider: "openai",
		model:    "gpt-4o-mini",
		generate: func(ctx context.Context, prompt *gollm.Prompt) (string, error) {
			return reply, err
		},
	}
}

func TestGollmAdapterCompleteParsesWrappedToolCalls(t *testing.T) {
	reply := `{"tool_calls": [{"id": "call_1", "type": "function", "function": {"name": "run_bash_command", "arguments": "{\"command\": \"ls\"}"}}]}`
	resp, err := stubAdapter(reply, nil).Complete(context.Background(), Request{
		Messages: []Message{SystemMessage("sys"), UserMessage("go")},
		Tools:    []ToolDefinition{{Name: "run_bash_command", Parameters: map[string]any{"type": "object"}}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.FinishReason != "tool_calls" || len(resp.ToolCalls) != 1 {
		t.Fatalf("expected one tool call, got %+v", resp)
	}
	tc := resp.ToolCalls[0]
	if tc.ID != "call_1" || tc.Name != "run_bash_command" {
		t.Errorf("unexpected tool call %+v", tc)
	}
	if string(tc.Arguments) != `{"command": "ls"}` {
		t.Errorf("expected decoded arguments, got %s", tc.Arguments)
	}
	if resp.Model != "gpt-4o-mini" {
		t.Errorf("expected adapter model, got %q", resp.Model)
	}
}

func TestParseToolCallsBareArray(t *testing.T) {
	calls, rest := parseToolCalls(`Let me look. [{"name": "search_pypi_packages", "arguments": {"query": "bs4"}}] trailing`)
	if len(calls) != 1 {
		t.Fatalf("expected one call, got %d", len(calls))
	}
	if calls[0].Name != "search_pypi_packages" || calls[0].ID == "" {
		t.Errorf("unexpected call %+v", calls[0])
	}
	var args map[string]string
	if err := json.Unmarshal(calls[0].Arguments, &args); err != nil || args["query"] != "bs4" {
		t.Errorf("unexpected arguments %s", calls[0].Arguments)
	}
	if rest != "Let me look." {
		t.Errorf("expected leading text kept, got %q", rest)
	}
}

func TestParseToolCallsPlainText(t *testing.T) {
	calls, rest := parseToolCalls("  no tools here  ")
	if calls != nil || rest != "no tools here" {
		t.Errorf("expected plain text passthrough, got %v %q", calls, rest)
	}
}

func TestParseToolCallsLeavesCompactFinalAnswer(t *testing.T) {
	replies := []string{
		`{"final_answer": {"dependencies": [{"name": "requests", "note": "http"}], "rationale": "imports"}}`,
		`{"dependencies": [{"name": "requests"}]}`,
		"Done.\n```json\n{\"final_answer\": {\"dependencies\": [{\"name\": \"flask\"}]}}\n```",
	}
	for _, reply := range replies {
		calls, rest := parseToolCalls(reply)
		if len(calls) != 0 {
			t.Errorf("final answer %q read as tool calls: %+v", reply, calls)
		}
		if rest == "" {
			t.Errorf("expected text kept for %q", reply)
		}
	}
}

func TestParseToolCallsIgnoresNestedNameArray(t *testing.T) {
	calls, _ := parseToolCalls(`{"notes": [{"name": "requests"}]}`)
	if len(calls) != 0 {
		t.Errorf("expected nested array to be ignored, got %+v", calls)
	}
}

func TestNormalizeArguments(t *testing.T) {
	cases := map[string]string{
		``:                  `{}`,
		`null`:              `{}`,
		`{"a":1}`:           `{"a":1}`,
		`"{\"a\":1}"`:       `{"a":1}`,
		`"not json at all"`: `"not json at all"`,
	}
	for in, want := range cases {
		if got := string(normalizeArguments(json.RawMessage(in))); got != want {
			t.Errorf("normalizeArguments(%s): expected %s, got %s", in, want, got)
		}
	}
}

func TestGollmAdapterTranslateError(t *testing.T) {
	adapter := &GollmAdapter{provider: "openai"}

	tests := []struct {
		errMsg    string
		check     func(error) bool
		retryable bool
	}{
		{"401 Unauthorized", func(e error) bool { var x *AuthenticationError; return errors.As(e, &x) }, false},
		{"invalid api key", func(e error) bool { var x *AuthenticationError; return errors.As(e, &x) }, false},
		{"403 Forbidden", func(e error) bool { var x *AccessDeniedError; return errors.As(e, &x) }, false},
		{"404 model not found", func(e error) bool { var x *NotFoundError; return errors.As(e, &x) }, false},
		{"429 rate limit exceeded", func(e error) bool { var x *RateLimitError; return errors.As(e, &x) }, true},
		{"context length exceeded", func(e error) bool { var x *ContextLengthError; return errors.As(e, &x) }, false},
		{"500 internal server error", func(e error) bool { var x *ServerError; return errors.As(e, &x) }, true},
		{"timeout waiting for response", func(e error) bool { var x *RequestTimeoutError; return errors.As(e, &x) }, true},
		{"dial tcp: connection refused", func(e error) bool { var x *NetworkError; return errors.As(e, &x) }, true},
		{"content filter triggered", func(e error) bool { var x *ContentFilterError; return errors.As(e, &x) }, false},
		{"something unknown", func(e error) bool { var x *ProviderError; return errors.As(e, &x) }, true},
	}

	for _, tt := range tests {
		err := adapter.translateError(errors.New(tt.errMsg))
		if !tt.check(err) {
			t.Errorf("for %q: unexpected error type %T", tt.errMsg, err)
		}
		if IsRetryable(err) != tt.retryable {
			t.Errorf("for %q: expected retryable=%v", tt.errMsg, tt.retryable)
		}
	}
}

func TestGollmAdapterCompleteTranslatesErrors(t *testing.T) {
	_, err := stubAdapter("", errors.New("503 service unavailable")).Complete(context.Background(), Request{})
	var server *ServerError
	if !errors.As(err, &server) {
		t.Fatalf("expected ServerError, got %T: %v", err, err)
	}
}

func TestEstimateTokens(t *testing.T) {
	req := Request{Messages: []Message{
		UserMessage("Hello world, this is a test message."),
		ToolResultMessage("call_1", "some tool output here", false),
	}}
	if tokens := estimateTokens(req); tokens <= 0 {
		t.Errorf("expected positive token estimate, got %d", tokens)
	}
	if tokens := estimateTokens(Request{}); tokens != 10 {
		t.Errorf("expected default token estimate of 10, got %d", tokens)
	}
}
