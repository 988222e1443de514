package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/martinemde/av/capability"
	"github.com/martinemde/av/observation"
	"github.com/martinemde/av/plan"
	"github.com/martinemde/av/pypi"
	"github.com/martinemde/av/reasoning"
	"github.com/martinemde/av/sandbox"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type step func(req reasoning.DecisionRequest) (reasoning.Decision, error)

// scriptedBackend replays steps in order and records every request.
type scriptedBackend struct {
	mu       sync.Mutex
	steps    []step
	requests []reasoning.DecisionRequest
}

func script(steps ...step) *scriptedBackend {
	return &scriptedBackend{steps: steps}
}

func (b *scriptedBackend) Decide(_ context.Context, req reasoning.DecisionRequest) (reasoning.Decision, error) {
	b.mu.Lock()
	i := len(b.requests)
	b.requests = append(b.requests, req)
	b.mu.Unlock()
	if i >= len(b.steps) {
		return reasoning.Decision{}, fmt.Errorf("script exhausted at request %d", i+1)
	}
	return b.steps[i](req)
}

func (b *scriptedBackend) calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.requests)
}

func call(name, args string) step {
	return func(reasoning.DecisionRequest) (reasoning.Decision, error) {
		return reasoning.Decision{Kind: reasoning.DecisionCall, Call: &reasoning.CapabilityCall{
			ID: "call_" + name, Name: name, Arguments: json.RawMessage(args),
		}}, nil
	}
}

func final(names ...string) step {
	return func(reasoning.DecisionRequest) (reasoning.Decision, error) {
		pkgs := make([]reasoning.ProposedPackage, len(names))
		for i, n := range names {
			pkgs[i] = reasoning.ProposedPackage{Name: n}
		}
		return reasoning.Decision{Kind: reasoning.DecisionFinal, Final: &reasoning.FinalAnswer{Packages: pkgs, Rationale: "from imports"}}, nil
	}
}

func failWith(err error) step {
	return func(reasoning.DecisionRequest) (reasoning.Decision, error) { return reasoning.Decision{}, err }
}

func malformed() step {
	return failWith(&reasoning.MalformedResponseError{Reason: "reply is neither a capability call nor a final answer"})
}

type fakeSandbox struct {
	result *sandbox.ExecResult
}

func (f *fakeSandbox) Exec(context.Context, string, time.Duration) (*sandbox.ExecResult, error) {
	return f.result, nil
}

func (f *fakeSandbox) Run(context.Context, []string, time.Duration) (*sandbox.ExecResult, error) {
	return f.result, nil
}

func (f *fakeSandbox) Root() string { return "/project" }

type fakeIndex struct {
	results []pypi.SearchResult
	info    map[string]*pypi.PackageInfo
}

func (f *fakeIndex) Search(context.Context, string, int) ([]pypi.SearchResult, error) {
	return f.results, nil
}

func (f *fakeIndex) PackageInfo(_ context.Context, name, _ string) (*pypi.PackageInfo, error) {
	if info, ok := f.info[name]; ok {
		return info, nil
	}
	return nil, &pypi.NotFoundError{Path: "/pypi/" + name + "/json"}
}

func builtinRegistry(t *testing.T, sb *fakeSandbox, idx *fakeIndex) *capability.Registry {
	t.Helper()
	if sb == nil {
		sb = &fakeSandbox{result: &sandbox.ExecResult{Stdout: "app.py\n"}}
	}
	if idx == nil {
		idx = &fakeIndex{}
	}
	r, err := capability.NewDefaultRegistry(capability.BuiltinConfig{Sandbox: sb, Index: idx, CommandTimeout: time.Second})
	require.NoError(t, err)
	return r
}

func testConfig(maxTurns int) Config {
	cfg := DefaultConfig()
	cfg.MaxTurns = maxTurns
	cfg.CapabilityTimeout = time.Second
	return cfg
}

func newOrchestrator(t *testing.T, b reasoning.Backend, r Registry, cfg Config, opts ...Option) *Orchestrator {
	t.Helper()
	opts = append([]Option{WithConfig(cfg), WithLogger(zaptest.NewLogger(t))}, opts...)
	return New(b, r, opts...)
}

func TestZeroBudgetNeverCallsBackend(t *testing.T) {
	backend := script(final("requests"))
	o := newOrchestrator(t, backend, builtinRegistry(t, nil, nil), testConfig(0))

	res, err := o.Run(context.Background(), "/project")
	require.NoError(t, err)
	assert.Equal(t, StateBudgetExceeded, res.State)
	assert.ErrorIs(t, res.Err, ErrBudgetExceeded)
	assert.True(t, res.Plan.Empty())
	assert.True(t, res.Plan.Partial)
	assert.Equal(t, 0, backend.calls())
	assert.Equal(t, 0, res.Turns)
}

// statePath drains a finished session's events and returns the states it
// moved through.
func statePath(s *Session) []State {
	path := []State{StateInit}
	for ev := range s.Events() {
		if ev.Kind == EventStateChange {
			path = append(path, State(ev.Data["to"].(string)))
		}
	}
	return path
}

func TestZeroBudgetSkipsRunning(t *testing.T) {
	o := newOrchestrator(t, script(final("requests")), builtinRegistry(t, nil, nil), testConfig(0))
	s := o.NewSession("/project")

	_, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []State{StateInit, StateBudgetExceeded}, statePath(s))
}

func TestStatePathThroughRunning(t *testing.T) {
	o := newOrchestrator(t, script(final("requests")), builtinRegistry(t, nil, nil), testConfig(3))
	s := o.NewSession("/project")

	_, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []State{StateInit, StateRunning, StateDone}, statePath(s))
}

func TestSearchThenFinalAnswer(t *testing.T) {
	idx := &fakeIndex{results: []pypi.SearchResult{{Name: "beautifulsoup4", Version: "4.12.3", Summary: "Screen-scraping library"}}}
	backend := script(
		call(capability.SearchPyPIPackages, `{"query": "beautifulsoup"}`),
		func(req reasoning.DecisionRequest) (reasoning.Decision, error) {
			require.Len(t, req.History, 1)
			assert.Equal(t, capability.SearchPyPIPackages, req.History[0].Capability)
			assert.False(t, req.History[0].IsError)
			assert.Contains(t, req.History[0].Result, "beautifulsoup4")
			return final("beautifulsoup4")(req)
		},
	)
	o := newOrchestrator(t, backend, builtinRegistry(t, nil, idx), testConfig(10))

	res, err := o.Run(context.Background(), "/project")
	require.NoError(t, err)
	assert.Equal(t, StateDone, res.State)
	assert.Equal(t, []string{"beautifulsoup4"}, res.Plan.Names())
	assert.Equal(t, plan.SourceAgent, res.Plan.Source)
	assert.False(t, res.Plan.Partial)
	assert.Equal(t, 1, res.Turns)
	require.Len(t, res.Observations, 1)
	assert.Equal(t, "call_"+capability.SearchPyPIPackages, res.Observations[0].CallID)
}

func TestEveryRequestCarriesSchemasAndRoot(t *testing.T) {
	backend := script(call(capability.RunBashCommand, `{"command": "ls"}`), final())
	o := newOrchestrator(t, backend, builtinRegistry(t, nil, nil), testConfig(5))

	_, err := o.Run(context.Background(), "/work/app")
	require.NoError(t, err)
	for _, req := range backend.requests {
		assert.Equal(t, "/work/app", req.ProjectRoot)
		require.Len(t, req.Capabilities, 3)
		assert.Equal(t, capability.RunBashCommand, req.Capabilities[0].Name)
		assert.Equal(t, capability.GetPackageInfo, req.Capabilities[2].Name)
		assert.Contains(t, req.System, "/work/app")
	}
	assert.Len(t, backend.requests[1].History, 1)
}

func TestDuplicateCandidatesCollapse(t *testing.T) {
	o := newOrchestrator(t, script(final("Flask", "flask")), builtinRegistry(t, nil, nil), testConfig(5))

	res, err := o.Run(context.Background(), "/project")
	require.NoError(t, err)
	assert.Equal(t, []string{"Flask"}, res.Plan.Names())
}

func TestTransportFailureFailsSession(t *testing.T) {
	cause := &reasoning.TransportError{Attempts: 3, Cause: &reasoning.NetworkError{SDKError: reasoning.SDKError{Message: "connection refused"}}}
	o := newOrchestrator(t, script(failWith(cause)), builtinRegistry(t, nil, nil), testConfig(5))

	res, err := o.Run(context.Background(), "/project")
	var transport *reasoning.TransportError
	require.ErrorAs(t, err, &transport)
	assert.Equal(t, StateFailed, res.State)
	assert.True(t, res.Plan.Empty())
	assert.Equal(t, 0, res.Turns)
}

func TestNonRetryableBackendErrorFailsSession(t *testing.T) {
	o := newOrchestrator(t, script(failWith(&reasoning.AuthenticationError{})), builtinRegistry(t, nil, nil), testConfig(5))

	res, err := o.Run(context.Background(), "/project")
	var auth *reasoning.AuthenticationError
	require.ErrorAs(t, err, &auth)
	assert.Equal(t, StateFailed, res.State)
}

func TestExecutionFailureIsFedBack(t *testing.T) {
	sb := &fakeSandbox{result: &sandbox.ExecResult{Stderr: "cat: setup.py: No such file", ExitCode: 1}}
	backend := script(
		call(capability.RunBashCommand, `{"command": "cat setup.py"}`),
		func(req reasoning.DecisionRequest) (reasoning.Decision, error) {
			require.Len(t, req.History, 1)
			assert.True(t, req.History[0].IsError)
			assert.Contains(t, req.History[0].Result, "No such file")
			return final("requests")(req)
		},
	)
	o := newOrchestrator(t, backend, builtinRegistry(t, sb, nil), testConfig(5))

	res, err := o.Run(context.Background(), "/project")
	require.NoError(t, err)
	assert.Equal(t, StateDone, res.State)
	assert.Equal(t, 1, res.Turns)
	require.Len(t, res.Observations, 1)
	assert.True(t, res.Observations[0].Failed())
	assert.Equal(t, capability.CategoryExecution, res.Observations[0].Outcome.Failure.Category)
}

func TestUnknownCapabilityAndBadArgumentsAreRecorded(t *testing.T) {
	backend := script(
		call("install_everything", `{}`),
		call(capability.SearchPyPIPackages, `{"query": ""}`),
		final(),
	)
	o := newOrchestrator(t, backend, builtinRegistry(t, nil, nil), testConfig(5))

	res, err := o.Run(context.Background(), "/project")
	require.NoError(t, err)
	assert.Equal(t, StateDone, res.State)
	require.Len(t, res.Observations, 2)
	assert.Equal(t, capability.CategoryUnknownCapability, res.Observations[0].Outcome.Failure.Category)
	assert.Equal(t, capability.CategoryInvalidArguments, res.Observations[1].Outcome.Failure.Category)
}

func TestMalformedRepliesAreRecordedThenFail(t *testing.T) {
	backend := script(malformed(), malformed(), malformed(), final("never"))
	o := newOrchestrator(t, backend, builtinRegistry(t, nil, nil), testConfig(10))

	res, err := o.Run(context.Background(), "/project")
	var bad *reasoning.MalformedResponseError
	require.ErrorAs(t, err, &bad)
	assert.Equal(t, StateFailed, res.State)
	assert.Equal(t, 3, backend.calls())
	assert.Equal(t, 3, res.Turns)

	second := backend.requests[1]
	require.Len(t, second.History, 1)
	assert.True(t, second.History[0].Malformed)
	assert.Contains(t, second.History[0].Result, "neither")
}

func TestMalformedCounterResetsOnGoodReply(t *testing.T) {
	backend := script(
		malformed(), malformed(),
		call(capability.RunBashCommand, `{"command": "ls"}`),
		malformed(), malformed(),
		final("requests"),
	)
	o := newOrchestrator(t, backend, builtinRegistry(t, nil, nil), testConfig(10))

	res, err := o.Run(context.Background(), "/project")
	require.NoError(t, err)
	assert.Equal(t, StateDone, res.State)
	assert.Equal(t, 5, res.Turns)
}

func TestMalformedRepliesCountAgainstBudget(t *testing.T) {
	cfg := testConfig(2)
	cfg.ConcludeOnBudget = false
	o := newOrchestrator(t, script(malformed(), malformed()), builtinRegistry(t, nil, nil), cfg)

	res, err := o.Run(context.Background(), "/project")
	require.NoError(t, err)
	assert.Equal(t, StateBudgetExceeded, res.State)
	assert.True(t, res.Plan.Empty())
}

func TestConsecutiveFailureThreshold(t *testing.T) {
	sb := &fakeSandbox{result: &sandbox.ExecResult{ExitCode: 2}}
	cfg := testConfig(10)
	cfg.MaxConsecutiveFailures = 2
	backend := script(
		call(capability.RunBashCommand, `{"command": "false"}`),
		call(capability.RunBashCommand, `{"command": "false 2"}`),
		final("requests"),
	)
	o := newOrchestrator(t, backend, builtinRegistry(t, sb, nil), cfg)

	res, err := o.Run(context.Background(), "/project")
	require.ErrorIs(t, err, ErrTooManyFailures)
	assert.Equal(t, StateFailed, res.State)
	assert.Equal(t, 2, backend.calls())
}

func TestMalformedRepliesDoNotCountAsFailures(t *testing.T) {
	sb := &fakeSandbox{result: &sandbox.ExecResult{ExitCode: 2}}
	cfg := testConfig(10)
	cfg.MaxConsecutiveFailures = 3
	backend := script(
		call(capability.RunBashCommand, `{"command": "false"}`),
		malformed(),
		call(capability.RunBashCommand, `{"command": "false 2"}`),
		malformed(),
		final("requests"),
	)
	o := newOrchestrator(t, backend, builtinRegistry(t, sb, nil), cfg)

	res, err := o.Run(context.Background(), "/project")
	require.NoError(t, err)
	assert.Equal(t, StateDone, res.State)
	assert.Equal(t, []string{"requests"}, res.Plan.Names())
	assert.Equal(t, 5, backend.calls())
}

func TestFailureThresholdDisabledByDefault(t *testing.T) {
	sb := &fakeSandbox{result: &sandbox.ExecResult{ExitCode: 2}}
	steps := make([]step, 0, 6)
	for i := range 5 {
		steps = append(steps, call(capability.RunBashCommand, fmt.Sprintf(`{"command": "false %d"}`, i)))
	}
	steps = append(steps, final())
	o := newOrchestrator(t, script(steps...), builtinRegistry(t, sb, nil), testConfig(10))

	res, err := o.Run(context.Background(), "/project")
	require.NoError(t, err)
	assert.Equal(t, StateDone, res.State)
	assert.Equal(t, 5, res.Turns)
}

// blockingRegistry cancels the session while its capability is running.
type blockingRegistry struct {
	cancel  context.CancelFunc
	sawDone bool
}

func (r *blockingRegistry) List() []capability.Capability {
	return []capability.Capability{{Name: capability.RunBashCommand, Description: "run"}}
}

func (r *blockingRegistry) Invoke(ctx context.Context, _ string, _ json.RawMessage) (capability.Outcome, error) {
	r.cancel()
	r.sawDone = ctx.Err() != nil
	return capability.CommandOutcome(capability.CommandResult{Stdout: "done"}), nil
}

func TestCancellationWaitsForInFlightCall(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reg := &blockingRegistry{cancel: cancel}
	backend := script(call(capability.RunBashCommand, `{"command": "sleep 1"}`), final("requests"))
	o := newOrchestrator(t, backend, reg, testConfig(5))

	res, err := o.Run(ctx, "/project")
	require.ErrorIs(t, err, context.Canceled)
	assert.False(t, reg.sawDone, "in-flight call must not see session cancellation")
	assert.Equal(t, StateFailed, res.State)
	require.Len(t, res.Observations, 1)
	assert.True(t, res.Observations[0].Outcome.Succeeded())
	assert.Equal(t, 1, backend.calls())
}

func TestConcludeOnBudget(t *testing.T) {
	backend := script(
		call(capability.RunBashCommand, `{"command": "cat requirements.txt"}`),
		func(req reasoning.DecisionRequest) (reasoning.Decision, error) {
			assert.True(t, req.Conclude)
			return final("requests")(req)
		},
	)
	o := newOrchestrator(t, backend, builtinRegistry(t, nil, nil), testConfig(1))

	res, err := o.Run(context.Background(), "/project")
	require.NoError(t, err)
	assert.Equal(t, StateBudgetExceeded, res.State)
	assert.Equal(t, []string{"requests"}, res.Plan.Names())
	assert.True(t, res.Plan.Partial)
	assert.Equal(t, "from imports", res.Plan.Rationale)
}

func TestSalvageWhenConcludeFails(t *testing.T) {
	idx := &fakeIndex{info: map[string]*pypi.PackageInfo{
		"requests": {Name: "requests", Version: "2.32.3"},
	}}
	backend := script(
		call(capability.GetPackageInfo, `{"package_name": "requests"}`),
		call(capability.GetPackageInfo, `{"package_name": "not-a-real-package"}`),
		malformed(),
	)
	o := newOrchestrator(t, backend, builtinRegistry(t, nil, idx), testConfig(2))

	res, err := o.Run(context.Background(), "/project")
	require.NoError(t, err)
	assert.Equal(t, StateBudgetExceeded, res.State)
	assert.Equal(t, []string{"requests"}, res.Plan.Names())
	assert.Contains(t, res.Plan.Rationale, "salvaged")
	assert.Equal(t, 3, backend.calls())
}

func TestValidatorRejectionsReachPlan(t *testing.T) {
	resolver := plan.ResolverFunc(func(_ context.Context, name string) (string, error) {
		if name == "made-up-pkg" {
			return "", plan.ErrNotFound
		}
		return name, nil
	})
	o := newOrchestrator(t, script(final("requests", "made-up-pkg")), builtinRegistry(t, nil, nil), testConfig(5),
		WithValidator(plan.NewValidator(plan.WithResolver(resolver))))

	res, err := o.Run(context.Background(), "/project")
	require.NoError(t, err)
	assert.Equal(t, []string{"requests"}, res.Plan.Names())
	require.Len(t, res.Plan.Rejected, 1)
	assert.Equal(t, "made-up-pkg", res.Plan.Rejected[0].Name)
}

func TestLoopDetectionSteersNextRequest(t *testing.T) {
	cfg := testConfig(10)
	cfg.LoopDetectionWindow = 3
	same := call(capability.RunBashCommand, `{"command": "ls"}`)
	backend := script(same, same, same, final())
	o := newOrchestrator(t, backend, builtinRegistry(t, nil, nil), cfg)
	s := o.NewSession("/project")

	res, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateDone, res.State)
	assert.Empty(t, backend.requests[2].Notes)
	require.Len(t, backend.requests[3].Notes, 1)
	assert.Contains(t, backend.requests[3].Notes[0], "Loop detected")

	var kinds []EventKind
	for ev := range s.Events() {
		kinds = append(kinds, ev.Kind)
	}
	assert.Contains(t, kinds, EventLoopDetection)
	assert.Equal(t, EventSessionStart, kinds[0])
	assert.Equal(t, EventSessionEnd, kinds[len(kinds)-1])
}

func TestSteerReachesNextRequestOnly(t *testing.T) {
	backend := script(call(capability.RunBashCommand, `{"command": "ls"}`), final())
	o := newOrchestrator(t, backend, builtinRegistry(t, nil, nil), testConfig(5))
	s := o.NewSession("/project")
	s.Steer("look at pyproject.toml first")

	_, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"look at pyproject.toml first"}, backend.requests[0].Notes)
	assert.Empty(t, backend.requests[1].Notes)
}

func TestSessionRunsOnce(t *testing.T) {
	o := newOrchestrator(t, script(final()), builtinRegistry(t, nil, nil), testConfig(5))
	s := o.NewSession("/project")
	assert.Equal(t, StateInit, s.State())

	_, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateDone, s.State())
	assert.True(t, s.State().Terminal())

	_, err = s.Run(context.Background())
	assert.ErrorIs(t, err, ErrSessionUsed)
}

func TestEventsAreDrainedConcurrently(t *testing.T) {
	backend := script(call(capability.RunBashCommand, `{"command": "ls"}`), final("requests"))
	o := newOrchestrator(t, backend, builtinRegistry(t, nil, nil), testConfig(5))
	s := o.NewSession("/project")

	var (
		wg     sync.WaitGroup
		events []Event
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		for ev := range s.Events() {
			events = append(events, ev)
		}
	}()
	_, err := s.Run(context.Background())
	require.NoError(t, err)
	wg.Wait()

	var ends int
	for _, ev := range events {
		assert.Equal(t, s.ID(), ev.SessionID)
		if ev.Kind == EventCapabilityEnd {
			ends++
			assert.Equal(t, true, ev.Data["succeeded"])
		}
	}
	assert.Equal(t, 1, ends)
}

func TestExchanges(t *testing.T) {
	history := []observation.Observation{
		{CallID: "c1", Capability: capability.RunBashCommand, Arguments: json.RawMessage(`{"command":"ls"}`),
			Outcome: capability.CommandOutcome(capability.CommandResult{Stdout: strings.Repeat("x", 500)})},
		{CallID: "m1", Outcome: capability.FailureOutcome(capability.CategoryMalformedResponse, "no tool call")},
	}
	ex := Exchanges(history, 100)
	require.Len(t, ex, 2)
	assert.Equal(t, capability.RunBashCommand, ex[0].Capability)
	assert.Less(t, len(ex[0].Result), 400)
	assert.True(t, ex[1].Malformed)
	assert.Equal(t, "no tool call", ex[1].Result)
}

func TestBuildSystemPrompt(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "requirements.txt"), []byte("requests\n"), 0o644))
	caps := []capability.Capability{{Name: capability.RunBashCommand, Description: "Run a shell command."}}

	prompt := BuildSystemPrompt(root, caps, 7, "Prefer pinned versions.")
	assert.Contains(t, prompt, "- run_bash_command: Run a shell command.")
	assert.Contains(t, prompt, "Project root: "+root)
	assert.Contains(t, prompt, "Tool call budget: 7")
	assert.Contains(t, prompt, "Dependency files at root: requirements.txt")
	assert.True(t, strings.HasSuffix(prompt, "# User Instructions\n\nPrefer pinned versions."))
}

func TestSalvage(t *testing.T) {
	history := []observation.Observation{
		{Capability: capability.GetPackageInfo, Outcome: capability.MetadataOutcome(capability.PackageMetadata{Name: "numpy"})},
		{Capability: capability.GetPackageInfo, Outcome: capability.FailureOutcome(capability.CategoryNotFound, "nope")},
		{Capability: capability.SearchPyPIPackages, Outcome: capability.SearchOutcome(capability.SearchResults{Query: "x"})},
		{Capability: capability.GetPackageInfo, Outcome: capability.MetadataOutcome(capability.PackageMetadata{Name: "Pillow"})},
	}
	got := Salvage(history)
	require.Len(t, got, 2)
	assert.Equal(t, "numpy", got[0].RawName)
	assert.Equal(t, "pillow", got[1].NormalizedName)
}

func TestScriptExhaustedIsAFailure(t *testing.T) {
	o := newOrchestrator(t, script(), builtinRegistry(t, nil, nil), testConfig(3))
	res, err := o.Run(context.Background(), "/project")
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrBudgetExceeded))
	assert.Equal(t, StateFailed, res.State)
}
