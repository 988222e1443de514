// Package sandbox runs shell commands on behalf of the dependency planner.
//
// Commands always execute inside the project root with a bounded timeout and
// a filtered environment, so credentials used to reach the reasoning backend
// are never visible to commands the backend asked for.
package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"go.uber.org/zap"
)

// DefaultTimeout bounds a command when the caller passes zero.
const DefaultTimeout = 30 * time.Second

// ExecResult holds the result of a command execution.
type ExecResult struct {
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	ExitCode   int    `json:"exit_code"`
	TimedOut   bool   `json:"timed_out"`
	DurationMs int64  `json:"duration_ms"`
}

// Succeeded reports whether the command exited zero within its deadline.
func (r ExecResult) Succeeded() bool {
	return r.ExitCode == 0 && !r.TimedOut
}

// Output returns combined stdout and stderr.
func (r ExecResult) Output() string {
	if r.Stderr == "" {
		return r.Stdout
	}
	if r.Stdout == "" {
		return r.Stderr
	}
	return r.Stdout + "\n" + r.Stderr
}

// Sandbox abstracts where commands run.
type Sandbox interface {
	// Exec runs a shell command string in the sandbox root.
	Exec(ctx context.Context, command string, timeout time.Duration) (*ExecResult, error)

	// Run executes argv directly, without a shell.
	Run(ctx context.Context, argv []string, timeout time.Duration) (*ExecResult, error)

	// Root returns the directory commands run in.
	Root() string
}

// sensitiveEnvPatterns are case-insensitive suffixes for environment variables
// that are never passed to child processes.
var sensitiveEnvPatterns = []string{
	"_API_KEY",
	"_SECRET",
	"_TOKEN",
	"_PASSWORD",
	"_CREDENTIAL",
}

var safeEnvVars = map[string]bool{
	"PATH": true, "HOME": true, "USER": true, "SHELL": true,
	"LANG": true, "TERM": true, "TMPDIR": true,
	"VIRTUAL_ENV": true, "PYENV_ROOT": true, "UV_CACHE_DIR": true,
	"XDG_CONFIG_HOME": true, "XDG_DATA_HOME": true, "XDG_CACHE_HOME": true,
}

func isSensitiveEnvVar(name string) bool {
	upper := strings.ToUpper(name)
	for _, pattern := range sensitiveEnvPatterns {
		if strings.HasSuffix(upper, pattern) {
			return true
		}
	}
	return false
}

func filterEnvironment(environ []string) []string {
	var filtered []string
	for _, env := range environ {
		name, _, ok := strings.Cut(env, "=")
		if !ok {
			continue
		}
		if safeEnvVars[name] || !isSensitiveEnvVar(name) {
			filtered = append(filtered, env)
		}
	}
	return filtered
}

// Option configures a Local sandbox.
type Option func(*Local)

// WithLogger sets the logger used for command tracing.
func WithLogger(l *zap.Logger) Option {
	return func(s *Local) { s.logger = l }
}

// WithShell overrides the shell used by Exec.
func WithShell(shell string, arg string) Option {
	return func(s *Local) {
		s.shell = shell
		s.shellArg = arg
	}
}

// WithFullEnvironment passes the whole process environment, credentials
// included, to child processes.
func WithFullEnvironment() Option {
	return func(s *Local) { s.fullEnv = true }
}

// Local runs commands on the local machine.
type Local struct {
	root     string
	shell    string
	shellArg string
	fullEnv  bool
	logger   *zap.Logger
}

// NewLocal creates a sandbox rooted at root. An empty root means the current
// working directory.
func NewLocal(root string, opts ...Option) *Local {
	if root == "" {
		root, _ = os.Getwd()
	}
	s := &Local{
		root:     filepath.Clean(root),
		shell:    "/bin/bash",
		shellArg: "-c",
		logger:   zap.NewNop(),
	}
	if runtime.GOOS == "windows" {
		s.shell = "cmd.exe"
		s.shellArg = "/c"
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Root returns the sandbox root directory.
func (s *Local) Root() string { return s.root }

// Exec runs command through the configured shell.
func (s *Local) Exec(ctx context.Context, command string, timeout time.Duration) (*ExecResult, error) {
	if strings.TrimSpace(command) == "" {
		return nil, errors.New("exec: empty command")
	}
	return s.Run(ctx, []string{s.shell, s.shellArg, command}, timeout)
}

// Run executes argv in the sandbox root. A non-zero exit or a timeout is
// reported in the result, not as an error; errors mean the process could not
// be started at all.
func (s *Local) Run(ctx context.Context, argv []string, timeout time.Duration) (*ExecResult, error) {
	if len(argv) == 0 {
		return nil, errors.New("run: empty argv")
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = s.root
	cmd.Env = os.Environ()
	if !s.fullEnv {
		cmd.Env = filterEnvironment(cmd.Env)
	}
	setProcessGroup(cmd)
	cmd.Cancel = func() error {
		killProcessGroup(cmd)
		return nil
	}
	cmd.WaitDelay = time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	duration := time.Since(start)

	result := &ExecResult{
		Stdout:     stdout.String(),
		Stderr:     stderr.String(),
		DurationMs: duration.Milliseconds(),
	}

	if err != nil {
		var exitErr *exec.ExitError
		switch {
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			result.TimedOut = true
			result.ExitCode = -1
			killProcessGroup(cmd)
		case errors.As(err, &exitErr):
			result.ExitCode = exitErr.ExitCode()
		default:
			return nil, fmt.Errorf("run %s: %w", argv[0], err)
		}
	}

	s.logger.Debug("command finished",
		zap.Strings("argv", argv),
		zap.Int("exit_code", result.ExitCode),
		zap.Bool("timed_out", result.TimedOut),
		zap.Int64("duration_ms", result.DurationMs),
	)
	return result, nil
}
