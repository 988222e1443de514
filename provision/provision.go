// Package provision creates virtual environments and installs packages into
// them with uv.
package provision

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/martinemde/av/sandbox"
)

const (
	DefaultCreateTimeout  = 2 * time.Minute
	DefaultInstallTimeout = 10 * time.Minute
)

// Runner executes argv without a shell. sandbox.Sandbox satisfies it.
type Runner interface {
	Run(ctx context.Context, argv []string, timeout time.Duration) (*sandbox.ExecResult, error)
}

// LocalRunner runs uv on this machine in dir with the full process
// environment, so index credentials such as UV_INDEX_<NAME>_PASSWORD reach it.
func LocalRunner(dir string, opts ...sandbox.Option) *sandbox.Local {
	return sandbox.NewLocal(dir, append(opts, sandbox.WithFullEnvironment())...)
}

// ProvisionerError reports a failed environment operation.
type ProvisionerError struct {
	Op       string
	Path     string
	Packages []string
	ExitCode int
	Output   string
	Err      error
}

func (e *ProvisionerError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s %s", e.Op, e.Path)
	if len(e.Packages) > 0 {
		fmt.Fprintf(&sb, " (%s)", strings.Join(e.Packages, ", "))
	}
	switch {
	case e.Err != nil:
		fmt.Fprintf(&sb, ": %v", e.Err)
	default:
		fmt.Fprintf(&sb, ": exit status %d", e.ExitCode)
		if line := lastLine(e.Output); line != "" {
			fmt.Fprintf(&sb, ": %s", line)
		}
	}
	return sb.String()
}

func (e *ProvisionerError) Unwrap() error { return e.Err }

// PackageResult is the install outcome of one package.
type PackageResult struct {
	Name      string
	Installed bool
	Output    string
}

// Report lists per-package install outcomes in request order.
type Report struct {
	Results []PackageResult
}

// Failed returns the packages that did not install.
func (r *Report) Failed() []string {
	var out []string
	for _, res := range r.Results {
		if !res.Installed {
			out = append(out, res.Name)
		}
	}
	return out
}

// Installed returns the packages that installed.
func (r *Report) Installed() []string {
	var out []string
	for _, res := range r.Results {
		if res.Installed {
			out = append(out, res.Name)
		}
	}
	return out
}

// Provisioner drives uv.
type Provisioner struct {
	runner         Runner
	uv             string
	goos           string
	createTimeout  time.Duration
	installTimeout time.Duration
	logger         *zap.Logger
}

// Option configures a Provisioner.
type Option func(*Provisioner)

// WithUV sets the uv executable.
func WithUV(path string) Option {
	return func(p *Provisioner) { p.uv = path }
}

// WithInstallTimeout bounds one install command.
func WithInstallTimeout(d time.Duration) Option {
	return func(p *Provisioner) { p.installTimeout = d }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(p *Provisioner) { p.logger = l }
}

// New creates a Provisioner that runs uv through runner.
func New(runner Runner, opts ...Option) *Provisioner {
	p := &Provisioner{
		runner:         runner,
		uv:             "uv",
		goos:           runtime.GOOS,
		createTimeout:  DefaultCreateTimeout,
		installTimeout: DefaultInstallTimeout,
		logger:         zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Exists reports whether a virtual environment directory is present at path.
func Exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// PythonPath returns the interpreter inside the environment at venv.
func (p *Provisioner) PythonPath(venv string) string {
	if p.goos == "windows" {
		return filepath.Join(venv, "Scripts", "python.exe")
	}
	return filepath.Join(venv, "bin", "python")
}

// Create makes a virtual environment at path, replacing an existing one
// when clear is set.
func (p *Provisioner) Create(ctx context.Context, path string, clear bool) error {
	argv := []string{p.uv, "venv", path}
	if clear {
		argv = append(argv, "--clear")
	}
	p.logger.Info("creating virtual environment", zap.String("path", path), zap.Bool("clear", clear))
	res, err := p.runner.Run(ctx, argv, p.createTimeout)
	if err != nil {
		return &ProvisionerError{Op: "create", Path: path, Err: err}
	}
	if !res.Succeeded() {
		return &ProvisionerError{Op: "create", Path: path, ExitCode: res.ExitCode, Output: res.Output()}
	}
	return nil
}

// Install installs names into the environment at venv with one uv call. If
// that fails each package is retried alone so the report says which ones
// are at fault. The error is a *ProvisionerError naming the failed packages.
func (p *Provisioner) Install(ctx context.Context, venv string, names []string) (*Report, error) {
	report := &Report{}
	if len(names) == 0 {
		return report, nil
	}

	res, err := p.install(ctx, venv, names)
	if err == nil && res.Succeeded() {
		for _, n := range names {
			report.Results = append(report.Results, PackageResult{Name: n, Installed: true})
		}
		return report, nil
	}
	if err != nil && ctx.Err() != nil {
		return report, &ProvisionerError{Op: "install", Path: venv, Packages: names, Err: err}
	}
	p.logger.Warn("batch install failed; retrying packages one at a time", zap.Strings("packages", names))

	for _, n := range names {
		single, err := p.install(ctx, venv, []string{n})
		result := PackageResult{Name: n}
		switch {
		case err != nil:
			result.Output = err.Error()
		case single.Succeeded():
			result.Installed = true
		default:
			result.Output = single.Output()
		}
		report.Results = append(report.Results, result)
	}

	failed := report.Failed()
	if len(failed) == 0 {
		return report, nil
	}
	perr := &ProvisionerError{Op: "install", Path: venv, Packages: failed, ExitCode: 1}
	if res != nil {
		perr.ExitCode = res.ExitCode
		perr.Output = res.Output()
	} else {
		perr.Err = err
	}
	return report, perr
}

func (p *Provisioner) install(ctx context.Context, venv string, names []string) (*sandbox.ExecResult, error) {
	argv := append([]string{p.uv, "pip", "install", "--python", p.PythonPath(venv)}, names...)
	p.logger.Info("installing packages", zap.Strings("argv", argv))
	res, err := p.runner.Run(ctx, argv, p.installTimeout)
	if err != nil {
		return nil, err
	}
	if res.TimedOut {
		return res, errors.New("install timed out")
	}
	return res, nil
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[i+1:])
	}
	return s
}
