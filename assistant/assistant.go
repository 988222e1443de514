// Package assistant is the `av venv` workflow: infer a plan, show it,
// confirm with the user and provision the environment.
package assistant

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/martinemde/av/orchestrator"
	"github.com/martinemde/av/provision"
)

// Messages printed by the workflow.
const (
	MsgNothingToInstall = "No dependencies detected; nothing to install."
	MsgDryRun           = "Dry run: the virtual environment was not modified."
	QuestionRecreate    = "Clear and recreate?"
	QuestionInstall     = "Install dependencies into virtual environment?"
)

var (
	// ErrInferenceFailed is returned when no plan could be produced.
	ErrInferenceFailed = errors.New("dependency inference failed")
	// ErrInvalidProject is returned when the project directory is unusable.
	ErrInvalidProject = errors.New("invalid project directory")
)

// Provisioner creates environments and installs packages.
type Provisioner interface {
	Create(ctx context.Context, path string, clear bool) error
	Install(ctx context.Context, venv string, names []string) (*provision.Report, error)
}

// Options are the per-invocation inputs.
type Options struct {
	ProjectDir string
	// VenvPath is resolved against ProjectDir when relative.
	VenvPath string
	DryRun   bool
	Yes      bool
}

// App runs the workflow.
type App struct {
	planner     Planner
	provisioner Provisioner
	in          *bufio.Reader
	out         io.Writer
	logger      *zap.Logger
}

// Option configures an App.
type Option func(*App)

// WithInput sets where answers are read from.
func WithInput(r io.Reader) Option {
	return func(a *App) { a.in = bufio.NewReader(r) }
}

// WithOutput sets where the plan and prompts are written.
func WithOutput(w io.Writer) Option {
	return func(a *App) { a.out = w }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(a *App) { a.logger = l }
}

// New creates an App.
func New(planner Planner, provisioner Provisioner, opts ...Option) *App {
	a := &App{
		planner:     planner,
		provisioner: provisioner,
		in:          bufio.NewReader(os.Stdin),
		out:         os.Stdout,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// ProjectRoot returns the absolute project directory, checking that it
// exists and is a directory.
func ProjectRoot(dir string) (string, error) {
	if dir == "" {
		dir = "."
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidProject, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidProject, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%w: %s is not a directory", ErrInvalidProject, abs)
	}
	return abs, nil
}

// Run executes the workflow. A failed inference returns ErrInferenceFailed
// before the environment is touched.
func (a *App) Run(ctx context.Context, opts Options) error {
	root, err := ProjectRoot(opts.ProjectDir)
	if err != nil {
		return err
	}
	venv := opts.VenvPath
	if venv == "" {
		venv = ".venv"
	}
	if !filepath.IsAbs(venv) {
		venv = filepath.Join(root, venv)
	}

	fmt.Fprintf(a.out, "Analyzing %s ...\n", root)
	inf, err := a.planner.Plan(ctx, root)
	if inf != nil {
		fmt.Fprint(a.out, RenderPlan(a.planner.Describe(), inf))
	}
	if err != nil {
		a.logger.Error("inference failed", zap.Error(err))
		return fmt.Errorf("%w: %w", ErrInferenceFailed, err)
	}
	if inf.State == orchestrator.StateFailed {
		return fmt.Errorf("%w: %w", ErrInferenceFailed, inf.Err)
	}

	names := inf.Plan.Names()
	if opts.DryRun {
		if len(names) == 0 {
			fmt.Fprintln(a.out, MsgNothingToInstall)
		}
		fmt.Fprintln(a.out, MsgDryRun)
		return nil
	}

	if err := a.prepareVenv(ctx, venv, opts.Yes); err != nil {
		return err
	}
	if len(names) == 0 {
		fmt.Fprintln(a.out, MsgNothingToInstall)
		return nil
	}
	if !opts.Yes && !Confirm(a.in, a.out, QuestionInstall, true) {
		fmt.Fprintln(a.out, "Skipped installation.")
		return nil
	}

	report, err := a.provisioner.Install(ctx, venv, names)
	if report != nil {
		fmt.Fprint(a.out, RenderInstall(report.Installed(), report.Failed()))
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "Installed %d package(s) into %s\n", len(names), venv)
	return nil
}

// prepareVenv creates the environment, or asks before recreating an
// existing one. --yes recreates without asking.
func (a *App) prepareVenv(ctx context.Context, venv string, yes bool) error {
	if !provision.Exists(venv) {
		fmt.Fprintf(a.out, "Creating virtual environment at %s\n", venv)
		return a.provisioner.Create(ctx, venv, false)
	}

	fmt.Fprintf(a.out, "Virtual environment already exists at %s\n", venv)
	if yes || Confirm(a.in, a.out, QuestionRecreate, false) {
		fmt.Fprintf(a.out, "Recreating virtual environment at %s\n", venv)
		return a.provisioner.Create(ctx, venv, true)
	}
	a.logger.Info("reusing existing virtual environment", zap.String("path", venv))
	return nil
}
