package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/martinemde/av/assistant"
	"github.com/martinemde/av/config"
	"github.com/martinemde/av/provision"
	"github.com/martinemde/av/sandbox"
)

type venvFlags struct {
	project    string
	yes        bool
	dryRun     bool
	configFile string
	verbose    bool
	maxTurns   int
	noVerify   bool
}

// NewRootCmd builds the av command tree.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "av",
		Short:         "Python environment assistant",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newVenvCmd())
	return root
}

func newVenvCmd() *cobra.Command {
	var flags venvFlags
	cmd := &cobra.Command{
		Use:   "venv [VENV_PATH]",
		Short: "Create a virtual environment and install the project's dependencies",
		Long: `Analyze the project, infer the third-party packages it needs and install
them into a virtual environment with uv.

With OPENAI_API_KEY (or ANTHROPIC_API_KEY when the provider is anthropic) set,
a reasoning model explores the project. Without it, declaration files and
import statements are read statically.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			venv := ""
			if len(args) == 1 {
				venv = args[0]
			}
			return runVenv(cmd, flags, venv)
		},
	}
	f := cmd.Flags()
	f.StringVarP(&flags.project, "project", "p", ".", "project directory")
	f.BoolVarP(&flags.yes, "yes", "y", false, "answer yes to every prompt")
	f.BoolVar(&flags.dryRun, "dry-run", false, "show the plan without touching the environment")
	f.StringVar(&flags.configFile, "config", "", "config file (default <project>/"+config.FileName+")")
	f.BoolVarP(&flags.verbose, "verbose", "v", false, "log debug output to stderr")
	f.IntVar(&flags.maxTurns, "max-turns", 0, "tool call budget for the agent")
	f.BoolVar(&flags.noVerify, "no-verify", false, "skip checking package names against the index")
	return cmd
}

func runVenv(cmd *cobra.Command, flags venvFlags, venvArg string) error {
	logger, err := newLogger(flags.verbose)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	root, err := assistant.ProjectRoot(flags.project)
	if err != nil {
		return err
	}

	cfg, err := config.Resolve(config.Options{ProjectDir: root, File: flags.configFile})
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("max-turns") {
		cfg.MaxTurns = flags.maxTurns
	}
	if flags.noVerify {
		cfg.NoVerify = true
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if venvArg == "" {
		venvArg = cfg.VenvDir
	}

	planner, err := assistant.NewPlanner(cfg, root, assistant.BuildOptions{Verify: !cfg.NoVerify}, logger)
	if err != nil {
		return err
	}
	prov := provision.New(provision.LocalRunner(root, sandbox.WithLogger(logger)),
		provision.WithUV(cfg.UV),
		provision.WithLogger(logger),
	)

	app := assistant.New(planner, prov,
		assistant.WithInput(cmd.InOrStdin()),
		assistant.WithOutput(cmd.OutOrStdout()),
		assistant.WithLogger(logger),
	)
	return app.Run(cmd.Context(), assistant.Options{
		ProjectDir: root,
		VenvPath:   venvArg,
		DryRun:     flags.dryRun,
		Yes:        flags.yes,
	})
}

// newLogger logs JSON at warn level, or human-readable debug output when
// verbose.
func newLogger(verbose bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if verbose {
		cfg = zap.NewDevelopmentConfig()
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	} else {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	}
	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return logger, nil
}
