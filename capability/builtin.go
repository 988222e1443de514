package capability

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/martinemde/av/pypi"
	"github.com/martinemde/av/sandbox"
)

// Builtin capability names, in the order they are offered.
const (
	RunBashCommand     = "run_bash_command"
	SearchPyPIPackages = "search_pypi_packages"
	GetPackageInfo     = "get_package_info"
)

const (
	DefaultSearchLimit = 10
	MaxSearchLimit     = 50
)

// PackageIndex is the registry client the builtins query.
type PackageIndex interface {
	Search(ctx context.Context, query string, limit int) ([]pypi.SearchResult, error)
	PackageInfo(ctx context.Context, name, version string) (*pypi.PackageInfo, error)
}

// RunCommandArgs are the arguments of run_bash_command.
type RunCommandArgs struct {
	Command string `json:"command" jsonschema:"description=Shell command to run in the project root" validate:"notblank"`
}

// SearchArgs are the arguments of search_pypi_packages.
type SearchArgs struct {
	Query string `json:"query" jsonschema:"description=Search terms such as a module or project name" validate:"notblank"`
	Limit int    `json:"limit,omitempty" jsonschema:"description=Maximum number of results,minimum=1,maximum=50,default=10" validate:"omitempty,min=1,max=50"`
}

// PackageInfoArgs are the arguments of get_package_info.
type PackageInfoArgs struct {
	PackageName string `json:"package_name" jsonschema:"description=Exact project name on PyPI" validate:"notblank"`
	Version     string `json:"version,omitempty" jsonschema:"description=Specific release; latest when omitted"`
}

// BuiltinConfig wires the builtin capabilities to their collaborators.
type BuiltinConfig struct {
	Sandbox        sandbox.Sandbox
	Index          PackageIndex
	CommandTimeout time.Duration
}

// Builtins returns the three standard capability definitions in order.
func Builtins(cfg BuiltinConfig) []Definition {
	return []Definition{
		RunCommand(cfg.Sandbox, cfg.CommandTimeout),
		SearchPackages(cfg.Index),
		PackageInfo(cfg.Index),
	}
}

// NewDefaultRegistry builds a registry with the builtin capabilities.
func NewDefaultRegistry(cfg BuiltinConfig) (*Registry, error) {
	return NewRegistry(Builtins(cfg)...)
}

// RunCommand defines run_bash_command. A non-zero exit is an execution
// failure whose message carries the exit code, stderr and stdout; a timeout
// is a timeout failure.
func RunCommand(sb sandbox.Sandbox, timeout time.Duration) Definition {
	if timeout <= 0 {
		timeout = sandbox.DefaultTimeout
	}
	return Define(RunBashCommand,
		"Run a bash command inside the project directory and return its output. "+
			"Use it to list files and read source or dependency declaration files.",
		CommandResult{},
		func(ctx context.Context, args RunCommandArgs) (Outcome, error) {
			res, err := sb.Exec(ctx, args.Command, timeout)
			if err != nil {
				return Outcome{}, &ExecutionError{Capability: RunBashCommand, Category: CategoryExecution, Err: err}
			}
			if res.TimedOut {
				return FailureOutcome(CategoryTimeout, "command timed out after %s", timeout), nil
			}
			if res.ExitCode != 0 {
				return FailureOutcome(CategoryExecution, "command exited with status %d\n%s",
					res.ExitCode, strings.TrimSpace(res.Output())), nil
			}
			return CommandOutcome(CommandResult{
				Stdout:     res.Stdout,
				Stderr:     res.Stderr,
				ExitCode:   res.ExitCode,
				TimedOut:   res.TimedOut,
				DurationMs: res.DurationMs,
			}), nil
		})
}

// SearchPackages defines search_pypi_packages.
func SearchPackages(index PackageIndex) Definition {
	return Define(SearchPyPIPackages,
		"Search PyPI for packages matching a query. Returns ranked project names with versions and summaries.",
		SearchResults{},
		func(ctx context.Context, args SearchArgs) (Outcome, error) {
			limit := args.Limit
			if limit == 0 {
				limit = DefaultSearchLimit
			}
			found, err := index.Search(ctx, args.Query, limit)
			if err != nil {
				return Outcome{}, indexError(SearchPyPIPackages, err)
			}
			matches := make([]SearchMatch, len(found))
			for i, r := range found {
				matches[i] = SearchMatch{Name: r.Name, Version: r.Version, Summary: r.Summary}
			}
			return SearchOutcome(SearchResults{Query: args.Query, Matches: matches}), nil
		})
}

// PackageInfo defines get_package_info.
func PackageInfo(index PackageIndex) Definition {
	return Define(GetPackageInfo,
		"Fetch metadata for a PyPI package: canonical name, latest version, known versions and declared dependencies.",
		PackageMetadata{},
		func(ctx context.Context, args PackageInfoArgs) (Outcome, error) {
			info, err := index.PackageInfo(ctx, strings.TrimSpace(args.PackageName), strings.TrimSpace(args.Version))
			if err != nil {
				if errors.Is(err, pypi.ErrNotFound) {
					return FailureOutcome(CategoryNotFound, "package %q not found on PyPI", args.PackageName), nil
				}
				return Outcome{}, indexError(GetPackageInfo, err)
			}
			return MetadataOutcome(PackageMetadata{
				Name:           info.Name,
				Version:        info.Version,
				Versions:       info.Versions,
				Summary:        info.Summary,
				RequiresPython: info.RequiresPython,
				Dependencies:   info.Dependencies,
				Homepage:       info.HomepageURL,
			}), nil
		})
}

func indexError(name string, err error) error {
	category := CategoryExecution
	if errors.Is(err, context.DeadlineExceeded) {
		category = CategoryTimeout
	}
	return &ExecutionError{Capability: name, Category: category, Err: fmt.Errorf("package index: %w", err)}
}
