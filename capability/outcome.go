package capability

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/martinemde/av/sandbox"
)

// Kind is the discriminator tag for Outcome.
type Kind string

const (
	KindSuccess Kind = "success"
	KindFailure Kind = "failure"
)

// Category classifies a failed capability call.
type Category string

const (
	CategoryUnknownCapability Category = "unknown_capability"
	CategoryInvalidArguments  Category = "invalid_arguments"
	CategoryExecution         Category = "execution"
	CategoryTimeout           Category = "timeout"
	CategoryNotFound          Category = "not_found"
	CategoryMalformedResponse Category = "malformed_response"
)

// CommandResult is the payload of a shell command.
type CommandResult struct {
	Stdout     string `json:"stdout" jsonschema:"description=Captured standard output"`
	Stderr     string `json:"stderr" jsonschema:"description=Captured standard error"`
	ExitCode   int    `json:"exit_code"`
	TimedOut   bool   `json:"timed_out"`
	DurationMs int64  `json:"duration_ms"`
}

// SearchMatch is one ranked registry search hit.
type SearchMatch struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
	Summary string `json:"summary,omitempty"`
}

// SearchResults is the payload of a registry search.
type SearchResults struct {
	Query   string        `json:"query"`
	Matches []SearchMatch `json:"matches"`
}

// PackageMetadata is the payload of a registry metadata lookup.
type PackageMetadata struct {
	Name           string   `json:"name" jsonschema:"description=Canonical project name"`
	Version        string   `json:"version"`
	Versions       []string `json:"versions,omitempty"`
	Summary        string   `json:"summary,omitempty"`
	RequiresPython string   `json:"requires_python,omitempty"`
	Dependencies   []string `json:"dependencies,omitempty"`
	Homepage       string   `json:"homepage,omitempty"`
}

// Failure marks an unsuccessful call.
type Failure struct {
	Category Category `json:"category"`
	Message  string   `json:"message"`
}

// Outcome is the typed result of one capability call. Exactly one payload
// pointer is set and it matches Kind.
type Outcome struct {
	Kind     Kind             `json:"kind"`
	Command  *CommandResult   `json:"command,omitempty"`
	Search   *SearchResults   `json:"search,omitempty"`
	Metadata *PackageMetadata `json:"metadata,omitempty"`
	Failure  *Failure         `json:"failure,omitempty"`
}

// CommandOutcome wraps a successful command result.
func CommandOutcome(r CommandResult) Outcome {
	return Outcome{Kind: KindSuccess, Command: &r}
}

// SearchOutcome wraps search results.
func SearchOutcome(r SearchResults) Outcome {
	return Outcome{Kind: KindSuccess, Search: &r}
}

// MetadataOutcome wraps package metadata.
func MetadataOutcome(m PackageMetadata) Outcome {
	return Outcome{Kind: KindSuccess, Metadata: &m}
}

// FailureOutcome builds a failure outcome.
func FailureOutcome(category Category, format string, args ...any) Outcome {
	return Outcome{Kind: KindFailure, Failure: &Failure{Category: category, Message: fmt.Sprintf(format, args...)}}
}

// Succeeded reports whether the call succeeded.
func (o Outcome) Succeeded() bool { return o.Kind == KindSuccess }

// Render formats the outcome for the reasoning backend. Payloads are JSON;
// failures are a single "error (category): message" line. The text is capped
// at limit characters when limit is positive.
func (o Outcome) Render(limit int) string {
	if o.Kind == KindFailure && o.Failure != nil {
		return sandbox.Truncate(fmt.Sprintf("error (%s): %s", o.Failure.Category, o.Failure.Message), limit, sandbox.DefaultLineLimit)
	}

	var payload any
	switch {
	case o.Command != nil:
		c := *o.Command
		c.Stdout = sandbox.Truncate(c.Stdout, limit, sandbox.DefaultLineLimit)
		c.Stderr = sandbox.Truncate(c.Stderr, limit/4, sandbox.DefaultLineLimit/4)
		payload = c
	case o.Search != nil:
		payload = o.Search
	case o.Metadata != nil:
		payload = o.Metadata
	default:
		return string(o.Kind)
	}

	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Sprintf("error (%s): %v", CategoryMalformedResponse, err)
	}
	return string(b)
}

// Summary is a short one-line description used in logs and events.
func (o Outcome) Summary() string {
	switch {
	case o.Failure != nil:
		return fmt.Sprintf("%s: %s", o.Failure.Category, firstLine(o.Failure.Message))
	case o.Command != nil:
		return fmt.Sprintf("exit %d, %d bytes", o.Command.ExitCode, len(o.Command.Stdout))
	case o.Search != nil:
		return fmt.Sprintf("%d matches for %q", len(o.Search.Matches), o.Search.Query)
	case o.Metadata != nil:
		return fmt.Sprintf("%s %s", o.Metadata.Name, o.Metadata.Version)
	}
	return string(o.Kind)
}

func firstLine(s string) string {
	s, _, _ = strings.Cut(strings.TrimSpace(s), "\n")
	return s
}
