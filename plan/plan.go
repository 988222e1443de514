// Package plan turns raw dependency proposals into a deduplicated, ordered
// installation plan.
package plan

import "strings"

// Source identifies which strategy produced a plan.
type Source string

const (
	SourceAgent    Source = "agent"
	SourceFallback Source = "fallback"
)

// Candidate is a proposed dependency before validation.
type Candidate struct {
	RawName        string `json:"raw_name"`
	NormalizedName string `json:"normalized_name,omitempty"`
	Note           string `json:"note,omitempty"`
}

// NewCandidate builds a Candidate with its normalized key filled in.
func NewCandidate(raw, note string) Candidate {
	return Candidate{RawName: raw, NormalizedName: NormalizeKey(DisplayName(raw)), Note: note}
}

// Entry is one accepted package in a plan.
type Entry struct {
	// Name is the display form handed to the installer.
	Name string `json:"name"`
	// Key is the PEP 503 normalized comparison key.
	Key  string `json:"key"`
	Note string `json:"note,omitempty"`
	// Verified reports whether the name was confirmed against the registry.
	Verified bool `json:"verified"`
	// Unverified is set when the registry lookup failed for reasons other
	// than the package not existing.
	Unverified bool `json:"unverified,omitempty"`
}

// Rejection records a candidate dropped during verification.
type Rejection struct {
	Name   string `json:"name"`
	Reason string `json:"reason"`
}

// Plan is the terminal artifact of an inference run.
type Plan struct {
	Entries   []Entry     `json:"entries"`
	Rationale string      `json:"rationale,omitempty"`
	Rejected  []Rejection `json:"rejected,omitempty"`
	Source    Source      `json:"source"`
	// Partial marks a plan salvaged after the turn budget ran out.
	Partial bool `json:"partial,omitempty"`
}

// Names returns the display names in plan order.
func (p *Plan) Names() []string {
	if p == nil {
		return nil
	}
	names := make([]string, len(p.Entries))
	for i, e := range p.Entries {
		names[i] = e.Name
	}
	return names
}

// Empty reports whether the plan has nothing to install.
func (p *Plan) Empty() bool {
	return p == nil || len(p.Entries) == 0
}

// Candidates converts the plan back into candidates, preserving notes.
func (p *Plan) Candidates() []Candidate {
	if p == nil {
		return nil
	}
	out := make([]Candidate, len(p.Entries))
	for i, e := range p.Entries {
		out[i] = Candidate{RawName: e.Name, NormalizedName: e.Key, Note: e.Note}
	}
	return out
}

// NormalizeKey applies PEP 503 normalization: lower-case, with runs of "-",
// "_" and "." collapsed into a single "-".
func NormalizeKey(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	var sb strings.Builder
	sb.Grow(len(name))
	sep := false
	for _, r := range name {
		if r == '-' || r == '_' || r == '.' {
			sep = true
			continue
		}
		if sep && sb.Len() > 0 {
			sb.WriteByte('-')
		}
		sep = false
		sb.WriteRune(r)
	}
	return sb.String()
}

// DisplayName strips surrounding whitespace, extras and version specifiers
// from a requirement-like string: "requests[socks] >= 2.0" -> "requests".
func DisplayName(raw string) string {
	s := strings.TrimSpace(raw)
	if i := strings.IndexAny(s, "[<>=!~;@ \t,("); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}

// ValidName reports whether name is a syntactically valid distribution name:
// ASCII letters and digits, with ".", "-" and "_" allowed only between them.
func ValidName(name string) bool {
	if name == "" {
		return false
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '.' || c == '-' || c == '_':
			if i == 0 || i == len(name)-1 {
				return false
			}
		default:
			return false
		}
	}
	return true
}
