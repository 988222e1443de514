package plan

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrNotFound is returned by a Resolver when the registry has no such package.
var ErrNotFound = errors.New("package does not resolve")

// Resolver checks a name against the package registry and returns its
// canonical spelling.
type Resolver interface {
	Resolve(ctx context.Context, name string) (string, error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(ctx context.Context, name string) (string, error)

func (f ResolverFunc) Resolve(ctx context.Context, name string) (string, error) {
	return f(ctx, name)
}

// DefaultConcurrency bounds parallel registry lookups.
const DefaultConcurrency = 4

// Validator normalizes, deduplicates and optionally verifies candidates.
type Validator struct {
	resolver    Resolver
	concurrency int
	logger      *zap.Logger
}

// Option configures a Validator.
type Option func(*Validator)

// WithResolver enables registry verification.
func WithResolver(r Resolver) Option {
	return func(v *Validator) { v.resolver = r }
}

// WithConcurrency sets the number of parallel lookups.
func WithConcurrency(n int) Option {
	return func(v *Validator) {
		if n > 0 {
			v.concurrency = n
		}
	}
}

// WithLogger sets the validator logger.
func WithLogger(l *zap.Logger) Option {
	return func(v *Validator) { v.logger = l }
}

// NewValidator creates a Validator.
func NewValidator(opts ...Option) *Validator {
	v := &Validator{concurrency: DefaultConcurrency, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Dedupe normalizes candidates and merges duplicates. Empty and malformed
// names are dropped; the first note for a key wins and entries keep the order
// in which their key first appeared.
func Dedupe(candidates []Candidate) []Entry {
	seen := make(map[string]int, len(candidates))
	var entries []Entry
	for _, c := range candidates {
		name := DisplayName(c.RawName)
		if !ValidName(name) {
			continue
		}
		key := NormalizeKey(name)
		if i, ok := seen[key]; ok {
			if entries[i].Note == "" {
				entries[i].Note = c.Note
			}
			continue
		}
		seen[key] = len(entries)
		entries = append(entries, Entry{Name: name, Key: key, Note: c.Note})
	}
	return entries
}

// Validate produces a plan from candidates. Verification failures never fail
// the whole plan: unknown names are moved to Rejected, lookup errors leave the
// entry in place marked Unverified. The error is non-nil only when ctx is done.
func (v *Validator) Validate(ctx context.Context, candidates []Candidate, rationale string) (*Plan, error) {
	p := &Plan{Entries: Dedupe(candidates), Rationale: rationale}
	if v.resolver == nil || len(p.Entries) == 0 {
		return p, nil
	}

	type lookup struct {
		canonical string
		err       error
	}
	results := make([]lookup, len(p.Entries))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(v.concurrency)
	for i, e := range p.Entries {
		g.Go(func() error {
			canonical, err := v.resolver.Resolve(gctx, e.Name)
			results[i] = lookup{canonical: canonical, err: err}
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	kept := p.Entries[:0]
	seen := make(map[string]bool, len(p.Entries))
	for i, e := range p.Entries {
		res := results[i]
		switch {
		case res.err == nil:
			if res.canonical != "" {
				e.Name = res.canonical
				e.Key = NormalizeKey(res.canonical)
			}
			e.Verified = true
		case errors.Is(res.err, ErrNotFound):
			v.logger.Info("dropping unresolved package", zap.String("package", e.Name))
			p.Rejected = append(p.Rejected, Rejection{
				Name:   e.Name,
				Reason: "not found on the package index",
			})
			continue
		default:
			v.logger.Warn("package lookup failed", zap.String("package", e.Name), zap.Error(res.err))
			e.Unverified = true
			e.Note = appendNote(e.Note, fmt.Sprintf("could not verify: %v", res.err))
		}
		// Canonicalization can merge two spellings that differed before lookup.
		if seen[e.Key] {
			continue
		}
		seen[e.Key] = true
		kept = append(kept, e)
	}
	p.Entries = kept
	return p, nil
}

func appendNote(note, extra string) string {
	if note == "" {
		return extra
	}
	return note + "; " + extra
}
