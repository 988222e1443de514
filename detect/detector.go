// Package detect infers dependencies without a reasoning backend: it reads
// declaration files and, when none name anything, maps Python imports to
// distributions through a static table. It never touches the network.
package detect

import (
	"context"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/martinemde/av/plan"
)

// Detector is the offline fallback strategy.
type Detector struct {
	scanner *ImportScanner
	logger  *zap.Logger
}

// Option configures a Detector.
type Option func(*Detector)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(d *Detector) { d.logger = l }
}

// New creates a Detector.
func New(opts ...Option) *Detector {
	d := &Detector{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(d)
	}
	d.scanner = NewImportScanner(d.logger)
	return d
}

// Detect produces a plan for the project at root.
func (d *Detector) Detect(ctx context.Context, root string) (*plan.Plan, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("detect: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("detect: %s is not a directory", root)
	}

	candidates, files := Declared(root, d.logger)
	rationale := ""
	if len(candidates) > 0 {
		rationale = "declared in " + strings.Join(files, ", ")
		d.logger.Info("using declared dependencies", zap.Strings("files", files), zap.Int("count", len(candidates)))
	} else {
		candidates, err = d.fromImports(ctx, root)
		if err != nil {
			return nil, fmt.Errorf("detect: %w", err)
		}
		if len(candidates) > 0 {
			rationale = "inferred from import statements"
		}
	}

	p, err := plan.NewValidator(plan.WithLogger(d.logger)).Validate(ctx, candidates, rationale)
	if err != nil {
		return nil, err
	}
	p.Source = plan.SourceFallback
	return p, nil
}

func (d *Detector) fromImports(ctx context.Context, root string) ([]plan.Candidate, error) {
	imports, err := d.scanner.Scan(ctx, root)
	if err != nil {
		return nil, err
	}
	var out []plan.Candidate
	for _, imp := range imports {
		pkg, ok := PackageForModule(imp.Module)
		if !ok {
			d.logger.Debug("skipping unmapped import", zap.String("module", imp.Module), zap.String("file", imp.File))
			continue
		}
		out = append(out, plan.NewCandidate(pkg, fmt.Sprintf("imported as %s in %s", imp.Module, imp.File)))
	}
	return out, nil
}
