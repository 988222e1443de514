package detect

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/python"
	"go.uber.org/zap"
)

// maxSourceBytes skips generated or vendored files too large to be useful.
const maxSourceBytes = 1 << 20

var skipDirs = map[string]bool{
	"venv":          true,
	"env":           true,
	"__pycache__":   true,
	"node_modules":  true,
	"site-packages": true,
	"build":         true,
	"dist":          true,
}

// Import is one imported top-level module and the first file importing it.
type Import struct {
	Module string
	File   string
}

// ImportScanner finds third-party imports in Python sources with Tree-sitter.
type ImportScanner struct {
	parser *sitter.Parser
	logger *zap.Logger
}

// NewImportScanner creates a scanner. A scanner is not safe for concurrent use.
func NewImportScanner(logger *zap.Logger) *ImportScanner {
	if logger == nil {
		logger = zap.NewNop()
	}
	parser := sitter.NewParser()
	parser.SetLanguage(python.GetLanguage())
	return &ImportScanner{parser: parser, logger: logger}
}

// Scan walks root in lexical order and returns every imported top-level
// module, first appearance first. Relative imports and modules that exist
// inside the project are excluded.
func (s *ImportScanner) Scan(ctx context.Context, root string) ([]Import, error) {
	files, local, err := collectSources(root)
	if err != nil {
		return nil, err
	}

	var (
		out  []Import
		seen = make(map[string]bool)
	)
	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		modules, err := s.parseFile(ctx, path)
		if err != nil {
			s.logger.Debug("skipping unparsable source", zap.String("file", path), zap.Error(err))
			continue
		}
		rel, _ := filepath.Rel(root, path)
		for _, m := range modules {
			if seen[m] || local[m] {
				continue
			}
			seen[m] = true
			out = append(out, Import{Module: m, File: filepath.ToSlash(rel)})
		}
	}
	return out, nil
}

// collectSources lists .py files under root and the names of local modules
// and packages, which must not be mistaken for third-party imports.
func collectSources(root string) ([]string, map[string]bool, error) {
	var files []string
	local := make(map[string]bool)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		name := d.Name()
		if d.IsDir() {
			if path != root && (strings.HasPrefix(name, ".") || skipDirs[name]) {
				return filepath.SkipDir
			}
			if path != root {
				local[name] = true
			}
			return nil
		}
		if filepath.Ext(name) != ".py" {
			return nil
		}
		local[strings.TrimSuffix(name, ".py")] = true
		files = append(files, path)
		return nil
	})
	return files, local, err
}

func (s *ImportScanner) parseFile(ctx context.Context, path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.Size() > maxSourceBytes {
		return nil, nil
	}
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	tree, err := s.parser.ParseCtx(ctx, nil, src)
	if err != nil {
		return nil, err
	}
	defer tree.Close()

	var modules []string
	walkImports(tree.RootNode(), src, &modules)
	return modules, nil
}

// walkImports collects top-level module names from import statements,
// including ones nested in try blocks and functions.
func walkImports(node *sitter.Node, src []byte, out *[]string) {
	switch node.Type() {
	case "import_statement":
		for i := 0; i < int(node.NamedChildCount()); i++ {
			child := node.NamedChild(i)
			switch child.Type() {
			case "dotted_name":
				*out = append(*out, topLevel(child.Content(src)))
			case "aliased_import":
				if name := child.ChildByFieldName("name"); name != nil {
					*out = append(*out, topLevel(name.Content(src)))
				}
			}
		}
		return
	case "import_from_statement":
		if mod := node.ChildByFieldName("module_name"); mod != nil && mod.Type() == "dotted_name" {
			*out = append(*out, topLevel(mod.Content(src)))
		}
		return
	case "future_import_statement":
		return
	}
	for i := 0; i < int(node.NamedChildCount()); i++ {
		walkImports(node.NamedChild(i), src, out)
	}
}

func topLevel(dotted string) string {
	top, _, _ := strings.Cut(strings.TrimSpace(dotted), ".")
	return top
}
