package detect

import (
	"bufio"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"go.uber.org/zap"

	"github.com/martinemde/av/plan"
)

// Declaration file names, in the order they are read.
const (
	RequirementsFile = "requirements.txt"
	PyprojectFile    = "pyproject.toml"
	PipfileFile      = "Pipfile"
	SetupCfgFile     = "setup.cfg"
)

// maxIncludeDepth bounds nested "-r" includes in requirements files.
const maxIncludeDepth = 5

type declarationReader struct {
	file string
	read func(path string) ([]string, error)
}

var declarationReaders = []declarationReader{
	{RequirementsFile, readRequirements},
	{PyprojectFile, readPyproject},
	{PipfileFile, readPipfile},
	{SetupCfgFile, readSetupCfg},
}

// Declared reads every recognized declaration file at root and returns the
// packages they name, file by file in reading order. Missing files are
// skipped; a file that cannot be parsed is logged and skipped.
func Declared(root string, logger *zap.Logger) ([]plan.Candidate, []string) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var (
		out   []plan.Candidate
		files []string
	)
	for _, r := range declarationReaders {
		path := filepath.Join(root, r.file)
		names, err := r.read(path)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			logger.Warn("skipping unreadable declaration file", zap.String("file", r.file), zap.Error(err))
			continue
		}
		if len(names) == 0 {
			continue
		}
		files = append(files, r.file)
		note := "declared in " + r.file
		for _, n := range names {
			out = append(out, plan.NewCandidate(n, note))
		}
	}
	return out, files
}

func readRequirements(path string) ([]string, error) {
	return readRequirementsDepth(path, 0, map[string]bool{})
}

func readRequirementsDepth(path string, depth int, visited map[string]bool) ([]string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	if visited[abs] || depth > maxIncludeDepth {
		return nil, nil
	}
	visited[abs] = true

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var (
		names   []string
		pending string
	)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := pending + scanner.Text()
		pending = ""
		if strings.HasSuffix(line, `\`) {
			pending = strings.TrimSuffix(line, `\`)
			continue
		}
		line = stripComment(line)
		if line == "" {
			continue
		}

		if include, ok := includeTarget(line); ok {
			nested, err := readRequirementsDepth(filepath.Join(filepath.Dir(path), include), depth+1, visited)
			if err != nil && !errors.Is(err, fs.ErrNotExist) {
				return nil, err
			}
			names = append(names, nested...)
			continue
		}
		if name := requirementName(line); name != "" {
			names = append(names, name)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return names, nil
}

func stripComment(line string) string {
	line = strings.TrimSpace(line)
	if strings.HasPrefix(line, "#") {
		return ""
	}
	if i := strings.Index(line, " #"); i >= 0 {
		line = line[:i]
	}
	return strings.TrimSpace(line)
}

func includeTarget(line string) (string, bool) {
	if rest, ok := strings.CutPrefix(line, "--requirement"); ok {
		if r, eq := strings.CutPrefix(rest, "="); eq {
			return strings.TrimSpace(r), true
		}
		if rest != "" && (rest[0] == ' ' || rest[0] == '\t') {
			return strings.TrimSpace(rest), true
		}
		return "", false
	}
	if rest, ok := strings.CutPrefix(line, "-r"); ok && strings.TrimSpace(rest) != "" {
		return strings.TrimSpace(rest), true
	}
	return "", false
}

// requirementName extracts the distribution name from a PEP 508 line.
// Options, editables, paths and bare URLs yield "".
func requirementName(line string) string {
	switch {
	case strings.HasPrefix(line, "-"),
		strings.HasPrefix(line, "."),
		strings.HasPrefix(line, "/"),
		strings.HasPrefix(line, "git+"):
		return ""
	}
	if strings.Contains(line, "://") {
		// "name @ https://..." keeps its name; a bare URL has none.
		before, _, found := strings.Cut(line, "@")
		if !found || strings.Contains(before, "://") {
			return ""
		}
	}
	name := plan.DisplayName(line)
	if !plan.ValidName(name) {
		return ""
	}
	return name
}

type pyprojectDoc struct {
	Project struct {
		Dependencies []string `toml:"dependencies"`
	} `toml:"project"`
}

func readPyproject(path string) ([]string, error) {
	var doc pyprojectDoc
	md, err := toml.DecodeFile(path, &doc)
	if err != nil {
		return nil, err
	}

	var names []string
	for _, dep := range doc.Project.Dependencies {
		if name := requirementName(strings.TrimSpace(dep)); name != "" {
			names = append(names, name)
		}
	}
	// Poetry tables are read through the metadata so key order is kept.
	names = append(names, tableKeys(md, "tool", "poetry", "dependencies")...)
	return names, nil
}

func readPipfile(path string) ([]string, error) {
	var doc map[string]any
	md, err := toml.DecodeFile(path, &doc)
	if err != nil {
		return nil, err
	}
	return tableKeys(md, "packages"), nil
}

// tableKeys returns, in file order, the direct child keys of the table at
// prefix that name installable packages.
func tableKeys(md toml.MetaData, prefix ...string) []string {
	var names []string
	for _, key := range md.Keys() {
		if len(key) != len(prefix)+1 || !hasPrefix(key, prefix) {
			continue
		}
		name := key[len(key)-1]
		if strings.EqualFold(name, "python") || !plan.ValidName(name) {
			continue
		}
		names = append(names, name)
	}
	return names
}

func hasPrefix(key toml.Key, prefix []string) bool {
	for i, p := range prefix {
		if key[i] != p {
			return false
		}
	}
	return true
}

// readSetupCfg extracts [options] install_requires, which may be inline
// (comma separated) or continued on indented lines.
func readSetupCfg(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var (
		names     []string
		section   string
		inRequire bool
	)
	add := func(value string) {
		for _, part := range strings.FieldsFunc(value, func(r rune) bool { return r == ',' || r == '\n' }) {
			if name := requirementName(stripComment(part)); name != "" {
				names = append(names, name)
			}
		}
	}

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		raw := scanner.Text()
		trimmed := strings.TrimSpace(raw)

		if inRequire && trimmed != "" && (raw[0] == ' ' || raw[0] == '\t') {
			add(trimmed)
			continue
		}
		inRequire = false

		switch {
		case trimmed == "" || strings.HasPrefix(trimmed, "#") || strings.HasPrefix(trimmed, ";"):
		case strings.HasPrefix(trimmed, "[") && strings.HasSuffix(trimmed, "]"):
			section = strings.TrimSpace(trimmed[1 : len(trimmed)-1])
		case section == "options":
			key, value, ok := strings.Cut(trimmed, "=")
			if ok && strings.TrimSpace(key) == "install_requires" {
				inRequire = true
				add(strings.TrimSpace(value))
			}
		}
	}
	return names, scanner.Err()
}
