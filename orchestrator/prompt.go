package orchestrator

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/martinemde/av/capability"
)

// manifestFiles are surfaced in the environment block when present at the
// project root so the backend can read them first.
var manifestFiles = []string{
	"requirements.txt",
	"requirements-dev.txt",
	"pyproject.toml",
	"Pipfile",
	"setup.cfg",
	"setup.py",
	"environment.yml",
}

const basePrompt = `You are a dependency analyst. Your task is to determine which third-party
Python packages must be installed into a fresh virtual environment so the
project at the given root can run.

Work step by step:
- Inspect the project with run_bash_command (list files, read dependency
  declarations, grep for import statements). Commands run in the project root.
- Import names often differ from distribution names (bs4 is beautifulsoup4,
  cv2 is opencv-python). Use search_pypi_packages and get_package_info to
  confirm the published name before proposing it.
- Do not propose standard library modules or the project's own modules.
- Do not propose packages that are only transitive dependencies of others.

When you are confident, call final_answer with the ordered list of
dependencies, a short note for each, and a rationale. Calling final_answer
ends the session; you cannot call other tools afterwards.`

// BuildEnvironmentContext describes the project root for the system prompt.
func BuildEnvironmentContext(root string, budget int) string {
	var sb strings.Builder
	sb.WriteString("<environment>\n")
	fmt.Fprintf(&sb, "Project root: %s\n", root)
	fmt.Fprintf(&sb, "Platform: %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Fprintf(&sb, "Today's date: %s\n", time.Now().Format("2006-01-02"))
	fmt.Fprintf(&sb, "Tool call budget: %d\n", budget)
	if found := presentManifests(root); len(found) > 0 {
		fmt.Fprintf(&sb, "Dependency files at root: %s\n", strings.Join(found, ", "))
	}
	sb.WriteString("</environment>")
	return sb.String()
}

func presentManifests(root string) []string {
	var found []string
	for _, name := range manifestFiles {
		if info, err := os.Stat(filepath.Join(root, name)); err == nil && !info.IsDir() {
			found = append(found, name)
		}
	}
	return found
}

// BuildSystemPrompt assembles the system prompt from the base instructions,
// the capability list, the environment block and optional user instructions.
func BuildSystemPrompt(root string, caps []capability.Capability, budget int, userInstructions string) string {
	var sb strings.Builder
	sb.WriteString(basePrompt)

	if len(caps) > 0 {
		sb.WriteString("\n\n# Tools\n\n")
		for _, c := range caps {
			fmt.Fprintf(&sb, "- %s: %s\n", c.Name, c.Description)
		}
	}

	sb.WriteString("\n")
	sb.WriteString(BuildEnvironmentContext(root, budget))

	if strings.TrimSpace(userInstructions) != "" {
		sb.WriteString("\n\n# User Instructions\n\n")
		sb.WriteString(strings.TrimSpace(userInstructions))
	}
	return sb.String()
}
