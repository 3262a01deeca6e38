package host

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// skipDirs are directories never traversed by tree and search.
var skipDirs = map[string]bool{
	".git":         true,
	".idea":        true,
	".vscode":      true,
	"node_modules": true,
	"target":       true,
	"vendor":       true,
}

// projectMarkers maps a marker file to the project kind it indicates.
var projectMarkers = map[string]string{
	"go.mod":         "go",
	"pom.xml":        "maven",
	"build.gradle":   "gradle",
	"package.json":   "node",
	"Cargo.toml":     "cargo",
	"requirements.txt": "python",
	"pyproject.toml": "python",
}

// testCommands maps a project kind to the command that runs its tests.
// {target} is replaced by the requested test target when given.
var testCommands = map[string][]string{
	"go":     {"go", "test"},
	"maven":  {"mvn", "-q", "test"},
	"gradle": {"gradle", "test"},
	"node":   {"npm", "test"},
	"cargo":  {"cargo", "test"},
	"python": {"python", "-m", "pytest"},
}

const (
	maxReadSize    = 4 * 1024 * 1024 // 4 MB per file
	testRunTimeout = 5 * time.Minute
)

// Local implements domain.WorkspaceHost directly against the filesystem.
// It stands in for a real IDE integration: all paths are resolved relative
// to the project root and never escape it.
type Local struct {
	root   string
	kinds  []string
	logger *slog.Logger
}

// NewLocal creates a workspace host rooted at the given project directory.
func NewLocal(root string, logger *slog.Logger) (*Local, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve project root: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("project root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("project root %s is not a directory", abs)
	}

	h := &Local{root: abs, logger: logger}
	h.kinds = detectKinds(abs)
	return h, nil
}

// Root returns the absolute project root.
func (h *Local) Root() string { return h.root }

func (h *Local) ProjectKinds() []string { return h.kinds }

func detectKinds(root string) []string {
	seen := map[string]bool{}
	var kinds []string
	for marker, kind := range projectMarkers {
		if _, err := os.Stat(filepath.Join(root, marker)); err == nil && !seen[kind] {
			seen[kind] = true
			kinds = append(kinds, kind)
		}
	}
	sort.Strings(kinds)
	return kinds
}

// resolve joins a project-relative path onto the root and rejects escapes.
func (h *Local) resolve(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("empty path")
	}
	joined := filepath.Join(h.root, filepath.Clean("/"+path))
	if joined != h.root && !strings.HasPrefix(joined, h.root+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes the project root", path)
	}
	return joined, nil
}

func (h *Local) ReadFile(ctx context.Context, path string) (string, error) {
	resolved, err := h.resolve(path)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return "", err
	}
	if info.Size() > maxReadSize {
		return "", fmt.Errorf("file %s is too large (%d bytes)", path, info.Size())
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (h *Local) WriteFile(ctx context.Context, path, content string) error {
	resolved, err := h.resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return err
	}
	return os.WriteFile(resolved, []byte(content), 0o644)
}

func (h *Local) ApplyPatch(ctx context.Context, path, patch string) error {
	current, err := h.ReadFile(ctx, path)
	if err != nil {
		return err
	}
	patched, err := applyUnifiedDiff(current, patch)
	if err != nil {
		return fmt.Errorf("patch %s: %w", path, err)
	}
	return h.WriteFile(ctx, path, patched)
}

func (h *Local) ProjectTree(ctx context.Context, maxDepth int) (string, error) {
	var sb strings.Builder
	err := filepath.WalkDir(h.root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil // unreadable entries are skipped
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		rel, relErr := filepath.Rel(h.root, path)
		if relErr != nil || rel == "." {
			return nil
		}
		depth := strings.Count(rel, string(filepath.Separator)) + 1
		if d.IsDir() {
			if skipDirs[d.Name()] || strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			if maxDepth > 0 && depth > maxDepth {
				return filepath.SkipDir
			}
			fmt.Fprintf(&sb, "%s%s/\n", strings.Repeat("  ", depth-1), d.Name())
			return nil
		}
		if maxDepth > 0 && depth > maxDepth {
			return nil
		}
		fmt.Fprintf(&sb, "%s%s\n", strings.Repeat("  ", depth-1), d.Name())
		return nil
	})
	if err != nil {
		return "", err
	}
	return sb.String(), nil
}

func (h *Local) Search(ctx context.Context, query string, maxResults int) (string, error) {
	if maxResults <= 0 {
		maxResults = 50
	}
	var sb strings.Builder
	found := 0

	err := filepath.WalkDir(h.root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if skipDirs[d.Name()] || strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if found >= maxResults {
			return filepath.SkipAll
		}
		info, infoErr := d.Info()
		if infoErr != nil || info.Size() > maxReadSize {
			return nil
		}
		data, readErr := os.ReadFile(path)
		if readErr != nil || !strings.Contains(string(data), query) {
			return nil
		}
		rel, _ := filepath.Rel(h.root, path)
		for i, line := range strings.Split(string(data), "\n") {
			if strings.Contains(line, query) {
				fmt.Fprintf(&sb, "%s:%d: %s\n", rel, i+1, strings.TrimSpace(line))
				found++
				if found >= maxResults {
					break
				}
			}
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return sb.String(), nil
}

func (h *Local) RunTests(ctx context.Context, target string) (string, error) {
	if len(h.kinds) == 0 {
		return "", fmt.Errorf("no known project kind detected in %s", h.root)
	}
	kind := h.kinds[0]
	argv := append([]string(nil), testCommands[kind]...)
	if target != "" {
		argv = append(argv, target)
	} else if kind == "go" {
		argv = append(argv, "./...")
	}

	runCtx, cancel := context.WithTimeout(ctx, testRunTimeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	cmd.Dir = h.root
	out, err := cmd.CombinedOutput()
	h.logger.Debug("tests executed", "kind", kind, "target", target, "error", err)
	if err != nil {
		// Failing tests are still useful output for the model.
		return fmt.Sprintf("%s\n(exit: %v)", string(out), err), nil
	}
	return string(out), nil
}
