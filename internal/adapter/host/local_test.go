package host

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestHost(t *testing.T) *Local {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "go.mod"), []byte("module example\n"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "internal"), 0o755))
	require.NoError(t, os.WriteFile(
		filepath.Join(root, "internal", "app.go"),
		[]byte("package app\n\nfunc Run() {}\n"), 0o644))

	h, err := NewLocal(root, testLogger())
	require.NoError(t, err)
	return h
}

func TestProjectKindsDetection(t *testing.T) {
	h := newTestHost(t)
	assert.Equal(t, []string{"go"}, h.ProjectKinds())
}

func TestReadWriteRoundTrip(t *testing.T) {
	h := newTestHost(t)
	ctx := context.Background()

	require.NoError(t, h.WriteFile(ctx, "docs/note.md", "hello"))
	got, err := h.ReadFile(ctx, "docs/note.md")
	require.NoError(t, err)
	assert.Equal(t, "hello", got)
}

func TestPathEscapeRejected(t *testing.T) {
	h := newTestHost(t)
	ctx := context.Background()

	_, err := h.ReadFile(ctx, "../../etc/passwd")
	// Cleaned into the root, so it reads a nonexistent file rather than
	// escaping; either failure mode is acceptable as long as nothing outside
	// the root is touched.
	require.Error(t, err)

	err = h.WriteFile(ctx, "", "x")
	require.Error(t, err)
}

func TestApplyPatch(t *testing.T) {
	h := newTestHost(t)
	ctx := context.Background()

	patch := `--- a/internal/app.go
+++ b/internal/app.go
@@ -1,3 +1,4 @@
 package app

-func Run() {}
+func Run() error {
+	return nil
+}`
	require.NoError(t, h.ApplyPatch(ctx, "internal/app.go", patch))

	got, err := h.ReadFile(ctx, "internal/app.go")
	require.NoError(t, err)
	assert.Contains(t, got, "func Run() error {")
	assert.NotContains(t, got, "func Run() {}")
}

func TestApplyPatchContextMismatch(t *testing.T) {
	h := newTestHost(t)
	ctx := context.Background()

	patch := `@@ -1,1 +1,1 @@
-package wrong
+package app`
	err := h.ApplyPatch(ctx, "internal/app.go", patch)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "context mismatch")
}

func TestProjectTreeDepthLimit(t *testing.T) {
	h := newTestHost(t)
	ctx := context.Background()

	require.NoError(t, h.WriteFile(ctx, "internal/deep/nested.go", "package deep"))

	tree, err := h.ProjectTree(ctx, 1)
	require.NoError(t, err)
	assert.Contains(t, tree, "go.mod")
	assert.Contains(t, tree, "internal/")
	assert.NotContains(t, tree, "nested.go")

	full, err := h.ProjectTree(ctx, 0)
	require.NoError(t, err)
	assert.Contains(t, full, "nested.go")
}

func TestSearch(t *testing.T) {
	h := newTestHost(t)
	ctx := context.Background()

	got, err := h.Search(ctx, "func Run", 10)
	require.NoError(t, err)
	assert.Contains(t, got, "internal/app.go:3")

	empty, err := h.Search(ctx, "no such text anywhere", 10)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestSearchRespectsMaxResults(t *testing.T) {
	h := newTestHost(t)
	ctx := context.Background()
	require.NoError(t, h.WriteFile(ctx, "list.txt", "match\nmatch\nmatch\nmatch\n"))

	got, err := h.Search(ctx, "match", 2)
	require.NoError(t, err)
	assert.Len(t, splitNonEmpty(got), 2)
}

func splitNonEmpty(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}
