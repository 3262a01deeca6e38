package extool

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"idekick/internal/domain"
)

func TestSanitizeName(t *testing.T) {
	assert.Equal(t, "deploy_bot", sanitizeName("deploy-bot"))
	assert.Equal(t, "run_deploy_", sanitizeName("run deploy!"))
	assert.Equal(t, "already_safe_123", sanitizeName("already_safe_123"))
	assert.Equal(t, "a_b_c", sanitizeName("a.b/c"))
}

func TestNameMapRoundTrip(t *testing.T) {
	m := NewNameMap()
	m.Rebuild(map[string][]domain.ToolSchema{
		"files": {{Name: "read"}, {Name: "write"}},
		"web":   {{Name: "fetch"}},
	})

	target, ok := m.Resolve("mcp_files_read")
	require.True(t, ok)
	assert.Equal(t, Target{Server: "files", Method: "read"}, target)

	flat, ok := m.FlatName("web", "fetch")
	require.True(t, ok)
	assert.Equal(t, "mcp_web_fetch", flat)

	_, ok = m.Resolve("mcp_files_delete")
	assert.False(t, ok)
}

func TestNameMapCollisionSuffix(t *testing.T) {
	m := NewNameMap()
	// Distinct raw names that sanitize to the same flat name.
	m.Rebuild(map[string][]domain.ToolSchema{
		"srv": {{Name: "do-it"}, {Name: "do.it"}, {Name: "do_it"}},
	})

	seen := make(map[string]Target)
	for _, method := range []string{"do-it", "do.it", "do_it"} {
		flat, ok := m.FlatName("srv", method)
		require.True(t, ok, method)
		seen[flat] = Target{Server: "srv", Method: method}
	}
	require.Len(t, seen, 3, "colliding names must get unique suffixes")

	for flat, want := range seen {
		got, ok := m.Resolve(flat)
		require.True(t, ok)
		assert.Equal(t, want, got)
	}
}

func TestNameMapRebuildDropsStaleEntries(t *testing.T) {
	m := NewNameMap()
	m.Rebuild(map[string][]domain.ToolSchema{"a": {{Name: "old"}}})
	m.Rebuild(map[string][]domain.ToolSchema{"a": {{Name: "new"}}})

	_, ok := m.Resolve("mcp_a_old")
	assert.False(t, ok)
	_, ok = m.Resolve("mcp_a_new")
	assert.True(t, ok)
}
