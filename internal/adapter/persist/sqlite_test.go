package persist

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"idekick/internal/domain"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "state", "idekick.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestPrimaryTokenRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	token, err := store.LoadPrimaryToken(ctx)
	require.NoError(t, err)
	assert.Empty(t, token, "fresh store has no token")

	require.NoError(t, store.SavePrimaryToken(ctx, "resp_1"))
	require.NoError(t, store.SavePrimaryToken(ctx, "resp_2"))

	token, err = store.LoadPrimaryToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, "resp_2", token)
}

func TestAgentRoster(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	agents, err := store.LoadAgents(ctx)
	require.NoError(t, err)
	assert.Empty(t, agents)

	reviewer := domain.PersistedAgent{
		ID: "01A",
		Config: domain.AgentConfig{
			Role:         "reviewer",
			Instructions: "review diffs",
		},
		Continuation: "resp_9",
	}
	require.NoError(t, store.SaveAgent(ctx, reviewer))

	// Upsert replaces the stored continuation.
	reviewer.Continuation = "resp_10"
	require.NoError(t, store.SaveAgent(ctx, reviewer))

	agents, err = store.LoadAgents(ctx)
	require.NoError(t, err)
	require.Len(t, agents, 1)
	assert.Equal(t, "reviewer", agents[0].Config.Role)
	assert.Equal(t, "resp_10", agents[0].Continuation)

	require.NoError(t, store.DeleteAgent(ctx, "01A"))
	agents, err = store.LoadAgents(ctx)
	require.NoError(t, err)
	assert.Empty(t, agents)
}
