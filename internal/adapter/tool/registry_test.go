package tool

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"idekick/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type stubTool struct {
	name     string
	schema   domain.ToolSchema
	executed json.RawMessage
}

func (s *stubTool) Name() string        { return s.name }
func (s *stubTool) Description() string { return "stub" }
func (s *stubTool) Schema() domain.ToolSchema {
	if s.schema.Name == "" {
		return domain.ToolSchema{Name: s.name, Description: "stub"}
	}
	return s.schema
}
func (s *stubTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	s.executed = params
	return &domain.ToolResult{Tool: s.name, Content: "done"}, nil
}

func TestRegistryRegisterAndGet(t *testing.T) {
	r := NewRegistry(testLogger())
	require.NoError(t, r.Register(&stubTool{name: "alpha"}))

	got, err := r.Get("alpha")
	require.NoError(t, err)
	assert.Equal(t, "alpha", got.Name())

	_, err = r.Get("missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrToolNotFound)
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	r := NewRegistry(testLogger())
	require.NoError(t, r.Register(&stubTool{name: "alpha"}))
	err := r.Register(&stubTool{name: "alpha"})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrDuplicate)
}

func TestRegistrySchemasSorted(t *testing.T) {
	r := NewRegistry(testLogger())
	require.NoError(t, r.Register(&stubTool{name: "zeta"}))
	require.NoError(t, r.Register(&stubTool{name: "alpha"}))

	schemas := r.Schemas()
	require.Len(t, schemas, 2)
	assert.Equal(t, "alpha", schemas[0].Name)
	assert.Equal(t, "zeta", schemas[1].Name)
}

func TestSchemaValidationRejectsBadParams(t *testing.T) {
	r := NewRegistry(testLogger())
	stub := &stubTool{
		name: "typed",
		schema: domain.ToolSchema{
			Name: "typed",
			Properties: map[string]domain.Property{
				"count": {Type: domain.TypeInteger},
			},
			Required: []string{"count"},
		},
	}
	require.NoError(t, r.Register(stub))

	got, err := r.Get("typed")
	require.NoError(t, err)

	res, err := got.Execute(context.Background(), json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Nil(t, stub.executed, "inner tool must not run on validation failure")

	res, err = got.Execute(context.Background(), json.RawMessage(`{"count": 3}`))
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.NotNil(t, stub.executed)
}
