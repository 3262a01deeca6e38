package domain

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExternalServerConfigEqual(t *testing.T) {
	base := ExternalServerConfig{
		Name:      "build",
		Transport: TransportStdio,
		Command:   "build-server",
		Args:      []string{"--port", "0"},
		Env:       map[string]string{"HOME": "/tmp"},
	}

	same := ExternalServerConfig{
		Name:      "build",
		Transport: TransportStdio,
		Command:   "build-server",
		Args:      []string{"--port", "0"},
		Env:       map[string]string{"HOME": "/tmp"},
	}
	assert.True(t, base.Equal(same))

	changedArgs := same
	changedArgs.Args = []string{"--port", "1"}
	assert.False(t, base.Equal(changedArgs))

	changedEnv := same
	changedEnv.Env = map[string]string{"HOME": "/home"}
	assert.False(t, base.Equal(changedEnv))

	changedName := same
	changedName.Name = "deploy"
	assert.False(t, base.Equal(changedName))
}

func TestResolveTransport(t *testing.T) {
	tests := []struct {
		name string
		cfg  ExternalServerConfig
		want TransportKind
	}{
		{"explicit wins", ExternalServerConfig{Transport: TransportHTTP, URL: "ws://x"}, TransportHTTP},
		{"ws scheme", ExternalServerConfig{URL: "ws://localhost:9000"}, TransportWebSocket},
		{"wss scheme", ExternalServerConfig{URL: "wss://tools.example.com"}, TransportWebSocket},
		{"http scheme", ExternalServerConfig{URL: "http://localhost:9000/mcp"}, TransportHTTP},
		{"https scheme", ExternalServerConfig{URL: "https://tools.example.com"}, TransportHTTP},
		{"command only", ExternalServerConfig{Command: "tool-server"}, TransportStdio},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.cfg.ResolveTransport())
		})
	}
}

func TestExternalServerConfigValidate(t *testing.T) {
	ok := ExternalServerConfig{Name: "fs", Command: "fs-server"}
	assert.NoError(t, ok.Validate())

	missing := ExternalServerConfig{Name: "fs", Transport: TransportStdio}
	err := missing.Validate()
	assert.Error(t, err)
	assert.True(t, errors.Is(err, ErrConfigInvalid))

	noName := ExternalServerConfig{Command: "fs-server"}
	assert.Error(t, noName.Validate())

	noURL := ExternalServerConfig{Name: "remote", Transport: TransportWebSocket}
	assert.Error(t, noURL.Validate())

	badTransport := ExternalServerConfig{Name: "x", Transport: TransportKind("carrier-pigeon")}
	assert.Error(t, badTransport.Validate())
}
