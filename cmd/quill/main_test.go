package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"testing"

	"github.com/HMasataka/quill/internal/devserver"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildRootCmdHasSubcommands(t *testing.T) {
	root := buildRootCmd()

	names := map[string]bool{}
	for _, cmd := range root.Commands() {
		names[cmd.Name()] = true
	}
	for _, want := range []string{"serve", "watch", "publish", "kick"} {
		assert.True(t, names[want], want)
	}
}

func TestServerBase(t *testing.T) {
	tests := []struct {
		server   string
		endpoint string
		want     string
	}{
		{"", "ws://localhost:3001/socket", "http://localhost:3001"},
		{"", "wss://rt.example.com/socket?x=1", "https://rt.example.com"},
		{"http://127.0.0.1:9000/anything", "ws://localhost:3001/socket", "http://127.0.0.1:9000"},
	}

	for _, tt := range tests {
		got, err := serverBase(tt.server, tt.endpoint)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}

	_, err := serverBase("", "ftp://nope")
	assert.Error(t, err)
}

func TestSocketPath(t *testing.T) {
	assert.Equal(t, "/socket", socketPath("ws://localhost:3001/socket"))
	assert.Equal(t, "/rt", socketPath("ws://localhost:3001/rt"))
	assert.Equal(t, "/socket", socketPath("ws://localhost:3001"))
}

func newServer(t *testing.T) *httptest.Server {
	t.Helper()

	srv := devserver.New()
	srv.Start(context.Background())
	ts := httptest.NewServer(srv)
	t.Cleanup(func() {
		ts.Close()
		srv.Stop()
	})
	return ts
}

func TestPublishCommand(t *testing.T) {
	ts := newServer(t)

	root := buildRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"publish", "notification", `{"id":"n1"}`, "--server", ts.URL})

	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), `"id"`)
}

func TestPublishCommandRejectsBadJSON(t *testing.T) {
	ts := newServer(t)

	root := buildRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"publish", "notification", `{"id":`, "--server", ts.URL})

	assert.Error(t, root.Execute())
}

func TestPublishCommandReportsServerErrors(t *testing.T) {
	ts := newServer(t)

	root := buildRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"publish", "connect", "--server", ts.URL})

	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
}

func TestKickCommand(t *testing.T) {
	ts := newServer(t)

	root := buildRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"kick", "--server", ts.URL})

	require.NoError(t, root.Execute())
	assert.JSONEq(t, `{"kicked":0}`, out.String())
}

func TestWatchRequiresToken(t *testing.T) {
	t.Setenv("QUILL_TOKEN", "")

	root := buildRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"watch"})

	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "token is required")
}
