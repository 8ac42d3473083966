package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zot/tablebridge/internal/protocol"
)

func TestNewRootCommand(t *testing.T) {
	cmd := NewRootCommand(nil)

	assert.Equal(t, "tablebridge", cmd.Use)
	assert.True(t, cmd.SilenceUsage)
	assert.NotNil(t, cmd.Flags().Lookup("port"))
	assert.NotNil(t, cmd.Flags().Lookup("storage"))

	for _, name := range []string{"serve", "call", "version"} {
		sub, _, err := cmd.Find([]string{name})
		require.NoError(t, err)
		assert.Equal(t, name, sub.Name())
	}
}

func TestServeCommandFlags(t *testing.T) {
	cmd := NewServeCommand()
	for _, name := range []string{"host", "port", "path", "chunk-size", "lua-path", "hot-reload", "storage", "mcp", "verbose"} {
		assert.NotNil(t, cmd.Flags().Lookup(name), "missing flag %s", name)
	}
}

func TestVersionCommand(t *testing.T) {
	cmd := NewRootCommand(&Hooks{CustomVersion: func() string { return "wrapped by test" }})
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})

	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "tablebridge v"+Version)
	assert.Contains(t, out.String(), "wrapped by test")
}

func TestHooksAddCommands(t *testing.T) {
	ran := false
	cmd := NewRootCommand(&Hooks{Commands: func() []*cobra.Command {
		return []*cobra.Command{{
			Use: "extra",
			Run: func(*cobra.Command, []string) { ran = true },
		}}
	}})
	cmd.SetArgs([]string{"extra"})

	require.NoError(t, cmd.Execute())
	assert.True(t, ran)
}

func TestCallRequest(t *testing.T) {
	opts := &CallOptions{
		Cmd:    "method",
		Kind:   "table",
		Name:   "prices",
		Method: "update",
		Args:   `[[{"id":1}]]`,
	}
	req, err := opts.request()
	require.NoError(t, err)
	assert.Equal(t, protocol.CmdMethod, req.Cmd)
	assert.Equal(t, protocol.KindTable, req.Kind)
	require.Len(t, req.Args, 1)
	assert.JSONEq(t, `[{"id":1}]`, string(req.Args[0]))

	opts.Args = `{"not":"an array"}`
	_, err = opts.request()
	assert.Error(t, err)
}

func TestCallRequiresCmd(t *testing.T) {
	cmd := NewCallCommand()
	cmd.SetArgs([]string{"--name", "x"})
	cmd.SetOut(new(bytes.Buffer))
	cmd.SetErr(new(bytes.Buffer))
	assert.Error(t, cmd.ExecuteContext(context.Background()))
}

func TestCallAgainstServer(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 0
	cfg.Engine.LuaPath = t.TempDir()
	cfg.Metrics.Enabled = false

	srv, err := NewServer(cfg)
	require.NoError(t, err)
	url, err := srv.Start(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() {
		srv.Shutdown(context.Background())
		srv.Wait()
	})

	_, err = srv.Manager().CreateTable(context.Background(), "t", json.RawMessage(`[{"a":1},{"a":2}]`), TableOptions{})
	require.NoError(t, err)

	cmd := NewCallCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--url", url, "--cmd", "method", "--kind", "table", "--name", "t", "--method", "size"})
	require.NoError(t, cmd.ExecuteContext(context.Background()))
	assert.Equal(t, "2\n", out.String())
}
