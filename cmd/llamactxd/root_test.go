package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"

	"llamactx/internal/config"
)

func parsed(t *testing.T, args ...string) (*rootOptions, *cobra.Command) {
	t.Helper()
	o := &rootOptions{}
	cmd := &cobra.Command{Use: "test"}
	o.bindFlags(cmd)
	require.NoError(t, cmd.ParseFlags(args))
	return o, cmd
}

func TestLoadConfig_Defaults(t *testing.T) {
	o, cmd := parsed(t)
	cfg, err := o.loadConfig(cmd)
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.Addr)
	require.Equal(t, config.EngineSubprocess, cfg.Engine)
	require.False(t, cfg.CORSEnabled)
}

func TestLoadConfig_Precedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "llamactx.yaml")
	require.NoError(t, os.WriteFile(path, []byte("addr: \":7000\"\nengine: inprocess\nmodels_dir: /from/file\ncontext_limit: 2\n"), 0o644))
	t.Setenv("LLAMACTX_ENGINE", "server")
	t.Setenv("LLAMACTX_ADDR", ":7001")

	o, cmd := parsed(t, "--config", path, "--addr", ":7002", "--cors-origins", "http://a, http://b")
	cfg, err := o.loadConfig(cmd)
	require.NoError(t, err)
	require.Equal(t, ":7002", cfg.Addr)
	require.Equal(t, config.EngineServer, cfg.Engine)
	require.Equal(t, "/from/file", cfg.ModelsDir)
	require.Equal(t, 2, cfg.ContextLimit)
	require.True(t, cfg.CORSEnabled)
	require.Equal(t, []string{"http://a", "http://b"}, cfg.CORSAllowedOrigins)
}

func TestLoadConfig_RejectsUnknownEngine(t *testing.T) {
	o, cmd := parsed(t, "--engine", "gpu")
	_, err := o.loadConfig(cmd)
	require.Error(t, err)
}

func TestNewRootCmd_Commands(t *testing.T) {
	root := newRootCmd()
	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	for _, want := range []string{"serve", "models", "info", "cpu", "complete", "bench"} {
		require.Contains(t, names, want)
	}
}
