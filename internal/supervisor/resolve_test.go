package supervisor

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResolveCommandExplicitBinaryWithArgs(t *testing.T) {
	dir := t.TempDir()
	bin := filepath.Join(dir, "agent")
	require.NoError(t, os.WriteFile(bin, []byte("#!/bin/sh\n"), 0o755))

	cmd, err := resolveCommand(Options{BinaryPath: bin + " --flag 'two words'"})
	require.NoError(t, err)
	require.Equal(t, bin, cmd.Path)
	require.Equal(t, []string{"--flag", "two words"}, cmd.Args)
}

func TestResolveCommandExplicitBinaryMissing(t *testing.T) {
	cmd, err := resolveCommand(Options{BinaryPath: "/nonexistent/agent"})
	require.Error(t, err)
	require.Empty(t, cmd.Path)
}

func TestResolveCommandExplicitBinaryBadQuoting(t *testing.T) {
	_, err := resolveCommand(Options{BinaryPath: `/bin/agent "unterminated`})
	require.Error(t, err)
}

func TestResolveCommandPrefersRepoLocalBinary(t *testing.T) {
	root := t.TempDir()
	binDir := filepath.Join(root, "node_modules", ".bin")
	require.NoError(t, os.MkdirAll(binDir, 0o755))
	local := filepath.Join(binDir, agentBinaryName)
	require.NoError(t, os.WriteFile(local, []byte("#!/bin/sh\n"), 0o755))

	cmd, err := resolveCommand(Options{ProjectRoot: root})
	require.NoError(t, err)
	require.Equal(t, local, cmd.Path)
	require.Empty(t, cmd.Args)
}

func TestResolveCommandPackageRunnerFallback(t *testing.T) {
	// Point PATH at a directory holding only npx so the global-name lookup
	// misses and the runner fallback fires.
	dir := t.TempDir()
	npx := filepath.Join(dir, "npx")
	require.NoError(t, os.WriteFile(npx, []byte("#!/bin/sh\n"), 0o755))
	t.Setenv("PATH", dir)

	cmd, err := resolveCommand(Options{ProjectRoot: t.TempDir(), PackageName: "@google/gemini-cli"})
	require.NoError(t, err)
	require.Equal(t, npx, cmd.Path)
	require.Equal(t, []string{"--prefer-offline", "--yes", "@google/gemini-cli"}, cmd.Args)
	require.Contains(t, cmd.Env, "npm_config_prefer_offline=true")
}

func TestResolveCommandNothingAvailable(t *testing.T) {
	t.Setenv("PATH", t.TempDir())
	_, err := resolveCommand(Options{ProjectRoot: t.TempDir()})
	require.Error(t, err)
}

func TestCommandString(t *testing.T) {
	c := Command{Path: "/usr/bin/npx", Args: []string{"--yes", "pkg"}}
	require.Equal(t, "/usr/bin/npx --yes pkg", c.String())
}
