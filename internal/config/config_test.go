package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("", nil)
	require.NoError(t, err)

	opts, err := cfg.Server()
	require.NoError(t, err)
	require.Equal(t, DefaultPort, opts.Port)
	require.Equal(t, DefaultPackageName, opts.PackageName)
	require.Equal(t, "event", opts.TagMode)
	require.True(t, filepath.IsAbs(opts.ProjectRoot))
}

func TestLoadExplicitConfigMustExist(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"), nil)
	require.Error(t, err)
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bridge.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: 9999\nmodel: gemini-2.5-pro\ncheckpoint:\n  url: http://localhost:8080\n"), 0o644))

	cfg, err := Load(path, nil)
	require.NoError(t, err)

	opts, err := cfg.Server()
	require.NoError(t, err)
	require.Equal(t, 9999, opts.Port)
	require.Equal(t, "gemini-2.5-pro", opts.Model)
	require.Equal(t, "http://localhost:8080", opts.CheckpointURL)
}

func TestEnvOverridesDefault(t *testing.T) {
	t.Setenv("GEMINI_BRIDGE_PORT", "7777")
	cfg, err := Load("", nil)
	require.NoError(t, err)

	opts, err := cfg.Server()
	require.NoError(t, err)
	require.Equal(t, 7777, opts.Port)
}

func TestFlagBinding(t *testing.T) {
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.Int("port", DefaultPort, "")
	flags.String("approval-mode", "", "")
	require.NoError(t, flags.Parse([]string{"--port=6000", "--approval-mode=yolo"}))

	cfg, err := Load("", flags)
	require.NoError(t, err)

	opts, err := cfg.Server()
	require.NoError(t, err)
	require.Equal(t, 6000, opts.Port)
	require.Equal(t, "yolo", opts.ApprovalMode)
}

func TestProjectRootCanonicalized(t *testing.T) {
	real := t.TempDir()
	link := filepath.Join(t.TempDir(), "link")
	require.NoError(t, os.Symlink(real, link))

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("project-root", "", "")
	require.NoError(t, flags.Parse([]string{"--project-root=" + link}))

	cfg, err := Load("", flags)
	require.NoError(t, err)
	opts, err := cfg.Server()
	require.NoError(t, err)

	resolved, err := filepath.EvalSymlinks(real)
	require.NoError(t, err)
	require.Equal(t, resolved, opts.ProjectRoot)
}

func TestClientDiffContextClamped(t *testing.T) {
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.Int("diff-context", DefaultDiffContext, "")
	require.NoError(t, flags.Parse([]string{"--diff-context=-2"}))

	cfg, err := Load("", flags)
	require.NoError(t, err)
	require.Equal(t, 0, cfg.Client().DiffContext)
}

func TestLogFilePath(t *testing.T) {
	opts := ServerOptions{ProjectRoot: "/srv/project"}
	require.Equal(t, filepath.Join("/srv/project", DefaultLogFileName), opts.LogFilePath())
}
