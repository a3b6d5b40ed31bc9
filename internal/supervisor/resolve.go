package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/shlex"

	"github.com/pdHaku0/gemini-cli-agent-sdk/internal/logger"
)

// agentBinaryName is the global executable name of the downstream agent.
const agentBinaryName = "gemini"

// Command is a resolved launch command.
type Command struct {
	Path string
	Args []string
	// Env entries appended to the inherited environment.
	Env []string
}

// String renders the command for logs.
func (c Command) String() string {
	return strings.Join(append([]string{c.Path}, c.Args...), " ")
}

// resolveCommand walks the candidate list and returns the first launchable
// command: explicit path, repo-local node_modules/.bin, global name, then
// the package-runner fallback with an offline-preferred environment.
func resolveCommand(opts Options) (Command, error) {
	if opts.BinaryPath != "" {
		words, err := shlex.Split(opts.BinaryPath)
		if err != nil || len(words) == 0 {
			return Command{}, fmt.Errorf("invalid binary path %q: %w", opts.BinaryPath, err)
		}
		if _, statErr := os.Stat(words[0]); statErr != nil {
			return Command{}, fmt.Errorf("binary %s: %w", words[0], statErr)
		}
		return Command{Path: words[0], Args: words[1:]}, nil
	}

	local := filepath.Join(opts.ProjectRoot, "node_modules", ".bin", agentBinaryName)
	if info, err := os.Stat(local); err == nil && !info.IsDir() {
		return Command{Path: local}, nil
	}

	if path, err := exec.LookPath(agentBinaryName); err == nil {
		return Command{Path: path}, nil
	}

	npx, err := exec.LookPath("npx")
	if err != nil {
		return Command{}, fmt.Errorf("no %s binary found and npx unavailable: %w", agentBinaryName, err)
	}
	return Command{
		Path: npx,
		Args: []string{"--prefer-offline", "--yes", opts.PackageName},
		Env:  []string{"npm_config_prefer_offline=true"},
	}, nil
}

// probeVersion runs the resolved command with --version and logs one line.
// Failures are logged and ignored; the probe is informational.
func probeVersion(cmd Command) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	probe := exec.CommandContext(ctx, cmd.Path, append(append([]string{}, cmd.Args...), "--version")...)
	probe.Env = append(os.Environ(), cmd.Env...)
	out, err := probe.Output()
	if err != nil {
		logger.Debug().Err(err).Str("command", cmd.String()).Msg("version probe failed")
		return
	}
	version := strings.TrimSpace(string(out))
	if i := strings.IndexByte(version, '\n'); i >= 0 {
		version = version[:i]
	}
	logger.Info().Str("command", cmd.String()).Str("version", version).Msg("resolved agent command")
}
