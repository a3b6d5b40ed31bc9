// Package supervisor owns the agent subprocess: launch resolution, stdio
// plumbing, the authentication gate, emulated file-system tools, and
// crash/restart policy. The bridge multiplexer sits on top and receives
// every JSON-RPC frame the subprocess emits.
package supervisor

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pdHaku0/gemini-cli-agent-sdk/internal/framer"
	"github.com/pdHaku0/gemini-cli-agent-sdk/internal/logger"
	"github.com/pdHaku0/gemini-cli-agent-sdk/internal/wire"
)

// defaultRestartDelay is how long the supervisor waits before relaunching a
// crashed subprocess.
const defaultRestartDelay = 2 * time.Second

// Options configure the supervisor.
type Options struct {
	BinaryPath   string
	PackageName  string
	ProjectRoot  string
	Model        string
	ApprovalMode string
	RestartDelay time.Duration
}

// Supervisor manages one agent subprocess at a time.
type Supervisor struct {
	opts Options

	// OnFrame receives every JSON-RPC frame from the subprocess that is not
	// serviced locally, plus synthesized gemini/authUrl notifications.
	// Set before Start; called from the stdout-reading goroutine.
	OnFrame func(wire.Frame)

	// OnRestart fires after a crashed subprocess has been replaced. The
	// bridge resets its session identifier and turn counter here.
	OnRestart func()

	mu          sync.Mutex
	cmd         *exec.Cmd
	stdin       io.WriteCloser
	writeMu     sync.Mutex
	authPending bool
	authURL     string
	modified    map[string]struct{}
	stopping    bool

	wg sync.WaitGroup
}

// New creates a supervisor. Start must be called before any writes.
func New(opts Options) *Supervisor {
	if opts.RestartDelay <= 0 {
		opts.RestartDelay = defaultRestartDelay
	}
	return &Supervisor{
		opts:     opts,
		modified: make(map[string]struct{}),
	}
}

// Start resolves the launch command, spawns the subprocess, and runs the
// supervise loop until ctx is cancelled or Stop is called. Restarts after a
// crash are scheduled with a short fixed delay.
func (s *Supervisor) Start(ctx context.Context) error {
	cmd, err := resolveCommand(s.opts)
	if err != nil {
		return err
	}
	probeVersion(cmd)

	if err := s.spawn(ctx, cmd); err != nil {
		return err
	}

	s.wg.Add(1)
	go s.superviseLoop(ctx, cmd)
	return nil
}

func (s *Supervisor) superviseLoop(ctx context.Context, cmd Command) {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		proc := s.cmd
		s.mu.Unlock()
		if proc == nil {
			return
		}

		err := proc.Wait()

		// Exit clears auth state; the next session starts fresh.
		s.mu.Lock()
		s.authPending = false
		s.authURL = ""
		s.modified = make(map[string]struct{})
		stopping := s.stopping
		s.mu.Unlock()

		if stopping || ctx.Err() != nil {
			return
		}

		logger.Warn().Err(err).Dur("restart_in", s.opts.RestartDelay).Msg("agent subprocess exited, scheduling restart")

		select {
		case <-ctx.Done():
			return
		case <-time.After(s.opts.RestartDelay):
		}

		if err := s.spawn(ctx, cmd); err != nil {
			logger.Error().Err(err).Msg("agent restart failed")
			return
		}
		if s.OnRestart != nil {
			s.OnRestart()
		}
	}
}

// spawn creates the child with separate stdio pipes, the project root as
// working directory, and a FORCE_COLOR hint.
func (s *Supervisor) spawn(ctx context.Context, cmd Command) error {
	args := append(append([]string{}, cmd.Args...), "--experimental-acp")
	if s.opts.Model != "" {
		args = append(args, "-m", s.opts.Model)
	}
	if s.opts.ApprovalMode != "" {
		args = append(args, "--approval-mode", s.opts.ApprovalMode)
	}

	proc := exec.CommandContext(ctx, cmd.Path, args...)
	proc.Dir = s.opts.ProjectRoot
	proc.Env = append(os.Environ(), "FORCE_COLOR=1")
	proc.Env = append(proc.Env, cmd.Env...)

	stdin, err := proc.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := proc.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := proc.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}

	if err := proc.Start(); err != nil {
		return fmt.Errorf("start agent: %w", err)
	}
	logger.Info().Int("pid", proc.Process.Pid).Str("command", cmd.String()).Msg("agent subprocess started")

	s.mu.Lock()
	s.cmd = proc
	s.stdin = stdin
	s.mu.Unlock()

	s.wg.Add(2)
	go s.readStdout(ctx, stdout)
	go s.readStderr(stderr)
	return nil
}

// readStdout classifies each stdout line and routes it: fs-tool requests
// are serviced locally, auth URLs arm the gate, everything else goes to
// OnFrame.
func (s *Supervisor) readStdout(ctx context.Context, r io.Reader) {
	defer s.wg.Done()
	err := framer.Scan(ctx, r, func(f framer.Frame) bool {
		switch f.Kind {
		case framer.KindJSONRPC:
			s.routeFrame(f.JSON)
		case framer.KindAuthURL:
			s.armAuthGate(f.AuthURL)
		case framer.KindLog:
			logger.Debug().Str("line", f.Raw).Msg("agent log")
		}
		return true
	})
	if err != nil && err != context.Canceled {
		logger.Debug().Err(err).Msg("agent stdout closed")
	}
}

func (s *Supervisor) readStderr(r io.Reader) {
	defer s.wg.Done()
	_ = framer.Scan(context.Background(), r, func(f framer.Frame) bool {
		logger.Debug().Str("line", framer.StripControl(f.Raw)).Msg("agent stderr")
		return true
	})
}

func (s *Supervisor) routeFrame(f wire.Frame) {
	if f.IsRequest() && (f.Method == wire.MethodReadTextFile || f.Method == wire.MethodWriteTextFile) {
		s.handleFSTool(f)
		return
	}
	if isAuthFailure(f) {
		// Forward the error so clients see it, then replace the subprocess
		// so the restart path clears transient auth state.
		if s.OnFrame != nil {
			s.OnFrame(f)
		}
		logger.Warn().Msg("authentication failure from agent, killing subprocess")
		s.Kill()
		return
	}
	if s.OnFrame != nil {
		s.OnFrame(f)
	}
}

// isAuthFailure detects an authentication error surfaced by the subprocess.
func isAuthFailure(f wire.Frame) bool {
	if f.Error == nil {
		return false
	}
	msg := strings.ToLower(f.Error.Message)
	return strings.Contains(msg, "authentication") || strings.Contains(msg, "unauthorized") ||
		strings.Contains(msg, "not logged in")
}

func (s *Supervisor) armAuthGate(url string) {
	s.mu.Lock()
	s.authPending = true
	s.authURL = url
	s.mu.Unlock()
	logger.Info().Str("url", url).Msg("agent requires authentication")
	if s.OnFrame != nil {
		f, err := wire.NewNotification(wire.MethodAuthURL, wire.AuthURLParams{URL: url})
		if err == nil {
			s.OnFrame(f)
		}
	}
}

// AuthPending reports whether the auth gate is armed.
func (s *Supervisor) AuthPending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authPending
}

// AuthURL returns the remembered OAuth URL, if any.
func (s *Supervisor) AuthURL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authURL
}

// SubmitAuthCode writes the trimmed OAuth code plus newline to the
// subprocess stdin and clears the gate.
func (s *Supervisor) SubmitAuthCode(code string) error {
	if err := s.writeRaw([]byte(strings.TrimSpace(code) + "\n")); err != nil {
		return err
	}
	s.mu.Lock()
	s.authPending = false
	s.authURL = ""
	s.mu.Unlock()
	return nil
}

// WriteFrame serializes a frame to the subprocess stdin, newline-delimited.
func (s *Supervisor) WriteFrame(f wire.Frame) error {
	data, err := wire.Encode(f)
	if err != nil {
		return err
	}
	return s.writeRaw(append(data, '\n'))
}

// writeRaw is the single serialized write path to subprocess stdin.
func (s *Supervisor) writeRaw(data []byte) error {
	s.mu.Lock()
	stdin := s.stdin
	s.mu.Unlock()
	if stdin == nil {
		return fmt.Errorf("agent subprocess not running")
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := stdin.Write(data); err != nil {
		return fmt.Errorf("write to agent stdin: %w", err)
	}
	return nil
}

// TakeModifiedFiles returns and clears the current turn's modified-file set.
func (s *Supervisor) TakeModifiedFiles() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.modified) == 0 {
		return nil
	}
	files := make([]string, 0, len(s.modified))
	for path := range s.modified {
		files = append(files, path)
	}
	sort.Strings(files)
	s.modified = make(map[string]struct{})
	return files
}

// Kill terminates the subprocess; the supervise loop handles the restart.
func (s *Supervisor) Kill() {
	s.mu.Lock()
	proc := s.cmd
	s.mu.Unlock()
	if proc != nil && proc.Process != nil {
		_ = proc.Process.Kill()
	}
}

// Stop terminates the subprocess without scheduling a restart and waits for
// the reader goroutines to finish.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	s.stopping = true
	proc := s.cmd
	stdin := s.stdin
	s.mu.Unlock()

	if stdin != nil {
		_ = stdin.Close()
	}
	if proc != nil && proc.Process != nil {
		_ = proc.Process.Kill()
	}
	s.wg.Wait()
}
