package supervisor

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pdHaku0/gemini-cli-agent-sdk/internal/logger"
	"github.com/pdHaku0/gemini-cli-agent-sdk/internal/wire"
)

// File-tool emulation. The subprocess asks the client side for file access
// via fs/read_text_file and fs/write_text_file; the supervisor intercepts
// these and services them against the project root instead, so the agent
// works even when no client implements the file API.

type readTextFileParams struct {
	Path string `json:"path"`
}

type writeTextFileParams struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

func (s *Supervisor) handleFSTool(f wire.Frame) {
	var reply wire.Frame
	switch f.Method {
	case wire.MethodReadTextFile:
		reply = s.readTextFile(f)
	case wire.MethodWriteTextFile:
		reply = s.writeTextFile(f)
	}
	if err := s.WriteFrame(reply); err != nil {
		logger.Error().Err(err).Str("method", f.Method).Msg("failed to answer fs tool request")
	}
}

func (s *Supervisor) readTextFile(f wire.Frame) wire.Frame {
	var params readTextFileParams
	if err := json.Unmarshal(f.Params, &params); err != nil {
		return wire.NewErrorResponse(f.ID, wire.CodeInvalidParams, fmt.Sprintf("invalid params: %v", err))
	}
	path, err := s.resolvePath(params.Path)
	if err != nil {
		return wire.NewErrorResponse(f.ID, wire.CodeInvalidParams, err.Error())
	}

	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Missing files read as empty, not as an error.
			content = nil
		} else {
			return wire.NewErrorResponse(f.ID, wire.CodeIOError, fmt.Sprintf("read %s: %v", params.Path, err))
		}
	}
	reply, err := wire.NewResponse(f.ID, map[string]string{"content": string(content)})
	if err != nil {
		return wire.NewErrorResponse(f.ID, wire.CodeInternalError, err.Error())
	}
	return reply
}

func (s *Supervisor) writeTextFile(f wire.Frame) wire.Frame {
	var params writeTextFileParams
	if err := json.Unmarshal(f.Params, &params); err != nil {
		return wire.NewErrorResponse(f.ID, wire.CodeInvalidParams, fmt.Sprintf("invalid params: %v", err))
	}
	path, err := s.resolvePath(params.Path)
	if err != nil {
		return wire.NewErrorResponse(f.ID, wire.CodeInvalidParams, err.Error())
	}

	if err := os.WriteFile(path, []byte(params.Content), 0o644); err != nil {
		return wire.NewErrorResponse(f.ID, wire.CodeIOError, fmt.Sprintf("write %s: %v", params.Path, err))
	}

	s.mu.Lock()
	s.modified[path] = struct{}{}
	s.mu.Unlock()

	reply, err := wire.NewResponse(f.ID, nil)
	if err != nil {
		return wire.NewErrorResponse(f.ID, wire.CodeInternalError, err.Error())
	}
	return reply
}

// resolvePath resolves a tool path against the project root and refuses any
// path whose canonical form escapes it. The filesystem is never touched for
// escaping paths.
func (s *Supervisor) resolvePath(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("empty path")
	}
	abs := path
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(s.opts.ProjectRoot, abs)
	}
	abs = filepath.Clean(abs)

	canonical, err := canonicalize(abs)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %v", path, err)
	}
	root := s.opts.ProjectRoot
	if canonical != root && !strings.HasPrefix(canonical, root+string(filepath.Separator)) {
		return "", fmt.Errorf("path %s escapes project root", path)
	}
	return canonical, nil
}

// canonicalize resolves symlinks on the deepest existing ancestor so that
// not-yet-created files still get an escape check.
func canonicalize(abs string) (string, error) {
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved, nil
	} else if !os.IsNotExist(err) {
		return "", err
	}
	dir, base := filepath.Split(abs)
	dir = filepath.Clean(dir)
	if dir == abs {
		return "", fmt.Errorf("unresolvable path")
	}
	resolvedDir, err := canonicalize(dir)
	if err != nil {
		return "", err
	}
	return filepath.Join(resolvedDir, base), nil
}
