// Package logger provides the global zerolog logger for the bridge.
// Console output is human-readable; the optional file output is JSON with
// size-based rotation. The rolling log lives in the project root and is
// renamed to a .old sibling at startup once it exceeds maxLogBytes, so a
// restart never inherits an unbounded file.
package logger

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// maxLogBytes is the rotation threshold for the rolling log file (~2 MiB).
const maxLogBytes = 2 * 1024 * 1024

var (
	// Log is the global logger instance.
	Log zerolog.Logger

	// fileWriter is the file output for logging (with rotation).
	fileWriter *lumberjack.Logger

	// sessionContext holds the current downstream session id (optional).
	sessionContext   string
	sessionContextMu sync.RWMutex
)

func init() {
	Init(false)
}

// SetSession sets the downstream session id attached to subsequent log
// entries. Pass an empty string to clear. Thread-safe.
func SetSession(sessionID string) {
	sessionContextMu.Lock()
	defer sessionContextMu.Unlock()
	sessionContext = sessionID
}

func addContext(event *zerolog.Event) *zerolog.Event {
	sessionContextMu.RLock()
	sid := sessionContext
	sessionContextMu.RUnlock()
	if sid != "" {
		event = event.Str("session", sid)
	}
	return event
}

// Init initializes console-only logging. Use InitWithFile for the rolling
// file in the project root.
func Init(debug bool) {
	Log = zerolog.New(consoleWriter()).
		Level(level(debug)).
		With().
		Timestamp().
		Logger()
}

// InitWithFile initializes the logger with a rolling file at logPath in
// addition to the console. If the existing file already exceeds the
// rotation threshold it is renamed to a ".old" sibling first.
func InitWithFile(debug bool, logPath string) error {
	if logPath == "" {
		Init(debug)
		return nil
	}

	if err := rotateOversize(logPath); err != nil {
		return err
	}

	fileWriter = &lumberjack.Logger{
		Filename:  logPath,
		MaxSize:   2, // MB
		LocalTime: true,
	}

	multi := io.MultiWriter(consoleWriter(), fileWriter)
	Log = zerolog.New(multi).
		Level(level(debug)).
		With().
		Timestamp().
		Logger()
	return nil
}

// rotateOversize renames logPath to logPath+".old" when it exceeds
// maxLogBytes. A missing file is not an error.
func rotateOversize(logPath string) error {
	info, err := os.Stat(logPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("stat log file: %w", err)
	}
	if info.Size() <= maxLogBytes {
		return nil
	}
	if err := os.Rename(logPath, logPath+".old"); err != nil {
		return fmt.Errorf("rotate log file: %w", err)
	}
	return nil
}

// SetLevel adjusts the global level at runtime (config watch).
func SetLevel(debug bool) {
	Log = Log.Level(level(debug))
}

// CloseFileWriter closes the file writer if it exists. Call on shutdown.
func CloseFileWriter() error {
	if fileWriter != nil {
		err := fileWriter.Close()
		fileWriter = nil
		return err
	}
	return nil
}

func consoleWriter() io.Writer {
	return zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.RFC3339,
	}
}

func level(debug bool) zerolog.Level {
	if debug {
		return zerolog.DebugLevel
	}
	return zerolog.InfoLevel
}

// Debug logs a debug message.
func Debug() *zerolog.Event { return addContext(Log.Debug()) }

// Info logs an info message.
func Info() *zerolog.Event { return addContext(Log.Info()) }

// Warn logs a warning message.
func Warn() *zerolog.Event { return addContext(Log.Warn()) }

// Error logs an error message.
func Error() *zerolog.Event { return addContext(Log.Error()) }

// Fatal logs a fatal message and exits.
func Fatal() *zerolog.Event { return addContext(Log.Fatal()) }
