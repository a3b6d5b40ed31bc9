// Package config loads bridge configuration from bridge.yaml (optional),
// environment variables (GEMINI_BRIDGE_*), and command-line flags, merged
// into one viper-backed store with typed accessors.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Defaults.
const (
	DefaultPort        = 4444
	DefaultDiffContext = 3
	DefaultLogFileName = "gemini-bridge.log"
	DefaultPackageName = "@google/gemini-cli"
)

// ServerOptions configure the bridge server.
type ServerOptions struct {
	// Model is the model identifier passed to the subprocess.
	Model string
	// Port is the WebSocket listen port.
	Port int
	// ApprovalMode is forwarded to the subprocess (e.g. "default", "yolo").
	ApprovalMode string
	// BinaryPath is an absolute path to the subprocess binary, tried first.
	BinaryPath string
	// PackageName is the npm package used by the package-runner fallback.
	PackageName string
	// ProjectRoot is the absolute project root; canonicalized at load.
	ProjectRoot string
	// Checkpoint hook: optional downstream host plus credentials.
	CheckpointURL     string
	CheckpointSession string
	CheckpointSecret  string
	// Tag transform settings. TagMode is one of "event", "raw", "both",
	// or empty to disable the transform.
	TagMode  string
	JSONTag  string
	BlockTag string
	// Debug enables debug logging.
	Debug bool
}

// ClientOptions configure the client SDK.
type ClientOptions struct {
	URL         string
	Cwd         string
	Model       string
	DiffContext int
	SessionID   string
	// Replay query parameters; zero values are omitted from the URL.
	ReplayLimit  uint64
	ReplaySince  uint64
	ReplayBefore uint64
}

// Config is the merged configuration store.
type Config struct {
	v *viper.Viper
}

// Load builds the store. The config file is optional; a missing file is not
// an error. flags may be nil.
func Load(configPath string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("GEMINI_BRIDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetDefault("port", DefaultPort)
	v.SetDefault("package", DefaultPackageName)
	v.SetDefault("project-root", ".")
	v.SetDefault("tag-mode", "event")
	v.SetDefault("diff-context", DefaultDiffContext)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("bridge")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		// A missing default-path config is fine; an explicit path must exist.
		if configPath != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return nil, fmt.Errorf("bind flags: %w", err)
		}
	}
	return &Config{v: v}, nil
}

// Server returns the server options with the project root canonicalized.
func (c *Config) Server() (ServerOptions, error) {
	root := c.v.GetString("project-root")
	abs, err := filepath.Abs(root)
	if err != nil {
		return ServerOptions{}, fmt.Errorf("resolve project root: %w", err)
	}
	canonical, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return ServerOptions{}, fmt.Errorf("canonicalize project root %s: %w", abs, err)
	}
	return ServerOptions{
		Model:             c.v.GetString("model"),
		Port:              c.v.GetInt("port"),
		ApprovalMode:      c.v.GetString("approval-mode"),
		BinaryPath:        c.v.GetString("binary"),
		PackageName:       c.v.GetString("package"),
		ProjectRoot:       canonical,
		CheckpointURL:     c.v.GetString("checkpoint.url"),
		CheckpointSession: c.v.GetString("checkpoint.session"),
		CheckpointSecret:  c.v.GetString("checkpoint.secret"),
		TagMode:           c.v.GetString("tag-mode"),
		JSONTag:           c.v.GetString("json-tag"),
		BlockTag:          c.v.GetString("block-tag"),
		Debug:             c.v.GetBool("debug"),
	}, nil
}

// Client returns the client options with the diff context clamped to a
// non-negative value.
func (c *Config) Client() ClientOptions {
	diffCtx := c.v.GetInt("diff-context")
	if diffCtx < 0 {
		diffCtx = 0
	}
	return ClientOptions{
		URL:         c.v.GetString("url"),
		Cwd:         c.v.GetString("cwd"),
		Model:       c.v.GetString("model"),
		DiffContext: diffCtx,
		SessionID:   c.v.GetString("session"),
	}
}

// LogFilePath returns the rolling log file path inside the project root.
func (o ServerOptions) LogFilePath() string {
	return filepath.Join(o.ProjectRoot, DefaultLogFileName)
}

// Watch installs a change callback and starts watching the config file.
// Used to pick up log-level changes at runtime.
func (c *Config) Watch(onChange func(fsnotify.Event)) {
	c.v.OnConfigChange(onChange)
	c.v.WatchConfig()
}

// Get exposes raw key access for callers outside the typed surface.
func (c *Config) Get(key string) any { return c.v.Get(key) }

// Bool reads a boolean key with viper's usual coercion.
func (c *Config) Bool(key string) bool { return c.v.GetBool(key) }
