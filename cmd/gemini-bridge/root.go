package main

import (
	"os/signal"
	"syscall"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/pdHaku0/gemini-cli-agent-sdk/internal/bridge"
	"github.com/pdHaku0/gemini-cli-agent-sdk/internal/config"
	"github.com/pdHaku0/gemini-cli-agent-sdk/internal/logger"
	"github.com/pdHaku0/gemini-cli-agent-sdk/internal/supervisor"
)

// version is set via -ldflags at build time.
var version = "dev"

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "gemini-bridge",
		Short:        "Multi-client WebSocket bridge for the Gemini CLI agent",
		SilenceUsage: true,
		Version:      version,
	}
	cmd.AddCommand(newServeCmd())
	return cmd
}

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the bridge server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath, cmd.Flags())
			if err != nil {
				return err
			}
			opts, err := cfg.Server()
			if err != nil {
				return err
			}

			if err := logger.InitWithFile(opts.Debug, opts.LogFilePath()); err != nil {
				return err
			}

			// Pick up log-level flips without a restart.
			cfg.Watch(func(fsnotify.Event) {
				logger.SetLevel(cfg.Bool("debug"))
				logger.Info().Msg("configuration reloaded")
			})

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			sup := supervisor.New(supervisor.Options{
				BinaryPath:   opts.BinaryPath,
				PackageName:  opts.PackageName,
				ProjectRoot:  opts.ProjectRoot,
				Model:        opts.Model,
				ApprovalMode: opts.ApprovalMode,
			})
			srv := bridge.NewServer(opts, sup)
			return srv.Run(ctx)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&configPath, "config", "", "Path to bridge.yaml (default: ./bridge.yaml if present)")
	flags.Int("port", config.DefaultPort, "WebSocket listen port")
	flags.String("model", "", "Model identifier passed to the agent")
	flags.String("approval-mode", "", "Agent approval mode (default, auto_edit, yolo)")
	flags.String("binary", "", "Absolute path to the agent binary")
	flags.String("package", config.DefaultPackageName, "npm package for the runner fallback")
	flags.String("project-root", ".", "Project root the agent operates in")
	flags.String("tag-mode", "event", "Tagged-region handling: event, raw, or both")
	flags.String("json-tag", "", "Override the JSON event tag name")
	flags.String("block-tag", "", "Override the block event tag name")
	flags.String("checkpoint.url", "", "Checkpoint hook base URL")
	flags.String("checkpoint.session", "", "Checkpoint session identifier")
	flags.String("checkpoint.secret", "", "Checkpoint bearer token")
	flags.Bool("debug", false, "Enable debug logging")

	return cmd
}
