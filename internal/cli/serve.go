package cli

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/weftlabs/weft/internal/node"
	"github.com/weftlabs/weft/internal/storage"
	"github.com/weftlabs/weft/internal/transport/ws"
	"github.com/weftlabs/weft/internal/wire"
)

// ServeConfig is the YAML configuration for the serve command.
type ServeConfig struct {
	Identity string   `yaml:"identity"`
	Database string   `yaml:"db"`
	Listen   string   `yaml:"listen"`
	Peers    []string `yaml:"peers"`
}

// LoadServeConfig reads and validates a serve configuration file.
func LoadServeConfig(path string) (*ServeConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg ServeConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if cfg.Identity == "" {
		return nil, fmt.Errorf("config %s: identity is required", path)
	}
	if cfg.Database == "" {
		return nil, fmt.Errorf("config %s: db is required", path)
	}
	if cfg.Listen == "" {
		cfg.Listen = ":4200"
	}
	return &cfg, nil
}

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Config string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a storage-backed websocket sync server",
		Long: `Start a sync node that persists every CoValue it sees to SQLite and
serves the sync protocol to websocket clients. Optional upstream peers
make it part of a larger mesh.

Example:
  weft serve --config weft.yaml`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Config, "config", "", "path to YAML config (required)")
	_ = cmd.MarkFlagRequired("config")

	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	logLevel := slog.LevelInfo
	if opts.Verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	cfg, err := LoadServeConfig(opts.Config)
	if err != nil {
		return WrapExitError(ExitCommandError, "load config", err)
	}

	agent, err := ReadIdentity(cfg.Identity)
	if err != nil {
		return WrapExitError(ExitCommandError, "load identity", err)
	}
	logger.Info("identity loaded", "agent", agent.ID())

	st, err := storage.Open(cfg.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			logger.Error("error closing database", "error", closeErr)
		}
	}()

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	n := node.New(agent, node.WithLogger(logger))
	n.AddPeer(storage.NewPeer(st, logger))

	for _, url := range cfg.Peers {
		peer, err := ws.Dial(ctx, url, wire.RoleServer, logger)
		if err != nil {
			return WrapExitError(ExitCommandError, "connect upstream peer", err)
		}
		logger.Info("upstream peer connected", "url", url)
		n.AddPeer(peer)
	}

	mux := http.NewServeMux()
	mux.Handle("/sync", ws.Handler(logger, func(p *wire.Peer) {
		logger.Info("client connected", "peer", p.ID)
		n.AddPeer(p)
	}))
	server := &http.Server{Addr: cfg.Listen, Handler: mux}

	go func() {
		<-ctx.Done()
		server.Shutdown(context.Background())
	}()

	logger.Info("sync server listening", "addr", cfg.Listen, "db", cfg.Database)
	fmt.Fprintln(cmd.OutOrStdout(), "Sync server started. Press Ctrl-C to stop.")

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	if err := n.Run(ctx); err != nil && err != context.Canceled {
		return WrapExitError(ExitFailure, "node error", err)
	}
	n.Close()

	if err := <-errCh; err != nil && err != http.ErrServerClosed {
		return WrapExitError(ExitFailure, "server error", err)
	}

	logger.Info("sync server stopped gracefully")
	return nil
}
