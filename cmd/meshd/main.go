package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/rmacdonaldsmith/semanticmesh-go/internal/config"
	"github.com/rmacdonaldsmith/semanticmesh-go/internal/httpapi"
	"github.com/rmacdonaldsmith/semanticmesh-go/internal/logging"
	"github.com/rmacdonaldsmith/semanticmesh-go/internal/meshnode"
)

const (
	// Application info
	appName    = "SemanticMesh"
	appVersion = "0.1.0"

	shutdownTimeout = 30 * time.Second
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "meshd",
		Short: "SemanticMesh coordination node",
		Long: `meshd runs a SemanticMesh node: the shared Mesh Store over an in-memory or
Redis backend, served over gRPC, with an operator HTTP API for health,
metrics, circuit breakers and safety limits.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, cmd.ErrOrStderr())
		},
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to a TOML configuration file")

	rootCmd.AddCommand(newServeCommand(&configPath))
	rootCmd.AddCommand(newValidateCommand(&configPath))
	rootCmd.AddCommand(newVersionCommand())
	return rootCmd
}

func newServeCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the node until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), *configPath, cmd.ErrOrStderr())
		},
	}
}

func newValidateCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Load and validate the configuration, then exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Configuration for node %s is valid (backend: %s)\n", cfg.Node.ID, cfg.Backend.Type)
			return nil
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s v%s\n", appName, appVersion)
		},
	}
}

// runServe loads the configuration and serves until ctx is cancelled or a
// termination signal arrives
func runServe(ctx context.Context, configPath string, logOut io.Writer) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger, err := logging.New("meshd", cfg.Log, logOut)
	if err != nil {
		return err
	}

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return serve(ctx, cfg, logger)
}

func serve(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	nodeCfg, err := cfg.ToNodeConfig()
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	logger.Info().
		Str("version", appVersion).
		Str("node_id", nodeCfg.NodeID).
		Str("backend", cfg.Backend.Type).
		Msg("starting node")

	node, err := meshnode.NewNode(ctx, nodeCfg,
		meshnode.WithLogger(logger),
		meshnode.WithRegisterer(registry),
	)
	if err != nil {
		return fmt.Errorf("failed to create mesh node: %w", err)
	}
	defer func() {
		if err := node.Close(); err != nil {
			logger.Error().Err(err).Msg("error closing node")
		}
	}()

	if err := node.Start(ctx); err != nil {
		return fmt.Errorf("failed to start mesh node: %w", err)
	}
	if addr := node.RPCAddress(); addr != "" {
		logger.Info().Str("address", addr).Msg("rpc listening")
	}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.HTTP.Enabled {
		server, err := httpapi.NewServer(node, cfg.HTTPServerConfig(),
			httpapi.WithGatherer(registry),
			httpapi.WithLogger(logger),
		)
		if err != nil {
			return fmt.Errorf("failed to create http api: %w", err)
		}
		g.Go(server.Start)
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return server.Stop(shutdownCtx)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down gracefully")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return node.Stop(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info().Msg("node stopped")
	return nil
}
