package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/seantiz/simflow/internal/api"
	"github.com/seantiz/simflow/internal/config"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configFile string

	root := &cobra.Command{
		Use:           "simflow",
		Short:         "Simulation workflow orchestration engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configFile, "config", "c", "", "path to a YAML config file (default ./simflow.yaml if present)")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the HTTP API together with every stage worker and control loop",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return run(cmd.Context(), configFile, true)
			},
		},
		&cobra.Command{
			Use:   "worker",
			Short: "Run stage and inference workers against a shared Redis queue",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return run(cmd.Context(), configFile, false)
			},
		},
	)
	return root
}

func run(parent context.Context, configFile string, serve bool) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	if !serve && cfg.RedisURL == "" {
		return errors.New("worker mode needs a shared queue: set SIMFLOW_REDIS_URL")
	}

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("simflow: starting",
		"mode", mode(serve),
		"listen_addr", cfg.ListenAddr,
		"db_driver", cfg.DB.Driver,
		"redis", cfg.RedisURL != "",
		"solver_url", cfg.SolverURL,
	)

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	workers, err := a.startWorkers(ctx, serve)
	if err != nil {
		return err
	}
	defer workers.Stop()

	if !serve {
		<-ctx.Done()
		logger.Info("simflow: shutting down")
		return nil
	}

	srv := api.NewServer(cfg.ListenAddr, a.coord, a.processor, a.solvers, a.hub, logger)
	srv.SetShutdownTimeout(cfg.ShutdownTimeout)
	return srv.Run(ctx)
}

func mode(serve bool) string {
	if serve {
		return "serve"
	}
	return "worker"
}
