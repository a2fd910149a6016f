// Command droughtwatch runs the drought-severity classification pipeline:
// raw tile processing, training orchestration, inference over the external
// model server, and drift observation. Commands run one stage, the full
// state machine, a continuous daemon, or the HTTP function server.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/google/uuid"

	"github.com/droughtwatch/droughtwatch/internal/config"
	"github.com/droughtwatch/droughtwatch/internal/daemon"
	dwerrors "github.com/droughtwatch/droughtwatch/internal/errors"
	"github.com/droughtwatch/droughtwatch/internal/infra"
	"github.com/droughtwatch/droughtwatch/internal/logfields"
	"github.com/droughtwatch/droughtwatch/internal/observability"
	"github.com/droughtwatch/droughtwatch/internal/pipeline"
	"github.com/droughtwatch/droughtwatch/internal/server"
	"github.com/droughtwatch/droughtwatch/internal/version"
)

var CLI struct {
	Config  string           `short:"c" help:"Configuration file path" default:"droughtwatch.yaml"`
	Verbose bool             `short:"v" help:"Enable verbose logging"`
	Version kong.VersionFlag `help:"Print version information and quit"`

	Init struct {
		Force bool `help:"Overwrite existing configuration file"`
	} `cmd:"" help:"Initialize a new configuration file"`

	Process struct {
		RunID  string `help:"Run identifier (generated when empty)"`
		Forced bool   `help:"Reprocess tiles already recorded in the ledger"`
	} `cmd:"" help:"Process new raw tiles into model-ready records"`

	Train struct {
		RunID string `help:"Run identifier (generated when empty)"`
	} `cmd:"" help:"Run the training DAG: process, assemble datasets, train, export"`

	Infer struct {
		RunID string `help:"Run identifier (generated when empty)"`
	} `cmd:"" help:"Predict processed tiles that have no predictions yet"`

	Observe struct {
		RunID string `help:"Run identifier (generated when empty)"`
	} `cmd:"" help:"Compute drift metrics for unobserved predictions"`

	Run struct {
		RunID  string `help:"Run identifier (generated when empty)"`
		Forced bool   `help:"Reprocess tiles already recorded in the ledger"`
	} `cmd:"" help:"Run the full processing, inference, observe state machine"`

	Daemon struct{} `cmd:"" help:"Run continuously: scheduler, drop-directory watcher, job queue"`

	Serve struct{} `cmd:"" help:"Serve the pipeline functions and the state machine over HTTP"`

	PrepareInfra struct {
		EnvPath string `help:"Path of the assembled training env file" default:"./training/setup/.env"`
		Secrets string `help:"Secrets file appended verbatim to the env file"`
	} `cmd:"" name:"prepare-infra" help:"Ensure storage buckets exist and assemble the training env file"`
}

func main() {
	kctx := kong.Parse(&CLI,
		kong.Name("droughtwatch"),
		kong.Description("Satellite-imagery drought-severity classification pipeline"),
		kong.Vars{"version": version.String()})
	os.Exit(run(kctx.Command()))
}

func run(command string) int {
	adapter := dwerrors.NewCLIErrorAdapter(CLI.Verbose, nil)

	if command == "init" {
		observability.SetupLogging(logLevel("info"), "text")
		if err := config.Init(CLI.Config, CLI.Init.Force); err != nil {
			adapter.Report(err)
			return adapter.ExitCodeFor(err)
		}
		slog.Info("Configuration written", slog.String("path", CLI.Config))
		return 0
	}

	cfg, err := config.Load(CLI.Config)
	if err != nil {
		observability.SetupLogging(logLevel("info"), "text")
		adapter.Report(err)
		return adapter.ExitCodeFor(err)
	}
	observability.SetupLogging(logLevel(cfg.Logging.Level), cfg.Logging.Format)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := newApp(ctx, cfg)
	if err != nil {
		adapter.Report(err)
		return adapter.ExitCodeFor(err)
	}
	defer a.Close()

	if err := dispatch(ctx, command, a); err != nil {
		adapter.Report(err)
		return adapter.ExitCodeFor(err)
	}
	return 0
}

func dispatch(ctx context.Context, command string, a *app) error {
	switch command {
	case "process":
		return a.runStages(ctx, runID(CLI.Process.RunID), "cli", CLI.Process.Forced, pipeline.StageProcess)
	case "train":
		return a.runStages(ctx, runID(CLI.Train.RunID), "cli", false, pipeline.StageExport)
	case "infer":
		return a.runStages(ctx, runID(CLI.Infer.RunID), "cli", false, pipeline.StageInfer)
	case "observe":
		return a.runStages(ctx, runID(CLI.Observe.RunID), "cli", false, pipeline.StageObserve)
	case "run":
		return a.executeMachine(ctx, runID(CLI.Run.RunID), CLI.Run.Forced)
	case "daemon":
		return runDaemon(ctx, a)
	case "serve":
		return runServe(ctx, a)
	case "prepare-infra":
		ms, err := a.metricsStore(ctx)
		if err != nil {
			return err
		}
		defer func() {
			if cerr := ms.Close(); cerr != nil {
				slog.Warn("Failed to close metrics store", logfields.Error(cerr))
			}
		}()
		return infra.NewPreparer(a.store, ms, a.cfg).Prepare(ctx, CLI.PrepareInfra.EnvPath, CLI.PrepareInfra.Secrets)
	default:
		return fmt.Errorf("unknown command %q", command)
	}
}

// runDaemon runs pipeline executions continuously until the context is
// canceled. Every job, whatever its trigger, drives the full state machine.
func runDaemon(ctx context.Context, a *app) error {
	runner := daemon.RunnerFunc(func(ctx context.Context, jobID string, trigger daemon.Trigger, forced bool) error {
		return a.executeMachine(ctx, jobID, forced)
	})

	d, err := daemon.New(a.cfg, runner, a.store)
	if err != nil {
		return err
	}
	return d.Run(ctx)
}

// runServe hosts the function handlers, the state machine, and the metrics
// endpoint until a shutdown signal arrives.
func runServe(ctx context.Context, a *app) error {
	obs, err := a.observer(ctx)
	if err != nil {
		return err
	}
	m, err := a.machine(ctx)
	if err != nil {
		return err
	}

	opts := []server.Option{server.WithMachine(m)}
	if a.registry != nil {
		opts = append(opts, server.WithMetricsRegistry(a.registry))
	}
	if a.events != nil {
		opts = append(opts, server.WithRunHistory(a.events, a.cfg.Daemon.MaxRunHistory))
	}
	srv := server.New(server.Functions(a.processor(), a.engine(), obs), opts...)

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Start(a.cfg.Daemon.Listen)
	}()
	slog.Info("Server started", slog.String("listen", a.cfg.Daemon.Listen))

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("Server shutdown incomplete", logfields.Error(err))
		return err
	}
	slog.Info("Server stopped")
	return nil
}

// runID returns the flag value or a fresh identifier.
func runID(flag string) string {
	if flag != "" {
		return flag
	}
	return uuid.NewString()
}

func logLevel(configured string) string {
	if CLI.Verbose {
		return "debug"
	}
	return configured
}
