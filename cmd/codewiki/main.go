package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	prom "github.com/prometheus/client_golang/prometheus"

	"git.home.luguber.info/inful/codewiki/internal/config"
	"git.home.luguber.info/inful/codewiki/internal/gitws"
	"git.home.luguber.info/inful/codewiki/internal/llm"
	"git.home.luguber.info/inful/codewiki/internal/logfields"
	"git.home.luguber.info/inful/codewiki/internal/metrics"
	"git.home.luguber.info/inful/codewiki/internal/pipeline"
	"git.home.luguber.info/inful/codewiki/internal/rag"
	"git.home.luguber.info/inful/codewiki/internal/scheduler"
	"git.home.luguber.info/inful/codewiki/internal/server"
	"git.home.luguber.info/inful/codewiki/internal/store"
)

const stopTimeout = 30 * time.Second

var CLI struct {
	Config  string `short:"c" help:"Configuration file path" default:"config.yaml"`
	Verbose bool   `short:"v" help:"Enable verbose logging"`

	Serve struct{} `cmd:"" help:"Run the HTTP API and the pipeline scheduler"`

	Process struct {
		Repo string `short:"r" required:"" help:"Repository id to run through the pipeline"`
	} `cmd:"" help:"Process a single repository synchronously and exit"`

	Init struct {
		Force bool `help:"Overwrite existing configuration file"`
	} `cmd:"" help:"Initialize a new configuration file"`
}

func main() {
	ctx := kong.Parse(&CLI)

	logLevel := slog.LevelInfo
	if CLI.Verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})))

	switch ctx.Command() {
	case "serve":
		if err := runServe(); err != nil {
			slog.Error("Serve failed", logfields.Error(err))
			os.Exit(1)
		}
	case "process":
		if err := runProcess(CLI.Process.Repo); err != nil {
			slog.Error("Process failed", logfields.Error(err))
			os.Exit(1)
		}
	case "init":
		if err := config.Init(CLI.Config, CLI.Init.Force); err != nil {
			slog.Error("Init failed", logfields.Error(err))
			os.Exit(1)
		}
		slog.Info("Configuration written", logfields.Path(CLI.Config))
	}
}

// bootstrap builds the shared dependency graph for serve and process.
func bootstrap() (*config.Config, *store.Store, *gitws.Client, *pipeline.Orchestrator, *pipeline.EventSink, *metrics.PrometheusRecorder, error) {
	cfg, err := config.Load(CLI.Config)
	if err != nil {
		return nil, nil, nil, nil, nil, nil, err
	}
	st, err := store.New(cfg.DatabasePath)
	if err != nil {
		return nil, nil, nil, nil, nil, nil, err
	}
	git := gitws.NewClient(cfg.RepositoryRoot)
	if err := git.EnsureRoot(); err != nil {
		_ = st.Close()
		return nil, nil, nil, nil, nil, nil, err
	}
	gateway, err := llm.New(cfg)
	if err != nil {
		_ = st.Close()
		return nil, nil, nil, nil, nil, nil, err
	}
	recorder := metrics.NewPrometheusRecorder(prom.NewRegistry())
	events := pipeline.NewEventSink(st, cfg.NATSURL)
	orch := pipeline.New(cfg, st, git, gateway, events, recorder, rag.Disabled{})
	return cfg, st, git, orch, events, recorder, nil
}

func runServe() error {
	cfg, st, git, orch, events, recorder, err := bootstrap()
	if err != nil {
		return err
	}
	defer st.Close()
	defer events.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sched, err := scheduler.New(cfg, st, orch, recorder)
	if err != nil {
		return err
	}
	if err := sched.Start(ctx); err != nil {
		return err
	}

	srv := server.New(st,
		server.WithGitClient(git),
		server.WithMetricsHandler(recorder.Handler()),
	)
	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", cfg.ListenAddr)
		serveErr <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		slog.Info("Shutdown signal received")
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	if err := httpServer.Shutdown(stopCtx); err != nil {
		slog.Warn("HTTP shutdown incomplete", logfields.Error(err))
	}
	if err := sched.Stop(stopCtx); err != nil {
		slog.Warn("Scheduler stop incomplete", logfields.Error(err))
	}
	slog.Info("Shutdown complete")
	return nil
}

func runProcess(repositoryID string) error {
	_, st, _, orch, events, _, err := bootstrap()
	if err != nil {
		return err
	}
	defer st.Close()
	defer events.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	start := time.Now()
	if err := orch.Run(ctx, repositoryID); err != nil {
		return err
	}
	repo, err := st.GetRepository(context.Background(), repositoryID)
	if err != nil {
		return err
	}
	slog.Info("Pipeline run finished",
		logfields.RepositoryID(repositoryID),
		logfields.Status(string(repo.Status)),
		logfields.DurationMS(float64(time.Since(start).Milliseconds())))
	return nil
}
