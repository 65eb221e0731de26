// Package scheduler runs the periodic sweeps that feed repositories to the
// pipeline: processing (start or resume), update (incremental refresh), and
// cleanup (demote stale failures). Strictly single-leader; running two
// instances against one store is undefined.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"

	"git.home.luguber.info/inful/codewiki/internal/config"
	"git.home.luguber.info/inful/codewiki/internal/logfields"
	"git.home.luguber.info/inful/codewiki/internal/metrics"
	"git.home.luguber.info/inful/codewiki/internal/store"
)

const (
	processingInterval  = 30 * time.Second
	updateSweepInterval = 24 * time.Hour
	cleanupInterval     = time.Hour

	// stallTimeout is how long an in-flight repository may go without a
	// heartbeat before the processing sweep reclaims it.
	stallTimeout = 5 * time.Minute

	// updatesPerSweep caps incremental updates dispatched per update sweep.
	updatesPerSweep = 3

	// failureGrace is how long a FAILED repository rests before the cleanup
	// sweep demotes it back to PENDING.
	failureGrace = 24 * time.Hour

	// maxFailureCount stops demotion once a repository has failed this often.
	maxFailureCount = 5
)

// Runner executes one pipeline run. Implemented by pipeline.Orchestrator.
type Runner interface {
	Run(ctx context.Context, repositoryID string) error
}

// Scheduler owns the gocron jobs and the worker group executing runs.
type Scheduler struct {
	cron     gocron.Scheduler
	store    *store.Store
	runner   Runner
	recorder metrics.Recorder
	workers  WorkerGroup

	maxParallel    int
	updateInterval time.Duration

	mu       sync.Mutex
	inFlight map[string]bool

	runCtx    context.Context
	cancelRun context.CancelFunc
}

// New creates the scheduler. recorder may be nil.
func New(cfg *config.Config, st *store.Store, runner Runner, recorder metrics.Recorder) (*Scheduler, error) {
	cron, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}
	if recorder == nil {
		recorder = metrics.NoopRecorder{}
	}
	return &Scheduler{
		cron:           cron,
		store:          st,
		runner:         runner,
		recorder:       recorder,
		maxParallel:    cfg.MaxParallelRepos,
		updateInterval: cfg.UpdateInterval(),
		inFlight:       map[string]bool{},
		runCtx:         context.Background(),
	}, nil
}

// Start registers the sweeps and begins ticking. ctx bounds every dispatched
// run; cancelling it aborts in-flight pipelines at their next suspension
// point.
func (s *Scheduler) Start(ctx context.Context) error {
	s.runCtx, s.cancelRun = context.WithCancel(ctx)

	jobs := []struct {
		name     string
		interval time.Duration
		task     func()
	}{
		{"processing", processingInterval, func() { s.ProcessingSweep(s.runCtx) }},
		{"update", updateSweepInterval, func() { s.UpdateSweep(s.runCtx) }},
		{"cleanup", cleanupInterval, func() { s.CleanupSweep(s.runCtx) }},
	}
	for _, j := range jobs {
		if _, err := s.cron.NewJob(
			gocron.DurationJob(j.interval),
			gocron.NewTask(j.task),
			gocron.WithName(j.name+"-sweep"),
			gocron.WithStartAt(gocron.WithStartImmediately()),
		); err != nil {
			return err
		}
	}

	slog.Info("Scheduler started",
		slog.Int("max_parallel_repos", s.maxParallel),
		slog.Duration("update_interval", s.updateInterval))
	s.cron.Start()
	return nil
}

// Stop halts the sweeps and waits for in-flight runs, bounded by ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	if err := s.cron.Shutdown(); err != nil {
		slog.Warn("Cron shutdown failed", logfields.Error(err))
	}
	if s.cancelRun != nil {
		s.cancelRun()
	}
	return s.workers.StopAndWait(ctx)
}

// ProcessingSweep dispatches PENDING repositories and reclaims in-flight ones
// whose heartbeat went stale. Stalled runs resume before new ones start.
func (s *Scheduler) ProcessingSweep(ctx context.Context) {
	capacity := s.capacity()
	if capacity <= 0 {
		return
	}
	repos, err := s.store.ListProcessable(ctx, capacity, stallTimeout)
	if err != nil {
		slog.Error("Processing sweep query failed", logfields.Error(err))
		return
	}
	for _, repo := range repos {
		s.dispatch(repo)
	}
}

// UpdateSweep enqueues incremental updates for COMPLETED repositories whose
// last processed commit is older than the update interval.
func (s *Scheduler) UpdateSweep(ctx context.Context) {
	cutoff := time.Now().Add(-s.updateInterval)
	repos, err := s.store.ListCompletedBefore(ctx, cutoff, updatesPerSweep)
	if err != nil {
		slog.Error("Update sweep query failed", logfields.Error(err))
		return
	}
	for _, repo := range repos {
		s.dispatch(repo)
	}
}

// CleanupSweep demotes rested FAILED repositories back to PENDING and
// refreshes the per-status gauges.
func (s *Scheduler) CleanupSweep(ctx context.Context) {
	demoted, err := s.store.DemoteStaleFailures(ctx, time.Now().Add(-failureGrace), maxFailureCount)
	if err != nil {
		slog.Error("Cleanup sweep failed", logfields.Error(err))
	} else if demoted > 0 {
		slog.Info("Demoted failed repositories for retry", slog.Int64("count", demoted), logfields.Sweep("cleanup"))
	}
	for _, status := range []store.Status{
		store.StatusPending, store.StatusCloning, store.StatusCloned,
		store.StatusClassified, store.StatusOutlined, store.StatusGenerating,
		store.StatusCompleted, store.StatusFailed,
	} {
		if n, cerr := s.store.CountByStatus(ctx, status); cerr == nil {
			s.recorder.SetRepositoriesByStatus(string(status), n)
		}
	}
}

// InFlight reports the number of currently dispatched repositories.
func (s *Scheduler) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inFlight)
}

func (s *Scheduler) capacity() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxParallel - len(s.inFlight)
}

// dispatch hands one repository to a worker, at most once concurrently.
func (s *Scheduler) dispatch(repo *store.Repository) {
	s.mu.Lock()
	if s.inFlight[repo.ID] || len(s.inFlight) >= s.maxParallel {
		s.mu.Unlock()
		return
	}
	s.inFlight[repo.ID] = true
	s.mu.Unlock()

	started := s.workers.Go(func() {
		defer func() {
			s.mu.Lock()
			delete(s.inFlight, repo.ID)
			s.mu.Unlock()
		}()
		slog.Info("Dispatching repository",
			logfields.Repository(repo.Name), logfields.Branch(repo.Branch), logfields.Status(string(repo.Status)))
		if err := s.runner.Run(s.runCtx, repo.ID); err != nil {
			slog.Warn("Pipeline run returned error",
				logfields.Repository(repo.Name), logfields.Error(err))
		}
	})
	if !started {
		s.mu.Lock()
		delete(s.inFlight, repo.ID)
		s.mu.Unlock()
	}
}
