// Package pipeline orchestrates the repository documentation state machine:
// clone, classify, outline, generate, and the incremental update path. Each
// stage checkpoints through the store so a crashed run resumes at the
// earliest incomplete stage instead of starting over.
package pipeline

import (
	"context"
	"log/slog"
	"time"

	"git.home.luguber.info/inful/codewiki/internal/classify"
	"git.home.luguber.info/inful/codewiki/internal/codemap"
	"git.home.luguber.info/inful/codewiki/internal/config"
	"git.home.luguber.info/inful/codewiki/internal/errors"
	"git.home.luguber.info/inful/codewiki/internal/gitws"
	"git.home.luguber.info/inful/codewiki/internal/ignore"
	"git.home.luguber.info/inful/codewiki/internal/llm"
	"git.home.luguber.info/inful/codewiki/internal/logfields"
	"git.home.luguber.info/inful/codewiki/internal/metrics"
	"git.home.luguber.info/inful/codewiki/internal/outline"
	"git.home.luguber.info/inful/codewiki/internal/overview"
	"git.home.luguber.info/inful/codewiki/internal/rag"
	"git.home.luguber.info/inful/codewiki/internal/section"
	"git.home.luguber.info/inful/codewiki/internal/store"
	"git.home.luguber.info/inful/codewiki/internal/tools"
	"git.home.luguber.info/inful/codewiki/internal/tree"
)

// heartbeatInterval keeps the updated_at column fresh during long stages so
// the stall sweep does not reclaim a live run.
const heartbeatInterval = 15 * time.Second

// cancelledReason is recorded when a run is aborted by its context.
const cancelledReason = "cancelled"

// Orchestrator drives one repository through the pipeline. It is safe to run
// many orchestrator tasks concurrently as long as each works a distinct
// repository.
type Orchestrator struct {
	cfg        *config.Config
	store      *store.Store
	git        *gitws.Client
	classifier *classify.Classifier
	planner    *outline.Planner
	sections   *section.Generator
	builder    *overview.Builder
	events     *EventSink
	recorder   metrics.Recorder
	searcher   rag.Searcher
}

// New wires the pipeline stages. recorder and searcher may be nil.
func New(cfg *config.Config, st *store.Store, git *gitws.Client, gateway *llm.Gateway, events *EventSink, recorder metrics.Recorder, searcher rag.Searcher) *Orchestrator {
	if recorder == nil {
		recorder = metrics.NoopRecorder{}
	}
	if searcher == nil {
		searcher = rag.Disabled{}
	}
	return &Orchestrator{
		cfg:        cfg,
		store:      st,
		git:        git,
		classifier: classify.New(gateway, cfg.AnalysisOrChatModel()),
		planner:    outline.New(gateway, cfg.AnalysisOrChatModel()),
		sections:   section.New(gateway, st, cfg.ChatModel, cfg.SectionConcurrency),
		builder:    overview.New(gateway, cfg.ChatModel),
		events:     events,
		recorder:   recorder,
		searcher:   searcher,
	}
}

// Run processes one repository from its current status to COMPLETED, or runs
// the incremental update path when it is already COMPLETED. FAILED
// repositories are left alone; the cleanup sweep decides their fate.
func (o *Orchestrator) Run(ctx context.Context, repositoryID string) error {
	repo, err := o.store.GetRepository(ctx, repositoryID)
	if err != nil {
		return err
	}

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go o.heartbeat(hbCtx, repo.ID)

	start := time.Now()
	defer func() {
		o.recorder.ObservePipelineDuration(time.Since(start))
	}()

	switch repo.Status {
	case store.StatusFailed:
		slog.Debug("Skipping failed repository", logfields.RepositoryID(repo.ID))
		return nil
	case store.StatusCompleted:
		return o.update(ctx, repo)
	default:
		return o.process(ctx, repo)
	}
}

// process runs the full pipeline, entering at the earliest incomplete stage.
func (o *Orchestrator) process(ctx context.Context, repo *store.Repository) error {
	if repo.Status == store.StatusPending || repo.Status == store.StatusCloning {
		if err := o.runClone(ctx, repo); err != nil {
			return err
		}
	} else if err := o.ensureWorkspace(ctx, repo); err != nil {
		return o.abort(ctx, repo, "CLONE_"+gitErrorCode(err), err)
	}

	if repo.Status == store.StatusCloned {
		if err := o.runClassify(ctx, repo); err != nil {
			return err
		}
	}
	if repo.Status == store.StatusClassified {
		if err := o.runOutline(ctx, repo); err != nil {
			return err
		}
	}
	if repo.Status == store.StatusOutlined || repo.Status == store.StatusGenerating {
		if err := o.runGenerate(ctx, repo); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) runClone(ctx context.Context, repo *store.Repository) error {
	begin := time.Now()
	if err := o.transition(ctx, repo, store.StatusCloning); err != nil {
		return err
	}
	res, err := o.git.Clone(ctx, repo.Organization, repo.Name, repo.Branch, repo.Address, o.creds(repo))
	if err != nil {
		return o.abort(ctx, repo, "CLONE_"+gitErrorCode(err), err)
	}

	filter := ignore.New()
	filter.LoadRepository(res.LocalPath)
	listing, err := tree.NewBuilder().Build(res.LocalPath, filter)
	if err != nil {
		return o.abort(ctx, repo, "CLONE_"+gitws.CodeDisk, err)
	}

	if err := o.store.CompleteClone(ctx, repo.ID, res.Head.Hash, listing); err != nil {
		return err
	}
	repo.Status = store.StatusCloned
	repo.Version = res.Head.Hash
	repo.DirectoryTree = listing
	o.events.Emit(ctx, repo.ID, EventStatusChanged, map[string]string{"status": string(store.StatusCloned)})

	if err := o.store.AppendCommits(ctx, repo.ID, []store.CommitRecord{{
		Hash: res.Head.Hash, Author: res.Head.Author, Message: res.Head.Message, Timestamp: res.Head.Timestamp,
	}}); err != nil {
		slog.Warn("Recording head commit failed", logfields.RepositoryID(repo.ID), logfields.Error(err))
	}
	o.recorder.ObserveStageDuration("clone", time.Since(begin))
	return nil
}

func (o *Orchestrator) runClassify(ctx context.Context, repo *store.Repository) error {
	begin := time.Now()
	readme := o.readme(repo)
	// Classification failure is non-fatal: unknown selects the generic
	// prompt family downstream.
	label := o.classifier.Classify(ctx, repo.Name, repo.DirectoryTree, readme)
	if err := o.store.SetClassification(ctx, repo.ID, label); err != nil {
		return err
	}
	repo.Status = store.StatusClassified
	repo.Classification = label
	o.events.Emit(ctx, repo.ID, EventStatusChanged, map[string]string{
		"status": string(store.StatusClassified), "classification": label,
	})
	o.recorder.ObserveStageDuration("classify", time.Since(begin))
	return nil
}

func (o *Orchestrator) runOutline(ctx context.Context, repo *store.Repository) error {
	begin := time.Now()
	nodes, err := o.planner.Plan(ctx, &outline.Request{
		Organization:   repo.Organization,
		Name:           repo.Name,
		Classification: repo.Classification,
		Tree:           repo.DirectoryTree,
		Readme:         o.readme(repo),
		UserPrompt:     repo.Prompt,
	})
	if err != nil {
		if errors.IsCategory(err, errors.CategoryPlan) {
			return o.abort(ctx, repo, outline.FailureReason, err)
		}
		return o.suspend(ctx, repo, err)
	}
	if err := o.store.ReplaceCatalog(ctx, repo.ID, nodes); err != nil {
		return err
	}
	if err := o.transition(ctx, repo, store.StatusOutlined); err != nil {
		return err
	}
	o.recorder.ObserveStageDuration("outline", time.Since(begin))
	return nil
}

func (o *Orchestrator) runGenerate(ctx context.Context, repo *store.Repository) error {
	begin := time.Now()
	if repo.Status != store.StatusGenerating {
		if err := o.transition(ctx, repo, store.StatusGenerating); err != nil {
			return err
		}
	}
	catalog, err := o.store.ListCatalog(ctx, repo.ID)
	if err != nil {
		return err
	}
	if err := o.generateContent(ctx, repo, catalog); err != nil {
		return o.suspend(ctx, repo, err)
	}

	// Parents group children and never carry sections, so only leaves gate
	// completion.
	completed, total, err := o.store.CatalogLeafProgress(ctx, repo.ID)
	if err != nil {
		return err
	}
	doc, derr := o.store.GetDocument(ctx, repo.ID)
	overviewReady := derr == nil && doc.Overview != ""
	if completed < total || !overviewReady {
		// Incomplete leaves resurface through the stall sweep; the run ends
		// without a checkpoint so the retry re-enters here.
		err := errors.Retryable(errors.CategoryLLM, errors.SeverityError, "generation incomplete").
			WithContext("completed", completed).WithContext("total", total)
		return o.suspend(ctx, repo, err)
	}

	if err := o.transition(ctx, repo, store.StatusCompleted); err != nil {
		return err
	}
	o.recorder.ObserveStageDuration("generate", time.Since(begin))
	o.recorder.IncPipelineOutcome(metrics.ResultSuccess)
	slog.Info("Repository documentation completed",
		logfields.Repository(repo.Name), logfields.Branch(repo.Branch), logfields.Commit(repo.Version))
	return nil
}

// generateContent runs sections and the overview/mini-map concurrently. They
// write disjoint rows, so the only coordination is the shared error.
func (o *Orchestrator) generateContent(ctx context.Context, repo *store.Repository, catalog []*store.CatalogNode) error {
	readme := o.readme(repo)
	localPath := o.git.LocalPath(repo.Organization, repo.Name, repo.Branch)

	var analyzer *codemap.Analyzer
	if o.cfg.EnableDependencyAnalysis {
		filter := ignore.New()
		filter.LoadRepository(localPath)
		analyzer = codemap.For(localPath, filter)
	}
	factory := func() *tools.Toolbox {
		return tools.New(localPath, repo.ID, repo.DirectoryTree, analyzer, o.searcher)
	}

	overviewDone := make(chan error, 1)
	go func() {
		overviewDone <- o.buildOverview(ctx, repo, catalog, readme)
	}()

	sectionErr := o.sections.Run(ctx, repo, catalog, readme, factory)
	overviewErr := <-overviewDone
	if sectionErr != nil {
		return sectionErr
	}
	return overviewErr
}

func (o *Orchestrator) buildOverview(ctx context.Context, repo *store.Repository, catalog []*store.CatalogNode, readme string) error {
	text, err := o.builder.Overview(ctx, repo, readme)
	if err != nil {
		return err
	}
	if err := o.store.SetOverview(ctx, repo.ID, text, ""); err != nil {
		return err
	}
	minimap := o.builder.Minimap(ctx, repo, catalog, text)
	return o.store.SetMinimap(ctx, repo.ID, minimap)
}

// transition checkpoints a status change and emits the transition event.
func (o *Orchestrator) transition(ctx context.Context, repo *store.Repository, status store.Status) error {
	if err := o.store.UpdateStatus(ctx, repo.ID, status); err != nil {
		return err
	}
	repo.Status = status
	o.events.Emit(ctx, repo.ID, EventStatusChanged, map[string]string{"status": string(status)})
	return nil
}

// abort marks the repository FAILED with the given reason, unless the run was
// cancelled, in which case the last checkpointed status is kept and only the
// error field records the interruption.
func (o *Orchestrator) abort(ctx context.Context, repo *store.Repository, reason string, err error) error {
	if ctx.Err() != nil {
		bg := context.WithoutCancel(ctx)
		_ = o.store.SetError(bg, repo.ID, cancelledReason)
		o.recorder.IncPipelineOutcome(metrics.ResultCanceled)
		return ctx.Err()
	}
	slog.Error("Pipeline stage failed",
		logfields.Repository(repo.Name), logfields.Status(string(repo.Status)),
		slog.String("reason", reason), logfields.Error(err))
	if serr := o.store.SetFailed(ctx, repo.ID, reason); serr != nil {
		slog.Error("Recording failure state failed", logfields.RepositoryID(repo.ID), logfields.Error(serr))
	}
	o.events.Emit(ctx, repo.ID, EventStageFailed, map[string]string{"reason": reason})
	o.recorder.IncPipelineOutcome(metrics.ResultFailed)
	return err
}

// suspend records a transient failure without changing status; the stall
// sweep re-dispatches the repository and the run resumes at this stage.
func (o *Orchestrator) suspend(ctx context.Context, repo *store.Repository, err error) error {
	if ctx.Err() != nil {
		bg := context.WithoutCancel(ctx)
		_ = o.store.SetError(bg, repo.ID, cancelledReason)
		o.recorder.IncPipelineOutcome(metrics.ResultCanceled)
		return ctx.Err()
	}
	if errors.IsFatal(err) {
		return o.abort(ctx, repo, err.Error(), err)
	}
	slog.Warn("Pipeline stage suspended for retry",
		logfields.Repository(repo.Name), logfields.Status(string(repo.Status)), logfields.Error(err))
	_ = o.store.SetError(ctx, repo.ID, err.Error())
	return err
}

// ensureWorkspace re-establishes the checkout for runs resuming past the
// clone stage, e.g. after the host lost its disk between stages.
func (o *Orchestrator) ensureWorkspace(ctx context.Context, repo *store.Repository) error {
	localPath := o.git.LocalPath(repo.Organization, repo.Name, repo.Branch)
	if o.git.Inspect(localPath) != nil {
		return nil
	}
	_, err := o.git.Clone(ctx, repo.Organization, repo.Name, repo.Branch, repo.Address, o.creds(repo))
	return err
}

func (o *Orchestrator) creds(repo *store.Repository) *gitws.Credentials {
	if repo.Token == "" {
		return nil
	}
	return &gitws.Credentials{Username: repo.Username, Token: repo.Token}
}

// readme returns the repository README contents, or empty when none exists.
func (o *Orchestrator) readme(repo *store.Repository) string {
	localPath := o.git.LocalPath(repo.Organization, repo.Name, repo.Branch)
	for _, name := range []string{"README.md", "readme.md", "README.MD", "README", "README.rst", "README.txt", "docs/README.md"} {
		if data := o.git.ReadFile(localPath, name); data != nil {
			return string(data)
		}
	}
	return ""
}

// heartbeat keeps the row fresh while the run is active.
func (o *Orchestrator) heartbeat(ctx context.Context, id string) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := o.store.Heartbeat(ctx, id); err != nil && ctx.Err() == nil {
				slog.Warn("Heartbeat failed", logfields.RepositoryID(id), logfields.Error(err))
			}
		}
	}
}

// gitErrorCode maps a workspace error onto its stable code for the error
// field; unknown failures default to the transient network class.
func gitErrorCode(err error) string {
	switch {
	case errors.AsType[*gitws.AuthRequiredError](err):
		return gitws.CodeAuthRequired
	case errors.AsType[*gitws.NotFoundError](err):
		return gitws.CodeNotFound
	case errors.AsType[*gitws.DiskError](err):
		return gitws.CodeDisk
	case errors.AsType[*gitws.SyncConflictError](err):
		return gitws.CodeSyncConflict
	default:
		return gitws.CodeNetwork
	}
}
