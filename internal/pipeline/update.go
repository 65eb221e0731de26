package pipeline

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"git.home.luguber.info/inful/codewiki/internal/gitws"
	"git.home.luguber.info/inful/codewiki/internal/ignore"
	"git.home.luguber.info/inful/codewiki/internal/logfields"
	"git.home.luguber.info/inful/codewiki/internal/store"
	"git.home.luguber.info/inful/codewiki/internal/tree"
)

// update runs the constrained incremental sub-pipeline for a COMPLETED
// repository: pull, scope regeneration to catalog nodes whose sources
// intersect the changed files, regenerate the overview unconditionally, and
// append the new commits. Classification is not revisited.
func (o *Orchestrator) update(ctx context.Context, repo *store.Repository) error {
	begin := time.Now()
	if err := o.ensureWorkspace(ctx, repo); err != nil {
		return o.suspendUpdate(ctx, repo, err)
	}
	localPath := o.git.LocalPath(repo.Organization, repo.Name, repo.Branch)
	o.events.Emit(ctx, repo.ID, EventUpdateStarted, map[string]string{"since": repo.Version})

	pull, err := o.git.Pull(ctx, localPath, repo.Version, o.creds(repo))
	if err != nil {
		return o.suspendUpdate(ctx, repo, err)
	}
	if len(pull.Commits) == 0 {
		// Nothing new: refresh the timestamp so the update sweep moves on.
		if err := o.store.Heartbeat(ctx, repo.ID); err != nil {
			return err
		}
		o.events.Emit(ctx, repo.ID, EventUpdateNoop, nil)
		slog.Info("Repository already up to date", logfields.Repository(repo.Name), logfields.Commit(repo.Version))
		return nil
	}

	// Commits append in walk order; re-runs dedupe by hash.
	records := make([]store.CommitRecord, 0, len(pull.Commits))
	for _, cm := range pull.Commits {
		records = append(records, store.CommitRecord{
			Hash: cm.Hash, Author: cm.Author, Message: cm.Message, Timestamp: cm.Timestamp,
		})
	}
	if err := o.store.AppendCommits(ctx, repo.ID, records); err != nil {
		return err
	}

	if err := o.invalidateTouchedNodes(ctx, repo, localPath, pull); err != nil {
		return o.suspendUpdate(ctx, repo, err)
	}

	// Refresh the listing; new files should be visible to prompts and tools.
	filter := ignore.New()
	filter.LoadRepository(localPath)
	if listing, terr := tree.NewBuilder().Build(localPath, filter); terr == nil {
		if err := o.store.SetTree(ctx, repo.ID, listing); err != nil {
			return err
		}
		repo.DirectoryTree = listing
	} else {
		slog.Warn("Tree rebuild failed, keeping previous listing", logfields.Repository(repo.Name), logfields.Error(terr))
	}

	// Re-enter the generate stage; only invalidated leaves are rebuilt, the
	// overview and mini-map always are.
	if err := o.transition(ctx, repo, store.StatusGenerating); err != nil {
		return err
	}
	if err := o.runGenerate(ctx, repo); err != nil {
		return err
	}
	if err := o.store.SetVersion(ctx, repo.ID, pull.Head); err != nil {
		return err
	}
	repo.Version = pull.Head

	o.events.Emit(ctx, repo.ID, EventUpdateFinished, map[string]string{
		"head": pull.Head, "commits": strconv.Itoa(len(pull.Commits)),
	})
	o.recorder.ObserveStageDuration("update", time.Since(begin))
	slog.Info("Incremental update finished", logfields.Repository(repo.Name),
		logfields.Commit(pull.Head), slog.Int("commits", len(pull.Commits)))
	return nil
}

// invalidateTouchedNodes marks catalog nodes incomplete when their recorded
// sources intersect the files changed since the last processed commit.
func (o *Orchestrator) invalidateTouchedNodes(ctx context.Context, repo *store.Repository, localPath string, pull *gitws.PullResult) error {
	changed, err := o.git.ChangedFiles(localPath, repo.Version, pull.Head)
	if err != nil {
		return err
	}
	if len(changed) == 0 {
		return nil
	}
	nodeIDs, err := o.store.NodesTouchingFiles(ctx, repo.ID, changed)
	if err != nil {
		return err
	}
	for _, id := range nodeIDs {
		if err := o.store.MarkNodeIncomplete(ctx, id); err != nil {
			return err
		}
	}
	slog.Info("Invalidated catalog nodes for update", logfields.Repository(repo.Name),
		slog.Int("changed_files", len(changed)), slog.Int("nodes", len(nodeIDs)))
	return nil
}

// suspendUpdate records an update failure without failing a repository that
// already has complete documentation.
func (o *Orchestrator) suspendUpdate(ctx context.Context, repo *store.Repository, err error) error {
	if ctx.Err() != nil {
		bg := context.WithoutCancel(ctx)
		_ = o.store.SetError(bg, repo.ID, cancelledReason)
		return ctx.Err()
	}
	slog.Warn("Incremental update suspended", logfields.Repository(repo.Name), logfields.Error(err))
	_ = o.store.SetError(ctx, repo.ID, err.Error())
	return err
}
