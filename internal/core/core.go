// Package core wires the platform together: storage, the history ledger,
// OTU mutations, index builds, the job manager, and the fan-out dispatcher
// behind one handle.
package core

import (
	"context"
	"errors"
	"log/slog"
	"os"

	"refcore/internal/blob"
	"refcore/internal/dispatch"
	"refcore/internal/history"
	"refcore/internal/index"
	"refcore/internal/jobs"
	"refcore/internal/observe"
	"refcore/internal/otus"
	"refcore/pkg/document"
)

// WorkflowRebuildIndex is the job workflow name for index builds.
const WorkflowRebuildIndex = "rebuild_index"

// Options configures a Core. Zero values fall back to environment-driven
// defaults.
type Options struct {
	DB       document.Database
	Blobs    blob.Store
	Logger   *slog.Logger
	Metrics  *observe.Metrics
	DataPath string
}

// Core is the platform handle. All operations are reached through its
// component services.
type Core struct {
	DB         document.Database
	Blobs      blob.Store
	Ledger     *history.Ledger
	OTUs       *otus.Service
	Indexes    *index.Service
	Jobs       *jobs.Manager
	Dispatcher *dispatch.Dispatcher

	log      *slog.Logger
	metrics  *observe.Metrics
	dataPath string
}

// New assembles a Core from its options and registers the built-in
// workflows.
func New(opts Options) *Core {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	dataPath := opts.DataPath
	if dataPath == "" {
		dataPath = os.Getenv("REFCORE_DATA_PATH")
	}

	ledger := history.New(opts.DB, log)
	c := &Core{
		DB:       opts.DB,
		Blobs:    opts.Blobs,
		Ledger:   ledger,
		OTUs:     otus.NewService(opts.DB, ledger, log),
		Indexes:  index.New(opts.DB, ledger, opts.Blobs, log),
		Jobs:     jobs.NewManager(opts.DB, log, opts.Metrics),
		log:      log,
		metrics:  opts.Metrics,
		dataPath: dataPath,
	}
	c.Dispatcher = dispatch.New(map[string]dispatch.Fetcher{
		"jobs":       dispatch.NewJobsFetcher(opts.DB),
		"indexes":    dispatch.NewIndexesFetcher(opts.DB),
		"labels":     dispatch.NewLabelsFetcher(opts.DB),
		"references": dispatch.NewReferencesFetcher(opts.DB),
		"samples":    dispatch.NewSamplesFetcher(opts.DB),
		"otus": dispatch.NewSimpleFetcher(
			opts.DB.Collection(document.CollectionOTUs), otus.ListProjection, nil),
		"history": dispatch.NewSimpleFetcher(
			opts.DB.Collection(document.CollectionHistory), history.ListProjection, nil),
	}, log, opts.Metrics)

	c.Jobs.Register(WorkflowRebuildIndex, c.runRebuildIndex)
	return c
}

// RebuildIndex submits and starts an index build for the reference. The
// index record is created synchronously so conflicts (no unbuilt changes,
// build already in progress) surface to the caller; the artifact is
// materialized by the job.
func (c *Core) RebuildIndex(ctx context.Context, refID, userID string) (document.Doc, error) {
	job, err := c.Jobs.Submit(ctx, WorkflowRebuildIndex, document.Doc{"ref_id": refID}, userID)
	if err != nil {
		return nil, err
	}
	jobID := document.ID(job)

	idx, err := c.Indexes.Start(ctx, refID, userID, jobID)
	if err != nil {
		// The build never began; the placeholder job is abandoned.
		if cancelErr := c.Jobs.Cancel(ctx, jobID); cancelErr != nil {
			c.log.Warn("abandoned build job cancel failed", "job_id", jobID, "error", cancelErr)
		}
		return nil, err
	}

	args := document.Doc{"ref_id": refID, "index_id": document.ID(idx)}
	if _, err := c.DB.Collection(document.CollectionJobs).FindOneAndModify(ctx,
		document.Doc{"_id": jobID},
		document.Doc{"$set": document.Doc{"args": args}}); err != nil {
		return nil, err
	}

	if err := c.Jobs.Start(ctx, jobID); err != nil {
		return nil, err
	}

	c.dispatchChange(ctx, "indexes", dispatch.OpAdd, document.ID(idx))
	c.dispatchChange(ctx, "jobs", dispatch.OpAdd, jobID)
	return idx, nil
}

// runRebuildIndex is the job body for WorkflowRebuildIndex.
func (c *Core) runRebuildIndex(ctx context.Context, job *jobs.Job) error {
	refID, _ := job.Args["ref_id"].(string)
	indexID, _ := job.Args["index_id"].(string)

	if err := job.PushStatus(ctx, "build", 10); err != nil {
		return err
	}
	err := c.Indexes.Run(ctx, indexID)
	switch {
	case err == nil:
		c.metrics.IndexBuild("complete")
		c.dispatchChange(context.WithoutCancel(ctx), "indexes", dispatch.OpUpdate, indexID)
	case errors.Is(err, context.Canceled):
		c.metrics.IndexBuild("cancelled")
		c.Indexes.Cleanup(context.WithoutCancel(ctx), refID, indexID)
	default:
		c.metrics.IndexBuild("error")
	}
	return err
}

// RemoveJob removes a terminal job and its log file, then notifies
// subscribers.
func (c *Core) RemoveJob(ctx context.Context, jobID string) error {
	if err := c.Jobs.Remove(ctx, jobID, c.dataPath); err != nil {
		return err
	}
	c.dispatchChange(ctx, "jobs", dispatch.OpRemove, jobID)
	return nil
}

// ClearJobs bulk-removes finished jobs and notifies subscribers.
func (c *Core) ClearJobs(ctx context.Context, complete, failed bool) ([]string, error) {
	removed, err := c.Jobs.Clear(ctx, complete, failed, c.dataPath)
	if err != nil {
		return removed, err
	}
	if len(removed) > 0 {
		if derr := c.Dispatcher.Dispatch(ctx, "jobs", dispatch.OpRemove, removed); derr != nil {
			c.log.Warn("dispatch failed", "kind", "jobs", "error", derr)
		}
	}
	return removed, nil
}

func (c *Core) dispatchChange(ctx context.Context, kind, op, id string) {
	if err := c.Dispatcher.Dispatch(ctx, kind, op, []string{id}); err != nil {
		c.log.Warn("dispatch failed", "kind", kind, "op", op, "error", err)
	}
}

// Shutdown waits for running jobs to finish.
func (c *Core) Shutdown() {
	c.Jobs.Wait()
}
