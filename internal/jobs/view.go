package jobs

import (
	"context"
	"os"
	"path/filepath"

	"refcore/pkg/document"
	"refcore/pkg/domain"
)

// ListProjection is the field set returned for job listings.
var ListProjection = []string{"_id", "workflow", "status", "user", "created_at"}

// Flatten collapses a job document's status list into the summary shape
// used by listings: the newest entry's state, stage, and progress are
// lifted to the top level and the list itself is dropped.
func Flatten(doc document.Doc) document.Doc {
	out := document.Clone(doc)
	state, entry := LatestStatus(doc)
	delete(out, "status")
	out["state"] = string(state)
	if entry != nil {
		out["stage"] = entry["stage"]
		out["progress"] = entry["progress"]
		if errMsg, ok := entry["error"]; ok {
			out["error"] = errMsg
		}
	}
	return out
}

// List returns the flattened summaries of all jobs.
func (m *Manager) List(ctx context.Context) ([]document.Doc, error) {
	docs, err := m.jobs.Find(ctx, nil, ListProjection)
	if err != nil {
		return nil, err
	}
	out := make([]document.Doc, 0, len(docs))
	for _, doc := range docs {
		out = append(out, Flatten(doc))
	}
	return out, nil
}

// Get returns one job document in full, including its status history.
func (m *Manager) Get(ctx context.Context, id string) (document.Doc, error) {
	doc, err := m.jobs.FindOne(ctx, document.Doc{"_id": id}, nil)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, domain.NotFoundError{Resource: "job", ID: id}
	}
	return doc, nil
}

// Remove deletes a terminal job and best-effort removes its log file.
// Waiting and running jobs cannot be removed.
func (m *Manager) Remove(ctx context.Context, id, dataPath string) error {
	doc, err := m.jobs.FindOne(ctx, document.Doc{"_id": id}, []string{"status"})
	if err != nil {
		return err
	}
	if doc == nil {
		return domain.NotFoundError{Resource: "job", ID: id}
	}
	if state, _ := LatestStatus(doc); !state.Terminal() {
		return domain.ConflictError{Kind: "job_active", Message: "Job is running or waiting and cannot be removed"}
	}
	if _, err := m.jobs.Delete(ctx, document.Doc{"_id": id}); err != nil {
		return err
	}
	m.removeLog(id, dataPath)
	return nil
}

// Clear removes finished jobs in bulk and returns the removed ids.
// complete selects successfully finished jobs; failed selects jobs that
// ended in error or were cancelled.
func (m *Manager) Clear(ctx context.Context, complete, failed bool, dataPath string) ([]string, error) {
	var states []domain.JobState
	if complete {
		states = append(states, domain.StateComplete)
	}
	if failed {
		states = append(states, domain.StateError, domain.StateCancelled)
	}
	if len(states) == 0 {
		return nil, nil
	}

	docs, err := m.jobs.Find(ctx, nil, []string{"status"})
	if err != nil {
		return nil, err
	}
	var removed []string
	for _, doc := range docs {
		state, _ := LatestStatus(doc)
		if !matchesState(state, states) {
			continue
		}
		id := document.ID(doc)
		if _, err := m.jobs.Delete(ctx, document.Doc{"_id": id}); err != nil {
			return removed, err
		}
		m.removeLog(id, dataPath)
		removed = append(removed, id)
	}
	return removed, nil
}

// GetWaitingAndRunningIDs returns the ids of all jobs that are still
// waiting or running.
func (m *Manager) GetWaitingAndRunningIDs(ctx context.Context) ([]string, error) {
	docs, err := m.jobs.Find(ctx, nil, []string{"status"})
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, doc := range docs {
		if state, _ := LatestStatus(doc); state.Cancellable() {
			ids = append(ids, document.ID(doc))
		}
	}
	return ids, nil
}

// removeLog deletes the job's log file if present. Absence and removal
// failures are ignored; the document delete already succeeded.
func (m *Manager) removeLog(id, dataPath string) {
	if dataPath == "" {
		return
	}
	path := filepath.Join(dataPath, "logs", "jobs", id+".log")
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		m.log.Warn("job log removal failed", "job_id", id, "path", path, "error", err)
	}
}

func matchesState(state domain.JobState, states []domain.JobState) bool {
	for _, s := range states {
		if s == state {
			return true
		}
	}
	return false
}
