// Package jobs runs and tracks long-lived background work. Every job is a
// document whose append-only status list records each lifecycle transition;
// the latest entry is the job's current state.
package jobs

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"refcore/internal/observe"
	"refcore/pkg/document"
	"refcore/pkg/domain"
)

// TaskFunc is the body of a registered workflow. It runs on its own
// goroutine with a context cancelled by Manager.Cancel; a TaskFunc that
// returns ctx.Err() after cancellation ends the job in the cancelled state.
type TaskFunc func(ctx context.Context, job *Job) error

// Job is the handle a TaskFunc receives for the job it is executing.
type Job struct {
	ID       string
	Workflow string
	Args     document.Doc

	mgr *Manager
}

// PushStatus appends a running progress entry for the job. Progress is a
// percentage in [0, 100].
func (j *Job) PushStatus(ctx context.Context, stage string, progress float64) error {
	return j.mgr.pushStatus(ctx, j.ID, domain.StateRunning, stage, "", progress)
}

// Manager owns the workflow registry and the lifecycle of every job.
type Manager struct {
	jobs    document.Collection
	log     *slog.Logger
	metrics *observe.Metrics

	mu      sync.Mutex
	tasks   map[string]TaskFunc
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup

	newID func() string
	now   func() time.Time
}

// NewManager constructs a manager over the jobs collection. metrics may be
// nil.
func NewManager(db document.Database, log *slog.Logger, metrics *observe.Metrics) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		jobs:    db.Collection(document.CollectionJobs),
		log:     log,
		metrics: metrics,
		tasks:   make(map[string]TaskFunc),
		cancels: make(map[string]context.CancelFunc),
		newID:   func() string { return strings.ReplaceAll(uuid.NewString(), "-", "")[:8] },
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Register binds a workflow name to its task body. Registration happens at
// wiring time, before any Submit.
func (m *Manager) Register(workflow string, task TaskFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[workflow] = task
}

// Submit records a new job in the waiting state and returns its document.
// The job does not run until Start is called.
func (m *Manager) Submit(ctx context.Context, workflow string, args document.Doc, userID string) (document.Doc, error) {
	m.mu.Lock()
	_, known := m.tasks[workflow]
	m.mu.Unlock()
	if !known {
		return nil, domain.NotFoundError{Resource: "workflow", ID: workflow}
	}

	doc := document.Doc{
		"workflow":   workflow,
		"args":       document.Clone(args),
		"user":       document.Doc{"id": userID},
		"created_at": m.now(),
		"status":     []any{statusEntry(domain.StateWaiting, "", "", 0, m.now())},
	}
	for {
		doc["_id"] = m.newID()
		err := m.jobs.Insert(ctx, doc)
		if err == nil {
			break
		}
		if !errors.Is(err, document.ErrDuplicateKey) {
			return nil, err
		}
	}

	m.metrics.JobTransition(string(domain.StateWaiting))
	m.log.Info("job submitted", "job_id", document.ID(doc), "workflow", workflow)
	return document.Clone(doc), nil
}

// Start launches a waiting job on its own goroutine. It is an error to
// start a job that is not waiting.
func (m *Manager) Start(ctx context.Context, id string) error {
	doc, err := m.jobs.FindOne(ctx, document.Doc{"_id": id}, nil)
	if err != nil {
		return err
	}
	if doc == nil {
		return domain.NotFoundError{Resource: "job", ID: id}
	}
	if state, _ := LatestStatus(doc); state != domain.StateWaiting {
		return domain.InvalidStateError{Kind: "not_waiting", Message: "Job is not waiting"}
	}

	workflow, _ := doc["workflow"].(string)
	m.mu.Lock()
	task, ok := m.tasks[workflow]
	if !ok {
		m.mu.Unlock()
		return domain.NotFoundError{Resource: "workflow", ID: workflow}
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.cancels[id] = cancel
	m.wg.Add(1)
	m.mu.Unlock()

	args, _ := doc["args"].(document.Doc)
	job := &Job{ID: id, Workflow: workflow, Args: document.Clone(args), mgr: m}

	if err := m.pushStatus(ctx, id, domain.StateRunning, "", "", 0); err != nil {
		m.release(id)
		m.wg.Done()
		return err
	}

	go m.run(runCtx, job, task)
	return nil
}

func (m *Manager) run(ctx context.Context, job *Job, task TaskFunc) {
	defer m.wg.Done()
	defer m.release(job.ID)

	err := task(ctx, job)

	// Status writes after the run must not be lost to the job's own
	// cancellation.
	finishCtx := context.WithoutCancel(ctx)
	switch {
	case err == nil:
		m.finish(finishCtx, job.ID, domain.StateComplete, "")
	case errors.Is(err, context.Canceled):
		m.finish(finishCtx, job.ID, domain.StateCancelled, "")
	default:
		m.finish(finishCtx, job.ID, domain.StateError, err.Error())
	}
}

func (m *Manager) finish(ctx context.Context, id string, state domain.JobState, errMsg string) {
	progress := 0.0
	if state == domain.StateComplete {
		progress = 100
	}
	if err := m.pushStatus(ctx, id, state, "", errMsg, progress); err != nil {
		m.log.Error("job status write failed", "job_id", id, "state", state, "error", err)
		return
	}
	m.log.Info("job finished", "job_id", id, "state", state)
}

// Cancel cancels a waiting or running job. Any other state fails with
// an invalid state error.
func (m *Manager) Cancel(ctx context.Context, id string) error {
	doc, err := m.jobs.FindOne(ctx, document.Doc{"_id": id}, []string{"status"})
	if err != nil {
		return err
	}
	if doc == nil {
		return domain.NotFoundError{Resource: "job", ID: id}
	}
	state, _ := LatestStatus(doc)
	if !state.Cancellable() {
		return domain.InvalidStateError{Kind: "not_cancellable", Message: "Not cancellable"}
	}

	m.mu.Lock()
	cancel, running := m.cancels[id]
	m.mu.Unlock()

	if running {
		cancel()
		return nil
	}

	// Waiting jobs have no goroutine; record the terminal state directly.
	return m.pushStatus(ctx, id, domain.StateCancelled, "", "", 0)
}

// Wait blocks until every launched job goroutine has finished. Used at
// shutdown and in tests.
func (m *Manager) Wait() {
	m.wg.Wait()
}

func (m *Manager) release(id string) {
	m.mu.Lock()
	if cancel, ok := m.cancels[id]; ok {
		cancel()
		delete(m.cancels, id)
	}
	m.mu.Unlock()
}

func (m *Manager) pushStatus(ctx context.Context, id string, state domain.JobState, stage, errMsg string, progress float64) error {
	updated, err := m.jobs.FindOneAndModify(ctx,
		document.Doc{"_id": id},
		document.Doc{"$push": document.Doc{"status": statusEntry(state, stage, errMsg, progress, m.now())}})
	if err != nil {
		return err
	}
	if updated == nil {
		return domain.NotFoundError{Resource: "job", ID: id}
	}
	m.metrics.JobTransition(string(state))
	return nil
}

func statusEntry(state domain.JobState, stage, errMsg string, progress float64, ts time.Time) document.Doc {
	entry := document.Doc{
		"state":     string(state),
		"stage":     stage,
		"progress":  progress,
		"timestamp": ts,
	}
	if errMsg != "" {
		entry["error"] = errMsg
	}
	return entry
}

// LatestStatus returns the state and entry of the newest status record.
func LatestStatus(doc document.Doc) (domain.JobState, document.Doc) {
	list, _ := doc["status"].([]any)
	if len(list) == 0 {
		return "", nil
	}
	entry, _ := list[len(list)-1].(document.Doc)
	state, _ := entry["state"].(string)
	return domain.JobState(state), entry
}
