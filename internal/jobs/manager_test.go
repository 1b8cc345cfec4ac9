package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"refcore/internal/infra/persistence/memory"
	"refcore/pkg/document"
	"refcore/pkg/domain"
)

func newTestManager(t *testing.T) (*memory.Database, *Manager) {
	t.Helper()
	db := memory.NewDatabase()
	return db, NewManager(db, nil, nil)
}

func waitForState(t *testing.T, m *Manager, id string, want domain.JobState) document.Doc {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		doc, err := m.Get(context.Background(), id)
		if err != nil {
			t.Fatal(err)
		}
		if state, _ := LatestStatus(doc); state == want {
			return doc
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s never reached %s", id, want)
	return nil
}

func TestSubmitRecordsWaitingStatus(t *testing.T) {
	ctx := context.Background()
	_, m := newTestManager(t)
	m.Register("noop", func(ctx context.Context, job *Job) error { return nil })

	job, err := m.Submit(ctx, "noop", document.Doc{"ref_id": "hxn167"}, "igboyes")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if state, entry := LatestStatus(job); state != domain.StateWaiting || entry == nil {
		t.Fatalf("initial state = %v", state)
	}

	if _, err := m.Submit(ctx, "unknown", nil, "igboyes"); !domain.IsNotFound(err) {
		t.Fatalf("unknown workflow err = %v", err)
	}
}

func TestStartRunsToCompletion(t *testing.T) {
	ctx := context.Background()
	_, m := newTestManager(t)

	var gotArgs document.Doc
	m.Register("echo", func(ctx context.Context, job *Job) error {
		gotArgs = job.Args
		return job.PushStatus(ctx, "working", 50)
	})

	job, err := m.Submit(ctx, "echo", document.Doc{"ref_id": "hxn167"}, "igboyes")
	if err != nil {
		t.Fatal(err)
	}
	id := document.ID(job)
	if err := m.Start(ctx, id); err != nil {
		t.Fatalf("start: %v", err)
	}
	m.Wait()

	doc := waitForState(t, m, id, domain.StateComplete)
	if gotArgs["ref_id"] != "hxn167" {
		t.Fatalf("task args = %v", gotArgs)
	}

	statuses, _ := doc["status"].([]any)
	if len(statuses) != 4 {
		t.Fatalf("status entries = %d, want 4", len(statuses))
	}
	final, _ := statuses[len(statuses)-1].(document.Doc)
	if p, _ := final["progress"].(float64); p != 100 {
		t.Fatalf("final progress = %v", final["progress"])
	}

	// Completed jobs cannot be started again.
	if err := m.Start(ctx, id); !domain.IsInvalidState(err) {
		t.Fatalf("restart err = %v", err)
	}
}

func TestTaskErrorEndsInErrorState(t *testing.T) {
	ctx := context.Background()
	_, m := newTestManager(t)
	m.Register("boom", func(ctx context.Context, job *Job) error {
		return errors.New("exploded")
	})

	job, _ := m.Submit(ctx, "boom", nil, "igboyes")
	id := document.ID(job)
	if err := m.Start(ctx, id); err != nil {
		t.Fatal(err)
	}
	m.Wait()

	doc := waitForState(t, m, id, domain.StateError)
	_, entry := LatestStatus(doc)
	if entry["error"] != "exploded" {
		t.Fatalf("error entry = %v", entry)
	}
}

func TestCancelWaitingJob(t *testing.T) {
	ctx := context.Background()
	_, m := newTestManager(t)
	m.Register("noop", func(ctx context.Context, job *Job) error { return nil })

	job, _ := m.Submit(ctx, "noop", nil, "igboyes")
	id := document.ID(job)

	if err := m.Cancel(ctx, id); err != nil {
		t.Fatalf("cancel waiting: %v", err)
	}
	waitForState(t, m, id, domain.StateCancelled)

	// Terminal jobs are no longer cancellable.
	err := m.Cancel(ctx, id)
	if !domain.IsInvalidState(err) {
		t.Fatalf("second cancel err = %v", err)
	}
	if err.Error() != "Not cancellable" {
		t.Fatalf("message = %q", err.Error())
	}
}

func TestCancelRunningJob(t *testing.T) {
	ctx := context.Background()
	_, m := newTestManager(t)

	started := make(chan struct{})
	m.Register("sleeper", func(ctx context.Context, job *Job) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})

	job, _ := m.Submit(ctx, "sleeper", nil, "igboyes")
	id := document.ID(job)
	if err := m.Start(ctx, id); err != nil {
		t.Fatal(err)
	}
	<-started

	if err := m.Cancel(ctx, id); err != nil {
		t.Fatalf("cancel running: %v", err)
	}
	m.Wait()
	waitForState(t, m, id, domain.StateCancelled)
}

func TestCancelUnknownJob(t *testing.T) {
	_, m := newTestManager(t)
	if err := m.Cancel(context.Background(), "absent"); !domain.IsNotFound(err) {
		t.Fatalf("cancel unknown err = %v", err)
	}
}
