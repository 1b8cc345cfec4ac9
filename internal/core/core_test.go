package core

import (
	"context"
	"fmt"
	"testing"
	"time"

	"refcore/internal/blob"
	"refcore/internal/infra/persistence/memory"
	"refcore/internal/jobs"
	"refcore/pkg/document"
	"refcore/pkg/domain"
)

func newTestCore(t *testing.T) (*Core, *memory.Database, blob.Store) {
	t.Helper()
	db := memory.NewDatabase()
	blobs := blob.NewMemory()
	c := New(Options{DB: db, Blobs: blobs, DataPath: t.TempDir()})
	return c, db, blobs
}

// seedReference creates one OTU under the reference with a single unbuilt
// change so an index build has something to fold.
func seedReference(t *testing.T, c *Core, refID string) {
	t.Helper()
	ctx := context.Background()
	v0 := document.Doc{
		"_id": "foobar", "name": "Foo virus", "version": 0, "verified": false,
		"isolates": []any{}, "schema": []any{}, "reference": document.Doc{"id": refID},
	}
	if _, err := c.Ledger.Add(ctx, domain.MethodCreate, nil, v0, "Created Foo virus", "igboyes"); err != nil {
		t.Fatal(err)
	}
	if err := c.DB.Collection(document.CollectionOTUs).Insert(ctx, document.Clone(v0)); err != nil {
		t.Fatal(err)
	}
}

func waitForJobState(t *testing.T, c *Core, jobID string, want domain.JobState) document.Doc {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		doc, err := c.DB.Collection(document.CollectionJobs).FindOne(
			context.Background(), document.Doc{"_id": jobID}, nil)
		if err != nil {
			t.Fatal(err)
		}
		if state, _ := jobs.LatestStatus(doc); state == want {
			return doc
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s never reached state %s", jobID, want)
	return nil
}

func TestRebuildIndexEndToEnd(t *testing.T) {
	ctx := context.Background()
	c, db, blobs := newTestCore(t)
	seedReference(t, c, "hxn167")

	idx, err := c.RebuildIndex(ctx, "hxn167", "igboyes")
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	indexID := document.ID(idx)

	c.Jobs.Wait()

	stored, err := db.Collection(document.CollectionIndexes).FindOne(ctx, document.Doc{"_id": indexID}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if stored["ready"] != true || stored["has_files"] != true {
		t.Fatalf("index flags = %v / %v", stored["ready"], stored["has_files"])
	}

	key := fmt.Sprintf("references/hxn167/indexes/%s.json", indexID)
	if _, _, err := blobs.Get(ctx, key); err != nil {
		t.Fatalf("artifact missing: %v", err)
	}

	// The job record should show the completed run with the index wired in.
	rawJobID, _ := document.Get(stored, "job.id")
	jobID, ok := rawJobID.(string)
	if !ok {
		t.Fatalf("index job.id = %v", rawJobID)
	}
	job := waitForJobState(t, c, jobID, domain.StateComplete)
	args, _ := job["args"].(document.Doc)
	if args["index_id"] != indexID {
		t.Fatalf("job args = %v", args)
	}
}

func TestRebuildIndexConflictAbandonsJob(t *testing.T) {
	ctx := context.Background()
	c, db, _ := newTestCore(t)

	// No unbuilt changes anywhere, so the build cannot start.
	_, err := c.RebuildIndex(ctx, "hxn167", "igboyes")
	if !domain.IsConflict(err) {
		t.Fatalf("rebuild err = %v", err)
	}

	// The placeholder job was cancelled, not left waiting.
	docs, err := db.Collection(document.CollectionJobs).Find(ctx, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(docs) != 1 {
		t.Fatalf("job count = %d", len(docs))
	}
	if state, _ := jobs.LatestStatus(docs[0]); state != domain.StateCancelled {
		t.Fatalf("job state = %s", state)
	}
}

func TestClearJobsNotifiesSubscribers(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newTestCore(t)
	seedReference(t, c, "hxn167")

	if _, err := c.RebuildIndex(ctx, "hxn167", "igboyes"); err != nil {
		t.Fatal(err)
	}
	c.Jobs.Wait()

	removed, err := c.ClearJobs(ctx, true, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(removed) != 1 {
		t.Fatalf("removed = %v", removed)
	}

	docs, err := c.DB.Collection(document.CollectionJobs).Find(ctx, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(docs) != 0 {
		t.Fatalf("jobs left = %d", len(docs))
	}
}
