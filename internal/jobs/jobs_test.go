package jobs

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
)

// Runs against a real Redis when REDIS_TEST_URL is set, e.g.
// REDIS_TEST_URL=redis://localhost:6379/15.
func testQueue(t *testing.T) *Queue {
	t.Helper()
	url := os.Getenv("REDIS_TEST_URL")
	if url == "" {
		t.Skip("REDIS_TEST_URL not set")
	}
	q, err := New(url)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	ctx := context.Background()
	for _, typ := range Types {
		q.client.Del(ctx, key(typ))
	}
	t.Cleanup(func() { q.Close() })
	return q
}

func TestEnqueueDequeueFIFO(t *testing.T) {
	q := testQueue(t)
	ctx := context.Background()
	projectID := uuid.New()

	first, second := uuid.New(), uuid.New()
	if err := q.EnqueueRetryScene(ctx, projectID, "scene-1", first); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := q.EnqueueRetryScene(ctx, projectID, "scene-2", second); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	lengths, err := q.Lengths(ctx)
	if err != nil {
		t.Fatalf("lengths: %v", err)
	}
	if lengths[TypeRetryScene] != 2 || lengths[TypeAssemble] != 0 {
		t.Errorf("unexpected lengths %v", lengths)
	}

	job, err := q.Dequeue(ctx, TypeRetryScene, time.Second)
	if err != nil || job == nil {
		t.Fatalf("dequeue: %v %v", job, err)
	}
	if job.ID != first || job.SceneID != "scene-1" || job.ProjectID != projectID || job.CreatedAt.IsZero() {
		t.Errorf("unexpected job %+v", job)
	}
}

func TestDequeueTimeout(t *testing.T) {
	q := testQueue(t)
	job, err := q.Dequeue(context.Background(), TypeAssemble, 100*time.Millisecond)
	if err != nil || job != nil {
		t.Fatalf("expected nothing, got %v %v", job, err)
	}
}
