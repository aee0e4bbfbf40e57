package events

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/bobarin/storyreel/internal/models"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

func TestChannel(t *testing.T) {
	id := uuid.MustParse("6f1c1c52-2d1a-4b53-9a1e-0e5f5b9e8a01")
	if got := Channel(id); got != "events:project:6f1c1c52-2d1a-4b53-9a1e-0e5f5b9e8a01" {
		t.Errorf("unexpected channel %s", got)
	}
}

// Runs against a real Redis when REDIS_TEST_URL is set.
func TestPublishSubscribe(t *testing.T) {
	url := os.Getenv("REDIS_TEST_URL")
	if url == "" {
		t.Skip("REDIS_TEST_URL not set")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		t.Fatal(err)
	}
	client := redis.NewClient(opts)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pub := NewPublisher(client)
	projectID := uuid.New()
	sub, err := pub.Subscribe(ctx, projectID)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	pub.Emit(ctx, models.SceneEvent{ProjectID: uuid.New(), SceneID: "other"})
	pub.Emit(ctx, models.SceneEvent{ProjectID: projectID, SceneID: "s1", Step: "image", Kind: models.SceneEventUpdated})

	select {
	case ev := <-sub.Events():
		if ev.SceneID != "s1" || ev.Step != "image" {
			t.Errorf("unexpected event %+v", ev)
		}
	case <-ctx.Done():
		t.Fatal("no event received")
	}
}
