// Package jobs is the Redis-backed queue of run-level jobs between the API and
// the worker. Per-scene work never goes through Redis; it runs on the worker's
// in-process rate-limited queues.
package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// Job types, one Redis list each.
const (
	TypeGenerateScript = "generate_script"
	TypeRetryScene     = "retry_scene"
	TypeAssemble       = "assemble"
)

const keyPrefix = "queue:"

// Types lists every job type the worker consumes.
var Types = []string{TypeGenerateScript, TypeRetryScene, TypeAssemble}

type Queue struct {
	client *redis.Client
}

type Job struct {
	ID        uuid.UUID `json:"id"`
	Type      string    `json:"type"`
	ProjectID uuid.UUID `json:"project_id"`
	SceneID   string    `json:"scene_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func New(redisURL string) (*Queue, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Queue{client: client}, nil
}

// Client exposes the underlying connection so other Redis users can share it.
func (q *Queue) Client() *redis.Client {
	return q.client
}

func (q *Queue) Close() error {
	return q.client.Close()
}

func key(jobType string) string {
	return keyPrefix + jobType
}

func (q *Queue) Enqueue(ctx context.Context, job *Job) error {
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	job.CreatedAt = time.Now().UTC()

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	return q.client.RPush(ctx, key(job.Type), data).Err()
}

// Dequeue blocks up to timeout for a job of the given type. It returns nil, nil
// when none arrived.
func (q *Queue) Dequeue(ctx context.Context, jobType string, timeout time.Duration) (*Job, error) {
	result, err := q.client.BLPop(ctx, timeout, key(jobType)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dequeue: %w", err)
	}

	if len(result) != 2 {
		return nil, fmt.Errorf("unexpected redis response")
	}

	var job Job
	if err := json.Unmarshal([]byte(result[1]), &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}

	return &job, nil
}

func (q *Queue) Len(ctx context.Context, jobType string) (int64, error) {
	return q.client.LLen(ctx, key(jobType)).Result()
}

// Lengths reports the backlog of every job type.
func (q *Queue) Lengths(ctx context.Context) (map[string]int64, error) {
	out := make(map[string]int64, len(Types))
	for _, t := range Types {
		n, err := q.Len(ctx, t)
		if err != nil {
			return nil, err
		}
		out[t] = n
	}
	return out, nil
}

func (q *Queue) EnqueueGenerateScript(ctx context.Context, projectID, jobID uuid.UUID) error {
	return q.Enqueue(ctx, &Job{ID: jobID, Type: TypeGenerateScript, ProjectID: projectID})
}

func (q *Queue) EnqueueRetryScene(ctx context.Context, projectID uuid.UUID, sceneID string, jobID uuid.UUID) error {
	return q.Enqueue(ctx, &Job{ID: jobID, Type: TypeRetryScene, ProjectID: projectID, SceneID: sceneID})
}

func (q *Queue) EnqueueAssemble(ctx context.Context, projectID, jobID uuid.UUID) error {
	return q.Enqueue(ctx, &Job{ID: jobID, Type: TypeAssemble, ProjectID: projectID})
}
