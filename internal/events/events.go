// Package events fans scene events out over Redis pub/sub so the API process
// can stream what the worker process is doing.
package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/bobarin/storyreel/internal/models"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Channel is the pub/sub channel of one project.
func Channel(projectID uuid.UUID) string {
	return "events:project:" + projectID.String()
}

type Publisher struct {
	client *redis.Client
}

func NewPublisher(client *redis.Client) *Publisher {
	return &Publisher{client: client}
}

// Publish sends ev to the project's subscribers.
func (p *Publisher) Publish(ctx context.Context, ev models.SceneEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	return p.client.Publish(ctx, Channel(ev.ProjectID), data).Err()
}

// Emit publishes and only logs failures: a lost event must not fail a scene.
func (p *Publisher) Emit(ctx context.Context, ev models.SceneEvent) {
	if err := p.Publish(ctx, ev); err != nil {
		log.Warn().Err(err).Str("project_id", ev.ProjectID.String()).Str("scene_id", ev.SceneID).Msg("[Events] publish failed")
	}
}

// Subscription delivers a project's events until Close is called or the
// context used to create it is done.
type Subscription struct {
	pubsub *redis.PubSub
	events chan models.SceneEvent
}

// Subscribe starts listening on the project's channel. The subscription is
// confirmed before Subscribe returns, so no event published afterwards is lost.
func (p *Publisher) Subscribe(ctx context.Context, projectID uuid.UUID) (*Subscription, error) {
	pubsub := p.client.Subscribe(ctx, Channel(projectID))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}

	s := &Subscription{pubsub: pubsub, events: make(chan models.SceneEvent, 16)}
	go s.forward(ctx)
	return s, nil
}

func (s *Subscription) Events() <-chan models.SceneEvent {
	return s.events
}

func (s *Subscription) Close() error {
	return s.pubsub.Close()
}

func (s *Subscription) forward(ctx context.Context) {
	defer close(s.events)
	ch := s.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var ev models.SceneEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				log.Warn().Err(err).Str("channel", msg.Channel).Msg("[Events] dropping malformed event")
				continue
			}
			select {
			case s.events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}
}
