package queue

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"civicphoto/internal/models"
)

// maxStreamLength caps the stream approximately so acknowledged entries do
// not accumulate forever.
const maxStreamLength = 100_000

type Producer struct {
	client *redis.Client
	stream string
}

func NewProducer(client *redis.Client, stream string) *Producer {
	if stream == "" {
		stream = DefaultStream
	}
	return &Producer{client: client, stream: stream}
}

func (p *Producer) Enqueue(ctx context.Context, task Task) (string, error) {
	id, err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		MaxLen: maxStreamLength,
		Approx: true,
		Values: task.values(),
	}).Result()
	if err != nil {
		return "", fmt.Errorf("enqueue %s task: %w", task.Type, err)
	}
	return id, nil
}

func (p *Producer) EnqueueThumbnail(ctx context.Context, photo models.Photo) error {
	_, err := p.Enqueue(ctx, Task{
		Type:      TaskThumbnail,
		PhotoID:   photo.ID,
		Intent:    string(photo.Intent),
		ObjectKey: photo.ObjectKey,
	})
	return err
}
