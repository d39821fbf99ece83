package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"civicphoto/internal/models"
)

func newClient(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

type recordingHandler struct {
	tasks []Task
	fail  map[TaskType]bool
}

func (h *recordingHandler) Handle(_ context.Context, task Task) error {
	h.tasks = append(h.tasks, task)
	if h.fail[task.Type] {
		return errors.New("task failed")
	}
	return nil
}

func TestProducerEnqueueThumbnail(t *testing.T) {
	client := newClient(t)
	ctx := context.Background()
	p := NewProducer(client, "")

	err := p.EnqueueThumbnail(ctx, models.Photo{ID: "p1", Intent: models.IntentAvatar, ObjectKey: "avatar/2026/01/02/x.webp"})
	require.NoError(t, err)

	msgs, err := client.XRange(ctx, DefaultStream, "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	task, err := DecodeTask(msgs[0])
	require.NoError(t, err)
	assert.Equal(t, Task{Type: TaskThumbnail, PhotoID: "p1", Intent: "avatar", ObjectKey: "avatar/2026/01/02/x.webp"}, task)
}

func TestDecodeTaskRejectsMalformed(t *testing.T) {
	_, err := DecodeTask(redis.XMessage{ID: "1-0", Values: map[string]any{"type": "thumbnail"}})
	assert.ErrorIs(t, err, ErrMalformedTask)

	_, err = DecodeTask(redis.XMessage{ID: "1-1", Values: map[string]any{"type": "ingest"}})
	assert.ErrorIs(t, err, ErrMalformedTask)

	task, err := DecodeTask(redis.XMessage{ID: "1-2", Values: map[string]any{"type": "purge"}})
	require.NoError(t, err)
	assert.Equal(t, TaskPurge, task.Type)
}

func TestConsumerAcksHandledAndMalformedTasks(t *testing.T) {
	client := newClient(t)
	ctx := context.Background()
	p := NewProducer(client, "tasks")

	handler := &recordingHandler{fail: map[TaskType]bool{TaskPurge: true}}
	c := NewConsumer(client, "tasks", "workers", "w1", time.Minute, zerolog.Nop(), handler)
	c.block = 10 * time.Millisecond
	require.NoError(t, c.EnsureGroup(ctx))
	require.NoError(t, c.EnsureGroup(ctx))

	_, err := p.Enqueue(ctx, Task{Type: TaskReconcile})
	require.NoError(t, err)
	_, err = p.Enqueue(ctx, Task{Type: TaskPurge})
	require.NoError(t, err)
	_, err = client.XAdd(ctx, &redis.XAddArgs{Stream: "tasks", Values: map[string]any{"type": "bogus"}}).Result()
	require.NoError(t, err)

	require.NoError(t, c.read(ctx))
	require.Len(t, handler.tasks, 2)
	assert.Equal(t, TaskReconcile, handler.tasks[0].Type)
	assert.Equal(t, TaskPurge, handler.tasks[1].Type)

	pending, err := client.XPending(ctx, "tasks", "workers").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), pending.Count)

	require.NoError(t, c.read(ctx))
	assert.Len(t, handler.tasks, 2)
}
