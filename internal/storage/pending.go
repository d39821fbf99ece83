package storage

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	pendingIndexKey  = "photos:pending"
	pendingEntryKeyF = "photos:pending:%s"
)

// PendingUpload is the marker left for a blob whose metadata row has not been
// confirmed yet.
type PendingUpload struct {
	ObjectKey     string
	OwnerID       string
	URL           string
	CorrelationID string
	CreatedAt     time.Time
}

// PendingLedger tracks blob uploads between the object write and the metadata
// insert so that orphans stay discoverable.
type PendingLedger struct {
	client *redis.Client
}

func NewPendingLedger(client *redis.Client) *PendingLedger {
	return &PendingLedger{client: client}
}

func (l *PendingLedger) Mark(ctx context.Context, p PendingUpload) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	_, err := l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, fmt.Sprintf(pendingEntryKeyF, p.ObjectKey), map[string]any{
			"owner":       p.OwnerID,
			"url":         p.URL,
			"correlation": p.CorrelationID,
			"created":     p.CreatedAt.Unix(),
		})
		pipe.ZAdd(ctx, pendingIndexKey, redis.Z{Score: float64(p.CreatedAt.Unix()), Member: p.ObjectKey})
		return nil
	})
	if err != nil {
		return &Error{Op: "mark pending", Key: p.ObjectKey, Err: err}
	}
	return nil
}

func (l *PendingLedger) Clear(ctx context.Context, objectKey string) error {
	_, err := l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, pendingIndexKey, objectKey)
		pipe.Del(ctx, fmt.Sprintf(pendingEntryKeyF, objectKey))
		return nil
	})
	if err != nil {
		return &Error{Op: "clear pending", Key: objectKey, Err: err}
	}
	return nil
}

func (l *PendingLedger) IsPending(ctx context.Context, objectKey string) (bool, error) {
	_, err := l.client.ZScore(ctx, pendingIndexKey, objectKey).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ListStale returns markers created before the cutoff, oldest first.
func (l *PendingLedger) ListStale(ctx context.Context, before time.Time, limit int) ([]PendingUpload, error) {
	keys, err := l.client.ZRangeByScore(ctx, pendingIndexKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(before.Unix(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}

	out := make([]PendingUpload, 0, len(keys))
	for _, key := range keys {
		fields, err := l.client.HGetAll(ctx, fmt.Sprintf(pendingEntryKeyF, key)).Result()
		if err != nil {
			return nil, fmt.Errorf("load pending %s: %w", key, err)
		}
		created, _ := strconv.ParseInt(fields["created"], 10, 64)
		out = append(out, PendingUpload{
			ObjectKey:     key,
			OwnerID:       fields["owner"],
			URL:           fields["url"],
			CorrelationID: fields["correlation"],
			CreatedAt:     time.Unix(created, 0).UTC(),
		})
	}
	return out, nil
}
