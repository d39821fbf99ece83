package queue

import (
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const DefaultStream = "photos:tasks"

type TaskType string

const (
	TaskThumbnail TaskType = "thumbnail"
	TaskReconcile TaskType = "reconcile"
	TaskPurge     TaskType = "purge"
)

var ErrMalformedTask = errors.New("malformed task")

// Task is one entry on the photo task stream. Fields are stored flat so the
// stream stays readable with redis-cli.
type Task struct {
	Type      TaskType
	PhotoID   string
	Intent    string
	ObjectKey string
}

func (t Task) values() map[string]any {
	values := map[string]any{"type": string(t.Type)}
	if t.PhotoID != "" {
		values["photo_id"] = t.PhotoID
	}
	if t.Intent != "" {
		values["intent"] = t.Intent
	}
	if t.ObjectKey != "" {
		values["object_key"] = t.ObjectKey
	}
	return values
}

func DecodeTask(msg redis.XMessage) (Task, error) {
	field := func(name string) string {
		if v, ok := msg.Values[name].(string); ok {
			return v
		}
		return ""
	}

	task := Task{
		Type:      TaskType(field("type")),
		PhotoID:   field("photo_id"),
		Intent:    field("intent"),
		ObjectKey: field("object_key"),
	}
	switch task.Type {
	case TaskThumbnail:
		if task.PhotoID == "" || task.ObjectKey == "" {
			return Task{}, fmt.Errorf("%w: thumbnail %s without photo", ErrMalformedTask, msg.ID)
		}
	case TaskReconcile, TaskPurge:
	default:
		return Task{}, fmt.Errorf("%w: unknown type %q in %s", ErrMalformedTask, task.Type, msg.ID)
	}
	return task, nil
}
