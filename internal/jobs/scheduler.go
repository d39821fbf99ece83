package jobs

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"civicphoto/internal/config"
	"civicphoto/internal/queue"
)

type Enqueuer interface {
	Enqueue(ctx context.Context, task queue.Task) (string, error)
}

// Scheduler only enqueues sweeps; the worker runs them, so several API
// replicas scheduling the same sweep cost one redundant pass at most.
type Scheduler struct {
	cron  *cron.Cron
	queue Enqueuer
	cfg   config.JobsConfig
	log   zerolog.Logger
}

func NewScheduler(queue Enqueuer, cfg config.JobsConfig, log zerolog.Logger) *Scheduler {
	c := cron.New(cron.WithSeconds())
	return &Scheduler{
		cron:  c,
		queue: queue,
		cfg:   cfg,
		log:   log,
	}
}

func (s *Scheduler) Start() error {
	if s.queue == nil {
		return nil
	}

	if _, err := s.cron.AddFunc(s.cfg.ReconcileSchedule, s.enqueue(queue.TaskReconcile)); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc(s.cfg.PurgeSchedule, s.enqueue(queue.TaskPurge)); err != nil {
		return err
	}

	s.cron.Start()
	return nil
}

func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

func (s *Scheduler) enqueue(taskType queue.TaskType) func() {
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		id, err := s.queue.Enqueue(ctx, queue.Task{Type: taskType})
		if err != nil {
			s.log.Error().Err(err).Str("type", string(taskType)).Msg("enqueue scheduled task failed")
			return
		}
		s.log.Debug().Str("type", string(taskType)).Str("message_id", id).Msg("scheduled task enqueued")
	}
}
