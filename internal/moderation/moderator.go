package moderation

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"civicphoto/internal/media/transform"
)

type Classifier interface {
	Classify(ctx context.Context, data []byte, mime string, c Context) ([]Label, error)
}

type Moderator struct {
	classifier Classifier
	policy     FailurePolicy
	thresholds Thresholds
	timeout    time.Duration
	log        zerolog.Logger
}

func NewModerator(classifier Classifier, policy FailurePolicy, thresholds Thresholds, timeout time.Duration, log zerolog.Logger) *Moderator {
	if policy == nil {
		policy = StrictPolicy{}
	}
	return &Moderator{
		classifier: classifier,
		policy:     policy,
		thresholds: thresholds,
		timeout:    timeout,
		log:        log,
	}
}

func (m *Moderator) Policy() FailurePolicy {
	return m.policy
}

// Moderate classifies the transformed image. Taking a ProcessedImage rather
// than raw bytes keeps unsanitized uploads away from the service.
//
// A timeout, a service failure or an answer with no recognised label goes
// through the failure policy. Cancellation of ctx itself is returned as
// ctx.Err() so the caller can abort the run.
func (m *Moderator) Moderate(ctx context.Context, img transform.ProcessedImage, c Context) (Verdict, error) {
	if err := ctx.Err(); err != nil {
		return Verdict{}, err
	}

	callCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	start := time.Now()
	labels, err := m.classifier.Classify(callCtx, img.Data, img.MIME, c)
	latency := time.Since(start)

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Verdict{}, ctxErr
		}
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) && !errors.Is(err, context.DeadlineExceeded) {
			err = errors.Join(context.DeadlineExceeded, err)
		}
		return m.unavailable(err, c, latency)
	}

	decision, category, confidence, err := MapLabels(labels, m.thresholds)
	if err != nil {
		return m.unavailable(err, c, latency)
	}
	return Verdict{
		Decision:   decision,
		Category:   category,
		Confidence: confidence,
		Latency:    latency,
	}, nil
}

func (m *Moderator) unavailable(err error, c Context, latency time.Duration) (Verdict, error) {
	m.log.Warn().
		Err(err).
		Str("correlation_id", c.CorrelationID).
		Str("policy", m.policy.Name()).
		Dur("latency", latency).
		Msg("moderation service unavailable")

	verdict, perr := m.policy.OnUnavailable(err)
	verdict.Latency = latency
	return verdict, perr
}
