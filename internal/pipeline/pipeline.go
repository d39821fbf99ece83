package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"civicphoto/internal/ids"
	"civicphoto/internal/media/transform"
	"civicphoto/internal/media/validator"
	"civicphoto/internal/models"
	"civicphoto/internal/moderation"
	"civicphoto/internal/storage"
)

const (
	DefaultUploadTimeout  = 20 * time.Second
	DefaultPersistTimeout = 5 * time.Second
)

type Validator interface {
	Validate(data []byte, declaredMIME, declaredFilename string) validator.Outcome
}

type Transformer interface {
	Transform(data []byte, mime string, opts transform.Options) (transform.ProcessedImage, error)
}

type Moderator interface {
	Moderate(ctx context.Context, img transform.ProcessedImage, c moderation.Context) (moderation.Verdict, error)
}

type BlobStore interface {
	PhotoBucket() string
	PhotoURL(key string) string
	Upload(ctx context.Context, data []byte, mime, key string) (string, error)
}

type PendingTracker interface {
	Mark(ctx context.Context, p storage.PendingUpload) error
	Clear(ctx context.Context, objectKey string) error
}

type Repository interface {
	Create(ctx context.Context, photo models.Photo) (models.Photo, error)
	UsageBytes(ctx context.Context, ownerID string, intent models.PhotoIntent) (int64, error)
}

// TaskEnqueuer schedules follow-up work for a persisted photo.
type TaskEnqueuer interface {
	EnqueueThumbnail(ctx context.Context, photo models.Photo) error
}

type Deps struct {
	Validator   Validator
	Transformer Transformer
	Moderator   Moderator
	Blobs       BlobStore
	Pending     PendingTracker
	Photos      Repository
	// Tasks is optional.
	Tasks TaskEnqueuer
}

type Config struct {
	Profiles models.IntentProfiles
	// MaxProcessedBytes bounds the transformed output. It normally equals the
	// validator's upload ceiling.
	MaxProcessedBytes int64
	// UploadTimeout bounds the blob write, PersistTimeout the metadata insert.
	UploadTimeout  time.Duration
	PersistTimeout time.Duration
	Now            func() time.Time
}

type Request struct {
	Data          []byte
	DeclaredMIME  string
	Filename      string
	OwnerID       string
	Intent        models.PhotoIntent
	Caption       string
	CorrelationID string
}

type Result struct {
	Photo   models.Photo
	Verdict moderation.Verdict
	Trace   []State
}

type Pipeline struct {
	deps Deps
	cfg  Config
	log  zerolog.Logger
}

func New(deps Deps, cfg Config, log zerolog.Logger) *Pipeline {
	if cfg.UploadTimeout <= 0 {
		cfg.UploadTimeout = DefaultUploadTimeout
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = DefaultPersistTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Pipeline{deps: deps, cfg: cfg, log: log}
}

// run holds the per-upload state. It is never shared between goroutines.
type run struct {
	state State
	trace []State
	log   zerolog.Logger
}

func (r *run) advance(next State) {
	r.state = next
	r.trace = append(r.trace, next)
}

func (r *run) fail(e *Error) error {
	e.State = r.state
	if e.Kind == KindCanceled {
		e.Retryable = true
	}
	r.trace = append(r.trace, StateFailed)

	var event *zerolog.Event
	switch {
	case e.Infrastructure():
		event = r.log.Error()
	case e.Kind == KindCanceled:
		event = r.log.Info()
	default:
		event = r.log.Warn()
	}
	event = event.Str("kind", string(e.Kind)).Str("state", string(e.State))
	if e.Detail != "" {
		event = event.Str("detail", e.Detail)
	}
	if e.BlobKey != "" {
		event = event.Str("object_key", e.BlobKey)
	}
	if e.Err != nil {
		event = event.Err(e.Err)
	}
	event.Msg("photo upload failed")
	return e
}

func (r *run) canceled(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return r.fail(&Error{Kind: KindCanceled, Err: err})
	}
	return nil
}

// Run drives one upload through validation, transformation, moderation,
// blob storage and metadata persistence, in that order. Every stage sees only
// the output of the stage before it, and the first failure ends the run.
//
// Cancellation is honoured up to the blob write. Once the blob is stored the
// metadata insert runs detached from ctx under PersistTimeout, so a
// disconnecting client cannot leave a stored blob without its row.
func (p *Pipeline) Run(ctx context.Context, req Request) (Result, error) {
	r := &run{
		state: StateReceived,
		trace: []State{StateReceived},
		log: p.log.With().
			Str("correlation_id", req.CorrelationID).
			Str("owner_id", req.OwnerID).
			Str("intent", string(req.Intent)).
			Logger(),
	}
	result := func() Result { return Result{Trace: r.trace} }

	if err := r.canceled(ctx); err != nil {
		return result(), err
	}
	if strings.TrimSpace(req.OwnerID) == "" {
		return result(), r.fail(&Error{Kind: KindValidation, Detail: "MISSING_OWNER", Message: "an authenticated owner is required"})
	}
	profile, ok := p.cfg.Profiles.Lookup(req.Intent)
	if !ok {
		return result(), r.fail(&Error{
			Kind:    KindValidation,
			Detail:  "UNKNOWN_INTENT",
			Message: fmt.Sprintf("photo intent %q is not accepted", req.Intent),
		})
	}

	outcome := p.deps.Validator.Validate(req.Data, req.DeclaredMIME, req.Filename)
	if !outcome.OK {
		return result(), r.fail(&Error{
			Kind:    KindValidation,
			Detail:  string(outcome.Kind),
			Message: outcome.Message,
			Err:     outcome.Err(),
		})
	}
	r.advance(StateValidated)

	if err := p.checkQuota(ctx, r, req, profile); err != nil {
		return result(), err
	}

	if err := r.canceled(ctx); err != nil {
		return result(), err
	}
	img, err := p.deps.Transformer.Transform(req.Data, outcome.DetectedMIME, transform.Options{MaxEdge: profile.MaxEdge})
	if err != nil {
		return result(), r.fail(&Error{Kind: KindTransform, Err: err})
	}
	if p.cfg.MaxProcessedBytes > 0 && img.Size() > p.cfg.MaxProcessedBytes {
		return result(), r.fail(&Error{
			Kind:   KindTransform,
			Detail: "OUTPUT_TOO_LARGE",
			Err:    fmt.Errorf("processed image is %d bytes, limit %d", img.Size(), p.cfg.MaxProcessedBytes),
		})
	}
	r.advance(StateTransformed)

	if err := r.canceled(ctx); err != nil {
		return result(), err
	}
	verdict, err := p.deps.Moderator.Moderate(ctx, img, moderation.Context{
		OwnerID:       req.OwnerID,
		Intent:        req.Intent,
		CorrelationID: req.CorrelationID,
	})
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			return result(), r.fail(&Error{Kind: KindCanceled, Err: err})
		}
		return result(), r.fail(&Error{Kind: KindModerationUnavailable, Retryable: true, Err: err})
	}
	if !verdict.Allowed() {
		return result(), r.fail(&Error{
			Kind:   KindModerationRejected,
			Detail: verdict.Category,
			Err:    fmt.Errorf("moderation %s: %s (%.2f)", verdict.Decision, verdict.Category, verdict.Confidence),
		})
	}
	if verdict.Decision == moderation.Warn {
		r.log.Warn().
			Str("category", verdict.Category).
			Float64("confidence", verdict.Confidence).
			Bool("degraded", verdict.Degraded).
			Msg("photo accepted with moderation warning")
	}
	r.advance(StateModerated)

	photo, err := p.store(ctx, r, req, img, verdict)
	if err != nil {
		return result(), err
	}
	r.advance(StateStored)

	stored, err := p.persist(ctx, r, photo)
	if err != nil {
		return result(), err
	}
	r.advance(StatePersisted)

	r.log.Info().
		Str("photo_id", stored.ID).
		Str("object_key", stored.ObjectKey).
		Int64("original_size", stored.OriginalSize).
		Int64("processed_size", stored.ProcessedSize).
		Str("decision", string(verdict.Decision)).
		Msg("photo stored")

	return Result{Photo: stored, Verdict: verdict, Trace: r.trace}, nil
}

// checkQuota uses the upload size as a stand-in for the processed size, which
// is not known until after the transform. Concurrent uploads can overshoot the
// quota by at most one upload each.
func (p *Pipeline) checkQuota(ctx context.Context, r *run, req Request, profile models.IntentProfile) error {
	if !profile.CountsTowardQuota() {
		return nil
	}
	if err := r.canceled(ctx); err != nil {
		return err
	}
	used, err := p.deps.Photos.UsageBytes(ctx, req.OwnerID, req.Intent)
	if err != nil {
		if ctx.Err() != nil {
			return r.fail(&Error{Kind: KindCanceled, Err: err})
		}
		return r.fail(&Error{Kind: KindQuotaUnavailable, Retryable: true, Err: err})
	}
	incoming := int64(len(req.Data))
	if used+incoming > profile.QuotaBytes {
		return r.fail(&Error{
			Kind: KindQuotaExceeded,
			Message: fmt.Sprintf("storage quota for %s photos exceeded: %d of %d bytes used",
				req.Intent, used, profile.QuotaBytes),
		})
	}
	return nil
}

// store writes the pending marker and then the blob. A marker that cannot be
// written stops the run before any blob exists.
func (p *Pipeline) store(ctx context.Context, r *run, req Request, img transform.ProcessedImage, verdict moderation.Verdict) (models.Photo, error) {
	if err := r.canceled(ctx); err != nil {
		return models.Photo{}, err
	}

	now := p.cfg.Now().UTC()
	key := storage.NewObjectKey(req.Intent, img.MIME, now)

	marker := storage.PendingUpload{
		ObjectKey:     key,
		OwnerID:       req.OwnerID,
		URL:           p.deps.Blobs.PhotoURL(key),
		CorrelationID: req.CorrelationID,
		CreatedAt:     now,
	}
	if err := p.deps.Pending.Mark(ctx, marker); err != nil {
		if ctx.Err() != nil {
			return models.Photo{}, r.fail(&Error{Kind: KindCanceled, Err: err})
		}
		return models.Photo{}, r.fail(&Error{Kind: KindStorage, Detail: "PENDING_MARKER", Retryable: true, Err: err})
	}

	uploadCtx, cancel := context.WithTimeout(ctx, p.cfg.UploadTimeout)
	defer cancel()

	url, err := p.deps.Blobs.Upload(uploadCtx, img.Data, img.MIME, key)
	if err != nil {
		// The marker stays: the write may have landed even though the call
		// failed, and the reconciler removes whatever is left.
		if ctx.Err() != nil {
			return models.Photo{}, r.fail(&Error{Kind: KindCanceled, Err: err})
		}
		return models.Photo{}, r.fail(&Error{Kind: KindStorage, Retryable: true, Err: err})
	}

	photo := models.Photo{
		ID:            ids.New(),
		OwnerID:       req.OwnerID,
		Intent:        req.Intent,
		Bucket:        p.deps.Blobs.PhotoBucket(),
		ObjectKey:     key,
		BlobURL:       url,
		MIME:          img.MIME,
		Width:         img.Width,
		Height:        img.Height,
		Frames:        img.Frames,
		OriginalSize:  int64(len(req.Data)),
		ProcessedSize: img.Size(),
		Moderation:    verdict.Snapshot(),
		CorrelationID: req.CorrelationID,
	}
	if caption := strings.TrimSpace(req.Caption); caption != "" {
		photo.Caption = &caption
	}
	return photo, nil
}

func (p *Pipeline) persist(ctx context.Context, r *run, photo models.Photo) (models.Photo, error) {
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.PersistTimeout)
	defer cancel()

	stored, err := p.deps.Photos.Create(persistCtx, photo)
	if err != nil {
		return models.Photo{}, r.fail(&Error{
			Kind:      KindPersistence,
			Retryable: true,
			BlobKey:   photo.ObjectKey,
			Err:       err,
		})
	}

	if err := p.deps.Pending.Clear(persistCtx, stored.ObjectKey); err != nil {
		// The row exists, so the reconciler only drops the marker.
		r.log.Warn().Err(err).Str("object_key", stored.ObjectKey).Msg("clear pending marker failed")
	}

	if p.deps.Tasks != nil {
		if err := p.deps.Tasks.EnqueueThumbnail(persistCtx, stored); err != nil {
			r.log.Warn().Err(err).Str("photo_id", stored.ID).Msg("enqueue thumbnail failed")
		}
	}
	return stored, nil
}
