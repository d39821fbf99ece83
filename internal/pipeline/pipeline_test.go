package pipeline

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"civicphoto/internal/config"
	"civicphoto/internal/media/mediatest"
	"civicphoto/internal/media/metadata"
	"civicphoto/internal/media/sniffer"
	"civicphoto/internal/media/transform"
	"civicphoto/internal/media/validator"
	"civicphoto/internal/models"
	"civicphoto/internal/moderation"
	"civicphoto/internal/storage"
)

type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) add(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, name)
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

type spyTransformer struct {
	rec   *recorder
	inner *transform.Transformer
}

func (s *spyTransformer) Transform(data []byte, mime string, opts transform.Options) (transform.ProcessedImage, error) {
	s.rec.add("transform")
	return s.inner.Transform(data, mime, opts)
}

type fakeModerator struct {
	rec     *recorder
	verdict moderation.Verdict
	err     error
	seen    []transform.ProcessedImage
	hook    func(ctx context.Context)
}

func (f *fakeModerator) Moderate(ctx context.Context, img transform.ProcessedImage, _ moderation.Context) (moderation.Verdict, error) {
	f.rec.add("moderate")
	f.seen = append(f.seen, img)
	if f.hook != nil {
		f.hook(ctx)
	}
	return f.verdict, f.err
}

type fakeBlobs struct {
	rec     *recorder
	err     error
	stall   bool
	objects map[string][]byte
}

func (f *fakeBlobs) PhotoBucket() string { return "photos" }

func (f *fakeBlobs) PhotoURL(key string) string { return "https://cdn.test/photos/" + key }

func (f *fakeBlobs) Upload(ctx context.Context, data []byte, _ string, key string) (string, error) {
	f.rec.add("upload")
	if f.stall {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if f.err != nil {
		return "", f.err
	}
	if f.objects == nil {
		f.objects = map[string][]byte{}
	}
	f.objects[key] = data
	return f.PhotoURL(key), nil
}

type fakePending struct {
	rec     *recorder
	markErr error
	marks   map[string]storage.PendingUpload
}

func (f *fakePending) Mark(_ context.Context, p storage.PendingUpload) error {
	f.rec.add("mark")
	if f.markErr != nil {
		return f.markErr
	}
	if f.marks == nil {
		f.marks = map[string]storage.PendingUpload{}
	}
	f.marks[p.ObjectKey] = p
	return nil
}

func (f *fakePending) Clear(_ context.Context, key string) error {
	f.rec.add("clear")
	delete(f.marks, key)
	return nil
}

type fakeRepo struct {
	rec            *recorder
	createErr      error
	usage          int64
	usageErr       error
	created        []models.Photo
	ctxErrAtCreate error
}

func (f *fakeRepo) Create(ctx context.Context, photo models.Photo) (models.Photo, error) {
	f.rec.add("create")
	f.ctxErrAtCreate = ctx.Err()
	if f.createErr != nil {
		return models.Photo{}, f.createErr
	}
	if ctx.Err() != nil {
		return models.Photo{}, ctx.Err()
	}
	photo.CreatedAt = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	f.created = append(f.created, photo)
	return photo, nil
}

func (f *fakeRepo) UsageBytes(context.Context, string, models.PhotoIntent) (int64, error) {
	f.rec.add("usage")
	return f.usage, f.usageErr
}

type harness struct {
	rec       *recorder
	moderator *fakeModerator
	blobs     *fakeBlobs
	pending   *fakePending
	repo      *fakeRepo
	profiles  models.IntentProfiles
	moderate  Moderator

	// uploadTimeout of zero keeps the pipeline default.
	uploadTimeout time.Duration
}

func newHarness() *harness {
	rec := &recorder{}
	return &harness{
		rec:       rec,
		moderator: &fakeModerator{rec: rec, verdict: moderation.Verdict{Decision: moderation.Approve, Category: moderation.CategoryClean, Confidence: 0.98}},
		blobs:     &fakeBlobs{rec: rec},
		pending:   &fakePending{rec: rec},
		repo:      &fakeRepo{rec: rec},
		profiles: models.IntentProfiles{
			models.IntentPost:    {Intent: models.IntentPost, MaxEdge: 2048},
			models.IntentGallery: {Intent: models.IntentGallery, MaxEdge: 4096, QuotaBytes: 50_000},
		},
	}
}

func (h *harness) pipeline() *Pipeline {
	limits := validator.DefaultLimits()
	var mod Moderator = h.moderator
	if h.moderate != nil {
		mod = h.moderate
	}
	return New(Deps{
		Validator:   validator.New(limits),
		Transformer: &spyTransformer{rec: h.rec, inner: transform.New(85, 0)},
		Moderator:   mod,
		Blobs:       h.blobs,
		Pending:     h.pending,
		Photos:      h.repo,
	}, Config{
		Profiles:          h.profiles,
		MaxProcessedBytes: limits.MaxBytes,
		UploadTimeout:     h.uploadTimeout,
		PersistTimeout:    time.Second,
	}, zerolog.Nop())
}

func phoneJPEG(t *testing.T) []byte {
	xmp := []byte(`<x:xmpmeta xmlns:x="adobe:ns:meta/">` + strings.Repeat(" ", 4000) + `</x:xmpmeta>`)
	return mediatest.JPEG(t, mediatest.Gradient(320, 240), mediatest.JPEGOptions{
		Quality: 98,
		EXIF:    &mediatest.EXIF{Orientation: 1, GPS: true},
		XMP:     xmp,
		Comment: "Pixel 8",
	})
}

func jpegRequest(data []byte) Request {
	return Request{
		Data:          data,
		DeclaredMIME:  "image/jpeg",
		Filename:      "IMG_0001.jpg",
		OwnerID:       "user-1",
		Intent:        models.IntentPost,
		Caption:       "  city hall  ",
		CorrelationID: "corr-1",
	}
}

func requirePipelineError(t *testing.T, err error, kind Kind) *Error {
	t.Helper()
	require.Error(t, err)
	var perr *Error
	require.ErrorAs(t, err, &perr)
	require.Equal(t, kind, perr.Kind, perr.Error())
	return perr
}

func TestRunStoresSanitizedPhoto(t *testing.T) {
	h := newHarness()
	data := phoneJPEG(t)

	res, err := h.pipeline().Run(context.Background(), jpegRequest(data))
	require.NoError(t, err)

	assert.Equal(t, []State{StateReceived, StateValidated, StateTransformed, StateModerated, StateStored, StatePersisted}, res.Trace)
	assert.Equal(t, []string{"transform", "moderate", "mark", "upload", "create", "clear"}, h.rec.list())

	photo := res.Photo
	assert.NotEmpty(t, photo.ID)
	assert.Equal(t, "user-1", photo.OwnerID)
	assert.Equal(t, sniffer.MIMEWEBP, photo.MIME)
	assert.Less(t, photo.ProcessedSize, photo.OriginalSize)
	assert.Equal(t, int64(len(data)), photo.OriginalSize)
	assert.Equal(t, 320, photo.Width)
	assert.Equal(t, 240, photo.Height)
	assert.Equal(t, "APPROVE", photo.Moderation.Decision)
	assert.Equal(t, "corr-1", photo.CorrelationID)
	require.NotNil(t, photo.Caption)
	assert.Equal(t, "city hall", *photo.Caption)
	assert.True(t, strings.HasPrefix(photo.ObjectKey, "post/"))
	assert.Equal(t, "https://cdn.test/photos/"+photo.ObjectKey, photo.BlobURL)

	stored := h.blobs.objects[photo.ObjectKey]
	require.NotNil(t, stored)
	report, err := metadata.Inspect(stored, photo.MIME)
	require.NoError(t, err)
	assert.False(t, report.GPS)
	assert.False(t, report.HasCaptureMetadata())

	assert.Empty(t, h.pending.marks)
}

func TestRunModeratesOnlyTransformedBytes(t *testing.T) {
	h := newHarness()
	data := phoneJPEG(t)

	_, err := h.pipeline().Run(context.Background(), jpegRequest(data))
	require.NoError(t, err)

	require.Len(t, h.moderator.seen, 1)
	seen := h.moderator.seen[0]
	assert.Equal(t, sniffer.MIMEWEBP, seen.MIME)
	assert.False(t, bytes.Equal(seen.Data, data))
	assert.True(t, sniffer.Matches(seen.Data, sniffer.TypeWEBP))
}

func TestRunRejectsOversizedUploadBeforeAnyWork(t *testing.T) {
	h := newHarness()
	data := make([]byte, 6*1024*1024)
	copy(data, []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'})

	res, err := h.pipeline().Run(context.Background(), Request{
		Data: data, DeclaredMIME: "image/png", Filename: "huge.png", OwnerID: "u", Intent: models.IntentPost,
	})
	perr := requirePipelineError(t, err, KindValidation)
	assert.Equal(t, string(validator.SizeError), perr.Detail)
	assert.Equal(t, StateReceived, perr.State)
	assert.False(t, perr.Retryable)
	assert.Empty(t, h.rec.list())
	assert.Equal(t, []State{StateReceived, StateFailed}, res.Trace)
}

func TestRunRejectsRenamedExecutable(t *testing.T) {
	h := newHarness()
	exe := append([]byte("MZ\x90\x00\x03\x00\x00\x00\x04\x00"), bytes.Repeat([]byte{0x90}, 600)...)

	_, err := h.pipeline().Run(context.Background(), Request{
		Data: exe, DeclaredMIME: "image/jpeg", Filename: "photo.jpg", OwnerID: "u", Intent: models.IntentPost,
	})
	perr := requirePipelineError(t, err, KindValidation)
	assert.Equal(t, string(validator.SignatureMismatchError), perr.Detail)
	assert.Contains(t, perr.UserMessage(), "does not match")
	assert.Empty(t, h.rec.list())
}

func TestRunBlockedImageIsNeverStored(t *testing.T) {
	h := newHarness()
	h.moderator.verdict = moderation.Verdict{Decision: moderation.Block, Category: moderation.CategoryExplicit, Confidence: 0.97}

	res, err := h.pipeline().Run(context.Background(), jpegRequest(phoneJPEG(t)))
	perr := requirePipelineError(t, err, KindModerationRejected)
	assert.Equal(t, moderation.CategoryExplicit, perr.Detail)
	assert.Equal(t, StateTransformed, perr.State)
	assert.False(t, perr.Retryable)
	assert.Equal(t, []string{"transform", "moderate"}, h.rec.list())
	assert.Empty(t, h.blobs.objects)
	assert.Empty(t, h.repo.created)
	assert.Equal(t, StateFailed, res.Trace[len(res.Trace)-1])
}

func TestRunWarnIsStoredWithVerdict(t *testing.T) {
	h := newHarness()
	h.moderator.verdict = moderation.Verdict{Decision: moderation.Warn, Category: moderation.CategoryGraphicNews, Confidence: 0.7}

	res, err := h.pipeline().Run(context.Background(), jpegRequest(phoneJPEG(t)))
	require.NoError(t, err)
	assert.Equal(t, "WARN", res.Photo.Moderation.Decision)
	assert.Equal(t, moderation.CategoryGraphicNews, res.Photo.Moderation.Category)
	assert.Len(t, h.repo.created, 1)
}

func hangingClassifier(ctx context.Context, _ []byte, _ string, _ moderation.Context) ([]moderation.Label, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

type classifierFunc func(ctx context.Context, data []byte, mime string, c moderation.Context) ([]moderation.Label, error)

func (f classifierFunc) Classify(ctx context.Context, data []byte, mime string, c moderation.Context) ([]moderation.Label, error) {
	return f(ctx, data, mime, c)
}

func TestRunFailsClosedWhenModerationTimesOut(t *testing.T) {
	h := newHarness()
	h.moderate = moderation.NewModerator(classifierFunc(hangingClassifier), moderation.StrictPolicy{},
		moderation.Thresholds{Block: 0.85, Review: 0.6}, 20*time.Millisecond, zerolog.Nop())

	_, err := h.pipeline().Run(context.Background(), jpegRequest(phoneJPEG(t)))
	perr := requirePipelineError(t, err, KindModerationUnavailable)
	assert.True(t, perr.Retryable)
	assert.True(t, perr.Infrastructure())
	assert.NotContains(t, perr.UserMessage(), "timeout")

	var unavailable *moderation.UnavailableError
	require.ErrorAs(t, err, &unavailable)
	assert.True(t, unavailable.Timeout())

	assert.Equal(t, []string{"transform"}, h.rec.list())
	assert.Empty(t, h.blobs.objects)
	assert.Empty(t, h.repo.created)
}

func TestRunPermissivePolicyStoresDegradedWarn(t *testing.T) {
	h := newHarness()
	h.moderate = moderation.NewModerator(classifierFunc(hangingClassifier), moderation.PermissivePolicy{},
		moderation.Thresholds{Block: 0.85, Review: 0.6}, 20*time.Millisecond, zerolog.Nop())

	res, err := h.pipeline().Run(context.Background(), jpegRequest(phoneJPEG(t)))
	require.NoError(t, err)
	assert.True(t, res.Verdict.Degraded)
	assert.Equal(t, "WARN", res.Photo.Moderation.Decision)
	assert.Equal(t, moderation.CategoryUnverified, res.Photo.Moderation.Category)
}

func TestRunPersistenceFailureLeavesTrackedBlob(t *testing.T) {
	h := newHarness()
	h.repo.createErr = errors.New("connection reset")

	_, err := h.pipeline().Run(context.Background(), jpegRequest(phoneJPEG(t)))
	perr := requirePipelineError(t, err, KindPersistence)
	assert.True(t, perr.Retryable)
	assert.Equal(t, StateStored, perr.State)
	require.NotEmpty(t, perr.BlobKey)

	assert.Contains(t, h.blobs.objects, perr.BlobKey)
	marker, ok := h.pending.marks[perr.BlobKey]
	require.True(t, ok)
	assert.Equal(t, "user-1", marker.OwnerID)
	assert.Equal(t, "corr-1", marker.CorrelationID)
	assert.Equal(t, "https://cdn.test/photos/"+perr.BlobKey, marker.URL)
	assert.Equal(t, []string{"transform", "moderate", "mark", "upload", "create"}, h.rec.list())
}

func TestRunEveryStoredBlobHasRowOrMarker(t *testing.T) {
	failures := map[string]func(h *harness){
		"none":         func(*harness) {},
		"create fails": func(h *harness) { h.repo.createErr = errors.New("boom") },
		"upload fails": func(h *harness) { h.blobs.err = errors.New("503") },
	}
	for name, setup := range failures {
		t.Run(name, func(t *testing.T) {
			h := newHarness()
			setup(h)
			_, _ = h.pipeline().Run(context.Background(), jpegRequest(phoneJPEG(t)))

			rows := map[string]bool{}
			for _, p := range h.repo.created {
				rows[p.ObjectKey] = true
			}
			for key := range h.blobs.objects {
				_, pending := h.pending.marks[key]
				assert.True(t, rows[key] || pending, "blob %s has neither row nor marker", key)
			}
		})
	}
}

func TestRunPendingMarkerFailureStopsBeforeUpload(t *testing.T) {
	h := newHarness()
	h.pending.markErr = errors.New("redis down")

	_, err := h.pipeline().Run(context.Background(), jpegRequest(phoneJPEG(t)))
	perr := requirePipelineError(t, err, KindStorage)
	assert.Equal(t, "PENDING_MARKER", perr.Detail)
	assert.Equal(t, []string{"transform", "moderate", "mark"}, h.rec.list())
	assert.Empty(t, h.blobs.objects)
}

func TestRunUploadFailureIsStorageError(t *testing.T) {
	h := newHarness()
	h.blobs.err = errors.New("bucket unavailable")

	_, err := h.pipeline().Run(context.Background(), jpegRequest(phoneJPEG(t)))
	perr := requirePipelineError(t, err, KindStorage)
	assert.Equal(t, StateModerated, perr.State)
	assert.True(t, perr.Retryable)
	assert.Empty(t, h.repo.created)
}

func TestRunStalledUploadTimesOut(t *testing.T) {
	h := newHarness()
	h.blobs.stall = true
	h.uploadTimeout = 20 * time.Millisecond

	start := time.Now()
	_, err := h.pipeline().Run(context.Background(), jpegRequest(phoneJPEG(t)))
	perr := requirePipelineError(t, err, KindStorage)
	assert.True(t, perr.Retryable)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Len(t, h.pending.marks, 1)
	assert.Empty(t, h.repo.created)
}

func TestRunCanceledBeforeStart(t *testing.T) {
	h := newHarness()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.pipeline().Run(ctx, jpegRequest(phoneJPEG(t)))
	requirePipelineError(t, err, KindCanceled)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, h.rec.list())
}

func TestRunCanceledDuringModerationSkipsStorage(t *testing.T) {
	h := newHarness()
	ctx, cancel := context.WithCancel(context.Background())
	h.moderator.hook = func(context.Context) { cancel() }

	_, err := h.pipeline().Run(ctx, jpegRequest(phoneJPEG(t)))
	perr := requirePipelineError(t, err, KindCanceled)
	assert.Equal(t, StateModerated, perr.State)
	assert.Equal(t, []string{"transform", "moderate"}, h.rec.list())
	assert.Empty(t, h.blobs.objects)
}

type cancelingBlobs struct {
	*fakeBlobs
	cancel context.CancelFunc
}

func (c *cancelingBlobs) Upload(ctx context.Context, data []byte, mime, key string) (string, error) {
	url, err := c.fakeBlobs.Upload(ctx, data, mime, key)
	c.cancel()
	return url, err
}

func TestRunPersistsAfterCancellationOnceStored(t *testing.T) {
	h := newHarness()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := h.pipeline()
	p.deps.Blobs = &cancelingBlobs{fakeBlobs: h.blobs, cancel: cancel}

	res, err := p.Run(ctx, jpegRequest(phoneJPEG(t)))
	require.NoError(t, err)
	assert.Equal(t, StatePersisted, res.Trace[len(res.Trace)-1])
	require.Len(t, h.repo.created, 1)
	assert.NoError(t, h.repo.ctxErrAtCreate)
	assert.Empty(t, h.pending.marks)
}

func TestRunQuotaExceeded(t *testing.T) {
	h := newHarness()
	h.repo.usage = 49_000
	req := jpegRequest(phoneJPEG(t))
	req.Intent = models.IntentGallery

	_, err := h.pipeline().Run(context.Background(), req)
	perr := requirePipelineError(t, err, KindQuotaExceeded)
	assert.Equal(t, StateValidated, perr.State)
	assert.True(t, perr.UserCorrectable())
	assert.Contains(t, perr.UserMessage(), "quota")
	assert.Equal(t, []string{"usage"}, h.rec.list())
}

func TestRunQuotaLookupFailure(t *testing.T) {
	h := newHarness()
	h.repo.usageErr = errors.New("pool closed")
	req := jpegRequest(phoneJPEG(t))
	req.Intent = models.IntentGallery

	_, err := h.pipeline().Run(context.Background(), req)
	perr := requirePipelineError(t, err, KindQuotaUnavailable)
	assert.True(t, perr.Retryable)
}

func TestRunSkipsQuotaForUnlimitedIntent(t *testing.T) {
	h := newHarness()
	h.repo.usage = 1 << 40

	_, err := h.pipeline().Run(context.Background(), jpegRequest(phoneJPEG(t)))
	require.NoError(t, err)
	assert.NotContains(t, h.rec.list(), "usage")
}

func TestRunUnknownIntentAndMissingOwner(t *testing.T) {
	h := newHarness()
	req := jpegRequest(phoneJPEG(t))
	req.Intent = models.IntentBanner

	_, err := h.pipeline().Run(context.Background(), req)
	perr := requirePipelineError(t, err, KindValidation)
	assert.Equal(t, "UNKNOWN_INTENT", perr.Detail)

	req = jpegRequest(phoneJPEG(t))
	req.OwnerID = " "
	_, err = h.pipeline().Run(context.Background(), req)
	perr = requirePipelineError(t, err, KindValidation)
	assert.Equal(t, "MISSING_OWNER", perr.Detail)
	assert.Empty(t, h.rec.list())
}

func TestRunCorruptImageIsTransformError(t *testing.T) {
	h := newHarness()
	// A PNG whose header decodes but whose pixel data is missing.
	full := mediatest.PNG(t, mediatest.Noise(40, 40, 4), mediatest.PNGOptions{})
	truncated := full[:len(full)/2]

	_, err := h.pipeline().Run(context.Background(), Request{
		Data: truncated, DeclaredMIME: "image/png", Filename: "x.png", OwnerID: "u", Intent: models.IntentPost,
	})
	perr := requirePipelineError(t, err, KindTransform)
	assert.ErrorIs(t, err, transform.ErrDecode)
	assert.NotEqual(t, perr.Err.Error(), perr.UserMessage())
	assert.Equal(t, []string{"transform"}, h.rec.list())
}

type recordingEnqueuer struct {
	photos []models.Photo
	err    error
}

func (r *recordingEnqueuer) EnqueueThumbnail(_ context.Context, p models.Photo) error {
	r.photos = append(r.photos, p)
	return r.err
}

func TestRunEnqueuesThumbnailBestEffort(t *testing.T) {
	h := newHarness()
	tasks := &recordingEnqueuer{err: errors.New("stream full")}
	p := h.pipeline()
	p.deps.Tasks = tasks

	res, err := p.Run(context.Background(), jpegRequest(phoneJPEG(t)))
	require.NoError(t, err)
	require.Len(t, tasks.photos, 1)
	assert.Equal(t, res.Photo.ID, tasks.photos[0].ID)
}

func TestErrorUserMessages(t *testing.T) {
	infra := &Error{Kind: KindStorage, Err: errors.New("dial tcp 10.0.0.3:9000: connection refused")}
	assert.NotContains(t, infra.UserMessage(), "10.0.0.3")
	assert.True(t, infra.Infrastructure())
	assert.False(t, infra.UserCorrectable())

	v := &Error{Kind: KindValidation, Message: "file size 7 bytes is outside the allowed range"}
	assert.Equal(t, v.Message, v.UserMessage())

	assert.Contains(t, (&Error{Kind: KindModerationRejected, Detail: "EXPLICIT"}).UserMessage(), "content policy")
	assert.Contains(t, (&Error{Kind: KindPersistence, State: StateStored, Err: errors.New("x")}).Error(), "PERSISTENCE_ERROR after STORED")
}

func TestProfilesFromConfig(t *testing.T) {
	profiles, err := ProfilesFromConfig(map[string]config.IntentConfig{
		"avatar":  {MaxEdge: 512, ThumbnailEdge: 128},
		"Gallery": {MaxEdge: 4096, ThumbnailEdge: 320, QuotaBytes: 1 << 30},
	})
	require.NoError(t, err)

	avatar, ok := profiles.Lookup(models.IntentAvatar)
	require.True(t, ok)
	assert.False(t, avatar.CountsTowardQuota())
	gallery, ok := profiles.Lookup(models.IntentGallery)
	require.True(t, ok)
	assert.Equal(t, int64(1<<30), gallery.QuotaBytes)

	_, err = ProfilesFromConfig(map[string]config.IntentConfig{"poster": {}})
	assert.Error(t, err)
	_, err = ProfilesFromConfig(map[string]config.IntentConfig{"post": {MaxEdge: -1}})
	assert.Error(t, err)
}
