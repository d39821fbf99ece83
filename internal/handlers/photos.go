package handlers

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"civicphoto/internal/media/sniffer"
	"civicphoto/internal/middleware"
	"civicphoto/internal/models"
	"civicphoto/internal/pipeline"
	"civicphoto/internal/repository"
)

// multipartSlack covers boundaries, part headers and the small text fields.
const multipartSlack = 64 * 1024

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

type moderationResponse struct {
	Decision   string  `json:"decision"`
	Category   string  `json:"category"`
	Confidence float64 `json:"confidence"`
}

type photoResponse struct {
	ID            string             `json:"id"`
	URL           string             `json:"url"`
	ThumbnailURL  *string            `json:"thumbnailUrl,omitempty"`
	Intent        string             `json:"intent"`
	Caption       *string            `json:"caption,omitempty"`
	MIME          string             `json:"mime"`
	Width         int                `json:"width"`
	Height        int                `json:"height"`
	Frames        int                `json:"frames"`
	OriginalSize  int64              `json:"originalSize"`
	ProcessedSize int64              `json:"processedSize"`
	Moderation    moderationResponse `json:"moderation"`
	CreatedAt     time.Time          `json:"createdAt"`
}

func newPhotoResponse(p models.Photo) photoResponse {
	return photoResponse{
		ID:            p.ID,
		URL:           p.BlobURL,
		ThumbnailURL:  p.ThumbnailURL,
		Intent:        string(p.Intent),
		Caption:       p.Caption,
		MIME:          p.MIME,
		Width:         p.Width,
		Height:        p.Height,
		Frames:        p.Frames,
		OriginalSize:  p.OriginalSize,
		ProcessedSize: p.ProcessedSize,
		Moderation: moderationResponse{
			Decision:   p.Moderation.Decision,
			Category:   p.Moderation.Category,
			Confidence: p.Moderation.Confidence,
		},
		CreatedAt: p.CreatedAt,
	}
}

func (h HandlerSet) UploadPhoto(c *gin.Context) {
	owner := middleware.OwnerID(c)
	maxBytes := h.cfg.Pipeline.MaxUploadBytes

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes+multipartSlack)

	header, err := c.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(c, http.StatusRequestEntityTooLarge, "SIZE_ERROR", "the upload exceeds the maximum allowed size", false)
			return
		}
		writeError(c, http.StatusBadRequest, "FILE_REQUIRED", "a multipart file field named \"file\" is required", false)
		return
	}

	intent, err := models.ParseIntent(c.PostForm("intent"))
	if err != nil {
		writeError(c, http.StatusBadRequest, "UNKNOWN_INTENT", err.Error(), false)
		return
	}

	file, err := header.Open()
	if err != nil {
		h.log.Error().Err(err).Msg("open multipart file failed")
		writeError(c, http.StatusBadRequest, "FILE_REQUIRED", "the uploaded file could not be read", false)
		return
	}
	defer file.Close()

	// One byte past the limit is enough for the validator to reject it.
	data, err := io.ReadAll(io.LimitReader(file, maxBytes+1))
	if err != nil {
		writeError(c, http.StatusBadRequest, "FILE_REQUIRED", "the uploaded file could not be read", false)
		return
	}

	result, err := h.uploader.Run(c.Request.Context(), pipeline.Request{
		Data:          data,
		DeclaredMIME:  sniffer.MimeTypeFromHTTP(http.Header(header.Header)),
		Filename:      header.Filename,
		OwnerID:       owner,
		Intent:        intent,
		Caption:       c.PostForm("caption"),
		CorrelationID: middleware.RequestIDFrom(c),
	})
	if err != nil {
		h.writePipelineError(c, err)
		return
	}

	c.JSON(http.StatusCreated, newPhotoResponse(result.Photo))
}

func (h HandlerSet) GetPhoto(c *gin.Context) {
	photo, err := h.photos.GetByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, repository.ErrPhotoNotFound) {
			writeError(c, http.StatusNotFound, "NOT_FOUND", "photo not found", false)
			return
		}
		h.log.Error().Err(err).Str("photo_id", c.Param("id")).Msg("get photo failed")
		writeError(c, http.StatusServiceUnavailable, "UNAVAILABLE", "photos are temporarily unavailable", true)
		return
	}
	if photo.IsDeleted() || photo.OwnerID != middleware.OwnerID(c) {
		writeError(c, http.StatusNotFound, "NOT_FOUND", "photo not found", false)
		return
	}
	c.JSON(http.StatusOK, newPhotoResponse(photo))
}

func (h HandlerSet) ListPhotos(c *gin.Context) {
	limit := queryInt(c, "limit", defaultPageSize)
	if limit <= 0 || limit > maxPageSize {
		limit = defaultPageSize
	}
	offset := queryInt(c, "offset", 0)
	if offset < 0 {
		offset = 0
	}

	photos, err := h.photos.ListByOwner(c.Request.Context(), middleware.OwnerID(c), limit, offset)
	if err != nil {
		h.log.Error().Err(err).Msg("list photos failed")
		writeError(c, http.StatusServiceUnavailable, "UNAVAILABLE", "photos are temporarily unavailable", true)
		return
	}

	items := make([]photoResponse, 0, len(photos))
	for _, p := range photos {
		items = append(items, newPhotoResponse(p))
	}
	c.JSON(http.StatusOK, gin.H{
		"items":  items,
		"limit":  limit,
		"offset": offset,
	})
}

func (h HandlerSet) DeletePhoto(c *gin.Context) {
	err := h.photos.SoftDelete(c.Request.Context(), c.Param("id"), middleware.OwnerID(c))
	if err != nil {
		if errors.Is(err, repository.ErrPhotoNotFound) {
			writeError(c, http.StatusNotFound, "NOT_FOUND", "photo not found", false)
			return
		}
		h.log.Error().Err(err).Str("photo_id", c.Param("id")).Msg("delete photo failed")
		writeError(c, http.StatusServiceUnavailable, "UNAVAILABLE", "photos are temporarily unavailable", true)
		return
	}
	c.Status(http.StatusNoContent)
}

func queryInt(c *gin.Context, key string, fallback int) int {
	raw := c.Query(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}
