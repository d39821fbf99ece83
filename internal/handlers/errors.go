package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"civicphoto/internal/media/validator"
	"civicphoto/internal/pipeline"
)

// StatusClientClosedRequest is reported when the client went away mid-upload.
const StatusClientClosedRequest = 499

const retryAfterSeconds = 5

type errorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

func writeError(c *gin.Context, status int, code, message string, retryable bool) {
	if retryable && status == http.StatusServiceUnavailable {
		c.Header("Retry-After", strconv.Itoa(retryAfterSeconds))
	}
	c.AbortWithStatusJSON(status, gin.H{"error": errorBody{
		Code:      code,
		Message:   message,
		Retryable: retryable,
	}})
}

// StatusFor maps a pipeline failure onto an HTTP status.
func StatusFor(err *pipeline.Error) int {
	switch err.Kind {
	case pipeline.KindValidation:
		switch err.Detail {
		case string(validator.SizeError):
			return http.StatusRequestEntityTooLarge
		case string(validator.UnsupportedTypeError):
			return http.StatusUnsupportedMediaType
		}
		return http.StatusBadRequest
	case pipeline.KindQuotaExceeded:
		return http.StatusRequestEntityTooLarge
	case pipeline.KindTransform, pipeline.KindModerationRejected:
		return http.StatusUnprocessableEntity
	case pipeline.KindCanceled:
		return StatusClientClosedRequest
	}
	return http.StatusServiceUnavailable
}

func errorCode(err *pipeline.Error) string {
	if err.Kind == pipeline.KindValidation && err.Detail != "" {
		return err.Detail
	}
	return string(err.Kind)
}

func (h HandlerSet) writePipelineError(c *gin.Context, err error) {
	var perr *pipeline.Error
	if !errors.As(err, &perr) {
		h.log.Error().Err(err).Msg("upload failed outside the pipeline")
		writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "an unexpected error occurred", false)
		return
	}
	writeError(c, StatusFor(perr), errorCode(perr), perr.UserMessage(), perr.Retryable)
}
