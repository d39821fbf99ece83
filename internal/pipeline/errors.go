package pipeline

import (
	"fmt"
)

type State string

const (
	StateReceived    State = "RECEIVED"
	StateValidated   State = "VALIDATED"
	StateTransformed State = "TRANSFORMED"
	StateModerated   State = "MODERATED"
	StateStored      State = "STORED"
	StatePersisted   State = "PERSISTED"
	StateFailed      State = "FAILED"
)

type Kind string

const (
	KindValidation            Kind = "VALIDATION_ERROR"
	KindQuotaExceeded         Kind = "QUOTA_EXCEEDED"
	KindQuotaUnavailable      Kind = "QUOTA_UNAVAILABLE"
	KindTransform             Kind = "TRANSFORM_ERROR"
	KindModerationRejected    Kind = "MODERATION_REJECTED"
	KindModerationUnavailable Kind = "MODERATION_UNAVAILABLE"
	KindStorage               Kind = "STORAGE_ERROR"
	KindPersistence           Kind = "PERSISTENCE_ERROR"
	KindCanceled              Kind = "CANCELED"
)

// Error is the single failure a pipeline run reports.
type Error struct {
	Kind Kind
	// State is the last state the run reached before failing.
	State State
	// Detail refines Kind: the validation check that failed or the
	// moderation category that caused a rejection.
	Detail    string
	Message   string
	Retryable bool
	// BlobKey is set when the blob was written but its row was not, so the
	// object is an orphan candidate tracked by its pending marker.
	BlobKey string
	Err     error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("pipeline %s after %s", e.Kind, e.State)
	if e.Detail != "" {
		msg += " (" + e.Detail + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// UserCorrectable reports whether the caller can fix the input and retry.
func (e *Error) UserCorrectable() bool {
	switch e.Kind {
	case KindValidation, KindQuotaExceeded, KindTransform:
		return true
	}
	return false
}

// Infrastructure reports failures of collaborators rather than of the upload.
func (e *Error) Infrastructure() bool {
	switch e.Kind {
	case KindQuotaUnavailable, KindModerationUnavailable, KindStorage, KindPersistence:
		return true
	}
	return false
}

// UserMessage is precise for content problems and generic for infrastructure.
func (e *Error) UserMessage() string {
	switch e.Kind {
	case KindValidation, KindQuotaExceeded:
		return e.Message
	case KindTransform:
		return "the image could not be processed; it may be corrupt or truncated"
	case KindModerationRejected:
		return "this image violates the content policy and cannot be uploaded"
	case KindCanceled:
		return "the upload was canceled"
	}
	return "the upload could not be completed right now; please try again later"
}
