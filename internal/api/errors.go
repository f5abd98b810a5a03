package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"attendai/internal/attendance"
	"attendai/internal/capture"
	"attendai/internal/enrollment"
	"attendai/internal/verify"
)

// statusClientClosedRequest is the non-standard 499 used when the caller went away.
const statusClientClosedRequest = 499

var (
	errSessionNotFound = errors.New("session not found")
	errForbidden       = errors.New("session belongs to another student")
	errQueueDisabled   = errors.New("background jobs are not configured")
	errUploadDisabled  = errors.New("photo storage is not configured")
)

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case err == nil, errors.Is(err, verify.ErrAlreadyRecorded):
		return http.StatusOK
	case errors.Is(err, verify.ErrCapabilityUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, verify.ErrNoEnrollment), errors.Is(err, errSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, verify.ErrNoFacePresent), errors.Is(err, verify.ErrMismatch):
		return http.StatusUnprocessableEntity
	case errors.Is(err, verify.ErrRecorderFailure), errors.Is(err, verify.ErrLookupFailure):
		return http.StatusBadGateway
	case errors.Is(err, verify.ErrInvalidTransition), errors.Is(err, capture.ErrNotAcquired):
		return http.StatusConflict
	case errors.Is(err, verify.ErrSessionClosed):
		return http.StatusGone
	case errors.Is(err, errForbidden):
		return http.StatusForbidden
	case errors.Is(err, enrollment.ErrInvalidDescriptor),
		errors.Is(err, enrollment.ErrStudentRequired),
		errors.Is(err, attendance.ErrInvalidEntry):
		return http.StatusBadRequest
	case errors.Is(err, errQueueDisabled), errors.Is(err, errUploadDisabled):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		return statusClientClosedRequest
	default:
		return http.StatusInternalServerError
	}
}

func abortWithError(c *gin.Context, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	body := gin.H{"error": msg}
	if code := verify.Code(err); code != "internal" {
		body["code"] = code
	}
	c.AbortWithStatusJSON(status, body)
}
