package verify

import (
	"errors"
	"fmt"
)

var (
	// ErrCapabilityUnavailable means the detection model or the camera could not be
	// initialized. Use errors.As with *CapabilityError to tell which.
	ErrCapabilityUnavailable = errors.New("capability unavailable")
	ErrNoEnrollment          = errors.New("no enrolled face template")
	ErrNoFacePresent         = errors.New("no face present")
	ErrMismatch              = errors.New("face does not match enrolled template")
	ErrAlreadyRecorded       = errors.New("attendance already recorded")
	ErrRecorderFailure       = errors.New("attendance recorder failure")
	ErrLookupFailure         = errors.New("enrollment lookup failure")
	ErrSessionClosed         = errors.New("session closed")
	ErrInvalidTransition     = errors.New("invalid session transition")
)

// CapabilityKind names the capability that failed.
type CapabilityKind string

const (
	CapabilityModel  CapabilityKind = "model"
	CapabilityCamera CapabilityKind = "camera"
)

// CapabilityError is returned by Open when the session cannot start.
type CapabilityError struct {
	Kind CapabilityKind
	Err  error
}

func (e *CapabilityError) Error() string {
	return fmt.Sprintf("%s unavailable: %v", e.Kind, e.Err)
}

func (e *CapabilityError) Unwrap() error { return e.Err }

// Is reports a match against ErrCapabilityUnavailable.
func (e *CapabilityError) Is(target error) bool {
	return target == ErrCapabilityUnavailable
}

// Code returns a stable machine-readable code for err.
func Code(err error) string {
	var capErr *CapabilityError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &capErr):
		return "capability_unavailable_" + string(capErr.Kind)
	case errors.Is(err, ErrCapabilityUnavailable):
		return "capability_unavailable"
	case errors.Is(err, ErrNoEnrollment):
		return "no_enrollment"
	case errors.Is(err, ErrNoFacePresent):
		return "no_face_present"
	case errors.Is(err, ErrMismatch):
		return "mismatch"
	case errors.Is(err, ErrAlreadyRecorded):
		return "already_recorded"
	case errors.Is(err, ErrRecorderFailure):
		return "recorder_failure"
	case errors.Is(err, ErrLookupFailure):
		return "lookup_failure"
	case errors.Is(err, ErrSessionClosed):
		return "session_closed"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	default:
		return "internal"
	}
}

// Message returns the text shown to the student for err.
func Message(err error) string {
	var capErr *CapabilityError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &capErr) && capErr.Kind == CapabilityCamera:
		return "Camera access is unavailable. Allow camera access and start again."
	case errors.Is(err, ErrCapabilityUnavailable):
		return "Face detection could not be started. Try again later."
	case errors.Is(err, ErrNoEnrollment):
		return "No registered face was found for your account. Register your face first."
	case errors.Is(err, ErrNoFacePresent):
		return "No face detected. Look at the camera and try again."
	case errors.Is(err, ErrMismatch):
		return "Face does not match. Try again."
	case errors.Is(err, ErrAlreadyRecorded):
		return "You already marked attendance for this class today."
	case errors.Is(err, ErrRecorderFailure), errors.Is(err, ErrLookupFailure):
		return "Attendance could not be saved. Start a new session to try again."
	case errors.Is(err, ErrSessionClosed):
		return "This session has ended."
	default:
		return "Something went wrong."
	}
}
