package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrPermissionDenied is returned by capture adapters when the OS refuses device access.
	ErrPermissionDenied = errors.New("device permission denied")
	// ErrDeviceNotFound is returned by capture adapters when no matching device exists.
	ErrDeviceNotFound = errors.New("capture device not found")
	// ErrRecognitionUnavailable marks a permanent speech engine failure.
	ErrRecognitionUnavailable = errors.New("speech recognition unavailable")
)

// DeviceErrorReason classifies camera and microphone failures.
type DeviceErrorReason string

const (
	DeviceReasonPermissionDenied DeviceErrorReason = "permission_denied"
	DeviceReasonNotFound         DeviceErrorReason = "not_found"
	DeviceReasonUnavailable      DeviceErrorReason = "unavailable"
)

// DeviceError is the typed failure of a media acquisition.
type DeviceError struct {
	Reason DeviceErrorReason
	Err    error
}

// NewDeviceError classifies err into a DeviceError.
func NewDeviceError(err error) *DeviceError {
	reason := DeviceReasonUnavailable
	switch {
	case errors.Is(err, ErrPermissionDenied):
		reason = DeviceReasonPermissionDenied
	case errors.Is(err, ErrDeviceNotFound):
		reason = DeviceReasonNotFound
	}
	return &DeviceError{Reason: reason, Err: err}
}

func (e *DeviceError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("media device error (%s)", e.Reason)
	}
	return fmt.Sprintf("media device error (%s): %v", e.Reason, e.Err)
}

func (e *DeviceError) Unwrap() error { return e.Err }

// RecognitionErrorCode mirrors the error classes a speech engine reports.
type RecognitionErrorCode string

const (
	RecognitionNoSpeech          RecognitionErrorCode = "no-speech"
	RecognitionAborted           RecognitionErrorCode = "aborted"
	RecognitionAudioCapture      RecognitionErrorCode = "audio-capture"
	RecognitionNetwork           RecognitionErrorCode = "network"
	RecognitionNotAllowed        RecognitionErrorCode = "not-allowed"
	RecognitionServiceNotAllowed RecognitionErrorCode = "service-not-allowed"
	RecognitionUnknown           RecognitionErrorCode = "unknown"
)

// Permanent reports whether the supervisor must stop restarting on this code.
func (c RecognitionErrorCode) Permanent() bool {
	switch c {
	case RecognitionNetwork, RecognitionNotAllowed, RecognitionServiceNotAllowed, RecognitionAudioCapture:
		return true
	default:
		return false
	}
}

// RecognitionError is a classified speech engine failure.
type RecognitionError struct {
	Code RecognitionErrorCode
	Err  error
}

func (e *RecognitionError) Error() string {
	if e.Err == nil {
		return "speech recognition error: " + string(e.Code)
	}
	return fmt.Sprintf("speech recognition error: %s: %v", e.Code, e.Err)
}

func (e *RecognitionError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrRecognitionUnavailable) match permanent failures.
func (e *RecognitionError) Is(target error) bool {
	return target == ErrRecognitionUnavailable && e.Code.Permanent()
}

// RecognitionCode extracts the code from err; unclassified errors are RecognitionUnknown.
func RecognitionCode(err error) RecognitionErrorCode {
	var recErr *RecognitionError
	if errors.As(err, &recErr) {
		return recErr.Code
	}
	return RecognitionUnknown
}
