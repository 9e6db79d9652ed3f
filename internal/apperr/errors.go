// Package apperr defines the error taxonomy shared by every kioku component.
package apperr

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrParse        = errors.New("subtitle parse failed")
	ErrConnection   = errors.New("note store unreachable")
	ErrMediaCapture = errors.New("media capture failed")
	ErrValidation   = errors.New("validation failed")
	ErrMediaStore   = errors.New("media upload failed")
	ErrSyncConflict = errors.New("note store rejected the note")
	ErrMineInFlight = errors.New("a mining request is already pending")
	ErrNoTrack      = errors.New("no subtitle track loaded")
)

// ParseError reports a subtitle file that produced no usable cues.
type ParseError struct {
	File   string
	Reason string
}

func (e *ParseError) Error() string {
	if e.File == "" {
		return fmt.Sprintf("parse subtitles: %s", e.Reason)
	}
	return fmt.Sprintf("parse subtitles %s: %s", e.File, e.Reason)
}

func (e *ParseError) Unwrap() error { return ErrParse }

// ConnectionKind classifies why the note store could not be used.
type ConnectionKind string

const (
	NotRunning       ConnectionKind = "not_running"
	AddonMissing     ConnectionKind = "addon_missing"
	PermissionDenied ConnectionKind = "permission_denied"
)

// ConnectionError is returned by the note-store client when the bridge is
// unreachable or misconfigured.
type ConnectionError struct {
	Kind     ConnectionKind
	Endpoint string
	Err      error
}

func (e *ConnectionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("note store %s: %s", e.Endpoint, e.Kind)
	}
	return fmt.Sprintf("note store %s: %s: %v", e.Endpoint, e.Kind, e.Err)
}

func (e *ConnectionError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrConnection}
	}
	return []error{ErrConnection, e.Err}
}

// Remediation returns the actionable hint shown to the user.
func (e *ConnectionError) Remediation() string {
	switch e.Kind {
	case NotRunning:
		return "Anki does not appear to be running. Start Anki and make sure the AnkiConnect add-on is installed."
	case PermissionDenied:
		return "AnkiConnect refused the request. Add this origin to webCorsOriginList in the AnkiConnect config and restart Anki."
	case AddonMissing:
		return "Something answered on the note-store URL but it is not a compatible AnkiConnect (version 6 or newer required). Install or update the add-on."
	default:
		return "Check the note-store URL in settings."
	}
}

// MediaCaptureError wraps a failure in one capture stage (frame, audio, encode).
type MediaCaptureError struct {
	Stage string
	Err   error
}

func (e *MediaCaptureError) Error() string {
	return fmt.Sprintf("capture %s: %v", e.Stage, e.Err)
}

func (e *MediaCaptureError) Unwrap() []error { return []error{ErrMediaCapture, e.Err} }

// ValidationError reports missing or invalid input detected before any I/O.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Reason
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// MediaStoreError reports a media file the note store did not accept.
type MediaStoreError struct {
	File string
	Err  error
}

func (e *MediaStoreError) Error() string {
	return fmt.Sprintf("store media %s: %v", e.File, e.Err)
}

func (e *MediaStoreError) Unwrap() []error { return []error{ErrMediaStore, e.Err} }

// SyncConflictError reports a note the store refused (duplicate or invalid).
type SyncConflictError struct {
	Reason string
}

func (e *SyncConflictError) Error() string {
	return "note store conflict: " + e.Reason
}

func (e *SyncConflictError) Unwrap() error { return ErrSyncConflict }

// Message returns the single user-facing message for an error kind.
func Message(err error) string {
	var conn *ConnectionError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &conn):
		return conn.Remediation()
	case errors.Is(err, ErrParse):
		return "The subtitle file could not be read: no valid cues were found."
	case errors.Is(err, ErrValidation):
		var v *ValidationError
		if errors.As(err, &v) {
			return "Cannot build the card: " + v.Reason + "."
		}
		return "Cannot build the card: required input is missing."
	case errors.Is(err, ErrMediaStore):
		return "Uploading the captured media to the note store failed; no card was created."
	case errors.Is(err, ErrSyncConflict):
		return "The note store rejected the card (duplicate or missing required field)."
	case errors.Is(err, ErrMediaCapture):
		return "Capturing the frame or audio failed."
	case errors.Is(err, ErrMineInFlight):
		return "Another sentence is still being mined."
	case errors.Is(err, ErrNoTrack):
		return "Load a subtitle file first."
	case errors.Is(err, ErrNotFound):
		return "Not found."
	default:
		return "internal error"
	}
}
