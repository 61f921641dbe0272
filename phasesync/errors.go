package phasesync

import (
	"errors"
	"fmt"
)

var (
	// ErrRunInProgress is returned when another full run holds the single-flight lock.
	ErrRunInProgress = errors.New("phase sync run already in progress")
	// ErrPropertyLocked is returned when another update holds the property lock.
	ErrPropertyLocked = errors.New("property is being synchronized")
	// ErrViewFetch wraps a source fetch that failed after all retries.
	ErrViewFetch = errors.New("view fetch failed")
	// ErrRecordSkipped marks a source record without a correlation key.
	ErrRecordSkipped = errors.New("record has no correlation key")
	ErrUnknownView   = errors.New("unknown view")
	// ErrInvalidWebhook covers malformed or unauthenticated change notifications.
	ErrInvalidWebhook   = errors.New("invalid webhook payload")
	ErrPropertyNotFound = errors.New("property not found")
)

// RecordError is a per-record failure. It is reported in the run details and
// never aborts the rest of the view.
type RecordError struct {
	ExternalId     string
	SourceRecordId string
	Err            error
}

func (e *RecordError) Error() string {
	id := e.ExternalId
	if id == "" {
		id = e.SourceRecordId
	}
	return fmt.Sprintf("record %s: %v", id, e.Err)
}

func (e *RecordError) Unwrap() error {
	return e.Err
}
