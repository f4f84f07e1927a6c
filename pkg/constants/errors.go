package constants

import "errors"

// Errors returned across the document core. Callers match them with errors.Is;
// wrapped errors carry the record id or field that failed.
var (
	ErrValidation         = errors.New("validation failed")
	ErrPermissionDenied   = errors.New("permission denied")
	ErrNotFound           = errors.New("record not found")
	ErrSessionClosed      = errors.New("session closed")
	ErrTransport          = errors.New("transport failure")
	ErrTimezoneResolution = errors.New("timezone resolution failed")
)

var (
	ErrInitFailed      = errors.New("session initialization failed")
	ErrNotConnected    = errors.New("transport not connected")
	ErrKindMismatch    = errors.New("content type does not match note kind")
	ErrUnknownKind     = errors.New("unknown record kind")
	ErrTransportClosed = errors.New("transport closed")
	ErrCacheClosed     = errors.New("cache closed")
	ErrNoRoomID        = errors.New("room id not set")
	ErrNoActorID       = errors.New("actor id not set")
)
