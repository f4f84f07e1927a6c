package constants

import "time"

// Defaults for the session pipeline. pkg/config starts from these values.
const (
	DefaultGraceWindow      = 60 * time.Second
	DefaultSweepInterval    = 10 * time.Second
	DefaultDebounceWindow   = 100 * time.Millisecond
	DefaultEchoWindow       = 150 * time.Millisecond
	DefaultInitRetryDelay   = 500 * time.Millisecond
	DefaultInitMaxAttempts  = 5
	DefaultMinEventDuration = 15 * time.Minute
	DefaultCompactEvery     = 200

	DefaultPresenceHeartbeat = 15 * time.Second
	DefaultPresenceTimeout   = 30 * time.Second

	// DefaultPurgeRetentionFactor multiplies the grace window to get how long
	// a purged key is remembered.
	DefaultPurgeRetentionFactor = 10
)

// Payload limits.
const (
	DefaultTitleMaxLength       = 200
	DefaultDescriptionMaxLength = 5000
	MaxTagLength                = 50
	MaxTags                     = 20
	MaxAttendees                = 100
	MaxReminderMinutes          = 4 * 7 * 24 * 60
	MaxTextContentLength        = 20000
	MaxChecklistItems           = 200
)

// DeletedTitle replaces the title of a tombstoned event.
const DeletedTitle = "[deleted]"

// Transport schemes accepted by the websocket client.
var (
	WebsocketScheme       = "ws"
	WebsocketSecureScheme = "wss"
)

// CloseMessageCode is the close code sent when a transport shuts down cleanly.
const CloseMessageCode = 1000
