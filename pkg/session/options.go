package session

import (
	"context"
	"time"

	"github.com/boardsync/boardsync/internal/clock"
	"github.com/boardsync/boardsync/pkg/cache"
	"github.com/boardsync/boardsync/pkg/constants"
	"github.com/boardsync/boardsync/pkg/logger"
	"github.com/boardsync/boardsync/pkg/presence"
	"github.com/boardsync/boardsync/pkg/replicated"
	"github.com/boardsync/boardsync/pkg/timezone"
	"github.com/boardsync/boardsync/pkg/transport"
	"github.com/boardsync/boardsync/pkg/validation"
)

// AssetReleaser frees the external files a deleted note referenced.
type AssetReleaser interface {
	Release(ctx context.Context, urls []string) error
}

// AssetReleaserFunc adapts a function to AssetReleaser.
type AssetReleaserFunc func(ctx context.Context, urls []string) error

func (f AssetReleaserFunc) Release(ctx context.Context, urls []string) error {
	return f(ctx, urls)
}

// Options configure a Session. Room, Actor, Transport and Cache are
// required; zero durations and counts take the package defaults.
type Options struct {
	Room  string
	Actor string
	// Replica identifies this session's writes. Defaults to a new id.
	Replica string

	Transport transport.Transport
	Cache     cache.Cache

	// Claim makes Actor the owner of a room that has no members once the
	// cache has loaded.
	Claim bool

	Limits   validation.Limits
	Timezone *timezone.Engine
	Releaser AssetReleaser
	// Presence is the local entry announced once the session is synced.
	Presence *presence.Entry

	GraceWindow     time.Duration
	SweepInterval   time.Duration
	PurgeRetention  time.Duration
	DebounceWindow  time.Duration
	EchoWindow      time.Duration
	InitRetryDelay  time.Duration
	InitMaxAttempts int
	CompactEvery    int

	PresenceHeartbeat time.Duration
	PresenceTimeout   time.Duration

	// IOTimeout bounds a single broadcast or cache write.
	IOTimeout time.Duration

	Clock  clock.Clock
	Logger logger.Logger
}

func (o *Options) setDefaults() {
	if o.Replica == "" {
		o.Replica = replicated.NewReplicaID()
	}
	if o.Limits == (validation.Limits{}) {
		o.Limits = validation.DefaultLimits()
	}
	o.Logger = logger.OrDiscard(o.Logger)
	o.Clock = clock.OrReal(o.Clock)
	if o.Timezone == nil {
		o.Timezone = timezone.NewEngine("", o.Logger)
	}
	if o.GraceWindow <= 0 {
		o.GraceWindow = constants.DefaultGraceWindow
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = constants.DefaultSweepInterval
	}
	if o.PurgeRetention <= 0 {
		o.PurgeRetention = constants.DefaultPurgeRetentionFactor * o.GraceWindow
	}
	if o.DebounceWindow <= 0 {
		o.DebounceWindow = constants.DefaultDebounceWindow
	}
	if o.EchoWindow <= 0 {
		o.EchoWindow = constants.DefaultEchoWindow
	}
	if o.InitRetryDelay <= 0 {
		o.InitRetryDelay = constants.DefaultInitRetryDelay
	}
	if o.InitMaxAttempts <= 0 {
		o.InitMaxAttempts = constants.DefaultInitMaxAttempts
	}
	if o.CompactEvery <= 0 {
		o.CompactEvery = constants.DefaultCompactEvery
	}
	if o.PresenceHeartbeat <= 0 {
		o.PresenceHeartbeat = constants.DefaultPresenceHeartbeat
	}
	if o.PresenceTimeout <= 0 {
		o.PresenceTimeout = constants.DefaultPresenceTimeout
	}
	if o.IOTimeout <= 0 {
		o.IOTimeout = 5 * time.Second
	}
}
