package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/boardsync/boardsync/pkg/constants"
	"github.com/boardsync/boardsync/pkg/timezone"
)

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ValidationErrors is every problem Validate found.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	msgs := make([]string, 0, len(e))
	for i := range e {
		msgs = append(msgs, e[i].Error())
	}
	return strings.Join(msgs, "; ")
}

func (e ValidationErrors) Unwrap() error {
	return constants.ErrValidation
}

func (e *ValidationErrors) add(field, format string, args ...any) {
	*e = append(*e, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
}

func (e *ValidationErrors) positive(field string, d Duration) {
	if d.Duration <= 0 {
		e.add(field, "must be positive, got %s", d)
	}
}

// Validate returns ValidationErrors, or nil when c is usable.
func (c *Config) Validate() error {
	var errs ValidationErrors

	if c.Version < 1 || c.Version > Version {
		errs.add("version", "unsupported version %d (current: %d)", c.Version, Version)
	}

	s := c.Session
	if s.Timezone != "" {
		if _, err := timezone.LoadLocation(s.Timezone); err != nil {
			errs.add("session.timezone", "unknown zone %q", s.Timezone)
		}
	}
	if s.Ambiguity != timezone.Earliest.String() && s.Ambiguity != timezone.Latest.String() {
		errs.add("session.ambiguity", "must be %q or %q", timezone.Earliest, timezone.Latest)
	}
	errs.positive("session.grace_window", s.GraceWindow)
	errs.positive("session.sweep_interval", s.SweepInterval)
	errs.positive("session.debounce_window", s.DebounceWindow)
	errs.positive("session.echo_window", s.EchoWindow)
	errs.positive("session.init_retry_delay", s.InitRetryDelay)
	if s.InitMaxAttempts < 1 {
		errs.add("session.init_max_attempts", "must be at least 1")
	}
	if s.CompactEvery < 1 {
		errs.add("session.compact_every", "must be at least 1")
	}

	if c.Limits.TitleMaxLength < 1 {
		errs.add("limits.title_max_length", "must be at least 1")
	}
	if c.Limits.DescriptionMaxLength < 1 {
		errs.add("limits.description_max_length", "must be at least 1")
	}
	if c.Limits.MinEventDuration.Duration < 0 || c.Limits.MinEventDuration.Duration > 24*time.Hour {
		errs.add("limits.min_event_duration", "must be between 0 and 24h")
	}

	errs.positive("presence.heartbeat", c.Presence.Heartbeat)
	if c.Presence.Timeout.Duration <= c.Presence.Heartbeat.Duration {
		errs.add("presence.timeout", "must be longer than the heartbeat")
	}

	switch c.Transport.Kind {
	case "memory":
	case "websocket":
		u, err := url.Parse(c.Transport.URL)
		if err != nil || (u.Scheme != constants.WebsocketScheme && u.Scheme != constants.WebsocketSecureScheme) || u.Host == "" {
			errs.add("transport.url", "must be a ws:// or wss:// url, got %q", c.Transport.URL)
		}
		errs.positive("transport.reconnect_initial", c.Transport.ReconnectInitial)
		if c.Transport.ReconnectMax.Duration < c.Transport.ReconnectInitial.Duration {
			errs.add("transport.reconnect_max", "must not be shorter than reconnect_initial")
		}
	default:
		errs.add("transport.kind", "unknown kind %q", c.Transport.Kind)
	}

	switch c.Cache.Kind {
	case "memory":
	case "sqlite":
		if c.Cache.Path == "" {
			errs.add("cache.path", "required for the sqlite cache")
		}
	default:
		errs.add("cache.kind", "unknown kind %q", c.Cache.Kind)
	}

	if c.Relay.Addr == "" {
		errs.add("relay.addr", "required")
	}
	if c.Relay.ReadLimit <= 0 {
		errs.add("relay.read_limit", "must be positive")
	}

	switch c.Logging.Format {
	case "text", "json", "zerolog":
	default:
		errs.add("logging.format", "unknown format %q", c.Logging.Format)
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs.add("logging.level", "unknown level %q", c.Logging.Level)
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}
