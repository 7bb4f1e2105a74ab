package chatsync

import (
	"log/slog"
	"time"
)

// Defaults for the engines.
const (
	DefaultHistoryLimit   = 50
	DefaultIdleTimeout    = 5 * time.Minute
	DefaultTypingThrottle = 3 * time.Second
	DefaultTypingTimeout  = 5 * time.Second
	DefaultTypingSweep    = 1 * time.Second
)

type engineConfig struct {
	logger         *slog.Logger
	clock          Clock
	profiles       *ProfileCache
	statusStore    StatusStore
	historyLimit   int
	idleTimeout    time.Duration
	typingThrottle time.Duration
	typingTimeout  time.Duration
	typingSweep    time.Duration
}

// Option configures an engine. Options that do not apply to an engine are
// ignored by it.
type Option func(*engineConfig)

// WithLogger sets the structured logger. The default discards output.
func WithLogger(l *slog.Logger) Option {
	return func(c *engineConfig) { c.logger = l }
}

// WithClock sets the timer facility. The default is SystemClock.
func WithClock(clock Clock) Option {
	return func(c *engineConfig) { c.clock = clock }
}

// WithProfileCache shares a profile cache with the message engine.
func WithProfileCache(p *ProfileCache) Option {
	return func(c *engineConfig) { c.profiles = p }
}

// WithStatusStore makes the presence engine persist status transitions.
func WithStatusStore(s StatusStore) Option {
	return func(c *engineConfig) { c.statusStore = s }
}

// WithHistoryLimit sets how many messages FetchInitial loads.
func WithHistoryLimit(n int) Option {
	return func(c *engineConfig) { c.historyLimit = n }
}

// WithIdleTimeout sets the inactivity period before the local user is
// marked away.
func WithIdleTimeout(d time.Duration) Option {
	return func(c *engineConfig) { c.idleTimeout = d }
}

// WithTypingThrottle sets the minimum interval between outbound typing
// signals per channel.
func WithTypingThrottle(d time.Duration) Option {
	return func(c *engineConfig) { c.typingThrottle = d }
}

// WithTypingTimeout sets how long a typing entry survives without a new signal.
func WithTypingTimeout(d time.Duration) Option {
	return func(c *engineConfig) { c.typingTimeout = d }
}

// WithTypingSweep sets the expiry sweep cadence.
func WithTypingSweep(d time.Duration) Option {
	return func(c *engineConfig) { c.typingSweep = d }
}

func newEngineConfig(opts []Option) engineConfig {
	cfg := engineConfig{
		clock:          SystemClock,
		historyLimit:   DefaultHistoryLimit,
		idleTimeout:    DefaultIdleTimeout,
		typingThrottle: DefaultTypingThrottle,
		typingTimeout:  DefaultTypingTimeout,
		typingSweep:    DefaultTypingSweep,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = discardLogger()
	}
	if cfg.clock == nil {
		cfg.clock = SystemClock
	}
	return cfg
}
