package leanrepl

import (
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/leanprover-tools/lean-repl-sdk-go/internal/session"
)

// Defaults applied by NewAutoServer.
const (
	// DefaultMaxSystemMemory restarts the REPL when system-wide memory
	// usage crosses this fraction.
	DefaultMaxSystemMemory = 0.8

	// DefaultMaxProcessMemory restarts the REPL when its process tree
	// crosses this fraction of the configured memory hard limit.
	DefaultMaxProcessMemory = 0.8

	// DefaultMaxRestartAttempts bounds consecutive crash-retry cycles for
	// a single request before the failure is surfaced.
	DefaultMaxRestartAttempts = 5

	// DefaultCacheMaxEntries bounds the session cache; the oldest pinned
	// state is evicted when exceeded.
	DefaultCacheMaxEntries = 32
)

// Option configures a Server or AutoServer using the functional options
// pattern.
type Option func(*serverOptions)

type serverOptions struct {
	logger         *slog.Logger
	defaultTimeout time.Duration
	defaultOptions Options

	// AutoServer only.
	maxSystemMemory    float64
	maxProcessMemory   float64
	maxRestartAttempts int
	sessionStore       session.Store
	cacheMaxEntries    int
	cacheTTL           time.Duration
}

func applyOptions(opts []Option) *serverOptions {
	options := &serverOptions{
		maxSystemMemory:    DefaultMaxSystemMemory,
		maxProcessMemory:   DefaultMaxProcessMemory,
		maxRestartAttempts: DefaultMaxRestartAttempts,
		cacheMaxEntries:    DefaultCacheMaxEntries,
	}

	for _, opt := range opts {
		opt(options)
	}

	if options.logger == nil {
		options.logger = NopLogger()
	}

	return options
}

// WithLogger sets the logger for operational output.
// If not set, logging is disabled (silent operation).
func WithLogger(logger *slog.Logger) Option {
	return func(o *serverOptions) {
		o.logger = logger
	}
}

// WithDefaultTimeout bounds each REPL exchange. Zero (the default) waits
// indefinitely. The bound covers a single write/read round trip, not any
// restart and replay it may trigger.
func WithDefaultTimeout(timeout time.Duration) Option {
	return func(o *serverOptions) {
		o.defaultTimeout = timeout
	}
}

// WithDefaultOptions sets elaborator options applied to every command.
// Per-request options are overlaid on these, request entries winning.
func WithDefaultOptions(options Options) Option {
	return func(o *serverOptions) {
		o.defaultOptions = options
	}
}

// WithMaxSystemMemory sets the system-wide memory fraction that triggers a
// deferred restart. Zero disables the check.
func WithMaxSystemMemory(fraction float64) Option {
	return func(o *serverOptions) {
		o.maxSystemMemory = fraction
	}
}

// WithMaxProcessMemory sets the fraction of the memory hard limit the REPL
// process tree may use before a deferred restart. Only effective when
// Config.MemoryHardLimitMB is set. Zero disables the check.
func WithMaxProcessMemory(fraction float64) Option {
	return func(o *serverOptions) {
		o.maxProcessMemory = fraction
	}
}

// WithMaxRestartAttempts bounds consecutive restart attempts for one
// request.
func WithMaxRestartAttempts(attempts int) Option {
	return func(o *serverOptions) {
		o.maxRestartAttempts = attempts
	}
}

// WithSessionStore overrides where pinned session artifacts live. The
// default is a file store under the project working directory.
func WithSessionStore(store SessionStore) Option {
	return func(o *serverOptions) {
		o.sessionStore = store
	}
}

// WithRedisSessionStore keeps pinned session artifacts in Redis so that
// servers on several machines can share one cache. The client is owned by
// the caller.
func WithRedisSessionStore(client redis.UniversalClient, keyPrefix string) Option {
	return func(o *serverOptions) {
		o.sessionStore = session.NewRedisStore(client, keyPrefix, "")
	}
}

// WithCacheMaxEntries bounds the session cache size; oldest entries are
// evicted first. Zero disables the bound.
func WithCacheMaxEntries(n int) Option {
	return func(o *serverOptions) {
		o.cacheMaxEntries = n
	}
}

// WithCacheTTL expires pinned states after the given age. Expiry is lazy:
// an expired state is dropped when next accessed or replayed. Zero (the
// default) disables expiry.
func WithCacheTTL(ttl time.Duration) Option {
	return func(o *serverOptions) {
		o.cacheTTL = ttl
	}
}

// RunOption configures a single Run call.
type RunOption func(*runSettings)

type runSettings struct {
	pin     bool
	timeout time.Duration
}

func applyRunOptions(defaults *serverOptions, opts []RunOption) runSettings {
	settings := runSettings{timeout: defaults.defaultTimeout}

	for _, opt := range opts {
		opt(&settings)
	}

	return settings
}

// WithPin marks the request's resulting environment or proof state as
// must-survive: it is pickled to the session store and replayed after every
// restart. The response's minted id becomes a negative session id usable as
// a parent on later requests.
func WithPin() RunOption {
	return func(s *runSettings) {
		s.pin = true
	}
}

// WithTimeout overrides the server's default timeout for this request.
func WithTimeout(timeout time.Duration) RunOption {
	return func(s *runSettings) {
		s.timeout = timeout
	}
}
