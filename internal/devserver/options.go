package devserver

import (
	"net/http"
	"time"

	"github.com/HMasataka/quill/internal/eventbus"
	"github.com/HMasataka/quill/internal/logging"
	"github.com/HMasataka/quill/pkg/domain"
	"github.com/HMasataka/quill/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

// Authenticator maps a handshake token to the connecting user.
type Authenticator func(token string) (domain.User, error)

// Options represents dev server options
type Options struct {
	// Path is where the realtime endpoint is mounted; long-poll lives
	// under Path + "/poll".
	Path string

	Logger        *logging.Logger
	EventBus      eventbus.Bus
	Registry      *prometheus.Registry
	Authenticator Authenticator
	CheckOrigin   func(r *http.Request) bool

	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	PongWait         time.Duration
	PingInterval     time.Duration
	MaxMessageSize   int64
	SendBufferSize   int

	// PollWait is how long a GET is held open when nothing is queued.
	PollWait time.Duration
	// SessionTimeout closes long-poll sessions that stop polling.
	SessionTimeout time.Duration
}

// Option is a function that configures Options
type Option func(*Options)

// WithPath sets the mount point of the realtime endpoint
func WithPath(path string) Option {
	return func(o *Options) {
		o.Path = path
	}
}

// WithLogger sets the logger for the server
func WithLogger(logger *logging.Logger) Option {
	return func(o *Options) {
		o.Logger = logger
	}
}

// WithEventBus sets the bus session lifecycle events are published on
func WithEventBus(bus eventbus.Bus) Option {
	return func(o *Options) {
		o.EventBus = bus
	}
}

// WithRegistry sets the prometheus registry served on /metrics
func WithRegistry(reg *prometheus.Registry) Option {
	return func(o *Options) {
		o.Registry = reg
	}
}

// WithAuthenticator replaces the default token check
func WithAuthenticator(auth Authenticator) Option {
	return func(o *Options) {
		o.Authenticator = auth
	}
}

// WithPollWait sets how long an empty long-poll is held
func WithPollWait(d time.Duration) Option {
	return func(o *Options) {
		o.PollWait = d
	}
}

// WithSessionTimeout sets the idle limit for long-poll sessions
func WithSessionTimeout(d time.Duration) Option {
	return func(o *Options) {
		o.SessionTimeout = d
	}
}

// DefaultOptions returns default server options
func DefaultOptions() Options {
	return Options{
		Path:             "/socket",
		Authenticator:    TokenAuthenticator,
		CheckOrigin:      func(*http.Request) bool { return true },
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     10 * time.Second,
		PongWait:         60 * time.Second,
		PingInterval:     25 * time.Second,
		MaxMessageSize:   512 * 1024,
		SendBufferSize:   256,
		PollWait:         25 * time.Second,
		SessionTimeout:   60 * time.Second,
	}
}

// ErrTokenRequired is returned by TokenAuthenticator for an empty token.
var ErrTokenRequired = errors.New(errors.ErrorTypeUnauthorized, errors.CodeConnectError, "authentication required")

// TokenAuthenticator accepts any non-empty token and uses it as the user id.
func TokenAuthenticator(token string) (domain.User, error) {
	if token == "" {
		return domain.User{}, ErrTokenRequired
	}
	return domain.User{ID: token, Name: token}, nil
}
