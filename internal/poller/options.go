package poller

import (
	"log/slog"
	"net/http"
	"time"
)

// Polling defaults.
const (
	DefaultInitialDelay   = 10 * time.Second
	DefaultTargetDelay    = 60 * time.Second
	DefaultMinDelay       = 3 * time.Second
	DefaultInFlightRetry  = time.Second
	DefaultRequestTimeout = 30 * time.Second
)

// Timer is the handle returned by a Scheduler.
type Timer interface {
	Stop() bool
}

// Scheduler runs f once after d.
type Scheduler func(d time.Duration, f func()) Timer

func realScheduler(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

type options struct {
	httpClient     *http.Client
	logger         *slog.Logger
	initialDelay   time.Duration
	targetDelay    time.Duration
	minDelay       time.Duration
	inFlightRetry  time.Duration
	requestTimeout time.Duration
	schedule       Scheduler
	token          string
}

func defaultOptions() options {
	return options{
		httpClient:     &http.Client{},
		logger:         slog.Default(),
		initialDelay:   DefaultInitialDelay,
		targetDelay:    DefaultTargetDelay,
		minDelay:       DefaultMinDelay,
		inFlightRetry:  DefaultInFlightRetry,
		requestTimeout: DefaultRequestTimeout,
		schedule:       realScheduler,
	}
}

// Option configures a Client and the connections it creates.
type Option func(*options)

// WithHTTPClient sets the client used for every fetch.
func WithHTTPClient(client *http.Client) Option {
	return func(o *options) {
		if client != nil {
			o.httpClient = client
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithDelays overrides the initial, target and minimum polling delays. Zero
// values keep the defaults.
func WithDelays(initial, target, minimum time.Duration) Option {
	return func(o *options) {
		if initial > 0 {
			o.initialDelay = initial
		}
		if target > 0 {
			o.targetDelay = target
		}
		if minimum > 0 {
			o.minDelay = minimum
		}
	}
}

// WithInFlightRetry sets how long a tick waits when a fetch is outstanding.
func WithInFlightRetry(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.inFlightRetry = d
		}
	}
}

// WithRequestTimeout bounds every fetch.
func WithRequestTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.requestTimeout = d
		}
	}
}

// WithScheduler replaces time.AfterFunc.
func WithScheduler(s Scheduler) Option {
	return func(o *options) {
		if s != nil {
			o.schedule = s
		}
	}
}

// WithBearerToken sends token in the Authorization header of every request.
func WithBearerToken(token string) Option {
	return func(o *options) {
		o.token = token
	}
}
