package chatsync

import (
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

// Option configures the components of a session.
type Option func(*options)

type options struct {
	log        logrus.FieldLogger
	dial       Dialer
	clock      Clock
	httpClient *http.Client
}

func newOptions(opts []Option) *options {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if o.log == nil {
		o.log = logrus.StandardLogger()
	}
	if o.clock == nil {
		o.clock = realClock{}
	}
	if o.dial == nil {
		o.dial = WebsocketDialer()
	}
	return o
}

// WithLogger routes component logs to log.
func WithLogger(log logrus.FieldLogger) Option {
	return func(o *options) { o.log = log }
}

// WithDialer replaces the websocket dialer used to open channels.
func WithDialer(d Dialer) Option {
	return func(o *options) { o.dial = d }
}

// WithClock replaces the clock driving heartbeats and timestamps.
func WithClock(c Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithHTTPClient sets the client used for REST calls.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// ============================================================================
// Clock
// ============================================================================

// Ticker is the part of *time.Ticker a heartbeat needs.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// Clock provides time and tickers, so heartbeats can be driven by tests.
type Clock interface {
	Now() time.Time
	NewTicker(d time.Duration) Ticker
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) NewTicker(d time.Duration) Ticker {
	return &realTicker{t: time.NewTicker(d)}
}

type realTicker struct {
	t *time.Ticker
}

func (r *realTicker) C() <-chan time.Time { return r.t.C }
func (r *realTicker) Stop()               { r.t.Stop() }
