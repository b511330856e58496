package chatsync

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"nhooyr.io/websocket"
)

// ============================================================================
// Transport
// ============================================================================

// Conn is the part of *websocket.Conn a channel uses.
type Conn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// Dialer opens the transport behind a channel.
type Dialer func(ctx context.Context, url string) (Conn, error)

const channelReadLimit = 1 << 20

// WebsocketDialer dials channels with nhooyr.io/websocket.
func WebsocketDialer() Dialer {
	return func(ctx context.Context, url string) (Conn, error) {
		conn, _, err := websocket.Dial(ctx, url, nil)
		if err != nil {
			return nil, fmt.Errorf("websocket dial: %w", err)
		}
		conn.SetReadLimit(channelReadLimit)
		return conn, nil
	}
}

// ============================================================================
// Channel
// ============================================================================

// ChannelState is the lifecycle state of a channel.
type ChannelState int

const (
	StateClosed ChannelState = iota
	StateConnecting
	StateOpen
	StateClosing
)

func (s ChannelState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	}
	return fmt.Sprintf("ChannelState(%d)", int(s))
}

// Channel is one live connection for a channel kind. It owns the open/close
// lifecycle and the heartbeat; it never reconnects on its own.
type Channel struct {
	kind      ChannelKind
	url       string
	heartbeat time.Duration
	dial      Dialer
	clock     Clock
	log       logrus.FieldLogger
	deliver   func(Event)
	onState   func(ChannelKind, ChannelState)

	mu     sync.Mutex
	state  ChannelState
	conn   Conn
	ticker Ticker
	cancel context.CancelFunc
}

func newChannel(kind ChannelKind, url string, heartbeat time.Duration, o *options) *Channel {
	return &Channel{
		kind:      kind,
		url:       url,
		heartbeat: heartbeat,
		dial:      o.dial,
		clock:     o.clock,
		log:       o.log.WithFields(logrus.Fields{"component": "channel", "channel": kind}),
		deliver:   func(Event) {},
		onState:   func(ChannelKind, ChannelState) {},
	}
}

// Kind returns the channel kind.
func (c *Channel) Kind() ChannelKind { return c.kind }

// State returns the current lifecycle state.
func (c *Channel) State() ChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Channel) setState(s ChannelState) {
	c.state = s
}

// Open dials the channel and starts its read loop and heartbeat. Opening an
// open or connecting channel is a no-op.
func (c *Channel) Open(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateClosed {
		c.mu.Unlock()
		return nil
	}
	c.setState(StateConnecting)
	c.mu.Unlock()
	c.onState(c.kind, StateConnecting)

	conn, err := c.dial(ctx, c.url)
	if err != nil {
		c.mu.Lock()
		c.setState(StateClosed)
		c.mu.Unlock()
		c.onState(c.kind, StateClosed)
		c.log.WithError(err).Warn("Channel open failed")
		return err
	}

	c.mu.Lock()
	if c.state != StateConnecting {
		// Closed while dialing.
		c.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "closed while connecting")
		return fmt.Errorf("%w: closed while connecting", ErrChannelNotOpen)
	}
	runCtx, cancel := context.WithCancel(context.Background())
	ticker := c.clock.NewTicker(c.heartbeat)
	c.conn = conn
	c.ticker = ticker
	c.cancel = cancel
	c.setState(StateOpen)
	c.mu.Unlock()

	c.log.Info("Channel open")
	c.onState(c.kind, StateOpen)

	go c.readLoop(runCtx, conn)
	go c.heartbeatLoop(runCtx, ticker)
	return nil
}

// Send writes payload as one JSON text frame. It returns false, without
// queueing, when the channel is not open or the write fails.
func (c *Channel) Send(ctx context.Context, payload any) bool {
	c.mu.Lock()
	state, conn := c.state, c.conn
	c.mu.Unlock()

	if state != StateOpen || conn == nil {
		c.log.WithField("state", state).Warn("Send on channel that is not open")
		return false
	}

	data, err := json.Marshal(payload)
	if err != nil {
		c.log.WithError(err).Error("Cannot encode payload")
		return false
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		c.log.WithError(err).Warn("Channel write failed")
		c.fail(conn, err)
		return false
	}
	return true
}

// Close stops the heartbeat and closes the transport. Closing a closed
// channel is a no-op.
func (c *Channel) Close() {
	c.mu.Lock()
	if c.state == StateClosed || c.state == StateClosing {
		c.mu.Unlock()
		return
	}
	conn := c.teardownLocked()
	c.setState(StateClosing)
	c.mu.Unlock()
	c.onState(c.kind, StateClosing)

	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "client close")
	}

	c.mu.Lock()
	c.setState(StateClosed)
	c.mu.Unlock()
	c.log.Info("Channel closed")
	c.onState(c.kind, StateClosed)
}

// teardownLocked stops the heartbeat and read loop and detaches the
// transport. c.mu must be held.
func (c *Channel) teardownLocked() Conn {
	if c.ticker != nil {
		c.ticker.Stop()
		c.ticker = nil
	}
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	conn := c.conn
	c.conn = nil
	return conn
}

// fail handles a transport error on conn. Errors from a transport that has
// already been replaced or closed are ignored.
func (c *Channel) fail(conn Conn, err error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.teardownLocked()
	c.setState(StateClosed)
	c.mu.Unlock()

	conn.Close(websocket.StatusGoingAway, "transport error")
	c.log.WithError(err).Warn("Channel closed by transport error")
	c.onState(c.kind, StateClosed)
}

func (c *Channel) readLoop(ctx context.Context, conn Conn) {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			c.fail(conn, err)
			return
		}
		if typ != websocket.MessageText {
			continue
		}

		ev, err := decodeEvent(c.kind, data)
		if err != nil {
			c.log.WithError(err).Debug("Dropping unparseable frame")
			continue
		}
		if ev.isPong() {
			c.log.Debug("Pong")
			continue
		}
		c.deliver(ev)
	}
}

func (c *Channel) heartbeatLoop(ctx context.Context, ticker Ticker) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			c.mu.Lock()
			live := c.state == StateOpen && c.ticker == ticker
			c.mu.Unlock()
			if !live {
				return
			}
			c.Send(ctx, pingPayload{Action: ActionPing})
		}
	}
}

// ============================================================================
// Open retry
// ============================================================================

// backoff computes exponential retry delays with jitter.
type backoff struct {
	base    time.Duration
	max     time.Duration
	attempt int
}

func (b *backoff) next() time.Duration {
	jitter := time.Duration(rand.Float64() * float64(b.base) * 0.5)
	delay := time.Duration(math.Min(
		float64(b.base)*math.Pow(2, float64(b.attempt))+float64(jitter),
		float64(b.max),
	))
	b.attempt++
	return delay
}
