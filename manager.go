package chatsync

import (
	"context"
	"fmt"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Handler receives inbound channel events.
type Handler func(Event)

// OpenParams parameterizes a channel URL.
type OpenParams struct {
	GroupID string // required for the group channel
}

type handlerEntry struct {
	id int
	fn Handler
}

// Manager owns at most one Channel per ChannelKind, fans inbound events out
// to registered handlers and guards outbound sends.
type Manager struct {
	wsBase       string
	token        string
	heartbeat    time.Duration
	openAttempts int
	retryBase    time.Duration
	retryMax     time.Duration
	opts         *options
	log          logrus.FieldLogger

	mu       sync.Mutex
	channels map[ChannelKind]*Channel
	params   map[ChannelKind]OpenParams
	handlers map[ChannelKind][]handlerEntry
	watchers []func(ChannelKind, ChannelState)
	nextID   int
}

// NewManager creates a manager for the credential and server in cfg.
func NewManager(cfg Config, opts ...Option) *Manager {
	cfg.defaults()
	o := newOptions(opts)
	return newManager(cfg, o)
}

func newManager(cfg Config, o *options) *Manager {
	base := strings.TrimRight(cfg.Server.BaseURL, "/")
	base = strings.Replace(base, "https://", "wss://", 1)
	base = strings.Replace(base, "http://", "ws://", 1)
	return &Manager{
		wsBase:       base,
		token:        cfg.Auth.Token,
		heartbeat:    cfg.Realtime.HeartbeatInterval.Std(),
		openAttempts: cfg.Realtime.OpenAttempts,
		retryBase:    cfg.Realtime.ReconnectBaseDelay.Std(),
		retryMax:     cfg.Realtime.ReconnectMaxDelay.Std(),
		opts:         o,
		log:          o.log.WithField("component", "manager"),
		channels:     make(map[ChannelKind]*Channel),
		params:       make(map[ChannelKind]OpenParams),
		handlers:     make(map[ChannelKind][]handlerEntry),
	}
}

// URL returns the endpoint of a channel kind, with the credential appended.
func (m *Manager) URL(kind ChannelKind, params OpenParams) (string, error) {
	var path string
	switch kind {
	case ChannelPrivate:
		path = "/ws/chat/private/"
	case ChannelGroup:
		if params.GroupID == "" {
			return "", fmt.Errorf("group channel needs a group id")
		}
		path = "/ws/chat/group/" + url.PathEscape(params.GroupID) + "/"
	case ChannelNotifications:
		path = "/ws/notifications/"
	default:
		return "", fmt.Errorf("unknown channel kind %q", kind)
	}
	return m.wsBase + path + "?token=" + url.QueryEscape(m.token), nil
}

// Open opens the channel of the given kind and returns it. An open channel
// with the same params is returned as is; a group channel bound to another
// group is closed first.
func (m *Manager) Open(ctx context.Context, kind ChannelKind, params OpenParams) (*Channel, error) {
	if err := checkCredential(m.token, m.opts.clock.Now()); err != nil {
		return nil, err
	}
	u, err := m.URL(kind, params)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	prev := m.channels[kind]
	if prev != nil && m.params[kind] == params && prev.State() != StateClosed {
		m.mu.Unlock()
		return prev, nil
	}
	ch := newChannel(kind, u, m.heartbeat, m.opts)
	groupID := params.GroupID
	ch.deliver = func(ev Event) {
		ev.GroupID = groupID
		m.dispatch(kind, ev)
	}
	ch.onState = m.notifyState
	m.channels[kind] = ch
	m.params[kind] = params
	m.mu.Unlock()

	if prev != nil {
		prev.Close()
	}
	if err := ch.Open(ctx); err != nil {
		return nil, err
	}
	return ch, nil
}

// OpenWithRetry is Open with bounded exponential backoff on dial failures.
// Precondition errors are not retried.
func (m *Manager) OpenWithRetry(ctx context.Context, kind ChannelKind, params OpenParams) (*Channel, error) {
	b := &backoff{base: m.retryBase, max: m.retryMax}
	var lastErr error
	for attempt := 1; attempt <= m.openAttempts; attempt++ {
		ch, err := m.Open(ctx, kind, params)
		if err == nil {
			return ch, nil
		}
		lastErr = err
		if isPrecondition(err) || attempt == m.openAttempts {
			break
		}
		delay := b.next()
		m.log.WithFields(logrus.Fields{
			"channel": kind,
			"attempt": attempt,
			"delay":   delay,
		}).Warn("Channel open failed, retrying")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	return nil, lastErr
}

// Send sends payload on the channel of the given kind. It reports false when
// no such channel is open.
func (m *Manager) Send(ctx context.Context, kind ChannelKind, payload any) bool {
	m.mu.Lock()
	ch := m.channels[kind]
	m.mu.Unlock()
	if ch == nil {
		m.log.WithField("channel", kind).Warn("Send on channel that was never opened")
		return false
	}
	return ch.Send(ctx, payload)
}

// Close closes the channel of the given kind.
func (m *Manager) Close(kind ChannelKind) {
	m.mu.Lock()
	ch := m.channels[kind]
	delete(m.channels, kind)
	delete(m.params, kind)
	m.mu.Unlock()
	if ch != nil {
		ch.Close()
	}
}

// CloseAll closes every channel.
func (m *Manager) CloseAll() {
	for _, kind := range []ChannelKind{ChannelPrivate, ChannelGroup, ChannelNotifications} {
		m.Close(kind)
	}
}

// State returns the state of the channel of the given kind.
func (m *Manager) State(kind ChannelKind) ChannelState {
	m.mu.Lock()
	ch := m.channels[kind]
	m.mu.Unlock()
	if ch == nil {
		return StateClosed
	}
	return ch.State()
}

// GroupID returns the group the group channel is bound to.
func (m *Manager) GroupID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.params[ChannelGroup].GroupID
}

// OnEvent registers h for inbound events of a channel kind and returns a
// function that removes it.
func (m *Manager) OnEvent(kind ChannelKind, h Handler) (remove func()) {
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.handlers[kind] = append(m.handlers[kind], handlerEntry{id: id, fn: h})
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		hs := m.handlers[kind]
		for i, e := range hs {
			if e.id == id {
				m.handlers[kind] = append(hs[:i:i], hs[i+1:]...)
				return
			}
		}
	}
}

// OnStateChange registers fn for channel state transitions.
func (m *Manager) OnStateChange(fn func(ChannelKind, ChannelState)) {
	m.mu.Lock()
	m.watchers = append(m.watchers, fn)
	m.mu.Unlock()
}

// dispatch runs every handler for kind, in registration order, on the read
// loop of the channel. A panicking handler is logged and skipped.
func (m *Manager) dispatch(kind ChannelKind, ev Event) {
	m.mu.Lock()
	hs := append([]handlerEntry(nil), m.handlers[kind]...)
	m.mu.Unlock()

	for _, h := range hs {
		m.safeCall(kind, ev, h.fn)
	}
}

func (m *Manager) safeCall(kind ChannelKind, ev Event, h Handler) {
	defer func() {
		if r := recover(); r != nil {
			m.log.WithFields(logrus.Fields{
				"channel": kind,
				"type":    ev.Type,
				"panic":   r,
			}).Error("Event handler panicked")
		}
	}()
	h(ev)
}

func (m *Manager) notifyState(kind ChannelKind, s ChannelState) {
	m.mu.Lock()
	ws := slices.Clone(m.watchers)
	m.mu.Unlock()
	for _, fn := range ws {
		fn(kind, s)
	}
}

func isPrecondition(err error) bool {
	return errorsIsAny(err, ErrMissingCredential, ErrCredentialExpired)
}
