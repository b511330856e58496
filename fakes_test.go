package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"nhooyr.io/websocket"
)

// ============================================================================
// Transport fakes
// ============================================================================

type fakeConn struct {
	in        chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	mu       sync.Mutex
	writes   [][]byte
	writeErr error
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan []byte, 16),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) Read(ctx context.Context) (websocket.MessageType, []byte, error) {
	select {
	case data := <-c.in:
		return websocket.MessageText, data, nil
	case <-c.closed:
		return 0, nil, errors.New("connection closed")
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	}
}

func (c *fakeConn) Write(_ context.Context, _ websocket.MessageType, p []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	c.writes = append(c.writes, append([]byte(nil), p...))
	return nil
}

func (c *fakeConn) Close(websocket.StatusCode, string) error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) push(v any) {
	var data []byte
	switch v := v.(type) {
	case string:
		data = []byte(v)
	default:
		data, _ = json.Marshal(v)
	}
	c.in <- data
}

// written decodes every frame written so far.
func (c *fakeConn) written() []map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]map[string]any, 0, len(c.writes))
	for _, w := range c.writes {
		var m map[string]any
		_ = json.Unmarshal(w, &m)
		out = append(out, m)
	}
	return out
}

func (c *fakeConn) countAction(action string) int {
	n := 0
	for _, w := range c.written() {
		if w["action"] == action {
			n++
		}
	}
	return n
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

type fakeDialer struct {
	mu    sync.Mutex
	urls  []string
	conns []*fakeConn // parallel to urls, nil for failed dials
	fails int         // dials to fail before succeeding
}

func (d *fakeDialer) dial(_ context.Context, url string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.urls = append(d.urls, url)
	if d.fails > 0 {
		d.fails--
		d.conns = append(d.conns, nil)
		return nil, errors.New("dial refused")
	}
	c := newFakeConn()
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.urls)
}

func (d *fakeDialer) last() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := len(d.conns) - 1; i >= 0; i-- {
		if d.conns[i] != nil {
			return d.conns[i]
		}
	}
	return nil
}

// connFor returns the latest connection whose URL contains path.
func (d *fakeDialer) connFor(path string) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := len(d.urls) - 1; i >= 0; i-- {
		if d.conns[i] != nil && strings.Contains(d.urls[i], path) {
			return d.conns[i]
		}
	}
	return nil
}

// ============================================================================
// Clock fakes
// ============================================================================

type manualClock struct {
	mu      sync.Mutex
	now     time.Time
	tickers []*manualTicker
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) NewTicker(time.Duration) Ticker {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &manualTicker{ch: make(chan time.Time, 1)}
	c.tickers = append(c.tickers, t)
	return t
}

func (c *manualClock) ticker(i int) *manualTicker {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tickers[i]
}

type manualTicker struct {
	ch      chan time.Time
	mu      sync.Mutex
	stopped bool
}

func (t *manualTicker) C() <-chan time.Time { return t.ch }

func (t *manualTicker) Stop() {
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()
}

func (t *manualTicker) isStopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

// tick delivers a tick even when stopped, like a tick already buffered
// in a real ticker's channel.
func (t *manualTicker) tick() {
	select {
	case t.ch <- time.Now():
	default:
	}
}

// ============================================================================
// Backend fake
// ============================================================================

type fakeBackend struct {
	mu sync.Mutex

	messages   map[ConversationKey][]Message
	fetchErr   error
	fetchCalls map[ConversationKey]int
	fetchGate  chan struct{}
	started    chan ConversationKey

	private, groups      []Conversation
	privateErr, groupErr error

	searchResults []SearchResult
	searchErr     error
	searchCalls   int

	pendingRequests []MessageRequest
	created         []createRequestBody
	createErr       error
	responded       map[string]bool

	uploadErr  error
	uploadGate chan struct{}
	uploads    int
}

var _ Backend = (*fakeBackend)(nil)

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		messages:   make(map[ConversationKey][]Message),
		fetchCalls: make(map[ConversationKey]int),
		started:    make(chan ConversationKey, 16),
		responded:  make(map[string]bool),
	}
}

func (b *fakeBackend) FetchMessages(ctx context.Context, key ConversationKey) ([]Message, error) {
	b.mu.Lock()
	b.fetchCalls[key]++
	gate := b.fetchGate
	msgs := cloneMessages(b.messages[key])
	err := b.fetchErr
	b.mu.Unlock()

	select {
	case b.started <- key:
	default:
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return msgs, nil
}

func (b *fakeBackend) calls(key ConversationKey) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.fetchCalls[key]
}

func (b *fakeBackend) ListPrivateConversations(context.Context) ([]Conversation, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Conversation(nil), b.private...), b.privateErr
}

func (b *fakeBackend) ListGroupConversations(context.Context) ([]Conversation, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Conversation(nil), b.groups...), b.groupErr
}

func (b *fakeBackend) Search(_ context.Context, _ string) ([]SearchResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.searchCalls++
	if b.searchErr != nil {
		return nil, b.searchErr
	}
	return append([]SearchResult(nil), b.searchResults...), nil
}

func (b *fakeBackend) CreateMessageRequest(_ context.Context, receiverID, content string) (*MessageRequest, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.createErr != nil {
		return nil, b.createErr
	}
	b.created = append(b.created, createRequestBody{ReceiverID: receiverID, Content: content})
	return &MessageRequest{ID: "req-1", From: User{ID: "me"}, To: User{ID: receiverID}, Content: content}, nil
}

func (b *fakeBackend) PendingRequests(context.Context) ([]MessageRequest, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]MessageRequest(nil), b.pendingRequests...), nil
}

func (b *fakeBackend) RespondRequest(_ context.Context, id string, accept bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.responded[id] = accept
	return nil
}

func (b *fakeBackend) UploadAttachment(ctx context.Context, f AttachmentFile, progress UploadProgress) (*Attachment, error) {
	b.mu.Lock()
	b.uploads++
	gate, err := b.uploadGate, b.uploadErr
	b.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	n := int64(len(f.Data))
	if progress != nil {
		progress(n/2, n)
		progress(n, n)
	}
	return &Attachment{ID: "att-" + f.Name, URL: "https://cdn.test/" + f.Name, Name: f.Name, MIME: "image/png"}, nil
}

// ============================================================================
// Channel sender fake
// ============================================================================

type sentPayload struct {
	kind    ChannelKind
	payload any
}

type recordingSender struct {
	mu   sync.Mutex
	open map[ChannelKind]bool
	sent []sentPayload
}

func newRecordingSender(open ...ChannelKind) *recordingSender {
	r := &recordingSender{open: make(map[ChannelKind]bool)}
	for _, k := range open {
		r.open[k] = true
	}
	return r
}

func (r *recordingSender) Send(_ context.Context, kind ChannelKind, payload any) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.open[kind] {
		return false
	}
	r.sent = append(r.sent, sentPayload{kind: kind, payload: payload})
	return true
}

func (r *recordingSender) payloads() []sentPayload {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]sentPayload(nil), r.sent...)
}

// ============================================================================
// Helpers
// ============================================================================

func nullLogger() (*logrus.Logger, *test.Hook) {
	return test.NewNullLogger()
}

func testConfig() Config {
	cfg := Config{
		Server: ServerConfig{BaseURL: "http://chat.test"},
		Auth:   AuthConfig{Token: "tok", UserID: "me", Username: "me"},
	}
	cfg.Realtime.ReconnectBaseDelay = Duration(time.Millisecond)
	cfg.Realtime.ReconnectMaxDelay = Duration(5 * time.Millisecond)
	return cfg.WithDefaults()
}

func confirmedMsg(id int64, key ConversationKey, sender, content string) Message {
	return Message{
		Ref:             ConfirmedRef(id),
		ConversationKey: key,
		Sender:          User{ID: sender, Username: sender},
		Content:         content,
	}
}

func ids(msgs []Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Ref.String()
	}
	return out
}
