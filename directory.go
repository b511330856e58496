package chatsync

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// DirectoryBackend is the part of Backend the directory reads from.
type DirectoryBackend interface {
	ListPrivateConversations(ctx context.Context) ([]Conversation, error)
	ListGroupConversations(ctx context.Context) ([]Conversation, error)
	Search(ctx context.Context, query string) ([]SearchResult, error)
	PendingRequests(ctx context.Context) ([]MessageRequest, error)
	RespondRequest(ctx context.Context, requestID string, accept bool) error
}

// Directory is the merged, recency-sorted list of private and group
// conversations, plus search candidates and pending message requests.
type Directory struct {
	backend        DirectoryBackend
	self           string
	requestTimeout time.Duration
	resolveTimeout time.Duration
	clock          Clock
	log            logrus.FieldLogger

	mu         sync.Mutex
	convs      []Conversation
	candidates map[ConversationKey]SearchResult
	requests   map[string]MessageRequest
	pending    map[string]bool // peer ids with an open message request
	active     ConversationKey
	watchers   []func()
}

// NewDirectory creates an empty directory for the user self.
func NewDirectory(backend DirectoryBackend, self string, timeouts TimeoutConfig, opts ...Option) *Directory {
	o := newOptions(opts)
	if timeouts.Request <= 0 {
		timeouts.Request = Duration(DefaultRequestTimeout)
	}
	if timeouts.Resolve <= 0 {
		timeouts.Resolve = Duration(DefaultResolveTimeout)
	}
	return &Directory{
		backend:        backend,
		self:           self,
		requestTimeout: timeouts.Request.Std(),
		resolveTimeout: timeouts.Resolve.Std(),
		clock:          o.clock,
		log:            o.log.WithField("component", "directory"),
		candidates:     make(map[ConversationKey]SearchResult),
		requests:       make(map[string]MessageRequest),
		pending:        make(map[string]bool),
	}
}

// OnChange registers fn to run after the conversation list changes.
func (d *Directory) OnChange(fn func()) {
	d.mu.Lock()
	d.watchers = append(d.watchers, fn)
	d.mu.Unlock()
}

func (d *Directory) changed() {
	d.mu.Lock()
	ws := slices.Clone(d.watchers)
	d.mu.Unlock()
	for _, fn := range ws {
		fn()
	}
}

// ============================================================================
// Listing
// ============================================================================

// Refresh reloads the private and group listings concurrently and merges
// them, newest activity first. A failing listing keeps the conversations of
// that kind already known; its error is returned after the merge.
func (d *Directory) Refresh(ctx context.Context) ([]Conversation, error) {
	ctx, cancel := context.WithTimeout(ctx, d.requestTimeout)
	defer cancel()

	var (
		g                    errgroup.Group
		private, groups      []Conversation
		privateErr, groupErr error
	)
	g.Go(func() error {
		private, privateErr = d.backend.ListPrivateConversations(ctx)
		if privateErr != nil {
			privateErr = fmt.Errorf("list private conversations: %w", privateErr)
		}
		return privateErr
	})
	g.Go(func() error {
		groups, groupErr = d.backend.ListGroupConversations(ctx)
		if groupErr != nil {
			groupErr = fmt.Errorf("list group conversations: %w", groupErr)
		}
		return groupErr
	})
	// Both listings always run to completion; a failure only keeps the
	// previous conversations of its kind.
	if err := g.Wait(); err != nil {
		d.log.WithError(err).Warn("Conversation listing incomplete")
	}

	d.mu.Lock()
	listed := make(map[ConversationKey]bool, len(private)+len(groups))
	merged := make([]Conversation, 0, len(private)+len(groups))
	for _, list := range [][]Conversation{private, groups} {
		for _, c := range list {
			listed[c.Key()] = true
			if c.Key() == d.active {
				c.UnreadCount = 0
			}
			merged = append(merged, c)
		}
	}
	for _, c := range d.convs {
		if listed[c.Key()] {
			continue
		}
		keep := c.Local ||
			(privateErr != nil && c.Kind == KindPrivate) ||
			(groupErr != nil && c.Kind == KindGroup)
		if keep {
			merged = append(merged, c)
		}
	}
	d.convs = merged
	d.sortLocked()
	out := append([]Conversation(nil), d.convs...)
	d.mu.Unlock()

	d.changed()
	return out, errors.Join(privateErr, groupErr)
}

// sortLocked orders conversations by descending activity. A missing
// timestamp sorts as now, so a new local conversation stays on top.
func (d *Directory) sortLocked() {
	now := d.clock.Now()
	at := func(c *Conversation) time.Time {
		if c.LastActivityAt.IsZero() {
			return now
		}
		return c.LastActivityAt
	}
	sort.SliceStable(d.convs, func(i, j int) bool {
		return at(&d.convs[i]).After(at(&d.convs[j]))
	})
}

// Conversations returns the current list.
func (d *Directory) Conversations() []Conversation {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Conversation(nil), d.convs...)
}

// Get returns the conversation with the given key.
func (d *Directory) Get(key ConversationKey) (Conversation, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i := d.indexLocked(key); i >= 0 {
		return d.convs[i], true
	}
	return Conversation{}, false
}

func (d *Directory) indexLocked(key ConversationKey) int {
	for i := range d.convs {
		if d.convs[i].Key() == key {
			return i
		}
	}
	return -1
}

// ============================================================================
// Search and resolution
// ============================================================================

// Search looks up users and groups. Results are remembered as candidates
// for Resolve. On backend failure the result is empty.
func (d *Directory) Search(ctx context.Context, query string) ([]SearchResult, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return []SearchResult{}, nil
	}
	ctx, cancel := context.WithTimeout(ctx, d.requestTimeout)
	defer cancel()

	results, err := d.backend.Search(ctx, query)
	if err != nil {
		d.log.WithError(err).WithField("query", query).Warn("Search failed")
		return []SearchResult{}, err
	}
	d.remember(results)
	return results, nil
}

func (d *Directory) remember(results []SearchResult) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, r := range results {
		if id := r.CounterpartID(); id != "" {
			d.candidates[KeyFor(r.Kind, id)] = r
		}
	}
}

// Resolve finds the conversation an external reference (id or username)
// points to: a listed conversation, then a remembered candidate, then a
// search bounded by the resolve timeout. When all of these miss, a
// placeholder conversation is created from the identifier alone.
func (d *Directory) Resolve(ctx context.Context, kind ConversationKind, identifier string) (Conversation, error) {
	if !kind.Valid() {
		return Conversation{}, ErrUnknownKind
	}
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return Conversation{}, ErrNoConversation
	}

	d.mu.Lock()
	for _, c := range d.convs {
		if c.Kind == kind && conversationMatches(&c, identifier) {
			d.mu.Unlock()
			return c, nil
		}
	}
	var candidate *SearchResult
	for _, r := range d.candidates {
		if r.Kind == kind && resultMatches(r, identifier) {
			candidate = &r
			break
		}
	}
	d.mu.Unlock()
	if candidate != nil {
		return d.Start(*candidate), nil
	}

	sctx, cancel := context.WithTimeout(ctx, d.resolveTimeout)
	results, err := d.backend.Search(sctx, identifier)
	cancel()
	if err != nil {
		d.log.WithError(err).WithField("identifier", identifier).Warn("Resolve search failed, using placeholder")
	} else {
		d.remember(results)
		for _, r := range results {
			if r.Kind == kind && resultMatches(r, identifier) {
				return d.Start(r), nil
			}
		}
	}

	c := Conversation{ID: identifier, Kind: kind, Local: true, Placeholder: true}
	if kind == KindGroup {
		c.Group = &Group{ID: identifier, Name: identifier}
	} else {
		c.Peer = &User{ID: identifier, Username: identifier}
	}
	return d.insert(c), nil
}

func conversationMatches(c *Conversation, identifier string) bool {
	if c.CounterpartID() == identifier {
		return true
	}
	return c.Peer != nil && strings.EqualFold(c.Peer.Username, identifier)
}

func resultMatches(r SearchResult, identifier string) bool {
	if r.CounterpartID() == identifier {
		return true
	}
	return r.User != nil && strings.EqualFold(r.User.Username, identifier)
}

// Start returns the conversation for a search result, creating a local one
// when the backend has not listed it.
func (d *Directory) Start(r SearchResult) Conversation {
	c := Conversation{ID: r.CounterpartID(), Kind: r.Kind, Local: true}
	if r.Kind == KindGroup {
		c.Group = r.Group
	} else {
		c.Peer = r.User
	}
	return d.insert(c)
}

// Add lists c as a local conversation unless its key is listed already, and
// returns the stored conversation.
func (d *Directory) Add(c Conversation) Conversation {
	c.Local = true
	return d.insert(c)
}

// insert adds c unless a conversation with its key exists, and returns the
// stored conversation.
func (d *Directory) insert(c Conversation) Conversation {
	d.mu.Lock()
	if i := d.indexLocked(c.Key()); i >= 0 {
		existing := d.convs[i]
		d.mu.Unlock()
		return existing
	}
	d.convs = append(d.convs, c)
	d.sortLocked()
	d.mu.Unlock()
	d.changed()
	return c
}

// ============================================================================
// Activity
// ============================================================================

// SetActive marks key as the conversation on screen and clears its unread
// count.
func (d *Directory) SetActive(key ConversationKey) {
	d.mu.Lock()
	d.active = key
	d.mu.Unlock()
	d.MarkRead(key)
}

// Active returns the conversation on screen.
func (d *Directory) Active() ConversationKey {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active
}

// MarkRead clears the unread count of key.
func (d *Directory) MarkRead(key ConversationKey) {
	d.mu.Lock()
	i := d.indexLocked(key)
	if i < 0 || d.convs[i].UnreadCount == 0 {
		d.mu.Unlock()
		return
	}
	d.convs[i].UnreadCount = 0
	d.mu.Unlock()
	d.changed()
}

// Touch records msg as the latest activity of its conversation. The unread
// count grows for messages from others to a conversation that is not on
// screen. Unknown conversations are added as local ones.
func (d *Directory) Touch(msg Message) {
	key := msg.ConversationKey
	at := msg.CreatedAt
	if at.IsZero() {
		at = d.clock.Now()
	}

	d.mu.Lock()
	i := d.indexLocked(key)
	if i < 0 {
		c := Conversation{ID: key.CounterpartID(), Kind: key.Kind(), Local: true}
		if c.Kind == KindGroup {
			c.Group = &Group{ID: c.ID}
		} else if msg.Sender.ID == c.ID {
			sender := msg.Sender
			c.Peer = &sender
		} else {
			c.Peer = &User{ID: c.ID}
		}
		d.convs = append(d.convs, c)
		i = len(d.convs) - 1
	}
	c := &d.convs[i]
	c.LastMessagePreview = previewOf(msg)
	c.LastActivityAt = at
	if key != d.active && msg.Sender.ID != d.self {
		c.UnreadCount++
	}
	d.sortLocked()
	d.mu.Unlock()
	d.changed()
}

func previewOf(msg Message) string {
	if msg.Content != "" {
		return msg.Content
	}
	if len(msg.Attachments) > 0 {
		return "[" + msg.Attachments[0].Name + "]"
	}
	return ""
}

// ============================================================================
// Message requests
// ============================================================================

// LoadPending reloads the pending message requests.
func (d *Directory) LoadPending(ctx context.Context) ([]MessageRequest, error) {
	ctx, cancel := context.WithTimeout(ctx, d.requestTimeout)
	defer cancel()

	reqs, err := d.backend.PendingRequests(ctx)
	if err != nil {
		d.log.WithError(err).Warn("Loading message requests failed")
		return []MessageRequest{}, err
	}

	d.mu.Lock()
	d.requests = make(map[string]MessageRequest, len(reqs))
	for _, r := range reqs {
		d.requests[r.ID] = r
		d.pending[d.peerOf(r)] = true
	}
	d.mu.Unlock()
	return reqs, nil
}

// Requests returns the pending message requests.
func (d *Directory) Requests() []MessageRequest {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]MessageRequest, 0, len(d.requests))
	for _, r := range d.requests {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Respond accepts or rejects a message request.
func (d *Directory) Respond(ctx context.Context, requestID string, accept bool) error {
	ctx, cancel := context.WithTimeout(ctx, d.requestTimeout)
	defer cancel()

	if err := d.backend.RespondRequest(ctx, requestID, accept); err != nil {
		d.log.WithError(err).WithField("request", requestID).Warn("Responding to message request failed")
		return err
	}
	d.mu.Lock()
	if r, ok := d.requests[requestID]; ok {
		delete(d.requests, requestID)
		delete(d.pending, d.peerOf(r))
	}
	d.mu.Unlock()
	return nil
}

// MarkPending records an outbound message request to peerID.
func (d *Directory) MarkPending(peerID string) {
	d.mu.Lock()
	d.pending[peerID] = true
	d.mu.Unlock()
}

// IsPending reports whether a message request with peerID is open.
func (d *Directory) IsPending(peerID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending[peerID]
}

// peerOf returns the other side of a request.
func (d *Directory) peerOf(r MessageRequest) string {
	if r.From.ID == d.self {
		return r.To.ID
	}
	return r.From.ID
}
