package chatsync

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// MessageFetcher loads the message history of one conversation.
type MessageFetcher interface {
	FetchMessages(ctx context.Context, key ConversationKey) ([]Message, error)
}

type cacheEntry struct {
	messages []Message
	// stale is set by Invalidate: the next Fetch goes to the backend.
	stale bool
	// prefetched is set until the entry is returned by Fetch.
	prefetched bool
	// synthetic is set while the entry only holds messages added by Append.
	synthetic bool
	// live holds confirmed ids that arrived after the last server snapshot.
	live map[int64]bool
}

func (e *cacheEntry) markLive(id int64) {
	if e.live == nil {
		e.live = make(map[int64]bool)
	}
	e.live[id] = true
}

// MessageCache holds the message list of every conversation seen in a
// session. Each key has at most one backend fetch in flight, and every
// mutation of an entry is applied under a single lock.
type MessageCache struct {
	fetcher MessageFetcher
	timeout time.Duration
	log     logrus.FieldLogger
	flight  singleflight.Group

	mu          sync.Mutex
	entries     map[ConversationKey]*cacheEntry
	gens        map[ConversationKey]uint64
	prefetching map[ConversationKey]bool
	watchers    []func(ConversationKey)
}

// NewMessageCache creates an empty cache backed by fetcher. Each backend
// fetch is bounded by timeout.
func NewMessageCache(fetcher MessageFetcher, timeout time.Duration, opts ...Option) *MessageCache {
	o := newOptions(opts)
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	return &MessageCache{
		fetcher:     fetcher,
		timeout:     timeout,
		log:         o.log.WithField("component", "cache"),
		entries:     make(map[ConversationKey]*cacheEntry),
		gens:        make(map[ConversationKey]uint64),
		prefetching: make(map[ConversationKey]bool),
	}
}

// OnChange registers fn to run after any entry changes.
func (c *MessageCache) OnChange(fn func(ConversationKey)) {
	c.mu.Lock()
	c.watchers = append(c.watchers, fn)
	c.mu.Unlock()
}

func (c *MessageCache) changed(key ConversationKey) {
	c.mu.Lock()
	ws := slices.Clone(c.watchers)
	c.mu.Unlock()
	for _, fn := range ws {
		fn(key)
	}
}

// ============================================================================
// Fetch / Prefetch
// ============================================================================

// Fetch returns the message list for key, loading it from the backend when
// the key is not cached or was invalidated. On backend failure the returned
// list is empty (or the last known list) and err says why.
func (c *MessageCache) Fetch(ctx context.Context, key ConversationKey) ([]Message, error) {
	c.mu.Lock()
	if e := c.entries[key]; e != nil && !e.stale {
		e.prefetched = false
		msgs := cloneMessages(e.messages)
		c.mu.Unlock()
		c.log.WithField("key", key).Debug("Cache hit")
		return msgs, nil
	}
	c.mu.Unlock()

	err := c.load(ctx, key, false)
	if err != nil {
		c.log.WithError(err).WithField("key", key).Warn("Message fetch failed")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entries[key]
	if e == nil {
		return []Message{}, err
	}
	if err == nil {
		e.prefetched = false
	}
	return cloneMessages(e.messages), err
}

// Prefetch loads key in the background unless it is cached or already being
// prefetched. Failures are logged and not retried.
func (c *MessageCache) Prefetch(key ConversationKey) {
	c.mu.Lock()
	if e := c.entries[key]; (e != nil && !e.stale) || c.prefetching[key] {
		c.mu.Unlock()
		return
	}
	c.prefetching[key] = true
	c.mu.Unlock()

	go func() {
		err := c.load(context.Background(), key, true)
		c.mu.Lock()
		delete(c.prefetching, key)
		c.mu.Unlock()
		if err != nil {
			c.log.WithError(err).WithField("key", key).Warn("Prefetch failed")
		}
	}()
}

// load runs at most one backend fetch per key; concurrent callers share it.
// A result that arrives after the key was invalidated is discarded.
func (c *MessageCache) load(ctx context.Context, key ConversationKey, prefetch bool) error {
	ch := c.flight.DoChan(string(key), func() (any, error) {
		c.mu.Lock()
		gen := c.gens[key]
		c.mu.Unlock()

		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
		msgs, err := c.fetcher.FetchMessages(fctx, key)
		cancel()
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		if c.gens[key] != gen {
			c.mu.Unlock()
			c.log.WithField("key", key).Debug("Discarding superseded fetch")
			return nil, ErrSuperseded
		}
		c.storeLocked(key, msgs, prefetch)
		c.mu.Unlock()
		c.changed(key)
		return nil, nil
	})

	select {
	case r := <-ch:
		return r.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// storeLocked replaces the entry for key with a server snapshot. Provisional
// messages and confirmed messages that arrived after the previous snapshot
// are kept at the end when the snapshot does not list them.
func (c *MessageCache) storeLocked(key ConversationKey, server []Message, prefetch bool) {
	merged := make([]Message, 0, len(server))
	for _, m := range server {
		m = m.clone()
		m.ConversationKey = key
		merged = append(merged, m)
	}
	if prev := c.entries[key]; prev != nil {
		for _, m := range prev.messages {
			keep := m.IsProvisional() || prev.live[m.ID()]
			if keep && indexOfRef(merged, m.Ref) < 0 {
				merged = append(merged, m)
			}
		}
	}
	c.entries[key] = &cacheEntry{messages: merged, prefetched: prefetch}
}

// ============================================================================
// Invalidation
// ============================================================================

// Invalidate drops the cached snapshot of key: the next Fetch or Prefetch
// goes to the backend and any fetch already in flight is discarded.
// Provisional messages survive until their echo or rollback.
func (c *MessageCache) Invalidate(key ConversationKey) {
	c.mu.Lock()
	c.gens[key]++
	if e := c.entries[key]; e != nil {
		e.stale = true
	}
	c.mu.Unlock()
	c.flight.Forget(string(key))
}

// Clear removes key entirely.
func (c *MessageCache) Clear(key ConversationKey) {
	c.mu.Lock()
	c.gens[key]++
	delete(c.entries, key)
	c.mu.Unlock()
	c.flight.Forget(string(key))
	c.changed(key)
}

// Reset removes every entry.
func (c *MessageCache) Reset() {
	c.mu.Lock()
	keys := make([]ConversationKey, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	c.mu.Unlock()
	for _, k := range keys {
		c.Clear(k)
	}
}

// ============================================================================
// Reads
// ============================================================================

// Peek returns the cached list for key without fetching.
func (c *MessageCache) Peek(key ConversationKey) ([]Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entries[key]
	if e == nil {
		return nil, false
	}
	return cloneMessages(e.messages), true
}

// Len returns the number of messages cached for key.
func (c *MessageCache) Len(key ConversationKey) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e := c.entries[key]; e != nil {
		return len(e.messages)
	}
	return 0
}

// IsPrefetched reports whether key was loaded speculatively and not yet
// returned by Fetch.
func (c *MessageCache) IsPrefetched(key ConversationKey) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entries[key]
	return e != nil && e.prefetched
}

// ============================================================================
// Mutations
// ============================================================================

// Append adds msg to the end of key's list. A confirmed message whose id is
// already listed replaces that entry instead, and Append reports false.
func (c *MessageCache) Append(key ConversationKey, msg Message) bool {
	msg = msg.clone()
	msg.ConversationKey = key

	c.mu.Lock()
	e := c.entries[key]
	if e == nil {
		// Not loaded yet: keep the message but make the next Fetch go to
		// the backend for the rest of the history.
		e = &cacheEntry{stale: true, synthetic: true}
		c.entries[key] = e
	}
	if id, ok := msg.Ref.ID(); ok {
		e.markLive(id)
	}
	added := true
	if i := indexOfRef(e.messages, msg.Ref); i >= 0 && !msg.IsProvisional() {
		e.messages[i] = msg
		added = false
	} else {
		e.messages = append(e.messages, msg)
	}
	c.mu.Unlock()
	c.changed(key)
	return added
}

// Reconcile replaces the provisional message carrying tempID with its
// confirmed counterpart, in place. It reports false when no provisional
// message with that temp id is cached.
func (c *MessageCache) Reconcile(tempID string, confirmed Message) (ConversationKey, bool) {
	id, ok := confirmed.Ref.ID()
	if tempID == "" || !ok {
		return "", false
	}

	c.mu.Lock()
	key, i := c.findLocked(confirmed.ConversationKey, func(m *Message) bool {
		return m.IsProvisional() && m.Ref.TempID() == tempID
	})
	if i < 0 {
		c.mu.Unlock()
		return "", false
	}
	e := c.entries[key]
	msg := confirmed.clone()
	msg.Ref = e.messages[i].Ref.confirm(id)
	msg.ConversationKey = key
	if j := indexOfRef(e.messages, ConfirmedRef(id)); j >= 0 && j != i {
		// Already delivered by a refetch: drop the provisional copy.
		e.messages[j] = msg
		e.messages = append(e.messages[:i], e.messages[i+1:]...)
	} else {
		e.messages[i] = msg
	}
	e.markLive(id)
	c.mu.Unlock()
	c.changed(key)
	return key, true
}

// Patch applies fn to the message matching ref in key's list.
func (c *MessageCache) Patch(key ConversationKey, ref MessageRef, fn func(*Message)) bool {
	c.mu.Lock()
	e := c.entries[key]
	if e == nil {
		c.mu.Unlock()
		return false
	}
	i := indexOfRef(e.messages, ref)
	if i < 0 {
		c.mu.Unlock()
		return false
	}
	fn(&e.messages[i])
	c.mu.Unlock()
	c.changed(key)
	return true
}

// PatchByID applies fn to the confirmed message with the given id, wherever
// it is cached.
func (c *MessageCache) PatchByID(id int64, fn func(*Message)) (ConversationKey, bool) {
	c.mu.Lock()
	key, i := c.findLocked("", func(m *Message) bool { return m.ID() == id })
	if i < 0 {
		c.mu.Unlock()
		return "", false
	}
	fn(&c.entries[key].messages[i])
	c.mu.Unlock()
	c.changed(key)
	return key, true
}

// Remove deletes the message matching ref from key's list.
func (c *MessageCache) Remove(key ConversationKey, ref MessageRef) bool {
	c.mu.Lock()
	e := c.entries[key]
	if e == nil {
		c.mu.Unlock()
		return false
	}
	i := indexOfRef(e.messages, ref)
	if i < 0 {
		c.mu.Unlock()
		return false
	}
	e.messages = append(e.messages[:i], e.messages[i+1:]...)
	c.mu.Unlock()
	c.changed(key)
	return true
}

// Discard withdraws a message added by Append. An entry left empty that was
// only ever filled by Append is dropped, so the cache looks as it did before
// the Append. Fetches in flight for key are not affected.
func (c *MessageCache) Discard(key ConversationKey, ref MessageRef) {
	c.mu.Lock()
	e := c.entries[key]
	if e == nil {
		c.mu.Unlock()
		return
	}
	if i := indexOfRef(e.messages, ref); i >= 0 {
		e.messages = append(e.messages[:i], e.messages[i+1:]...)
	}
	if e.synthetic && len(e.messages) == 0 {
		delete(c.entries, key)
	}
	c.mu.Unlock()
	c.changed(key)
}

// RemoveByID deletes the confirmed message with the given id, wherever it is
// cached.
func (c *MessageCache) RemoveByID(id int64) (ConversationKey, bool) {
	c.mu.Lock()
	key, i := c.findLocked("", func(m *Message) bool { return m.ID() == id })
	if i < 0 {
		c.mu.Unlock()
		return "", false
	}
	e := c.entries[key]
	e.messages = append(e.messages[:i], e.messages[i+1:]...)
	c.mu.Unlock()
	c.changed(key)
	return key, true
}

// findLocked searches hint's entry first, then every other entry.
func (c *MessageCache) findLocked(hint ConversationKey, match func(*Message) bool) (ConversationKey, int) {
	if e := c.entries[hint]; e != nil {
		for i := range e.messages {
			if match(&e.messages[i]) {
				return hint, i
			}
		}
	}
	for key, e := range c.entries {
		if key == hint {
			continue
		}
		for i := range e.messages {
			if match(&e.messages[i]) {
				return key, i
			}
		}
	}
	return "", -1
}

func indexOfRef(msgs []Message, ref MessageRef) int {
	for i := range msgs {
		if msgs[i].Ref.matches(ref) {
			return i
		}
	}
	return -1
}
