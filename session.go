package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// NotificationHandler receives notification channel events.
type NotificationHandler func(NotificationEvent)

// Session owns the sync state of one authenticated user: channels, message
// cache, conversation directory, sender and mutations. Close it on logout; a
// changed credential needs a new Session.
type Session struct {
	self      User
	backend   Backend
	manager   *Manager
	cache     *MessageCache
	dir       *Directory
	sender    *Sender
	mutations *Mutations
	log       logrus.FieldLogger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	notify   []NotificationHandler
	removers []func()
	closed   bool
}

// NewSession wires the components of a session for the user in cfg.
func NewSession(cfg Config, backend Backend, opts ...Option) *Session {
	cfg.defaults()
	o := newOptions(opts)
	self := User{ID: cfg.Auth.UserID, Username: cfg.Auth.Username}

	s := &Session{
		self:    self,
		backend: backend,
		manager: newManager(cfg, o),
		log:     o.log.WithFields(logrus.Fields{"component": "session", "user": self.ID}),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.cache = NewMessageCache(backend, cfg.Timeouts.Request.Std(), opts...)
	s.dir = NewDirectory(backend, self.ID, cfg.Timeouts, opts...)
	s.sender = NewSender(self, s.manager, backend, s.cache, s.dir, opts...)
	s.mutations = NewMutations(s.manager, s.cache, s.dir.Active, opts...)

	s.sender.OnRequested(func(MessageRequest) {
		go func() {
			if _, err := s.dir.Refresh(s.ctx); err != nil {
				s.log.WithError(err).Warn("Directory refresh after message request failed")
			}
		}()
	})

	s.removers = []func(){
		s.manager.OnEvent(ChannelPrivate, s.handleChat),
		s.manager.OnEvent(ChannelGroup, s.handleChat),
		s.manager.OnEvent(ChannelNotifications, s.handleNotification),
	}
	return s
}

// Self returns the session user.
func (s *Session) Self() User { return s.self }

// Manager returns the channel manager.
func (s *Session) Manager() *Manager { return s.manager }

// Cache returns the message cache.
func (s *Session) Cache() *MessageCache { return s.cache }

// Directory returns the conversation directory.
func (s *Session) Directory() *Directory { return s.dir }

// Sender returns the send coordinator.
func (s *Session) Sender() *Sender { return s.sender }

// Start opens the private and notification channels, once per session.
func (s *Session) Start(ctx context.Context) error {
	if s.isClosed() {
		return fmt.Errorf("session closed")
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, kind := range []ChannelKind{ChannelPrivate, ChannelNotifications} {
		g.Go(func() error {
			if _, err := s.manager.OpenWithRetry(gctx, kind, OpenParams{}); err != nil {
				return fmt.Errorf("open %s channel: %w", kind, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	s.log.Info("Session started")
	return nil
}

// OpenConversation makes conv the active conversation: it is listed if it
// was not, its unread count is cleared, the group channel is bound to it when
// it is a group, and its messages are fetched through the cache.
func (s *Session) OpenConversation(ctx context.Context, conv Conversation) ([]Message, error) {
	if !conv.Kind.Valid() {
		return nil, ErrUnknownKind
	}
	key := conv.Key()
	s.dir.Add(conv)
	s.dir.SetActive(key)

	var openErr error
	if conv.Kind == KindGroup {
		_, openErr = s.manager.Open(ctx, ChannelGroup, OpenParams{GroupID: conv.CounterpartID()})
		if openErr != nil {
			s.log.WithError(openErr).WithField("key", key).Warn("Group channel open failed")
		}
	}

	msgs, err := s.cache.Fetch(ctx, key)
	return msgs, errors.Join(openErr, err)
}

// Hover prefetches the messages of a conversation the user is pointing at.
func (s *Session) Hover(key ConversationKey) {
	s.cache.Prefetch(key)
}

// Messages returns the cached messages of key without fetching.
func (s *Session) Messages(key ConversationKey) []Message {
	msgs, _ := s.cache.Peek(key)
	return msgs
}

// Send sends req; a request without a conversation goes to the active one.
func (s *Session) Send(ctx context.Context, req *SendRequest) (SendResult, error) {
	if req != nil && req.Conversation == nil {
		if conv, ok := s.dir.Get(s.dir.Active()); ok {
			req.Conversation = &conv
		}
	}
	return s.sender.Send(ctx, req)
}

// Edit asks the server to change the content of msg.
func (s *Session) Edit(ctx context.Context, msg Message, newContent string) error {
	return s.mutations.Edit(ctx, msg, newContent)
}

// Delete asks the server to delete msg.
func (s *Session) Delete(ctx context.Context, msg Message) error {
	return s.mutations.Delete(ctx, msg)
}

// React adds or removes a reaction.
func (s *Session) React(ctx context.Context, messageID int64, reactionType string, remove bool) error {
	return s.mutations.React(ctx, messageID, reactionType, remove)
}

// RespondRequest answers a message request and, when accepted, reloads the
// conversation list.
func (s *Session) RespondRequest(ctx context.Context, requestID string, accept bool) error {
	if err := s.dir.Respond(ctx, requestID, accept); err != nil {
		return err
	}
	if accept {
		_, err := s.dir.Refresh(ctx)
		return err
	}
	return nil
}

// OnNotification registers h for notification channel events.
func (s *Session) OnNotification(h NotificationHandler) {
	s.mu.Lock()
	s.notify = append(s.notify, h)
	s.mu.Unlock()
}

// Close closes every channel and drops cached state. Calling Close again
// does nothing.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	removers := s.removers
	s.removers = nil
	s.mu.Unlock()

	for _, remove := range removers {
		remove()
	}
	s.cancel()
	s.manager.CloseAll()
	s.cache.Reset()
	s.log.Info("Session closed")
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// ============================================================================
// Inbound routing
// ============================================================================

func (s *Session) handleChat(ev Event) {
	var me messageEvent
	if err := json.Unmarshal(ev.Raw, &me); err != nil {
		s.log.WithError(err).WithField("type", ev.Type).Debug("Dropping malformed chat event")
		return
	}

	switch ev.Type {
	case EventMessage:
		body := me.body()
		if body.ID == 0 {
			s.log.WithField("temp_id", ev.TempID).Debug("Message event without id")
			return
		}
		key := body.conversationKey(s.self.ID)
		if ev.Channel == ChannelGroup && body.GroupID == "" {
			key = KeyFor(KindGroup, ev.GroupID)
		}
		tempID := body.TempID
		if tempID == "" {
			tempID = ev.TempID
		}
		s.sender.applyMessage(body.toMessage(key), tempID)
	case EventMessageEdited, EventMessageDeleted, EventReaction, EventReadReceipt:
		s.mutations.Apply(ev.Type, &me)
	default:
		s.log.WithFields(logrus.Fields{"type": ev.Type, "action": ev.Action}).Debug("Ignoring chat event")
	}
}

func (s *Session) handleNotification(ev Event) {
	var n NotificationEvent
	if err := json.Unmarshal(ev.Raw, &n); err != nil {
		s.log.WithError(err).Debug("Dropping malformed notification")
		return
	}
	if n.Type == "" {
		n.Type = ev.Type
	}
	if n.Type == EventMessageRequest {
		go func() {
			if _, err := s.dir.LoadPending(s.ctx); err != nil {
				s.log.WithError(err).Warn("Reloading message requests failed")
			}
		}()
	}

	s.mu.Lock()
	hs := append([]NotificationHandler(nil), s.notify...)
	s.mu.Unlock()
	for _, h := range hs {
		h(n)
	}
}
