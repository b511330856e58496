package chatsync

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// ChannelSender sends one payload on a live channel. *Manager implements it.
type ChannelSender interface {
	Send(ctx context.Context, kind ChannelKind, payload any) bool
}

// SendBackend is the request/response side a send may need.
type SendBackend interface {
	UploadAttachment(ctx context.Context, file AttachmentFile, progress UploadProgress) (*Attachment, error)
	CreateMessageRequest(ctx context.Context, receiverID, content string) (*MessageRequest, error)
}

// SendState is where a send attempt ended up.
type SendState int

const (
	// SendRejected: a precondition failed; nothing was changed.
	SendRejected SendState = iota
	// SendUploading: attachments are being uploaded.
	SendUploading
	// SendDispatched: the provisional message is cached and the payload was
	// written to the channel.
	SendDispatched
	// SendConfirmed: the server echo replaced the provisional message.
	SendConfirmed
	// SendRolledBack: the channel was not open; the provisional message was
	// removed.
	SendRolledBack
	// SendRequested: the message went out as a message request.
	SendRequested
	// SendFailed: an upload or the message request failed before anything
	// was cached.
	SendFailed
)

func (s SendState) String() string {
	switch s {
	case SendRejected:
		return "rejected"
	case SendUploading:
		return "uploading"
	case SendDispatched:
		return "dispatched"
	case SendConfirmed:
		return "confirmed"
	case SendRolledBack:
		return "rolled_back"
	case SendRequested:
		return "requested"
	case SendFailed:
		return "failed"
	}
	return fmt.Sprintf("SendState(%d)", int(s))
}

// SendRequest is one user send action. The same *SendRequest cannot be sent
// again while a send of it is in progress.
type SendRequest struct {
	Conversation *Conversation
	Content      string
	Attachments  []AttachmentFile
	ReplyToID    int64
	// OnProgress receives the aggregate upload progress, 0 to 100. It is
	// reset to 0 when uploads end.
	OnProgress func(percent int)
}

// SendResult describes the outcome of Send.
type SendResult struct {
	State   SendState
	TempID  string
	Message *Message        // the provisional message, when one was cached
	Request *MessageRequest // the message request, on the request path
}

// Sender turns user sends into provisional messages and channel payloads and
// reconciles them with the server echo.
type Sender struct {
	self     User
	channels ChannelSender
	backend  SendBackend
	cache    *MessageCache
	dir      *Directory
	clock    Clock
	log      logrus.FieldLogger

	mu          sync.Mutex
	inflight    map[*SendRequest]bool
	outstanding map[string]ConversationKey // temp id -> key, until confirmed
	onRequested []func(MessageRequest)
	onConfirmed []func(Message)
}

// NewSender creates a sender acting as self.
func NewSender(self User, channels ChannelSender, backend SendBackend, cache *MessageCache, dir *Directory, opts ...Option) *Sender {
	o := newOptions(opts)
	return &Sender{
		self:        self,
		channels:    channels,
		backend:     backend,
		cache:       cache,
		dir:         dir,
		clock:       o.clock,
		log:         o.log.WithField("component", "sender"),
		inflight:    make(map[*SendRequest]bool),
		outstanding: make(map[string]ConversationKey),
	}
}

// OnRequested registers fn to run after a message request was created, so
// the caller can refresh the conversation list.
func (s *Sender) OnRequested(fn func(MessageRequest)) {
	s.mu.Lock()
	s.onRequested = append(s.onRequested, fn)
	s.mu.Unlock()
}

// OnConfirmed registers fn to run when a provisional message is confirmed.
func (s *Sender) OnConfirmed(fn func(Message)) {
	s.mu.Lock()
	s.onConfirmed = append(s.onConfirmed, fn)
	s.mu.Unlock()
}

// Outstanding returns the number of dispatched sends awaiting their echo.
func (s *Sender) Outstanding() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.outstanding)
}

// ============================================================================
// Send
// ============================================================================

// Send runs one send attempt. Precondition failures return SendRejected and
// change nothing. A private conversation with no messages and no open
// request is sent as a message request instead of over the channel.
func (s *Sender) Send(ctx context.Context, req *SendRequest) (SendResult, error) {
	if err := s.check(req); err != nil {
		return SendResult{State: SendRejected}, err
	}

	s.mu.Lock()
	if s.inflight[req] {
		s.mu.Unlock()
		return SendResult{State: SendRejected}, ErrSendInProgress
	}
	s.inflight[req] = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.inflight, req)
		s.mu.Unlock()
	}()

	conv := req.Conversation
	key := conv.Key()
	if s.isNewConversation(conv) {
		return s.sendRequest(ctx, req)
	}

	attachments, err := s.upload(ctx, req)
	if err != nil {
		return SendResult{State: SendFailed}, err
	}
	return s.dispatch(ctx, key, req, attachments)
}

func (s *Sender) check(req *SendRequest) error {
	if s.self.ID == "" {
		return ErrNoSender
	}
	if req == nil || req.Conversation == nil {
		return ErrNoConversation
	}
	if !req.Conversation.Kind.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownKind, req.Conversation.Kind)
	}
	if req.Conversation.CounterpartID() == "" {
		return ErrNoConversation
	}
	if strings.TrimSpace(req.Content) == "" && len(req.Attachments) == 0 {
		return ErrEmptyMessage
	}
	return nil
}

func (s *Sender) isNewConversation(conv *Conversation) bool {
	if conv.Kind != KindPrivate {
		return false
	}
	return s.cache.Len(conv.Key()) == 0 && !s.dir.IsPending(conv.CounterpartID())
}

// sendRequest sends the first message to a peer through the backend. No
// provisional message is created.
func (s *Sender) sendRequest(ctx context.Context, req *SendRequest) (SendResult, error) {
	if len(req.Attachments) > 0 {
		return SendResult{State: SendRejected}, ErrRequestAttachments
	}
	peer := req.Conversation.CounterpartID()
	mr, err := s.backend.CreateMessageRequest(ctx, peer, req.Content)
	if err != nil {
		s.log.WithError(err).WithField("peer", peer).Warn("Message request failed")
		return SendResult{State: SendFailed}, err
	}

	s.dir.MarkPending(peer)
	s.log.WithField("peer", peer).Info("Message request sent")

	s.mu.Lock()
	fns := slices.Clone(s.onRequested)
	s.mu.Unlock()
	for _, fn := range fns {
		fn(*mr)
	}
	return SendResult{State: SendRequested, Request: mr}, nil
}

// upload uploads every attachment concurrently. Any failure aborts the send.
func (s *Sender) upload(ctx context.Context, req *SendRequest) ([]Attachment, error) {
	if len(req.Attachments) == 0 {
		return nil, nil
	}
	report := req.OnProgress
	if report == nil {
		report = func(int) {}
	}
	defer report(0)

	prog := newProgress(req.Attachments, report)
	out := make([]Attachment, len(req.Attachments))
	g, gctx := errgroup.WithContext(ctx)
	for i, f := range req.Attachments {
		g.Go(func() error {
			att, err := s.backend.UploadAttachment(gctx, f, func(sent, total int64) {
				prog.update(i, sent, total)
			})
			if err != nil {
				return fmt.Errorf("%w: %s: %w", ErrUpload, f.Name, err)
			}
			out[i] = *att
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		s.log.WithError(err).Warn("Attachment upload failed, send aborted")
		return nil, err
	}
	return out, nil
}

// dispatch caches the provisional message and writes the payload. If the
// channel is not open the provisional message is rolled back.
func (s *Sender) dispatch(ctx context.Context, key ConversationKey, req *SendRequest, attachments []Attachment) (SendResult, error) {
	conv := req.Conversation
	kind, _ := ChannelFor(conv.Kind)
	tempID := uuid.NewString()

	msg := Message{
		Ref:             ProvisionalRef(tempID),
		ConversationKey: key,
		Sender:          s.self,
		Content:         req.Content,
		Attachments:     attachments,
		CreatedAt:       s.clock.Now(),
		ReplyToID:       req.ReplyToID,
	}

	payload := SendMessagePayload{
		Action:        ActionSendMessage,
		Content:       req.Content,
		AttachmentIDs: make([]string, 0, len(attachments)),
		TempID:        tempID,
	}
	for _, a := range attachments {
		payload.AttachmentIDs = append(payload.AttachmentIDs, a.ID)
	}
	if req.ReplyToID != 0 {
		reply := req.ReplyToID
		payload.ReplyToID = &reply
	}
	if conv.Kind == KindGroup {
		payload.GroupID = conv.CounterpartID()
	} else {
		payload.ReceiverID = conv.CounterpartID()
	}

	s.cache.Append(key, msg)

	log := s.log.WithFields(logrus.Fields{"key": key, "temp_id": tempID})
	if !s.channels.Send(ctx, kind, payload) {
		s.cache.Discard(key, msg.Ref)
		log.Warn("Channel not open, send rolled back")
		return SendResult{State: SendRolledBack, TempID: tempID}, fmt.Errorf("%w: %s", ErrChannelNotOpen, kind)
	}

	s.mu.Lock()
	s.outstanding[tempID] = key
	s.mu.Unlock()

	s.cache.Invalidate(key)
	s.dir.Touch(msg)
	log.Debug("Message dispatched")
	return SendResult{State: SendDispatched, TempID: tempID, Message: &msg}, nil
}

// ============================================================================
// Inbound
// ============================================================================

// applyMessage merges an inbound created-message event. An echo of one of
// our temp ids replaces the provisional message in place; anything else is
// appended as a confirmed message, once per server id.
func (s *Sender) applyMessage(msg Message, tempID string) SendState {
	if tempID != "" {
		if key, ok := s.cache.Reconcile(tempID, msg); ok {
			msg.ConversationKey = key
			s.mu.Lock()
			delete(s.outstanding, tempID)
			fns := slices.Clone(s.onConfirmed)
			s.mu.Unlock()

			s.log.WithFields(logrus.Fields{"key": key, "temp_id": tempID, "id": msg.ID()}).Info("Message confirmed")
			for _, fn := range fns {
				fn(msg)
			}
			return SendConfirmed
		}
	}
	if s.cache.Append(msg.ConversationKey, msg) {
		s.dir.Touch(msg)
	}
	return SendDispatched
}

// ============================================================================
// Upload progress
// ============================================================================

// progress aggregates per-file upload progress into one percentage,
// weighted by file size.
type progress struct {
	mu     sync.Mutex
	sent   []int64
	totals []int64
	last   int
	report func(int)
}

func newProgress(files []AttachmentFile, report func(int)) *progress {
	p := &progress{
		sent:   make([]int64, len(files)),
		totals: make([]int64, len(files)),
		report: report,
	}
	for i, f := range files {
		p.totals[i] = int64(len(f.Data))
	}
	return p
}

func (p *progress) update(i int, sent, total int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if total > 0 {
		p.totals[i] = total
	}
	if sent > p.totals[i] {
		sent = p.totals[i]
	}
	p.sent[i] = sent

	var done, all int64
	for j := range p.sent {
		done += p.sent[j]
		all += p.totals[j]
	}
	if all == 0 {
		return
	}
	pct := int(done * 100 / all)
	if pct != p.last {
		p.last = pct
		p.report(pct)
	}
}
