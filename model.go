package chatsync

import (
	"strconv"
	"strings"
	"time"
)

// ============================================================================
// Kinds and keys
// ============================================================================

// ConversationKind distinguishes one-to-one from group conversations.
type ConversationKind string

const (
	KindPrivate ConversationKind = "private"
	KindGroup   ConversationKind = "group"
)

// Valid reports whether k is a recognized conversation kind.
func (k ConversationKind) Valid() bool {
	return k == KindPrivate || k == KindGroup
}

// ChannelKind names one of the three logical live channels.
type ChannelKind string

const (
	ChannelPrivate       ChannelKind = "private"
	ChannelGroup         ChannelKind = "group"
	ChannelNotifications ChannelKind = "notifications"
)

// ChannelFor returns the live channel that carries traffic for a conversation kind.
func ChannelFor(kind ConversationKind) (ChannelKind, bool) {
	switch kind {
	case KindPrivate:
		return ChannelPrivate, true
	case KindGroup:
		return ChannelGroup, true
	}
	return "", false
}

// ConversationKey identifies a message list: "<kind>:<counterpart id>".
type ConversationKey string

// KeyFor builds the key for a counterpart (peer user id or group id).
func KeyFor(kind ConversationKind, counterpartID string) ConversationKey {
	return ConversationKey(string(kind) + ":" + counterpartID)
}

// Kind returns the conversation kind encoded in the key.
func (k ConversationKey) Kind() ConversationKind {
	kind, _, _ := strings.Cut(string(k), ":")
	return ConversationKind(kind)
}

// CounterpartID returns the peer or group id encoded in the key.
func (k ConversationKey) CounterpartID() string {
	_, id, _ := strings.Cut(string(k), ":")
	return id
}

// ============================================================================
// Participants and conversations
// ============================================================================

// User is a participant reference.
type User struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name,omitempty"`
	Avatar      string `json:"avatar,omitempty"`
}

// Group is a group conversation descriptor.
type Group struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Avatar string `json:"avatar,omitempty"`
}

// Conversation is one entry of the conversation directory.
type Conversation struct {
	ID                 string
	Kind               ConversationKind
	Peer               *User  // set for private conversations
	Group              *Group // set for group conversations
	LastMessagePreview string
	LastActivityAt     time.Time // zero when the backend did not report one
	UnreadCount        int

	// Local marks conversations created on this client (search result,
	// deep link) that the backend has not listed yet.
	Local bool
	// Placeholder marks conversations synthesized from a bare identifier.
	Placeholder bool
}

// CounterpartID returns the peer id or group id.
func (c *Conversation) CounterpartID() string {
	switch c.Kind {
	case KindPrivate:
		if c.Peer != nil {
			return c.Peer.ID
		}
	case KindGroup:
		if c.Group != nil {
			return c.Group.ID
		}
	}
	return ""
}

// Key returns the message cache key of the conversation.
func (c *Conversation) Key() ConversationKey {
	return KeyFor(c.Kind, c.CounterpartID())
}

// Title returns a display name for the conversation.
func (c *Conversation) Title() string {
	switch {
	case c.Kind == KindGroup && c.Group != nil:
		return c.Group.Name
	case c.Peer != nil && c.Peer.DisplayName != "":
		return c.Peer.DisplayName
	case c.Peer != nil:
		return c.Peer.Username
	}
	return c.ID
}

// ============================================================================
// Messages
// ============================================================================

// MessageRef is the reconciliation key of a message: either Provisional
// (client temp id only) or Confirmed (server id). A confirmed ref keeps the
// temp id it was reconciled from.
type MessageRef struct {
	id     int64
	tempID string
}

// ProvisionalRef returns the ref of a message not yet confirmed by the server.
func ProvisionalRef(tempID string) MessageRef {
	return MessageRef{tempID: tempID}
}

// ConfirmedRef returns the ref of a server-assigned message.
func ConfirmedRef(id int64) MessageRef {
	return MessageRef{id: id}
}

// IsProvisional reports whether the server id is still unknown.
func (r MessageRef) IsProvisional() bool { return r.id == 0 }

// ID returns the server id, or false while provisional.
func (r MessageRef) ID() (int64, bool) { return r.id, r.id != 0 }

// TempID returns the client correlation token, if any.
func (r MessageRef) TempID() string { return r.tempID }

// confirm promotes a provisional ref, keeping its temp id.
func (r MessageRef) confirm(id int64) MessageRef {
	return MessageRef{id: id, tempID: r.tempID}
}

func (r MessageRef) String() string {
	if r.IsProvisional() {
		return "tmp:" + r.tempID
	}
	return strconv.FormatInt(r.id, 10)
}

// MarshalText renders the ref as String does.
func (r MessageRef) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// matches reports whether other names the same message: equal server ids, or
// equal temp ids when either side is still provisional.
func (r MessageRef) matches(other MessageRef) bool {
	if r.id != 0 && other.id != 0 {
		return r.id == other.id
	}
	return r.tempID != "" && r.tempID == other.tempID
}

// Attachment is a file attached to a message.
type Attachment struct {
	ID   string `json:"id,omitempty"`
	URL  string `json:"url"`
	Name string `json:"name"`
	MIME string `json:"mime"`
}

// Message is one entry of a conversation's message list.
type Message struct {
	Ref             MessageRef
	ConversationKey ConversationKey
	Sender          User
	Content         string
	Attachments     []Attachment
	CreatedAt       time.Time
	ReadBy          []string
	IsRead          bool
	ReplyToID       int64 // zero when not a reply
	Reactions       map[string][]string
	Edited          bool
}

// IsProvisional reports whether the message still awaits server confirmation.
func (m *Message) IsProvisional() bool { return m.Ref.IsProvisional() }

// ID returns the server id, zero while provisional.
func (m *Message) ID() int64 {
	id, _ := m.Ref.ID()
	return id
}

// clone returns a copy that shares no slices or maps with m.
func (m Message) clone() Message {
	if m.Attachments != nil {
		m.Attachments = append([]Attachment(nil), m.Attachments...)
	}
	if m.ReadBy != nil {
		m.ReadBy = append([]string(nil), m.ReadBy...)
	}
	if m.Reactions != nil {
		r := make(map[string][]string, len(m.Reactions))
		for k, v := range m.Reactions {
			r[k] = append([]string(nil), v...)
		}
		m.Reactions = r
	}
	return m
}

func cloneMessages(msgs []Message) []Message {
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.clone()
	}
	return out
}

// ============================================================================
// Directory records
// ============================================================================

// SearchResult is one user or group returned by a directory search.
type SearchResult struct {
	Kind  ConversationKind
	User  *User
	Group *Group
}

// CounterpartID returns the user or group id of the result.
func (r SearchResult) CounterpartID() string {
	if r.Kind == KindGroup && r.Group != nil {
		return r.Group.ID
	}
	if r.User != nil {
		return r.User.ID
	}
	return ""
}

// MessageRequest is a pending first-contact request between two users.
type MessageRequest struct {
	ID        string    `json:"id"`
	From      User      `json:"sender"`
	To        User      `json:"receiver"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}
