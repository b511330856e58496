package chatsync

import (
	"time"
)

// ============================================================================
// REST wire records
// ============================================================================

// wireMessage is a message as the backend encodes it, both in REST history
// responses and in live channel events.
type wireMessage struct {
	ID          int64               `json:"id"`
	TempID      string              `json:"temp_id,omitempty"`
	Sender      *User               `json:"sender,omitempty"`
	SenderID    string              `json:"sender_id,omitempty"`
	ReceiverID  string              `json:"receiver_id,omitempty"`
	GroupID     string              `json:"group_id,omitempty"`
	Content     string              `json:"content"`
	Attachments []Attachment        `json:"attachments,omitempty"`
	CreatedAt   *time.Time          `json:"created_at,omitempty"`
	ReadBy      []string            `json:"read_by,omitempty"`
	IsRead      bool                `json:"is_read,omitempty"`
	ReplyToID   int64               `json:"reply_to_id,omitempty"`
	Reactions   map[string][]string `json:"reactions,omitempty"`
	Edited      bool                `json:"is_edited,omitempty"`
}

func (w *wireMessage) senderID() string {
	if w.Sender != nil && w.Sender.ID != "" {
		return w.Sender.ID
	}
	return w.SenderID
}

// conversationKey derives the key of the list the message belongs to, as
// seen by self: the group, or the participant that is not self.
func (w *wireMessage) conversationKey(self string) ConversationKey {
	if w.GroupID != "" {
		return KeyFor(KindGroup, w.GroupID)
	}
	if sender := w.senderID(); sender != "" && sender != self {
		return KeyFor(KindPrivate, sender)
	}
	return KeyFor(KindPrivate, w.ReceiverID)
}

// toMessage converts the wire record into a Message stored under key.
func (w *wireMessage) toMessage(key ConversationKey) Message {
	m := Message{
		Ref:             MessageRef{id: w.ID, tempID: w.TempID},
		ConversationKey: key,
		Content:         w.Content,
		Attachments:     w.Attachments,
		ReadBy:          w.ReadBy,
		IsRead:          w.IsRead,
		ReplyToID:       w.ReplyToID,
		Reactions:       w.Reactions,
		Edited:          w.Edited,
	}
	if w.Sender != nil {
		m.Sender = *w.Sender
	} else {
		m.Sender = User{ID: w.SenderID}
	}
	if w.CreatedAt != nil {
		m.CreatedAt = *w.CreatedAt
	}
	return m
}

// wireConversation is one item of the private or group conversation listing.
type wireConversation struct {
	ID             string     `json:"id"`
	User           *User      `json:"user,omitempty"`
	Group          *Group     `json:"group,omitempty"`
	Name           string     `json:"name,omitempty"`
	LastMessage    string     `json:"last_message,omitempty"`
	LastActivityAt *time.Time `json:"last_activity_at,omitempty"`
	UnreadCount    int        `json:"unread_count"`
}

func (w *wireConversation) toConversation(kind ConversationKind) Conversation {
	c := Conversation{
		ID:                 w.ID,
		Kind:               kind,
		Peer:               w.User,
		Group:              w.Group,
		LastMessagePreview: w.LastMessage,
		UnreadCount:        w.UnreadCount,
	}
	if kind == KindGroup && c.Group == nil {
		c.Group = &Group{ID: w.ID, Name: w.Name}
	}
	if w.LastActivityAt != nil {
		c.LastActivityAt = *w.LastActivityAt
	}
	return c
}

// searchResponse is the combined user + group lookup result.
type searchResponse struct {
	Users  []User  `json:"users"`
	Groups []Group `json:"groups"`
}

type createRequestBody struct {
	ReceiverID string `json:"receiver_id"`
	Content    string `json:"content"`
}

// ============================================================================
// Attachments
// ============================================================================

// AttachmentFile is a local file queued for upload with a message.
type AttachmentFile struct {
	Name string
	MIME string // guessed from Name when empty
	Data []byte
}

// UploadProgress receives bytes sent so far and the total for one upload.
type UploadProgress func(sent, total int64)
