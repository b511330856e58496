package chatsync

import (
	"encoding/json"
)

// ============================================================================
// Outbound channel payloads
// ============================================================================

// Channel actions.
const (
	ActionSendMessage    = "send_message"
	ActionEditMessage    = "edit_message"
	ActionDeleteMessage  = "delete_message"
	ActionAddReaction    = "add_reaction"
	ActionRemoveReaction = "remove_reaction"
	ActionPing           = "ping"
	ActionPong           = "pong"
)

// SendMessagePayload carries a new message and its correlation token.
type SendMessagePayload struct {
	Action        string   `json:"action"`
	Content       string   `json:"content"`
	AttachmentIDs []string `json:"attachment_ids"`
	ReplyToID     *int64   `json:"reply_to_id,omitempty"`
	ReceiverID    string   `json:"receiver_id,omitempty"`
	GroupID       string   `json:"group_id,omitempty"`
	TempID        string   `json:"temp_id"`
}

// EditMessagePayload replaces a message's content.
type EditMessagePayload struct {
	Action     string `json:"action"`
	MessageID  int64  `json:"message_id"`
	NewContent string `json:"new_content"`
}

// DeleteMessagePayload deletes a message.
type DeleteMessagePayload struct {
	Action    string `json:"action"`
	MessageID int64  `json:"message_id"`
}

// ReactionPayload adds or removes one reaction.
type ReactionPayload struct {
	Action       string `json:"action"`
	MessageID    int64  `json:"message_id"`
	ReactionType string `json:"reaction_type"`
}

type pingPayload struct {
	Action string `json:"action"`
}

// ============================================================================
// Inbound events
// ============================================================================

// Inbound event types.
const (
	EventMessage        = "chat_message"
	EventMessageEdited  = "message_edited"
	EventMessageDeleted = "message_deleted"
	EventReaction       = "reaction_update"
	EventReadReceipt    = "read_receipt"
	EventMessageRequest = "message_request"
	EventNotification   = "notification"
	eventUnknown        = ""
)

// Event is one inbound payload from a live channel.
type Event struct {
	Channel ChannelKind
	// GroupID is the group the delivering channel was opened for; empty
	// outside the group channel.
	GroupID string
	Type    string
	Action  string
	TempID  string
	Raw     json.RawMessage
}

// envelope holds the discriminating fields every inbound payload may carry.
type envelope struct {
	Type   string `json:"type"`
	Action string `json:"action"`
	TempID string `json:"temp_id"`
}

// decodeEvent parses an inbound frame. Events without a type are classified
// by the action they echo.
func decodeEvent(channel ChannelKind, data []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Event{}, err
	}
	ev := Event{
		Channel: channel,
		Type:    env.Type,
		Action:  env.Action,
		TempID:  env.TempID,
		Raw:     json.RawMessage(data),
	}
	if ev.Type == "" {
		ev.Type = typeForAction(env.Action)
	}
	return ev, nil
}

func typeForAction(action string) string {
	switch action {
	case ActionSendMessage:
		return EventMessage
	case ActionEditMessage:
		return EventMessageEdited
	case ActionDeleteMessage:
		return EventMessageDeleted
	case ActionAddReaction, ActionRemoveReaction:
		return EventReaction
	}
	return eventUnknown
}

// isPong reports whether the event is a heartbeat reply.
func (e Event) isPong() bool {
	return e.Action == ActionPong || e.Type == ActionPong
}

// messageEvent is the body of a created/edited message event. The message
// may be nested under "message" or inlined in the event itself.
type messageEvent struct {
	wireMessage
	Message    *wireMessage `json:"message,omitempty"`
	MessageID  int64        `json:"message_id,omitempty"`
	NewContent *string      `json:"new_content,omitempty"`
	UserID     string       `json:"user_id,omitempty"`
}

func (e *messageEvent) body() *wireMessage {
	if e.Message != nil {
		if e.Message.TempID == "" {
			e.Message.TempID = e.TempID
		}
		return e.Message
	}
	return &e.wireMessage
}

// targetID returns the id of the message an edit/delete/reaction/receipt
// event refers to.
func (e *messageEvent) targetID() int64 {
	if e.MessageID != 0 {
		return e.MessageID
	}
	return e.body().ID
}

// NotificationEvent is a notification channel payload.
type NotificationEvent struct {
	Type      string          `json:"type"`
	Message   string          `json:"message,omitempty"`
	RequestID string          `json:"request_id,omitempty"`
	From      *User           `json:"sender,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}
