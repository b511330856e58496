package chatsync

import (
	"context"
	"fmt"
	"slices"

	"github.com/sirupsen/logrus"
)

// Mutations sends edit, delete and reaction actions over the channel of the
// active conversation. Nothing is changed locally until the server event
// comes back through Apply.
type Mutations struct {
	channels ChannelSender
	cache    *MessageCache
	active   func() ConversationKey
	log      logrus.FieldLogger
}

// NewMutations creates a dispatcher. active returns the conversation on
// screen; its kind selects the channel.
func NewMutations(channels ChannelSender, cache *MessageCache, active func() ConversationKey, opts ...Option) *Mutations {
	o := newOptions(opts)
	return &Mutations{
		channels: channels,
		cache:    cache,
		active:   active,
		log:      o.log.WithField("component", "mutations"),
	}
}

// Edit asks the server to replace the content of msg.
func (m *Mutations) Edit(ctx context.Context, msg Message, newContent string) error {
	id, ok := msg.Ref.ID()
	if !ok {
		return fmt.Errorf("cannot edit provisional message %s", msg.Ref)
	}
	return m.send(ctx, EditMessagePayload{
		Action:     ActionEditMessage,
		MessageID:  id,
		NewContent: newContent,
	})
}

// Delete asks the server to delete msg.
func (m *Mutations) Delete(ctx context.Context, msg Message) error {
	id, ok := msg.Ref.ID()
	if !ok {
		return fmt.Errorf("cannot delete provisional message %s", msg.Ref)
	}
	return m.send(ctx, DeleteMessagePayload{
		Action:    ActionDeleteMessage,
		MessageID: id,
	})
}

// React adds or, with remove set, removes a reaction on a message.
func (m *Mutations) React(ctx context.Context, messageID int64, reactionType string, remove bool) error {
	action := ActionAddReaction
	if remove {
		action = ActionRemoveReaction
	}
	return m.send(ctx, ReactionPayload{
		Action:       action,
		MessageID:    messageID,
		ReactionType: reactionType,
	})
}

func (m *Mutations) send(ctx context.Context, payload any) error {
	key := m.active()
	if key == "" {
		return ErrNoConversation
	}
	kind, ok := ChannelFor(key.Kind())
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownKind, key.Kind())
	}
	if !m.channels.Send(ctx, kind, payload) {
		m.log.WithFields(logrus.Fields{"key": key, "channel": kind}).Warn("Mutation not sent, channel not open")
		return fmt.Errorf("%w: %s", ErrChannelNotOpen, kind)
	}
	return nil
}

// ============================================================================
// Inbound
// ============================================================================

// Apply merges an edit, delete, reaction or read-receipt event into the
// cache by message id. It reports whether a cached message changed.
func (m *Mutations) Apply(eventType string, ev *messageEvent) bool {
	id := ev.targetID()
	if id == 0 {
		return false
	}
	log := m.log.WithFields(logrus.Fields{"type": eventType, "id": id})

	var ok bool
	switch eventType {
	case EventMessageEdited:
		content := ev.body().Content
		if ev.NewContent != nil {
			content = *ev.NewContent
		}
		_, ok = m.cache.PatchByID(id, func(msg *Message) {
			msg.Content = content
			msg.Edited = true
		})
	case EventMessageDeleted:
		_, ok = m.cache.RemoveByID(id)
	case EventReaction:
		reactions := ev.body().Reactions
		_, ok = m.cache.PatchByID(id, func(msg *Message) {
			msg.Reactions = copyReactions(reactions)
		})
	case EventReadReceipt:
		body := ev.body()
		_, ok = m.cache.PatchByID(id, func(msg *Message) {
			if body.ReadBy != nil {
				msg.ReadBy = append([]string(nil), body.ReadBy...)
			} else if ev.UserID != "" && !slices.Contains(msg.ReadBy, ev.UserID) {
				msg.ReadBy = append(msg.ReadBy, ev.UserID)
			}
			msg.IsRead = msg.IsRead || body.IsRead || len(msg.ReadBy) > 0
		})
	default:
		return false
	}
	if !ok {
		log.Debug("Event for message not cached")
		return false
	}
	log.Debug("Event applied")
	return true
}

func copyReactions(r map[string][]string) map[string][]string {
	if r == nil {
		return nil
	}
	out := make(map[string][]string, len(r))
	for k, v := range r {
		out[k] = append([]string(nil), v...)
	}
	return out
}
