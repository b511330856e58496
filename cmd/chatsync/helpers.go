package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Prismer-AI/Prismer/sdk/chatsync"
)

// newSession creates a session from the config file. Commands that need the
// live channels call Start themselves.
func newSession() (*chatsync.Session, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Auth.Token == "" {
		return nil, fmt.Errorf("no token, run 'chatsync init <token>' first")
	}
	return chatsync.NewSession(cfg, chatsync.NewClient(cfg)), nil
}

// commandContext bounds a one-shot command.
func commandContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), time.Minute)
}

// parseKind accepts "private"/"p" and "group"/"g".
func parseKind(s string) (chatsync.ConversationKind, error) {
	switch strings.ToLower(s) {
	case "private", "p", "dm":
		return chatsync.KindPrivate, nil
	case "group", "g":
		return chatsync.KindGroup, nil
	}
	return "", fmt.Errorf("unknown conversation kind %q (valid: private, group)", s)
}

// resolveConversation finds the conversation for a kind and id or username,
// loading the directory first so listed conversations win.
func resolveConversation(ctx context.Context, s *chatsync.Session, kindArg, ident string) (chatsync.Conversation, error) {
	kind, err := parseKind(kindArg)
	if err != nil {
		return chatsync.Conversation{}, err
	}
	if _, err := s.Directory().Refresh(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: conversation list incomplete: %v\n", err)
	}
	return s.Directory().Resolve(ctx, kind, ident)
}

func parseMessageID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid message id %q", s)
	}
	return id, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printMessage(m chatsync.Message) {
	who := m.Sender.Username
	if who == "" {
		who = m.Sender.ID
	}
	marks := ""
	if m.IsProvisional() {
		marks += " (sending)"
	}
	if m.Edited {
		marks += " (edited)"
	}
	ts := ""
	if !m.CreatedAt.IsZero() {
		ts = m.CreatedAt.Local().Format("2006-01-02 15:04")
	}
	fmt.Printf("[%s] %s %s: %s%s\n", m.Ref, ts, who, m.Content, marks)
	for _, a := range m.Attachments {
		fmt.Printf("    + %s (%s) %s\n", a.Name, a.MIME, a.URL)
	}
	if len(m.Reactions) > 0 {
		parts := make([]string, 0, len(m.Reactions))
		for r, users := range m.Reactions {
			parts = append(parts, fmt.Sprintf("%s x%d", r, len(users)))
		}
		fmt.Printf("    %s\n", strings.Join(parts, ", "))
	}
}

func printConversation(c chatsync.Conversation) {
	unread := ""
	if c.UnreadCount > 0 {
		unread = fmt.Sprintf(" (%d unread)", c.UnreadCount)
	}
	when := "-"
	if !c.LastActivityAt.IsZero() {
		when = c.LastActivityAt.Local().Format("2006-01-02 15:04")
	}
	fmt.Printf("%-24s %-28s %s%s\n", c.Key(), c.Title(), when, unread)
	if c.LastMessagePreview != "" {
		fmt.Printf("    %s\n", c.LastMessagePreview)
	}
}
