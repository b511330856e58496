package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/Prismer-AI/Prismer/sdk/chatsync"
	"github.com/spf13/cobra"
)

var (
	messagesJSON bool

	sendFiles   []string
	sendReplyTo int64
	sendWait    time.Duration

	reactRemove bool
)

func init() {
	messagesCmd.Flags().BoolVar(&messagesJSON, "json", false, "Output JSON")

	sendCmd.Flags().StringArrayVarP(&sendFiles, "file", "f", nil, "Attach a file (repeatable)")
	sendCmd.Flags().Int64Var(&sendReplyTo, "reply-to", 0, "Id of the message to reply to")
	sendCmd.Flags().DurationVar(&sendWait, "wait", 10*time.Second, "How long to wait for the server echo")

	reactCmd.Flags().BoolVar(&reactRemove, "remove", false, "Remove the reaction instead of adding it")

	rootCmd.AddCommand(messagesCmd, sendCmd, editCmd, deleteCmd, reactCmd)
}

// openLive starts s, opens the conversation and returns it.
func openLive(ctx context.Context, s *chatsync.Session, kindArg, ident string) (chatsync.Conversation, error) {
	conv, err := resolveConversation(ctx, s, kindArg, ident)
	if err != nil {
		return conv, err
	}
	if err := s.Start(ctx); err != nil {
		return conv, err
	}
	if _, err := s.OpenConversation(ctx, conv); err != nil {
		return conv, err
	}
	return conv, nil
}

// ============================================================================
// messages
// ============================================================================

var messagesCmd = &cobra.Command{
	Use:   "messages <private|group> <id-or-username>",
	Short: "Print the messages of a conversation",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newSession()
		if err != nil {
			return err
		}
		defer s.Close()
		ctx, cancel := commandContext()
		defer cancel()

		conv, err := resolveConversation(ctx, s, args[0], args[1])
		if err != nil {
			return err
		}
		msgs, err := s.Cache().Fetch(ctx, conv.Key())
		if err != nil {
			return fmt.Errorf("failed to load messages: %w", err)
		}
		if messagesJSON {
			return printJSON(msgs)
		}
		if len(msgs) == 0 {
			fmt.Println("No messages.")
			return nil
		}
		for _, m := range msgs {
			printMessage(m)
		}
		return nil
	},
}

// ============================================================================
// send
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <private|group> <id-or-username> <text>",
	Short: "Send a message and wait for the server to confirm it",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		var files []chatsync.AttachmentFile
		for _, path := range sendFiles {
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("failed to read file: %w", err)
			}
			files = append(files, chatsync.AttachmentFile{Name: filepath.Base(path), Data: data})
		}

		s, err := newSession()
		if err != nil {
			return err
		}
		defer s.Close()
		ctx, cancel := commandContext()
		defer cancel()

		conv, err := openLive(ctx, s, args[0], args[1])
		if err != nil {
			return err
		}

		confirmed := make(chan chatsync.Message, 1)
		s.Sender().OnConfirmed(func(m chatsync.Message) {
			select {
			case confirmed <- m:
			default:
			}
		})

		req := &chatsync.SendRequest{
			Conversation: &conv,
			Content:      args[2],
			Attachments:  files,
			ReplyToID:    sendReplyTo,
			OnProgress: func(pct int) {
				if pct > 0 {
					fmt.Fprintf(os.Stderr, "\rUploading... %3d%%", pct)
				} else {
					fmt.Fprint(os.Stderr, "\r")
				}
			},
		}
		res, err := s.Send(ctx, req)
		if err != nil {
			return fmt.Errorf("send %s: %w", res.State, err)
		}

		switch res.State {
		case chatsync.SendRequested:
			fmt.Printf("Message request %s sent to %s\n", res.Request.ID, conv.Title())
			return nil
		case chatsync.SendDispatched:
		default:
			fmt.Printf("Send ended %s\n", res.State)
			return nil
		}

		select {
		case m := <-confirmed:
			fmt.Printf("Sent message %s\n", m.Ref)
		case <-time.After(sendWait):
			fmt.Printf("Sent (temp %s), no confirmation within %s\n", res.TempID, sendWait)
		}
		return nil
	},
}

// ============================================================================
// edit / delete / react
// ============================================================================

var editCmd = &cobra.Command{
	Use:   "edit <private|group> <id-or-username> <message-id> <new-content>",
	Short: "Edit a message",
	Args:  cobra.ExactArgs(4),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseMessageID(args[2])
		if err != nil {
			return err
		}
		return mutate(args[0], args[1], func(ctx context.Context, s *chatsync.Session) error {
			return s.Edit(ctx, chatsync.Message{Ref: chatsync.ConfirmedRef(id)}, args[3])
		})
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <private|group> <id-or-username> <message-id>",
	Short: "Delete a message",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseMessageID(args[2])
		if err != nil {
			return err
		}
		return mutate(args[0], args[1], func(ctx context.Context, s *chatsync.Session) error {
			return s.Delete(ctx, chatsync.Message{Ref: chatsync.ConfirmedRef(id)})
		})
	},
}

var reactCmd = &cobra.Command{
	Use:   "react <private|group> <id-or-username> <message-id> <reaction>",
	Short: "Add or remove a reaction",
	Args:  cobra.ExactArgs(4),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseMessageID(args[2])
		if err != nil {
			return err
		}
		return mutate(args[0], args[1], func(ctx context.Context, s *chatsync.Session) error {
			return s.React(ctx, id, args[3], reactRemove)
		})
	},
}

func mutate(kindArg, ident string, fn func(context.Context, *chatsync.Session) error) error {
	s, err := newSession()
	if err != nil {
		return err
	}
	defer s.Close()
	ctx, cancel := commandContext()
	defer cancel()

	if _, err := openLive(ctx, s, kindArg, ident); err != nil {
		return err
	}
	if err := fn(ctx, s); err != nil {
		return err
	}
	fmt.Println("Sent.")
	return nil
}
