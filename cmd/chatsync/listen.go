package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/Prismer-AI/Prismer/sdk/chatsync"
	"github.com/spf13/cobra"
)

var listenGroup string

func init() {
	listenCmd.Flags().StringVar(&listenGroup, "group", "", "Also follow this group")
	rootCmd.AddCommand(listenCmd)
}

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Print live events until interrupted",
	Long:  "Open the private and notification channels (and optionally one group) and print every event.",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newSession()
		if err != nil {
			return err
		}
		defer s.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		m := s.Manager()
		for _, kind := range []chatsync.ChannelKind{chatsync.ChannelPrivate, chatsync.ChannelGroup, chatsync.ChannelNotifications} {
			m.OnEvent(kind, func(ev chatsync.Event) {
				fmt.Printf("%-13s %-16s %s\n", ev.Channel, ev.Type, string(ev.Raw))
			})
		}

		closed := make(chan chatsync.ChannelKind, 3)
		m.OnStateChange(func(kind chatsync.ChannelKind, st chatsync.ChannelState) {
			fmt.Fprintf(os.Stderr, "%s channel %s\n", kind, st)
			if st == chatsync.StateClosed {
				select {
				case closed <- kind:
				default:
				}
			}
		})

		if err := s.Start(ctx); err != nil {
			return err
		}
		if listenGroup != "" {
			conv := chatsync.Conversation{ID: listenGroup, Kind: chatsync.KindGroup, Group: &chatsync.Group{ID: listenGroup}}
			if _, err := s.OpenConversation(ctx, conv); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
			}
		}

		// Channels do not reconnect on their own; reopen with backoff.
		for {
			select {
			case <-ctx.Done():
				return nil
			case kind := <-closed:
				if ctx.Err() != nil {
					return nil
				}
				params := chatsync.OpenParams{}
				if kind == chatsync.ChannelGroup {
					if listenGroup == "" {
						continue
					}
					params.GroupID = listenGroup
				}
				if _, err := m.OpenWithRetry(ctx, kind, params); err != nil && ctx.Err() == nil {
					return fmt.Errorf("reopen %s channel: %w", kind, err)
				}
			}
		}
	},
}
