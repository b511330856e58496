package main

import (
	"fmt"
	"os"

	"github.com/Prismer-AI/Prismer/sdk/chatsync"
	"github.com/spf13/cobra"
)

var (
	conversationsJSON bool
	searchJSON        bool
	requestsJSON      bool
)

func init() {
	conversationsCmd.Flags().BoolVar(&conversationsJSON, "json", false, "Output JSON")
	searchCmd.Flags().BoolVar(&searchJSON, "json", false, "Output JSON")
	requestsListCmd.Flags().BoolVar(&requestsJSON, "json", false, "Output JSON")

	requestsCmd.AddCommand(requestsListCmd, requestsAcceptCmd, requestsRejectCmd)
	rootCmd.AddCommand(conversationsCmd, searchCmd, resolveCmd, requestsCmd)
}

// ============================================================================
// conversations
// ============================================================================

var conversationsCmd = &cobra.Command{
	Use:     "conversations",
	Aliases: []string{"ls"},
	Short:   "List private and group conversations, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newSession()
		if err != nil {
			return err
		}
		defer s.Close()
		ctx, cancel := commandContext()
		defer cancel()

		convs, err := s.Directory().Refresh(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
		}
		if conversationsJSON {
			return printJSON(convs)
		}
		if len(convs) == 0 {
			fmt.Println("No conversations.")
			return nil
		}
		for _, c := range convs {
			printConversation(c)
		}
		return nil
	},
}

// ============================================================================
// search / resolve
// ============================================================================

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search users and groups",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newSession()
		if err != nil {
			return err
		}
		defer s.Close()
		ctx, cancel := commandContext()
		defer cancel()

		results, err := s.Directory().Search(ctx, args[0])
		if err != nil {
			return fmt.Errorf("search failed: %w", err)
		}
		if searchJSON {
			return printJSON(results)
		}
		if len(results) == 0 {
			fmt.Println("No matches.")
			return nil
		}
		for _, r := range results {
			switch r.Kind {
			case chatsync.KindGroup:
				fmt.Printf("group    %-20s %s\n", r.Group.ID, r.Group.Name)
			default:
				fmt.Printf("private  %-20s %s\n", r.User.ID, r.User.Username)
			}
		}
		return nil
	},
}

var resolveCmd = &cobra.Command{
	Use:   "resolve <private|group> <id-or-username>",
	Short: "Resolve a conversation from an id or username",
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
		printConversation(conv)
		if conv.Placeholder {
			fmt.Println("    (not found, placeholder)")
		} else if conv.Local {
			fmt.Println("    (new conversation)")
		}
		return nil
	},
}

// ============================================================================
// requests
// ============================================================================

var requestsCmd = &cobra.Command{
	Use:   "requests",
	Short: "Manage pending message requests",
}

var requestsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending message requests",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newSession()
		if err != nil {
			return err
		}
		defer s.Close()
		ctx, cancel := commandContext()
		defer cancel()

		reqs, err := s.Directory().LoadPending(ctx)
		if err != nil {
			return fmt.Errorf("failed to load requests: %w", err)
		}
		if requestsJSON {
			return printJSON(reqs)
		}
		if len(reqs) == 0 {
			fmt.Println("No pending requests.")
			return nil
		}
		self := s.Self().ID
		for _, r := range reqs {
			dir, who := "from", r.From
			if r.From.ID == self {
				dir, who = "to", r.To
			}
			fmt.Printf("%-12s %-4s %-20s %s\n", r.ID, dir, who.Username, r.Content)
		}
		return nil
	},
}

var requestsAcceptCmd = &cobra.Command{
	Use:   "accept <request-id>",
	Short: "Accept a message request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return respondRequest(args[0], true)
	},
}

var requestsRejectCmd = &cobra.Command{
	Use:   "reject <request-id>",
	Short: "Reject a message request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return respondRequest(args[0], false)
	},
}

func respondRequest(id string, accept bool) error {
	s, err := newSession()
	if err != nil {
		return err
	}
	defer s.Close()
	ctx, cancel := commandContext()
	defer cancel()

	if err := s.RespondRequest(ctx, id, accept); err != nil {
		return fmt.Errorf("failed to answer request: %w", err)
	}
	if accept {
		fmt.Printf("Accepted request %s\n", id)
	} else {
		fmt.Printf("Rejected request %s\n", id)
	}
	return nil
}
