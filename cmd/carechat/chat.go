package main

import (
	"context"
	"fmt"
	"time"

	chatkit "github.com/carelink-health/chatkit-go"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	sendReplyTo     string
	sendFileReplyTo string
	deleteScope     string
)

// ============================================================================
// Helpers
// ============================================================================

// connectEngine builds a store + realtime + engine stack and connects the
// realtime channel. The caller must Disconnect the returned client.
func connectEngine(ctx context.Context, client *chatkit.Client, cfg *Config) (*chatkit.Engine, *chatkit.RealtimeClient, error) {
	selfID := requireUserID(cfg)

	rt := client.Realtime(&chatkit.RealtimeConfig{
		Token: sessionToken(cfg),
	})
	engine := chatkit.NewEngine(chatkit.NewStore(selfID), rt, client)
	engine.Bind(rt)

	if err := rt.Connect(ctx); err != nil {
		return nil, nil, fmt.Errorf("realtime connect failed: %w", err)
	}
	return engine, rt, nil
}

func renderMessage(selfID string, m *chatkit.Message) string {
	sender := m.SenderID
	if sender == selfID {
		sender = "me"
	}
	body := m.DisplayText()
	if body == "" && m.FileURL != "" {
		body = fmt.Sprintf("[%s] %s (%s)", m.Type, m.FileName, humanize.Bytes(uint64(m.FileSize)))
	}
	prefix := ""
	if m.ReplyTo != nil {
		prefix = fmt.Sprintf("(reply to %s: %.30q) ", m.ReplyTo.SenderID, m.ReplyTo.DisplayText())
	}
	return fmt.Sprintf("[%s] %s: %s%s", m.CreatedAt.Local().Format("15:04"), sender, prefix, body)
}

// ============================================================================
// carechat conversations
// ============================================================================

var conversationsCmd = &cobra.Command{
	Use:   "conversations",
	Short: "List conversations, most recent first",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg := getClient()
		selfID := sessionUserID(cfg)

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		convs, err := client.FetchConversations(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if len(convs) == 0 {
			fmt.Println("No conversations found.")
			return nil
		}

		for _, c := range convs {
			name := c.ID
			if other := c.OtherParticipant(selfID); other != nil {
				if other.DisplayName != "" {
					name = other.DisplayName
				} else {
					name = other.ID
				}
			}
			unread := ""
			if c.UnreadCount > 0 {
				unread = fmt.Sprintf(" (%d unread)", c.UnreadCount)
			}
			preview := ""
			if c.LastMessage != nil {
				preview = c.LastMessage.Text
				if preview == "" && c.LastMessage.FileURL != "" {
					preview = fmt.Sprintf("[%s]", c.LastMessage.Type)
				}
			}
			fmt.Printf("  %s (%s)%s\n      %s · %s\n", name, c.ID, unread, preview, humanize.Time(c.UpdatedAt))
		}
		return nil
	},
}

// ============================================================================
// carechat messages
// ============================================================================

var messagesCmd = &cobra.Command{
	Use:   "messages <conversation-id>",
	Short: "Show a conversation's history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg := getClient()
		selfID := sessionUserID(cfg)

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		msgs, err := client.FetchMessages(ctx, args[0])
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if len(msgs) == 0 {
			fmt.Println("No messages found.")
			return nil
		}

		for _, m := range msgs {
			if m.HiddenFor(selfID) {
				continue
			}
			fmt.Println(renderMessage(selfID, m))
		}
		return nil
	},
}

// ============================================================================
// carechat send
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <user-id> <text>",
	Short: "Send a text message to a user",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, text := args[0], args[1]
		client, cfg := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		engine, rt, err := connectEngine(ctx, client, cfg)
		if err != nil {
			return err
		}
		defer rt.Disconnect()

		conv, err := engine.OpenConversation(ctx, userID)
		if err != nil {
			return err
		}
		msg, err := engine.SendText(ctx, conv.ID, text, sendReplyTo)
		if err != nil {
			return err
		}
		fmt.Printf("Sent to conversation %s (nonce %s)\n", conv.ID, msg.ClientNonce)
		return nil
	},
}

// ============================================================================
// carechat send-file
// ============================================================================

var sendFileCmd = &cobra.Command{
	Use:   "send-file <user-id> <path>",
	Short: "Upload a file and send it as a message",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, filePath := args[0], args[1]
		client, cfg := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()

		up, err := client.UploadFile(ctx, filePath)
		if err != nil {
			return fmt.Errorf("upload failed: %w", err)
		}
		fmt.Printf("Uploaded %s (%s) -> %s\n", up.FileName, humanize.Bytes(uint64(up.FileSize)), up.URL)

		engine, rt, err := connectEngine(ctx, client, cfg)
		if err != nil {
			return err
		}
		defer rt.Disconnect()

		conv, err := engine.OpenConversation(ctx, userID)
		if err != nil {
			return err
		}
		if _, err := engine.SendAttachment(ctx, conv.ID, up, sendFileReplyTo); err != nil {
			return err
		}
		fmt.Printf("Sent to conversation %s\n", conv.ID)
		return nil
	},
}

// ============================================================================
// carechat delete
// ============================================================================

var deleteCmd = &cobra.Command{
	Use:   "delete <message-id>",
	Short: "Delete a message",
	Long:  "Delete a message for yourself (--scope me) or for both participants (--scope everyone).\nDeleting for everyone is only allowed for messages you sent.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		messageID := args[0]
		scope := chatkit.DeleteScope(deleteScope)
		if scope != chatkit.DeleteForMe && scope != chatkit.DeleteForEveryone {
			return fmt.Errorf("invalid scope %q (valid: me, everyone)", deleteScope)
		}
		client, cfg := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		// Prefer the realtime channel; the engine falls back to REST on its
		// own if the acknowledgement does not arrive.
		engine, rt, err := connectEngine(ctx, client, cfg)
		if err != nil {
			// No realtime at all: REST directly.
			if restErr := client.DeleteMessage(ctx, messageID, scope); restErr != nil {
				return restErr
			}
			fmt.Printf("Deleted %s (%s).\n", messageID, scope)
			return nil
		}
		defer rt.Disconnect()

		if err := engine.DeleteMessage(ctx, messageID, scope); err != nil {
			return err
		}
		fmt.Printf("Deleted %s (%s).\n", messageID, scope)
		return nil
	},
}

// ============================================================================
// carechat clear
// ============================================================================

var clearCmd = &cobra.Command{
	Use:   "clear <conversation-id>",
	Short: "Clear a conversation's history for yourself",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _ := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		if err := client.ClearConversation(ctx, args[0]); err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		fmt.Printf("Cleared conversation %s.\n", args[0])
		return nil
	},
}

// ============================================================================
// carechat read
// ============================================================================

var readCmd = &cobra.Command{
	Use:   "read <conversation-id>",
	Short: "Mark a conversation as read",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _ := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := client.MarkAsRead(ctx, args[0]); err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		fmt.Printf("Conversation %s marked as read.\n", args[0])
		return nil
	},
}

// ============================================================================
// Registration
// ============================================================================

func init() {
	sendCmd.Flags().StringVar(&sendReplyTo, "reply-to", "", "Message id to reply to")
	sendFileCmd.Flags().StringVar(&sendFileReplyTo, "reply-to", "", "Message id to reply to")
	deleteCmd.Flags().StringVar(&deleteScope, "scope", "me", "Deletion scope: me or everyone")

	rootCmd.AddCommand(conversationsCmd)
	rootCmd.AddCommand(messagesCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(sendFileCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(clearCmd)
	rootCmd.AddCommand(readCmd)
}
