package main

import (
	"context"
	"fmt"
	"time"

	chatkit "github.com/carelink-health/chatkit-go"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and service health",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		if base := baseURL(cfg); base != "" {
			fmt.Printf("  Base URL: %s\n", base)
		} else {
			fmt.Printf("  Base URL: %s (default)\n", chatkit.DefaultBaseURL)
		}
		if token := sessionToken(cfg); token != "" {
			fmt.Printf("  Token:    %s\n", maskToken(token))
		} else {
			fmt.Println("  Token:    (not set)")
		}
		fmt.Printf("  User ID:  %s\n", valueOrDefault(sessionUserID(cfg), "(not set)"))

		if sessionToken(cfg) == "" {
			return nil
		}

		client, _ := getClient()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		fmt.Println()
		if err := client.Health(ctx); err != nil {
			fmt.Printf("Chat service: UNHEALTHY (%v)\n", err)
			return nil
		}
		fmt.Println("Chat service: HEALTHY")

		convs, err := client.FetchConversations(ctx)
		if err != nil {
			fmt.Printf("Conversations: error (%v)\n", err)
			return nil
		}
		unread := 0
		for _, c := range convs {
			unread += c.UnreadCount
		}
		fmt.Printf("Conversations: %d (%d unread)\n", len(convs), unread)
		return nil
	},
}

// maskToken shows the first 8 and last 4 characters of a token.
func maskToken(token string) string {
	if len(token) <= 12 {
		return token[:2] + "..."
	}
	return token[:8] + "..." + token[len(token)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
