package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	chatkit "github.com/carelink-health/chatkit-go"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var watchVerbose bool

func init() {
	watchCmd.Flags().BoolVarP(&watchVerbose, "verbose", "v", false, "Show engine debug logs")
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream live chat events until interrupted",
	Long:  "Connect to the realtime channel and print incoming messages, deletions, presence changes, and the unread total as they happen.",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg := getClient()
		selfID := requireUserID(cfg)

		level := zerolog.WarnLevel
		if watchVerbose {
			level = zerolog.DebugLevel
		}
		log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
			Level(level).With().Timestamp().Logger()

		rt := client.Realtime(&chatkit.RealtimeConfig{
			Token:         sessionToken(cfg),
			AutoReconnect: true,
			Logger:        log,
		})
		engine := chatkit.NewEngine(chatkit.NewStore(selfID), rt, client,
			chatkit.WithEngineLogger(log),
			chatkit.WithNotifier(func(text string) {
				fmt.Printf("! %s\n", text)
			}),
		)
		engine.Bind(rt)

		rt.OnNewMessage(func(m *chatkit.Message) {
			fmt.Println(renderMessage(selfID, m))
			fmt.Printf("  unread total: %d\n", engine.TotalUnread())
		})
		rt.OnMessageDeleted(func(p chatkit.MessageDeletedPayload) {
			fmt.Printf("-- message %s deleted in %s\n", p.MessageID, p.ConversationID)
		})
		rt.OnConversationCleared(func(p chatkit.ConversationClearedPayload) {
			fmt.Printf("-- conversation %s cleared\n", p.ConversationID)
		})
		rt.OnOnlineUsers(func(ids []string) {
			if len(ids) == 0 {
				fmt.Println("-- nobody online")
				return
			}
			fmt.Printf("-- online: %s\n", strings.Join(ids, ", "))
		})
		rt.OnDisconnected(func(code int, reason string) {
			log.Warn().Int("code", code).Str("reason", reason).Msg("disconnected")
		})
		rt.OnReconnecting(func(attempt int, delay time.Duration) {
			log.Info().Int("attempt", attempt).Dur("delay", delay).Msg("reconnecting")
		})

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		err := rt.Connect(dialCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("realtime connect failed: %w", err)
		}
		defer rt.Disconnect()

		fmt.Printf("Connected as %s. Watching for events (Ctrl-C to stop)...\n", selfID)
		<-ctx.Done()
		fmt.Println("\nBye.")
		return nil
	},
}
