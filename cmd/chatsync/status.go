package main

import (
	"context"
	"fmt"
	"time"

	"github.com/Prismer-AI/Prismer/sdk/chatsync"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration and backend reachability",
	Long:  "Display the effective configuration, then check the REST API and the push endpoint.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:  %s\n", valueOrDefault(cfg.Default.BaseURL, chatsync.DefaultBaseURL+" (default)"))
		fmt.Printf("  Log level: %s\n", valueOrDefault(cfg.Default.LogLevel, "info"))

		fmt.Println()
		fmt.Println("Auth:")
		if cfg.Auth.Token != "" {
			fmt.Printf("  Token:     %s\n", maskKey(cfg.Auth.Token))
		} else {
			fmt.Println("  Token:     (not set)")
		}
		fmt.Printf("  User ID:   %s\n", valueOrDefault(cfg.Auth.UserID, "(not set)"))
		fmt.Printf("  Operator:  %t\n", cfg.Auth.Operator)

		if cfg.Auth.Token == "" {
			return nil
		}
		_, client, _, err := setup()
		if err != nil {
			return err
		}

		fmt.Println()
		fmt.Println("Live status:")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		convs, err := client.ListConversations(ctx)
		if err != nil {
			fmt.Printf("  API:       error: %v\n", err)
		} else {
			unread := 0
			for _, c := range convs {
				unread += c.UnreadCount
			}
			fmt.Printf("  API:       ok (%d conversations, %d unread)\n", len(convs), unread)
		}

		rt := client.Realtime(chatsync.RealtimeConfig{})
		if err := rt.Connect(ctx); err != nil {
			fmt.Printf("  Push:      error: %v\n", err)
			return nil
		}
		defer rt.Disconnect()

		start := time.Now()
		if _, err := rt.Ping(ctx); err != nil {
			fmt.Printf("  Push:      connected, ping failed: %v\n", err)
			return nil
		}
		fmt.Printf("  Push:      %s (ping %s)\n", rt.ConnState(), time.Since(start).Round(time.Millisecond))
		return nil
	},
}
