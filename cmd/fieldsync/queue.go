package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalibrium/fieldsync/internal/engine"
	"github.com/kalibrium/fieldsync/internal/store"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and manage the pending mutation queue",
	Long: `Inspect the durable mutation queue.

Mutations that failed ` + fmt.Sprint(engine.DefaultMaxRetries) + ` times are stalled: they stay queued but are
excluded from replay until resolved with "queue retry" or "queue drop".`,
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued mutations in replay order",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			fatalf("failed to open local cache: %v", err)
		}
		defer st.Close()

		mutations, err := st.ListQueue(context.Background())
		if err != nil {
			fatalf("failed to list queue: %v", err)
		}
		if len(mutations) == 0 {
			fmt.Println("Queue is empty")
			return nil
		}

		for _, m := range mutations {
			marker := " "
			if m.Retries >= engine.DefaultMaxRetries {
				marker = "!"
			}
			fmt.Printf("%s %-26s %-6s %-40s retries=%d age=%s\n",
				marker, m.ID, m.Method, m.URL, m.Retries,
				time.Since(m.CreatedAt).Round(time.Second))
			if m.LastError != "" {
				fmt.Printf("    last error: %s\n", m.LastError)
			}
		}
		return nil
	},
}

var queueDropCmd = &cobra.Command{
	Use:   "drop <mutation-id>",
	Short: "Discard a queued mutation without replaying it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			fatalf("failed to open local cache: %v", err)
		}
		defer st.Close()

		if err := st.Dequeue(context.Background(), args[0]); err != nil {
			fatalf("failed to drop mutation: %v", err)
		}
		fmt.Printf("Dropped %s\n", args[0])
		return nil
	},
}

var queueRetryCmd = &cobra.Command{
	Use:   "retry <mutation-id>",
	Short: "Reset a stalled mutation so the next sync replays it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			fatalf("failed to open local cache: %v", err)
		}
		defer st.Close()

		zero := 0
		clear := ""
		err = st.UpdateQueueEntry(context.Background(), args[0], store.QueuePatch{
			Retries:   &zero,
			LastError: &clear,
		})
		if err != nil {
			fatalf("failed to reset mutation: %v", err)
		}
		fmt.Printf("Reset %s; it will replay on the next sync\n", args[0])
		return nil
	},
}

func init() {
	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueDropCmd)
	queueCmd.AddCommand(queueRetryCmd)
	rootCmd.AddCommand(queueCmd)
}
