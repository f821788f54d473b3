package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/kalibrium/fieldsync/internal/daemon"
	"github.com/kalibrium/fieldsync/internal/engine"
	"github.com/kalibrium/fieldsync/internal/realtime"
	"github.com/kalibrium/fieldsync/internal/status"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the background sync daemon",
	Long: `Run the long-lived sync daemon:

- Syncs on start, then periodically (default every 5 minutes)
- Listens on the tenant's private websocket channel and resyncs when
  the server reports changes, with throttling so bursts of messages
  collapse into one cycle
- Watches the attachment spool directory and registers new photos and
  signatures for upload on the next cycle

The daemon runs until interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := newLogger("[daemon] ")

		st, err := openStore()
		if err != nil {
			fatalf("failed to open local cache: %v", err)
		}
		defer st.Close()

		eng, err := newEngine(st, newLogger("[sync] "))
		if err != nil {
			fatalf("%v", err)
		}

		interval, _ := cmd.Flags().GetDuration("interval")

		tracker := status.New(st, status.Config{
			Sync: func(reason string) {
				go func() {
					if _, err := eng.FullSync(context.Background()); err != nil {
						logger.Printf("sync (%s) failed: %v", reason, err)
					}
				}()
			},
			IsSyncing: eng.IsSyncing,
			Logger:    newLogger("[status] "),
		})
		unsubscribe := eng.OnSyncComplete(func(r engine.Result) {
			tracker.MarkCompleted(r.CompletedAt)
		})
		defer unsubscribe()

		var manager *realtime.Manager
		if url := viper.GetString("realtime-url"); url != "" {
			manager = realtime.NewManager(realtime.Config{
				URL:      url,
				TenantID: viper.GetString("tenant"),
				UserID:   viper.GetString("user"),
				Token:    viper.GetString("token"),
				RequestSync: func(reason string) {
					tracker.RequestSync(reason)
				},
				OnDown: func() {
					logger.Println("realtime channel down, relying on periodic sync")
				},
				Logger: newLogger("[realtime] "),
			})
			tracker.SetOnline(true)
		} else {
			logger.Println("no realtime URL configured, periodic sync only")
		}

		spool, err := spoolDir()
		if err != nil {
			fatalf("%v", err)
		}

		d, err := daemon.New(st, eng, tracker, manager, &daemon.Config{
			SyncInterval: interval,
			SpoolDir:     spool,
			Logger:       logger,
		})
		if err != nil {
			fatalf("failed to create daemon: %v", err)
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		fmt.Printf("Daemon running (sync every %v, spool %s). Press Ctrl+C to stop.\n", interval, spool)
		if err := d.Start(ctx); err != nil && ctx.Err() == nil {
			fatalf("daemon failed: %v", err)
		}
		fmt.Println("Daemon stopped")
		return nil
	},
}

func init() {
	daemonCmd.Flags().Duration("interval", 5*time.Minute, "periodic sync interval")
	rootCmd.AddCommand(daemonCmd)
}
