package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/kalibrium/fieldsync/internal/status"
)

var (
	statusTitleStyle = lipgloss.NewStyle().Bold(true)
	statusLabelStyle = lipgloss.NewStyle().Faint(true).Width(12)
	statusOKStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	statusWarnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	statusBadStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	statusPanelStyle = lipgloss.NewStyle().
				Border(lipgloss.RoundedBorder()).
				Padding(0, 1)
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show pending writes and last sync time",
	Long: `Show the local sync state: how many writes are waiting to reach the
server, how many are stalled and need manual attention, and when the
device last completed a sync.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			fatalf("failed to open local cache: %v", err)
		}
		defer st.Close()

		tracker := status.New(st, status.Config{})
		snap, err := tracker.Snapshot(context.Background())
		if err != nil {
			fatalf("failed to read sync status: %v", err)
		}

		format, _ := cmd.Flags().GetString("output")
		switch format {
		case "json":
			out, err := json.MarshalIndent(snap, "", "  ")
			if err != nil {
				fatalf("failed to encode status: %v", err)
			}
			fmt.Println(string(out))
		case "yaml":
			out, err := yaml.Marshal(snap)
			if err != nil {
				fatalf("failed to encode status: %v", err)
			}
			fmt.Print(string(out))
		case "text":
			fmt.Println(renderStatusPanel(snap, st.Path()))
		default:
			fatalf("unknown output format %q (want text, json, or yaml)", format)
		}
		return nil
	},
}

func renderStatusPanel(snap status.Status, dbPath string) string {
	pending := statusOKStyle.Render(fmt.Sprintf("%d", snap.PendingCount))
	if snap.PendingCount > 0 {
		pending = statusWarnStyle.Render(fmt.Sprintf("%d", snap.PendingCount))
	}
	stalled := statusOKStyle.Render("0")
	if snap.StalledCount > 0 {
		stalled = statusBadStyle.Render(fmt.Sprintf("%d (needs attention)", snap.StalledCount))
	}
	lastSync := "never"
	if !snap.LastSyncAt.IsZero() {
		lastSync = fmt.Sprintf("%s (%s ago)",
			snap.LastSyncAt.Local().Format(time.RFC822),
			time.Since(snap.LastSyncAt).Round(time.Second))
	}

	body := lipgloss.JoinVertical(lipgloss.Left,
		statusTitleStyle.Render("fieldsync"),
		statusLabelStyle.Render("Pending")+pending,
		statusLabelStyle.Render("Stalled")+stalled,
		statusLabelStyle.Render("Last sync")+lastSync,
		statusLabelStyle.Render("Cache")+dbPath,
	)
	return statusPanelStyle.Render(body)
}

func init() {
	statusCmd.Flags().StringP("output", "o", "text", "output format: text, json, or yaml")
	rootCmd.AddCommand(statusCmd)
}
