package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/quotawatch/quotawatch/pkg/client"
	"github.com/quotawatch/quotawatch/pkg/engine"
	"github.com/quotawatch/quotawatch/pkg/mcp"
)

var (
	Version   = "v1.0.0"
	Commit    = "unknown"
	BuildTime = "unknown"
)

const usageText = `Usage: quotawatch <command>

Commands:
  status              Show orchestrator state and the latest usage snapshot
  refresh             Ask the daemon to poll now
  events [limit]      Show recent status events (default 20)
  snapshots [limit]   Show recent snapshot history (default 20)
  export <usage|events>  Write a CSV export to stdout
  mcp                 Serve the MCP interface on stdio

Environment:
  QUOTAWATCH_ENDPOINT  Daemon address (default http://127.0.0.1:8090)
`

func main() {
	if len(os.Args) < 2 {
		fmt.Print(usageText)
		os.Exit(1)
	}

	endpoint := os.Getenv("QUOTAWATCH_ENDPOINT")
	c := client.NewClient(endpoint)
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	switch os.Args[1] {
	case "status":
		runStatus(ctx, c)
	case "refresh":
		runRefresh(ctx, c)
	case "events":
		runEvents(ctx, c, limitArg(20))
	case "snapshots":
		runSnapshots(ctx, c, limitArg(20))
	case "export":
		if len(os.Args) < 3 {
			fmt.Print(usageText)
			os.Exit(1)
		}
		runExport(ctx, c, os.Args[2])
	case "mcp":
		cancel()
		srv := mcp.NewServer(endpoint, Version)
		if err := srv.Serve(); err != nil {
			fmt.Fprintf(os.Stderr, "MCP server error: %v\n", err)
			os.Exit(1)
		}
	default:
		fmt.Print(usageText)
		os.Exit(1)
	}
}

func limitArg(fallback int) int {
	if len(os.Args) < 3 {
		return fallback
	}
	n, err := strconv.Atoi(os.Args[2])
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func runStatus(ctx context.Context, c *client.Client) {
	status, err := c.GetStatus(ctx)
	if err != nil {
		die(err)
	}

	fmt.Printf("State: %s\n", status.State)
	if status.AuthMode != engine.ModeNone {
		fmt.Printf("Auth mode: %s\n", status.AuthMode)
	}
	if status.CaptureUnavailable {
		fmt.Println("Credential capture is unavailable; login cannot be recovered automatically.")
	}
	if status.ConsecutiveErrors > 0 {
		fmt.Printf("Consecutive poll failures: %d\n", status.ConsecutiveErrors)
	}

	snap := status.Snapshot
	if snap == nil {
		fmt.Println("No usage snapshot yet.")
		return
	}
	fmt.Printf("Session window: %5.1f%% used%s\n", snap.SessionUtilization, resetSuffix(snap.SessionResetsAt))
	if snap.HasWeekly {
		fmt.Printf("Weekly window:  %5.1f%% used%s\n", snap.WeeklyUtilization, resetSuffix(snap.WeeklyResetsAt))
	}
	fmt.Printf("Fetched: %s\n", snap.FetchedAt.Local().Format(time.RFC1123))
}

func resetSuffix(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return fmt.Sprintf(" (resets %s)", t.Local().Format(time.RFC1123))
}

func runRefresh(ctx context.Context, c *client.Client) {
	if err := c.TriggerRefresh(ctx); err != nil {
		die(err)
	}
	fmt.Println("Refresh requested.")
}

func runEvents(ctx context.Context, c *client.Client, limit int) {
	events, err := c.GetEvents(ctx, limit)
	if err != nil {
		die(err)
	}
	if len(events) == 0 {
		fmt.Println("No events recorded.")
		return
	}
	for _, ev := range events {
		fmt.Printf("%s  %-20s  %s\n", ev.Ts.Local().Format(time.RFC3339), ev.EventType, string(ev.Payload))
	}
}

func runSnapshots(ctx context.Context, c *client.Client, limit int) {
	snaps, err := c.GetSnapshots(ctx, limit)
	if err != nil {
		die(err)
	}
	if len(snaps) == 0 {
		fmt.Println("No snapshots recorded.")
		return
	}
	for _, s := range snaps {
		line := fmt.Sprintf("%s  session %5.1f%%", s.FetchedAt.Local().Format(time.RFC3339), s.SessionUtilization)
		if s.HasWeekly {
			line += fmt.Sprintf("  weekly %5.1f%%", s.WeeklyUtilization)
		}
		fmt.Println(line)
	}
}

func runExport(ctx context.Context, c *client.Client, reportType string) {
	body, err := c.GetReport(ctx, reportType)
	if err != nil {
		die(err)
	}
	defer body.Close()
	if _, err := io.Copy(os.Stdout, body); err != nil {
		die(err)
	}
}

func die(err error) {
	fmt.Fprintf(os.Stderr, "Error contacting daemon: %v\n", err)
	fmt.Fprintln(os.Stderr, "Is quotawatch-d running?")
	os.Exit(1)
}
