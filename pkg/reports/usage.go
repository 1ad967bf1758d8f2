package reports

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"time"
)

// UsageReport generates CSV exports of the snapshot history, newest first.
type UsageReport struct {
	store ReportStore
}

// NewUsageReport creates a new UsageReport generator.
func NewUsageReport(s ReportStore) *UsageReport {
	return &UsageReport{store: s}
}

// Generate creates a CSV report of recent usage snapshots.
func (r *UsageReport) Generate(ctx context.Context, params ReportParams) (io.Reader, error) {
	buf := &bytes.Buffer{}
	writer := csv.NewWriter(buf)

	headers := []string{"fetched_at", "session_utilization", "session_resets_at", "weekly_utilization", "weekly_resets_at", "has_weekly"}
	if err := writer.Write(headers); err != nil {
		return nil, fmt.Errorf("failed to write headers: %w", err)
	}

	limit := params.Limit
	if limit <= 0 {
		limit = 500
	}

	snaps, err := r.store.RecentSnapshots(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshots: %w", err)
	}

	for _, snap := range snaps {
		row := []string{
			snap.FetchedAt.Format(time.RFC3339),
			fmt.Sprintf("%.2f", snap.SessionUtilization),
			formatResetTime(snap.SessionResetsAt),
			fmt.Sprintf("%.2f", snap.WeeklyUtilization),
			formatResetTime(snap.WeeklyResetsAt),
			fmt.Sprintf("%t", snap.HasWeekly),
		}
		if err := writer.Write(row); err != nil {
			return nil, fmt.Errorf("failed to write row: %w", err)
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, fmt.Errorf("failed to flush writer: %w", err)
	}

	return buf, nil
}

func formatResetTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339)
}
