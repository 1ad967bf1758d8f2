package reports

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"time"
)

// EventsReport generates CSV exports of the persisted event log, newest first.
type EventsReport struct {
	store ReportStore
}

// NewEventsReport creates a new EventsReport generator.
func NewEventsReport(s ReportStore) *EventsReport {
	return &EventsReport{store: s}
}

// Generate creates a CSV report of recent status events.
func (r *EventsReport) Generate(ctx context.Context, params ReportParams) (io.Reader, error) {
	buf := &bytes.Buffer{}
	writer := csv.NewWriter(buf)

	headers := []string{"ts", "event_type", "payload"}
	if err := writer.Write(headers); err != nil {
		return nil, fmt.Errorf("failed to write headers: %w", err)
	}

	limit := params.Limit
	if limit <= 0 {
		limit = 500
	}

	events, err := r.store.ReadRecentEvents(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}

	for _, ev := range events {
		row := []string{
			ev.Ts.Format(time.RFC3339),
			string(ev.EventType),
			string(ev.Payload),
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
