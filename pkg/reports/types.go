package reports

import (
	"context"
	"io"

	"github.com/quotawatch/quotawatch/pkg/store"
)

type ReportType string

const (
	ReportTypeUsage  ReportType = "usage"
	ReportTypeEvents ReportType = "events"
)

type ReportParams struct {
	// Limit bounds the number of rows, newest first. Zero means the
	// generator's default.
	Limit int
}

// ReportStore defines the interface for data access required by reports.
type ReportStore interface {
	ReadRecentEvents(ctx context.Context, limit int) ([]*store.EventRecord, error)
	RecentSnapshots(ctx context.Context, limit int) ([]store.SnapshotRecord, error)
}

type Generator interface {
	Generate(ctx context.Context, params ReportParams) (io.Reader, error)
}
