package store

import (
	"encoding/json"
	"time"
)

// EventType mirrors the orchestrator's sink event types as persisted.
type EventType string

// EventRecord is one persisted sink event. The typed fields are columns for
// querying; everything event-specific rides in the JSON payload.
type EventRecord struct {
	EventID   string          `json:"event_id"`
	EventType EventType       `json:"event_type"`
	Ts        time.Time       `json:"ts"`
	Payload   json.RawMessage `json:"payload"`
}

// SnapshotRecord is one persisted usage snapshot.
type SnapshotRecord struct {
	FetchedAt          time.Time `json:"fetched_at"`
	SessionUtilization float64   `json:"session_utilization"`
	SessionResetsAt    time.Time `json:"session_resets_at,omitempty"`
	WeeklyUtilization  float64   `json:"weekly_utilization,omitempty"`
	WeeklyResetsAt     time.Time `json:"weekly_resets_at,omitempty"`
	HasWeekly          bool      `json:"has_weekly"`
}
