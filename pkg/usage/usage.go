package usage

import (
	"encoding/json"
	"fmt"
	"time"
)

// Snapshot is one observation of the remote account's rate-limit consumption.
// It is constructed atomically from a single response body and never mutated;
// each successful fetch supersedes the previous snapshot wholesale.
type Snapshot struct {
	// SessionUtilization is the percent consumed of the rolling session
	// window. The service may transiently report values above 100; they are
	// passed through unclamped.
	SessionUtilization float64 `json:"session_utilization"`
	// SessionResetsAt is when the session window resets (UTC). Zero when the
	// service did not report a parseable reset time.
	SessionResetsAt time.Time `json:"session_resets_at,omitempty"`

	// WeeklyUtilization and WeeklyResetsAt describe the weekly window. They
	// are meaningful only when HasWeekly is true; some accounts have no
	// weekly window at all, and its presence is data-driven.
	WeeklyUtilization float64   `json:"weekly_utilization,omitempty"`
	WeeklyResetsAt    time.Time `json:"weekly_resets_at,omitempty"`
	HasWeekly         bool      `json:"has_weekly"`

	// FetchedAt is when this snapshot was captured. Used for staleness
	// display, not cache invalidation.
	FetchedAt time.Time `json:"fetched_at"`
}

// wireWindow mirrors one window object on the wire.
type wireWindow struct {
	Utilization float64 `json:"utilization"`
	ResetsAt    string  `json:"resets_at"`
}

// wireBody mirrors the usage endpoint response. Unknown top-level keys are
// ignored for forward compatibility.
type wireBody struct {
	FiveHour *wireWindow `json:"five_hour"`
	SevenDay *wireWindow `json:"seven_day"`
}

// Parse builds a Snapshot from a usage response body. The weekly window is
// populated only when the seven_day key is present. An absent or unparsable
// resets_at leaves the corresponding reset time zero; it is not an error.
func Parse(body []byte, fetchedAt time.Time) (Snapshot, error) {
	var wire wireBody
	if err := json.Unmarshal(body, &wire); err != nil {
		return Snapshot{}, fmt.Errorf("parse usage body: %w", err)
	}

	snap := Snapshot{FetchedAt: fetchedAt.UTC()}

	if wire.FiveHour != nil {
		snap.SessionUtilization = wire.FiveHour.Utilization
		snap.SessionResetsAt = parseResetTime(wire.FiveHour.ResetsAt)
	}
	if wire.SevenDay != nil {
		snap.HasWeekly = true
		snap.WeeklyUtilization = wire.SevenDay.Utilization
		snap.WeeklyResetsAt = parseResetTime(wire.SevenDay.ResetsAt)
	}

	return snap, nil
}

// parseResetTime parses an RFC3339 timestamp and normalizes it to UTC.
// Anything unparsable maps to the zero time.
func parseResetTime(raw string) time.Time {
	if raw == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

// Age returns how long ago the snapshot was captured.
func (s Snapshot) Age(now time.Time) time.Duration {
	return now.Sub(s.FetchedAt)
}
