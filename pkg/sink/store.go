package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/quotawatch/quotawatch/pkg/store"
)

const storeWriteTimeout = 2 * time.Second

// StoreSink persists every event to the SQLite event log and records
// accepted snapshots in the history table.
type StoreSink struct {
	store *store.Store
}

func NewStoreSink(s *store.Store) *StoreSink {
	return &StoreSink{store: s}
}

func (s *StoreSink) Emit(ev Event) {
	ctx, cancel := context.WithTimeout(context.Background(), storeWriteTimeout)
	defer cancel()

	payload, err := json.Marshal(ev)
	if err != nil {
		log.Printf("Failed to marshal sink event: %v", err)
		return
	}

	rec := &store.EventRecord{
		EventID:   fmt.Sprintf("%s_%d", ev.Type, ev.At.UnixNano()),
		EventType: store.EventType(ev.Type),
		Ts:        ev.At,
		Payload:   payload,
	}
	if err := s.store.AppendEvent(ctx, rec); err != nil {
		log.Printf("Failed to append sink event: %v", err)
	}

	if ev.Type == EventSnapshotUpdated && ev.Snapshot != nil {
		rec := store.SnapshotRecord{
			FetchedAt:          ev.Snapshot.FetchedAt,
			SessionUtilization: ev.Snapshot.SessionUtilization,
			SessionResetsAt:    ev.Snapshot.SessionResetsAt,
			WeeklyUtilization:  ev.Snapshot.WeeklyUtilization,
			WeeklyResetsAt:     ev.Snapshot.WeeklyResetsAt,
			HasWeekly:          ev.Snapshot.HasWeekly,
		}
		if err := s.store.SaveSnapshot(ctx, rec); err != nil {
			log.Printf("Failed to save snapshot: %v", err)
		}
	}
}
