package sink

import (
	"log"
	"time"

	"github.com/quotawatch/quotawatch/pkg/usage"
)

// EventType identifies an orchestrator status event.
type EventType string

const (
	EventSnapshotUpdated    EventType = "snapshot_updated"
	EventAuthRequired       EventType = "auth_required"
	EventAuthRecovered      EventType = "auth_recovered"
	EventTransientError     EventType = "transient_error"
	EventErrorEscalation    EventType = "error_escalation"
	EventCaptureUnavailable EventType = "capture_unavailable"
)

// Event is one structured status event emitted by the orchestrator. The
// orchestrator produces data only; presentation belongs to whatever consumes
// the sink.
type Event struct {
	Type EventType `json:"type"`
	At   time.Time `json:"at"`

	// Snapshot is set for EventSnapshotUpdated.
	Snapshot *usage.Snapshot `json:"snapshot,omitempty"`
	// Reason is set for EventAuthRequired.
	Reason string `json:"reason,omitempty"`
	// Count and Message are set for EventTransientError and
	// EventErrorEscalation.
	Count   int    `json:"count,omitempty"`
	Message string `json:"message,omitempty"`
}

// Sink receives orchestrator events. Emit is called from the orchestrator
// loop and must not block for long; slow consumers should buffer internally.
type Sink interface {
	Emit(ev Event)
}

// Func adapts a function to the Sink interface.
type Func func(ev Event)

func (f Func) Emit(ev Event) { f(ev) }

// Multi fans one event out to several sinks in order.
func Multi(sinks ...Sink) Sink {
	return Func(func(ev Event) {
		for _, s := range sinks {
			s.Emit(ev)
		}
	})
}

// Log writes events to the process log.
type Log struct{}

func (Log) Emit(ev Event) {
	switch ev.Type {
	case EventSnapshotUpdated:
		if ev.Snapshot.HasWeekly {
			log.Printf("usage: session %.1f%%, weekly %.1f%%", ev.Snapshot.SessionUtilization, ev.Snapshot.WeeklyUtilization)
		} else {
			log.Printf("usage: session %.1f%%", ev.Snapshot.SessionUtilization)
		}
	case EventAuthRequired:
		log.Printf("authentication required: %s", ev.Reason)
	case EventAuthRecovered:
		log.Printf("authentication recovered")
	case EventTransientError:
		log.Printf("poll failed (%d consecutive): %s", ev.Count, ev.Message)
	case EventErrorEscalation:
		log.Printf("poll failing persistently (%d consecutive): %s", ev.Count, ev.Message)
	case EventCaptureUnavailable:
		log.Printf("credential capture unavailable; manual remediation needed")
	}
}
