package xcenter

import (
	"time"
)

// EventType enumerates internal lifecycle events for the Observer pattern.
type EventType string

const (
	EventAccepted      EventType = "accepted"
	EventRejected      EventType = "rejected"
	EventReplaced      EventType = "replaced"
	EventCycleStart    EventType = "cycle_start"
	EventCycleDone     EventType = "cycle_done"
	EventDropped       EventType = "dropped"
	EventReceiverPanic EventType = "receiver_panic"
	EventCompletion    EventType = "completion"
)

// Event carries telemetry for observers.
type Event struct {
	Type     EventType
	Center   string
	Channel  string
	Receiver string
	Sequence uint64
	Count    int // envelopes involved (cycle size, replaced count)
	Changed  int // envelopes for which a receiver returned true
	Duration time.Duration
	Err      error
}

// PoolStats returns telemetry about the observer pool.
type PoolStats struct {
	Dropped      uint64 // Events dropped due to full buffer
	Processed    uint64 // Events successfully processed
	ActiveEvents int    // Current queue depth
	Workers      int    // Number of dispatch goroutines
	BufferSize   int    // Channel capacity
}

// Metrics defines observable telemetry for the center.
type Metrics struct {
	Accepted        uint64
	Rejected        uint64
	Replaced        uint64
	Cycles          uint64
	Deliveries      uint64
	AsyncDeliveries uint64
	Dropped         uint64
	Changed         uint64
	Panics          uint64
	Completions     uint64
	EventsDropped   uint64
	Pending         int
	AvgCycleTimeMs  float64
}

// HealthStatus indicates center health for Kubernetes probes.
type HealthStatus struct {
	Status    string // "healthy", "degraded", "unhealthy"
	Metrics   Metrics
	Timestamp time.Time
	Message   string
}
