// Package eventbus is the core's in-process Event System: a typed
// publish/subscribe bus with last-value-per-type retention and a
// single dispatch goroutine, replacing the teacher's hook-event bus
// (internal/eventbus.Bus, a payload:any dispatcher keyed by a string
// EventType enum) with a sum-type-per-event design and a subscribe/
// unsubscribe-by-id API.
package eventbus

import "github.com/wisp-sync/wisp/internal/types"

// EventType identifies the shape of an event's payload.
type EventType string

const (
	EventIncantationRegistered   EventType = "incantation_registered"
	EventIncantationUnregistered EventType = "incantation_unregistered"
	EventProcessorUpdate         EventType = "processor_update"
	EventMutationCommitted       EventType = "mutation_committed"
	EventMutationFailed          EventType = "mutation_failed"
	EventSyncQueueDrained        EventType = "sync_queue_drained"
	EventQueryRef                EventType = "query_ref"
)

// IncantationRegisteredPayload fires when the registry transitions an
// incantation into StateLive for the first time.
type IncantationRegisteredPayload struct {
	Hash     string
	ClientID string
}

// IncantationUnregisteredPayload fires once an incantation reaches
// StateDestroyed.
type IncantationUnregisteredPayload struct {
	Hash     string
	ClientID string
}

// ProcessorUpdatePayload fires whenever the Stream Processor produces a
// non-empty diff for a registered incantation.
type ProcessorUpdatePayload struct {
	Hash string
	Diff types.RecordVersionDiff
	View types.MaterializedView
}

// MutationCommittedPayload fires when the Mutation Pipeline's local
// transaction for a write commits.
type MutationCommittedPayload struct {
	MutationID string
	Record     types.RecordRef
}

// MutationFailedPayload fires when a pending mutation exhausts its
// retry budget.
type MutationFailedPayload struct {
	MutationID string
	Record     types.RecordRef
	Err        string
}

// SyncQueueDrainedPayload fires when the scheduler empties both the Up
// and Down queues in the same drain pass.
type SyncQueueDrainedPayload struct{}

// QueryRefPayload mirrors a _query_ref live-channel message locally so
// in-process subscribers don't need their own NATS consumer.
type QueryRefPayload struct {
	Event types.QueryRefEvent
}
