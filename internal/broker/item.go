package broker

import (
	"time"

	"github.com/tanglab/llamabroker/internal/protocol"
)

// Kind tags a work item variant. Unknown kinds are caught at parse time;
// the pipeline dispatches on this tag, never on raw strings from the wire.
type Kind string

const (
	KindChat          Kind = "chat"
	KindAction        Kind = "action"
	KindSessionCreate Kind = "session_create"
	KindSessionDelete Kind = "session_delete"
)

// Priority classes. Lower runs first. Session management outranks chat
// and action traffic; no further classes exist.
const (
	PriorityControl = 0
	PriorityDefault = 1
)

// Item is one unit of schedulable work. Payload fields are immutable after
// enqueue; lease bookkeeping is scheduler-internal.
type Item struct {
	ID         string
	SessionKey string
	Kind       Kind
	Priority   int
	EnqueuedAt time.Time

	Chat   protocol.ChatRequest
	Action protocol.ActionRequest

	// SystemPrompt applies to session_create and to implicit creation when
	// a queued chat item outlives its session.
	SystemPrompt string

	leased bool
}
