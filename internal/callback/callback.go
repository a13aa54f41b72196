// Package callback decouples the Adapter and Dispatch Surface from
// whatever transport eventually delivers progress notifications to a
// caller, matching spec.md §9's "CallbackSender" capability trait.
package callback

import (
	"sync"

	"github.com/google/uuid"
)

// Update is one of the three progress notification shapes spec.md §6
// defines. Which of the payload fields are populated depends on Kind.
type Update struct {
	Kind Kind `json:"kind"`

	// CorrelationID ties a burst of updates for one dispatched call
	// together; it is independent of the operation id so a caller can
	// distinguish "my request" from "some other client's operation" when
	// multiple progress tokens share a transport. The Adapter and dispatch
	// paths in this module do not set it, so it is empty unless a Sender
	// wrapper fills it in (see NewCorrelationID).
	CorrelationID string `json:"correlation_id"`

	OperationID string `json:"operation_id"`
	Command     string `json:"command,omitempty"`
	Description string `json:"description,omitempty"`
	WorkingDir  string `json:"working_directory,omitempty"`
	Message     string `json:"message,omitempty"`
	Success     bool   `json:"success,omitempty"`
	DurationMs  int64  `json:"duration_ms,omitempty"`
	FullOutput  string `json:"full_output,omitempty"`
}

// Kind tags which of the three progress notification shapes an Update
// carries.
type Kind string

const (
	KindStarted     Kind = "Started"
	KindCancelled   Kind = "Cancelled"
	KindFinalResult Kind = "FinalResult"
)

// Sender is the single-method capability the Adapter and sequence
// executor depend on to push notifications; concrete transports (stdio
// MCP, streamable-HTTP) implement it without the rest of the core ever
// knowing which one is in play.
type Sender interface {
	Send(update Update)
}

// NewCorrelationID mints a fresh correlation id for one dispatched call.
func NewCorrelationID() string { return uuid.NewString() }

// Func adapts a plain function to Sender.
type Func func(Update)

func (f Func) Send(u Update) { f(u) }

// Multi fans one Update out to every registered Sender, letting the
// Dispatch Surface attach both an MCP progress-token sender and, e.g., a
// telemetry observer without the Adapter knowing either exists.
type Multi struct {
	mu      sync.RWMutex
	senders []Sender
}

// NewMulti constructs a Multi wrapping the given senders.
func NewMulti(senders ...Sender) *Multi {
	m := &Multi{}
	m.senders = append(m.senders, senders...)
	return m
}

// Add registers an additional Sender.
func (m *Multi) Add(s Sender) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.senders = append(m.senders, s)
}

func (m *Multi) Send(u Update) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.senders {
		s.Send(u)
	}
}

// Recorder is a test/diagnostic Sender that simply appends every Update it
// receives, in emission order.
type Recorder struct {
	mu      sync.Mutex
	updates []Update
}

func NewRecorder() *Recorder { return &Recorder{} }

func (r *Recorder) Send(u Update) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, u)
}

// Updates returns a snapshot of every Update recorded so far.
func (r *Recorder) Updates() []Update {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Update, len(r.updates))
	copy(out, r.updates)
	return out
}
