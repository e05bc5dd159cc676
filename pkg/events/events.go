// Package events fans committed person and claim changes out to downstream sinks
package events

import (
	"context"
	"sync"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/clover/pkg/metrics"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

// SchemaVersion is the current event schema version
const SchemaVersion = "1.0"

type Type string

const (
	PersonCreated Type = "person.created"
	PersonUpdated Type = "person.updated"
	PersonMerged  Type = "person.merged"
	ClaimCreated  Type = "claim.created"
	ClaimUpdated  Type = "claim.updated"
	ClaimRemoved  Type = "claim.removed"
)

// Event describes one committed change. PersonID is always the person that owns the change;
// for merges it is the target and FromPersonID the absorbed person.
type Event struct {
	Type         Type                  `json:"event_type"`
	PersonID     string                `json:"person_id"`
	FromPersonID string                `json:"from_person_id,omitempty"`
	Actor        string                `json:"actor,omitempty"`
	Person       *models.Person        `json:"person,omitempty"`
	Claim        *models.IdentityClaim `json:"claim,omitempty"`
	Timestamp    time.Time             `json:"timestamp"`
}

// Sink delivers events to one downstream system.
type Sink interface {
	Name() string
	Handle(ctx context.Context, events []Event) error
}

// Emitter delivers events to every sink. Delivery happens after the write committed, so failures
// are logged and counted but never returned to the writer.
type Emitter struct {
	mu     sync.RWMutex
	sinks  []Sink
	logger ectologger.Logger
}

func NewEmitter(logger ectologger.Logger, sinks ...Sink) *Emitter {
	return &Emitter{
		sinks:  sinks,
		logger: logger,
	}
}

// AddSink registers another sink.
func (e *Emitter) AddSink(s Sink) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sinks = append(e.sinks, s)
}

func (e *Emitter) Emit(ctx context.Context, evts ...Event) {
	if e == nil || len(evts) == 0 {
		return
	}
	e.mu.RLock()
	sinks := e.sinks
	e.mu.RUnlock()
	if len(sinks) == 0 {
		return
	}

	ctx, span := tracing.StartSpan(ctx, "events.Emitter.Emit")
	defer span.End()

	now := time.Now().UTC()
	for i := range evts {
		if evts[i].Timestamp.IsZero() {
			evts[i].Timestamp = now
		}
	}

	for _, sink := range sinks {
		err := sink.Handle(ctx, evts)
		metrics.RecordSinkDelivery(sink.Name(), len(evts), err)
		if err != nil {
			e.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
				"sink":  sink.Name(),
				"count": len(evts),
			}).Error("Failed to deliver events")
		}
	}
}

// Publisher is what the engines depend on.
type Publisher interface {
	Emit(ctx context.Context, evts ...Event)
}

// Nop discards events.
type Nop struct{}

func (Nop) Emit(context.Context, ...Event) {}

// Recorder keeps emitted events in memory.
type Recorder struct {
	Events []Event
}

func (r *Recorder) Emit(_ context.Context, evts ...Event) {
	r.Events = append(r.Events, evts...)
}

// Types returns the recorded event types in order.
func (r *Recorder) Types() []Type {
	out := make([]Type, len(r.Events))
	for i, e := range r.Events {
		out[i] = e.Type
	}
	return out
}
