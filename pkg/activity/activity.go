// Package activity is the append-only, capped Activity Log (spec
// §4.9): every lifecycle event the core emits is persisted through the
// Store and fanned out to in-process subscribers via the events
// Broker, the same publish/subscribe shape the teacher uses for its
// own cluster event bus.
package activity

import (
	"sync"
	"time"

	"github.com/ferrohost/poolkeeper/pkg/events"
	"github.com/ferrohost/poolkeeper/pkg/log"
	"github.com/ferrohost/poolkeeper/pkg/store"
	"github.com/ferrohost/poolkeeper/pkg/types"
	"github.com/rs/zerolog"
)

// Log is the activity log: durable via Store, fanned out via Broker.
type Log struct {
	st        store.Store
	broker    *events.Broker
	logger    zerolog.Logger
	maxEvents int
	trimEvery int

	mu        sync.Mutex
	sinceTrim int
}

// New wires a Log against an already-open Store. maxEvents and
// trimEvery come from config (ActivityLogMaxEvents/ActivityLogTrimEvery).
func New(st store.Store, maxEvents, trimEvery int) *Log {
	l := &Log{
		st:        st,
		broker:    events.NewBroker(),
		logger:    log.WithComponent("activity"),
		maxEvents: maxEvents,
		trimEvery: trimEvery,
	}
	l.broker.Start()
	return l
}

// Subscribe returns a channel receiving events recorded from now on;
// an event is dropped for this subscriber when its buffer is full.
// Callers must Unsubscribe when done to free the slot.
func (l *Log) Subscribe() events.Subscriber { return l.broker.Subscribe() }

// Unsubscribe removes a subscription created by Subscribe.
func (l *Log) Unsubscribe(sub events.Subscriber) { l.broker.Unsubscribe(sub) }

// Record inserts one event, fans it out, and trims every Kth insert.
// Insert failures are logged, not returned: activity logging must
// never be the reason a claim or release fails.
func (l *Log) Record(eventType types.ActivityEventType, poolID, containerID, tenantID, message string, metadata map[string]string) {
	event := &types.ActivityEvent{
		Type:        eventType,
		PoolID:      poolID,
		ContainerID: containerID,
		TenantID:    tenantID,
		Message:     message,
		Metadata:    metadata,
		Timestamp:   time.Now(),
	}

	id, err := l.st.InsertActivityEvent(event)
	if err != nil {
		l.logger.Error().Err(err).Str("event_type", string(eventType)).Msg("failed to persist activity event")
		return
	}
	event.ID = id

	l.broker.Publish(event)
	l.maybeTrim()
}

func (l *Log) maybeTrim() {
	if l.trimEvery <= 0 {
		return
	}
	l.mu.Lock()
	l.sinceTrim++
	due := l.sinceTrim >= l.trimEvery
	if due {
		l.sinceTrim = 0
	}
	l.mu.Unlock()

	if !due {
		return
	}
	if err := l.st.TrimActivityEvents(l.maxEvents); err != nil {
		l.logger.Error().Err(err).Msg("failed to trim activity log")
	}
}

// List reads recent events, optionally filtered.
func (l *Log) List(limit, offset int, filter store.ActivityFilter) ([]*types.ActivityEvent, error) {
	return l.st.ListActivityEvents(limit, offset, filter)
}

// Close stops the broker's fan-out loop. The Store outlives the Log
// and is closed separately by its owner.
func (l *Log) Close() {
	l.broker.Stop()
}
