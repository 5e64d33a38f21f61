package events

import (
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

// Event is the in-process form published on the Bus after the backing
// transaction commits.
type Event struct {
	ID         string
	Type       string
	ProjectID  string
	EntityKind string
	EntityID   string
	ActorID    string
	Payload    EventPayload
	TS         time.Time
}

// Handler reacts to one event. Handlers run synchronously on the
// publisher's goroutine; a handler that needs to do slow work should hand
// it off itself.
type Handler func(Event)

type subscription struct {
	id      string
	types   map[string]bool
	handler Handler
}

// Bus is a minimal synchronous pub/sub hub. Publish delivers to every
// subscription whose type set matches, in subscription order, recovering
// handler panics so one hook cannot wedge the publisher.
type Bus struct {
	mu      sync.RWMutex
	subs    []subscription
	log     *zap.Logger
	entropy *rand.Rand
}

func NewBus(log *zap.Logger) *Bus {
	if log == nil {
		log = zap.NewNop()
	}
	return &Bus{
		log:     log,
		entropy: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Subscribe registers a handler for the given event types. An empty type
// list matches every event. The returned id is accepted by Unsubscribe.
func (b *Bus) Subscribe(handler Handler, types ...string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := ulid.MustNew(ulid.Timestamp(time.Now()), b.entropy).String()
	set := make(map[string]bool, len(types))
	for _, t := range types {
		set[t] = true
	}
	b.subs = append(b.subs, subscription{id: id, types: set, handler: handler})
	return id
}

func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s.id == id {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

// Publish delivers evt to matching subscribers. Safe to call with a nil
// receiver so services can run without a bus wired.
func (b *Bus) Publish(evt Event) {
	if b == nil {
		return
	}
	if evt.TS.IsZero() {
		evt.TS = time.Now().UTC()
	}
	b.mu.RLock()
	subs := make([]subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()
	for _, s := range subs {
		if len(s.types) > 0 && !s.types[evt.Type] {
			continue
		}
		b.deliver(s, evt)
	}
}

func (b *Bus) deliver(s subscription, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("event handler panicked",
				zap.String("subscription", s.id),
				zap.String("event_type", evt.Type),
				zap.Any("panic", r))
		}
	}()
	s.handler(evt)
}
