// Package events is the in-process fan-out for fleet state changes.
// Publishers never block: every subscriber owns a bounded queue and
// the oldest unread event is dropped when it fills. Telemetry is
// latest-value-wins, so a slow WebSocket client only loses its own
// stale ticks.
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"skyfleet/internal/model"
)

// SlotAll subscribes to events from every slot.
const SlotAll = "*"

const defaultQueueSize = 64

type Broadcaster struct {
	mu       sync.Mutex
	subs     map[string]map[*Subscription]struct{}
	queueCap int
}

// Subscription is a receive handle. Events are pulled from Events();
// Close releases the handle and drops any undelivered events.
type Subscription struct {
	slot string
	ch   chan model.Event
	b    *Broadcaster
	once sync.Once
}

func NewBroadcaster(queueCap int) *Broadcaster {
	if queueCap <= 0 {
		queueCap = defaultQueueSize
	}
	return &Broadcaster{
		subs:     map[string]map[*Subscription]struct{}{},
		queueCap: queueCap,
	}
}

// Subscribe registers an observer for one slot, or all slots with
// SlotAll.
func (b *Broadcaster) Subscribe(slot string) *Subscription {
	sub := &Subscription{
		slot: slot,
		ch:   make(chan model.Event, b.queueCap),
		b:    b,
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.subs[slot]
	if !ok {
		set = map[*Subscription]struct{}{}
		b.subs[slot] = set
	}
	set[sub] = struct{}{}
	return sub
}

// Events is the subscriber's receive channel. It is closed by Close.
func (s *Subscription) Events() <-chan model.Event {
	return s.ch
}

// Close unsubscribes. Safe to call more than once; events published
// concurrently with Close are discarded.
func (s *Subscription) Close() {
	s.once.Do(func() {
		b := s.b
		b.mu.Lock()
		defer b.mu.Unlock()
		if set, ok := b.subs[s.slot]; ok {
			delete(set, s)
			if len(set) == 0 {
				delete(b.subs, s.slot)
			}
		}
		close(s.ch)
	})
}

// Publish delivers ev to every subscriber of ev.Slot plus wildcard
// subscribers. Never blocks: a full queue sheds its oldest event.
func (b *Broadcaster) Publish(ev model.Event) {
	if ev.EventID == "" {
		ev.EventID = uuid.NewString()
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deliver(b.subs[ev.Slot], ev)
	if ev.Slot != SlotAll {
		b.deliver(b.subs[SlotAll], ev)
	}
}

// deliver is called with b.mu held; sends and drops on the same lock
// as Close, so no send ever races a channel close.
func (b *Broadcaster) deliver(set map[*Subscription]struct{}, ev model.Event) {
	for sub := range set {
		select {
		case sub.ch <- ev:
			continue
		default:
		}
		// Queue full: evict the oldest, then retry once. The retry
		// can still lose to a concurrent reader draining the queue,
		// in which case the send succeeds anyway or the event is
		// dropped as the newest of an already-full queue.
		select {
		case <-sub.ch:
		default:
		}
		select {
		case sub.ch <- ev:
		default:
		}
	}
}
