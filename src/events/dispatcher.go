package events

import (
	"sync"
	"time"

	logger "github.com/sirupsen/logrus"
)

const subscriberBuffer = 256

// Dispatcher is the only sanctioned channel between the core and its
// collaborators. Delivery to a subscriber is a queued handoff, never a
// cross-thread field mutation; a subscriber that stops draining loses events
// rather than blocking the dispatcher loop.
type Dispatcher struct {
	mu     sync.RWMutex
	subs   []chan Event
	closed bool

	dropMu    sync.Mutex
	dropCount map[Kind]int
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		dropCount: make(map[Kind]int),
	}
}

// Subscribe returns a buffered channel of events. The channel is closed when
// the dispatcher shuts down.
func (d *Dispatcher) Subscribe() <-chan Event {
	d.mu.Lock()
	defer d.mu.Unlock()

	ch := make(chan Event, subscriberBuffer)
	if d.closed {
		close(ch)
		return ch
	}
	d.subs = append(d.subs, ch)
	return ch
}

// Publish delivers the event to every subscriber without blocking.
func (d *Dispatcher) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return
	}

	for _, ch := range d.subs {
		select {
		case ch <- ev:
		default:
			d.recordDrop(ev.Kind)
		}
	}
}

func (d *Dispatcher) recordDrop(kind Kind) {
	d.dropMu.Lock()
	d.dropCount[kind]++
	count := d.dropCount[kind]
	d.dropMu.Unlock()

	// Log the first drop per kind and then every 100th, the queue being
	// full is usually a burst, not a one-off.
	if count == 1 || count%100 == 0 {
		logger.WithFields(map[string]interface{}{
			"component": "Dispatcher",
			"kind":      kind,
			"dropped":   count,
		}).Warn("Subscriber queue full, event dropped")
	}
}

// Close shuts the dispatcher down and closes all subscriber channels.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return
	}
	d.closed = true
	for _, ch := range d.subs {
		close(ch)
	}
	d.subs = nil
}
