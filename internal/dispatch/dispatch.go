// Package dispatch fans engine events out to registered observers. All
// callbacks run on one dispatcher goroutine, so observers never race each
// other and emitters never block on slow handlers beyond the queue depth.
package dispatch

import (
	"context"
	"sync"

	"github.com/driveq/driveq/internal/models"
	"github.com/google/uuid"
)

// Kind tags what an Event describes.
type Kind int

const (
	// KindItemUpdated reports a status transition on one transfer item.
	KindItemUpdated Kind = iota
	// KindProgress reports quantized transfer progress.
	KindProgress
	// KindPendingCount reports how many items still need work. A count
	// of zero tells the host it may let the process sleep.
	KindPendingCount
)

// SceneAll subscribes an observer to every scene.
const SceneAll = ""

// Event is one notification delivered to observers.
type Event struct {
	Kind    Kind
	Scene   string
	Item    *models.TransferItem
	Percent int
	Pending int
	// Busy accompanies KindPendingCount: true while transfers are moving
	// bytes, so the host keeps the device awake.
	Busy bool
}

type observer struct {
	scene string
	fn    func(Event)
}

// envelope pairs an event with its delivery mode on the queue.
type envelope struct {
	ev     Event
	others bool
}

// Dispatcher owns the observer registry and the delivery goroutine.
type Dispatcher struct {
	mu        sync.Mutex
	observers map[string]observer
	queue     chan envelope

	stopOnce sync.Once
	done     chan struct{}
}

// New starts a dispatcher whose queue holds up to depth undelivered events.
func New(depth int) *Dispatcher {
	if depth <= 0 {
		depth = 64
	}
	d := &Dispatcher{
		observers: make(map[string]observer),
		queue:     make(chan envelope, depth),
		done:      make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *Dispatcher) run() {
	for env := range d.queue {
		for _, fn := range d.snapshot(env.ev.Scene, env.others) {
			fn(env.ev)
		}
	}
	close(d.done)
}

// snapshot collects the matching callbacks under the lock so delivery can
// happen outside it. Observers may unregister from inside a callback.
func (d *Dispatcher) snapshot(scene string, others bool) []func(Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fns := make([]func(Event), 0, len(d.observers))
	for _, o := range d.observers {
		match := o.scene == SceneAll || o.scene == scene
		if others {
			// inverse delivery: every observer bound to a different
			// scene, scene-wide observers included
			match = o.scene != scene
		}
		if match {
			fns = append(fns, o.fn)
		}
	}
	return fns
}

// Register adds an observer for one scene (or SceneAll) and returns the
// token that removes it.
func (d *Dispatcher) Register(scene string, fn func(Event)) string {
	token := uuid.NewString()
	d.mu.Lock()
	defer d.mu.Unlock()
	d.observers[token] = observer{scene: scene, fn: fn}
	return token
}

// Unregister removes the observer identified by token. Unknown tokens are
// ignored.
func (d *Dispatcher) Unregister(token string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.observers, token)
}

// Notify queues an event for delivery to observers of ev.Scene and of
// SceneAll. Once the queue is full the oldest undelivered event is dropped
// rather than blocking the emitter. Must not be called after Close.
func (d *Dispatcher) Notify(ev Event) {
	d.push(envelope{ev: ev})
}

// NotifyOthers queues an event for every observer except those bound to
// ev.Scene, so sibling views learn about a change made elsewhere.
func (d *Dispatcher) NotifyOthers(ev Event) {
	d.push(envelope{ev: ev, others: true})
}

func (d *Dispatcher) push(env envelope) {
	for {
		select {
		case d.queue <- env:
			return
		default:
			select {
			case <-d.queue:
			default:
			}
		}
	}
}

// Close stops delivery after draining queued events and waits for the
// dispatcher goroutine to exit.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.stopOnce.Do(func() { close(d.queue) })
	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
