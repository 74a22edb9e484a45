package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// collector records delivered events behind a mutex, since callbacks run
// on the dispatcher goroutine.
type collector struct {
	mu     sync.Mutex
	events []Event
}

func (c *collector) observe(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *collector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func (c *collector) last() Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.events[len(c.events)-1]
}

func drain(t *testing.T, d *Dispatcher) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, d.Close(ctx))
}

func TestDispatcherSceneScoping(t *testing.T) {
	d := New(16)
	var photos, docs, all collector
	d.Register("/photos", photos.observe)
	d.Register("/docs", docs.observe)
	d.Register(SceneAll, all.observe)

	d.Notify(Event{Kind: KindItemUpdated, Scene: "/photos"})
	d.Notify(Event{Kind: KindItemUpdated, Scene: "/docs"})
	d.Notify(Event{Kind: KindItemUpdated, Scene: "/photos"})
	drain(t, d)

	assert.Equal(t, 2, photos.len())
	assert.Equal(t, 1, docs.len())
	assert.Equal(t, 3, all.len())
}

func TestDispatcherUnregister(t *testing.T) {
	d := New(16)
	var c collector
	token := d.Register(SceneAll, c.observe)

	d.Notify(Event{Kind: KindPendingCount, Pending: 3})
	// wait for the delivery goroutine to hand over the first event before
	// removing the observer
	require.Eventually(t, func() bool { return c.len() == 1 }, time.Second, time.Millisecond)

	d.Unregister(token)
	d.Notify(Event{Kind: KindPendingCount, Pending: 0})
	drain(t, d)

	require.Equal(t, 1, c.len())
	assert.Equal(t, 3, c.events[0].Pending)
}

func TestDispatcherNotifyOthers(t *testing.T) {
	d := New(16)
	var photos, docs, all collector
	d.Register("/photos", photos.observe)
	d.Register("/docs", docs.observe)
	d.Register(SceneAll, all.observe)

	d.NotifyOthers(Event{Kind: KindItemUpdated, Scene: "/photos"})
	drain(t, d)

	assert.Equal(t, 0, photos.len())
	assert.Equal(t, 1, docs.len())
	assert.Equal(t, 1, all.len())
}

func TestDispatcherDropsOldestWhenFull(t *testing.T) {
	d := &Dispatcher{
		observers: make(map[string]observer),
		queue:     make(chan envelope, 2),
		done:      make(chan struct{}),
	}
	// no dispatcher goroutine yet, so the queue backs up
	d.Notify(Event{Percent: 1})
	d.Notify(Event{Percent: 2})
	d.Notify(Event{Percent: 3})

	var c collector
	d.Register(SceneAll, c.observe)
	go d.run()
	drain(t, d)

	require.Equal(t, 2, c.len())
	assert.Equal(t, 2, c.events[0].Percent)
	assert.Equal(t, 3, c.events[1].Percent)
}

func TestDispatcherCloseIdempotent(t *testing.T) {
	d := New(4)
	ctx := context.Background()
	require.NoError(t, d.Close(ctx))
	require.NoError(t, d.Close(ctx))
}
