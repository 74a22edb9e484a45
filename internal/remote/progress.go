package remote

import (
	"io"
	"sync"
	"sync/atomic"

	"github.com/driveq/driveq/internal/models"
)

// progressReader reports bytes consumed from the wrapped reader. Used on
// uploads, where the transport drains the local file.
type progressReader struct {
	r     io.Reader
	total int64
	done  int64
	fn    func(transferred, total int64)
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.done += int64(n)
		if p.fn != nil {
			p.fn(p.done, p.total)
		}
	}
	return n, err
}

// progressWriter reports bytes written to the wrapped writer. Used on
// downloads.
type progressWriter struct {
	w     io.Writer
	total int64
	done  int64
	fn    func(transferred, total int64)
}

func (p *progressWriter) Write(b []byte) (int, error) {
	n, err := p.w.Write(b)
	if n > 0 {
		p.done += int64(n)
		if p.fn != nil {
			p.fn(p.done, p.total)
		}
	}
	return n, err
}

// taskTracker hands out transport task identifiers and remembers which are
// alive per lane, backing LiveTasks for adapters whose server has no task
// listing of its own.
type taskTracker struct {
	next int64

	mu    sync.Mutex
	alive map[models.Lane]map[int]struct{}
}

func newTaskTracker() *taskTracker {
	return &taskTracker{alive: make(map[models.Lane]map[int]struct{})}
}

// begin registers a new task on the lane and returns its identifier.
func (t *taskTracker) begin(lane models.Lane) int {
	id := int(atomic.AddInt64(&t.next, 1))
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.alive[lane] == nil {
		t.alive[lane] = make(map[int]struct{})
	}
	t.alive[lane][id] = struct{}{}
	return id
}

func (t *taskTracker) end(lane models.Lane, id int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.alive[lane], id)
}

func (t *taskTracker) live(lane models.Lane) []int {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]int, 0, len(t.alive[lane]))
	for id := range t.alive[lane] {
		ids = append(ids, id)
	}
	return ids
}
