// Package progress quantizes byte-level transfer callbacks into whole
// percent steps so observers see at most 101 updates per transfer instead
// of one per buffer.
package progress

import "sync"

// Quantizer remembers the last percent emitted per key and suppresses
// repeats.
type Quantizer struct {
	mu   sync.Mutex
	last map[string]int
}

func NewQuantizer() *Quantizer {
	return &Quantizer{last: make(map[string]int)}
}

// Step converts transferred/total into a percent and reports whether the
// value crossed a whole-percent boundary since the last emission for key.
// The first call for a key always emits, as does reaching 100.
func (q *Quantizer) Step(key string, transferred, total int64) (int, bool) {
	pct := percent(transferred, total)

	q.mu.Lock()
	defer q.mu.Unlock()
	prev, seen := q.last[key]
	if seen && prev == pct {
		return pct, false
	}
	q.last[key] = pct
	return pct, true
}

// Clear forgets the key so the next transfer starts fresh.
func (q *Quantizer) Clear(key string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.last, key)
}

func percent(transferred, total int64) int {
	if total <= 0 {
		return 0
	}
	pct := int(transferred * 100 / total)
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}
