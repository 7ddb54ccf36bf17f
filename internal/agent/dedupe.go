package agent

import (
	"container/list"
	"sync"
)

// dedupeCapacity bounds the LRU of applied command IDs. The server
// redelivers commands until a result lands, so the agent must remember
// what it has already run.
const dedupeCapacity = 1024

// commandDedupe turns at-least-once delivery into at-most-once
// application: the executor marks each command ID before running it and
// skips IDs it has seen within the last dedupeCapacity commands.
type commandDedupe struct {
	mu    sync.Mutex
	cap   int
	order *list.List
	seen  map[string]*list.Element
}

func newCommandDedupe(capacity int) *commandDedupe {
	if capacity <= 0 {
		capacity = dedupeCapacity
	}
	return &commandDedupe{
		cap:   capacity,
		order: list.New(),
		seen:  make(map[string]*list.Element, capacity),
	}
}

// MarkIfNew records id and reports whether it was unseen. Known IDs are
// refreshed to the back of the eviction order.
func (d *commandDedupe) MarkIfNew(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if el, ok := d.seen[id]; ok {
		d.order.MoveToBack(el)
		return false
	}

	if d.order.Len() >= d.cap {
		oldest := d.order.Front()
		d.order.Remove(oldest)
		delete(d.seen, oldest.Value.(string))
	}
	d.seen[id] = d.order.PushBack(id)
	return true
}

func (d *commandDedupe) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.order.Len()
}
