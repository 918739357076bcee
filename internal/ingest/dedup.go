package ingest

import "sync"

// dedupWindow remembers the most recent message IDs.
type dedupWindow struct {
	mu   sync.Mutex
	ids  []string
	next int
	seen map[string]int
}

func newDedupWindow(size int) *dedupWindow {
	if size <= 0 {
		size = 1
	}
	return &dedupWindow{ids: make([]string, size), seen: make(map[string]int, size)}
}

// Add records id and reports false when it is already known.
func (d *dedupWindow) Add(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.seen[id]; ok {
		return false
	}
	if old := d.ids[d.next]; old != "" {
		if slot, ok := d.seen[old]; ok && slot == d.next {
			delete(d.seen, old)
		}
	}
	d.ids[d.next] = id
	d.seen[id] = d.next
	d.next = (d.next + 1) % len(d.ids)
	return true
}

// Remove forgets id so a redelivery is accepted.
func (d *dedupWindow) Remove(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.seen, id)
}
