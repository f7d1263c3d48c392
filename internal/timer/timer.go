// Package timer implements the idle-deadline min-heap driving connection
// expiry. Mutation is confined to the reactor goroutine, so the heap needs
// no locking.
package timer

import "time"

// Callback runs when an entry expires or is removed by id.
type Callback func()

type node struct {
	id      int
	expires time.Time
	cb      Callback
}

// Heap is a binary min-heap ordered by deadline with a side index mapping
// id to heap slot. After every mutating operation the heap property holds
// and ref[heap[i].id] == i for every live slot.
type Heap struct {
	heap []node
	ref  map[int]int
	now  func() time.Time // overridable for tests
}

// NewHeap returns an empty heap.
func NewHeap() *Heap {
	return &Heap{ref: make(map[int]int), now: time.Now}
}

// Len returns the number of live entries.
func (h *Heap) Len() int { return len(h.heap) }

// Add inserts a deadline ttl from now for id, or if id is already present
// replaces its deadline and callback and restores heap order.
func (h *Heap) Add(id int, ttl time.Duration, cb Callback) {
	if i, ok := h.ref[id]; ok {
		h.heap[i].expires = h.now().Add(ttl)
		h.heap[i].cb = cb
		if !h.siftDown(i, len(h.heap)) {
			h.siftUp(i)
		}
		return
	}
	h.ref[id] = len(h.heap)
	h.heap = append(h.heap, node{id: id, expires: h.now().Add(ttl), cb: cb})
	h.siftUp(len(h.heap) - 1)
}

// Adjust moves id's deadline to ttl from now. The new deadline may be
// earlier or later than before, so order is restored in both directions.
func (h *Heap) Adjust(id int, ttl time.Duration) {
	i, ok := h.ref[id]
	if !ok {
		return
	}
	h.heap[i].expires = h.now().Add(ttl)
	if !h.siftDown(i, len(h.heap)) {
		h.siftUp(i)
	}
}

// RemoveTarget runs id's callback and deletes the entry. Unknown ids are a
// no-op, so a second removal of the same id is safe.
func (h *Heap) RemoveTarget(id int) {
	i, ok := h.ref[id]
	if !ok {
		return
	}
	cb := h.heap[i].cb
	h.del(i)
	if cb != nil {
		cb()
	}
}

// Tick expires every entry whose deadline has passed, running callbacks in
// deadline order.
func (h *Heap) Tick() {
	for len(h.heap) > 0 {
		root := h.heap[0]
		if root.expires.After(h.now()) {
			break
		}
		h.del(0)
		if root.cb != nil {
			root.cb()
		}
	}
}

// NextTick expires due entries and returns the wait until the next
// deadline, or -1 if the heap is empty.
func (h *Heap) NextTick() time.Duration {
	h.Tick()
	if len(h.heap) == 0 {
		return -1
	}
	d := h.heap[0].expires.Sub(h.now())
	if d < 0 {
		d = 0
	}
	return d
}

// del removes slot i by swapping it to the tail and restoring order.
func (h *Heap) del(i int) {
	n := len(h.heap) - 1
	if i < n {
		h.swap(i, n)
		if !h.siftDown(i, n) {
			h.siftUp(i)
		}
	}
	delete(h.ref, h.heap[n].id)
	h.heap = h.heap[:n]
}

func (h *Heap) siftUp(i int) {
	for i > 0 {
		parent := (i - 1) / 2
		if !h.heap[i].expires.Before(h.heap[parent].expires) {
			break
		}
		h.swap(i, parent)
		i = parent
	}
}

// siftDown reports whether i moved; n bounds the live prefix so del can
// exclude the detached tail slot.
func (h *Heap) siftDown(i, n int) bool {
	start := i
	for {
		child := i*2 + 1
		if child >= n {
			break
		}
		if child+1 < n && h.heap[child+1].expires.Before(h.heap[child].expires) {
			child++
		}
		if !h.heap[child].expires.Before(h.heap[i].expires) {
			break
		}
		h.swap(i, child)
		i = child
	}
	return i > start
}

func (h *Heap) swap(i, j int) {
	h.heap[i], h.heap[j] = h.heap[j], h.heap[i]
	h.ref[h.heap[i].id] = i
	h.ref[h.heap[j].id] = j
}
