package transfer

import "sync"

// Handle is an opaque reference to a registered request. The low 32 bits
// hold slot+1 and the high 32 bits the slot generation, so a handle of a
// deleted request never matches a later request in the same slot.
// Handle 0 is never valid.
type Handle uint64

func makeHandle(slot int, gen uint32) Handle {
	return Handle(uint64(gen)<<32 | uint64(uint32(slot+1)))
}

func (h Handle) slot() int   { return int(uint32(h)) - 1 }
func (h Handle) gen() uint32 { return uint32(h >> 32) }

type slot struct {
	req  *request
	gen  uint32
	prev int
	next int
}

// registry is a slab of request slots with a free list. Live slots are
// threaded on an intrusive list ordered oldest to newest.
//
// Every method requires mu to be held by the caller.
type registry struct {
	mu    sync.Mutex
	slots []slot
	free  []int
	head  int
	tail  int
	count int
}

func newRegistry() *registry {
	return &registry{
		slots: make([]slot, 0, 64),
		free:  make([]int, 0, 16),
		head:  -1,
		tail:  -1,
	}
}

// insert links req at the tail and returns its handle.
func (r *registry) insert(req *request) Handle {
	var i int
	if n := len(r.free); n > 0 {
		i = r.free[n-1]
		r.free = r.free[:n-1]
	} else {
		r.slots = append(r.slots, slot{gen: 1})
		i = len(r.slots) - 1
	}

	s := &r.slots[i]
	s.req = req
	s.prev = r.tail
	s.next = -1
	if r.tail >= 0 {
		r.slots[r.tail].next = i
	} else {
		r.head = i
	}
	r.tail = i
	r.count++

	return makeHandle(i, s.gen)
}

// lookup returns the request for h, or nil when h is stale or unknown.
func (r *registry) lookup(h Handle) *request {
	i := h.slot()
	if i < 0 || i >= len(r.slots) {
		return nil
	}
	s := &r.slots[i]
	if s.req == nil || s.gen != h.gen() {
		return nil
	}
	return s.req
}

// remove unlinks h and returns its request, or nil when h is not live.
func (r *registry) remove(h Handle) *request {
	req := r.lookup(h)
	if req == nil {
		return nil
	}

	i := h.slot()
	s := &r.slots[i]
	if s.prev >= 0 {
		r.slots[s.prev].next = s.next
	} else {
		r.head = s.next
	}
	if s.next >= 0 {
		r.slots[s.next].prev = s.prev
	} else {
		r.tail = s.prev
	}

	s.req = nil
	s.prev, s.next = -1, -1
	s.gen++
	if s.gen == 0 {
		s.gen = 1
	}
	r.free = append(r.free, i)
	r.count--

	return req
}

// each visits live requests oldest first until fn returns false. fn must
// not insert or remove.
func (r *registry) each(fn func(*request) bool) {
	for i := r.head; i >= 0; i = r.slots[i].next {
		if !fn(r.slots[i].req) {
			return
		}
	}
}

// handles returns the live handles oldest first.
func (r *registry) handles() []Handle {
	out := make([]Handle, 0, r.count)
	for i := r.head; i >= 0; i = r.slots[i].next {
		out = append(out, makeHandle(i, r.slots[i].gen))
	}
	return out
}

func (r *registry) len() int {
	return r.count
}
