package progress

// ring is a fixed-capacity FIFO that overwrites its oldest element when full.
type ring struct {
	buf   []Event
	head  int
	count int
}

func newRing(capacity int) *ring {
	if capacity < 0 {
		capacity = 0
	}
	return &ring{buf: make([]Event, capacity)}
}

// push appends evt and reports whether the oldest element was evicted.
func (r *ring) push(evt Event) bool {
	if len(r.buf) == 0 {
		return true
	}
	if r.count == len(r.buf) {
		r.buf[r.head] = evt
		r.head = (r.head + 1) % len(r.buf)
		return true
	}
	r.buf[(r.head+r.count)%len(r.buf)] = evt
	r.count++
	return false
}

func (r *ring) pop() (Event, bool) {
	if r.count == 0 {
		return Event{}, false
	}
	evt := r.buf[r.head]
	r.buf[r.head] = Event{}
	r.head = (r.head + 1) % len(r.buf)
	r.count--
	return evt, true
}

// snapshot returns the buffered events oldest first.
func (r *ring) snapshot() []Event {
	out := make([]Event, 0, r.count)
	for i := 0; i < r.count; i++ {
		out = append(out, r.buf[(r.head+i)%len(r.buf)])
	}
	return out
}

func (r *ring) len() int {
	return r.count
}
