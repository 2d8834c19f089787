package audio

// Ring keeps the most recent frames, oldest first.
type Ring struct {
	frames []Frame
	next   int
	full   bool
}

func NewRing(size int) *Ring {
	if size < 1 {
		size = 1
	}
	return &Ring{frames: make([]Frame, size)}
}

func (r *Ring) Push(f Frame) {
	r.frames[r.next] = f
	r.next = (r.next + 1) % len(r.frames)
	if r.next == 0 {
		r.full = true
	}
}

// Frames returns a copy in arrival order.
func (r *Ring) Frames() []Frame {
	if !r.full {
		return append([]Frame(nil), r.frames[:r.next]...)
	}
	out := make([]Frame, 0, len(r.frames))
	out = append(out, r.frames[r.next:]...)
	return append(out, r.frames[:r.next]...)
}

func (r *Ring) Reset() {
	clear(r.frames)
	r.next = 0
	r.full = false
}
