package relay

// Queue is a bounded FIFO of base64 audio payloads. Once full, pushing evicts
// the oldest frame: audio that stale is not worth delivering.
type Queue struct {
	frames []string
	head   int
	size   int
}

func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 50
	}
	return &Queue{frames: make([]string, capacity)}
}

// Push appends a frame and reports whether an older frame was evicted to make room.
func (q *Queue) Push(payload string) (evicted bool) {
	if q.size == len(q.frames) {
		q.frames[q.head] = payload
		q.head = (q.head + 1) % len(q.frames)
		return true
	}
	q.frames[(q.head+q.size)%len(q.frames)] = payload
	q.size++
	return false
}

// Drain returns all queued frames oldest first and empties the queue.
func (q *Queue) Drain() []string {
	out := make([]string, 0, q.size)
	for i := 0; i < q.size; i++ {
		idx := (q.head + i) % len(q.frames)
		out = append(out, q.frames[idx])
		q.frames[idx] = ""
	}
	q.head, q.size = 0, 0
	return out
}

// Reset discards queued frames and returns how many were dropped.
func (q *Queue) Reset() int {
	n := q.size
	for i := range q.frames {
		q.frames[i] = ""
	}
	q.head, q.size = 0, 0
	return n
}

func (q *Queue) Len() int { return q.size }

func (q *Queue) Cap() int { return len(q.frames) }
