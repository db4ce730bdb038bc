package realtime

// sendQueue buffers outbound messages composed before the connection reaches
// the authenticated state. It is a bounded ring: on overflow the oldest
// message is dropped, and the whole buffer is flushed in order once
// authentication completes.
//
// Not safe for concurrent use; the Manager serializes access under its mutex.
type sendQueue struct {
	buf  [][]byte
	max  int
	drop int
}

func newSendQueue(max int) *sendQueue {
	if max <= 0 {
		max = 64
	}
	return &sendQueue{max: max}
}

func (q *sendQueue) Push(msg []byte) {
	if len(q.buf) >= q.max {
		q.buf = q.buf[1:]
		q.drop++
	}
	q.buf = append(q.buf, msg)
}

// Drain returns the buffered messages in order and empties the queue.
func (q *sendQueue) Drain() [][]byte {
	out := q.buf
	q.buf = nil
	return out
}

func (q *sendQueue) Len() int { return len(q.buf) }

// Dropped reports how many messages were discarded on overflow.
func (q *sendQueue) Dropped() int { return q.drop }
