package proxy

import "errors"

var ErrQueueDrained = errors.New("connection queue has already been drained")

// ConnectionQueue buffers raw downstream payloads that arrive before the
// upstream session is ready. It is drained exactly once; after that every
// payload must be forwarded directly.
//
// Not safe for concurrent use. A queue belongs to one Connection and is only
// touched from that connection's Run goroutine.
type ConnectionQueue struct {
	messages [][]byte
	drained  bool
}

func (q *ConnectionQueue) Push(msg []byte) error {
	if q.drained {
		return ErrQueueDrained
	}
	q.messages = append(q.messages, msg)
	return nil
}

func (q *ConnectionQueue) Len() int {
	return len(q.messages)
}

func (q *ConnectionQueue) Drained() bool {
	return q.drained
}

// Drain hands every queued payload to forward in receipt order and returns
// how many there were. Calls after the first are no-ops returning 0.
func (q *ConnectionQueue) Drain(forward func(msg []byte)) int {
	if q.drained {
		return 0
	}
	q.drained = true

	messages := q.messages
	q.messages = nil
	for _, msg := range messages {
		forward(msg)
	}
	return len(messages)
}
