package mutationlog

import (
	"hash/crc32"
	"time"

	"github.com/lishenglong/rDSN/messages"
)

// pendingState names the lifecycle of one pending buffer (spec.md §4.2:
// "State machine per pending buffer: Absent → Open → Sealing → Issued →
// Notified → Absent"). It exists for observability/debugging; nothing
// branches on it.
type pendingState int

const (
	stateOpen pendingState = iota
	stateSealing
	stateIssued
	stateNotified
)

// callbackEntry pairs one append's completion callback with the Task its
// caller is waiting on.
type callbackEntry struct {
	fn   func(err error, n int)
	task *Task
}

// pendingBuffer accumulates one flush's worth of appended mutations
// behind a single reserved envelope header (spec.md §4.2).
type pendingBuffer struct {
	buf         []byte
	startOffset int64
	isHeader    bool
	state       pendingState
	timer       *time.Timer
	callbacks   []callbackEntry
}

func newPendingBuffer(startOffset int64) *pendingBuffer {
	p := &pendingBuffer{startOffset: startOffset, state: stateOpen}
	p.buf = make([]byte, messages.MsgHdrSerializedSize)
	return p
}

// size is the number of bytes of mutation data accumulated so far,
// excluding the reserved envelope header (spec.md §8's "pending buffer
// exactly at log_buffer_size_bytes" boundary is measured this way).
func (p *pendingBuffer) size() int {
	return len(p.buf) - messages.MsgHdrSerializedSize
}

func (p *pendingBuffer) appendMutation(m *messages.Mutation) {
	p.buf = messages.EncodeMutation(p.buf, m)
}

// seal finalizes the envelope header now that the body is complete. A
// header-only buffer (built by segment.WriteHeader) is already sealed.
func (p *pendingBuffer) seal() {
	if p.isHeader {
		return
	}
	p.state = stateSealing
	body := p.buf[messages.MsgHdrSerializedSize:]
	crc := crc32.ChecksumIEEE(body)
	putUint32(p.buf[0:4], uint32(len(body)))
	putUint32(p.buf[4:8], crc)
	putUint32(p.buf[8:12], 1)
}

func putUint32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

// notify fans out (err, n) to every callback registered on this buffer,
// in registration order, and resolves their Tasks.
func (p *pendingBuffer) notify(err error, n int) {
	p.state = stateNotified
	for _, cb := range p.callbacks {
		if cb.fn != nil {
			cb.fn(err, n)
		}
		cb.task.finish(err)
	}
}

// Task represents one append's outstanding flush. Wait blocks until the
// underlying segment write (or its failure) is known.
type Task struct {
	done chan struct{}
	err  error
}

func newTask() *Task {
	return &Task{done: make(chan struct{})}
}

func (t *Task) finish(err error) {
	t.err = err
	close(t.done)
}

// Wait blocks until the write completes and returns its error, if any.
func (t *Task) Wait() error {
	<-t.done
	return t.err
}
