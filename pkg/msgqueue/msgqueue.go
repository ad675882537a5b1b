// Package msgqueue implements the bounded-FIFO IPC object described in
// spec.md §4.6: fixed-max-size messages, a single per-queue spinlock
// serializing send/receive, and edge-triggered VIRQ assertion when the
// queue crosses its not-empty or not-full threshold.
//
// Grounded on original_source/hyp/ipc/msgqueue/src/msgqueue_common.c and
// src/msgqueue.c. The source's ring buffer of raw bytes plus a
// size-prefixed framing scheme is rendered here as a ring of
// already-sized byte slices, since Go has no equivalent need to pack
// variable-length messages into one flat arena; the externally observable
// contract (FIFO order, threshold-crossing VIRQ edges, depth-bounded
// capacity) is unchanged.
package msgqueue

import (
	"sync"

	"github.com/latticevm/lattice/pkg/herr"
	"github.com/latticevm/lattice/pkg/object"
)

// VIRQSource is the subset of a VIC/VIRQ binding a msgqueue needs to
// assert or clear a virtual interrupt line (spec.md §4.6 "bind/unbind
// associates each direction with a (VIC, VIRQ) pair"). Implemented by
// pkg/vcpu's virtual interrupt controller in a full boot; exercised here
// through a small interface so msgqueue never imports vcpu.
type VIRQSource interface {
	Assert()
	Clear()
}

type noopVIRQ struct{}

func (noopVIRQ) Assert() {}
func (noopVIRQ) Clear()  {}

// Options configures a Msgqueue at creation (original_source
// msgqueue_configure).
type Options struct {
	Depth       int // queue_depth: max number of messages
	MaxMsgSize  int
	NotEmptyThd int
	NotFullThd  int
}

// Msgqueue is a bounded FIFO of at-most-MaxMsgSize byte messages.
type Msgqueue struct {
	header object.Header

	mu   sync.Mutex
	opts Options
	ring [][]byte
	head int
	tail int
	count int

	sendSource VIRQSource // asserted when count falls to NotFullThd (wakes sender)
	rcvSource  VIRQSource // asserted when count reaches NotEmptyThd (wakes receiver)
}

// New creates a Msgqueue with the given options and unbound VIRQ sources
// (bind VIRQSources with Bind before use, if interrupt delivery matters to
// the caller).
func New(opts Options) (*Msgqueue, error) {
	if opts.Depth <= 0 || opts.MaxMsgSize <= 0 {
		return nil, herr.ArgumentInvalid
	}
	if opts.NotEmptyThd <= 0 || opts.NotEmptyThd > opts.Depth ||
		opts.NotFullThd < 0 || opts.NotFullThd >= opts.Depth {
		return nil, herr.ArgumentInvalid
	}
	q := &Msgqueue{
		opts:       opts,
		ring:       make([][]byte, opts.Depth),
		sendSource: noopVIRQ{},
		rcvSource:  noopVIRQ{},
	}
	q.header.Init(object.TypeMsgqueue)
	return q, nil
}

// ObjHeader implements object.Object.
func (q *Msgqueue) ObjHeader() *object.Header { return &q.header }

// Bind associates direction's VIRQ source (spec.md §4.6 "Bind/unbind
// associates each direction with a (VIC, VIRQ) pair"). send binds the
// sender-wakeup source (asserted when the queue crosses NotFullThd from
// above); !send binds the receiver-wakeup source (asserted when the
// queue crosses NotEmptyThd from below).
func (q *Msgqueue) Bind(send bool, src VIRQSource) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if send {
		q.sendSource = src
	} else {
		q.rcvSource = src
	}
}

// Unbind implements original_source msgqueue_unbind: the VIRQ source
// reverts to a no-op sink.
func (q *Msgqueue) Unbind(send bool) {
	q.Bind(send, noopVIRQ{})
}

// Send enqueues msg at the tail of the queue. push forces a receiver VIRQ
// assertion even if the not-empty threshold was already crossed by an
// earlier send (original_source msgqueue_send_msg's "push" parameter,
// used by callers that need an edge on every message regardless of
// threshold state). Returns herr.MsgqueueFull if the queue is at
// capacity.
func (q *Msgqueue) Send(msg []byte, push bool) error {
	if len(msg) > q.opts.MaxMsgSize {
		return herr.ArgumentSize
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.count == q.opts.Depth {
		return herr.MsgqueueFull
	}

	buf := make([]byte, len(msg))
	copy(buf, msg)
	q.ring[q.tail] = buf
	q.tail = (q.tail + 1) % q.opts.Depth
	q.count++

	if push || q.count == q.opts.NotEmptyThd {
		q.rcvSource.Assert()
	}
	return nil
}

// Receive dequeues the message at the head of the queue.
func (q *Msgqueue) Receive() ([]byte, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.count == 0 {
		return nil, herr.MsgqueueEmpty
	}

	msg := q.ring[q.head]
	q.ring[q.head] = nil
	q.head = (q.head + 1) % q.opts.Depth
	q.count--

	if q.count == q.opts.NotFullThd {
		q.sendSource.Assert()
	}
	return msg, nil
}

// Flush empties the queue and, per original_source msgqueue_flush_queue,
// asserts the sender VIRQ (the queue has room for senders again) and
// clears the receiver VIRQ (there is nothing left to receive) if the
// queue was non-empty.
func (q *Msgqueue) Flush() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.count != 0 {
		q.sendSource.Assert()
		q.rcvSource.Clear()
	}
	for i := range q.ring {
		q.ring[i] = nil
	}
	q.count, q.head, q.tail = 0, 0, 0
}

// Count returns the current number of queued messages.
func (q *Msgqueue) Count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// RxPending implements original_source
// msgqueue_rx_handle_virq_check_pending: whether the receiver VIRQ should
// still be considered asserted. reasserted models a racing send that
// reasserted the line after the handler began running, in which case the
// handler must conservatively report pending regardless of current count.
func (q *Msgqueue) RxPending(reasserted bool) bool {
	if reasserted {
		return true
	}
	return q.Count() >= q.opts.NotEmptyThd
}

// TxPending mirrors RxPending for the sender-side VIRQ.
func (q *Msgqueue) TxPending(reasserted bool) bool {
	if reasserted {
		return true
	}
	return q.Count() <= q.opts.NotFullThd
}
