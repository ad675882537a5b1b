// Package tracebuf implements a fixed-capacity trace ring buffer fed by a
// logrus.Hook, standing in for the hypervisor's trace/log buffer
// collaborator (spec.md §1 "Supporting modules").
package tracebuf

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// Record is one captured trace entry.
type Record struct {
	Level   logrus.Level
	Message string
	Fields  logrus.Fields
}

// Buffer is a fixed-capacity ring of Records, overwriting the oldest entry
// once full.
type Buffer struct {
	mu      sync.Mutex
	records []Record
	next    int
	count   int
}

// New returns a Buffer holding at most capacity records.
func New(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = 1
	}
	return &Buffer{records: make([]Record, capacity)}
}

// Hook returns a logrus.Hook that appends every fired entry into b.
func (b *Buffer) Hook() logrus.Hook { return &hook{buf: b} }

func (b *Buffer) push(r Record) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.records[b.next] = r
	b.next = (b.next + 1) % len(b.records)
	if b.count < len(b.records) {
		b.count++
	}
}

// Records returns a snapshot of captured records, oldest first.
func (b *Buffer) Records() []Record {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Record, 0, b.count)
	start := (b.next - b.count + len(b.records)) % len(b.records)
	for i := 0; i < b.count; i++ {
		out = append(out, b.records[(start+i)%len(b.records)])
	}
	return out
}

type hook struct {
	buf *Buffer
}

func (h *hook) Levels() []logrus.Level { return logrus.AllLevels }

func (h *hook) Fire(e *logrus.Entry) error {
	h.buf.push(Record{Level: e.Level, Message: e.Message, Fields: e.Data})
	return nil
}
