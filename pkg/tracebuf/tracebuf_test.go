package tracebuf

import (
	"testing"

	"github.com/sirupsen/logrus"
)

func TestHookCapturesFiredEntries(t *testing.T) {
	buf := New(4)
	log := logrus.New()
	log.SetOutput(testDiscard{})
	log.AddHook(buf.Hook())

	log.WithField("cpu", 0).Info("scheduled")
	log.WithField("cpu", 1).Warn("deadline missed")

	records := buf.Records()
	if len(records) != 2 {
		t.Fatalf("got %d records, want 2", len(records))
	}
	if records[0].Message != "scheduled" || records[0].Level != logrus.InfoLevel {
		t.Fatalf("unexpected first record: %+v", records[0])
	}
	if records[1].Fields["cpu"] != 1 {
		t.Fatalf("unexpected second record fields: %+v", records[1].Fields)
	}
}

func TestBufferWrapsAtCapacity(t *testing.T) {
	buf := New(2)
	buf.push(Record{Message: "a"})
	buf.push(Record{Message: "b"})
	buf.push(Record{Message: "c"})

	records := buf.Records()
	if len(records) != 2 {
		t.Fatalf("got %d records, want 2", len(records))
	}
	if records[0].Message != "b" || records[1].Message != "c" {
		t.Fatalf("expected oldest record evicted, got %+v", records)
	}
}

func TestNewClampsNonPositiveCapacity(t *testing.T) {
	buf := New(0)
	buf.push(Record{Message: "a"})
	buf.push(Record{Message: "b"})
	records := buf.Records()
	if len(records) != 1 || records[0].Message != "b" {
		t.Fatalf("expected capacity clamped to 1, got %+v", records)
	}
}

type testDiscard struct{}

func (testDiscard) Write(p []byte) (int, error) { return len(p), nil }
