package cpu

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestSetRunsOneLoopPerCPU(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	s := New(ctx, 4)
	var ran int32
	s.Start(func(ctx context.Context, cpuIdx int) error {
		atomic.AddInt32(&ran, 1)
		<-ctx.Done()
		return nil
	})

	time.Sleep(50 * time.Millisecond)
	if got := atomic.LoadInt32(&ran); got != 4 {
		t.Fatalf("expected 4 CPU loops started, got %d", got)
	}

	s.Stop()
	if err := s.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}
}

func TestSendIPIDelivers(t *testing.T) {
	s := New(context.Background(), 2)
	delivered := false
	if err := s.SendIPI(context.Background(), func() { delivered = true }); err != nil {
		t.Fatalf("SendIPI: %v", err)
	}
	if !delivered {
		t.Fatalf("expected deliver callback invoked")
	}
}
