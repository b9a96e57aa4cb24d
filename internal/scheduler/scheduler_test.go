package scheduler_test

import (
	"testing"
	"time"

	"chunkbuffer/internal/buffer"
	"chunkbuffer/internal/buffer/memory"
	"chunkbuffer/internal/scheduler"
)

func TestSchedulerFlushesStagedChunks(t *testing.T) {
	b, err := buffer.New(buffer.Config{
		ChunkLimitSize: 1024,
		Backend:        memory.New(memory.Config{}),
	})
	if err != nil {
		t.Fatalf("buffer.New: %v", err)
	}
	if err := b.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	m := b.Metadata(nil, nil, nil)
	if err := b.Write([]buffer.WriteItem{{Metadata: m, Entries: [][]byte{[]byte("hello")}}}, buffer.WriteOptions{}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if b.Queued(nil) {
		t.Fatalf("nothing should be queued before the scheduler ticks")
	}

	sch, err := scheduler.New(scheduler.Config{Buffer: b, FlushInterval: 20 * time.Millisecond})
	if err != nil {
		t.Fatalf("scheduler.New: %v", err)
	}
	defer sch.Shutdown()

	deadline := time.Now().Add(2 * time.Second)
	for !b.Queued(nil) && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if !b.Queued(nil) {
		t.Fatalf("expected the scheduled flush to enqueue the staged chunk")
	}
}
