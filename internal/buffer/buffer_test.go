package buffer_test

import (
	"testing"

	"chunkbuffer/internal/buffer"
	"chunkbuffer/internal/buffer/file"
	"chunkbuffer/internal/buffer/memory"
)

func newTestBuffer(t *testing.T, cfg buffer.Config) *buffer.Buffer {
	t.Helper()
	if cfg.Backend == nil {
		cfg.Backend = memory.New(memory.Config{})
	}
	b, err := buffer.New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := b.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return b
}

func entriesOfSize(n int) [][]byte {
	return [][]byte{make([]byte, n)}
}

// A single write that fits comfortably in one chunk stays staged: no
// chunk reaches the queue, and stageSize equals what was written.
func TestWriteSingleRecordStaysStaged(t *testing.T) {
	b := newTestBuffer(t, buffer.Config{ChunkLimitSize: 1024})
	m := b.Metadata(nil, nil, nil)

	if err := b.Write([]buffer.WriteItem{{Metadata: m, Entries: entriesOfSize(90)}}, buffer.WriteOptions{}); err != nil {
		t.Fatalf("Write: %v", err)
	}

	if b.Queued(nil) {
		t.Fatalf("expected nothing queued after a small write")
	}
	if _, ok := b.DequeueChunk(); ok {
		t.Fatalf("expected no dequeueable chunk")
	}
}

// Two writes to the same metadata where the second would push the chunk
// past ChunkLimitSize take the step-by-step path: the first chunk is
// enqueued and a fresh chunk staged for the remainder.
func TestWriteStepByStepSplitsAcrossChunks(t *testing.T) {
	b := newTestBuffer(t, buffer.Config{ChunkLimitSize: 100, ChunkFullThreshold: 0.95})
	m := b.Metadata(nil, nil, nil)

	if err := b.Write([]buffer.WriteItem{{Metadata: m, Entries: entriesOfSize(90)}}, buffer.WriteOptions{}); err != nil {
		t.Fatalf("first write: %v", err)
	}
	if err := b.Write([]buffer.WriteItem{{Metadata: m, Entries: entriesOfSize(20)}}, buffer.WriteOptions{}); err != nil {
		t.Fatalf("second write: %v", err)
	}

	c, ok := b.DequeueChunk()
	if !ok {
		t.Fatalf("expected a queued chunk after the second write overflowed the chunk")
	}
	if c.BytesSize() != 90 {
		t.Fatalf("queued chunk size = %d, want 90", c.BytesSize())
	}
	if b.Queued(nil) {
		t.Fatalf("expected only one chunk to have been queued")
	}
}

// A single record that exceeds ChunkLimitSize on its own can never be
// made to fit by splitting further; Write reports ChunkOverflowError and
// leaves nothing behind.
func TestWriteSingleRecordOverflowIsRejected(t *testing.T) {
	b := newTestBuffer(t, buffer.Config{ChunkLimitSize: 100})
	m := b.Metadata(nil, nil, nil)

	err := b.Write([]buffer.WriteItem{{
		Metadata: m,
		Entries:  entriesOfSize(150),
		Format:   func(entries [][]byte) ([]byte, error) { return entries[0], nil },
	}}, buffer.WriteOptions{})
	if err == nil {
		t.Fatalf("expected an error for an oversize single record")
	}
	var overflow *buffer.ChunkOverflowError
	if !asChunkOverflow(err, &overflow) {
		t.Fatalf("expected ChunkOverflowError, got %v (%T)", err, err)
	}
	if overflow.RecordBytes != 150 || overflow.ChunkLimitSize != 100 {
		t.Fatalf("unexpected overflow detail: %+v", overflow)
	}
	if b.Queued(nil) {
		t.Fatalf("overflow must not leave a queued chunk behind")
	}
}

func asChunkOverflow(err error, target **buffer.ChunkOverflowError) bool {
	if e, ok := err.(*buffer.ChunkOverflowError); ok {
		*target = e
		return true
	}
	return false
}

// Once staged+queued bytes have reached TotalLimitSize, the next write is
// rejected before any chunk is touched or created.
func TestWriteTotalLimitOverflow(t *testing.T) {
	b := newTestBuffer(t, buffer.Config{ChunkLimitSize: 1024, TotalLimitSize: 50})
	m := b.Metadata(nil, nil, nil)

	if err := b.Write([]buffer.WriteItem{{Metadata: m, Entries: entriesOfSize(50)}}, buffer.WriteOptions{}); err != nil {
		t.Fatalf("filling write: %v", err)
	}

	err := b.Write([]buffer.WriteItem{{Metadata: m, Entries: entriesOfSize(100)}}, buffer.WriteOptions{})
	if err != buffer.ErrOverflow {
		t.Fatalf("err = %v, want ErrOverflow", err)
	}
	if b.Queued(nil) {
		t.Fatalf("expected no queued chunk after rejected write")
	}
}

// A format failure on one item of a Write batch spanning two metadatas
// aborts the whole batch: the chunk collected for the earlier item is
// rolled back and unlocked, the format error is returned, and the buffer
// stays storable.
func TestWriteFormatFailureRollsBackBatch(t *testing.T) {
	backend := memory.New(memory.Config{})
	b := newTestBuffer(t, buffer.Config{ChunkLimitSize: 1024, Backend: backend})

	m1 := b.Metadata(nil, strPtr("good"), nil)
	m2 := b.Metadata(nil, strPtr("bad"), nil)

	err := b.Write([]buffer.WriteItem{
		{Metadata: m1, Entries: entriesOfSize(10)},
		{Metadata: m2, Entries: entriesOfSize(10), Format: failingFormat},
	}, buffer.WriteOptions{})
	if err == nil {
		t.Fatalf("expected an error from the failing format function")
	}

	if !b.Storable() {
		t.Fatalf("buffer should remain storable after a partial failure")
	}
}

func failingFormat([][]byte) ([]byte, error) {
	return nil, errFormatFailed
}

var errFormatFailed = &formatError{}

type formatError struct{}

func (*formatError) Error() string { return "format failed" }

func strPtr(s string) *string { return &s }

// Dequeue, take back, then dequeue again returns the same chunk: a
// take-back is a pure re-insertion at the head of the queue, not a new
// chunk.
func TestTakebackChunkRoundTrip(t *testing.T) {
	b := newTestBuffer(t, buffer.Config{ChunkLimitSize: 1024})
	m := b.Metadata(nil, nil, nil)

	if err := b.Write([]buffer.WriteItem{{Metadata: m, Entries: entriesOfSize(10)}}, buffer.WriteOptions{Enqueue: true}); err != nil {
		t.Fatalf("Write: %v", err)
	}

	c1, ok := b.DequeueChunk()
	if !ok {
		t.Fatalf("expected a queued chunk")
	}
	if !b.TakebackChunk(c1.UniqueID()) {
		t.Fatalf("expected take-back to succeed")
	}

	c2, ok := b.DequeueChunk()
	if !ok {
		t.Fatalf("expected the taken-back chunk to be redeliverable")
	}
	if c1.UniqueID() != c2.UniqueID() {
		t.Fatalf("take-back changed chunk identity: %s != %s", c1.UniqueID(), c2.UniqueID())
	}
}

// EnqueueChunk on a metadata with no staged data is a no-op, not an error,
// and never produces an empty queued chunk.
func TestEnqueueChunkOnEmptyMetadataIsNoop(t *testing.T) {
	b := newTestBuffer(t, buffer.Config{ChunkLimitSize: 1024})
	m := b.Metadata(nil, nil, nil)

	if err := b.EnqueueChunk(m); err != nil {
		t.Fatalf("EnqueueChunk on untouched metadata: %v", err)
	}
	if b.Queued(nil) {
		t.Fatalf("expected nothing queued")
	}
}

// Splitting a too-large write across more chunks never loses or
// duplicates bytes: the sum of every produced chunk's size equals the
// amount originally written.
func TestWriteStepByStepPreservesTotalBytes(t *testing.T) {
	b := newTestBuffer(t, buffer.Config{ChunkLimitSize: 40, ChunkFullThreshold: 0.5})
	m := b.Metadata(nil, nil, nil)

	entries := [][]byte{
		make([]byte, 15),
		make([]byte, 15),
		make([]byte, 15),
		make([]byte, 15),
	}
	if err := b.Write([]buffer.WriteItem{{Metadata: m, Entries: entries}}, buffer.WriteOptions{Enqueue: true}); err != nil {
		t.Fatalf("Write: %v", err)
	}

	var total int64
	for {
		c, ok := b.DequeueChunk()
		if !ok {
			break
		}
		total += c.BytesSize()
	}
	if total != 60 {
		t.Fatalf("total bytes across dequeued chunks = %d, want 60", total)
	}
}

// PurgeChunk on a chunk that was never dequeued is a no-op; it must not
// panic or corrupt the dequeued table.
func TestPurgeChunkNotDequeuedIsNoop(t *testing.T) {
	b := newTestBuffer(t, buffer.Config{ChunkLimitSize: 1024})
	if err := b.PurgeChunk("does-not-exist"); err != nil {
		t.Fatalf("PurgeChunk: %v", err)
	}
}

// ClearQueue drains and purges every queued chunk, resetting the queue to
// empty regardless of how many chunks were in it.
func TestClearQueueDrainsEverything(t *testing.T) {
	b := newTestBuffer(t, buffer.Config{ChunkLimitSize: 10, ChunkFullThreshold: 0.5})
	m1 := b.Metadata(nil, strPtr("a"), nil)
	m2 := b.Metadata(nil, strPtr("b"), nil)

	if err := b.Write([]buffer.WriteItem{
		{Metadata: m1, Entries: entriesOfSize(1)},
		{Metadata: m2, Entries: entriesOfSize(1)},
	}, buffer.WriteOptions{Enqueue: true}); err != nil {
		t.Fatalf("Write: %v", err)
	}

	if !b.Queued(nil) {
		t.Fatalf("expected something queued before ClearQueue")
	}
	b.ClearQueue()
	if b.Queued(nil) {
		t.Fatalf("expected queue to be empty after ClearQueue")
	}
	if _, ok := b.DequeueChunk(); ok {
		t.Fatalf("expected no chunk left to dequeue")
	}
}

// Close releases every staged, queued, and dequeued chunk and can be
// called twice without error.
func TestCloseIsIdempotent(t *testing.T) {
	b := newTestBuffer(t, buffer.Config{ChunkLimitSize: 1024})
	m := b.Metadata(nil, nil, nil)
	if err := b.Write([]buffer.WriteItem{{Metadata: m, Entries: entriesOfSize(10)}}, buffer.WriteOptions{}); err != nil {
		t.Fatalf("Write: %v", err)
	}

	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

// Start must canonicalize the Metadata pointer on every chunk recovered
// from Resume: a backend's Resume has no access to the live registry and
// so reconstructs a fresh, uninterned Metadata per chunk. If two
// recovered chunks share the same (timekey, tag, variables) triple but
// arrive as distinct pointers, and Start failed to intern them, a
// producer's later Buffer.Metadata() call for that triple would return a
// canonical pointer under which the recovered staged chunk is not
// reachable, causing stagedChunkLocked to silently allocate a duplicate.
func TestStartInternsRecoveredMetadataAcrossChunks(t *testing.T) {
	dir := t.TempDir()
	tag := "app.web"

	backend1, err := file.New(file.Config{Dir: dir})
	if err != nil {
		t.Fatalf("file.New: %v", err)
	}
	meta := buffer.NewMetadata(nil, &tag, map[string]string{"host": "a"})

	staged, err := backend1.GenerateChunk(meta)
	if err != nil {
		t.Fatalf("generate staged chunk: %v", err)
	}
	staged.MarkStaged()
	if err := staged.Append([][]byte{[]byte("first")}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := staged.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	queued, err := backend1.GenerateChunk(meta)
	if err != nil {
		t.Fatalf("generate queued chunk: %v", err)
	}
	queued.MarkQueued()
	if err := queued.Append([][]byte{[]byte("second")}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := queued.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	backend2, err := file.New(file.Config{Dir: dir})
	if err != nil {
		t.Fatalf("file.New (resumed): %v", err)
	}
	b, err := buffer.New(buffer.Config{ChunkLimitSize: 1024, Backend: backend2})
	if err != nil {
		t.Fatalf("buffer.New: %v", err)
	}
	if err := b.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	canon := b.Metadata(nil, &tag, map[string]string{"host": "a"})

	if !b.Queued(canon) {
		t.Fatalf("expected the recovered queued chunk to be reachable under the canonical metadata pointer")
	}
	if err := b.Write([]buffer.WriteItem{{Metadata: canon, Entries: [][]byte{[]byte("third")}}}, buffer.WriteOptions{}); err != nil {
		t.Fatalf("Write: %v", err)
	}

	metas := b.MetadataList()
	if len(metas) != 1 {
		t.Fatalf("expected a single interned metadata across the recovered and live chunks, got %d", len(metas))
	}
}
