package file

import (
	"testing"

	"chunkbuffer/internal/buffer"
)

func TestFileChunkCommitPersistsAndPurgeRemoves(t *testing.T) {
	dir := t.TempDir()
	b, err := New(Config{Dir: dir})
	if err != nil {
		t.Fatalf("new backend: %v", err)
	}

	meta := buffer.NewMetadata(nil, nil, nil)
	c, err := b.GenerateChunk(meta)
	if err != nil {
		t.Fatalf("generate chunk: %v", err)
	}

	if err := c.Append([][]byte{[]byte("hello"), []byte("world")}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := c.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if got, want := c.Size(), int64(2); got != want {
		t.Fatalf("size = %d, want %d", got, want)
	}

	if err := c.Purge(); err != nil {
		t.Fatalf("purge: %v", err)
	}
	if !c.Empty() {
		t.Fatalf("expected empty after purge")
	}
}

func TestFileBackendResumeReconstructsStageAndQueue(t *testing.T) {
	dir := t.TempDir()
	b, err := New(Config{Dir: dir})
	if err != nil {
		t.Fatalf("new backend: %v", err)
	}

	tag := "app.web"
	meta := buffer.NewMetadata(nil, &tag, map[string]string{"host": "a"})

	staged, err := b.GenerateChunk(meta)
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

	queued, err := b.GenerateChunk(meta)
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

	b2, err := New(Config{Dir: dir})
	if err != nil {
		t.Fatalf("new backend (resumed): %v", err)
	}
	stage, queue, err := b2.Resume()
	if err != nil {
		t.Fatalf("resume: %v", err)
	}

	if len(stage) != 1 {
		t.Fatalf("expected 1 staged chunk after resume, got %d", len(stage))
	}
	for m, c := range stage {
		if tag, ok := m.Tag(); !ok || tag != "app.web" {
			t.Fatalf("unexpected resumed metadata tag: %v ok=%v", tag, ok)
		}
		if c.BytesSize() != int64(len("first")) {
			t.Fatalf("resumed staged chunk bytesize = %d, want %d", c.BytesSize(), len("first"))
		}
	}
	if len(queue) != 1 {
		t.Fatalf("expected 1 queued chunk after resume, got %d", len(queue))
	}
	if queue[0].BytesSize() != int64(len("second")) {
		t.Fatalf("resumed queued chunk bytesize = %d, want %d", queue[0].BytesSize(), len("second"))
	}
}

func TestFileChunkCompressedRoundTrip(t *testing.T) {
	dir := t.TempDir()
	b, err := New(Config{Dir: dir, Compress: true})
	if err != nil {
		t.Fatalf("new backend: %v", err)
	}

	meta := buffer.NewMetadata(nil, nil, nil)
	c, err := b.GenerateChunk(meta)
	if err != nil {
		t.Fatalf("generate chunk: %v", err)
	}
	c.MarkStaged()
	payload := make([]byte, 4096)
	for i := range payload {
		payload[i] = byte(i % 7)
	}
	if err := c.Append([][]byte{payload}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := c.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	b2, err := New(Config{Dir: dir, Compress: true})
	if err != nil {
		t.Fatalf("new backend (resumed): %v", err)
	}
	stage, _, err := b2.Resume()
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if len(stage) != 1 {
		t.Fatalf("expected 1 staged chunk, got %d", len(stage))
	}
	for _, rc := range stage {
		if rc.BytesSize() != int64(len(payload)) {
			t.Fatalf("resumed compressed chunk bytesize = %d, want %d", rc.BytesSize(), len(payload))
		}
	}
}
