package buffer

import "fmt"

// Start populates the stage map and queue from the backend's Resume hook
// and seeds the metadata registry and size counters from what comes back.
// Must be called once before any other method.
func (b *Buffer) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.started {
		return fmt.Errorf("buffer: already started")
	}

	stage, queue, err := b.cfg.Backend.Resume()
	if err != nil {
		return fmt.Errorf("buffer: resume: %w", err)
	}

	for m, c := range stage {
		canon := b.metadata.add(m)
		c.SetMetadata(canon)
		b.stage[canon] = c
		b.stageSize += c.BytesSize()
	}
	for _, c := range queue {
		canon := b.metadata.add(c.Metadata())
		c.SetMetadata(canon)
		b.queue = append(b.queue, c)
		b.queuedNum[canon]++
		b.queueSize += c.BytesSize()
	}

	b.started = true
	b.logger.Info("buffer started", "staged", len(b.stage), "queued", len(b.queue))
	return nil
}

// Close closes every dequeued, queued, and staged chunk and drains the
// stage map and queue. The buffer may not be written to afterward.
func (b *Buffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}

	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	for _, c := range b.dequeued {
		record(c.Close())
	}
	for _, c := range b.queue {
		record(c.Close())
	}
	for _, c := range b.stage {
		record(c.Close())
	}

	b.dequeued = make(map[string]Chunk)
	b.queue = nil
	b.stage = make(map[*Metadata]Chunk)
	b.closed = true

	b.logger.Info("buffer closed")
	return firstErr
}

// Terminate drops every in-memory reference and zeroes all counters. Call
// after Close if the backend's resources have already been released and
// the Buffer value itself is about to be discarded.
func (b *Buffer) Terminate() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.stage = make(map[*Metadata]Chunk)
	b.queue = nil
	b.dequeued = make(map[string]Chunk)
	b.queuedNum = make(map[*Metadata]int64)
	b.metadata = metadataRegistry{}
	b.stageSize = 0
	b.queueSize = 0
}
