package buffer

// This file implements the stage map, FIFO queue, and dequeued table: the
// bookkeeping collections described in the data model, plus the
// global-lock-guarded operations that move chunks between them.

// stagedChunkLocked returns the metadata's current staged chunk, creating
// one via the backend if none exists. Caller must hold b.mu.
func (b *Buffer) stagedChunkLocked(m *Metadata) (Chunk, error) {
	if c, ok := b.stage[m]; ok {
		return c, nil
	}
	c, err := b.cfg.Backend.GenerateChunk(m)
	if err != nil {
		return nil, err
	}
	c.MarkStaged()
	b.stage[m] = c
	return c, nil
}

// EnqueueChunk moves metadata's staged chunk to the queue. If the chunk is
// empty it is closed instead (the empty-enqueue shortcut); the queue is
// left unchanged either way in that case.
func (b *Buffer) EnqueueChunk(m *Metadata) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.enqueueChunkLocked(m)
}

func (b *Buffer) enqueueChunkLocked(m *Metadata) error {
	c, ok := b.stage[m]
	if !ok {
		return nil
	}
	delete(b.stage, m)

	if c.Empty() {
		c.MarkClosed()
		return c.Close()
	}

	b.queue = append(b.queue, c)
	b.queuedNum[m]++
	c.MarkQueued()
	if hook, ok := c.(Enqueuer); ok {
		hook.Enqueued()
	}

	b.stageSize -= c.BytesSize()
	b.queueSize += c.BytesSize()
	return nil
}

// EnqueueUnstagedChunk appends an unstaged overflow chunk straight to the
// queue; it was never in the stage map.
func (b *Buffer) EnqueueUnstagedChunk(c Chunk) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.enqueueUnstagedChunkLocked(c)
}

func (b *Buffer) enqueueUnstagedChunkLocked(c Chunk) {
	m := c.Metadata()
	b.queue = append(b.queue, c)
	b.queuedNum[m]++
	c.MarkQueued()
	if hook, ok := c.(Enqueuer); ok {
		hook.Enqueued()
	}
	b.queueSize += c.BytesSize()
}

// EnqueueAll enqueues every metadata currently staged. If pred is non-nil,
// only metadatas for which pred returns true are enqueued. Iterates a
// snapshot of stage keys so concurrent mutation of the stage map during
// the call is safe.
func (b *Buffer) EnqueueAll(pred func(*Metadata) bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	keys := make([]*Metadata, 0, len(b.stage))
	for m := range b.stage {
		keys = append(keys, m)
	}
	for _, m := range keys {
		if pred != nil && !pred(m) {
			continue
		}
		if err := b.enqueueChunkLocked(m); err != nil {
			return err
		}
	}
	return nil
}

// DequeueChunk pops the head of the queue into the dequeued table and
// returns it. Returns (nil, false) if the queue is empty.
func (b *Buffer) DequeueChunk() (Chunk, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.queue) == 0 {
		return nil, false
	}
	c := b.queue[0]
	b.queue = b.queue[1:]

	b.dequeued[c.UniqueID()] = c
	b.queuedNum[c.Metadata()]--
	return c, true
}

// TakebackChunk returns a dequeued chunk to the head of the queue so it
// will be the next one redelivered. Reports false if id was not in the
// dequeued table.
func (b *Buffer) TakebackChunk(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.dequeued[id]
	if !ok {
		return false
	}
	delete(b.dequeued, id)

	b.queue = append([]Chunk{c}, b.queue...)
	b.queuedNum[c.Metadata()]++
	return true
}

// PurgeChunk removes a dequeued chunk permanently: it is dropped from the
// dequeued table, its bytes are subtracted from queueSize, and the
// backend's Purge is invoked. If no stage entry and no queued chunks
// remain for the chunk's metadata, the metadata is dropped from the
// registry too.
func (b *Buffer) PurgeChunk(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.dequeued[id]
	if !ok {
		return nil
	}
	delete(b.dequeued, id)
	b.queueSize -= c.BytesSize()

	m := c.Metadata()
	err := c.Purge()

	if _, staged := b.stage[m]; !staged && b.queuedNum[m] == 0 {
		b.metadata.remove(m)
	}
	return err
}

// ClearQueue drains and purges every chunk currently in the queue,
// resetting queueSize to zero. Per-chunk purge errors are logged and
// swallowed so the queue always ends up empty.
func (b *Buffer) ClearQueue() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, q := range b.queue {
		b.queuedNum[q.Metadata()]--
		if err := q.Purge(); err != nil {
			b.logger.Warn("clear_queue: purge failed", "chunk", q.UniqueID(), "error", err)
		}
	}
	b.queue = nil
	b.queueSize = 0
}

// QueuedRecords sums Size() across every currently queued chunk.
func (b *Buffer) QueuedRecords() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	var total int64
	for _, c := range b.queue {
		total += c.Size()
	}
	return total
}

// Queued reports whether the queue holds at least one chunk. If m is
// non-nil, it reports specifically whether m has any queued chunks.
func (b *Buffer) Queued(m *Metadata) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if m != nil {
		return b.queuedNum[m] > 0
	}
	return len(b.queue) > 0
}
