// Package memory implements an in-process buffer.Backend: chunks live
// entirely as byte slices and nothing survives a process restart.
// Resume therefore always reports an empty stage and queue.
package memory

import (
	"sync"

	"chunkbuffer/internal/buffer"
)

// chunk is an in-memory buffer.Chunk. Append and Concat write into a
// pending buffer; Commit moves pending into committed, Rollback
// discards it. Both buffers are raw concatenated record bytes, framed
// only by a running count so Size() is exact without re-parsing.
type chunk struct {
	mu sync.Mutex

	id    string
	meta  *buffer.Metadata
	state buffer.State

	committed     []byte
	committedSize int64

	pending     []byte
	pendingSize int64

	onEnqueue func()
}

func newChunk(id string, meta *buffer.Metadata) *chunk {
	return &chunk{id: id, meta: meta, state: buffer.StateUnstaged}
}

func (c *chunk) Lock()   { c.mu.Lock() }
func (c *chunk) Unlock() { c.mu.Unlock() }

func (c *chunk) UniqueID() string           { return c.id }
func (c *chunk) Metadata() *buffer.Metadata { return c.meta }
func (c *chunk) SetMetadata(m *buffer.Metadata) { c.meta = m }
func (c *chunk) BytesSize() int64           { return int64(len(c.committed)) + int64(len(c.pending)) }
func (c *chunk) Size() int64             { return c.committedSize + c.pendingSize }
func (c *chunk) State() buffer.State     { return c.state }

func (c *chunk) Append(entries [][]byte) error {
	for _, e := range entries {
		c.pending = append(c.pending, e...)
		c.pendingSize++
	}
	return nil
}

func (c *chunk) Concat(data []byte, count int) error {
	c.pending = append(c.pending, data...)
	c.pendingSize += int64(count)
	return nil
}

func (c *chunk) Commit() error {
	c.committed = append(c.committed, c.pending...)
	c.committedSize += c.pendingSize
	c.pending = nil
	c.pendingSize = 0
	return nil
}

func (c *chunk) Rollback() error {
	c.pending = nil
	c.pendingSize = 0
	return nil
}

func (c *chunk) Purge() error {
	c.committed = nil
	c.pending = nil
	c.committedSize = 0
	c.pendingSize = 0
	c.state = buffer.StateClosed
	return nil
}

func (c *chunk) Close() error {
	if c.state == buffer.StateClosed {
		return nil
	}
	c.committed = nil
	c.pending = nil
	c.state = buffer.StateClosed
	return nil
}

func (c *chunk) Empty() bool    { return c.BytesSize() == 0 }
func (c *chunk) Staged() bool   { return c.state == buffer.StateStaged }
func (c *chunk) Unstaged() bool { return c.state == buffer.StateUnstaged }
func (c *chunk) Writable() bool {
	return c.state == buffer.StateStaged || c.state == buffer.StateUnstaged
}

func (c *chunk) MarkStaged() { c.state = buffer.StateStaged }
func (c *chunk) MarkQueued() { c.state = buffer.StateQueued }
func (c *chunk) MarkClosed() { c.state = buffer.StateClosed }

// Enqueued satisfies buffer.Enqueuer. Set by the backend at generation
// time; nil unless the caller supplied an onEnqueue callback (tests use
// this to observe timing without reaching into backend internals).
func (c *chunk) Enqueued() {
	if c.onEnqueue != nil {
		c.onEnqueue()
	}
}

var _ buffer.Chunk = (*chunk)(nil)
var _ buffer.Enqueuer = (*chunk)(nil)
