package file

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"

	"chunkbuffer/internal/buffer"
)

// footer is the on-disk, msgpack-encoded description of a chunk,
// written alongside its data file so Resume can reconstruct state
// without re-parsing every record.
type footer struct {
	ID         string
	State      int
	RecordCount int64
	ByteSize   int64
	Compressed bool

	HasTimekey bool
	Timekey    time.Time
	HasTag     bool
	Tag        string
	Variables  map[string]string
}

// chunk is a disk-backed buffer.Chunk. Committed data is held in
// memory (for fast Append/Commit/Rollback bookkeeping, matching the
// memory backend's shape) and mirrored to dir/<id>.data plus
// dir/<id>.footer on every Commit; Rollback only touches the
// in-memory pending buffer, so nothing on disk is disturbed by a
// rolled-back append.
type chunk struct {
	mu sync.Mutex

	dir      string
	compress bool

	id    string
	meta  *buffer.Metadata
	state buffer.State

	committed     []byte
	committedSize int64

	pending     []byte
	pendingSize int64

	onEnqueue func()
}

// metadataFromFooter reconstructs the Metadata a footer was written
// with. The returned value is not interned; Buffer.Start interns every
// chunk it recovers via Resume, so a fresh, uninterned instance here
// is always correct as input to that step.
func metadataFromFooter(f footer) *buffer.Metadata {
	var timekey *time.Time
	if f.HasTimekey {
		tk := f.Timekey
		timekey = &tk
	}
	var tag *string
	if f.HasTag {
		t := f.Tag
		tag = &t
	}
	return buffer.NewMetadata(timekey, tag, f.Variables)
}

func newChunk(dir, id string, meta *buffer.Metadata, compress bool) *chunk {
	return &chunk{dir: dir, id: id, meta: meta, state: buffer.StateUnstaged, compress: compress}
}

func (c *chunk) Lock()   { c.mu.Lock() }
func (c *chunk) Unlock() { c.mu.Unlock() }

func (c *chunk) UniqueID() string           { return c.id }
func (c *chunk) Metadata() *buffer.Metadata { return c.meta }
func (c *chunk) SetMetadata(m *buffer.Metadata) { c.meta = m }
func (c *chunk) BytesSize() int64           { return int64(len(c.committed)) + int64(len(c.pending)) }
func (c *chunk) Size() int64                { return c.committedSize + c.pendingSize }
func (c *chunk) State() buffer.State        { return c.state }

// Append and Concat store raw bytes with no record framing: this
// buffer never reads individual records back out of a chunk (only
// BytesSize/Size, both tracked as counters, and the whole committed
// body for a consumer that dequeues the chunk), so a per-record
// length-prefix framing scheme would have nothing to do here and is
// not used.
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
	return c.flush()
}

func (c *chunk) Rollback() error {
	c.pending = nil
	c.pendingSize = 0
	return nil
}

// flush writes the chunk's full committed body and footer to disk via
// temp-file-then-rename, replacing whatever was there. Simpler than
// incremental appends to the on-disk file at the cost of re-writing
// the whole chunk on every Commit; acceptable here since Commit
// already only runs once per writeOnce/writeStepByStep attempt.
func (c *chunk) flush() error {
	if c.dir == "" {
		return nil // unit tests may construct a chunk with no backing directory
	}
	dataPath := filepath.Join(c.dir, c.id+".data")
	tmp, err := os.CreateTemp(c.dir, ".flush-*")
	if err != nil {
		return fmt.Errorf("file chunk: create temp: %w", err)
	}
	tmpPath := tmp.Name()

	var w io.Writer = tmp
	var enc *zstd.Encoder
	if c.compress {
		enc, err = zstd.NewWriter(tmp)
		if err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return fmt.Errorf("file chunk: zstd writer: %w", err)
		}
		w = enc
	}
	if _, err := w.Write(c.committed); err != nil {
		if enc != nil {
			enc.Close()
		}
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("file chunk: write data: %w", err)
	}
	if enc != nil {
		if err := enc.Close(); err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return fmt.Errorf("file chunk: close zstd writer: %w", err)
		}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("file chunk: close temp: %w", err)
	}
	if err := os.Rename(tmpPath, dataPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("file chunk: rename data: %w", err)
	}

	return c.writeFooter()
}

func (c *chunk) writeFooter() error {
	f := footer{
		ID:         c.id,
		State:      int(c.state),
		RecordCount: c.committedSize,
		ByteSize:   int64(len(c.committed)),
		Compressed: c.compress,
	}
	if c.meta != nil {
		if tk, ok := c.meta.Timekey(); ok {
			f.HasTimekey = true
			f.Timekey = tk
		}
		if tag, ok := c.meta.Tag(); ok {
			f.HasTag = true
			f.Tag = tag
		}
		f.Variables = c.meta.Variables()
	}

	data, err := msgpack.Marshal(&f)
	if err != nil {
		return fmt.Errorf("file chunk: marshal footer: %w", err)
	}
	footerPath := filepath.Join(c.dir, c.id+".footer")
	if err := os.WriteFile(footerPath, data, 0o644); err != nil {
		return fmt.Errorf("file chunk: write footer: %w", err)
	}
	return nil
}

func (c *chunk) Purge() error {
	c.committed = nil
	c.pending = nil
	c.committedSize = 0
	c.pendingSize = 0
	c.state = buffer.StateClosed
	if c.dir == "" {
		return nil
	}
	var firstErr error
	if err := os.Remove(filepath.Join(c.dir, c.id+".data")); err != nil && !os.IsNotExist(err) {
		firstErr = err
	}
	if err := os.Remove(filepath.Join(c.dir, c.id+".footer")); err != nil && !os.IsNotExist(err) && firstErr == nil {
		firstErr = err
	}
	return firstErr
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

// Enqueued rewrites the footer so that the queued state is on disk for a
// later Resume; otherwise the footer is only written on Commit. A failed
// rewrite leaves the footer's earlier state in place.
func (c *chunk) Enqueued() {
	if c.dir != "" {
		_ = c.writeFooter()
	}
	if c.onEnqueue != nil {
		c.onEnqueue()
	}
}

func readAll(path string, compressed bool) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if !compressed {
		return io.ReadAll(f)
	}
	dec, err := zstd.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, dec); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

var _ buffer.Chunk = (*chunk)(nil)
var _ buffer.Enqueuer = (*chunk)(nil)
