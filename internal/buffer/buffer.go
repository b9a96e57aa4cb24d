// Package buffer implements a chunked staging-and-queueing buffer for
// decoupling event producers from downstream outputs.
//
// Producers deliver batches of records keyed by a Metadata descriptor;
// the buffer groups records into size-bounded chunks, enqueues them when
// full or on demand, and lets a consumer dequeue chunks for transmission,
// retry them (take-back), or purge them once delivered.
//
// The buffer does not implement chunk storage itself: a pluggable Backend
// (see memory and file subpackages) supplies Chunk values and a Resume
// hook for recovering stage/queue state across restarts.
//
// Concurrency: every table-mutating operation (stage map, queue, dequeued
// map, queued-per-metadata counters, size totals, metadata registry) takes
// the buffer's global lock. Every chunk mutation takes that chunk's own
// lock. The two are never held together: Write collects and locks the
// chunks it touches, releases them, and only then takes the global lock to
// publish. See coordinator.go for why this order is mandatory.
package buffer

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"chunkbuffer/internal/logging"
)

const (
	defaultChunkLimitSize     = 8 << 20   // 8 MiB
	defaultTotalLimitSize     = 512 << 20 // 512 MiB
	defaultChunkFullThreshold = 0.95
)

// Config configures a Buffer. All fields are optional; zero values fall
// back to the defaults below, mirroring Fluentd's buffer plugin defaults.
type Config struct {
	// ChunkLimitSize bounds a single chunk's serialized byte size.
	// Default 8 MiB.
	ChunkLimitSize int64

	// TotalLimitSize bounds the sum of staged and queued bytes across the
	// whole buffer. Default 512 MiB. If QueueLengthLimit is set, this is
	// overridden to ChunkLimitSize * QueueLengthLimit.
	TotalLimitSize int64

	// QueueLengthLimit, if positive, derives TotalLimitSize from
	// ChunkLimitSize instead of using TotalLimitSize directly.
	QueueLengthLimit int64

	// ChunkRecordsLimit, if positive, additionally bounds a chunk's record
	// count (on top of its byte size).
	ChunkRecordsLimit int64

	// ChunkFullThreshold is the fraction of ChunkLimitSize/ChunkRecordsLimit
	// at which a chunk is considered "full" and should be enqueued rather
	// than accept further writes. Default 0.95.
	ChunkFullThreshold float64

	// Backend supplies Chunk values. Required.
	Backend Backend

	// Logger for structured logging. If nil, logging is disabled.
	// The buffer scopes this logger with component="buffer".
	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.ChunkLimitSize <= 0 {
		c.ChunkLimitSize = defaultChunkLimitSize
	}
	if c.QueueLengthLimit > 0 {
		c.TotalLimitSize = c.ChunkLimitSize * c.QueueLengthLimit
	} else if c.TotalLimitSize <= 0 {
		c.TotalLimitSize = defaultTotalLimitSize
	}
	if c.ChunkFullThreshold <= 0 {
		c.ChunkFullThreshold = defaultChunkFullThreshold
	}
	return c
}

// Buffer is the chunked staging-and-queueing buffer.
//
// mu is the buffer-global lock described in the package doc. It guards
// every field below except each Chunk's own internal state (which is
// guarded by that chunk's own Lock/Unlock).
type Buffer struct {
	mu sync.Mutex

	cfg    Config
	logger *slog.Logger

	metadata  metadataRegistry
	stage     map[*Metadata]Chunk
	queue     []Chunk
	dequeued  map[string]Chunk
	queuedNum map[*Metadata]int64

	stageSize int64
	queueSize int64

	started bool
	closed  bool
}

// New constructs a Buffer. Call Start before using it.
func New(cfg Config) (*Buffer, error) {
	cfg = cfg.withDefaults()
	if cfg.Backend == nil {
		return nil, fmt.Errorf("buffer: Config.Backend is required")
	}

	logger := logging.Default(cfg.Logger).With("component", "buffer")

	return &Buffer{
		cfg:       cfg,
		logger:    logger,
		stage:     make(map[*Metadata]Chunk),
		dequeued:  make(map[string]Chunk),
		queuedNum: make(map[*Metadata]int64),
	}, nil
}

// Metadata interns (timekey, tag, variables) into a canonical instance.
// Equal triples across calls return the same pointer; any of the three may
// be nil/empty to mean "not set".
func (b *Buffer) Metadata(timekey *time.Time, tag *string, variables map[string]string) *Metadata {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.metadata.add(NewMetadata(timekey, tag, variables))
}

// MetadataList returns a snapshot of every metadata currently interned. A
// metadata is interned by Metadata or by Start and stays until PurgeChunk
// finds no staged or queued chunk left for it.
func (b *Buffer) MetadataList() []*Metadata {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.metadata.snapshot()
}

// Storable reports whether the buffer can still admit new writes.
func (b *Buffer) Storable() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return storable(b.cfg, b.stageSize, b.queueSize)
}
