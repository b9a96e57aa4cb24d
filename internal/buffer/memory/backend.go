package memory

import (
	"log/slog"

	"github.com/google/uuid"

	"chunkbuffer/internal/buffer"
	"chunkbuffer/internal/logging"
)

// Config configures a Backend.
type Config struct {
	// OnEnqueue, if set, is attached to every chunk this backend
	// generates and invoked when that chunk is moved onto the queue.
	// Exists for tests that need to observe enqueue timing; production
	// callers should leave it nil.
	OnEnqueue func()

	Logger *slog.Logger
}

// Backend is a buffer.Backend whose chunks live only in process
// memory. Resume always returns an empty stage and queue: there is
// nothing to recover across a restart.
type Backend struct {
	cfg    Config
	logger *slog.Logger
}

func New(cfg Config) *Backend {
	return &Backend{
		cfg:    cfg,
		logger: logging.Default(cfg.Logger).With("component", "memory"),
	}
}

func (b *Backend) GenerateChunk(meta *buffer.Metadata) (buffer.Chunk, error) {
	id := uuid.Must(uuid.NewV7()).String()
	c := newChunk(id, meta)
	c.onEnqueue = b.cfg.OnEnqueue
	b.logger.Debug("generated chunk", "id", id)
	return c, nil
}

func (b *Backend) Resume() (map[*buffer.Metadata]buffer.Chunk, []buffer.Chunk, error) {
	return map[*buffer.Metadata]buffer.Chunk{}, nil, nil
}

var _ buffer.Backend = (*Backend)(nil)
