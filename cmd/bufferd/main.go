// Command bufferd runs a standalone chunked staging-and-queueing buffer:
// it reads newline-delimited records from stdin, stages them by tag, and
// periodically flushes the queue, printing one line per drained chunk
// (id and byte size) to stdout before purging it. The Chunk interface
// has no read-back API for committed content — a real output plugin
// would read a chunk's backing store directly (e.g. the file backend's
// data file) rather than through this package — so this command reports
// only chunk identity, standing in for that plugin.
//
// Logging:
//   - Base logger is created here with output format and level
//   - Logger is passed to every component via dependency injection
//   - No global slog configuration (no slog.SetDefault)
//   - Components scope loggers with their own attributes
package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"chunkbuffer/internal/buffer"
	"chunkbuffer/internal/buffer/file"
	"chunkbuffer/internal/buffer/memory"
	"chunkbuffer/internal/logging"
	"chunkbuffer/internal/scheduler"
)

var version = "dev"

func main() {
	baseHandler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	})
	filterHandler := logging.NewComponentFilterHandler(baseHandler, slog.LevelInfo)
	logger := slog.New(filterHandler)

	rootCmd := &cobra.Command{
		Use:   "bufferd",
		Short: "Chunked staging-and-queueing buffer daemon",
	}
	rootCmd.PersistentFlags().String("log-level", "info", "log level: debug, info, warn, error")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Read records from stdin and report drained chunks on stdout",
		RunE: func(cmd *cobra.Command, args []string) error {
			level, _ := cmd.Flags().GetString("log-level")
			applyLogLevel(filterHandler, level)

			dir, _ := cmd.Flags().GetString("dir")
			compress, _ := cmd.Flags().GetBool("compress")
			flushInterval, _ := cmd.Flags().GetDuration("flush-interval")
			chunkLimitSize, _ := cmd.Flags().GetInt64("chunk-limit-size")
			tagFlag, _ := cmd.Flags().GetString("tag")

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
			defer cancel()

			return run(ctx, logger, runConfig{
				dir:            dir,
				compress:       compress,
				flushInterval:  flushInterval,
				chunkLimitSize: chunkLimitSize,
				tag:            tagFlag,
			})
		},
	}
	runCmd.Flags().String("dir", "", "directory for on-disk chunk storage (default: in-memory only)")
	runCmd.Flags().Bool("compress", false, "zstd-compress chunks (only meaningful with --dir)")
	runCmd.Flags().Duration("flush-interval", time.Second, "how often staged chunks are flushed to the queue")
	runCmd.Flags().Int64("chunk-limit-size", 8<<20, "maximum bytes per chunk")
	runCmd.Flags().String("tag", "", "tag attached to every staged record")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}

	rootCmd.AddCommand(runCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func applyLogLevel(h *logging.ComponentFilterHandler, level string) {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	h.SetLevel("buffer", l)
	h.SetLevel("memory", l)
	h.SetLevel("file", l)
	h.SetLevel("scheduler", l)
}

type runConfig struct {
	dir            string
	compress       bool
	flushInterval  time.Duration
	chunkLimitSize int64
	tag            string
}

func run(ctx context.Context, logger *slog.Logger, cfg runConfig) error {
	backend, err := openBackend(cfg, logger)
	if err != nil {
		return fmt.Errorf("open backend: %w", err)
	}

	buf, err := buffer.New(buffer.Config{
		ChunkLimitSize: cfg.chunkLimitSize,
		Backend:        backend,
		Logger:         logger,
	})
	if err != nil {
		return fmt.Errorf("create buffer: %w", err)
	}
	if err := buf.Start(); err != nil {
		return fmt.Errorf("start buffer: %w", err)
	}
	defer func() {
		if err := buf.Close(); err != nil {
			logger.Error("close buffer", "error", err)
		}
	}()

	sch, err := scheduler.New(scheduler.Config{
		Buffer:        buf,
		FlushInterval: cfg.flushInterval,
		Logger:        logger,
	})
	if err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer func() {
		if err := sch.Shutdown(); err != nil {
			logger.Error("shutdown scheduler", "error", err)
		}
	}()

	done := make(chan struct{})
	go drainLoop(ctx, buf, logger, done)

	var tag *string
	if cfg.tag != "" {
		tag = &cfg.tag
	}
	meta := buf.Metadata(nil, tag, nil)

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), cfg.chunkLimitSize)
	for scanner.Scan() {
		line := append([]byte(nil), scanner.Bytes()...)
		if err := buf.Write([]buffer.WriteItem{{Metadata: meta, Entries: [][]byte{line}}}, buffer.WriteOptions{}); err != nil {
			logger.Error("write record", "error", err)
		}
	}
	if err := scanner.Err(); err != nil {
		logger.Error("read stdin", "error", err)
	}

	if err := buf.EnqueueAll(nil); err != nil {
		logger.Error("final flush", "error", err)
	}
	<-ctx.Done()
	close(done)
	return nil
}

// drainLoop pops queued chunks, writes one line per chunk (its id and byte
// size) to stdout, and purges each one once written. Runs until ctx is
// cancelled or done is closed.
func drainLoop(ctx context.Context, buf *buffer.Buffer, logger *slog.Logger, done <-chan struct{}) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
			for {
				c, ok := buf.DequeueChunk()
				if !ok {
					break
				}
				if _, err := os.Stdout.Write([]byte(fmt.Sprintf("# chunk %s (%d bytes)\n", c.UniqueID(), c.BytesSize()))); err != nil {
					logger.Error("write chunk header", "error", err)
				}
				if err := buf.PurgeChunk(c.UniqueID()); err != nil {
					logger.Error("purge chunk", "chunk", c.UniqueID(), "error", err)
				}
			}
		}
	}
}

func openBackend(cfg runConfig, logger *slog.Logger) (buffer.Backend, error) {
	if cfg.dir == "" {
		return memory.New(memory.Config{Logger: logger}), nil
	}
	return file.New(file.Config{
		Dir:      cfg.dir,
		Compress: cfg.compress,
		Logger:   logger,
	})
}
