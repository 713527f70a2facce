package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// FileOptions configures the rotated JSON-lines file sink.
type FileOptions struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// FileSink appends one JSON object per entry to a size-rotated file.
type FileSink struct {
	mu  sync.Mutex
	out *lumberjack.Logger
}

// NewFileSink returns a sink writing to opts.Path.
func NewFileSink(opts FileOptions) *FileSink {
	if opts.MaxSizeMB <= 0 {
		opts.MaxSizeMB = 100
	}
	return &FileSink{out: &lumberjack.Logger{
		Filename:   opts.Path,
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
		MaxAge:     opts.MaxAgeDays,
		Compress:   opts.Compress,
	}}
}

func (f *FileSink) Name() string { return "file" }

func (f *FileSink) Deliver(_ context.Context, e *Entry) error {
	line, err := json.Marshal(e)
	if err != nil {
		return err
	}
	line = append(line, '\n')
	f.mu.Lock()
	defer f.mu.Unlock()
	_, err = f.out.Write(line)
	return err
}

func (f *FileSink) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.out.Close()
}

// LogSink writes each entry as a structured log record.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink returns a sink logging through logger.
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger.With("component", "audit")}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Deliver(ctx context.Context, e *Entry) error {
	s.logger.LogAttrs(ctx, slog.LevelInfo, "audit",
		slog.String("event", e.Action),
		slog.Uint64("seq", e.Seq),
		slog.String("actor_id", e.ActorID),
		slog.String("entity", e.Entity),
		slog.String("entity_id", e.EntityID),
		slog.String("remote_addr", e.ClientAddress),
		slog.String("timestamp", e.CreatedAt.UTC().Format(time.RFC3339)),
		slog.String("hash", e.HashChainCurr),
	)
	return nil
}
