package spool

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"spoolsink/pkg/metrics"
	"spoolsink/pkg/model"
)

const (
	DefaultIdleTimeout = 10 * time.Second
	DefaultFileMode    = os.FileMode(0o640)
)

// Config holds the sink templates and limits.
type Config struct {
	// Path is the active buffer path template. Required.
	Path string
	// SpoolingDir is the spooling directory template. Required.
	SpoolingDir string
	// MaxSize is the size threshold template, in bytes or a human size. Required.
	MaxSize string
	// MessageFormat renders each record; empty means canonical JSON.
	MessageFormat string
	// IdleTimeout closes handles not written for this long.
	IdleTimeout time.Duration
	// FileMode is used when creating active files. It is ignored when the
	// sink uses shared Files, which carry their own mode.
	FileMode os.FileMode
	// FilenameFailure is the file, under the static root of Path, that
	// receives events whose path escapes that root.
	FilenameFailure string
}

// Validate checks required fields.
func (c Config) Validate() error {
	switch {
	case c.Path == "":
		return errors.New("spool: path is required")
	case c.SpoolingDir == "":
		return errors.New("spool: spooling_dir is required")
	case c.MaxSize == "":
		return errors.New("spool: max_size is required")
	case c.IdleTimeout < 0:
		return errors.New("spool: idle_timeout must not be negative")
	}
	return nil
}

// Option configures a Sink.
type Option func(*Sink)

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(s *Sink) { s.logger = l }
}

// WithMetrics records sink activity in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Sink) { s.metrics = m }
}

// WithFilter sets a predicate; events for which it returns false are
// skipped without effect.
func WithFilter(keep func(*model.Event) bool) Option {
	return func(s *Sink) { s.keep = keep }
}

// WithFiles makes the sink open, rotate and lock active files through f
// instead of a private set. Closing the sink then closes only the paths it
// wrote; f stays usable by other sinks.
func WithFiles(f *Files) Option {
	return func(s *Sink) { s.files = f }
}

// WithClock replaces time.Now for idle tracking, rotation names and event
// parsing.
func WithClock(now func() time.Time) Option {
	return func(s *Sink) { s.now = now }
}

// Sink writes events to active buffer files and rotates full files into the
// spooling directory.
//
// Receive may be called concurrently. Work on one active path is serialized;
// different paths proceed in parallel.
type Sink struct {
	resolver *Resolver
	files    *Files
	ownFiles bool
	rotator  *Rotator
	idle     time.Duration

	mu    sync.Mutex
	paths map[string]struct{} // active paths written, for Close on shared Files

	keep    func(*model.Event) bool
	now     func() time.Time
	logger  *zap.Logger
	metrics *metrics.Metrics
	closed  atomic.Bool
}

// New creates a Sink from cfg.
func New(cfg Config, opts ...Option) (*Sink, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.FileMode == 0 {
		cfg.FileMode = DefaultFileMode
	}

	s := &Sink{
		resolver: NewResolver(cfg.Path, cfg.SpoolingDir, cfg.MaxSize, cfg.MessageFormat, cfg.FilenameFailure),
		idle:     cfg.IdleTimeout,
		paths:    make(map[string]struct{}),
		now:      time.Now,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.files == nil {
		s.files = NewFiles(cfg.FileMode, s.metrics)
		s.files.cache.now = s.now
		s.ownFiles = true
	}
	s.rotator = NewRotator(s.files.cache)
	s.rotator.now = s.now
	return s, nil
}

// Receive writes one event. Any returned error means the event was not
// durably written; it is never retried here.
func (s *Sink) Receive(ev *model.Event) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if s.keep != nil && !s.keep(ev) {
		s.metrics.IncrementSuppressed()
		return nil
	}

	target := s.resolver.Resolve(ev)
	if len(target.Gaps) > 0 {
		s.metrics.IncrementResolutionGaps()
		s.logger.Debug("unresolved template references",
			zap.Strings("refs", target.Gaps),
			zap.String("path", target.ActivePath))
	}
	if target.Redirected {
		s.logger.Warn("resolved path escapes buffer root, using failure file",
			zap.String("path", target.ActivePath))
	}

	if err := s.deliver(target, ev); err != nil {
		return err
	}

	n, err := s.files.cache.EvictIdle(s.idle, s.files.locks.TryLock)
	s.metrics.AddEvictions(n)
	if n > 0 {
		s.logger.Debug("closed idle handles", zap.Int("count", n))
	}
	if err != nil {
		// The event itself is already durable.
		s.logger.Warn("failed to close idle handles", zap.Error(err))
	}
	return nil
}

func (s *Sink) deliver(target Target, ev *model.Event) error {
	unlock := s.files.locks.Lock(target.ActivePath)
	defer unlock()

	s.mu.Lock()
	s.paths[target.ActivePath] = struct{}{}
	s.mu.Unlock()

	out, err := s.rotator.MaybeRotate(target.ActivePath, target.SpoolDir, target.MaxSize)
	if err != nil {
		s.metrics.IncrementRotationErrors()
		s.logger.Error("rotation failed",
			zap.String("path", target.ActivePath),
			zap.String("spooling_dir", target.SpoolDir),
			zap.Error(err))
		return err
	}
	if out.Rotated {
		s.metrics.IncrementRotations()
		s.logger.Info("rotated buffer file",
			zap.String("path", target.ActivePath),
			zap.String("rotated", out.RotatedName),
			zap.String("size", humanize.IBytes(uint64(out.Size))))
	}

	record := s.resolver.Render(ev)
	buf := make([]byte, 0, len(record)+1)
	buf = append(buf, record...)
	buf = append(buf, '\n')

	if err := s.write(target.ActivePath, buf); err != nil {
		s.metrics.IncrementWriteErrors()
		s.logger.Error("write failed", zap.String("path", target.ActivePath), zap.Error(err))
		return err
	}
	s.metrics.IncrementWritten(len(buf))
	return nil
}

func (s *Sink) write(path string, p []byte) error {
	h, err := s.files.cache.GetOrOpen(path)
	if err != nil {
		return err
	}
	if err := s.files.cache.Write(h, p); err != nil {
		// The handle is suspect after a failed write; the next event reopens.
		return multierr.Append(err, s.files.cache.Close(path))
	}
	return nil
}

// WriteBatch parses each entry as an event and receives it. A failing entry
// does not stop the rest of the batch; all failures are returned together.
func (s *Sink) WriteBatch(entries [][]byte) error {
	var errs error
	for _, entry := range entries {
		ev, err := model.ParseEvent(entry, s.now())
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		errs = multierr.Append(errs, s.Receive(ev))
	}
	return errs
}

// OpenHandles returns the number of open handles in the sink's Files,
// which includes those of other sinks when Files are shared.
func (s *Sink) OpenHandles() int {
	return s.files.Len()
}

// Close flushes and closes the sink's handles. With private Files that is
// every handle; with shared Files it is those on paths this sink wrote.
// Receive fails with ErrClosed afterwards.
func (s *Sink) Close() error {
	if s.closed.Swap(true) {
		return nil
	}

	var errs error
	if s.ownFiles {
		errs = s.files.Close()
	} else {
		s.mu.Lock()
		paths := s.paths
		s.paths = make(map[string]struct{})
		s.mu.Unlock()
		for path := range paths {
			errs = multierr.Append(errs, s.files.release(path))
		}
	}
	if errs != nil {
		return fmt.Errorf("close sink: %w", errs)
	}
	return nil
}
