package spool

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"spoolsink/pkg/metrics"
	"spoolsink/pkg/model"
)

func newTestSink(t *testing.T, cfg Config, clock *fakeClock, opts ...Option) *Sink {
	t.Helper()
	opts = append([]Option{WithClock(clock.Now), WithLogger(zaptest.NewLogger(t))}, opts...)
	s, err := New(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSink_EndToEnd(t *testing.T) {
	bufDir, spoolDir := dirs(t)
	active := filepath.Join(bufDir, "out.log")
	s := newTestSink(t, Config{
		Path:          active,
		SpoolingDir:   spoolDir,
		MaxSize:       "10",
		MessageFormat: "%{message}",
	}, newFakeClock())

	// Each record is 3 bytes plus the separator.
	for _, msg := range []string{"aaa", "bbb", "ccc"} {
		require.NoError(t, s.Receive(message(t, msg)))
	}
	assert.Equal(t, "aaa\nbbb\nccc\n", readFile(t, active))
	assert.Empty(t, spooled(t, spoolDir))

	require.NoError(t, s.Receive(message(t, "ddd")))

	rotated := "out.log_" + epoch.Format(RotationTimeLayout)
	assert.Equal(t, []string{rotated}, spooled(t, spoolDir))
	assert.Equal(t, "aaa\nbbb\nccc\n", readFile(t, filepath.Join(spoolDir, rotated)))
	assert.Equal(t, "ddd\n", readFile(t, active))
}

func TestSink_NoLossAcrossRotation(t *testing.T) {
	bufDir, spoolDir := dirs(t)
	active := filepath.Join(bufDir, "out.log")
	s := newTestSink(t, Config{
		Path:          active,
		SpoolingDir:   spoolDir,
		MaxSize:       "20",
		MessageFormat: "%{message}",
	}, newFakeClock())

	var writes []string
	for i := 1; i <= 5; i++ {
		rec := fmt.Sprintf("rec-%02d", i)
		writes = append(writes, rec+"\n")
		require.NoError(t, s.Receive(message(t, rec)))
	}

	// Three 7-byte records reach 21 bytes, so the fourth write rotates.
	names := spooled(t, spoolDir)
	require.Len(t, names, 1)
	assert.Equal(t, strings.Join(writes[:3], ""), readFile(t, filepath.Join(spoolDir, names[0])))
	assert.Equal(t, strings.Join(writes[3:], ""), readFile(t, active))
}

func TestSink_SameSecondRotationsDoNotOverwrite(t *testing.T) {
	bufDir, spoolDir := dirs(t)
	active := filepath.Join(bufDir, "out.log")
	s := newTestSink(t, Config{
		Path:          active,
		SpoolingDir:   spoolDir,
		MaxSize:       "1",
		MessageFormat: "%{message}",
	}, newFakeClock())

	for _, msg := range []string{"one", "two", "three"} {
		require.NoError(t, s.Receive(message(t, msg)))
	}

	base := "out.log_" + epoch.Format(RotationTimeLayout)
	names := spooled(t, spoolDir)
	assert.ElementsMatch(t, []string{base, base + ".1"}, names)
	assert.Equal(t, "one\n", readFile(t, filepath.Join(spoolDir, base)))
	assert.Equal(t, "two\n", readFile(t, filepath.Join(spoolDir, base+".1")))
	assert.Equal(t, "three\n", readFile(t, active))
}

func TestSink_IdleEviction(t *testing.T) {
	bufDir, spoolDir := dirs(t)
	clock := newFakeClock()
	s := newTestSink(t, Config{
		Path:          filepath.Join(bufDir, "%{host}.log"),
		SpoolingDir:   spoolDir,
		MaxSize:       "1MB",
		MessageFormat: "%{message}",
		IdleTimeout:   10 * time.Second,
	}, clock)

	require.NoError(t, s.Receive(event(t, map[string]any{"host": "a", "message": "first"})))
	assert.Equal(t, 1, s.OpenHandles())

	clock.Advance(11 * time.Second)
	require.NoError(t, s.Receive(event(t, map[string]any{"host": "b", "message": "other"})))
	assert.Equal(t, 1, s.OpenHandles(), "handle for a.log should have been evicted")

	require.NoError(t, s.Receive(event(t, map[string]any{"host": "a", "message": "second"})))
	assert.Equal(t, "first\nsecond\n", readFile(t, filepath.Join(bufDir, "a.log")))
	assert.Equal(t, 2, s.OpenHandles())
}

func TestSink_DefaultSerialization(t *testing.T) {
	bufDir, spoolDir := dirs(t)
	active := filepath.Join(bufDir, "out.log")
	s := newTestSink(t, Config{Path: active, SpoolingDir: spoolDir, MaxSize: "1MB"}, newFakeClock())

	ev := event(t, map[string]any{"host": "a"})
	require.NoError(t, s.Receive(ev))
	assert.Equal(t, string(ev.JSON())+"\n", readFile(t, active))
}

func TestSink_Filter(t *testing.T) {
	bufDir, spoolDir := dirs(t)
	active := filepath.Join(bufDir, "out.log")
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	s := newTestSink(t, Config{
		Path:          active,
		SpoolingDir:   spoolDir,
		MaxSize:       "1MB",
		MessageFormat: "%{message}",
	}, newFakeClock(), WithMetrics(m), WithFilter(func(ev *model.Event) bool {
		level, _ := ev.Lookup("level")
		return level != "debug"
	}))

	require.NoError(t, s.Receive(event(t, map[string]any{"level": "debug", "message": "skip"})))
	require.NoError(t, s.Receive(event(t, map[string]any{"level": "info", "message": "keep"})))

	assert.Equal(t, "keep\n", readFile(t, active))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsSuppressed))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsWritten))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.BytesWritten))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.OpenHandles))
}

func TestSink_PerEventThreshold(t *testing.T) {
	bufDir, spoolDir := dirs(t)
	active := filepath.Join(bufDir, "out.log")
	s := newTestSink(t, Config{
		Path:          active,
		SpoolingDir:   spoolDir,
		MaxSize:       "%{limit}",
		MessageFormat: "%{message}",
	}, newFakeClock())

	require.NoError(t, s.Receive(event(t, map[string]any{"limit": "100", "message": "abc"})))
	require.NoError(t, s.Receive(event(t, map[string]any{"limit": "100", "message": "def"})))
	assert.Empty(t, spooled(t, spoolDir))

	require.NoError(t, s.Receive(event(t, map[string]any{"limit": "4", "message": "ghi"})))
	assert.Len(t, spooled(t, spoolDir), 1)
	assert.Equal(t, "ghi\n", readFile(t, active))
}

func TestSink_WriteFailureIsReported(t *testing.T) {
	bufDir, spoolDir := dirs(t)
	s := newTestSink(t, Config{
		Path:        filepath.Join(bufDir, "missing-dir", "out.log"),
		SpoolingDir: spoolDir,
		MaxSize:     "1MB",
	}, newFakeClock())

	err := s.Receive(message(t, "lost"))
	assert.ErrorIs(t, err, ErrWrite)
	assert.Equal(t, 0, s.OpenHandles())
}

func TestSink_RotationFailureIsReported(t *testing.T) {
	bufDir, spoolDir := dirs(t)
	active := filepath.Join(bufDir, "out.log")
	writeFile(t, active, "full\n")
	s := newTestSink(t, Config{
		Path:          active,
		SpoolingDir:   filepath.Join(spoolDir, "missing"),
		MaxSize:       "1",
		MessageFormat: "%{message}",
	}, newFakeClock())

	err := s.Receive(message(t, "next"))
	assert.ErrorIs(t, err, ErrRotation)
	assert.Equal(t, "full\n", readFile(t, active), "the failed event must not be appended")
}

func TestSink_WriteBatch(t *testing.T) {
	bufDir, spoolDir := dirs(t)
	active := filepath.Join(bufDir, "%{app}.log")
	s := newTestSink(t, Config{
		Path:          active,
		SpoolingDir:   spoolDir,
		MaxSize:       "1MB",
		MessageFormat: "%{message}",
	}, newFakeClock())

	err := s.WriteBatch([][]byte{
		[]byte(`{"app":"api","message":"m1"}`),
		[]byte("plain line\n"),
		[]byte(`{"app":"api","message":"m2"}`),
	})
	require.NoError(t, err)

	assert.Equal(t, "m1\nm2\n", readFile(t, filepath.Join(bufDir, "api.log")))
	assert.Equal(t, "plain line\n", readFile(t, filepath.Join(bufDir, "%{app}.log")))
}

func TestSink_WriteBatchContinuesAfterFailure(t *testing.T) {
	bufDir, spoolDir := dirs(t)
	s := newTestSink(t, Config{
		Path:          filepath.Join(bufDir, "%{dir}", "out.log"),
		SpoolingDir:   spoolDir,
		MaxSize:       "1MB",
		MessageFormat: "%{message}",
	}, newFakeClock())
	require.NoError(t, os.Mkdir(filepath.Join(bufDir, "ok"), 0o755))

	err := s.WriteBatch([][]byte{
		[]byte(`{"dir":"absent","message":"lost"}`),
		[]byte(`{"dir":"ok","message":"kept"}`),
	})
	assert.ErrorIs(t, err, ErrWrite)
	assert.Equal(t, "kept\n", readFile(t, filepath.Join(bufDir, "ok", "out.log")))
}

func TestSink_Close(t *testing.T) {
	bufDir, spoolDir := dirs(t)
	s := newTestSink(t, Config{
		Path:        filepath.Join(bufDir, "out.log"),
		SpoolingDir: spoolDir,
		MaxSize:     "1MB",
	}, newFakeClock())

	require.NoError(t, s.Receive(message(t, "x")))
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.Equal(t, 0, s.OpenHandles())
	assert.ErrorIs(t, s.Receive(message(t, "y")), ErrClosed)
}

func TestSink_ConcurrentReceive(t *testing.T) {
	bufDir, spoolDir := dirs(t)
	active := filepath.Join(bufDir, "out.log")
	s := newTestSink(t, Config{
		Path:          active,
		SpoolingDir:   spoolDir,
		MaxSize:       "200",
		MessageFormat: "%{message}",
	}, newFakeClock())

	const n = 200
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, s.Receive(message(t, fmt.Sprintf("record-%04d", i))))
		}(i)
	}
	wg.Wait()

	var lines []string
	collect := func(path string) {
		for _, l := range strings.Split(strings.TrimSuffix(readFile(t, path), "\n"), "\n") {
			if l != "" {
				lines = append(lines, l)
			}
		}
	}
	for _, name := range spooled(t, spoolDir) {
		collect(filepath.Join(spoolDir, name))
	}
	collect(active)

	want := make([]string, n)
	for i := range want {
		want[i] = fmt.Sprintf("record-%04d", i)
	}
	sort.Strings(lines)
	assert.Equal(t, want, lines)
}

func TestConfig_Validate(t *testing.T) {
	valid := Config{Path: "/b/out.log", SpoolingDir: "/s", MaxSize: "10"}
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no path", func(c *Config) { c.Path = "" }},
		{"no spooling dir", func(c *Config) { c.SpoolingDir = "" }},
		{"no max size", func(c *Config) { c.MaxSize = "" }},
		{"negative idle", func(c *Config) { c.IdleTimeout = -time.Second }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
			_, err := New(cfg)
			assert.Error(t, err)
		})
	}
}

func newTestFiles(t *testing.T, clock *fakeClock, m *metrics.Metrics) *Files {
	t.Helper()
	f := NewFiles(DefaultFileMode, m)
	f.cache.now = clock.Now
	t.Cleanup(func() { _ = f.Close() })
	return f
}

func TestSink_SharedFilesRotation(t *testing.T) {
	bufDir, spoolDir := dirs(t)
	active := filepath.Join(bufDir, "out.log")
	clock := newFakeClock()
	files := newTestFiles(t, clock, nil)
	cfg := Config{Path: active, SpoolingDir: spoolDir, MaxSize: "10", MessageFormat: "%{message}"}

	a := newTestSink(t, cfg, clock, WithFiles(files))
	b := newTestSink(t, cfg, clock, WithFiles(files))

	require.NoError(t, a.Receive(message(t, "aaaaaaaaaaa")))
	require.NoError(t, b.Receive(message(t, "bbb")))
	require.NoError(t, a.Receive(message(t, "ccc")))

	rotated := filepath.Join(spoolDir, "out.log_"+epoch.Format(RotationTimeLayout))
	assert.Equal(t, "aaaaaaaaaaa\n", readFile(t, rotated), "rotated file must not change after hand-off")
	assert.Equal(t, "bbb\nccc\n", readFile(t, active))
	assert.Equal(t, 1, files.Len())
}

func TestSink_SharedFilesCloseReleasesOwnPaths(t *testing.T) {
	bufDir, spoolDir := dirs(t)
	clock := newFakeClock()
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	files := newTestFiles(t, clock, m)
	cfg := Config{Path: filepath.Join(bufDir, "%{host}.log"), SpoolingDir: spoolDir, MaxSize: "1MB", MessageFormat: "%{message}"}

	a := newTestSink(t, cfg, clock, WithFiles(files), WithMetrics(m))
	b := newTestSink(t, cfg, clock, WithFiles(files), WithMetrics(m))

	require.NoError(t, a.Receive(event(t, map[string]any{"host": "x", "message": "1"})))
	require.NoError(t, b.Receive(event(t, map[string]any{"host": "y", "message": "2"})))
	require.NoError(t, b.Receive(event(t, map[string]any{"host": "z", "message": "3"})))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.OpenHandles))

	require.NoError(t, a.Close())
	assert.Equal(t, 2, files.Len())
	assert.Equal(t, 2.0, testutil.ToFloat64(m.OpenHandles))

	require.NoError(t, b.Receive(event(t, map[string]any{"host": "y", "message": "4"})))
	assert.Equal(t, "2\n4\n", readFile(t, filepath.Join(bufDir, "y.log")))
}

func TestSink_OpenHandlesGaugeAcrossPrivateSinks(t *testing.T) {
	bufDir, spoolDir := dirs(t)
	clock := newFakeClock()
	m := metrics.New(prometheus.NewRegistry())
	cfg := Config{Path: filepath.Join(bufDir, "%{host}.log"), SpoolingDir: spoolDir, MaxSize: "1MB"}

	a := newTestSink(t, cfg, clock, WithMetrics(m))
	b := newTestSink(t, cfg, clock, WithMetrics(m))

	require.NoError(t, a.Receive(event(t, map[string]any{"host": "a1"})))
	require.NoError(t, b.Receive(event(t, map[string]any{"host": "b1"})))
	require.NoError(t, b.Receive(event(t, map[string]any{"host": "b2"})))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.OpenHandles))

	require.NoError(t, a.Close())
	assert.Equal(t, 2, b.OpenHandles())
	assert.Equal(t, 2.0, testutil.ToFloat64(m.OpenHandles))
}
