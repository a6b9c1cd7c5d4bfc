package spool

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"spoolsink/pkg/model"
)

var epoch = time.Date(2024, 6, 1, 10, 30, 0, 0, time.Local)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: epoch}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// dirs creates a buffer and a spooling directory under a temp root.
func dirs(t *testing.T) (bufDir, spoolDir string) {
	t.Helper()
	root := t.TempDir()
	bufDir = filepath.Join(root, "buf")
	spoolDir = filepath.Join(root, "spool")
	require.NoError(t, os.Mkdir(bufDir, 0o755))
	require.NoError(t, os.Mkdir(spoolDir, 0o755))
	return bufDir, spoolDir
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(b)
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func spooled(t *testing.T, spoolDir string) []string {
	t.Helper()
	entries, err := os.ReadDir(spoolDir)
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func event(t *testing.T, fields map[string]any) *model.Event {
	t.Helper()
	ev, err := model.NewEvent(fields, epoch)
	require.NoError(t, err)
	return ev
}

func message(t *testing.T, msg string) *model.Event {
	return event(t, map[string]any{"message": msg})
}
