package output

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingOutput struct {
	mu      sync.Mutex
	batches int
	err     error
	closed  bool
}

func (r *recordingOutput) WriteBatch([][]byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches++
	return r.err
}

func (r *recordingOutput) Close() error {
	r.closed = true
	return r.err
}

func TestConsoleOutput_AddsMissingNewlines(t *testing.T) {
	var buf bytes.Buffer
	out := NewWriterOutput(&buf)

	require.NoError(t, out.WriteBatch([][]byte{[]byte("a"), []byte("b\n"), {}}))
	assert.Equal(t, "a\nb\n\n", buf.String())
	assert.NoError(t, out.Close())
}

func TestFanOutOutput(t *testing.T) {
	boom := errors.New("boom")
	ok := &recordingOutput{}
	failing := &recordingOutput{err: boom}
	fan := NewFanOutOutput(ok, failing)

	err := fan.WriteBatch([][]byte{[]byte("x")})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, ok.batches, "a failing output must not stop the others")
	assert.Equal(t, 1, failing.batches)

	assert.ErrorIs(t, fan.Close(), boom)
	assert.True(t, ok.closed)
	assert.True(t, failing.closed)
}

func TestHTTPOutput(t *testing.T) {
	var (
		gotBody   string
		gotHeader string
		status    = http.StatusOK
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		gotHeader = r.Header.Get("X-Token")
		w.WriteHeader(status)
	}))
	defer srv.Close()

	out := NewHTTPOutput(srv.URL, map[string]string{"X-Token": "t"})
	defer out.Close()

	require.NoError(t, out.WriteBatch([][]byte{[]byte("one\n"), []byte("two")}))
	assert.Equal(t, "one\ntwo\n", gotBody)
	assert.Equal(t, "t", gotHeader)

	status = http.StatusServiceUnavailable
	assert.Error(t, out.WriteBatch([][]byte{[]byte("three")}))
}
