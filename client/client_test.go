package client

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeChannel is a Channel test double that never touches the network.
// Open succeeds immediately; ReadFrame blocks on a channel of queued frames
// until Close is called.
type fakeChannel struct {
	mu      sync.Mutex
	closed  bool
	frames  chan frame
	openErr error
}

type frame struct {
	msgType int
	data    []byte
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{frames: make(chan frame, 16)}
}

func (f *fakeChannel) Open(ctx context.Context, host, clientID string, headers map[string]string) error {
	return f.openErr
}

func (f *fakeChannel) push(msgType int, data []byte) {
	f.frames <- frame{msgType, data}
}

func (f *fakeChannel) ReadFrame() (int, []byte, error) {
	fr, ok := <-f.frames
	if !ok {
		return 0, nil, io.EOF
	}
	return fr.msgType, fr.data, nil
}

func (f *fakeChannel) Close(force bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	close(f.frames)
	return nil
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/queue", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"queue_running": [][]any{},
			"queue_pending": [][]any{},
			"exec_info":     map[string]any{"queue_remaining": 0},
		})
	})
	mux.HandleFunc("/system_stats", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"system":  map[string]any{"os": "posix"},
			"devices": []map[string]any{},
		})
	})
	return httptest.NewServer(mux)
}

func TestClientInitMarksReady(t *testing.T) {
	srv := newTestServer(t)
	defer srv.Close()

	fc := newFakeChannel()
	c := New(Config{
		Host: srv.URL,
		dialer: func() Channel { return fc },
	})

	err := c.Init(context.Background(), 1, 10*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, c.State().Ready)
	assert.Equal(t, OSPOSIX, c.State().OSType)

	require.NoError(t, c.Destroy())
	assert.True(t, c.State().Destroyed)
}

func TestClientInitRetriesThenFails(t *testing.T) {
	c := New(Config{
		Host:   "http://127.0.0.1:1", // nothing listening
		dialer: func() Channel { return newFakeChannel() },
	})

	err := c.Init(context.Background(), 2, time.Millisecond)
	assert.Error(t, err)
	assert.False(t, c.State().Ready)
}

func TestClientDestroyIsIdempotent(t *testing.T) {
	srv := newTestServer(t)
	defer srv.Close()

	c := New(Config{Host: srv.URL, dialer: func() Channel { return newFakeChannel() }})
	require.NoError(t, c.Init(context.Background(), 1, time.Millisecond))

	require.NoError(t, c.Destroy())
	require.NoError(t, c.Destroy())
}

func TestRebindIDOnSessionFrame(t *testing.T) {
	srv := newTestServer(t)
	defer srv.Close()

	fc := newFakeChannel()
	c := New(Config{ID: "preliminary", Host: srv.URL, dialer: func() Channel { return fc }})
	require.NoError(t, c.Init(context.Background(), 1, time.Millisecond))

	fc.push(websocket.BinaryMessage, nil) // too short to parse, ignored
	env, _ := json.Marshal(map[string]any{
		"type": "status",
		"data": map[string]any{"sid": "backend-assigned-id"},
	})
	fc.push(websocket.TextMessage, env)

	assert.Eventually(t, func() bool {
		return c.ID() == "backend-assigned-id"
	}, time.Second, 5*time.Millisecond)
}

func TestBackoffDelayClamped(t *testing.T) {
	for attempt := 1; attempt <= 12; attempt++ {
		d := backoffDelay(time.Second, attempt)
		assert.GreaterOrEqual(t, d, 700*time.Millisecond)
		assert.LessOrEqual(t, d, 20*time.Second)
	}
}
