package client

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arkeep-io/comfyfleet/events"
)

// scriptedChannel closes its frames channel as soon as Open succeeds,
// simulating a connection that drops immediately after the handshake.
type scriptedChannel struct {
	*fakeChannel
}

func newScriptedDropChannel() *scriptedChannel {
	return &scriptedChannel{fakeChannel: newFakeChannel()}
}

func (s *scriptedChannel) Open(ctx context.Context, host, clientID string, headers map[string]string) error {
	if err := s.fakeChannel.Open(ctx, host, clientID, headers); err != nil {
		return err
	}
	_ = s.fakeChannel.Close(true)
	return nil
}

// sequencedDialer returns a different Channel on each successive call,
// letting a test script exactly how many times dial succeeds or fails
// before the reconnect ladder recovers (spec §8 S3).
type sequencedDialer struct {
	mu    sync.Mutex
	n     int32
	calls []func() Channel
}

func (d *sequencedDialer) dial() Channel {
	i := int(atomic.AddInt32(&d.n, 1)) - 1
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.calls) {
		i = len(d.calls) - 1
	}
	return d.calls[i]()
}

func TestStreamReconnectLadderFallsBackThenRecovers(t *testing.T) {
	srv := newTestServer(t)
	defer srv.Close()

	failing := func() Channel {
		fc := newFakeChannel()
		fc.openErr = errors.New("dial refused")
		return fc
	}
	recovered := newFakeChannel()

	dialer := &sequencedDialer{calls: []func() Channel{
		func() Channel { return newScriptedDropChannel() }, // initial open, drops instantly
		failing, failing, failing, // three failed reconnect attempts
		func() Channel { return recovered }, // fourth attempt succeeds
	}}

	c := New(Config{
		Host:                 srv.URL,
		dialer:               dialer.dial,
		reconnectBackoffBase: 2 * time.Millisecond,
	})

	var reconnected, reconnectFailed int32
	c.On("reconnected", func(events.Event) { atomic.AddInt32(&reconnected, 1) })
	c.On("reconnection_failed", func(events.Event) { atomic.AddInt32(&reconnectFailed, 1) })

	require.NoError(t, c.Init(context.Background(), 1, time.Millisecond))
	defer c.Destroy()

	assert.Eventually(t, func() bool {
		return atomic.LoadInt32(&reconnected) >= 1
	}, 2*time.Second, 5*time.Millisecond)

	assert.Zero(t, atomic.LoadInt32(&reconnectFailed), "ladder recovered before exhausting attempts; reconnection_failed must not fire")
}

func TestPollingFallbackEmitsStatusEvents(t *testing.T) {
	srv := newTestServer(t)
	defer srv.Close()

	c := New(Config{
		Host: srv.URL,
		dialer: func() Channel {
			fc := newFakeChannel()
			fc.openErr = errors.New("no streaming endpoint")
			return fc
		},
		PollInterval: 10 * time.Millisecond,
	})

	var statusEvents int32
	c.On("status", func(events.Event) { atomic.AddInt32(&statusEvents, 1) })

	require.NoError(t, c.Init(context.Background(), 1, time.Millisecond))
	defer c.Destroy()

	assert.Eventually(t, func() bool {
		return atomic.LoadInt32(&statusEvents) >= 1
	}, 2*time.Second, 5*time.Millisecond)
}
