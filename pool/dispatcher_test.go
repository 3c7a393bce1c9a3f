package pool

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arkeep-io/comfyfleet/client"
)

func newHealthyServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/queue", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"queue_running": [][]any{}, "queue_pending": [][]any{},
			"exec_info": map[string]any{"queue_remaining": 0},
		})
	})
	mux.HandleFunc("/system_stats", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"system": map[string]any{"os": "posix"}})
	})
	return httptest.NewServer(mux)
}

func newReadyClient(t *testing.T, srv *httptest.Server) *client.Client {
	t.Helper()
	c := client.New(client.Config{Host: srv.URL})
	// The httptest server has no /ws upgrade handler, so the streaming
	// dial fails fast and Init falls back to polling.
	require.NoError(t, c.Init(context.Background(), 1, time.Millisecond))
	return c
}

func markOnline(p *Pool, idx int) {
	p.mu.Lock()
	p.states[idx].Online = true
	p.mu.Unlock()
}

func TestPoolBasicDispatchPickLowest(t *testing.T) {
	srvA := newHealthyServer(t)
	defer srvA.Close()
	srvB := newHealthyServer(t)
	defer srvB.Close()

	p := New(nil, PickLowest, 0)
	defer p.Destroy()

	idxA := p.AddClient(context.Background(), newReadyClient(t, srvA), 1, time.Millisecond)
	idxB := p.AddClient(context.Background(), newReadyClient(t, srvB), 1, time.Millisecond)
	markOnline(p, idxA)
	markOnline(p, idxB)

	var mu sync.Mutex
	counts := map[int]int{}

	run := func() {
		_, err := p.Run(context.Background(), func(ctx context.Context, c *client.Client, idx int) (any, error) {
			mu.Lock()
			counts[idx]++
			mu.Unlock()
			return idx, nil
		}, 0, Filter{}, RunOptions{})
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() { defer wg.Done(); run() }()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, counts[idxA])
	assert.Equal(t, 2, counts[idxB])
}

func TestPoolRoundRobinFairness(t *testing.T) {
	srvA := newHealthyServer(t)
	defer srvA.Close()
	srvB := newHealthyServer(t)
	defer srvB.Close()
	srvC := newHealthyServer(t)
	defer srvC.Close()

	p := New(nil, PickRoutine, 0)
	defer p.Destroy()

	idxs := []int{
		p.AddClient(context.Background(), newReadyClient(t, srvA), 1, time.Millisecond),
		p.AddClient(context.Background(), newReadyClient(t, srvB), 1, time.Millisecond),
		p.AddClient(context.Background(), newReadyClient(t, srvC), 1, time.Millisecond),
	}
	for _, idx := range idxs {
		markOnline(p, idx)
	}

	var counts [3]int32
	const jobs = 10 // not evenly divisible by 3 clients

	var wg sync.WaitGroup
	for i := 0; i < jobs; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := p.Run(context.Background(), func(ctx context.Context, c *client.Client, idx int) (any, error) {
				atomic.AddInt32(&counts[idx], 1)
				return nil, nil
			}, 0, Filter{}, RunOptions{})
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	for _, c := range counts {
		assert.GreaterOrEqual(t, c, int32(jobs/3))
		assert.LessOrEqual(t, c, int32(jobs/3)+1)
	}
}

func TestPoolFailoverRetriesOnOtherClient(t *testing.T) {
	srvA := newHealthyServer(t)
	defer srvA.Close()
	srvB := newHealthyServer(t)
	defer srvB.Close()

	p := New(nil, PickLowest, 0)
	defer p.Destroy()

	idxA := p.AddClient(context.Background(), newReadyClient(t, srvA), 1, time.Millisecond)
	idxB := p.AddClient(context.Background(), newReadyClient(t, srvB), 1, time.Millisecond)
	markOnline(p, idxA)
	markOnline(p, idxB)

	var attempts int32
	maxRetries := 2
	enable := true

	result, err := p.Run(context.Background(), func(ctx context.Context, c *client.Client, idx int) (any, error) {
		n := atomic.AddInt32(&attempts, 1)
		if n == 1 {
			return nil, errors.New("transient backend failure")
		}
		return idx, nil
	}, 0, Filter{}, RunOptions{EnableFailover: &enable, MaxRetries: &maxRetries, RetryDelay: time.Millisecond})

	require.NoError(t, err)
	assert.Equal(t, int32(2), attempts)
	assert.Contains(t, []int{idxA, idxB}, result)
}

func TestPoolQueueFullRejectsEnqueue(t *testing.T) {
	p := New(nil, PickLowest, 1)
	defer p.Destroy()

	// No clients online: the first Run blocks in the queue, so a second
	// Run observes a full queue immediately.
	go p.Run(context.Background(), func(ctx context.Context, c *client.Client, idx int) (any, error) {
		return nil, nil
	}, 0, Filter{}, RunOptions{})

	time.Sleep(20 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := p.Run(ctx, func(ctx context.Context, c *client.Client, idx int) (any, error) {
		return nil, nil
	}, 0, Filter{}, RunOptions{})
	assert.Error(t, err)
}
