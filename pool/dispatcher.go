// Package pool implements the Fleet Dispatcher (spec §4.4): a weighted job
// queue that selects a backend client for each job under one of three
// policies, enforces a one-job-at-a-time lock per client, and fails a job
// over to another client when its chosen backend errors or disappears.
package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/arkeep-io/comfyfleet/client"
	"github.com/arkeep-io/comfyfleet/comfyerrors"
	"github.com/arkeep-io/comfyfleet/events"
)

// clientState mirrors one backend client's dispatcher-visible state (spec §3).
type clientState struct {
	ID         string
	QueueDepth int
	Locked     bool
	Online     bool
}

// Filter selects which clients a job may run on.
type Filter struct {
	IncludeIDs []string
	ExcludeIDs []string
}

// RunOptions configures one job's failover behavior. Zero values select the
// spec's defaults at submission time: failover enabled, maxRetries equal to
// the current online client count, retryDelay 1s.
type RunOptions struct {
	EnableFailover *bool
	MaxRetries     *int
	RetryDelay     time.Duration
}

const defaultMaxQueueSize = 1000
const defaultRetryDelay = time.Second
const defaultSelectionBackoff = 10 * time.Millisecond

// Pool is the Fleet Dispatcher. Construct with New; Destroy releases every
// held resource.
type Pool struct {
	logger  *zap.Logger
	hub     *events.Hub
	metrics *Metrics

	mu         sync.Mutex
	clients    []*client.Client
	states     []*clientState
	clientSubs []events.Subscription
	mode       Mode
	queue      jobQueue
	routineIdx int
	nextSeq    uint64
	maxQueue   int
	destroyed  bool

	wakeCh chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Pool with the given selection mode and starts its
// background dispatch loop.
func New(logger *zap.Logger, mode Mode, maxQueueSize int) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxQueueSize <= 0 {
		maxQueueSize = defaultMaxQueueSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		logger:   logger.Named("pool"),
		hub:      events.New(),
		mode:     mode,
		maxQueue: maxQueueSize,
		wakeCh:   make(chan struct{}, 1),
		ctx:      ctx,
		cancel:   cancel,
	}
	p.wg.Add(1)
	go p.loop()
	return p
}

// SetMetrics attaches a Metrics instance; subsequent state changes are
// reflected in its gauges. Not safe to call concurrently with dispatch.
func (p *Pool) SetMetrics(m *Metrics) {
	p.mu.Lock()
	p.metrics = m
	p.mu.Unlock()
}

// On subscribes handler to pool events of kind.
func (p *Pool) On(kind events.Kind, handler events.Handler) events.Subscription {
	return p.hub.On(kind, handler)
}

// OnAll subscribes handler to every pool event.
func (p *Pool) OnAll(handler events.Handler) events.Subscription {
	return p.hub.OnAll(handler)
}

// Off removes a subscription.
func (p *Pool) Off(sub events.Subscription) {
	p.hub.Off(sub)
}

// ClientEvent decorates a re-emitted per-client event with its index in the
// pool (spec §4.4 "re-emits per-client events decorated with {clientIdx}").
// ClientIdx is -1 for dispatcher-synthesized events with no single owner.
type ClientEvent struct {
	ClientIdx int
	Kind      string
	Data      any
}

func (p *Pool) emit(kind string, idx int, data any) {
	p.hub.Emit(events.Event{Kind: events.Kind(kind), Data: ClientEvent{ClientIdx: idx, Kind: kind, Data: data}})
}

func (p *Pool) wake() {
	select {
	case p.wakeCh <- struct{}{}:
	default:
	}
}

// AddClient appends c to the pool, subscribes to its events, and begins its
// initialization in the background (spec §4.4 "addClient").
func (p *Pool) AddClient(ctx context.Context, c *client.Client, maxTries int, initDelay time.Duration) int {
	p.mu.Lock()
	idx := len(p.clients)
	p.clients = append(p.clients, c)
	state := &clientState{ID: c.ID(), Online: false}
	p.states = append(p.states, state)
	sub := c.OnAll(p.clientHandler(idx))
	p.clientSubs = append(p.clientSubs, sub)
	p.mu.Unlock()

	p.emit("added", idx, nil)

	go func() {
		if err := c.Init(ctx, maxTries, initDelay); err != nil {
			p.logger.Warn("client init failed", zap.Int("idx", idx), zap.Error(err))
			return
		}
		p.mu.Lock()
		p.states[idx].ID = c.ID()
		p.mu.Unlock()
		p.emit("ready", idx, nil)
	}()

	return idx
}

// clientHandler returns the event handler subscribed to client idx. It
// updates clientState under the pool mutex per the unlock rules of spec §3,
// then re-emits the event decorated with the client's index.
func (p *Pool) clientHandler(idx int) events.Handler {
	return func(ev events.Event) {
		p.mu.Lock()
		if idx >= len(p.states) {
			p.mu.Unlock()
			return
		}
		state := p.states[idx]

		switch ev.Kind {
		case "connected":
			state.Online = true
		case "reconnected":
			state.Online = true
			state.Locked = false
		case "disconnected":
			state.Online = false
			state.Locked = false
		case "status":
			if remaining, ok := extractQueueRemaining(ev.Data); ok {
				state.QueueDepth = remaining
				if remaining > 0 {
					p.mu.Unlock()
					p.emit("have_job", idx, nil)
					p.mu.Lock()
				} else {
					p.mu.Unlock()
					p.emit("idle", idx, nil)
					p.mu.Lock()
				}
			}
			if p.mode != PickZero {
				state.Locked = false
			}
		case "execution_success", "execution_error", "execution_interrupted", "queue_error":
			state.Locked = false
		}
		p.mu.Unlock()

		p.emit(string(ev.Kind), idx, ev.Data)
		p.wake()
	}
}

// extractQueueRemaining reads queue_remaining from either a typed
// client.QueueStatus (polling fallback) or the generic map the streaming
// channel's JSON frames decode into.
func extractQueueRemaining(data any) (int, bool) {
	switch v := data.(type) {
	case client.QueueStatus:
		return v.QueueRemaining, true
	case map[string]any:
		if execInfo, ok := v["exec_info"].(map[string]any); ok {
			if n, ok := execInfo["queue_remaining"].(float64); ok {
				return int(n), true
			}
		}
	}
	return 0, false
}

// RemoveClientByIndex destroys the client at idx and marks its state offline
// and unlocked. The client and its state entry are not removed from the pool,
// so idx stays occupied and other clients keep their indices. A job currently
// running against it will fail as if the client had errored.
func (p *Pool) RemoveClientByIndex(idx int) error {
	p.mu.Lock()
	if idx < 0 || idx >= len(p.clients) {
		p.mu.Unlock()
		return fmt.Errorf("pool: index %d out of range", idx)
	}
	c := p.clients[idx]
	sub := p.clientSubs[idx]
	p.mu.Unlock()

	c.Off(sub)
	err := c.Destroy()

	p.mu.Lock()
	p.states[idx].Online = false
	p.states[idx].Locked = false
	p.mu.Unlock()

	p.emit("removed", idx, nil)
	return err
}

// RemoveClient destroys c if it is a member of the pool.
func (p *Pool) RemoveClient(c *client.Client) error {
	p.mu.Lock()
	idx := -1
	for i, existing := range p.clients {
		if existing == c {
			idx = i
			break
		}
	}
	p.mu.Unlock()
	if idx == -1 {
		return fmt.Errorf("pool: client not found")
	}
	return p.RemoveClientByIndex(idx)
}

// ChangeMode atomically swaps the selection policy. Jobs in flight are
// unaffected.
func (p *Pool) ChangeMode(m Mode) {
	p.mu.Lock()
	p.mode = m
	p.mu.Unlock()
	p.emit("change_mode", -1, m.String())
	p.wake()
}

func (p *Pool) resolveOptions(filter Filter, opts RunOptions) jobOptions {
	include := make(map[string]struct{}, len(filter.IncludeIDs))
	for _, id := range filter.IncludeIDs {
		include[id] = struct{}{}
	}
	exclude := make(map[string]struct{}, len(filter.ExcludeIDs))
	for _, id := range filter.ExcludeIDs {
		exclude[id] = struct{}{}
	}

	enableFailover := true
	if opts.EnableFailover != nil {
		enableFailover = *opts.EnableFailover
	}

	onlineCount := 0
	for _, s := range p.states {
		if s.Online {
			onlineCount++
		}
	}
	maxRetries := onlineCount
	if opts.MaxRetries != nil {
		maxRetries = *opts.MaxRetries
	}

	retryDelay := opts.RetryDelay
	if retryDelay <= 0 {
		retryDelay = defaultRetryDelay
	}

	return jobOptions{
		includeIDs:     include,
		excludeIDs:     exclude,
		enableFailover: enableFailover,
		maxRetries:     maxRetries,
		retryDelay:     retryDelay,
	}
}

// Run schedules one job and blocks until it resolves, fails terminally, or
// ctx is cancelled (spec §4.4 "run"). If ctx ends while the job is still
// waiting in the queue for a client, the job is removed from the queue and
// the returned error wraps both comfyerrors.ErrNoClient and ctx.Err().
func (p *Pool) Run(ctx context.Context, fn jobFunc, weight float64, filter Filter, opts RunOptions) (any, error) {
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return nil, comfyerrors.ErrDestroyed
	}
	if p.queue.len() >= p.maxQueue {
		p.mu.Unlock()
		return nil, comfyerrors.ErrQueueFull
	}

	item := &jobItem{
		weight:  weight,
		seq:     p.nextSeq,
		fn:      fn,
		opts:    p.resolveOptions(filter, opts),
		resultC: make(chan jobResult, 1),
		ctx:     ctx,
	}
	p.nextSeq++
	p.queue.insert(item)
	p.mu.Unlock()

	p.emit("add_job", -1, nil)
	p.wake()

	select {
	case res := <-item.resultC:
		return res.value, res.err
	case <-ctx.Done():
		p.mu.Lock()
		for i, queued := range p.queue.items {
			if queued == item {
				p.queue.items = append(p.queue.items[:i], p.queue.items[i+1:]...)
				p.mu.Unlock()
				return nil, fmt.Errorf("%w: %w", comfyerrors.ErrNoClient, ctx.Err())
			}
		}
		p.mu.Unlock()
		return nil, ctx.Err()
	}
}

// Batch runs every job in fns concurrently under filter/weight, returning
// all results. The first unrecoverable error cancels the remaining jobs'
// shared context and is returned immediately (spec §4.4 "batch").
func (p *Pool) Batch(ctx context.Context, fns []jobFunc, weight float64, filter Filter) ([]any, error) {
	childCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make([]any, len(fns))
	var wg sync.WaitGroup
	var once sync.Once
	var firstErr error

	for i, fn := range fns {
		wg.Add(1)
		go func(i int, fn jobFunc) {
			defer wg.Done()
			v, err := p.Run(childCtx, fn, weight, filter, RunOptions{})
			if err != nil {
				once.Do(func() {
					firstErr = err
					cancel()
				})
				return
			}
			results[i] = v
		}(i, fn)
	}
	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}
	return results, nil
}

// loop is the dispatcher's single background task: pops the head of the
// queue only once a client has been successfully locked for it (spec §9
// open question (b)), invokes the job, and repeats.
func (p *Pool) loop() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		default:
		}

		p.mu.Lock()
		if p.destroyed {
			p.mu.Unlock()
			return
		}
		if p.queue.len() == 0 {
			p.mu.Unlock()
			select {
			case <-p.ctx.Done():
				return
			case <-p.wakeCh:
			case <-time.After(5 * time.Second):
			}
			continue
		}

		head := p.queue.items[0]
		idx, ok := selectClient(p.mode, p.states, head.opts, &p.routineIdx)
		if !ok {
			p.mu.Unlock()
			select {
			case <-p.ctx.Done():
				return
			case <-p.wakeCh:
			case <-time.After(defaultSelectionBackoff):
			}
			continue
		}

		p.states[idx].Locked = true
		p.queue.popFront()
		if p.metrics != nil {
			p.metrics.QueueDepth.Set(float64(p.queue.len()))
		}
		p.mu.Unlock()

		p.wg.Add(1)
		go p.execute(head, idx)
	}
}

func (p *Pool) execute(item *jobItem, idx int) {
	defer p.wg.Done()

	p.mu.Lock()
	c := p.clients[idx]
	clientID := p.states[idx].ID
	p.mu.Unlock()

	ctx := item.ctx
	if ctx == nil {
		ctx = p.ctx
	}

	start := time.Now()
	value, err := item.fn(ctx, c, idx)
	duration := time.Since(start)

	if p.metrics != nil {
		p.metrics.JobDuration.Observe(duration.Seconds())
	}

	if err == nil {
		if p.metrics != nil {
			p.metrics.JobsTotal.WithLabelValues("success").Inc()
		}
		item.resultC <- jobResult{value: value}
		close(item.resultC)
		return
	}

	item.attempt++

	p.mu.Lock()
	p.states[idx].Locked = false
	item.opts.excludeIDs[clientID] = struct{}{}
	onlineNonExcluded := 0
	for _, s := range p.states {
		if !s.Online {
			continue
		}
		if _, excluded := item.opts.excludeIDs[s.ID]; excluded {
			continue
		}
		onlineNonExcluded++
	}
	willRetry := item.opts.enableFailover && item.attempt <= item.opts.maxRetries && onlineNonExcluded > 0
	p.mu.Unlock()

	p.emit("execution_error", idx, map[string]any{
		"willRetry":  willRetry,
		"attempt":    item.attempt,
		"maxRetries": item.opts.maxRetries,
		"error":      err.Error(),
	})

	if p.metrics != nil {
		p.metrics.JobsTotal.WithLabelValues("failure").Inc()
	}

	if !willRetry {
		item.resultC <- jobResult{err: err}
		close(item.resultC)
		return
	}

	select {
	case <-time.After(item.opts.retryDelay):
	case <-ctx.Done():
		item.resultC <- jobResult{err: ctx.Err()}
		close(item.resultC)
		return
	}

	p.mu.Lock()
	p.queue.insert(item)
	p.mu.Unlock()
	p.wake()
}

// Destroy cancels pending jobs, destroys every client, and clears listeners.
func (p *Pool) Destroy() error {
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return nil
	}
	p.destroyed = true
	pending := p.queue.items
	p.queue.items = nil
	clients := append([]*client.Client(nil), p.clients...)
	p.mu.Unlock()

	for _, item := range pending {
		select {
		case item.resultC <- jobResult{err: comfyerrors.ErrDestroyed}:
		default:
		}
		close(item.resultC)
	}

	p.cancel()
	for _, c := range clients {
		_ = c.Destroy()
	}
	p.wg.Wait()

	p.hub.Clear()
	return nil
}
