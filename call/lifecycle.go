// Package call implements the Prompt Call Lifecycle (spec §4.3): given a
// backend and a finalized template, it submits the workflow, correlates the
// backend's streamed events by prompt id, and resolves to a typed outcome
// the caller can wait on.
package call

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/arkeep-io/comfyfleet/client"
	"github.com/arkeep-io/comfyfleet/comfyerrors"
	"github.com/arkeep-io/comfyfleet/events"
	"github.com/arkeep-io/comfyfleet/workflow"
)

// Status is the lifecycle's current state (pending -> running -> finished|failed).
type Status string

const (
	StatusPending  Status = "pending"
	StatusRunning  Status = "running"
	StatusFinished Status = "finished"
	StatusFailed   Status = "failed"
)

// Progress reports one progress tick for a running node.
type Progress struct {
	Node  string
	Value int
	Max   int
}

// Result is the lifecycle's terminal success value, keyed by the template's
// logical output names (not raw node ids).
type Result struct {
	PromptID string
	Outputs  map[string]any
}

// cacheGraceWindow is how long the lifecycle waits after an
// execution_cached event leaves every declared output satisfied, in case a
// trailing execution_success still arrives (spec §4.3 step 2,
// execution_cached handling).
const cacheGraceWindow = 200 * time.Millisecond

// Backend is the subset of *client.Client the lifecycle depends on, kept
// narrow so tests can supply a fake without a real Client.
type Backend interface {
	OnAll(handler events.Handler) events.Subscription
	Off(sub events.Subscription)
	QueuePrompt(ctx context.Context, position *int, wf workflow.Workflow) (client.QueuePromptResponse, error)
	GetHistory(ctx context.Context, promptID string) (client.HistoryEntry, error)
	Interrupt(ctx context.Context) error
}

// Lifecycle drives one submitted prompt from pending to a terminal state.
// Not safe for reuse across more than one Run call.
type Lifecycle struct {
	// localID identifies this Lifecycle instance for local logging and
	// tracking purposes, independent of the backend-assigned promptID a
	// successful QueuePrompt call later produces.
	localID string

	backend  Backend
	template *workflow.Template

	// outputNodes maps a workflow node id to the logical output name bound
	// to it, the reverse of template's outputMap, computed once at New.
	outputNodes map[string]string

	ctx      context.Context
	promptID string
	sub      events.Subscription

	mu          sync.Mutex
	status      Status
	err         error
	result      Result
	buffer      map[string]any // node id -> output payload
	cached      map[string]struct{}
	successSeen bool
	graceTimer  *time.Timer

	onPending  func()
	onStart    func()
	onProgress func(Progress)
	onFinished func(Result)
	onFailed   func(error)

	done chan struct{}
	once sync.Once
}

// New builds a Lifecycle for template against backend. Call Run to submit
// and drive it to completion.
func New(backend Backend, template *workflow.Template) *Lifecycle {
	outputNodes := make(map[string]string)
	for _, name := range template.OutputNames() {
		if nodeID, ok := template.OutputNode(name); ok {
			outputNodes[nodeID] = name
		}
	}
	return &Lifecycle{
		localID:     uuid.New().String(),
		backend:     backend,
		template:    template,
		outputNodes: outputNodes,
		buffer:      make(map[string]any),
		cached:      make(map[string]struct{}),
		done:        make(chan struct{}),
	}
}

// LocalID returns the lifecycle's locally generated tracking id, stable for
// its whole lifetime unlike PromptID (which is empty until submission
// succeeds).
func (l *Lifecycle) LocalID() string { return l.localID }

// OnPending registers a callback fired once submission succeeds.
func (l *Lifecycle) OnPending(fn func()) *Lifecycle { l.onPending = fn; return l }

// OnStart registers a callback fired once execution begins (or, absent an
// explicit execution_start event, on the first progress/executed frame —
// spec §9 open question (c)).
func (l *Lifecycle) OnStart(fn func()) *Lifecycle { l.onStart = fn; return l }

// OnProgress registers a callback fired for every progress tick.
func (l *Lifecycle) OnProgress(fn func(Progress)) *Lifecycle { l.onProgress = fn; return l }

// OnFinished registers a callback fired once on success.
func (l *Lifecycle) OnFinished(fn func(Result)) *Lifecycle { l.onFinished = fn; return l }

// OnFailed registers a callback fired once on failure.
func (l *Lifecycle) OnFailed(fn func(error)) *Lifecycle { l.onFailed = fn; return l }

// Status returns the lifecycle's current state.
func (l *Lifecycle) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.status
}

// Run finalizes the template, submits it, subscribes to the backend's event
// stream, and blocks until the prompt reaches a terminal state or ctx is
// cancelled.
func (l *Lifecycle) Run(ctx context.Context) (Result, error) {
	l.ctx = ctx
	l.mu.Lock()
	l.status = StatusPending
	l.mu.Unlock()

	wf := l.template.Finalize()
	resp, err := l.backend.QueuePrompt(ctx, nil, wf)
	if err != nil {
		wrapped := fmt.Errorf("submit prompt: %w", err)
		l.fail(wrapped)
		if l.onFailed != nil {
			l.onFailed(wrapped)
		}
		return Result{}, wrapped
	}
	l.promptID = resp.PromptID
	if l.onPending != nil {
		l.onPending()
	}

	l.sub = l.backend.OnAll(l.handle)

	select {
	case <-l.done:
	case <-ctx.Done():
		l.backend.Off(l.sub)
		return Result{}, ctx.Err()
	}

	l.backend.Off(l.sub)

	l.mu.Lock()
	status, resErr, res := l.status, l.err, l.result
	l.mu.Unlock()

	if status == StatusFailed {
		if l.onFailed != nil {
			l.onFailed(resErr)
		}
		return Result{}, resErr
	}
	if l.onFinished != nil {
		l.onFinished(res)
	}
	return res, nil
}

// Cancel requests interruption and waits up to graceWindow for the backend
// to confirm via execution_interrupted. If the window elapses first,
// ErrCancelTimeout is returned; Run's in-flight wait is unaffected and will
// still resolve once a terminal event eventually arrives.
func (l *Lifecycle) Cancel(ctx context.Context, graceWindow time.Duration) error {
	if err := l.backend.Interrupt(ctx); err != nil {
		return fmt.Errorf("cancel: %w", err)
	}
	timer := time.NewTimer(graceWindow)
	defer timer.Stop()
	select {
	case <-l.done:
		return nil
	case <-timer.C:
		return comfyerrors.ErrCancelTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

func matchesPrompt(data any, promptID string) (map[string]any, bool) {
	m, ok := data.(map[string]any)
	if !ok {
		return nil, false
	}
	pid, _ := m["prompt_id"].(string)
	return m, pid == promptID
}

func (l *Lifecycle) handle(ev events.Event) {
	switch ev.Kind {
	case "execution_start":
		if _, ok := matchesPrompt(ev.Data, l.promptID); ok {
			l.ensureStarted()
		}
	case "progress":
		l.onProgressEvent(ev.Data)
	case "executed":
		l.onExecuted(ev.Data)
	case "execution_cached":
		l.onCached(ev.Data)
	case "execution_error":
		if _, ok := matchesPrompt(ev.Data, l.promptID); ok {
			l.fail(fmt.Errorf("prompt %s: %w", l.promptID, comfyerrors.ErrExecution))
		}
	case "execution_interrupted":
		if _, ok := matchesPrompt(ev.Data, l.promptID); ok {
			l.fail(fmt.Errorf("prompt %s: %w", l.promptID, comfyerrors.ErrInterrupted))
		}
	case "execution_success":
		if _, ok := matchesPrompt(ev.Data, l.promptID); ok {
			l.mu.Lock()
			l.successSeen = true
			if l.graceTimer != nil {
				l.graceTimer.Stop()
			}
			l.mu.Unlock()
			l.finalize()
		}
	}
}

func (l *Lifecycle) ensureStarted() {
	l.mu.Lock()
	already := l.status != StatusPending
	if l.status == StatusPending {
		l.status = StatusRunning
	}
	l.mu.Unlock()
	if !already && l.onStart != nil {
		l.onStart()
	}
}

func (l *Lifecycle) onProgressEvent(data any) {
	m, ok := matchesPrompt(data, l.promptID)
	if !ok {
		return
	}
	l.ensureStarted()

	p := Progress{}
	if v, ok := m["value"].(float64); ok {
		p.Value = int(v)
	}
	if v, ok := m["max"].(float64); ok {
		p.Max = int(v)
	}
	if v, ok := m["node"].(string); ok {
		p.Node = v
	}
	if l.onProgress != nil {
		l.onProgress(p)
	}
}

func (l *Lifecycle) onExecuted(data any) {
	m, ok := matchesPrompt(data, l.promptID)
	if !ok {
		return
	}
	l.ensureStarted()

	nodeID, _ := m["node"].(string)
	if nodeID == "" {
		return
	}
	l.mu.Lock()
	l.buffer[nodeID] = m["output"]
	l.mu.Unlock()

	l.maybeScheduleCacheCompletion()
}

func (l *Lifecycle) onCached(data any) {
	m, ok := matchesPrompt(data, l.promptID)
	if !ok {
		return
	}
	nodes, _ := m["nodes"].([]any)
	l.mu.Lock()
	for _, n := range nodes {
		if s, ok := n.(string); ok {
			l.cached[s] = struct{}{}
		}
	}
	l.mu.Unlock()

	l.maybeScheduleCacheCompletion()
}

// maybeScheduleCacheCompletion starts the grace timer once every declared
// output is either buffered or reported cached and execution_success hasn't
// arrived yet (spec §4.3 execution_cached handling).
func (l *Lifecycle) maybeScheduleCacheCompletion() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.successSeen || l.status == StatusFinished || l.status == StatusFailed || l.graceTimer != nil {
		return
	}
	for nodeID := range l.outputNodes {
		_, buffered := l.buffer[nodeID]
		_, isCached := l.cached[nodeID]
		if !buffered && !isCached {
			return
		}
	}
	l.graceTimer = time.AfterFunc(cacheGraceWindow, l.finalize)
}

// finalize assembles the declared outputs from the per-node buffer,
// consulting history once for anything missing, and resolves the lifecycle
// (spec §4.3 step 3, and S6).
func (l *Lifecycle) finalize() {
	l.mu.Lock()
	if l.status == StatusFinished || l.status == StatusFailed {
		l.mu.Unlock()
		return
	}
	outputs := make(map[string]any, len(l.outputNodes))
	missing := make(map[string]string) // name -> nodeID
	for nodeID, name := range l.outputNodes {
		if v, ok := l.buffer[nodeID]; ok {
			outputs[name] = v
		} else {
			missing[name] = nodeID
		}
	}
	l.mu.Unlock()

	if len(missing) > 0 {
		ctx := l.ctx
		if ctx == nil {
			ctx = context.Background()
		}
		hist, err := l.backend.GetHistory(ctx, l.promptID)
		if err == nil {
			for name, nodeID := range missing {
				if v, ok := hist.Outputs[nodeID]; ok {
					outputs[name] = v
					delete(missing, name)
				}
			}
		}
	}

	if len(missing) > 0 {
		l.fail(fmt.Errorf("prompt %s: %w", l.promptID, comfyerrors.ErrIncomplete))
		return
	}

	l.mu.Lock()
	if l.status == StatusFinished || l.status == StatusFailed {
		l.mu.Unlock()
		return
	}
	l.status = StatusFinished
	l.result = Result{PromptID: l.promptID, Outputs: outputs}
	l.mu.Unlock()
	l.closeDone()
}

func (l *Lifecycle) fail(err error) {
	l.mu.Lock()
	if l.status == StatusFinished || l.status == StatusFailed {
		l.mu.Unlock()
		return
	}
	l.status = StatusFailed
	l.err = err
	l.mu.Unlock()
	l.closeDone()
}

func (l *Lifecycle) closeDone() {
	l.once.Do(func() { close(l.done) })
}
