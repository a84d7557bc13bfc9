// ============================================================================
// Binpack Coordinator - Job Event Coordinator
// ============================================================================
//
// Package: internal/coordinator
// File: coordinator.go
// Purpose: Consume the worker's event stream and keep a consistent, queryable
//          snapshot of job status, progress and per-metric plot results
//
// Ownership:
//   The coordinator owns exactly one EventChannel, injected at construction.
//   A single receive loop is the only reader of the channel; Dispatch is the
//   only writer. Every snapshot mutation happens under mu, so the snapshot has
//   a single writer at any time and readers always get deep copies.
//
// Event handling:
//   - connect-response: logged, no state change
//   - status:           ApplyStatus (see transition.go)
//   - ga-progress:      ApplyProgress, last write wins unless MonotonicProgress
//   - anything else:    ignored
//
//   Undecodable payloads and malformed plot documents are logged and counted;
//   they never stop the loop and never touch unrelated slots.
//
// Lifecycle:
//   New -> Start(ctx) -> Dispatch / Snapshot / Subscribe ... -> Stop
//
//   If the stream ends before "done" the snapshot moves to the local "failed"
//   status. There is no cancellation message for the worker: a new Dispatch
//   only resets local state.
//
// ============================================================================

package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/ChuLiYu/binpack-coordinator/internal/logging"
	"github.com/ChuLiYu/binpack-coordinator/internal/metrics"
	"github.com/ChuLiYu/binpack-coordinator/pkg/types"
	"github.com/google/uuid"
)

var log = logging.Component("coordinator")

var (
	// ErrStopped is returned by operations on a stopped coordinator.
	ErrStopped = errors.New("coordinator stopped")
	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("coordinator already started")
)

// EventChannel is the bidirectional named-event connection to the worker.
type EventChannel interface {
	// Send publishes payload, JSON encoded, under the event name.
	Send(ctx context.Context, event string, payload any) error
	// Receive blocks for the next inbound event. It returns an error once
	// the channel is closed or the peer goes away.
	Receive(ctx context.Context) (types.Envelope, error)
	// Close releases the connection and unblocks Receive.
	Close() error
}

// Config tunes the coordinator.
type Config struct {
	// MonotonicProgress drops progress samples whose generation number is
	// lower than the one already stored.
	MonotonicProgress bool `yaml:"monotonic_progress"`
}

// Option customises a Coordinator.
type Option func(*Coordinator)

// WithMetrics records activity on m.
func WithMetrics(m *metrics.Collector) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithRunIDs replaces the run id generator (uuid by default).
func WithRunIDs(next func() string) Option {
	return func(c *Coordinator) { c.newRunID = next }
}

// Coordinator is safe for concurrent use.
type Coordinator struct {
	mu       sync.Mutex
	ch       EventChannel
	cfg      Config
	snap     types.JobSnapshot
	subs     map[int]chan types.JobSnapshot
	nextSub  int
	started  bool
	stopped  bool
	cancel   context.CancelFunc
	loopWg   sync.WaitGroup
	metrics  *metrics.Collector
	newRunID func() string
}

// New returns an idle coordinator bound to ch.
func New(ch EventChannel, cfg Config, opts ...Option) *Coordinator {
	c := &Coordinator{
		ch:       ch,
		cfg:      cfg,
		snap:     types.NewSnapshot(),
		subs:     make(map[int]chan types.JobSnapshot),
		newRunID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start launches the receive loop. The loop runs until ctx is done, Stop is
// called or the channel fails.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return ErrStopped
	}
	if c.started {
		return ErrAlreadyStarted
	}
	c.started = true

	loopCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.loopWg.Add(1)
	go c.receiveLoop(loopCtx)

	log.Info("Coordinator started")
	return nil
}

// Dispatch sends the job to the worker. Local results and progress are reset
// before the send so a previous run's artifacts never mix with the new one.
func (c *Coordinator) Dispatch(ctx context.Context, boxes []types.BoxSpec, params types.JobParameters) error {
	payload := types.NewDispatchPayload(boxes, params)

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return ErrStopped
	}
	runID := c.newRunID()
	c.snap = Reset(c.snap, runID)
	c.publishLocked()
	c.mu.Unlock()

	c.metrics.SetProgress(0)

	if err := c.ch.Send(ctx, types.EventDataIn, payload); err != nil {
		return fmt.Errorf("failed to send %s: %w", types.EventDataIn, err)
	}

	c.metrics.RecordDispatch()
	log.Info("Job dispatched",
		"run_id", runID,
		"boxes", len(boxes),
		"max_generation", params.MaxGeneration)
	return nil
}

// OnStatus applies one status event. The returned error is a diagnostic
// (malformed or missing plot); the snapshot has been updated regardless.
func (c *Coordinator) OnStatus(ev types.StatusEvent) error {
	c.mu.Lock()
	next, st, err := ApplyStatus(c.snap, ev)
	c.snap = next
	if st.Kind != KindUnknown {
		c.publishLocked()
	}
	c.mu.Unlock()

	if st.Kind == KindUnknown {
		c.metrics.RecordUnknownStatus()
		log.Debug("Ignoring unknown status", "status", ev.Status)
		return nil
	}

	c.metrics.RecordStatus(st.Raw)
	if err != nil {
		c.metrics.RecordMalformed(string(st.Metric))
		log.Warn("Malformed plot document",
			"metric", st.Metric,
			"status", st.Raw,
			"error", err)
		return err
	}

	log.Debug("Status applied", "status", st.Raw)
	return nil
}

// OnProgress applies one progress sample.
func (c *Coordinator) OnProgress(ev types.ProgressEvent) {
	c.mu.Lock()
	next, applied := ApplyProgress(c.snap, ev, c.cfg.MonotonicProgress)
	c.snap = next
	if applied {
		c.publishLocked()
	}
	percent := c.snap.ProgressPercent
	c.mu.Unlock()

	if !applied {
		log.Debug("Dropping stale progress sample", "n", ev.N, "total", ev.Total)
		return
	}
	c.metrics.SetProgress(percent)
}

// Snapshot returns a copy of the current state.
func (c *Coordinator) Snapshot() types.JobSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snap.Clone()
}

// Subscribe returns a channel that always holds the newest snapshot. A slow
// reader misses intermediate snapshots but never the latest one. The current
// snapshot is delivered immediately. The channel is closed by the returned
// cancel func or by Stop.
func (c *Coordinator) Subscribe() (<-chan types.JobSnapshot, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan types.JobSnapshot, 1)
	if c.stopped {
		ch <- c.snap.Clone()
		close(ch)
		return ch, func() {}
	}

	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch
	ch <- c.snap.Clone()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			if sub, ok := c.subs[id]; ok {
				delete(c.subs, id)
				close(sub)
			}
		})
	}
}

// Stop shuts the coordinator down. It is idempotent.
//
// Order matters:
//  1. cancel the loop context
//  2. close the channel, which unblocks a Receive that ignores ctx
//  3. wait for the loop to exit
//  4. close subscriber channels
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	cancel := c.cancel
	c.mu.Unlock()

	log.Info("Stopping coordinator...")

	if cancel != nil {
		cancel()
	}
	if err := c.ch.Close(); err != nil {
		log.Warn("Failed to close event channel", "error", err)
	}
	c.loopWg.Wait()

	c.mu.Lock()
	for id, sub := range c.subs {
		close(sub)
		delete(c.subs, id)
	}
	c.mu.Unlock()

	log.Info("Coordinator stopped")
}

// receiveLoop is the only reader of the channel.
func (c *Coordinator) receiveLoop(ctx context.Context) {
	defer c.loopWg.Done()

	for {
		env, err := c.ch.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				log.Info("Receive loop stopped")
				return
			}
			c.handleDisconnect(err)
			return
		}
		c.handleEnvelope(env)
	}
}

func (c *Coordinator) handleEnvelope(env types.Envelope) {
	c.metrics.RecordEvent(env.Event)

	switch env.Event {
	case types.EventConnectResponse:
		var ack types.ConnectResponse
		if err := json.Unmarshal(env.Payload, &ack); err != nil {
			log.Warn("Undecodable connect-response", "error", err)
			return
		}
		log.Info("Connected to worker", "data", ack.Data)

	case types.EventStatus:
		var ev types.StatusEvent
		if err := json.Unmarshal(env.Payload, &ev); err != nil {
			log.Warn("Undecodable status event", "error", err)
			return
		}
		// diagnostics are already logged by OnStatus
		_ = c.OnStatus(ev)

	case types.EventProgress:
		var ev types.ProgressEvent
		if err := json.Unmarshal(env.Payload, &ev); err != nil {
			log.Warn("Undecodable progress event", "error", err)
			return
		}
		c.OnProgress(ev)

	default:
		log.Debug("Ignoring unknown event", "event", env.Event)
	}
}

func (c *Coordinator) handleDisconnect(err error) {
	c.mu.Lock()
	next, changed := MarkFailed(c.snap)
	c.snap = next
	if changed {
		c.publishLocked()
	}
	c.mu.Unlock()

	if changed {
		log.Error("Event stream ended before job finished", "error", err)
		return
	}
	log.Info("Event stream closed", "reason", err)
}

// publishLocked hands the newest snapshot to every subscriber. Caller holds mu,
// which makes this the only sender on the subscriber channels.
func (c *Coordinator) publishLocked() {
	if len(c.subs) == 0 {
		return
	}
	for _, sub := range c.subs {
		select {
		case <-sub:
		default:
		}
		select {
		case sub <- c.snap.Clone():
		default:
		}
	}
}
