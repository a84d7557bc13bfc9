package gate

import (
	"context"
	"errors"
	"sync"

	"github.com/ChuLiYu/binpack-coordinator/internal/logging"
	"github.com/ChuLiYu/binpack-coordinator/internal/metrics"
	"github.com/ChuLiYu/binpack-coordinator/pkg/types"
)

var log = logging.Component("gate")

// ErrNotAwaiting is returned by Agree and Disagree when nothing is pending.
var ErrNotAwaiting = errors.New("no submission awaiting confirmation")

// DispatchFunc sends a job to the worker.
type DispatchFunc func(ctx context.Context, boxes []types.BoxSpec, params types.JobParameters) error

// Outcome describes what Submit did.
type Outcome int

const (
	// Dispatched means the gate passed and the job was sent.
	Dispatched Outcome = iota
	// AwaitingConfirmation means the latch opened; call Agree or Disagree.
	AwaitingConfirmation
	// Ignored means a confirmation was already pending.
	Ignored
)

func (o Outcome) String() string {
	switch o {
	case Dispatched:
		return "dispatched"
	case AwaitingConfirmation:
		return "awaiting-confirmation"
	case Ignored:
		return "ignored"
	}
	return "unknown"
}

type request struct {
	boxes  []types.BoxSpec
	params types.JobParameters
}

// Latch is the two-state confirmation flow: closed -> open -> closed.
// At most one submission is pending at a time and it never times out.
type Latch struct {
	mu       sync.Mutex
	open     bool
	pending  request
	dispatch DispatchFunc
	metrics  *metrics.Collector
}

// NewLatch returns a closed latch that sends jobs through dispatch.
// m may be nil.
func NewLatch(dispatch DispatchFunc, m *metrics.Collector) *Latch {
	return &Latch{dispatch: dispatch, metrics: m}
}

// IsOpen reports whether a submission is awaiting a decision.
func (l *Latch) IsOpen() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.open
}

// Submit runs the gate. Jobs that fill the container well enough are
// dispatched at once; the rest open the latch and wait for Agree.
// The request is captured at submit time.
func (l *Latch) Submit(ctx context.Context, boxes []types.BoxSpec, params types.JobParameters) (Outcome, error) {
	l.mu.Lock()
	if l.open {
		l.mu.Unlock()
		log.Debug("Submission ignored, confirmation already pending")
		return Ignored, nil
	}

	if ShouldConfirm(boxes, params) {
		l.open = true
		l.pending = request{boxes: append([]types.BoxSpec(nil), boxes...), params: params}
		l.mu.Unlock()

		ratio, _ := Utilization(boxes, params)
		log.Info("Confirmation required", "utilization", ratio, "threshold", Threshold)
		l.metrics.RecordConfirmation(metrics.DecisionRequired)
		return AwaitingConfirmation, nil
	}
	l.mu.Unlock()

	l.metrics.RecordConfirmation(metrics.DecisionSkipped)
	return Dispatched, l.dispatch(ctx, boxes, params)
}

// Agree closes the latch and dispatches the pending submission.
func (l *Latch) Agree(ctx context.Context) error {
	l.mu.Lock()
	if !l.open {
		l.mu.Unlock()
		return ErrNotAwaiting
	}
	req := l.pending
	l.open = false
	l.pending = request{}
	l.mu.Unlock()

	l.metrics.RecordConfirmation(metrics.DecisionAgree)
	return l.dispatch(ctx, req.boxes, req.params)
}

// Disagree closes the latch and drops the pending submission.
func (l *Latch) Disagree() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.open {
		return ErrNotAwaiting
	}
	l.open = false
	l.pending = request{}
	l.metrics.RecordConfirmation(metrics.DecisionDisagree)
	return nil
}
