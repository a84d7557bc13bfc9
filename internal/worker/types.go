package worker

import (
	"context"
	"time"

	"github.com/ChuLiYu/binpack-coordinator/pkg/types"
)

// Emitter writes one named event back to the client that submitted the job.
// transport.ServerConn.Send satisfies it.
type Emitter func(ctx context.Context, event string, payload any) error

// Task is one packing job queued on the pool.
type Task struct {
	ID      string                // job id, used in logs only
	Request types.DispatchPayload // decoded data-in body
	Emit    Emitter               // where status and progress events go
	OnDone  func(Result)          // optional, called from the runner goroutine
}

// Result describes how a task ended.
type Result struct {
	JobID    string
	Outcome  string // one of metrics.Outcome*
	Err      error
	Duration time.Duration
}
