// ============================================================================
// Binpack Worker - Simulated Genetic Algorithm Run
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Purpose: Stand-in for the remote GA worker. Produces the exact event
//          sequence a real worker sends for one data-in request
//
// Event sequence:
//   status ga-begin
//   ga-progress {n, total, elapsed}        once per generation 1..max_generation
//   status ga-end
//   for each metric (fitness, center_of_mass, volume, weight):
//     status generate-best-<m>-begin
//     status generate-best-<m>-end {graph}  graph is a JSON plot document
//   status done
//
// Timing:
//   GenerationDelay is slept before every progress event and PlotDelay
//   before every end event. Both sleeps return early when ctx is done, and
//   the run then stops with ctx.Err() without sending done.
//
// ============================================================================

package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/ChuLiYu/binpack-coordinator/internal/logging"
	"github.com/ChuLiYu/binpack-coordinator/pkg/types"
)

var log = logging.Component("worker")

// Simulator runs fake GA jobs.
type Simulator struct {
	GenerationDelay time.Duration
	PlotDelay       time.Duration

	now func() time.Time
}

// NewSimulator returns a simulator with the given pacing.
func NewSimulator(generationDelay, plotDelay time.Duration) *Simulator {
	return &Simulator{GenerationDelay: generationDelay, PlotDelay: plotDelay}
}

// Run executes one job and reports through emit. The first emit error ends the run.
func (s *Simulator) Run(ctx context.Context, req types.DispatchPayload, emit Emitter) error {
	now := s.now
	if now == nil {
		now = time.Now
	}
	start := now()
	params := req.Parameters()
	boxes := req.BoxSpecs()

	status := func(st types.JobStatus, graph *string) error {
		return emit(ctx, types.EventStatus, types.StatusEvent{Status: string(st), Graph: graph})
	}

	if err := status(types.StatusGABegin, nil); err != nil {
		return err
	}

	for n := 1; n <= params.MaxGeneration; n++ {
		if err := sleep(ctx, s.GenerationDelay); err != nil {
			return err
		}
		elapsed := math.Round(now().Sub(start).Seconds()*100) / 100
		if err := emit(ctx, types.EventProgress, types.ProgressEvent{N: n, Total: params.MaxGeneration, Elapsed: elapsed}); err != nil {
			return err
		}
	}

	if err := status(types.StatusGAEnd, nil); err != nil {
		return err
	}

	for _, m := range types.AllMetrics {
		if err := status(types.MetricBeginStatus(m), nil); err != nil {
			return err
		}
		if err := sleep(ctx, s.PlotDelay); err != nil {
			return err
		}

		layout := Shelf(orderFor(m, boxes), params)
		raw, err := json.Marshal(BuildPlot(m, layout, params))
		if err != nil {
			return fmt.Errorf("failed to encode %s plot: %w", m, err)
		}
		graph := string(raw)
		if err := status(types.MetricEndStatus(m), &graph); err != nil {
			return err
		}

		log.Debug("Plot generated",
			"metric", m,
			"placed", len(layout.Placed),
			"unplaced", len(layout.Unplaced))
	}

	return status(types.StatusDone, nil)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
