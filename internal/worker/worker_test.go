package worker

// ============================================================================
// Worker Test File
// Purpose: Verify the simulated event sequence, shelf placement, plot
//          documents, and pool lifecycle
// ============================================================================

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ChuLiYu/binpack-coordinator/internal/metrics"
	"github.com/ChuLiYu/binpack-coordinator/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder collects emitted events in order.
type recorder struct {
	mu     sync.Mutex
	events []types.Envelope
	failAt int // fail the n-th emit (1-based), 0 never
}

func (r *recorder) emit(_ context.Context, event string, payload any) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.failAt > 0 && len(r.events)+1 == r.failAt {
		return errors.New("client went away")
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	r.events = append(r.events, types.Envelope{Event: event, Payload: raw})
	return nil
}

func (r *recorder) snapshot() []types.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]types.Envelope(nil), r.events...)
}

func (r *recorder) statuses(t *testing.T) []string {
	t.Helper()
	var out []string
	for _, env := range r.snapshot() {
		if env.Event != types.EventStatus {
			continue
		}
		var ev types.StatusEvent
		require.NoError(t, json.Unmarshal(env.Payload, &ev))
		out = append(out, ev.Status)
	}
	return out
}

func request(maxGen int) types.DispatchPayload {
	params := types.DefaultJobParameters()
	params.GridX, params.GridY, params.GridZ = 10, 10, 10
	params.MaxGeneration = maxGen
	return types.NewDispatchPayload([]types.BoxSpec{
		{ID: 1, Length: 4, Width: 4, Height: 4, Weight: 9},
		{ID: 2, Length: 5, Width: 3, Height: 2, Weight: 2},
		{ID: 3, Length: 6, Width: 6, Height: 6, Weight: 1},
		{ID: 4, Length: 11, Width: 1, Height: 1, Weight: 1}, // longer than the container
	}, params)
}

// ============================================================================
// Simulator
// ============================================================================

func TestSimulatorEventSequence(t *testing.T) {
	sim := NewSimulator(0, 0)
	rec := &recorder{}

	require.NoError(t, sim.Run(context.Background(), request(3), rec.emit))

	events := rec.snapshot()
	require.Len(t, events, 1+3+1+8+1)

	want := []string{"ga-begin", "ga-end"}
	for _, m := range types.AllMetrics {
		want = append(want, string(types.MetricBeginStatus(m)), string(types.MetricEndStatus(m)))
	}
	want = append(want, "done")
	assert.Equal(t, want, rec.statuses(t))

	for i, env := range events[1:4] {
		assert.Equal(t, types.EventProgress, env.Event)
		var ev types.ProgressEvent
		require.NoError(t, json.Unmarshal(env.Payload, &ev))
		assert.Equal(t, i+1, ev.N)
		assert.Equal(t, 3, ev.Total)
		assert.GreaterOrEqual(t, ev.Elapsed, 0.0)
	}
}

func TestSimulatorElapsedIsRounded(t *testing.T) {
	base := time.Unix(0, 0)
	ticks := []time.Duration{0, 1234 * time.Millisecond, 2999 * time.Millisecond}
	call := 0
	sim := &Simulator{now: func() time.Time {
		d := ticks[min(call, len(ticks)-1)]
		call++
		return base.Add(d)
	}}
	rec := &recorder{}

	require.NoError(t, sim.Run(context.Background(), request(2), rec.emit))

	var elapsed []float64
	for _, env := range rec.snapshot() {
		if env.Event == types.EventProgress {
			var ev types.ProgressEvent
			require.NoError(t, json.Unmarshal(env.Payload, &ev))
			elapsed = append(elapsed, ev.Elapsed)
		}
	}
	assert.Equal(t, []float64{1.23, 3}, elapsed)
}

func TestSimulatorEndCarriesPlotDocument(t *testing.T) {
	rec := &recorder{}
	require.NoError(t, NewSimulator(0, 0).Run(context.Background(), request(1), rec.emit))

	ends := 0
	for _, env := range rec.snapshot() {
		var ev types.StatusEvent
		if env.Event != types.EventStatus || json.Unmarshal(env.Payload, &ev) != nil {
			continue
		}
		if !types.JobStatus(ev.Status).IsGenerating() || ev.Graph == nil {
			continue
		}
		ends++

		var doc types.PlotDocument
		require.NoError(t, json.Unmarshal([]byte(*ev.Graph), &doc))
		assert.Len(t, doc.Data, 3, "the oversized box is left out")
		assert.Equal(t, "mesh3d", doc.Data[0]["type"])
		assert.NotEmpty(t, doc.Layout["title"])
	}
	assert.Equal(t, len(types.AllMetrics), ends)
}

func TestSimulatorHonorsContext(t *testing.T) {
	sim := NewSimulator(time.Hour, 0)
	rec := &recorder{}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := sim.Run(ctx, request(5), rec.emit)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, []string{"ga-begin"}, rec.statuses(t), "done is never sent")
}

func TestSimulatorStopsOnEmitError(t *testing.T) {
	rec := &recorder{failAt: 3}
	err := NewSimulator(0, 0).Run(context.Background(), request(5), rec.emit)
	assert.EqualError(t, err, "client went away")
	assert.Len(t, rec.snapshot(), 2)
}

func TestSimulatorZeroGenerations(t *testing.T) {
	rec := &recorder{}
	require.NoError(t, NewSimulator(0, 0).Run(context.Background(), request(0), rec.emit))
	for _, env := range rec.snapshot() {
		assert.NotEqual(t, types.EventProgress, env.Event)
	}
}

// ============================================================================
// Placement
// ============================================================================

func TestShelfPlacement(t *testing.T) {
	params := types.JobParameters{GridX: 10, GridY: 10, GridZ: 10}
	boxes := []types.BoxSpec{
		{ID: 1, Length: 6, Width: 4, Height: 5},
		{ID: 2, Length: 6, Width: 3, Height: 2}, // does not fit next to box 1, new row
		{ID: 3, Length: 4, Width: 4, Height: 3}, // fits next to box 2
		{ID: 4, Length: 5, Width: 5, Height: 5}, // no room left in the first layer
		{ID: 5, Length: 2, Width: 2, Height: 6}, // too tall for the second layer
	}

	l := Shelf(boxes, params)

	require.Len(t, l.Placed, 4)
	assert.Equal(t, Placement{Box: boxes[0], X: 0, Y: 0, Z: 0}, l.Placed[0])
	assert.Equal(t, Placement{Box: boxes[1], X: 0, Y: 4, Z: 0}, l.Placed[1])
	assert.Equal(t, Placement{Box: boxes[2], X: 6, Y: 4, Z: 0}, l.Placed[2])
	assert.Equal(t, Placement{Box: boxes[3], X: 0, Y: 0, Z: 5}, l.Placed[3])
	assert.Equal(t, []types.BoxSpec{boxes[4]}, l.Unplaced)
}

func TestShelfPlacementsDoNotOverlap(t *testing.T) {
	params := types.JobParameters{GridX: 12, GridY: 9, GridZ: 7}
	var boxes []types.BoxSpec
	for i := 1; i <= 40; i++ {
		boxes = append(boxes, types.BoxSpec{ID: i, Length: 1 + i%5, Width: 1 + i%3, Height: 1 + i%4, Weight: i})
	}

	l := Shelf(boxes, params)
	assert.Equal(t, len(boxes), len(l.Placed)+len(l.Unplaced))

	for i, a := range l.Placed {
		assert.LessOrEqual(t, a.X+a.Box.Length, params.GridX)
		assert.LessOrEqual(t, a.Y+a.Box.Width, params.GridY)
		assert.LessOrEqual(t, a.Z+a.Box.Height, params.GridZ)
		for _, b := range l.Placed[i+1:] {
			overlap := a.X < b.X+b.Box.Length && b.X < a.X+a.Box.Length &&
				a.Y < b.Y+b.Box.Width && b.Y < a.Y+a.Box.Width &&
				a.Z < b.Z+b.Box.Height && b.Z < a.Z+a.Box.Height
			assert.False(t, overlap, "box %d overlaps box %d", a.Box.ID, b.Box.ID)
		}
	}
	assert.LessOrEqual(t, l.Utilization(params), 1.0)
}

func TestOrderFor(t *testing.T) {
	boxes := []types.BoxSpec{
		{ID: 1, Length: 1, Width: 1, Height: 8, Weight: 4},
		{ID: 2, Length: 3, Width: 3, Height: 1, Weight: 1},
		{ID: 3, Length: 2, Width: 2, Height: 1, Weight: 20},
	}

	ids := func(bs []types.BoxSpec) []int {
		var out []int
		for _, b := range bs {
			out = append(out, b.ID)
		}
		return out
	}

	assert.Equal(t, []int{2, 3, 1}, ids(orderFor(types.MetricFitness, boxes)))
	assert.Equal(t, []int{3, 1, 2}, ids(orderFor(types.MetricCenterOfMass, boxes)))
	assert.Equal(t, []int{2, 1, 3}, ids(orderFor(types.MetricVolume, boxes)))
	assert.Equal(t, []int{3, 1, 2}, ids(orderFor(types.MetricWeight, boxes)))
	assert.Equal(t, []int{1, 2, 3}, ids(boxes), "input is not reordered")
}

func TestBuildPlotMeta(t *testing.T) {
	params := types.JobParameters{GridX: 2, GridY: 2, GridZ: 2}
	l := Shelf([]types.BoxSpec{{ID: 7, Length: 2, Width: 2, Height: 1, Weight: 3}}, params)

	doc := BuildPlot(types.MetricVolume, l, params)
	require.Len(t, doc.Data, 1)
	assert.Equal(t, "box 7", doc.Data[0]["name"])
	assert.Equal(t, []int{0, 2, 2, 0, 0, 2, 2, 0}, doc.Data[0]["x"])
	assert.Equal(t, []int{0, 0, 0, 0, 1, 1, 1, 1}, doc.Data[0]["z"])

	meta := doc.Layout["meta"].(map[string]any)
	assert.Equal(t, 1, meta["placed"])
	assert.InDelta(t, 0.5, meta["utilization"], 1e-9)
	assert.Equal(t, types.MetricVolume.PanelTitle(), doc.Layout["title"])
}

// ============================================================================
// Pool
// ============================================================================

func newTestPool(t *testing.T, sim *Simulator, buffer int) (*Pool, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	return NewPool(sim, buffer, metrics.NewCollector(reg)), reg
}

func TestPoolStart(t *testing.T) {
	pool, _ := newTestPool(t, NewSimulator(0, 0), 4)
	assert.False(t, pool.IsStarted())

	require.NoError(t, pool.Start(3))
	assert.True(t, pool.IsStarted())
	assert.Equal(t, 3, pool.Size())
	assert.ErrorIs(t, pool.Start(1), ErrPoolStarted)

	pool.Stop()
	assert.ErrorIs(t, pool.Start(1), ErrPoolClosed)
}

func TestPoolRunsJobs(t *testing.T) {
	pool, _ := newTestPool(t, NewSimulator(0, 0), 8)
	require.NoError(t, pool.Start(2))
	defer pool.Stop()

	const jobs = 6
	results := make(chan Result, jobs)
	recs := make([]*recorder, jobs)
	for i := 0; i < jobs; i++ {
		recs[i] = &recorder{}
		err := pool.Submit(context.Background(), Task{
			ID:      fmt.Sprintf("job-%d", i),
			Request: request(2),
			Emit:    recs[i].emit,
			OnDone:  func(r Result) { results <- r },
		})
		require.NoError(t, err)
	}

	seen := map[string]bool{}
	for i := 0; i < jobs; i++ {
		select {
		case r := <-results:
			assert.NoError(t, r.Err)
			assert.Equal(t, metrics.OutcomeCompleted, r.Outcome)
			seen[r.JobID] = true
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for results")
		}
	}
	assert.Len(t, seen, jobs)

	for _, rec := range recs {
		statuses := rec.statuses(t)
		require.NotEmpty(t, statuses)
		assert.Equal(t, "done", statuses[len(statuses)-1])
	}
}

func TestPoolConcurrentSubmit(t *testing.T) {
	pool, _ := newTestPool(t, NewSimulator(0, 0), 2)
	require.NoError(t, pool.Start(4))
	defer pool.Stop()

	var done sync.WaitGroup
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 5; i++ {
				done.Add(1)
				rec := &recorder{}
				err := pool.Submit(context.Background(), Task{
					Request: request(1),
					Emit:    rec.emit,
					OnDone:  func(Result) { done.Done() },
				})
				if !assert.NoError(t, err) {
					done.Done()
				}
			}
		}()
	}
	wg.Wait()

	finished := make(chan struct{})
	go func() {
		done.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(5 * time.Second):
		t.Fatal("jobs did not finish")
	}
}

func TestPoolSubmitBeforeStartAndAfterStop(t *testing.T) {
	pool, _ := newTestPool(t, NewSimulator(0, 0), 1)
	task := Task{Request: request(1), Emit: (&recorder{}).emit}

	assert.ErrorIs(t, pool.Submit(context.Background(), task), ErrPoolNotStarted)

	require.NoError(t, pool.Start(1))
	pool.Stop()
	assert.NotPanics(t, pool.Stop)
	assert.ErrorIs(t, pool.Submit(context.Background(), task), ErrPoolClosed)
}

func TestPoolStopCancelsRunningJob(t *testing.T) {
	pool, _ := newTestPool(t, NewSimulator(time.Hour, 0), 1)
	require.NoError(t, pool.Start(1))

	results := make(chan Result, 1)
	rec := &recorder{}
	require.NoError(t, pool.Submit(context.Background(), Task{
		ID:      "slow",
		Request: request(10),
		Emit:    rec.emit,
		OnDone:  func(r Result) { results <- r },
	}))

	require.Eventually(t, func() bool { return len(rec.snapshot()) > 0 }, 2*time.Second, 5*time.Millisecond)

	stopped := make(chan struct{})
	go func() {
		pool.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}

	r := <-results
	assert.Equal(t, metrics.OutcomeCancelled, r.Outcome)
	assert.ErrorIs(t, r.Err, context.Canceled)
}

func TestPoolJobCancelledWithSubmitContext(t *testing.T) {
	pool, reg := newTestPool(t, NewSimulator(time.Hour, 0), 1)
	require.NoError(t, pool.Start(1))
	defer pool.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	results := make(chan Result, 1)
	require.NoError(t, pool.Submit(ctx, Task{
		Request: request(10),
		Emit:    (&recorder{}).emit,
		OnDone:  func(r Result) { results <- r },
	}))
	cancel()

	select {
	case r := <-results:
		assert.Equal(t, metrics.OutcomeCancelled, r.Outcome)
	case <-time.After(2 * time.Second):
		t.Fatal("job was not cancelled")
	}

	families, err := reg.Gather()
	require.NoError(t, err)
	var names []string
	for _, mf := range families {
		names = append(names, mf.GetName())
	}
	assert.Contains(t, names, "binpack_worker_jobs_total")
}

func TestPoolSubmitBlockedUntilContextDone(t *testing.T) {
	pool, _ := newTestPool(t, NewSimulator(time.Hour, 0), 1)
	require.NoError(t, pool.Start(1))
	defer pool.Stop()

	slow := Task{Request: request(10), Emit: (&recorder{}).emit}
	require.NoError(t, pool.Submit(context.Background(), slow)) // picked up by the runner
	require.Eventually(t, func() bool { return len(pool.taskCh) == 0 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, pool.Submit(context.Background(), slow)) // fills the queue

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, pool.Submit(ctx, slow), context.DeadlineExceeded)
}

func BenchmarkSimulatorRun(b *testing.B) {
	sim := NewSimulator(0, 0)
	req := request(50)
	emit := func(context.Context, string, any) error { return nil }

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := sim.Run(context.Background(), req, emit); err != nil {
			b.Fatal(err)
		}
	}
}
