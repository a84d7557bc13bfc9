package integration

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/ChuLiYu/binpack-coordinator/internal/coordinator"
	"github.com/ChuLiYu/binpack-coordinator/internal/metrics"
	"github.com/ChuLiYu/binpack-coordinator/internal/server"
	"github.com/ChuLiYu/binpack-coordinator/internal/transport"
	"github.com/ChuLiYu/binpack-coordinator/internal/worker"
	"github.com/ChuLiYu/binpack-coordinator/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"
)

// workerEnv is a simulated worker served over an in-memory listener.
type workerEnv struct {
	lis      *bufconn.Listener
	registry *prometheus.Registry
	stop     context.CancelFunc
	done     chan error
	once     sync.Once
}

type workerOptions struct {
	generationDelay time.Duration
	plotDelay       time.Duration
	poolSize        int
	grace           time.Duration
}

func defaultWorkerOptions() workerOptions {
	return workerOptions{
		generationDelay: time.Millisecond,
		plotDelay:       time.Millisecond,
		poolSize:        2,
		grace:           time.Second,
	}
}

func startWorker(t testing.TB, opts workerOptions) *workerEnv {
	t.Helper()

	reg := prometheus.NewRegistry()
	pool := worker.NewPool(worker.NewSimulator(opts.generationDelay, opts.plotDelay), opts.poolSize*4, metrics.NewCollector(reg))
	require.NoError(t, pool.Start(opts.poolSize))

	env := &workerEnv{lis: bufconn.Listen(1 << 20), registry: reg, done: make(chan error, 1)}
	ctx, cancel := context.WithCancel(context.Background())
	env.stop = cancel
	go func() { env.done <- server.Serve(ctx, env.lis, server.NewServer(pool), opts.grace) }()

	t.Cleanup(func() {
		env.shutdown()
		pool.Stop()
	})
	return env
}

// shutdown stops serving and waits for the server to exit. Safe to call twice.
func (e *workerEnv) shutdown() {
	e.once.Do(func() {
		e.stop()
		<-e.done
	})
}

func (e *workerEnv) dial(t testing.TB) *grpc.ClientConn {
	t.Helper()
	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return e.lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// client is one coordinator connected to the worker.
type client struct {
	coord    *coordinator.Coordinator
	registry *prometheus.Registry
	updates  <-chan types.JobSnapshot
}

func connect(t testing.TB, env *workerEnv, cfg coordinator.Config) *client {
	t.Helper()

	ch, err := transport.Open(context.Background(), env.dial(t))
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	coord := coordinator.New(ch, cfg, coordinator.WithMetrics(metrics.NewCollector(reg)))
	require.NoError(t, coord.Start(context.Background()))
	t.Cleanup(coord.Stop)

	updates, cancel := coord.Subscribe()
	t.Cleanup(cancel)
	return &client{coord: coord, registry: reg, updates: updates}
}

// waitFinal follows the subscription until the current run reaches done or
// failed. A dispatch keeps the previous status, so done only counts once the
// new run has reported progress.
func (c *client) waitFinal(t testing.TB, timeout time.Duration) types.JobSnapshot {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case snap, ok := <-c.updates:
			require.True(t, ok, "subscription closed before the run finished")
			if snap.RunID == "" {
				continue
			}
			if snap.Status == types.StatusFailed || (snap.Status == types.StatusDone && snap.Progress != nil) {
				return snap
			}
		case <-deadline:
			t.Fatalf("run did not finish within %s, last snapshot: %+v", timeout, c.coord.Snapshot())
		}
	}
}

func packingJob(count int) ([]types.BoxSpec, types.JobParameters) {
	boxes := make([]types.BoxSpec, count)
	for i := range boxes {
		boxes[i] = types.BoxSpec{ID: i + 1, Length: 4, Width: 4, Height: 4, Weight: i%10 + 1}
	}
	params := types.DefaultJobParameters()
	params.GridX, params.GridY, params.GridZ = 8, 8, 8
	params.MaxGeneration = 10
	return boxes, params
}

// counterValue sums the samples of the named counter whose labels include
// every pair in labels.
func counterValue(t testing.TB, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)

	var total float64
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	metric:
		for _, m := range mf.GetMetric() {
			for k, v := range labels {
				found := false
				for _, lp := range m.GetLabel() {
					if lp.GetName() == k && lp.GetValue() == v {
						found = true
					}
				}
				if !found {
					continue metric
				}
			}
			total += m.GetCounter().GetValue()
		}
	}
	return total
}
