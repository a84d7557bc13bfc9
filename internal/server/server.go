// ============================================================================
// Binpack Worker Service - gRPC event stream handler
// ============================================================================
//
// Package: internal/server
// File: server.go
// Purpose: Serve the binpack.v1.JobEvents stream on the worker side
//
// Per stream:
//   1. send connect-response {"data": "Connected"}
//   2. for every data-in event, decode the dispatch payload and queue a job
//      on the pool; the job's events are written back to this stream
//   3. ignore any other inbound event
//   4. on client half-close wait for this stream's jobs, then end the stream
//
// A job never outlives its stream: the stream context is the job context,
// and the handler does not return before its jobs have finished.
//
// ============================================================================

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/ChuLiYu/binpack-coordinator/internal/logging"
	"github.com/ChuLiYu/binpack-coordinator/internal/transport"
	"github.com/ChuLiYu/binpack-coordinator/internal/worker"
	"github.com/ChuLiYu/binpack-coordinator/pkg/types"
	"github.com/google/uuid"
	"google.golang.org/grpc"
)

var log = logging.Component("server")

// ConnectedMessage is the data of the connect-response sent on every new stream.
const ConnectedMessage = "Connected"

// Server implements transport.StreamHandler on top of a worker pool.
type Server struct {
	pool *worker.Pool

	mu      sync.Mutex
	streams int // open streams, for logs
}

// NewServer creates a handler that runs jobs on pool.
func NewServer(pool *worker.Pool) *Server {
	return &Server{pool: pool}
}

// ServeEvents handles one client stream until the client goes away.
func (s *Server) ServeEvents(conn *transport.ServerConn) error {
	ctx := conn.Context()
	streamID := uuid.NewString()

	s.mu.Lock()
	s.streams++
	open := s.streams
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.streams--
		s.mu.Unlock()
	}()

	log.Info("Client connected", "stream", streamID, "open_streams", open)

	var jobs sync.WaitGroup
	defer jobs.Wait()

	if err := conn.Send(ctx, types.EventConnectResponse, types.ConnectResponse{Data: ConnectedMessage}); err != nil {
		return fmt.Errorf("failed to send %s: %w", types.EventConnectResponse, err)
	}

	for {
		env, err := conn.Receive(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				log.Info("Client closed stream", "stream", streamID)
				return nil
			}
			if ctx.Err() != nil {
				log.Info("Client went away", "stream", streamID)
				return nil
			}
			return err
		}

		if env.Event != types.EventDataIn {
			log.Debug("Ignoring client event", "stream", streamID, "event", env.Event)
			continue
		}

		var req types.DispatchPayload
		if err := json.Unmarshal(env.Payload, &req); err != nil {
			log.Warn("Undecodable data-in", "stream", streamID, "error", err)
			continue
		}

		task := worker.Task{
			ID:      uuid.NewString(),
			Request: req,
			Emit:    conn.Send,
			OnDone:  func(worker.Result) { jobs.Done() },
		}
		jobs.Add(1)
		if err := s.pool.Submit(ctx, task); err != nil {
			jobs.Done()
			if errors.Is(err, worker.ErrPoolClosed) {
				return err
			}
			log.Warn("Failed to queue job", "stream", streamID, "error", err)
			continue
		}
		log.Info("Job queued",
			"stream", streamID,
			"job_id", task.ID,
			"boxes", len(req.Boxes),
			"max_generation", req.MaxGeneration)
	}
}

// Serve registers s on a new gRPC server and serves lis until ctx is done.
// Open streams get grace to finish before they are cut.
func Serve(ctx context.Context, lis net.Listener, s *Server, grace time.Duration, opts ...grpc.ServerOption) error {
	grpcServer := grpc.NewServer(opts...)
	transport.RegisterEventService(grpcServer, s)

	errCh := make(chan error, 1)
	go func() {
		errCh <- grpcServer.Serve(lis)
	}()
	log.Info("Worker service listening", "addr", lis.Addr().String())

	select {
	case <-ctx.Done():
		log.Info("Stopping worker service...")
		stopped := make(chan struct{})
		go func() {
			grpcServer.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-time.After(grace):
			log.Warn("Streams still open, forcing stop", "grace", grace)
			grpcServer.Stop()
			<-stopped
		}
		return nil
	case err := <-errCh:
		return err
	}
}
