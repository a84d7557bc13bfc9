// Package transport provides the named-event channels the coordinator and the
// worker talk over: an in-process pipe and a gRPC bidirectional stream.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/ChuLiYu/binpack-coordinator/pkg/types"
)

// ErrClosed is returned once either side of a channel has been closed.
var ErrClosed = errors.New("event channel closed")

// DefaultPipeBuffer is the per-direction buffer of Pipe.
const DefaultPipeBuffer = 64

// Endpoint is one side of an in-process pipe.
type Endpoint struct {
	in    <-chan types.Envelope
	out   chan<- types.Envelope
	done  chan struct{}
	close *sync.Once
}

// Pipe returns two connected endpoints. Closing either closes both.
func Pipe(buffer int) (*Endpoint, *Endpoint) {
	if buffer <= 0 {
		buffer = DefaultPipeBuffer
	}
	ab := make(chan types.Envelope, buffer)
	ba := make(chan types.Envelope, buffer)
	done := make(chan struct{})
	once := &sync.Once{}

	a := &Endpoint{in: ba, out: ab, done: done, close: once}
	b := &Endpoint{in: ab, out: ba, done: done, close: once}
	return a, b
}

// Send encodes payload as JSON and delivers it to the other side.
func (e *Endpoint) Send(ctx context.Context, event string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode %s payload: %w", event, err)
	}
	return e.SendEnvelope(ctx, types.Envelope{Event: event, Payload: raw})
}

// SendEnvelope delivers an already encoded event as is.
func (e *Endpoint) SendEnvelope(ctx context.Context, env types.Envelope) error {
	select {
	case <-e.done:
		return ErrClosed
	default:
	}

	select {
	case e.out <- env:
		return nil
	case <-e.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receive returns the next event. Events already buffered are still
// delivered after Close; after that ErrClosed is returned.
func (e *Endpoint) Receive(ctx context.Context) (types.Envelope, error) {
	select {
	case env := <-e.in:
		return env, nil
	default:
	}

	select {
	case env := <-e.in:
		return env, nil
	case <-e.done:
		return types.Envelope{}, ErrClosed
	case <-ctx.Done():
		return types.Envelope{}, ctx.Err()
	}
}

// Close closes both endpoints. It is idempotent.
func (e *Endpoint) Close() error {
	e.close.Do(func() { close(e.done) })
	return nil
}
