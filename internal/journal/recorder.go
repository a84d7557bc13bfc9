package journal

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/ChuLiYu/binpack-coordinator/internal/logging"
	"github.com/ChuLiYu/binpack-coordinator/pkg/types"
)

var log = logging.Component("journal")

// Channel is the event channel a Recorder wraps.
type Channel interface {
	Send(ctx context.Context, event string, payload any) error
	Receive(ctx context.Context) (types.Envelope, error)
	Close() error
}

// Recorder is a Channel that journals every event passing through it.
// A failing journal is logged and never breaks the channel.
type Recorder struct {
	inner   Channel
	journal *Journal
}

// NewRecorder wraps inner. Close closes both inner and j.
func NewRecorder(inner Channel, j *Journal) *Recorder {
	return &Recorder{inner: inner, journal: j}
}

// Send journals the event before handing it to the inner channel, so a reply
// can never be recorded ahead of the request that caused it.
func (r *Recorder) Send(ctx context.Context, event string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		log.Warn("Failed to encode event for journal", "event", event, "error", err)
	} else {
		r.record(Outbound, types.Envelope{Event: event, Payload: raw})
	}
	return r.inner.Send(ctx, event, payload)
}

func (r *Recorder) Receive(ctx context.Context) (types.Envelope, error) {
	env, err := r.inner.Receive(ctx)
	if err != nil {
		return env, err
	}
	r.record(Inbound, env)
	return env, nil
}

func (r *Recorder) Close() error {
	return errors.Join(r.inner.Close(), r.journal.Close())
}

func (r *Recorder) record(dir Direction, env types.Envelope) {
	if err := r.journal.Append(dir, env); err != nil {
		log.Warn("Failed to journal event", "event", env.Event, "direction", dir, "error", err)
	}
}
