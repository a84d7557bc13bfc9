package journal

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ChuLiYu/binpack-coordinator/internal/coordinator"
	"github.com/ChuLiYu/binpack-coordinator/pkg/types"
)

// Replay rebuilds the snapshot a coordinator had at the end of the journal.
// Outbound data-in records start a new run; inbound status and progress
// records are applied in order. A journal that ends before done yields the
// snapshot as it was at that point.
func Replay(path string, cfg coordinator.Config) (types.JobSnapshot, error) {
	runs := 0
	coord := coordinator.New(discard{}, cfg, coordinator.WithRunIDs(func() string {
		runs++
		return fmt.Sprintf("replay-%d", runs)
	}))
	defer coord.Stop()

	ctx := context.Background()
	err := Read(path, func(rec Record) error {
		switch {
		case rec.Direction == Outbound && rec.Event == types.EventDataIn:
			var req types.DispatchPayload
			if err := json.Unmarshal(rec.Payload, &req); err != nil {
				return fmt.Errorf("seq %d: %w", rec.Seq, err)
			}
			return coord.Dispatch(ctx, req.BoxSpecs(), req.Parameters())

		case rec.Direction == Inbound && rec.Event == types.EventStatus:
			var ev types.StatusEvent
			if err := json.Unmarshal(rec.Payload, &ev); err != nil {
				log.Warn("Skipping undecodable status record", "seq", rec.Seq, "error", err)
				return nil
			}
			// diagnostics stay in the snapshot
			_ = coord.OnStatus(ev)

		case rec.Direction == Inbound && rec.Event == types.EventProgress:
			var ev types.ProgressEvent
			if err := json.Unmarshal(rec.Payload, &ev); err != nil {
				log.Warn("Skipping undecodable progress record", "seq", rec.Seq, "error", err)
				return nil
			}
			coord.OnProgress(ev)
		}
		return nil
	})
	if err != nil {
		return types.JobSnapshot{}, err
	}
	return coord.Snapshot(), nil
}

// discard accepts sends and never delivers anything.
type discard struct{}

func (discard) Send(context.Context, string, any) error { return nil }

func (discard) Receive(ctx context.Context) (types.Envelope, error) {
	<-ctx.Done()
	return types.Envelope{}, ctx.Err()
}

func (discard) Close() error { return nil }
