package coordinator

// ============================================================================
// Transition table
// ============================================================================
//
//   incoming                  status      label                                   results
//   ga-begin                  ga-begin    "Begin Genetic Algorithm"               -
//   ga-end                    ga-end      "End Genetic Algorithm"                 -
//   generate-best-<m>-begin   token       "Generating Best Individual by <M> Plot" slot[m] pending
//   generate-best-<m>-end     token       unchanged                               slot[m] ready, or pending + error
//   done                      done        "Done!"                                 pending slots -> absent
//   anything else             unchanged   unchanged                               unchanged
//
// The metric sub-flows are independent: an end may arrive without its begin
// and the four metrics may interleave with each other and with ga-begin/ga-end.
// Every function here is pure; the input snapshot is never modified.
//
// ============================================================================

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math/bits"
	"strconv"

	"github.com/ChuLiYu/binpack-coordinator/pkg/types"
)

var (
	// ErrMalformedPayload means a graph string is not a plot document.
	ErrMalformedPayload = errors.New("malformed plot document")
	// ErrMissingGraph means an end status arrived without a graph.
	ErrMissingGraph = errors.New("missing plot document")
)

// Labels set by status tokens.
const (
	LabelGABegin = "Begin Genetic Algorithm"
	LabelGAEnd   = "End Genetic Algorithm"
	LabelDone    = "Done!"
	LabelFailed  = "Lost connection to worker"
)

// GeneratingLabel is the label shown while the plot for m is produced.
func GeneratingLabel(m types.Metric) string {
	return "Generating Best Individual by " + m.Title() + " Plot"
}

// ProgressLabel formats the label for one progress sample.
func ProgressLabel(n int, elapsed float64) string {
	return fmt.Sprintf("Generation %d  |  Elapsed time: %ss", n, strconv.FormatFloat(elapsed, 'f', -1, 64))
}

// Percent returns floor(100*n/total) clamped to [0,100]; 0 when total <= 0.
func Percent(n, total int) int {
	if total <= 0 || n <= 0 {
		return 0
	}
	if n >= total {
		return 100
	}
	// n < total, so the high word of n*100 stays below total.
	hi, lo := bits.Mul64(uint64(n), 100)
	q, _ := bits.Div64(hi, lo, uint64(total))
	return int(q)
}

// ParsePlot decodes a JSON-encoded plot document. The top level must be an object.
func ParsePlot(graph string) (*types.PlotDocument, error) {
	raw := bytes.TrimSpace([]byte(graph))
	if len(raw) == 0 || raw[0] != '{' {
		return nil, fmt.Errorf("%w: top level is not an object", ErrMalformedPayload)
	}

	var doc types.PlotDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return &doc, nil
}

// ApplyStatus returns the snapshot that results from ev, together with the
// parsed variant. A non-nil error is a diagnostic only: the returned snapshot
// is still valid and must be kept.
func ApplyStatus(s types.JobSnapshot, ev types.StatusEvent) (types.JobSnapshot, Status, error) {
	st := ParseStatus(ev.Status)
	if st.Kind == KindUnknown {
		return s, st, nil
	}

	out := s.Clone()
	out.Status = types.JobStatus(st.Raw)

	switch st.Kind {
	case KindGABegin:
		out.ProgressLabel = LabelGABegin

	case KindGAEnd:
		out.ProgressLabel = LabelGAEnd

	case KindMetricBegin:
		out.ProgressLabel = GeneratingLabel(st.Metric)
		out.Results[st.Metric] = types.ResultArtifact{State: types.ArtifactPending}

	case KindMetricEnd:
		if ev.Graph == nil {
			err := fmt.Errorf("%s: %w", st.Metric, ErrMissingGraph)
			out.Results[st.Metric] = types.ResultArtifact{State: types.ArtifactPending, Error: err.Error()}
			return out, st, err
		}
		doc, err := ParsePlot(*ev.Graph)
		if err != nil {
			err = fmt.Errorf("%s: %w", st.Metric, err)
			out.Results[st.Metric] = types.ResultArtifact{State: types.ArtifactPending, Error: err.Error()}
			return out, st, err
		}
		out.Results[st.Metric] = types.ResultArtifact{State: types.ArtifactReady, Plot: doc}

	case KindDone:
		out.ProgressLabel = LabelDone
		for m, a := range out.Results {
			if a.State == types.ArtifactPending {
				a.State = types.ArtifactAbsent
				out.Results[m] = a
			}
		}
	}

	return out, st, nil
}

// ApplyProgress replaces the progress sample. With monotonic set, a sample
// whose n is lower than the stored one is dropped and applied is false.
func ApplyProgress(s types.JobSnapshot, ev types.ProgressEvent, monotonic bool) (out types.JobSnapshot, applied bool) {
	if monotonic && s.Progress != nil && ev.N < s.Progress.N {
		return s, false
	}

	out = s.Clone()
	out.Progress = &types.ProgressSample{N: ev.N, Total: ev.Total, ElapsedSeconds: ev.Elapsed}
	out.ProgressPercent = Percent(ev.N, ev.Total)
	out.ProgressLabel = ProgressLabel(ev.N, ev.Elapsed)
	return out, true
}

// Reset clears every result slot and the progress for a new run.
// Status and label are left as they are until the worker reports again.
func Reset(s types.JobSnapshot, runID string) types.JobSnapshot {
	out := s.Clone()
	out.RunID = runID
	out.Results = types.EmptyResults()
	out.Progress = nil
	out.ProgressPercent = 0
	return out
}

// MarkFailed moves the snapshot to the local failed status unless the run is done.
func MarkFailed(s types.JobSnapshot) (types.JobSnapshot, bool) {
	if s.Status == types.StatusDone {
		return s, false
	}
	out := s.Clone()
	out.Status = types.StatusFailed
	out.ProgressLabel = LabelFailed
	return out, true
}
