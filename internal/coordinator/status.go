package coordinator

import (
	"strings"

	"github.com/ChuLiYu/binpack-coordinator/pkg/types"
)

// Kind is the tag of a parsed status token.
type Kind int

const (
	KindUnknown Kind = iota // raw token kept in Status.Raw
	KindGABegin
	KindGAEnd
	KindMetricBegin
	KindMetricEnd
	KindDone
)

func (k Kind) String() string {
	switch k {
	case KindGABegin:
		return "ga-begin"
	case KindGAEnd:
		return "ga-end"
	case KindMetricBegin:
		return "metric-begin"
	case KindMetricEnd:
		return "metric-end"
	case KindDone:
		return "done"
	}
	return "unknown"
}

// Status is a status token resolved into its variant.
// Metric is set only for KindMetricBegin and KindMetricEnd.
type Status struct {
	Kind   Kind
	Metric types.Metric
	Raw    string
}

// ParseStatus never fails: anything outside the canonical set is KindUnknown.
func ParseStatus(raw string) Status {
	switch types.JobStatus(raw) {
	case types.StatusGABegin:
		return Status{Kind: KindGABegin, Raw: raw}
	case types.StatusGAEnd:
		return Status{Kind: KindGAEnd, Raw: raw}
	case types.StatusDone:
		return Status{Kind: KindDone, Raw: raw}
	}

	if rest, ok := strings.CutPrefix(raw, "generate-best-"); ok {
		if name, ok := strings.CutSuffix(rest, "-begin"); ok {
			if m, ok := types.ParseMetric(name); ok {
				return Status{Kind: KindMetricBegin, Metric: m, Raw: raw}
			}
		}
		if name, ok := strings.CutSuffix(rest, "-end"); ok {
			if m, ok := types.ParseMetric(name); ok {
				return Status{Kind: KindMetricEnd, Metric: m, Raw: raw}
			}
		}
	}

	return Status{Kind: KindUnknown, Raw: raw}
}
