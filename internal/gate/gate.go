// Package gate decides whether a job needs human confirmation before it is
// dispatched, based on how much of the container the boxes would fill.
package gate

import "github.com/ChuLiYu/binpack-coordinator/pkg/types"

// Threshold is the utilization below which confirmation is required.
const Threshold = 0.8

// Prompt copy shown when confirmation is required.
const (
	PromptTitle = "Are you sure want to use Genetic Algorithm?"
	PromptBody  = "Total boxes volume is less than 80% of container volume. Are you sure want to use Genetic Algorithm?"
)

// Utilization returns totalBoxVolume/containerVolume.
// ok is false when the container volume is not positive.
func Utilization(boxes []types.BoxSpec, params types.JobParameters) (ratio float64, ok bool) {
	container := params.ContainerVolume()
	if container <= 0 {
		return 0, false
	}

	var total int64
	for _, b := range boxes {
		total += b.Volume()
	}
	return float64(total) / float64(container), true
}

// ShouldConfirm reports whether the job must be confirmed before dispatch.
// A degenerate container always requires confirmation.
func ShouldConfirm(boxes []types.BoxSpec, params types.JobParameters) bool {
	ratio, ok := Utilization(boxes, params)
	if !ok {
		return true
	}
	return ratio < Threshold
}
