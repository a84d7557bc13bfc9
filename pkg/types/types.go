// Package types defines the core domain model shared by the bin-packing job
// client and the worker it talks to.
package types

import (
	"encoding/json"
	"fmt"
	"strings"
)

// BoxSpec is one item the user wants packed.
// Boxes are immutable once added to the registry.
type BoxSpec struct {
	ID     int `json:"id" yaml:"id"`         // unique, assigned as max(existing)+1
	Length int `json:"length" yaml:"length"` // x extent
	Width  int `json:"width" yaml:"width"`   // y extent
	Height int `json:"height" yaml:"height"` // z extent
	Weight int `json:"weight" yaml:"weight"`
}

// Volume returns length*width*height.
func (b BoxSpec) Volume() int64 {
	return int64(b.Length) * int64(b.Width) * int64(b.Height)
}

// Tuple returns the ordered wire form (id, length, width, height, weight).
func (b BoxSpec) Tuple() [5]int {
	return [5]int{b.ID, b.Length, b.Width, b.Height, b.Weight}
}

// JobParameters holds the container dimensions and the algorithm tuning knobs.
type JobParameters struct {
	GridX               int     `json:"grid_x" yaml:"grid_x"`                             // container length
	GridY               int     `json:"grid_y" yaml:"grid_y"`                             // container width
	GridZ               int     `json:"grid_z" yaml:"grid_z"`                             // container height
	MutationProbability float64 `json:"mutation_probability" yaml:"mutation_probability"` // in [0,1]
	MaxGeneration       int     `json:"max_generation" yaml:"max_generation"`
	PopulationSize      int     `json:"population_size" yaml:"population_size"`
}

// DefaultJobParameters returns the parameters a fresh session starts with.
func DefaultJobParameters() JobParameters {
	return JobParameters{
		GridX:               20,
		GridY:               20,
		GridZ:               20,
		MutationProbability: 0.02,
		MaxGeneration:       100,
		PopulationSize:      100,
	}
}

// ContainerVolume returns grid_x*grid_y*grid_z.
func (p JobParameters) ContainerVolume() int64 {
	return int64(p.GridX) * int64(p.GridY) * int64(p.GridZ)
}

// ============================================================================
// Metrics and status tokens
// ============================================================================

// Metric names one axis along which the best individual of a run is plotted.
type Metric string

const (
	MetricFitness      Metric = "fitness"
	MetricCenterOfMass Metric = "center_of_mass"
	MetricVolume       Metric = "volume"
	MetricWeight       Metric = "weight"
)

// AllMetrics lists the metrics in presentation order.
var AllMetrics = []Metric{MetricFitness, MetricCenterOfMass, MetricVolume, MetricWeight}

// ParseMetric maps a wire name to a Metric.
func ParseMetric(s string) (Metric, bool) {
	for _, m := range AllMetrics {
		if string(m) == s {
			return m, true
		}
	}
	return "", false
}

// Title is the human name used in progress labels.
func (m Metric) Title() string {
	switch m {
	case MetricFitness:
		return "Fitness"
	case MetricCenterOfMass:
		return "Center of Mass"
	case MetricVolume:
		return "Volume"
	case MetricWeight:
		return "Weight"
	}
	return string(m)
}

// PanelTitle is the heading of the result panel for this metric.
func (m Metric) PanelTitle() string {
	switch m {
	case MetricFitness:
		return "Individual with Best Fitness"
	case MetricCenterOfMass:
		return "Individual with Best Center of Mass"
	case MetricVolume:
		return "Individual with Best Volume Utilization"
	case MetricWeight:
		return "Individual with Best Total Weight"
	}
	return "Individual with Best " + m.Title()
}

// JobStatus is the status token reported by the worker.
type JobStatus string

const (
	StatusIdle    JobStatus = "idle" // nothing applied yet
	StatusGABegin JobStatus = "ga-begin"
	StatusGAEnd   JobStatus = "ga-end"
	StatusDone    JobStatus = "done"
	// StatusFailed is local only: the event stream ended before done.
	StatusFailed JobStatus = "failed"

	metricStatusPrefix = "generate-best-"
)

// MetricBeginStatus returns "generate-best-<m>-begin".
func MetricBeginStatus(m Metric) JobStatus {
	return JobStatus(metricStatusPrefix + string(m) + "-begin")
}

// MetricEndStatus returns "generate-best-<m>-end".
func MetricEndStatus(m Metric) JobStatus {
	return JobStatus(metricStatusPrefix + string(m) + "-end")
}

// IsGenerating reports whether the status belongs to a plot generation phase.
func (s JobStatus) IsGenerating() bool {
	return strings.HasPrefix(string(s), "generate-best")
}

// ============================================================================
// Progress and result artifacts
// ============================================================================

// ProgressSample is the latest generation counter reported by the worker.
type ProgressSample struct {
	N              int     `json:"n"`
	Total          int     `json:"total"`
	ElapsedSeconds float64 `json:"elapsed_seconds"`
}

// ArtifactState is the lifecycle position of one result slot.
type ArtifactState string

const (
	ArtifactAbsent  ArtifactState = "absent"
	ArtifactPending ArtifactState = "pending" // begin seen, end not yet applied
	ArtifactReady   ArtifactState = "ready"   // parsed plot document available
)

// PlotDocument is a graph description (Plotly figure: traces plus layout).
// Top-level keys other than data and layout (frames, config, ...) are kept
// verbatim in Extra and written back out on marshal, so the document
// round-trips unchanged. It is treated as immutable once parsed.
type PlotDocument struct {
	Data   []map[string]any
	Layout map[string]any
	Extra  map[string]json.RawMessage
}

func (d *PlotDocument) UnmarshalJSON(b []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(b, &fields); err != nil {
		return err
	}

	doc := PlotDocument{}
	if raw, ok := fields["data"]; ok {
		if err := json.Unmarshal(raw, &doc.Data); err != nil {
			return fmt.Errorf("plot data: %w", err)
		}
		delete(fields, "data")
	}
	if raw, ok := fields["layout"]; ok {
		if err := json.Unmarshal(raw, &doc.Layout); err != nil {
			return fmt.Errorf("plot layout: %w", err)
		}
		delete(fields, "layout")
	}
	if len(fields) > 0 {
		doc.Extra = fields
	}
	*d = doc
	return nil
}

func (d PlotDocument) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(d.Extra)+2)
	for k, v := range d.Extra {
		out[k] = v
	}
	out["data"] = d.Data
	if len(d.Layout) > 0 {
		out["layout"] = d.Layout
	}
	return json.Marshal(out)
}

// ResultArtifact is the content of one metric slot.
type ResultArtifact struct {
	State ArtifactState `json:"state"`
	Plot  *PlotDocument `json:"plot,omitempty"`
	Error string        `json:"error,omitempty"` // last diagnostic for this slot
}

// Ready reports whether the slot holds a parsed plot document.
func (a ResultArtifact) Ready() bool {
	return a.State == ArtifactReady && a.Plot != nil
}

// ============================================================================
// Snapshot
// ============================================================================

// JobSnapshot is the complete externally observable state of a coordinator.
type JobSnapshot struct {
	RunID           string                    `json:"run_id,omitempty"`
	Status          JobStatus                 `json:"status"`
	ProgressPercent int                       `json:"progress_percent"`
	ProgressLabel   string                    `json:"progress_label"`
	Progress        *ProgressSample           `json:"progress,omitempty"`
	Results         map[Metric]ResultArtifact `json:"results"`
}

// NewSnapshot returns the idle snapshot with every slot absent.
func NewSnapshot() JobSnapshot {
	s := JobSnapshot{Status: StatusIdle}
	s.Results = EmptyResults()
	return s
}

// EmptyResults returns a result table with all four slots absent.
func EmptyResults() map[Metric]ResultArtifact {
	results := make(map[Metric]ResultArtifact, len(AllMetrics))
	for _, m := range AllMetrics {
		results[m] = ResultArtifact{State: ArtifactAbsent}
	}
	return results
}

// Clone returns a copy that shares no mutable state with s.
// Plot documents are shared since they are never mutated after parsing.
func (s JobSnapshot) Clone() JobSnapshot {
	out := s
	if s.Progress != nil {
		p := *s.Progress
		out.Progress = &p
	}
	out.Results = make(map[Metric]ResultArtifact, len(s.Results))
	for m, a := range s.Results {
		out.Results[m] = a
	}
	return out
}

// ShowProgressBar reports whether a determinate progress bar should be shown.
func (s JobSnapshot) ShowProgressBar() bool {
	return s.Status == StatusGABegin || s.Status == StatusGAEnd
}

// ShowActivityIndicator reports whether an indeterminate indicator should be shown.
func (s JobSnapshot) ShowActivityIndicator() bool {
	return s.Status.IsGenerating()
}

// Panel is one renderable result.
type Panel struct {
	Metric Metric
	Title  string
	Plot   *PlotDocument
}

// Panels lists the metrics with a parsed plot document, in presentation order.
func (s JobSnapshot) Panels() []Panel {
	var panels []Panel
	for _, m := range AllMetrics {
		if a, ok := s.Results[m]; ok && a.Ready() {
			panels = append(panels, Panel{Metric: m, Title: m.PanelTitle(), Plot: a.Plot})
		}
	}
	return panels
}

// ============================================================================
// Wire events
// ============================================================================

// Event names used on the worker channel.
const (
	EventDataIn          = "data-in"
	EventConnectResponse = "connect-response"
	EventStatus          = "status"
	EventProgress        = "ga-progress"
)

// Envelope is one named event with its JSON payload.
type Envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// DispatchPayload is the body of a data-in event.
type DispatchPayload struct {
	Boxes               [][5]int `json:"boxes"` // (id, length, width, height, weight)
	GridX               int      `json:"grid_x"`
	GridY               int      `json:"grid_y"`
	GridZ               int      `json:"grid_z"`
	MutationProbability float64  `json:"mutation_probability"`
	MaxGeneration       int      `json:"max_generation"`
	PopulationSize      int      `json:"population_size"`
}

// NewDispatchPayload merges the box list and parameters into one payload.
func NewDispatchPayload(boxes []BoxSpec, p JobParameters) DispatchPayload {
	tuples := make([][5]int, 0, len(boxes))
	for _, b := range boxes {
		tuples = append(tuples, b.Tuple())
	}
	return DispatchPayload{
		Boxes:               tuples,
		GridX:               p.GridX,
		GridY:               p.GridY,
		GridZ:               p.GridZ,
		MutationProbability: p.MutationProbability,
		MaxGeneration:       p.MaxGeneration,
		PopulationSize:      p.PopulationSize,
	}
}

// BoxSpecs converts the wire tuples back into boxes.
func (d DispatchPayload) BoxSpecs() []BoxSpec {
	boxes := make([]BoxSpec, 0, len(d.Boxes))
	for _, t := range d.Boxes {
		boxes = append(boxes, BoxSpec{ID: t[0], Length: t[1], Width: t[2], Height: t[3], Weight: t[4]})
	}
	return boxes
}

// Parameters extracts the job parameters carried by the payload.
func (d DispatchPayload) Parameters() JobParameters {
	return JobParameters{
		GridX:               d.GridX,
		GridY:               d.GridY,
		GridZ:               d.GridZ,
		MutationProbability: d.MutationProbability,
		MaxGeneration:       d.MaxGeneration,
		PopulationSize:      d.PopulationSize,
	}
}

// StatusEvent is the body of a status event.
type StatusEvent struct {
	Status string  `json:"status"`
	Graph  *string `json:"graph,omitempty"` // JSON-encoded PlotDocument
}

// ProgressEvent is the body of a ga-progress event.
type ProgressEvent struct {
	N       int     `json:"n"`
	Total   int     `json:"total"`
	Elapsed float64 `json:"elapsed"`
}

// ConnectResponse is the body of a connect-response event.
type ConnectResponse struct {
	Data string `json:"data"`
}
