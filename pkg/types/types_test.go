package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMetric(t *testing.T) {
	for _, m := range AllMetrics {
		got, ok := ParseMetric(string(m))
		assert.True(t, ok)
		assert.Equal(t, m, got)
	}
	_, ok := ParseMetric("height")
	assert.False(t, ok)
}

func TestMetricStatusTokens(t *testing.T) {
	assert.Equal(t, JobStatus("generate-best-center_of_mass-begin"), MetricBeginStatus(MetricCenterOfMass))
	assert.Equal(t, JobStatus("generate-best-weight-end"), MetricEndStatus(MetricWeight))
	assert.True(t, MetricEndStatus(MetricWeight).IsGenerating())
	assert.False(t, StatusGAEnd.IsGenerating())
}

func TestDispatchPayloadWireShape(t *testing.T) {
	boxes := []BoxSpec{{ID: 3, Length: 1, Width: 2, Height: 4, Weight: 9}}
	payload := NewDispatchPayload(boxes, DefaultJobParameters())

	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"boxes": [[3, 1, 2, 4, 9]],
		"grid_x": 20, "grid_y": 20, "grid_z": 20,
		"mutation_probability": 0.02,
		"max_generation": 100,
		"population_size": 100
	}`, string(raw))

	assert.Equal(t, boxes, payload.BoxSpecs())
	assert.Equal(t, DefaultJobParameters(), payload.Parameters())
}

func TestEmptyDispatchSendsEmptyList(t *testing.T) {
	raw, err := json.Marshal(NewDispatchPayload(nil, DefaultJobParameters()))
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"boxes":[]`)
}

func TestCloneSharesNoMutableState(t *testing.T) {
	s := NewSnapshot()
	s.Progress = &ProgressSample{N: 1, Total: 10}

	c := s.Clone()
	c.Progress.N = 5
	c.Results[MetricFitness] = ResultArtifact{State: ArtifactPending}

	assert.Equal(t, 1, s.Progress.N)
	assert.Equal(t, ArtifactAbsent, s.Results[MetricFitness].State)
}

func TestPresentationHelpers(t *testing.T) {
	testCases := []struct {
		status   JobStatus
		bar      bool
		activity bool
	}{
		{StatusIdle, false, false},
		{StatusGABegin, true, false},
		{StatusGAEnd, true, false},
		{MetricBeginStatus(MetricVolume), false, true},
		{MetricEndStatus(MetricVolume), false, true},
		{StatusDone, false, false},
		{StatusFailed, false, false},
	}

	for _, tc := range testCases {
		t.Run(string(tc.status), func(t *testing.T) {
			s := NewSnapshot()
			s.Status = tc.status
			assert.Equal(t, tc.bar, s.ShowProgressBar())
			assert.Equal(t, tc.activity, s.ShowActivityIndicator())
		})
	}
}

func TestPanelsOrderAndTitles(t *testing.T) {
	s := NewSnapshot()
	doc := &PlotDocument{Data: []map[string]any{{"type": "mesh3d"}}}
	s.Results[MetricWeight] = ResultArtifact{State: ArtifactReady, Plot: doc}
	s.Results[MetricFitness] = ResultArtifact{State: ArtifactReady, Plot: doc}
	s.Results[MetricVolume] = ResultArtifact{State: ArtifactPending}
	s.Results[MetricCenterOfMass] = ResultArtifact{State: ArtifactReady} // no plot

	panels := s.Panels()
	require.Len(t, panels, 2)
	assert.Equal(t, MetricFitness, panels[0].Metric)
	assert.Equal(t, "Individual with Best Fitness", panels[0].Title)
	assert.Equal(t, MetricWeight, panels[1].Metric)
	assert.Equal(t, "Individual with Best Total Weight", panels[1].Title)
}
