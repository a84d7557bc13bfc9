package jobparams

import (
	"strconv"
	"testing"

	"github.com/ChuLiYu/binpack-coordinator/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	p := NewDefault().Get()

	assert.Equal(t, 20, p.GridX)
	assert.Equal(t, 20, p.GridY)
	assert.Equal(t, 20, p.GridZ)
	assert.InDelta(t, 0.02, p.MutationProbability, 1e-9)
	assert.Equal(t, 100, p.MaxGeneration)
	assert.Equal(t, 100, p.PopulationSize)
}

func TestSetField(t *testing.T) {
	s := NewDefault()

	require.NoError(t, s.SetField("grid_x", "10"))
	require.NoError(t, s.SetField("grid_y", " 11 "))
	require.NoError(t, s.SetField("grid_z", "12"))
	require.NoError(t, s.SetField("mutation_probability", "0.25"))
	require.NoError(t, s.SetField("max_generation", "50"))
	require.NoError(t, s.SetField("population_size", "30"))

	assert.Equal(t, types.JobParameters{
		GridX: 10, GridY: 11, GridZ: 12,
		MutationProbability: 0.25,
		MaxGeneration:       50,
		PopulationSize:      30,
	}, s.Get())
}

func TestSetFieldErrors(t *testing.T) {
	s := NewDefault()

	err := s.SetField("grid_w", "1")
	assert.ErrorIs(t, err, ErrUnknownField)

	err = s.SetField("grid_x", "ten")
	assert.ErrorIs(t, err, strconv.ErrSyntax)

	err = s.SetField("mutation_probability", "")
	assert.Error(t, err)

	// failed updates leave the value untouched
	assert.Equal(t, types.DefaultJobParameters(), s.Get())
}

func TestSetFieldNoRangeValidation(t *testing.T) {
	s := NewDefault()
	require.NoError(t, s.SetField("mutation_probability", "3"))
	require.NoError(t, s.SetField("grid_x", "0"))

	assert.InDelta(t, 3.0, s.Get().MutationProbability, 1e-9)
	assert.Equal(t, 0, s.Get().GridX)
}

func TestFieldsCoverSetField(t *testing.T) {
	s := NewDefault()
	for _, name := range Fields {
		assert.NoError(t, s.SetField(name, "1"), name)
	}
}
