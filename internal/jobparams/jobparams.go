// Package jobparams holds the container dimensions and GA tuning parameters
// the user edits before a run.
package jobparams

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/ChuLiYu/binpack-coordinator/pkg/types"
)

// ErrUnknownField is returned by SetField for names outside JobParameters.
var ErrUnknownField = errors.New("unknown job parameter")

// Fields lists the settable names in form order.
var Fields = []string{
	"grid_x", "grid_y", "grid_z",
	"mutation_probability", "max_generation", "population_size",
}

// Set is safe for concurrent use.
type Set struct {
	mu     sync.RWMutex
	params types.JobParameters
}

// New returns a set initialised with p.
func New(p types.JobParameters) *Set {
	return &Set{params: p}
}

// NewDefault returns a set initialised with types.DefaultJobParameters.
func NewDefault() *Set {
	return New(types.DefaultJobParameters())
}

// Get returns the current parameters.
func (s *Set) Get() types.JobParameters {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.params
}

// Replace overwrites every field.
func (s *Set) Replace(p types.JobParameters) {
	s.mu.Lock()
	s.params = p
	s.mu.Unlock()
}

// SetField parses text for the named field and stores it.
// Only numeric parsing is performed; ranges are not checked.
func (s *Set) SetField(name, text string) error {
	text = strings.TrimSpace(text)

	s.mu.Lock()
	defer s.mu.Unlock()

	if name == "mutation_probability" {
		v, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		s.params.MutationProbability = v
		return nil
	}

	var target *int
	switch name {
	case "grid_x":
		target = &s.params.GridX
	case "grid_y":
		target = &s.params.GridY
	case "grid_z":
		target = &s.params.GridZ
	case "max_generation":
		target = &s.params.MaxGeneration
	case "population_size":
		target = &s.params.PopulationSize
	default:
		return fmt.Errorf("%w: %q", ErrUnknownField, name)
	}

	v, err := strconv.Atoi(text)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	*target = v
	return nil
}
