// ============================================================================
// Box Registry
// ============================================================================
//
// Package: internal/registry
// File: registry.go
// Purpose: Holds the user-authored list of boxes to be packed.
//
// Rules:
//   - ids are assigned as max(existing ids)+1, starting at 1
//   - every dimension and the weight must be positive
//   - boxes are immutable once added; there is no edit or delete
//
// ============================================================================

package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/ChuLiYu/binpack-coordinator/pkg/types"
	"gopkg.in/yaml.v3"
)

// ErrInvalidBox is returned when a box has a non-positive dimension or weight.
var ErrInvalidBox = errors.New("box dimensions and weight must be positive")

// Dimensions is a box before it has been assigned an id.
type Dimensions struct {
	Length int `json:"length" yaml:"length"`
	Width  int `json:"width" yaml:"width"`
	Height int `json:"height" yaml:"height"`
	Weight int `json:"weight" yaml:"weight"`
}

// Validate checks that every field is positive.
func (d Dimensions) Validate() error {
	if d.Length <= 0 || d.Width <= 0 || d.Height <= 0 || d.Weight <= 0 {
		return fmt.Errorf("%w: %dx%dx%d weight %d", ErrInvalidBox, d.Length, d.Width, d.Height, d.Weight)
	}
	return nil
}

// Registry is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	boxes []types.BoxSpec // insertion order
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{boxes: make([]types.BoxSpec, 0)}
}

// Add validates d, assigns the next id and appends the box.
func (r *Registry) Add(d Dimensions) (types.BoxSpec, error) {
	if err := d.Validate(); err != nil {
		return types.BoxSpec{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	maxID := 0
	for _, b := range r.boxes {
		if b.ID > maxID {
			maxID = b.ID
		}
	}

	box := types.BoxSpec{
		ID:     maxID + 1,
		Length: d.Length,
		Width:  d.Width,
		Height: d.Height,
		Weight: d.Weight,
	}
	r.boxes = append(r.boxes, box)
	return box, nil
}

// List returns a copy of the boxes in insertion order.
func (r *Registry) List() []types.BoxSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]types.BoxSpec, len(r.boxes))
	copy(out, r.boxes)
	return out
}

// Len returns the number of boxes.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.boxes)
}

// Randomize draws every field uniformly from 1..10.
func Randomize(rng *rand.Rand) Dimensions {
	return Dimensions{
		Length: rng.Intn(10) + 1,
		Width:  rng.Intn(10) + 1,
		Height: rng.Intn(10) + 1,
		Weight: rng.Intn(10) + 1,
	}
}

// LoadFile reads a YAML or JSON list of dimensions and adds each in order.
// Files ending in .json are decoded as JSON, everything else as YAML.
// On a validation error the boxes before the offending entry stay added.
func (r *Registry) LoadFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("failed to read box file: %w", err)
	}

	var dims []Dimensions
	if strings.EqualFold(filepath.Ext(path), ".json") {
		err = json.Unmarshal(data, &dims)
	} else {
		err = yaml.Unmarshal(data, &dims)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to parse box file: %w", err)
	}

	for i, d := range dims {
		if _, err := r.Add(d); err != nil {
			return i, fmt.Errorf("box #%d: %w", i+1, err)
		}
	}
	return len(dims), nil
}
