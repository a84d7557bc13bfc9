package worker

import (
	"sort"

	"github.com/ChuLiYu/binpack-coordinator/pkg/types"
)

// Placement is one box positioned in the container, origin at its lowest corner.
type Placement struct {
	Box     types.BoxSpec
	X, Y, Z int
}

// Layout is the result of packing one ordering of the boxes.
type Layout struct {
	Placed   []Placement
	Unplaced []types.BoxSpec
}

// Utilization is placed volume over container volume, 0 for a degenerate container.
func (l Layout) Utilization(p types.JobParameters) float64 {
	container := p.ContainerVolume()
	if container <= 0 {
		return 0
	}
	var used int64
	for _, pl := range l.Placed {
		used += pl.Box.Volume()
	}
	return float64(used) / float64(container)
}

// Shelf packs boxes in the given order: left to right along x, rows along y,
// layers along z. A row is as deep as its deepest box and a layer as tall as
// its tallest one. Boxes that do not fit anywhere are returned as unplaced.
func Shelf(boxes []types.BoxSpec, p types.JobParameters) Layout {
	var (
		out         Layout
		x, y, z     int
		rowDepth    int
		layerHeight int
	)

	for _, b := range boxes {
		if b.Length > p.GridX || b.Width > p.GridY || b.Height > p.GridZ {
			out.Unplaced = append(out.Unplaced, b)
			continue
		}

		if x+b.Length > p.GridX {
			x = 0
			y += rowDepth
			rowDepth = 0
		}
		if y+b.Width > p.GridY {
			x, y = 0, 0
			z += layerHeight
			rowDepth, layerHeight = 0, 0
		}
		if z+b.Height > p.GridZ {
			out.Unplaced = append(out.Unplaced, b)
			continue
		}

		out.Placed = append(out.Placed, Placement{Box: b, X: x, Y: y, Z: z})
		x += b.Length
		rowDepth = max(rowDepth, b.Width)
		layerHeight = max(layerHeight, b.Height)
	}
	return out
}

// orderFor returns the boxes in the order the best individual for m packs them.
//
//	fitness         largest footprint first
//	center_of_mass  densest first, so heavy boxes end up low
//	volume          largest volume first
//	weight          heaviest first
func orderFor(m types.Metric, boxes []types.BoxSpec) []types.BoxSpec {
	out := append([]types.BoxSpec(nil), boxes...)

	var key func(types.BoxSpec) float64
	switch m {
	case types.MetricFitness:
		key = func(b types.BoxSpec) float64 { return float64(b.Length * b.Width) }
	case types.MetricCenterOfMass:
		key = func(b types.BoxSpec) float64 {
			if b.Volume() == 0 {
				return 0
			}
			return float64(b.Weight) / float64(b.Volume())
		}
	case types.MetricVolume:
		key = func(b types.BoxSpec) float64 { return float64(b.Volume()) }
	case types.MetricWeight:
		key = func(b types.BoxSpec) float64 { return float64(b.Weight) }
	default:
		return out
	}

	sort.SliceStable(out, func(i, j int) bool { return key(out[i]) > key(out[j]) })
	return out
}
