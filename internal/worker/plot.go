package worker

import (
	"fmt"

	"github.com/ChuLiYu/binpack-coordinator/pkg/types"
)

// triangle indices of a cuboid whose 8 vertices are listed bottom face first
var (
	cubeI = []int{7, 0, 0, 0, 4, 4, 6, 6, 4, 0, 3, 2}
	cubeJ = []int{3, 4, 1, 2, 5, 6, 5, 2, 0, 1, 6, 3}
	cubeK = []int{0, 7, 2, 3, 6, 7, 1, 1, 5, 5, 7, 6}
)

// BuildPlot renders a layout as a figure with one mesh3d trace per placed box.
func BuildPlot(m types.Metric, l Layout, p types.JobParameters) types.PlotDocument {
	data := make([]map[string]any, 0, len(l.Placed))
	for _, pl := range l.Placed {
		data = append(data, boxTrace(pl))
	}

	return types.PlotDocument{
		Data: data,
		Layout: map[string]any{
			"title": m.PanelTitle(),
			"scene": map[string]any{
				"xaxis":       map[string]any{"range": []int{0, p.GridX}, "title": "length"},
				"yaxis":       map[string]any{"range": []int{0, p.GridY}, "title": "width"},
				"zaxis":       map[string]any{"range": []int{0, p.GridZ}, "title": "height"},
				"aspectmode":  "manual",
				"aspectratio": map[string]any{"x": 1, "y": float64(p.GridY) / float64(max(p.GridX, 1)), "z": float64(p.GridZ) / float64(max(p.GridX, 1))},
			},
			"meta": map[string]any{
				"metric":      string(m),
				"placed":      len(l.Placed),
				"unplaced":    len(l.Unplaced),
				"utilization": l.Utilization(p),
			},
		},
	}
}

func boxTrace(pl Placement) map[string]any {
	x0, y0, z0 := pl.X, pl.Y, pl.Z
	x1, y1, z1 := x0+pl.Box.Length, y0+pl.Box.Width, z0+pl.Box.Height

	return map[string]any{
		"type":        "mesh3d",
		"name":        fmt.Sprintf("box %d", pl.Box.ID),
		"x":           []int{x0, x1, x1, x0, x0, x1, x1, x0},
		"y":           []int{y0, y0, y1, y1, y0, y0, y1, y1},
		"z":           []int{z0, z0, z0, z0, z1, z1, z1, z1},
		"i":           cubeI,
		"j":           cubeJ,
		"k":           cubeK,
		"opacity":     0.6,
		"flatshading": true,
		"hovertext":   fmt.Sprintf("id %d, %dx%dx%d, weight %d", pl.Box.ID, pl.Box.Length, pl.Box.Width, pl.Box.Height, pl.Box.Weight),
	}
}
