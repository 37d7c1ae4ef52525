package graph

import "workflow-copilot/backend/pkg/models"

// Grid layout constants.
const (
	RowWidth = 4
	SpacingX = 300.0
	SpacingY = 200.0
	OriginX  = 100.0
	OriginY  = 100.0
)

// AutoLayout places nodes on a fixed grid in input order. The input slice
// is not modified.
func AutoLayout(nodes []VisualNode) []VisualNode {
	out := make([]VisualNode, len(nodes))
	for i, n := range nodes {
		row, col := i/RowWidth, i%RowWidth
		n.Position = models.Position{
			OriginX + float64(col)*SpacingX,
			OriginY + float64(row)*SpacingY,
		}
		out[i] = n
	}
	return out
}

// NeedsLayout reports whether incoming positions are degenerate: every node
// sits on the same point, which includes the case of no positions at all.
func NeedsLayout(nodes []VisualNode) bool {
	if len(nodes) == 0 {
		return false
	}
	first := nodes[0].Position
	for _, n := range nodes[1:] {
		if n.Position != first {
			return false
		}
	}
	return true
}

// Render converts doc and lays it out when positions are degenerate.
func Render(doc models.Document) VisualGraph {
	vg := ToVisualGraph(doc)
	if NeedsLayout(vg.Nodes) {
		vg.Nodes = AutoLayout(vg.Nodes)
	}
	return vg
}

// Point is a canvas coordinate.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// BoundingCenter returns the midpoint of the bounding box around all node
// positions, or the origin for no nodes.
func BoundingCenter(nodes []VisualNode) Point {
	if len(nodes) == 0 {
		return Point{}
	}
	minX, minY := nodes[0].Position.X(), nodes[0].Position.Y()
	maxX, maxY := minX, minY
	for _, n := range nodes[1:] {
		minX = min(minX, n.Position.X())
		maxX = max(maxX, n.Position.X())
		minY = min(minY, n.Position.Y())
		maxY = max(maxY, n.Position.Y())
	}
	return Point{X: (minX + maxX) / 2, Y: (minY + maxY) / 2}
}
