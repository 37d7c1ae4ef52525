package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"workflow-copilot/backend/pkg/models"
)

func sampleDocument() models.Document {
	return models.Document{
		Name: "Lead routing",
		Nodes: []models.Node{
			{ID: "n1", Name: "Webhook", Type: "n8n-nodes-base.webhook", Position: models.Position{0, 0}},
			{ID: "n2", Name: "If", Type: "n8n-nodes-base.if", Position: models.Position{300, 0},
				Parameters: map[string]interface{}{"value": 1}},
			{ID: "n3", Name: "Slack", Type: "n8n-nodes-base.slack", Position: models.Position{600, -100}},
			{ID: "n4", Name: "Gmail", Type: "n8n-nodes-base.gmail", Position: models.Position{600, 100}},
		},
		Connections: models.Connections{
			"Webhook": {"main": {{{Node: "If", Type: "main", Index: 0}}}},
			"If": {"main": {
				{{Node: "Slack", Type: "main", Index: 0}, {Node: "Gmail", Type: "main", Index: 0}},
				{{Node: "Gmail", Type: "main", Index: 1}},
			}},
		},
	}
}

func tripleSet(ts []Triple) map[Triple]int {
	out := make(map[Triple]int, len(ts))
	for _, t := range ts {
		out[t]++
	}
	return out
}

func TestToVisualGraph_NodesCarriedOver(t *testing.T) {
	doc := sampleDocument()
	vg := ToVisualGraph(doc)

	require.Len(t, vg.Nodes, 4)
	for i, n := range doc.Nodes {
		assert.Equal(t, n.ID, vg.Nodes[i].ID)
		assert.Equal(t, n.Name, vg.Nodes[i].Label)
		assert.Equal(t, n.Type, vg.Nodes[i].Type)
		assert.Equal(t, n.Position, vg.Nodes[i].Position)
	}
	assert.Equal(t, 1, vg.Nodes[1].Parameters["value"])
	assert.Empty(t, vg.Warnings)
	assert.Len(t, vg.Edges, 4)
}

func TestToVisualGraph_RoundTripPreservesTriples(t *testing.T) {
	doc := sampleDocument()
	vg := ToVisualGraph(doc)

	back := ToDocument(doc.Name, vg)
	assert.Equal(t, tripleSet(Triples(doc.Connections)), tripleSet(Triples(back.Connections)))
}

func TestToVisualGraph_ParallelEdgesAreAddressable(t *testing.T) {
	doc := models.Document{
		Nodes: []models.Node{
			{ID: "a", Name: "A", Type: "t"},
			{ID: "b", Name: "B", Type: "t"},
		},
		Connections: models.Connections{
			"A": {"main": {
				{{Node: "B", Type: "main", Index: 0}},
				{{Node: "B", Type: "main", Index: 1}},
			}},
		},
	}

	vg := ToVisualGraph(doc)

	require.Len(t, vg.Edges, 2)
	assert.Equal(t, "a-b-0", vg.Edges[0].ID)
	assert.Equal(t, "a-b-1", vg.Edges[1].ID)
	assert.Equal(t, Handle{Type: "main", Index: 1}, vg.Edges[1].SourceHandle)
	assert.Equal(t, Handle{Type: "main", Index: 1}, vg.Edges[1].TargetHandle)
}

func TestToVisualGraph_HyphenatedIDsStayUnique(t *testing.T) {
	doc := models.Document{
		Nodes: []models.Node{
			{ID: "a", Name: "A", Type: "t"},
			{ID: "b-c", Name: "BC", Type: "t"},
			{ID: "a-b", Name: "AB", Type: "t"},
			{ID: "c", Name: "C", Type: "t"},
		},
		Connections: models.Connections{
			"A":  {"main": {{{Node: "BC", Type: "main"}}}},
			"AB": {"main": {{{Node: "C", Type: "main"}, {Node: "C", Type: "main", Index: 1}}}},
		},
	}

	vg := ToVisualGraph(doc)

	require.Len(t, vg.Edges, 3)
	ids := map[string]bool{}
	for _, e := range vg.Edges {
		assert.False(t, ids[e.ID], "duplicate edge id %s", e.ID)
		ids[e.ID] = true
	}
	assert.Equal(t, "a-b-c-0", vg.Edges[0].ID)
	assert.Equal(t, "a-b-c-1", vg.Edges[1].ID)
	assert.Equal(t, "a-b-c-2", vg.Edges[2].ID)
	assert.Equal(t, "a-b", vg.Edges[1].Source)
	assert.Equal(t, "c", vg.Edges[1].Target)
}

func TestToVisualGraph_DanglingConnectionDropped(t *testing.T) {
	doc := sampleDocument()
	doc.Connections["Slack"] = models.NodeConnections{"main": {{{Node: "Missing", Type: "main"}}}}
	doc.Connections["Ghost"] = models.NodeConnections{"main": {{{Node: "If", Type: "main"}}}}

	vg := ToVisualGraph(doc)

	assert.Len(t, vg.Edges, 4)
	assert.Len(t, vg.Warnings, 2)
	for _, e := range vg.Edges {
		assert.NotEqual(t, "n3", e.Source)
	}
}

func TestToVisualGraph_EmptyDocument(t *testing.T) {
	vg := ToVisualGraph(models.Document{})

	assert.Empty(t, vg.Nodes)
	assert.NotNil(t, vg.Edges)
	assert.Empty(t, vg.Warnings)
}

func TestToDocument_DefaultsHandleTypes(t *testing.T) {
	vg := VisualGraph{
		Nodes: []VisualNode{{ID: "a", Label: "A"}, {ID: "b", Label: "B"}},
		Edges: []VisualEdge{
			{ID: "a-b-0", Source: "a", Target: "b", SourceHandle: Handle{Index: 2}},
			{ID: "x", Source: "a", Target: "zz"},
		},
	}

	doc := ToDocument("wf", vg)

	ports := doc.Connections["A"]["main"]
	require.Len(t, ports, 3)
	assert.Empty(t, ports[0])
	assert.Empty(t, ports[1])
	assert.Equal(t, []models.ConnectionTarget{{Node: "B", Type: "main", Index: 0}}, ports[2])
}

func TestAutoLayout_Deterministic(t *testing.T) {
	nodes := ToVisualGraph(sampleDocument()).Nodes
	nodes = append(nodes, VisualNode{ID: "n5", Label: "Code"})

	first := AutoLayout(nodes)
	second := AutoLayout(nodes)

	assert.Equal(t, first, second)
	assert.Equal(t, models.Position{OriginX, OriginY}, first[0].Position)
	assert.Equal(t, models.Position{OriginX + 3*SpacingX, OriginY}, first[3].Position)
	assert.Equal(t, models.Position{OriginX, OriginY + SpacingY}, first[4].Position)
	assert.Equal(t, models.Position{0, 0}, nodes[0].Position, "input must not be mutated")
}

func TestNeedsLayout(t *testing.T) {
	assert.False(t, NeedsLayout(nil))
	assert.True(t, NeedsLayout([]VisualNode{{ID: "a"}}))
	assert.True(t, NeedsLayout([]VisualNode{{ID: "a"}, {ID: "b"}}))
	assert.False(t, NeedsLayout([]VisualNode{{ID: "a"}, {ID: "b", Position: models.Position{1, 0}}}))
}

func TestRender_LaysOutDegenerateDocument(t *testing.T) {
	doc := models.Document{Nodes: []models.Node{
		{ID: "a", Name: "A", Type: "t"},
		{ID: "b", Name: "B", Type: "t"},
	}}

	vg := Render(doc)

	assert.Equal(t, models.Position{OriginX, OriginY}, vg.Nodes[0].Position)
	assert.Equal(t, models.Position{OriginX + SpacingX, OriginY}, vg.Nodes[1].Position)
}

func TestBoundingCenter(t *testing.T) {
	assert.Equal(t, Point{}, BoundingCenter(nil))

	nodes := ToVisualGraph(sampleDocument()).Nodes
	assert.Equal(t, Point{X: 300, Y: 0}, BoundingCenter(nodes))

	single := []VisualNode{{Position: models.Position{-40, 80}}}
	assert.Equal(t, Point{X: -40, Y: 80}, BoundingCenter(single))
}

func TestValidate(t *testing.T) {
	assert.Empty(t, Validate(sampleDocument()))

	doc := models.Document{Nodes: []models.Node{
		{ID: "a", Name: "A", Type: "t"},
		{ID: "a", Name: "A", Type: ""},
		{ID: "", Name: " ", Type: "t"},
	}}
	problems := Validate(doc)
	assert.Contains(t, problems, "duplicate node name: A")
	assert.Contains(t, problems, "duplicate node id: a")
	assert.Contains(t, problems, "node A missing type")
	assert.Contains(t, problems, "node #2 missing name")
	assert.Contains(t, problems, "node #2 missing id")
}

func TestDangling(t *testing.T) {
	doc := sampleDocument()
	doc.Connections["Gmail"] = models.NodeConnections{"main": {{{Node: "Nowhere"}}}}

	d := Dangling(doc)
	require.Len(t, d, 1)
	assert.Equal(t, "Gmail", d[0].Source)
	assert.Equal(t, "Nowhere", d[0].Target)
}
