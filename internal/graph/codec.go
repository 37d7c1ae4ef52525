// Package graph converts between the portable graph document and the
// id-addressed visual graph used by the editor canvas.
package graph

import (
	"fmt"
	"sort"

	"workflow-copilot/backend/pkg/models"
)

// VisualNode is a canvas node.
type VisualNode struct {
	ID         string                 `json:"id"`
	Label      string                 `json:"label"`
	Type       string                 `json:"type"`
	Parameters map[string]interface{} `json:"parameters,omitempty"`
	Position   models.Position        `json:"position"`
}

// Handle names one port of a node.
type Handle struct {
	Type  string `json:"type"`
	Index int    `json:"index"`
}

// VisualEdge is a single source port to target port connection.
type VisualEdge struct {
	ID           string `json:"id"`
	Source       string `json:"source"`
	Target       string `json:"target"`
	SourceHandle Handle `json:"sourceHandle"`
	TargetHandle Handle `json:"targetHandle"`
}

// VisualGraph is the result of converting a document.
type VisualGraph struct {
	Nodes    []VisualNode `json:"nodes"`
	Edges    []VisualEdge `json:"edges"`
	Warnings []string     `json:"warnings,omitempty"`
}

// Triple is one connection expressed by node names.
type Triple struct {
	Source     string
	SourcePort Handle
	Target     string
	TargetPort Handle
}

// ToVisualGraph converts doc into nodes and edges. Connections that name an
// unknown node are skipped and reported in Warnings.
func ToVisualGraph(doc models.Document) VisualGraph {
	ids := make(map[string]string, len(doc.Nodes))
	for _, n := range doc.Nodes {
		ids[n.Name] = n.ID
	}

	out := VisualGraph{
		Nodes: make([]VisualNode, 0, len(doc.Nodes)),
		Edges: []VisualEdge{},
	}
	for _, n := range doc.Nodes {
		out.Nodes = append(out.Nodes, VisualNode{
			ID:         n.ID,
			Label:      n.Name,
			Type:       n.Type,
			Parameters: n.Parameters,
			Position:   n.Position,
		})
	}

	pairCount := make(map[[2]string]int)
	seen := make(map[string]bool)
	for _, t := range Triples(doc.Connections) {
		srcID, okSrc := ids[t.Source]
		dstID, okDst := ids[t.Target]
		if !okSrc || !okDst {
			out.Warnings = append(out.Warnings, fmt.Sprintf(
				"skipped connection %s[%s:%d] -> %s: unknown node", t.Source, t.SourcePort.Type, t.SourcePort.Index, t.Target))
			continue
		}
		key := [2]string{srcID, dstID}
		id, next := edgeID(srcID, dstID, pairCount[key], seen)
		pairCount[key] = next
		out.Edges = append(out.Edges, VisualEdge{
			ID:           id,
			Source:       srcID,
			Target:       dstID,
			SourceHandle: t.SourcePort,
			TargetHandle: t.TargetPort,
		})
	}
	return out
}

// edgeID formats "<source>-<target>-<ordinal>" starting at ordinal. Ids
// containing '-' can format identically for different pairs ("a"->"b-c" and
// "a-b"->"c"), so taken ids advance the ordinal. It returns the id and the
// next ordinal for the pair.
func edgeID(src, dst string, ordinal int, seen map[string]bool) (string, int) {
	for {
		id := fmt.Sprintf("%s-%s-%d", src, dst, ordinal)
		ordinal++
		if !seen[id] {
			seen[id] = true
			return id, ordinal
		}
	}
}

// Triples flattens connections in a stable order: source name, connection
// type, output index, then fan-out order.
func Triples(conns models.Connections) []Triple {
	sources := make([]string, 0, len(conns))
	for name := range conns {
		sources = append(sources, name)
	}
	sort.Strings(sources)

	var out []Triple
	for _, src := range sources {
		byType := conns[src]
		types := make([]string, 0, len(byType))
		for typ := range byType {
			types = append(types, typ)
		}
		sort.Strings(types)
		for _, typ := range types {
			for port, targets := range byType[typ] {
				for _, target := range targets {
					targetType := target.Type
					if targetType == "" {
						targetType = models.DefaultConnectionType
					}
					out = append(out, Triple{
						Source:     src,
						SourcePort: Handle{Type: typ, Index: port},
						Target:     target.Node,
						TargetPort: Handle{Type: targetType, Index: target.Index},
					})
				}
			}
		}
	}
	return out
}

// ToDocument rebuilds nodes and connections from a visual graph. Node
// parameters and positions are carried over; fields the canvas does not
// know about are left empty. Edges naming unknown node ids are dropped.
func ToDocument(name string, vg VisualGraph) models.Document {
	doc := models.Document{
		Name:        name,
		Nodes:       make([]models.Node, 0, len(vg.Nodes)),
		Connections: models.Connections{},
	}
	names := make(map[string]string, len(vg.Nodes))
	for _, n := range vg.Nodes {
		names[n.ID] = n.Label
		doc.Nodes = append(doc.Nodes, models.Node{
			ID:         n.ID,
			Name:       n.Label,
			Type:       n.Type,
			Parameters: n.Parameters,
			Position:   n.Position,
		})
	}

	for _, e := range vg.Edges {
		src, okSrc := names[e.Source]
		dst, okDst := names[e.Target]
		if !okSrc || !okDst || e.SourceHandle.Index < 0 {
			continue
		}
		typ := e.SourceHandle.Type
		if typ == "" {
			typ = models.DefaultConnectionType
		}
		byType, ok := doc.Connections[src]
		if !ok {
			byType = models.NodeConnections{}
			doc.Connections[src] = byType
		}
		ports := byType[typ]
		for len(ports) <= e.SourceHandle.Index {
			ports = append(ports, []models.ConnectionTarget{})
		}
		targetType := e.TargetHandle.Type
		if targetType == "" {
			targetType = models.DefaultConnectionType
		}
		ports[e.SourceHandle.Index] = append(ports[e.SourceHandle.Index], models.ConnectionTarget{
			Node:  dst,
			Type:  targetType,
			Index: e.TargetHandle.Index,
		})
		byType[typ] = ports
	}
	return doc
}
