package graph

import (
	"fmt"
	"strings"

	"workflow-copilot/backend/pkg/models"
)

// Validate checks the structural rules a stored document must satisfy.
// Connections to unknown nodes are allowed; ToVisualGraph reports them.
func Validate(doc models.Document) []string {
	var problems []string
	names := make(map[string]bool, len(doc.Nodes))
	ids := make(map[string]bool, len(doc.Nodes))
	for i, n := range doc.Nodes {
		label := n.Name
		if strings.TrimSpace(n.Name) == "" {
			label = fmt.Sprintf("#%d", i)
			problems = append(problems, fmt.Sprintf("node %s missing name", label))
		} else if names[n.Name] {
			problems = append(problems, fmt.Sprintf("duplicate node name: %s", n.Name))
		}
		names[n.Name] = true

		if n.ID == "" {
			problems = append(problems, fmt.Sprintf("node %s missing id", label))
		} else if ids[n.ID] {
			problems = append(problems, fmt.Sprintf("duplicate node id: %s", n.ID))
		}
		ids[n.ID] = true

		if strings.TrimSpace(n.Type) == "" {
			problems = append(problems, fmt.Sprintf("node %s missing type", label))
		}
	}
	return problems
}

// Dangling lists connections whose source or target is not a node.
func Dangling(doc models.Document) []Triple {
	names := make(map[string]bool, len(doc.Nodes))
	for _, n := range doc.Nodes {
		names[n.Name] = true
	}
	var out []Triple
	for _, t := range Triples(doc.Connections) {
		if !names[t.Source] || !names[t.Target] {
			out = append(out, t)
		}
	}
	return out
}

// FillIDs gives every node without an id a fresh one from newID.
func FillIDs(doc models.Document, newID func() string) models.Document {
	for i := range doc.Nodes {
		if doc.Nodes[i].ID == "" {
			doc.Nodes[i].ID = newID()
		}
	}
	return doc
}
