// Package export renders a workflow as a downloadable document file.
package export

import (
	"encoding/json"
	"regexp"
	"strings"
	"time"

	"workflow-copilot/backend/pkg/models"
)

// Exporter is recorded in the exported meta block.
const Exporter = "workflow-copilot"

// Extension is appended to every exported filename.
const Extension = ".json"

// File is an exported workflow.
type File struct {
	Name string
	Data []byte
}

// document is the exported field set, in export order.
type document struct {
	Name        string                 `json:"name"`
	Nodes       []models.Node          `json:"nodes"`
	Connections models.Connections     `json:"connections"`
	Settings    map[string]interface{} `json:"settings"`
	PinData     map[string]interface{} `json:"pinData"`
	Tags        []string               `json:"tags"`
	Active      bool                   `json:"active"`
	VersionID   string                 `json:"versionId"`
	Meta        map[string]interface{} `json:"meta"`
}

var whitespace = regexp.MustCompile(`\s+`)

// Filename derives the export filename from a workflow name.
func Filename(name string) string {
	base := whitespace.ReplaceAllString(strings.ToLower(strings.TrimSpace(name)), "_")
	if base == "" {
		base = "workflow"
	}
	return base + Extension
}

// Export serializes wf's document with an export stamp.
func Export(wf *models.Workflow, now time.Time) (*File, error) {
	doc := wf.Document.Clone().WithDefaults()

	meta := make(map[string]interface{}, len(doc.Meta)+2)
	for k, v := range doc.Meta {
		meta[k] = v
	}
	meta["exportedAt"] = now.UTC().Format(time.RFC3339)
	meta["exportedBy"] = Exporter

	name := wf.Name
	if name == "" {
		name = doc.Name
	}
	out := document{
		Name:        name,
		Nodes:       doc.Nodes,
		Connections: doc.Connections,
		Settings:    doc.Settings,
		PinData:     doc.PinData,
		Tags:        doc.Tags,
		Active:      doc.Active,
		VersionID:   doc.VersionID,
		Meta:        meta,
	}
	if out.PinData == nil {
		out.PinData = map[string]interface{}{}
	}
	if out.Tags == nil {
		out.Tags = append([]string{}, wf.Tags...)
	}

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return nil, err
	}
	return &File{Name: Filename(name), Data: data}, nil
}
