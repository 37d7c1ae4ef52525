// Package models defines the domain models for the workflow copilot service
package models

// Document is the portable graph document stored with a workflow and
// exchanged with the generation service. Nodes are addressed by name in
// Connections.
type Document struct {
	ID          string                 `json:"id,omitempty"`
	Name        string                 `json:"name"`
	Nodes       []Node                 `json:"nodes"`
	Connections Connections            `json:"connections"`
	Settings    map[string]interface{} `json:"settings,omitempty"`
	PinData     map[string]interface{} `json:"pinData,omitempty"`
	Tags        []string               `json:"tags,omitempty"`
	Active      bool                   `json:"active"`
	VersionID   string                 `json:"versionId,omitempty"`
	Meta        map[string]interface{} `json:"meta,omitempty"`
}

// Node is a single step of a graph document.
type Node struct {
	ID          string                 `json:"id"`
	Name        string                 `json:"name"`
	Type        string                 `json:"type"`
	TypeVersion *float64               `json:"typeVersion,omitempty"`
	Position    Position               `json:"position"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
	Credentials map[string]interface{} `json:"credentials,omitempty"`
	WebhookID   string                 `json:"webhookId,omitempty"`
}

// Position is an [x, y] canvas coordinate.
type Position [2]float64

// X returns the horizontal coordinate.
func (p Position) X() float64 { return p[0] }

// Y returns the vertical coordinate.
func (p Position) Y() float64 { return p[1] }

// Connections maps a source node name to its outgoing connections.
type Connections map[string]NodeConnections

// NodeConnections maps a connection type (usually "main") to output ports.
// The outer slice is indexed by output port, the inner slice fans out to
// every target fed by that port.
type NodeConnections map[string][][]ConnectionTarget

// ConnectionTarget is the receiving end of a connection.
type ConnectionTarget struct {
	Node  string `json:"node"`
	Type  string `json:"type"`
	Index int    `json:"index"`
}

// DefaultConnectionType is the connection type used when none is given.
const DefaultConnectionType = "main"

// Clone returns a deep copy of the document so that snapshots never alias
// the live workflow state.
func (d Document) Clone() Document {
	out := d
	out.Nodes = make([]Node, len(d.Nodes))
	for i, n := range d.Nodes {
		cp := n
		cp.Parameters = cloneMap(n.Parameters)
		cp.Credentials = cloneMap(n.Credentials)
		if n.TypeVersion != nil {
			v := *n.TypeVersion
			cp.TypeVersion = &v
		}
		out.Nodes[i] = cp
	}
	if d.Connections != nil {
		out.Connections = make(Connections, len(d.Connections))
		for src, byType := range d.Connections {
			nc := make(NodeConnections, len(byType))
			for typ, ports := range byType {
				cpPorts := make([][]ConnectionTarget, len(ports))
				for i, targets := range ports {
					cpPorts[i] = append([]ConnectionTarget(nil), targets...)
				}
				nc[typ] = cpPorts
			}
			out.Connections[src] = nc
		}
	}
	out.Settings = cloneMap(d.Settings)
	out.PinData = cloneMap(d.PinData)
	out.Meta = cloneMap(d.Meta)
	if d.Tags != nil {
		out.Tags = append([]string(nil), d.Tags...)
	}
	return out
}

// WithDefaults fills the settings block the editor expects.
func (d Document) WithDefaults() Document {
	if d.Settings == nil {
		d.Settings = map[string]interface{}{"executionOrder": "v1"}
	}
	if d.Connections == nil {
		d.Connections = Connections{}
	}
	if d.Nodes == nil {
		d.Nodes = []Node{}
	}
	return d
}

func cloneMap(in map[string]interface{}) map[string]interface{} {
	if in == nil {
		return nil
	}
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return cloneMap(t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}

// HealthStatus represents service health
type HealthStatus struct {
	Status  string            `json:"status"`
	Service string            `json:"service"`
	Version string            `json:"version"`
	Checks  map[string]string `json:"checks,omitempty"`
}
