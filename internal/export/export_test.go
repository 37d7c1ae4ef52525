package export

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"workflow-copilot/backend/pkg/models"
)

func TestFilename(t *testing.T) {
	assert.Equal(t, "lead_routing.json", Filename("Lead Routing"))
	assert.Equal(t, "daily_slack_digest.json", Filename("  Daily \t Slack\n\nDigest "))
	assert.Equal(t, "workflow.json", Filename("   "))
}

func TestExport(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	wf := &models.Workflow{
		Name: "Lead Routing",
		Tags: []string{"sales"},
		Document: models.Document{
			Name:      "ignored",
			VersionID: "v-1",
			Nodes:     []models.Node{{ID: "n1", Name: "Webhook", Type: "n8n-nodes-base.webhook"}},
			Meta:      map[string]interface{}{"instanceId": "abc"},
		},
	}

	file, err := Export(wf, now)
	require.NoError(t, err)
	assert.Equal(t, "lead_routing.json", file.Name)
	assert.True(t, strings.Contains(string(file.Data), "\n  \"name\""), "output should be indented")

	var got map[string]interface{}
	require.NoError(t, json.Unmarshal(file.Data, &got))
	for _, key := range []string{"name", "nodes", "connections", "settings", "pinData", "tags", "active", "versionId", "meta"} {
		assert.Contains(t, got, key)
	}
	assert.Len(t, got, 9)
	assert.Equal(t, "Lead Routing", got["name"])
	assert.Equal(t, []interface{}{"sales"}, got["tags"])
	assert.Equal(t, map[string]interface{}{"executionOrder": "v1"}, got["settings"])

	meta := got["meta"].(map[string]interface{})
	assert.Equal(t, "abc", meta["instanceId"])
	assert.Equal(t, "2026-03-01T12:00:00Z", meta["exportedAt"])
	assert.Equal(t, Exporter, meta["exportedBy"])

	_, stamped := wf.Document.Meta["exportedAt"]
	assert.False(t, stamped, "export must not mutate the stored document")
}
