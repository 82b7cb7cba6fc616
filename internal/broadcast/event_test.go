package broadcast

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scriptsync/api/internal/graph"
)

func TestEventWireFormat(t *testing.T) {
	e := NodeUpdated("n1", map[string]any{"title": "Hi"})
	e.Origin = alice

	payload, err := Encode(e)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"type": "node_updated",
		"originUserId": "alice",
		"originEmail": "alice@example.com",
		"originDisplayName": "Alice",
		"timestamp": "0001-01-01T00:00:00Z",
		"nodeId": "n1",
		"data": {"title": "Hi"}
	}`, string(payload))
}

func TestValidate(t *testing.T) {
	withOrigin := func(e Event) Event {
		e.Origin = bob
		return e
	}
	tests := []struct {
		name  string
		event Event
		ok    bool
	}{
		{"position", withOrigin(PositionUpdate("n1", graph.Position{X: 1})), true},
		{"position without node", withOrigin(Event{Type: TypePositionUpdate, Position: &graph.Position{}}), false},
		{"empty batch", withOrigin(PositionsBatch(nil)), false},
		{"node added", withOrigin(NodeAdded(graph.Node{ID: "n1"})), true},
		{"node added without id", withOrigin(NodeAdded(graph.Node{})), false},
		{"node deleted", withOrigin(NodeDeleted("n1")), true},
		{"edge added", withOrigin(EdgeAdded(graph.Edge{ID: "e1", Source: "a", Target: "b"})), true},
		{"edge deleted without id", withOrigin(EdgeDeleted("")), false},
		{"focus cleared", withOrigin(NodeFocus("")), true},
		{"no origin", NodeDeleted("n1"), false},
		{"unknown type", withOrigin(Event{Type: "cursor"}), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.event.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestTopic(t *testing.T) {
	assert.Equal(t, "collab:graph:product-1:events", Topic("graph:product-1"))
}
