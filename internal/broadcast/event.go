package broadcast

import (
	"encoding/json"
	"fmt"
	"time"

	"scriptsync/api/internal/graph"
)

type Type string

const (
	TypePositionUpdate Type = "position_update"
	TypePositionsBatch Type = "positions_batch"
	TypeNodeAdded      Type = "node_added"
	TypeNodeUpdated    Type = "node_updated"
	TypeNodeDeleted    Type = "node_deleted"
	TypeEdgeAdded      Type = "edge_added"
	TypeEdgeDeleted    Type = "edge_deleted"
	TypeNodeFocus      Type = "node_focus"
)

// Origin identifies the user whose session produced an event.
type Origin struct {
	UserID      string `json:"originUserId"`
	Email       string `json:"originEmail"`
	DisplayName string `json:"originDisplayName,omitempty"`
	AvatarURL   string `json:"originAvatarUrl,omitempty"`
}

type NodePosition struct {
	NodeID   string         `json:"nodeId"`
	Position graph.Position `json:"position"`
}

// Event is one broadcast message. Type selects which payload fields are set.
// A node_focus event with an empty NodeID means the user left every node.
type Event struct {
	Type Type `json:"type"`
	Origin
	Timestamp time.Time `json:"timestamp"`

	NodeID    string          `json:"nodeId,omitempty"`
	Position  *graph.Position `json:"position,omitempty"`
	Positions []NodePosition  `json:"positions,omitempty"`
	Node      *graph.Node     `json:"node,omitempty"`
	Data      map[string]any  `json:"data,omitempty"`
	Edge      *graph.Edge     `json:"edge,omitempty"`
	EdgeID    string          `json:"edgeId,omitempty"`
}

func PositionUpdate(nodeID string, pos graph.Position) Event {
	return Event{Type: TypePositionUpdate, NodeID: nodeID, Position: &pos}
}

func PositionsBatch(positions []NodePosition) Event {
	return Event{Type: TypePositionsBatch, Positions: positions}
}

func NodeAdded(node graph.Node) Event {
	return Event{Type: TypeNodeAdded, Node: &node}
}

func NodeUpdated(nodeID string, data map[string]any) Event {
	return Event{Type: TypeNodeUpdated, NodeID: nodeID, Data: data}
}

func NodeDeleted(nodeID string) Event {
	return Event{Type: TypeNodeDeleted, NodeID: nodeID}
}

func EdgeAdded(edge graph.Edge) Event {
	return Event{Type: TypeEdgeAdded, Edge: &edge}
}

func EdgeDeleted(edgeID string) Event {
	return Event{Type: TypeEdgeDeleted, EdgeID: edgeID}
}

func NodeFocus(nodeID string) Event {
	return Event{Type: TypeNodeFocus, NodeID: nodeID}
}

// Validate checks that the payload required by the event type is present.
func (e Event) Validate() error {
	if e.UserID == "" {
		return fmt.Errorf("%s event: missing origin", e.Type)
	}
	switch e.Type {
	case TypePositionUpdate:
		if e.NodeID == "" || e.Position == nil {
			return fmt.Errorf("%s event: node id and position are required", e.Type)
		}
	case TypePositionsBatch:
		if len(e.Positions) == 0 {
			return fmt.Errorf("%s event: positions are required", e.Type)
		}
	case TypeNodeAdded:
		if e.Node == nil || e.Node.ID == "" {
			return fmt.Errorf("%s event: node is required", e.Type)
		}
	case TypeNodeUpdated:
		if e.NodeID == "" {
			return fmt.Errorf("%s event: node id is required", e.Type)
		}
	case TypeNodeDeleted:
		if e.NodeID == "" {
			return fmt.Errorf("%s event: node id is required", e.Type)
		}
	case TypeEdgeAdded:
		if e.Edge == nil || e.Edge.ID == "" {
			return fmt.Errorf("%s event: edge is required", e.Type)
		}
	case TypeEdgeDeleted:
		if e.EdgeID == "" {
			return fmt.Errorf("%s event: edge id is required", e.Type)
		}
	case TypeNodeFocus:
	default:
		return fmt.Errorf("unknown event type %q", e.Type)
	}
	return nil
}

func Encode(e Event) ([]byte, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode %s event: %w", e.Type, err)
	}
	return payload, nil
}

func Decode(payload []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(payload, &e); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	if err := e.Validate(); err != nil {
		return Event{}, err
	}
	return e, nil
}
