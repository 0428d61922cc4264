package types

import "fmt"

// CreateMode selects the lifetime and naming of a created node.
type CreateMode uint8

const (
	ModePersistent CreateMode = iota
	ModeEphemeral
	ModePersistentSequential
	ModeEphemeralSequential
)

func (m CreateMode) IsEphemeral() bool {
	return m == ModeEphemeral || m == ModeEphemeralSequential
}

func (m CreateMode) IsSequential() bool {
	return m == ModePersistentSequential || m == ModeEphemeralSequential
}

func (m CreateMode) String() string {
	switch m {
	case ModePersistent:
		return "persistent"
	case ModeEphemeral:
		return "ephemeral"
	case ModePersistentSequential:
		return "persistent-sequential"
	case ModeEphemeralSequential:
		return "ephemeral-sequential"
	default:
		return fmt.Sprintf("mode(%d)", uint8(m))
	}
}

// SequenceWidth is the fixed width of the suffix appended to sequential nodes.
const SequenceWidth = 10

// FormatSequence renders a sequence number the way it is appended to node names.
func FormatSequence(seq uint64) string {
	return fmt.Sprintf("%0*d", SequenceWidth, seq)
}

// node in the coordination tree
// the root "/" always exists and is persistent
type Node struct {
	Path      string `json:"path"`
	Data      []byte `json:"data,omitempty"`
	SessionID uint64 `json:"session_id,omitempty"` //owning session, 0 for persistent nodes
	Version   uint64 `json:"version"`              //bumped on every data change
	Seq       uint64 `json:"seq"`                  //next sequence suffix for children, never reused
}

func (n *Node) IsEphemeral() bool {
	return n.SessionID != 0
}

// EventType is the kind of change a watch reports.
type EventType uint8

const (
	EventNodeCreated EventType = iota + 1
	EventNodeDeleted
	EventNodeDataChanged
	EventNodeChildrenChanged
	// the watch could not be kept, the node may or may not have changed
	EventWatchLost
)

func (t EventType) String() string {
	switch t {
	case EventNodeCreated:
		return "created"
	case EventNodeDeleted:
		return "deleted"
	case EventNodeDataChanged:
		return "data-changed"
	case EventNodeChildrenChanged:
		return "children-changed"
	case EventWatchLost:
		return "watch-lost"
	default:
		return "unknown"
	}
}

// WatchEvent is delivered at most once per armed watch.
type WatchEvent struct {
	Type EventType `json:"type"`
	Path string    `json:"path"`
}
