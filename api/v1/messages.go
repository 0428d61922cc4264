// Package v1 is the wire API of a turnstile server: the gRPC service
// turnstile.v1.Coordination and its messages, carried as JSON.
package v1

import "github.com/pixperk/turnstile/pkg/types"

type CreateSessionRequest struct {
	OwnerID   string `json:"owner_id"`
	TTLMillis int64  `json:"ttl_millis"`
}

type CreateSessionResponse struct {
	SessionID uint64 `json:"session_id"`
	TTLMillis int64  `json:"ttl_millis"`
}

type HeartbeatRequest struct {
	SessionID uint64 `json:"session_id"`
}

type HeartbeatResponse struct {
	SessionID uint64 `json:"session_id"`
	TTLMillis int64  `json:"ttl_millis"`
}

type CloseSessionRequest struct {
	SessionID uint64 `json:"session_id"`
}

type CloseSessionResponse struct {
	NodesDeleted int `json:"nodes_deleted"`
}

type CreateNodeRequest struct {
	Path      string           `json:"path"`
	Data      []byte           `json:"data,omitempty"`
	Mode      types.CreateMode `json:"mode"`
	SessionID uint64           `json:"session_id,omitempty"`
}

type CreateNodeResponse struct {
	Path string `json:"path"`
}

type DeleteNodeRequest struct {
	Path string `json:"path"`
}

type DeleteNodeResponse struct {
	Deleted bool `json:"deleted"`
}

type ChildrenRequest struct {
	Path string `json:"path"`
}

type ChildrenResponse struct {
	Children []string `json:"children"`
}

type SetDataRequest struct {
	Path string `json:"path"`
	Data []byte `json:"data,omitempty"`
}

type SetDataResponse struct {
	Version uint64 `json:"version"`
}

type WatchDataRequest struct {
	Path string `json:"path"`
}

// WatchDataResponse is sent twice on a WatchData stream: first with the
// node's data once the watch is armed, then with the event when it fires.
type WatchDataResponse struct {
	Data  []byte            `json:"data,omitempty"`
	Event *types.WatchEvent `json:"event,omitempty"`
}

type GetStatusRequest struct{}

type Stats struct {
	Nodes      int32 `json:"nodes"`
	Sessions   int32 `json:"sessions"`
	Ephemerals int32 `json:"ephemerals"`
	Watches    int32 `json:"watches"`
}

type GetStatusResponse struct {
	NodeID        string `json:"node_id"`
	IsLeader      bool   `json:"is_leader"`
	LeaderAddress string `json:"leader_address"`
	ClusterSize   int32  `json:"cluster_size"`
	State         string `json:"state"`
	AppliedIndex  uint64 `json:"applied_index"`
	Stats         *Stats `json:"stats"`
}

type JoinRequest struct {
	NodeID string `json:"node_id"`
	Addr   string `json:"addr"`
}

type JoinResponse struct{}
