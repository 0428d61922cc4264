package types

import "time"

// type of FSM command
type CommandType uint

const (
	CommandTypeCreateSession CommandType = iota + 1
	CommandTypeRenewSession
	CommandTypeCloseSession
	CommandTypeExpireSession
	CommandTypeCreateNode
	CommandTypeDeleteNode
	CommandTypeSetData
)

func (t CommandType) String() string {
	switch t {
	case CommandTypeCreateSession:
		return "create-session"
	case CommandTypeRenewSession:
		return "renew-session"
	case CommandTypeCloseSession:
		return "close-session"
	case CommandTypeExpireSession:
		return "expire-session"
	case CommandTypeCreateNode:
		return "create-node"
	case CommandTypeDeleteNode:
		return "delete-node"
	case CommandTypeSetData:
		return "set-data"
	default:
		return "unknown"
	}
}

// interface all FSM commands implement
type Command interface {
	Type() CommandType
}

// opens a new session
type CreateSessionCmd struct {
	OwnerID string
	TTL     time.Duration
}

func (c CreateSessionCmd) Type() CommandType { return CommandTypeCreateSession }

// extends an existing session by its TTL
type RenewSessionCmd struct {
	SessionID uint64
}

func (c RenewSessionCmd) Type() CommandType { return CommandTypeRenewSession }

// ends a session on request of its owner, deleting its ephemeral nodes
type CloseSessionCmd struct {
	SessionID uint64
}

func (c CloseSessionCmd) Type() CommandType { return CommandTypeCloseSession }

// expires a session and deletes all its ephemeral nodes (internal)
type ExpireSessionCmd struct {
	SessionID uint64
}

func (c ExpireSessionCmd) Type() CommandType { return CommandTypeExpireSession }

// creates a node, appending a sequence suffix for sequential modes
type CreateNodeCmd struct {
	Path      string
	Data      []byte
	Mode      CreateMode
	SessionID uint64 //required for ephemeral modes
}

func (c CreateNodeCmd) Type() CommandType { return CommandTypeCreateNode }

// deletes a childless node
type DeleteNodeCmd struct {
	Path string
}

func (c DeleteNodeCmd) Type() CommandType { return CommandTypeDeleteNode }

// replaces the data of a node
type SetDataCmd struct {
	Path string
	Data []byte
}

func (c SetDataCmd) Type() CommandType { return CommandTypeSetData }
