package types

import (
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

// field numbers of the command envelope on the raft log
// every command shares one flat envelope, unused fields are omitted
const (
	fieldType      protowire.Number = 1
	fieldOwnerID   protowire.Number = 2
	fieldTTL       protowire.Number = 3
	fieldSessionID protowire.Number = 4
	fieldPath      protowire.Number = 5
	fieldData      protowire.Number = 6
	fieldMode      protowire.Number = 7
)

type envelope struct {
	typ       CommandType
	ownerID   string
	ttl       uint64
	sessionID uint64
	path      string
	data      []byte
	mode      uint64
}

// EncodeCommand serializes a command into its raft log representation.
func EncodeCommand(cmd Command) ([]byte, error) {
	env := envelope{typ: cmd.Type()}

	switch c := cmd.(type) {
	case CreateSessionCmd:
		env.ownerID = c.OwnerID
		env.ttl = uint64(c.TTL)
	case RenewSessionCmd:
		env.sessionID = c.SessionID
	case CloseSessionCmd:
		env.sessionID = c.SessionID
	case ExpireSessionCmd:
		env.sessionID = c.SessionID
	case CreateNodeCmd:
		env.path = c.Path
		env.data = c.Data
		env.mode = uint64(c.Mode)
		env.sessionID = c.SessionID
	case DeleteNodeCmd:
		env.path = c.Path
	case SetDataCmd:
		env.path = c.Path
		env.data = c.Data
	default:
		return nil, fmt.Errorf("unknown command type: %T", cmd)
	}

	return env.marshal(), nil
}

// DecodeCommand is the inverse of EncodeCommand.
func DecodeCommand(b []byte) (Command, error) {
	var env envelope
	if err := env.unmarshal(b); err != nil {
		return nil, fmt.Errorf("decode command: %w", err)
	}

	switch env.typ {
	case CommandTypeCreateSession:
		return CreateSessionCmd{OwnerID: env.ownerID, TTL: time.Duration(env.ttl)}, nil
	case CommandTypeRenewSession:
		return RenewSessionCmd{SessionID: env.sessionID}, nil
	case CommandTypeCloseSession:
		return CloseSessionCmd{SessionID: env.sessionID}, nil
	case CommandTypeExpireSession:
		return ExpireSessionCmd{SessionID: env.sessionID}, nil
	case CommandTypeCreateNode:
		return CreateNodeCmd{
			Path:      env.path,
			Data:      env.data,
			Mode:      CreateMode(env.mode),
			SessionID: env.sessionID,
		}, nil
	case CommandTypeDeleteNode:
		return DeleteNodeCmd{Path: env.path}, nil
	case CommandTypeSetData:
		return SetDataCmd{Path: env.path, Data: env.data}, nil
	default:
		return nil, fmt.Errorf("unknown command type: %d", env.typ)
	}
}

func (e *envelope) marshal() []byte {
	b := protowire.AppendTag(nil, fieldType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.typ))

	if e.ownerID != "" {
		b = protowire.AppendTag(b, fieldOwnerID, protowire.BytesType)
		b = protowire.AppendString(b, e.ownerID)
	}
	if e.ttl != 0 {
		b = protowire.AppendTag(b, fieldTTL, protowire.VarintType)
		b = protowire.AppendVarint(b, e.ttl)
	}
	if e.sessionID != 0 {
		b = protowire.AppendTag(b, fieldSessionID, protowire.VarintType)
		b = protowire.AppendVarint(b, e.sessionID)
	}
	if e.path != "" {
		b = protowire.AppendTag(b, fieldPath, protowire.BytesType)
		b = protowire.AppendString(b, e.path)
	}
	if e.data != nil {
		b = protowire.AppendTag(b, fieldData, protowire.BytesType)
		b = protowire.AppendBytes(b, e.data)
	}
	if e.mode != 0 {
		b = protowire.AppendTag(b, fieldMode, protowire.VarintType)
		b = protowire.AppendVarint(b, e.mode)
	}
	return b
}

func (e *envelope) unmarshal(b []byte) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		switch {
		case typ == protowire.VarintType && (num == fieldType || num == fieldTTL || num == fieldSessionID || num == fieldMode):
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
			switch num {
			case fieldType:
				e.typ = CommandType(v)
			case fieldTTL:
				e.ttl = v
			case fieldSessionID:
				e.sessionID = v
			case fieldMode:
				e.mode = v
			}

		case typ == protowire.BytesType && (num == fieldOwnerID || num == fieldPath || num == fieldData):
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
			switch num {
			case fieldOwnerID:
				e.ownerID = string(v)
			case fieldPath:
				e.path = string(v)
			case fieldData:
				//v aliases the log buffer owned by raft
				e.data = append([]byte{}, v...)
			}

		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return nil
}
