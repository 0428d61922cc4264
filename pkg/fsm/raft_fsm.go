package fsm

import (
	"encoding/json"
	"io"

	"github.com/hashicorp/raft"
	"github.com/pixperk/turnstile/pkg/types"
)

// adapter to bridge Raft FSM with our internal FSM
type RaftFSM struct {
	fsm *FSM
}

func NewRaftFSM() *RaftFSM {
	return &RaftFSM{
		fsm: NewFSM(),
	}
}

// NewRaftFSMWith wraps an existing FSM.
func NewRaftFSMWith(f *FSM) *RaftFSM {
	return &RaftFSM{
		fsm: f,
	}
}

// returns the wrapped FSM for local reads
func (rf *RaftFSM) FSM() *FSM {
	return rf.fsm
}

func (rf *RaftFSM) Apply(log *raft.Log) any {
	//s1 : decode the command envelope from bytes
	cmd, err := types.DecodeCommand(log.Data)
	if err != nil {
		return err
	}

	//s2 : apply command to FSM
	result, err := rf.fsm.Apply(cmd)
	if err != nil {
		return err
	}

	return result
}

// create a snapshot of the current FSM state
func (rf *RaftFSM) Snapshot() (raft.FSMSnapshot, error) {
	rf.fsm.mu.RLock()
	defer rf.fsm.mu.RUnlock()

	snapshot := &fsmSnapshot{
		Nodes:         make([]types.Node, 0, len(rf.fsm.nodes)),
		Sessions:      make([]types.Session, 0, len(rf.fsm.sessions)),
		NextSessionID: rf.fsm.nextSessionID,
	}

	//deep copy nodes
	for _, node := range rf.fsm.nodes {
		nodeCopy := *node
		nodeCopy.Data = append([]byte(nil), node.Data...)
		snapshot.Nodes = append(snapshot.Nodes, nodeCopy)
	}

	//deep copy sessions
	for _, session := range rf.fsm.sessions {
		snapshot.Sessions = append(snapshot.Sessions, *session)
	}

	return snapshot, nil
}

// restores FSM state from snapshot
// when a node falls behind and needs to catch up or a new node joins
// the children and ephemeral indexes are rebuilt, watches are left alone
func (rf *RaftFSM) Restore(snapshot io.ReadCloser) error {
	defer snapshot.Close()

	var snap fsmSnapshot
	if err := json.NewDecoder(snapshot).Decode(&snap); err != nil {
		return err
	}

	f := rf.fsm
	f.mu.Lock()
	defer f.mu.Unlock()

	f.reset()
	f.nextSessionID = snap.NextSessionID

	for i := range snap.Sessions {
		session := snap.Sessions[i]
		f.sessions[session.SessionID] = &session
	}

	for i := range snap.Nodes {
		node := snap.Nodes[i]
		f.nodes[node.Path] = &node
		if _, ok := f.children[node.Path]; !ok {
			f.children[node.Path] = make(map[string]struct{})
		}
	}

	for path, node := range f.nodes {
		if path == "/" {
			continue
		}
		parentPath := types.ParentPath(path)
		if _, ok := f.children[parentPath]; !ok {
			f.children[parentPath] = make(map[string]struct{})
		}
		f.children[parentPath][types.BaseName(path)] = struct{}{}

		if node.SessionID != 0 {
			if f.ephemerals[node.SessionID] == nil {
				f.ephemerals[node.SessionID] = make(map[string]struct{})
			}
			f.ephemerals[node.SessionID][path] = struct{}{}
		}
	}

	return nil
}

// point-in-time snapshot of FSM state
type fsmSnapshot struct {
	Nodes         []types.Node    `json:"nodes"`
	Sessions      []types.Session `json:"sessions"`
	NextSessionID uint64          `json:"next_session_id"`
}

// persist snapshot to given sink
func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	if err := json.NewEncoder(sink).Encode(s); err != nil {
		sink.Cancel() //fail snapshot on error
		return err
	}
	return sink.Close() //mark snapshot as complete
}

// called when snapshot is no longer needed
// we have no resources to clean up here
func (s *fsmSnapshot) Release() {}
