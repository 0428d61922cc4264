package fsm

import (
	"fmt"
	"sort"
	"sync"

	tm "time"

	"github.com/pixperk/turnstile/pkg/time"
	"github.com/pixperk/turnstile/pkg/types"
)

// manages the coordination tree and its sessions
// critical :
// - sequence suffixes are strictly monotonic per parent and never reused
// - ephemeral nodes must belong to a live session
// - expired sessions must delete all of their ephemeral nodes
type FSM struct {
	mu sync.RWMutex

	nodes      map[string]*types.Node         // path -> node
	children   map[string]map[string]struct{} // path -> child names
	sessions   map[uint64]*types.Session      // session ID -> session
	ephemerals map[uint64]map[string]struct{} // session ID -> owned paths

	nextSessionID uint64 // next session ID to assign

	clock   time.Clock
	watches *watchManager
}

func NewFSM() *FSM {
	return NewFSMWithClock(time.NewClock())
}

// NewFSMWithClock builds an FSM that measures session expiry with clock.
func NewFSMWithClock(clock time.Clock) *FSM {
	f := &FSM{
		clock:   clock,
		watches: newWatchManager(),
	}
	f.reset()
	return f
}

// reset drops all state and recreates the root
// caller must hold mu or own the FSM exclusively
func (f *FSM) reset() {
	f.nodes = map[string]*types.Node{"/": {Path: "/"}}
	f.children = map[string]map[string]struct{}{"/": {}}
	f.sessions = make(map[uint64]*types.Session)
	f.ephemerals = make(map[uint64]map[string]struct{})
	f.nextSessionID = 1 //start session IDs from 1, 0 marks persistent nodes
}

// applies a command to the FSM and returns the result or error
func (f *FSM) Apply(cmd types.Command) (any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch c := cmd.(type) {
	case types.CreateSessionCmd:
		return f.applyCreateSession(c)
	case types.RenewSessionCmd:
		return f.applyRenewSession(c)
	case types.CloseSessionCmd:
		return f.applyEndSession(c.SessionID)
	case types.ExpireSessionCmd:
		return f.applyEndSession(c.SessionID)
	case types.CreateNodeCmd:
		return f.applyCreateNode(c)
	case types.DeleteNodeCmd:
		return f.applyDeleteNode(c)
	case types.SetDataCmd:
		return f.applySetData(c)
	default:
		return nil, fmt.Errorf("unknown command type: %T", cmd)
	}
}

// returned when a session is created
type CreateSessionResponse struct {
	SessionID uint64
	ExpiresAt tm.Duration
}

func (f *FSM) applyCreateSession(cmd types.CreateSessionCmd) (any, error) {
	if cmd.TTL <= 0 {
		return nil, types.ErrInvalidSessionTTL
	}

	sessionID := f.nextSessionID
	f.nextSessionID++

	expiresAt := f.clock.ExpiresAt(cmd.TTL)

	f.sessions[sessionID] = &types.Session{
		SessionID: sessionID,
		OwnerID:   cmd.OwnerID,
		ExpiresAt: expiresAt,
		TTL:       cmd.TTL,
	}

	return CreateSessionResponse{
		SessionID: sessionID,
		ExpiresAt: expiresAt,
	}, nil
}

// returned when a session is renewed
type RenewSessionResponse struct {
	ExpiresAt tm.Duration
	TTL       tm.Duration
}

func (f *FSM) applyRenewSession(cmd types.RenewSessionCmd) (any, error) {
	session, exists := f.sessions[cmd.SessionID]
	if !exists {
		return nil, types.ErrSessionNotFound
	}

	//if already expired, cannot renew
	if session.IsExpired(f.clock.Elapsed()) {
		return nil, types.ErrSessionExpired
	}

	session.ExpiresAt = f.clock.ExpiresAt(session.TTL)

	return RenewSessionResponse{
		ExpiresAt: session.ExpiresAt,
		TTL:       session.TTL,
	}, nil
}

// returned when a session is closed or expired
type EndSessionResponse struct {
	NodesDeleted int
}

func (f *FSM) applyEndSession(sessionID uint64) (any, error) {
	if _, exists := f.sessions[sessionID]; !exists {
		return nil, types.ErrSessionNotFound
	}

	//delete every ephemeral node owned by this session
	owned := make([]string, 0, len(f.ephemerals[sessionID]))
	for p := range f.ephemerals[sessionID] {
		owned = append(owned, p)
	}
	sort.Strings(owned)

	deleted := 0
	for _, p := range owned {
		if err := f.deleteNode(p); err == nil {
			deleted++
		}
	}

	delete(f.ephemerals, sessionID)
	delete(f.sessions, sessionID)

	return EndSessionResponse{
		NodesDeleted: deleted,
	}, nil
}

// returned when a node is created
type CreateNodeResponse struct {
	Path string
}

func (f *FSM) applyCreateNode(cmd types.CreateNodeCmd) (any, error) {
	if err := types.ValidatePath(cmd.Path); err != nil {
		return nil, err
	}
	if cmd.Path == "/" {
		return nil, types.ErrNodeExists
	}

	parentPath := types.ParentPath(cmd.Path)
	parent, exists := f.nodes[parentPath]
	if !exists {
		return nil, types.ErrNoNode
	}
	if parent.IsEphemeral() {
		return nil, types.ErrEphemeralParent
	}

	var sessionID uint64
	if cmd.Mode.IsEphemeral() {
		session, exists := f.sessions[cmd.SessionID]
		if !exists {
			return nil, types.ErrSessionNotFound
		}
		if session.IsExpired(f.clock.Elapsed()) {
			return nil, types.ErrSessionExpired
		}
		sessionID = session.SessionID
	}

	path := cmd.Path
	if cmd.Mode.IsSequential() {
		//the suffix is consumed even if the create below fails
		path += types.FormatSequence(parent.Seq)
		parent.Seq++
	}

	if _, exists := f.nodes[path]; exists {
		return nil, types.ErrNodeExists
	}

	f.nodes[path] = &types.Node{
		Path:      path,
		Data:      append([]byte(nil), cmd.Data...),
		SessionID: sessionID,
	}
	f.children[path] = make(map[string]struct{})
	f.children[parentPath][types.BaseName(path)] = struct{}{}

	if sessionID != 0 {
		if f.ephemerals[sessionID] == nil {
			f.ephemerals[sessionID] = make(map[string]struct{})
		}
		f.ephemerals[sessionID][path] = struct{}{}
	}

	f.watches.trigger(dataWatch, path, types.EventNodeCreated)
	f.watches.trigger(childWatch, parentPath, types.EventNodeChildrenChanged)

	return CreateNodeResponse{
		Path: path,
	}, nil
}

// returned when a node is deleted
type DeleteNodeResponse struct {
	Deleted bool
}

func (f *FSM) applyDeleteNode(cmd types.DeleteNodeCmd) (any, error) {
	if err := types.ValidatePath(cmd.Path); err != nil {
		return nil, err
	}

	if err := f.deleteNode(cmd.Path); err != nil {
		return nil, err
	}

	return DeleteNodeResponse{
		Deleted: true,
	}, nil
}

// removes a node and fires its watches
// caller must hold mu
func (f *FSM) deleteNode(path string) error {
	if path == "/" {
		return types.ErrInvalidPath
	}

	node, exists := f.nodes[path]
	if !exists {
		return types.ErrNoNode
	}
	if len(f.children[path]) > 0 {
		return types.ErrNotEmpty
	}

	parentPath := types.ParentPath(path)

	delete(f.nodes, path)
	delete(f.children, path)
	delete(f.children[parentPath], types.BaseName(path))

	if node.SessionID != 0 {
		delete(f.ephemerals[node.SessionID], path)
	}

	f.watches.trigger(dataWatch, path, types.EventNodeDeleted)
	f.watches.trigger(childWatch, path, types.EventNodeDeleted)
	f.watches.trigger(childWatch, parentPath, types.EventNodeChildrenChanged)

	return nil
}

// returned when node data is replaced
type SetDataResponse struct {
	Version uint64
}

func (f *FSM) applySetData(cmd types.SetDataCmd) (any, error) {
	node, exists := f.nodes[cmd.Path]
	if !exists {
		return nil, types.ErrNoNode
	}

	node.Data = append([]byte(nil), cmd.Data...)
	node.Version++

	f.watches.trigger(dataWatch, cmd.Path, types.EventNodeDataChanged)

	return SetDataResponse{
		Version: node.Version,
	}, nil
}

// returns a copy of the node at path
func (f *FSM) GetNode(path string) (*types.Node, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	node, exists := f.nodes[path]
	if !exists {
		return nil, false
	}
	nodeCopy := *node
	return &nodeCopy, true
}

// returns the sorted child names of path
func (f *FSM) Children(path string) ([]string, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	return f.childrenLocked(path)
}

func (f *FSM) childrenLocked(path string) ([]string, error) {
	kids, exists := f.children[path]
	if !exists {
		return nil, types.ErrNoNode
	}

	names := make([]string, 0, len(kids))
	for name := range kids {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// reads the data of path and arms a one-shot watch on it in one step
// no change can slip between the read and the registration
func (f *FSM) GetDataW(path string) ([]byte, <-chan types.WatchEvent, func(), error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	node, exists := f.nodes[path]
	if !exists {
		return nil, nil, nil, types.ErrNoNode
	}

	ch, cancel := f.watches.add(dataWatch, path)
	return append([]byte(nil), node.Data...), ch, cancel, nil
}

// lists the children of path and arms a one-shot child watch in one step
func (f *FSM) ChildrenW(path string) ([]string, <-chan types.WatchEvent, func(), error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	names, err := f.childrenLocked(path)
	if err != nil {
		return nil, nil, nil, err
	}

	ch, cancel := f.watches.add(childWatch, path)
	return names, ch, cancel, nil
}

// returns a session by ID
func (f *FSM) GetSession(sessionID uint64) (*types.Session, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	session, exists := f.sessions[sessionID]
	if !exists {
		return nil, false
	}
	sessionCopy := *session
	return &sessionCopy, true
}

// current fsm stats
type Stats struct {
	Nodes      int
	Sessions   int
	Ephemerals int
	Watches    int
}

func (f *FSM) Stats() Stats {
	f.mu.RLock()
	defer f.mu.RUnlock()

	ephemerals := 0
	for _, owned := range f.ephemerals {
		ephemerals += len(owned)
	}

	return Stats{
		Nodes:      len(f.nodes),
		Sessions:   len(f.sessions),
		Ephemerals: ephemerals,
		Watches:    f.watches.count(),
	}
}

// returns all session IDs that have expired
func (f *FSM) GetExpiredSessions(now tm.Duration) []uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()

	var expired []uint64
	for sessionID, session := range f.sessions {
		if session.IsExpired(now) {
			expired = append(expired, sessionID)
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i] < expired[j] })

	return expired
}

func (f *FSM) CurrentTime() tm.Duration {
	return f.clock.Elapsed()
}
