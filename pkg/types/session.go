package types

import "time"

// a session is the time-bound identity of a connected client
// ephemeral nodes live exactly as long as the session that created them
// after the session expires, all of its ephemeral nodes are deleted
type Session struct {
	SessionID uint64
	OwnerID   string
	ExpiresAt time.Duration //monotonic time from server start
	TTL       time.Duration
}

// checks if the session has expired given the elapsed time since server start
// elapsed is monotonic time from server start
func (s *Session) IsExpired(elapsed time.Duration) bool {
	return elapsed >= s.ExpiresAt
}
