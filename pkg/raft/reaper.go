package raft

import (
	"errors"
	"time"

	"github.com/pixperk/turnstile/pkg/fsm"
	"github.com/pixperk/turnstile/pkg/metrics"
	"github.com/pixperk/turnstile/pkg/types"
)

// only the leader expires sessions, the decision is replicated through the log
// so every replica deletes the same ephemeral nodes at the same index
func (n *Node) reapSessions() {
	defer n.wg.Done()

	ticker := time.NewTicker(n.cfg.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			isLeader := n.IsLeader()
			metrics.RaftIsLeader.Set(metrics.BoolGauge(isLeader))
			metrics.RaftAppliedIndex.Set(float64(n.GetAppliedIndex()))
			if isLeader {
				n.reapExpired()
			}
		case <-n.stopCh:
			return
		}
	}
}

// applies an expiry for every session past its deadline, returns how many expired
func (n *Node) reapExpired() int {
	expired := n.fsm.GetExpiredSessions(n.fsm.CurrentTime())

	reaped := 0
	for _, sessionID := range expired {
		result, err := n.Apply(types.ExpireSessionCmd{SessionID: sessionID})
		if err != nil {
			//closed by its owner in the meantime
			if errors.Is(err, types.ErrSessionNotFound) {
				continue
			}
			n.logger.Warn("failed to expire session", "session_id", sessionID, "error", err)
			continue
		}

		resp := result.(fsm.EndSessionResponse)
		metrics.SessionExpireTotal.Inc()
		reaped++
		n.logger.Info("session expired", "session_id", sessionID, "nodes_deleted", resp.NodesDeleted)
	}

	return reaped
}
