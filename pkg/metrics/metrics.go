package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// acquisition outcomes used as the status label
const (
	StatusAcquired  = "acquired"
	StatusReentrant = "reentrant"
	StatusTimeout   = "timeout"
	StatusError     = "error"
)

var (
	// lock acquisition latency - histogram to track p50/p90/p99
	// measures the whole attempt: create, every wait and every recheck
	// labels: lock_path (to see which locks are contended)
	LockAcquireDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "turnstile_lock_acquire_duration_seconds",
			Help:    "time taken to acquire a lock",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~8s
		},
		[]string{"lock_path"},
	)

	// lock acquisition counter by outcome
	// labels: lock_path, status (acquired/reentrant/timeout/error)
	LockAcquireTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "turnstile_lock_acquire_total",
			Help: "total number of lock acquisition attempts",
		},
		[]string{"lock_path", "status"},
	)

	// lock release counter - counts releases that deleted the node
	// should roughly match acquired attempts over time
	LockReleaseTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "turnstile_lock_release_total",
			Help: "total number of lock releases",
		},
		[]string{"lock_path"},
	)

	// currently held locks in this process
	// useful for detecting leaked handles
	LocksHeld = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "turnstile_locks_held",
			Help: "current number of lock handles held by this process",
		},
	)

	// waits woken by a predecessor watch
	// a high ratio to acquisitions points at churn ahead in the queue
	LockWatchWakeups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "turnstile_lock_watch_wakeups_total",
			Help: "total number of waits woken by a predecessor watch",
		},
		[]string{"lock_path"},
	)

	// failed deletes of our own node, swallowed because the node is ephemeral
	LockCleanupFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "turnstile_lock_cleanup_failures_total",
			Help: "total number of lock node deletes that failed",
		},
		[]string{"lock_path"},
	)

	// revocation requests delivered to a holder
	LockRevocationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "turnstile_lock_revocations_total",
			Help: "total number of revocation requests delivered to a holder",
		},
		[]string{"lock_path"},
	)

	// session creation counter - total sessions opened since startup
	SessionCreateTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "turnstile_session_create_total",
			Help: "total number of sessions created",
		},
	)

	// session expiration counter - tracks client failures
	// spikes indicate network issues or crashed clients
	SessionExpireTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "turnstile_session_expire_total",
			Help: "total number of session expirations (client failures)",
		},
	)

	// heartbeat counter - tracks keepalive success/failure
	// labels: status (success/failure)
	HeartbeatTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "turnstile_heartbeat_total",
			Help: "total number of heartbeats processed",
		},
		[]string{"status"},
	)

	// live sessions and nodes in the tree, sampled on status requests
	SessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "turnstile_sessions_active",
			Help: "current number of live sessions",
		},
	)

	NodesActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "turnstile_nodes_active",
			Help: "current number of nodes in the coordination tree",
		},
	)

	// raft leader status - 1 if this node is leader, 0 if follower
	// exactly one node in cluster should have this = 1
	RaftIsLeader = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "turnstile_raft_is_leader",
			Help: "whether this node is the raft leader (1 = leader, 0 = follower)",
		},
	)

	// raft log index - last index applied to FSM
	RaftAppliedIndex = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "turnstile_raft_applied_index",
			Help: "last raft log index applied to the fsm",
		},
	)

	// service uptime - always 1 when running
	Up = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "turnstile_up",
			Help: "whether the service is up (always 1 when running)",
		},
	)
)

func init() {
	// set uptime gauge to 1 on startup
	Up.Set(1)
}

// BoolGauge converts a flag to a gauge value
func BoolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
