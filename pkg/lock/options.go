package lock

import (
	"time"

	"github.com/hashicorp/go-hclog"
)

const (
	DefaultLockName = "lock-"

	defaultRetryInterval  = 100 * time.Millisecond
	defaultCleanupTimeout = 5 * time.Second
)

type options struct {
	lockName       string
	maxLeases      int
	payload        []byte
	driver         Driver
	logger         hclog.Logger
	retryInterval  time.Duration
	cleanupTimeout time.Duration
}

func defaultOptions() options {
	return options{
		lockName:       DefaultLockName,
		maxLeases:      1,
		driver:         StandardDriver{},
		logger:         hclog.NewNullLogger(),
		retryInterval:  defaultRetryInterval,
		cleanupTimeout: defaultCleanupTimeout,
	}
}

type Option func(*options)

// WithLockName sets the name prefix of contender nodes.
func WithLockName(name string) Option {
	return func(o *options) {
		o.lockName = name
	}
}

// WithMaxLeases sets how many contenders hold the lock at once.
// Anything above 1 turns the mutex into a semaphore.
func WithMaxLeases(n int) Option {
	return func(o *options) {
		o.maxLeases = n
	}
}

// WithPayload sets the data stored in every contender node.
func WithPayload(payload []byte) Option {
	return func(o *options) {
		o.payload = append([]byte(nil), payload...)
	}
}

func WithDriver(d Driver) Option {
	return func(o *options) {
		o.driver = d
	}
}

func WithLogger(logger hclog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithRetryInterval sets the pause before retrying an operation that failed
// with a connection loss the client did not report as a suspension.
func WithRetryInterval(d time.Duration) Option {
	return func(o *options) {
		o.retryInterval = d
	}
}

// WithCleanupTimeout bounds the best-effort delete of our node.
func WithCleanupTimeout(d time.Duration) Option {
	return func(o *options) {
		o.cleanupTimeout = d
	}
}
