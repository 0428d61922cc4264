// Package config reads node and client settings from flags, TURNSTILE_*
// environment variables and .env files.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const EnvPrefix = "turnstile"

// flag keys, TURNSTILE_<KEY> with dashes as underscores in the environment
const (
	KeyNodeID       = "node-id"
	KeyRaftAddr     = "raft-addr"
	KeyGRPCAddr     = "grpc-addr"
	KeyHTTPAddr     = "http-addr"
	KeyDataDir      = "data-dir"
	KeyBootstrap    = "bootstrap"
	KeyJoin         = "join"
	KeyInMemory     = "in-memory"
	KeyReapInterval = "reap-interval"
	KeyLogLevel     = "log-level"

	KeyBackend    = "backend"
	KeyEndpoints  = "endpoints"
	KeySessionTTL = "session-ttl"
	KeyTimeout    = "timeout"
	KeyPrefix     = "prefix"
	KeyLockName   = "lock-name"
	KeyMaxLeases  = "max-leases"
)

const (
	BackendTurnstile = "turnstile"
	BackendZooKeeper = "zookeeper"
	BackendEtcd      = "etcd"
)

// Init loads .env files and makes v read TURNSTILE_* variables.
func Init(v *viper.Viper) {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
}

type ServerConfig struct {
	NodeID       uuid.UUID
	RaftAddr     string
	GRPCAddr     string
	HTTPAddr     string
	DataDir      string
	Bootstrap    bool
	Join         string //grpc address of a member to join through
	InMemory     bool
	ReapInterval time.Duration
	LogLevel     string
}

func ServerFlags(fs *pflag.FlagSet) {
	fs.String(KeyNodeID, "", "unique node ID (generates a UUID if empty)")
	fs.String(KeyRaftAddr, "127.0.0.1:7000", "raft bind address")
	fs.String(KeyGRPCAddr, ":9000", "gRPC server address")
	fs.String(KeyHTTPAddr, ":8080", "HTTP admin address, empty disables it")
	fs.String(KeyDataDir, "./data", "data directory for raft storage")
	fs.Bool(KeyBootstrap, false, "bootstrap a new cluster")
	fs.String(KeyJoin, "", "gRPC address of a cluster member to join")
	fs.Bool(KeyInMemory, false, "keep all raft state in memory (single node, testing)")
	fs.Duration(KeyReapInterval, 500*time.Millisecond, "how often the leader expires sessions")
	fs.String(KeyLogLevel, "info", "log level (trace, debug, info, warn, error)")
}

func ServerFromViper(v *viper.Viper) (*ServerConfig, error) {
	cfg := &ServerConfig{
		RaftAddr:     v.GetString(KeyRaftAddr),
		GRPCAddr:     v.GetString(KeyGRPCAddr),
		HTTPAddr:     v.GetString(KeyHTTPAddr),
		DataDir:      v.GetString(KeyDataDir),
		Bootstrap:    v.GetBool(KeyBootstrap),
		Join:         v.GetString(KeyJoin),
		InMemory:     v.GetBool(KeyInMemory),
		ReapInterval: v.GetDuration(KeyReapInterval),
		LogLevel:     v.GetString(KeyLogLevel),
	}

	if id := v.GetString(KeyNodeID); id != "" {
		nid, err := uuid.Parse(id)
		if err != nil {
			return nil, fmt.Errorf("invalid node id %q: %w", id, err)
		}
		cfg.NodeID = nid
	}

	return cfg, cfg.Validate()
}

func (c *ServerConfig) Validate() error {
	var errs []error
	if c.GRPCAddr == "" {
		errs = append(errs, errors.New("grpc-addr is required"))
	}
	if !c.InMemory {
		if c.RaftAddr == "" {
			errs = append(errs, errors.New("raft-addr is required"))
		}
		if c.DataDir == "" {
			errs = append(errs, errors.New("data-dir is required"))
		}
	}
	if c.Bootstrap && c.Join != "" {
		errs = append(errs, errors.New("bootstrap and join are mutually exclusive"))
	}
	if c.InMemory && c.Join != "" {
		errs = append(errs, errors.New("an in-memory node cannot join a cluster"))
	}
	if c.ReapInterval <= 0 {
		errs = append(errs, errors.New("reap-interval must be positive"))
	}
	return errors.Join(errs...)
}

type ClientConfig struct {
	Backend    string
	Endpoints  []string
	SessionTTL time.Duration
	Timeout    time.Duration
	Prefix     string //etcd key prefix
	LockName   string
	MaxLeases  int
	LogLevel   string
}

func ClientFlags(fs *pflag.FlagSet) {
	fs.String(KeyBackend, BackendTurnstile, "coordination store (turnstile, zookeeper, etcd)")
	fs.String(KeyEndpoints, "localhost:9000", "comma-separated store addresses")
	fs.Duration(KeySessionTTL, 10*time.Second, "session timeout")
	fs.Duration(KeyTimeout, 30*time.Second, "how long to wait for the lock, negative waits forever")
	fs.String(KeyPrefix, "/turnstile", "key prefix of the tree (etcd only)")
	fs.String(KeyLockName, "lock-", "name prefix of contender nodes")
	fs.Int(KeyMaxLeases, 1, "how many contenders may hold the lock at once")
	fs.String(KeyLogLevel, "warn", "log level (trace, debug, info, warn, error)")
}

func ClientFromViper(v *viper.Viper) (*ClientConfig, error) {
	cfg := &ClientConfig{
		Backend:    v.GetString(KeyBackend),
		SessionTTL: v.GetDuration(KeySessionTTL),
		Timeout:    v.GetDuration(KeyTimeout),
		Prefix:     v.GetString(KeyPrefix),
		LockName:   v.GetString(KeyLockName),
		MaxLeases:  v.GetInt(KeyMaxLeases),
		LogLevel:   v.GetString(KeyLogLevel),
	}
	for _, e := range strings.Split(v.GetString(KeyEndpoints), ",") {
		if e = strings.TrimSpace(e); e != "" {
			cfg.Endpoints = append(cfg.Endpoints, e)
		}
	}
	return cfg, cfg.Validate()
}

func (c *ClientConfig) Validate() error {
	var errs []error
	switch c.Backend {
	case BackendTurnstile, BackendZooKeeper, BackendEtcd:
	default:
		errs = append(errs, fmt.Errorf("unknown backend %q (expected turnstile, zookeeper or etcd)", c.Backend))
	}
	if len(c.Endpoints) == 0 {
		errs = append(errs, errors.New("at least one endpoint is required"))
	}
	if c.Backend == BackendTurnstile && len(c.Endpoints) > 1 {
		errs = append(errs, errors.New("the turnstile backend takes a single endpoint"))
	}
	if c.SessionTTL <= 0 {
		errs = append(errs, errors.New("session-ttl must be positive"))
	}
	if c.LockName == "" {
		errs = append(errs, errors.New("lock-name must not be empty"))
	}
	if c.MaxLeases < 1 {
		errs = append(errs, errors.New("max-leases must be at least 1"))
	}
	return errors.Join(errs...)
}
