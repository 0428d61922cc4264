package storage

import (
	"os"
	"path/filepath"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb/v2"
)

// RaftStorage bundles the stores a raft instance needs
// logstore : stores the Raft log entries
// stablestore : stores stable Raft metadata [stable = survives restarts]
// snapshotstore : stores snapshots of the coordination tree
type RaftStorage struct {
	LogStore      raft.LogStore
	StableStore   raft.StableStore
	SnapshotStore raft.SnapshotStore

	closer func() error
}

// NewBoltDBStorage keeps the log and stable state in BoltDB under dataDir
// and snapshots as files next to it.
func NewBoltDBStorage(dataDir string, logger hclog.Logger) (*RaftStorage, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}

	dbPath := filepath.Join(dataDir, "raft.db")

	//boltDB is used for both log and stable storage
	boltDB, err := raftboltdb.New(raftboltdb.Options{
		Path: dbPath,
	})
	if err != nil {
		return nil, err
	}

	//snapshot store (file-based)
	snapshotDir := filepath.Join(dataDir, "snapshots")
	snapshotStore, err := raft.NewFileSnapshotStoreWithLogger(snapshotDir, 3, logger.Named("snapshot"))
	if err != nil {
		boltDB.Close()
		return nil, err
	}

	return &RaftStorage{
		LogStore:      boltDB,
		StableStore:   boltDB,
		SnapshotStore: snapshotStore,
		closer:        boltDB.Close,
	}, nil
}

// NewInmemStorage keeps everything in memory; state is lost on shutdown.
func NewInmemStorage() *RaftStorage {
	store := raft.NewInmemStore()
	return &RaftStorage{
		LogStore:      store,
		StableStore:   store,
		SnapshotStore: raft.NewInmemSnapshotStore(),
	}
}

func (s *RaftStorage) Close() error {
	if s.closer != nil {
		return s.closer()
	}
	return nil
}
