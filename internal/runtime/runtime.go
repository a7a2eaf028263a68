// Package runtime wires chronodb's collaborators into a single value that
// is threaded explicitly through requests, instead of relying on
// package-level globals: logger, cluster membership, the set of
// per-pool replicators, and the grammar dispatch registry.
package runtime

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/chronodb/chronodb/internal/dispatch"
	"github.com/chronodb/chronodb/internal/fifo"
	"github.com/chronodb/chronodb/internal/query"
	"github.com/chronodb/chronodb/internal/replicate"
	"github.com/chronodb/chronodb/pkg/cluster"
)

// Config holds the process-level settings a Runtime is built from. It is
// populated by cmd/chronod from flags/env/file via viper and passed to New.
type Config struct {
	DataDir            string
	PoolID             uint16
	ReplicationTimeout int // seconds
	Peers              []string
}

// Runtime is the single value every request handler receives instead of
// reaching for package-level state. It owns the cluster's pool set, the
// grammar dispatch registry, and one Replicator per local pool membership.
type Runtime struct {
	Log      *zap.SugaredLogger
	Config   Config
	Registry *dispatch.Registry

	mu          sync.RWMutex
	pools       *cluster.Set
	replicators map[uint16]*replicate.Replicator
}

// New builds a Runtime with a default-configured zap logger and an empty
// dispatch registry populated with the built-in statement handlers.
func New(cfg Config) (*Runtime, error) {
	zl, err := zap.NewProduction()
	if err != nil {
		return nil, fmt.Errorf("runtime: build logger: %w", err)
	}
	reg := dispatch.NewRegistry()
	dispatch.RegisterDefaults(reg)
	return &Runtime{
		Log:         zl.Sugar(),
		Config:      cfg,
		Registry:    reg,
		replicators: make(map[uint16]*replicate.Replicator),
	}, nil
}

// SetPools installs the current cluster membership snapshot. Callers
// rebuild a new Set (e.g. via cluster.NewSet) on every membership change
// and swap it in here rather than mutating the live Set in place.
func (rt *Runtime) SetPools(set *cluster.Set) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.pools = set
}

// Pools returns the current cluster membership snapshot, or nil if none has
// been installed yet.
func (rt *Runtime) Pools() *cluster.Set {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return rt.pools
}

// StartReplicator opens (or reopens) the FIFO backing poolID's replication
// queue under Config.DataDir, constructs a Replicator against replica, and
// starts it. Safe to call again after StopReplicator for the same pool.
func (rt *Runtime) StartReplicator(poolID uint16, replica *cluster.Server) (*replicate.Replicator, error) {
	dir := filepath.Join(rt.Config.DataDir, fmt.Sprintf("pool-%d", poolID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("runtime: create pool dir: %w", err)
	}
	f, err := fifo.New(dir)
	if err != nil {
		return nil, fmt.Errorf("runtime: open fifo for pool %d: %w", poolID, err)
	}

	r := replicate.New(dir, f, replica, rt.Log)
	if err := r.Start(); err != nil {
		return nil, fmt.Errorf("runtime: start replicator for pool %d: %w", poolID, err)
	}

	rt.mu.Lock()
	rt.replicators[poolID] = r
	rt.mu.Unlock()
	return r, nil
}

// Replicator returns the running replicator for poolID, if any.
func (rt *Runtime) Replicator(poolID uint16) (*replicate.Replicator, bool) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	r, ok := rt.replicators[poolID]
	return r, ok
}

// StopReplicator closes the replicator for poolID, if running.
func (rt *Runtime) StopReplicator(poolID uint16) {
	rt.mu.Lock()
	r, ok := rt.replicators[poolID]
	delete(rt.replicators, poolID)
	rt.mu.Unlock()
	if ok {
		r.Close()
	}
}

// RunQuery drives a single parsed statement through the dispatch registry,
// attributing its fan-out to this Runtime's current pool set.
func (rt *Runtime) RunQuery(ctx context.Context, q *query.Query, store dispatch.LocalStore, user dispatch.UserEntity) error {
	dctx := dispatch.NewContext(q, store, rt.Pools(), user, rt.Log)
	if err := dispatch.Walk(rt.Registry, dctx); err != nil {
		q.Fail(err.Error())
		return err
	}
	return nil
}

// Close shuts down every running replicator and flushes the logger.
func (rt *Runtime) Close() {
	rt.mu.Lock()
	replicators := rt.replicators
	rt.replicators = make(map[uint16]*replicate.Replicator)
	rt.mu.Unlock()

	for _, r := range replicators {
		r.Close()
	}
	_ = rt.Log.Sync()
}
