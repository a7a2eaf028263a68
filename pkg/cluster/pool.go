package cluster

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chronodb/chronodb/internal/promise"
)

// Pool is an ordered collection of servers replicating one partition of the
// series space. Invariant: every server in Servers has
// server.Pool == ID.
type Pool struct {
	ID      uint16
	Servers []*Server

	mu          sync.RWMutex
	replicaHint *Server
}

// AddServer appends server to the pool, asserting the membership invariant.
func (p *Pool) AddServer(s *Server) error {
	if s.Pool != p.ID {
		return fmt.Errorf("cluster: server %s has pool %d, expected %d", s.Name, s.Pool, p.ID)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Servers = append(p.Servers, s)
	return nil
}

// SetReplicaHint records which server in this pool is the replica target of
// the local server (only meaningful for the local pool).
func (p *Pool) SetReplicaHint(s *Server) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.replicaHint = s
}

// ReplicaHint returns the replica server, if any.
func (p *Pool) ReplicaHint() *Server {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.replicaHint
}

// Online reports whether at least one server in the pool is connected.
func (p *Pool) Online() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, s := range p.Servers {
		if s.IsConnected() {
			return true
		}
	}
	return false
}

// Available reports whether at least one server in the pool is connected
// AND authenticated.
func (p *Pool) Available() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, s := range p.Servers {
		if s.IsAvailable() {
			return true
		}
	}
	return false
}

// PickAvailable returns an available server from the pool, or nil if none.
func (p *Pool) PickAvailable() *Server {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, s := range p.Servers {
		if s.IsAvailable() {
			return s
		}
	}
	return nil
}

// Set is the ordered collection of all pools in the cluster. LocalPool identifies which pool the current server belongs
// to; "this" pool is always excluded from cross-pool iteration.
type Set struct {
	Pools     []*Pool
	LocalPool uint16
}

// NewSet builds pools from a flat server list with a two-pass construction:
// determine max_pool_id, allocate num_pools, then place each server
// (identifying the local pool's replica along the way).
//
// localServer identifies which Server in the list is this node; the caller
// receives (set, replica, error) where replica is the local pool's peer
// server, or nil if the local pool has only one member.
func NewSet(servers []*Server, localServer *Server) (*Set, *Server, error) {
	var maxPool uint16
	for _, s := range servers {
		if s.Pool > maxPool {
			maxPool = s.Pool
		}
	}
	numPools := maxPool + 1

	set := &Set{LocalPool: localServer.Pool}
	set.Pools = make([]*Pool, numPools)
	for i := range set.Pools {
		set.Pools[i] = &Pool{ID: uint16(i)}
	}

	var replica *Server
	for _, s := range servers {
		if int(s.Pool) >= len(set.Pools) {
			return nil, nil, fmt.Errorf("cluster: server %s has out-of-range pool %d", s.Name, s.Pool)
		}
		pool := set.Pools[s.Pool]
		if err := pool.AddServer(s); err != nil {
			return nil, nil, err
		}
		if s != localServer && s.Pool == localServer.Pool {
			replica = s
			pool.SetReplicaHint(s)
		}
	}

	return set, replica, nil
}

// NumPools returns the number of pools in the set.
func (set *Set) NumPools() int { return len(set.Pools) }

// Online reports whether every pool except the local one has at least one
// connected server.
func (set *Set) Online() bool {
	for _, p := range set.Pools {
		if p.ID == set.LocalPool {
			continue
		}
		if !p.Online() {
			return false
		}
	}
	return true
}

// Available reports whether every pool except the local one has at least
// one available server.
func (set *Set) Available() bool {
	for _, p := range set.Pools {
		if p.ID == set.LocalPool {
			continue
		}
		if !p.Available() {
			return false
		}
	}
	return true
}

// UnreachablePoolHandler is invoked when SendPkg finds no available server
// in a peer pool, without hard-coding a logging dependency into this
// package.
type UnreachablePoolHandler func(poolID uint16)

// SendPkg fans pkg out to one available server in every peer pool, allocating a promise.Set sized NumPools()-1. Pools with no
// available server contribute a skipped (nil) slot. The aggregate callback
// fires exactly once after every slot settles.
func (set *Set) SendPkg(
	ctx context.Context,
	pkg Packet,
	timeout time.Duration,
	cb promise.SetCallback,
	userData interface{},
	onUnreachable UnreachablePoolHandler,
) *promise.Set {
	n := len(set.Pools) - 1
	if n < 0 {
		n = 0
	}
	ps := promise.NewSet(n, cb, userData)

	slot := 0
	for _, pool := range set.Pools {
		if pool.ID == set.LocalPool {
			continue
		}
		i := slot
		slot++

		srv := pool.PickAvailable()
		if srv == nil {
			if onUnreachable != nil {
				onUnreachable(pool.ID)
			}
			ps.Skip(i)
			continue
		}
		srv.SendPkg(ctx, pkg, timeout, ps.OnResponse(i))
	}
	return ps
}
