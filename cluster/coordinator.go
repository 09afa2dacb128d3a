package cluster

import (
	"context"
	"sync"
	"time"

	"github.com/alwitt/goutils"
	"github.com/alwitt/sirimux/common"
	"github.com/apex/log"
)

// Coordinator cluster wide named leases and shared timestamps
type Coordinator interface {
	// TryLock acquire a lease without blocking. Acquiring a lease already held by this
	// instance renews it.
	TryLock(ctx context.Context, key string) (bool, error)
	// Renew extend a lease held by this instance
	Renew(ctx context.Context, key string) (bool, error)
	// Unlock release a lease held by this instance
	Unlock(ctx context.Context, key string) error
	// LastRun read a shared timestamp. The zero time is returned if never set.
	LastRun(ctx context.Context, key string) (time.Time, error)
	// MarkRun write a shared timestamp
	MarkRun(ctx context.Context, key string, at time.Time) error
	// Instance name of this instance
	Instance() string
}

// ========================================================================================
// In-process coordinator

type localLease struct {
	owner   string
	expires time.Time
}

// LocalLeaseTable lease and timestamp storage shared by in-process coordinators
type LocalLeaseTable struct {
	ttl        time.Duration
	clock      common.Clock
	lock       sync.Mutex
	leases     map[string]localLease
	timestamps map[string]time.Time
}

// DefineLocalLeaseTable define a new in-process lease table
func DefineLocalLeaseTable(ttl time.Duration, clock common.Clock) *LocalLeaseTable {
	return &LocalLeaseTable{
		ttl:        ttl,
		clock:      clock,
		leases:     make(map[string]localLease),
		timestamps: make(map[string]time.Time),
	}
}

// localCoordinatorImpl implements Coordinator in-process
type localCoordinatorImpl struct {
	goutils.Component
	instance string
	table    *LocalLeaseTable
}

// GetLocalCoordinator define a coordinator backed by an in-process lease table
func GetLocalCoordinator(instance string, table *LocalLeaseTable) Coordinator {
	logTags := log.Fields{
		"module": "cluster", "component": "local-coordinator", "instance": instance,
	}
	return &localCoordinatorImpl{
		Component: goutils.Component{LogTags: logTags},
		instance:  instance,
		table:     table,
	}
}

// Instance name of this instance
func (c *localCoordinatorImpl) Instance() string {
	return c.instance
}

// TryLock acquire a lease without blocking
func (c *localCoordinatorImpl) TryLock(_ context.Context, key string) (bool, error) {
	c.table.lock.Lock()
	defer c.table.lock.Unlock()
	now := c.table.clock.Now()
	if current, ok := c.table.leases[key]; ok {
		if current.owner != c.instance && now.Before(current.expires) {
			log.WithFields(c.LogTags).Debugf("Lease %s held by %s", key, current.owner)
			return false, nil
		}
	}
	c.table.leases[key] = localLease{owner: c.instance, expires: now.Add(c.table.ttl)}
	return true, nil
}

// Renew extend a lease held by this instance
func (c *localCoordinatorImpl) Renew(_ context.Context, key string) (bool, error) {
	c.table.lock.Lock()
	defer c.table.lock.Unlock()
	now := c.table.clock.Now()
	current, ok := c.table.leases[key]
	if !ok || current.owner != c.instance || !now.Before(current.expires) {
		return false, nil
	}
	c.table.leases[key] = localLease{owner: c.instance, expires: now.Add(c.table.ttl)}
	return true, nil
}

// Unlock release a lease held by this instance
func (c *localCoordinatorImpl) Unlock(_ context.Context, key string) error {
	c.table.lock.Lock()
	defer c.table.lock.Unlock()
	if current, ok := c.table.leases[key]; ok && current.owner == c.instance {
		delete(c.table.leases, key)
	}
	return nil
}

// LastRun read a shared timestamp
func (c *localCoordinatorImpl) LastRun(_ context.Context, key string) (time.Time, error) {
	c.table.lock.Lock()
	defer c.table.lock.Unlock()
	return c.table.timestamps[key], nil
}

// MarkRun write a shared timestamp
func (c *localCoordinatorImpl) MarkRun(_ context.Context, key string, at time.Time) error {
	c.table.lock.Lock()
	defer c.table.lock.Unlock()
	c.table.timestamps[key] = at
	return nil
}
