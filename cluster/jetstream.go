package cluster

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/alwitt/goutils"
	"github.com/alwitt/sirimux/core"
	"github.com/apex/log"
	"github.com/nats-io/nats.go"
)

// errKeyNotFound the key does not exist in the store
var errKeyNotFound = errors.New("key not found")

// kvStore the subset of a revisioned key-value bucket the coordinator needs
type kvStore interface {
	Get(key string) ([]byte, uint64, error)
	Create(key string, value []byte) (uint64, error)
	Update(key string, value []byte, last uint64) (uint64, error)
	Put(key string, value []byte) (uint64, error)
	Delete(key string) error
}

// natsKVStore kvStore over a JetStream KV bucket
type natsKVStore struct {
	kv nats.KeyValue
}

func (s natsKVStore) Get(key string) ([]byte, uint64, error) {
	entry, err := s.kv.Get(key)
	if err != nil {
		if errors.Is(err, nats.ErrKeyNotFound) {
			return nil, 0, errKeyNotFound
		}
		return nil, 0, err
	}
	return entry.Value(), entry.Revision(), nil
}

func (s natsKVStore) Create(key string, value []byte) (uint64, error) {
	return s.kv.Create(key, value)
}

func (s natsKVStore) Update(key string, value []byte, last uint64) (uint64, error) {
	return s.kv.Update(key, value, last)
}

func (s natsKVStore) Put(key string, value []byte) (uint64, error) {
	return s.kv.Put(key, value)
}

func (s natsKVStore) Delete(key string) error {
	return s.kv.Delete(key)
}

// kvCoordinatorImpl implements Coordinator over revisioned KV stores
//
// The lock store expires entries after the lease TTL.
type kvCoordinatorImpl struct {
	goutils.Component
	instance string
	locks    kvStore
	state    kvStore
}

// GetJetStreamCoordinator define a coordinator backed by JetStream KV buckets
//
// The lock bucket is created with a max age of ttl. Every acquire or renew writes a new
// revision, restarting the lease.
func GetJetStreamCoordinator(
	client *core.NatsClient, instance, lockBucket, stateBucket string, ttl time.Duration,
) (Coordinator, error) {
	locks, err := client.KeyValue(lockBucket, ttl)
	if err != nil {
		return nil, fmt.Errorf("unable to prepare lock bucket %s: %w", lockBucket, err)
	}
	state, err := client.KeyValue(stateBucket, 0)
	if err != nil {
		return nil, fmt.Errorf("unable to prepare state bucket %s: %w", stateBucket, err)
	}
	return defineKVCoordinator(instance, natsKVStore{kv: locks}, natsKVStore{kv: state}), nil
}

func defineKVCoordinator(instance string, locks, state kvStore) Coordinator {
	logTags := log.Fields{
		"module": "cluster", "component": "kv-coordinator", "instance": instance,
	}
	return &kvCoordinatorImpl{
		Component: goutils.Component{LogTags: logTags},
		instance:  instance,
		locks:     locks,
		state:     state,
	}
}

// Instance name of this instance
func (c *kvCoordinatorImpl) Instance() string {
	return c.instance
}

// TryLock acquire a lease without blocking
func (c *kvCoordinatorImpl) TryLock(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if _, err := c.locks.Create(key, []byte(c.instance)); err == nil {
		log.WithFields(c.LogTags).Debugf("Acquired lease %s", key)
		return true, nil
	}
	// Either someone holds it, or it is us
	owner, revision, err := c.locks.Get(key)
	if err != nil {
		if errors.Is(err, errKeyNotFound) {
			// Released between the two calls. Try again on the next round.
			return false, nil
		}
		log.WithError(err).WithFields(c.LogTags).Errorf("Unable to read lease %s", key)
		return false, err
	}
	if string(owner) != c.instance {
		log.WithFields(c.LogTags).Debugf("Lease %s held by %s", key, owner)
		return false, nil
	}
	if _, err := c.locks.Update(key, []byte(c.instance), revision); err != nil {
		log.WithError(err).WithFields(c.LogTags).Debugf("Lost lease %s while renewing", key)
		return false, nil
	}
	return true, nil
}

// Renew extend a lease held by this instance
func (c *kvCoordinatorImpl) Renew(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	owner, revision, err := c.locks.Get(key)
	if err != nil {
		if errors.Is(err, errKeyNotFound) {
			return false, nil
		}
		log.WithError(err).WithFields(c.LogTags).Errorf("Unable to read lease %s", key)
		return false, err
	}
	if string(owner) != c.instance {
		return false, nil
	}
	if _, err := c.locks.Update(key, []byte(c.instance), revision); err != nil {
		log.WithError(err).WithFields(c.LogTags).Debugf("Lost lease %s while renewing", key)
		return false, nil
	}
	return true, nil
}

// Unlock release a lease held by this instance
func (c *kvCoordinatorImpl) Unlock(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	owner, _, err := c.locks.Get(key)
	if err != nil {
		if errors.Is(err, errKeyNotFound) {
			return nil
		}
		return err
	}
	if string(owner) != c.instance {
		return nil
	}
	if err := c.locks.Delete(key); err != nil {
		log.WithError(err).WithFields(c.LogTags).Errorf("Unable to release lease %s", key)
		return err
	}
	log.WithFields(c.LogTags).Debugf("Released lease %s", key)
	return nil
}

// LastRun read a shared timestamp
func (c *kvCoordinatorImpl) LastRun(ctx context.Context, key string) (time.Time, error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, err
	}
	value, _, err := c.state.Get(key)
	if err != nil {
		if errors.Is(err, errKeyNotFound) {
			return time.Time{}, nil
		}
		return time.Time{}, err
	}
	ts, err := time.Parse(time.RFC3339Nano, string(value))
	if err != nil {
		return time.Time{}, fmt.Errorf("unable to parse timestamp %s: %w", key, err)
	}
	return ts, nil
}

// MarkRun write a shared timestamp
func (c *kvCoordinatorImpl) MarkRun(ctx context.Context, key string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := c.state.Put(key, []byte(at.UTC().Format(time.RFC3339Nano)))
	return err
}
