package cluster

import (
	"context"
	"sync"

	"github.com/alwitt/goutils"
	"github.com/apex/log"
)

// LeaderLease leadership over one named task
type LeaderLease interface {
	// Hold make sure this instance holds the lease, acquiring or renewing it as needed
	Hold(ctx context.Context) (bool, error)
	// Release give up the lease so another instance can take over
	Release(ctx context.Context) error
	// Held whether this instance held the lease at the last check
	Held() bool
}

// leaderLeaseImpl implements LeaderLease
type leaderLeaseImpl struct {
	goutils.Component
	coordinator Coordinator
	key         string
	lock        sync.Mutex
	held        bool
}

// DefineLeaderLease define a leadership lease over a coordinator key
func DefineLeaderLease(coordinator Coordinator, key string) LeaderLease {
	logTags := log.Fields{
		"module":    "cluster",
		"component": "leader-lease",
		"instance":  coordinator.Instance(),
		"lease":     key,
	}
	return &leaderLeaseImpl{
		Component:   goutils.Component{LogTags: logTags},
		coordinator: coordinator,
		key:         key,
	}
}

// Hold acquire or renew the lease
func (l *leaderLeaseImpl) Hold(ctx context.Context) (bool, error) {
	l.lock.Lock()
	defer l.lock.Unlock()
	if l.held {
		renewed, err := l.coordinator.Renew(ctx, l.key)
		if err == nil && renewed {
			return true, nil
		}
		// Stop acting as leader before anyone else can take over
		l.held = false
		if err != nil {
			log.WithError(err).WithFields(l.LogTags).Error("Lease renewal failed")
			return false, err
		}
		log.WithFields(l.LogTags).Warn("Lease lost")
	}
	acquired, err := l.coordinator.TryLock(ctx, l.key)
	if err != nil {
		log.WithError(err).WithFields(l.LogTags).Error("Lease acquisition failed")
		return false, err
	}
	if acquired {
		log.WithFields(l.LogTags).Info("Acquired leadership")
	}
	l.held = acquired
	return acquired, nil
}

// Release give up the lease
func (l *leaderLeaseImpl) Release(ctx context.Context) error {
	l.lock.Lock()
	defer l.lock.Unlock()
	if !l.held {
		return nil
	}
	l.held = false
	log.WithFields(l.LogTags).Info("Releasing leadership")
	return l.coordinator.Unlock(ctx, l.key)
}

// Held whether this instance held the lease at the last check
func (l *leaderLeaseImpl) Held() bool {
	l.lock.Lock()
	defer l.lock.Unlock()
	return l.held
}
