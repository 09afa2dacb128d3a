package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/google/uuid"
)

// ErrActionInFlight an action for the same key is still running
var ErrActionInFlight = errors.New("action already in flight")

// EphemeralTrigger fires one-shot actions through single use engine routes
type EphemeralTrigger interface {
	// Fire run an action once through a temporary route and wait for it or the timeout.
	// The route is removed on every exit path.
	Fire(ctx context.Context, key string, action Action) error
	// FireAsync run Fire in the background. Returns false when an action for the same key
	// is still in flight.
	FireAsync(ctx context.Context, key string, action Action) bool
	// InFlight whether an action for the key is running
	InFlight(key string) bool
	// Wait wait for all background actions to finish
	Wait()
}

// ephemeralTriggerImpl implements EphemeralTrigger
type ephemeralTriggerImpl struct {
	goutils.Component
	engine   Engine
	timeout  time.Duration
	lock     sync.Mutex
	inFlight map[string]bool
	wg       sync.WaitGroup
}

// GetEphemeralTrigger define a new ephemeral trigger
func GetEphemeralTrigger(
	name string, engine Engine, timeout time.Duration,
) (EphemeralTrigger, error) {
	if timeout <= 0 {
		return nil, fmt.Errorf("trigger timeout must be positive")
	}
	logTags := log.Fields{
		"module": "workflow", "component": "ephemeral-trigger", "instance": name,
	}
	return &ephemeralTriggerImpl{
		Component: goutils.Component{LogTags: logTags},
		engine:    engine,
		timeout:   timeout,
		inFlight:  make(map[string]bool),
	}, nil
}

func (t *ephemeralTriggerImpl) claim(key string) bool {
	t.lock.Lock()
	defer t.lock.Unlock()
	if t.inFlight[key] {
		return false
	}
	t.inFlight[key] = true
	return true
}

func (t *ephemeralTriggerImpl) release(key string) {
	t.lock.Lock()
	defer t.lock.Unlock()
	delete(t.inFlight, key)
}

// InFlight whether an action for the key is running
func (t *ephemeralTriggerImpl) InFlight(key string) bool {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.inFlight[key]
}

// Fire run an action once through a temporary route
func (t *ephemeralTriggerImpl) Fire(ctx context.Context, key string, action Action) error {
	if !t.claim(key) {
		return ErrActionInFlight
	}
	defer t.release(key)
	return t.fire(ctx, key, action)
}

func (t *ephemeralTriggerImpl) fire(ctx context.Context, key string, action Action) error {
	routeName := fmt.Sprintf("trigger-%s", uuid.NewString())
	if err := t.engine.AddRoute(routeName, action); err != nil {
		log.WithError(err).WithFields(t.LogTags).Errorf("Unable to add route for %s", key)
		return err
	}
	defer func() {
		if err := t.engine.RemoveRoute(routeName); err != nil {
			log.WithError(err).WithFields(t.LogTags).Errorf("Unable to remove route %s", routeName)
		}
	}()

	runCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	result, err := t.engine.Invoke(runCtx, routeName)
	if err != nil {
		log.WithError(err).WithFields(t.LogTags).Errorf("Unable to invoke route %s", routeName)
		return err
	}
	select {
	case err, ok := <-result:
		if ok && err != nil {
			log.WithError(err).WithFields(t.LogTags).Errorf("Action for %s failed", key)
			return err
		}
		log.WithFields(t.LogTags).Debugf("Action for %s complete", key)
		return nil
	case <-runCtx.Done():
		log.WithError(runCtx.Err()).WithFields(t.LogTags).Errorf(
			"Action for %s did not complete within %s", key, t.timeout,
		)
		return runCtx.Err()
	}
}

// FireAsync run Fire in the background
func (t *ephemeralTriggerImpl) FireAsync(ctx context.Context, key string, action Action) bool {
	if !t.claim(key) {
		log.WithFields(t.LogTags).Debugf("Action for %s already in flight", key)
		return false
	}
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer t.release(key)
		// Failures were logged by fire. The next health check decides what to do.
		_ = t.fire(ctx, key, action)
	}()
	return true
}

// Wait wait for all background actions to finish
func (t *ephemeralTriggerImpl) Wait() {
	t.wg.Wait()
}
