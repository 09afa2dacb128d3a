package workflow

import (
	"context"
	"fmt"
	"sync"

	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/gammazero/workerpool"
)

// Action a unit of work executed by the engine
type Action func(ctx context.Context) error

// Engine a table of named routes executed on a worker pool
type Engine interface {
	// AddRoute register a named route
	AddRoute(name string, action Action) error
	// RemoveRoute deregister a named route
	RemoveRoute(name string) error
	// Invoke execute a route once. The returned channel receives the route's result.
	Invoke(ctx context.Context, name string) (<-chan error, error)
	// RouteCount number of registered routes
	RouteCount() int
	// Stop wait for running routes, then stop the workers
	Stop()
}

// engineImpl implements Engine
type engineImpl struct {
	goutils.Component
	pool   *workerpool.WorkerPool
	lock   sync.RWMutex
	routes map[string]Action
}

// GetEngineInstance define a new workflow engine
func GetEngineInstance(name string, workers int) (Engine, error) {
	if workers < 1 {
		return nil, fmt.Errorf("workflow engine needs at least one worker")
	}
	logTags := log.Fields{
		"module": "workflow", "component": "engine", "instance": name,
	}
	return &engineImpl{
		Component: goutils.Component{LogTags: logTags},
		pool:      workerpool.New(workers),
		routes:    make(map[string]Action),
	}, nil
}

// AddRoute register a named route
func (e *engineImpl) AddRoute(name string, action Action) error {
	e.lock.Lock()
	defer e.lock.Unlock()
	if _, ok := e.routes[name]; ok {
		return fmt.Errorf("route %s already registered", name)
	}
	e.routes[name] = action
	log.WithFields(e.LogTags).Debugf("Added route %s", name)
	return nil
}

// RemoveRoute deregister a named route
func (e *engineImpl) RemoveRoute(name string) error {
	e.lock.Lock()
	defer e.lock.Unlock()
	if _, ok := e.routes[name]; !ok {
		return fmt.Errorf("route %s not registered", name)
	}
	delete(e.routes, name)
	log.WithFields(e.LogTags).Debugf("Removed route %s", name)
	return nil
}

// Invoke execute a route once
func (e *engineImpl) Invoke(ctx context.Context, name string) (<-chan error, error) {
	e.lock.RLock()
	action, ok := e.routes[name]
	e.lock.RUnlock()
	if !ok {
		return nil, fmt.Errorf("route %s not registered", name)
	}
	if e.pool.Stopped() {
		return nil, fmt.Errorf("workflow engine stopped")
	}
	result := make(chan error, 1)
	e.pool.Submit(func() {
		defer close(result)
		if err := ctx.Err(); err != nil {
			result <- err
			return
		}
		result <- action(ctx)
	})
	return result, nil
}

// RouteCount number of registered routes
func (e *engineImpl) RouteCount() int {
	e.lock.RLock()
	defer e.lock.RUnlock()
	return len(e.routes)
}

// Stop wait for running routes, then stop the workers
func (e *engineImpl) Stop() {
	log.WithFields(e.LogTags).Info("Stopping workflow engine")
	e.pool.StopWait()
}
