package workflow

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

func TestEngineRoutes(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	uut, err := GetEngineInstance("ut-engine", 2)
	assert.Nil(err)
	defer uut.Stop()

	_, err = GetEngineInstance("ut-engine-broken", 0)
	assert.NotNil(err)

	counter := 0
	lock := sync.Mutex{}
	action := func(ctx context.Context) error {
		lock.Lock()
		defer lock.Unlock()
		counter++
		return nil
	}

	// Case 0: add and invoke
	assert.Nil(uut.AddRoute("route-a", action))
	assert.NotNil(uut.AddRoute("route-a", action))
	assert.Equal(1, uut.RouteCount())
	result, err := uut.Invoke(context.Background(), "route-a")
	assert.Nil(err)
	assert.Nil(<-result)
	lock.Lock()
	assert.Equal(1, counter)
	lock.Unlock()

	// Case 1: invoke unknown
	_, err = uut.Invoke(context.Background(), "route-b")
	assert.NotNil(err)

	// Case 2: action error is returned
	assert.Nil(uut.AddRoute("route-c", func(ctx context.Context) error {
		return fmt.Errorf("dummy error")
	}))
	result, err = uut.Invoke(context.Background(), "route-c")
	assert.Nil(err)
	assert.NotNil(<-result)

	// Case 3: invoking with a cancelled context does not run the action
	{
		ctxt, cancel := context.WithCancel(context.Background())
		cancel()
		result, err := uut.Invoke(ctxt, "route-a")
		assert.Nil(err)
		assert.NotNil(<-result)
		lock.Lock()
		assert.Equal(1, counter)
		lock.Unlock()
	}

	// Case 4: remove
	assert.Nil(uut.RemoveRoute("route-a"))
	assert.NotNil(uut.RemoveRoute("route-a"))
	assert.Nil(uut.RemoveRoute("route-c"))
	assert.Equal(0, uut.RouteCount())
}

func TestTriggerCleanup(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	engine, err := GetEngineInstance("ut-trigger-cleanup", 2)
	assert.Nil(err)
	defer engine.Stop()
	assert.Nil(engine.AddRoute("long-lived", func(ctx context.Context) error { return nil }))

	uut, err := GetEphemeralTrigger("ut-trigger-cleanup", engine, time.Millisecond*100)
	assert.Nil(err)
	before := engine.RouteCount()

	// Case 0: success
	{
		called := false
		assert.Nil(uut.Fire(context.Background(), "feed-1", func(ctx context.Context) error {
			called = true
			return nil
		}))
		assert.True(called)
		assert.Equal(before, engine.RouteCount())
	}

	// Case 1: failure
	{
		err := uut.Fire(context.Background(), "feed-1", func(ctx context.Context) error {
			return fmt.Errorf("connection refused")
		})
		assert.NotNil(err)
		assert.Equal(before, engine.RouteCount())
	}

	// Case 2: timeout
	{
		err := uut.Fire(context.Background(), "feed-1", func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		})
		assert.NotNil(err)
		assert.Equal(before, engine.RouteCount())
		assert.False(uut.InFlight("feed-1"))
	}

	// Case 3: concurrent fires for different keys are independent
	{
		wg := sync.WaitGroup{}
		for itr := 0; itr < 5; itr++ {
			wg.Add(1)
			go func(idx int) {
				defer wg.Done()
				_ = uut.Fire(context.Background(), fmt.Sprintf("feed-%d", idx), func(ctx context.Context) error {
					time.Sleep(time.Millisecond * 10)
					return nil
				})
			}(itr)
		}
		wg.Wait()
		assert.Equal(before, engine.RouteCount())
	}

	_, err = GetEphemeralTrigger("ut-trigger-broken", engine, 0)
	assert.NotNil(err)
}

func TestTriggerSingleInFlight(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	engine, err := GetEngineInstance("ut-trigger-inflight", 2)
	assert.Nil(err)
	defer engine.Stop()

	uut, err := GetEphemeralTrigger("ut-trigger-inflight", engine, time.Second)
	assert.Nil(err)

	release := make(chan bool)
	started := make(chan bool, 1)
	blocking := func(ctx context.Context) error {
		started <- true
		<-release
		return nil
	}

	// Case 0: first async fire accepted
	assert.True(uut.FireAsync(context.Background(), "feed-1", blocking))
	<-started
	assert.True(uut.InFlight("feed-1"))
	assert.Equal(1, engine.RouteCount())

	// Case 1: same key refused while in flight
	assert.False(uut.FireAsync(context.Background(), "feed-1", blocking))
	assert.Equal(ErrActionInFlight, uut.Fire(context.Background(), "feed-1", blocking))

	// Case 2: other key accepted
	assert.False(uut.InFlight("feed-2"))

	// Case 3: once complete, the key is free again
	close(release)
	uut.Wait()
	assert.False(uut.InFlight("feed-1"))
	assert.Equal(0, engine.RouteCount())
}
