package lifecycle

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/sirimux/adapter"
	"github.com/alwitt/sirimux/cluster"
	"github.com/alwitt/sirimux/common"
	"github.com/alwitt/sirimux/metrics"
	"github.com/alwitt/sirimux/siri"
	"github.com/alwitt/sirimux/subscription"
	"github.com/alwitt/sirimux/workflow"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

const healthCheckKey = "sirimux.healthcheck"

// fakeBuilder records fired actions. Starts acknowledge, cancels remove.
type fakeBuilder struct {
	registry subscription.Registry
	gate     chan struct{}
	lock     sync.Mutex
	starts   []string
	cancels  []string
}

func (b *fakeBuilder) BuildWorkflow(record subscription.Record) adapter.ActionSet {
	return adapter.ActionSet{
		Start: func(ctx context.Context) error {
			if b.gate != nil {
				select {
				case <-b.gate:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			b.lock.Lock()
			b.starts = append(b.starts, record.SubscriptionID)
			b.lock.Unlock()
			b.registry.MarkStartAcknowledged(record.SubscriptionID)
			return nil
		},
		Cancel: func(ctx context.Context) error {
			b.lock.Lock()
			b.cancels = append(b.cancels, record.SubscriptionID)
			b.lock.Unlock()
			b.registry.Remove(record.SubscriptionID)
			return nil
		},
	}
}

func (b *fakeBuilder) startCount() int {
	b.lock.Lock()
	defer b.lock.Unlock()
	return len(b.starts)
}

func (b *fakeBuilder) cancelled() []string {
	b.lock.Lock()
	defer b.lock.Unlock()
	return append([]string{}, b.cancels...)
}

func testRecord(internalID int64) subscription.Record {
	return subscription.Record{
		InternalID:           internalID,
		SubscriptionID:       uuid.NewString(),
		Vendor:               fmt.Sprintf("vendor-%d", internalID),
		DatasetID:            "RUT",
		DataType:             subscription.EstimatedTimetable,
		Transport:            subscription.TransportREST,
		Version:              subscription.Version20,
		Mode:                 subscription.ModeSubscribe,
		HeartbeatInterval:    time.Minute,
		SubscriptionDuration: time.Hour,
		Endpoints: map[subscription.Operation]string{
			subscription.OpSubscribe:          "http://provider/subscribe",
			subscription.OpDeleteSubscription: "http://provider/delete",
		},
		Active:       true,
		RequestorRef: "sirimux-ut",
	}
}

type supervisorFixture struct {
	clock      *common.ManualClock
	registry   subscription.Registry
	table      *cluster.LocalLeaseTable
	engine     workflow.Engine
	trigger    workflow.EphemeralTrigger
	supervisor HealthSupervisor
	cancel     context.CancelFunc
	wg         *sync.WaitGroup
}

func (f *supervisorFixture) close() {
	f.trigger.Wait()
	f.cancel()
	f.wg.Wait()
	f.engine.Stop()
}

func newSupervisorFixture(
	t *testing.T, builder func(registry subscription.Registry) WorkflowBuilder,
) *supervisorFixture {
	clock := common.NewManualClock(time.Date(2022, 5, 1, 12, 0, 0, 0, time.UTC))
	registry := subscription.DefineRegistry("ut", clock)
	engine, err := workflow.GetEngineInstance("ut", 4)
	assert.Nil(t, err)
	trigger, err := workflow.GetEphemeralTrigger("ut", engine, time.Second*5)
	assert.Nil(t, err)
	table := cluster.DefineLocalLeaseTable(time.Minute, clock)
	ctxt, cancel := context.WithCancel(context.Background())
	wg := &sync.WaitGroup{}
	supervisor, err := GetHealthSupervisor("ut", ctxt, wg, HealthSupervisorParams{
		Registry:     registry,
		Builder:      builder(registry),
		Trigger:      trigger,
		Coordinator:  cluster.GetLocalCoordinator("ut-0", table),
		Clock:        clock,
		LockKey:      healthCheckKey,
		TickInterval: time.Second * 5,
		RunInterval:  time.Second * 30,
	})
	assert.Nil(t, err)
	return &supervisorFixture{
		clock:      clock,
		registry:   registry,
		table:      table,
		engine:     engine,
		trigger:    trigger,
		supervisor: supervisor,
		cancel:     cancel,
		wg:         wg,
	}
}

func TestActivityNotifier(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	clock := common.NewManualClock(time.Date(2022, 5, 1, 12, 0, 0, 0, time.UTC))
	registry := subscription.DefineRegistry("ut", clock)
	uut := DefineActivityNotifier("ut", registry)

	record := testRecord(1)
	assert.True(registry.Register(record))

	// Case 0: activity on a Pending record does not activate it
	assert.False(uut.NotifySubscriptionID(record.SubscriptionID))
	assert.True(registry.IsPending(record.SubscriptionID))

	// Case 1: confirmation activates
	assert.True(uut.ConfirmSubscription(record.SubscriptionID))
	assert.True(registry.IsActive(record.SubscriptionID))

	// Case 2: activity refreshes the Active record
	clock.Advance(time.Minute * 2)
	assert.True(uut.NotifySubscriptionID(record.SubscriptionID))
	entry, ok := registry.Get(record.SubscriptionID)
	assert.True(ok)
	assert.Equal(clock.Now(), entry.Status.LastActivity)

	// Case 3: repeated confirmation counts as activity
	clock.Advance(time.Minute)
	assert.True(uut.ConfirmSubscription(record.SubscriptionID))

	// Case 4: unknown subscription
	assert.False(uut.NotifySubscriptionID(uuid.NewString()))
	assert.False(uut.ConfirmSubscription(uuid.NewString()))
}

func TestSupervisorSingleStartPerPass(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	var builder *fakeBuilder
	fixture := newSupervisorFixture(t, func(registry subscription.Registry) WorkflowBuilder {
		builder = &fakeBuilder{registry: registry}
		return builder
	})
	defer fixture.close()

	records := []subscription.Record{}
	for idx := int64(1); idx <= 5; idx++ {
		record := testRecord(idx)
		assert.True(fixture.registry.Register(record))
		records = append(records, record)
	}
	// Every record is past its health threshold
	fixture.clock.Advance(time.Minute * 10)
	for _, record := range records {
		assert.False(fixture.registry.IsHealthy(record.SubscriptionID))
	}

	// Case 0: one pass starts exactly one
	report := fixture.supervisor.RunPass(context.Background())
	assert.Len(report.Started, 1)
	assert.Equal(records[0].SubscriptionID, report.Started[0])
	fixture.trigger.Wait()
	assert.Equal(1, builder.startCount())

	// Case 1: the acknowledged record is awaiting, the next pass starts the next one
	report = fixture.supervisor.RunPass(context.Background())
	assert.Len(report.Started, 1)
	assert.Equal(records[1].SubscriptionID, report.Started[0])
	assert.Empty(report.Cancelled)
	fixture.trigger.Wait()

	// Case 2: the remaining three need three more passes
	for idx := 2; idx < 5; idx++ {
		report = fixture.supervisor.RunPass(context.Background())
		assert.Equal([]string{records[idx].SubscriptionID}, report.Started)
		fixture.trigger.Wait()
	}
	assert.Equal(5, builder.startCount())

	// Case 3: nothing left to start
	report = fixture.supervisor.RunPass(context.Background())
	assert.Empty(report.Started)
}

func TestSupervisorSkipsInFlight(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	var builder *fakeBuilder
	fixture := newSupervisorFixture(t, func(registry subscription.Registry) WorkflowBuilder {
		builder = &fakeBuilder{registry: registry, gate: make(chan struct{})}
		return builder
	})
	defer fixture.close()

	record := testRecord(1)
	assert.True(fixture.registry.Register(record))
	inactive := testRecord(2)
	inactive.Active = false
	assert.True(fixture.registry.Register(inactive))

	// Case 0: start fired and held open
	report := fixture.supervisor.RunPass(context.Background())
	assert.Equal([]string{record.SubscriptionID}, report.Started)
	assert.True(fixture.trigger.InFlight("1"))

	// Case 1: another pass leaves the in-flight record alone and never starts the inactive one
	report = fixture.supervisor.RunPass(context.Background())
	assert.Empty(report.Started)
	assert.Empty(report.Cancelled)

	// Case 2: once the start completes the record awaits confirmation
	close(builder.gate)
	fixture.trigger.Wait()
	entry, ok := fixture.registry.Get(record.SubscriptionID)
	assert.True(ok)
	assert.True(entry.Status.AwaitingConfirmation)
	assert.Equal(1, builder.startCount())
}

func TestSupervisorConfirmationTimeout(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	var builder *fakeBuilder
	fixture := newSupervisorFixture(t, func(registry subscription.Registry) WorkflowBuilder {
		builder = &fakeBuilder{registry: registry}
		return builder
	})
	defer fixture.close()

	record := testRecord(1)
	assert.True(fixture.registry.Register(record))
	assert.True(fixture.registry.MarkStartAcknowledged(record.SubscriptionID))

	// Case 0: still within the threshold
	fixture.clock.Advance(time.Second * 179)
	report := fixture.supervisor.RunPass(context.Background())
	assert.Empty(report.Started)
	assert.Empty(report.Cancelled)

	// Case 1: confirmation never came
	fixture.clock.Advance(time.Second * 2)
	report = fixture.supervisor.RunPass(context.Background())
	assert.Empty(report.Started)
	assert.Equal([]string{record.SubscriptionID}, report.Cancelled)
	fixture.trigger.Wait()
	assert.Equal([]string{record.SubscriptionID}, builder.cancelled())
}

func TestSupervisorActiveWalk(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	var builder *fakeBuilder
	fixture := newSupervisorFixture(t, func(registry subscription.Registry) WorkflowBuilder {
		builder = &fakeBuilder{registry: registry}
		return builder
	})
	defer fixture.close()

	healthy := testRecord(1)
	stale := testRecord(2)
	switchedOff := testRecord(3)
	for _, record := range []subscription.Record{healthy, stale, switchedOff} {
		assert.True(fixture.registry.Register(record))
		assert.True(fixture.registry.Activate(record.SubscriptionID))
	}
	fixture.clock.Advance(time.Minute * 4)
	assert.True(fixture.registry.Touch(healthy.SubscriptionID))
	assert.True(fixture.registry.Touch(switchedOff.SubscriptionID))
	assert.True(fixture.registry.SetOperatorIntent(switchedOff.SubscriptionID, false))

	// Case 0: stale and switched off records are cancelled
	report := fixture.supervisor.RunPass(context.Background())
	assert.ElementsMatch(
		[]string{stale.SubscriptionID, switchedOff.SubscriptionID}, report.Cancelled,
	)
	fixture.trigger.Wait()
	assert.True(fixture.registry.IsActive(healthy.SubscriptionID))
	assert.False(fixture.registry.IsRegistered(stale.SubscriptionID))
	assert.False(fixture.registry.IsRegistered(switchedOff.SubscriptionID))
}

func TestSupervisorDuplicates(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	var builder *fakeBuilder
	fixture := newSupervisorFixture(t, func(registry subscription.Registry) WorkflowBuilder {
		builder = &fakeBuilder{registry: registry}
		return builder
	})
	defer fixture.close()

	// Case 0: two Pending records for the same feed, the earliest survives
	{
		first := testRecord(42)
		first.Active = false
		second := testRecord(42)
		second.Active = false
		assert.True(fixture.registry.Register(first))
		assert.True(fixture.registry.Register(second))

		report := fixture.supervisor.RunPass(context.Background())
		assert.Equal([]string{second.SubscriptionID}, report.Duplicates)
		assert.True(fixture.registry.IsRegistered(first.SubscriptionID))
		assert.False(fixture.registry.IsRegistered(second.SubscriptionID))
		assert.Len(fixture.registry.GetByInternalID(42), 1)
	}

	// Case 1: a later Pending record never displaces the live Active one
	{
		live := testRecord(43)
		assert.True(fixture.registry.Register(live))
		assert.True(fixture.registry.Activate(live.SubscriptionID))
		later := testRecord(43)
		later.Active = false
		assert.True(fixture.registry.Register(later))

		report := fixture.supervisor.RunPass(context.Background())
		assert.Equal([]string{later.SubscriptionID}, report.Duplicates)
		assert.Empty(report.Cancelled)
		fixture.trigger.Wait()
		assert.True(fixture.registry.IsActive(live.SubscriptionID))
		assert.False(fixture.registry.IsRegistered(later.SubscriptionID))
		assert.NotContains(builder.cancelled(), live.SubscriptionID)
		assert.NotContains(builder.cancelled(), later.SubscriptionID)
	}

	// Case 2: a later duplicate the provider already serves is terminated upstream
	{
		live := testRecord(44)
		assert.True(fixture.registry.Register(live))
		assert.True(fixture.registry.Activate(live.SubscriptionID))
		later := testRecord(44)
		assert.True(fixture.registry.Register(later))
		assert.True(fixture.registry.Activate(later.SubscriptionID))

		report := fixture.supervisor.RunPass(context.Background())
		assert.Equal([]string{later.SubscriptionID}, report.Duplicates)
		assert.Empty(report.Cancelled)
		fixture.trigger.Wait()
		assert.True(fixture.registry.IsActive(live.SubscriptionID))
		assert.False(fixture.registry.IsRegistered(later.SubscriptionID))
		assert.Contains(builder.cancelled(), later.SubscriptionID)
		assert.NotContains(builder.cancelled(), live.SubscriptionID)
		assert.Len(fixture.registry.GetByInternalID(44), 1)
	}
}

func TestSupervisorTickCoordination(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	fixture := newSupervisorFixture(t, func(registry subscription.Registry) WorkflowBuilder {
		return &fakeBuilder{registry: registry}
	})
	defer fixture.close()

	peer := cluster.GetLocalCoordinator("ut-1", fixture.table)
	ctxt := context.Background()

	// Case 0: first tick runs
	ran, err := fixture.supervisor.Tick(ctxt)
	assert.Nil(err)
	assert.True(ran)
	lastRun, err := peer.LastRun(ctxt, healthCheckKey)
	assert.Nil(err)
	assert.Equal(fixture.clock.Now(), lastRun)

	// Case 1: within the run interval
	fixture.clock.Advance(time.Second * 10)
	ran, err = fixture.supervisor.Tick(ctxt)
	assert.Nil(err)
	assert.False(ran)

	// Case 2: another instance holds the lock
	fixture.clock.Advance(time.Second * 30)
	locked, err := peer.TryLock(ctxt, healthCheckKey)
	assert.Nil(err)
	assert.True(locked)
	ran, err = fixture.supervisor.Tick(ctxt)
	assert.Nil(err)
	assert.False(ran)

	// Case 3: a run by the other instance counts
	assert.Nil(peer.MarkRun(ctxt, healthCheckKey, fixture.clock.Now()))
	assert.Nil(peer.Unlock(ctxt, healthCheckKey))
	ran, err = fixture.supervisor.Tick(ctxt)
	assert.Nil(err)
	assert.False(ran)

	// Case 4: an expired lease does not wedge the check
	locked, err = peer.TryLock(ctxt, healthCheckKey)
	assert.Nil(err)
	assert.True(locked)
	fixture.clock.Advance(time.Minute * 2)
	ran, err = fixture.supervisor.Tick(ctxt)
	assert.Nil(err)
	assert.True(ran)

	// Case 5: watchdog
	stalled, err := fixture.supervisor.CheckWatchdog(ctxt)
	assert.Nil(err)
	assert.False(stalled)
	fixture.clock.Advance(time.Second * 91)
	stalled, err = fixture.supervisor.CheckWatchdog(ctxt)
	assert.Nil(err)
	assert.True(stalled)
}

func TestSupervisorPeriodicTick(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	clock := common.NewManualClock(time.Date(2022, 5, 1, 12, 0, 0, 0, time.UTC))
	registry := subscription.DefineRegistry("ut", clock)
	builder := &fakeBuilder{registry: registry}
	engine, err := workflow.GetEngineInstance("ut", 2)
	assert.Nil(err)
	defer engine.Stop()
	trigger, err := workflow.GetEphemeralTrigger("ut", engine, time.Second)
	assert.Nil(err)
	ctxt, cancel := context.WithCancel(context.Background())
	wg := &sync.WaitGroup{}
	defer wg.Wait()
	defer cancel()

	uut, err := GetHealthSupervisor("ut", ctxt, wg, HealthSupervisorParams{
		Registry:     registry,
		Builder:      builder,
		Trigger:      trigger,
		Coordinator:  cluster.GetLocalCoordinator("ut", cluster.DefineLocalLeaseTable(time.Minute, clock)),
		Clock:        clock,
		Metrics:      metrics.NewNoopCollector(),
		LockKey:      healthCheckKey,
		TickInterval: time.Millisecond * 10,
		RunInterval:  time.Second * 30,
	})
	assert.Nil(err)

	// Case 0: bad parameters
	_, err = GetHealthSupervisor("ut", ctxt, wg, HealthSupervisorParams{
		Registry: registry, Builder: builder, Trigger: trigger,
	})
	assert.NotNil(err)

	// Case 1: the first tick fires on start
	record := testRecord(1)
	assert.True(registry.Register(record))
	assert.Nil(uut.Start())
	assert.Eventually(func() bool {
		return builder.startCount() == 1
	}, time.Second, time.Millisecond*10)
	assert.Nil(uut.Stop())
	trigger.Wait()
}

// Feed X is confirmed, then goes silent until the health check replaces it
func TestSupervisorHeartbeatTimeoutResubscribes(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	lock := sync.Mutex{}
	calls := map[string]int{}
	provider := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		lock.Lock()
		calls[r.URL.Path]++
		lock.Unlock()
		if r.URL.Path == "/subscribe" {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`<Siri xmlns="http://www.siri.org.uk/siri" version="2.0">
<SubscriptionResponse><ResponseStatus><Status>true</Status></ResponseStatus>
</SubscriptionResponse></Siri>`))
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer provider.Close()
	callCount := func(path string) int {
		lock.Lock()
		defer lock.Unlock()
		return calls[path]
	}

	clock := common.NewManualClock(time.Date(2022, 5, 1, 12, 0, 0, 0, time.UTC))
	registry := subscription.DefineRegistry("ut", clock)
	engine, err := workflow.GetEngineInstance("ut", 2)
	assert.Nil(err)
	defer engine.Stop()
	trigger, err := workflow.GetEphemeralTrigger("ut", engine, time.Second*5)
	assert.Nil(err)
	sender, err := adapter.GetSender(
		"ut",
		&http.Client{},
		adapter.RetryPolicy{MaxAttempts: 1, InitialDelay: time.Millisecond},
		siri.EnvelopeTranscoder{},
		metrics.NewNoopCollector(),
	)
	assert.Nil(err)
	ctxt, cancel := context.WithCancel(context.Background())
	wg := &sync.WaitGroup{}
	defer wg.Wait()
	defer cancel()

	protocol, err := adapter.GetProtocolAdapter("ut", ctxt, wg, adapter.ProtocolAdapterParams{
		Registry:       registry,
		Notifier:       DefineActivityNotifier("ut", registry),
		Sender:         sender,
		InboundBaseURL: "http://127.0.0.1:8012",
		Clock:          clock,
	})
	assert.Nil(err)
	defer func() {
		_ = protocol.Stop()
	}()
	uut, err := GetHealthSupervisor("ut", ctxt, wg, HealthSupervisorParams{
		Registry:     registry,
		Builder:      protocol,
		Trigger:      trigger,
		Coordinator:  cluster.GetLocalCoordinator("ut", cluster.DefineLocalLeaseTable(time.Minute, clock)),
		Clock:        clock,
		LockKey:      healthCheckKey,
		TickInterval: time.Second * 5,
		RunInterval:  time.Second * 30,
	})
	assert.Nil(err)

	record := testRecord(7)
	record.HeartbeatNotifications = true
	record.Endpoints = map[subscription.Operation]string{
		subscription.OpSubscribe:          provider.URL + "/subscribe",
		subscription.OpDeleteSubscription: provider.URL + "/delete",
	}
	assert.True(registry.Register(record))

	// Case 0: started and confirmed at t=0
	report := uut.RunPass(ctxt)
	assert.Equal([]string{record.SubscriptionID}, report.Started)
	trigger.Wait()
	assert.Equal(1, callCount("/subscribe"))
	assert.True(registry.IsActive(record.SubscriptionID))

	// Case 1: t=61s, no heartbeat yet, still healthy
	clock.Advance(time.Second * 61)
	assert.True(registry.IsHealthy(record.SubscriptionID))
	report = uut.RunPass(ctxt)
	assert.Empty(report.Cancelled)

	// Case 2: t=181s, unhealthy, cancelled and registered again
	clock.Advance(time.Second * 120)
	assert.False(registry.IsHealthy(record.SubscriptionID))
	report = uut.RunPass(ctxt)
	assert.Equal([]string{record.SubscriptionID}, report.Cancelled)
	trigger.Wait()
	assert.Equal(1, callCount("/delete"))
	assert.False(registry.IsRegistered(record.SubscriptionID))
	entries := registry.GetByInternalID(7)
	assert.Len(entries, 1)
	replacement := entries[0]
	assert.NotEqual(record.SubscriptionID, replacement.Record.SubscriptionID)
	assert.Equal(subscription.StatePending, replacement.Status.State)
	assert.True(replacement.Record.Active)

	// Case 3: the replacement is started on the next pass
	report = uut.RunPass(ctxt)
	assert.Equal([]string{replacement.Record.SubscriptionID}, report.Started)
	trigger.Wait()
	assert.Equal(2, callCount("/subscribe"))
	assert.True(registry.IsActive(replacement.Record.SubscriptionID))
}
