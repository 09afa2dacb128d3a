package lifecycle

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/alwitt/goutils"
	"github.com/alwitt/sirimux/adapter"
	"github.com/alwitt/sirimux/cluster"
	"github.com/alwitt/sirimux/common"
	"github.com/alwitt/sirimux/metrics"
	"github.com/alwitt/sirimux/subscription"
	"github.com/alwitt/sirimux/workflow"
	"github.com/apex/log"
)

// watchdogFactor number of run intervals without a health check before the watchdog complains
const watchdogFactor = 3

// WorkflowBuilder builds the actions driving a record
type WorkflowBuilder interface {
	BuildWorkflow(record subscription.Record) adapter.ActionSet
}

// PassReport what one health check pass did
type PassReport struct {
	// Started subscription IDs a start was triggered for
	Started []string
	// Cancelled subscription IDs a cancel was triggered for
	Cancelled []string
	// Duplicates subscription IDs removed as duplicates
	Duplicates []string
}

// HealthSupervisor periodically reconciles the registry with the providers
type HealthSupervisor interface {
	// Start begin the periodic health check and the watchdog
	Start() error
	// Stop stop the periodic health check and the watchdog
	Stop() error
	// Tick attempt one health check. Returns whether the check ran on this instance.
	Tick(ctx context.Context) (bool, error)
	// RunPass run one health check pass over the registry without cluster coordination
	RunPass(ctx context.Context) PassReport
	// CheckWatchdog whether the shared health check has stalled
	CheckWatchdog(ctx context.Context) (bool, error)
}

// HealthSupervisorParams collaborators and timing of the health supervisor
type HealthSupervisorParams struct {
	// Registry the subscription registry
	Registry subscription.Registry
	// Builder builds the start / cancel actions
	Builder WorkflowBuilder
	// Trigger fires the actions
	Trigger workflow.EphemeralTrigger
	// Coordinator cluster coordinator guarding the health check
	Coordinator cluster.Coordinator
	// Clock time source
	Clock common.Clock
	// Metrics metrics collector
	Metrics metrics.Collector
	// LockKey cluster lock and timestamp key of the health check
	LockKey string
	// TickInterval how often the supervisor wakes up
	TickInterval time.Duration
	// RunInterval min duration between two health checks across the cluster
	RunInterval time.Duration
}

// healthSupervisorImpl implements HealthSupervisor
type healthSupervisorImpl struct {
	goutils.Component
	HealthSupervisorParams
	rootCtxt context.Context
	tick     common.IntervalTimer
	watchdog common.IntervalTimer
}

// GetHealthSupervisor define a new health supervisor
func GetHealthSupervisor(
	name string, rootCtxt context.Context, wg *sync.WaitGroup, params HealthSupervisorParams,
) (HealthSupervisor, error) {
	if params.Registry == nil || params.Builder == nil || params.Trigger == nil {
		return nil, fmt.Errorf("health supervisor requires registry, builder and trigger")
	}
	if params.Coordinator == nil {
		return nil, fmt.Errorf("health supervisor requires a coordinator")
	}
	if params.TickInterval <= 0 || params.RunInterval <= 0 {
		return nil, fmt.Errorf("health supervisor intervals must be positive")
	}
	if params.LockKey == "" {
		return nil, fmt.Errorf("health supervisor requires a lock key")
	}
	if params.Clock == nil {
		params.Clock = common.RealClock{}
	}
	if params.Metrics == nil {
		params.Metrics = metrics.NewNoopCollector()
	}
	tick, err := common.GetIntervalTimerInstance(fmt.Sprintf("%s.tick", name), rootCtxt, wg)
	if err != nil {
		return nil, err
	}
	watchdog, err := common.GetIntervalTimerInstance(
		fmt.Sprintf("%s.watchdog", name), rootCtxt, wg,
	)
	if err != nil {
		return nil, err
	}
	logTags := log.Fields{
		"module": "lifecycle", "component": "health-supervisor", "instance": name,
	}
	return &healthSupervisorImpl{
		Component:              goutils.Component{LogTags: logTags},
		HealthSupervisorParams: params,
		rootCtxt:               rootCtxt,
		tick:                   tick,
		watchdog:               watchdog,
	}, nil
}

// Start begin the periodic health check and the watchdog
func (s *healthSupervisorImpl) Start() error {
	if err := s.tick.Start(s.TickInterval, func() error {
		_, err := s.Tick(s.rootCtxt)
		return err
	}, true); err != nil {
		return err
	}
	return s.watchdog.Start(s.RunInterval, func() error {
		_, err := s.CheckWatchdog(s.rootCtxt)
		return err
	}, false)
}

// Stop stop the periodic health check and the watchdog
func (s *healthSupervisorImpl) Stop() error {
	if err := s.tick.Stop(); err != nil {
		return err
	}
	return s.watchdog.Stop()
}

// Tick attempt one health check
//
// Only one instance in the cluster runs a check per run interval. The lock is never waited on.
func (s *healthSupervisorImpl) Tick(ctx context.Context) (bool, error) {
	locked, err := s.Coordinator.TryLock(ctx, s.LockKey)
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Unable to request health check lock")
		return false, err
	}
	if !locked {
		log.WithFields(s.LogTags).Debug("Health check already locked, skipping")
		return false, nil
	}
	defer func() {
		if err := s.Coordinator.Unlock(ctx, s.LockKey); err != nil {
			log.WithError(err).WithFields(s.LogTags).Error("Unable to release health check lock")
		}
	}()

	lastRun, err := s.Coordinator.LastRun(ctx, s.LockKey)
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Unable to read last health check time")
		return false, err
	}
	now := s.Clock.Now()
	if !lastRun.IsZero() && now.Sub(lastRun) < s.RunInterval {
		log.WithFields(s.LogTags).Debugf("Health check already handled at %s", lastRun)
		return false, nil
	}
	if err := s.Coordinator.MarkRun(ctx, s.LockKey, now); err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Unable to record health check time")
		return false, err
	}
	report := s.RunPass(ctx)
	log.WithFields(s.LogTags).Infof(
		"Health check complete: %d started, %d cancelled, %d duplicates",
		len(report.Started), len(report.Cancelled), len(report.Duplicates),
	)
	return true, nil
}

func actionKey(record subscription.Record) string {
	return strconv.FormatInt(record.InternalID, 10)
}

// duplicateKey action key of a removed duplicate, kept apart from the feed's own actions
func duplicateKey(record subscription.Record) string {
	return fmt.Sprintf("%d.%s", record.InternalID, record.SubscriptionID)
}

// RunPass run one health check pass
func (s *healthSupervisorImpl) RunPass(ctx context.Context) PassReport {
	report := PassReport{
		Started:    []string{},
		Cancelled:  []string{},
		Duplicates: []string{},
	}
	// Fired actions outlive the tick
	fireCtxt := s.rootCtxt
	cancel := func(record subscription.Record, reason string) {
		key := actionKey(record)
		actions := s.Builder.BuildWorkflow(record)
		log.WithFields(s.LogTags).Infof("Triggering cancel of %s: %s", record, reason)
		if s.Trigger.FireAsync(fireCtxt, key, instrument(s.Metrics, "cancel", actions.Cancel)) {
			report.Cancelled = append(report.Cancelled, record.SubscriptionID)
		}
	}

	pending := s.Registry.Pending()
	active := s.Registry.Active()

	// The earliest registration of an internal ID wins, whatever its state
	ordered := make([]subscription.Entry, 0, len(pending)+len(active))
	ordered = append(ordered, pending...)
	ordered = append(ordered, active...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Status.Sequence < ordered[j].Status.Sequence
	})
	seen := map[int64]string{}
	duplicates := map[string]subscription.Entry{}
	for _, entry := range ordered {
		record := entry.Record
		if first, ok := seen[record.InternalID]; ok {
			log.WithFields(s.LogTags).Warnf(
				"Subscription %s duplicates %s, removing", record, first,
			)
			report.Duplicates = append(report.Duplicates, record.SubscriptionID)
			duplicates[record.SubscriptionID] = entry
			continue
		}
		seen[record.InternalID] = record.SubscriptionID
	}

	started := false
	for _, entry := range pending {
		record := entry.Record
		if _, ok := duplicates[record.SubscriptionID]; ok {
			continue
		}
		if !record.Active || s.Trigger.InFlight(actionKey(record)) {
			continue
		}
		if entry.Status.AwaitingConfirmation {
			if !s.Registry.IsHealthy(record.SubscriptionID) {
				cancel(record, "no confirmation received")
			}
			continue
		}
		if started {
			continue
		}
		actions := s.Builder.BuildWorkflow(record)
		log.WithFields(s.LogTags).Infof("Triggering start of %s", record)
		if s.Trigger.FireAsync(
			fireCtxt, actionKey(record), instrument(s.Metrics, "start", actions.Start),
		) {
			report.Started = append(report.Started, record.SubscriptionID)
			started = true
		}
	}

	for _, entry := range active {
		record := entry.Record
		if _, ok := duplicates[record.SubscriptionID]; ok {
			continue
		}
		if s.Trigger.InFlight(actionKey(record)) {
			continue
		}
		if !record.Active {
			cancel(record, "stopped by operator")
			continue
		}
		if !s.Registry.IsHealthy(record.SubscriptionID) {
			cancel(record, "unhealthy")
		}
	}

	for _, subscriptionID := range report.Duplicates {
		entry := duplicates[subscriptionID]
		if !s.Registry.Remove(subscriptionID) {
			continue
		}
		// The provider may already serve a removed duplicate. Its cancel finds the record gone
		// and does not register it again.
		if entry.Status.State == subscription.StateActive || entry.Status.AwaitingConfirmation {
			actions := s.Builder.BuildWorkflow(entry.Record)
			log.WithFields(s.LogTags).Infof("Terminating duplicate %s", entry.Record)
			s.Trigger.FireAsync(
				fireCtxt, duplicateKey(entry.Record), instrument(s.Metrics, "cancel", actions.Cancel),
			)
		}
	}

	s.Metrics.SupervisorPass(len(report.Started), len(report.Cancelled), len(report.Duplicates))
	s.Metrics.RegistrySize(len(s.Registry.Pending()), len(s.Registry.Active()))
	return report
}

// CheckWatchdog whether the shared health check has stalled
func (s *healthSupervisorImpl) CheckWatchdog(ctx context.Context) (bool, error) {
	lastRun, err := s.Coordinator.LastRun(ctx, s.LockKey)
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Unable to read last health check time")
		return false, err
	}
	if lastRun.IsZero() {
		return false, nil
	}
	if s.Clock.Now().Sub(lastRun) > s.RunInterval*watchdogFactor {
		log.WithFields(s.LogTags).Errorf("Health check has stopped, last check at %s", lastRun)
		return true, nil
	}
	return false, nil
}

// instrument record the outcome of an action
func instrument(collector metrics.Collector, name string, action workflow.Action) workflow.Action {
	return func(ctx context.Context) error {
		err := action(ctx)
		collector.ActionFired(name, err)
		return err
	}
}
