package adapter

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/alwitt/goutils"
	"github.com/alwitt/sirimux/cluster"
	"github.com/alwitt/sirimux/common"
	"github.com/alwitt/sirimux/metrics"
	"github.com/alwitt/sirimux/pipeline"
	"github.com/alwitt/sirimux/siri"
	"github.com/alwitt/sirimux/subscription"
	"github.com/alwitt/sirimux/workflow"
	"github.com/apex/log"
	"github.com/google/uuid"
)

// defaultLeaseTTL poll lease TTL when no coordinator is given
const defaultLeaseTTL = time.Minute

// ActivityNotifier receives proof of life and confirmations for subscriptions
type ActivityNotifier interface {
	// NotifySubscriptionID record activity for a subscription
	NotifySubscriptionID(subscriptionID string) bool
	// ConfirmSubscription record that the provider confirmed a subscription
	ConfirmSubscription(subscriptionID string) bool
}

// ActionSet the actions driving one feed
type ActionSet struct {
	// Start establish the feed
	Start workflow.Action
	// Cancel tear down the feed. Once the provider answers, the record is removed and
	// registered again under a fresh subscription ID.
	Cancel workflow.Action
	// KeepAlive one liveness check round. Nil when the feed needs none.
	KeepAlive workflow.Action
}

// ProtocolAdapter translates records into provider interactions
type ProtocolAdapter interface {
	// BuildWorkflow build the actions for a record's mode
	BuildWorkflow(record subscription.Record) ActionSet
	// Receive process a payload a provider sent for a subscription. The vendor must match
	// the subscription's.
	Receive(
		ctx context.Context, vendor, subscriptionID string, payload []byte,
	) (siri.Message, error)
	// Pull fetch announced data from a provider
	Pull(ctx context.Context, record subscription.Record) error
	// Loops internal IDs of the feeds with running keep-alive or poll loops
	Loops() []int64
	// Stop stop every running loop
	Stop() error
}

// ProtocolAdapterParams collaborators of the protocol adapter
type ProtocolAdapterParams struct {
	// Registry the subscription registry
	Registry subscription.Registry
	// Notifier receiver of activity and confirmations
	Notifier ActivityNotifier
	// Sender provider request sender
	Sender Sender
	// Transcoder converts inbound payloads to the internal protocol version
	Transcoder siri.Transcoder
	// Sink destination of received payloads
	Sink pipeline.Sink
	// Coordinator cluster coordinator for poll leadership
	Coordinator cluster.Coordinator
	// InboundBaseURL base of the URLs providers deliver to
	InboundBaseURL string
	// Clock time source
	Clock common.Clock
	// Metrics metrics collector
	Metrics metrics.Collector
}

type feedLoops struct {
	subscriptionID string
	cancel         context.CancelFunc
	keepAlive      common.IntervalTimer
	poll           PollLoop
}

func (l *feedLoops) stop() {
	if l.cancel != nil {
		l.cancel()
	}
	if l.keepAlive != nil {
		_ = l.keepAlive.Stop()
	}
	if l.poll != nil {
		_ = l.poll.Stop()
	}
}

// protocolAdapterImpl implements ProtocolAdapter
type protocolAdapterImpl struct {
	goutils.Component
	ProtocolAdapterParams
	rootCtxt context.Context
	wg       *sync.WaitGroup
	lock     sync.Mutex
	loops    map[int64]*feedLoops
}

// GetProtocolAdapter define a new protocol adapter
func GetProtocolAdapter(
	name string, rootCtxt context.Context, wg *sync.WaitGroup, params ProtocolAdapterParams,
) (ProtocolAdapter, error) {
	if params.Registry == nil || params.Notifier == nil || params.Sender == nil {
		return nil, fmt.Errorf("protocol adapter requires registry, notifier and sender")
	}
	if params.Transcoder == nil {
		params.Transcoder = siri.EnvelopeTranscoder{}
	}
	if params.Sink == nil {
		params.Sink = pipeline.DiscardSink{}
	}
	if params.Clock == nil {
		params.Clock = common.RealClock{}
	}
	if params.Metrics == nil {
		params.Metrics = metrics.NewNoopCollector()
	}
	if params.Coordinator == nil {
		params.Coordinator = cluster.GetLocalCoordinator(
			name, cluster.DefineLocalLeaseTable(defaultLeaseTTL, params.Clock),
		)
	}
	logTags := log.Fields{
		"module": "adapter", "component": "protocol-adapter", "instance": name,
	}
	instance := &protocolAdapterImpl{
		Component:             goutils.Component{LogTags: logTags},
		ProtocolAdapterParams: params,
		rootCtxt:              rootCtxt,
		wg:                    wg,
		loops:                 make(map[int64]*feedLoops),
	}
	params.Registry.OnChange(instance.onRegistryChange)
	return instance, nil
}

// BuildWorkflow build the actions for a record's mode
func (a *protocolAdapterImpl) BuildWorkflow(record subscription.Record) ActionSet {
	record = record.Clone()
	switch record.Mode {
	case subscription.ModeSubscribe, subscription.ModeFetchedDelivery:
		return ActionSet{
			Start:     a.startSubscription(record, false),
			Cancel:    a.cancelSubscription(record),
			KeepAlive: a.keepAliveAction(record),
		}
	case subscription.ModePollingFetchedDelivery:
		return ActionSet{
			Start:     a.startSubscription(record, true),
			Cancel:    a.cancelSubscription(record),
			KeepAlive: a.keepAliveAction(record),
		}
	case subscription.ModeRequestResponse:
		return ActionSet{
			Start:  a.startPolling(record),
			Cancel: a.cancelPolling(record),
		}
	}
	unsupported := func(ctx context.Context) error {
		return fmt.Errorf("subscription %s has unsupported mode %s", record, record.Mode)
	}
	return ActionSet{Start: unsupported, Cancel: unsupported}
}

// ========================================================================================
// Push subscriptions

func (a *protocolAdapterImpl) startSubscription(
	record subscription.Record, withPoll bool,
) workflow.Action {
	return func(ctx context.Context) error {
		body, err := siri.BuildSubscriptionRequest(
			record, record.InboundURL(a.InboundBaseURL), a.Clock.Now(),
		)
		if err != nil {
			return err
		}
		log.WithFields(a.LogTags).Infof("Starting subscription %s", record)
		resp, err := a.Sender.Send(ctx, subscription.OpSubscribe, record, body)
		if err != nil {
			return err
		}
		if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated {
			a.Registry.MarkStartAcknowledged(record.SubscriptionID)
		} else {
			log.WithFields(a.LogTags).Warnf(
				"Subscription %s start answered with HTTP %d", record, resp.StatusCode,
			)
		}
		// Some providers confirm synchronously
		if resp.Message != nil {
			a.process(ctx, record, *resp.Message, resp.Body)
		}
		loopCtxt, loopCancel := context.WithCancel(a.rootCtxt)
		var keepAlive common.IntervalTimer
		if action := a.keepAliveAction(record); action != nil {
			keepAlive, err = a.startKeepAlive(loopCtxt, record, action)
			if err != nil {
				log.WithError(err).WithFields(a.LogTags).Errorf(
					"Unable to start keep-alive for %s", record,
				)
			}
		}
		var poll PollLoop
		if withPoll {
			poll, err = a.startPoll(record, a.pullAction(record))
			if err != nil {
				log.WithError(err).WithFields(a.LogTags).Errorf(
					"Unable to start poll loop for %s", record,
				)
			}
		}
		a.installLoops(record, loopCancel, keepAlive, poll)
		return nil
	}
}

func (a *protocolAdapterImpl) cancelSubscription(record subscription.Record) workflow.Action {
	return func(ctx context.Context) error {
		current := a.current(record)
		body, err := siri.BuildTerminateSubscriptionRequest(current, a.Clock.Now())
		if err != nil {
			return err
		}
		log.WithFields(a.LogTags).Infof("Cancelling subscription %s", current)
		resp, err := a.Sender.Send(ctx, subscription.OpDeleteSubscription, current, body)
		if err != nil && !IsProtocolError(err) {
			// Provider not reached. The next health check re-evaluates.
			return err
		}
		if err != nil {
			log.WithError(err).WithFields(a.LogTags).Warnf(
				"Provider refused to terminate %s, subscribing again regardless", current,
			)
		}
		if resp.Message != nil {
			a.process(ctx, current, *resp.Message, resp.Body)
		}
		a.stopLoops(current.SubscriptionID)
		a.resubscribe(current)
		return nil
	}
}

func needsKeepAlive(record subscription.Record) bool {
	if record.Mode == subscription.ModeRequestResponse || record.HeartbeatNotifications {
		return false
	}
	_, ok := record.URL(subscription.OpCheckStatus)
	return ok
}

func isFetched(record subscription.Record) bool {
	return record.Mode == subscription.ModeFetchedDelivery ||
		record.Mode == subscription.ModePollingFetchedDelivery
}

func (a *protocolAdapterImpl) keepAliveAction(record subscription.Record) workflow.Action {
	if !needsKeepAlive(record) {
		return nil
	}
	return func(ctx context.Context) error {
		body, err := siri.BuildCheckStatusRequest(record, a.Clock.Now())
		if err != nil {
			return err
		}
		if _, err := a.Sender.Send(ctx, subscription.OpCheckStatus, record, body); err != nil {
			return err
		}
		a.Notifier.NotifySubscriptionID(record.SubscriptionID)
		if isFetched(record) {
			return a.Pull(ctx, record)
		}
		return nil
	}
}

// ========================================================================================
// Polling

func (a *protocolAdapterImpl) startPolling(record subscription.Record) workflow.Action {
	return func(ctx context.Context) error {
		log.WithFields(a.LogTags).Infof("Starting polling of %s", record)
		poll, err := a.startPoll(record, a.serviceRequestAction(record))
		if err != nil {
			return err
		}
		a.installLoops(record, nil, nil, poll)
		a.Registry.MarkStartAcknowledged(record.SubscriptionID)
		return nil
	}
}

func (a *protocolAdapterImpl) cancelPolling(record subscription.Record) workflow.Action {
	return func(ctx context.Context) error {
		current := a.current(record)
		log.WithFields(a.LogTags).Infof("Cancelling polling of %s", current)
		a.stopLoops(current.SubscriptionID)
		a.resubscribe(current)
		return nil
	}
}

func (a *protocolAdapterImpl) serviceRequestAction(record subscription.Record) workflow.Action {
	return func(ctx context.Context) error {
		body, err := siri.BuildServiceRequest(record, a.Clock.Now())
		if err != nil {
			return err
		}
		op := subscription.ServiceOperation(record.DataType)
		resp, err := a.Sender.Send(ctx, op, record, body)
		if err != nil {
			return err
		}
		a.deliver(ctx, record, resp.Body)
		if a.Registry.IsPending(record.SubscriptionID) {
			a.Notifier.ConfirmSubscription(record.SubscriptionID)
		} else {
			a.Notifier.NotifySubscriptionID(record.SubscriptionID)
		}
		return nil
	}
}

func (a *protocolAdapterImpl) pullAction(record subscription.Record) workflow.Action {
	return func(ctx context.Context) error {
		return a.Pull(ctx, record)
	}
}

// Pull fetch announced data from a provider
func (a *protocolAdapterImpl) Pull(ctx context.Context, record subscription.Record) error {
	body, err := siri.BuildDataSupplyRequest(record, a.Clock.Now())
	if err != nil {
		return err
	}
	op := subscription.ServiceOperation(record.DataType)
	resp, err := a.Sender.Send(ctx, op, record, body)
	if err != nil {
		return err
	}
	a.deliver(ctx, record, resp.Body)
	a.Notifier.NotifySubscriptionID(record.SubscriptionID)
	return nil
}

// ========================================================================================
// Inbound

// Receive process a payload a provider sent for a subscription
func (a *protocolAdapterImpl) Receive(
	ctx context.Context, vendor, subscriptionID string, payload []byte,
) (siri.Message, error) {
	entry, ok := a.Registry.Get(subscriptionID)
	if !ok {
		return siri.Message{}, ErrUnknownSubscription
	}
	if entry.Record.Vendor != vendor {
		log.WithFields(a.LogTags).Warnf(
			"Payload for %s arrived under vendor %s", entry.Record, vendor,
		)
		return siri.Message{}, ErrUnknownSubscription
	}
	record := entry.Record
	if siri.NeedsTranscoding(record) {
		converted, err := a.Transcoder.Transcode(
			payload, record.Version, siri.InternalVersion,
			record.Transport == subscription.TransportSOAP,
		)
		if err != nil {
			return siri.Message{}, fmt.Errorf("unable to transcode payload: %w", err)
		}
		payload = converted
	}
	msg, err := siri.Classify(payload)
	if err != nil {
		return siri.Message{}, err
	}
	a.process(ctx, record, msg, payload)
	return msg, nil
}

// process act on a classified provider message
func (a *protocolAdapterImpl) process(
	ctx context.Context, record subscription.Record, msg siri.Message, payload []byte,
) {
	a.Metrics.InboundMessage(string(msg.Kind))
	switch msg.Kind {
	case siri.KindSubscriptionResponse:
		if msg.Positive() {
			a.Notifier.ConfirmSubscription(record.SubscriptionID)
		} else {
			log.WithFields(a.LogTags).Errorf(
				"Subscription %s rejected by provider: %s", record, msg.ErrorText,
			)
		}
	case siri.KindTerminateSubscriptionResponse:
		log.WithFields(a.LogTags).Infof("Subscription %s terminated by provider", record)
	case siri.KindCheckStatusResponse, siri.KindHeartbeatNotification:
		if msg.Positive() {
			a.Notifier.NotifySubscriptionID(record.SubscriptionID)
		}
	case siri.KindDataReadyNotification:
		a.Notifier.NotifySubscriptionID(record.SubscriptionID)
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			if err := a.Pull(a.rootCtxt, record); err != nil {
				log.WithError(err).WithFields(a.LogTags).Errorf(
					"Unable to fetch announced data for %s", record,
				)
			}
		}()
	case siri.KindServiceDelivery:
		a.Notifier.NotifySubscriptionID(record.SubscriptionID)
		a.deliver(ctx, record, payload)
	}
}

func (a *protocolAdapterImpl) deliver(
	ctx context.Context, record subscription.Record, payload []byte,
) {
	if len(payload) == 0 {
		return
	}
	if err := a.Sink.Deliver(ctx, pipeline.Delivery{
		SubscriptionID: record.SubscriptionID,
		DatasetID:      record.DatasetID,
		DataType:       record.DataType,
		Payload:        payload,
	}); err != nil {
		log.WithError(err).WithFields(a.LogTags).Errorf("Unable to hand off data of %s", record)
	}
}

// ========================================================================================
// Registry helpers

// current the registry's version of a record, falling back to the given one
func (a *protocolAdapterImpl) current(record subscription.Record) subscription.Record {
	if entry, ok := a.Registry.Get(record.SubscriptionID); ok {
		return entry.Record
	}
	return record
}

// resubscribe replace a record with a Pending copy under a fresh subscription ID
func (a *protocolAdapterImpl) resubscribe(record subscription.Record) {
	if !a.Registry.Remove(record.SubscriptionID) {
		log.WithFields(a.LogTags).Infof(
			"Subscription %s already left the registry, not registering again", record,
		)
		return
	}
	fresh := record.Clone()
	fresh.SubscriptionID = uuid.NewString()
	a.Registry.Register(fresh)
	log.WithFields(a.LogTags).Infof(
		"Subscription %s registered again as %s", record, fresh.SubscriptionID,
	)
}

// ========================================================================================
// Loops

func (a *protocolAdapterImpl) startKeepAlive(
	loopCtxt context.Context, record subscription.Record, action workflow.Action,
) (common.IntervalTimer, error) {
	timer, err := common.GetIntervalTimerInstance(
		fmt.Sprintf("keepalive.%s", record.SubscriptionID), loopCtxt, a.wg,
	)
	if err != nil {
		return nil, err
	}
	round := a.whileRegistered(record, action)
	handler := func() error {
		return round(loopCtxt)
	}
	if err := timer.Start(record.HeartbeatInterval, handler, false); err != nil {
		return nil, err
	}
	return timer, nil
}

func (a *protocolAdapterImpl) startPoll(
	record subscription.Record, round workflow.Action,
) (PollLoop, error) {
	lease := cluster.DefineLeaderLease(
		a.Coordinator, fmt.Sprintf("sirimux.poll.%d", record.InternalID),
	)
	loop, err := GetPollLoop(
		fmt.Sprintf("poll.%s", record.SubscriptionID),
		a.rootCtxt,
		a.wg,
		lease,
		record.HeartbeatInterval,
		a.whileRegistered(record, round),
	)
	if err != nil {
		return nil, err
	}
	if err := loop.Start(); err != nil {
		return nil, err
	}
	return loop, nil
}

// whileRegistered run a loop round only while the record is registered. A round finding the
// record gone stops the loops.
func (a *protocolAdapterImpl) whileRegistered(
	record subscription.Record, round workflow.Action,
) workflow.Action {
	return func(ctx context.Context) error {
		if !a.Registry.IsRegistered(record.SubscriptionID) {
			log.WithFields(a.LogTags).Infof("Subscription %s left the registry, stopping its loops", record)
			a.stopLoops(record.SubscriptionID)
			return nil
		}
		return round(ctx)
	}
}

func (a *protocolAdapterImpl) installLoops(
	record subscription.Record,
	cancel context.CancelFunc,
	keepAlive common.IntervalTimer,
	poll PollLoop,
) {
	a.lock.Lock()
	defer a.lock.Unlock()
	if existing, ok := a.loops[record.InternalID]; ok {
		existing.stop()
		delete(a.loops, record.InternalID)
	}
	if keepAlive == nil && poll == nil {
		if cancel != nil {
			cancel()
		}
		return
	}
	a.loops[record.InternalID] = &feedLoops{
		subscriptionID: record.SubscriptionID, cancel: cancel, keepAlive: keepAlive, poll: poll,
	}
}

// stopLoops stop the loops running for a subscription ID
func (a *protocolAdapterImpl) stopLoops(subscriptionID string) {
	a.lock.Lock()
	defer a.lock.Unlock()
	for internalID, existing := range a.loops {
		if existing.subscriptionID != subscriptionID {
			continue
		}
		existing.stop()
		delete(a.loops, internalID)
	}
}

// onRegistryChange stop the loops of a subscription ID leaving the registry, whichever
// instance removed it
func (a *protocolAdapterImpl) onRegistryChange(event subscription.RegistryEvent) {
	if event.Type == subscription.EventRemoved {
		a.stopLoops(event.SubscriptionID)
	}
}

// Loops internal IDs of the feeds with running loops
func (a *protocolAdapterImpl) Loops() []int64 {
	a.lock.Lock()
	defer a.lock.Unlock()
	result := make([]int64, 0, len(a.loops))
	for internalID := range a.loops {
		result = append(result, internalID)
	}
	sort.Slice(result, func(i, j int) bool { return result[i] < result[j] })
	return result
}

// Stop stop every running loop
func (a *protocolAdapterImpl) Stop() error {
	a.lock.Lock()
	defer a.lock.Unlock()
	for internalID, loops := range a.loops {
		loops.stop()
		delete(a.loops, internalID)
	}
	return nil
}
