package subscription

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/alwitt/goutils"
	"github.com/alwitt/sirimux/common"
	"github.com/apex/log"
)

// HealthFactor number of heartbeat intervals without activity before a subscription is unhealthy
const HealthFactor = 3

// defaultHeartbeat heartbeat interval assumed when a record has none
const defaultHeartbeat = time.Minute * 5

// EventType type of registry change
type EventType string

// Registry change types
const (
	EventRegistered        EventType = "REGISTERED"
	EventReplaced          EventType = "REPLACED"
	EventActivated         EventType = "ACTIVATED"
	EventTouched           EventType = "TOUCHED"
	EventRemoved           EventType = "REMOVED"
	EventStartAcknowledged EventType = "START_ACKNOWLEDGED"
	EventIntentChanged     EventType = "INTENT_CHANGED"
)

// RegistryEvent describes one successful registry mutation
type RegistryEvent struct {
	// Type the mutation
	Type EventType `json:"type"`
	// Origin the registry instance where the mutation first happened
	Origin string `json:"origin"`
	// SubscriptionID the affected subscription
	SubscriptionID string `json:"subscription_id"`
	// Record the new configuration for REGISTERED and REPLACED
	Record *Record `json:"record,omitempty"`
	// Active the new operator intent for INTENT_CHANGED
	Active bool `json:"active,omitempty"`
	// Timestamp when the mutation happened
	Timestamp time.Time `json:"timestamp"`
}

// RegistryListener callback on registry change
type RegistryListener func(event RegistryEvent)

// Registry the single source of truth on the state of every subscription
type Registry interface {
	// Register insert a record into Pending. Registering an already known ID is a no-op
	// when the configuration is materially equal, or replaces the configuration otherwise.
	// Returns whether a new entry was created.
	Register(record Record) bool
	// Activate move a record from Pending to Active
	Activate(subscriptionID string) bool
	// Touch refresh the last activity of an Active record
	Touch(subscriptionID string) bool
	// Remove delete a record from the registry
	Remove(subscriptionID string) bool
	// IsHealthy whether a record showed activity within HealthFactor heartbeat intervals
	IsHealthy(subscriptionID string) bool
	// IsRegistered whether a record is Pending or Active
	IsRegistered(subscriptionID string) bool
	// IsPending whether a record is Pending
	IsPending(subscriptionID string) bool
	// IsActive whether a record is Active
	IsActive(subscriptionID string) bool
	// Get fetch one entry
	Get(subscriptionID string) (Entry, bool)
	// GetByInternalID fetch all entries sharing an internal ID, in registration order
	GetByInternalID(internalID int64) []Entry
	// Pending list Pending entries in registration order
	Pending() []Entry
	// Active list Active entries in registration order
	Active() []Entry
	// Snapshot list every entry in registration order
	Snapshot() []Entry
	// MarkStartAcknowledged record that the provider accepted a start request
	MarkStartAcknowledged(subscriptionID string) bool
	// SetOperatorIntent change the operator on / off flag
	SetOperatorIntent(subscriptionID string, active bool) bool
	// Replace swap the configuration of a known record, keeping its runtime status
	Replace(record Record) bool
	// OnChange install a listener called after every successful mutation
	OnChange(listener RegistryListener)
	// Apply replay a mutation that happened on another registry instance
	Apply(event RegistryEvent) error
}

type registryEntry struct {
	record Record
	status Status
}

func (e *registryEntry) export() Entry {
	return Entry{Record: e.record.Clone(), Status: e.status}
}

// registryImpl implements Registry
type registryImpl struct {
	goutils.Component
	instance  string
	clock     common.Clock
	lock      sync.Mutex
	entries   map[string]*registryEntry
	sequence  uint64
	listeners []RegistryListener
}

// DefineRegistry create a new subscription registry
func DefineRegistry(instance string, clock common.Clock) Registry {
	logTags := log.Fields{
		"module": "subscription", "component": "registry", "instance": instance,
	}
	return &registryImpl{
		Component: goutils.Component{LogTags: logTags},
		instance:  instance,
		clock:     clock,
		entries:   make(map[string]*registryEntry),
		listeners: make([]RegistryListener, 0),
	}
}

// OnChange install a change listener
func (r *registryImpl) OnChange(listener RegistryListener) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.listeners = append(r.listeners, listener)
}

// notify deliver an event to the listeners. Must be called without holding the lock.
func (r *registryImpl) notify(event *RegistryEvent) {
	if event == nil {
		return
	}
	r.lock.Lock()
	listeners := make([]RegistryListener, len(r.listeners))
	copy(listeners, r.listeners)
	r.lock.Unlock()
	for _, listener := range listeners {
		listener(*event)
	}
}

func (r *registryImpl) newEvent(
	eventType EventType, origin string, subscriptionID string, ts time.Time,
) *RegistryEvent {
	return &RegistryEvent{
		Type: eventType, Origin: origin, SubscriptionID: subscriptionID, Timestamp: ts,
	}
}

// ========================================================================================
// Mutations

func (r *registryImpl) register(
	record Record, origin string, ts time.Time,
) (bool, *RegistryEvent) {
	r.lock.Lock()
	defer r.lock.Unlock()
	if existing, ok := r.entries[record.SubscriptionID]; ok {
		if existing.record.MateriallyEqual(record) {
			return false, nil
		}
		log.WithFields(r.LogTags).Infof(
			"Subscription %s re-registered with new config, replacing", record,
		)
		existing.record = record.Clone()
		event := r.newEvent(EventReplaced, origin, record.SubscriptionID, ts)
		copied := existing.record.Clone()
		event.Record = &copied
		return false, event
	}
	r.sequence++
	r.entries[record.SubscriptionID] = &registryEntry{
		record: record.Clone(),
		status: Status{
			State:        StatePending,
			RegisteredAt: ts,
			PendingSince: ts,
			Sequence:     r.sequence,
		},
	}
	log.WithFields(r.LogTags).Infof("Registered subscription %s as pending", record)
	event := r.newEvent(EventRegistered, origin, record.SubscriptionID, ts)
	copied := record.Clone()
	event.Record = &copied
	return true, event
}

// Register insert a record into Pending
func (r *registryImpl) Register(record Record) bool {
	created, event := r.register(record, r.instance, r.clock.Now())
	r.notify(event)
	return created
}

func (r *registryImpl) replace(
	record Record, origin string, ts time.Time,
) (bool, *RegistryEvent) {
	r.lock.Lock()
	defer r.lock.Unlock()
	existing, ok := r.entries[record.SubscriptionID]
	if !ok {
		return false, nil
	}
	existing.record = record.Clone()
	log.WithFields(r.LogTags).Infof("Replaced configuration of subscription %s", record)
	event := r.newEvent(EventReplaced, origin, record.SubscriptionID, ts)
	copied := record.Clone()
	event.Record = &copied
	return true, event
}

// Replace swap the configuration of a known record
func (r *registryImpl) Replace(record Record) bool {
	ok, event := r.replace(record, r.instance, r.clock.Now())
	r.notify(event)
	return ok
}

func (r *registryImpl) activate(
	subscriptionID string, origin string, ts time.Time,
) (bool, *RegistryEvent) {
	r.lock.Lock()
	defer r.lock.Unlock()
	entry, ok := r.entries[subscriptionID]
	if !ok || entry.status.State != StatePending {
		return false, nil
	}
	entry.status.State = StateActive
	entry.status.LastActivity = ts
	entry.status.AwaitingConfirmation = false
	log.WithFields(r.LogTags).Infof("Activated subscription %s", entry.record)
	return true, r.newEvent(EventActivated, origin, subscriptionID, ts)
}

// Activate move a record from Pending to Active
func (r *registryImpl) Activate(subscriptionID string) bool {
	ok, event := r.activate(subscriptionID, r.instance, r.clock.Now())
	r.notify(event)
	return ok
}

func (r *registryImpl) touch(
	subscriptionID string, origin string, ts time.Time,
) (bool, *RegistryEvent) {
	r.lock.Lock()
	defer r.lock.Unlock()
	entry, ok := r.entries[subscriptionID]
	if !ok || entry.status.State != StateActive {
		return false, nil
	}
	if ts.After(entry.status.LastActivity) {
		entry.status.LastActivity = ts
	}
	log.WithFields(r.LogTags).Debugf("Touched subscription %s", subscriptionID)
	return true, r.newEvent(EventTouched, origin, subscriptionID, ts)
}

// Touch refresh the last activity of an Active record
func (r *registryImpl) Touch(subscriptionID string) bool {
	ok, event := r.touch(subscriptionID, r.instance, r.clock.Now())
	r.notify(event)
	return ok
}

func (r *registryImpl) remove(
	subscriptionID string, origin string, ts time.Time,
) (bool, *RegistryEvent) {
	r.lock.Lock()
	defer r.lock.Unlock()
	entry, ok := r.entries[subscriptionID]
	if !ok {
		return false, nil
	}
	delete(r.entries, subscriptionID)
	log.WithFields(r.LogTags).Infof("Removed subscription %s", entry.record)
	return true, r.newEvent(EventRemoved, origin, subscriptionID, ts)
}

// Remove delete a record from the registry
func (r *registryImpl) Remove(subscriptionID string) bool {
	ok, event := r.remove(subscriptionID, r.instance, r.clock.Now())
	r.notify(event)
	return ok
}

func (r *registryImpl) markStartAcknowledged(
	subscriptionID string, origin string, ts time.Time,
) (bool, *RegistryEvent) {
	r.lock.Lock()
	defer r.lock.Unlock()
	entry, ok := r.entries[subscriptionID]
	if !ok || entry.status.State != StatePending {
		return false, nil
	}
	entry.status.PendingSince = ts
	entry.status.AwaitingConfirmation = true
	log.WithFields(r.LogTags).Debugf("Start of subscription %s acknowledged", subscriptionID)
	return true, r.newEvent(EventStartAcknowledged, origin, subscriptionID, ts)
}

// MarkStartAcknowledged record that the provider accepted a start request
func (r *registryImpl) MarkStartAcknowledged(subscriptionID string) bool {
	ok, event := r.markStartAcknowledged(subscriptionID, r.instance, r.clock.Now())
	r.notify(event)
	return ok
}

func (r *registryImpl) setOperatorIntent(
	subscriptionID string, active bool, origin string, ts time.Time,
) (bool, *RegistryEvent) {
	r.lock.Lock()
	defer r.lock.Unlock()
	entry, ok := r.entries[subscriptionID]
	if !ok {
		return false, nil
	}
	entry.record.Active = active
	log.WithFields(r.LogTags).Infof("Subscription %s operator intent active=%v", subscriptionID, active)
	event := r.newEvent(EventIntentChanged, origin, subscriptionID, ts)
	event.Active = active
	return true, event
}

// SetOperatorIntent change the operator on / off flag
func (r *registryImpl) SetOperatorIntent(subscriptionID string, active bool) bool {
	ok, event := r.setOperatorIntent(subscriptionID, active, r.instance, r.clock.Now())
	r.notify(event)
	return ok
}

// Apply replay a mutation that happened on another registry instance
func (r *registryImpl) Apply(event RegistryEvent) error {
	ts := event.Timestamp
	if ts.IsZero() {
		ts = r.clock.Now()
	}
	var applied *RegistryEvent
	switch event.Type {
	case EventRegistered, EventReplaced:
		if event.Record == nil {
			return fmt.Errorf("%s event for %s carries no record", event.Type, event.SubscriptionID)
		}
		_, applied = r.register(*event.Record, event.Origin, ts)
	case EventActivated:
		_, applied = r.activate(event.SubscriptionID, event.Origin, ts)
	case EventTouched:
		_, applied = r.touch(event.SubscriptionID, event.Origin, ts)
	case EventRemoved:
		_, applied = r.remove(event.SubscriptionID, event.Origin, ts)
	case EventStartAcknowledged:
		_, applied = r.markStartAcknowledged(event.SubscriptionID, event.Origin, ts)
	case EventIntentChanged:
		_, applied = r.setOperatorIntent(event.SubscriptionID, event.Active, event.Origin, ts)
	default:
		return fmt.Errorf("unknown registry event type %s", event.Type)
	}
	r.notify(applied)
	return nil
}

// ========================================================================================
// Queries

// IsHealthy whether a record showed activity within HealthFactor heartbeat intervals
func (r *registryImpl) IsHealthy(subscriptionID string) bool {
	r.lock.Lock()
	defer r.lock.Unlock()
	entry, ok := r.entries[subscriptionID]
	if !ok {
		return false
	}
	heartbeat := entry.record.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeat
	}
	reference := entry.status.PendingSince
	if entry.status.State == StateActive {
		reference = entry.status.LastActivity
	}
	return r.clock.Now().Sub(reference) < heartbeat*HealthFactor
}

// IsRegistered whether a record is Pending or Active
func (r *registryImpl) IsRegistered(subscriptionID string) bool {
	r.lock.Lock()
	defer r.lock.Unlock()
	_, ok := r.entries[subscriptionID]
	return ok
}

func (r *registryImpl) inState(subscriptionID string, state State) bool {
	r.lock.Lock()
	defer r.lock.Unlock()
	entry, ok := r.entries[subscriptionID]
	return ok && entry.status.State == state
}

// IsPending whether a record is Pending
func (r *registryImpl) IsPending(subscriptionID string) bool {
	return r.inState(subscriptionID, StatePending)
}

// IsActive whether a record is Active
func (r *registryImpl) IsActive(subscriptionID string) bool {
	return r.inState(subscriptionID, StateActive)
}

// Get fetch one entry
func (r *registryImpl) Get(subscriptionID string) (Entry, bool) {
	r.lock.Lock()
	defer r.lock.Unlock()
	entry, ok := r.entries[subscriptionID]
	if !ok {
		return Entry{}, false
	}
	return entry.export(), true
}

// list entries matching a filter in registration order
func (r *registryImpl) list(filter func(e *registryEntry) bool) []Entry {
	r.lock.Lock()
	defer r.lock.Unlock()
	result := make([]Entry, 0, len(r.entries))
	for _, entry := range r.entries {
		if filter(entry) {
			result = append(result, entry.export())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Status.Sequence < result[j].Status.Sequence
	})
	return result
}

// GetByInternalID fetch all entries sharing an internal ID
func (r *registryImpl) GetByInternalID(internalID int64) []Entry {
	return r.list(func(e *registryEntry) bool { return e.record.InternalID == internalID })
}

// Pending list Pending entries
func (r *registryImpl) Pending() []Entry {
	return r.list(func(e *registryEntry) bool { return e.status.State == StatePending })
}

// Active list Active entries
func (r *registryImpl) Active() []Entry {
	return r.list(func(e *registryEntry) bool { return e.status.State == StateActive })
}

// Snapshot list every entry
func (r *registryImpl) Snapshot() []Entry {
	return r.list(func(e *registryEntry) bool { return true })
}
