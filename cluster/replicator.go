package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/alwitt/goutils"
	"github.com/alwitt/sirimux/core"
	"github.com/alwitt/sirimux/subscription"
	"github.com/apex/log"
	"github.com/nats-io/nats.go"
)

// RegistryReplicator keeps the registries of every instance in step
type RegistryReplicator interface {
	// Start begin publishing local changes and applying peer changes
	Start() error
	// Sync load the registry held by the peers, then begin answering the snapshot
	// requests of later nodes. Must follow Start.
	Sync(ctxt context.Context) error
	// Stop stop replicating
	Stop() error
}

// registryReplicatorImpl implements RegistryReplicator
type registryReplicatorImpl struct {
	goutils.Component
	instance    string
	subject     string
	bus         core.RequestBus
	registry    subscription.Registry
	lock        sync.Mutex
	running     bool
	unsubscribe func() error
	stopServing func() error
}

// GetRegistryReplicator define a new registry replicator
//
// Local mutations are published on the subject. Mutations from peers are applied to the
// local registry. Messages originating from this instance are ignored. Snapshot requests
// travel on "<subject>.snapshot".
func GetRegistryReplicator(
	instance, subject string, bus core.RequestBus, registry subscription.Registry,
) (RegistryReplicator, error) {
	if subject == "" {
		return nil, fmt.Errorf("replication subject not given")
	}
	logTags := log.Fields{
		"module": "cluster", "component": "registry-replicator", "instance": instance,
	}
	replicator := &registryReplicatorImpl{
		Component: goutils.Component{LogTags: logTags},
		instance:  instance,
		subject:   subject,
		bus:       bus,
		registry:  registry,
	}
	registry.OnChange(replicator.publish)
	return replicator, nil
}

// Start begin replicating
func (r *registryReplicatorImpl) Start() error {
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.running {
		return fmt.Errorf("replicator already running")
	}
	unsubscribe, err := r.bus.Subscribe(r.subject, r.receive)
	if err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf("Unable to listen on %s", r.subject)
		return err
	}
	r.unsubscribe = unsubscribe
	r.running = true
	log.WithFields(r.LogTags).Infof("Replicating registry over %s", r.subject)
	return nil
}

// Stop stop replicating
func (r *registryReplicatorImpl) Stop() error {
	r.lock.Lock()
	defer r.lock.Unlock()
	if !r.running {
		return nil
	}
	r.running = false
	if r.stopServing != nil {
		if err := r.stopServing(); err != nil {
			log.WithError(err).WithFields(r.LogTags).Error("Unable to stop serving snapshots")
		}
		r.stopServing = nil
	}
	return r.unsubscribe()
}

func (r *registryReplicatorImpl) snapshotSubject() string {
	return fmt.Sprintf("%s.snapshot", r.subject)
}

// Sync load the registry held by the peers
//
// A node with no peers answering keeps its local registry.
func (r *registryReplicatorImpl) Sync(ctxt context.Context) error {
	if !r.isRunning() {
		return fmt.Errorf("replicator not running")
	}
	reply, err := r.bus.Request(ctxt, r.snapshotSubject(), []byte(r.instance))
	switch {
	case err == nil:
		if err := r.applySnapshot(reply); err != nil {
			return err
		}
	case errors.Is(err, nats.ErrNoResponders), errors.Is(err, context.DeadlineExceeded):
		log.WithFields(r.LogTags).Info("No peer registry available, starting from local state")
	default:
		log.WithError(err).WithFields(r.LogTags).Error("Registry snapshot request failed")
		return err
	}

	r.lock.Lock()
	defer r.lock.Unlock()
	if !r.running || r.stopServing != nil {
		return nil
	}
	stopServing, err := r.bus.Serve(r.snapshotSubject(), r.serveSnapshot)
	if err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf(
			"Unable to serve snapshots on %s", r.snapshotSubject(),
		)
		return err
	}
	r.stopServing = stopServing
	return nil
}

func (r *registryReplicatorImpl) applySnapshot(reply []byte) error {
	var events []subscription.RegistryEvent
	if err := json.Unmarshal(reply, &events); err != nil {
		log.WithError(err).WithFields(r.LogTags).Error("Unable to parse registry snapshot")
		return err
	}
	applied := 0
	for _, event := range events {
		if err := r.registry.Apply(event); err != nil {
			log.WithError(err).WithFields(r.LogTags).Warnf(
				"Skipping %s snapshot event for %s", event.Type, event.SubscriptionID,
			)
			continue
		}
		applied++
	}
	log.WithFields(r.LogTags).Infof("Loaded registry snapshot with %d events", applied)
	return nil
}

func (r *registryReplicatorImpl) serveSnapshot(requester []byte) []byte {
	events := snapshotEvents(r.instance, r.registry.Snapshot())
	payload, err := json.Marshal(&events)
	if err != nil {
		log.WithError(err).WithFields(r.LogTags).Error("Unable to serialize registry snapshot")
		return []byte("[]")
	}
	log.WithFields(r.LogTags).Debugf(
		"Sent registry snapshot with %d events to %s", len(events), requester,
	)
	return payload
}

// snapshotEvents replay of the registry entries, in registration order
func snapshotEvents(
	origin string, entries []subscription.Entry,
) []subscription.RegistryEvent {
	events := make([]subscription.RegistryEvent, 0, len(entries))
	for _, entry := range entries {
		record := entry.Record
		registered := subscription.RegistryEvent{
			Type:           subscription.EventRegistered,
			Origin:         origin,
			SubscriptionID: record.SubscriptionID,
			Record:         &record,
			Timestamp:      entry.Status.RegisteredAt,
		}
		switch {
		case entry.Status.State == subscription.StateActive:
			events = append(events, registered, subscription.RegistryEvent{
				Type:           subscription.EventActivated,
				Origin:         origin,
				SubscriptionID: record.SubscriptionID,
				Timestamp:      entry.Status.LastActivity,
			})
		case entry.Status.AwaitingConfirmation:
			events = append(events, registered, subscription.RegistryEvent{
				Type:           subscription.EventStartAcknowledged,
				Origin:         origin,
				SubscriptionID: record.SubscriptionID,
				Timestamp:      entry.Status.PendingSince,
			})
		default:
			registered.Timestamp = entry.Status.PendingSince
			events = append(events, registered)
		}
	}
	return events
}

func (r *registryReplicatorImpl) isRunning() bool {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.running
}

func (r *registryReplicatorImpl) publish(event subscription.RegistryEvent) {
	if event.Origin != r.instance || !r.isRunning() {
		return
	}
	payload, err := json.Marshal(&event)
	if err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf("Unable to serialize %s event", event.Type)
		return
	}
	if err := r.bus.Publish(r.subject, payload); err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf(
			"Unable to publish %s event for %s", event.Type, event.SubscriptionID,
		)
	}
}

func (r *registryReplicatorImpl) receive(data []byte) {
	var event subscription.RegistryEvent
	if err := json.Unmarshal(data, &event); err != nil {
		log.WithError(err).WithFields(r.LogTags).Error("Unable to parse registry event")
		return
	}
	if event.Origin == r.instance {
		return
	}
	if err := r.registry.Apply(event); err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf(
			"Unable to apply %s event from %s", event.Type, event.Origin,
		)
		return
	}
	log.WithFields(r.LogTags).Debugf(
		"Applied %s event for %s from %s", event.Type, event.SubscriptionID, event.Origin,
	)
}
