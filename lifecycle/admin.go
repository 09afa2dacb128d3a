package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"github.com/alwitt/goutils"
	"github.com/alwitt/sirimux/metrics"
	"github.com/alwitt/sirimux/subscription"
	"github.com/alwitt/sirimux/workflow"
	"github.com/apex/log"
)

// ErrSubscriptionNotFound the subscription is not registered
var ErrSubscriptionNotFound = errors.New("subscription not found")

// SubscriptionStats registry overview
type SubscriptionStats struct {
	// Pending number of Pending subscriptions
	Pending int `json:"pending"`
	// Active number of Active subscriptions
	Active int `json:"active"`
	// Subscriptions every registered subscription
	Subscriptions []subscription.Entry `json:"subscriptions"`
}

// AdminController operator controls over individual subscriptions
type AdminController interface {
	// Start switch a subscription on. The health supervisor starts it.
	Start(subscriptionID string) error
	// Stop switch a subscription off. A subscription the provider already serves or is
	// about to confirm is cancelled.
	Stop(subscriptionID string) error
	// Restart cancel a subscription so that it is started again under a fresh ID
	Restart(subscriptionID string) error
	// Stats registry overview
	Stats() SubscriptionStats
}

// adminControllerImpl implements AdminController
type adminControllerImpl struct {
	goutils.Component
	rootCtxt context.Context
	registry subscription.Registry
	builder  WorkflowBuilder
	trigger  workflow.EphemeralTrigger
	metrics  metrics.Collector
}

// GetAdminController define a new admin controller
func GetAdminController(
	name string,
	rootCtxt context.Context,
	registry subscription.Registry,
	builder WorkflowBuilder,
	trigger workflow.EphemeralTrigger,
	collector metrics.Collector,
) (AdminController, error) {
	if registry == nil || builder == nil || trigger == nil {
		return nil, fmt.Errorf("admin controller requires registry, builder and trigger")
	}
	if collector == nil {
		collector = metrics.NewNoopCollector()
	}
	logTags := log.Fields{
		"module": "lifecycle", "component": "admin-controller", "instance": name,
	}
	return &adminControllerImpl{
		Component: goutils.Component{LogTags: logTags},
		rootCtxt:  rootCtxt,
		registry:  registry,
		builder:   builder,
		trigger:   trigger,
		metrics:   collector,
	}, nil
}

// Start switch a subscription on
func (a *adminControllerImpl) Start(subscriptionID string) error {
	if !a.registry.SetOperatorIntent(subscriptionID, true) {
		return ErrSubscriptionNotFound
	}
	log.WithFields(a.LogTags).Infof("Subscription %s switched on", subscriptionID)
	return nil
}

// Stop switch a subscription off
func (a *adminControllerImpl) Stop(subscriptionID string) error {
	if !a.registry.SetOperatorIntent(subscriptionID, false) {
		return ErrSubscriptionNotFound
	}
	log.WithFields(a.LogTags).Infof("Subscription %s switched off", subscriptionID)
	entry, ok := a.registry.Get(subscriptionID)
	if !ok {
		return nil
	}
	// A Pending record the provider never accepted needs no cancel
	if entry.Status.State != subscription.StateActive && !entry.Status.AwaitingConfirmation {
		return nil
	}
	// Otherwise left to the next health check
	_ = a.cancel(subscriptionID)
	return nil
}

// Restart cancel a subscription so that it is started again
func (a *adminControllerImpl) Restart(subscriptionID string) error {
	if !a.registry.IsRegistered(subscriptionID) {
		return ErrSubscriptionNotFound
	}
	return a.cancel(subscriptionID)
}

func (a *adminControllerImpl) cancel(subscriptionID string) error {
	entry, ok := a.registry.Get(subscriptionID)
	if !ok {
		return ErrSubscriptionNotFound
	}
	actions := a.builder.BuildWorkflow(entry.Record)
	if !a.trigger.FireAsync(
		a.rootCtxt, actionKey(entry.Record), instrument(a.metrics, "cancel", actions.Cancel),
	) {
		log.WithFields(a.LogTags).Warnf(
			"Unable to cancel %s, an action is still in flight", entry.Record,
		)
		return workflow.ErrActionInFlight
	}
	log.WithFields(a.LogTags).Infof("Triggered cancel of %s", entry.Record)
	return nil
}

// Stats registry overview
func (a *adminControllerImpl) Stats() SubscriptionStats {
	stats := SubscriptionStats{Subscriptions: a.registry.Snapshot()}
	for _, entry := range stats.Subscriptions {
		if entry.Status.State == subscription.StateActive {
			stats.Active++
		} else {
			stats.Pending++
		}
	}
	return stats
}
