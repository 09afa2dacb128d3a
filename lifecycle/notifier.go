package lifecycle

import (
	"github.com/alwitt/goutils"
	"github.com/alwitt/sirimux/subscription"
	"github.com/apex/log"
)

// ActivityNotifier records provider activity in the registry
type ActivityNotifier struct {
	goutils.Component
	registry subscription.Registry
}

// DefineActivityNotifier define a new activity notifier
func DefineActivityNotifier(
	instance string, registry subscription.Registry,
) *ActivityNotifier {
	logTags := log.Fields{
		"module": "lifecycle", "component": "activity-notifier", "instance": instance,
	}
	return &ActivityNotifier{
		Component: goutils.Component{LogTags: logTags},
		registry:  registry,
	}
}

// NotifySubscriptionID record a sign of life for an Active subscription
func (n *ActivityNotifier) NotifySubscriptionID(subscriptionID string) bool {
	if n.registry.Touch(subscriptionID) {
		return true
	}
	if !n.registry.IsRegistered(subscriptionID) {
		log.WithFields(n.LogTags).Warnf("Activity for unknown subscription %s", subscriptionID)
	}
	return false
}

// ConfirmSubscription record that the provider confirmed a subscription
func (n *ActivityNotifier) ConfirmSubscription(subscriptionID string) bool {
	if n.registry.Activate(subscriptionID) {
		return true
	}
	// Confirmation of an already Active record counts as activity
	return n.registry.Touch(subscriptionID)
}
