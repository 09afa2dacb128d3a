package lifecycle

import (
	"context"
	"fmt"

	"github.com/alwitt/goutils"
	"github.com/alwitt/sirimux/metrics"
	"github.com/alwitt/sirimux/subscription"
	"github.com/alwitt/sirimux/workflow"
	"github.com/apex/log"
	"github.com/hashicorp/go-multierror"
)

// ReconcileReport what one reconciliation changed
type ReconcileReport struct {
	// Registered subscription IDs of newly registered feeds
	Registered []string
	// Replaced subscription IDs whose configuration changed
	Replaced []string
	// Unchanged subscription IDs left as they were
	Unchanged []string
	// Removed subscription IDs of feeds no longer configured
	Removed []string
}

// SubscriptionInitializer loads the configured feeds into the registry
type SubscriptionInitializer interface {
	// Reconcile validate the configured feeds and bring the registry in line with them.
	// Nothing is changed when any feed is invalid.
	Reconcile(ctx context.Context, feeds []subscription.FeedConfig) (ReconcileReport, error)
}

// SubscriptionInitializerParams collaborators of the subscription initializer
type SubscriptionInitializerParams struct {
	// Registry the subscription registry
	Registry subscription.Registry
	// Builder builds the cancel actions of removed feeds
	Builder WorkflowBuilder
	// Trigger fires the cancel actions
	Trigger workflow.EphemeralTrigger
	// Environment deployment scope. Feeds outside it are skipped.
	Environment string
	// RequestorRef requestor identity for feeds without one
	RequestorRef string
	// Metrics metrics collector
	Metrics metrics.Collector
}

// subscriptionInitializerImpl implements SubscriptionInitializer
type subscriptionInitializerImpl struct {
	goutils.Component
	SubscriptionInitializerParams
}

// GetSubscriptionInitializer define a new subscription initializer
func GetSubscriptionInitializer(
	name string, params SubscriptionInitializerParams,
) (SubscriptionInitializer, error) {
	if params.Registry == nil || params.Builder == nil || params.Trigger == nil {
		return nil, fmt.Errorf("subscription initializer requires registry, builder and trigger")
	}
	if params.Metrics == nil {
		params.Metrics = metrics.NewNoopCollector()
	}
	logTags := log.Fields{
		"module": "lifecycle", "component": "subscription-initializer", "instance": name,
	}
	return &subscriptionInitializerImpl{
		Component:                     goutils.Component{LogTags: logTags},
		SubscriptionInitializerParams: params,
	}, nil
}

// desired validate the feeds and return the records valid in this environment
func (i *subscriptionInitializerImpl) desired(
	feeds []subscription.FeedConfig,
) ([]subscription.Record, error) {
	var result *multierror.Error
	records := make([]subscription.Record, 0, len(feeds))
	subscriptionIDs := map[string]int{}
	internalIDs := map[int64]int{}
	vendors := map[string]int{}
	for idx, feed := range feeds {
		record := feed.ToRecord()
		if record.RequestorRef == "" {
			record.RequestorRef = i.RequestorRef
		}
		if err := subscription.ValidateFeed(record); err != nil {
			result = multierror.Append(
				result, fmt.Errorf("subscription #%d (%s): %w", idx, feed.Name, err),
			)
			continue
		}
		if !record.ValidInEnvironment(i.Environment) {
			log.WithFields(i.LogTags).Debugf(
				"Subscription %s not valid in environment '%s'", record, i.Environment,
			)
			continue
		}
		if first, ok := subscriptionIDs[record.SubscriptionID]; ok {
			result = multierror.Append(result, fmt.Errorf(
				"subscription #%d reuses subscriptionId %s of #%d", idx, record.SubscriptionID, first,
			))
		}
		if first, ok := internalIDs[record.InternalID]; ok {
			result = multierror.Append(result, fmt.Errorf(
				"subscription #%d reuses internalId %d of #%d", idx, record.InternalID, first,
			))
		}
		if first, ok := vendors[record.Vendor]; ok {
			result = multierror.Append(result, fmt.Errorf(
				"subscription #%d reuses vendor %s of #%d", idx, record.Vendor, first,
			))
		}
		subscriptionIDs[record.SubscriptionID] = idx
		internalIDs[record.InternalID] = idx
		vendors[record.Vendor] = idx
		records = append(records, record)
	}
	return records, result.ErrorOrNil()
}

// Reconcile validate the configured feeds and bring the registry in line with them
func (i *subscriptionInitializerImpl) Reconcile(
	ctx context.Context, feeds []subscription.FeedConfig,
) (ReconcileReport, error) {
	report := ReconcileReport{
		Registered: []string{},
		Replaced:   []string{},
		Unchanged:  []string{},
		Removed:    []string{},
	}
	records, err := i.desired(feeds)
	if err != nil {
		log.WithError(err).WithFields(i.LogTags).Error("Subscription configuration is not valid")
		return report, err
	}
	log.WithFields(i.LogTags).Infof("Initializing %d subscriptions", len(records))

	configured := map[int64]bool{}
	for _, record := range records {
		configured[record.InternalID] = true
		existing := i.Registry.GetByInternalID(record.InternalID)
		if len(existing) == 0 {
			i.Registry.Register(record)
			report.Registered = append(report.Registered, record.SubscriptionID)
			continue
		}
		// Later duplicates are left to the health supervisor
		current := existing[0].Record
		if current.MateriallyEqual(record) {
			report.Unchanged = append(report.Unchanged, current.SubscriptionID)
			continue
		}
		replacement := record.Clone()
		replacement.SubscriptionID = current.SubscriptionID
		replacement.Active = current.Active
		if i.Registry.Replace(replacement) {
			report.Replaced = append(report.Replaced, replacement.SubscriptionID)
		}
	}

	for _, entry := range i.Registry.Snapshot() {
		if configured[entry.Record.InternalID] {
			continue
		}
		i.retire(ctx, entry)
		report.Removed = append(report.Removed, entry.Record.SubscriptionID)
	}

	i.Metrics.RegistrySize(len(i.Registry.Pending()), len(i.Registry.Active()))
	return report, nil
}

// retire remove a feed that is no longer configured, terminating it upstream if needed
func (i *subscriptionInitializerImpl) retire(ctx context.Context, entry subscription.Entry) {
	record := entry.Record
	// Removing first keeps the cancel from registering the feed again
	i.Registry.Remove(record.SubscriptionID)
	log.WithFields(i.LogTags).Infof("Subscription %s no longer configured, removed", record)
	if entry.Status.State != subscription.StateActive && !entry.Status.AwaitingConfirmation {
		return
	}
	actions := i.Builder.BuildWorkflow(record)
	if !i.Trigger.FireAsync(ctx, actionKey(record), instrument(i.Metrics, "cancel", actions.Cancel)) {
		log.WithFields(i.LogTags).Warnf(
			"Unable to terminate %s upstream, an action is still in flight", record,
		)
	}
}
