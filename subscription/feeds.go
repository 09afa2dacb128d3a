package subscription

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"
)

// FeedConfig one configured subscription as written in the subscriptions file
type FeedConfig struct {
	InternalID             int64             `yaml:"internalId" json:"internal_id"`
	Name                   string            `yaml:"name" json:"name"`
	Vendor                 string            `yaml:"vendor" json:"vendor"`
	DatasetID              string            `yaml:"datasetId" json:"dataset_id"`
	SubscriptionType       string            `yaml:"subscriptionType" json:"subscription_type"`
	ServiceType            string            `yaml:"serviceType" json:"service_type"`
	Version                string            `yaml:"version" json:"version"`
	SubscriptionMode       string            `yaml:"subscriptionMode" json:"subscription_mode"`
	SubscriptionID         string            `yaml:"subscriptionId" json:"subscription_id"`
	RequestorRef           string            `yaml:"requestorRef" json:"requestor_ref"`
	HeartbeatInterval      time.Duration     `yaml:"heartbeatInterval" json:"heartbeat_interval"`
	DurationOfSubscription time.Duration     `yaml:"durationOfSubscription" json:"duration_of_subscription"`
	URLMap                 map[string]string `yaml:"urlMap" json:"url_map"`
	Active                 bool              `yaml:"active" json:"active"`
	Environments           []string          `yaml:"environments" json:"environments"`
	ContentType            string            `yaml:"contentType" json:"content_type"`
	CustomHeaders          map[string]string `yaml:"customHeaders" json:"custom_headers"`
	HeartbeatNotifications bool              `yaml:"heartbeatNotifications" json:"heartbeat_notifications"`
}

// FeedsFile the subscriptions file layout
type FeedsFile struct {
	Subscriptions []FeedConfig `yaml:"subscriptions"`
}

// LoadFeedConfigFile read the subscriptions file
func LoadFeedConfigFile(path string) ([]FeedConfig, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("unable to read subscriptions file %s: %w", path, err)
	}
	return ParseFeedConfig(content)
}

// ParseFeedConfig parse subscriptions file content
func ParseFeedConfig(content []byte) ([]FeedConfig, error) {
	var parsed FeedsFile
	if err := yaml.Unmarshal(content, &parsed); err != nil {
		return nil, fmt.Errorf("unable to parse subscriptions: %w", err)
	}
	return parsed.Subscriptions, nil
}

// normalizedURLs the URL map with upper-case operation names
func (f FeedConfig) normalizedURLs() map[Operation]string {
	urls := map[Operation]string{}
	for op, url := range f.URLMap {
		if url == "" {
			continue
		}
		urls[Operation(strings.ToUpper(strings.TrimSpace(op)))] = url
	}
	mode := Mode(strings.ToUpper(f.SubscriptionMode))
	if mode == ModeFetchedDelivery || mode == ModePollingFetchedDelivery {
		// Data is pulled from the subscription endpoint unless told otherwise
		if subURL, ok := urls[OpSubscribe]; ok {
			for _, op := range []Operation{
				OpGetSituationExchange,
				OpGetVehicleMonitoring,
				OpGetEstimatedTimetable,
				OpGetProductionTimetable,
			} {
				if _, ok := urls[op]; !ok {
					urls[op] = subURL
				}
			}
		}
	}
	return urls
}

// ToRecord convert into a registry record
func (f FeedConfig) ToRecord() Record {
	record := Record{
		InternalID:             f.InternalID,
		SubscriptionID:         f.SubscriptionID,
		Name:                   f.Name,
		Vendor:                 f.Vendor,
		DatasetID:              f.DatasetID,
		DataType:               DataType(strings.ToUpper(f.SubscriptionType)),
		Transport:              Transport(strings.ToUpper(f.ServiceType)),
		Version:                f.Version,
		Mode:                   Mode(strings.ToUpper(f.SubscriptionMode)),
		HeartbeatInterval:      f.HeartbeatInterval,
		SubscriptionDuration:   f.DurationOfSubscription,
		Endpoints:              f.normalizedURLs(),
		Active:                 f.Active,
		RequestorRef:           f.RequestorRef,
		ContentType:            f.ContentType,
		HeartbeatNotifications: f.HeartbeatNotifications,
	}
	if len(f.Environments) > 0 {
		record.Environments = append([]string{}, f.Environments...)
	}
	if len(f.CustomHeaders) > 0 {
		record.CustomHeaders = map[string]string{}
		for k, v := range f.CustomHeaders {
			record.CustomHeaders[k] = v
		}
	}
	return record
}

// ValidateFeed check a record built from configuration
//
// Every problem found is reported in the returned error.
func ValidateFeed(r Record) error {
	var result *multierror.Error
	missing := func(field string) {
		result = multierror.Append(result, fmt.Errorf("%s is required", field))
	}

	if r.Vendor == "" {
		missing("vendor")
	}
	if r.DatasetID == "" {
		missing("datasetId")
	}
	if r.SubscriptionID == "" {
		missing("subscriptionId")
	}
	if r.RequestorRef == "" {
		missing("requestorRef")
	}

	switch r.Transport {
	case TransportSOAP, TransportREST:
	case "":
		missing("serviceType")
	default:
		result = multierror.Append(result, fmt.Errorf("unsupported serviceType %q", r.Transport))
	}

	switch r.DataType {
	case SituationExchange, VehicleMonitoring, EstimatedTimetable, ProductionTimetable:
	case "":
		missing("subscriptionType")
	default:
		result = multierror.Append(
			result, fmt.Errorf("unsupported subscriptionType %q", r.DataType),
		)
	}

	switch r.Version {
	case Version14, Version20:
	case "":
		missing("version")
	default:
		result = multierror.Append(result, fmt.Errorf("unsupported version %q", r.Version))
	}

	if r.SubscriptionDuration <= 0 {
		result = multierror.Append(result, fmt.Errorf("durationOfSubscription must be positive"))
	}
	if r.HeartbeatInterval <= 0 {
		result = multierror.Append(result, fmt.Errorf("heartbeatInterval must be positive"))
	}

	requireURL := func(op Operation) {
		if _, ok := r.URL(op); !ok {
			result = multierror.Append(result, fmt.Errorf("%s URL is required for %s", op, r.Mode))
		}
	}
	switch r.Mode {
	case ModeSubscribe, ModeFetchedDelivery, ModePollingFetchedDelivery:
		requireURL(OpSubscribe)
		requireURL(OpDeleteSubscription)
		if r.Mode != ModeSubscribe && r.DataType != "" {
			if op := ServiceOperation(r.DataType); op != "" {
				requireURL(op)
			}
		}
	case ModeRequestResponse:
		if op := ServiceOperation(r.DataType); op != "" {
			requireURL(op)
		}
	case "":
		missing("subscriptionMode")
	default:
		result = multierror.Append(
			result, fmt.Errorf("unsupported subscriptionMode %q", r.Mode),
		)
	}

	if err := result.ErrorOrNil(); err != nil {
		return fmt.Errorf("invalid subscription %s: %w", r, err)
	}
	return nil
}
