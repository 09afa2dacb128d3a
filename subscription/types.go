package subscription

import (
	"fmt"
	"reflect"
	"strings"
	"time"
)

// DataType the kind of data a subscription delivers
type DataType string

// Supported data types
const (
	SituationExchange   DataType = "SITUATION_EXCHANGE"
	VehicleMonitoring   DataType = "VEHICLE_MONITORING"
	EstimatedTimetable  DataType = "ESTIMATED_TIMETABLE"
	ProductionTimetable DataType = "PRODUCTION_TIMETABLE"
)

// Transport the transport binding used towards a provider
type Transport string

// Supported transports
const (
	TransportSOAP Transport = "SOAP"
	TransportREST Transport = "REST"
)

// Mode how data is obtained from a provider
type Mode string

// Supported modes
const (
	ModeSubscribe              Mode = "SUBSCRIBE"
	ModeRequestResponse        Mode = "REQUEST_RESPONSE"
	ModeFetchedDelivery        Mode = "FETCHED_DELIVERY"
	ModePollingFetchedDelivery Mode = "POLLING_FETCHED_DELIVERY"
)

// Operation a provider endpoint operation
type Operation string

// Supported operations
const (
	OpSubscribe              Operation = "SUBSCRIBE"
	OpDeleteSubscription     Operation = "DELETE_SUBSCRIPTION"
	OpCheckStatus            Operation = "CHECK_STATUS"
	OpGetSituationExchange   Operation = "GET_SITUATION_EXCHANGE"
	OpGetVehicleMonitoring   Operation = "GET_VEHICLE_MONITORING"
	OpGetEstimatedTimetable  Operation = "GET_ESTIMATED_TIMETABLE"
	OpGetProductionTimetable Operation = "GET_PRODUCTION_TIMETABLE"
)

// Supported protocol versions
const (
	Version14 = "1.4"
	Version20 = "2.0"
)

// State registry state of a subscription
type State string

// Registry states
const (
	StatePending State = "PENDING"
	StateActive  State = "ACTIVE"
)

// ServiceOperation the GET_* operation serving a data type
func ServiceOperation(dataType DataType) Operation {
	switch dataType {
	case SituationExchange:
		return OpGetSituationExchange
	case VehicleMonitoring:
		return OpGetVehicleMonitoring
	case EstimatedTimetable:
		return OpGetEstimatedTimetable
	case ProductionTimetable:
		return OpGetProductionTimetable
	}
	return ""
}

// Record the description of one upstream feed
type Record struct {
	// InternalID stable identity across config reloads
	InternalID int64 `json:"internal_id"`
	// SubscriptionID externally visible ID, regenerated on re-subscribe
	SubscriptionID string `json:"subscription_id"`
	// Name human readable feed name
	Name string `json:"name,omitempty"`
	// Vendor provider name
	Vendor string `json:"vendor"`
	// DatasetID dataset (codespace) the data belongs to
	DatasetID string `json:"dataset_id"`
	// DataType the kind of data delivered
	DataType DataType `json:"data_type"`
	// Transport SOAP or REST
	Transport Transport `json:"transport"`
	// Version protocol version "1.4" or "2.0"
	Version string `json:"version"`
	// Mode how data is obtained
	Mode Mode `json:"mode"`
	// HeartbeatInterval expected interval between signs of life
	HeartbeatInterval time.Duration `json:"heartbeat_interval"`
	// SubscriptionDuration requested lifetime of an upstream subscription
	SubscriptionDuration time.Duration `json:"subscription_duration"`
	// Endpoints provider URL per operation
	Endpoints map[Operation]string `json:"endpoints"`
	// Active operator intent
	Active bool `json:"active"`
	// Environments deployment scopes this record is valid in
	Environments []string `json:"environments,omitempty"`
	// RequestorRef requestor identity sent to the provider
	RequestorRef string `json:"requestor_ref"`
	// ContentType content type of outbound requests
	ContentType string `json:"content_type,omitempty"`
	// CustomHeaders extra headers of outbound requests
	CustomHeaders map[string]string `json:"custom_headers,omitempty"`
	// HeartbeatNotifications whether the provider sends heartbeats on its own
	HeartbeatNotifications bool `json:"heartbeat_notifications"`
}

// String return a short description for logging
func (r Record) String() string {
	return fmt.Sprintf(
		"%s[%d/%s/%s/%s/%s]", r.Vendor, r.InternalID, r.SubscriptionID, r.DataType, r.Mode, r.Version,
	)
}

// URL fetch the URL for an operation
func (r Record) URL(op Operation) (string, bool) {
	if r.Endpoints == nil {
		return "", false
	}
	url, ok := r.Endpoints[op]
	return url, ok && url != ""
}

// InboundURL the address providers deliver to for this subscription
func (r Record) InboundURL(baseURL string) string {
	transport := "rs"
	if r.Transport == TransportSOAP {
		transport = "ws"
	}
	return fmt.Sprintf(
		"%s/%s/%s/%s/%s",
		strings.TrimRight(baseURL, "/"), r.Version, transport, r.Vendor, r.SubscriptionID,
	)
}

// ValidInEnvironment whether the record applies to a deployment scope
//
// A record without environments applies everywhere.
func (r Record) ValidInEnvironment(env string) bool {
	if len(r.Environments) == 0 || env == "" {
		return true
	}
	for _, e := range r.Environments {
		if strings.EqualFold(e, env) {
			return true
		}
	}
	return false
}

// Clone deep copy the record
func (r Record) Clone() Record {
	c := r
	if r.Endpoints != nil {
		c.Endpoints = make(map[Operation]string, len(r.Endpoints))
		for k, v := range r.Endpoints {
			c.Endpoints[k] = v
		}
	}
	if r.CustomHeaders != nil {
		c.CustomHeaders = make(map[string]string, len(r.CustomHeaders))
		for k, v := range r.CustomHeaders {
			c.CustomHeaders[k] = v
		}
	}
	if r.Environments != nil {
		c.Environments = append([]string{}, r.Environments...)
	}
	return c
}

// MateriallyEqual compare the configuration of two records
//
// SubscriptionID and Active are runtime identity / operator state and are ignored.
func (r Record) MateriallyEqual(other Record) bool {
	a := r.Clone()
	b := other.Clone()
	a.SubscriptionID, b.SubscriptionID = "", ""
	a.Active, b.Active = false, false
	if len(a.Endpoints) == 0 && len(b.Endpoints) == 0 {
		a.Endpoints, b.Endpoints = nil, nil
	}
	if len(a.CustomHeaders) == 0 && len(b.CustomHeaders) == 0 {
		a.CustomHeaders, b.CustomHeaders = nil, nil
	}
	if len(a.Environments) == 0 && len(b.Environments) == 0 {
		a.Environments, b.Environments = nil, nil
	}
	return reflect.DeepEqual(a, b)
}

// Status runtime status of a registered record
type Status struct {
	// State Pending or Active
	State State `json:"state"`
	// RegisteredAt when the record entered the registry
	RegisteredAt time.Time `json:"registered_at"`
	// PendingSince reference point of a Pending record's health
	PendingSince time.Time `json:"pending_since"`
	// LastActivity last observed sign of life of an Active record
	LastActivity time.Time `json:"last_activity"`
	// AwaitingConfirmation a start was acknowledged, waiting on the async confirmation
	AwaitingConfirmation bool `json:"awaiting_confirmation"`
	// Sequence registration order
	Sequence uint64 `json:"sequence"`
}

// Entry a record with its runtime status
type Entry struct {
	Record Record `json:"record"`
	Status Status `json:"status"`
}
