package siri

import (
	"encoding/xml"
	"fmt"
	"strings"
	"time"

	"github.com/alwitt/sirimux/subscription"
	"github.com/google/uuid"
)

// Namespace SIRI XML namespace
const Namespace = "http://www.siri.org.uk/siri"

// InternalVersion the protocol version messages are built and processed in
const InternalVersion = subscription.Version20

// Siri root element of every outbound message
type Siri struct {
	XMLName                      xml.Name                      `xml:"http://www.siri.org.uk/siri Siri"`
	Version                      string                        `xml:"version,attr"`
	SubscriptionRequest          *SubscriptionRequest          `xml:"SubscriptionRequest,omitempty"`
	TerminateSubscriptionRequest *TerminateSubscriptionRequest `xml:"TerminateSubscriptionRequest,omitempty"`
	CheckStatusRequest           *CheckStatusRequest           `xml:"CheckStatusRequest,omitempty"`
	ServiceRequest               *ServiceRequest               `xml:"ServiceRequest,omitempty"`
	DataSupplyRequest            *DataSupplyRequest            `xml:"DataSupplyRequest,omitempty"`
}

// FunctionalRequest the data type specific request. The element name depends on the data type.
type FunctionalRequest struct {
	XMLName           xml.Name
	Version           string `xml:"version,attr"`
	RequestTimestamp  string `xml:"RequestTimestamp"`
	MessageIdentifier string `xml:"MessageIdentifier,omitempty"`
}

// SubscriptionEntry one data type subscription inside a SubscriptionRequest
type SubscriptionEntry struct {
	XMLName                xml.Name
	SubscriberRef          string             `xml:"SubscriberRef"`
	SubscriptionIdentifier string             `xml:"SubscriptionIdentifier"`
	InitialTerminationTime string             `xml:"InitialTerminationTime"`
	Request                *FunctionalRequest `xml:",omitempty"`
}

// SubscriptionContext subscription wide parameters
type SubscriptionContext struct {
	HeartbeatInterval string `xml:"HeartbeatInterval"`
}

// SubscriptionRequest ask a provider to start pushing data
type SubscriptionRequest struct {
	RequestTimestamp    string               `xml:"RequestTimestamp"`
	Address             string               `xml:"Address,omitempty"`
	RequestorRef        string               `xml:"RequestorRef"`
	MessageIdentifier   string               `xml:"MessageIdentifier"`
	ConsumerAddress     string               `xml:"ConsumerAddress,omitempty"`
	SubscriptionContext *SubscriptionContext `xml:"SubscriptionContext,omitempty"`
	Entry               *SubscriptionEntry   `xml:",omitempty"`
}

// TerminateSubscriptionRequest ask a provider to stop pushing data
type TerminateSubscriptionRequest struct {
	RequestTimestamp  string `xml:"RequestTimestamp"`
	RequestorRef      string `xml:"RequestorRef"`
	MessageIdentifier string `xml:"MessageIdentifier"`
	SubscriptionRef   string `xml:"SubscriptionRef"`
}

// CheckStatusRequest ask a provider whether it is alive
type CheckStatusRequest struct {
	RequestTimestamp  string `xml:"RequestTimestamp"`
	RequestorRef      string `xml:"RequestorRef"`
	MessageIdentifier string `xml:"MessageIdentifier"`
}

// ServiceRequest ask a provider for its current data
type ServiceRequest struct {
	RequestTimestamp  string             `xml:"RequestTimestamp"`
	RequestorRef      string             `xml:"RequestorRef"`
	MessageIdentifier string             `xml:"MessageIdentifier"`
	Request           *FunctionalRequest `xml:",omitempty"`
}

// DataSupplyRequest fetch data a provider announced as ready
type DataSupplyRequest struct {
	RequestTimestamp  string `xml:"RequestTimestamp"`
	ConsumerRef       string `xml:"ConsumerRef"`
	MessageIdentifier string `xml:"MessageIdentifier"`
	AllData           bool   `xml:"AllData"`
}

// elementPrefix the element name prefix for a data type
func elementPrefix(dataType subscription.DataType) (string, error) {
	switch dataType {
	case subscription.SituationExchange:
		return "SituationExchange", nil
	case subscription.VehicleMonitoring:
		return "VehicleMonitoring", nil
	case subscription.EstimatedTimetable:
		return "EstimatedTimetable", nil
	case subscription.ProductionTimetable:
		return "ProductionTimetable", nil
	}
	return "", fmt.Errorf("unsupported data type %s", dataType)
}

// FormatTimestamp format a timestamp the way SIRI expects it
func FormatTimestamp(t time.Time) string {
	return t.Format(time.RFC3339)
}

// FormatDuration format a duration as an ISO-8601 duration
func FormatDuration(d time.Duration) string {
	if d <= 0 {
		return "PT0S"
	}
	var b strings.Builder
	b.WriteString("PT")
	hours := d / time.Hour
	d -= hours * time.Hour
	minutes := d / time.Minute
	d -= minutes * time.Minute
	seconds := d / time.Second
	if hours > 0 {
		fmt.Fprintf(&b, "%dH", hours)
	}
	if minutes > 0 {
		fmt.Fprintf(&b, "%dM", minutes)
	}
	if seconds > 0 || (hours == 0 && minutes == 0) {
		fmt.Fprintf(&b, "%dS", seconds)
	}
	return b.String()
}

func marshal(msg Siri) ([]byte, error) {
	body, err := xml.Marshal(&msg)
	if err != nil {
		return nil, fmt.Errorf("unable to marshal SIRI message: %w", err)
	}
	return append([]byte(xml.Header), body...), nil
}

func newFunctionalRequest(
	record subscription.Record, suffix string, now time.Time, withMsgID bool,
) (*FunctionalRequest, error) {
	prefix, err := elementPrefix(record.DataType)
	if err != nil {
		return nil, err
	}
	req := &FunctionalRequest{
		XMLName:          xml.Name{Local: prefix + suffix},
		Version:          InternalVersion,
		RequestTimestamp: FormatTimestamp(now),
	}
	if withMsgID {
		req.MessageIdentifier = uuid.NewString()
	}
	return req, nil
}

// BuildSubscriptionRequest build the request starting a push subscription
//
// consumerAddress is where the provider should deliver to.
func BuildSubscriptionRequest(
	record subscription.Record, consumerAddress string, now time.Time,
) ([]byte, error) {
	prefix, err := elementPrefix(record.DataType)
	if err != nil {
		return nil, err
	}
	functional, err := newFunctionalRequest(record, "Request", now, false)
	if err != nil {
		return nil, err
	}
	req := &SubscriptionRequest{
		RequestTimestamp:  FormatTimestamp(now),
		RequestorRef:      record.RequestorRef,
		MessageIdentifier: uuid.NewString(),
		SubscriptionContext: &SubscriptionContext{
			HeartbeatInterval: FormatDuration(record.HeartbeatInterval),
		},
		Entry: &SubscriptionEntry{
			XMLName:                xml.Name{Local: prefix + "SubscriptionRequest"},
			SubscriberRef:          record.RequestorRef,
			SubscriptionIdentifier: record.SubscriptionID,
			InitialTerminationTime: FormatTimestamp(now.Add(record.SubscriptionDuration)),
			Request:                functional,
		},
	}
	// 1.4 providers expect Address, 2.0 providers ConsumerAddress
	if record.Version == subscription.Version14 {
		req.Address = consumerAddress
	} else {
		req.ConsumerAddress = consumerAddress
	}
	return marshal(Siri{Version: InternalVersion, SubscriptionRequest: req})
}

// BuildTerminateSubscriptionRequest build the request ending a push subscription
func BuildTerminateSubscriptionRequest(record subscription.Record, now time.Time) ([]byte, error) {
	return marshal(Siri{
		Version: InternalVersion,
		TerminateSubscriptionRequest: &TerminateSubscriptionRequest{
			RequestTimestamp:  FormatTimestamp(now),
			RequestorRef:      record.RequestorRef,
			MessageIdentifier: uuid.NewString(),
			SubscriptionRef:   record.SubscriptionID,
		},
	})
}

// BuildCheckStatusRequest build the provider liveness request
func BuildCheckStatusRequest(record subscription.Record, now time.Time) ([]byte, error) {
	return marshal(Siri{
		Version: InternalVersion,
		CheckStatusRequest: &CheckStatusRequest{
			RequestTimestamp:  FormatTimestamp(now),
			RequestorRef:      record.RequestorRef,
			MessageIdentifier: uuid.NewString(),
		},
	})
}

// BuildServiceRequest build the request polling a provider for data
func BuildServiceRequest(record subscription.Record, now time.Time) ([]byte, error) {
	functional, err := newFunctionalRequest(record, "Request", now, true)
	if err != nil {
		return nil, err
	}
	return marshal(Siri{
		Version: InternalVersion,
		ServiceRequest: &ServiceRequest{
			RequestTimestamp:  FormatTimestamp(now),
			RequestorRef:      record.RequestorRef,
			MessageIdentifier: uuid.NewString(),
			Request:           functional,
		},
	})
}

// BuildDataSupplyRequest build the request pulling announced data
func BuildDataSupplyRequest(record subscription.Record, now time.Time) ([]byte, error) {
	return marshal(Siri{
		Version: InternalVersion,
		DataSupplyRequest: &DataSupplyRequest{
			RequestTimestamp:  FormatTimestamp(now),
			ConsumerRef:       record.RequestorRef,
			MessageIdentifier: uuid.NewString(),
			AllData:           false,
		},
	})
}
