package siri

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"
)

// MessageKind kind of message received from a provider
type MessageKind string

// Known message kinds
const (
	KindSubscriptionResponse          MessageKind = "SubscriptionResponse"
	KindTerminateSubscriptionResponse MessageKind = "TerminateSubscriptionResponse"
	KindCheckStatusResponse           MessageKind = "CheckStatusResponse"
	KindHeartbeatNotification         MessageKind = "HeartbeatNotification"
	KindDataReadyNotification         MessageKind = "DataReadyNotification"
	KindServiceDelivery               MessageKind = "ServiceDelivery"
)

// kindByElement message kind by element name. SOAP operation names map onto the same kinds.
var kindByElement = map[string]MessageKind{
	"SubscriptionResponse":          KindSubscriptionResponse,
	"SubscribeResponse":             KindSubscriptionResponse,
	"TerminateSubscriptionResponse": KindTerminateSubscriptionResponse,
	"DeleteSubscriptionResponse":    KindTerminateSubscriptionResponse,
	"CheckStatusResponse":           KindCheckStatusResponse,
	"HeartbeatNotification":         KindHeartbeatNotification,
	"NotifyHeartbeat":               KindHeartbeatNotification,
	"DataReadyNotification":         KindDataReadyNotification,
	"NotifyDataReady":               KindDataReadyNotification,
	"DataReadyRequest":              KindDataReadyNotification,
	"ServiceDelivery":               KindServiceDelivery,
	"DataSupplyResponse":            KindServiceDelivery,
	"Answer":                        KindServiceDelivery,
}

// Message what Classify learned about a received payload
type Message struct {
	// Kind the message kind
	Kind MessageKind
	// Version protocol version announced by the message, if any
	Version string
	// SubscriptionRefs subscription references found in the message
	SubscriptionRefs []string
	// HasStatus whether the message carried any Status element
	HasStatus bool
	// Status true when every Status element was true
	Status bool
	// ErrorText provider error description, if any
	ErrorText string
}

// Positive whether the message does not carry a negative acknowledgement
func (m Message) Positive() bool {
	return !m.HasStatus || m.Status
}

// Classify find the kind of a received SIRI payload, looking through SOAP envelopes
func Classify(payload []byte) (Message, error) {
	result := Message{Status: true}
	decoder := xml.NewDecoder(bytes.NewReader(payload))
	var text strings.Builder
	found := false
	for {
		tok, err := decoder.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Message{}, fmt.Errorf("unable to parse SIRI payload: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			text.Reset()
			if t.Name.Local == "Siri" {
				for _, attr := range t.Attr {
					if attr.Name.Local == "version" {
						result.Version = attr.Value
					}
				}
				continue
			}
			if !found {
				if kind, ok := kindByElement[t.Name.Local]; ok {
					result.Kind = kind
					found = true
				}
			}
		case xml.CharData:
			text.Write(t)
		case xml.EndElement:
			value := strings.TrimSpace(text.String())
			text.Reset()
			if !found {
				continue
			}
			switch t.Name.Local {
			case "Status":
				result.HasStatus = true
				if !strings.EqualFold(value, "true") {
					result.Status = false
				}
			case "SubscriptionRef", "SubscriptionIdentifier":
				if value != "" && !contains(result.SubscriptionRefs, value) {
					result.SubscriptionRefs = append(result.SubscriptionRefs, value)
				}
			case "ErrorText", "Description":
				if value != "" && result.ErrorText == "" {
					result.ErrorText = value
				}
			}
		}
	}
	if !found {
		return Message{}, fmt.Errorf("payload is not a known SIRI message")
	}
	return result, nil
}

func contains(list []string, value string) bool {
	for _, v := range list {
		if v == value {
			return true
		}
	}
	return false
}
