package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/alwitt/goutils"
	"github.com/alwitt/sirimux/core"
	"github.com/alwitt/sirimux/metrics"
	"github.com/alwitt/sirimux/subscription"
	"github.com/apex/log"
)

// Delivery one payload received from a data provider
type Delivery struct {
	// SubscriptionID the subscription the payload belongs to
	SubscriptionID string
	// DatasetID dataset of the providing feed
	DatasetID string
	// DataType kind of data carried
	DataType subscription.DataType
	// Payload the SIRI 2.0 payload
	Payload []byte
}

// Sink hands received payloads to the processing pipeline
type Sink interface {
	// Deliver pass on one payload
	Deliver(ctx context.Context, delivery Delivery) error
}

// ========================================================================================

// natsSinkImpl implements Sink by publishing on NATS subjects
type natsSinkImpl struct {
	goutils.Component
	bus     core.MessageBus
	prefix  string
	metrics metrics.Collector
}

// GetNATSSink define a sink publishing payloads on <prefix>.<dataType>.<datasetId>
func GetNATSSink(
	bus core.MessageBus, subjectPrefix string, collector metrics.Collector,
) (Sink, error) {
	if subjectPrefix == "" {
		return nil, fmt.Errorf("delivery subject prefix not given")
	}
	logTags := log.Fields{
		"module": "pipeline", "component": "nats-sink", "instance": subjectPrefix,
	}
	return &natsSinkImpl{
		Component: goutils.Component{LogTags: logTags},
		bus:       bus,
		prefix:    subjectPrefix,
		metrics:   collector,
	}, nil
}

// Subject the subject a delivery is published on
func Subject(prefix string, delivery Delivery) string {
	// Subject tokens cannot carry '.', '*', '>' or whitespace
	sanitize := strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_")
	return fmt.Sprintf(
		"%s.%s.%s",
		prefix,
		strings.ToLower(string(delivery.DataType)),
		sanitize.Replace(delivery.DatasetID),
	)
}

// Deliver pass on one payload
func (s *natsSinkImpl) Deliver(ctx context.Context, delivery Delivery) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	subject := Subject(s.prefix, delivery)
	err := s.bus.Publish(subject, delivery.Payload)
	s.metrics.PayloadDelivered(string(delivery.DataType), err)
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf(
			"Unable to publish payload of %s on %s", delivery.SubscriptionID, subject,
		)
		return err
	}
	log.WithFields(s.LogTags).Debugf(
		"Published %d bytes of %s on %s", len(delivery.Payload), delivery.SubscriptionID, subject,
	)
	return nil
}

// ========================================================================================

// DiscardSink Sink which drops every payload
type DiscardSink struct{}

// Deliver drop the payload
func (DiscardSink) Deliver(_ context.Context, delivery Delivery) error {
	log.WithFields(log.Fields{
		"module": "pipeline", "component": "discard-sink", "instance": delivery.DatasetID,
	}).Debugf("Dropping %d bytes of %s", len(delivery.Payload), delivery.SubscriptionID)
	return nil
}
