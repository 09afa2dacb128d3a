package pipeline

import (
	"errors"
	"fmt"
	"time"

	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/nats-io/nats.go"
)

// StreamManager the JetStream stream operations needed to manage the delivery stream
type StreamManager interface {
	StreamInfo(stream string, opts ...nats.JSOpt) (*nats.StreamInfo, error)
	AddStream(cfg *nats.StreamConfig, opts ...nats.JSOpt) (*nats.StreamInfo, error)
	UpdateStream(cfg *nats.StreamConfig, opts ...nats.JSOpt) (*nats.StreamInfo, error)
}

// StreamParam the delivery stream definition
type StreamParam struct {
	// Name stream name
	Name string `validate:"required"`
	// SubjectPrefix delivery subject prefix. The stream captures every subject under it.
	SubjectPrefix string `validate:"required"`
	// MaxAge how long deliveries are retained. Zero keeps them until other limits apply.
	MaxAge time.Duration `validate:"gte=0"`
	// MaxBytes max size of the stream. Zero or negative is unlimited.
	MaxBytes int64
}

func (p StreamParam) subjects() []string {
	return []string{fmt.Sprintf("%s.>", p.SubjectPrefix)}
}

// applyStreamParam write the managed settings into a stream config.
// Returns whether anything changed.
func applyStreamParam(param StreamParam, cfg *nats.StreamConfig) bool {
	changed := false
	subjects := param.subjects()
	if len(cfg.Subjects) != len(subjects) || cfg.Subjects[0] != subjects[0] {
		cfg.Subjects = subjects
		changed = true
	}
	if cfg.MaxAge != param.MaxAge {
		cfg.MaxAge = param.MaxAge
		changed = true
	}
	maxBytes := param.MaxBytes
	if maxBytes <= 0 {
		maxBytes = -1
	}
	if cfg.MaxBytes != maxBytes {
		cfg.MaxBytes = maxBytes
		changed = true
	}
	return changed
}

// EnsureDeliveryStream define the JetStream stream retaining published deliveries, or bring
// an existing one in line with the parameters
func EnsureDeliveryStream(js StreamManager, param StreamParam) error {
	logTags := log.Fields{
		"module": "pipeline", "component": "delivery-stream", "instance": param.Name,
	}
	if err := validator.New().Struct(&param); err != nil {
		return err
	}

	info, err := js.StreamInfo(param.Name)
	if err != nil && !errors.Is(err, nats.ErrStreamNotFound) {
		log.WithError(err).WithFields(logTags).Errorf("Unable to get stream %s info", param.Name)
		return err
	}

	if info == nil {
		cfg := nats.StreamConfig{Name: param.Name, MaxBytes: -1}
		applyStreamParam(param, &cfg)
		if _, err := js.AddStream(&cfg); err != nil {
			log.WithError(err).WithFields(logTags).Errorf(
				"Unable to define new stream %s", param.Name,
			)
			return err
		}
		log.WithFields(logTags).Infof("Defined new stream %s", param.Name)
		return nil
	}

	cfg := info.Config
	if !applyStreamParam(param, &cfg) {
		log.WithFields(logTags).Debugf("Stream %s is up to date", param.Name)
		return nil
	}
	if _, err := js.UpdateStream(&cfg); err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to update stream %s", param.Name)
		return err
	}
	log.WithFields(logTags).Infof("Updated stream %s", param.Name)
	return nil
}
