package core

import (
	"context"
	"fmt"
	"time"

	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/nats-io/nats.go"
)

// NATSConnectParams NATS connection parameter
type NATSConnectParams struct {
	// ServerURI connect to NATS JetStream cluster with URI
	ServerURI string `validate:"required,uri"`
	// ConnectTimeout max time to wait for connection
	ConnectTimeout time.Duration
	// MaxReconnectAttempt on connection failure, max number of reconnect
	// attempt. "-1" means infinite
	MaxReconnectAttempt int
	// ReconnectWait wait duration between reconnect attempts
	ReconnectWait time.Duration
	// OnDisconnectCallback callback on disconnect
	OnDisconnectCallback func(*nats.Conn, error)
	// OnReconnectCallback callback on reconnect
	OnReconnectCallback func(*nats.Conn)
	// OnCloseCallback callback on close
	OnCloseCallback func(*nats.Conn)
}

// MessageHandler callback on a received message
type MessageHandler func(data []byte)

// MessageBus subject based publish / subscribe
type MessageBus interface {
	// Publish send a message on a subject
	Publish(subject string, data []byte) error
	// Subscribe listen on a subject. Returns the function ending the subscription.
	Subscribe(subject string, handler MessageHandler) (func() error, error)
}

// RequestHandler answer a request. The returned bytes are the reply.
type RequestHandler func(data []byte) []byte

// RequestBus subject based request / reply on top of publish / subscribe
type RequestBus interface {
	MessageBus
	// Request send a request and wait for the first reply
	Request(ctxt context.Context, subject string, data []byte) ([]byte, error)
	// Serve answer requests on a subject. Returns the function ending the subscription.
	Serve(subject string, handler RequestHandler) (func() error, error)
}

// NatsClient NATS client shared by the cluster and delivery components
type NatsClient struct {
	goutils.Component
	nc *nats.Conn
	js nats.JetStreamContext
}

// Close close a NATS client
func (c *NatsClient) Close(ctxt context.Context) {
	if err := c.nc.FlushWithContext(ctxt); err != nil {
		log.WithError(err).WithFields(c.LogTags).Errorf("NATS flush failed")
	}
	c.nc.Close()
	log.WithFields(c.LogTags).Infof("Close NATS client")
}

// JetStream fetch the JetStream client
func (c *NatsClient) JetStream() nats.JetStreamContext {
	return c.js
}

// Connected whether the client is connected to the server
func (c *NatsClient) Connected() bool {
	return c.nc.IsConnected()
}

// Publish send a message on a subject
func (c *NatsClient) Publish(subject string, data []byte) error {
	return c.nc.Publish(subject, data)
}

// Subscribe listen on a subject
func (c *NatsClient) Subscribe(subject string, handler MessageHandler) (func() error, error) {
	sub, err := c.nc.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("unable to subscribe to %s: %w", subject, err)
	}
	return sub.Unsubscribe, nil
}

// Request send a request and wait for the first reply
func (c *NatsClient) Request(ctxt context.Context, subject string, data []byte) ([]byte, error) {
	msg, err := c.nc.RequestWithContext(ctxt, subject, data)
	if err != nil {
		return nil, err
	}
	return msg.Data, nil
}

// Serve answer requests on a subject
func (c *NatsClient) Serve(subject string, handler RequestHandler) (func() error, error) {
	sub, err := c.nc.Subscribe(subject, func(msg *nats.Msg) {
		if err := msg.Respond(handler(msg.Data)); err != nil {
			log.WithError(err).WithFields(c.LogTags).Errorf("Unable to reply on %s", subject)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("unable to serve %s: %w", subject, err)
	}
	return sub.Unsubscribe, nil
}

// KeyValue fetch a JetStream KV bucket, creating it if needed
func (c *NatsClient) KeyValue(bucket string, ttl time.Duration) (nats.KeyValue, error) {
	kv, err := c.js.KeyValue(bucket)
	if err == nil {
		return kv, nil
	}
	if err != nats.ErrBucketNotFound {
		log.WithError(err).WithFields(c.LogTags).Errorf("Unable to fetch KV bucket %s", bucket)
		return nil, err
	}
	kv, err = c.js.CreateKeyValue(&nats.KeyValueConfig{
		Bucket: bucket, TTL: ttl, History: 1,
	})
	if err != nil {
		log.WithError(err).WithFields(c.LogTags).Errorf("Unable to create KV bucket %s", bucket)
		return nil, err
	}
	log.WithFields(c.LogTags).Infof("Created KV bucket %s", bucket)
	return kv, nil
}

// GetJetStream define a new NATS client with JetStream support
func GetJetStream(param NATSConnectParams) (*NatsClient, error) {
	logTags := log.Fields{
		"module":    "core",
		"component": "nats-client",
		"instance":  param.ServerURI,
	}
	// Create the NATS transport
	nc, err := nats.Connect(
		param.ServerURI,
		nats.Timeout(param.ConnectTimeout),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(param.MaxReconnectAttempt),
		nats.ReconnectWait(param.ReconnectWait),
		nats.DisconnectErrHandler(param.OnDisconnectCallback),
		nats.ReconnectHandler(param.OnReconnectCallback),
		nats.ClosedHandler(param.OnCloseCallback),
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("NATS client connect failed")
		return nil, err
	}

	// Define the JetStream client
	js, err := nc.JetStream()
	if err != nil {
		log.WithError(err).WithFields(logTags).Error(
			"Failed to define JetStream client",
		)
		nc.Close()
		return nil, err
	}
	log.WithFields(logTags).Info("Created JetStream client")

	return &NatsClient{
		Component: goutils.Component{LogTags: logTags},
		nc:        nc,
		js:        js,
	}, nil
}
