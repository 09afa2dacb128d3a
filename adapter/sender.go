package adapter

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/alwitt/goutils"
	"github.com/alwitt/sirimux/metrics"
	"github.com/alwitt/sirimux/siri"
	"github.com/alwitt/sirimux/subscription"
	"github.com/apex/log"
	"github.com/sethvargo/go-retry"
)

// defaultCallTimeout call timeout when the record has no heartbeat interval
const defaultCallTimeout = time.Second * 30

// maxReasonLength longest provider response kept in a ProtocolError
const maxReasonLength = 256

// RetryPolicy connection retry parameters
type RetryPolicy struct {
	// MaxAttempts max number of attempts, including the first one
	MaxAttempts int
	// InitialDelay delay before the first retry. Each later retry doubles it.
	InitialDelay time.Duration
}

// Response the provider's answer to a call
type Response struct {
	// StatusCode HTTP response code
	StatusCode int
	// Body response body converted to the internal protocol version
	Body []byte
	// Message classification of the body. Nil when the body is empty or not SIRI.
	Message *siri.Message
}

// Sender delivers requests to data providers
type Sender interface {
	// Send post a request built in the internal protocol version to the record's URL
	// for an operation
	Send(
		ctx context.Context, op subscription.Operation, record subscription.Record, body []byte,
	) (Response, error)
}

// senderImpl implements Sender
type senderImpl struct {
	goutils.Component
	client     *http.Client
	policy     RetryPolicy
	transcoder siri.Transcoder
	metrics    metrics.Collector
}

// GetSender define a new provider request sender
func GetSender(
	name string,
	client *http.Client,
	policy RetryPolicy,
	transcoder siri.Transcoder,
	collector metrics.Collector,
) (Sender, error) {
	if policy.MaxAttempts < 1 {
		return nil, fmt.Errorf("retry max attempts must be at least 1")
	}
	if policy.InitialDelay <= 0 {
		return nil, fmt.Errorf("retry initial delay must be positive")
	}
	logTags := log.Fields{
		"module": "adapter", "component": "sender", "instance": name,
	}
	return &senderImpl{
		Component:  goutils.Component{LogTags: logTags},
		client:     client,
		policy:     policy,
		transcoder: transcoder,
		metrics:    collector,
	}, nil
}

func callTimeout(record subscription.Record) time.Duration {
	timeout := record.HeartbeatInterval / 2
	if timeout <= 0 {
		return defaultCallTimeout
	}
	return timeout
}

func contentType(record subscription.Record) string {
	if record.ContentType != "" {
		return record.ContentType
	}
	if record.Transport == subscription.TransportSOAP {
		return "text/xml; charset=utf-8"
	}
	return "application/xml"
}

// Send post a request, retrying on connection failures
func (s *senderImpl) Send(
	ctx context.Context, op subscription.Operation, record subscription.Record, body []byte,
) (Response, error) {
	url, ok := record.URL(op)
	if !ok {
		return Response{}, fmt.Errorf("subscription %s has no %s URL", record, op)
	}
	soap := record.Transport == subscription.TransportSOAP
	payload := body
	if siri.NeedsTranscoding(record) {
		converted, err := s.transcoder.Transcode(body, siri.InternalVersion, record.Version, soap)
		if err != nil {
			return Response{}, fmt.Errorf("unable to transcode %s request: %w", op, err)
		}
		payload = converted
	}

	backoff := retry.WithMaxRetries(
		uint64(s.policy.MaxAttempts-1), retry.NewExponential(s.policy.InitialDelay),
	)

	var resp Response
	attempt := 0
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		var callErr error
		resp, callErr = s.post(ctx, op, url, payload, record)
		if callErr != nil && IsConnectionError(callErr) {
			log.WithError(callErr).WithFields(s.LogTags).Warnf(
				"Attempt %d/%d of %s for %s failed", attempt, s.policy.MaxAttempts, op, record,
			)
			return retry.RetryableError(callErr)
		}
		return callErr
	})
	if err != nil {
		switch {
		case IsConnectionError(err):
			s.metrics.OutboundRequest(string(op), "connection_error")
			log.WithError(err).WithFields(s.LogTags).Errorf(
				"%s for %s failed after %d attempts", op, record, attempt,
			)
		case IsProtocolError(err):
			s.metrics.OutboundRequest(string(op), "protocol_error")
			log.WithError(err).WithFields(s.LogTags).Errorf("%s for %s rejected", op, record)
		default:
			s.metrics.OutboundRequest(string(op), "error")
		}
		return resp, err
	}
	s.metrics.OutboundRequest(string(op), "success")
	return resp, nil
}

// post make one attempt
func (s *senderImpl) post(
	ctx context.Context,
	op subscription.Operation,
	url string,
	payload []byte,
	record subscription.Record,
) (Response, error) {
	callCtxt, cancel := context.WithTimeout(ctx, callTimeout(record))
	defer cancel()

	req, err := http.NewRequestWithContext(callCtxt, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return Response{}, fmt.Errorf("unable to define %s request: %w", op, err)
	}
	req.Header.Set("Content-Type", contentType(record))
	if record.Transport == subscription.TransportSOAP {
		req.Header.Set("SOAPAction", string(op))
	}
	for header, value := range record.CustomHeaders {
		req.Header.Set(header, value)
	}

	httpResp, err := s.client.Do(req)
	if err != nil {
		return Response{}, &ConnectionError{Operation: op, URL: url, Err: err}
	}
	defer func() {
		_ = httpResp.Body.Close()
	}()
	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return Response{}, &ConnectionError{Operation: op, URL: url, Err: err}
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		reason := string(respBody)
		if len(reason) > maxReasonLength {
			reason = reason[:maxReasonLength]
		}
		if reason == "" {
			reason = http.StatusText(httpResp.StatusCode)
		}
		return Response{StatusCode: httpResp.StatusCode}, &ProtocolError{
			Operation: op, URL: url, StatusCode: httpResp.StatusCode, Reason: reason,
		}
	}

	result := Response{StatusCode: httpResp.StatusCode}
	if len(bytes.TrimSpace(respBody)) == 0 {
		return result, nil
	}
	if siri.NeedsTranscoding(record) {
		converted, err := s.transcoder.Transcode(
			respBody, record.Version, siri.InternalVersion, record.Transport == subscription.TransportSOAP,
		)
		if err != nil {
			log.WithError(err).WithFields(s.LogTags).Warnf(
				"Unable to transcode %s response for %s", op, record,
			)
			result.Body = respBody
			return result, nil
		}
		respBody = converted
	}
	result.Body = respBody
	msg, err := siri.Classify(respBody)
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Debugf("%s response for %s is not SIRI", op, record)
		return result, nil
	}
	result.Message = &msg
	if !msg.Positive() {
		return result, &ProtocolError{
			Operation:  op,
			URL:        url,
			StatusCode: httpResp.StatusCode,
			Reason:     fmt.Sprintf("negative status: %s", msg.ErrorText),
		}
	}
	return result, nil
}
