package siri

import (
	"strings"
	"testing"
	"time"

	"github.com/alwitt/sirimux/subscription"
	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

func testRecord() subscription.Record {
	return subscription.Record{
		InternalID:           1,
		SubscriptionID:       "sub-1",
		Vendor:               "ruter",
		DatasetID:            "RUT",
		DataType:             subscription.EstimatedTimetable,
		Transport:            subscription.TransportREST,
		Version:              subscription.Version20,
		Mode:                 subscription.ModeSubscribe,
		HeartbeatInterval:    time.Minute,
		SubscriptionDuration: time.Hour * 24,
		RequestorRef:         "sirimux-ut",
	}
}

func TestRequestBuilders(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	now := time.Date(2022, 5, 1, 12, 0, 0, 0, time.UTC)
	record := testRecord()

	// Case 0: subscription request
	{
		payload, err := BuildSubscriptionRequest(record, "http://me/2.0/rs/ruter/sub-1", now)
		assert.Nil(err)
		msg := string(payload)
		assert.Contains(msg, `<Siri xmlns="http://www.siri.org.uk/siri" version="2.0">`)
		assert.Contains(msg, "<RequestorRef>sirimux-ut</RequestorRef>")
		assert.Contains(msg, "<ConsumerAddress>http://me/2.0/rs/ruter/sub-1</ConsumerAddress>")
		assert.Contains(msg, "<HeartbeatInterval>PT1M</HeartbeatInterval>")
		assert.Contains(msg, "<EstimatedTimetableSubscriptionRequest>")
		assert.Contains(msg, `<EstimatedTimetableRequest version="2.0">`)
		assert.Contains(msg, "<SubscriptionIdentifier>sub-1</SubscriptionIdentifier>")
		assert.Contains(msg, "<InitialTerminationTime>2022-05-02T12:00:00Z</InitialTerminationTime>")
		assert.Contains(msg, "<MessageIdentifier>")
	}

	// Case 1: every request gets a fresh message identifier
	{
		first, err := BuildCheckStatusRequest(record, now)
		assert.Nil(err)
		second, err := BuildCheckStatusRequest(record, now)
		assert.Nil(err)
		assert.NotEqual(string(first), string(second))
	}

	// Case 2: terminate request
	{
		payload, err := BuildTerminateSubscriptionRequest(record, now)
		assert.Nil(err)
		assert.Contains(string(payload), "<SubscriptionRef>sub-1</SubscriptionRef>")
	}

	// Case 3: service request per data type
	{
		r := record.Clone()
		r.DataType = subscription.VehicleMonitoring
		payload, err := BuildServiceRequest(r, now)
		assert.Nil(err)
		assert.Contains(string(payload), "<ServiceRequest>")
		assert.Contains(string(payload), `<VehicleMonitoringRequest version="2.0">`)
		r.DataType = "UNKNOWN"
		_, err = BuildServiceRequest(r, now)
		assert.NotNil(err)
	}

	// Case 4: data supply request
	{
		payload, err := BuildDataSupplyRequest(record, now)
		assert.Nil(err)
		assert.Contains(string(payload), "<ConsumerRef>sirimux-ut</ConsumerRef>")
	}

	// Case 5: 1.4 providers get Address
	{
		r := record.Clone()
		r.Version = subscription.Version14
		payload, err := BuildSubscriptionRequest(r, "http://me", now)
		assert.Nil(err)
		assert.Contains(string(payload), "<Address>http://me</Address>")
		assert.NotContains(string(payload), "<ConsumerAddress>")
	}
}

func TestFormatDuration(t *testing.T) {
	assert := assert.New(t)

	assert.Equal("PT0S", FormatDuration(0))
	assert.Equal("PT30S", FormatDuration(time.Second*30))
	assert.Equal("PT1M", FormatDuration(time.Minute))
	assert.Equal("PT1H30M15S", FormatDuration(time.Hour+time.Minute*30+time.Second*15))
	assert.Equal("PT168H", FormatDuration(time.Hour*168))
}

func TestClassify(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	// Case 0: positive subscription response
	{
		msg, err := Classify([]byte(`<?xml version="1.0"?>
<Siri xmlns="http://www.siri.org.uk/siri" version="2.0">
  <SubscriptionResponse>
    <ResponseTimestamp>2022-05-01T12:00:00Z</ResponseTimestamp>
    <ResponderRef>provider</ResponderRef>
    <ResponseStatus>
      <ResponseTimestamp>2022-05-01T12:00:00Z</ResponseTimestamp>
      <SubscriptionRef>sub-1</SubscriptionRef>
      <Status>true</Status>
    </ResponseStatus>
  </SubscriptionResponse>
</Siri>`))
		assert.Nil(err)
		assert.Equal(KindSubscriptionResponse, msg.Kind)
		assert.Equal("2.0", msg.Version)
		assert.Equal([]string{"sub-1"}, msg.SubscriptionRefs)
		assert.True(msg.HasStatus)
		assert.True(msg.Positive())
	}

	// Case 1: negative acknowledgement
	{
		msg, err := Classify([]byte(`<Siri version="2.0"><SubscriptionResponse><ResponseStatus>
<SubscriptionRef>sub-1</SubscriptionRef><Status>false</Status>
<ErrorCondition><OtherError><ErrorText>Not allowed</ErrorText></OtherError></ErrorCondition>
</ResponseStatus></SubscriptionResponse></Siri>`))
		assert.Nil(err)
		assert.Equal(KindSubscriptionResponse, msg.Kind)
		assert.False(msg.Positive())
		assert.Equal("Not allowed", msg.ErrorText)
	}

	// Case 2: heartbeat without status
	{
		msg, err := Classify([]byte(`<Siri version="2.0"><HeartbeatNotification>
<RequestTimestamp>2022-05-01T12:00:00Z</RequestTimestamp></HeartbeatNotification></Siri>`))
		assert.Nil(err)
		assert.Equal(KindHeartbeatNotification, msg.Kind)
		assert.False(msg.HasStatus)
		assert.True(msg.Positive())
	}

	// Case 3: delivery inside a SOAP envelope
	{
		msg, err := Classify([]byte(`<soapenv:Envelope xmlns:soapenv="http://schemas.xmlsoap.org/soap/envelope/">
<soapenv:Body><Siri version="1.4"><ServiceDelivery><EstimatedTimetableDelivery>
<SubscriptionRef>sub-2</SubscriptionRef></EstimatedTimetableDelivery></ServiceDelivery></Siri>
</soapenv:Body></soapenv:Envelope>`))
		assert.Nil(err)
		assert.Equal(KindServiceDelivery, msg.Kind)
		assert.Equal("1.4", msg.Version)
		assert.Equal([]string{"sub-2"}, msg.SubscriptionRefs)
	}

	// Case 4: data ready and check status
	{
		msg, err := Classify([]byte(`<Siri><DataReadyNotification/></Siri>`))
		assert.Nil(err)
		assert.Equal(KindDataReadyNotification, msg.Kind)
		msg, err = Classify([]byte(`<Siri><CheckStatusResponse><Status>true</Status></CheckStatusResponse></Siri>`))
		assert.Nil(err)
		assert.Equal(KindCheckStatusResponse, msg.Kind)
		assert.True(msg.Positive())
	}

	// Case 5: not SIRI
	{
		_, err := Classify([]byte(`<html><body>oops</body></html>`))
		assert.NotNil(err)
		_, err = Classify([]byte(`not xml <<<`))
		assert.NotNil(err)
	}
}

func TestEnvelopeTranscoder(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	uut := EnvelopeTranscoder{}
	now := time.Date(2022, 5, 1, 12, 0, 0, 0, time.UTC)

	// Case 0: decide whether transcoding is needed
	{
		r := testRecord()
		assert.False(NeedsTranscoding(r))
		r.Version = subscription.Version14
		assert.True(NeedsTranscoding(r))
		r.Version = subscription.Version20
		r.Transport = subscription.TransportSOAP
		assert.True(NeedsTranscoding(r))
	}

	// Case 1: outbound to a SOAP 1.4 provider
	var outbound []byte
	{
		payload, err := BuildCheckStatusRequest(testRecord(), now)
		assert.Nil(err)
		outbound, err = uut.Transcode(payload, "2.0", "1.4", true)
		assert.Nil(err)
		msg := string(outbound)
		assert.True(strings.HasPrefix(msg, "<?xml"))
		assert.Equal(1, strings.Count(msg, "<?xml"))
		assert.Contains(msg, "<soapenv:Envelope")
		assert.Contains(msg, `version="1.4"`)
		assert.NotContains(msg, `version="2.0"`)
	}

	// Case 2: inbound from a SOAP 1.4 provider
	{
		inbound, err := uut.Transcode(outbound, "1.4", "2.0", true)
		assert.Nil(err)
		msg := string(inbound)
		assert.True(strings.HasPrefix(msg, "<Siri"))
		assert.NotContains(msg, "Envelope")
		assert.Contains(msg, `version="2.0"`)
		assert.Contains(msg, "<CheckStatusRequest>")
	}

	// Case 3: version only
	{
		out, err := uut.Transcode([]byte(`<Siri version="1.4"><X version="1.4"/></Siri>`), "1.4", "2.0", false)
		assert.Nil(err)
		assert.Equal(`<Siri version="2.0"><X version="2.0"/></Siri>`, string(out))
	}

	// Case 4: broken envelope
	{
		_, err := uut.Transcode(
			[]byte(`<soapenv:Envelope xmlns:soapenv="x"><soapenv:Header/></soapenv:Envelope>`),
			"1.4", "2.0", true,
		)
		assert.NotNil(err)
	}
}
