package siri

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"regexp"

	"github.com/alwitt/sirimux/subscription"
)

// Transcoder converts payloads between protocol versions and transport bindings
type Transcoder interface {
	// Transcode convert payload from one protocol version to another. When soap is set the
	// provider side uses SOAP: a bare payload is wrapped in an envelope, an envelope is
	// unwrapped.
	Transcode(payload []byte, from, to string, soap bool) ([]byte, error)
}

// NeedsTranscoding whether messages to and from a record's provider need transcoding
func NeedsTranscoding(record subscription.Record) bool {
	return record.Version != InternalVersion || record.Transport == subscription.TransportSOAP
}

// soapEnvelopeNamespace SOAP 1.1 envelope namespace
const soapEnvelopeNamespace = "http://schemas.xmlsoap.org/soap/envelope/"

var (
	versionAttr = regexp.MustCompile(`(\sversion=")([^"]*)(")`)
	xmlDecl     = regexp.MustCompile(`^\s*<\?xml[^>]*\?>\s*`)
)

// EnvelopeTranscoder handles the SOAP envelope and the version marker.
//
// Mapping between the 1.4 and 2.0 schemas is not done here.
type EnvelopeTranscoder struct{}

// Transcode implements Transcoder
func (EnvelopeTranscoder) Transcode(payload []byte, from, to string, soap bool) ([]byte, error) {
	result := payload
	if soap {
		if isEnvelope(payload) {
			body, err := unwrapEnvelope(payload)
			if err != nil {
				return nil, err
			}
			result = body
		} else {
			result = wrapEnvelope(payload)
		}
	}
	if from != to {
		result = versionAttr.ReplaceAllFunc(result, func(match []byte) []byte {
			parts := versionAttr.FindSubmatch(match)
			if string(parts[2]) != from {
				return match
			}
			return []byte(fmt.Sprintf("%s%s%s", parts[1], to, parts[3]))
		})
	}
	return result, nil
}

// isEnvelope whether the payload's root element is a SOAP envelope
func isEnvelope(payload []byte) bool {
	decoder := xml.NewDecoder(bytes.NewReader(payload))
	for {
		tok, err := decoder.Token()
		if err != nil {
			return false
		}
		if start, ok := tok.(xml.StartElement); ok {
			return start.Name.Local == "Envelope"
		}
	}
}

func wrapEnvelope(payload []byte) []byte {
	var b bytes.Buffer
	b.WriteString(xml.Header)
	b.WriteString(`<soapenv:Envelope xmlns:soapenv="` + soapEnvelopeNamespace + `"><soapenv:Body>`)
	b.Write(xmlDecl.ReplaceAll(payload, nil))
	b.WriteString(`</soapenv:Body></soapenv:Envelope>`)
	return b.Bytes()
}

func unwrapEnvelope(payload []byte) ([]byte, error) {
	decoder := xml.NewDecoder(bytes.NewReader(payload))
	bodyStart := int64(-1)
	depth := 0
	for {
		offset := decoder.InputOffset()
		tok, err := decoder.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("unable to parse SOAP envelope: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if bodyStart < 0 {
				if t.Name.Local == "Body" {
					bodyStart = decoder.InputOffset()
				}
				continue
			}
			depth++
		case xml.EndElement:
			if bodyStart < 0 {
				continue
			}
			if depth == 0 {
				return bytes.TrimSpace(payload[bodyStart:offset]), nil
			}
			depth--
		}
	}
	return nil, fmt.Errorf("SOAP envelope has no body")
}
