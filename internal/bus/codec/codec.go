// Package codec encodes and decodes the bus wire envelope. When a
// schema registry is configured, messages carry the Confluent-compatible
// length-prefixed framing (magic byte 0x0 + 4-byte big-endian schema
// ID); otherwise the envelope is plain JSON. No Avro/Protobuf codec is
// wired (nothing in the retrieval pack brings one), so the encoded
// body is always JSON — the schema registry's role here is limited to
// minting/resolving a schema ID for the framing, not body encoding.
package codec

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"
)

const magicByte = 0x0

const originator = "auto_pilot"

// Envelope is the wire-level message shape from spec §6: topic,
// originator, timestamp, mime-type and a topic-specific payload.
type Envelope struct {
	Topic      string          `json:"topic"`
	Originator string          `json:"originator"`
	Timestamp  time.Time       `json:"timestamp"`
	MimeType   string          `json:"mime-type"`
	Payload    json.RawMessage `json:"payload"`
}

// NewEnvelope builds an outbound envelope, JSON-marshaling payload and
// stamping the fields the core always sets on emit.
func NewEnvelope(topic string, payload any, now time.Time) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal payload: %w", err)
	}
	return Envelope{
		Topic:      topic,
		Originator: originator,
		Timestamp:  now.UTC(),
		MimeType:   "application/json",
		Payload:    raw,
	}, nil
}

// SchemaIDResolver returns the schema registry ID to frame a message
// for subject. The real implementation lives in bus/catalog's registry
// client; tests supply a constant.
type SchemaIDResolver interface {
	ResolveSchemaID(subject string) (int32, error)
}

// Codec turns envelopes into wire bytes and back.
type Codec struct {
	schemaRegistryEnabled bool
	resolver              SchemaIDResolver
}

func New(schemaRegistryEnabled bool, resolver SchemaIDResolver) *Codec {
	return &Codec{schemaRegistryEnabled: schemaRegistryEnabled, resolver: resolver}
}

// Encode serializes env, prefixing the Confluent wire header when the
// schema registry is enabled.
func (c *Codec) Encode(env Envelope) ([]byte, error) {
	body, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	if !c.schemaRegistryEnabled {
		return body, nil
	}

	schemaID, err := c.resolver.ResolveSchemaID(env.Topic + "-value")
	if err != nil {
		return nil, fmt.Errorf("resolve schema id: %w", err)
	}

	buf := make([]byte, 5, 5+len(body))
	buf[0] = magicByte
	binary.BigEndian.PutUint32(buf[1:5], uint32(schemaID))
	buf = append(buf, body...)
	return buf, nil
}

// Decode parses raw bytes, transparently stripping the Confluent wire
// header when present (magic byte 0x0 followed by a 4-byte schema ID),
// and falling back to plain JSON otherwise.
func Decode(raw []byte) (Envelope, error) {
	body := raw
	if len(raw) >= 5 && raw[0] == magicByte {
		body = raw[5:]
	}

	var env Envelope
	if err := json.NewDecoder(bytes.NewReader(body)).Decode(&env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	return env, nil
}
