// Package envelope implements the codec and validator for the MEW wire
// envelope (spec §3, §4.1): parsing, shape validation, and deterministic
// serialization of the JSON messages routed between participants.
package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SystemParticipant is the synthetic "from" identity used for
// gateway-originated envelopes (system/welcome, system/presence, ...).
const SystemParticipant = "system:gateway"

// Envelope is the universal message routed between participants
// (spec §3). Payload is kept as json.RawMessage so the gateway never
// needs to understand kind-specific shapes; only the capability
// matcher and a handful of gateway-interpreted kinds (stream/*,
// participant/*, system/register) look inside it.
type Envelope struct {
	Protocol      string          `json:"protocol"`
	ID            string          `json:"id"`
	Timestamp     string          `json:"ts"`
	From          string          `json:"from"`
	To            []string        `json:"to,omitempty"`
	Kind          string          `json:"kind"`
	CorrelationID []string        `json:"correlation_id,omitempty"`
	Context       json.RawMessage `json:"context,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// ContextOp is the decoded shape of a `context` field that carries a
// sub-context stack operation, as opposed to a bare topic string
// (spec §3, §4.3).
type ContextOp struct {
	Operation     string `json:"operation"` // push | pop | resume
	CorrelationID string `json:"correlation_id,omitempty"`
}

// ParseContextOp attempts to decode the envelope's context field as a
// ContextOp. If the field holds a bare string topic instead, ok is
// false and the caller should treat the raw value as an opaque topic.
func (e *Envelope) ParseContextOp() (op ContextOp, ok bool) {
	if len(e.Context) == 0 {
		return ContextOp{}, false
	}
	if err := json.Unmarshal(e.Context, &op); err != nil {
		return ContextOp{}, false
	}
	if op.Operation == "" {
		return ContextOp{}, false
	}
	return op, true
}

// IsSystemOrigin reports whether from identifies the gateway itself or
// any other system:-namespaced synthetic participant. Per spec §4.2,
// system-originated envelopes bypass the capability matcher.
func IsSystemOrigin(from string) bool {
	if from == SystemParticipant {
		return true
	}
	return len(from) >= 7 && from[:7] == "system:"
}

// Codec validates and canonicalizes envelopes for one gateway instance,
// enforcing the constant fields every space shares (protocol version,
// max message size).
type Codec struct {
	Protocol    string
	MaxBytes    int
}

// NewCodec builds a Codec for the given protocol version and maximum
// inbound message size in bytes.
func NewCodec(protocol string, maxBytes int) *Codec {
	return &Codec{Protocol: protocol, MaxBytes: maxBytes}
}

// Error codes surfaced as system/error payloads (spec §7).
const (
	ErrParseError        = "parse_error"
	ErrProtocolMismatch   = "protocol_mismatch"
	ErrUnauthorizedFrom  = "unauthorized_from"
	ErrMessageTooLarge   = "message_too_large"
	ErrOperationFailed   = "operation_failed"
	ErrTargetNotFound    = "target_not_found"
	ErrStreamNotFound    = "stream_not_found"
	ErrUnauthorized      = "unauthorized"
	ErrParticipantNotFound = "participant_not_found"
	ErrGatewayError      = "gateway_error"
)

// ValidationError pairs a §7 error code with a human-readable message
// and reports whether the connection must be closed afterward.
type ValidationError struct {
	Code    string
	Message string
	Fatal   bool
}

func (e *ValidationError) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Message) }

// Decode parses raw bytes as an Envelope and validates its shape
// against spec §4.1: required fields present, protocol matches,
// from matches the authenticated participant, ts is a valid instant
// (a missing or unparseable ts is replaced by the gateway's own
// timestamp), id is not a recent duplicate, kind is non-empty.
//
// authenticatedFrom is the participant ID bound to the connection;
// Decode rejects spoofed `from` fields (origin integrity, spec §8.1).
// seen reports whether a client-supplied id was already observed
// recently (spec §4.1's duplicate guard over the history ring); pass
// nil to skip the check (e.g. for envelopes the gateway itself builds).
func (c *Codec) Decode(raw []byte, authenticatedFrom string, seen func(id string) bool) (*Envelope, *ValidationError) {
	if c.MaxBytes > 0 && len(raw) > c.MaxBytes {
		return nil, &ValidationError{Code: ErrMessageTooLarge, Message: "message exceeds max_message_size_bytes", Fatal: false}
	}

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, &ValidationError{Code: ErrParseError, Message: err.Error(), Fatal: false}
	}

	if env.Protocol == "" {
		env.Protocol = c.Protocol
	}
	if env.Protocol != c.Protocol {
		return nil, &ValidationError{Code: ErrProtocolMismatch, Message: fmt.Sprintf("expected protocol %q, got %q", c.Protocol, env.Protocol), Fatal: true}
	}

	if env.From == "" {
		env.From = authenticatedFrom
	}
	if env.From != authenticatedFrom {
		return nil, &ValidationError{Code: ErrUnauthorizedFrom, Message: "from does not match authenticated participant", Fatal: true}
	}

	if env.Kind == "" {
		return nil, &ValidationError{Code: ErrParseError, Message: "kind must not be empty", Fatal: false}
	}

	if env.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return nil, &ValidationError{Code: ErrGatewayError, Message: err.Error(), Fatal: false}
		}
		env.ID = id.String()
	} else if seen != nil && seen(env.ID) {
		return nil, &ValidationError{Code: ErrParseError, Message: "duplicate envelope id", Fatal: false}
	}

	if env.Timestamp == "" {
		env.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	} else if _, err := time.Parse(time.RFC3339Nano, env.Timestamp); err != nil {
		if _, err2 := time.Parse(time.RFC3339, env.Timestamp); err2 != nil {
			// Spec: the server MAY replace or annotate an invalid ts rather
			// than reject the envelope outright.
			env.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
		}
	}

	return &env, nil
}

// NewSystemEnvelope builds a gateway-originated envelope of the given
// kind, stamping protocol, a fresh ID, and the current timestamp.
func (c *Codec) NewSystemEnvelope(kind string, to []string, correlationID []string, payload any) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload for %s: %w", kind, err)
	}
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate envelope id: %w", err)
	}
	return &Envelope{
		Protocol:      c.Protocol,
		ID:            id.String(),
		Timestamp:     time.Now().UTC().Format(time.RFC3339Nano),
		From:          SystemParticipant,
		To:            to,
		Kind:          kind,
		CorrelationID: correlationID,
		Payload:       raw,
	}, nil
}

// Encode serializes an envelope deterministically (stable field order
// is provided by the struct tag order in Envelope).
func (c *Codec) Encode(env *Envelope) ([]byte, error) {
	return json.Marshal(env)
}

// ErrNotDataFrame is returned by ParseDataFrame when the input does
// not look like a `#stream-id#payload` stream data frame.
var ErrNotDataFrame = errors.New("not a stream data frame")

// IsDataFrame reports whether raw looks like a stream data frame
// (spec §4.5, §6): a raw WebSocket text message beginning with '#'.
func IsDataFrame(raw []byte) bool {
	return len(raw) > 0 && raw[0] == '#'
}

// ParseDataFrame splits a raw `#<stream_id>#<bytes>` frame into its
// stream ID and payload. The payload is returned unchanged (may be
// binary-as-UTF8 or base64, per the stream's content_type/encoding
// agreement — the gateway never inspects it).
func ParseDataFrame(raw []byte) (streamID string, payload []byte, err error) {
	if !IsDataFrame(raw) {
		return "", nil, ErrNotDataFrame
	}
	rest := raw[1:]
	for i, b := range rest {
		if b == '#' {
			return string(rest[:i]), rest[i+1:], nil
		}
	}
	return "", nil, ErrNotDataFrame
}

// BuildDataFrame reassembles a stream data frame from its parts.
func BuildDataFrame(streamID string, payload []byte) []byte {
	out := make([]byte, 0, len(streamID)+len(payload)+2)
	out = append(out, '#')
	out = append(out, streamID...)
	out = append(out, '#')
	out = append(out, payload...)
	return out
}
