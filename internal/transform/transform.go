// Package transform rewrites relayed frames according to an endpoint's
// forwarding mode. Every transformer is pure: the same input and clock value
// always produce the same output and nothing is retained between calls.
package transform

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/koltyakov/devrelay/internal/domain"
)

// Envelope types produced by the JSON transformer.
const (
	TypeRaw     = "raw"
	TypeJSON    = "json"
	TypeCommand = "command"
)

// Transformer maps a raw inbound frame to the bytes delivered to a peer.
type Transformer interface {
	Mode() domain.ForwardMode
	Transform(raw []byte, now time.Time) []byte
}

// Envelope is the fixed JSON shape used by JSON forwarding mode. CommandID is
// only present on command frames.
type Envelope struct {
	Type      string          `json:"type"`
	CommandID string          `json:"commandId,omitempty"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
}

// New returns the transformer for mode. The header must satisfy
// [domain.ValidateMode].
func New(mode domain.ForwardMode, header string) (Transformer, error) {
	if err := domain.ValidateMode(mode, header); err != nil {
		return nil, err
	}
	switch mode {
	case domain.ModeJSON:
		return jsonEnvelope{}, nil
	case domain.ModeCustomHeader:
		return customHeader{header: []byte(header)}, nil
	default:
		return direct{}, nil
	}
}

// Must is like New but panics on an invalid mode. Intended for constants.
func Must(mode domain.ForwardMode, header string) Transformer {
	t, err := New(mode, header)
	if err != nil {
		panic(err)
	}
	return t
}

type direct struct{}

func (direct) Mode() domain.ForwardMode { return domain.ModeDirect }

func (direct) Transform(raw []byte, _ time.Time) []byte {
	return raw
}

type customHeader struct {
	header []byte
}

func (customHeader) Mode() domain.ForwardMode { return domain.ModeCustomHeader }

func (c customHeader) Transform(raw []byte, _ time.Time) []byte {
	out := make([]byte, 0, len(c.header)+len(raw))
	out = append(out, c.header...)
	return append(out, raw...)
}

type jsonEnvelope struct{}

func (jsonEnvelope) Mode() domain.ForwardMode { return domain.ModeJSON }

func (jsonEnvelope) Transform(raw []byte, now time.Time) []byte {
	env, ok := ParseEnvelope(raw)
	if !ok {
		env = Wrap(raw)
	}
	if env.Timestamp == 0 {
		env.Timestamp = now.UnixMilli()
	}
	return env.Marshal()
}

// ParseEnvelope reports whether raw is already an envelope: a JSON object
// with a non-empty string "type" and a "data" member. The returned envelope
// has compacted data.
func ParseEnvelope(raw []byte) (Envelope, bool) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Envelope{}, false
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return Envelope{}, false
	}
	typeRaw, ok := fields["type"]
	if !ok {
		return Envelope{}, false
	}
	data, ok := fields["data"]
	if !ok {
		return Envelope{}, false
	}
	var env Envelope
	if err := json.Unmarshal(typeRaw, &env.Type); err != nil || env.Type == "" {
		return Envelope{}, false
	}
	if idRaw, ok := fields["commandId"]; ok {
		_ = json.Unmarshal(idRaw, &env.CommandID)
	}
	if tsRaw, ok := fields["timestamp"]; ok {
		var ts float64
		if err := json.Unmarshal(tsRaw, &ts); err == nil {
			env.Timestamp = int64(ts)
		}
	}
	env.Data = compact(data)
	return env, true
}

// Wrap builds an envelope around a payload that is not itself an envelope.
// Valid JSON is embedded as-is with type "json"; anything else becomes a JSON
// string with type "raw".
func Wrap(raw []byte) Envelope {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && json.Valid(trimmed) {
		return Envelope{Type: TypeJSON, Data: compact(trimmed)}
	}
	s, _ := json.Marshal(string(raw))
	return Envelope{Type: TypeRaw, Data: s}
}

// Marshal serializes the envelope in canonical field order.
func (e Envelope) Marshal() []byte {
	if len(e.Data) == 0 {
		e.Data = json.RawMessage("null")
	}
	b, err := json.Marshal(e)
	if err != nil {
		// Data is always valid JSON here; fall back to a null payload.
		e.Data = json.RawMessage("null")
		b, _ = json.Marshal(e)
	}
	return b
}

func compact(raw []byte) json.RawMessage {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return json.RawMessage(raw)
	}
	return json.RawMessage(buf.Bytes())
}
