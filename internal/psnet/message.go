// Package psnet implements the parameter-server wire protocol: a message
// envelope over a websocket transport, a queue-backed client with blocking
// request/reply, and the server loop used by the aggregator.
package psnet

import (
	json "github.com/goccy/go-json"

	"github.com/perfstream/anomalyd/errs"
)

// MessageType discriminates the protocol verbs.
type MessageType string

const (
	// TypeAdd merges the payload into server state.
	TypeAdd MessageType = "ADD"
	// TypeGet requests server state.
	TypeGet MessageType = "GET"
	// TypeAck replies to an Add or Get.
	TypeAck MessageType = "ACK"
)

// MessageKind names the payload schema.
type MessageKind string

const (
	// KindParameters carries a serialised model increment or merged model.
	KindParameters MessageKind = "parameters"
	// KindFunctionIndexMap carries local→global function id translations.
	KindFunctionIndexMap MessageKind = "function_index_map"
	// KindCombinedStats carries the per-step aggregated statistics payload.
	KindCombinedStats MessageKind = "combined_stats"
)

// Message is the protocol envelope. Length mirrors the payload size so
// receivers can verify framing.
type Message struct {
	Sender   uint64          `json:"src"`
	Receiver uint64          `json:"dst"`
	Type     MessageType     `json:"type"`
	Kind     MessageKind     `json:"kind"`
	Step     int             `json:"step"`
	Length   int             `json:"length"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// Encode serialises the envelope, stamping Length from the payload.
func (m Message) Encode() ([]byte, error) {
	m.Length = len(m.Payload)
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, errs.New("psnet/message", errs.KindInternal, errs.WithCause(err))
	}
	return raw, nil
}

// DecodeMessage parses and validates an envelope.
func DecodeMessage(raw []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(raw, &m); err != nil {
		return Message{}, errs.New("psnet/message", errs.KindInvalidInput,
			errs.WithMessage("malformed message"),
			errs.WithCause(err))
	}
	if m.Length != len(m.Payload) {
		return Message{}, errs.New("psnet/message", errs.KindInvalidInput,
			errs.WithMessage("message length does not match payload"))
	}
	switch m.Type {
	case TypeAdd, TypeGet, TypeAck:
	default:
		return Message{}, errs.New("psnet/message", errs.KindInvalidInput,
			errs.WithMessage("unknown message type"),
			errs.WithField("type", string(m.Type)))
	}
	return m, nil
}

// indexMapRequest asks the server to translate local function ids, keyed by
// decimal local id with the function name as value so the server can assign
// one global id per name across ranks.
type indexMapRequest struct {
	Functions map[string]string `json:"functions"`
}

// indexMapReply carries the translations, keyed by decimal local id.
type indexMapReply struct {
	Mapping map[string]uint64 `json:"mapping"`
}

func encodeJSON(v any) (json.RawMessage, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, errs.New("psnet/message", errs.KindInternal, errs.WithCause(err))
	}
	return raw, nil
}

func decodeJSON(raw json.RawMessage, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return errs.New("psnet/message", errs.KindInvalidInput, errs.WithCause(err))
	}
	return nil
}
