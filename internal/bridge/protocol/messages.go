// Package protocol defines the wire envelope carried by both bridge
// transports and the codec that validates it at the boundary.
//
// The envelope is a small JSON-RPC-like object. Outbound requests look like
// {"id": "...", "method": "...", "params": {...}}; inbound frames are either
// responses ({"id": "...", "result": {...}} or {"id": "...", "error": {...}})
// or unsolicited notifications, which carry a method but no id the client
// recognizes. Dynamic dict-shaped messages are deliberately avoided: every
// inbound frame is decoded into a tagged Message and rejected if its shape is
// ambiguous.
package protocol

import (
	"encoding/json"
	"fmt"

	jsoniter "github.com/json-iterator/go"
)

var codec = jsoniter.ConfigCompatibleWithStandardLibrary

// MethodInitialize is the handshake method sent immediately after transport
// open to negotiate capabilities.
const MethodInitialize = "initialize"

// MessageType tags the decoded variant of an inbound frame.
type MessageType int

const (
	// TypeResponse is a frame correlated to an outstanding request by id.
	TypeResponse MessageType = iota
	// TypeNotification is a server push with no correlating id.
	TypeNotification
)

func (t MessageType) String() string {
	switch t {
	case TypeResponse:
		return "response"
	case TypeNotification:
		return "notification"
	default:
		return "invalid"
	}
}

// ErrorDetail is the server-supplied error body of a failed response.
type ErrorDetail struct {
	Code    int    `json:"code,omitempty"`
	Message string `json:"message"`
}

func (e *ErrorDetail) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("remote error %d: %s", e.Code, e.Message)
	}
	return "remote error: " + e.Message
}

// Message is the tagged union of inbound frame variants. Exactly one of
// Result/Err is set for a response; Method/Params are set for a notification.
type Message struct {
	Type   MessageType
	ID     string
	Method string
	Params json.RawMessage
	Result json.RawMessage
	Err    *ErrorDetail
}

// DecodeError marks a frame that failed shape validation. The classifier maps
// it to the Protocol kind.
type DecodeError struct {
	Reason string
	cause  error
}

func (e *DecodeError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("malformed frame: %s: %v", e.Reason, e.cause)
	}
	return "malformed frame: " + e.Reason
}

func (e *DecodeError) Unwrap() error { return e.cause }

// Request is the outbound call envelope.
type Request struct {
	ID     string `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

// InitializeRequest is the handshake envelope. Protocol version and requested
// capabilities ride at the top level, alongside the usual id/method pair, and
// the optional bearer token is carried in-band rather than as a transport
// header so both transport variants authenticate identically.
type InitializeRequest struct {
	ID              string       `json:"id"`
	Method          string       `json:"method"`
	ProtocolVersion string       `json:"protocolVersion"`
	Capabilities    Capabilities `json:"capabilities,omitempty"`
	AuthToken       string       `json:"authToken,omitempty"`
}

// Capabilities is the server-declared feature map returned by the handshake.
// It is read-only after the handshake completes.
type Capabilities map[string]bool

// Supports reports whether the server advertised the named feature. An empty
// map means the server declared nothing, in which case callers decide their
// own policy.
func (c Capabilities) Supports(name string) bool {
	return c[name]
}

// wire is the superset shape used for decoding. Which fields are populated
// determines the variant.
type wire struct {
	ID           string          `json:"id,omitempty"`
	Method       string          `json:"method,omitempty"`
	Params       json.RawMessage `json:"params,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	Err          *ErrorDetail    `json:"error,omitempty"`
	Capabilities Capabilities    `json:"capabilities,omitempty"`
}

// EncodeRequest serializes an outbound call frame.
func EncodeRequest(id, method string, params any) ([]byte, error) {
	if id == "" {
		return nil, &DecodeError{Reason: "request id must not be empty"}
	}
	if method == "" {
		return nil, &DecodeError{Reason: "request method must not be empty"}
	}
	return codec.Marshal(Request{ID: id, Method: method, Params: params})
}

// EncodeInitialize serializes the handshake frame.
func EncodeInitialize(id, protocolVersion string, caps Capabilities, authToken string) ([]byte, error) {
	if protocolVersion == "" {
		return nil, &DecodeError{Reason: "protocol version must not be empty"}
	}
	return codec.Marshal(InitializeRequest{
		ID:              id,
		Method:          MethodInitialize,
		ProtocolVersion: protocolVersion,
		Capabilities:    caps,
		AuthToken:       authToken,
	})
}

// Decode parses and validates a single inbound frame, returning the tagged
// variant. Validation happens here, once, so upper layers never see a frame
// with an ambiguous or contradictory shape.
func Decode(data []byte) (Message, error) {
	var w wire
	if err := codec.Unmarshal(data, &w); err != nil {
		return Message{}, &DecodeError{Reason: "invalid JSON", cause: err}
	}

	switch {
	case w.Result != nil || w.Err != nil:
		if w.ID == "" {
			return Message{}, &DecodeError{Reason: "response frame without an id"}
		}
		if w.Result != nil && w.Err != nil {
			return Message{}, &DecodeError{Reason: "response frame with both result and error"}
		}
		if w.Err != nil && w.Err.Message == "" {
			return Message{}, &DecodeError{Reason: "error frame without a message"}
		}
		return Message{Type: TypeResponse, ID: w.ID, Result: w.Result, Err: w.Err}, nil

	case w.Method != "":
		// A method-bearing frame from the server is a notification. The id, if
		// present, is opaque to us; the correlator never issued it.
		return Message{Type: TypeNotification, ID: w.ID, Method: w.Method, Params: w.Params}, nil

	default:
		return Message{}, &DecodeError{Reason: "frame has neither method nor result/error"}
	}
}

// ParseCapabilities extracts the capability map from a handshake response.
// Servers either nest the map under a "capabilities" key in the result or
// return the map as the result itself; both shapes are accepted.
func ParseCapabilities(result json.RawMessage) (Capabilities, error) {
	if len(result) == 0 {
		return Capabilities{}, nil
	}

	var nested struct {
		Capabilities Capabilities `json:"capabilities"`
	}
	if err := codec.Unmarshal(result, &nested); err == nil && nested.Capabilities != nil {
		return nested.Capabilities, nil
	}

	var flat Capabilities
	if err := codec.Unmarshal(result, &flat); err != nil {
		return nil, &DecodeError{Reason: "handshake result is not a capability map", cause: err}
	}
	if flat == nil {
		flat = Capabilities{}
	}
	return flat, nil
}
