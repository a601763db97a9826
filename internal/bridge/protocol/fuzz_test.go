// internal/bridge/protocol/fuzz_test.go
package protocol

import (
	"testing"

	fuzz "github.com/AdaLogics/go-fuzz-headers"
)

// FuzzDecode asserts the codec's totality: arbitrary bytes either decode into
// a well-formed tagged variant or fail with a DecodeError, never panic.
func FuzzDecode(f *testing.F) {
	f.Add([]byte(`{"id":"r1","result":{}}`))
	f.Add([]byte(`{"id":"r1","error":{"message":"x"}}`))
	f.Add([]byte(`{"method":"evt","params":{}}`))
	f.Add([]byte(`{}`))
	f.Add([]byte(``))
	f.Add([]byte(`null`))

	f.Fuzz(func(t *testing.T, data []byte) {
		msg, err := Decode(data)
		if err != nil {
			return
		}
		switch msg.Type {
		case TypeResponse:
			if msg.ID == "" {
				t.Fatalf("decoded response without an id from %q", data)
			}
			if msg.Result != nil && msg.Err != nil {
				t.Fatalf("decoded response with both result and error from %q", data)
			}
		case TypeNotification:
			if msg.Method == "" {
				t.Fatalf("decoded notification without a method from %q", data)
			}
		default:
			t.Fatalf("decoded unknown variant %v from %q", msg.Type, data)
		}
	})
}

// FuzzEncodeRequest drives the encoder with structured random inputs.
func FuzzEncodeRequest(f *testing.F) {
	f.Add([]byte("seed"))

	f.Fuzz(func(t *testing.T, data []byte) {
		fc := fuzz.NewConsumer(data)
		id, err := fc.GetString()
		if err != nil {
			return
		}
		method, err := fc.GetString()
		if err != nil {
			return
		}
		params := map[string]string{}
		if err := fc.FuzzMap(&params); err != nil {
			return
		}

		frame, err := EncodeRequest(id, method, params)
		if err != nil {
			return
		}
		msg, err := Decode(frame)
		if err == nil && msg.Type == TypeResponse {
			t.Fatalf("outbound request decoded as a response: %s", frame)
		}
	})
}
