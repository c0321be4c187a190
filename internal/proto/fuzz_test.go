package proto

import (
	"bytes"
	"testing"

	"meshchat/internal/testutil"
)

// Hostile frame bytes must never hang or panic the reader, only error.
func FuzzReadFrame(f *testing.F) {
	good, _ := EncodeFrame([]byte(`{"type":"hello"}`))
	f.Add(good)
	f.Add([]byte{0, 0, 0, 0})
	f.Add([]byte{0xff, 0xff, 0xff, 0xff, 'x'})
	f.Fuzz(func(t *testing.T, data []byte) {
		data = testutil.CapBytes(data, testutil.DefaultMaxFuzzBytes)
		testutil.WithTimeout(t, testutil.DefaultFuzzTimeout, func() {
			payload, err := ReadFrame(bytes.NewReader(data), SoftMaxFrameSize, TypeCap)
			if err == nil && len(payload) == 0 {
				t.Fatal("nil error with empty payload")
			}
		})
	})
}

// Arbitrary payloads through the event decoder: errors are fine, panics
// are not, and anything that decodes must re-encode.
func FuzzDecodeEvent(f *testing.F) {
	f.Add([]byte(`{"type":"privmsg","from":"a","text":"hi"}`))
	f.Add([]byte(`{"type":""}`))
	f.Add([]byte(`not json`))
	f.Fuzz(func(t *testing.T, data []byte) {
		data = testutil.CapBytes(data, testutil.DefaultMaxFuzzBytes)
		ev, err := DecodeEvent(data)
		if err != nil {
			return
		}
		if _, err := EncodeEvent(ev); err != nil {
			t.Fatalf("decoded event failed to re-encode: %v", err)
		}
	})
}
