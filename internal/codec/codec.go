// Package codec provides Connect codecs for plain Go message types.
//
// The API speaks JSON so that it can be driven with curl; peer sessions and the
// notary speak CBOR, which keeps byte slices (keys, signatures) compact.
package codec

import (
	"encoding/json"
	"fmt"

	"connectrpc.com/connect"
	"github.com/fxamacker/cbor/v2"
)

// JSON encodes messages with encoding/json. It replaces Connect's default
// protojson codec, which only accepts generated protobuf messages.
type JSON struct{}

var _ connect.Codec = JSON{}

// Name implements connect.Codec.
func (JSON) Name() string { return "json" }

// Marshal implements connect.Codec.
func (JSON) Marshal(msg any) ([]byte, error) {
	return json.Marshal(msg)
}

// Unmarshal implements connect.Codec.
func (JSON) Unmarshal(data []byte, msg any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, msg)
}

// CBOR encodes messages with fxamacker/cbor.
type CBOR struct{}

var _ connect.Codec = CBOR{}

var cborEnc = mustEncMode()

func mustEncMode() cbor.EncMode {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("codec: invalid cbor options: %v", err))
	}
	return em
}

// Name implements connect.Codec.
func (CBOR) Name() string { return "cbor" }

// Marshal implements connect.Codec.
func (CBOR) Marshal(msg any) ([]byte, error) {
	return cborEnc.Marshal(msg)
}

// Unmarshal implements connect.Codec.
func (CBOR) Unmarshal(data []byte, msg any) error {
	if len(data) == 0 {
		return nil
	}
	return cbor.Unmarshal(data, msg)
}

// WithJSON configures a Connect client or handler to use the JSON codec.
func WithJSON() connect.Option {
	return connect.WithCodec(JSON{})
}

// WithCBOR configures a Connect client or handler to use the CBOR codec.
func WithCBOR() connect.Option {
	return connect.WithCodec(CBOR{})
}
