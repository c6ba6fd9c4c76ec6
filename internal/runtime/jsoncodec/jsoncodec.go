// Package jsoncodec is the JSON codec for wire payloads and stored
// questionnaires. It follows encoding/json semantics.
package jsoncodec

import (
	"io"

	"github.com/bytedance/sonic"
)

var defaultConfig = sonic.ConfigStd

func Marshal(v any) ([]byte, error) {
	return defaultConfig.Marshal(v)
}

func MarshalIndent(v any, prefix, indent string) ([]byte, error) {
	return defaultConfig.MarshalIndent(v, prefix, indent)
}

func Unmarshal(data []byte, v any) error {
	return defaultConfig.Unmarshal(data, v)
}

// Valid reports whether data is a single well-formed JSON value.
func Valid(data []byte) bool {
	return defaultConfig.Valid(data)
}

// Payload encodes v for the wire. Byte slices are taken as already-encoded
// JSON and must be valid.
func Payload(v any) ([]byte, error) {
	if raw, ok := v.([]byte); ok {
		if !Valid(raw) {
			return nil, errInvalidRaw
		}
		return raw, nil
	}
	return Marshal(v)
}

func Encode(w io.Writer, v any) error {
	return defaultConfig.NewEncoder(w).Encode(v)
}

func Decode(r io.Reader, v any) error {
	return defaultConfig.NewDecoder(r).Decode(v)
}
