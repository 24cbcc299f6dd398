package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"time"
)

var (
	// ErrCorrupt is returned when a stored payload is not a valid envelope
	ErrCorrupt = errors.New("payload is not a valid mesh envelope")
	// ErrUnencodable is returned when a value cannot be serialized
	ErrUnencodable = errors.New("value cannot be encoded")
)

// Envelope is the stored representation of a mesh value.
type Envelope struct {
	// Version is the monotonic write counter for the key
	Version int64 `json:"_version"`

	// UpdatedAt is the write time in unix milliseconds
	UpdatedAt int64 `json:"_updated_at,omitempty"`

	// Data is the JSON-encoded user value
	Data json.RawMessage `json:"data"`
}

// wireEnvelope distinguishes a missing _version from an explicit zero.
type wireEnvelope struct {
	Version   *int64          `json:"_version"`
	UpdatedAt int64           `json:"_updated_at,omitempty"`
	Data      json.RawMessage `json:"data"`
}

// Marshal encodes a Go value into its JSON data representation.
// json.RawMessage and []byte holding valid JSON are passed through unchanged.
func Marshal(value any) (json.RawMessage, error) {
	switch v := value.(type) {
	case json.RawMessage:
		if !json.Valid(v) {
			return nil, fmt.Errorf("%w: raw message is not valid JSON", ErrUnencodable)
		}
		return v, nil
	case []byte:
		if json.Valid(v) {
			return json.RawMessage(v), nil
		}
	}

	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnencodable, err)
	}
	return data, nil
}

// Encode wraps an already marshalled value in an envelope with the given version.
func Encode(data json.RawMessage, version int64, now time.Time) ([]byte, error) {
	if version < 1 {
		version = 1
	}
	env := Envelope{
		Version:   version,
		UpdatedAt: now.UnixMilli(),
		Data:      data,
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnencodable, err)
	}
	return raw, nil
}

// Decode parses a stored payload. A missing "_version" field decodes as 1.
func Decode(raw []byte) (Envelope, error) {
	var wire wireEnvelope
	if err := json.Unmarshal(raw, &wire); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if wire.Data == nil {
		return Envelope{}, fmt.Errorf("%w: missing data field", ErrCorrupt)
	}

	version := int64(1)
	if wire.Version != nil {
		version = *wire.Version
	}

	return Envelope{
		Version:   version,
		UpdatedAt: wire.UpdatedAt,
		Data:      wire.Data,
	}, nil
}

// Unmarshal decodes envelope data into v.
func Unmarshal(data json.RawMessage, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return nil
}

// Equal reports whether two JSON documents hold the same value.
// Object key order and insignificant whitespace are ignored.
func Equal(a, b json.RawMessage) bool {
	if bytes.Equal(a, b) {
		return true
	}

	var va, vb any
	if err := json.Unmarshal(a, &va); err != nil {
		return false
	}
	if err := json.Unmarshal(b, &vb); err != nil {
		return false
	}
	return reflect.DeepEqual(va, vb)
}
