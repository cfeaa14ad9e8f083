package durable

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/fxamacker/cbor/v2"
)

// Codec serializes durable records.
type Codec interface {
	Name() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// NewCodec resolves a codec by configuration name. Empty selects JSON.
func NewCodec(name string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "json":
		return JSONCodec{}, nil
	case "cbor":
		return NewCBORCodec()
	default:
		return nil, fmt.Errorf("durable: unsupported codec %q", name)
	}
}

type JSONCodec struct{}

func (JSONCodec) Name() string                       { return "json" }
func (JSONCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (JSONCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

// CBORCodec trades readability for smaller snapshots. Times keep nanosecond
// precision and nested maps decode with string keys so records look the same
// as they do under JSON.
type CBORCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

func NewCBORCodec() (CBORCodec, error) {
	enc, err := cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode()
	if err != nil {
		return CBORCodec{}, fmt.Errorf("durable: cbor enc mode: %w", err)
	}
	dec, err := cbor.DecOptions{DefaultMapType: reflect.TypeOf(map[string]any(nil))}.DecMode()
	if err != nil {
		return CBORCodec{}, fmt.Errorf("durable: cbor dec mode: %w", err)
	}
	return CBORCodec{enc: enc, dec: dec}, nil
}

func (c CBORCodec) Name() string                       { return "cbor" }
func (c CBORCodec) Marshal(v any) ([]byte, error)      { return c.enc.Marshal(v) }
func (c CBORCodec) Unmarshal(data []byte, v any) error { return c.dec.Unmarshal(data, v) }
