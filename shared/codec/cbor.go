package codec

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

type cborCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

// NewCbor returns a codec producing deterministic CBOR.
//
// Decode returns values built from nil, bool, string, []byte, int64, float64, []any and
// map[string]any, and those round-trip exactly. Other values come back normalized: every
// integer type as int64 (big.Int beyond the int64 range), float32 as float64, typed
// slices as []any, string keyed maps and structs as map[string]any. Use DecodeInto, or
// Client.GetInto, to get the original type back.
func NewCbor() Codec {
	enc, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	dec, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
		IntDec:         cbor.IntDecConvertSignedOrBigInt,
	}.DecMode()
	if err != nil {
		panic(err)
	}
	return &cborCodec{enc: enc, dec: dec}
}

func (c *cborCodec) Name() string {
	return TypeCbor
}

func (c *cborCodec) Encode(v any) ([]byte, error) {
	if isNil(v) {
		return nil, nil
	}
	return c.enc.Marshal(v)
}

func (c *cborCodec) Decode(data []byte) (any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var v any
	if err := c.dec.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}

func (c *cborCodec) DecodeInto(data []byte, out any) error {
	if err := checkTarget(out); err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	return c.dec.Unmarshal(data, out)
}
