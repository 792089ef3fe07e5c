// Package codec converts node values to bytes and back.
// Every codec maps a nil value to an empty payload and an empty payload to nil.
package codec

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
)

const (
	TypeCbor = "cbor"
	TypeGob  = "gob"
	TypeJson = "json"
)

var ErrUnknownCodec = errors.New("unknown codec")

type Codec interface {
	Name() string
	Encode(v any) ([]byte, error)
	// Decode returns the codec's generic representation of data.
	Decode(data []byte) (any, error)
	// DecodeInto decodes data into the value pointed to by out.
	DecodeInto(data []byte, out any) error
}

// New builds the codec named typ, optionally wrapped with snappy compression.
func New(typ string, compress bool) (Codec, error) {
	var c Codec
	switch strings.ToLower(typ) {
	case TypeCbor:
		c = NewCbor()
	case TypeGob:
		c = NewGob()
	case TypeJson:
		c = NewJson()
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownCodec, typ)
	}
	if compress {
		c = Compressed(c)
	}
	return c, nil
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Interface:
		return rv.IsNil()
	default:
		return false
	}
}

func checkTarget(out any) error {
	rv := reflect.ValueOf(out)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return fmt.Errorf("decode target must be a non-nil pointer, got %T", out)
	}
	return nil
}
