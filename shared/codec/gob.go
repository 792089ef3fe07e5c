package codec

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"reflect"
)

// RegisterGobType makes the concrete type of v known to gob so it can travel as a generic value.
func RegisterGobType(v any) {
	gob.Register(v)
}

type gobEnvelope struct {
	Value any
}

type gobCodec struct{}

// NewGob returns a codec based on encoding/gob. Decode returns the encoded concrete type,
// so built-in types round-trip exactly. Values of user defined types must be registered
// with RegisterGobType.
func NewGob() Codec {
	return gobCodec{}
}

func (gobCodec) Name() string {
	return TypeGob
}

func (gobCodec) Encode(v any) ([]byte, error) {
	if isNil(v) {
		return nil, nil
	}
	buf := new(bytes.Buffer)
	if err := gob.NewEncoder(buf).Encode(&gobEnvelope{Value: v}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (gobCodec) Decode(data []byte) (any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	env := new(gobEnvelope)
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(env); err != nil {
		return nil, err
	}
	return env.Value, nil
}

func (g gobCodec) DecodeInto(data []byte, out any) error {
	if err := checkTarget(out); err != nil {
		return err
	}
	v, err := g.Decode(data)
	if err != nil || v == nil {
		return err
	}
	target := reflect.ValueOf(out).Elem()
	value := reflect.ValueOf(v)
	if !value.Type().AssignableTo(target.Type()) {
		return fmt.Errorf("gob value of type %s is not assignable to %s", value.Type(), target.Type())
	}
	target.Set(value)
	return nil
}
