package codec

import (
	"github.com/goccy/go-json"
)

type jsonCodec struct{}

// NewJson returns a JSON codec. Decode round-trips nil, bool, string, float64, []any and
// map[string]any exactly; every other number decodes as float64, []byte as a base64 string
// and structs as map[string]any.
func NewJson() Codec {
	return jsonCodec{}
}

func (jsonCodec) Name() string {
	return TypeJson
}

func (jsonCodec) Encode(v any) ([]byte, error) {
	if isNil(v) {
		return nil, nil
	}
	return json.Marshal(v)
}

func (jsonCodec) Decode(data []byte) (any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}

func (jsonCodec) DecodeInto(data []byte, out any) error {
	if err := checkTarget(out); err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, out)
}
