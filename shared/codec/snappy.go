package codec

import (
	"github.com/golang/snappy"
)

type snappyCodec struct {
	inner Codec
}

// Compressed wraps inner so that its payloads are snappy compressed.
func Compressed(inner Codec) Codec {
	return &snappyCodec{inner: inner}
}

func (s *snappyCodec) Name() string {
	return s.inner.Name() + "+snappy"
}

func (s *snappyCodec) Encode(v any) ([]byte, error) {
	data, err := s.inner.Encode(v)
	if err != nil || len(data) == 0 {
		return data, err
	}
	return snappy.Encode(nil, data), nil
}

func (s *snappyCodec) uncompress(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, nil
	}
	return snappy.Decode(nil, data)
}

func (s *snappyCodec) Decode(data []byte) (any, error) {
	raw, err := s.uncompress(data)
	if err != nil {
		return nil, err
	}
	return s.inner.Decode(raw)
}

func (s *snappyCodec) DecodeInto(data []byte, out any) error {
	raw, err := s.uncompress(data)
	if err != nil {
		return err
	}
	return s.inner.DecodeInto(raw, out)
}
