package cache

import "encoding/json"

// Codec turns cached values into bytes and back. Generation tags the wire
// schema; entries written under another generation read as misses.
type Codec[T any] interface {
	Marshal(v T) ([]byte, error)
	Unmarshal(data []byte) (T, error)
	Generation() string
}

// JSONCodec encodes values with encoding/json.
type JSONCodec[T any] struct {
	Tag string
}

func (c JSONCodec[T]) Marshal(v T) ([]byte, error) {
	return json.Marshal(v)
}

func (c JSONCodec[T]) Unmarshal(data []byte) (T, error) {
	var v T
	err := json.Unmarshal(data, &v)
	return v, err
}

func (c JSONCodec[T]) Generation() string {
	return c.Tag
}
