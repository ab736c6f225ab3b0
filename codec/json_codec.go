package codec

import (
	"bytes"
	"encoding/json"
)

// JSONCodec encodes with encoding/json. HTML characters are left unescaped
// so labels and payload text round-trip byte for byte.
type JSONCodec struct{}

func (c *JSONCodec) Encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

func (c *JSONCodec) Decode(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func (c *JSONCodec) Type() CodecType {
	return CodecTypeJSON
}
