// Package codec serializes the metadata block of an envelope and the values
// carried by remote invocations.
//
// Three codecs are available and the envelope header records which one was
// used, so each side decodes with whatever the peer chose:
//   - JSON:   human-readable, easy to debug, largest output
//   - Binary: hand-rolled length-prefixed layout, metadata only
//   - CBOR:   compact and deterministic, works for metadata and values
package codec

import "fmt"

type CodecType byte

const (
	CodecTypeJSON   CodecType = 0
	CodecTypeBinary CodecType = 1
	CodecTypeCBOR   CodecType = 2
)

type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	Type() CodecType // 0=JSON, 1=Binary, 2=CBOR
}

// Valid reports whether t names a known codec.
func (t CodecType) Valid() bool {
	return t == CodecTypeJSON || t == CodecTypeBinary || t == CodecTypeCBOR
}

func (t CodecType) String() string {
	switch t {
	case CodecTypeJSON:
		return "json"
	case CodecTypeBinary:
		return "binary"
	case CodecTypeCBOR:
		return "cbor"
	default:
		return fmt.Sprintf("unknown(%d)", byte(t))
	}
}

// ParseCodecType parses the configuration name of a codec.
func ParseCodecType(name string) (CodecType, error) {
	switch name {
	case "json":
		return CodecTypeJSON, nil
	case "binary":
		return CodecTypeBinary, nil
	case "cbor":
		return CodecTypeCBOR, nil
	default:
		return 0, fmt.Errorf("unknown codec: %q", name)
	}
}

// GetCodec returns the metadata codec for codecType.
func GetCodec(codecType CodecType) Codec {
	switch codecType {
	case CodecTypeJSON:
		return &JSONCodec{}
	case CodecTypeCBOR:
		return &CBORCodec{}
	}
	return &BinaryCodec{}
}

// ValueCodec returns the codec used for invocation arguments and results in
// an envelope framed with codecType. The binary codec only understands
// metadata, so binary frames carry CBOR values.
func ValueCodec(codecType CodecType) Codec {
	if codecType == CodecTypeJSON {
		return &JSONCodec{}
	}
	return &CBORCodec{}
}
