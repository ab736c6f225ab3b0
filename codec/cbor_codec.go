package codec

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// encMode uses Core Deterministic Encoding: sorted map keys and smallest
// integer encoding, so identical metadata always produces identical bytes.
var encMode cbor.EncMode

// decMode decodes untyped maps as map[string]any so values decoded into an
// `any` target look the same as they would coming out of encoding/json.
var decMode cbor.DecMode

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// CBORCodec serializes with fxamacker/cbor.
type CBORCodec struct{}

func (c *CBORCodec) Encode(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

func (c *CBORCodec) Decode(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

func (c *CBORCodec) Type() CodecType {
	return CodecTypeCBOR
}
