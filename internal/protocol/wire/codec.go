package wire

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// Argument and response values cross the wire as CBOR. Maps decode as
// map[string]any so handlers see the same shapes a local caller would pass.
var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("wire: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("wire: CBOR decoder initialization failed: " + err.Error())
	}
}

// MarshalValue encodes v with deterministic CBOR.
func MarshalValue(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// UnmarshalValue decodes CBOR data into v.
func UnmarshalValue(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}
