package ipc

import (
	"reflect"

	cbor "github.com/fxamacker/cbor/v2"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	opts := cbor.CanonicalEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	if encMode, err = opts.EncMode(); err != nil {
		panic(err)
	}
	// Options and context values nest; keep them JSON-shaped.
	dopts := cbor.DecOptions{DefaultMapType: reflect.TypeOf(map[string]any(nil))}
	if decMode, err = dopts.DecMode(); err != nil {
		panic(err)
	}
}

// Marshal encodes v as canonical CBOR.
func Marshal(v any) ([]byte, error) { return encMode.Marshal(v) }

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v any) error { return decMode.Unmarshal(data, v) }
