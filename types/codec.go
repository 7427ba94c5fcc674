package types

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// encMode produces deterministic (core deterministic encoding, RFC 8949 §4.2)
// CBOR so that hashes and sign bytes are identical on every node.
var encMode cbor.EncMode

// decMode rejects duplicate map keys so a single encoding maps to one value.
var decMode cbor.DecMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("types: failed to build CBOR encoder: %v", err))
	}
	decMode, err = cbor.DecOptions{
		DupMapKey:        cbor.DupMapKeyEnforcedAPF,
		MaxArrayElements: 1 << 20,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("types: failed to build CBOR decoder: %v", err))
	}
}

// Marshal encodes v with the canonical CBOR encoding.
func Marshal(v interface{}) ([]byte, error) {
	return encMode.Marshal(v)
}

// MustMarshal encodes v, panicking on failure.
// Use only for types whose encoding cannot fail (fixed structs of plain fields).
func MustMarshal(v interface{}) []byte {
	data, err := encMode.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("CONSENSUS CRITICAL: failed to marshal %T: %v", v, err))
	}
	return data
}

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v interface{}) error {
	return decMode.Unmarshal(data, v)
}
