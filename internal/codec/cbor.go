package codec

import (
	"io"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// CBOR is the default codec for wire envelopes and stored documents.
// Untyped maps decode as map[string]any so nested document fields keep the
// shape the rest of the engine works with.
type CBOR struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

func NewCBOR() *CBOR {
	enc, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	dec, err := (cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}).DecMode()
	if err != nil {
		panic(err)
	}
	return &CBOR{enc: enc, dec: dec}
}

func (c *CBOR) Marshal(v any) ([]byte, error) {
	return c.enc.Marshal(v)
}

func (c *CBOR) Unmarshal(data []byte, dst any) error {
	return c.dec.Unmarshal(data, dst)
}

func (c *CBOR) NewEncoder(w io.Writer) Encoder {
	return c.enc.NewEncoder(w)
}

func (c *CBOR) NewDecoder(r io.Reader) Decoder {
	return c.dec.NewDecoder(r)
}
