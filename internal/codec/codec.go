// Package codec defines the wire encoding used by connections and the
// document store. The engine encodes everything as CBOR; the interfaces
// exist so tests can substitute a tracing or failing codec.
package codec

import "io"

type Encoder interface {
	Encode(v any) error
}

type Decoder interface {
	Decode(v any) error
}

type Marshaler interface {
	Marshal(v any) ([]byte, error)
	NewEncoder(w io.Writer) Encoder
}

type Unmarshaler interface {
	Unmarshal(data []byte, dst any) error
	NewDecoder(r io.Reader) Decoder
}
