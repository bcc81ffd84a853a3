package mls

import (
	"github.com/cisco/go-tls-syntax"
)

// marshal and unmarshal are thin wrappers over the TLS-presentation-
// language codec used for every wire, hashed, and signed struct in this
// package, mirroring the teacher's direct use of syntax.Marshal in
// key-schedule.go's Bytes1 type.
func marshal(v interface{}) ([]byte, error) {
	out, err := syntax.Marshal(v)
	if err != nil {
		return nil, wrapErr(KindMalformed, "marshal", "encode failed", err)
	}
	return out, nil
}

func unmarshal(data []byte, v interface{}) (int, error) {
	n, err := syntax.Unmarshal(data, v)
	if err != nil {
		return 0, wrapErr(KindMalformed, "unmarshal", "decode failed", err)
	}
	return n, nil
}

// mustMarshal marshals a wire-format-only value whose shape is fixed at
// compile time (e.g. TBS/TBM structs built by this package, never
// attacker data); a failure indicates a codec bug.
func mustMarshal(v interface{}) []byte {
	out, err := marshal(v)
	if err != nil {
		panic(err)
	}
	return out
}

// optional pairs a presence flag with a value. Its default encoding
// writes both fields, so Data is on the wire even when Present is false;
// it does not use the `tls:"selector="` idiom.
type optional struct {
	Present bool
	Data    []byte `tls:"head=4"`
}
