package mls

// zeroize overwrites data in place. It is applied to intermediate
// secrets once they are consumed, such as hash-ratchet and secret-tree
// node secrets; long-lived epoch secrets are not passed through it.
// It matches the teacher's own zeroize helper in key-schedule.go.
func zeroize(data []byte) {
	for i := range data {
		data[i] = 0
	}
}

// dup returns a fresh copy of b so callers can zeroize their own copy
// without clobbering a value the caller handed out.
func dup(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
