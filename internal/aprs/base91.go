// Package aprs implements the AprsCodec of spec.md §4.6: parsing and
// encoding of APRS information fields carried in UI frames. Grounded
// on doismellburning-samoyed's decode_aprs.go/encode_aprs.go/base91.go
// for the wire formats, rewritten as a plain decode function returning
// a typed Packet instead of populating a cgo decode_aprs_t struct.
package aprs

// Base-91 digit range per spec.md §4.6's compressed position format.
const (
	b91Min = '!'
	b91Max = '{'
)

func isBase91Digit(c byte) bool {
	return c >= b91Min && c <= b91Max
}

// decodeBase91 decodes a 4-character base-91 field to its integer
// value, per spec.md §4.6's compressed-position formula numerator.
func decodeBase91(s string) (int, bool) {
	if len(s) != 4 {
		return 0, false
	}
	v := 0
	for i := 0; i < 4; i++ {
		c := s[i]
		if !isBase91Digit(c) {
			return 0, false
		}
		v = v*91 + int(c-'!')
	}
	return v, true
}

// encodeBase91 encodes v (0..91^4-1) to a 4-character base-91 field.
func encodeBase91(v int) string {
	b := make([]byte, 4)
	for i := 3; i >= 0; i-- {
		b[i] = byte('!' + v%91)
		v /= 91
	}
	return string(b)
}
