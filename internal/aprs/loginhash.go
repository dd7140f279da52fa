package aprs

import "strconv"

// LoginHash computes the APRS-IS login hash of spec.md §6: a 16-bit
// hash seeded 0x73E2, folded two (uppercased, NUL-padded) callsign-base
// characters at a time, masked to 15 bits and rendered as decimal.
func LoginHash(base string) string {
	b := []byte(base)
	for i, c := range b {
		if c >= 'a' && c <= 'z' {
			b[i] = c - 'a' + 'A'
		}
	}
	if len(b)%2 != 0 {
		b = append(b, 0)
	}
	hash := uint16(0x73E2)
	for i := 0; i < len(b); i += 2 {
		hash = (uint16(b[i]) << 8) ^ hash
		hash ^= uint16(b[i+1])
	}
	return strconv.Itoa(int(hash & 0x7FFF))
}
