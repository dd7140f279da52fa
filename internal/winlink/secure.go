package winlink

import (
	"crypto/md5"
	"encoding/binary"
	"fmt"
)

// secureSalt is the fixed 64-byte constant mixed into the Winlink
// secure-login response, per spec.md §6.
var secureSalt = []byte{
	0x4D, 0xC5, 0x65, 0xCE, 0xBE, 0xF9, 0x5D, 0xC8, 0x33, 0xF3, 0x5D, 0xED, 0x47, 0x5E, 0xEF, 0x8A,
	0x44, 0x6C, 0x46, 0xB9, 0xE1, 0x89, 0xD9, 0x10, 0x33, 0x7A, 0xC1, 0x30, 0xC2, 0xC3, 0xC6, 0xAF,
	0xAC, 0xA9, 0x46, 0x54, 0x3D, 0x3E, 0x68, 0xBA, 0x72, 0x34, 0x3D, 0xA8, 0x42, 0x81, 0xC0, 0xD0,
	0xBB, 0xF9, 0xE8, 0xC1, 0x29, 0x71, 0x29, 0x2D, 0xF0, 0x10, 0x1D, 0xE4, 0xD0, 0xE4, 0x3D, 0x14,
}

// secureResponse computes the Winlink secure-login challenge response
// of spec.md §6: MD5(challenge || password || SECURE_SALT), the first
// 4 bytes read as a little-endian uint32, masked to 30 bits, rendered
// as a zero-padded decimal string with only the last 8 characters kept
// (a 30-bit value can have up to 10 digits, so values above 99999999
// lose their leading digits).
func secureResponse(challenge, password string) string {
	h := md5.New()
	h.Write([]byte(challenge))
	h.Write([]byte(password))
	h.Write(secureSalt)
	sum := h.Sum(nil)

	v := binary.LittleEndian.Uint32(sum[:4])
	v &= 0x3FFFFFFF // mask to 30 bits

	s := fmt.Sprintf("%08d", v)
	if len(s) > 8 {
		s = s[len(s)-8:]
	}
	return s
}
