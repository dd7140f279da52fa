package ax25

import (
	"fmt"

	"github.com/w1gaia/htstation/internal/callsign"
	"github.com/w1gaia/htstation/internal/stationerr"
)

const (
	reservedBits   = 0x60 // bits 6,5 always 1,1 per spec.md §6
	ssidShift      = 1
	ssidMask       = 0x1E // bits 4..1
	extensionBit   = 0x01 // bit0: 1 on the last address octet
	addressOctets  = 7
)

// EncodeAddress writes one 7-octet AX.25 address field, per spec.md §4.4
// and §6: six callsign octets shifted left one bit, then an SSID octet
// carrying the SSID, the C/H bit, and the end-of-list extension bit.
func EncodeAddress(a callsign.Ax25Address, last bool) [addressOctets]byte {
	var out [addressOctets]byte
	base := padCallsignBase(a.Callsign.Base)
	for i := 0; i < 6; i++ {
		out[i] = base[i] << 1
	}

	ssidOctet := byte(reservedBits) | (a.Callsign.SSID << ssidShift)
	if a.CommandBit || a.HasBeenRepeated {
		ssidOctet |= 0x80
	}
	if last {
		ssidOctet |= extensionBit
	}
	out[6] = ssidOctet
	return out
}

func padCallsignBase(base string) [6]byte {
	var b [6]byte
	for i := range b {
		b[i] = ' '
	}
	copy(b[:], base)
	return b
}

// DecodeAddress reads one 7-octet address field. isDigipeater selects
// whether the shared bit7 is surfaced as HasBeenRepeated (digipeater
// entries) or CommandBit (destination/source) -- spec.md §3 gives each
// address only one of the two roles depending on its position in the
// list.
func DecodeAddress(octets []byte, isDigipeater bool) (addr callsign.Ax25Address, last bool, err error) {
	if len(octets) < addressOctets {
		return callsign.Ax25Address{}, false, fmt.Errorf("ax25: short address field")
	}
	var base [6]byte
	for i := 0; i < 6; i++ {
		base[i] = octets[i] >> 1
	}
	baseStr := trimTrailingSpace(base[:])

	ssidOctet := octets[6]
	ssid := (ssidOctet & ssidMask) >> ssidShift
	cs, perr := callsign.Parse(baseStr)
	if perr != nil {
		return callsign.Ax25Address{}, false, fmt.Errorf("ax25: %w", perr)
	}
	cs.SSID = ssid

	addr = callsign.Ax25Address{Callsign: cs}
	if isDigipeater {
		addr.HasBeenRepeated = ssidOctet&0x80 != 0
	} else {
		addr.CommandBit = ssidOctet&0x80 != 0
	}
	last = ssidOctet&extensionBit != 0
	return addr, last, nil
}

func trimTrailingSpace(b []byte) string {
	n := len(b)
	for n > 0 && b[n-1] == ' ' {
		n--
	}
	return string(b[:n])
}

// Control byte base values (P/F bit and N(R)/N(S) fields OR'd in
// separately), per standard AX.25 2.2 and confirmed against the
// teacher's ax25_pad2.go constant table.
const (
	ctrlSABM  = 0x2F
	ctrlSABME = 0x6F
	ctrlDISC  = 0x43
	ctrlDM    = 0x0F
	ctrlUA    = 0x63
	ctrlFRMR  = 0x87
	ctrlUI    = 0x03
	ctrlXID   = 0xAF
	ctrlTEST  = 0xE3

	ctrlRR   = 0x01
	ctrlRNR  = 0x05
	ctrlREJ  = 0x09
	ctrlSREJ = 0x0D

	pfBit = 0x10
)

// Encode serializes a Frame to its wire bytes. PID is present only for
// I and UI frames. The codec round-trips every frame it emits (spec.md
// §4.4, tested in codec_test.go).
func Encode(f Frame) []byte {
	var out []byte
	for i, a := range f.Addresses {
		octets := EncodeAddress(a, i == len(f.Addresses)-1)
		out = append(out, octets[:]...)
	}

	modulo128 := f.Modulo == 128

	switch f.Kind {
	case KindI:
		out = append(out, encodeIControl(f, modulo128)...)
		out = append(out, f.PID)
		out = append(out, f.Payload...)
	case KindS:
		out = append(out, encodeSControl(f, modulo128)...)
	case KindU:
		ctrl := uBaseControl(f.UKind)
		if f.Poll || f.Final {
			ctrl |= pfBit
		}
		out = append(out, ctrl)
		if f.UKind == UUI {
			out = append(out, f.PID)
			out = append(out, f.Payload...)
		} else if f.UKind == UFRMR || f.UKind == UXID || f.UKind == UTEST {
			out = append(out, f.Payload...)
		}
	}
	return out
}

func encodeIControl(f Frame, modulo128 bool) []byte {
	if !modulo128 {
		ctrl := byte(f.NR<<5) | byte(f.NS<<1)
		if f.Poll {
			ctrl |= pfBit
		}
		return []byte{ctrl}
	}
	b0 := byte(f.NS << 1)
	b1 := byte(f.NR << 1)
	if f.Poll {
		b1 |= 0x01
	}
	return []byte{b0, b1}
}

func encodeSControl(f Frame, modulo128 bool) []byte {
	base := sBaseControl(f.SKind)
	if !modulo128 {
		ctrl := base | byte(f.NR<<5)
		if f.Poll || f.Final {
			ctrl |= pfBit
		}
		return []byte{ctrl}
	}
	b1 := byte(f.NR << 1)
	if f.Poll || f.Final {
		b1 |= 0x01
	}
	return []byte{base, b1}
}

func sBaseControl(k SControlKind) byte {
	switch k {
	case SRR:
		return ctrlRR
	case SRNR:
		return ctrlRNR
	case SREJ:
		return ctrlREJ
	case SSREJ:
		return ctrlSREJ
	}
	return ctrlRR
}

func uBaseControl(k UControlKind) byte {
	switch k {
	case USABM:
		return ctrlSABM
	case USABME:
		return ctrlSABME
	case UUA:
		return ctrlUA
	case UDISC:
		return ctrlDISC
	case UDM:
		return ctrlDM
	case UUI:
		return ctrlUI
	case UFRMR:
		return ctrlFRMR
	case UXID:
		return ctrlXID
	case UTEST:
		return ctrlTEST
	}
	return ctrlUI
}

// Decode parses one whole AX.25 frame. modulo128 tells the decoder
// whether to interpret a second control octet for I/S frames; callers
// that don't yet know the session's modulus should try modulo8 first
// and fall back per the control byte's own low bits (S/U frames are
// self-describing via bits 0-1; only I frames are ambiguous, and a
// session always knows its own modulus before decoding I frames).
func Decode(raw []byte, modulo128 bool) (Frame, error) {
	addrs, rest, err := decodeAddresses(raw)
	if err != nil {
		return Frame{}, stationerr.New(stationerr.ProtocolFraming, "ax25.Decode", err)
	}
	if len(rest) < 1 {
		return Frame{}, stationerr.New(stationerr.ProtocolFraming, "ax25.Decode", fmt.Errorf("missing control byte"))
	}

	ctrl0 := rest[0]
	f := Frame{Addresses: addrs}

	switch {
	case ctrl0&0x01 == 0: // I frame
		f.Kind = KindI
		if modulo128 {
			f.Modulo = 128
		} else {
			f.Modulo = 8
		}
		if !modulo128 {
			f.NR = uint16(ctrl0 >> 5)
			f.NS = uint16((ctrl0 >> 1) & 0x07)
			f.Poll = ctrl0&pfBit != 0
			rest = rest[1:]
		} else {
			if len(rest) < 2 {
				return Frame{}, stationerr.New(stationerr.ProtocolFraming, "ax25.Decode", fmt.Errorf("short extended I control"))
			}
			f.NS = uint16(ctrl0 >> 1)
			ctrl1 := rest[1]
			f.NR = uint16(ctrl1 >> 1)
			f.Poll = ctrl1&0x01 != 0
			rest = rest[2:]
		}
		if len(rest) < 1 {
			return Frame{}, stationerr.New(stationerr.ProtocolFraming, "ax25.Decode", fmt.Errorf("missing PID"))
		}
		f.HasPID = true
		f.PID = rest[0]
		f.Payload = append([]byte(nil), rest[1:]...)

	case ctrl0&0x03 == 0x01: // S frame
		f.Kind = KindS
		f.SKind = decodeSKind(ctrl0)
		if modulo128 {
			f.Modulo = 128
		} else {
			f.Modulo = 8
		}
		if !modulo128 {
			f.NR = uint16(ctrl0 >> 5)
			f.Poll = ctrl0&pfBit != 0
			rest = rest[1:]
		} else {
			if len(rest) < 2 {
				return Frame{}, stationerr.New(stationerr.ProtocolFraming, "ax25.Decode", fmt.Errorf("short extended S control"))
			}
			ctrl1 := rest[1]
			f.NR = uint16(ctrl1 >> 1)
			f.Poll = ctrl1&0x01 != 0
			rest = rest[2:]
		}
		f.Final = f.Poll

	default: // U frame
		f.Kind = KindU
		base := ctrl0 &^ pfBit
		f.Poll = ctrl0&pfBit != 0
		f.Final = f.Poll
		f.UKind = decodeUKind(base)
		rest = rest[1:]
		if f.UKind == UUI {
			if len(rest) < 1 {
				return Frame{}, stationerr.New(stationerr.ProtocolFraming, "ax25.Decode", fmt.Errorf("missing PID on UI frame"))
			}
			f.HasPID = true
			f.PID = rest[0]
			f.Payload = append([]byte(nil), rest[1:]...)
		} else {
			f.Payload = append([]byte(nil), rest...)
		}
	}

	return f, nil
}

func decodeSKind(ctrl byte) SControlKind {
	switch ctrl & 0x0C {
	case 0x00:
		return SRR
	case 0x04:
		return SRNR
	case 0x08:
		return SREJ
	default:
		return SSREJ
	}
}

func decodeUKind(base byte) UControlKind {
	switch base {
	case ctrlSABM:
		return USABM
	case ctrlSABME:
		return USABME
	case ctrlUA:
		return UUA
	case ctrlDISC:
		return UDISC
	case ctrlDM:
		return UDM
	case ctrlFRMR:
		return UFRMR
	case ctrlXID:
		return UXID
	case ctrlTEST:
		return UTEST
	default:
		return UUI
	}
}

func decodeAddresses(raw []byte) ([]callsign.Ax25Address, []byte, error) {
	var addrs []callsign.Ax25Address
	pos := 0
	for {
		if pos+addressOctets > len(raw) {
			return nil, nil, fmt.Errorf("ax25: truncated address field")
		}
		addr, last, err := DecodeAddress(raw[pos:pos+addressOctets], len(addrs) >= 2)
		if err != nil {
			return nil, nil, err
		}
		addrs = append(addrs, addr)
		pos += addressOctets
		if last {
			break
		}
		if len(addrs) >= 10 {
			return nil, nil, fmt.Errorf("ax25: address list too long")
		}
	}
	if len(addrs) < 2 {
		return nil, nil, fmt.Errorf("ax25: address list needs at least destination and source")
	}
	return addrs, raw[pos:], nil
}
