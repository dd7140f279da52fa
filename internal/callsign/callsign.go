// Package callsign implements the Callsign and Ax25Address value types
// from spec.md §3, including the equality rules (case-insensitive on
// the base, numeric on the SSID) and canonical text form.
package callsign

import (
	"fmt"
	"strconv"
	"strings"
)

// Callsign is a 1-6 character uppercase alphanumeric base plus a 0-15
// SSID. Equality is case-insensitive on the base and numeric on SSID.
type Callsign struct {
	Base string
	SSID uint8
}

// Parse reads the canonical BASE[-SSID] text form.
func Parse(s string) (Callsign, error) {
	base, ssidPart, hasSSID := strings.Cut(s, "-")
	base = strings.ToUpper(strings.TrimSpace(base))

	if len(base) < 1 || len(base) > 6 {
		return Callsign{}, fmt.Errorf("callsign: base %q must be 1-6 characters", base)
	}
	for _, r := range base {
		if !(r >= 'A' && r <= 'Z' || r >= '0' && r <= '9') {
			return Callsign{}, fmt.Errorf("callsign: base %q has non-alphanumeric character %q", base, r)
		}
	}

	var ssid uint64
	if hasSSID {
		var err error
		ssid, err = strconv.ParseUint(ssidPart, 10, 8)
		if err != nil || ssid > 15 {
			return Callsign{}, fmt.Errorf("callsign: SSID %q must be 0-15", ssidPart)
		}
	}

	return Callsign{Base: base, SSID: uint8(ssid)}, nil
}

// String renders the canonical form, omitting "-0".
func (c Callsign) String() string {
	if c.SSID == 0 {
		return c.Base
	}
	return fmt.Sprintf("%s-%d", c.Base, c.SSID)
}

// Equal compares case-insensitively on base and numerically on SSID.
func (c Callsign) Equal(other Callsign) bool {
	return strings.EqualFold(c.Base, other.Base) && c.SSID == other.SSID
}

// Ax25Address is a Callsign plus the command/response and
// has-been-repeated bits carried in the AX.25 address-field octets.
type Ax25Address struct {
	Callsign Callsign
	// CommandBit is the C bit: set on the destination of a command
	// frame or the source of a response frame (AX.25 2.2 §6.1.2).
	CommandBit bool
	// HasBeenRepeated is only meaningful on digipeater address entries.
	HasBeenRepeated bool
}

func (a Ax25Address) String() string {
	s := a.Callsign.String()
	if a.HasBeenRepeated {
		s += "*"
	}
	return s
}

// SessionKey identifies one Ax25Session by its canonicalized local and
// remote callsigns (SSID included, digipeater path excluded).
type SessionKey struct {
	Local  Callsign
	Remote Callsign
}

func (k SessionKey) String() string {
	return fmt.Sprintf("%s<->%s", k.Local, k.Remote)
}

// NewSessionKey canonicalizes a (local, remote) pair; base is
// upper-cased by Parse already, so this just builds the pair as given.
func NewSessionKey(local, remote Callsign) SessionKey {
	return SessionKey{Local: local, Remote: remote}
}
