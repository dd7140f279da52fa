// Package ax25 implements the AX.25 data-link layer of spec.md §4.4-§4.5:
// Ax25Codec (frame encode/decode) and Ax25Session (the per-peer
// data-link state machine). Grounded on doismellburning/samoyed's
// ax25_pad.go/ax25_pad2.go for the wire-level bit layout, rewritten as
// plain Go structs instead of cgo packet_t pointers, per spec.md §9's
// "tagged unions for frames" design note.
package ax25

import "github.com/w1gaia/htstation/internal/callsign"

// FrameKind distinguishes the three AX.25 frame families.
type FrameKind int

const (
	KindI FrameKind = iota
	KindS
	KindU
)

// SControlKind enumerates supervisory frame subtypes.
type SControlKind int

const (
	SRR SControlKind = iota
	SRNR
	SREJ
	SSREJ
)

// UControlKind enumerates the unnumbered frame subtypes this core
// needs. UI is also a U frame (UUI below); unlike the others it carries
// a PID and payload like I frames.
type UControlKind int

const (
	USABM UControlKind = iota
	USABME
	UUA
	UDISC
	UDM
	UUI
	UFRMR
	UXID
	UTEST
)

// PID values relevant to this core; 0xF0 means "no layer 3" (APRS, most
// BBS/Winlink/YAPP traffic riding a connected session).
const (
	PIDNone uint8 = 0xF0
)

// Frame is the tagged union of a decoded AX.25 frame, per spec.md §9.
type Frame struct {
	Addresses []callsign.Ax25Address // dest, source, then 0-8 digipeaters
	Kind      FrameKind

	// I and S frames.
	NS, NR uint16
	Poll   bool // P/F bit, named Poll on commands and Final on responses
	Final  bool
	// Modulo is 8 or 128; it selects one- vs two-octet I/S control
	// fields on Encode. Zero defaults to 8.
	Modulo uint16

	// I and UI only.
	HasPID bool
	PID    uint8
	Payload []byte

	// S frame subtype.
	SKind SControlKind

	// U frame subtype (includes UUI).
	UKind UControlKind

	// Radio metadata, informational only (spec.md §3 Ax25Frame).
	ChannelID   uint8
	ChannelName string
}

// Destination is Addresses[0]; Source is Addresses[1]. Panics if the
// frame was not built with at least two addresses -- every valid AX.25
// frame has both.
func (f Frame) Destination() callsign.Ax25Address { return f.Addresses[0] }
func (f Frame) Source() callsign.Ax25Address       { return f.Addresses[1] }
func (f Frame) Digipeaters() []callsign.Ax25Address {
	if len(f.Addresses) <= 2 {
		return nil
	}
	return f.Addresses[2:]
}

// SessionKey derives the (local, remote) pair from a frame's point of
// view as the receiver: local is the destination, remote is the source.
func (f Frame) SessionKey() callsign.SessionKey {
	return callsign.NewSessionKey(f.Destination().Callsign, f.Source().Callsign)
}
