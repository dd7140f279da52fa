// Package gaia frames/deframes the vendor GAIA command envelope
// (spec.md §4.2, §6) around whatever TransportClient delivers raw
// bytes. It has no I/O of its own -- Decode/Encode operate on buffers,
// the way the teacher's kiss_frame.go separates frame accumulation from
// the transport that feeds it bytes.
package gaia

import (
	"encoding/binary"
	"fmt"
)

// Group is the GAIA command group.
type Group uint16

const (
	GroupBasic    Group = 2
	GroupExtended Group = 10
)

// Command numbers, §6 (subset normative; full vendor catalog is wider).
const (
	CmdGetDevInfo          uint16 = 4
	CmdReadStatus          uint16 = 5
	CmdRegisterNotification uint16 = 6
	CmdEventNotification   uint16 = 9
	CmdReadSettings        uint16 = 10
	CmdWriteSettings       uint16 = 11
	CmdReadRfCh            uint16 = 13
	CmdWriteRfCh           uint16 = 14
	CmdGetHtStatus         uint16 = 20
	CmdGetVolume           uint16 = 22
	CmdSetVolume           uint16 = 23
	CmdHtSendData          uint16 = 31
	CmdReadBssSettings     uint16 = 33
	CmdWriteBssSettings    uint16 = 34
	CmdSetRegion           uint16 = 60
	CmdGetPosition         uint16 = 76
)

// Notification types, carried in the payload of an EVENT_NOTIFICATION
// message (command MSB set).
const (
	NotifyHtStatusChanged   uint16 = 1
	NotifyDataRxd           uint16 = 2
	NotifyHtChChanged       uint16 = 5
	NotifyHtSettingsChanged uint16 = 6
	NotifyRadioStatusChanged uint16 = 8
	NotifyPositionChange    uint16 = 13
)

const notificationBit uint16 = 0x8000

// Message is one logical GAIA message: group:u16, command:u16 (MSB set
// for notifications), payload:bytes, all big-endian.
type Message struct {
	Group        Group
	Command      uint16 // command number with the notification bit masked off
	Notification bool
	Payload      []byte
}

// rawCommand returns the command number with the notification MSB set
// when m is a notification.
func (m Message) rawCommand() uint16 {
	if m.Notification {
		return m.Command | notificationBit
	}
	return m.Command
}

// Encode writes the whole-message wire form.
func Encode(m Message) []byte {
	buf := make([]byte, 4+len(m.Payload))
	binary.BigEndian.PutUint16(buf[0:2], uint16(m.Group))
	binary.BigEndian.PutUint16(buf[2:4], m.rawCommand())
	copy(buf[4:], m.Payload)
	return buf
}

// ErrShortMessage indicates the codec needs more bytes before it can
// decode a whole message; it is not a framing error.
var ErrShortMessage = fmt.Errorf("gaia: incomplete message")

// Decode consumes as much of buf as forms one whole message, returning
// the message, the number of bytes consumed, and ErrShortMessage if buf
// does not yet hold a complete message.
func Decode(buf []byte) (Message, int, error) {
	if len(buf) < 4 {
		return Message{}, 0, ErrShortMessage
	}
	group := Group(binary.BigEndian.Uint16(buf[0:2]))
	rawCmd := binary.BigEndian.Uint16(buf[2:4])

	// The vendor envelope carries no explicit length prefix visible at
	// this layer; the transport delivers whole GAIA messages per read
	// (it multiplexes on its own internal record boundaries), so the
	// remainder of buf after the 4-byte header is the payload.
	payload := buf[4:]
	msg := Message{
		Group:        group,
		Command:      rawCmd &^ notificationBit,
		Notification: rawCmd&notificationBit != 0,
		Payload:      append([]byte(nil), payload...),
	}
	return msg, len(buf), nil
}

// Codec accumulates bytes from a transport and emits whole Messages. It
// assumes one GAIA message per transport delivery, which matches how
// the short-range link frames its own records; callers needing a
// byte-stream transport should extend this with length framing.
type Codec struct {
	buf []byte
}

func NewCodec() *Codec { return &Codec{} }

// Feed appends newly-arrived bytes and returns every whole message now
// decodable from the accumulated buffer.
func (c *Codec) Feed(b []byte) ([]Message, error) {
	c.buf = append(c.buf, b...)

	var out []Message
	for len(c.buf) > 0 {
		msg, n, err := Decode(c.buf)
		if err == ErrShortMessage {
			break
		}
		if err != nil {
			return out, err
		}
		out = append(out, msg)
		c.buf = c.buf[n:]
	}
	return out, nil
}
