// Package yapp implements the YAPP file-transfer block protocol over
// a CONNECTED Ax25Session, per spec.md §4.8.
package yapp

import (
	"bytes"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/w1gaia/htstation/internal/clock"
	"github.com/w1gaia/htstation/internal/stationerr"
)

// DefaultAckTimeout bounds how long a sender or receiver waits for the
// peer's next control byte before aborting, per spec.md §5.
const DefaultAckTimeout = 30 * time.Second

const (
	ctrlSI = 0x01
	ctrlRR = 0x02
	ctrlRF = 0x03
	ctrlDT = 0x04
	ctrlET = 0x05
	ctrlAT = 0x06
)

const maxDataLen = 128

// State is the YappSession's position in the transfer.
type State int

const (
	Idle State = iota
	AwaitingReady
	Sending
	AwaitingFinalAck
	Done
	Aborted
)

// Listener observes transfer progress and completion.
type Listener interface {
	OnTransferComplete(filename string, bytesSent int)
	OnTransferAborted(reason error)
}

// Session drives one YAPP file transfer as the sender. While active it
// claims the underlying Ax25Session's incoming bytes; the caller is
// responsible for routing data to Receive instead of normal BBS
// command processing, per spec.md §4.8.
type Session struct {
	log        *log.Logger
	clock      clock.Clock
	send       func([]byte)
	listener   Listener
	checksum   bool
	ackTimeout time.Duration

	mu       sync.Mutex
	state    State
	filename string
	data     []byte
	offset   int
	timer    clock.Timer
}

func NewSession(logger *log.Logger, c clock.Clock, send func([]byte)) *Session {
	return &Session{log: logger, clock: c, send: send, ackTimeout: DefaultAckTimeout}
}

func (s *Session) SetListener(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listener = l
}

// SetAckTimeout overrides the default per-ack deadline.
func (s *Session) SetAckTimeout(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ackTimeout = d
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SendFile begins a transfer: emits SI and waits for the peer's RR
// before streaming data blocks. withChecksum negotiates the optional
// trailing XOR checksum at SI time.
func (s *Session) SendFile(filename string, data []byte, withChecksum bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.filename = filename
	s.data = data
	s.offset = 0
	s.checksum = withChecksum
	s.state = AwaitingReady

	var body bytes.Buffer
	body.WriteByte(ctrlSI)
	body.WriteString(filename)
	body.WriteByte(0x00)
	fmt.Fprintf(&body, "%d", len(data))
	body.WriteByte(0x00)
	if withChecksum {
		body.WriteByte(0x01)
	}
	s.send(body.Bytes())
	s.armAckTimerLocked()
}

// Receive feeds a raw control byte (plus any trailing payload) from
// the underlying session.
func (s *Session) Receive(frame []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(frame) == 0 {
		return
	}
	switch frame[0] {
	case ctrlRR:
		s.handleReadyLocked()
	case ctrlRF:
		s.abortLocked(fmt.Errorf("yapp: transfer refused by peer"))
	case ctrlAT:
		s.abortLocked(fmt.Errorf("yapp: transfer aborted by peer"))
	default:
		s.log.Debug("yapp: unexpected control byte", "byte", frame[0])
	}
}

func (s *Session) handleReadyLocked() {
	s.stopAckTimerLocked()
	switch s.state {
	case AwaitingReady:
		s.state = Sending
		s.sendNextBlockLocked()
	case Sending:
		s.sendNextBlockLocked()
	case AwaitingFinalAck:
		s.state = Done
		l := s.listener
		filename, sent := s.filename, s.offset
		s.mu.Unlock()
		if l != nil {
			l.OnTransferComplete(filename, sent)
		}
		s.mu.Lock()
	}
}

func (s *Session) sendNextBlockLocked() {
	if s.offset >= len(s.data) {
		s.send([]byte{ctrlET})
		s.state = AwaitingFinalAck
		s.armAckTimerLocked()
		return
	}
	end := s.offset + maxDataLen
	if end > len(s.data) {
		end = len(s.data)
	}
	chunk := s.data[s.offset:end]

	block := make([]byte, 0, len(chunk)+3)
	block = append(block, ctrlDT, byte(len(chunk)))
	block = append(block, chunk...)
	if s.checksum {
		block = append(block, xorChecksum(chunk))
	}
	s.send(block)
	s.offset = end
	s.armAckTimerLocked()
}

func (s *Session) armAckTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = s.clock.AfterFunc(s.ackTimeout, s.onAckTimeout)
}

func (s *Session) stopAckTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *Session) onAckTimeout() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timer = nil
	if s.state == Done || s.state == Aborted {
		return
	}
	s.log.Warn("yapp: ack timeout, aborting transfer")
	s.abortLocked(stationerr.New(stationerr.LinkTimeout, "yapp.Session", fmt.Errorf("no ack within %s", s.ackTimeout)))
}

func (s *Session) abortLocked(reason error) {
	s.stopAckTimerLocked()
	s.state = Aborted
	l := s.listener
	s.mu.Unlock()
	if l != nil {
		l.OnTransferAborted(reason)
	}
	s.mu.Lock()
}

// Abort ends the transfer locally and notifies the peer.
func (s *Session) Abort() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.send([]byte{ctrlAT})
	s.abortLocked(fmt.Errorf("yapp: transfer aborted locally"))
}

func xorChecksum(data []byte) byte {
	var x byte
	for _, b := range data {
		x ^= b
	}
	return x
}
