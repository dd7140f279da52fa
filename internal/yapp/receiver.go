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

// ReceiverListener observes an inbound transfer's lifecycle.
type ReceiverListener interface {
	OnFileOffered(filename string, length int) (accept bool)
	OnFileReceived(filename string, data []byte)
	OnTransferAborted(reason error)
}

// Receiver is the receiving side of a YAPP transfer: it answers SI
// with RR or RF, accumulates DT blocks, and acknowledges ET, per
// spec.md §4.8.
type Receiver struct {
	log        *log.Logger
	clock      clock.Clock
	send       func([]byte)
	listener   ReceiverListener
	ackTimeout time.Duration

	mu       sync.Mutex
	state    State
	filename string
	expected int
	checksum bool
	buf      bytes.Buffer
	timer    clock.Timer
}

func NewReceiver(logger *log.Logger, c clock.Clock, send func([]byte)) *Receiver {
	return &Receiver{log: logger, clock: c, send: send, ackTimeout: DefaultAckTimeout}
}

func (r *Receiver) SetListener(l ReceiverListener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listener = l
}

// SetAckTimeout overrides the default per-ack deadline.
func (r *Receiver) SetAckTimeout(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ackTimeout = d
}

func (r *Receiver) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Receive feeds one raw control frame from the underlying session.
func (r *Receiver) Receive(frame []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(frame) == 0 {
		return
	}
	switch frame[0] {
	case ctrlSI:
		r.handleSILocked(frame[1:])
	case ctrlDT:
		r.handleDTLocked(frame[1:])
	case ctrlET:
		r.handleETLocked()
	case ctrlAT:
		r.abortLocked(fmt.Errorf("yapp: transfer aborted by peer"))
	default:
		r.log.Debug("yapp: unexpected control byte", "byte", frame[0])
	}
}

func (r *Receiver) handleSILocked(body []byte) {
	parts := bytes.SplitN(body, []byte{0x00}, 3)
	if len(parts) < 2 {
		r.send([]byte{ctrlRF})
		return
	}
	filename := string(parts[0])
	var length int
	fmt.Sscanf(string(parts[1]), "%d", &length)
	r.checksum = len(parts) > 2 && len(parts[2]) > 0 && parts[2][0] == 0x01

	accept := true
	if r.listener != nil {
		l := r.listener
		r.mu.Unlock()
		accept = l.OnFileOffered(filename, length)
		r.mu.Lock()
	}
	if !accept {
		r.send([]byte{ctrlRF})
		return
	}
	r.filename = filename
	r.expected = length
	r.buf.Reset()
	r.state = AwaitingReady
	r.send([]byte{ctrlRR})
	r.armAckTimerLocked()
}

func (r *Receiver) handleDTLocked(body []byte) {
	if len(body) < 1 {
		return
	}
	n := int(body[0])
	payload := body[1:]
	if r.checksum && len(payload) > 0 {
		payload = payload[:len(payload)-1]
	}
	if n > 0 && n <= len(payload) {
		r.buf.Write(payload[:n])
	}
	r.state = Sending
	r.send([]byte{ctrlRR})
	r.armAckTimerLocked()
}

func (r *Receiver) handleETLocked() {
	r.stopAckTimerLocked()
	r.state = Done
	filename := r.filename
	data := append([]byte(nil), r.buf.Bytes()...)
	l := r.listener
	r.mu.Unlock()
	if l != nil {
		l.OnFileReceived(filename, data)
	}
	r.mu.Lock()
	r.send([]byte{ctrlRR})
}

func (r *Receiver) armAckTimerLocked() {
	if r.timer != nil {
		r.timer.Stop()
	}
	r.timer = r.clock.AfterFunc(r.ackTimeout, r.onAckTimeout)
}

func (r *Receiver) stopAckTimerLocked() {
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

func (r *Receiver) onAckTimeout() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.timer = nil
	if r.state == Done || r.state == Aborted {
		return
	}
	r.log.Warn("yapp: ack timeout, aborting transfer")
	r.abortLocked(stationerr.New(stationerr.LinkTimeout, "yapp.Receiver", fmt.Errorf("no block within %s", r.ackTimeout)))
}

func (r *Receiver) abortLocked(reason error) {
	r.stopAckTimerLocked()
	r.state = Aborted
	l := r.listener
	r.mu.Unlock()
	if l != nil {
		l.OnTransferAborted(reason)
	}
	r.mu.Lock()
}
