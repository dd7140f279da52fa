package ax25

import (
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/w1gaia/htstation/internal/callsign"
	"github.com/w1gaia/htstation/internal/clock"
	"github.com/w1gaia/htstation/internal/stationerr"
)

// SessionState is the Ax25Session connection state, per spec.md §4.5.
type SessionState int

const (
	Disconnected SessionState = iota
	Connecting
	Connected
	Disconnecting
)

func (s SessionState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnecting:
		return "disconnecting"
	default:
		return "disconnected"
	}
}

// Default timer values and retry bound, per spec.md §4.5.
const (
	DefaultT1 = 4 * time.Second
	DefaultT2 = 100 * time.Millisecond
	DefaultT3 = 180 * time.Second
	DefaultN2 = 10

	// maxFrames is the modulo-8 window size (send/receive). Mod-128
	// sessions use maxFrames128 instead.
	maxFrames    = 8
	maxFrames128 = 128
)

// SendFrame is what the session hands the radio layer to transmit: a
// fully-addressed wire frame plus the channel it should go out on.
type SendFrame struct {
	ChannelID uint8
	Wire      []byte
}

// SessionListener receives Ax25Session events.
type SessionListener interface {
	// OnData is called once per in-order, deduplicated, reassembled
	// chunk of application payload accepted over a CONNECTED session.
	OnData(key callsign.SessionKey, data []byte)
	// OnStateChanged fires on every connection-state transition.
	OnStateChanged(key callsign.SessionKey, state SessionState, reason error)
	// OnUi fires for an unconnected UI frame addressed to this session's
	// local callsign outside of any connected data-link (rare; most UI
	// traffic is routed by the Dispatcher directly to AprsCodec).
	OnUi(key callsign.SessionKey, pid uint8, data []byte)
}

type outboundHold struct {
	ns      uint16
	payload []byte
	sent    bool
}

// Session is the Ax25Session state machine of spec.md §4.5: one
// instance per (local, remote) callsign pair, single-threaded
// cooperative per spec.md §9's scheduling model -- every exported
// method must be called from the Dispatcher's single processing
// goroutine for a given session.
type Session struct {
	log    *log.Logger
	clock  clock.Clock
	key    callsign.SessionKey
	local  callsign.Ax25Address
	remote callsign.Ax25Address

	channelID uint8
	send      func(SendFrame)
	listener  SessionListener

	preferExtended bool // offer SABME when we initiate

	mu sync.Mutex

	state   SessionState
	modulus uint16

	vs, vr, va uint16 // send, receive, ack state variables
	rc         int    // retry counter

	pendingOutbound []outboundHold
	recvBuffer      map[uint16][]byte // out-of-order I-frames keyed by N(S)
	sentREJ         bool
	peerBusy        bool
	localBusy       bool

	t1, t2, t3 clock.Timer

	n2 int
	t1Delay, t2Delay, t3Delay time.Duration

	stats Stats
}

// NewSession constructs a session in the DISCONNECTED state. send is
// invoked (possibly from within a method call, never from another
// goroutine) whenever the session needs a wire frame transmitted;
// channelID is the radio VFO this session's traffic rides on.
func NewSession(logger *log.Logger, c clock.Clock, local, remote callsign.Ax25Address, channelID uint8, send func(SendFrame)) *Session {
	return &Session{
		log:       logger,
		clock:     c,
		key:       callsign.NewSessionKey(local.Callsign, remote.Callsign),
		local:     local,
		remote:    remote,
		channelID: channelID,
		send:      send,
		state:     Disconnected,
		modulus:   maxFrames,
		n2:        DefaultN2,
		t1Delay:   DefaultT1,
		t2Delay:   DefaultT2,
		t3Delay:   DefaultT3,
	}
}

func (s *Session) SetListener(l SessionListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listener = l
}

func (s *Session) Key() callsign.SessionKey { return s.key }

func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// PreferExtended makes Connect offer SABME (modulo-128) instead of SABM.
func (s *Session) PreferExtended(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.preferExtended = v
}

// Connect drives DISCONNECTED -> CONNECTING, sending SABM or SABME and
// arming T1/N2 retry. It does not block; completion (or failure) is
// delivered via SessionListener.OnStateChanged.
func (s *Session) Connect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Disconnected {
		return
	}
	s.state = Connecting
	s.rc = 0
	if s.preferExtended {
		s.modulus = maxFrames128
	} else {
		s.modulus = maxFrames
	}
	s.sendControlLocked(UKindFor(s.preferExtended), true)
	s.armT1Locked()
	s.notifyStateLocked(nil)
}

// UKindFor picks SABME when extended is true, else SABM.
func UKindFor(extended bool) UControlKind {
	if extended {
		return USABME
	}
	return USABM
}

func (s *Session) sendControlLocked(kind UControlKind, poll bool) {
	f := Frame{
		Addresses: []callsign.Ax25Address{s.remote, s.local},
		Kind:      KindU,
		UKind:     kind,
		Poll:      poll,
	}
	s.transmitLocked(f)
}

func (s *Session) sendUaLocked(final bool) {
	f := Frame{
		Addresses: []callsign.Ax25Address{s.remote, s.local},
		Kind:      KindU,
		UKind:     UUA,
		Final:     final,
	}
	s.transmitLocked(f)
}

func (s *Session) sendDmLocked(final bool) {
	f := Frame{
		Addresses: []callsign.Ax25Address{s.remote, s.local},
		Kind:      KindU,
		UKind:     UDM,
		Final:     final,
	}
	s.transmitLocked(f)
}

func (s *Session) sendSupervisoryLocked(kind SControlKind, poll, final bool) {
	f := Frame{
		Addresses: []callsign.Ax25Address{s.remote, s.local},
		Kind:      KindS,
		SKind:     kind,
		NR:        s.vr,
		Poll:      poll,
		Final:     final,
		Modulo:    s.modulus,
	}
	s.transmitLocked(f)
}

func (s *Session) transmitLocked(f Frame) {
	s.stats.PacketsSent++
	if f.Kind == KindI {
		s.stats.BytesSent += len(f.Payload)
	}
	s.send(SendFrame{ChannelID: s.channelID, Wire: Encode(f)})
}

// Stats returns cumulative send counters.
func (s *Session) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// SendUi emits a single unconnected UI frame; valid in any state.
func (s *Session) SendUi(pid uint8, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f := Frame{
		Addresses: []callsign.Ax25Address{s.remote, s.local},
		Kind:      KindU,
		UKind:     UUI,
		HasPID:    true,
		PID:       pid,
		Payload:   data,
	}
	s.transmitLocked(f)
}

// Send appends bytes to the outbound queue. If immediate and the send
// window has room and the peer is not RNR-busy, it is framed and
// dispatched right away; otherwise it waits for the next ack or the T2
// coalescing window, per spec.md §4.5 "Immediate vs coalesced send".
func (s *Session) Send(data []byte, immediate bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Connected {
		return
	}
	s.pendingOutbound = append(s.pendingOutbound, outboundHold{payload: data})
	if immediate {
		s.drainOutboundLocked()
	} else if s.t2 == nil {
		s.armT2Locked()
	}
}

func (s *Session) windowSizeLocked() uint16 {
	if s.modulus == maxFrames128 {
		return maxFrames128
	}
	return maxFrames
}

func (s *Session) outstandingLocked() uint16 {
	return (s.vs - s.va) % s.modulus
}

// drainOutboundLocked frames and sends as many pending payloads as the
// window and peer-busy state allow.
func (s *Session) drainOutboundLocked() {
	if s.peerBusy {
		return
	}
	for i := range s.pendingOutbound {
		if s.pendingOutbound[i].sent {
			continue
		}
		if s.outstandingLocked() >= s.windowSizeLocked()-1 {
			break
		}
		ns := s.vs
		s.pendingOutbound[i].ns = ns
		s.pendingOutbound[i].sent = true
		s.vs = (s.vs + 1) % s.modulus
		f := Frame{
			Addresses: []callsign.Ax25Address{s.remote, s.local},
			Kind:      KindI,
			NS:        ns,
			NR:        s.vr,
			HasPID:    true,
			PID:       PIDNone,
			Payload:   s.pendingOutbound[i].payload,
			Modulo:    s.modulus,
		}
		s.transmitLocked(f)
		if s.t1 == nil {
			s.armT1Locked()
		}
	}
}

func (s *Session) armT1Locked() {
	if s.t1 != nil {
		s.t1.Stop()
	}
	s.t1 = s.clock.AfterFunc(s.t1Delay, s.onT1)
}

func (s *Session) armT2Locked() {
	if s.t2 != nil {
		s.t2.Stop()
	}
	s.t2 = s.clock.AfterFunc(s.t2Delay, s.onT2)
}

func (s *Session) armT3Locked() {
	if s.t3 != nil {
		s.t3.Stop()
	}
	s.t3 = s.clock.AfterFunc(s.t3Delay, s.onT3)
}

func (s *Session) stopTimersLocked() {
	for _, t := range []clock.Timer{s.t1, s.t2, s.t3} {
		if t != nil {
			t.Stop()
		}
	}
	s.t1, s.t2, s.t3 = nil, nil, nil
}

// onT1 implements T1 expiry: retransmit unacked window with P=1, or
// SABM/SABME, or DISC, depending on what's outstanding; rc bounded by
// N2.
func (s *Session) onT1() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.t1 = nil
	s.rc++
	if s.rc > s.n2 {
		s.failLocked(stationerr.New(stationerr.LinkTimeout, "ax25.Session", fmt.Errorf("N2 exhausted")))
		return
	}
	switch s.state {
	case Connecting:
		s.sendControlLocked(UKindFor(s.preferExtended), true)
		s.armT1Locked()
	case Connected:
		s.retransmitWindowLocked()
		s.armT1Locked()
	case Disconnecting:
		s.sendControlLocked(UDISC, true)
		s.armT1Locked()
	}
}

func (s *Session) onT2() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.t2 = nil
	if s.state != Connected {
		return
	}
	s.drainOutboundLocked()
	if s.sentREJ {
		// REJ already carries NR; nothing further queued here.
	} else {
		s.sendSupervisoryLocked(SRR, false, false)
	}
}

func (s *Session) onT3() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.t3 = nil
	if s.state != Connected {
		return
	}
	s.sendSupervisoryLocked(SRR, true, false)
	s.armT1Locked()
}

func (s *Session) retransmitWindowLocked() {
	for i := range s.pendingOutbound {
		if !s.pendingOutbound[i].sent {
			continue
		}
		f := Frame{
			Addresses: []callsign.Ax25Address{s.remote, s.local},
			Kind:      KindI,
			NS:        s.pendingOutbound[i].ns,
			NR:        s.vr,
			Poll:      true,
			HasPID:    true,
			PID:       PIDNone,
			Payload:   s.pendingOutbound[i].payload,
			Modulo:    s.modulus,
		}
		s.transmitLocked(f)
	}
}

func (s *Session) failLocked(reason error) {
	s.stopTimersLocked()
	s.state = Disconnected
	s.vs, s.vr, s.va = 0, 0, 0
	s.pendingOutbound = nil
	s.recvBuffer = nil
	s.notifyStateLocked(reason)
}

func (s *Session) notifyStateLocked(reason error) {
	listener := s.listener
	state := s.state
	key := s.key
	s.mu.Unlock()
	if listener != nil {
		listener.OnStateChanged(key, state, reason)
	}
	s.mu.Lock()
}

// Disconnect drives CONNECTED/CONNECTING -> DISCONNECTING, flushes the
// window best-effort, and sends DISC.
func (s *Session) Disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Disconnected {
		return
	}
	if s.state == Connected {
		s.drainOutboundLocked()
	}
	s.state = Disconnecting
	s.rc = 0
	s.sendControlLocked(UDISC, true)
	s.armT1Locked()
	s.notifyStateLocked(nil)
}

// Receive feeds one already-decoded inbound frame addressed to this
// session into the state machine.
func (s *Session) Receive(f Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch f.Kind {
	case KindU:
		s.receiveULocked(f)
	case KindS:
		s.receiveSLocked(f)
	case KindI:
		s.receiveILocked(f)
	}
}

func (s *Session) receiveULocked(f Frame) {
	switch f.UKind {
	case USABM, USABME:
		s.stopTimersLocked()
		s.modulus = maxFrames
		if f.UKind == USABME {
			s.modulus = maxFrames128
		}
		s.vs, s.vr, s.va = 0, 0, 0
		s.rc = 0
		s.pendingOutbound = nil
		s.recvBuffer = make(map[uint16][]byte)
		s.peerBusy, s.localBusy, s.sentREJ = false, false, false
		s.state = Connected
		s.sendUaLocked(f.Poll)
		s.armT3Locked()
		s.notifyStateLocked(nil)
	case UUA:
		if s.state == Connecting {
			s.stopTimersLocked()
			s.vs, s.vr, s.va = 0, 0, 0
			s.rc = 0
			s.recvBuffer = make(map[uint16][]byte)
			s.state = Connected
			s.armT3Locked()
			s.notifyStateLocked(nil)
		} else if s.state == Disconnecting {
			s.stopTimersLocked()
			s.state = Disconnected
			s.pendingOutbound = nil
			s.recvBuffer = nil
			s.notifyStateLocked(nil)
		}
	case UDM:
		if s.state == Connecting {
			s.failLocked(stationerr.New(stationerr.PeerRefused, "ax25.Session", fmt.Errorf("SABM rejected with DM")))
		} else if s.state == Disconnecting || s.state == Connected {
			s.failLocked(nil)
		}
	case UDISC:
		if s.state == Connected || s.state == Disconnecting {
			s.stopTimersLocked()
			s.state = Disconnected
			s.pendingOutbound = nil
			s.recvBuffer = nil
			s.sendUaLocked(f.Poll)
			s.notifyStateLocked(nil)
		} else {
			s.sendDmLocked(f.Poll)
		}
	}
}

func (s *Session) receiveSLocked(f Frame) {
	if s.state != Connected {
		return
	}
	switch f.SKind {
	case SRR:
		s.ackThroughLocked(f.NR)
		s.peerBusy = false
		if f.Poll {
			s.sendSupervisoryLocked(SRR, false, true)
		}
	case SRNR:
		s.ackThroughLocked(f.NR)
		s.peerBusy = true
	case SREJ, SSREJ:
		s.va = f.NR
		s.removeAckedLocked()
		s.rc = 0
		s.retransmitFromLocked(f.NR)
		s.armT1Locked()
	}
}

func (s *Session) ackThroughLocked(nr uint16) {
	s.va = nr
	s.removeAckedLocked()
	if len(s.pendingOutbound) == 0 || s.outstandingLocked() == 0 {
		s.stopT1IfIdleLocked()
	} else {
		s.rc = 0
		s.armT1Locked()
	}
	s.drainOutboundLocked()
}

func (s *Session) stopT1IfIdleLocked() {
	if s.t1 != nil {
		s.t1.Stop()
		s.t1 = nil
	}
}

func (s *Session) removeAckedLocked() {
	kept := s.pendingOutbound[:0]
	for _, h := range s.pendingOutbound {
		if h.sent && seqBefore(h.ns, s.va, s.modulus) {
			continue
		}
		kept = append(kept, h)
	}
	s.pendingOutbound = kept
}

func (s *Session) retransmitFromLocked(from uint16) {
	for i := range s.pendingOutbound {
		if !s.pendingOutbound[i].sent {
			continue
		}
		if s.pendingOutbound[i].ns != from && seqBefore(s.pendingOutbound[i].ns, from, s.modulus) {
			continue
		}
		f := Frame{
			Addresses: []callsign.Ax25Address{s.remote, s.local},
			Kind:      KindI,
			NS:        s.pendingOutbound[i].ns,
			NR:        s.vr,
			HasPID:    true,
			PID:       PIDNone,
			Payload:   s.pendingOutbound[i].payload,
			Modulo:    s.modulus,
		}
		s.transmitLocked(f)
	}
}

// seqBefore reports whether a precedes b in modulo sequence space,
// treating the window as less-than-half-the-modulus wide.
func seqBefore(a, b, modulus uint16) bool {
	return (b-a)%modulus != 0 && (b-a)%modulus < modulus/2
}

// receiveILocked implements spec.md §4.5's out-of-order policy: in
// sequence frames drain the buffer and emit payload; near-future frames
// are buffered behind at most one outstanding REJ; far-future frames
// are discarded outright with a REJ ensured.
func (s *Session) receiveILocked(f Frame) {
	if s.state != Connected {
		return
	}
	s.ackThroughLocked(f.NR)

	switch {
	case f.NS == s.vr:
		s.vr = (s.vr + 1) % s.modulus
		s.deliverLocked(f.Payload)
		s.drainBufferedLocked()
		s.sentREJ = false
		s.armT2Locked()
	case seqBefore(f.NS, s.vr, s.modulus):
		// Stale duplicate of a frame already delivered (peer
		// retransmitted more of its window than we needed); drop
		// silently, no REJ.
	case seqDistance(s.vr, f.NS, s.modulus) < s.windowSizeLocked()-1:
		if s.recvBuffer == nil {
			s.recvBuffer = make(map[uint16][]byte)
		}
		s.recvBuffer[f.NS] = f.Payload
		if !s.sentREJ {
			s.sendSupervisoryLocked(SREJ, false, false)
			s.sentREJ = true
		}
	default:
		if !s.sentREJ {
			s.sendSupervisoryLocked(SREJ, false, false)
			s.sentREJ = true
		}
	}

	if f.Poll {
		s.sendSupervisoryLocked(SRR, false, true)
	}
}

func seqDistance(from, to, modulus uint16) uint16 {
	return (to - from + modulus) % modulus
}

func (s *Session) deliverLocked(payload []byte) {
	listener := s.listener
	key := s.key
	s.mu.Unlock()
	if listener != nil && len(payload) > 0 {
		listener.OnData(key, payload)
	}
	s.mu.Lock()
}

func (s *Session) drainBufferedLocked() {
	for {
		payload, ok := s.recvBuffer[s.vr]
		if !ok {
			return
		}
		delete(s.recvBuffer, s.vr)
		s.vr = (s.vr + 1) % s.modulus
		s.deliverLocked(payload)
	}
}

// Stats are the cumulative counters spec.md §8's scenarios assert on.
type Stats struct {
	PacketsSent int
	BytesSent   int
}
