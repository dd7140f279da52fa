// Package winlink implements the server side of a Winlink B2F mail
// session over an already-connected AX.25 link, per spec.md §4.7: the
// banner/challenge login, proposal/accept exchange, and LZHUF-
// compressed block transfer, with an optional transparent relay to an
// external CMS gateway.
package winlink

import (
	"bytes"
	"crypto/rand"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/w1gaia/htstation/internal/lzhuf"
	"github.com/w1gaia/htstation/internal/stationerr"
)

// maxBlockRetries bounds how many times this station asks the peer to
// retransmit a corrupted compressed mail block before failing the
// session, per spec.md §7's ChecksumFailed/CrcFailed taxonomy.
const maxBlockRetries = 2

// State is the WinlinkSession's position in the B2F exchange.
type State int

const (
	StateBanner State = iota
	StateAwaitingAuth
	StateProposal
	StateAwaitingAccept
	StateTransferring
	StateDone
)

// Listener observes session lifecycle events.
type Listener interface {
	OnAuthFailed()
	OnMailDelivered(mid string)
	// OnMailReceived fires once a proposed inbound mail item has been
	// fully received, checksum-verified, and LZHUF-decompressed.
	OnMailReceived(m Mail)
	OnSessionClosed(reason error)
}

// inboundProposal is one "FC EM" line the peer offered, describing a
// mail item it wants to send us.
type inboundProposal struct {
	mid             string
	uncompressedLen int
	compressedLen   int
}

const maxBlockLen = 128

// Session drives one WinlinkSession. It is line-buffered: Receive
// feeds raw bytes off the underlying Ax25Session and the session
// parses '\r'-terminated command lines, switching to raw binary
// passthrough only while actively streaming compressed blocks.
type Session struct {
	log      *log.Logger
	send     func([]byte)
	listener Listener
	password string // empty means no authentication is required

	mu        sync.Mutex
	state     State
	challenge string
	lineBuf   []byte

	pending        []Mail
	accepted       []bool
	answeredByPeer bool
	outboundDone   bool

	// Inbound mail the peer proposes to send us.
	inbound            []inboundProposal
	inboundIdx         int
	proposalsExchanged bool
	inBlockMode        bool
	blockRecvBuf       []byte
	blockSubject       string
	blockBuf           []byte
	blockRetries       int
}

// NewSession constructs a server-side WinlinkSession offering pending
// as the mailbox inventory. If password is empty, the PQ challenge
// line is omitted and no authentication is performed, per spec.md
// §4.7.
func NewSession(logger *log.Logger, send func([]byte), password string, pending []Mail) *Session {
	return &Session{
		log:      logger,
		send:     send,
		password: password,
		pending:  pending,
	}
}

func (s *Session) SetListener(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listener = l
}

// Start emits the B2F banner and, if a password is configured, the PQ
// challenge, then transitions to await the client's response (or
// directly to the proposal exchange if no auth is required).
func (s *Session) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.send([]byte("[WL2K-5.0-B2FWIHJM$]\r"))
	if s.password != "" {
		s.challenge = randomChallenge()
		s.send([]byte(fmt.Sprintf(";PQ: %s\r", s.challenge)))
		s.send([]byte(">\r"))
		s.state = StateAwaitingAuth
		return
	}
	s.send([]byte(">\r"))
	s.offerProposalsLocked()
}

func randomChallenge() string {
	n, err := rand.Int(rand.Reader, big.NewInt(100000000))
	if err != nil {
		return "00000000"
	}
	return fmt.Sprintf("%08d", n.Int64())
}

// Receive feeds incoming bytes. While a block transfer from the peer is
// in progress it is parsed as raw length-prefixed blocks; otherwise it
// is split into '\r'-terminated command lines, per spec.md §4.7's
// "binary mode switch" once the proposal exchange gives way to the
// compressed mail stream.
func (s *Session) Receive(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.inBlockMode {
		s.blockRecvBuf = append(s.blockRecvBuf, data...)
		s.drainBlockBufferLocked()
		return
	}

	s.lineBuf = append(s.lineBuf, data...)
	for {
		i := bytes.IndexByte(s.lineBuf, '\r')
		if i < 0 {
			return
		}
		line := string(s.lineBuf[:i])
		s.lineBuf = s.lineBuf[i+1:]
		s.handleLineLocked(line)
		if s.inBlockMode {
			// Any bytes already buffered past this line belong to the
			// block stream, not to further command lines.
			s.blockRecvBuf = append(s.blockRecvBuf, s.lineBuf...)
			s.lineBuf = nil
			s.drainBlockBufferLocked()
			return
		}
	}
}

func (s *Session) handleLineLocked(line string) {
	switch s.state {
	case StateAwaitingAuth:
		if line == secureResponse(s.challenge, s.password) {
			s.offerProposalsLocked()
			return
		}
		s.log.Warn("winlink authentication failed")
		s.state = StateDone
		s.notifyAuthFailedLocked()
	case StateAwaitingAccept, StateTransferring:
		// StateTransferring still routes here: our own offer may have
		// been accepted before the peer's own "FC EM"/"F>" proposal
		// lines arrive, per spec.md §4.7's two-way exchange.
		s.handleExchangeLineLocked(line)
	default:
		s.log.Debug("winlink: unhandled line in state", "state", s.state, "line", line)
	}
}

func (s *Session) notifyAuthFailedLocked() {
	l := s.listener
	s.mu.Unlock()
	if l != nil {
		l.OnAuthFailed()
		l.OnSessionClosed(authError("PQ challenge response did not match"))
	}
	s.mu.Lock()
}

// offerProposalsLocked emits one `FC EM` line per pending mail item
// plus the closing `F>` checksum line, per spec.md §4.7. It always
// sends the closing line, even with nothing to offer, so the peer can
// answer FS and still propose its own mail to us in the same exchange.
func (s *Session) offerProposalsLocked() {
	s.accepted = make([]bool, len(s.pending))

	var block bytes.Buffer
	for _, m := range s.pending {
		compressed := lzhuf.Encode(m.Body, true)
		line := fmt.Sprintf("FC EM %s %d %d 0\r", m.MID, len(m.Body), len(compressed))
		block.WriteString(line)
	}
	s.send(block.Bytes())
	chk := checksum(block.Bytes())
	s.send([]byte(fmt.Sprintf("F> %02X\r", chk)))
	s.state = StateAwaitingAccept
}

// handleExchangeLineLocked routes the three line kinds that can arrive
// once both sides are in the proposal/accept phase: the peer's own
// "FC EM" offers, its "F>" terminator, or its "FS" answer to ours.
func (s *Session) handleExchangeLineLocked(line string) {
	switch {
	case strings.HasPrefix(line, "FC EM "):
		if p, ok := parseProposalLine(line); ok {
			s.inbound = append(s.inbound, p)
		}
	case strings.HasPrefix(line, "F>"):
		s.proposalsExchanged = true
		s.sendInboundAnswerLocked()
	case strings.HasPrefix(line, "FS"):
		s.handleAcceptLineLocked(line)
	default:
		s.log.Debug("winlink: unhandled exchange line", "line", line)
	}
}

// parseProposalLine parses one "FC EM <MID> <uncompressed> <compressed> <type>"
// proposal line, per spec.md §4.7's wire format.
func parseProposalLine(line string) (inboundProposal, bool) {
	const prefix = "FC EM "
	fields := strings.Fields(strings.TrimPrefix(line, prefix))
	if len(fields) < 3 {
		return inboundProposal{}, false
	}
	uncompressed, err1 := strconv.Atoi(fields[1])
	compressed, err2 := strconv.Atoi(fields[2])
	if err1 != nil || err2 != nil {
		return inboundProposal{}, false
	}
	return inboundProposal{mid: fields[0], uncompressedLen: uncompressed, compressedLen: compressed}, true
}

// sendInboundAnswerLocked accepts every proposal the peer offered.
func (s *Session) sendInboundAnswerLocked() {
	answers := strings.Repeat("Y", len(s.inbound))
	s.send([]byte("FS " + answers + "\r"))
	s.maybeEnterBlockModeLocked()
	s.maybeCloseLocked()
}

// maybeEnterBlockModeLocked switches Receive into raw block-parsing
// mode once both directions' line exchange has settled: our FS answer
// to the peer's proposals has been sent and the peer's FS answer to
// ours has been received. Deferring past that point keeps the peer's
// own FS line (or any trailing proposal lines) from being swallowed as
// binary block bytes, per spec.md §4.7's binary mode switch.
func (s *Session) maybeEnterBlockModeLocked() {
	if s.inBlockMode || len(s.inbound) == 0 {
		return
	}
	if !s.proposalsExchanged || !s.answeredByPeer {
		return
	}
	s.inboundIdx = 0
	s.inBlockMode = true
}

func (s *Session) handleAcceptLineLocked(line string) {
	answers := strings.TrimPrefix(strings.TrimPrefix(line, "FS"), " ")
	for i := range s.pending {
		if i < len(answers) && (answers[i] == 'Y' || answers[i] == '+') {
			s.accepted[i] = true
		}
	}
	s.answeredByPeer = true
	s.state = StateTransferring
	s.maybeEnterBlockModeLocked()
	s.transferAcceptedLocked()
}

func (s *Session) transferAcceptedLocked() {
	for i, ok := range s.accepted {
		if !ok {
			continue
		}
		s.sendMailBlocksLocked(s.pending[i])
	}
	s.outboundDone = true
	s.maybeCloseLocked()
}

// maybeCloseLocked ends the session once our own mail has finished
// sending and we are not mid-way through receiving the peer's, per
// spec.md §4.7. A session that never exchanges inbound proposals
// closes as soon as its own offer is answered and sent, matching the
// common mail-pickup-only case.
func (s *Session) maybeCloseLocked() {
	if !s.outboundDone || s.inBlockMode || s.state == StateDone {
		return
	}
	s.state = StateDone
	l := s.listener
	s.mu.Unlock()
	if l != nil {
		l.OnSessionClosed(nil)
	}
	s.mu.Lock()
}

// sendMailBlocksLocked streams one accepted mail item as an LZHUF-
// compressed block sequence: a subject/envelope header block, one or
// more 128-byte data blocks, and a checksum end marker, per spec.md
// §4.7.
func (s *Session) sendMailBlocksLocked(m Mail) {
	subject := []byte(m.Subject)
	header := make([]byte, 0, len(subject)+4)
	header = append(header, 0x01, byte(len(subject)))
	header = append(header, subject...)
	header = append(header, 0x00, '0', 0x00)
	s.send(header)

	compressed := lzhuf.Encode(m.Body, true)
	for off := 0; off < len(compressed); off += maxBlockLen {
		end := off + maxBlockLen
		if end > len(compressed) {
			end = len(compressed)
		}
		chunk := compressed[off:end]
		block := make([]byte, 0, len(chunk)+2)
		block = append(block, 0x02, byte(len(chunk)))
		block = append(block, chunk...)
		s.send(block)
	}
	s.send([]byte{0x04, checksum(compressed)})

	l := s.listener
	mid := m.MID
	s.mu.Unlock()
	if l != nil {
		l.OnMailDelivered(mid)
	}
	s.mu.Lock()
}

// drainBlockBufferLocked extracts as many complete length-prefixed
// blocks as blockRecvBuf holds, mirroring the 0x01/0x02/0x04 framing
// sendMailBlocksLocked writes.
func (s *Session) drainBlockBufferLocked() {
	for len(s.blockRecvBuf) > 0 {
		switch s.blockRecvBuf[0] {
		case 0x01, 0x02:
			if len(s.blockRecvBuf) < 2 {
				return
			}
			n := int(s.blockRecvBuf[1])
			need := 2 + n
			if s.blockRecvBuf[0] == 0x01 {
				need += 3 // trailing 0x00 '0' 0x00 offset/type marker
			}
			if len(s.blockRecvBuf) < need {
				return
			}
			block := s.blockRecvBuf[:need]
			s.blockRecvBuf = s.blockRecvBuf[need:]
			s.processBlockLocked(block)
		case 0x04:
			if len(s.blockRecvBuf) < 2 {
				return
			}
			block := s.blockRecvBuf[:2]
			s.blockRecvBuf = s.blockRecvBuf[2:]
			s.processBlockLocked(block)
		default:
			s.log.Warn("winlink: resyncing mail block stream", "byte", s.blockRecvBuf[0])
			s.blockRecvBuf = s.blockRecvBuf[1:]
		}
		if !s.inBlockMode {
			return
		}
	}
}

func (s *Session) processBlockLocked(block []byte) {
	switch block[0] {
	case 0x01:
		n := int(block[1])
		s.blockSubject = string(block[2 : 2+n])
		s.blockBuf = s.blockBuf[:0]
	case 0x02:
		n := int(block[1])
		s.blockBuf = append(s.blockBuf, block[2:2+n]...)
	case 0x04:
		s.finishInboundBlockLocked(block[1])
	}
}

// finishInboundBlockLocked validates the just-completed compressed mail
// block against its checksum, decompresses it, and either delivers it
// or asks the peer to retransmit, per spec.md §7's
// "ChecksumFailed / CrcFailed -- compressed mail block rejected;
// request retransmit (Winlink F<) or fail session".
func (s *Session) finishInboundBlockLocked(wantChecksum byte) {
	if !verifyChecksum(s.blockBuf, wantChecksum) {
		s.retryOrFailLocked(stationerr.ChecksumFailed, fmt.Errorf("mail block checksum mismatch"))
		return
	}
	body, err := lzhuf.Decode(s.blockBuf, true)
	if err != nil {
		s.retryOrFailLocked(stationerr.CrcFailed, err)
		return
	}
	s.blockRetries = 0
	s.deliverInboundMailLocked(body)
}

func (s *Session) retryOrFailLocked(kind stationerr.Kind, cause error) {
	s.blockRetries++
	if s.blockRetries > maxBlockRetries {
		s.failBlockTransferLocked(stationerr.New(kind, "winlink.Session", cause))
		return
	}
	s.log.Warn("winlink: rejecting mail block, requesting retransmit", "err", cause)
	s.send([]byte("F< 0\r"))
}

func (s *Session) deliverInboundMailLocked(body []byte) {
	p := s.inbound[s.inboundIdx]
	m := Mail{
		MID:     p.mid,
		Subject: s.blockSubject,
		Body:    body,
		Mailbox: Inbox,
	}
	s.inboundIdx++
	if s.inboundIdx >= len(s.inbound) {
		s.inBlockMode = false
	}

	l := s.listener
	s.mu.Unlock()
	if l != nil {
		l.OnMailReceived(m)
	}
	s.mu.Lock()
	s.maybeCloseLocked()
}

func (s *Session) failBlockTransferLocked(err error) {
	s.inBlockMode = false
	s.state = StateDone
	l := s.listener
	s.mu.Unlock()
	if l != nil {
		l.OnSessionClosed(err)
	}
	s.mu.Lock()
}

// State returns the session's current position in the exchange.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// AuthRequired reports whether this session expects a PQ challenge
// response before offering mail.
func (s *Session) AuthRequired() bool {
	return s.password != ""
}

func authError(reason string) error {
	return stationerr.New(stationerr.AuthFailed, "winlink.Session", fmt.Errorf("%s", reason))
}
