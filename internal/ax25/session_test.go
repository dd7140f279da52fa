package ax25_test

import (
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/w1gaia/htstation/internal/ax25"
	"github.com/w1gaia/htstation/internal/callsign"
	"github.com/w1gaia/htstation/internal/clock"
)

func quietLogger() *log.Logger {
	l := log.New(nil)
	l.SetLevel(log.FatalLevel + 1)
	return l
}

type recorder struct {
	data  [][]byte
	state []ax25.SessionState
}

func (r *recorder) OnData(_ callsign.SessionKey, data []byte) {
	r.data = append(r.data, append([]byte(nil), data...))
}
func (r *recorder) OnStateChanged(_ callsign.SessionKey, state ax25.SessionState, _ error) {
	r.state = append(r.state, state)
}
func (r *recorder) OnUi(callsign.SessionKey, uint8, []byte) {}

// link is a deliberately dumb transmission medium between two Sessions:
// Session.send callbacks only ever enqueue a decoded frame, never call
// Receive directly. pump then drains both inboxes at the top of the
// call stack, so a reply generated while processing a delivered frame
// never re-enters a Session whose own mutex is still held further up
// the stack (which a same-goroutine synchronous A->B->A chain would
// otherwise deadlock on).
type link struct {
	t             *testing.T
	toA, toB      []ax25.Frame
	dropFilter    func(ax25.Frame) bool // optional: return true to drop a frame bound for B
}

func newLink(t *testing.T) *link {
	return &link{t: t}
}

func (l *link) sendToB(f ax25.SendFrame) {
	decoded, err := ax25.Decode(f.Wire, false)
	require.NoError(l.t, err)
	if l.dropFilter != nil && l.dropFilter(decoded) {
		return
	}
	l.toB = append(l.toB, decoded)
}

func (l *link) sendToA(f ax25.SendFrame) {
	decoded, err := ax25.Decode(f.Wire, false)
	require.NoError(l.t, err)
	l.toA = append(l.toA, decoded)
}

func (l *link) pump(a, b *ax25.Session) {
	for len(l.toA) > 0 || len(l.toB) > 0 {
		for len(l.toB) > 0 {
			f := l.toB[0]
			l.toB = l.toB[1:]
			b.Receive(f)
		}
		for len(l.toA) > 0 {
			f := l.toA[0]
			l.toA = l.toA[1:]
			a.Receive(f)
		}
	}
}

type pair struct {
	a, b *ax25.Session
	link *link
}

func newPair(t *testing.T, c clock.Clock) *pair {
	t.Helper()
	aCall, err := callsign.Parse("AA0AA")
	require.NoError(t, err)
	bCall, err := callsign.Parse("BB0BB")
	require.NoError(t, err)

	aLocal := callsign.Ax25Address{Callsign: aCall, CommandBit: true}
	bLocal := callsign.Ax25Address{Callsign: bCall, CommandBit: true}

	l := newLink(t)
	p := &pair{link: l}
	p.a = ax25.NewSession(quietLogger(), c, aLocal, bLocal, 0, l.sendToB)
	p.b = ax25.NewSession(quietLogger(), c, bLocal, aLocal, 0, l.sendToA)
	return p
}

func (p *pair) pump() { p.link.pump(p.a, p.b) }

func TestSessionConnectSendDisconnect(t *testing.T) {
	c := clock.NewVirtual(time.Unix(0, 0))
	p := newPair(t, c)

	recA, recB := &recorder{}, &recorder{}
	p.a.SetListener(recA)
	p.b.SetListener(recB)

	p.a.Connect()
	p.pump()
	assert.Equal(t, ax25.Connected, p.a.State())
	assert.Equal(t, ax25.Connected, p.b.State())

	p.a.Send([]byte("HELLO"), false)
	p.a.Send([]byte(" WORLD"), true)
	p.pump()

	require.Len(t, recB.data, 2)
	assert.Equal(t, "HELLO WORLD", string(recB.data[0])+string(recB.data[1]))

	p.a.Disconnect()
	p.pump()
	assert.Equal(t, ax25.Disconnected, p.a.State())
	assert.Equal(t, ax25.Disconnected, p.b.State())

	stats := p.a.Stats()
	assert.GreaterOrEqual(t, stats.PacketsSent, 3)
	assert.Equal(t, 11, stats.BytesSent)
}

func TestSessionConnectionRefusedWithDM(t *testing.T) {
	c := clock.NewVirtual(time.Unix(0, 0))
	aCall, err := callsign.Parse("AA0AA")
	require.NoError(t, err)
	bCall, err := callsign.Parse("BB0BB")
	require.NoError(t, err)
	aLocal := callsign.Ax25Address{Callsign: aCall, CommandBit: true}
	bLocal := callsign.Ax25Address{Callsign: bCall}

	var toA []ax25.Frame
	a := ax25.NewSession(quietLogger(), c, aLocal, bLocal, 0, func(f ax25.SendFrame) {
		decoded, err := ax25.Decode(f.Wire, false)
		require.NoError(t, err)
		if decoded.Kind == ax25.KindU && decoded.UKind == ax25.USABM {
			toA = append(toA, ax25.Frame{
				Addresses: []callsign.Ax25Address{aLocal, bLocal},
				Kind:      ax25.KindU,
				UKind:     ax25.UDM,
				Final:     true,
			})
		}
	})
	rec := &recorder{}
	a.SetListener(rec)
	a.Connect()
	for _, f := range toA {
		a.Receive(f)
	}

	assert.Equal(t, ax25.Disconnected, a.State())
	require.NotEmpty(t, rec.state)
	assert.Equal(t, ax25.Disconnected, rec.state[len(rec.state)-1])
}

// TestSessionOutOfOrderSingleLoss is the §8 scenario: A sends I0,I1,I2;
// I0 is dropped; B buffers I1,I2 behind a single REJ(0); once A
// retransmits from 0, B emits "A","B","C" in order exactly once.
func TestSessionOutOfOrderSingleLoss(t *testing.T) {
	c := clock.NewVirtual(time.Unix(0, 0))
	p := newPair(t, c)

	recB := &recorder{}
	p.b.SetListener(recB)

	p.a.Connect()
	p.pump()
	require.Equal(t, ax25.Connected, p.a.State())

	dropped := false
	p.link.dropFilter = func(f ax25.Frame) bool {
		if !dropped && f.Kind == ax25.KindI && f.NS == 0 {
			dropped = true
			return true
		}
		return false
	}

	p.a.Send([]byte("A"), true)
	p.a.Send([]byte("B"), true)
	p.a.Send([]byte("C"), true)
	p.pump()

	require.Len(t, recB.data, 3)
	assert.Equal(t, "A", string(recB.data[0]))
	assert.Equal(t, "B", string(recB.data[1]))
	assert.Equal(t, "C", string(recB.data[2]))
}

func TestSessionRnrSuspendsSends(t *testing.T) {
	c := clock.NewVirtual(time.Unix(0, 0))
	p := newPair(t, c)
	recB := &recorder{}
	p.b.SetListener(recB)

	p.a.Connect()
	p.pump()
	require.Equal(t, ax25.Connected, p.a.State())

	rnr := ax25.Frame{
		Addresses: []callsign.Ax25Address{
			{Callsign: mustParse(t, "AA0AA"), CommandBit: true},
			{Callsign: mustParse(t, "BB0BB")},
		},
		Kind:  ax25.KindS,
		SKind: ax25.SRNR,
		NR:    0,
	}
	p.a.Receive(rnr)

	p.a.Send([]byte("held"), true)
	p.pump()
	assert.Empty(t, recB.data)
}

func TestSessionT1RetransmitsOnTimeout(t *testing.T) {
	c := clock.NewVirtual(time.Unix(0, 0))

	aCall, err := callsign.Parse("AA0AA")
	require.NoError(t, err)
	bCall, err := callsign.Parse("BB0BB")
	require.NoError(t, err)
	aLocal := callsign.Ax25Address{Callsign: aCall, CommandBit: true}
	bLocal := callsign.Ax25Address{Callsign: bCall, CommandBit: true}

	var sabmCount int
	a := ax25.NewSession(quietLogger(), c, aLocal, bLocal, 0, func(f ax25.SendFrame) {
		decoded, err := ax25.Decode(f.Wire, false)
		require.NoError(t, err)
		if decoded.Kind == ax25.KindU && decoded.UKind == ax25.USABM {
			sabmCount++
		}
	})
	a.Connect()
	assert.Equal(t, 1, sabmCount)

	c.Advance(ax25.DefaultT1 + time.Millisecond)
	assert.Equal(t, 2, sabmCount)
}

func TestSessionN2ExhaustionFailsConnect(t *testing.T) {
	c := clock.NewVirtual(time.Unix(0, 0))
	aCall, err := callsign.Parse("AA0AA")
	require.NoError(t, err)
	bCall, err := callsign.Parse("BB0BB")
	require.NoError(t, err)
	aLocal := callsign.Ax25Address{Callsign: aCall, CommandBit: true}
	bLocal := callsign.Ax25Address{Callsign: bCall, CommandBit: true}

	a := ax25.NewSession(quietLogger(), c, aLocal, bLocal, 0, func(ax25.SendFrame) {
		// Black hole: peer never responds.
	})
	rec := &recorder{}
	a.SetListener(rec)
	a.Connect()

	c.Advance((ax25.DefaultN2 + 1) * ax25.DefaultT1)
	assert.Equal(t, ax25.Disconnected, a.State())
}
