package winlink_test

import (
	"bytes"
	"fmt"
	"strings"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/w1gaia/htstation/internal/lzhuf"
	"github.com/w1gaia/htstation/internal/stationerr"
	"github.com/w1gaia/htstation/internal/winlink"
)

// buildInboundBlockStream renders one mail item as the 0x01/0x02/0x04
// block sequence a peer would send us, mirroring the Session's own
// sendMailBlocksLocked framing.
func buildInboundBlockStream(subject string, body []byte) []byte {
	const maxBlockLen = 128
	compressed := lzhuf.Encode(body, true)

	var out []byte
	subj := []byte(subject)
	out = append(out, 0x01, byte(len(subj)))
	out = append(out, subj...)
	out = append(out, 0x00, '0', 0x00)
	for off := 0; off < len(compressed); off += maxBlockLen {
		end := off + maxBlockLen
		if end > len(compressed) {
			end = len(compressed)
		}
		chunk := compressed[off:end]
		out = append(out, 0x02, byte(len(chunk)))
		out = append(out, chunk...)
	}
	out = append(out, 0x04, winlink.ExportChecksum(compressed))
	return out
}

func quietLogger() *log.Logger {
	l := log.New(nil)
	l.SetLevel(log.FatalLevel + 1)
	return l
}

func TestSecureResponseKnownVectors(t *testing.T) {
	assert.Equal(t, "72768415", winlink.ExportSecureResponse("23753528", "FOOBAR"))
	assert.Equal(t, "95074758", winlink.ExportSecureResponse("23753528", "FooBar"))
}

func TestChecksumInvariant(t *testing.T) {
	payload := []byte("the quick brown fox jumps over the lazy dog")
	chk := winlink.ExportChecksum(payload)
	var sum byte
	for _, b := range payload {
		sum += b
	}
	sum += chk
	assert.Equal(t, byte(0), sum)
}

type recorder struct {
	delivered []string
	received  []winlink.Mail
	authFail  bool
	closed    bool
	closeErr  error
}

func (r *recorder) OnAuthFailed()              { r.authFail = true }
func (r *recorder) OnMailDelivered(mid string) { r.delivered = append(r.delivered, mid) }
func (r *recorder) OnMailReceived(m winlink.Mail) {
	r.received = append(r.received, m)
}
func (r *recorder) OnSessionClosed(err error) {
	r.closed = true
	r.closeErr = err
}

func TestSessionBannerOmitsPQWithoutPassword(t *testing.T) {
	var out bytes.Buffer
	s := winlink.NewSession(quietLogger(), func(b []byte) { out.Write(b) }, "", nil)
	s.Start()

	assert.Contains(t, out.String(), "[WL2K-5.0-B2FWIHJM$]")
	assert.NotContains(t, out.String(), ";PQ:")
	assert.Equal(t, winlink.StateAwaitingAccept, s.State())

	s.Receive([]byte("FS\r"))
	assert.Equal(t, winlink.StateDone, s.State())
}

func TestSessionOffersAndTransfersAcceptedMail(t *testing.T) {
	var out bytes.Buffer
	mail := winlink.Mail{MID: "ABC123XYZ000", Subject: "hello", Body: []byte("test body content")}
	rec := &recorder{}

	s := winlink.NewSession(quietLogger(), func(b []byte) { out.Write(b) }, "", []winlink.Mail{mail})
	s.SetListener(rec)
	s.Start()

	assert.Contains(t, out.String(), "FC EM ABC123XYZ000")
	assert.Contains(t, out.String(), "F> ")
	assert.Equal(t, winlink.StateAwaitingAccept, s.State())

	out.Reset()
	s.Receive([]byte("FS Y\r"))

	assert.Equal(t, []string{"ABC123XYZ000"}, rec.delivered)
	assert.True(t, rec.closed)
	assert.True(t, bytes.Contains(out.Bytes(), []byte{0x01}))
	assert.True(t, bytes.Contains(out.Bytes(), []byte{0x04}))
}

func TestSessionRejectsIncorrectAuth(t *testing.T) {
	var out bytes.Buffer
	rec := &recorder{}
	s := winlink.NewSession(quietLogger(), func(b []byte) { out.Write(b) }, "secretpw", nil)
	s.SetListener(rec)
	s.Start()

	require.Contains(t, out.String(), ";PQ:")
	s.Receive([]byte("00000000\r"))

	assert.True(t, rec.authFail)
	assert.Equal(t, winlink.StateDone, s.State())
}

func TestSessionAcceptsCorrectAuth(t *testing.T) {
	var out bytes.Buffer
	var challenge string
	s := winlink.NewSession(quietLogger(), func(b []byte) {
		out.Write(b)
		for _, line := range strings.Split(out.String(), "\r") {
			if strings.HasPrefix(line, ";PQ: ") {
				challenge = strings.TrimPrefix(line, ";PQ: ")
			}
		}
	}, "secretpw", nil)
	s.Start()

	require.NotEmpty(t, challenge)
	resp := winlink.ExportSecureResponse(challenge, "secretpw")
	s.Receive([]byte(resp + "\r"))
	assert.Equal(t, winlink.StateAwaitingAccept, s.State())

	s.Receive([]byte("FS\r"))
	assert.Equal(t, winlink.StateDone, s.State())
}

func TestSessionReceivesInboundMail(t *testing.T) {
	var out bytes.Buffer
	rec := &recorder{}
	s := winlink.NewSession(quietLogger(), func(b []byte) { out.Write(b) }, "", nil)
	s.SetListener(rec)
	s.Start()

	body := []byte("this is the body of an inbound message")
	compressed := lzhuf.Encode(body, true)
	s.Receive([]byte(fmt.Sprintf("FC EM DEF456UVW000 %d %d 0\r", len(body), len(compressed))))
	s.Receive([]byte("F> 00\r"))
	s.Receive([]byte("FS\r"))

	s.Receive(buildInboundBlockStream("inbound subject", body))

	require.Len(t, rec.received, 1)
	assert.Equal(t, "DEF456UVW000", rec.received[0].MID)
	assert.Equal(t, "inbound subject", rec.received[0].Subject)
	assert.Equal(t, body, rec.received[0].Body)
	assert.Equal(t, winlink.Inbox, rec.received[0].Mailbox)
	assert.True(t, rec.closed)
	assert.Equal(t, winlink.StateDone, s.State())
}

func TestSessionRetriesCorruptedInboundBlock(t *testing.T) {
	var out [][]byte
	rec := &recorder{}
	s := winlink.NewSession(quietLogger(), func(b []byte) {
		out = append(out, append([]byte(nil), b...))
	}, "", nil)
	s.SetListener(rec)
	s.Start()
	out = nil

	body := []byte("payload for a corrupted block")
	compressed := lzhuf.Encode(body, true)
	s.Receive([]byte(fmt.Sprintf("FC EM GHI789RST000 %d %d 0\r", len(body), len(compressed))))
	s.Receive([]byte("F> 00\r"))
	s.Receive([]byte("FS\r"))

	stream := buildInboundBlockStream("corrupted", body)
	stream[len(stream)-1] ^= 0xFF // flip the trailing checksum byte
	s.Receive(stream)

	require.Empty(t, rec.received)
	require.NotEmpty(t, out)
	assert.Equal(t, []byte("F< 0\r"), out[len(out)-1])
	assert.False(t, rec.closed)
}

func TestSessionFailsAfterRepeatedCorruptedBlocks(t *testing.T) {
	rec := &recorder{}
	s := winlink.NewSession(quietLogger(), func(b []byte) {}, "", nil)
	s.SetListener(rec)
	s.Start()

	body := []byte("payload that will never arrive intact")
	compressed := lzhuf.Encode(body, true)
	s.Receive([]byte(fmt.Sprintf("FC EM JKL012MNO000 %d %d 0\r", len(body), len(compressed))))
	s.Receive([]byte("F> 00\r"))
	s.Receive([]byte("FS\r"))

	stream := buildInboundBlockStream("never intact", body)
	stream[len(stream)-1] ^= 0xFF

	for i := 0; i < 3; i++ {
		s.Receive(stream)
	}

	require.Empty(t, rec.received)
	assert.True(t, rec.closed)
	assert.True(t, stationerr.Is(rec.closeErr, stationerr.ChecksumFailed))
	assert.Equal(t, winlink.StateDone, s.State())
}
