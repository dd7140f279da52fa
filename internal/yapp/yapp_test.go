package yapp_test

import (
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/w1gaia/htstation/internal/clock"
	"github.com/w1gaia/htstation/internal/yapp"
)

func quietLogger() *log.Logger {
	l := log.New(nil)
	l.SetLevel(log.FatalLevel + 1)
	return l
}

type senderRecorder struct {
	completed bool
	filename  string
	sent      int
	aborted   bool
}

func (r *senderRecorder) OnTransferComplete(filename string, n int) {
	r.completed = true
	r.filename = filename
	r.sent = n
}
func (r *senderRecorder) OnTransferAborted(error) { r.aborted = true }

type receiverRecorder struct {
	offeredName string
	offeredLen  int
	received    []byte
	gotFile     bool
	aborted     bool
}

func (r *receiverRecorder) OnFileOffered(filename string, length int) bool {
	r.offeredName, r.offeredLen = filename, length
	return true
}
func (r *receiverRecorder) OnFileReceived(filename string, data []byte) {
	r.gotFile = true
	r.received = data
}
func (r *receiverRecorder) OnTransferAborted(error) { r.aborted = true }

func TestFullTransferSenderToReceiver(t *testing.T) {
	senderRec := &senderRecorder{}
	receiverRec := &receiverRecorder{}

	var toReceiver, toSender [][]byte
	c := clock.NewVirtual(time.Unix(0, 0))
	sender := yapp.NewSession(quietLogger(), c, func(b []byte) {
		cp := append([]byte(nil), b...)
		toReceiver = append(toReceiver, cp)
	})
	receiver := yapp.NewReceiver(quietLogger(), c, func(b []byte) {
		cp := append([]byte(nil), b...)
		toSender = append(toSender, cp)
	})
	sender.SetListener(senderRec)
	receiver.SetListener(receiverRec)

	payload := make([]byte, 300)
	for i := range payload {
		payload[i] = byte(i)
	}
	sender.SendFile("test.bin", payload, false)

	// Pump the two sides until both queues drain.
	for len(toReceiver) > 0 || len(toSender) > 0 {
		for len(toReceiver) > 0 {
			frame := toReceiver[0]
			toReceiver = toReceiver[1:]
			receiver.Receive(frame)
		}
		for len(toSender) > 0 {
			frame := toSender[0]
			toSender = toSender[1:]
			sender.Receive(frame)
		}
	}

	require.True(t, receiverRec.gotFile)
	assert.Equal(t, "test.bin", receiverRec.offeredName)
	assert.Equal(t, 300, receiverRec.offeredLen)
	assert.Equal(t, payload, receiverRec.received)
	assert.True(t, senderRec.completed)
	assert.Equal(t, 300, senderRec.sent)
}

type decliningListener struct{ receiverRecorder }

func (d *decliningListener) OnFileOffered(filename string, length int) bool {
	d.offeredName, d.offeredLen = filename, length
	return false
}

func TestReceiverRefusesWhenListenerDeclines(t *testing.T) {
	var out [][]byte
	receiver := yapp.NewReceiver(quietLogger(), clock.NewVirtual(time.Unix(0, 0)), func(b []byte) {
		out = append(out, append([]byte(nil), b...))
	})
	receiver.SetListener(&decliningListener{})

	receiver.Receive(append([]byte{0x01}, []byte("nope.bin\x0010\x00")...))

	require.Len(t, out, 1)
	assert.Equal(t, byte(0x03), out[0][0])
	assert.Equal(t, yapp.Idle, receiver.State())
}

func TestAbortNotifiesListener(t *testing.T) {
	rec := &senderRecorder{}
	var out [][]byte
	sender := yapp.NewSession(quietLogger(), clock.NewVirtual(time.Unix(0, 0)), func(b []byte) {
		out = append(out, append([]byte(nil), b...))
	})
	sender.SetListener(rec)

	sender.Abort()

	assert.True(t, rec.aborted)
	assert.Equal(t, yapp.Aborted, sender.State())
	require.Len(t, out, 1)
	assert.Equal(t, byte(0x06), out[0][0])
}

func TestSenderAbortsOnAckTimeout(t *testing.T) {
	rec := &senderRecorder{}
	c := clock.NewVirtual(time.Unix(0, 0))
	var out [][]byte
	sender := yapp.NewSession(quietLogger(), c, func(b []byte) {
		out = append(out, append([]byte(nil), b...))
	})
	sender.SetListener(rec)

	sender.SendFile("stuck.bin", []byte("payload"), false)
	require.False(t, rec.aborted)

	c.Advance(yapp.DefaultAckTimeout)

	assert.True(t, rec.aborted)
	assert.Equal(t, yapp.Aborted, sender.State())
}

func TestReceiverAbortsOnAckTimeout(t *testing.T) {
	rec := &receiverRecorder{}
	c := clock.NewVirtual(time.Unix(0, 0))
	receiver := yapp.NewReceiver(quietLogger(), c, func([]byte) {})
	receiver.SetListener(rec)

	receiver.Receive(append([]byte{0x01}, []byte("stalled.bin\x007\x00")...))
	require.False(t, rec.aborted)

	c.Advance(yapp.DefaultAckTimeout)

	assert.True(t, rec.aborted)
	assert.Equal(t, yapp.Aborted, receiver.State())
}
