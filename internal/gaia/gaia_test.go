package gaia_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/w1gaia/htstation/internal/gaia"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	msg := gaia.Message{
		Group:        gaia.GroupBasic,
		Command:      gaia.CmdGetDevInfo,
		Notification: false,
		Payload:      []byte{1, 2, 3},
	}
	wire := gaia.Encode(msg)
	got, n, err := gaia.Decode(wire)
	require.NoError(t, err)
	assert.Equal(t, len(wire), n)
	assert.Equal(t, msg, got)
}

func TestDecodeNotificationBit(t *testing.T) {
	msg := gaia.Message{
		Group:        gaia.GroupBasic,
		Command:      gaia.NotifyDataRxd,
		Notification: true,
		Payload:      nil,
	}
	wire := gaia.Encode(msg)
	got, _, err := gaia.Decode(wire)
	require.NoError(t, err)
	assert.True(t, got.Notification)
	assert.Equal(t, gaia.NotifyDataRxd, got.Command)
}

func TestCodecFeedAccumulatesShortReads(t *testing.T) {
	msg := gaia.Message{Group: gaia.GroupBasic, Command: gaia.CmdGetDevInfo, Payload: []byte{9, 9}}
	wire := gaia.Encode(msg)

	c := gaia.NewCodec()
	got, err := c.Feed(wire[:2])
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = c.Feed(wire[2:])
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, msg.Payload, got[0].Payload)
}

func TestDecodeHtStatusBitLayout(t *testing.T) {
	payload := make([]byte, 9)
	// power_on, squelch_open, is_radio set; double_channel=2 (binary 10)
	payload[5] = 0b1010_1001
	// curr_ch_id_lower = 0b0101, gps_locked set
	payload[6] = 0b0101_1000
	// rssi upper nibble = 0b1100, region low nibble = 0b0011
	payload[7] = 0b1100_0011
	// curr_channel_id_upper bits5..2 = 0b0110, region upper 2 bits = 0b01
	payload[8] = 0b0101_1000

	st, ok := gaia.DecodeHtStatus(payload)
	require.True(t, ok)
	assert.True(t, st.PowerOn)
	assert.False(t, st.IsInTx)
	assert.True(t, st.SquelchOpen)
	assert.False(t, st.IsInRx)
	assert.Equal(t, uint8(2), st.DoubleChannel)
	assert.True(t, st.IsRadio)
	assert.True(t, st.GpsLocked)
	assert.Equal(t, uint8(0xC), st.Rssi)
}

func TestReassemblerHappyPath(t *testing.T) {
	r := &gaia.Reassembler{}

	_, done := r.Feed([]byte{0x00, 'a'})
	assert.False(t, done)

	_, done = r.Feed([]byte{0x01, 'b'})
	assert.False(t, done)

	frame, done := r.Feed([]byte{0x82, 'c'}) // fragment 2, final, with no channel byte (bit6 unset)
	require.True(t, done)
	assert.Equal(t, []byte("abc"), frame.Data)
}

func TestReassemblerOutOfSequenceRestarts(t *testing.T) {
	r := &gaia.Reassembler{}

	_, done := r.Feed([]byte{0x00, 'a'})
	assert.False(t, done)

	// fragment 5 is out of sequence and not 0: dropped, stays idle.
	_, done = r.Feed([]byte{0x05, 'z'})
	assert.False(t, done)

	// A fresh fragment 0 restarts accumulation correctly.
	_, done = r.Feed([]byte{0x00, 'x'})
	assert.False(t, done)

	frame, done := r.Feed([]byte{0x81, 'y'})
	require.True(t, done)
	assert.Equal(t, []byte("xy"), frame.Data)
}

func TestReassemblerWithChannelByte(t *testing.T) {
	r := &gaia.Reassembler{}
	frame, done := r.Feed([]byte{0xC0, 'h', 'i', 3}) // final, with_channel_id, channel=3
	require.True(t, done)
	assert.Equal(t, []byte("hi"), frame.Data)
	assert.Equal(t, uint8(3), frame.ChannelID)
}
