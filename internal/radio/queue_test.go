package radio

import (
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/w1gaia/htstation/internal/clock"
)

func quietLogger() *log.Logger {
	l := log.New(nil)
	l.SetLevel(log.FatalLevel + 1)
	return l
}

func TestQueueHoldsAtMostOnePendingPacket(t *testing.T) {
	var dispatched []TncPacket
	free := true
	c := clock.NewVirtual(time.Unix(0, 0))
	q := newTncQueue(quietLogger(), c, func(p TncPacket) {
		dispatched = append(dispatched, p)
	}, func() bool { return free })

	q.Enqueue(TncPacket{ChannelID: 0, Data: []byte("one")})
	q.Enqueue(TncPacket{ChannelID: 0, Data: []byte("two")})

	require.Len(t, dispatched, 1, "second packet must wait behind the pending one")
	assert.Equal(t, []byte("one"), dispatched[0].Data)

	q.OnSendResult(sendSuccess)
	c.Advance(tncRetryDelaySuccess)

	require.Len(t, dispatched, 2)
	assert.Equal(t, []byte("two"), dispatched[1].Data)
}

func TestQueueRetriesHeadOnIncorrectStateWithoutDropping(t *testing.T) {
	var dispatched []TncPacket
	free := true
	c := clock.NewVirtual(time.Unix(0, 0))
	q := newTncQueue(quietLogger(), c, func(p TncPacket) {
		dispatched = append(dispatched, p)
	}, func() bool { return free })

	q.Enqueue(TncPacket{ChannelID: 0, Data: []byte("busy")})
	require.Len(t, dispatched, 1)

	q.OnSendResult(sendIncorrectState)
	// A bare status change, not a timer, is what should retry it.
	q.OnStatusChanged()

	require.Len(t, dispatched, 2)
	assert.Equal(t, []byte("busy"), dispatched[1].Data)
	assert.Equal(t, 1, len(q.queue), "head packet is never dropped on INCORRECT_STATE")
}

func TestQueueDropsHeadOnOtherErrorAndRetriesAfterBackoff(t *testing.T) {
	var dispatched []TncPacket
	free := true
	c := clock.NewVirtual(time.Unix(0, 0))
	q := newTncQueue(quietLogger(), c, func(p TncPacket) {
		dispatched = append(dispatched, p)
	}, func() bool { return free })

	q.Enqueue(TncPacket{ChannelID: 0, Data: []byte("bad")})
	q.Enqueue(TncPacket{ChannelID: 0, Data: []byte("good")})
	require.Len(t, dispatched, 1)

	q.OnSendResult(sendOtherError)
	assert.Equal(t, 1, len(q.queue), "rejected head is dropped, leaving only the next packet")

	c.Advance(tncRetryDelayError)
	require.Len(t, dispatched, 2)
	assert.Equal(t, []byte("good"), dispatched[1].Data)
}

func TestQueueWaitsForTncFreeBeforeDispatching(t *testing.T) {
	var dispatched []TncPacket
	free := false
	c := clock.NewVirtual(time.Unix(0, 0))
	q := newTncQueue(quietLogger(), c, func(p TncPacket) {
		dispatched = append(dispatched, p)
	}, func() bool { return free })

	q.Enqueue(TncPacket{ChannelID: 0, Data: []byte("waiting")})
	assert.Empty(t, dispatched)

	free = true
	q.OnStatusChanged()
	require.Len(t, dispatched, 1)
}
