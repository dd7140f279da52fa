package radio

import (
	"time"

	"github.com/charmbracelet/log"

	"github.com/w1gaia/htstation/internal/clock"
)

// TncPacket is one outbound payload destined for HT_SEND_DATA.
type TncPacket struct {
	ChannelID uint8
	Data      []byte
}

// sendResult classifies the HT_SEND_DATA response per spec.md §4.3.
type sendResult int

const (
	sendSuccess sendResult = iota
	sendIncorrectState
	sendOtherError
)

// tncQueue implements the TNC outbound queue of spec.md §4.3: at most
// one packet is pending at a time, INCORRECT_STATE leaves the head in
// place until the next status change, any other error drops the head
// and retries after a short backoff.
type tncQueue struct {
	log      *log.Logger
	clock    clock.Clock
	dispatch func(TncPacket) // sends HT_SEND_DATA and arranges for OnSendResult to be called
	isFree   func() bool     // radio "TNC-free" per latest status

	queue   []TncPacket
	pending bool
}

func newTncQueue(logger *log.Logger, c clock.Clock, dispatch func(TncPacket), isFree func() bool) *tncQueue {
	return &tncQueue{log: logger, clock: c, dispatch: dispatch, isFree: isFree}
}

// Enqueue appends a packet and attempts dispatch.
func (q *tncQueue) Enqueue(p TncPacket) {
	q.queue = append(q.queue, p)
	q.tryDispatch()
}

// OnStatusChanged is the periodic/event-driven opportunity to retry a
// head packet stuck behind INCORRECT_STATE.
func (q *tncQueue) OnStatusChanged() {
	q.tryDispatch()
}

func (q *tncQueue) tryDispatch() {
	if q.pending || len(q.queue) == 0 || !q.isFree() {
		return
	}
	q.pending = true
	q.dispatch(q.queue[0])
}

// OnSendResult is called with the decoded HT_SEND_DATA response.
func (q *tncQueue) OnSendResult(result sendResult) {
	switch result {
	case sendSuccess:
		if len(q.queue) > 0 {
			q.queue = q.queue[1:]
		}
		q.pending = false
		q.clock.AfterFunc(tncRetryDelaySuccess, q.tryDispatch)
	case sendIncorrectState:
		// Transient: radio busy transmitting or switching. Leave head
		// in place; only a status change retries it.
		q.pending = false
	case sendOtherError:
		q.log.Warn("tnc: packet rejected, dropping")
		if len(q.queue) > 0 {
			q.queue = q.queue[1:]
		}
		q.pending = false
		q.clock.AfterFunc(tncRetryDelayError, q.tryDispatch)
	}
}

const (
	tncRetryDelaySuccess = 10 * time.Millisecond
	tncRetryDelayError   = 50 * time.Millisecond
)
