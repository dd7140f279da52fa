// Package radio implements the RadioController of spec.md §4.2-§4.3: it
// binds GAIA commands to typed operations, owns the command/notification
// router and the TNC outbound queue, and keeps the decoded device state
// (channels, status, volume, GPS) that the Dispatcher reads by value.
package radio

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/w1gaia/htstation/internal/clock"
	"github.com/w1gaia/htstation/internal/gaia"
	"github.com/w1gaia/htstation/internal/stationerr"
	"github.com/w1gaia/htstation/internal/transport"
)

// Channel is one decoded RF channel entry from READ_RF_CH.
type Channel struct {
	ID   int
	Name string
}

// State is the decoded device state the Dispatcher and applications
// read; RadioController publishes updated copies, never a live pointer
// (spec.md §3 Ownership: "shares decoded state... by value").
type State struct {
	Device   gaia.DeviceInfo
	HtStatus gaia.HtStatus
	Channels []Channel
	Volume   int
	ChannelsLoaded bool
}

// Listener receives RadioController events.
type Listener interface {
	OnChannelsLoaded(state State)
	OnStatusChanged(state State)
	OnDataFrame(frame gaia.UniqueDataFrame, channelName string)
	OnPositionChange(lat, lon float64)
}

type pendingCall struct {
	resultCh chan gaia.Message
}

// Controller is the RadioController.
type Controller struct {
	log       *log.Logger
	clock     clock.Clock
	transport transport.Client
	codec     *gaia.Codec

	mu             sync.Mutex
	state          State
	pending        map[uint16]*pendingCall
	listener       Listener
	tnc            *tncQueue
	reassembler    gaia.Reassembler
	channelsToLoad int
	channelsSeen   int
}

func New(logger *log.Logger, c clock.Clock, tc transport.Client) *Controller {
	ctrl := &Controller{
		log:       logger,
		clock:     c,
		transport: tc,
		codec:     gaia.NewCodec(),
		pending:   make(map[uint16]*pendingCall),
	}
	ctrl.tnc = newTncQueue(logger, c, ctrl.sendTncPacket, ctrl.isTncFree)
	tc.SetListener(ctrl)
	return ctrl
}

func (c *Controller) SetListener(l Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listener = l
}

// State returns a snapshot of the decoded device state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// EnqueueTnc implements the §4.3 outbound queue entry point.
func (c *Controller) EnqueueTnc(p TncPacket) {
	c.tnc.Enqueue(p)
}

// Connect opens the transport and runs the §4.2 initial handshake:
// GET_DEV_INFO, subscribe to the four notification types, READ_SETTINGS,
// READ_BSS_SETTINGS, then READ_RF_CH for every channel. Completion of
// channel load is the single observable OnChannelsLoaded event.
func (c *Controller) Connect(ctx context.Context) error {
	if err := c.transport.Connect(ctx); err != nil {
		return stationerr.New(stationerr.TransportClosed, "radio.Connect", err)
	}

	resp, err := c.call(ctx, gaia.GroupBasic, gaia.CmdGetDevInfo, nil)
	if err != nil {
		return err
	}
	dev, ok := gaia.DecodeDeviceInfo(resp.Payload)
	if !ok {
		return stationerr.New(stationerr.ProtocolFraming, "radio.Connect", fmt.Errorf("malformed GET_DEV_INFO response"))
	}

	c.mu.Lock()
	c.state.Device = dev
	c.channelsToLoad = dev.ChannelCount
	c.channelsSeen = 0
	c.mu.Unlock()

	for _, n := range []uint16{
		gaia.NotifyHtStatusChanged, gaia.NotifyHtSettingsChanged,
		gaia.NotifyDataRxd, gaia.NotifyPositionChange,
	} {
		if _, err := c.call(ctx, gaia.GroupBasic, gaia.CmdRegisterNotification, encodeU16(n)); err != nil {
			return err
		}
	}

	if _, err := c.call(ctx, gaia.GroupBasic, gaia.CmdReadSettings, nil); err != nil {
		return err
	}
	if _, err := c.call(ctx, gaia.GroupBasic, gaia.CmdReadBssSettings, nil); err != nil {
		return err
	}

	channels := make([]Channel, 0, dev.ChannelCount)
	for i := 0; i < dev.ChannelCount; i++ {
		resp, err := c.call(ctx, gaia.GroupBasic, gaia.CmdReadRfCh, encodeU16(uint16(i)))
		if err != nil {
			return err
		}
		channels = append(channels, decodeChannel(i, resp.Payload))
	}

	c.mu.Lock()
	c.state.Channels = channels
	c.state.ChannelsLoaded = true
	snapshot := c.state
	listener := c.listener
	c.mu.Unlock()

	// Completion of channel load is the single observable event per
	// spec.md §4.2, fired once all channels are in.
	if listener != nil {
		listener.OnChannelsLoaded(snapshot)
	}

	return nil
}

// decodeChannel pulls the channel name out of a READ_RF_CH response; the
// name occupies a fixed, NUL-padded field in the vendor payload.
func decodeChannel(id int, payload []byte) Channel {
	name := ""
	if len(payload) >= 16 {
		field := payload[:16]
		for i, b := range field {
			if b == 0 {
				field = field[:i]
				break
			}
		}
		name = string(field)
	}
	return Channel{ID: id, Name: name}
}

func encodeU16(v uint16) []byte {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, v)
	return b
}

// call issues a request and blocks for its correlated response.
func (c *Controller) call(ctx context.Context, group gaia.Group, cmd uint16, payload []byte) (gaia.Message, error) {
	call := &pendingCall{resultCh: make(chan gaia.Message, 1)}

	c.mu.Lock()
	c.pending[cmd] = call
	c.mu.Unlock()

	msg := gaia.Message{Group: group, Command: cmd, Payload: payload}
	if err := c.transport.Write(gaia.Encode(msg)); err != nil {
		c.mu.Lock()
		delete(c.pending, cmd)
		c.mu.Unlock()
		return gaia.Message{}, stationerr.New(stationerr.TransportClosed, "radio.call", err)
	}

	select {
	case resp := <-call.resultCh:
		return resp, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, cmd)
		c.mu.Unlock()
		return gaia.Message{}, stationerr.New(stationerr.LinkTimeout, "radio.call", ctx.Err())
	}
}

// OnData implements transport.Listener: bytes arrive, the GAIA codec
// slices out whole messages, and each is routed to either its waiting
// caller (response) or the notification handler.
func (c *Controller) OnData(b []byte) {
	msgs, err := c.codec.Feed(b)
	if err != nil {
		c.log.Warn("gaia: dropping malformed message", "err", err)
		return
	}
	for _, msg := range msgs {
		if msg.Notification {
			c.handleNotification(msg)
			continue
		}
		c.mu.Lock()
		call, ok := c.pending[msg.Command]
		if ok {
			delete(c.pending, msg.Command)
		}
		c.mu.Unlock()
		if ok {
			call.resultCh <- msg
			continue
		}
		if msg.Command == gaia.CmdHtSendData {
			c.handleSendDataResponse(msg)
		}
	}
}

func (c *Controller) OnClosed(reason error) {
	c.log.Warn("radio: transport closed", "reason", reason)
}

func (c *Controller) handleSendDataResponse(msg gaia.Message) {
	result := sendOtherError
	if len(msg.Payload) > 0 {
		switch msg.Payload[0] {
		case 0:
			result = sendSuccess
		case 6:
			result = sendIncorrectState
		}
	}
	c.tnc.OnSendResult(result)
}

func (c *Controller) handleNotification(msg gaia.Message) {
	switch msg.Command {
	case gaia.NotifyHtStatusChanged, gaia.NotifyRadioStatusChanged:
		st, ok := gaia.DecodeHtStatus(msg.Payload)
		if !ok {
			return
		}
		c.mu.Lock()
		c.state.HtStatus = st
		snapshot := c.state
		listener := c.listener
		c.mu.Unlock()

		c.tnc.OnStatusChanged()
		if listener != nil {
			listener.OnStatusChanged(snapshot)
		}
	case gaia.NotifyDataRxd:
		c.handleDataRxd(msg.Payload)
	case gaia.NotifyPositionChange:
		if len(msg.Payload) < 8 {
			return
		}
		lat := decodeFloat32(msg.Payload[0:4])
		lon := decodeFloat32(msg.Payload[4:8])
		c.mu.Lock()
		listener := c.listener
		c.mu.Unlock()
		if listener != nil {
			listener.OnPositionChange(float64(lat), float64(lon))
		}
	case gaia.NotifyHtChChanged, gaia.NotifyHtSettingsChanged:
		// Informational; current State already reflects the next
		// READ_RF_CH / READ_SETTINGS response once re-issued by the
		// application layer.
	}
}

func (c *Controller) handleDataRxd(payload []byte) {
	c.mu.Lock()
	frame, done := c.reassembler.Feed(payload)
	c.mu.Unlock()
	if !done {
		return
	}
	c.mu.Lock()
	name := ""
	for _, ch := range c.state.Channels {
		if ch.ID == int(frame.ChannelID) {
			name = ch.Name
			break
		}
	}
	listener := c.listener
	c.mu.Unlock()

	if listener != nil {
		listener.OnDataFrame(frame, name)
	}
}

func (c *Controller) isTncFree() bool {
	st := c.State().HtStatus
	return !st.IsInTx
}

func (c *Controller) sendTncPacket(p TncPacket) {
	payload := append([]byte{p.ChannelID}, p.Data...)
	msg := gaia.Message{Group: gaia.GroupBasic, Command: gaia.CmdHtSendData, Payload: payload}
	if err := c.transport.Write(gaia.Encode(msg)); err != nil {
		c.log.Error("radio: HT_SEND_DATA write failed", "err", err)
		c.tnc.OnSendResult(sendOtherError)
	}
}

func decodeFloat32(b []byte) float32 {
	return math.Float32frombits(binary.BigEndian.Uint32(b))
}
