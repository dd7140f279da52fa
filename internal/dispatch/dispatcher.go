// Package dispatch implements the Dispatcher of spec.md §4.9: it is
// the single consumer of RadioController's decoded data frames, owns
// the Ax25Session registry, and routes each inbound packet to the
// AX.25 data-link layer, AprsCodec, or a WinlinkSession/YappSession
// riding atop a connected session. Grounded on the teacher's
// dlq.go/tq.go single-consumer queue discipline: exactly one goroutine
// ever touches the registry or a given session.
package dispatch

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/w1gaia/htstation/internal/aprs"
	"github.com/w1gaia/htstation/internal/ax25"
	"github.com/w1gaia/htstation/internal/callsign"
	"github.com/w1gaia/htstation/internal/clock"
	"github.com/w1gaia/htstation/internal/gaia"
	"github.com/w1gaia/htstation/internal/radio"
	"github.com/w1gaia/htstation/internal/store"
	"github.com/w1gaia/htstation/internal/winlink"
	"github.com/w1gaia/htstation/internal/yapp"
)

// service names the collaborator that owns a session, for the
// "second SABM while busy gets DM" registry rule.
type service int

const (
	serviceNone service = iota
	serviceBBS
	serviceWinlink
)

func (s service) String() string {
	switch s {
	case serviceBBS:
		return "bbs"
	case serviceWinlink:
		return "winlink"
	default:
		return "none"
	}
}

// Config is the Dispatcher's static routing configuration, the
// programmatic surface behind the CLI parameters of spec.md §6.
type Config struct {
	Local   callsign.Callsign
	BBSSSID *uint8
	// WinlinkSSID, when set, routes connections addressed to
	// Local-SSID to a WinlinkSession instead of plain BBS handling.
	WinlinkSSID     *uint8
	WinlinkPassword string
	// AprsSSIDs lists destination SSIDs treated as APRS regardless of
	// channel name; AprsChannelTag matches a channel name substring
	// (case-insensitive), per spec.md §4.6's "or whose addressed
	// channel name is tagged APRS".
	AprsSSIDs      []uint8
	AprsChannelTag string

	// CmsHost, when set, makes a Winlink session a transparent relay to
	// an external CMS gateway instead of serving mail locally, per
	// spec.md §4.7's CMS relay mode.
	CmsHost string
	CmsPort int
	CmsTLS  bool
}

type peer struct {
	session  *ax25.Session
	service  service
	channel  uint8
	winlink  *winlink.Session
	relay    *winlink.CmsRelay
	yapp     *yapp.Session
	yappRecv *yapp.Receiver
}

// Dispatcher is the RadioController.Listener and Ax25Session registry
// owner of spec.md §4.9. It holds weak references to sessions keyed by
// SessionKey and is the only collaborator that may destroy them.
type Dispatcher struct {
	log        *log.Logger
	clock      clock.Clock
	controller *radio.Controller
	kv         store.KV
	cfg        Config

	mu          sync.Mutex
	sessions    map[callsign.SessionKey]*peer
	remoteOwner map[callsign.Callsign]service
}

var _ radio.Listener = (*Dispatcher)(nil)

// New constructs a Dispatcher bound to controller. The Winlink outbound
// mailbox is loaded from kv's winlink-mails table each time a
// WinlinkSession starts, per spec.md §6.
func New(logger *log.Logger, c clock.Clock, controller *radio.Controller, kv store.KV, cfg Config) *Dispatcher {
	d := &Dispatcher{
		log:         logger,
		clock:       c,
		controller:  controller,
		kv:          kv,
		cfg:         cfg,
		sessions:    make(map[callsign.SessionKey]*peer),
		remoteOwner: make(map[callsign.Callsign]service),
	}
	controller.SetListener(d)
	return d
}

func (d *Dispatcher) OnChannelsLoaded(state radio.State) {
	d.log.Info("dispatch: channels loaded", "count", len(state.Channels))
}

func (d *Dispatcher) OnStatusChanged(state radio.State) {}

func (d *Dispatcher) OnPositionChange(lat, lon float64) {
	d.log.Debug("dispatch: position change", "lat", lat, "lon", lon)
}

// OnDataFrame implements radio.Listener; it is the single point of
// entry for every decoded AX.25 frame, per spec.md §4.9.
func (d *Dispatcher) OnDataFrame(frame gaia.UniqueDataFrame, channelName string) {
	f, err := ax25.Decode(frame.Data, false)
	if err != nil {
		d.log.Warn("dispatch: dropping malformed AX.25 frame", "err", err)
		return
	}
	f.ChannelID = frame.ChannelID
	f.ChannelName = channelName

	destLocal := f.Destination().Callsign.Base == d.cfg.Local.Base

	if d.isAprsChannel(f, channelName) && f.Kind == ax25.KindU && f.UKind == ax25.UUI {
		d.handleAprs(f)
		return
	}

	if destLocal && d.isSessionTraffic(f) {
		d.routeToSession(f)
		return
	}

	if destLocal && f.Kind == ax25.KindU && f.UKind == ax25.UUI && len(f.Payload) > 0 {
		d.echoPing(f)
		return
	}

	d.log.Debug("dispatch: dropping unroutable frame", "dest", f.Destination())
}

func (d *Dispatcher) isAprsChannel(f ax25.Frame, channelName string) bool {
	for _, s := range d.cfg.AprsSSIDs {
		if f.Destination().Callsign.SSID == s {
			return true
		}
	}
	if d.cfg.AprsChannelTag == "" {
		return false
	}
	return strings.Contains(strings.ToUpper(channelName), strings.ToUpper(d.cfg.AprsChannelTag))
}

func (d *Dispatcher) isSessionTraffic(f ax25.Frame) bool {
	switch f.Kind {
	case ax25.KindI, ax25.KindS:
		return true
	case ax25.KindU:
		switch f.UKind {
		case ax25.USABM, ax25.USABME, ax25.UDISC, ax25.UUA, ax25.UDM:
			return true
		}
	}
	return false
}

func (d *Dispatcher) handleAprs(f ax25.Frame) {
	pkt := aprs.Decode(string(f.Payload))
	if d.kv != nil {
		ts := d.clock.Now().UnixNano()
		if b, err := aprsRecordBytes(f.Source().Callsign.String(), pkt); err == nil {
			_ = d.kv.Save(context.Background(), fmt.Sprintf("aprs-msg-%d", ts), b)
		}
	}
	if len(pkt.ParseErrors) > 0 {
		d.log.Debug("dispatch: aprs parse errors", "from", f.Source(), "errs", pkt.ParseErrors)
	}
}

// aprsRecordBytes renders a minimal persisted record; the storage
// collaborator's encoding is its own choice (spec.md §6), so this is
// just a stable textual summary rather than a schema.
func aprsRecordBytes(from string, pkt aprs.Packet) ([]byte, error) {
	return []byte(fmt.Sprintf("from=%s type=%c comment=%s", from, pkt.DataType, pkt.Comment)), nil
}

func (d *Dispatcher) echoPing(f ax25.Frame) {
	reply := ax25.Frame{
		Addresses: []callsign.Ax25Address{
			{Callsign: f.Source().Callsign, CommandBit: true},
			{Callsign: f.Destination().Callsign, CommandBit: false},
		},
		Kind:    ax25.KindU,
		UKind:   ax25.UUI,
		HasPID:  true,
		PID:     f.PID,
		Payload: f.Payload,
	}
	d.controller.EnqueueTnc(radio.TncPacket{ChannelID: f.ChannelID, Data: ax25.Encode(reply)})
}

func (d *Dispatcher) routeToSession(f ax25.Frame) {
	key := f.SessionKey()

	d.mu.Lock()
	p, ok := d.sessions[key]
	if !ok {
		if f.Kind != ax25.KindU || (f.UKind != ax25.USABM && f.UKind != ax25.USABME) {
			// Session control or I-frame for an unknown session other
			// than a connect attempt; nothing to route it to.
			d.mu.Unlock()
			return
		}
		svc := d.serviceForLocked(f.Destination().Callsign)
		if svc == serviceNone {
			d.mu.Unlock()
			return
		}
		if owner, busy := d.remoteOwner[f.Source().Callsign]; busy && owner != svc {
			d.mu.Unlock()
			d.sendBusyDm(f)
			return
		}
		p = d.newPeerLocked(f, svc)
		d.remoteOwner[f.Source().Callsign] = svc
		d.sessions[key] = p
	}
	d.mu.Unlock()

	p.session.Receive(f)
}

func (d *Dispatcher) serviceForLocked(dest callsign.Callsign) service {
	if d.cfg.WinlinkSSID != nil && dest.SSID == *d.cfg.WinlinkSSID {
		return serviceWinlink
	}
	if d.cfg.BBSSSID != nil && dest.SSID == *d.cfg.BBSSSID {
		return serviceBBS
	}
	return serviceNone
}

// sendBusyDm replies DM directly, without creating a session, per
// spec.md §4.9's "second service observing a SABM ... responds with DM
// (busy)". Called without the registry lock held.
func (d *Dispatcher) sendBusyDm(f ax25.Frame) {
	reply := ax25.Frame{
		Addresses: []callsign.Ax25Address{
			{Callsign: f.Source().Callsign, CommandBit: false},
			{Callsign: f.Destination().Callsign, CommandBit: true},
		},
		Kind:  ax25.KindU,
		UKind: ax25.UDM,
		Final: f.Poll,
	}
	d.controller.EnqueueTnc(radio.TncPacket{ChannelID: f.ChannelID, Data: ax25.Encode(reply)})
}

func (d *Dispatcher) newPeerLocked(f ax25.Frame, svc service) *peer {
	local := callsign.Ax25Address{Callsign: f.Destination().Callsign, CommandBit: true}
	remote := callsign.Ax25Address{Callsign: f.Source().Callsign}
	channelID := f.ChannelID

	p := &peer{service: svc, channel: channelID}
	sess := ax25.NewSession(d.log, d.clock, local, remote, channelID, func(sf ax25.SendFrame) {
		d.controller.EnqueueTnc(radio.TncPacket{ChannelID: sf.ChannelID, Data: sf.Wire})
	})
	p.session = sess
	sess.SetListener(&sessionAdapter{d: d, key: sess.Key(), p: p})
	return p
}

func (d *Dispatcher) unregister(key callsign.SessionKey, remote callsign.Callsign) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.sessions, key)
	delete(d.remoteOwner, remote)
}

func (d *Dispatcher) recordConnection(key callsign.SessionKey, state ax25.SessionState, reason error) {
	if d.kv == nil {
		return
	}
	ts := d.clock.Now().UnixNano()
	summary := fmt.Sprintf("session=%s state=%s", key, state)
	if reason != nil {
		summary += " reason=" + reason.Error()
	}
	_ = d.kv.Save(context.Background(), fmt.Sprintf("connection-%d", ts), []byte(summary))
}

// sessionAdapter implements ax25.SessionListener, translating session
// lifecycle and data events into service-specific handling (Winlink,
// CMS relay, YAPP; other BBS data is only logged), and tearing down the
// registry entry on disconnect.
type sessionAdapter struct {
	d   *Dispatcher
	key callsign.SessionKey
	p   *peer
}

var _ ax25.SessionListener = (*sessionAdapter)(nil)

func (a *sessionAdapter) OnStateChanged(key callsign.SessionKey, state ax25.SessionState, reason error) {
	a.d.recordConnection(key, state, reason)

	switch state {
	case ax25.Connected:
		if a.p.service == serviceWinlink {
			if a.d.cfg.CmsHost != "" {
				go a.d.startCmsRelay(a.p)
			} else {
				a.d.startLocalWinlink(a.p)
			}
		}
	case ax25.Disconnected:
		if a.p.relay != nil {
			_ = a.p.relay.Close()
		}
		a.d.unregister(key, a.key.Remote)
	}
}

func (d *Dispatcher) startLocalWinlink(p *peer) {
	var mail []winlink.Mail
	if d.kv != nil {
		m, err := winlink.LoadOutbound(context.Background(), d.kv)
		if err != nil {
			d.log.Warn("dispatch: loading winlink outbound mail", "err", err)
		} else {
			mail = m
		}
	}
	p.winlink = winlink.NewSession(d.log, func(b []byte) {
		p.session.Send(b, true)
	}, d.cfg.WinlinkPassword, mail)
	p.winlink.SetListener(&winlinkAdapter{d: d})
	p.winlink.Start()
}

// winlinkAdapter persists mail lifecycle events through the Dispatcher's
// KV collaborator: delivered outbound mail is removed from the store,
// and newly received inbound mail is saved to it, per spec.md §6.
type winlinkAdapter struct {
	d *Dispatcher
}

var _ winlink.Listener = (*winlinkAdapter)(nil)

func (a *winlinkAdapter) OnAuthFailed() {
	a.d.log.Warn("dispatch: winlink authentication failed")
}

func (a *winlinkAdapter) OnMailDelivered(mid string) {
	if a.d.kv == nil {
		return
	}
	if err := winlink.DeleteMail(context.Background(), a.d.kv, mid); err != nil {
		a.d.log.Warn("dispatch: deleting delivered winlink mail", "mid", mid, "err", err)
	}
}

func (a *winlinkAdapter) OnMailReceived(m winlink.Mail) {
	if a.d.kv == nil {
		return
	}
	if err := winlink.SaveMail(context.Background(), a.d.kv, m); err != nil {
		a.d.log.Warn("dispatch: saving received winlink mail", "mid", m.MID, "err", err)
	}
}

func (a *winlinkAdapter) OnSessionClosed(reason error) {
	if reason != nil {
		a.d.log.Debug("dispatch: winlink session closed", "reason", reason)
	}
}

// startCmsRelay dials the configured CMS host and, on success, turns
// the session into a transparent byte bridge instead of serving mail
// locally. On failure within the 15s connect deadline it falls back to
// local service, per spec.md §4.7.
func (d *Dispatcher) startCmsRelay(p *peer) {
	relay := winlink.NewCmsRelay(d.log)
	addr := fmt.Sprintf("%s:%d", d.cfg.CmsHost, d.cfg.CmsPort)
	banner, pqLine, err := relay.Dial(context.Background(), addr, d.cfg.Local.String(), d.cfg.CmsTLS)
	if err != nil {
		d.log.Warn("dispatch: CMS relay unavailable, falling back to local winlink", "err", err)
		d.startLocalWinlink(p)
		return
	}

	d.mu.Lock()
	p.relay = relay
	d.mu.Unlock()

	relay.SetListener(&relayBridge{d: d, p: p})
	if banner != "" {
		p.session.Send([]byte(banner+"\r"), true)
	}
	if pqLine != "" {
		p.session.Send([]byte(pqLine+"\r"), true)
	}
}

// relayBridge forwards CMS relay bytes onto the radio session and vice
// versa; sessionAdapter.OnData checks p.relay first once it is set.
type relayBridge struct {
	d *Dispatcher
	p *peer
}

func (b *relayBridge) OnRelayData(data []byte) {
	b.p.session.Send(data, true)
}

func (b *relayBridge) OnRelayClosed(reason error) {
	b.d.log.Warn("dispatch: CMS relay closed", "reason", reason)
	b.p.session.Disconnect()
}

const ctrlSI = 0x01

func (a *sessionAdapter) OnData(key callsign.SessionKey, data []byte) {
	switch {
	case a.p.relay != nil:
		if err := a.p.relay.Write(data); err != nil {
			a.d.log.Warn("dispatch: CMS relay write failed", "key", key, "err", err)
		}
	case a.p.yapp != nil && a.p.yapp.State() != yapp.Done && a.p.yapp.State() != yapp.Aborted:
		a.p.yapp.Receive(data)
	case a.p.yappRecv != nil && a.p.yappRecv.State() != yapp.Done && a.p.yappRecv.State() != yapp.Aborted:
		a.p.yappRecv.Receive(data)
	case a.p.winlink != nil:
		a.p.winlink.Receive(data)
	case a.p.service == serviceBBS && len(data) > 0 && data[0] == ctrlSI:
		// An unsolicited SI begins an inbound file upload; spec.md §4.8
		// suppresses normal BBS command processing for its duration.
		a.p.yappRecv = yapp.NewReceiver(a.d.log, a.d.clock, func(b []byte) {
			a.p.session.Send(b, true)
		})
		a.p.yappRecv.SetListener(a.d.yappReceiveListener(key))
		a.p.yappRecv.Receive(data)
	default:
		a.d.log.Debug("dispatch: unhandled BBS data", "key", key, "len", len(data))
	}
}

// yappReceiveListener returns a ReceiverListener for an inbound upload.
// It accepts every offer and only logs received files; it does not
// store them, since the core has no file-store collaborator of its own
// (spec.md §1 Non-goals).
func (d *Dispatcher) yappReceiveListener(key callsign.SessionKey) yapp.ReceiverListener {
	return &bbsUploadListener{d: d, key: key}
}

type bbsUploadListener struct {
	d   *Dispatcher
	key callsign.SessionKey
}

func (l *bbsUploadListener) OnFileOffered(filename string, length int) bool {
	l.d.log.Info("dispatch: inbound file offer", "key", l.key, "name", filename, "len", length)
	return true
}

func (l *bbsUploadListener) OnFileReceived(filename string, data []byte) {
	l.d.log.Info("dispatch: file received", "key", l.key, "name", filename, "len", len(data))
}

func (l *bbsUploadListener) OnTransferAborted(reason error) {
	l.d.log.Warn("dispatch: file transfer aborted", "key", l.key, "reason", reason)
}

// StartYapp begins an outbound file transfer on an already-connected
// BBS session, per spec.md §4.8. It returns an error if the session is
// unknown or not in the BBS service.
func (d *Dispatcher) StartYapp(key callsign.SessionKey, filename string, data []byte, withChecksum bool) error {
	d.mu.Lock()
	p, ok := d.sessions[key]
	d.mu.Unlock()
	if !ok || p.service != serviceBBS {
		return fmt.Errorf("dispatch: no BBS session for %s", key)
	}
	p.yapp = yapp.NewSession(d.log, d.clock, func(b []byte) {
		p.session.Send(b, true)
	})
	p.yapp.SetListener(&bbsSendListener{d: d, key: key})
	p.yapp.SendFile(filename, data, withChecksum)
	return nil
}

type bbsSendListener struct {
	d   *Dispatcher
	key callsign.SessionKey
}

func (l *bbsSendListener) OnTransferComplete(filename string, bytesSent int) {
	l.d.log.Info("dispatch: file sent", "key", l.key, "name", filename, "bytes", bytesSent)
}

func (l *bbsSendListener) OnTransferAborted(reason error) {
	l.d.log.Warn("dispatch: outbound file transfer aborted", "key", l.key, "reason", reason)
}

func (a *sessionAdapter) OnUi(key callsign.SessionKey, pid uint8, data []byte) {
	a.d.log.Debug("dispatch: unconnected UI to local station", "key", key, "len", len(data))
}
