// Command htstationd runs the unattended packet-radio station: it
// opens the GAIA transport to the handheld, drives RadioController's
// device handshake, and hands every decoded frame to the Dispatcher
// for AX.25/APRS/Winlink/YAPP routing. Grounded on the teacher's
// direwolf main.go for its pflag-based CLI shape and dns_sd.go for
// service announcement.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/brutella/dnssd"
	"github.com/charmbracelet/log"
	"github.com/spf13/pflag"

	"github.com/w1gaia/htstation/internal/callsign"
	"github.com/w1gaia/htstation/internal/clock"
	"github.com/w1gaia/htstation/internal/dispatch"
	"github.com/w1gaia/htstation/internal/radio"
	"github.com/w1gaia/htstation/internal/store"
	"github.com/w1gaia/htstation/internal/transport"
)

const dnsSDServiceType = "_htstation._tcp"

func main() {
	var (
		stationCallsign = pflag.StringP("callsign", "c", "", "Local station callsign base (required).")
		ssid            = pflag.Uint8P("ssid", "s", 0, "Local station SSID.")
		bbsSSIDFlag     = pflag.Int16("bbs-ssid", -1, "SSID to serve as a BBS connection; -1 disables it.")
		winlinkSSIDFlag = pflag.Int16("winlink-ssid", -1, "SSID to serve Winlink sessions on; -1 disables it.")
		winlinkPassword = pflag.String("winlink-password", "", "Winlink secure-login password; empty accepts unauthenticated sessions.")

		device = pflag.StringP("device", "d", "", "Serial device path for the GAIA transport.")
		baud   = pflag.Int("baud", 115200, "Serial baud rate.")
		usePty = pflag.Bool("pty", false, "Use a pseudo-terminal transport instead of a serial device (development only).")
		udev   = pflag.Bool("udev-watch", false, "Watch udev for the device to appear/reappear instead of failing when absent.")

		cmsHost = pflag.String("cms-host", "", "CMS relay hostname; empty serves Winlink mail locally.")
		cmsPort = pflag.Int("cms-port", 8772, "CMS relay port.")
		cmsTLS  = pflag.Bool("cms-tls", false, "Use TLS for the CMS relay connection.")

		aprsSSIDsFlag  = pflag.String("aprs-ssids", "", "Comma-separated list of destination SSIDs treated as APRS.")
		aprsChannelTag = pflag.String("aprs-channel-tag", "APRS", "Channel-name substring that marks a channel as APRS.")

		dnsSDName = pflag.String("dns-sd-name", "", "Service name to announce via DNS-SD; empty disables announcement.")
		logLevel  = pflag.String("log-level", "info", "Log level: debug, info, warn, error.")

		help = pflag.BoolP("help", "h", false, "Display help text.")
	)

	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "%s - unattended AX.25/APRS/Winlink/YAPP packet station.\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Usage: %s --callsign CALL [options]\n\n", os.Args[0])
		pflag.PrintDefaults()
	}
	pflag.Parse()

	if *help {
		pflag.Usage()
		os.Exit(0)
	}
	if *stationCallsign == "" {
		fmt.Fprintln(os.Stderr, "htstationd: --callsign is required")
		pflag.Usage()
		os.Exit(1)
	}

	logger := log.New(os.Stderr)
	logger.SetLevel(parseLogLevel(*logLevel))

	local, err := callsign.Parse(fmt.Sprintf("%s-%d", *stationCallsign, *ssid))
	if err != nil {
		logger.Fatal("invalid local callsign", "err", err)
	}

	cfg := dispatch.Config{
		Local:           local,
		WinlinkPassword: *winlinkPassword,
		AprsSSIDs:       parseSSIDList(*aprsSSIDsFlag),
		AprsChannelTag:  *aprsChannelTag,
		CmsHost:         *cmsHost,
		CmsPort:         *cmsPort,
		CmsTLS:          *cmsTLS,
	}
	if *bbsSSIDFlag >= 0 {
		v := uint8(*bbsSSIDFlag)
		cfg.BBSSSID = &v
	}
	if *winlinkSSIDFlag >= 0 {
		v := uint8(*winlinkSSIDFlag)
		cfg.WinlinkSSID = &v
	}

	tc := buildTransport(logger, *device, *baud, *usePty, *udev)

	c := clock.Real{}
	controller := radio.New(logger, c, tc)
	kv := store.NewMemory()
	dispatch.New(logger, c, controller, kv, cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *dnsSDName != "" {
		announceService(logger, *dnsSDName, *cmsPort)
	}

	logger.Info("htstationd: connecting", "callsign", local, "device", *device)
	if err := controller.Connect(ctx); err != nil {
		logger.Fatal("htstationd: connect failed", "err", err)
	}

	<-ctx.Done()
	logger.Info("htstationd: shutting down")
	_ = tc.Disconnect()
}

func buildTransport(logger *log.Logger, device string, baud int, usePty, watchUdev bool) transport.Client {
	if usePty {
		return transport.NewPTY(logger)
	}
	var tc transport.Client = transport.NewSerial(logger, device, baud)
	if watchUdev {
		tc = transport.NewUdevWatcher(logger, tc, device)
	}
	return tc
}

func parseSSIDList(s string) []uint8 {
	if s == "" {
		return nil
	}
	var out []uint8
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		var v uint8
		if _, err := fmt.Sscanf(part, "%d", &v); err == nil {
			out = append(out, v)
		}
	}
	return out
}

func parseLogLevel(s string) log.Level {
	switch strings.ToLower(s) {
	case "debug":
		return log.DebugLevel
	case "warn", "warning":
		return log.WarnLevel
	case "error":
		return log.ErrorLevel
	default:
		return log.InfoLevel
	}
}

// announceService advertises the station's control port via DNS-SD,
// the way the teacher's dns_sd.go announces its KISS TCP service.
func announceService(logger *log.Logger, name string, port int) {
	cfg := dnssd.Config{Name: name, Type: dnsSDServiceType, Port: port} //nolint:exhaustruct

	sv, err := dnssd.NewService(cfg)
	if err != nil {
		logger.Warn("dns-sd: failed to create service", "err", err)
		return
	}
	rp, err := dnssd.NewResponder()
	if err != nil {
		logger.Warn("dns-sd: failed to create responder", "err", err)
		return
	}
	if _, err := rp.Add(sv); err != nil {
		logger.Warn("dns-sd: failed to add service", "err", err)
		return
	}

	logger.Info("dns-sd: announcing", "name", name, "port", port)
	go func() {
		if err := rp.Respond(context.Background()); err != nil {
			logger.Warn("dns-sd: responder error", "err", err)
		}
	}()
}
