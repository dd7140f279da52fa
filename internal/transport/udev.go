package transport

import (
	"context"

	"github.com/charmbracelet/log"
	"github.com/jochenvg/go-udev"
)

// UdevWatcher wraps a Client backend (normally Serial) and reconnects
// it whenever udev reports that the backing tty device node has
// reappeared, so a dropped Bluetooth RFCOMM link comes back without
// operator intervention. The teacher watches udev for CM108-style USB
// sound-card PTT adapters (cm108.go); this applies the same "wait for
// the device node, then (re)open it" pattern to the wireless link's
// device node instead.
type UdevWatcher struct {
	inner  Client
	device string
	log    *log.Logger
	cancel context.CancelFunc
}

func NewUdevWatcher(logger *log.Logger, inner Client, device string) *UdevWatcher {
	return &UdevWatcher{inner: inner, device: device, log: logger}
}

var _ Client = (*UdevWatcher)(nil)

func (w *UdevWatcher) Connect(ctx context.Context) error {
	watchCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	if err := w.inner.Connect(ctx); err != nil {
		w.log.Warn("initial connect failed, waiting for device via udev", "device", w.device, "err", err)
	}

	go w.watch(watchCtx)
	return nil
}

func (w *UdevWatcher) watch(ctx context.Context) {
	u := udev.Udev{}
	mon := u.NewMonitorFromNetlink("udev")
	if err := mon.FilterAddMatchSubsystem("tty"); err != nil {
		w.log.Error("udev: could not install tty filter", "err", err)
		return
	}

	devCh, errCh, err := mon.DeviceChan(ctx)
	if err != nil {
		w.log.Error("udev: could not start monitor", "err", err)
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-errCh:
			if err != nil {
				w.log.Warn("udev: monitor error", "err", err)
			}
		case d, ok := <-devCh:
			if !ok {
				return
			}
			if d.Devnode() != w.device {
				continue
			}
			switch d.Action() {
			case "add", "bind":
				w.log.Info("udev: wireless link device appeared, reconnecting", "device", w.device)
				if err := w.inner.Connect(ctx); err != nil {
					w.log.Error("udev: reconnect failed", "device", w.device, "err", err)
				}
			case "remove", "unbind":
				w.log.Warn("udev: wireless link device removed", "device", w.device)
			}
		}
	}
}

func (w *UdevWatcher) Disconnect() error {
	if w.cancel != nil {
		w.cancel()
	}
	return w.inner.Disconnect()
}

func (w *UdevWatcher) Write(b []byte) error { return w.inner.Write(b) }

func (w *UdevWatcher) SetListener(l Listener) { w.inner.SetListener(l) }
