package transport

import (
	"context"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/pkg/term"
)

// Serial is a TransportClient backed by a real serial device, typically
// the RFCOMM node (e.g. /dev/rfcomm0) the host's Bluetooth stack creates
// for the handheld's SPP link. Grounded on the teacher's serial_port.go,
// which opens the very same kind of device for its own TNC link.
type Serial struct {
	*streamClient
	device string
	baud   int
}

var _ Client = (*Serial)(nil)

// NewSerial builds a Serial transport for the given device path. baud
// of 0 leaves the line speed untouched (RFCOMM devices ignore it).
func NewSerial(logger *log.Logger, device string, baud int) *Serial {
	return &Serial{streamClient: newStreamClient(logger), device: device, baud: baud}
}

func (s *Serial) Connect(ctx context.Context) error {
	t, err := term.Open(s.device, term.RawMode)
	if err != nil {
		return fmt.Errorf("transport: open serial device %s: %w", s.device, err)
	}
	if s.baud != 0 {
		if err := t.SetSpeed(s.baud); err != nil {
			_ = t.Close()
			return fmt.Errorf("transport: set speed on %s: %w", s.device, err)
		}
	}
	s.attach(t)
	return nil
}
