package transport

import (
	"context"

	"github.com/charmbracelet/log"
	"github.com/creack/pty"
)

// PTY is a TransportClient backed by a pseudo-terminal pair. It is used
// for local development to simulate the wireless link without
// a physical radio attached; SlavePath exposes the device node another
// process (or a test) can open to act as "the handheld". Grounded on
// the teacher's kiss.go pty-based virtual TNC.
type PTY struct {
	*streamClient
	master *pseudoTerminal
}

var _ Client = (*PTY)(nil)

type pseudoTerminal struct {
	Name string
}

func NewPTY(logger *log.Logger) *PTY {
	return &PTY{streamClient: newStreamClient(logger)}
}

func (p *PTY) Connect(ctx context.Context) error {
	ptmx, pts, err := pty.Open()
	if err != nil {
		return err
	}
	p.master = &pseudoTerminal{Name: pts.Name()}
	// The slave fd is only needed to retrieve its name for callers that
	// want to attach a peer (e.g. a test harness); the pump reads/writes
	// the master side.
	_ = pts.Close()
	p.attach(ptmx)
	return nil
}

// SlavePath is the pty path a peer process/test should open to act as
// the other end of the simulated wireless link.
func (p *PTY) SlavePath() string {
	if p.master == nil {
		return ""
	}
	return p.master.Name
}
