// Package transport implements the TransportClient contract of spec.md
// §4.1: it owns the wire socket exclusively and delivers/accepts raw
// bytes with no interpretation. Two production backends are provided,
// both grounded on what the teacher (doismellburning/samoyed) uses to
// talk to a real TNC: github.com/pkg/term for the Bluetooth-RFCOMM
// serial device the handheld exposes, and github.com/creack/pty for a
// loopback/simulated link used in local development.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/charmbracelet/log"
)

// Listener receives transport-level events. Implementations must not
// block; slow consumers should hand off to their own queue.
type Listener interface {
	OnData(b []byte)
	OnClosed(reason error)
}

// Client is the TransportClient contract: open/close the link, write
// bytes out, and deliver inbound bytes/closure to a Listener.
type Client interface {
	Connect(ctx context.Context) error
	Disconnect() error
	Write(b []byte) error
	SetListener(l Listener)
}

// ErrNotConnected is returned by Write/Disconnect when no link is open.
var ErrNotConnected = errors.New("transport: not connected")

// streamClient is the shared pump loop for any io.ReadWriteCloser-backed
// transport (serial device, pty, plain TCP). Backends construct one of
// these around whatever they open in Connect.
type streamClient struct {
	log  *log.Logger
	mu   sync.Mutex
	conn io.ReadWriteCloser
	list Listener
	done chan struct{}
}

func newStreamClient(logger *log.Logger) *streamClient {
	return &streamClient{log: logger}
}

func (c *streamClient) SetListener(l Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.list = l
}

func (c *streamClient) attach(conn io.ReadWriteCloser) {
	c.mu.Lock()
	c.conn = conn
	c.done = make(chan struct{})
	done := c.done
	c.mu.Unlock()

	go c.pump(conn, done)
}

func (c *streamClient) pump(conn io.ReadWriteCloser, done chan struct{}) {
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			c.mu.Lock()
			l := c.list
			c.mu.Unlock()
			if l != nil {
				cp := make([]byte, n)
				copy(cp, buf[:n])
				l.OnData(cp)
			}
		}
		if err != nil {
			select {
			case <-done:
				return
			default:
			}
			c.closeWithReason(err)
			return
		}
	}
}

func (c *streamClient) closeWithReason(reason error) {
	c.mu.Lock()
	conn := c.conn
	l := c.list
	done := c.done
	c.conn = nil
	c.done = nil
	c.mu.Unlock()

	if done != nil {
		close(done)
	}
	if conn != nil {
		_ = conn.Close()
	}
	if l != nil {
		l.OnClosed(reason)
	}
}

func (c *streamClient) Write(b []byte) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	_, err := conn.Write(b)
	if err != nil {
		c.log.Error("transport write failed", "err", err)
	}
	return err
}

func (c *streamClient) Disconnect() error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	c.closeWithReason(fmt.Errorf("transport: disconnected by caller"))
	return nil
}
