package winlink

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

// connectTimeout bounds the CMS relay's initial TCP(+TLS) handshake,
// per spec.md §4.7.
const connectTimeout = 15 * time.Second

// RelayListener receives the CMS relay's byte stream and closure,
// mirroring transport.Listener's shape for this Winlink-internal
// socket (the radio wire itself remains TransportClient's exclusive
// concern per spec.md §3's ownership rules).
type RelayListener interface {
	OnRelayData(b []byte)
	OnRelayClosed(reason error)
}

// CmsRelay is a transparent TCP(+TLS) bridge to an external Winlink
// CMS gateway: once the banner/challenge handshake completes it
// forwards bytes in both directions unexamined, honoring the
// binary-mode switch the B2F line protocol signals.
type CmsRelay struct {
	log *log.Logger

	mu       sync.Mutex
	conn     net.Conn
	listener RelayListener
}

func NewCmsRelay(logger *log.Logger) *CmsRelay {
	return &CmsRelay{log: logger}
}

func (r *CmsRelay) SetListener(l RelayListener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listener = l
}

// Dial opens the relay connection, performs the CMSTelnet login line
// exchange, and returns once the server's command prompt ('>') has
// been seen, per spec.md §4.7. On success the connection's banner and
// PQ challenge lines are returned for the caller to forward to the
// radio station unchanged.
func (r *CmsRelay) Dial(ctx context.Context, addr, callsign string, useTLS bool) (banner, pqLine string, err error) {
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	dialer := &net.Dialer{Timeout: connectTimeout}
	var conn net.Conn
	if useTLS {
		conn, err = tls.DialWithDialer(dialer, "tcp", addr, &tls.Config{})
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return "", "", fmt.Errorf("winlink: CMS relay dial %s: %w", addr, err)
	}

	if _, err := fmt.Fprintf(conn, "%s\r", callsign); err != nil {
		_ = conn.Close()
		return "", "", err
	}
	if _, err := fmt.Fprint(conn, "CMSTelnet\r"); err != nil {
		_ = conn.Close()
		return "", "", err
	}

	reader := bufio.NewReader(conn)
	for {
		line, rerr := reader.ReadString('\n')
		trimmed := strings.TrimRight(line, "\r\n")
		if strings.HasPrefix(trimmed, "[WL2K-") {
			banner = trimmed
		}
		if strings.HasPrefix(trimmed, ";PQ:") {
			pqLine = trimmed
		}
		if strings.HasSuffix(trimmed, ">") {
			break
		}
		if rerr != nil {
			_ = conn.Close()
			return "", "", fmt.Errorf("winlink: CMS relay closed before prompt: %w", rerr)
		}
	}

	r.mu.Lock()
	r.conn = conn
	r.mu.Unlock()
	go r.pump(conn)
	return banner, pqLine, nil
}

func (r *CmsRelay) pump(conn net.Conn) {
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			r.mu.Lock()
			l := r.listener
			r.mu.Unlock()
			if l != nil {
				cp := make([]byte, n)
				copy(cp, buf[:n])
				l.OnRelayData(cp)
			}
		}
		if err != nil {
			r.mu.Lock()
			l := r.listener
			r.conn = nil
			r.mu.Unlock()
			if l != nil {
				l.OnRelayClosed(err)
			}
			return
		}
	}
}

// Write forwards bytes to the CMS host unchanged.
func (r *CmsRelay) Write(b []byte) error {
	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("winlink: CMS relay not connected")
	}
	_, err := conn.Write(b)
	return err
}

func (r *CmsRelay) Close() error {
	r.mu.Lock()
	conn := r.conn
	r.conn = nil
	r.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}
