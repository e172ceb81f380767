package protocol

import (
	"errors"
	"io"
	"net"
	"os"
	"time"
)

// Port is a byte transport with a read timeout.
//
// Read returns (0, nil) when the timeout elapses without data, which is the
// behaviour of go.bug.st/serial ports. Network connections can be adapted
// with NewConnPort.
type Port interface {
	io.ReadWriter
	SetReadTimeout(t time.Duration) error
}

// connPort adapts a net.Conn to Port, mapping read deadlines to timeouts.
type connPort struct {
	conn    net.Conn
	timeout time.Duration
}

// NewConnPort wraps conn so it can be driven by an Engine.
func NewConnPort(conn net.Conn) Port {
	return &connPort{conn: conn}
}

func (p *connPort) SetReadTimeout(t time.Duration) error {
	p.timeout = t
	return nil
}

func (p *connPort) Read(b []byte) (int, error) {
	if p.timeout > 0 {
		if err := p.conn.SetReadDeadline(time.Now().Add(p.timeout)); err != nil {
			return 0, err
		}
	} else if err := p.conn.SetReadDeadline(time.Time{}); err != nil {
		return 0, err
	}

	n, err := p.conn.Read(b)
	if err != nil && isTimeout(err) {
		return n, nil
	}

	return n, err
}

func (p *connPort) Write(b []byte) (int, error) {
	return p.conn.Write(b)
}

func (p *connPort) Close() error {
	return p.conn.Close()
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}

	var netErr net.Error

	return errors.As(err, &netErr) && netErr.Timeout()
}
