package protocol

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/paxapos/fiscalberry-sub001/logger"
)

// newTestEngine creates an Engine backed by the local end of net.Pipe() with
// short timeouts. Returns the engine and the remote end acting as the printer.
func newTestEngine(t *testing.T, opts ...EngineOption) (*Engine, net.Conn) {
	t.Helper()

	local, remote := net.Pipe()
	t.Cleanup(func() {
		_ = local.Close()
		_ = remote.Close()
	})

	defaults := []EngineOption{
		WithWaitTime(300 * time.Millisecond),
		WithPollInterval(5 * time.Millisecond),
		WithInterCharTimeout(200 * time.Millisecond),
		WithLogger(logger.GetLogger()),
	}

	e, err := NewEngine(NewConnPort(local), append(defaults, opts...)...)
	if err != nil {
		t.Fatalf("newTestEngine: %v", err)
	}

	return e, remote
}

// readWireFrame reads one request frame (STX..ETX plus the 4 checksum bytes) from r.
func readWireFrame(r io.Reader) ([]byte, error) {
	var frame []byte
	buf := make([]byte, 1)

	for {
		if _, err := io.ReadFull(r, buf); err != nil {
			return frame, err
		}
		frame = append(frame, buf[0])
		if buf[0] == ETX && len(frame) >= 4 {
			break
		}
	}

	trailer := make([]byte, checksumSize)
	if _, err := io.ReadFull(r, trailer); err != nil {
		return frame, err
	}

	return append(frame, trailer...), nil
}

// readOne reads exactly one byte from r.
func readOne(r io.Reader) (byte, error) {
	buf := make([]byte, 1)
	_, err := io.ReadFull(r, buf)

	return buf[0], err
}

// replyFrame builds a printer reply frame with the given sequence and fields.
func replyFrame(seq byte, cmd byte, fields ...string) []byte {
	f := Frame{Sequence: seq, Command: cmd}
	for _, v := range fields {
		f.Fields = append(f.Fields, []byte(v))
	}

	return STXCodec{}.Encode(f)
}

// newPipe creates a net.Pipe pair and registers cleanup.
func newPipe(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()

	local, remote := net.Pipe()
	t.Cleanup(func() {
		_ = local.Close()
		_ = remote.Close()
	})

	return local, remote
}
