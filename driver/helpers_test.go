package driver

import (
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/paxapos/fiscalberry-sub001/protocol"
)

// pipeOpener returns an OpenFunc handing out the local end of a fresh
// net.Pipe on every call. Remote ends are delivered on the returned channel.
func pipeOpener(t *testing.T) (OpenFunc, <-chan net.Conn) {
	t.Helper()

	remotes := make(chan net.Conn, 4)
	var mu sync.Mutex
	var conns []net.Conn

	t.Cleanup(func() {
		mu.Lock()
		defer mu.Unlock()
		for _, c := range conns {
			_ = c.Close()
		}
	})

	open := func(_ context.Context, _ Endpoint) (io.ReadWriteCloser, error) {
		local, remote := net.Pipe()
		mu.Lock()
		conns = append(conns, local, remote)
		mu.Unlock()
		remotes <- remote

		return local, nil
	}

	return open, remotes
}

// testEngineOpts are short protocol timeouts for tests.
func testEngineOpts() []protocol.EngineOption {
	return []protocol.EngineOption{
		protocol.WithWaitTime(300 * time.Millisecond),
		protocol.WithPollInterval(5 * time.Millisecond),
		protocol.WithInterCharTimeout(200 * time.Millisecond),
	}
}

// printerReply describes how a simulated printer answers one frame.
type printerReply struct {
	printerStatus string
	fiscalStatus  string
	extra         []string
}

// simulatePrinter answers every request read from remote with ACK and a reply
// built by answer. Received request frames are sent on the returned channel.
func simulatePrinter(remote net.Conn, answer func(req []byte) printerReply) <-chan []byte {
	requests := make(chan []byte, 16)

	go func() {
		defer close(requests)
		for {
			req, err := readRequest(remote)
			if err != nil {
				return
			}
			requests <- req

			if _, err := remote.Write([]byte{protocol.ACK}); err != nil {
				return
			}

			r := answer(req)
			fields := [][]byte{[]byte(r.printerStatus), []byte(r.fiscalStatus)}
			for _, e := range r.extra {
				fields = append(fields, []byte(e))
			}
			wire := protocol.STXCodec{}.Encode(protocol.Frame{Sequence: req[1], Command: req[2], Fields: fields})
			if _, err := remote.Write(wire); err != nil {
				return
			}

			// ACK of the reply
			buf := make([]byte, 1)
			if _, err := io.ReadFull(remote, buf); err != nil {
				return
			}
		}
	}()

	return requests
}

// readRequest reads one STX..ETX frame plus its 4 byte checksum.
func readRequest(r io.Reader) ([]byte, error) {
	var frame []byte
	buf := make([]byte, 1)

	for {
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, err
		}
		frame = append(frame, buf[0])
		if buf[0] == protocol.ETX && len(frame) >= 4 {
			break
		}
	}

	trailer := make([]byte, 4)
	if _, err := io.ReadFull(r, trailer); err != nil {
		return nil, err
	}

	return append(frame, trailer...), nil
}
