package driver

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/paxapos/fiscalberry-sub001/command"
	"github.com/paxapos/fiscalberry-sub001/logger"
)

// RawDriver writes call payloads to a byte-stream transport as they are.
type RawDriver struct {
	mu        sync.Mutex
	ep        Endpoint
	open      OpenFunc
	logger    logger.Logger
	conn      io.ReadWriteCloser
	connected bool
}

var _ Driver = (*RawDriver)(nil)

// NewRawDriver creates a RawDriver for ep. A nil open uses OpenEndpoint.
func NewRawDriver(ep Endpoint, open OpenFunc, l logger.Logger) *RawDriver {
	if open == nil {
		open = OpenEndpoint
	}
	if l == nil {
		l = logger.GetLogger()
	}

	return &RawDriver{ep: ep, open: open, logger: l}
}

func newRawFromParams(p Params, o *options) (Driver, error) {
	ep, err := endpointFromParams(p, EndpointTCP)
	if err != nil {
		return nil, err
	}

	return NewRawDriver(ep, o.open, o.logger), nil
}

// Start opens the transport. Failures are logged and returned.
func (d *RawDriver) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.startLocked(ctx)
}

func (d *RawDriver) startLocked(ctx context.Context) error {
	if d.connected {
		return nil
	}

	conn, err := d.open(ctx, d.ep)
	if err != nil {
		d.logger.Error("failed to open printer transport", "endpoint", d.ep.String(), "error", err)
		return err
	}

	d.conn = conn
	d.connected = true
	d.logger.Info("printer transport opened", "endpoint", d.ep.String())

	return nil
}

// SendCommand writes call.Payload without framing and does not wait for a reply.
func (d *RawDriver) SendCommand(_ context.Context, call command.Call) (*command.Reply, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.connected {
		return nil, fmt.Errorf("%w: %s not connected", command.ErrTransport, d.ep)
	}

	for written := 0; written < len(call.Payload); {
		n, err := d.conn.Write(call.Payload[written:])
		written += n

		if err != nil {
			d.logger.Error("failed to write to printer", "endpoint", d.ep.String(), "error", err)
			_ = d.closeLocked()

			return nil, fmt.Errorf("%w: write %s: %w", command.ErrTransport, d.ep, err)
		}
	}

	return &command.Reply{}, nil
}

// Reconnect closes and reopens the transport.
func (d *RawDriver) Reconnect(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	_ = d.closeLocked()

	return d.startLocked(ctx)
}

// Close releases the transport. Calling Close more than once is a no-op.
func (d *RawDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.closeLocked()
}

func (d *RawDriver) closeLocked() error {
	if !d.connected {
		return nil
	}
	d.connected = false

	err := d.conn.Close()
	d.conn = nil
	if err != nil {
		return fmt.Errorf("%w: close %s: %w", command.ErrTransport, d.ep, err)
	}

	return nil
}

// Connected reports whether the transport is open.
func (d *RawDriver) Connected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.connected
}
