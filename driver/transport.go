package driver

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"time"

	"go.bug.st/serial"

	"github.com/paxapos/fiscalberry-sub001/command"
)

// Endpoint kinds.
const (
	EndpointSerial = "serial"
	EndpointUSB    = "usb"
	EndpointTCP    = "tcp"
	EndpointFile   = "file"
)

// Transport defaults.
const (
	DefaultBaudRate    = 9600
	DefaultTCPPort     = 9100
	DefaultDialTimeout = 3 * time.Second
)

// Endpoint locates a device transport.
type Endpoint struct {
	Kind string
	// Address is a device path for serial, usb and file endpoints, and
	// host[:port] for tcp endpoints.
	Address     string
	BaudRate    int
	DialTimeout time.Duration
}

func (ep Endpoint) String() string {
	return ep.Kind + "://" + ep.Address
}

// OpenFunc opens the transport of an endpoint.
type OpenFunc func(ctx context.Context, ep Endpoint) (io.ReadWriteCloser, error)

// endpointFromParams reads the endpoint parameters shared by raw and fiscal drivers:
// "transport" (serial, usb, tcp or file; default defKind), "path" or "host"/"port", "baud_rate".
func endpointFromParams(p Params, defKind string) (Endpoint, error) {
	ep := Endpoint{Kind: p.String("transport", defKind)}

	var err error
	if ep.BaudRate, err = p.Int("baud_rate", DefaultBaudRate); err != nil {
		return ep, err
	}
	if ep.DialTimeout, err = p.Duration("timeout", DefaultDialTimeout); err != nil {
		return ep, err
	}

	switch ep.Kind {
	case EndpointSerial, EndpointUSB, EndpointFile:
		if ep.Address, err = p.Required("path"); err != nil {
			return ep, err
		}

	case EndpointTCP:
		host, err := p.Required("host")
		if err != nil {
			return ep, err
		}
		port, err := p.Int("port", DefaultTCPPort)
		if err != nil {
			return ep, err
		}
		if port <= 0 || port > 65535 {
			return ep, fmt.Errorf("%w: port %d out of range [1, 65535]", command.ErrConfiguration, port)
		}
		ep.Address = net.JoinHostPort(host, strconv.Itoa(port))

	default:
		return ep, fmt.Errorf("%w: unknown transport %q", command.ErrConfiguration, ep.Kind)
	}

	return ep, nil
}

// OpenEndpoint is the default OpenFunc.
//
// Serial endpoints are opened 8N1 at the configured baud rate. USB printers
// are driven through their character device (e.g. /dev/usb/lp0).
func OpenEndpoint(ctx context.Context, ep Endpoint) (io.ReadWriteCloser, error) {
	switch ep.Kind {
	case EndpointSerial:
		mode := &serial.Mode{
			BaudRate: ep.BaudRate,
			DataBits: 8,
			Parity:   serial.NoParity,
			StopBits: serial.OneStopBit,
		}
		port, err := serial.Open(ep.Address, mode)
		if err != nil {
			return nil, fmt.Errorf("%w: open serial port %s: %w", command.ErrTransport, ep.Address, err)
		}

		return port, nil

	case EndpointUSB:
		f, err := os.OpenFile(ep.Address, os.O_RDWR, 0)
		if err != nil {
			return nil, fmt.Errorf("%w: open usb device %s: %w", command.ErrTransport, ep.Address, err)
		}

		return f, nil

	case EndpointFile:
		f, err := os.OpenFile(ep.Address, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("%w: open file %s: %w", command.ErrTransport, ep.Address, err)
		}

		return f, nil

	case EndpointTCP:
		timeout := ep.DialTimeout
		if timeout <= 0 {
			timeout = DefaultDialTimeout
		}
		dialer := &net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second}

		conn, err := dialer.DialContext(ctx, "tcp", ep.Address)
		if err != nil {
			return nil, fmt.Errorf("%w: dial %s: %w", command.ErrTransport, ep.Address, err)
		}

		return conn, nil

	default:
		return nil, fmt.Errorf("%w: unknown transport %q", command.ErrConfiguration, ep.Kind)
	}
}

// ListSerialPorts returns the serial ports present on the host.
func ListSerialPorts() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("%w: list serial ports: %w", command.ErrTransport, err)
	}

	return ports, nil
}
