package driver

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"

	"github.com/paxapos/fiscalberry-sub001/command"
	"github.com/paxapos/fiscalberry-sub001/logger"
	"github.com/paxapos/fiscalberry-sub001/protocol"
	"github.com/paxapos/fiscalberry-sub001/status"
)

// FiscalConfig configures a FiscalDriver.
type FiscalConfig struct {
	Endpoint Endpoint
	Family   status.Family
	// Charset is the single-byte charset fields are encoded with; defaults to ISO-8859-1.
	Charset    *charmap.Charmap
	EngineOpts []protocol.EngineOption
}

// FiscalDriver talks to a fiscal printer through a protocol.Engine.
type FiscalDriver struct {
	mu        sync.Mutex
	cfg       FiscalConfig
	open      OpenFunc
	logger    logger.Logger
	encoder   *encoding.Encoder
	decoder   *encoding.Decoder
	conn      io.ReadWriteCloser
	engine    *protocol.Engine
	connected bool
}

var _ Driver = (*FiscalDriver)(nil)

// NewFiscalDriver creates a FiscalDriver. A nil open uses OpenEndpoint.
func NewFiscalDriver(cfg FiscalConfig, open OpenFunc, l logger.Logger) *FiscalDriver {
	if open == nil {
		open = OpenEndpoint
	}
	if l == nil {
		l = logger.GetLogger()
	}
	if cfg.Charset == nil {
		cfg.Charset = charmap.ISO8859_1
	}
	if cfg.Family.Name == "" {
		cfg.Family = status.Hasar
	}

	return &FiscalDriver{
		cfg:     cfg,
		open:    open,
		logger:  l,
		encoder: encoding.ReplaceUnsupported(cfg.Charset.NewEncoder()),
		decoder: cfg.Charset.NewDecoder(),
	}
}

func newFiscalFromParams(p Params, o *options) (Driver, error) {
	ep, err := endpointFromParams(p, EndpointSerial)
	if err != nil {
		return nil, err
	}
	if ep.Kind != EndpointSerial && ep.Kind != EndpointTCP {
		return nil, fmt.Errorf("%w: fiscal driver needs a serial or tcp transport, got %q", command.ErrConfiguration, ep.Kind)
	}

	family, err := status.LookupFamily(p.String("model", status.Hasar.Name))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", command.ErrConfiguration, err)
	}

	engineOpts := []protocol.EngineOption{protocol.WithLogger(o.logger)}
	if p.String("wait_time", "") != "" {
		d, err := p.Duration("wait_time", protocol.DefaultWaitTime)
		if err != nil {
			return nil, err
		}
		engineOpts = append(engineOpts, protocol.WithWaitTime(d))
	}
	engineOpts = append(engineOpts, o.engineOpts...)

	// validate options early so a bad configuration fails at construction
	if _, err := protocol.NewEngineConfig(engineOpts...); err != nil {
		return nil, fmt.Errorf("%w: %w", command.ErrConfiguration, err)
	}

	return NewFiscalDriver(FiscalConfig{
		Endpoint:   ep,
		Family:     family,
		EngineOpts: engineOpts,
	}, o.open, o.logger), nil
}

// Start opens the transport and binds a new protocol engine to it.
// Failures are logged and returned.
func (d *FiscalDriver) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.startLocked(ctx)
}

func (d *FiscalDriver) startLocked(ctx context.Context) error {
	if d.connected {
		return nil
	}

	conn, err := d.open(ctx, d.cfg.Endpoint)
	if err != nil {
		d.logger.Error("failed to open fiscal printer", "endpoint", d.cfg.Endpoint.String(), "error", err)
		return err
	}

	port, err := toPort(conn)
	if err != nil {
		_ = conn.Close()
		return err
	}

	engine, err := protocol.NewEngine(port, d.cfg.EngineOpts...)
	if err != nil {
		_ = conn.Close()
		return err
	}

	d.conn = conn
	d.engine = engine
	d.connected = true
	d.logger.Info("fiscal printer opened",
		"endpoint", d.cfg.Endpoint.String(),
		"model", d.cfg.Family.Name,
		"sequence", fmt.Sprintf("0x%02X", engine.Sequence()),
	)

	return nil
}

func toPort(conn io.ReadWriteCloser) (protocol.Port, error) {
	switch c := conn.(type) {
	case protocol.Port:
		return c, nil
	case net.Conn:
		return protocol.NewConnPort(c), nil
	default:
		return nil, fmt.Errorf("%w: transport %T has no read timeout", command.ErrConfiguration, conn)
	}
}

// SendCommand runs one protocol exchange and decodes the status words of the reply.
//
// When call.SkipStatusErrors is false and any status message was decoded,
// the reply is returned together with a *command.FiscalPrinterError.
func (d *FiscalDriver) SendCommand(ctx context.Context, call command.Call) (*command.Reply, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.connected {
		return nil, fmt.Errorf("%w: fiscal printer %s not connected", command.ErrTransport, d.cfg.Endpoint)
	}
	if call.Number < 0 || call.Number > command.MaxCommandNumber {
		return nil, fmt.Errorf("%w: command number %d out of range", command.ErrValidation, call.Number)
	}

	fields := make([][]byte, len(call.Fields))
	for i, f := range call.Fields {
		encoded, err := d.encoder.Bytes([]byte(f))
		if err != nil {
			return nil, fmt.Errorf("%w: encode field %d: %w", command.ErrTranslation, i, err)
		}
		fields[i] = encoded
	}

	frame, err := d.engine.Exchange(ctx, byte(call.Number), fields)
	if err != nil {
		d.logger.Error("fiscal exchange failed", "commandNumber", call.Number, "error", err)
		return nil, err
	}

	return d.parseReply(frame, call.SkipStatusErrors)
}

// parseReply decodes reply fields; the first two are the printer and fiscal status words.
func (d *FiscalDriver) parseReply(frame *protocol.Frame, skipStatusErrors bool) (*command.Reply, error) {
	reply := &command.Reply{}
	if frame == nil {
		return reply, nil
	}

	reply.Fields = make([]string, len(frame.Fields))
	for i, f := range frame.Fields {
		decoded, err := d.decoder.Bytes(f)
		if err != nil {
			decoded = f
		}
		reply.Fields[i] = string(decoded)
	}

	if len(reply.Fields) < 2 {
		return reply, fmt.Errorf("%w: reply has %d fields, want at least 2 status words", command.ErrCommunication, len(reply.Fields))
	}

	var err error
	if reply.PrinterStatus, err = status.ParseWord(reply.Fields[0]); err != nil {
		return reply, fmt.Errorf("%w: %w", command.ErrCommunication, err)
	}
	if reply.FiscalStatus, err = status.ParseWord(reply.Fields[1]); err != nil {
		return reply, fmt.Errorf("%w: %w", command.ErrCommunication, err)
	}

	reply.PrinterErrors = status.Decode(reply.PrinterStatus, d.cfg.Family.Printer)
	reply.FiscalErrors = status.Decode(reply.FiscalStatus, d.cfg.Family.Fiscal)

	if !reply.HasStatusErrors() {
		return reply, nil
	}

	if skipStatusErrors {
		d.logger.Debug("fiscal status errors skipped",
			"printerErrors", reply.PrinterErrors,
			"fiscalErrors", reply.FiscalErrors,
		)

		return reply, nil
	}

	return reply, &command.FiscalPrinterError{
		PrinterErrors: reply.PrinterErrors,
		FiscalErrors:  reply.FiscalErrors,
	}
}

// Reconnect closes the transport and opens it again with a fresh engine.
func (d *FiscalDriver) Reconnect(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	_ = d.closeLocked()

	return d.startLocked(ctx)
}

// Close releases the transport. Calling Close more than once is a no-op.
func (d *FiscalDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.closeLocked()
}

func (d *FiscalDriver) closeLocked() error {
	if !d.connected {
		return nil
	}
	d.connected = false
	d.engine = nil

	err := d.conn.Close()
	d.conn = nil
	if err != nil {
		return fmt.Errorf("%w: close %s: %w", command.ErrTransport, d.cfg.Endpoint, err)
	}

	return nil
}

// Engine returns the protocol engine of the open transport, or nil.
func (d *FiscalDriver) Engine() *protocol.Engine {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.engine
}
