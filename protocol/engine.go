package protocol

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/paxapos/fiscalberry-sub001/command"
	"github.com/paxapos/fiscalberry-sub001/logger"
)

// State is the state of the exchange currently on the wire.
type State uint32

const (
	StateIdle State = iota
	StateSending
	StateAwaitingAck
	StateAcked
	StateNakRetry
	StateTimedOut
	StateAwaitingReply
)

// String returns string representation of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSending:
		return "sending"
	case StateAwaitingAck:
		return "awaiting-ack"
	case StateAcked:
		return "acked"
	case StateNakRetry:
		return "nak-retry"
	case StateTimedOut:
		return "timed-out"
	case StateAwaitingReply:
		return "awaiting-reply"
	default:
		return "unknown"
	}
}

// ackResult classifies the outcome of waiting for ACK/NAK so the send loop
// can decide whether to resend or stop.
type ackResult int

const (
	ackOK      ackResult = iota // ACK received.
	ackNak                      // NAK received; resend.
	ackTimeout                  // Wait budget elapsed.
	ackAbort                    // Read error or context cancelled.
)

// Engine drives the fiscal serial protocol over a Port.
type Engine struct {
	mu      sync.Mutex // serializes exchanges
	port    Port
	cfg     *EngineConfig
	logger  logger.Logger
	metrics EngineMetrics

	seq   atomic.Uint32
	state atomic.Uint32
}

// NewEngine creates an engine bound to port.
//
// The initial sequence number is random unless WithSequenceSeed is given.
func NewEngine(port Port, opts ...EngineOption) (*Engine, error) {
	if port == nil {
		return nil, fmt.Errorf("%w: protocol: port must not be nil", command.ErrConfiguration)
	}

	cfg, err := NewEngineConfig(opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", command.ErrConfiguration, err)
	}

	e := &Engine{
		port:   port,
		cfg:    cfg,
		logger: cfg.logger,
	}

	seed := randomSequence()
	if cfg.seed >= 0 {
		seed = byte(cfg.seed)
	}
	e.seq.Store(uint32(seed))

	return e, nil
}

// Sequence returns the sequence number the next exchange will use.
func (e *Engine) Sequence() byte {
	return byte(e.seq.Load())
}

// State returns the state of the current (or last) exchange.
func (e *Engine) State() State {
	return State(e.state.Load())
}

// Metrics returns the engine counters.
func (e *Engine) Metrics() *EngineMetrics {
	return &e.metrics
}

// Config returns the engine configuration.
func (e *Engine) Config() *EngineConfig {
	return e.cfg
}

// Exchange sends one command and, when replies are enabled, waits for the
// reply frame. The sequence number advances only when the whole exchange
// succeeded.
//
// With replies disabled the returned frame is nil.
func (e *Engine) Exchange(ctx context.Context, cmd byte, fields [][]byte) (*Frame, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	defer e.setState(StateIdle)

	seq := e.Sequence()
	wire := e.cfg.codec.Encode(Frame{Sequence: seq, Command: cmd, Fields: fields})

	if err := e.sendAndWaitAck(ctx, wire); err != nil {
		e.metrics.incExchangeErrCount()
		return nil, err
	}

	var reply *Frame
	if e.cfg.replies {
		var err error
		reply, err = e.readReply(ctx, seq)
		if err != nil {
			e.metrics.incExchangeErrCount()
			return nil, err
		}
	}

	e.seq.Store(uint32(NextSequence(seq)))

	return reply, nil
}

// SendAndWaitAck transmits an encoded frame and waits for the printer to
// accept it, resending on every NAK.
//
// It fails with ErrTooManyNaks once more NAKs than the configured maximum
// were received, and with ErrAckTimeout when the wait budget elapses without
// ACK or NAK. Any other byte received meanwhile is ignored. The sequence
// number is not advanced.
func (e *Engine) SendAndWaitAck(ctx context.Context, wire []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	defer e.setState(StateIdle)

	return e.sendAndWaitAck(ctx, wire)
}

func (e *Engine) sendAndWaitAck(ctx context.Context, wire []byte) error {
	for retry := 0; ; retry++ {
		if retry > e.cfg.maxNaks {
			return fmt.Errorf("%w: %d resends", ErrTooManyNaks, e.cfg.maxNaks)
		}

		if err := ctx.Err(); err != nil {
			return err
		}

		e.setState(StateSending)
		if err := e.write(wire); err != nil {
			return err
		}
		e.metrics.incFrameSendCount()

		e.setState(StateAwaitingAck)
		result, err := e.waitAck(ctx)

		switch result {
		case ackOK:
			e.setState(StateAcked)
			return nil

		case ackNak:
			e.metrics.incNakCount()
			e.setState(StateNakRetry)
			e.logger.Debug("protocol: NAK received, resending frame",
				"retry", retry+1,
				"maxNaks", e.cfg.maxNaks,
			)

			continue

		case ackTimeout:
			e.metrics.incAckTimeoutCount()
			e.setState(StateTimedOut)

			return fmt.Errorf("%w after %v", ErrAckTimeout, e.cfg.waitTime)

		case ackAbort:
			return err
		}
	}
}

// waitAck polls single bytes until ACK or NAK arrives or the wait budget elapses.
func (e *Engine) waitAck(ctx context.Context) (ackResult, error) {
	deadline := time.Now().Add(e.cfg.waitTime)

	for {
		if err := ctx.Err(); err != nil {
			return ackAbort, err
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return ackTimeout, ErrAckTimeout
		}

		b, ok, err := e.readByte(min(remaining, e.cfg.pollInterval))
		if err != nil {
			return ackAbort, err
		}
		if !ok {
			continue
		}

		switch b {
		case ACK:
			return ackOK, nil
		case NAK:
			return ackNak, nil
		default:
			e.logger.Debug("protocol: ignoring byte while waiting for ACK", "byte", fmt.Sprintf("0x%02X", b))
		}
	}
}

// readReply waits for the reply frame carrying seq.
func (e *Engine) readReply(ctx context.Context, seq byte) (*Frame, error) {
	e.setState(StateAwaitingReply)

	deadline := time.Now().Add(e.cfg.waitTime)
	retries := 0

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, fmt.Errorf("%w after %v", ErrReplyTimeout, e.cfg.waitTime)
		}

		b, ok, err := e.readByte(min(remaining, e.cfg.pollInterval))
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}

		if b == DC2 || b == DC4 {
			// printer is busy, give it another budget
			deadline = deadline.Add(e.cfg.waitTime)
			continue
		}
		if b != STX {
			continue
		}

		frame, err := e.readFrame(ctx)
		if err != nil && !errors.Is(err, ErrChecksumMismatch) && !errors.Is(err, ErrMalformedFrame) {
			return nil, err
		}

		if err != nil {
			e.metrics.incBadReplyCount()
			e.logger.Debug("protocol: invalid reply, sending NAK", "error", err, "retry", retries+1)

			if werr := e.write([]byte{NAK}); werr != nil {
				return nil, werr
			}

			retries++
			if retries > e.cfg.replyRetries {
				return nil, fmt.Errorf("%w: %w", ErrTooManyBadReplies, err)
			}
			deadline = time.Now().Add(e.cfg.waitTime)

			continue
		}

		if frame.Sequence != seq {
			e.metrics.incStaleReplyCount()
			e.logger.Debug("protocol: reply sequence mismatch",
				"want", fmt.Sprintf("0x%02X", seq),
				"got", fmt.Sprintf("0x%02X", frame.Sequence),
			)

			if werr := e.write([]byte{ACK}); werr != nil {
				return nil, werr
			}

			retries++
			if retries > e.cfg.replyRetries {
				return nil, ErrSequenceMismatch
			}
			deadline = time.Now().Add(e.cfg.waitTime)

			continue
		}

		if err := e.write([]byte{ACK}); err != nil {
			return nil, err
		}
		e.metrics.incReplyCount()

		return &frame, nil
	}
}

// readFrame reads the rest of a frame whose STX was already consumed, plus
// the codec trailer, and decodes it.
func (e *Engine) readFrame(ctx context.Context) (Frame, error) {
	body := []byte{STX}
	for {
		b, err := e.readByteWithin(ctx, e.cfg.interCharTimeout)
		if err != nil {
			return Frame{}, err
		}
		body = append(body, b)

		if b == ETX {
			break
		}
		if len(body) >= e.cfg.maxFrameSize {
			return Frame{}, fmt.Errorf("%w: frame exceeds %d bytes", ErrMalformedFrame, e.cfg.maxFrameSize)
		}
	}

	trailer := make([]byte, e.cfg.codec.TrailerSize())
	for i := range trailer {
		b, err := e.readByteWithin(ctx, e.cfg.interCharTimeout)
		if err != nil {
			return Frame{}, err
		}
		trailer[i] = b
	}

	return e.cfg.codec.Decode(body, trailer)
}

// readByteWithin reads one byte, failing with ErrReplyInterrupted when none
// arrives within timeout.
func (e *Engine) readByteWithin(ctx context.Context, timeout time.Duration) (byte, error) {
	deadline := time.Now().Add(timeout)

	for {
		if err := ctx.Err(); err != nil {
			return 0, err
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return 0, ErrReplyInterrupted
		}

		b, ok, err := e.readByte(min(remaining, e.cfg.pollInterval))
		if err != nil {
			return 0, err
		}
		if ok {
			return b, nil
		}
	}
}

// --- Low-level I/O helpers ---

// readByte reads a single byte waiting at most timeout. ok is false when the
// timeout elapsed without data.
func (e *Engine) readByte(timeout time.Duration) (b byte, ok bool, err error) {
	if err := e.port.SetReadTimeout(timeout); err != nil {
		return 0, false, fmt.Errorf("%w: set read timeout: %w", command.ErrTransport, err)
	}

	var buf [1]byte
	n, err := e.port.Read(buf[:])
	if n == 1 {
		return buf[0], true, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("%w: read: %w", command.ErrTransport, err)
	}

	return 0, false, nil
}

// write writes all bytes in data to the port.
func (e *Engine) write(data []byte) error {
	for written := 0; written < len(data); {
		n, err := e.port.Write(data[written:])
		written += n

		if err != nil {
			return fmt.Errorf("%w: write: %w", command.ErrTransport, err)
		}
	}

	return nil
}

func (e *Engine) setState(s State) {
	e.state.Store(uint32(s))
}
