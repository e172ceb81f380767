package ingest

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/paxapos/fiscalberry-sub001/command"
	"github.com/paxapos/fiscalberry-sub001/logger"
)

// Dispatcher runs one command against a printer.
type Dispatcher interface {
	Dispatch(ctx context.Context, cmd *command.Command) (*command.Reply, error)
}

// ErrorReporter receives command failures for remote monitoring.
// Implementations must not block for long and never fail the caller.
type ErrorReporter interface {
	Report(ctx context.Context, err error, details map[string]any)
}

// ChannelOption customizes an ingestion channel.
type ChannelOption interface {
	apply(opts *channelOptions)
}

type channelOptFunc func(opts *channelOptions)

func (f channelOptFunc) apply(opts *channelOptions) { f(opts) }

type channelOptions struct {
	logger        logger.Logger
	reporter      ErrorReporter
	stateHandlers []StateChangeHandler
	dialer        AMQPDialer
}

func newChannelOptions(opts []ChannelOption) *channelOptions {
	o := &channelOptions{logger: logger.GetLogger(), dialer: DialAMQP}
	for _, opt := range opts {
		opt.apply(o)
	}

	return o
}

// WithLogger sets the channel logger.
func WithLogger(l logger.Logger) ChannelOption {
	return channelOptFunc(func(o *channelOptions) {
		if l != nil {
			o.logger = l
		}
	})
}

// WithErrorReporter sets where command failures are reported.
func WithErrorReporter(r ErrorReporter) ChannelOption {
	return channelOptFunc(func(o *channelOptions) {
		o.reporter = r
	})
}

// WithStateHandler registers handlers for channel state changes.
func WithStateHandler(handlers ...StateChangeHandler) ChannelOption {
	return channelOptFunc(func(o *channelOptions) {
		o.stateHandlers = append(o.stateHandlers, handlers...)
	})
}

// WithAMQPDialer replaces the broker dialer of the queue channel.
func WithAMQPDialer(d AMQPDialer) ChannelOption {
	return channelOptFunc(func(o *channelOptions) {
		if d != nil {
			o.dialer = d
		}
	})
}

func report(ctx context.Context, r ErrorReporter, err error, details map[string]any) {
	if r != nil {
		r.Report(ctx, err, details)
	}
}

// guard runs fn and converts a panic into an error matching ErrDispatchPanic,
// so one bad command settles like any other failure.
func guard[T any](l logger.Logger, fn func() (T, error)) (res T, err error) {
	defer func() {
		if r := recover(); r != nil {
			l.Error("panic while processing command", "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("%w: %v", ErrDispatchPanic, r)
		}
	}()

	return fn()
}
