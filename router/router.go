// Package router dispatches logical commands to a printer through a
// translator and a driver resolved once at construction.
package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/paxapos/fiscalberry-sub001/command"
	"github.com/paxapos/fiscalberry-sub001/driver"
	"github.com/paxapos/fiscalberry-sub001/logger"
	"github.com/paxapos/fiscalberry-sub001/translator"
)

// ErrRouterClosed is returned by Dispatch after Close.
var ErrRouterClosed = errors.New("router: closed")

// Config names the translator and driver of a printer.
type Config struct {
	Name       string
	Translator translator.Variant
	Driver     driver.Config
}

// Option customizes a Router.
type Option func(*options)

type options struct {
	logger     logger.Logger
	driverOpts []driver.Option
}

// WithLogger sets the router logger. It is also handed to the driver.
func WithLogger(l logger.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithDriverOptions appends options used to construct the driver.
func WithDriverOptions(opts ...driver.Option) Option {
	return func(o *options) {
		o.driverOpts = append(o.driverOpts, opts...)
	}
}

// Metrics holds router counters.
type Metrics struct {
	DispatchCount    atomic.Uint64
	DispatchErrCount atomic.Uint64
	CallCount        atomic.Uint64
	ReconnectCount   atomic.Uint64
}

// Router owns one driver and serializes every dispatch to it.
type Router struct {
	name       string
	translator translator.Translator
	driver     driver.Driver
	logger     logger.Logger
	metrics    Metrics

	mu     sync.Mutex // serializes device access for every channel
	closed bool
}

// New resolves the translator and driver named by cfg.
// Unknown names fail with an error matching command.ErrConfiguration.
func New(cfg Config, opts ...Option) (*Router, error) {
	o := &options{logger: logger.GetLogger()}
	for _, opt := range opts {
		opt(o)
	}

	tr, err := translator.New(cfg.Translator)
	if err != nil {
		return nil, fmt.Errorf("router %q: %w", cfg.Name, err)
	}

	driverOpts := append([]driver.Option{driver.WithLogger(o.logger)}, o.driverOpts...)
	d, err := driver.New(cfg.Driver, driverOpts...)
	if err != nil {
		return nil, fmt.Errorf("router %q: %w", cfg.Name, err)
	}

	return NewWith(cfg.Name, tr, d, o.logger), nil
}

// NewWith creates a Router from already constructed parts.
func NewWith(name string, tr translator.Translator, d driver.Driver, l logger.Logger) *Router {
	if l == nil {
		l = logger.GetLogger()
	}

	return &Router{
		name:       name,
		translator: tr,
		driver:     d,
		logger:     l.With("printer", name),
	}
}

// Name returns the printer name of the router.
func (r *Router) Name() string { return r.name }

// Metrics returns the router counters.
func (r *Router) Metrics() *Metrics { return &r.metrics }

// Start starts the driver.
func (r *Router) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrRouterClosed
	}

	if err := r.driver.Start(ctx); err != nil {
		return fmt.Errorf("router %q: start driver: %w", r.name, err)
	}

	return nil
}

// Dispatch translates cmd and sends every resulting call in order, returning
// the reply of the last call. A call failing with a transport error is
// retried once after reconnecting the driver. A failing call stops the
// sequence; its reply, when the driver returned one, is returned with the error.
func (r *Router) Dispatch(ctx context.Context, cmd *command.Command) (*command.Reply, error) {
	r.metrics.DispatchCount.Add(1)

	reply, err := r.dispatch(ctx, cmd)
	if err != nil {
		r.metrics.DispatchErrCount.Add(1)
	}

	return reply, err
}

func (r *Router) dispatch(ctx context.Context, cmd *command.Command) (*command.Reply, error) {
	if cmd == nil {
		return nil, fmt.Errorf("%w: nil command", command.ErrValidation)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrRouterClosed
	}

	calls, err := r.translator.Translate(cmd)
	if err != nil {
		return nil, err
	}
	if len(calls) == 0 {
		return nil, fmt.Errorf("%w: command 0x%02X produced no calls", command.ErrTranslation, cmd.Number())
	}

	var reply *command.Reply
	for i, call := range calls {
		if err := ctx.Err(); err != nil {
			return reply, err
		}

		r.metrics.CallCount.Add(1)
		reply, err = r.send(ctx, call)
		if err != nil {
			r.logger.Debug("driver call failed", "call", i, "commandNumber", call.Number, "error", err)
			return reply, err
		}
	}

	return reply, nil
}

// send runs call on the driver. The caller holds r.mu.
func (r *Router) send(ctx context.Context, call command.Call) (*command.Reply, error) {
	reply, err := r.driver.SendCommand(ctx, call)
	if err == nil || !errors.Is(err, command.ErrTransport) || ctx.Err() != nil {
		return reply, err
	}

	r.metrics.ReconnectCount.Add(1)
	r.logger.Warn("printer transport failed, reconnecting", "commandNumber", call.Number, "error", err)
	if rerr := r.driver.Reconnect(ctx); rerr != nil {
		r.logger.Warn("printer reconnect failed", "error", rerr)
		return reply, err
	}

	return r.driver.SendCommand(ctx, call)
}

// Close releases the driver exactly once. Later calls return nil.
func (r *Router) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true

	if err := r.driver.Close(); err != nil {
		return fmt.Errorf("router %q: close driver: %w", r.name, err)
	}

	return nil
}
