package driver

import (
	"fmt"
	"net/http"
	"slices"

	"github.com/paxapos/fiscalberry-sub001/command"
	"github.com/paxapos/fiscalberry-sub001/logger"
	"github.com/paxapos/fiscalberry-sub001/protocol"
)

// Option customizes driver construction.
type Option func(*options)

type options struct {
	logger     logger.Logger
	open       OpenFunc
	httpClient *http.Client
	engineOpts []protocol.EngineOption
}

// WithLogger sets the logger of the driver.
func WithLogger(l logger.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithOpenFunc replaces the transport opener of raw and fiscal drivers.
func WithOpenFunc(fn OpenFunc) Option {
	return func(o *options) {
		if fn != nil {
			o.open = fn
		}
	}
}

// WithHTTPClient sets the HTTP client of the relay driver.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) {
		if c != nil {
			o.httpClient = c
		}
	}
}

// WithEngineOptions appends protocol engine options for the fiscal driver.
func WithEngineOptions(opts ...protocol.EngineOption) Option {
	return func(o *options) {
		o.engineOpts = append(o.engineOpts, opts...)
	}
}

type constructor func(p Params, o *options) (Driver, error)

var registry = map[Variant]constructor{
	VariantRelay:  newRelayFromParams,
	VariantRaw:    newRawFromParams,
	VariantFiscal: newFiscalFromParams,
	VariantNull:   newNullFromParams,
}

// New constructs the driver selected by cfg.Variant.
//
// It fails with an error matching command.ErrConfiguration when the variant
// is unknown or the parameters are invalid. No transport is opened until Start.
func New(cfg Config, opts ...Option) (Driver, error) {
	ctor, ok := registry[cfg.Variant]
	if !ok {
		return nil, fmt.Errorf("%w: unknown driver %q", command.ErrConfiguration, cfg.Variant)
	}

	o := &options{
		logger: logger.GetLogger(),
		open:   OpenEndpoint,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.With("driver", string(cfg.Variant))

	params := cfg.Params
	if params == nil {
		params = Params{}
	}

	return ctor(params, o)
}

// Variants returns the registered driver tags in sorted order.
func Variants() []Variant {
	out := make([]Variant, 0, len(registry))
	for v := range registry {
		out = append(out, v)
	}
	slices.Sort(out)

	return out
}
