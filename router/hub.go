package router

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/paxapos/fiscalberry-sub001/command"
)

// Hub routes commands to one of several printers by the command's printer
// name, falling back to the default printer when it is empty.
type Hub struct {
	defaultName string
	routers     *xsync.MapOf[string, *Router]
}

// NewHub creates an empty Hub whose default printer is defaultName.
func NewHub(defaultName string) *Hub {
	return &Hub{
		defaultName: defaultName,
		routers:     xsync.NewMapOf[string, *Router](),
	}
}

// Add registers r under its name. Names must be unique.
func (h *Hub) Add(r *Router) error {
	if _, loaded := h.routers.LoadOrStore(r.Name(), r); loaded {
		return fmt.Errorf("%w: duplicate printer %q", command.ErrConfiguration, r.Name())
	}

	return nil
}

// Get returns the router of the named printer; "" selects the default.
func (h *Hub) Get(name string) (*Router, bool) {
	if name == "" {
		name = h.defaultName
	}

	return h.routers.Load(name)
}

// DefaultName returns the name of the default printer.
func (h *Hub) DefaultName() string { return h.defaultName }

// Names returns the registered printer names in sorted order.
func (h *Hub) Names() []string {
	names := make([]string, 0, h.routers.Size())
	h.routers.Range(func(name string, _ *Router) bool {
		names = append(names, name)
		return true
	})
	slices.Sort(names)

	return names
}

// Dispatch sends cmd to the printer it names.
func (h *Hub) Dispatch(ctx context.Context, cmd *command.Command) (*command.Reply, error) {
	if cmd == nil {
		return nil, fmt.Errorf("%w: nil command", command.ErrValidation)
	}

	r, ok := h.Get(cmd.PrinterName())
	if !ok {
		return nil, fmt.Errorf("%w: unknown printer %q", command.ErrValidation, cmd.PrinterName())
	}

	return r.Dispatch(ctx, cmd)
}

// Start starts every printer. All printers are attempted; the failures are
// returned joined.
func (h *Hub) Start(ctx context.Context) error {
	var errs []error
	for _, name := range h.Names() {
		r, _ := h.routers.Load(name)
		if err := r.Start(ctx); err != nil {
			r.logger.Error("failed to start printer", "error", err)
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// Close closes every printer.
func (h *Hub) Close() error {
	var errs []error
	h.routers.Range(func(_ string, r *Router) bool {
		if err := r.Close(); err != nil {
			errs = append(errs, err)
		}
		return true
	})

	return errors.Join(errs...)
}
