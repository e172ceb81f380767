package driver

import (
	"context"

	"github.com/paxapos/fiscalberry-sub001/command"
)

// Driver is the capability set shared by every transport variant.
//
// Close is idempotent. SendCommand on a driver that is not started fails with
// an error matching command.ErrTransport, except for variants without a
// connection (relay, null).
type Driver interface {
	Start(ctx context.Context) error
	SendCommand(ctx context.Context, call command.Call) (*command.Reply, error)
	Reconnect(ctx context.Context) error
	Close() error
}

// Variant is the static tag selecting a driver implementation.
type Variant string

const (
	VariantRelay  Variant = "relay"
	VariantRaw    Variant = "raw"
	VariantFiscal Variant = "fiscal"
	VariantNull   Variant = "null"
)

// Config selects and parameterizes a driver.
type Config struct {
	Variant Variant
	Params  Params
}
