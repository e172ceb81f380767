package command

import (
	"encoding/json"
	"fmt"

	"github.com/paxapos/fiscalberry-sub001/internal/util"
)

// MaxCommandNumber is the largest command number a single protocol byte can carry.
const MaxCommandNumber = 0xFF

// Command is a logical print/fiscal instruction received from a channel.
//
// A Command is immutable after construction; accessors return copies.
type Command struct {
	number           int
	fields           []string
	skipStatusErrors bool
	printerName      string
	id               string
}

// NewCommand creates a Command. fields is copied.
func NewCommand(number int, fields []string, skipStatusErrors bool) (*Command, error) {
	if number < 0 || number > MaxCommandNumber {
		return nil, fmt.Errorf("%w: command number %d out of range [0, %d]", ErrValidation, number, MaxCommandNumber)
	}

	return &Command{
		number:           number,
		fields:           util.CloneStrings(fields),
		skipStatusErrors: skipStatusErrors,
	}, nil
}

// payload is the wire schema shared by the queue and socket channels.
type payload struct {
	CommandNumber    *int     `json:"commandNumber"`
	Fields           []string `json:"fields"`
	SkipStatusErrors bool     `json:"skipStatusErrors"`
	PrinterName      string   `json:"printerName,omitempty"`
	ID               string   `json:"id,omitempty"`
}

// Parse decodes a JSON payload into a Command.
//
// Any schema violation is reported as an error matching ErrValidation.
func Parse(body []byte) (*Command, error) {
	var p payload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("%w: decode payload: %w", ErrValidation, err)
	}

	if p.CommandNumber == nil {
		return nil, fmt.Errorf("%w: missing commandNumber", ErrValidation)
	}

	cmd, err := NewCommand(*p.CommandNumber, p.Fields, p.SkipStatusErrors)
	if err != nil {
		return nil, err
	}
	cmd.printerName = p.PrinterName
	cmd.id = p.ID

	return cmd, nil
}

// Number returns the command number.
func (c *Command) Number() int { return c.number }

// Fields returns a copy of the command fields.
func (c *Command) Fields() []string { return util.CloneStrings(c.fields) }

// SkipStatusErrors reports whether status errors must not be escalated.
func (c *Command) SkipStatusErrors() bool { return c.skipStatusErrors }

// PrinterName returns the target printer, or "" for the default one.
func (c *Command) PrinterName() string { return c.printerName }

// ID returns the correlation id supplied by the sender, if any.
func (c *Command) ID() string { return c.id }

// WithPrinterName returns a copy of c addressed to the named printer.
func (c *Command) WithPrinterName(name string) *Command {
	clone := *c
	clone.fields = util.CloneStrings(c.fields)
	clone.printerName = name

	return &clone
}

// MarshalJSON encodes the command in its wire schema.
func (c *Command) MarshalJSON() ([]byte, error) {
	n := c.number
	fields := c.fields
	if fields == nil {
		fields = []string{}
	}

	return json.Marshal(payload{
		CommandNumber:    &n,
		Fields:           fields,
		SkipStatusErrors: c.skipStatusErrors,
		PrinterName:      c.printerName,
		ID:               c.id,
	})
}
