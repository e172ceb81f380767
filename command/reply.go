package command

import (
	"github.com/paxapos/fiscalberry-sub001/internal/util"
)

// Call is the driver-level form of a command, produced by a translator.
//
// Fiscal and relay drivers use Number and Fields; byte-stream drivers send Payload.
type Call struct {
	Number           int      `json:"commandNumber" xml:"commandNumber"`
	Fields           []string `json:"fields" xml:"fields>field"`
	SkipStatusErrors bool     `json:"skipStatusErrors" xml:"skipStatusErrors"`
	PrinterName      string   `json:"printerName,omitempty" xml:"printerName,omitempty"`
	Payload          []byte   `json:"-" xml:"-"`
}

// Reply is the outcome of one driver call.
type Reply struct {
	// Fields are the reply fields returned by the device, in order.
	Fields []string `json:"fields"`
	// Raw is the undecoded reply body, when the transport provides one.
	Raw []byte `json:"-"`

	PrinterStatus uint16   `json:"printerStatus"`
	FiscalStatus  uint16   `json:"fiscalStatus"`
	PrinterErrors []string `json:"printerErrors,omitempty"`
	FiscalErrors  []string `json:"fiscalErrors,omitempty"`

	// TransportErr is set when a remote transport failure was absorbed and
	// the call reported success to its caller.
	TransportErr error `json:"-"`
}

// HasStatusErrors reports whether any status message was decoded.
func (r *Reply) HasStatusErrors() bool {
	return r != nil && (len(r.PrinterErrors) > 0 || len(r.FiscalErrors) > 0)
}

// Swallowed reports whether the reply stands in for an absorbed transport failure.
func (r *Reply) Swallowed() bool {
	return r != nil && r.TransportErr != nil
}

// Clone returns a deep copy of r.
func (r *Reply) Clone() *Reply {
	if r == nil {
		return nil
	}
	clone := *r
	clone.Fields = util.CloneStrings(r.Fields)
	clone.PrinterErrors = util.CloneStrings(r.PrinterErrors)
	clone.FiscalErrors = util.CloneStrings(r.FiscalErrors)
	if r.Raw != nil {
		clone.Raw = util.CloneSlice(r.Raw, 0)
	}

	return &clone
}
