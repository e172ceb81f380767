package command

import (
	"errors"
	"strings"
)

// Error categories.
var (
	// ErrConfiguration indicates an unknown driver/translator name or invalid parameters.
	ErrConfiguration = errors.New("configuration error")
	// ErrCommunication indicates a protocol-level failure such as too many NAKs or an ack timeout.
	ErrCommunication = errors.New("communication error")
	// ErrValidation indicates a malformed inbound payload.
	ErrValidation = errors.New("validation error")
	// ErrTranslation indicates a translator could not map a command onto the target device.
	ErrTranslation = errors.New("translation error")
	// ErrTransport indicates a device transport could not be opened or written.
	ErrTransport = errors.New("transport error")
	// ErrFiscalPrinter indicates the device reported status bits that map to error messages.
	ErrFiscalPrinter = errors.New("fiscal printer error")
)

// FiscalPrinterError carries the decoded status messages of a reply that
// reported errors. It matches ErrFiscalPrinter with errors.Is.
type FiscalPrinterError struct {
	PrinterErrors []string
	FiscalErrors  []string
}

var _ error = (*FiscalPrinterError)(nil)

func (e *FiscalPrinterError) Error() string {
	msgs := make([]string, 0, len(e.PrinterErrors)+len(e.FiscalErrors))
	msgs = append(msgs, e.PrinterErrors...)
	msgs = append(msgs, e.FiscalErrors...)

	return ErrFiscalPrinter.Error() + ": " + strings.Join(msgs, "; ")
}

func (e *FiscalPrinterError) Unwrap() error {
	return ErrFiscalPrinter
}

// Messages returns printer messages followed by fiscal messages.
func (e *FiscalPrinterError) Messages() []string {
	msgs := make([]string, 0, len(e.PrinterErrors)+len(e.FiscalErrors))
	msgs = append(msgs, e.PrinterErrors...)

	return append(msgs, e.FiscalErrors...)
}

// Kind returns a short, stable name of the error category of err, or
// "unknown" when err matches none of them.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrConfiguration):
		return "configuration"
	case errors.Is(err, ErrCommunication):
		return "communication"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrTranslation):
		return "translation"
	case errors.Is(err, ErrTransport):
		return "transport"
	case errors.Is(err, ErrFiscalPrinter):
		return "fiscal_printer"
	default:
		return "unknown"
	}
}
