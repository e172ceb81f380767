package status

import (
	"fmt"
	"strings"
)

// Shared fiscal status messages.
const (
	MsgFiscalMemoryFull       = "fiscal memory full"
	MsgFiscalMemoryError      = "fiscal memory error"
	MsgWorkingMemoryError     = "working memory check error"
	MsgLowBattery             = "low battery"
	MsgUnknownCommand         = "unrecognized command"
	MsgInvalidDataField       = "invalid data field"
	MsgInvalidFiscalState     = "command not valid for the current fiscal state"
	MsgTotalsOverflow         = "totals overflow"
	MsgFiscalMemoryAlmostFull = "fiscal memory almost full"
	MsgDailyCloseRequired     = "fiscal day close required or maximum number of tickets per invoice exceeded"
)

// Shared printer status messages.
const (
	MsgPrinterFailure    = "printer error or failure"
	MsgPrinterOffline    = "printer offline"
	MsgPrinterBufferFull = "printer buffer full"
	MsgPrinterCoverOpen  = "printer cover open"
	MsgPrinterOutOfPaper = "printer out of paper"
)

// HasarFiscal is the fiscal status table of Hasar devices.
//
// The first entry is the legacy aggregate mask of the device firmware
// tables. It evaluates to bit 8, so a word with bit 8 set reports both
// "fiscal memory full" and "fiscal memory almost full".
var HasarFiscal = Table{
	{Mask: 1 << 8, Message: MsgFiscalMemoryFull},
	{Mask: 1 << 0, Message: MsgFiscalMemoryError},
	{Mask: 1 << 1, Message: MsgWorkingMemoryError},
	{Mask: 1 << 2, Message: MsgLowBattery},
	{Mask: 1 << 3, Message: MsgUnknownCommand},
	{Mask: 1 << 4, Message: MsgInvalidDataField},
	{Mask: 1 << 5, Message: MsgInvalidFiscalState},
	{Mask: 1 << 6, Message: MsgTotalsOverflow},
	{Mask: 1 << 7, Message: MsgFiscalMemoryFull},
	{Mask: 1 << 8, Message: MsgFiscalMemoryAlmostFull},
	{Mask: 1 << 11, Message: MsgDailyCloseRequired},
}

// HasarPrinter is the printer status table of Hasar devices.
var HasarPrinter = Table{
	{Mask: 1 << 2, Message: MsgPrinterFailure},
	{Mask: 1 << 3, Message: MsgPrinterOffline},
	{Mask: 1 << 6, Message: MsgPrinterBufferFull},
	{Mask: 1 << 8, Message: MsgPrinterCoverOpen},
}

// EpsonFiscal is the fiscal status table of Epson devices.
var EpsonFiscal = Table{
	{Mask: 1 << 0, Message: MsgFiscalMemoryError},
	{Mask: 1 << 1, Message: MsgWorkingMemoryError},
	{Mask: 1 << 2, Message: MsgLowBattery},
	{Mask: 1 << 3, Message: MsgUnknownCommand},
	{Mask: 1 << 4, Message: MsgInvalidDataField},
	{Mask: 1 << 5, Message: MsgInvalidFiscalState},
	{Mask: 1 << 6, Message: MsgTotalsOverflow},
	{Mask: 1 << 7, Message: MsgFiscalMemoryFull},
	{Mask: 1 << 8, Message: MsgFiscalMemoryAlmostFull},
	{Mask: 1 << 11, Message: MsgDailyCloseRequired},
}

// EpsonPrinter is the printer status table of Epson devices.
var EpsonPrinter = Table{
	{Mask: 1 << 2, Message: MsgPrinterFailure},
	{Mask: 1 << 3, Message: MsgPrinterOffline},
	{Mask: 1 << 6, Message: MsgPrinterBufferFull},
	{Mask: 1 << 14, Message: MsgPrinterOutOfPaper},
}

// Family groups the two status tables of a device family.
type Family struct {
	Name    string
	Fiscal  Table
	Printer Table
}

var (
	Hasar = Family{Name: "hasar", Fiscal: HasarFiscal, Printer: HasarPrinter}
	Epson = Family{Name: "epson", Fiscal: EpsonFiscal, Printer: EpsonPrinter}
)

// LookupFamily returns the family registered under name (case-insensitive).
func LookupFamily(name string) (Family, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case Hasar.Name:
		return Hasar, nil
	case Epson.Name:
		return Epson, nil
	default:
		return Family{}, fmt.Errorf("status: unknown device family %q", name)
	}
}
