package translator

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/transform"

	"github.com/paxapos/fiscalberry-sub001/command"
)

// ESC/POS operation numbers, carried in the command number.
const (
	OpInit   = 0x00 // reset printer
	OpText   = 0x01 // print fields, one per line
	OpBold   = 0x02 // fields[0]: "1" on, "0" off
	OpFeed   = 0x03 // fields[0]: lines to feed, default 1
	OpCut    = 0x04 // fields[0]: "partial" for a partial cut
	OpDrawer = 0x05 // kick the cash drawer
	OpRaw    = 0x06 // fields are hex-encoded bytes sent as they are
	OpTicket = 0x10 // init, text, feed and cut
)

// ticketFeedLines is the paper fed before the cut of a ticket.
const ticketFeedLines = 3

var (
	escInit      = []byte{0x1B, '@'}
	escDrawer    = []byte{0x1B, 'p', 0x00, 25, 250}
	gsCutFull    = []byte{0x1D, 'V', 0x00}
	gsCutPartial = []byte{0x1D, 'V', 0x01}
)

// EscPOS renders commands as ESC/POS byte streams for raw drivers.
type EscPOS struct {
	charset *charmap.Charmap
	encoder *encoding.Encoder
}

var _ Translator = (*EscPOS)(nil)

// NewEscPOS creates an ESC/POS translator encoding text with cm.
// A nil cm selects code page 858.
func NewEscPOS(cm *charmap.Charmap) *EscPOS {
	if cm == nil {
		cm = charmap.CodePage858
	}

	return &EscPOS{charset: cm, encoder: encoding.ReplaceUnsupported(cm.NewEncoder())}
}

func (t *EscPOS) Variant() Variant { return VariantEscPOS }

// Translate maps one operation to its byte sequence. OpTicket yields one
// call per step so drivers see initialization, text, feed and cut in order.
func (t *EscPOS) Translate(cmd *command.Command) ([]command.Call, error) {
	if cmd == nil {
		return nil, fmt.Errorf("%w: nil command", command.ErrTranslation)
	}
	fields := cmd.Fields()

	var payloads [][]byte
	switch cmd.Number() {
	case OpInit:
		payloads = [][]byte{escInit}

	case OpText:
		text, err := t.text(fields)
		if err != nil {
			return nil, err
		}
		payloads = [][]byte{text}

	case OpBold:
		on := len(fields) > 0 && fields[0] == "1"
		n := byte(0)
		if on {
			n = 1
		}
		payloads = [][]byte{{0x1B, 'E', n}}

	case OpFeed:
		n, err := feedLines(fields)
		if err != nil {
			return nil, err
		}
		payloads = [][]byte{{0x1B, 'd', n}}

	case OpCut:
		if len(fields) > 0 && strings.EqualFold(fields[0], "partial") {
			payloads = [][]byte{gsCutPartial}
		} else {
			payloads = [][]byte{gsCutFull}
		}

	case OpDrawer:
		payloads = [][]byte{escDrawer}

	case OpRaw:
		var raw []byte
		for i, f := range fields {
			b, err := hex.DecodeString(f)
			if err != nil {
				return nil, fmt.Errorf("%w: raw field %d: %w", command.ErrTranslation, i, err)
			}
			raw = append(raw, b...)
		}
		payloads = [][]byte{raw}

	case OpTicket:
		text, err := t.text(fields)
		if err != nil {
			return nil, err
		}
		payloads = [][]byte{escInit, text, {0x1B, 'd', ticketFeedLines}, gsCutFull}

	default:
		return nil, fmt.Errorf("%w: unknown escpos operation 0x%02X", command.ErrTranslation, cmd.Number())
	}

	calls := make([]command.Call, len(payloads))
	for i, p := range payloads {
		calls[i] = command.Call{
			Number:           cmd.Number(),
			SkipStatusErrors: cmd.SkipStatusErrors(),
			PrinterName:      cmd.PrinterName(),
			Payload:          p,
		}
	}

	return calls, nil
}

func (t *EscPOS) text(lines []string) ([]byte, error) {
	var sb strings.Builder
	for _, l := range lines {
		sb.WriteString(l)
		sb.WriteByte('\n')
	}

	res, _, err := transform.Bytes(t.encoder, []byte(sb.String()))
	if err != nil {
		return nil, fmt.Errorf("%w: encode text as %s: %w", command.ErrTranslation, t.charset, err)
	}

	return res, nil
}

func feedLines(fields []string) (byte, error) {
	if len(fields) == 0 || fields[0] == "" {
		return 1, nil
	}

	n, err := strconv.Atoi(fields[0])
	if err != nil || n < 0 || n > 255 {
		return 0, fmt.Errorf("%w: feed lines %q out of range [0, 255]", command.ErrTranslation, fields[0])
	}

	return byte(n), nil
}
