package translator

import (
	"fmt"
	"strings"

	"github.com/paxapos/fiscalberry-sub001/command"
)

// Passthrough forwards the command number and fields unchanged.
type Passthrough struct{}

var _ Translator = Passthrough{}

func (Passthrough) Variant() Variant { return VariantPassthrough }

func (Passthrough) Translate(cmd *command.Command) ([]command.Call, error) {
	if cmd == nil {
		return nil, fmt.Errorf("%w: nil command", command.ErrTranslation)
	}

	return []command.Call{callOf(cmd)}, nil
}

// fiscalControlChars are bytes reserved by the fiscal framing.
const fiscalControlChars = "\x02\x03\x1c"

// Fiscal forwards commands like Passthrough, rejecting fields that carry
// bytes reserved by the fiscal frame layout.
type Fiscal struct{}

var _ Translator = Fiscal{}

func (Fiscal) Variant() Variant { return VariantFiscal }

func (Fiscal) Translate(cmd *command.Command) ([]command.Call, error) {
	if cmd == nil {
		return nil, fmt.Errorf("%w: nil command", command.ErrTranslation)
	}

	call := callOf(cmd)
	for i, f := range call.Fields {
		if strings.ContainsAny(f, fiscalControlChars) {
			return nil, fmt.Errorf("%w: field %d contains a frame control byte", command.ErrTranslation, i)
		}
	}

	return []command.Call{call}, nil
}
