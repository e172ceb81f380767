// Package translator converts device-agnostic commands into the call
// sequence a driver understands.
package translator

import (
	"fmt"
	"slices"

	"github.com/paxapos/fiscalberry-sub001/command"
)

// Translator maps one logical command to one or more driver calls.
//
// Translate must not retain cmd and fails with an error matching
// command.ErrTranslation when cmd cannot be mapped.
type Translator interface {
	Variant() Variant
	Translate(cmd *command.Command) ([]command.Call, error)
}

// Variant is the static tag selecting a translator implementation.
type Variant string

const (
	VariantPassthrough Variant = "passthrough"
	VariantFiscal      Variant = "fiscal"
	VariantEscPOS      Variant = "escpos"
)

var registry = map[Variant]func() Translator{
	VariantPassthrough: func() Translator { return Passthrough{} },
	VariantFiscal:      func() Translator { return Fiscal{} },
	VariantEscPOS:      func() Translator { return NewEscPOS(nil) },
}

// New returns the translator registered for v.
func New(v Variant) (Translator, error) {
	ctor, ok := registry[v]
	if !ok {
		return nil, fmt.Errorf("%w: unknown translator %q", command.ErrConfiguration, v)
	}

	return ctor(), nil
}

// Variants returns the registered translator tags in sorted order.
func Variants() []Variant {
	out := make([]Variant, 0, len(registry))
	for v := range registry {
		out = append(out, v)
	}
	slices.Sort(out)

	return out
}

func callOf(cmd *command.Command) command.Call {
	return command.Call{
		Number:           cmd.Number(),
		Fields:           cmd.Fields(),
		SkipStatusErrors: cmd.SkipStatusErrors(),
		PrinterName:      cmd.PrinterName(),
	}
}
