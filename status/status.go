// Package status decodes the 16-bit printer and fiscal status words reported
// by fiscal printers into human-readable messages.
package status

import (
	"fmt"
	"strconv"
	"strings"
)

// Error is one entry of a status table: a bit mask and the message reported
// when any of its bits is set.
type Error struct {
	Mask    uint16
	Message string
}

// Table is an ordered list of status errors. Tables are static and must not
// be modified once published.
type Table []Error

// Decode returns the messages of every entry in t whose mask shares at least
// one bit with word, in table order.
//
// Overlapping masks may yield more than one message for the same bit.
// Decode(0, t) is always empty.
func Decode(word uint16, t Table) []string {
	if word == 0 {
		return nil
	}

	var msgs []string
	for _, e := range t {
		if word&e.Mask != 0 {
			msgs = append(msgs, e.Message)
		}
	}

	return msgs
}

// ParseWord parses a status word encoded as hexadecimal text, as carried in
// reply fields. Surrounding whitespace is ignored and an empty string yields 0.
func ParseWord(s string) (uint16, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}

	v, err := strconv.ParseUint(s, 16, 16)
	if err != nil {
		return 0, fmt.Errorf("status: invalid status word %q: %w", s, err)
	}

	return uint16(v), nil
}
