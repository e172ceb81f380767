package driver

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/paxapos/fiscalberry-sub001/command"
)

// Params holds the string parameters of a driver configuration.
type Params map[string]string

// String returns the trimmed value of key, or def when it is missing or empty.
func (p Params) String(key, def string) string {
	if v, ok := p[key]; ok {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}

	return def
}

// Required returns the value of key, failing with a configuration error when it is empty.
func (p Params) Required(key string) (string, error) {
	v := p.String(key, "")
	if v == "" {
		return "", fmt.Errorf("%w: driver parameter %q is required", command.ErrConfiguration, key)
	}

	return v, nil
}

// Int returns key parsed as an integer, or def when it is missing.
func (p Params) Int(key string, def int) (int, error) {
	v := p.String(key, "")
	if v == "" {
		return def, nil
	}

	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%w: driver parameter %q: %w", command.ErrConfiguration, key, err)
	}

	return n, nil
}

// Duration returns key parsed as a duration, or def when it is missing.
// Plain integers are taken as seconds.
func (p Params) Duration(key string, def time.Duration) (time.Duration, error) {
	v := p.String(key, "")
	if v == "" {
		return def, nil
	}

	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second, nil
	}

	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%w: driver parameter %q: %w", command.ErrConfiguration, key, err)
	}

	return d, nil
}

// Bool returns key parsed as a boolean, or def when it is missing.
func (p Params) Bool(key string, def bool) (bool, error) {
	v := p.String(key, "")
	if v == "" {
		return def, nil
	}

	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%w: driver parameter %q: %w", command.ErrConfiguration, key, err)
	}

	return b, nil
}
