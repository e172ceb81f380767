// Package discover registers the device with the hub by posting its
// configuration once per process.
package discover

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/paxapos/fiscalberry-sub001/command"
	"github.com/paxapos/fiscalberry-sub001/logger"
)

// Path is appended to the hub host.
const Path = "/discover.json"

// DefaultTimeout bounds one registration request.
const DefaultTimeout = 10 * time.Second

// ErrRejected is returned when the hub answers with a status other than 200.
var ErrRejected = errors.New("discover: registration rejected")

// Request is the registration body.
type Request struct {
	UUID string `json:"uuid"`
	// RawData is the JSON encoded device configuration.
	RawData string `json:"raw_data"`
}

// Option customizes a Discoverer.
type Option func(*Discoverer)

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(d *Discoverer) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(d *Discoverer) {
		if c != nil {
			d.client = c
		}
	}
}

// Discoverer posts the registration at most once until Reset.
type Discoverer struct {
	url    string
	uuid   string
	client *http.Client
	logger logger.Logger
	sent   atomic.Bool
}

// New creates a Discoverer for the hub at host.
func New(host, uuid string, opts ...Option) (*Discoverer, error) {
	if host == "" {
		return nil, fmt.Errorf("%w: discover needs the hub host", command.ErrConfiguration)
	}
	if uuid == "" {
		return nil, fmt.Errorf("%w: discover needs the device uuid", command.ErrConfiguration)
	}

	d := &Discoverer{
		url:    strings.TrimRight(host, "/") + Path,
		uuid:   uuid,
		client: &http.Client{Timeout: DefaultTimeout},
		logger: logger.GetLogger(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With("component", "discover")

	return d, nil
}

// URL returns the registration endpoint.
func (d *Discoverer) URL() string { return d.url }

// Sent reports whether a registration was attempted since creation or the last Reset.
func (d *Discoverer) Sent() bool { return d.sent.Load() }

// Reset allows the next Send to post again.
func (d *Discoverer) Reset() { d.sent.Store(false) }

// Send posts data as the device configuration. It reports whether a
// request was made; later calls are no-ops until Reset.
func (d *Discoverer) Send(ctx context.Context, data any) (bool, error) {
	if !d.sent.CompareAndSwap(false, true) {
		return false, nil
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return true, fmt.Errorf("discover: encode raw data: %w", err)
	}
	body, err := json.Marshal(Request{UUID: d.uuid, RawData: string(raw)})
	if err != nil {
		return true, fmt.Errorf("discover: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(body))
	if err != nil {
		return true, fmt.Errorf("discover: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		d.logger.Error("cannot reach discover endpoint", "url", d.url, "error", err)
		return true, fmt.Errorf("%w: discover %s: %w", command.ErrTransport, d.url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		text, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		d.logger.Error("discover registration rejected", "url", d.url, "status", resp.StatusCode, "body", string(text))

		return true, fmt.Errorf("%w: status %d", ErrRejected, resp.StatusCode)
	}
	_, _ = io.Copy(io.Discard, resp.Body)

	d.logger.Info("device registered", "url", d.url, "uuid", d.uuid)

	return true, nil
}
