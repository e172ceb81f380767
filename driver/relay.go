package driver

import (
	"bytes"
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/html/charset"

	"github.com/paxapos/fiscalberry-sub001/command"
	"github.com/paxapos/fiscalberry-sub001/logger"
)

// Relay body formats.
const (
	FormatJSON = "json"
	FormatXML  = "xml"
)

// Relay defaults.
const (
	DefaultRelayPort    = 12000
	DefaultRelayPath    = "api"
	DefaultRelayTimeout = 3 * time.Second
	maxRelayReplySize   = 1 << 20
)

// RelayConfig configures a RelayDriver.
type RelayConfig struct {
	URL         string
	Format      string
	Timeout     time.Duration
	Username    string
	Password    string
	PrinterName string
}

// RelayDriver forwards calls to a remote relay over HTTP.
//
// Transport failures never surface as errors: they are logged and the call
// returns a Reply with TransportErr set.
type RelayDriver struct {
	cfg    RelayConfig
	client *http.Client
	logger logger.Logger
}

var _ Driver = (*RelayDriver)(nil)

// NewRelayDriver creates a RelayDriver. A nil client gets one with cfg.Timeout.
func NewRelayDriver(cfg RelayConfig, client *http.Client, l logger.Logger) (*RelayDriver, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("%w: invalid relay url %q", command.ErrConfiguration, cfg.URL)
	}

	switch cfg.Format {
	case "":
		cfg.Format = FormatJSON
	case FormatJSON, FormatXML:
	default:
		return nil, fmt.Errorf("%w: unknown relay format %q", command.ErrConfiguration, cfg.Format)
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultRelayTimeout
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	if l == nil {
		l = logger.GetLogger()
	}

	return &RelayDriver{cfg: cfg, client: client, logger: l}, nil
}

// newRelayFromParams accepts either "url", or "host" with optional "port",
// "scheme" and "path" (default http://host:12000/api).
func newRelayFromParams(p Params, o *options) (Driver, error) {
	rawURL := p.String("url", "")
	if rawURL == "" {
		host, err := p.Required("host")
		if err != nil {
			return nil, err
		}
		port, err := p.Int("port", DefaultRelayPort)
		if err != nil {
			return nil, err
		}
		rawURL = fmt.Sprintf("%s://%s:%s/%s",
			p.String("scheme", "http"), host, strconv.Itoa(port),
			strings.TrimPrefix(p.String("path", DefaultRelayPath), "/"))
	}

	timeout, err := p.Duration("timeout", DefaultRelayTimeout)
	if err != nil {
		return nil, err
	}

	return NewRelayDriver(RelayConfig{
		URL:         rawURL,
		Format:      strings.ToLower(p.String("format", FormatJSON)),
		Timeout:     timeout,
		Username:    p.String("username", ""),
		Password:    p.String("password", ""),
		PrinterName: p.String("printer_name", ""),
	}, o.httpClient, o.logger)
}

func (d *RelayDriver) Start(context.Context) error     { return nil }
func (d *RelayDriver) Reconnect(context.Context) error { return nil }
func (d *RelayDriver) Close() error                    { return nil }

// relayRequest is the XML body of a relayed call.
type relayRequest struct {
	XMLName xml.Name `xml:"command"`
	command.Call
}

// relayReply is the reply body understood by the relay driver, in JSON or XML.
type relayReply struct {
	XMLName xml.Name `json:"-" xml:"reply"`
	Fields  []string `json:"fields" xml:"fields>field"`
}

// SendCommand POSTs the call to the relay and returns its reply.
func (d *RelayDriver) SendCommand(ctx context.Context, call command.Call) (*command.Reply, error) {
	if d.cfg.PrinterName != "" {
		call.PrinterName = d.cfg.PrinterName
	}
	if call.Fields == nil {
		call.Fields = []string{}
	}

	body, contentType, err := d.encode(call)
	if err != nil {
		return nil, fmt.Errorf("%w: encode relay request: %w", command.ErrTranslation, err)
	}

	ctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: build relay request: %w", command.ErrConfiguration, err)
	}
	req.Header.Set("Content-Type", contentType)
	if d.cfg.Username != "" || d.cfg.Password != "" {
		req.SetBasicAuth(d.cfg.Username, d.cfg.Password)
	}

	d.logger.Debug("relaying command", "url", d.cfg.URL, "commandNumber", call.Number)

	resp, err := d.client.Do(req)
	if err != nil {
		return d.swallow(fmt.Errorf("%w: relay %s: %w", command.ErrTransport, d.cfg.URL, err)), nil
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxRelayReplySize))
	if err != nil {
		return d.swallow(fmt.Errorf("%w: read relay reply: %w", command.ErrTransport, err)), nil
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return d.swallow(fmt.Errorf("%w: relay %s answered %s", command.ErrTransport, d.cfg.URL, resp.Status)), nil
	}

	reply := &command.Reply{Raw: raw}
	if fields, err := d.decode(raw, resp.Header.Get("Content-Type")); err != nil {
		d.logger.Debug("relay reply is not structured", "error", err)
	} else {
		reply.Fields = fields
	}

	return reply, nil
}

func (d *RelayDriver) swallow(err error) *command.Reply {
	d.logger.Warn("relay call failed, continuing", "url", d.cfg.URL, "error", err)
	return &command.Reply{TransportErr: err}
}

func (d *RelayDriver) encode(call command.Call) ([]byte, string, error) {
	if d.cfg.Format == FormatXML {
		data, err := xml.Marshal(relayRequest{Call: call})
		if err != nil {
			return nil, "", err
		}

		return append([]byte(xml.Header), data...), "application/xml", nil
	}

	data, err := json.Marshal(call)

	return data, "application/json", err
}

// decode extracts reply fields. XML replies may declare any charset.
func (d *RelayDriver) decode(raw []byte, contentType string) ([]string, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}

	var out relayReply
	if strings.Contains(contentType, "xml") || (d.cfg.Format == FormatXML && !strings.Contains(contentType, "json")) {
		dec := xml.NewDecoder(bytes.NewReader(raw))
		dec.CharsetReader = charset.NewReaderLabel
		if err := dec.Decode(&out); err != nil {
			return nil, err
		}

		return out.Fields, nil
	}

	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}

	return out.Fields, nil
}
