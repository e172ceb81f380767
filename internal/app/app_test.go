package app

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paxapos/fiscalberry-sub001/command"
	"github.com/paxapos/fiscalberry-sub001/config"
	"github.com/paxapos/fiscalberry-sub001/discover"
	"github.com/paxapos/fiscalberry-sub001/ingest"
	"github.com/paxapos/fiscalberry-sub001/sio/siotest"
)

const waitTimeout = 2 * time.Second

func testConfig(host string) *config.Config {
	cfg := config.Default()
	cfg.UUID = "dev-1"
	cfg.Socket.Host = host
	cfg.Socket.ReconnectDelay = 10 * time.Millisecond
	cfg.Socket.ReconnectDelayMax = 40 * time.Millisecond
	enabled, disabled := true, false
	cfg.Socket.Enabled = &enabled
	cfg.Queue.Enabled = &disabled
	cfg.Log.StatsInterval = 0
	cfg.Printers = []config.PrinterConfig{
		{Name: "caja", Translator: "passthrough", Driver: "null"},
		{Name: "cocina", Translator: "escpos", Driver: "null"},
	}
	cfg.DefaultPrinter = "caja"

	return cfg
}

func runApp(t *testing.T, a *App) (context.CancelFunc, <-chan error) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		done <- a.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-finished
	})

	return cancel, done
}

func TestNew_UnknownDriver(t *testing.T) {
	cfg := testConfig("http://hub")
	cfg.Printers = append(cfg.Printers, config.PrinterConfig{Name: "x", Translator: "passthrough", Driver: "laser"})

	_, err := New(cfg)
	require.ErrorIs(t, err, command.ErrConfiguration)
}

func TestNew_DisabledChannels(t *testing.T) {
	a, err := New(testConfig("http://hub"))
	require.NoError(t, err)

	assert.Nil(t, a.Queue())
	assert.NotNil(t, a.Socket())
	assert.Equal(t, []string{"caja", "cocina"}, a.Hub().Names())
	assert.Equal(t, "caja", a.Hub().DefaultName())
}

func TestApp_SocketCommandRoundTrip(t *testing.T) {
	srv := siotest.NewServer(ingest.DefaultNamespace)
	defer srv.Close()

	a, err := New(testConfig(srv.URL))
	require.NoError(t, err)
	cancel, done := runApp(t, a)

	conn, err := srv.Accept(waitTimeout)
	require.NoError(t, err)
	_, name, _, err := conn.ReadEvent(waitTimeout)
	require.NoError(t, err)
	require.Equal(t, ingest.EventJoin, name)

	ctx, stop := context.WithTimeout(context.Background(), waitTimeout)
	defer stop()
	require.NoError(t, a.Socket().State().WaitState(ctx, ingest.Connected))

	id, err := conn.EmitWithAck(ingest.EventCommand, map[string]any{
		"commandNumber": 0x10,
		"fields":        []string{"TOTAL 100.00"},
		"printerName":   "cocina",
	})
	require.NoError(t, err)
	args, err := conn.ReadAck(id, waitTimeout)
	require.NoError(t, err)
	require.Len(t, args, 1)

	var ack struct {
		Rta *command.Reply `json:"rta"`
		Err string         `json:"err"`
	}
	require.NoError(t, json.Unmarshal(args[0], &ack))
	assert.Empty(t, ack.Err)
	require.NotNil(t, ack.Rta)

	cocina, _ := a.Hub().Get("cocina")
	caja, _ := a.Hub().Get("caja")
	assert.Equal(t, uint64(1), cocina.Metrics().DispatchCount.Load())
	assert.Zero(t, caja.Metrics().DispatchCount.Load())

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(waitTimeout):
		t.Fatal("Run did not return")
	}
	assert.Equal(t, ingest.Stopped, a.Socket().State().State())
}

func TestApp_ServerDisconnectEndsRun(t *testing.T) {
	srv := siotest.NewServer(ingest.DefaultNamespace)
	defer srv.Close()

	a, err := New(testConfig(srv.URL))
	require.NoError(t, err)
	_, done := runApp(t, a)

	conn, err := srv.Accept(waitTimeout)
	require.NoError(t, err)
	_, _, _, err = conn.ReadEvent(waitTimeout)
	require.NoError(t, err)
	require.NoError(t, conn.DisconnectNamespace())

	select {
	case err := <-done:
		require.ErrorIs(t, err, ingest.ErrServerDisconnect)
	case <-time.After(waitTimeout):
		t.Fatal("Run did not return")
	}
}

func TestApp_Discover(t *testing.T) {
	bodies := make(chan discover.Request, 1)
	hub := siotest.NewServer(ingest.DefaultNamespace)
	defer hub.Close()

	disc := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req discover.Request
		data, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(data, &req)
		bodies <- req
	}))
	defer disc.Close()

	cfg := testConfig(hub.URL)
	cfg.Discover = true

	// discover posts to the hub host; point the client at the test endpoint
	a, err := New(cfg,
		WithPortLister(func() ([]string, error) { return []string{"/dev/ttyUSB0"}, nil }),
		WithDiscoverOptions(discover.WithHTTPClient(&http.Client{Transport: rewriteHost(disc.URL)})),
	)
	require.NoError(t, err)
	runApp(t, a)

	select {
	case req := <-bodies:
		assert.Equal(t, "dev-1", req.UUID)

		var desc Description
		require.NoError(t, json.Unmarshal([]byte(req.RawData), &desc))
		assert.Equal(t, []string{"/dev/ttyUSB0"}, desc.InstalledPrinters)
		assert.Equal(t, "caja", desc.DefaultPrinter)
		assert.Len(t, desc.Printers, 2)
	case <-time.After(waitTimeout):
		t.Fatal("discover was not sent")
	}
}

// rewriteHost sends every request to target.
type rewriteHost string

func (h rewriteHost) RoundTrip(r *http.Request) (*http.Response, error) {
	target, err := http.NewRequestWithContext(r.Context(), r.Method, string(h)+r.URL.Path, r.Body)
	if err != nil {
		return nil, err
	}
	target.Header = r.Header

	return http.DefaultTransport.RoundTrip(target)
}
