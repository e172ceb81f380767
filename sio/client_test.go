package sio_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/paxapos/fiscalberry-sub001/sio"
	"github.com/paxapos/fiscalberry-sub001/sio/siotest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testNamespace = "/paxaprinter"
	waitTimeout   = 2 * time.Second
)

func newTestClient(t *testing.T, srv *siotest.Server, mutate func(*sio.Config)) *sio.Client {
	t.Helper()

	cfg := sio.Config{
		URL:               srv.URL,
		Namespace:         testNamespace,
		Header:            http.Header{"X-Uuid": {"dev-1"}},
		ReconnectDelay:    10 * time.Millisecond,
		ReconnectDelayMax: 40 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	c, err := sio.NewClient(cfg)
	require.NoError(t, err)

	return c
}

func runClient(t *testing.T, c *sio.Client) (context.CancelFunc, <-chan error) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		done <- c.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-finished
	})

	return cancel, done
}

func TestClient_ConnectJoinAndCommand(t *testing.T) {
	srv := siotest.NewServer(testNamespace)
	defer srv.Close()

	c := newTestClient(t, srv, nil)
	c.OnConnect(func(context.Context) {
		assert.NoError(t, c.Emit("join", map[string]string{"uuid": "dev-1"}))
	})
	c.On("command", func(_ context.Context, args []json.RawMessage) []any {
		var body map[string]any
		if len(args) == 0 || json.Unmarshal(args[0], &body) != nil {
			return []any{map[string]string{"err": "bad payload"}}
		}

		return []any{map[string]any{"echo": body["commandNumber"]}}
	})
	runClient(t, c)

	conn, err := srv.Accept(waitTimeout)
	require.NoError(t, err)
	assert.Equal(t, "dev-1", conn.Header().Get("X-Uuid"))

	_, name, args, err := conn.ReadEvent(waitTimeout)
	require.NoError(t, err)
	assert.Equal(t, "join", name)
	require.Len(t, args, 1)
	assert.JSONEq(t, `{"uuid":"dev-1"}`, string(args[0]))
	assert.True(t, c.Connected())

	id, err := conn.EmitWithAck("command", map[string]any{"commandNumber": 42})
	require.NoError(t, err)
	ack, err := conn.ReadAck(id, waitTimeout)
	require.NoError(t, err)
	require.Len(t, ack, 1)
	assert.JSONEq(t, `{"echo":42}`, string(ack[0]))

	require.NoError(t, conn.Ping(waitTimeout))
}

func TestClient_EmitWithAck(t *testing.T) {
	srv := siotest.NewServer(testNamespace)
	defer srv.Close()

	c := newTestClient(t, srv, nil)
	runClient(t, c)

	conn, err := srv.Accept(waitTimeout)
	require.NoError(t, err)
	require.Eventually(t, c.Connected, waitTimeout, 5*time.Millisecond)

	go func() {
		p, name, _, err := conn.ReadEvent(waitTimeout)
		if err == nil && name == "status" && p.HasID {
			_ = conn.Ack(p.ID, "ok")
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()

	args, err := c.EmitWithAck(ctx, "status")
	require.NoError(t, err)
	require.Len(t, args, 1)
	assert.JSONEq(t, `"ok"`, string(args[0]))
}

func TestClient_EmitWhileDisconnected(t *testing.T) {
	srv := siotest.NewServer(testNamespace)
	defer srv.Close()

	c := newTestClient(t, srv, nil)
	assert.ErrorIs(t, c.Emit("join"), sio.ErrNotConnected)
}

func TestClient_ReconnectsAfterTransportLoss(t *testing.T) {
	srv := siotest.NewServer(testNamespace)
	defer srv.Close()

	c := newTestClient(t, srv, nil)

	var connects, disconnects, reconnects atomic.Int32
	c.OnConnect(func(context.Context) { connects.Add(1) })
	c.OnDisconnect(func(error) { disconnects.Add(1) })
	c.OnReconnecting(func(int, time.Duration) { reconnects.Add(1) })
	runClient(t, c)

	first, err := srv.Accept(waitTimeout)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return connects.Load() == 1 }, waitTimeout, 5*time.Millisecond)

	require.NoError(t, first.Drop())

	_, err = srv.Accept(waitTimeout)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return connects.Load() == 2 }, waitTimeout, 5*time.Millisecond)
	assert.Equal(t, int32(1), disconnects.Load())
	assert.GreaterOrEqual(t, reconnects.Load(), int32(1))
}

func TestClient_ServerDisconnectEndsRun(t *testing.T) {
	srv := siotest.NewServer(testNamespace)
	defer srv.Close()

	c := newTestClient(t, srv, nil)
	_, done := runClient(t, c)

	conn, err := srv.Accept(waitTimeout)
	require.NoError(t, err)
	require.Eventually(t, c.Connected, waitTimeout, 5*time.Millisecond)
	require.NoError(t, conn.DisconnectNamespace())

	select {
	case err := <-done:
		assert.ErrorIs(t, err, sio.ErrServerDisconnect)
	case <-time.After(waitTimeout):
		t.Fatal("Run did not return")
	}
	assert.False(t, c.Connected())
}

func TestClient_GivesUpAfterMaxReconnects(t *testing.T) {
	srv := siotest.NewServer(testNamespace)
	defer srv.Close()
	srv.RejectConnect.Store(true)

	c := newTestClient(t, srv, func(cfg *sio.Config) { cfg.MaxReconnects = 2 })

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()

	err := c.Run(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, sio.ErrConnectRefused), "got %v", err)
}

func TestClient_StopsOnContextCancel(t *testing.T) {
	srv := siotest.NewServer(testNamespace)
	defer srv.Close()

	c := newTestClient(t, srv, nil)
	cancel, done := runClient(t, c)

	conn, err := srv.Accept(waitTimeout)
	require.NoError(t, err)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(waitTimeout):
		t.Fatal("Run did not return")
	}

	select {
	case <-conn.Done():
	case <-time.After(waitTimeout):
		t.Fatal("server connection still open")
	}
}
