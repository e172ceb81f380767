package discover

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paxapos/fiscalberry-sub001/command"
)

func TestDiscoverer_SendOnce(t *testing.T) {
	var hits atomic.Int32
	requests := make(chan Request, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, Path, r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "application/json", r.Header.Get("Accept"))

		var req Request
		body, _ := io.ReadAll(r.Body)
		assert.NoError(t, json.Unmarshal(body, &req))
		requests <- req
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d, err := New(srv.URL+"/", "dev-1")
	require.NoError(t, err)
	assert.Equal(t, srv.URL+Path, d.URL())

	data := map[string]any{"printers": []string{"caja"}}
	sent, err := d.Send(context.Background(), data)
	require.NoError(t, err)
	assert.True(t, sent)
	assert.True(t, d.Sent())

	got := <-requests
	assert.Equal(t, "dev-1", got.UUID)
	assert.JSONEq(t, `{"printers":["caja"]}`, got.RawData)

	sent, err = d.Send(context.Background(), data)
	require.NoError(t, err)
	assert.False(t, sent)
	assert.Equal(t, int32(1), hits.Load())

	d.Reset()
	sent, err = d.Send(context.Background(), data)
	require.NoError(t, err)
	assert.True(t, sent)
	assert.Equal(t, int32(2), hits.Load())
}

func TestDiscoverer_Rejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "unknown device", http.StatusNotFound)
	}))
	defer srv.Close()

	d, err := New(srv.URL, "dev-1")
	require.NoError(t, err)

	sent, err := d.Send(context.Background(), nil)
	assert.True(t, sent)
	require.ErrorIs(t, err, ErrRejected)
	assert.Contains(t, err.Error(), "404")
}

func TestDiscoverer_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	d, err := New(url, "dev-1")
	require.NoError(t, err)

	_, err = d.Send(context.Background(), map[string]any{})
	require.ErrorIs(t, err, command.ErrTransport)
	assert.True(t, d.Sent())
}

func TestNew_Validation(t *testing.T) {
	_, err := New("", "dev-1")
	require.ErrorIs(t, err, command.ErrConfiguration)

	_, err = New("http://hub", "")
	require.ErrorIs(t, err, command.ErrConfiguration)
}
