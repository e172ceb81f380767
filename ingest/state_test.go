package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paxapos/fiscalberry-sub001/logger"
)

func TestStateMgr_Transitions(t *testing.T) {
	rec := &stateRecorder{}
	sm := NewStateMgr(logger.GetLogger(), rec.handler)
	require.Equal(t, Disconnected, sm.State())

	require.NoError(t, sm.ToConnecting())
	require.NoError(t, sm.ToConnected())
	assert.True(t, sm.IsConnected())
	require.NoError(t, sm.ToReconnecting())
	require.NoError(t, sm.ToConnecting())
	require.NoError(t, sm.ToReconnecting())
	require.NoError(t, sm.ToConnecting())
	require.NoError(t, sm.ToConnected())
	sm.ToStopped()
	assert.True(t, sm.IsStopped())

	assert.Equal(t, []State{
		Connecting, Connected, Reconnecting, Connecting, Reconnecting, Connecting, Connected, Stopped,
	}, rec.snapshot())
}

func TestStateMgr_InvalidTransitions(t *testing.T) {
	tests := []struct {
		name  string
		setup []func(*StateMgr) error
		fire  func(*StateMgr) error
	}{
		{
			name: "connected from disconnected",
			fire: (*StateMgr).ToConnected,
		},
		{
			name: "reconnecting from disconnected",
			fire: (*StateMgr).ToReconnecting,
		},
		{
			name:  "connecting from connected",
			setup: []func(*StateMgr) error{(*StateMgr).ToConnecting, (*StateMgr).ToConnected},
			fire:  (*StateMgr).ToConnecting,
		},
		{
			name:  "connecting twice",
			setup: []func(*StateMgr) error{(*StateMgr).ToConnecting},
			fire:  (*StateMgr).ToConnecting,
		},
		{
			name:  "reconnecting twice",
			setup: []func(*StateMgr) error{(*StateMgr).ToConnecting, (*StateMgr).ToReconnecting},
			fire:  (*StateMgr).ToReconnecting,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sm := NewStateMgr(nil)
			for _, step := range tt.setup {
				require.NoError(t, step(sm))
			}
			before := sm.State()

			err := tt.fire(sm)
			require.ErrorIs(t, err, ErrInvalidTransition)
			assert.Equal(t, before, sm.State())
		})
	}
}

func TestStateMgr_StoppedIsTerminal(t *testing.T) {
	sm := NewStateMgr(nil)
	sm.ToStopped()
	sm.ToStopped()

	require.ErrorIs(t, sm.ToConnecting(), ErrInvalidTransition)
	require.ErrorIs(t, sm.ToConnected(), ErrInvalidTransition)
	require.ErrorIs(t, sm.ToReconnecting(), ErrInvalidTransition)
	assert.Equal(t, Stopped, sm.State())
}

func TestStateMgr_WaitState(t *testing.T) {
	sm := NewStateMgr(nil)

	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = sm.ToConnecting()
		_ = sm.ToConnected()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	require.NoError(t, sm.WaitState(ctx, Connected))
	require.NoError(t, sm.WaitState(ctx, Connected))
}

func TestStateMgr_WaitStateCanceled(t *testing.T) {
	sm := NewStateMgr(nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, sm.WaitState(ctx, Connected), context.DeadlineExceeded)
}

func TestStateMgr_AddHandler(t *testing.T) {
	sm := NewStateMgr(nil)
	rec := &stateRecorder{}
	sm.AddHandler(rec.handler, nil)

	require.NoError(t, sm.ToConnecting())
	assert.Equal(t, []State{Connecting}, rec.snapshot())
}

func TestState_String(t *testing.T) {
	for s := Disconnected; s <= Stopped; s++ {
		assert.Equal(t, s, parseState(s.String()))
	}
	assert.Equal(t, "unknown", State(42).String())
}
