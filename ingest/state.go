// Package ingest feeds commands from the message queue and the socket hub
// into a dispatcher, recovering from transport failures until stopped.
package ingest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/looplab/fsm"

	"github.com/paxapos/fiscalberry-sub001/logger"
)

// State is the connection state of a channel.
type State uint32

const (
	// Disconnected is the initial state, before the first connection attempt.
	Disconnected State = iota
	// Connecting means a connection attempt is in progress.
	Connecting
	// Connected means the channel is receiving commands.
	Connected
	// Reconnecting means the connection was lost and the channel waits to retry.
	Reconnecting
	// Stopped is terminal and only reached through an explicit stop.
	Stopped
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

func parseState(name string) State {
	for s := Disconnected; s <= Stopped; s++ {
		if s.String() == name {
			return s
		}
	}

	return Stopped
}

// state machine events
const (
	evDial        = "dial"
	evEstablished = "established"
	evLost        = "lost"
	evStop        = "stop"
)

// StateChangeHandler is invoked after every state change.
//
// Handlers run synchronously with the state lock held and must not call
// back into the StateMgr.
type StateChangeHandler func(prev State, next State)

// StateMgr tracks the connection state of one channel and validates every
// transition against the channel state machine.
type StateMgr struct {
	mu       sync.Mutex
	cond     *sync.Cond
	machine  *fsm.FSM
	state    atomic.Uint32
	logger   logger.Logger
	handlers []StateChangeHandler
}

// NewStateMgr creates a StateMgr in the Disconnected state.
func NewStateMgr(l logger.Logger, handlers ...StateChangeHandler) *StateMgr {
	if l == nil {
		l = logger.GetLogger()
	}

	all := []string{Disconnected.String(), Connecting.String(), Connected.String(), Reconnecting.String()}
	sm := &StateMgr{
		logger: l,
		machine: fsm.NewFSM(
			Disconnected.String(),
			fsm.Events{
				{Name: evDial, Src: []string{Disconnected.String(), Reconnecting.String()}, Dst: Connecting.String()},
				{Name: evEstablished, Src: []string{Connecting.String()}, Dst: Connected.String()},
				{Name: evLost, Src: []string{Connecting.String(), Connected.String()}, Dst: Reconnecting.String()},
				{Name: evStop, Src: all, Dst: Stopped.String()},
			},
			fsm.Callbacks{},
		),
	}
	sm.cond = sync.NewCond(&sm.mu)
	sm.state.Store(uint32(Disconnected))
	sm.handlers = append(sm.handlers, handlers...)

	return sm
}

// State returns the current state.
func (sm *StateMgr) State() State {
	return State(sm.state.Load())
}

// IsConnected reports whether the channel is connected.
func (sm *StateMgr) IsConnected() bool { return sm.State() == Connected }

// IsStopped reports whether the channel was stopped.
func (sm *StateMgr) IsStopped() bool { return sm.State() == Stopped }

// AddHandler registers state change handlers.
func (sm *StateMgr) AddHandler(handlers ...StateChangeHandler) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	sm.handlers = append(sm.handlers, handlers...)
}

// ToConnecting moves Disconnected or Reconnecting to Connecting.
func (sm *StateMgr) ToConnecting() error { return sm.fire(evDial) }

// ToConnected moves Connecting to Connected.
func (sm *StateMgr) ToConnected() error { return sm.fire(evEstablished) }

// ToReconnecting moves Connecting or Connected to Reconnecting.
func (sm *StateMgr) ToReconnecting() error { return sm.fire(evLost) }

// ToStopped moves any state to Stopped. It is a no-op once stopped.
func (sm *StateMgr) ToStopped() {
	if err := sm.fire(evStop); err != nil {
		sm.logger.Debug("already stopped")
	}
}

// WaitState blocks until the state equals s or ctx is done.
func (sm *StateMgr) WaitState(ctx context.Context, s State) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.State() == s {
		return nil
	}

	stop := context.AfterFunc(ctx, func() {
		sm.mu.Lock()
		defer sm.mu.Unlock()
		sm.cond.Broadcast()
	})
	defer stop()

	for sm.State() != s {
		if err := ctx.Err(); err != nil {
			return err
		}
		sm.cond.Wait()
	}

	return nil
}

func (sm *StateMgr) fire(event string) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	prev := sm.State()
	if err := sm.machine.Event(context.Background(), event); err != nil {
		return fmt.Errorf("%w: %s from %s: %w", ErrInvalidTransition, event, prev, err)
	}

	next := parseState(sm.machine.Current())
	sm.state.Store(uint32(next))
	sm.cond.Broadcast()

	sm.logger.Debug("channel state changed", "prev", prev.String(), "state", next.String())
	for _, h := range sm.handlers {
		if h != nil {
			h(prev, next)
		}
	}

	return nil
}
