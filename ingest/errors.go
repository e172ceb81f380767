package ingest

import (
	"errors"

	"github.com/paxapos/fiscalberry-sub001/sio"
)

var (
	// ErrInvalidTransition is returned for a state change the channel state machine does not allow.
	ErrInvalidTransition = errors.New("ingest: invalid state transition")

	// ErrNotConnected is the socket reply for commands received while not connected.
	ErrNotConnected = errors.New("ingest: channel not connected")

	// ErrDispatchPanic wraps a panic raised while processing one command.
	ErrDispatchPanic = errors.New("ingest: panic while processing command")

	// ErrServerDisconnect ends the socket channel when the hub drops the namespace.
	ErrServerDisconnect = sio.ErrServerDisconnect
)
