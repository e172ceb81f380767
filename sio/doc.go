// Package sio is a Socket.IO v5 client over the Engine.IO v4 websocket
// transport.
//
// Only text packets are supported. The client connects to a single
// namespace, answers server pings, dispatches events to registered handlers
// one at a time, and reconnects after transport failures until its context
// is cancelled. A namespace disconnect sent by the server ends Run with
// ErrServerDisconnect.
package sio
