package protocol

import (
	"sync/atomic"
)

// EngineMetrics contains atomic counters of an Engine.
type EngineMetrics struct {
	// FrameSendCount indicates the number of frame transmissions, resends included.
	FrameSendCount atomic.Uint64
	// NakCount indicates the number of NAKs received.
	NakCount atomic.Uint64
	// AckTimeoutCount indicates the number of frames that got neither ACK nor NAK in time.
	AckTimeoutCount atomic.Uint64
	// ReplyCount indicates the number of valid replies received.
	ReplyCount atomic.Uint64
	// BadReplyCount indicates the number of replies rejected for checksum or layout.
	BadReplyCount atomic.Uint64
	// StaleReplyCount indicates the number of replies ignored for a sequence mismatch.
	StaleReplyCount atomic.Uint64
	// ExchangeErrCount indicates the number of failed exchanges.
	ExchangeErrCount atomic.Uint64
}

func (m *EngineMetrics) incFrameSendCount()   { m.FrameSendCount.Add(1) }
func (m *EngineMetrics) incNakCount()         { m.NakCount.Add(1) }
func (m *EngineMetrics) incAckTimeoutCount()  { m.AckTimeoutCount.Add(1) }
func (m *EngineMetrics) incReplyCount()       { m.ReplyCount.Add(1) }
func (m *EngineMetrics) incBadReplyCount()    { m.BadReplyCount.Add(1) }
func (m *EngineMetrics) incStaleReplyCount()  { m.StaleReplyCount.Add(1) }
func (m *EngineMetrics) incExchangeErrCount() { m.ExchangeErrCount.Add(1) }
