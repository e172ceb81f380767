package ingest

import "sync/atomic"

// ChannelMetrics holds the counters of one ingestion channel.
type ChannelMetrics struct {
	ReceivedCount    atomic.Uint64
	AckCount         atomic.Uint64
	NackCount        atomic.Uint64
	DeadLetterCount  atomic.Uint64
	DispatchErrCount atomic.Uint64
	ConnAttemptCount atomic.Uint64
	ConnFailCount    atomic.Uint64
	ConnRetryGauge   atomic.Uint32
}

func (m *ChannelMetrics) incReceivedCount()    { m.ReceivedCount.Add(1) }
func (m *ChannelMetrics) incAckCount()         { m.AckCount.Add(1) }
func (m *ChannelMetrics) incNackCount()        { m.NackCount.Add(1) }
func (m *ChannelMetrics) incDeadLetterCount()  { m.DeadLetterCount.Add(1) }
func (m *ChannelMetrics) incDispatchErrCount() { m.DispatchErrCount.Add(1) }
func (m *ChannelMetrics) incConnAttemptCount() { m.ConnAttemptCount.Add(1) }
func (m *ChannelMetrics) incConnFailCount()    { m.ConnFailCount.Add(1) }
func (m *ChannelMetrics) incConnRetryGauge()   { m.ConnRetryGauge.Add(1) }
func (m *ChannelMetrics) resetConnRetryGauge() { m.ConnRetryGauge.Store(0) }
