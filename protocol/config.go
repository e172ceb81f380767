package protocol

import (
	"errors"
	"fmt"
	"time"

	"github.com/paxapos/fiscalberry-sub001/logger"
)

// Default protocol parameters.
const (
	DefaultWaitTime         = 10 * time.Second       // ACK and reply wait budget
	DefaultPollInterval     = 100 * time.Millisecond // single byte read timeout
	DefaultInterCharTimeout = 20 * time.Second       // silence allowed inside a reply
	DefaultMaxNaks          = 10                     // NAKs tolerated before giving up
	DefaultReplyRetries     = 4                      // invalid replies tolerated before giving up
	DefaultMaxFrameSize     = 4096
)

// Parameter range limits.
const (
	MinWaitTime     = 10 * time.Millisecond
	MaxWaitTime     = 120 * time.Second
	MinPollInterval = 1 * time.Millisecond
	MaxMaxNaks      = 100
	MaxReplyRetries = 100
)

// EngineConfig holds the configuration of an Engine.
type EngineConfig struct {
	waitTime         time.Duration
	pollInterval     time.Duration
	interCharTimeout time.Duration
	maxNaks          int
	replyRetries     int
	maxFrameSize     int
	replies          bool
	seed             int // -1 selects a random seed
	codec            FrameCodec
	logger           logger.Logger
}

// NewEngineConfig creates an engine configuration with defaults, then applies opts in order.
func NewEngineConfig(opts ...EngineOption) (*EngineConfig, error) {
	cfg := &EngineConfig{
		waitTime:         DefaultWaitTime,
		pollInterval:     DefaultPollInterval,
		interCharTimeout: DefaultInterCharTimeout,
		maxNaks:          DefaultMaxNaks,
		replyRetries:     DefaultReplyRetries,
		maxFrameSize:     DefaultMaxFrameSize,
		replies:          true,
		seed:             -1,
		codec:            STXCodec{},
		logger:           logger.GetLogger(),
	}

	for _, opt := range opts {
		if err := opt.apply(cfg); err != nil {
			return nil, err
		}
	}

	if cfg.pollInterval > cfg.waitTime {
		cfg.pollInterval = cfg.waitTime
	}

	return cfg, nil
}

// WaitTime returns the ACK and reply wait budget.
func (cfg *EngineConfig) WaitTime() time.Duration { return cfg.waitTime }

// PollInterval returns the single byte read timeout.
func (cfg *EngineConfig) PollInterval() time.Duration { return cfg.pollInterval }

// InterCharTimeout returns the silence allowed while a reply frame is being received.
func (cfg *EngineConfig) InterCharTimeout() time.Duration { return cfg.interCharTimeout }

// MaxNaks returns the number of NAKs tolerated for a single frame.
func (cfg *EngineConfig) MaxNaks() int { return cfg.maxNaks }

// ReplyRetries returns the number of invalid replies tolerated per exchange.
func (cfg *EngineConfig) ReplyRetries() int { return cfg.replyRetries }

// Replies reports whether the engine waits for a reply frame after the ACK.
func (cfg *EngineConfig) Replies() bool { return cfg.replies }

// Codec returns the frame codec.
func (cfg *EngineConfig) Codec() FrameCodec { return cfg.codec }

// GetLogger returns the configured logger.
func (cfg *EngineConfig) GetLogger() logger.Logger { return cfg.logger }

// EngineOption is a functional option for configuring an EngineConfig.
type EngineOption interface {
	apply(*EngineConfig) error
}

type engineOptFunc func(*EngineConfig) error

func (f engineOptFunc) apply(cfg *EngineConfig) error { return f(cfg) }

// WithWaitTime sets the budget for ACK/NAK and for the reply frame.
func WithWaitTime(d time.Duration) EngineOption {
	return engineOptFunc(func(cfg *EngineConfig) error {
		if d < MinWaitTime || d > MaxWaitTime {
			return fmt.Errorf("protocol: wait time %v out of range [%v, %v]", d, MinWaitTime, MaxWaitTime)
		}
		cfg.waitTime = d

		return nil
	})
}

// WithPollInterval sets the single byte read timeout. Cancellation is
// observed at least once per interval.
func WithPollInterval(d time.Duration) EngineOption {
	return engineOptFunc(func(cfg *EngineConfig) error {
		if d < MinPollInterval {
			return fmt.Errorf("protocol: poll interval %v below minimum %v", d, MinPollInterval)
		}
		cfg.pollInterval = d

		return nil
	})
}

// WithInterCharTimeout sets the silence allowed inside a reply frame.
func WithInterCharTimeout(d time.Duration) EngineOption {
	return engineOptFunc(func(cfg *EngineConfig) error {
		if d <= 0 {
			return errors.New("protocol: inter-character timeout must be positive")
		}
		cfg.interCharTimeout = d

		return nil
	})
}

// WithMaxNaks sets how many NAKs a frame may receive before the exchange fails.
func WithMaxNaks(n int) EngineOption {
	return engineOptFunc(func(cfg *EngineConfig) error {
		if n < 0 || n > MaxMaxNaks {
			return fmt.Errorf("protocol: max NAKs %d out of range [0, %d]", n, MaxMaxNaks)
		}
		cfg.maxNaks = n

		return nil
	})
}

// WithReplyRetries sets how many invalid reply frames are tolerated per exchange.
func WithReplyRetries(n int) EngineOption {
	return engineOptFunc(func(cfg *EngineConfig) error {
		if n < 0 || n > MaxReplyRetries {
			return fmt.Errorf("protocol: reply retries %d out of range [0, %d]", n, MaxReplyRetries)
		}
		cfg.replyRetries = n

		return nil
	})
}

// WithMaxFrameSize limits the size of a reply frame.
func WithMaxFrameSize(n int) EngineOption {
	return engineOptFunc(func(cfg *EngineConfig) error {
		if n < 8 {
			return fmt.Errorf("protocol: max frame size %d too small", n)
		}
		cfg.maxFrameSize = n

		return nil
	})
}

// WithReplies enables or disables waiting for a reply frame after the ACK.
// Enabled by default.
func WithReplies(enabled bool) EngineOption {
	return engineOptFunc(func(cfg *EngineConfig) error {
		cfg.replies = enabled
		return nil
	})
}

// WithSequenceSeed fixes the initial sequence number instead of choosing a
// random one. seq must be even and within [MinSequence, MaxSequence].
func WithSequenceSeed(seq byte) EngineOption {
	return engineOptFunc(func(cfg *EngineConfig) error {
		if !ValidSequence(seq) {
			return fmt.Errorf("protocol: invalid sequence seed 0x%02X", seq)
		}
		cfg.seed = int(seq)

		return nil
	})
}

// WithCodec sets the frame codec.
func WithCodec(c FrameCodec) EngineOption {
	return engineOptFunc(func(cfg *EngineConfig) error {
		if c == nil {
			return errors.New("protocol: codec must not be nil")
		}
		cfg.codec = c

		return nil
	})
}

// WithLogger sets the logger of the engine.
func WithLogger(l logger.Logger) EngineOption {
	return engineOptFunc(func(cfg *EngineConfig) error {
		if l == nil {
			return errors.New("protocol: logger must not be nil")
		}
		cfg.logger = l

		return nil
	})
}
