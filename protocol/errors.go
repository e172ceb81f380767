package protocol

import (
	"errors"
	"fmt"

	"github.com/paxapos/fiscalberry-sub001/command"
)

var (
	// ErrTooManyNaks is returned when the printer rejected a frame more times than allowed.
	ErrTooManyNaks = fmt.Errorf("%w: too many NAKs from printer", command.ErrCommunication)
	// ErrAckTimeout is returned when neither ACK nor NAK arrived within the wait budget.
	ErrAckTimeout = fmt.Errorf("%w: ack timeout", command.ErrCommunication)
	// ErrReplyTimeout is returned when no reply frame arrived within the wait budget.
	ErrReplyTimeout = fmt.Errorf("%w: reply timeout", command.ErrCommunication)
	// ErrReplyInterrupted is returned when the printer stopped sending in the middle of a reply.
	ErrReplyInterrupted = fmt.Errorf("%w: reply interrupted", command.ErrCommunication)
	// ErrTooManyBadReplies is returned when reply frames kept failing validation.
	ErrTooManyBadReplies = fmt.Errorf("%w: too many invalid reply frames", command.ErrCommunication)
	// ErrSequenceMismatch is returned when reply frames kept carrying a stale sequence number.
	ErrSequenceMismatch = fmt.Errorf("%w: too many replies with unexpected sequence number", command.ErrCommunication)

	// ErrChecksumMismatch indicates a frame whose checksum does not match its content.
	ErrChecksumMismatch = errors.New("protocol: checksum mismatch")
	// ErrMalformedFrame indicates a frame that does not follow the codec layout.
	ErrMalformedFrame = errors.New("protocol: malformed frame")
)
