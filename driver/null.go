package driver

import (
	"context"
	"math/rand/v2"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/paxapos/fiscalberry-sub001/command"
	"github.com/paxapos/fiscalberry-sub001/internal/util"
	"github.com/paxapos/fiscalberry-sub001/logger"
)

// nullReplyNumbers is the count of filler numbers following the two status fields.
const nullReplyNumbers = 11

// NullDriver accepts every call without touching any device.
type NullDriver struct {
	logger logger.Logger
	calls  atomic.Uint64

	mu   sync.Mutex
	last command.Call
}

var _ Driver = (*NullDriver)(nil)

// NewNullDriver creates a NullDriver.
func NewNullDriver(l logger.Logger) *NullDriver {
	if l == nil {
		l = logger.GetLogger()
	}

	return &NullDriver{logger: l}
}

func newNullFromParams(_ Params, o *options) (Driver, error) {
	return NewNullDriver(o.logger), nil
}

func (d *NullDriver) Start(context.Context) error     { return nil }
func (d *NullDriver) Reconnect(context.Context) error { return nil }
func (d *NullDriver) Close() error                    { return nil }

// SendCommand records the call and replies with zero status words followed
// by filler numbers.
func (d *NullDriver) SendCommand(_ context.Context, call command.Call) (*command.Reply, error) {
	d.calls.Add(1)

	d.mu.Lock()
	d.last = command.Call{
		Number:           call.Number,
		Fields:           util.CloneStrings(call.Fields),
		SkipStatusErrors: call.SkipStatusErrors,
		PrinterName:      call.PrinterName,
	}
	if call.Payload != nil {
		d.last.Payload = util.CloneSlice(call.Payload, 0)
	}
	d.mu.Unlock()

	d.logger.Debug("null driver call", "commandNumber", call.Number, "fields", call.Fields)

	number := strconv.Itoa(rand.IntN(100000000)) //nolint:gosec
	fields := make([]string, 0, 2+nullReplyNumbers)
	fields = append(fields, "00", "00")
	for i := 0; i < nullReplyNumbers; i++ {
		fields = append(fields, number)
	}

	return &command.Reply{Fields: fields}, nil
}

// Calls returns the number of calls received.
func (d *NullDriver) Calls() uint64 {
	return d.calls.Load()
}

// LastCall returns a copy of the most recent call.
func (d *NullDriver) LastCall() command.Call {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.last
}
