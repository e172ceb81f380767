// Package command defines the values that travel through the relay: the
// inbound Command parsed from a queue or socket payload, the driver-level Call
// a translator produces from it, and the Reply a driver returns.
//
// It also owns the error taxonomy shared by every layer. Each category is a
// sentinel error; packages wrap them with fmt.Errorf("%w") and callers test
// the category with errors.Is.
package command
