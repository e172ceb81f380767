// Package driver implements the transports that deliver calls to a printer.
//
// Every variant satisfies Driver:
//
//   - relay:  serializes the call and POSTs it to a remote relay over HTTP.
//     Network failures are logged and reported as a successful Reply whose
//     TransportErr is set.
//   - raw:    writes pre-rendered bytes to a serial port, a USB device file, a
//     file or a TCP socket, without framing or replies.
//   - fiscal: drives a protocol.Engine over a serial or TCP link and decodes
//     the printer and fiscal status words of every reply.
//   - null:   accepts every call and answers with zeroed status words.
//
// Variants are selected by a static tag through New.
package driver
