// Package protocol implements the byte-level half-duplex protocol spoken by
// serial fiscal printers.
//
// Every exchange follows the same shape:
//
//  1. The host transmits a frame carrying its current sequence number.
//  2. The printer answers ACK (0x06), or NAK (0x15) to request a resend. A
//     NAK'd frame is resent until the printer accepts it or the NAK limit is
//     exceeded.
//  3. When replies are enabled, the printer then sends a reply frame. DC2 and
//     DC4 bytes received while waiting extend the wait budget. A reply with a
//     bad checksum is NAK'd and awaited again. A reply carrying a stale
//     sequence number is ACK'd and ignored.
//  4. After a complete exchange the sequence number advances by two and wraps
//     back to 0x20 once it would exceed 0x7F, so it is always even.
//
// The frame layout is provided by a FrameCodec. STXCodec implements the
// STX/sequence/command/FS-separated fields/ETX/hex-checksum layout used by
// Hasar and Epson devices; other layouts can be plugged in with WithCodec.
//
// An Engine is bound to a single Port and serializes its exchanges; it is
// safe for concurrent use, but only one exchange is on the wire at any time.
package protocol
