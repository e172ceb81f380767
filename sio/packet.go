package sio

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Engine.IO packet types.
const (
	engineOpen    = '0'
	engineClose   = '1'
	enginePing    = '2'
	enginePong    = '3'
	engineMessage = '4'
	engineNoop    = '6'
)

// Socket.IO packet types.
const (
	PacketConnect      byte = '0'
	PacketDisconnect   byte = '1'
	PacketEvent        byte = '2'
	PacketAck          byte = '3'
	PacketConnectError byte = '4'
	PacketBinaryEvent  byte = '5'
	PacketBinaryAck    byte = '6'
)

// ErrUnsupportedPacket is returned for binary packets and unknown types.
var ErrUnsupportedPacket = errors.New("sio: unsupported packet")

// Packet is a decoded Socket.IO packet.
type Packet struct {
	Type      byte
	Namespace string
	HasID     bool
	ID        uint64
	Data      json.RawMessage
}

// DecodePacket parses a Socket.IO packet, without the Engine.IO message prefix.
func DecodePacket(s string) (Packet, error) {
	if s == "" {
		return Packet{}, fmt.Errorf("%w: empty packet", ErrUnsupportedPacket)
	}

	p := Packet{Type: s[0], Namespace: "/"}
	switch p.Type {
	case PacketConnect, PacketDisconnect, PacketEvent, PacketAck, PacketConnectError:
	default:
		return p, fmt.Errorf("%w: type %q", ErrUnsupportedPacket, p.Type)
	}

	rest := s[1:]
	if strings.HasPrefix(rest, "/") {
		if i := strings.IndexByte(rest, ','); i >= 0 {
			p.Namespace, rest = rest[:i], rest[i+1:]
		} else {
			p.Namespace, rest = rest, ""
		}
	}

	i := 0
	for i < len(rest) && rest[i] >= '0' && rest[i] <= '9' {
		i++
	}
	if i > 0 {
		id, err := strconv.ParseUint(rest[:i], 10, 64)
		if err != nil {
			return p, fmt.Errorf("sio: invalid packet id: %w", err)
		}
		p.HasID, p.ID = true, id
		rest = rest[i:]
	}

	if rest != "" {
		if !json.Valid([]byte(rest)) {
			return p, fmt.Errorf("sio: invalid packet payload %q", rest)
		}
		p.Data = json.RawMessage(rest)
	}

	return p, nil
}

// Encode serializes p, without the Engine.IO message prefix.
func (p Packet) Encode() string {
	var sb strings.Builder
	sb.WriteByte(p.Type)
	if p.Namespace != "" && p.Namespace != "/" {
		sb.WriteString(p.Namespace)
		sb.WriteByte(',')
	}
	if p.HasID {
		sb.WriteString(strconv.FormatUint(p.ID, 10))
	}
	sb.Write(p.Data)

	return sb.String()
}

// EventPacket builds an event packet for event with args.
func EventPacket(namespace, event string, args ...any) (Packet, error) {
	items := make([]any, 0, len(args)+1)
	items = append(items, event)
	items = append(items, args...)

	data, err := json.Marshal(items)
	if err != nil {
		return Packet{}, fmt.Errorf("sio: encode event %s: %w", event, err)
	}

	return Packet{Type: PacketEvent, Namespace: namespace, Data: data}, nil
}

// AckPacket builds the acknowledgement of packet id with args.
func AckPacket(namespace string, id uint64, args ...any) (Packet, error) {
	if args == nil {
		args = []any{}
	}

	data, err := json.Marshal(args)
	if err != nil {
		return Packet{}, fmt.Errorf("sio: encode ack %d: %w", id, err)
	}

	return Packet{Type: PacketAck, Namespace: namespace, HasID: true, ID: id, Data: data}, nil
}

// Event splits the payload of an event packet into its name and arguments.
func (p Packet) Event() (string, []json.RawMessage, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(p.Data, &items); err != nil {
		return "", nil, fmt.Errorf("sio: decode event: %w", err)
	}
	if len(items) == 0 {
		return "", nil, errors.New("sio: event without name")
	}

	var name string
	if err := json.Unmarshal(items[0], &name); err != nil {
		return "", nil, fmt.Errorf("sio: decode event name: %w", err)
	}

	return name, items[1:], nil
}

// Args decodes the payload of an ack packet.
func (p Packet) Args() ([]json.RawMessage, error) {
	if len(p.Data) == 0 {
		return nil, nil
	}

	var args []json.RawMessage
	if err := json.Unmarshal(p.Data, &args); err != nil {
		return nil, fmt.Errorf("sio: decode ack: %w", err)
	}

	return args, nil
}

// handshake is the Engine.IO open packet payload.
type handshake struct {
	SID          string   `json:"sid"`
	Upgrades     []string `json:"upgrades"`
	PingInterval int      `json:"pingInterval"`
	PingTimeout  int      `json:"pingTimeout"`
	MaxPayload   int      `json:"maxPayload"`
}
