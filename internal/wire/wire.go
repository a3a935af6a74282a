// Package wire implements the control-protocol codec: the JSON
// ClientHello/ServerHello handshake frames and the binary
// ControlPacket frames exchanged for the lifetime of a session.
package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/cybersiliconforest/portalgun/internal/ids"
)

// ClientHelloType distinguishes an anonymous client from one
// presenting an auth key.
type ClientHelloType string

const (
	ClientHelloAnonymous ClientHelloType = "anonymous"
	ClientHelloAuth      ClientHelloType = "auth"
)

// ClientHello is the first JSON frame sent by a client after the
// WebSocket upgrade.
type ClientHello struct {
	SubDomain string          `json:"sub_domain,omitempty"`
	Type      ClientHelloType `json:"typ"`
	Key       string          `json:"key,omitempty"`
}

// ServerHelloStatus tags the variant of a ServerHello reply.
type ServerHelloStatus string

const (
	ServerHelloSuccess         ServerHelloStatus = "success"
	ServerHelloAuthFailed      ServerHelloStatus = "auth_failed"
	ServerHelloInvalidSubDomain ServerHelloStatus = "invalid_sub_domain"
	ServerHelloSubDomainInUse  ServerHelloStatus = "sub_domain_in_use"
)

// ServerHello is the first JSON frame sent by the server in reply to
// a ClientHello.
type ServerHello struct {
	Status    ServerHelloStatus `json:"status"`
	SubDomain string            `json:"sub_domain,omitempty"`
	Reason    string            `json:"reason,omitempty"`
}

// Tag identifies the kind of a binary ControlPacket frame. Tag
// assignment is part of the wire contract (spec §6) and must never be
// renumbered.
type Tag byte

const (
	TagInit    Tag = 0x01
	TagData    Tag = 0x02
	TagRefused Tag = 0x03
	TagEnd     Tag = 0x04
	TagPing    Tag = 0x05
)

func (t Tag) String() string {
	switch t {
	case TagInit:
		return "Init"
	case TagData:
		return "Data"
	case TagRefused:
		return "Refused"
	case TagEnd:
		return "End"
	case TagPing:
		return "Ping"
	default:
		return fmt.Sprintf("Tag(0x%02x)", byte(t))
	}
}

// ControlPacket is one multiplexed frame on the control channel.
// StreamId is the zero value for Ping, which carries no StreamId.
type ControlPacket struct {
	Tag      Tag
	StreamId ids.StreamId
	Data     []byte
}

// Init builds an Init(stream_id) packet.
func Init(id ids.StreamId) ControlPacket { return ControlPacket{Tag: TagInit, StreamId: id} }

// Data builds a Data(stream_id, bytes) packet.
func Data(id ids.StreamId, payload []byte) ControlPacket {
	return ControlPacket{Tag: TagData, StreamId: id, Data: payload}
}

// Refused builds a Refused(stream_id) packet.
func Refused(id ids.StreamId) ControlPacket { return ControlPacket{Tag: TagRefused, StreamId: id} }

// End builds an End(stream_id) packet.
func End(id ids.StreamId) ControlPacket { return ControlPacket{Tag: TagEnd, StreamId: id} }

// Ping builds a heartbeat packet.
func Ping() ControlPacket { return ControlPacket{Tag: TagPing} }

// maxDataLength bounds a single Data payload to guard against a
// malformed length prefix forcing an enormous allocation.
const maxDataLength = 16 * 1024 * 1024

// Encode serializes a ControlPacket to its binary wire form: a 1-byte
// tag, an optional 16-byte StreamId, and for Data an additional
// 4-byte big-endian length prefix followed by the payload.
func Encode(p ControlPacket) []byte {
	switch p.Tag {
	case TagPing:
		return []byte{byte(p.Tag)}
	case TagData:
		sid := p.StreamId.Bytes()
		buf := make([]byte, 1+16+4+len(p.Data))
		buf[0] = byte(p.Tag)
		copy(buf[1:17], sid[:])
		binary.BigEndian.PutUint32(buf[17:21], uint32(len(p.Data)))
		copy(buf[21:], p.Data)
		return buf
	default: // Init, Refused, End
		sid := p.StreamId.Bytes()
		buf := make([]byte, 1+16)
		buf[0] = byte(p.Tag)
		copy(buf[1:], sid[:])
		return buf
	}
}

// Decode parses the binary wire form of a single ControlPacket. It
// returns an error for any malformed frame; the caller is responsible
// for the spec's policy of terminating the control session on a
// malformed control frame.
func Decode(b []byte) (ControlPacket, error) {
	if len(b) < 1 {
		return ControlPacket{}, fmt.Errorf("wire: empty frame")
	}
	tag := Tag(b[0])
	switch tag {
	case TagPing:
		return ControlPacket{Tag: TagPing}, nil
	case TagInit, TagRefused, TagEnd:
		if len(b) != 1+16 {
			return ControlPacket{}, fmt.Errorf("wire: %s frame has wrong length %d", tag, len(b))
		}
		var sid [16]byte
		copy(sid[:], b[1:17])
		return ControlPacket{Tag: tag, StreamId: ids.StreamIdFromBytes(sid)}, nil
	case TagData:
		if len(b) < 1+16+4 {
			return ControlPacket{}, fmt.Errorf("wire: Data frame truncated, got %d bytes", len(b))
		}
		var sid [16]byte
		copy(sid[:], b[1:17])
		length := binary.BigEndian.Uint32(b[17:21])
		if length > maxDataLength {
			return ControlPacket{}, fmt.Errorf("wire: Data length %d exceeds maximum %d", length, maxDataLength)
		}
		if uint32(len(b)-21) != length {
			return ControlPacket{}, fmt.Errorf("wire: Data length prefix %d does not match payload %d", length, len(b)-21)
		}
		payload := make([]byte, length)
		copy(payload, b[21:])
		return ControlPacket{Tag: TagData, StreamId: ids.StreamIdFromBytes(sid), Data: payload}, nil
	default:
		return ControlPacket{}, fmt.Errorf("wire: unknown tag 0x%02x", byte(tag))
	}
}
