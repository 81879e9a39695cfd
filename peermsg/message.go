// Package peermsg frames the peer wire protocol: the fixed handshake and
// the length-prefixed messages that follow it.
package peermsg

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ID identifies a peer wire message type.
type ID uint8

const (
	Choke         ID = 0
	Unchoke       ID = 1
	Interested    ID = 2
	NotInterested ID = 3
	Have          ID = 4
	BitfieldMsg   ID = 5
	Request       ID = 6
	Piece         ID = 7
	Cancel        ID = 8
)

func (id ID) String() string {
	switch id {
	case Choke:
		return "choke"
	case Unchoke:
		return "unchoke"
	case Interested:
		return "interested"
	case NotInterested:
		return "not_interested"
	case Have:
		return "have"
	case BitfieldMsg:
		return "bitfield"
	case Request:
		return "request"
	case Piece:
		return "piece"
	case Cancel:
		return "cancel"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(id))
	}
}

// Message is a single peer wire message. A keep-alive is represented by a
// nil *Message returned from Parse, mirroring the wire's zero-length
// signal that carries no id.
type Message struct {
	ID      ID
	Payload []byte
}

var (
	ErrHandshakeProtocol = errors.New("peermsg: protocol string mismatch")
	ErrShortPayload      = errors.New("peermsg: payload too short for message type")
)

// Serialize encodes m as a 4-byte big-endian length prefix, the id byte,
// and the payload. A nil m serializes to a keep-alive (length 0).
func (m *Message) Serialize() []byte {
	if m == nil {
		return make([]byte, 4)
	}
	length := uint32(len(m.Payload) + 1)
	buf := make([]byte, 4+length)
	binary.BigEndian.PutUint32(buf[0:4], length)
	buf[4] = byte(m.ID)
	copy(buf[5:], m.Payload)
	return buf
}

// Parse is the streaming framer demanded by spec §4.4: given an
// accumulating buffer it returns either (nil, 0) to mean "need more data",
// or a decoded message and the number of bytes consumed. It never mutates
// buf and never blocks; callers own the read loop.
//
// A zero-length frame (keep-alive) is reported as a nil *Message with a
// non-zero consumed count, distinguishing "no message yet" from "keep-
// alive received".
func Parse(buf []byte) (msg *Message, consumed int, err error) {
	if len(buf) < 4 {
		return nil, 0, nil
	}
	length := binary.BigEndian.Uint32(buf[0:4])
	if length == 0 {
		return nil, 4, nil
	}
	total := 4 + int(length)
	if len(buf) < total {
		return nil, 0, nil
	}
	id := ID(buf[4])
	payload := append([]byte(nil), buf[5:total]...)
	return &Message{ID: id, Payload: payload}, total, nil
}

func FormatRequest(index, begin, length int) *Message {
	payload := make([]byte, 12)
	binary.BigEndian.PutUint32(payload[0:4], uint32(index))
	binary.BigEndian.PutUint32(payload[4:8], uint32(begin))
	binary.BigEndian.PutUint32(payload[8:12], uint32(length))
	return &Message{ID: Request, Payload: payload}
}

func FormatHave(index int) *Message {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, uint32(index))
	return &Message{ID: Have, Payload: payload}
}

func FormatCancel(index, begin, length int) *Message {
	payload := make([]byte, 12)
	binary.BigEndian.PutUint32(payload[0:4], uint32(index))
	binary.BigEndian.PutUint32(payload[4:8], uint32(begin))
	binary.BigEndian.PutUint32(payload[8:12], uint32(length))
	return &Message{ID: Cancel, Payload: payload}
}

// ParseHave decodes a have message's piece index.
func ParseHave(m *Message) (int, error) {
	if m.ID != Have {
		return 0, fmt.Errorf("peermsg: expected have, got %s", m.ID)
	}
	if len(m.Payload) != 4 {
		return 0, fmt.Errorf("%w: have wants 4 bytes, got %d", ErrShortPayload, len(m.Payload))
	}
	return int(binary.BigEndian.Uint32(m.Payload)), nil
}

// PieceMessage is the decoded payload of a piece message.
type PieceMessage struct {
	Index int
	Begin int
	Block []byte
}

// ParsePiece decodes a piece message's (index, begin, block).
func ParsePiece(m *Message) (*PieceMessage, error) {
	if m.ID != Piece {
		return nil, fmt.Errorf("peermsg: expected piece, got %s", m.ID)
	}
	if len(m.Payload) < 8 {
		return nil, fmt.Errorf("%w: piece wants >= 8 bytes, got %d", ErrShortPayload, len(m.Payload))
	}
	return &PieceMessage{
		Index: int(binary.BigEndian.Uint32(m.Payload[0:4])),
		Begin: int(binary.BigEndian.Uint32(m.Payload[4:8])),
		Block: m.Payload[8:],
	}, nil
}

// RequestMessage is the decoded payload of a request or cancel message.
type RequestMessage struct {
	Index  int
	Begin  int
	Length int
}

// ParseRequest decodes a request or cancel message's (index, begin, length).
func ParseRequest(m *Message) (*RequestMessage, error) {
	if m.ID != Request && m.ID != Cancel {
		return nil, fmt.Errorf("peermsg: expected request/cancel, got %s", m.ID)
	}
	if len(m.Payload) != 12 {
		return nil, fmt.Errorf("%w: request wants 12 bytes, got %d", ErrShortPayload, len(m.Payload))
	}
	return &RequestMessage{
		Index:  int(binary.BigEndian.Uint32(m.Payload[0:4])),
		Begin:  int(binary.BigEndian.Uint32(m.Payload[4:8])),
		Length: int(binary.BigEndian.Uint32(m.Payload[8:12])),
	}, nil
}
