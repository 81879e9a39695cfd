package peermsg

import (
	"bytes"
	"fmt"
	"io"
)

const protocolString = "BitTorrent protocol"

// HandshakeLen is the fixed wire length of a handshake message.
const HandshakeLen = 49 + len(protocolString)

// Handshake is the fixed 68-byte message that opens every peer connection.
type Handshake struct {
	InfoHash [20]byte
	PeerID   [20]byte
	// Reserved is remembered but never interpreted; this release declares
	// no extension bits.
	Reserved [8]byte
}

// NewHandshake builds a handshake with a zero reserved field, ready to send.
func NewHandshake(infoHash, peerID [20]byte) *Handshake {
	return &Handshake{InfoHash: infoHash, PeerID: peerID}
}

// Serialize encodes h per spec §4.4: pstrlen, pstr, 8 reserved bytes,
// info_hash, peer_id.
func (h *Handshake) Serialize() []byte {
	buf := make([]byte, HandshakeLen)
	buf[0] = byte(len(protocolString))
	cursor := 1
	cursor += copy(buf[cursor:], protocolString)
	cursor += copy(buf[cursor:], h.Reserved[:])
	cursor += copy(buf[cursor:], h.InfoHash[:])
	copy(buf[cursor:], h.PeerID[:])
	return buf
}

// ReadHandshake blocks until a full handshake has been read from r and
// validates the protocol string. A mismatched length prefix or protocol
// string is a fatal session error per spec §4.4.
func ReadHandshake(r io.Reader) (*Handshake, error) {
	lenBuf := make([]byte, 1)
	if _, err := io.ReadFull(r, lenBuf); err != nil {
		return nil, fmt.Errorf("peermsg: reading handshake length: %w", err)
	}
	pstrlen := int(lenBuf[0])
	if pstrlen != len(protocolString) {
		return nil, fmt.Errorf("%w: pstrlen %d", ErrHandshakeProtocol, pstrlen)
	}

	rest := make([]byte, pstrlen+48)
	if _, err := io.ReadFull(r, rest); err != nil {
		return nil, fmt.Errorf("peermsg: reading handshake body: %w", err)
	}

	if !bytes.Equal(rest[:pstrlen], []byte(protocolString)) {
		return nil, fmt.Errorf("%w: got %q", ErrHandshakeProtocol, rest[:pstrlen])
	}

	h := &Handshake{}
	cursor := pstrlen
	copy(h.Reserved[:], rest[cursor:cursor+8])
	cursor += 8
	copy(h.InfoHash[:], rest[cursor:cursor+20])
	cursor += 20
	copy(h.PeerID[:], rest[cursor:cursor+20])
	return h, nil
}
