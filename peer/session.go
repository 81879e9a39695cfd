// Package peer drives one TCP connection through the wire-protocol state
// machine of spec §4.5: dial, handshake, await the first bitfield/choke
// signal, then alternate between waiting to be unchoked and requesting
// piece blocks.
package peer

import (
	"bytes"
	"crypto/sha1"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gorent/gorent/bitfield"
	"github.com/gorent/gorent/config"
	"github.com/gorent/gorent/peermsg"
	"github.com/gorent/gorent/registry"
)

// State names the session's position in the spec §4.5 state machine,
// exposed for logging and tests; it is not branched on by callers.
type State int

const (
	StateDialing State = iota
	StateHandshaking
	StateAwaitingBitfield
	StateChoked
	StateUnchoked
	StateRequesting
	StateClosed
)

var (
	ErrConnectFailed     = errors.New("peer: connect failed")
	ErrHandshakeMismatch = errors.New("peer: handshake info_hash mismatch")
	ErrPeerStillChoking  = errors.New("peer: still choked after read budget")
	ErrChokedMidPiece    = errors.New("peer: choked while requesting a piece")
	ErrProtocolViolation = errors.New("peer: protocol violation")
	ErrDigestMismatch    = errors.New("peer: piece digest mismatch")
)

// awaitBitfieldReadAttempts bounds the AWAITING_BITFIELD loop of spec
// §4.5 at "up to 3 times".
const awaitBitfieldReadAttempts = 3

// Session is a single peer connection's transient state, created when the
// scheduler dials a peer and destroyed on disconnect.
type Session struct {
	conn net.Conn
	key  string

	infoHash  [20]byte
	ourPeerID [20]byte
	peerID    [20]byte

	numPieces int
	bitfield  bitfield.Bitfield

	cfg *config.Config
	reg *registry.Registry
	log logrus.FieldLogger

	state          State
	choked         bool
	sentInterested bool

	recvBuf []byte
}

// Dial connects to addr, completes the handshake, and admits the peer
// into reg. It blocks through AWAITING_BITFIELD before returning, so the
// caller receives a Session whose Bitfield (if any) is already known.
func Dial(addr string, infoHash, ourPeerID [20]byte, numPieces int, cfg *config.Config, reg *registry.Registry) (*Session, error) {
	log := cfg.Logger.WithField("peer", addr)

	conn, err := net.DialTimeout("tcp", addr, cfg.ConnectTimeout)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrConnectFailed, addr, err)
	}

	s := &Session{
		conn:      conn,
		key:       addr,
		infoHash:  infoHash,
		ourPeerID: ourPeerID,
		numPieces: numPieces,
		bitfield:  bitfield.New(numPieces),
		cfg:       cfg,
		reg:       reg,
		log:       log,
		state:     StateDialing,
		choked:    true,
	}

	if err := s.handshake(); err != nil {
		conn.Close()
		return nil, err
	}

	reg.Admit(s.key)

	if err := s.awaitBitfieldOrEarlyMessage(); err != nil {
		conn.Close()
		return nil, err
	}

	return s, nil
}

func (s *Session) handshake() error {
	s.state = StateHandshaking
	s.conn.SetDeadline(time.Now().Add(s.cfg.ConnectTimeout))
	defer s.conn.SetDeadline(time.Time{})

	out := peermsg.NewHandshake(s.infoHash, s.ourPeerID)
	if _, err := s.conn.Write(out.Serialize()); err != nil {
		return fmt.Errorf("%w: writing handshake: %v", ErrConnectFailed, err)
	}

	in, err := peermsg.ReadHandshake(s.conn)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrHandshakeMismatch, err)
	}
	if !bytes.Equal(in.InfoHash[:], s.infoHash[:]) {
		return fmt.Errorf("%w: expected %x got %x", ErrHandshakeMismatch, s.infoHash, in.InfoHash)
	}
	s.peerID = in.PeerID
	return nil
}

// awaitBitfieldOrEarlyMessage implements the AWAITING_BITFIELD state: the
// peer may send a bitfield first, or nothing, or proceed directly to
// unchoke/choke/have. We read until one of those is seen, or exhaust the
// read budget.
func (s *Session) awaitBitfieldOrEarlyMessage() error {
	s.state = StateAwaitingBitfield
	for attempt := 0; attempt < awaitBitfieldReadAttempts; attempt++ {
		msg, err := s.readMessage()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue // nothing arrived within this read's deadline
			}
			return err
		}
		if msg == nil {
			continue // keep-alive
		}
		switch msg.ID {
		case peermsg.BitfieldMsg:
			s.bitfield = append(bitfield.Bitfield(nil), msg.Payload...)
			if s.bitfield.HasPaddingSet(s.numPieces) {
				s.log.Warn("bitfield padding bits set")
			}
			return nil
		case peermsg.Unchoke:
			s.setChoked(false)
			return nil
		case peermsg.Choke:
			s.setChoked(true)
			return nil
		case peermsg.Have:
			idx, err := peermsg.ParseHave(msg)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrProtocolViolation, err)
			}
			s.bitfield.SetPiece(idx)
			return nil
		default:
			// Anything else this early is ignored rather than fatal;
			// some peers interleave extension handshakes here.
		}
	}
	return nil // no early signal: proceed with the default choked state
}

// readMessage reads one frame with the configured per-read timeout,
// draining into an internal buffer so Parse can be fed partial reads.
func (s *Session) readMessage() (*peermsg.Message, error) {
	s.conn.SetDeadline(time.Now().Add(s.cfg.PerReadTimeout))
	defer s.conn.SetDeadline(time.Time{})

	for {
		msg, consumed, err := peermsg.Parse(s.recvBuf)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrProtocolViolation, err)
		}
		if consumed > 0 {
			s.recvBuf = s.recvBuf[consumed:]
			return msg, nil
		}

		chunk := make([]byte, 32*1024)
		n, err := s.conn.Read(chunk)
		if n > 0 {
			s.recvBuf = append(s.recvBuf, chunk[:n]...)
		}
		if err != nil {
			return nil, err
		}
	}
}

// setChoked updates the session's local choke bit and mirrors it into the
// registry, so the choking policy's BestPeersForDownload always reflects
// what was actually observed on the wire rather than only what was true
// the last time we sent interested.
func (s *Session) setChoked(choked bool) {
	s.choked = choked
	s.reg.SetInterested(s.key, false, s.choked, s.sentInterested)
}

func (s *Session) sendInterested() error {
	if s.sentInterested {
		return nil
	}
	msg := &peermsg.Message{ID: peermsg.Interested}
	if _, err := s.conn.Write(msg.Serialize()); err != nil {
		return err
	}
	s.sentInterested = true
	s.reg.SetInterested(s.key, false, s.choked, true)
	return nil
}

// waitForUnchoke sends interested (at most once, per spec.md §9's
// tightened rule) and reads until unchoked or the read budget is
// exhausted.
func (s *Session) waitForUnchoke(budget int) error {
	s.state = StateChoked
	if !s.choked {
		s.state = StateUnchoked
		return nil
	}
	if err := s.sendInterested(); err != nil {
		return fmt.Errorf("%w: sending interested: %v", ErrConnectFailed, err)
	}

	for i := 0; i < budget; i++ {
		msg, err := s.readMessage()
		if err != nil {
			return err
		}
		if msg == nil {
			continue
		}
		switch msg.ID {
		case peermsg.Unchoke:
			s.setChoked(false)
			s.state = StateUnchoked
			return nil
		case peermsg.Choke:
			s.setChoked(true)
		case peermsg.Have:
			if idx, err := peermsg.ParseHave(msg); err == nil {
				s.bitfield.SetPiece(idx)
			}
		case peermsg.BitfieldMsg:
			// Tolerate a late bitfield arriving after the initial wait.
			s.bitfield = append(bitfield.Bitfield(nil), msg.Payload...)
		}
	}
	return ErrPeerStillChoking
}

// HasPiece reports whether this peer's advertised bitfield claims index.
func (s *Session) HasPiece(index int) bool { return s.bitfield.HasPiece(index) }

// Key is the (ip, port) identity this session was dialed against.
func (s *Session) Key() string { return s.key }

// DownloadPiece fetches piece index of the given length and verifies it
// against expectedHash. Blocks are requested in increasing begin order,
// one request pipeline of bounded depth at a time, per spec §4.5 and §5.
func (s *Session) DownloadPiece(index int, length int, expectedHash [20]byte) ([]byte, error) {
	const maxBacklog = 5
	blockSize := s.cfg.BlockSize

	if err := s.waitForUnchoke(awaitBitfieldReadAttempts); err != nil {
		return nil, err
	}

	s.state = StateRequesting
	buf := make([]byte, length)
	requested, downloaded, backlog := 0, 0, 0

	for downloaded < length {
		for backlog < maxBacklog && requested < length {
			size := blockSize
			if length-requested < size {
				size = length - requested
			}
			req := peermsg.FormatRequest(index, requested, size)
			if _, err := s.conn.Write(req.Serialize()); err != nil {
				return nil, fmt.Errorf("%w: sending request: %v", ErrProtocolViolation, err)
			}
			requested += size
			backlog++
		}

		msg, err := s.readMessage()
		if err != nil {
			return nil, err
		}
		if msg == nil {
			continue
		}

		switch msg.ID {
		case peermsg.Choke:
			s.setChoked(true)
			return nil, ErrChokedMidPiece
		case peermsg.Unchoke:
			s.setChoked(false)
		case peermsg.Have:
			if idx, err := peermsg.ParseHave(msg); err == nil {
				s.bitfield.SetPiece(idx)
			}
		case peermsg.Piece:
			pm, err := peermsg.ParsePiece(msg)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrProtocolViolation, err)
			}
			if pm.Index != index {
				// Recorded against the bitfield view but does not satisfy
				// the current request, per spec §4.5.
				s.bitfield.SetPiece(pm.Index)
				continue
			}
			if pm.Begin+len(pm.Block) > len(buf) {
				return nil, fmt.Errorf("%w: block overruns piece buffer", ErrProtocolViolation)
			}
			copy(buf[pm.Begin:], pm.Block)
			downloaded += len(pm.Block)
			backlog--
			s.reg.RecordDownload(s.key, int64(len(pm.Block)))
		}
	}

	actual := sha1.Sum(buf)
	if !bytes.Equal(actual[:], expectedHash[:]) {
		return buf, fmt.Errorf("%w: piece %d", ErrDigestMismatch, index)
	}
	return buf, nil
}

// SendHave announces a newly verified piece to this peer.
func (s *Session) SendHave(index int) error {
	msg := peermsg.FormatHave(index)
	_, err := s.conn.Write(msg.Serialize())
	return err
}

// Close releases the socket. Safe to call more than once.
func (s *Session) Close() error {
	s.state = StateClosed
	return s.conn.Close()
}
