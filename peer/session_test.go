package peer

import (
	"crypto/sha1"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gorent/gorent/config"
	"github.com/gorent/gorent/peermsg"
	"github.com/gorent/gorent/registry"
)

func testConfig() *config.Config {
	return config.New(
		config.WithConnectTimeout(2*time.Second),
		config.WithPerReadTimeout(2*time.Second),
	)
}

func testRegistry() *registry.Registry {
	return registry.New(4, 30*time.Second, nil)
}

// listenOnce starts a one-shot TCP listener and runs handle against the
// first accepted connection in a goroutine, returning the dial address.
func listenOnce(t *testing.T, handle func(net.Conn)) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	go func() {
		conn, err := ln.Accept()
		ln.Close()
		if err != nil {
			return
		}
		defer conn.Close()
		handle(conn)
	}()

	return ln.Addr().String()
}

func readHandshakeAndRespond(t *testing.T, conn net.Conn, infoHash [20]byte, mangle bool) {
	t.Helper()
	_, err := peermsg.ReadHandshake(conn)
	require.NoError(t, err)

	var peerID [20]byte
	copy(peerID[:], "-TT0001-000000000000")
	hs := peermsg.NewHandshake(infoHash, peerID)
	wire := hs.Serialize()
	if mangle {
		wire[5] ^= 0xFF
	}
	_, err = conn.Write(wire)
	require.NoError(t, err)
}

func TestSessionHandshakeRejectS4(t *testing.T) {
	var infoHash [20]byte
	copy(infoHash[:], "aaaaaaaaaaaaaaaaaaaa")
	var ourID [20]byte
	copy(ourID[:], "-XX0001-000000000000")

	var sawPostHandshakeByte bool
	addr := listenOnce(t, func(conn net.Conn) {
		readHandshakeAndRespond(t, conn, infoHash, true)
		buf := make([]byte, 1)
		conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
		n, _ := conn.Read(buf)
		sawPostHandshakeByte = n > 0
	})

	_, err := Dial(addr, infoHash, ourID, 10, testConfig(), testRegistry())
	require.ErrorIs(t, err, ErrHandshakeMismatch)
	time.Sleep(400 * time.Millisecond)
	require.False(t, sawPostHandshakeByte)
}

func TestSessionDownloadPieceHappyPath(t *testing.T) {
	var infoHash, ourID [20]byte
	copy(infoHash[:], "aaaaaaaaaaaaaaaaaaaa")
	copy(ourID[:], "-XX0001-000000000000")

	pieceData := []byte("the quick brown fox jumps over the lazy dog!!!!")
	hash := sha1.Sum(pieceData)

	addr := listenOnce(t, func(conn net.Conn) {
		readHandshakeAndRespond(t, conn, infoHash, false)

		// Send unchoke immediately so AWAITING_BITFIELD resolves fast.
		unchoke := &peermsg.Message{ID: peermsg.Unchoke}
		conn.Write(unchoke.Serialize())

		// Serve requests until the whole piece has been sent.
		buf := make([]byte, 0, 4096)
		tmp := make([]byte, 4096)
		sent := 0
		for sent < len(pieceData) {
			n, err := conn.Read(tmp)
			if err != nil {
				return
			}
			buf = append(buf, tmp[:n]...)
			for {
				msg, consumed, perr := peermsg.Parse(buf)
				if perr != nil || consumed == 0 {
					break
				}
				buf = buf[consumed:]
				if msg == nil {
					continue
				}
				if msg.ID == peermsg.Request {
					req, _ := peermsg.ParseRequest(msg)
					block := pieceData[req.Begin : req.Begin+req.Length]
					payload := make([]byte, 8+len(block))
					payload[3] = byte(req.Index)
					payload[7] = byte(req.Begin)
					copy(payload[8:], block)
					pieceMsg := &peermsg.Message{ID: peermsg.Piece, Payload: payload}
					conn.Write(pieceMsg.Serialize())
					sent += len(block)
				}
			}
		}
	})

	sess, err := Dial(addr, infoHash, ourID, 1, testConfig(), testRegistry())
	require.NoError(t, err)
	defer sess.Close()

	got, err := sess.DownloadPiece(0, len(pieceData), hash)
	require.NoError(t, err)
	require.Equal(t, pieceData, got)
}

func TestSessionChokedMidPiece(t *testing.T) {
	var infoHash, ourID [20]byte
	copy(infoHash[:], "aaaaaaaaaaaaaaaaaaaa")
	copy(ourID[:], "-XX0001-000000000000")

	addr := listenOnce(t, func(conn net.Conn) {
		readHandshakeAndRespond(t, conn, infoHash, false)
		unchoke := &peermsg.Message{ID: peermsg.Unchoke}
		conn.Write(unchoke.Serialize())

		buf := make([]byte, 4096)
		conn.Read(buf) // drain the request
		choke := &peermsg.Message{ID: peermsg.Choke}
		conn.Write(choke.Serialize())
	})

	sess, err := Dial(addr, infoHash, ourID, 1, testConfig(), testRegistry())
	require.NoError(t, err)
	defer sess.Close()

	_, err = sess.DownloadPiece(0, 16, [20]byte{})
	require.ErrorIs(t, err, ErrChokedMidPiece)
}
