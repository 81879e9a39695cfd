// Package tracker implements the HTTP announce contract of spec §4.3: a
// GET request against each tier's URLs in order, decoding the compact or
// dictionary-style peer list from the bencoded response.
package tracker

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	bencodego "github.com/jackpal/bencode-go"
)

// RequestTimeout is the per-URL announce deadline mandated by spec §4.3.
const RequestTimeout = 10 * time.Second

var (
	ErrTrackerRejected    = errors.New("tracker: rejected by failure reason")
	ErrTrackerUnreachable = errors.New("tracker: all announce URLs failed")
)

// Peer is an admitted (ip, port) endpoint returned by a tracker.
type Peer struct {
	IP   net.IP
	Port uint16
}

// String renders the peer as a dialable "host:port" address.
func (p Peer) String() string {
	return net.JoinHostPort(p.IP.String(), strconv.Itoa(int(p.Port)))
}

// Key returns the (ip, port) identity used to dedupe across tiers and to
// key the peer registry.
func (p Peer) Key() string { return p.String() }

// AnnounceRequest carries the fields spec §4.3 places on the query string.
type AnnounceRequest struct {
	InfoHash   [20]byte
	PeerID     [20]byte
	Port       uint16
	Uploaded   int64
	Downloaded int64
	Left       int64
	Compact    bool
	Event      string
}

// rawTrackerResponse mirrors the bencode shape of a tracker's reply,
// decoded with jackpal/bencode-go the way the teacher repo did — this is
// the dependency's concern: struct-tag-driven decode of a known response
// shape, not the canonical codec used for info-hash stability (that is
// package bencode, owned by this module).
type rawTrackerResponse struct {
	FailureReason string      `bencode:"failure reason"`
	Interval      int         `bencode:"interval"`
	Peers         interface{} `bencode:"peers"`
}

// Client announces against tiers of tracker URLs.
type Client struct {
	HTTP *http.Client
}

// NewClient builds a Client with the spec's 10s per-URL timeout.
func NewClient() *Client {
	return &Client{HTTP: &http.Client{Timeout: RequestTimeout}}
}

// buildURL appends the announce query string to base, using "?" or "&"
// depending on whether base already carries a query, and percent-encodes
// info_hash/peer_id byte-by-byte with no safe set, per spec §4.3.
func buildURL(base string, req AnnounceRequest) (string, error) {
	parsed, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("tracker: parsing announce URL %q: %w", base, err)
	}

	values := url.Values{}
	values.Set("port", strconv.Itoa(int(req.Port)))
	values.Set("uploaded", strconv.FormatInt(req.Uploaded, 10))
	values.Set("downloaded", strconv.FormatInt(req.Downloaded, 10))
	values.Set("left", strconv.FormatInt(req.Left, 10))
	if req.Compact {
		values.Set("compact", "1")
	}
	if req.Event != "" {
		values.Set("event", req.Event)
	}

	query := values.Encode()
	query += "&info_hash=" + percentEncodeBytes(req.InfoHash[:])
	query += "&peer_id=" + percentEncodeBytes(req.PeerID[:])

	sep := "?"
	if parsed.RawQuery != "" {
		sep = "&"
	}
	return base + sep + query, nil
}

func percentEncodeBytes(b []byte) string {
	out := make([]byte, 0, len(b)*3)
	const hex = "0123456789ABCDEF"
	for _, c := range b {
		out = append(out, '%', hex[c>>4], hex[c&0xF])
	}
	return string(out)
}

// announceOne performs a single HTTP GET against url and decodes its
// bencoded response.
func (c *Client) announceOne(ctx context.Context, announceURL string, req AnnounceRequest) ([]Peer, error) {
	fullURL, err := buildURL(announceURL, req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return nil, fmt.Errorf("tracker: building request: %w", err)
	}

	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("tracker: GET %s: %w", announceURL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("tracker: reading response body: %w", err)
	}

	var raw rawTrackerResponse
	if err := bencodego.Unmarshal(bytes.NewReader(body), &raw); err != nil {
		return nil, fmt.Errorf("tracker: decoding response: %w", err)
	}
	if raw.FailureReason != "" {
		return nil, fmt.Errorf("%w: %s", ErrTrackerRejected, raw.FailureReason)
	}

	return parsePeers(raw.Peers)
}

// parsePeers handles both compact (bytestring) and dictionary-style peer
// lists, per spec §4.3.
func parsePeers(v interface{}) ([]Peer, error) {
	switch val := v.(type) {
	case string:
		return parseCompactPeers([]byte(val))
	case []interface{}:
		return parseDictPeers(val)
	case nil:
		return nil, nil
	default:
		return nil, fmt.Errorf("tracker: unrecognized peers value of type %T", v)
	}
}

func parseCompactPeers(raw []byte) ([]Peer, error) {
	const peerSize = 6
	if len(raw)%peerSize != 0 {
		return nil, fmt.Errorf("tracker: compact peers length %d not a multiple of %d", len(raw), peerSize)
	}
	n := len(raw) / peerSize
	peers := make([]Peer, n)
	for i := 0; i < n; i++ {
		off := i * peerSize
		peers[i] = Peer{
			IP:   net.IP(append([]byte(nil), raw[off:off+4]...)),
			Port: binary.BigEndian.Uint16(raw[off+4 : off+6]),
		}
	}
	return peers, nil
}

func parseDictPeers(list []interface{}) ([]Peer, error) {
	peers := make([]Peer, 0, len(list))
	for _, entry := range list {
		dict, ok := entry.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("tracker: dict-style peer entry is not a map")
		}
		ipStr, _ := dict["ip"].(string)
		portVal, _ := dict["port"].(int64)
		ip := net.ParseIP(ipStr)
		if ip == nil {
			return nil, fmt.Errorf("tracker: invalid peer ip %q", ipStr)
		}
		peers = append(peers, Peer{IP: ip.To4(), Port: uint16(portVal)})
	}
	return peers, nil
}

// Announce walks tiers in order, trying each URL within a tier in order,
// and stops at the first tier that yields a success. Peers from multiple
// successful tiers are never requested — tier walking stops at the first
// success, per spec §4.3 — but results are still deduped by (ip, port) in
// case a single response repeats an entry.
func (c *Client) Announce(ctx context.Context, tiers [][]string, req AnnounceRequest) ([]Peer, error) {
	var lastErr error
	for _, tier := range tiers {
		for _, u := range tier {
			peers, err := c.announceOne(ctx, u, req)
			if err != nil {
				lastErr = err
				continue
			}
			return dedupe(peers), nil
		}
	}
	if lastErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrTrackerUnreachable, lastErr)
	}
	return nil, ErrTrackerUnreachable
}

func dedupe(peers []Peer) []Peer {
	seen := make(map[string]bool, len(peers))
	out := make([]Peer, 0, len(peers))
	for _, p := range peers {
		k := p.Key()
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, p)
	}
	return out
}
