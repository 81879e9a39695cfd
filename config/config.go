// Package config holds the tunables of spec §6 and the peer id generator
// of spec §6, generalizing the teacher's flat package-level constants
// (BLOCKSIZE, port) into a struct with functional-option construction.
// The request backlog is not configurable: it is a constant in
// peer.Session.DownloadPiece.
package config

import (
	"crypto/rand"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"
)

// Config collects every tunable named in spec §6.
type Config struct {
	MaxParallelSessions       int
	UnchokedPeers             int
	OptimisticUnchokeInterval time.Duration
	BlockSize                 int
	PerReadTimeout            time.Duration
	ConnectTimeout            time.Duration
	ListeningPort             uint16
	MaxPieces                 int // 0 means unbounded

	// TrackBandwidthSavings toggles the inert "piece_len*1.4" telemetry
	// figure carried over from the original prototype (spec.md §9 Open
	// Question: treated as telemetry, never a contract). Off by default.
	TrackBandwidthSavings bool

	// Rand supplies randomness for peer-id generation and optimistic
	// unchoke selection, injected per spec.md §9's Design Note so tests
	// can substitute a deterministic stream.
	Rand io.Reader

	Logger logrus.FieldLogger
}

// Option mutates a Config during construction.
type Option func(*Config)

// New builds a Config with the defaults of spec §6, then applies opts.
func New(opts ...Option) *Config {
	c := &Config{
		MaxParallelSessions:       5,
		UnchokedPeers:             4,
		OptimisticUnchokeInterval: 30 * time.Second,
		BlockSize:                 16384,
		PerReadTimeout:            15 * time.Second,
		ConnectTimeout:            15 * time.Second,
		ListeningPort:             6881,
		MaxPieces:                 0,
		Rand:                      rand.Reader,
		Logger:                    discardLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func discardLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func WithMaxParallelSessions(n int) Option { return func(c *Config) { c.MaxParallelSessions = n } }
func WithUnchokedPeers(k int) Option       { return func(c *Config) { c.UnchokedPeers = k } }
func WithOptimisticUnchokeInterval(d time.Duration) Option {
	return func(c *Config) { c.OptimisticUnchokeInterval = d }
}
func WithBlockSize(n int) Option          { return func(c *Config) { c.BlockSize = n } }
func WithPerReadTimeout(d time.Duration) Option {
	return func(c *Config) { c.PerReadTimeout = d }
}
func WithConnectTimeout(d time.Duration) Option { return func(c *Config) { c.ConnectTimeout = d } }
func WithListeningPort(p uint16) Option          { return func(c *Config) { c.ListeningPort = p } }
func WithMaxPieces(n int) Option                 { return func(c *Config) { c.MaxPieces = n } }
func WithTrackBandwidthSavings(on bool) Option {
	return func(c *Config) { c.TrackBandwidthSavings = on }
}
func WithRand(r io.Reader) Option             { return func(c *Config) { c.Rand = r } }
func WithLogger(l logrus.FieldLogger) Option  { return func(c *Config) { c.Logger = l } }

// peerIDPrefix is the spec §6 client identification prefix.
const peerIDPrefix = "-XX0001-"

// NewPeerID generates a 20-byte peer id: the fixed prefix followed by 12
// random bytes drawn from c.Rand, per spec §6.
func (c *Config) NewPeerID() ([20]byte, error) {
	var id [20]byte
	copy(id[:], peerIDPrefix)
	if _, err := io.ReadFull(c.Rand, id[len(peerIDPrefix):]); err != nil {
		return id, fmt.Errorf("config: generating peer id: %w", err)
	}
	return id, nil
}
