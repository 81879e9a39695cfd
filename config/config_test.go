package config

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewDefaults(t *testing.T) {
	c := New()
	require.Equal(t, 5, c.MaxParallelSessions)
	require.Equal(t, 4, c.UnchokedPeers)
	require.Equal(t, 16384, c.BlockSize)
	require.Equal(t, uint16(6881), c.ListeningPort)
	require.False(t, c.TrackBandwidthSavings)
}

func TestOptionsOverrideDefaults(t *testing.T) {
	c := New(WithMaxParallelSessions(2), WithUnchokedPeers(8), WithListeningPort(7000))
	require.Equal(t, 2, c.MaxParallelSessions)
	require.Equal(t, 8, c.UnchokedPeers)
	require.Equal(t, uint16(7000), c.ListeningPort)
}

func TestNewPeerIDHasPrefixAndIsDeterministicFromSource(t *testing.T) {
	c := New(WithRand(bytes.NewReader(bytes.Repeat([]byte{0x01}, 12))))
	id, err := c.NewPeerID()
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(string(id[:8]), "-XX0001-"))
	require.Equal(t, bytes.Repeat([]byte{0x01}, 12), id[8:])
}

func TestNewPeerIDErrorsOnShortRand(t *testing.T) {
	c := New(WithRand(bytes.NewReader([]byte{0x01})))
	_, err := c.NewPeerID()
	require.Error(t, err)
}
