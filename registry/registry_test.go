package registry

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func fixedClock(t *time.Time) func() time.Time {
	return func() time.Time { return *t }
}

func TestAdmitInitialState(t *testing.T) {
	r := New(4, 30*time.Second, bytes.NewReader(make([]byte, 1024)))
	s := r.Admit("1.1.1.1:6881")
	require.True(t, s.WeChokeThem)
	require.True(t, s.TheyChokeUs)
	require.False(t, s.TheyInterested)
	require.False(t, s.WeInterested)

	again := r.Admit("1.1.1.1:6881")
	require.Same(t, s, again)
}

func TestRateEMAMonotonicityUnderConstantRate(t *testing.T) {
	now := time.Unix(0, 0)
	r := New(4, 30*time.Second, bytes.NewReader(make([]byte, 1024)))
	r.now = fixedClock(&now)
	r.Admit("p")

	const rate = 1000.0 // bytes/sec
	for i := 0; i < 25; i++ {
		now = now.Add(time.Second)
		r.RecordDownload("p", int64(rate))
	}

	got := r.Get("p").DownloadRate
	require.InEpsilon(t, rate, got, 0.01)
}

func TestChokingFairnessTieBreakByConnectedAt(t *testing.T) {
	now := time.Unix(0, 0)
	r := New(2, 30*time.Second, bytes.NewReader(make([]byte, 1024)))
	r.now = fixedClock(&now)

	older := r.Admit("older")
	now = now.Add(time.Second)
	_ = r.Admit("newer")

	r.SetInterested("older", true, false, true)
	r.SetInterested("newer", true, false, true)
	// Equal (zero) download rates; older connected_at must win the only
	// top-K-1 slot (K=2 means 1 slot before fill).
	unchoked := r.RecalculateChoking()
	require.Contains(t, unchoked, older.Key)
}

func TestRecalculateChokingSelectsTopKMinusOneAndFillsKth(t *testing.T) {
	now := time.Unix(0, 0)
	r := New(3, 30*time.Second, bytes.NewReader(make([]byte, 1024)))
	r.now = fixedClock(&now)

	for _, key := range []string{"a", "b", "c", "d"} {
		r.Admit(key)
		r.SetInterested(key, true, false, true)
	}
	// Advance the clock so each RecordDownload sees dt > 0 and the rates
	// actually separate the peers.
	now = now.Add(time.Second)
	r.lastOptimisticUnchoke = now // an optimistic cycle has just run
	r.RecordDownload("a", 100)
	r.RecordDownload("b", 80)
	r.RecordDownload("c", 60)
	r.RecordDownload("d", 40)

	// Not yet due for an optimistic cycle: the fill must be the K-th
	// sorted peer (c), strictly outside the top K-1={a,b}.
	unchoked := r.RecalculateChoking()
	require.ElementsMatch(t, []string{"a", "b", "c"}, unchoked)
}

func TestRecalculateChokingOptimisticCycleAddsOutsider(t *testing.T) {
	now := time.Unix(0, 0)
	r := New(2, 30*time.Second, bytes.NewReader(make([]byte, 1024)))
	r.now = fixedClock(&now)

	for _, key := range []string{"a", "b", "c"} {
		r.Admit(key)
		r.SetInterested(key, true, false, true)
	}
	// Advance the clock so each RecordDownload sees dt > 0 and the rates
	// actually separate the peers.
	now = now.Add(time.Second)
	r.RecordDownload("a", 100)
	r.RecordDownload("b", 50)
	r.RecordDownload("c", 10)

	now = now.Add(31 * time.Second) // force optimistic cycle
	unchoked := r.RecalculateChoking()

	require.Contains(t, unchoked, "a") // top K-1=1 slot
	// the second slot must come from {b, c}, never re-picking "a".
	require.Len(t, unchoked, 2)
	require.NotEqual(t, unchoked[0], unchoked[1])
}

func TestBestPeersForDownloadFiltersChokedAndSorts(t *testing.T) {
	r := New(4, 30*time.Second, bytes.NewReader(make([]byte, 1024)))
	r.Admit("fast")
	r.Admit("slow")
	r.Admit("choked")
	r.SetInterested("fast", true, false, true)
	r.SetInterested("slow", true, false, true)
	r.SetInterested("choked", true, true, true) // they_choke_us=true

	r.RecordDownload("fast", 1000)
	r.RecordDownload("slow", 10)

	best := r.BestPeersForDownload(5)
	require.Equal(t, []string{"fast", "slow"}, best)
}

func TestAdmittedKeysPreservesOrder(t *testing.T) {
	r := New(4, 30*time.Second, bytes.NewReader(make([]byte, 1024)))
	r.Admit("first")
	r.Admit("second")
	r.Admit("third")
	require.Equal(t, []string{"first", "second", "third"}, r.AdmittedKeys())
}
