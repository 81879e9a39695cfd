// Package registry implements the peer statistics table and tit-for-tat
// choking policy of spec §4.6: a single mutex-guarded map from peer
// endpoint to PeerStats, plus the periodic recalculation that decides who
// we unchoke.
package registry

import (
	"encoding/binary"
	"io"
	"math/rand"
	"sort"
	"sync"
	"time"
)

// Stats tracks one peer's counters, rates, and choke/interest flags, per
// spec §3's PeerStats. Initial state: we_choke_them=true,
// they_choke_us=true, both interest flags false.
type Stats struct {
	Key string

	BytesDownloaded int64
	BytesUploaded   int64

	DownloadRate float64 // bytes/sec EMA, alpha=0.2
	UploadRate   float64

	WeChokeThem    bool
	TheyChokeUs    bool
	TheyInterested bool
	WeInterested   bool

	ConnectedAt time.Time

	lastDownloadTime time.Time
	lastUploadTime   time.Time
}

const emaAlpha = 0.2

// Registry is the mutex-guarded map of all admitted peers' Stats.
type Registry struct {
	mu    sync.Mutex
	peers map[string]*Stats
	order []string

	unchokedPeers             int
	optimisticUnchokeInterval time.Duration
	lastOptimisticUnchoke     time.Time
	rand                      io.Reader

	now func() time.Time
}

// New builds a Registry. unchokedPeers is K from spec §4.6;
// optimisticInterval is the 30s rotation period; randSource drives
// optimistic peer selection (injectable per spec §9's Design Note).
func New(unchokedPeers int, optimisticInterval time.Duration, randSource io.Reader) *Registry {
	return &Registry{
		peers:                     make(map[string]*Stats),
		unchokedPeers:             unchokedPeers,
		optimisticUnchokeInterval: optimisticInterval,
		rand:                      randSource,
		now:                       time.Now,
	}
}

// Admit creates Stats for key on first admission and returns the existing
// entry otherwise.
func (r *Registry) Admit(key string) *Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.peers[key]; ok {
		return s
	}
	now := r.now()
	s := &Stats{
		Key:              key,
		WeChokeThem:      true,
		TheyChokeUs:      true,
		ConnectedAt:      now,
		lastDownloadTime: now,
		lastUploadTime:   now,
	}
	r.peers[key] = s
	r.order = append(r.order, key)
	return s
}

// Get returns the Stats for key, or nil if never admitted.
func (r *Registry) Get(key string) *Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.peers[key]
}

// SetInterested updates the bits that describe interest/choke state as
// currently negotiated on the wire for this peer.
func (r *Registry) SetInterested(key string, theyInterested, theyChokeUs, weInterested bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.peers[key]
	if !ok {
		return
	}
	s.TheyInterested = theyInterested
	s.TheyChokeUs = theyChokeUs
	s.WeInterested = weInterested
}

// RecordDownload applies the rate EMA update of spec §4.6 for n bytes
// received from key.
func (r *Registry) RecordDownload(key string, n int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.peers[key]
	if !ok {
		return
	}
	now := r.now()
	dt := now.Sub(s.lastDownloadTime).Seconds()
	s.BytesDownloaded += n
	if dt > 0 {
		instant := float64(n) / dt
		s.DownloadRate = (1-emaAlpha)*s.DownloadRate + emaAlpha*instant
	}
	s.lastDownloadTime = now
}

// RecordUpload applies the symmetric EMA update for uploaded bytes. No
// effect on scheduling in this release, since uploading is out of scope;
// the counters exist for forward compatibility per spec §3.
func (r *Registry) RecordUpload(key string, n int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.peers[key]
	if !ok {
		return
	}
	now := r.now()
	dt := now.Sub(s.lastUploadTime).Seconds()
	s.BytesUploaded += n
	if dt > 0 {
		instant := float64(n) / dt
		s.UploadRate = (1-emaAlpha)*s.UploadRate + emaAlpha*instant
	}
	s.lastUploadTime = now
}

// snapshot copies the fields RecalculateChoking and BestPeersForDownload
// need without holding the lock during sort/selection.
type snapshot struct {
	key            string
	downloadRate   float64
	connectedAt    time.Time
	theyInterested bool
	theyChokeUs    bool
}

// RecalculateChoking implements spec §4.6 steps 1-4: sort interested,
// non-choking peers by download rate descending (ties by older
// connected_at), unchoke the top K-1, add one optimistic or K-th fill
// slot, and choke everyone else. Returns the keys now unchoked.
func (r *Registry) RecalculateChoking() []string {
	r.mu.Lock()
	var candidates []snapshot
	for _, s := range r.peers {
		if s.TheyInterested && !s.TheyChokeUs {
			candidates = append(candidates, snapshot{
				key: s.Key, downloadRate: s.DownloadRate,
				connectedAt: s.ConnectedAt, theyInterested: s.TheyInterested, theyChokeUs: s.TheyChokeUs,
			})
		}
	}
	now := r.now()
	optimisticDue := now.Sub(r.lastOptimisticUnchoke) >= r.optimisticUnchokeInterval
	r.mu.Unlock()

	if len(candidates) == 0 {
		return nil
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].downloadRate != candidates[j].downloadRate {
			return candidates[i].downloadRate > candidates[j].downloadRate
		}
		return candidates[i].connectedAt.Before(candidates[j].connectedAt)
	})

	topCount := r.unchokedPeers - 1
	if topCount < 0 {
		topCount = 0
	}
	if topCount > len(candidates) {
		topCount = len(candidates)
	}
	unchoked := make([]string, 0, r.unchokedPeers)
	for _, c := range candidates[:topCount] {
		unchoked = append(unchoked, c.key)
	}

	outside := candidates[topCount:]
	if optimisticDue {
		if len(outside) > 0 {
			idx := r.randIndex(len(outside))
			unchoked = append(unchoked, outside[idx].key)
		}
		r.mu.Lock()
		r.lastOptimisticUnchoke = now
		r.mu.Unlock()
	} else if len(outside) > 0 {
		// Fill strictly from outside the top K-1, per spec.md §9's
		// tightened rule (the prototype sometimes re-added a top peer
		// here; this implementation never does).
		unchoked = append(unchoked, outside[0].key)
	}

	r.applyChoking(unchoked)
	return unchoked
}

func (r *Registry) applyChoking(unchoked []string) {
	set := make(map[string]bool, len(unchoked))
	for _, k := range unchoked {
		set[k] = true
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, s := range r.peers {
		s.WeChokeThem = !set[k]
	}
}

// randIndex draws a uniform index in [0, n) from r.rand, falling back to
// math/rand's package-level source if r.rand is nil or fails to read
// (New accepts a nil randSource).
func (r *Registry) randIndex(n int) int {
	if n <= 0 {
		return 0
	}
	if r.rand != nil {
		var buf [8]byte
		if _, err := io.ReadFull(r.rand, buf[:]); err == nil {
			v := binary.BigEndian.Uint64(buf[:])
			return int(v % uint64(n))
		}
	}
	return rand.Intn(n)
}

// BestPeersForDownload returns up to count peers with TheyChokeUs==false,
// sorted by DownloadRate descending, per spec §4.6.
func (r *Registry) BestPeersForDownload(count int) []string {
	r.mu.Lock()
	var candidates []snapshot
	for _, s := range r.peers {
		if !s.TheyChokeUs {
			candidates = append(candidates, snapshot{key: s.Key, downloadRate: s.DownloadRate})
		}
	}
	r.mu.Unlock()

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].downloadRate > candidates[j].downloadRate })
	if count > len(candidates) {
		count = len(candidates)
	}
	out := make([]string, count)
	for i := 0; i < count; i++ {
		out[i] = candidates[i].key
	}
	return out
}

// AdmittedKeys returns every admitted peer key in admission order — used
// as the fallback of spec §4.7 step 1 when no best peers are available
// yet.
func (r *Registry) AdmittedKeys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}
