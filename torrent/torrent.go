// Package torrent is the glue: it drives a single download end to end,
// from parsed metainfo to bytes on disk, wiring metainfo, tracker,
// registry, scheduler and storage together per spec §4 and §7.
package torrent

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/gorent/gorent/config"
	"github.com/gorent/gorent/metainfo"
	"github.com/gorent/gorent/registry"
	"github.com/gorent/gorent/scheduler"
	"github.com/gorent/gorent/storage"
	"github.com/gorent/gorent/tracker"
)

// Torrent binds a parsed metainfo file to the runtime pieces needed to
// download it: config, logger and a tracker client. Each Download call
// builds its own registry.
type Torrent struct {
	Info   *metainfo.Info
	cfg    *config.Config
	log    logrus.FieldLogger
	client *tracker.Client
}

// Open parses raw into a Torrent ready to be downloaded.
func Open(raw []byte, cfg *config.Config) (*Torrent, error) {
	if cfg == nil {
		cfg = config.New()
	}
	info, err := metainfo.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("torrent: opening: %w", err)
	}
	return &Torrent{
		Info:   info,
		cfg:    cfg,
		log:    cfg.Logger,
		client: tracker.NewClient(),
	}, nil
}

// Download runs the full leeching pipeline described by spec §7: announce,
// admit peers, schedule pieces, verify digests, write files. The verified
// payload is written under downloadsDir; only an error is returned.
func (t *Torrent) Download(ctx context.Context, downloadsDir string) error {
	peerID, err := t.cfg.NewPeerID()
	if err != nil {
		return fmt.Errorf("torrent: generating peer id: %w", err)
	}

	log := t.log.WithField("name", t.Info.Name)
	log.Info("announcing to tracker")

	req := tracker.AnnounceRequest{
		InfoHash: t.Info.InfoHash,
		PeerID:   peerID,
		Port:     t.cfg.ListeningPort,
		Left:     t.Info.TotalLength,
		Compact:  true,
		Event:    "started",
	}
	peers, err := t.client.Announce(ctx, t.Info.AnnounceTiers, req)
	if err != nil {
		return fmt.Errorf("torrent: announcing: %w", err)
	}
	if len(peers) == 0 {
		return fmt.Errorf("torrent: tracker returned no peers")
	}
	log.WithField("peers", len(peers)).Info("tracker returned peers")

	reg := registry.New(t.cfg.UnchokedPeers, t.cfg.OptimisticUnchokeInterval, t.cfg.Rand)
	sched := scheduler.New(t.Info, t.cfg, reg, peerID)

	payload, err := sched.Run(ctx, peers)
	if err != nil {
		return fmt.Errorf("torrent: downloading: %w", err)
	}

	writer, err := storage.New(downloadsDir, t.Info.Files)
	if err != nil {
		return fmt.Errorf("torrent: preparing output: %w", err)
	}
	if err := writer.WriteAll(payload); err != nil {
		return fmt.Errorf("torrent: writing output: %w", err)
	}

	log.Info("download complete")
	return nil
}
