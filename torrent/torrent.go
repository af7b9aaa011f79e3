// Package torrent coordinates one download: it asks every tracker for peers,
// runs a session per peer and hands received blocks to storage.
package torrent

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set"
	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"gotorrent/connection"
	"gotorrent/ledger"
	"gotorrent/peer"
	"gotorrent/torrent/torrentstatus"
	"gotorrent/torrentfile"
	"gotorrent/tracker"
)

var (
	ErrNoPeers    = errors.New("no peers found")
	ErrIncomplete = errors.New("all peers disconnected before the download finished")
)

type Config struct {
	PeerID             [20]byte
	Port               uint16
	DialTimeout        time.Duration
	IdleTimeout        time.Duration
	TrackerBaseTimeout time.Duration
	TrackerMaxRetries  int
	MaxPeers           int
	DialRate           float64 // new connections per second
}

// BlockWriter stores downloaded blocks
type BlockWriter interface {
	WriteBlock(index, begin int, data []byte) error
}

type Torrent struct {
	Status torrentstatus.TorrentStatus

	tf       *torrentfile.TorrentFile
	config   Config
	store    BlockWriter
	ledger   *ledger.Ledger // shared with every session
	stored   *ledger.Ledger // blocks written to store
	trackers []*tracker.Session
	dial     func(ctx context.Context, p peer.Peer, timeout time.Duration) (net.Conn, error)
	log      *logrus.Entry
}

// New creates a session for every distinct UDP tracker of tf. Other trackers
// are skipped with a warning; having none left is an error.
func New(tf *torrentfile.TorrentFile, config Config, store BlockWriter) (*Torrent, error) {
	t := &Torrent{
		tf:     tf,
		config: config,
		store:  store,
		ledger: ledger.New(tf),
		stored: ledger.New(tf),
		dial:   connection.Dial,
		log: logrus.WithFields(logrus.Fields{
			"component": "torrent",
			"infohash":  tf.InfoHashHex(),
		}),
	}

	seen := mapset.NewSet()
	for _, announce := range tf.AnnounceList {
		if !seen.Add(announce) {
			continue
		}
		s, err := tracker.New(announce, tracker.Config{
			PeerID:      config.PeerID,
			Port:        config.Port,
			BaseTimeout: config.TrackerBaseTimeout,
			MaxRetries:  config.TrackerMaxRetries,
		}, tf.InfoHash, uint64(tf.Length))
		if err != nil {
			t.log.WithError(err).Warn("Skipping tracker")
			continue
		}
		t.trackers = append(t.trackers, s)
	}
	if len(t.trackers) == 0 {
		return nil, fmt.Errorf("%w: no usable tracker among %q", tracker.ErrUnsupportedScheme, tf.AnnounceList)
	}
	return t, nil
}

// announce queries every tracker concurrently and merges their peer lists.
// A failing tracker contributes no peers.
func (t *Torrent) announce(ctx context.Context) []peer.Peer {
	results := make([][]peer.Peer, len(t.trackers))
	var g errgroup.Group
	for i, s := range t.trackers {
		g.Go(func() error {
			log := t.log.WithField("tracker", s.URL.Host)
			resp, err := s.Announce(ctx)
			if err != nil {
				log.WithError(err).Warn("Announce failed")
				return nil
			}
			log.WithFields(logrus.Fields{
				"peers":    len(resp.Peers),
				"seeders":  resp.Seeders,
				"leechers": resp.Leechers,
				"interval": resp.Interval,
			}).Info("Announce succeeded")
			results[i] = resp.Peers
			return nil
		})
	}
	g.Wait()

	seen := mapset.NewSet()
	var peers []peer.Peer
	for _, list := range results {
		for _, p := range list {
			if seen.Add(p.String()) {
				peers = append(peers, p)
			}
		}
	}
	return peers
}

// Download runs until every block is stored, every peer session has ended or
// ctx is cancelled. It returns nil only for a complete download.
func (t *Torrent) Download(ctx context.Context) error {
	peers := t.announce(ctx)
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(peers) == 0 {
		return fmt.Errorf("%w from %d trackers", ErrNoPeers, len(t.trackers))
	}
	if t.config.MaxPeers > 0 && len(peers) > t.config.MaxPeers {
		peers = peers[:t.config.MaxPeers]
	}
	_, total := t.stored.Progress()
	t.log.WithFields(logrus.Fields{
		"peers":  len(peers),
		"blocks": total,
		"size":   humanize.Bytes(uint64(t.tf.Length)),
	}).Info("Starting download")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	blocks := make(chan connection.Block, 64)
	limiter := rate.NewLimiter(rate.Limit(t.config.DialRate), 1)
	if t.config.DialRate <= 0 {
		limiter.SetLimit(rate.Inf)
	}

	var wg sync.WaitGroup
	for _, p := range peers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			t.runPeer(ctx, limiter, p, blocks)
		}()
	}
	sessionsDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(sessionsDone)
	}()

	for {
		select {
		case b := <-blocks:
			if err := t.storeBlock(b); err != nil {
				cancel()
				<-sessionsDone
				return err
			}
		case <-t.stored.Done():
			t.log.WithField("downloaded", humanize.Bytes(uint64(t.Status.GetDownloaded()))).Info("Download complete")
			cancel()
			<-sessionsDone
			return nil
		case <-sessionsDone:
			// sessions are gone, but blocks they emitted may still be queued
		drain:
			for {
				select {
				case b := <-blocks:
					if err := t.storeBlock(b); err != nil {
						return err
					}
				default:
					break drain
				}
			}
			if t.stored.IsDone() {
				return nil
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			received, total := t.stored.Progress()
			return fmt.Errorf("%w: %d of %d blocks", ErrIncomplete, received, total)
		}
	}
}

func (t *Torrent) storeBlock(b connection.Block) error {
	block := torrentfile.PieceBlock{Index: b.Index, Begin: b.Begin, Length: len(b.Data)}
	if err := t.store.WriteBlock(b.Index, b.Begin, b.Data); err != nil {
		return fmt.Errorf("storing piece %d offset %d: %w", b.Index, b.Begin, err)
	}
	// a block delivered twice after a ledger reset is written again but counted once
	if !t.stored.AddReceived(block) {
		return nil
	}
	t.Status.AddBlock(len(b.Data))
	t.reportProgress()
	return nil
}

func (t *Torrent) reportProgress() {
	received, total := t.stored.Progress()
	percent := float64(received) / float64(total) * 100
	t.log.WithFields(logrus.Fields{
		"downloaded": humanize.Bytes(uint64(t.Status.GetDownloaded())),
		"peers":      t.Status.GetPeersAmount(),
	}).Infof("Progress: %.1f%% [%d/%d]", percent, received, total)
}

func (t *Torrent) runPeer(ctx context.Context, limiter *rate.Limiter, p peer.Peer, blocks chan<- connection.Block) {
	log := t.log.WithField("peer", p.String())
	if err := limiter.Wait(ctx); err != nil {
		return
	}
	conn, err := t.dial(ctx, p, t.config.DialTimeout)
	if err != nil {
		log.WithError(err).Debug("Could not connect")
		return
	}

	t.Status.IncrementPeersAmount()
	defer t.Status.DecrementPeersAmount()

	s := connection.New(conn, p, t.tf, t.ledger, connection.Config{
		PeerID:      t.config.PeerID,
		IdleTimeout: t.config.IdleTimeout,
	}, blocks)
	if err := s.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).Warn("Peer session ended")
	}
}
