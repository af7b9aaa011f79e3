// Package ledger tracks which blocks of a torrent have been requested from
// peers and which have arrived. One Ledger is shared by every peer session of
// a torrent, so all access goes through a single mutex.
package ledger

import (
	"sync"

	"gotorrent/torrentfile"
)

// Geometry is the part of a torrent descriptor the ledger needs to size itself
type Geometry interface {
	NumPieces() int
	BlocksPerPiece(index int) int
}

type Ledger struct {
	mu        sync.Mutex
	requested [][]bool
	received  [][]bool
	remaining int
	total     int
	done      chan struct{}
}

func New(g Geometry) *Ledger {
	l := &Ledger{
		requested: buildPiecesMatrix(g),
		received:  buildPiecesMatrix(g),
		done:      make(chan struct{}),
	}
	for _, blocks := range l.received {
		l.total += len(blocks)
	}
	l.remaining = l.total
	if l.total == 0 {
		close(l.done)
	}
	return l
}

func buildPiecesMatrix(g Geometry) [][]bool {
	m := make([][]bool, g.NumPieces())
	for i := range m {
		m[i] = make([]bool, g.BlocksPerPiece(i))
	}
	return m
}

// AddRequested marks block as handed out to some peer
func (l *Ledger) AddRequested(block torrentfile.PieceBlock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.requested[block.Index][block.BlockIndex()] = true
}

// AddReceived marks block as downloaded and reports whether it was missing
// before. When the last missing block arrives the channel returned by Done
// is closed.
func (l *Ledger) AddReceived(block torrentfile.PieceBlock) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	j := block.BlockIndex()
	if l.received[block.Index][j] {
		return false
	}
	l.received[block.Index][j] = true
	l.remaining--
	if l.remaining == 0 {
		close(l.done)
	}
	return true
}

// Needed reports whether block has not been requested yet. Once every block
// has been requested, requested is reset to a copy of received so blocks held
// by stalled or dead peers can be handed out again.
func (l *Ledger) Needed(block torrentfile.PieceBlock) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if allTrue(l.requested) {
		for i, blocks := range l.received {
			copy(l.requested[i], blocks)
		}
	}
	return !l.requested[block.Index][block.BlockIndex()]
}

func (l *Ledger) IsDone() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.remaining == 0
}

// Done is closed once every block has been received
func (l *Ledger) Done() <-chan struct{} {
	return l.done
}

// Progress returns the number of received blocks and the total block count
func (l *Ledger) Progress() (received, total int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.total - l.remaining, l.total
}

func allTrue(m [][]bool) bool {
	for _, blocks := range m {
		for _, b := range blocks {
			if !b {
				return false
			}
		}
	}
	return true
}
