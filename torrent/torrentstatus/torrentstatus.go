package torrentstatus

import "sync"

// TorrentStatus holds download counters shared between peer goroutines and
// the progress reporter.
type TorrentStatus struct {
	DoneBlocks  int
	PeersAmount int
	Downloaded  int64
	mu          sync.RWMutex
}

func (s *TorrentStatus) GetPeersAmount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.PeersAmount
}

func (s *TorrentStatus) GetDoneBlocks() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.DoneBlocks
}

func (s *TorrentStatus) GetDownloaded() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.Downloaded
}

// AddBlock records one stored block of n bytes
func (s *TorrentStatus) AddBlock(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.DoneBlocks++
	s.Downloaded += int64(n)
}

func (s *TorrentStatus) IncrementPeersAmount() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.PeersAmount++
}

func (s *TorrentStatus) DecrementPeersAmount() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.PeersAmount--
}
