// Package storage writes downloaded blocks into the torrent's file layout.
package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"

	"gotorrent/torrentfile"
)

// ErrOutOfRange is returned for blocks that fall outside the torrent
var ErrOutOfRange = errors.New("block outside torrent bounds")

type file struct {
	f      *os.File
	offset int64 // position of the first byte in the torrent
	length int64
}

// Storage maps {piece, begin} pairs onto the files of a torrent. In
// single-file mode the file is <dir>/<name>; otherwise the files live under
// <dir>/<name>/.
type Storage struct {
	mu     sync.Mutex
	tf     *torrentfile.TorrentFile
	files  []file
	closed bool
	log    *logrus.Entry
}

func New(dir string, tf *torrentfile.TorrentFile) (*Storage, error) {
	name := tf.Name
	if name == "" {
		name = tf.InfoHashHex()
	}
	if !filepath.IsLocal(name) {
		return nil, fmt.Errorf("unsafe torrent name %q", name)
	}
	layout := tf.Files
	root := filepath.Join(dir, name)
	if len(layout) == 0 {
		layout = []torrentfile.File{{Path: name, Length: tf.Length}}
		root = dir
	}

	s := &Storage{
		tf:  tf,
		log: logrus.WithFields(logrus.Fields{"component": "storage", "name": tf.Name}),
	}
	var offset int64
	for _, entry := range layout {
		if !filepath.IsLocal(entry.Path) {
			s.Close()
			return nil, fmt.Errorf("unsafe file path %q in torrent", entry.Path)
		}
		path := filepath.Join(root, entry.Path)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			s.Close()
			return nil, err
		}
		f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.files = append(s.files, file{f: f, offset: offset, length: entry.Length})
		offset += entry.Length
	}
	s.log.WithField("files", len(s.files)).Debug("Opened files")
	return s, nil
}

// WriteBlock writes data at piece index, offset begin, splitting it across
// file boundaries where needed
func (s *Storage) WriteBlock(index, begin int, data []byte) error {
	start := s.tf.PieceOffset(index) + int64(begin)
	end := start + int64(len(data))
	if index < 0 || begin < 0 || end > s.tf.Length {
		return fmt.Errorf("%w: piece %d offset %d length %d", ErrOutOfRange, index, begin, len(data))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return os.ErrClosed
	}
	for _, f := range s.files {
		lo := max(start, f.offset)
		hi := min(end, f.offset+f.length)
		if lo >= hi {
			continue
		}
		if _, err := f.f.WriteAt(data[lo-start:hi-start], lo-f.offset); err != nil {
			return fmt.Errorf("writing %s: %w", f.f.Name(), err)
		}
	}
	return nil
}

// Close closes every file. Calling it again is a no-op.
func (s *Storage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	var errs []error
	for _, f := range s.files {
		errs = append(errs, f.f.Close())
	}
	return errors.Join(errs...)
}
