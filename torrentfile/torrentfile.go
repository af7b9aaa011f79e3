package torrentfile

import (
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/zeebo/bencode"
)

// ErrUnsupportedSource is returned for descriptor sources this client cannot load.
var ErrUnsupportedSource = errors.New("unsupported torrent source")

// ErrMalformed is returned when the decoded tree is missing a field or has the wrong shape.
var ErrMalformed = errors.New("malformed torrent descriptor")

const hashLen = 20 // Length of SHA-1 hash

// File is one entry of a multi-file layout
type File struct {
	Path   string
	Length int64
}

// TorrentFile encodes the metadata from a .torrent file. It is never modified
// after Parse returns, so it is safe for concurrent readers.
type TorrentFile struct {
	AnnounceList       []string
	InfoHash           [20]byte
	PieceHashes        [][20]byte
	NominalPieceLength int
	Length             int64
	Name               string
	Files              []File // empty in single-file mode
}

// Open parses a torrent file
func Open(path string) (*TorrentFile, error) {
	if !strings.HasSuffix(path, ".torrent") {
		return nil, fmt.Errorf("%w: %q has no .torrent extension", ErrUnsupportedSource, path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var tree map[string]interface{}
	if err := bencode.DecodeBytes(data, &tree); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}
	return Parse(tree)
}

// Parse builds a TorrentFile from a decoded bencode tree.
func Parse(tree map[string]interface{}) (*TorrentFile, error) {
	info, ok := tree["info"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("%w: missing info dictionary", ErrMalformed)
	}

	infoHash, err := hashInfo(info)
	if err != nil {
		return nil, err
	}

	name, _ := info["name"].(string)
	pieceLength, ok := toInt64(info["piece length"])
	if !ok || pieceLength <= 0 {
		return nil, fmt.Errorf("%w: invalid piece length", ErrMalformed)
	}
	pieces, ok := info["pieces"].(string)
	if !ok {
		return nil, fmt.Errorf("%w: missing pieces", ErrMalformed)
	}
	pieceHashes, err := splitPieceHashes(pieces)
	if err != nil {
		return nil, err
	}

	files, length, err := extractFiles(info)
	if err != nil {
		return nil, err
	}
	if length <= 0 {
		return nil, fmt.Errorf("%w: total length must be positive, got %d", ErrMalformed, length)
	}
	wantPieces := (length + pieceLength - 1) / pieceLength
	if int64(len(pieceHashes)) != wantPieces {
		return nil, fmt.Errorf("%w: %d piece hashes for %d bytes at piece length %d",
			ErrMalformed, len(pieceHashes), length, pieceLength)
	}

	return &TorrentFile{
		AnnounceList:       extractAnnounce(tree),
		InfoHash:           infoHash,
		PieceHashes:        pieceHashes,
		NominalPieceLength: int(pieceLength),
		Length:             length,
		Name:               name,
		Files:              files,
	}, nil
}

// InfoHashHex returns the info-hash as a lowercase hex string
func (t *TorrentFile) InfoHashHex() string {
	return hex.EncodeToString(t.InfoHash[:])
}

// hashInfo re-encodes the parsed info dictionary. The encoder writes
// dictionary keys in sorted order, which is the canonical bencode layout.
func hashInfo(info map[string]interface{}) ([20]byte, error) {
	raw, err := bencode.EncodeBytes(info)
	if err != nil {
		return [20]byte{}, fmt.Errorf("re-encoding info: %w", err)
	}
	return sha1.Sum(raw), nil
}

func extractAnnounce(tree map[string]interface{}) []string {
	var urls []string
	if tiers, ok := tree["announce-list"].([]interface{}); ok {
		for _, tier := range tiers {
			list, ok := tier.([]interface{})
			if !ok {
				continue
			}
			for _, u := range list {
				if s, ok := u.(string); ok {
					urls = append(urls, s)
				}
			}
		}
		return urls
	}
	if s, ok := tree["announce"].(string); ok {
		urls = append(urls, s)
	}
	return urls
}

func extractFiles(info map[string]interface{}) ([]File, int64, error) {
	entries, multi := info["files"].([]interface{})
	if !multi {
		length, ok := toInt64(info["length"])
		if !ok {
			return nil, 0, fmt.Errorf("%w: missing length", ErrMalformed)
		}
		return nil, length, nil
	}

	files := make([]File, 0, len(entries))
	var total int64
	for i, entry := range entries {
		dict, ok := entry.(map[string]interface{})
		if !ok {
			return nil, 0, fmt.Errorf("%w: files[%d] is not a dictionary", ErrMalformed, i)
		}
		length, ok := toInt64(dict["length"])
		if !ok || length < 0 {
			return nil, 0, fmt.Errorf("%w: files[%d] has invalid length", ErrMalformed, i)
		}
		segments, ok := dict["path"].([]interface{})
		if !ok || len(segments) == 0 {
			return nil, 0, fmt.Errorf("%w: files[%d] has no path", ErrMalformed, i)
		}
		parts := make([]string, 0, len(segments))
		for _, seg := range segments {
			s, ok := seg.(string)
			if !ok {
				return nil, 0, fmt.Errorf("%w: files[%d] has a non-string path segment", ErrMalformed, i)
			}
			parts = append(parts, s)
		}
		files = append(files, File{Path: filepath.Join(parts...), Length: length})
		total += length
	}
	return files, total, nil
}

func splitPieceHashes(pieces string) ([][20]byte, error) {
	buf := []byte(pieces)
	if len(buf)%hashLen != 0 {
		err := fmt.Errorf("%w: received malformed pieces of length %d", ErrMalformed, len(buf))
		return nil, err
	}
	numHashes := len(buf) / hashLen
	hashes := make([][20]byte, numHashes)

	for i := 0; i < numHashes; i++ {
		copy(hashes[i][:], buf[i*hashLen:(i+1)*hashLen])
	}
	return hashes, nil
}

// bencode may decode ints as int64
func toInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case uint64:
		return int64(n), true
	default:
		return 0, false
	}
}
