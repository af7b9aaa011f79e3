package torrentfile

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTorrent(t *testing.T, length, pieceLength int64) *TorrentFile {
	t.Helper()
	numPieces := int((length + pieceLength - 1) / pieceLength)
	tf, err := Parse(map[string]interface{}{
		"info": map[string]interface{}{
			"name":         "f",
			"length":       length,
			"piece length": pieceLength,
			"pieces":       strings.Repeat("p", 20*numPieces),
		},
	})
	require.NoError(t, err)
	return tf
}

func TestGeometrySums(t *testing.T) {
	tests := []struct {
		name        string
		length      int64
		pieceLength int64
	}{
		{"exact multiple", 4 * 32768, 32768},
		{"short last piece", 49152, 32768},
		{"short last block", 100000, 32768},
		{"piece smaller than block", 10000, 4096},
		{"single byte", 1, 16384},
		{"odd piece length", 1 << 20, 40000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tf := newTestTorrent(t, tt.length, tt.pieceLength)
			var total int64
			for i := 0; i < tf.NumPieces(); i++ {
				sum := 0
				for j := 0; j < tf.BlocksPerPiece(i); j++ {
					sum += tf.BlockLength(i, j)
				}
				assert.Equal(t, tf.PieceLength(i), sum, "piece %d", i)

				blocks := tf.BlocksOf(i)
				require.Len(t, blocks, tf.BlocksPerPiece(i))
				for j, b := range blocks {
					assert.Equal(t, i, b.Index)
					assert.Equal(t, j*BlockLength, b.Begin)
					assert.Equal(t, j, b.BlockIndex())
				}
				total += int64(tf.PieceLength(i))
			}
			assert.Equal(t, tt.length, total)
		})
	}
}

func TestGeometryTwoPieceTorrent(t *testing.T) {
	tf := newTestTorrent(t, 49152, 32768)

	assert.Equal(t, 2, tf.NumPieces())
	assert.Equal(t, 32768, tf.PieceLength(0))
	assert.Equal(t, 2, tf.BlocksPerPiece(0))
	assert.Equal(t, 16384, tf.PieceLength(1))
	assert.Equal(t, 1, tf.BlocksPerPiece(1))
	assert.Equal(t, 16384, tf.BlockLength(1, 0))
	assert.Equal(t, []PieceBlock{{Index: 1, Begin: 0, Length: 16384}}, tf.BlocksOf(1))
}

func TestGeometryRemainders(t *testing.T) {
	tf := newTestTorrent(t, 100000, 32768)

	// 100000 = 3*32768 + 1696
	assert.Equal(t, 4, tf.NumPieces())
	assert.Equal(t, 1696, tf.PieceLength(3))
	assert.Equal(t, 1, tf.BlocksPerPiece(3))
	assert.Equal(t, 1696, tf.BlockLength(3, 0))

	// last piece exactly nominal when the length divides evenly
	even := newTestTorrent(t, 65536, 32768)
	assert.Equal(t, 32768, even.PieceLength(1))
	assert.Equal(t, BlockLength, even.BlockLength(1, 1))
	assert.Equal(t, int64(32768), even.PieceOffset(1))
}
