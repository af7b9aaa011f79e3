package torrentfile

// BlockLength is the size of every block except possibly the last block of the last piece
const BlockLength = 0x4000

// PieceBlock addresses one block on the wire
type PieceBlock struct {
	Index  int // zero-based piece index
	Begin  int // byte offset within the piece
	Length int
}

// BlockIndex is the position of the block inside its piece
func (b PieceBlock) BlockIndex() int {
	return b.Begin / BlockLength
}

func (t *TorrentFile) NumPieces() int {
	return len(t.PieceHashes)
}

// PieceLength returns the size of piece index. Every piece has the nominal
// length except the final one, which holds the remainder of the content.
func (t *TorrentFile) PieceLength(index int) int {
	if index == t.NumPieces()-1 {
		if rem := int(t.Length % int64(t.NominalPieceLength)); rem != 0 {
			return rem
		}
	}
	return t.NominalPieceLength
}

// BlocksPerPiece is ceil(PieceLength(index) / BlockLength)
func (t *TorrentFile) BlocksPerPiece(index int) int {
	return (t.PieceLength(index) + BlockLength - 1) / BlockLength
}

// BlockLength returns the size of block blockIndex of piece index.
func (t *TorrentFile) BlockLength(index, blockIndex int) int {
	pieceLength := t.PieceLength(index)
	if blockIndex == t.BlocksPerPiece(index)-1 {
		if rem := pieceLength % BlockLength; rem != 0 {
			return rem
		}
	}
	return BlockLength
}

// BlocksOf lists every block of a piece in offset order
func (t *TorrentFile) BlocksOf(index int) []PieceBlock {
	n := t.BlocksPerPiece(index)
	blocks := make([]PieceBlock, n)
	for i := range n {
		blocks[i] = PieceBlock{
			Index:  index,
			Begin:  i * BlockLength,
			Length: t.BlockLength(index, i),
		}
	}
	return blocks
}

// PieceOffset is the absolute position of the first byte of piece index
func (t *TorrentFile) PieceOffset(index int) int64 {
	return int64(index) * int64(t.NominalPieceLength)
}
