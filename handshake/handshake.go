package handshake

// Protocol is the protocol string every BitTorrent v1 peer sends
const Protocol = "BitTorrent protocol"

// Length of a handshake carrying the standard protocol string
const Length = 49 + len(Protocol)

// A Handshake is a special message that a peer uses to identify itself.
// InfoHash and PeerID are nil when absent from a truncated frame.
type Handshake struct {
	Pstr     string
	InfoHash *[20]byte
	PeerID   *[20]byte
}

func New(infoHash, peerID *[20]byte) *Handshake {
	return &Handshake{
		Pstr:     Protocol,
		InfoHash: infoHash,
		PeerID:   peerID,
	}
}

// FrameLength returns the size of a handshake whose first byte is pstrlen
func FrameLength(pstrlen byte) int {
	return 49 + int(pstrlen)
}

// Serialize serializes the handshake to a buffer. Absent hashes are written as zeros.
func (h *Handshake) Serialize() []byte {
	buf := make([]byte, len(h.Pstr)+49)
	buf[0] = byte(len(h.Pstr))
	curr := 1
	curr += copy(buf[curr:], h.Pstr)
	curr += copy(buf[curr:], make([]byte, 8)) // 8 reserved bytes
	if h.InfoHash != nil {
		copy(buf[curr:], h.InfoHash[:])
	}
	curr += 20
	if h.PeerID != nil {
		copy(buf[curr:], h.PeerID[:])
	}
	return buf
}

// Deserialize never fails: regions missing from a short buffer come back as
// an empty Pstr or nil hashes.
func Deserialize(data []byte) *Handshake {
	h := &Handshake{}
	if len(data) == 0 {
		return h
	}
	pstrlen := int(data[0])
	end := min(1+pstrlen, len(data))
	h.Pstr = string(data[1:end])

	hashStart := 1 + pstrlen + 8
	if len(data) >= hashStart+20 {
		var infoHash [20]byte
		copy(infoHash[:], data[hashStart:hashStart+20])
		h.InfoHash = &infoHash
	}
	if len(data) >= hashStart+40 {
		var peerID [20]byte
		copy(peerID[:], data[hashStart+20:hashStart+40])
		h.PeerID = &peerID
	}
	return h
}
