package peer

import (
	"encoding/binary"
	"fmt"
	"net"
	"strconv"
)

const peerSize = 6 // 4 for IP, 2 for port

type Peer struct {
	IP   net.IP
	Port uint16
}

func (p Peer) String() string {
	return net.JoinHostPort(p.IP.String(), strconv.Itoa(int(p.Port)))
}

// UnmarshalBinary decodes a compact peer list of 6-byte big-endian entries
func UnmarshalBinary(peersBin []byte) ([]Peer, error) {
	numPeers := len(peersBin) / peerSize
	if len(peersBin)%peerSize != 0 {
		err := fmt.Errorf("received malformed peers of length %d", len(peersBin))
		return nil, err
	}
	peers := make([]Peer, numPeers)
	for i := range numPeers {
		offset := i * peerSize
		peers[i].IP = net.IPv4(peersBin[offset], peersBin[offset+1], peersBin[offset+2], peersBin[offset+3])
		peers[i].Port = binary.BigEndian.Uint16(peersBin[offset+4 : offset+6])
	}
	return peers, nil
}

// MarshalBinary is the inverse of UnmarshalBinary. Non-IPv4 peers are skipped.
func MarshalBinary(peers []Peer) []byte {
	buf := make([]byte, 0, len(peers)*peerSize)
	for _, p := range peers {
		ip4 := p.IP.To4()
		if ip4 == nil {
			continue
		}
		buf = append(buf, ip4...)
		buf = binary.BigEndian.AppendUint16(buf, p.Port)
	}
	return buf
}
