package common

import (
	"crypto/rand"
	"fmt"
)

var AppState struct {
	PeerID [20]byte
	Port   uint16
}

// Init sets the identity this client announces to trackers and peers
func Init(prefix string, port uint16) error {
	peerID, err := GeneratePeerID(prefix)
	if err != nil {
		return err
	}
	AppState.PeerID = peerID
	AppState.Port = port
	return nil
}

// GeneratePeerID returns prefix followed by random bytes, 20 bytes in total
func GeneratePeerID(prefix string) ([20]byte, error) {
	var id [20]byte
	if len(prefix) > len(id) {
		return id, fmt.Errorf("peer id prefix %q longer than %d bytes", prefix, len(id))
	}
	n := copy(id[:], prefix)
	if _, err := rand.Read(id[n:]); err != nil {
		return id, err
	}
	return id, nil
}
