// Package tracker implements the UDP tracker protocol (BEP 15). HTTP trackers
// and scrape requests are not supported.
package tracker

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"gotorrent/peer"
)

var (
	ErrUnsupportedScheme   = errors.New("unsupported tracker protocol")
	ErrTimeout             = errors.New("tracker timeout")
	ErrTransactionMismatch = errors.New("received invalid transaction id from the tracker")
	ErrScrapeUnsupported   = errors.New("scrape action is not supported")
	ErrUnknownAction       = errors.New("unknown action received from tracker")
	ErrMalformedResponse   = errors.New("malformed tracker response")
)

// ServerError carries the message of an error action sent by the tracker
type ServerError struct {
	Message string
}

func (e *ServerError) Error() string {
	return "tracker error: " + e.Message
}

// DefaultBaseTimeout is the wait before the first retry; each retry doubles it
const DefaultBaseTimeout = 15 * time.Second

type Config struct {
	PeerID      [20]byte
	Port        uint16
	BaseTimeout time.Duration
	MaxRetries  int // 0 means the first timeout is fatal
}

type AnnounceResponse struct {
	Interval uint32
	Leechers uint32
	Seeders  uint32
	Peers    []peer.Peer
}

// ParseURL accepts only udp:// announce URLs
func ParseURL(rawURL string) (*url.URL, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("error parsing tracker URL: %w", err)
	}
	if u.Scheme != "udp" {
		return nil, fmt.Errorf("%w: %q in %s", ErrUnsupportedScheme, u.Scheme, rawURL)
	}
	if u.Port() == "" {
		return nil, fmt.Errorf("tracker URL %s has no port", rawURL)
	}
	return u, nil
}

// timeoutFor returns BaseTimeout * 2^tries
func timeoutFor(base time.Duration, tries int) time.Duration {
	return base << tries
}
