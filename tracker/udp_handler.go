package tracker

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"net/url"
	"time"

	"github.com/sirupsen/logrus"

	"gotorrent/peer"
)

const (
	protocolID = 0x41727101980

	actionConnect  uint32 = 0
	actionAnnounce uint32 = 1
	actionScrape   uint32 = 2
	actionError    uint32 = 3

	connectionIDLifetime = 120 * time.Second

	headerLength = 20 // announce response before the peer list
	buffSize     = 8192
)

type connectRequestUDP struct {
	Magic         uint64
	Action        uint32
	TransactionID uint32
}

type announceRequestUDP struct {
	ConnectionID  uint64   // Received from the connect request
	Action        uint32   // Announce action (1)
	TransactionID uint32   // Randomly generated
	InfoHash      [20]byte // SHA1 hash of the info entry in the torrent
	PeerID        [20]byte // This client's ID (configured at start)
	Downloaded    uint64   // Bytes downloaded from the torrent so far
	Left          uint64   // Total bytes left to download from the torrent
	Uploaded      uint64   // Bytes uploaded to this torrent
	Event         uint32   // Event enum (none, completed, started, stopped)
	IPAddress     [4]byte  // 0 lets the tracker use the sender address
	Key           uint32   // Key to signify this client from others, in case of ip change
	NumWant       int32    // -1 for the tracker default
	Port          uint16   // This client's port to listen on during the Bittorrent transfer
}

// Session runs announce cycles against one UDP tracker. The connection id
// survives between cycles until it expires. A Session is not safe for
// concurrent use; each tracker gets its own.
type Session struct {
	URL      *url.URL
	config   Config
	infoHash [20]byte
	left     uint64

	connectionID     uint64
	connectionExpiry time.Time
	transactionID    uint32
	pendingAction    uint32 // action of the request awaiting a reply
	tries            int

	now func() time.Time
	log *logrus.Entry
}

// New validates the URL up front so unsupported trackers are reported at construction
func New(rawURL string, config Config, infoHash [20]byte, left uint64) (*Session, error) {
	u, err := ParseURL(rawURL)
	if err != nil {
		return nil, err
	}
	if config.BaseTimeout <= 0 {
		config.BaseTimeout = DefaultBaseTimeout
	}
	return &Session{
		URL:      u,
		config:   config,
		infoHash: infoHash,
		left:     left,
		now:      time.Now,
		log: logrus.WithFields(logrus.Fields{
			"component": "tracker",
			"tracker":   u.Host,
		}),
	}, nil
}

// Announce performs one announce cycle and returns either the tracker's
// response or an error. The socket is closed before Announce returns.
func (s *Session) Announce(ctx context.Context) (*AnnounceResponse, error) {
	raddr, err := net.ResolveUDPAddr("udp", s.URL.Host)
	if err != nil {
		return nil, fmt.Errorf("error resolving UDP address: %w", err)
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, fmt.Errorf("error connecting to UDP tracker: %w", err)
	}
	defer conn.Close()
	// wake a blocked read on cancellation; runs before Close
	stop := context.AfterFunc(ctx, func() { conn.SetReadDeadline(time.Now()) })
	defer stop()

	s.tries = 0
	buf := make([]byte, buffSize)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := s.sendRequest(conn); err != nil {
			return nil, err
		}

		timeout := timeoutFor(s.config.BaseTimeout, s.tries)
		if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return nil, err
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		n, err := conn.Read(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				if s.tries >= s.config.MaxRetries {
					return nil, fmt.Errorf("%w: no reply from %s after %d retries", ErrTimeout, s.URL.Host, s.tries)
				}
				s.tries++
				s.log.WithField("timeout", timeout).Debug("No reply, retrying")
				continue
			}
			return nil, fmt.Errorf("error receiving from tracker: %w", err)
		}
		s.tries = 0

		resp, err := s.handleMessage(buf[:n])
		if err != nil {
			return nil, err
		}
		if resp != nil {
			return resp, nil
		}
	}
}

func (s *Session) connectionIDValid() bool {
	return !s.connectionExpiry.IsZero() && !s.now().After(s.connectionExpiry)
}

// sendRequest sends a connect request, or an announce when the connection id is still valid
func (s *Session) sendRequest(conn net.Conn) error {
	s.transactionID = rand.Uint32()

	buf := new(bytes.Buffer)
	var req interface{}
	if s.connectionIDValid() {
		req = s.newAnnounceRequest()
		s.pendingAction = actionAnnounce
	} else {
		req = connectRequestUDP{Magic: protocolID, Action: actionConnect, TransactionID: s.transactionID}
		s.pendingAction = actionConnect
	}
	if err := binary.Write(buf, binary.BigEndian, req); err != nil {
		return err
	}
	if _, err := conn.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("error sending to tracker: %w", err)
	}
	s.log.WithFields(logrus.Fields{
		"transaction": s.transactionID,
		"bytes":       buf.Len(),
		"try":         s.tries,
	}).Debug("Sent request")
	return nil
}

func (s *Session) newAnnounceRequest() announceRequestUDP {
	return announceRequestUDP{
		ConnectionID:  s.connectionID,
		Action:        actionAnnounce,
		TransactionID: s.transactionID,
		InfoHash:      s.infoHash,
		PeerID:        s.config.PeerID,
		Left:          s.left,
		Key:           rand.Uint32(),
		NumWant:       -1,
		Port:          s.config.Port,
	}
}

// handleMessage returns a non-nil response once the announce reply arrives
func (s *Session) handleMessage(datagram []byte) (*AnnounceResponse, error) {
	if len(datagram) < 8 {
		return nil, fmt.Errorf("%w: datagram of %d bytes", ErrMalformedResponse, len(datagram))
	}
	action := binary.BigEndian.Uint32(datagram[0:4])
	transactionID := binary.BigEndian.Uint32(datagram[4:8])
	if transactionID != s.transactionID {
		return nil, fmt.Errorf("%w: got %d, expected %d", ErrTransactionMismatch, transactionID, s.transactionID)
	}

	if (action == actionConnect || action == actionAnnounce) && action != s.pendingAction {
		return nil, fmt.Errorf("%w: %d in reply to request with action %d", ErrUnknownAction, action, s.pendingAction)
	}

	switch action {
	case actionConnect:
		if len(datagram) < 16 {
			return nil, fmt.Errorf("%w: connect response of %d bytes", ErrMalformedResponse, len(datagram))
		}
		s.connectionID = binary.BigEndian.Uint64(datagram[8:16])
		s.connectionExpiry = s.now().Add(connectionIDLifetime)
		s.log.Debug("Got connection id")
		return nil, nil
	case actionAnnounce:
		return parseAnnounceResponse(datagram)
	case actionScrape:
		return nil, ErrScrapeUnsupported
	case actionError:
		return nil, &ServerError{Message: string(datagram[8:])}
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownAction, action)
	}
}

func parseAnnounceResponse(datagram []byte) (*AnnounceResponse, error) {
	if len(datagram) < headerLength {
		return nil, fmt.Errorf("%w: unexpected length of announce response - %d < %d",
			ErrMalformedResponse, len(datagram), headerLength)
	}
	peers, err := peer.UnmarshalBinary(datagram[headerLength:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return &AnnounceResponse{
		Interval: binary.BigEndian.Uint32(datagram[8:12]),
		Leechers: binary.BigEndian.Uint32(datagram[12:16]),
		Seeders:  binary.BigEndian.Uint32(datagram[16:20]),
		Peers:    peers,
	}, nil
}
