// Package connection runs the peer wire protocol against a single remote peer.
package connection

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/emirpasic/gods/queues/linkedlistqueue"
	"github.com/sirupsen/logrus"

	"gotorrent/handshake"
	"gotorrent/ledger"
	"gotorrent/message"
	"gotorrent/peer"
	"gotorrent/protocolconn"
	"gotorrent/torrentfile"
)

var (
	// ErrHandshake is returned when the peer's handshake names another protocol or torrent
	ErrHandshake = errors.New("handshake rejected")
	// ErrChoked is returned when the peer chokes us. Sessions do not wait for a later unchoke.
	ErrChoked = errors.New("choked by peer")
)

const DefaultIdleTimeout = 30 * time.Second

// Block is a downloaded block, emitted in the order the peer sent it
type Block struct {
	Index int
	Begin int
	Data  []byte
}

type Config struct {
	PeerID      [20]byte
	IdleTimeout time.Duration
}

// Session represents a client connection to one peer.
type Session struct {
	Peer   peer.Peer
	conn   *protocolconn.ProtocolConn
	tf     *torrentfile.TorrentFile
	ledger *ledger.Ledger
	peerID [20]byte
	blocks chan<- Block

	handshaken bool
	choked     bool
	queue      *linkedlistqueue.Queue // candidate torrentfile.PieceBlock values
	log        *logrus.Entry
}

// Dial opens the TCP transport to p
func Dial(ctx context.Context, p peer.Peer, timeout time.Duration) (net.Conn, error) {
	d := net.Dialer{Timeout: timeout}
	return d.DialContext(ctx, "tcp", p.String())
}

// New wraps an established transport. Received blocks are marked in l and
// then sent on blocks.
func New(conn net.Conn, p peer.Peer, tf *torrentfile.TorrentFile, l *ledger.Ledger, config Config, blocks chan<- Block) *Session {
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = DefaultIdleTimeout
	}
	return &Session{
		Peer:   p,
		conn:   protocolconn.New(conn, config.IdleTimeout),
		tf:     tf,
		ledger: l,
		peerID: config.PeerID,
		blocks: blocks,
		choked: true,
		queue:  linkedlistqueue.New(),
		log: logrus.WithFields(logrus.Fields{
			"component": "connection",
			"peer":      p.String(),
		}),
	}
}

// Run sends the local handshake and processes frames until the peer fails,
// chokes us or ctx is cancelled. The transport is always closed on return.
func (s *Session) Run(ctx context.Context) error {
	defer s.conn.Close()
	stop := context.AfterFunc(ctx, func() { s.conn.Close() })
	defer stop()

	req := handshake.New(&s.tf.InfoHash, &s.peerID)
	if _, err := s.conn.Write(req.Serialize()); err != nil {
		return s.wrapTransport(ctx, "sending handshake", err)
	}
	s.log.Debug("Sent handshake")

	for {
		frame, err := s.conn.ReadFrame()
		if err != nil {
			return s.wrapTransport(ctx, "reading frame", err)
		}
		if !s.handshaken {
			err = s.handleHandshake(frame)
		} else {
			err = s.handleFrame(ctx, frame)
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
	}
}

func (s *Session) wrapTransport(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return fmt.Errorf("%s with %s: %w", op, s.Peer, err)
}

func (s *Session) handleHandshake(frame []byte) error {
	resp := handshake.Deserialize(frame)
	if resp.Pstr != handshake.Protocol {
		return fmt.Errorf("%w: unexpected protocol %q", ErrHandshake, resp.Pstr)
	}
	if resp.InfoHash == nil {
		return fmt.Errorf("%w: missing infohash", ErrHandshake)
	}
	if !bytes.Equal(resp.InfoHash[:], s.tf.InfoHash[:]) {
		return fmt.Errorf("%w: expected infohash %x but got %x", ErrHandshake, s.tf.InfoHash, *resp.InfoHash)
	}
	s.handshaken = true
	s.log.Debug("Handshake accepted, sending interested")
	return s.conn.WriteMessage(&message.Message{ID: message.MsgInterested})
}

func (s *Session) handleFrame(ctx context.Context, frame []byte) error {
	msg, err := message.Deserialize(frame)
	if err != nil {
		return err
	}
	if msg == nil {
		return nil // keep-alive
	}

	switch msg.ID {
	case message.MsgChoke:
		s.choked = true
		return ErrChoked
	case message.MsgUnchoke:
		s.choked = false
		return s.requestPiece()
	case message.MsgHave:
		index, err := msg.ParseHave()
		if err != nil {
			return err
		}
		if index < 0 || index >= s.tf.NumPieces() {
			return fmt.Errorf("%w: have for piece %d of %d", message.ErrMalformed, index, s.tf.NumPieces())
		}
		return s.enqueue([]int{index})
	case message.MsgBitfield:
		indices, err := msg.ParseBitfield()
		if err != nil {
			return err
		}
		// spare bits past the last piece are ignored
		valid := indices[:0]
		for _, index := range indices {
			if index < s.tf.NumPieces() {
				valid = append(valid, index)
			}
		}
		return s.enqueue(valid)
	case message.MsgPiece:
		return s.handlePiece(ctx, msg)
	default:
		s.log.WithField("message", msg.ID).Debug("Ignoring message")
		return nil
	}
}

// enqueue appends the blocks of pieces to the candidate queue and asks for
// one if the queue was empty before
func (s *Session) enqueue(pieces []int) error {
	wasEmpty := s.queue.Empty()
	for _, index := range pieces {
		for _, block := range s.tf.BlocksOf(index) {
			s.queue.Enqueue(block)
		}
	}
	if wasEmpty {
		return s.requestPiece()
	}
	return nil
}

func (s *Session) handlePiece(ctx context.Context, msg *message.Message) error {
	index, begin, data, err := msg.ParsePiece()
	if err != nil {
		return err
	}
	if index < 0 || index >= s.tf.NumPieces() || begin < 0 || begin%torrentfile.BlockLength != 0 {
		return fmt.Errorf("%w: piece %d at offset %d", message.ErrMalformed, index, begin)
	}
	j := begin / torrentfile.BlockLength
	if j >= s.tf.BlocksPerPiece(index) || len(data) != s.tf.BlockLength(index, j) {
		return fmt.Errorf("%w: block %d of piece %d with %d bytes", message.ErrMalformed, j, index, len(data))
	}

	s.ledger.AddReceived(torrentfile.PieceBlock{Index: index, Begin: begin, Length: len(data)})
	select {
	case s.blocks <- Block{Index: index, Begin: begin, Data: data}:
	case <-ctx.Done():
		return ctx.Err()
	}

	if s.ledger.IsDone() {
		return nil
	}
	return s.requestPiece()
}

// requestPiece sends one request for the first queued block the ledger
// still needs. Nothing is sent while choked.
func (s *Session) requestPiece() error {
	if s.choked {
		return nil
	}
	for !s.queue.Empty() {
		v, _ := s.queue.Dequeue()
		block := v.(torrentfile.PieceBlock)
		if !s.ledger.Needed(block) {
			continue
		}
		if err := s.conn.WriteMessage(message.FormatRequest(block.Index, block.Begin, block.Length)); err != nil {
			return fmt.Errorf("sending request to %s: %w", s.Peer, err)
		}
		s.ledger.AddRequested(block)
		s.log.WithFields(logrus.Fields{
			"index": block.Index,
			"begin": block.Begin,
		}).Debug("Requested block")
		return nil
	}
	return nil
}
