package connection

import (
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gotorrent/handshake"
	"gotorrent/ledger"
	"gotorrent/message"
	"gotorrent/peer"
	"gotorrent/protocolconn"
	"gotorrent/torrentfile"
)

// twoPieceTorrent has pieces of 32 KiB and 16 KiB: three blocks in total
func twoPieceTorrent(t *testing.T) *torrentfile.TorrentFile {
	tf, err := torrentfile.Parse(map[string]interface{}{
		"announce": "udp://tracker.example.org:1337/announce",
		"info": map[string]interface{}{
			"name":         "a.bin",
			"length":       int64(49152),
			"piece length": int64(32768),
			"pieces":       strings.Repeat("h", 40),
		},
	})
	require.NoError(t, err)
	return tf
}

type harness struct {
	tf     *torrentfile.TorrentFile
	ledger *ledger.Ledger
	blocks chan Block
	remote *protocolconn.ProtocolConn
	errc   chan error
	cancel context.CancelFunc
}

func startSession(t *testing.T, idleTimeout time.Duration) *harness {
	local, remote := net.Pipe()
	t.Cleanup(func() { remote.Close() })

	tf := twoPieceTorrent(t)
	h := &harness{
		tf:     tf,
		ledger: ledger.New(tf),
		blocks: make(chan Block, 8),
		remote: protocolconn.New(remote, 2*time.Second),
		errc:   make(chan error, 1),
	}
	var peerID [20]byte
	copy(peerID[:], "-GT0001-000000000001")
	s := New(local, peer.Peer{IP: net.IPv4(127, 0, 0, 1), Port: 6881}, tf, h.ledger,
		Config{PeerID: peerID, IdleTimeout: idleTimeout}, h.blocks)

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	t.Cleanup(cancel)
	go func() { h.errc <- s.Run(ctx) }()
	return h
}

// exchangeHandshake consumes the session handshake and answers with infoHash
func (h *harness) exchangeHandshake(t *testing.T, infoHash [20]byte) {
	frame, err := h.remote.ReadFrame()
	require.NoError(t, err)
	hs := handshake.Deserialize(frame)
	require.NotNil(t, hs.InfoHash)
	assert.Equal(t, h.tf.InfoHash, *hs.InfoHash)
	assert.Equal(t, "-GT0001-000000000001", string(hs.PeerID[:]))

	var remoteID [20]byte
	copy(remoteID[:], "-XX0001-remotepeer01")
	_, err = h.remote.Write(handshake.New(&infoHash, &remoteID).Serialize())
	require.NoError(t, err)
}

func (h *harness) readMessage(t *testing.T) *message.Message {
	frame, err := h.remote.ReadFrame()
	require.NoError(t, err)
	msg, err := message.Deserialize(frame)
	require.NoError(t, err)
	return msg
}

func (h *harness) send(t *testing.T, msg *message.Message) {
	require.NoError(t, h.remote.WriteMessage(msg))
}

func (h *harness) result(t *testing.T) error {
	select {
	case err := <-h.errc:
		return err
	case <-time.After(3 * time.Second):
		t.Fatal("session did not finish")
		return nil
	}
}

func TestSessionDownloadsAllBlocks(t *testing.T) {
	h := startSession(t, time.Second)
	h.exchangeHandshake(t, h.tf.InfoHash)

	msg := h.readMessage(t)
	require.NotNil(t, msg)
	assert.Equal(t, message.MsgInterested, msg.ID)

	h.send(t, message.FormatBitfield(h.tf.NumPieces(), []int{0, 1}))
	h.send(t, &message.Message{ID: message.MsgUnchoke})

	var requests [][3]int
	for range 3 {
		msg := h.readMessage(t)
		require.NotNil(t, msg)
		require.Equal(t, message.MsgRequest, msg.ID)
		index, begin, length, err := msg.ParseRequest()
		require.NoError(t, err)
		requests = append(requests, [3]int{index, begin, length})
		h.send(t, message.FormatPiece(index, begin, make([]byte, length)))
	}
	assert.Equal(t, [][3]int{{0, 0, 16384}, {0, 16384, 16384}, {1, 0, 16384}}, requests)

	for _, want := range requests {
		b := <-h.blocks
		assert.Equal(t, want[0], b.Index)
		assert.Equal(t, want[1], b.Begin)
		assert.Len(t, b.Data, want[2])
	}
	assert.True(t, h.ledger.IsDone())

	h.cancel()
	assert.ErrorIs(t, h.result(t), context.Canceled)
}

func TestSessionSkipsBlocksNotNeeded(t *testing.T) {
	h := startSession(t, time.Second)
	h.ledger.AddRequested(torrentfile.PieceBlock{Index: 0, Begin: 0, Length: 16384})

	h.exchangeHandshake(t, h.tf.InfoHash)
	h.readMessage(t) // interested
	h.send(t, &message.Message{ID: message.MsgUnchoke})
	h.send(t, message.FormatHave(0))

	msg := h.readMessage(t)
	require.NotNil(t, msg)
	index, begin, _, err := msg.ParseRequest()
	require.NoError(t, err)
	assert.Equal(t, 0, index)
	assert.Equal(t, 16384, begin)
}

func TestSessionNoRequestWhileChoked(t *testing.T) {
	h := startSession(t, time.Second)
	h.exchangeHandshake(t, h.tf.InfoHash)
	h.readMessage(t) // interested

	h.send(t, message.FormatHave(1))
	var keepAlive *message.Message
	h.send(t, keepAlive)
	h.send(t, &message.Message{ID: message.MsgUnchoke})

	// the first request only goes out after the unchoke
	msg := h.readMessage(t)
	require.NotNil(t, msg)
	index, begin, length, err := msg.ParseRequest()
	require.NoError(t, err)
	assert.Equal(t, [3]int{1, 0, 16384}, [3]int{index, begin, length})
}

func TestSessionRequestsInArrivalOrder(t *testing.T) {
	h := startSession(t, time.Second)
	h.exchangeHandshake(t, h.tf.InfoHash)
	h.readMessage(t) // interested

	h.send(t, message.FormatHave(1))
	h.send(t, message.FormatHave(0))
	h.send(t, &message.Message{ID: message.MsgUnchoke})

	var requests [][2]int
	for range 3 {
		msg := h.readMessage(t)
		require.NotNil(t, msg)
		index, begin, length, err := msg.ParseRequest()
		require.NoError(t, err)
		requests = append(requests, [2]int{index, begin})
		h.send(t, message.FormatPiece(index, begin, make([]byte, length)))
	}
	assert.Equal(t, [][2]int{{1, 0}, {0, 0}, {0, 16384}}, requests)
}

func TestSessionFailures(t *testing.T) {
	tests := []struct {
		name    string
		drive   func(t *testing.T, h *harness)
		wantErr error
	}{
		{
			name: "Infohash off by one byte",
			drive: func(t *testing.T, h *harness) {
				bad := h.tf.InfoHash
				bad[19] ^= 0x01
				h.exchangeHandshake(t, bad)
			},
			wantErr: ErrHandshake,
		},
		{
			name: "Choke",
			drive: func(t *testing.T, h *harness) {
				h.exchangeHandshake(t, h.tf.InfoHash)
				h.readMessage(t)
				h.send(t, &message.Message{ID: message.MsgChoke})
			},
			wantErr: ErrChoked,
		},
		{
			name: "Have out of range",
			drive: func(t *testing.T, h *harness) {
				h.exchangeHandshake(t, h.tf.InfoHash)
				h.readMessage(t)
				h.send(t, message.FormatHave(2))
			},
			wantErr: message.ErrMalformed,
		},
		{
			name: "Short block",
			drive: func(t *testing.T, h *harness) {
				h.exchangeHandshake(t, h.tf.InfoHash)
				h.readMessage(t)
				h.send(t, message.FormatPiece(0, 0, make([]byte, 100)))
			},
			wantErr: message.ErrMalformed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := startSession(t, time.Second)
			tt.drive(t, h)
			assert.ErrorIs(t, h.result(t), tt.wantErr)
		})
	}
}

func TestSessionIdleTimeout(t *testing.T) {
	h := startSession(t, 50*time.Millisecond)
	h.exchangeHandshake(t, h.tf.InfoHash)
	h.readMessage(t)

	err := h.result(t)
	var netErr net.Error
	require.ErrorAs(t, err, &netErr)
	assert.True(t, netErr.Timeout())
}
