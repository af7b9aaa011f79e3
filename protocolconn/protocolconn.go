package protocolconn

import (
	"net"
	"time"

	"gotorrent/message"
)

const readChunk = 32 * 1024

// ProtocolConn reads whole frames off a peer stream. Every read is bounded by
// the idle timeout, so a silent peer is dropped after IdleTimeout.
type ProtocolConn struct {
	Conn        net.Conn
	IdleTimeout time.Duration
	framer      Framer
	readBuf     []byte
}

func New(conn net.Conn, idleTimeout time.Duration) *ProtocolConn {
	return &ProtocolConn{
		Conn:        conn,
		IdleTimeout: idleTimeout,
		readBuf:     make([]byte, readChunk),
	}
}

// ReadFrame returns the next complete frame, reading from the connection only
// when the buffered bytes do not already hold one.
func (pc *ProtocolConn) ReadFrame() ([]byte, error) {
	for {
		frame, ok, err := pc.framer.Next()
		if err != nil {
			return nil, err
		}
		if ok {
			return frame, nil
		}
		if pc.IdleTimeout > 0 {
			if err := pc.Conn.SetReadDeadline(time.Now().Add(pc.IdleTimeout)); err != nil {
				return nil, err
			}
		}
		n, err := pc.Conn.Read(pc.readBuf)
		if n > 0 {
			pc.framer.Feed(pc.readBuf[:n])
		}
		if err != nil {
			return nil, err
		}
	}
}

// Handshaken reports whether the handshake frame has been read
func (pc *ProtocolConn) Handshaken() bool {
	return pc.framer.Handshaken()
}

func (pc *ProtocolConn) Write(p []byte) (int, error) {
	return pc.Conn.Write(p)
}

// WriteMessage sends m, or a keep-alive when m is nil
func (pc *ProtocolConn) WriteMessage(m *message.Message) error {
	_, err := pc.Conn.Write(m.Serialize())
	return err
}

func (pc *ProtocolConn) Close() error {
	return pc.Conn.Close()
}
