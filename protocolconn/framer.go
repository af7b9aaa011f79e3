package protocolconn

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"gotorrent/handshake"
)

// MaxMessageLength bounds the length prefix of a single message. A 16 KiB
// block plus header is far below it, and so is the bitfield of any
// realistic torrent.
const MaxMessageLength = 1 << 21

// ErrMalformedFrame is returned when the buffered bytes can never form a valid frame
var ErrMalformedFrame = errors.New("malformed frame")

// Framer accumulates stream bytes and cuts them into frames. The first frame
// is a handshake; every later frame is a length-prefixed message.
type Framer struct {
	buf        bytes.Buffer
	handshaken bool
}

// Feed appends bytes read from the stream
func (f *Framer) Feed(p []byte) {
	f.buf.Write(p)
}

// Buffered reports how many bytes are waiting to be framed
func (f *Framer) Buffered() int {
	return f.buf.Len()
}

// Handshaken reports whether the handshake frame has been cut
func (f *Framer) Handshaken() bool {
	return f.handshaken
}

// Next extracts one complete frame. It returns ok == false when more bytes
// are needed, which is not an error.
func (f *Framer) Next() (frame []byte, ok bool, err error) {
	data := f.buf.Bytes()
	var n int
	if !f.handshaken {
		if len(data) < 1 {
			return nil, false, nil
		}
		n = handshake.FrameLength(data[0])
	} else {
		if len(data) < 4 {
			return nil, false, nil
		}
		length := binary.BigEndian.Uint32(data[0:4])
		if length > MaxMessageLength {
			return nil, false, fmt.Errorf("%w: message length %d exceeds %d", ErrMalformedFrame, length, MaxMessageLength)
		}
		n = 4 + int(length)
	}
	if len(data) < n {
		return nil, false, nil
	}

	frame = make([]byte, n)
	copy(frame, f.buf.Next(n))
	f.handshaken = true
	return frame, true, nil
}
