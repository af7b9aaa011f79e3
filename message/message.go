package message

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrMalformed is returned for frames whose length or payload shape is invalid
var ErrMalformed = errors.New("malformed message")

type messageID uint8

const (
	MsgChoke         messageID = 0
	MsgUnchoke       messageID = 1
	MsgInterested    messageID = 2
	MsgNotInterested messageID = 3
	MsgHave          messageID = 4
	MsgBitfield      messageID = 5
	MsgRequest       messageID = 6
	MsgPiece         messageID = 7
	MsgCancel        messageID = 8
)

func (id messageID) String() string {
	switch id {
	case MsgChoke:
		return "choke"
	case MsgUnchoke:
		return "unchoke"
	case MsgInterested:
		return "interested"
	case MsgNotInterested:
		return "not interested"
	case MsgHave:
		return "have"
	case MsgBitfield:
		return "bitfield"
	case MsgRequest:
		return "request"
	case MsgPiece:
		return "piece"
	case MsgCancel:
		return "cancel"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(id))
	}
}

// Message stores ID and payload of a message. A nil *Message is a keep-alive.
type Message struct {
	ID      messageID
	Payload []byte
}

func FormatRequest(index, begin, length int) *Message {
	return &Message{ID: MsgRequest, Payload: blockPayload(index, begin, length)}
}

func FormatCancel(index, begin, length int) *Message {
	return &Message{ID: MsgCancel, Payload: blockPayload(index, begin, length)}
}

func blockPayload(index, begin, length int) []byte {
	payload := make([]byte, 12)
	binary.BigEndian.PutUint32(payload[0:4], uint32(index))
	binary.BigEndian.PutUint32(payload[4:8], uint32(begin))
	binary.BigEndian.PutUint32(payload[8:12], uint32(length))
	return payload
}

func FormatHave(index int) *Message {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, uint32(index))
	return &Message{ID: MsgHave, Payload: payload}
}

// FormatBitfield sets one bit per piece held, most significant bit first
func FormatBitfield(numPieces int, pieces []int) *Message {
	payload := make([]byte, (numPieces+7)/8)
	for _, index := range pieces {
		payload[index/8] |= 1 << (7 - index%8)
	}
	return &Message{ID: MsgBitfield, Payload: payload}
}

func FormatPiece(index, begin int, block []byte) *Message {
	payload := make([]byte, 8+len(block))
	binary.BigEndian.PutUint32(payload[0:4], uint32(index))
	binary.BigEndian.PutUint32(payload[4:8], uint32(begin))
	copy(payload[8:], block)
	return &Message{ID: MsgPiece, Payload: payload}
}

// Serialize serializes a message into a buffer of the form
// <length prefix><message ID><payload>
// Interprets `nil` as a keep-alive message
func (m *Message) Serialize() []byte {
	if m == nil {
		return make([]byte, 4)
	}
	length := uint32(len(m.Payload) + 1) // +1 for id
	buf := make([]byte, 4+length)
	binary.BigEndian.PutUint32(buf[0:4], length)
	buf[4] = byte(m.ID)
	copy(buf[5:], m.Payload)
	return buf
}

// Deserialize parses one complete frame including its length prefix.
// Returns `nil` on keep-alive message
func Deserialize(frame []byte) (*Message, error) {
	if len(frame) < 4 {
		return nil, fmt.Errorf("%w: frame of %d bytes has no length prefix", ErrMalformed, len(frame))
	}
	length := binary.BigEndian.Uint32(frame[0:4])
	if uint64(length) != uint64(len(frame)-4) {
		return nil, fmt.Errorf("%w: length prefix %d for %d byte body", ErrMalformed, length, len(frame)-4)
	}

	// keep-alive message
	if length == 0 {
		return nil, nil
	}

	m := Message{ID: messageID(frame[4])}
	if len(frame) > 5 {
		m.Payload = frame[5:]
	}
	return &m, nil
}

// returns the index received from the message
func (m *Message) ParseHave() (int, error) {
	if m.ID != MsgHave {
		return 0, fmt.Errorf("expected message ID have, instead got: %s", m.ID)
	}
	if len(m.Payload) != 4 {
		return 0, fmt.Errorf("%w: have payload of length %d", ErrMalformed, len(m.Payload))
	}
	index := int(binary.BigEndian.Uint32(m.Payload))
	return index, nil
}

// ParseBitfield lists the piece indices whose bit is set. Bit 7 of byte 0 is piece 0.
func (m *Message) ParseBitfield() ([]int, error) {
	if m.ID != MsgBitfield {
		return nil, fmt.Errorf("expected message ID bitfield, instead got: %s", m.ID)
	}
	var pieces []int
	for i, b := range m.Payload {
		for bit := 7; bit >= 0; bit-- {
			if b>>bit&1 == 1 {
				pieces = append(pieces, i*8+(7-bit))
			}
		}
	}
	return pieces, nil
}

// ParseRequest decodes the index, begin and length of a request or cancel
func (m *Message) ParseRequest() (index, begin, length int, err error) {
	if m.ID != MsgRequest && m.ID != MsgCancel {
		return 0, 0, 0, fmt.Errorf("expected message ID request or cancel, instead got: %s", m.ID)
	}
	if len(m.Payload) != 12 {
		return 0, 0, 0, fmt.Errorf("%w: %s payload of length %d", ErrMalformed, m.ID, len(m.Payload))
	}
	index = int(binary.BigEndian.Uint32(m.Payload[0:4]))
	begin = int(binary.BigEndian.Uint32(m.Payload[4:8]))
	length = int(binary.BigEndian.Uint32(m.Payload[8:12]))
	return index, begin, length, nil
}

func (m *Message) ParsePiece() (index, begin int, block []byte, err error) {
	if m.ID != MsgPiece {
		return 0, 0, nil, fmt.Errorf("expected message ID piece, instead got: %s", m.ID)
	}
	if len(m.Payload) < 8 {
		return 0, 0, nil, fmt.Errorf("%w: piece message length is less than 8: %d", ErrMalformed, len(m.Payload))
	}
	index = int(binary.BigEndian.Uint32(m.Payload[0:4]))
	begin = int(binary.BigEndian.Uint32(m.Payload[4:8]))
	return index, begin, m.Payload[8:], nil
}
