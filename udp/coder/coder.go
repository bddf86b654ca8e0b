package coder

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/plgd-dev/go-coap-gateway/message"
	"github.com/plgd-dev/go-coap-gateway/message/codes"
)

// DefaultMaxMessageSize is the conventional upper bound of a CoAP datagram (RFC 7252, section 4.6).
const DefaultMaxMessageSize = 1152

const headerSize = 4

var DefaultCoder = &Coder{maxMessageSize: DefaultMaxMessageSize}

// Coder encodes and decodes CoAP messages in the UDP/DTLS datagram format.
type Coder struct {
	maxMessageSize int
}

// NewCoder creates a coder refusing to encode messages bigger than maxMessageSize bytes.
func NewCoder(maxMessageSize int) (*Coder, error) {
	if maxMessageSize < headerSize {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMaxMessageSize, maxMessageSize)
	}
	return &Coder{maxMessageSize: maxMessageSize}, nil
}

func (c *Coder) MaxMessageSize() int {
	return c.maxMessageSize
}

func encodingError(err error) error {
	return fmt.Errorf("%w: %w", ErrEncoding, err)
}

func malformed(err error) error {
	return fmt.Errorf("%w: %w", ErrMalformedMessage, err)
}

// Size returns the number of bytes the message takes on the wire.
func (c *Coder) Size(m message.Message) (int, error) {
	if len(m.Token) > message.MaxTokenSize {
		return -1, encodingError(message.ErrInvalidTokenLen)
	}
	size := headerSize + len(m.Token)
	payloadLen := len(m.Payload)
	optionsLen, err := m.Options.Sort().Marshal(nil)
	if err != nil && !errors.Is(err, message.ErrTooSmall) {
		return -1, encodingError(err)
	}
	if payloadLen > 0 {
		// for separator 0xff
		payloadLen++
	}
	size += payloadLen + optionsLen
	return size, nil
}

// Encode returns the wire form of the message. Options are sorted before encoding.
func (c *Coder) Encode(m message.Message) ([]byte, error) {
	/*
	     0                   1                   2                   3
	    0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1
	   +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
	   |Ver| T |  TKL  |      Code     |          Message ID           |
	   +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
	   |   Token (if any, TKL bytes) ...
	   +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
	   |   Options (if any) ...
	   +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
	   |1 1 1 1 1 1 1 1|    Payload (if any) ...
	   +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
	*/
	if !message.ValidateType(m.Type) {
		return nil, encodingError(fmt.Errorf("%w: %v", ErrInvalidType, m.Type))
	}
	m.Options = m.Options.Sort()
	size, err := c.Size(m)
	if err != nil {
		return nil, err
	}
	if size > c.maxMessageSize {
		return nil, encodingError(fmt.Errorf("%w: %v > %v", ErrMessageTooLarge, size, c.maxMessageSize))
	}

	buf := make([]byte, size)
	buf[0] = (message.Version << 6) | byte(m.Type)<<4 | byte(0xf&len(m.Token))
	buf[1] = byte(m.Code)
	binary.BigEndian.PutUint16(buf[2:4], m.MessageID)
	data := buf[headerSize:]

	copy(data, m.Token)
	data = data[len(m.Token):]

	optionsLen, err := m.Options.Marshal(data)
	if err != nil {
		return nil, encodingError(err)
	}
	data = data[optionsLen:]

	if len(m.Payload) > 0 {
		data[0] = 0xff
		data = data[1:]
	}
	copy(data, m.Payload)
	return buf, nil
}

// Decode parses a datagram. Empty token, options and payload are decoded as nil.
func (c *Coder) Decode(data []byte) (message.Message, error) {
	if len(data) < headerSize {
		return message.Message{}, malformed(ErrMessageTruncated)
	}

	if data[0]>>6 != message.Version {
		return message.Message{}, malformed(ErrMessageInvalidVersion)
	}

	typ := message.Type((data[0] >> 4) & 0x3)
	tokenLen := int(data[0] & 0xf)
	if tokenLen > message.MaxTokenSize {
		return message.Message{}, malformed(message.ErrInvalidTokenLen)
	}

	code := codes.Code(data[1])
	messageID := binary.BigEndian.Uint16(data[2:4])
	data = data[headerSize:]
	if len(data) < tokenLen {
		return message.Message{}, malformed(ErrMessageTruncated)
	}
	var token message.Token
	if tokenLen > 0 {
		token = make(message.Token, tokenLen)
		copy(token, data[:tokenLen])
	}
	data = data[tokenLen:]

	var options message.Options
	proc, err := options.Unmarshal(data)
	if err != nil {
		return message.Message{}, malformed(err)
	}
	data = data[proc:]

	var payload []byte
	if len(data) > 0 {
		// Unmarshal stops only at the payload marker.
		data = data[1:]
		if len(data) == 0 {
			return message.Message{}, malformed(ErrPayloadMarkerNoPayload)
		}
		payload = make([]byte, len(data))
		copy(payload, data)
	}

	return message.Message{
		Type:      typ,
		Code:      code,
		MessageID: messageID,
		Token:     token,
		Options:   options,
		Payload:   payload,
	}, nil
}
