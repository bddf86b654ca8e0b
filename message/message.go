package message

import (
	"fmt"

	"github.com/plgd-dev/go-coap-gateway/message/codes"
)

// MaxTokenSize maximum of token size that can be used in message
const MaxTokenSize = 8

// Version is the only CoAP protocol version carried in the message header.
const Version = 1

// Message is a CoAP message as it travels in a single datagram.
type Message struct {
	Type      Type
	Code      codes.Code
	MessageID uint16
	Token     Token
	Options   Options
	Payload   []byte
}

// IsEmpty reports whether the message is an empty message (code 0.00), as used by
// empty acknowledgements, resets and pings.
func (r *Message) IsEmpty() bool {
	return r.Code == codes.Empty
}

// Clone returns a deep copy of the message.
func (r *Message) Clone() *Message {
	m := &Message{
		Type:      r.Type,
		Code:      r.Code,
		MessageID: r.MessageID,
	}
	if r.Token != nil {
		m.Token = append(Token(nil), r.Token...)
	}
	if r.Payload != nil {
		m.Payload = append([]byte(nil), r.Payload...)
	}
	if r.Options != nil {
		m.Options = make(Options, 0, len(r.Options))
		for _, o := range r.Options {
			m.Options = append(m.Options, Option{ID: o.ID, Value: append([]byte(nil), o.Value...)})
		}
	}
	return m
}

func (r *Message) String() string {
	if r == nil {
		return "nil"
	}
	buf := fmt.Sprintf("Type: %v, Code: %v, MessageID: %v, Token: %v", r.Type, r.Code, r.MessageID, r.Token)
	if path, err := r.Options.Path(); err == nil {
		buf = fmt.Sprintf("%s, Path: %v", buf, path)
	}
	if cf, err := r.Options.ContentFormat(); err == nil {
		buf = fmt.Sprintf("%s, ContentFormat: %v", buf, cf)
	}
	if queries, err := r.Options.Queries(); err == nil {
		buf = fmt.Sprintf("%s, Queries: %+v", buf, queries)
	}
	if len(r.Payload) > 0 {
		buf = fmt.Sprintf("%s, PayloadLen: %v", buf, len(r.Payload))
	}
	return buf
}
