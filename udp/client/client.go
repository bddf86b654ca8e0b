package client

import (
	"context"
	"fmt"
	"strings"

	"github.com/plgd-dev/go-coap-gateway/message"
	"github.com/plgd-dev/go-coap-gateway/message/codes"
)

// NewRequest builds a Confirmable request. Every non-empty segment of path becomes a
// Uri-Path option; a "?a=1&b" suffix becomes Uri-Query options.
func NewRequest(code codes.Code, path string, opts ...message.Option) (message.Message, error) {
	path, query, _ := strings.Cut(path, "?")
	options, err := message.Options{}.SetPath(path)
	if err != nil {
		return message.Message{}, fmt.Errorf("invalid path %q: %w", path, err)
	}
	if query != "" {
		for _, q := range strings.Split(query, "&") {
			if q == "" {
				continue
			}
			if options, err = options.AddQuery(q); err != nil {
				return message.Message{}, fmt.Errorf("invalid query %q: %w", q, err)
			}
		}
	}
	for _, o := range opts {
		options = options.Add(o)
	}
	return message.Message{
		Type:    message.Confirmable,
		Code:    code,
		Options: options,
	}, nil
}

func (cc *Conn) do(ctx context.Context, code codes.Code, path string, contentFormat *message.MediaType, payload []byte, opts ...message.Option) (*message.Message, error) {
	req, err := NewRequest(code, path, opts...)
	if err != nil {
		return nil, err
	}
	if contentFormat != nil {
		req.Options = req.Options.SetContentFormat(*contentFormat)
	}
	req.Payload = payload
	return cc.Do(ctx, req)
}

// Get issues a GET request for path.
func (cc *Conn) Get(ctx context.Context, path string, opts ...message.Option) (*message.Message, error) {
	return cc.do(ctx, codes.GET, path, nil, nil, opts...)
}

// Delete issues a DELETE request for path.
func (cc *Conn) Delete(ctx context.Context, path string, opts ...message.Option) (*message.Message, error) {
	return cc.do(ctx, codes.DELETE, path, nil, nil, opts...)
}

// Put issues a PUT request with payload. An empty payload fails with ErrNoPayload.
func (cc *Conn) Put(ctx context.Context, path string, contentFormat message.MediaType, payload []byte, opts ...message.Option) (*message.Message, error) {
	if len(payload) == 0 {
		return nil, ErrNoPayload
	}
	return cc.do(ctx, codes.PUT, path, &contentFormat, payload, opts...)
}

// Post issues a POST request with payload. An empty payload fails with ErrNoPayload.
func (cc *Conn) Post(ctx context.Context, path string, contentFormat message.MediaType, payload []byte, opts ...message.Option) (*message.Message, error) {
	if len(payload) == 0 {
		return nil, ErrNoPayload
	}
	return cc.do(ctx, codes.POST, path, &contentFormat, payload, opts...)
}

// Request issues a Confirmable GET for path and returns the response payload.
func (cc *Conn) Request(ctx context.Context, path string) ([]byte, error) {
	resp, err := cc.Get(ctx, path)
	if err != nil {
		return nil, err
	}
	return resp.Payload, nil
}
