// Helper package for tests, must not be used in production code.
//
// Package gateway runs an in-process CoAP gateway reachable over DTLS-PSK.
package gateway

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	piondtls "github.com/pion/dtls/v2"
	"github.com/plgd-dev/go-coap-gateway/message"
	"github.com/plgd-dev/go-coap-gateway/message/codes"
	"github.com/plgd-dev/go-coap-gateway/udp/coder"
	log "github.com/sirupsen/logrus"
	"go.uber.org/atomic"
)

// Reply describes how the gateway answers a request.
type Reply struct {
	// Drop sends nothing, the client retransmits.
	Drop bool
	// Reset answers with a Reset message.
	Reset bool
	// Separate acknowledges with an empty ACK and sends the response as a new Confirmable message after Delay.
	Separate bool
	Delay    time.Duration

	Code          codes.Code
	ContentFormat *message.MediaType
	// Observe is the sequence number of a notification, set by the gateway when the
	// request registers an observation.
	Observe *uint32
	Payload []byte
}

type HandlerFunc = func(req message.Message) Reply

// Server is a DTLS-PSK CoAP gateway listening on the loopback interface.
type Server struct {
	identity string
	psk      []byte
	listener net.Listener
	logger   log.FieldLogger

	handlerMutex sync.RWMutex
	handler      HandlerFunc

	connsMutex sync.Mutex
	conns      map[*piondtls.Conn]struct{}

	// observers by token
	observersMutex sync.Mutex
	observers      map[string]observer
	sequence       atomic.Uint32

	requests    atomic.Uint32
	acks        atomic.Uint32
	pings       atomic.Uint32
	handshakes  atomic.Uint32
	ignorePings atomic.Bool
	closed      atomic.Bool
	wg          sync.WaitGroup
}

type observer struct {
	w     *connWriter
	token message.Token
	path  string
}

// New starts a gateway accepting only the given identity and key.
func New(identity string, psk []byte) (*Server, error) {
	s := &Server{
		identity:  identity,
		psk:       psk,
		conns:     make(map[*piondtls.Conn]struct{}),
		observers: make(map[string]observer),
		logger:    log.WithField("component", "test-gateway"),
	}
	s.handler = NewResources().Handle
	addr, err := net.ResolveUDPAddr("udp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	l, err := piondtls.Listen("udp", addr, &piondtls.Config{
		PSK: func(hint []byte) ([]byte, error) {
			if string(hint) != s.identity {
				return nil, fmt.Errorf("unknown identity %q", hint)
			}
			return s.psk, nil
		},
		PSKIdentityHint: []byte("test gateway"),
		CipherSuites:    []piondtls.CipherSuiteID{piondtls.TLS_PSK_WITH_AES_128_CCM_8},
	})
	if err != nil {
		return nil, fmt.Errorf("cannot listen: %w", err)
	}
	s.listener = l
	s.wg.Add(1)
	go s.serve()
	return s, nil
}

// Addr returns host:port of the gateway.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

func (s *Server) SetHandler(h HandlerFunc) {
	s.handlerMutex.Lock()
	defer s.handlerMutex.Unlock()
	s.handler = h
}

func (s *Server) getHandler() HandlerFunc {
	s.handlerMutex.RLock()
	defer s.handlerMutex.RUnlock()
	return s.handler
}

// Requests returns the number of request datagrams received, retransmissions included.
func (s *Server) Requests() int {
	return int(s.requests.Load())
}

// Acks returns the number of ACKs received for separate responses.
func (s *Server) Acks() int {
	return int(s.acks.Load())
}

// Pings returns the number of CoAP pings received.
func (s *Server) Pings() int {
	return int(s.pings.Load())
}

// IgnorePings makes the gateway look dead to keepalive while still answering requests.
func (s *Server) IgnorePings(ignore bool) {
	s.ignorePings.Store(ignore)
}

// Handshakes returns the number of completed handshakes.
func (s *Server) Handshakes() int {
	return int(s.handshakes.Load())
}

// Observers returns the number of registered observations.
func (s *Server) Observers() int {
	s.observersMutex.Lock()
	defer s.observersMutex.Unlock()
	return len(s.observers)
}

// Notify sends a Confirmable notification with payload to every observer of path and
// returns the number of observers notified.
func (s *Server) Notify(path string, payload []byte) int {
	s.observersMutex.Lock()
	observers := make([]observer, 0, len(s.observers))
	for _, o := range s.observers {
		if o.path == path {
			observers = append(observers, o)
		}
	}
	s.observersMutex.Unlock()
	for _, o := range observers {
		m := message.Message{
			Type:      message.Confirmable,
			Code:      codes.Content,
			MessageID: message.GetMID(),
			Token:     o.token,
			Options:   message.Options{}.SetContentFormat(message.TextPlain).SetObserve(s.sequence.Inc()),
			Payload:   payload,
		}
		if err := o.w.write(m); err != nil {
			s.logger.WithError(err).Debug("cannot notify")
		}
	}
	return len(observers)
}

// replyObserving registers or deregisters the observer of the requested resource and
// replies. Notifications to a new observer are sent after this reply.
func (s *Server) replyObserving(w *connWriter, req message.Message, r Reply) error {
	s.observersMutex.Lock()
	defer s.observersMutex.Unlock()
	s.observe(w, req, &r)
	return s.reply(w, req, r)
}

func (s *Server) observe(w *connWriter, req message.Message, r *Reply) {
	if req.Code != codes.GET {
		return
	}
	value, err := req.Options.Observe()
	if err != nil {
		return
	}
	switch value {
	case 0:
		if r.Drop || r.Reset || !r.Code.IsSuccess() {
			return
		}
		path, err := req.Options.Path()
		if err != nil {
			return
		}
		s.observers[string(req.Token)] = observer{w: w, token: req.Token, path: path}
		seq := s.sequence.Inc()
		r.Observe = &seq
	case 1:
		delete(s.observers, string(req.Token))
	}
}

func (s *Server) removeObservers(w *connWriter) {
	s.observersMutex.Lock()
	defer s.observersMutex.Unlock()
	for token, o := range s.observers {
		if o.w == w {
			delete(s.observers, token)
		}
	}
}

// CloseSessions terminates every established session, the listener keeps running.
func (s *Server) CloseSessions() {
	s.connsMutex.Lock()
	conns := s.conns
	s.conns = make(map[*piondtls.Conn]struct{})
	s.connsMutex.Unlock()
	for c := range conns {
		_ = c.Close()
	}
}

func (s *Server) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := s.listener.Close()
	s.CloseSessions()
	s.wg.Wait()
	return err
}

func (s *Server) serve() {
	defer s.wg.Done()
	for {
		c, err := s.listener.Accept()
		if err != nil {
			if s.closed.Load() {
				return
			}
			// failed handshakes are reported by Accept
			s.logger.WithError(err).Debug("cannot accept")
			continue
		}
		dtlsConn, ok := c.(*piondtls.Conn)
		if !ok {
			_ = c.Close()
			continue
		}
		s.handshakes.Inc()
		s.connsMutex.Lock()
		s.conns[dtlsConn] = struct{}{}
		s.connsMutex.Unlock()
		s.wg.Add(1)
		go s.serveConn(dtlsConn)
	}
}

type connWriter struct {
	mutex sync.Mutex
	conn  *piondtls.Conn
}

func (w *connWriter) write(m message.Message) error {
	data, err := coder.DefaultCoder.Encode(m)
	if err != nil {
		return err
	}
	w.mutex.Lock()
	defer w.mutex.Unlock()
	_, err = w.conn.Write(data)
	return err
}

func (s *Server) serveConn(c *piondtls.Conn) {
	defer s.wg.Done()
	w := &connWriter{conn: c}
	defer func() {
		s.removeObservers(w)
		s.connsMutex.Lock()
		delete(s.conns, c)
		s.connsMutex.Unlock()
		_ = c.Close()
	}()
	buf := make([]byte, 1500)
	for {
		n, err := c.Read(buf)
		if err != nil {
			return
		}
		req, err := coder.DefaultCoder.Decode(buf[:n])
		if err != nil {
			s.logger.WithError(err).Debug("cannot decode datagram")
			continue
		}
		switch req.Type {
		case message.Acknowledgement:
			s.acks.Inc()
			continue
		case message.Reset:
			continue
		}
		if req.Type == message.Confirmable && req.Code == codes.Empty {
			s.pings.Inc()
			if s.ignorePings.Load() {
				continue
			}
			if err := w.write(message.Message{Type: message.Reset, MessageID: req.MessageID}); err != nil {
				s.logger.WithError(err).Debug("cannot answer ping")
			}
			continue
		}
		s.requests.Inc()
		if err := s.replyObserving(w, req, s.getHandler()(req)); err != nil && !errors.Is(err, net.ErrClosed) {
			s.logger.WithError(err).Debug("cannot reply")
		}
	}
}

func response(req message.Message, r Reply) message.Message {
	resp := message.Message{
		Code:    r.Code,
		Token:   req.Token,
		Payload: r.Payload,
	}
	if r.ContentFormat != nil {
		resp.Options = resp.Options.SetContentFormat(*r.ContentFormat)
	}
	if r.Observe != nil {
		resp.Options = resp.Options.SetObserve(*r.Observe)
	}
	return resp
}

func (s *Server) reply(w *connWriter, req message.Message, r Reply) error {
	switch {
	case r.Drop:
		return nil
	case r.Reset:
		return w.write(message.Message{Type: message.Reset, MessageID: req.MessageID})
	case r.Separate:
		if req.Type == message.Confirmable {
			if err := w.write(message.Message{Type: message.Acknowledgement, MessageID: req.MessageID}); err != nil {
				return err
			}
		}
		resp := response(req, r)
		resp.Type = message.Confirmable
		resp.MessageID = message.GetMID()
		go func() {
			time.Sleep(r.Delay)
			_ = w.write(resp)
		}()
		return nil
	}
	resp := response(req, r)
	resp.MessageID = req.MessageID
	resp.Type = message.Acknowledgement
	if req.Type == message.NonConfirmable {
		resp.Type = message.NonConfirmable
		resp.MessageID = message.GetMID()
	}
	return w.write(resp)
}
