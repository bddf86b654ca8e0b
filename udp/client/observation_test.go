package client

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/plgd-dev/go-coap-gateway/message"
	"github.com/plgd-dev/go-coap-gateway/message/codes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type observeResult struct {
	obs *Observation
	err error
}

func observeAsync(cc *Conn, path string, notifications chan<- string) <-chan observeResult {
	ch := make(chan observeResult, 1)
	go func() {
		obs, err := cc.Observe(context.Background(), path, func(m *message.Message) {
			notifications <- string(m.Payload)
		})
		ch <- observeResult{obs: obs, err: err}
	}()
	return ch
}

func waitObserve(t *testing.T, ch <-chan observeResult) observeResult {
	select {
	case r := <-ch:
		return r
	case <-time.After(5 * time.Second):
		require.FailNow(t, "observe did not finish")
	}
	return observeResult{}
}

func expectNotification(t *testing.T, notifications <-chan string, want string) {
	select {
	case got := <-notifications:
		require.Equal(t, want, got)
	case <-time.After(2 * time.Second):
		require.FailNowf(t, "no notification", "expected %q", want)
	}
}

func expectNoNotification(t *testing.T, notifications <-chan string) {
	select {
	case got := <-notifications:
		require.FailNowf(t, "unexpected notification", "%q", got)
	case <-time.After(50 * time.Millisecond):
	}
}

func notification(req message.Message, typ message.Type, messageID uint16, seq uint32, payload string) message.Message {
	return message.Message{
		Type:      typ,
		Code:      codes.Content,
		MessageID: messageID,
		Token:     req.Token,
		Options:   message.Options{}.SetObserve(seq),
		Payload:   []byte(payload),
	}
}

func registerObservation(t *testing.T, cc *Conn, s *fakeSession, notifications chan string) (*Observation, message.Message) {
	ch := observeAsync(cc, "/sensor/temp", notifications)
	req := s.expectMessage(t)
	assert.Equal(t, codes.GET, req.Code)
	seq, err := req.Options.Observe()
	require.NoError(t, err)
	assert.Equal(t, uint32(0), seq)

	resp := piggybacked(req, codes.Content, []byte("20"))
	resp.Options = resp.Options.SetObserve(2)
	s.send(t, resp)
	r := waitObserve(t, ch)
	require.NoError(t, r.err)
	expectNotification(t, notifications, "20")
	return r.obs, req
}

func TestConnObserve(t *testing.T) {
	cc, s := newTestConn(t)
	notifications := make(chan string, 16)
	obs, req := registerObservation(t, cc, s, notifications)
	assert.Equal(t, req.Token, obs.Token())
	assert.Equal(t, 1, cc.observations.Length())
	assert.Equal(t, 0, cc.tokenHandlerContainer.Length())

	// Confirmable notification is acknowledged
	s.send(t, notification(req, message.Confirmable, 100, 3, "21"))
	expectNotification(t, notifications, "21")
	ack := s.expectMessage(t)
	assert.Equal(t, message.Acknowledgement, ack.Type)
	assert.Equal(t, uint16(100), ack.MessageID)

	// duplicate is acknowledged again, not delivered
	s.send(t, notification(req, message.Confirmable, 100, 3, "21"))
	ack = s.expectMessage(t)
	assert.Equal(t, uint16(100), ack.MessageID)
	expectNoNotification(t, notifications)

	// stale sequence number
	s.send(t, notification(req, message.NonConfirmable, 101, 1, "old"))
	expectNoNotification(t, notifications)

	s.send(t, notification(req, message.NonConfirmable, 102, 4, "22"))
	expectNotification(t, notifications, "22")
	assert.NoError(t, obs.Err())

	cancelErr := make(chan error, 1)
	go func() {
		cancelErr <- obs.Cancel(context.Background())
	}()
	cancelReq := s.expectMessage(t)
	assert.Equal(t, codes.GET, cancelReq.Code)
	assert.Equal(t, req.Token, cancelReq.Token)
	seq, err := cancelReq.Options.Observe()
	require.NoError(t, err)
	assert.Equal(t, uint32(1), seq)
	path, err := cancelReq.Options.Path()
	require.NoError(t, err)
	assert.Equal(t, "/sensor/temp", path)
	s.send(t, piggybacked(cancelReq, codes.Content, []byte("22")))
	select {
	case err := <-cancelErr:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		require.FailNow(t, "cancel did not finish")
	}
	<-obs.Done()
	require.NoError(t, obs.Err())
	assert.Equal(t, 0, cc.observations.Length())

	// notifications after cancel are dropped and not acknowledged
	s.send(t, notification(req, message.Confirmable, 103, 5, "23"))
	expectNoNotification(t, notifications)
	s.expectSilence(t, 50*time.Millisecond)
	require.NoError(t, obs.Cancel(context.Background()))
}

func TestConnObserveEndedByGateway(t *testing.T) {
	cc, s := newTestConn(t)
	notifications := make(chan string, 16)
	obs, req := registerObservation(t, cc, s, notifications)

	s.send(t, message.Message{
		Type:      message.NonConfirmable,
		Code:      codes.NotFound,
		MessageID: 200,
		Token:     req.Token,
		Payload:   []byte("gone"),
	})
	expectNotification(t, notifications, "gone")
	select {
	case <-obs.Done():
	case <-time.After(2 * time.Second):
		require.FailNow(t, "observation did not end")
	}
	require.ErrorIs(t, obs.Err(), ErrObservationEnded)
	require.ErrorIs(t, obs.Err(), ErrRequestRejected)
	assert.Equal(t, 0, cc.observations.Length())
}

func TestConnObserveNotObservable(t *testing.T) {
	cc, s := newTestConn(t)
	notifications := make(chan string, 16)
	ch := observeAsync(cc, "/static", notifications)
	req := s.expectMessage(t)
	s.send(t, piggybacked(req, codes.Content, []byte("v1")))
	r := waitObserve(t, ch)
	require.NoError(t, r.err)
	expectNotification(t, notifications, "v1")
	<-r.obs.Done()
	require.ErrorIs(t, r.obs.Err(), ErrObservationEnded)
	assert.Equal(t, 0, cc.observations.Length())
}

func TestConnObserveRejected(t *testing.T) {
	cc, s := newTestConn(t)
	notifications := make(chan string, 16)
	ch := observeAsync(cc, "/missing", notifications)
	req := s.expectMessage(t)
	s.send(t, piggybacked(req, codes.NotFound, nil))
	r := waitObserve(t, ch)
	require.ErrorIs(t, r.err, ErrRequestRejected)
	require.Nil(t, r.obs)
	assert.Equal(t, 0, cc.observations.Length())
	expectNoNotification(t, notifications)
}

func TestConnCloseEndsObservations(t *testing.T) {
	errReplaced := errors.New("replaced")
	cc, s := newTestConn(t)
	notifications := make(chan string, 16)
	obs, _ := registerObservation(t, cc, s, notifications)

	require.NoError(t, cc.Close(errReplaced))
	<-obs.Done()
	require.ErrorIs(t, obs.Err(), errReplaced)
	require.NoError(t, obs.Cancel(context.Background()))

	_, err := cc.Observe(context.Background(), "/sensor/temp", func(*message.Message) {})
	require.ErrorIs(t, err, errReplaced)
}

func TestValidSequenceNumber(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name      string
		old, new  uint32
		lastEvent time.Time
		want      bool
	}{
		{name: "newer", old: 1, new: 2, lastEvent: now, want: true},
		{name: "same", old: 2, new: 2, lastEvent: now, want: false},
		{name: "older", old: 5, new: 2, lastEvent: now, want: false},
		{name: "wrapped", old: 1<<24 - 1, new: 1, lastEvent: now, want: true},
		{name: "too far ahead", old: 1, new: 1<<23 + 2, lastEvent: now, want: false},
		{name: "sequence expired", old: 5, new: 2, lastEvent: now.Add(-2 * ObservationSequenceTimeout), want: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ValidSequenceNumber(tt.old, tt.new, tt.lastEvent, now))
		})
	}
}
