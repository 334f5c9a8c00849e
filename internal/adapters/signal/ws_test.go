package signal

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dkeye/Teleconsult/internal/core"
	"github.com/dkeye/Teleconsult/internal/domain"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// dropConn makes the relay hang up without a close frame.
type dropConn struct{}

type fakeRelay struct {
	srv    *httptest.Server
	header chan http.Header
	got    chan frame
	push   chan any
}

func newFakeRelay(t *testing.T) *fakeRelay {
	t.Helper()
	r := &fakeRelay{
		header: make(chan http.Header, 1),
		got:    make(chan frame, 64),
		push:   make(chan any, 64),
	}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	r.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		ws, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		r.header <- req.Header
		done := make(chan struct{})
		go func() {
			defer close(done)
			for {
				var f frame
				if err := ws.ReadJSON(&f); err != nil {
					return
				}
				r.got <- f
			}
		}()
		for {
			select {
			case v := <-r.push:
				if _, ok := v.(dropConn); ok {
					return
				}
				if err := ws.WriteJSON(v); err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}))
	t.Cleanup(r.srv.Close)
	return r
}

func (r *fakeRelay) url() string {
	return "ws" + strings.TrimPrefix(r.srv.URL, "http")
}

func (r *fakeRelay) next(t *testing.T, typ string) frame {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case f := <-r.got:
			if f.Type == typ {
				return f
			}
		case <-deadline:
			t.Fatalf("no %s frame", typ)
			return frame{}
		}
	}
}

func dialRelay(t *testing.T, r *fakeRelay) (*WSChannel, context.CancelFunc, <-chan error) {
	t.Helper()
	c, err := Dial(context.Background(), Config{URL: r.url(), Participant: "dr-1"})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- c.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		c.Close()
	})
	return c, cancel, errc
}

func TestWSChannel_HelloAndSend(t *testing.T) {
	r := newFakeRelay(t)
	c, _, _ := dialRelay(t, r)

	hdr := <-r.header
	assert.Equal(t, "dr-1", hdr.Get("X-Participant-ID"))
	hello := r.next(t, frameHello)
	assert.Equal(t, domain.ParticipantID("dr-1"), hello.Participant)

	payload := json.RawMessage(`{"type":"offer","sdp":"v=0"}`)
	require.NoError(t, c.Send(context.Background(), "s1", core.SignalMessage{Type: core.SignalOffer, From: "dr-1", Payload: payload}))
	f := r.next(t, string(core.SignalOffer))
	assert.Equal(t, domain.SessionID("s1"), f.SessionID)
	assert.Equal(t, domain.ParticipantID("dr-1"), f.From)
	assert.JSONEq(t, string(payload), string(f.Payload))
}

func TestWSChannel_RoutesBySession(t *testing.T) {
	r := newFakeRelay(t)
	c, _, _ := dialRelay(t, r)

	s1, cancel1 := c.Subscribe("s1")
	defer cancel1()
	s2, cancel2 := c.Subscribe("s2")
	defer cancel2()

	r.push <- frame{Type: "ice-candidate", SessionID: "s2", From: "pt-1", Payload: json.RawMessage(`{"candidate":""}`)}
	r.push <- frame{Type: "answer", SessionID: "s1", From: "pt-1", Payload: json.RawMessage(`{}`)}

	select {
	case m := <-s1:
		assert.Equal(t, core.SignalAnswer, m.Type)
		assert.Equal(t, domain.ParticipantID("pt-1"), m.From)
	case <-time.After(2 * time.Second):
		t.Fatal("no answer on s1")
	}
	select {
	case m := <-s2:
		assert.Equal(t, core.SignalICECandidate, m.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("no candidate on s2")
	}
}

func TestWSChannel_HoldsEarlyMessages(t *testing.T) {
	r := newFakeRelay(t)
	c, _, _ := dialRelay(t, r)

	r.push <- frame{Type: "offer", SessionID: "late", Payload: json.RawMessage(`{}`)}
	require.Eventually(t, func() bool {
		c.routes.mu.Lock()
		defer c.routes.mu.Unlock()
		return len(c.routes.pending["late"]) == 1
	}, 2*time.Second, 5*time.Millisecond)

	ch, cancel := c.Subscribe("late")
	defer cancel()
	m := <-ch
	assert.Equal(t, core.SignalOffer, m.Type)
}

func TestWSChannel_Presence(t *testing.T) {
	r := newFakeRelay(t)
	c, _, _ := dialRelay(t, r)

	st, err := c.Presence(context.Background(), "pt-1")
	require.NoError(t, err)
	assert.Equal(t, domain.PresenceOffline, st)
	q := r.next(t, framePresenceQuery)
	assert.Equal(t, domain.ParticipantID("pt-1"), q.Participant)

	r.push <- frame{Type: framePresence, Participant: "pt-1", Status: "available"}
	require.Eventually(t, func() bool {
		st, _ := c.Presence(context.Background(), "pt-1")
		return st == domain.PresenceAvailable
	}, 2*time.Second, 5*time.Millisecond)

	r.push <- frame{Type: framePresence, Participant: "pt-1", Status: "on-the-moon"}
	require.Eventually(t, func() bool {
		st, _ := c.Presence(context.Background(), "pt-1")
		return st == domain.PresenceOffline
	}, 2*time.Second, 5*time.Millisecond)
}

func TestWSChannel_PingPong(t *testing.T) {
	r := newFakeRelay(t)
	dialRelay(t, r)

	r.push <- frame{Type: framePing}
	r.next(t, framePong)
}

func TestWSChannel_CloseFailsSendAndEndsSubscriptions(t *testing.T) {
	r := newFakeRelay(t)
	c, cancel, errc := dialRelay(t, r)
	ch, _ := c.Subscribe("s1")

	cancel()
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
	_, ok := <-ch
	assert.False(t, ok)

	err := c.Send(context.Background(), "s1", core.SignalMessage{Type: core.SignalAnswer})
	assert.ErrorIs(t, err, core.ErrSignalingFailure)
	_, err = c.Presence(context.Background(), "pt-1")
	assert.ErrorIs(t, err, core.ErrSignalingFailure)
}

func TestWSChannel_RelayDropEndsRun(t *testing.T) {
	r := newFakeRelay(t)
	_, _, errc := dialRelay(t, r)
	<-r.header

	r.push <- dropConn{}
	select {
	case err := <-errc:
		assert.ErrorIs(t, err, core.ErrSignalingFailure)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
}

func TestDial_Unreachable(t *testing.T) {
	_, err := Dial(context.Background(), Config{URL: "ws://127.0.0.1:1/signal"})
	assert.ErrorIs(t, err, core.ErrSignalingFailure)
}
