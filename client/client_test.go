package client

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/loftboard/relay/models"
)

func newTestClient() *Client {
	return &Client{
		logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		subscriptions: make(map[string]*subscription),
		listeners:     make(map[string][]*listener),
	}
}

func TestHandleFrame(t *testing.T) {
	t.Run("SubscribedUpdatesGrant", func(t *testing.T) {
		c := newTestClient()
		scope := models.ScopeOf(models.TopicBoard, "b1")
		c.subscriptions[scope.Key()] = &subscription{scope: scope}

		c.handleFrame(models.ServerFrame{
			Kind:       models.FrameSubscribed,
			Topic:      models.TopicBoard,
			InstanceID: "b1",
			Granted:    true,
		})
		if !c.Granted(models.TopicBoard, "b1") {
			t.Error("grant ack should flip the subscription to granted")
		}

		c.handleFrame(models.ServerFrame{
			Kind:       models.FrameSubscribed,
			Topic:      models.TopicBoard,
			InstanceID: "b1",
			Granted:    false,
		})
		if c.Granted(models.TopicBoard, "b1") {
			t.Error("denial ack should clear the grant")
		}
	})

	t.Run("AckForUnknownScopeIgnored", func(t *testing.T) {
		c := newTestClient()
		c.handleFrame(models.ServerFrame{
			Kind:       models.FrameSubscribed,
			Topic:      models.TopicBoard,
			InstanceID: "never-requested",
			Granted:    true,
		})
		if c.Granted(models.TopicBoard, "never-requested") {
			t.Error("an ack must not create a subscription the caller never requested")
		}
	})

	t.Run("EventFansOutToListeners", func(t *testing.T) {
		c := newTestClient()
		var got []models.Envelope
		c.Listen("card.moved", func(env models.Envelope) { got = append(got, env) })
		c.Listen("card.moved", func(env models.Envelope) { got = append(got, env) })
		c.Listen("card.deleted", func(env models.Envelope) {
			t.Error("listener for another event name fired")
		})

		c.handleFrame(models.ServerFrame{
			Kind: models.FrameEvent,
			Envelope: &models.Envelope{
				Name: "card.moved",
				Data: json.RawMessage(`{"column":"done"}`),
			},
		})
		if len(got) != 2 {
			t.Fatalf("%d listeners fired, want 2", len(got))
		}
	})

	t.Run("EventWithoutEnvelopeIgnored", func(t *testing.T) {
		c := newTestClient()
		c.Listen("card.moved", func(models.Envelope) {
			t.Error("listener fired for an envelope-less frame")
		})
		c.handleFrame(models.ServerFrame{Kind: models.FrameEvent})
	})

	t.Run("ListenRemoveStopsDelivery", func(t *testing.T) {
		c := newTestClient()
		fires := 0
		remove := c.Listen("card.moved", func(models.Envelope) { fires++ })
		remove()

		c.handleFrame(models.ServerFrame{
			Kind:     models.FrameEvent,
			Envelope: &models.Envelope{Name: "card.moved"},
		})
		if fires != 0 {
			t.Errorf("removed listener fired %d times", fires)
		}
	})
}

func TestReadLoopDetectsDeadPeer(t *testing.T) {
	savedPongWait := pongWait
	pongWait = 150 * time.Millisecond
	t.Cleanup(func() { pongWait = savedPongWait })

	upgrader := websocket.Upgrader{}
	connected := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		close(connected)
		// Hold the socket open without ever reading, so pings are never
		// answered with pongs.
		<-r.Context().Done()
		conn.Close()
	}))
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial test server: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	<-connected

	c := newTestClient()
	c.conn = conn
	c.connected = true

	done := make(chan struct{})
	go func() {
		c.readLoop(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("readLoop still blocked on a peer that never answers pings")
	}
}

func TestSubscribeValidation(t *testing.T) {
	c := newTestClient()

	if err := c.Subscribe(models.TopicBoard, ""); err == nil {
		t.Error("Subscribe without instance id on a parametrized topic should fail")
	}
	if err := c.Subscribe(models.Topic("mystery"), "x"); err == nil {
		t.Error("Subscribe on an unknown topic should fail")
	}

	// Valid while disconnected: remembered for replay, no error.
	if err := c.Subscribe(models.TopicBoard, "b1"); err != nil {
		t.Errorf("Subscribe while disconnected error = %v, want nil", err)
	}
	if c.Granted(models.TopicBoard, "b1") {
		t.Error("subscription must not be granted before the node acks it")
	}
}
