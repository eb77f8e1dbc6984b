package realtime

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wattwise/energy-monitor/internal/app/domain/connection"
	"github.com/wattwise/energy-monitor/internal/app/storage/memory"
	"github.com/wattwise/energy-monitor/internal/platform/pushapi"
	"github.com/wattwise/energy-monitor/pkg/logger"
)

func wsURL(server *httptest.Server, token string) string {
	return strings.Replace(server.URL, "http://", "ws://", 1) + "/ws?auth=" + token
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met in time")
}

func TestHubRejectsInvalidToken(t *testing.T) {
	svc, _ := newService(t, nil)
	hub := NewHub(svc, newValidator(), []string{"*"}, logger.NewDiscard())
	server := httptest.NewServer(hub)
	defer server.Close()

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(server, "garbage"), nil)
	if err == nil {
		t.Fatalf("expected dial to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %+v", resp)
	}

	// access tokens are not accepted on the websocket
	_, resp, err = websocket.DefaultDialer.Dial(wsURL(server, sign(t, "u1", "access")), nil)
	if err == nil || resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("access token accepted: %v", err)
	}
}

func TestHubBroadcastDelivers(t *testing.T) {
	svc, store := newService(t, nil)
	hub := NewHub(svc, newValidator(), []string{"*"}, logger.NewDiscard())
	hub.PingInterval = 0
	svc.SetPusher(hub)
	server := httptest.NewServer(hub)
	defer server.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(server, sign(t, "u1", "id")), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	ctx := context.Background()
	waitFor(t, func() bool { return hub.Connections() == 1 })
	conns, _ := store.ListConnections(ctx, "u1")
	if len(conns) != 1 {
		t.Fatalf("connection not registered: %+v", conns)
	}

	res, err := svc.Broadcast(ctx, "u1", []byte(`{"userId":"u1"}`))
	if err != nil || res.Sent != 1 {
		t.Fatalf("broadcast = %+v, %v", res, err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(msg) != `{"userId":"u1"}` {
		t.Fatalf("unexpected message %s", msg)
	}

	conn.Close()
	waitFor(t, func() bool {
		conns, _ := store.ListConnections(ctx, "u1")
		return len(conns) == 0 && hub.Connections() == 0
	})
}

func TestHubPushUnknownConnection(t *testing.T) {
	svc, _ := newService(t, nil)
	hub := NewHub(svc, newValidator(), nil, logger.NewDiscard())
	if err := hub.Push(context.Background(), "missing", nil); !errors.Is(err, pushapi.ErrGone) {
		t.Fatalf("expected ErrGone, got %v", err)
	}
	if err := hub.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

// hookedConnections runs afterPut once a connection has been stored.
type hookedConnections struct {
	*memory.Store
	putErr   error
	afterPut func(ctx context.Context, c connection.Connection)
}

func (h *hookedConnections) PutConnection(ctx context.Context, c connection.Connection) error {
	if h.putErr != nil {
		return h.putErr
	}
	if err := h.Store.PutConnection(ctx, c); err != nil {
		return err
	}
	if h.afterPut != nil {
		h.afterPut(ctx, c)
	}
	return nil
}

func TestHubBroadcastDuringConnectKeepsConnection(t *testing.T) {
	store := &hookedConnections{Store: memory.New()}
	svc := New(store, newValidator(), nil, logger.NewDiscard())
	hub := NewHub(svc, newValidator(), []string{"*"}, logger.NewDiscard())
	hub.PingInterval = 0
	svc.SetPusher(hub)

	var (
		mu  sync.Mutex
		res BroadcastResult
	)
	store.afterPut = func(ctx context.Context, c connection.Connection) {
		r, _ := svc.Broadcast(ctx, c.UserID, []byte(`{"userId":"u1"}`))
		mu.Lock()
		res = r
		mu.Unlock()
	}

	server := httptest.NewServer(hub)
	defer server.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(server, sign(t, "u1", "id")), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, msg, err := conn.ReadMessage(); err != nil || string(msg) != `{"userId":"u1"}` {
		t.Fatalf("read = %s, %v", msg, err)
	}

	mu.Lock()
	got := res
	mu.Unlock()
	if got.Sent != 1 || got.Stale != 0 {
		t.Fatalf("broadcast during connect = %+v", got)
	}
	conns, _ := store.ListConnections(context.Background(), "u1")
	if len(conns) != 1 {
		t.Fatalf("connection dropped by concurrent broadcast: %+v", conns)
	}
}

func TestHubConnectFailureUnregistersSocket(t *testing.T) {
	store := &hookedConnections{Store: memory.New(), putErr: errors.New("store down")}
	svc := New(store, newValidator(), nil, logger.NewDiscard())
	hub := NewHub(svc, newValidator(), []string{"*"}, logger.NewDiscard())
	hub.PingInterval = 0
	server := httptest.NewServer(hub)
	defer server.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(server, sign(t, "u1", "id")), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatalf("expected the server to close the socket")
	}
	if n := hub.Connections(); n != 0 {
		t.Fatalf("connections = %d, want 0", n)
	}
}
