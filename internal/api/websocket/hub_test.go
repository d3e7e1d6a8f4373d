package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/KevinKickass/RegisterMapper/internal/auth"
	"github.com/KevinKickass/RegisterMapper/internal/config"
	"github.com/KevinKickass/RegisterMapper/internal/types"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type received struct {
	Type   MessageType     `json:"type"`
	Device string          `json:"device"`
	Data   json.RawMessage `json:"data"`
}

func startHub(t *testing.T, authService *auth.Service) (*Hub, string) {
	t.Helper()
	hub := NewHub(authService, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ServeWs(hub, w, r)
	}))
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func openAuth(t *testing.T) *auth.Service {
	t.Helper()
	s, err := auth.NewService(config.AuthConfig{}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func next(t *testing.T, conn *websocket.Conn) received {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg received
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	return msg
}

func waitClients(t *testing.T, hub *Hub, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.GetClientCount() != want {
		if time.Now().After(deadline) {
			t.Fatalf("clients = %d, want %d", hub.GetClientCount(), want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHubBroadcastsReadouts(t *testing.T) {
	hub, url := startHub(t, openAuth(t))
	conn := dial(t, url)
	waitClients(t, hub, 1)

	if err := hub.WriteReadout(context.Background(), &types.ReadResult{DeviceID: "pump"}); err != nil {
		t.Fatal(err)
	}
	msg := next(t, conn)
	if msg.Type != MessageTypeReadout || msg.Device != "pump" {
		t.Fatalf("msg = %+v", msg)
	}

	var result types.ReadResult
	if err := json.Unmarshal(msg.Data, &result); err != nil || result.DeviceID != "pump" {
		t.Fatalf("data = %s (%v)", msg.Data, err)
	}
}

func TestHubSubscriptionFilters(t *testing.T) {
	hub, url := startHub(t, openAuth(t))
	conn := dial(t, url)
	waitClients(t, hub, 1)

	if err := conn.WriteJSON(clientMessage{Type: "subscribe", Devices: []string{"boiler"}}); err != nil {
		t.Fatal(err)
	}
	if msg := next(t, conn); msg.Type != MessageTypeSubscribed {
		t.Fatalf("ack = %+v", msg)
	}

	hub.WriteReadout(context.Background(), &types.ReadResult{DeviceID: "pump"})
	hub.WriteReadout(context.Background(), &types.ReadResult{DeviceID: "boiler"})
	if msg := next(t, conn); msg.Device != "boiler" {
		t.Fatalf("got readout for %q", msg.Device)
	}

	hub.Broadcast(NewMessage(MessageTypeSystemStatus, map[string]string{"state": "RUNNING"}))
	if msg := next(t, conn); msg.Type != MessageTypeSystemStatus {
		t.Fatalf("status not delivered: %+v", msg)
	}

	if err := conn.WriteJSON(clientMessage{Type: "dance"}); err != nil {
		t.Fatal(err)
	}
	if msg := next(t, conn); msg.Type != MessageTypeError {
		t.Fatalf("unknown type reply = %+v", msg)
	}
}

func TestHubRequiresAuthMessage(t *testing.T) {
	t.Setenv("WS_TEST_SECRET", "k1")
	authService, err := auth.NewService(config.AuthConfig{
		Enabled:      true,
		JWTSecretEnv: "WS_TEST_SECRET",
		TokenTTL:     time.Minute,
	}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	hub, url := startHub(t, authService)

	rejected := dial(t, url)
	if err := rejected.WriteJSON(clientMessage{Type: "subscribe"}); err != nil {
		t.Fatal(err)
	}
	if msg := next(t, rejected); msg.Type != MessageTypeAuthFailed {
		t.Fatalf("msg = %+v", msg)
	}
	if hub.GetClientCount() != 0 {
		t.Fatal("unauthenticated client registered")
	}

	token, err := authService.JWT().GenerateAccessToken("dashboard", []auth.Permission{auth.PermRead})
	if err != nil {
		t.Fatal(err)
	}
	conn := dial(t, url)
	if err := conn.WriteJSON(clientMessage{Type: "auth", Token: token}); err != nil {
		t.Fatal(err)
	}
	if msg := next(t, conn); msg.Type != MessageTypeAuthSuccess {
		t.Fatalf("msg = %+v", msg)
	}
	waitClients(t, hub, 1)

	hub.WriteReadout(context.Background(), &types.ReadResult{DeviceID: "pump"})
	if msg := next(t, conn); msg.Type != MessageTypeReadout {
		t.Fatalf("msg = %+v", msg)
	}
}

func TestHubStopDisconnectsClients(t *testing.T) {
	hub := NewHub(openAuth(t), zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(stopped)
	}()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ServeWs(hub, w, r)
	}))
	defer srv.Close()

	conn := dial(t, "ws"+strings.TrimPrefix(srv.URL, "http"))
	waitClients(t, hub, 1)

	cancel()
	<-stopped
	if hub.GetClientCount() != 0 {
		t.Fatalf("clients = %d", hub.GetClientCount())
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseNoStatusReceived, websocket.CloseNormalClosure) {
		t.Fatalf("expected close, got %v", err)
	}
}
