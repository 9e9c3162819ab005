package transport

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestTCPConnSendReceiveRoundTrip(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	sc := NewTCPConn(server)
	cc := NewTCPConn(client)

	ctx := context.Background()
	go func() {
		_ = sc.Send(ctx, []byte(`{"type":"ping"}`))
	}()

	data, err := cc.Receive(ctx)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if string(data) != `{"type":"ping"}` {
		t.Fatalf("unexpected frame: %q", data)
	}
}

func TestTCPConnReceiveStripsNewlineDelimiter(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()
	sc := NewTCPConn(server)

	go func() { _, _ = client.Write([]byte("line one\nline two\n")) }()

	ctx := context.Background()
	first, err := sc.Receive(ctx)
	if err != nil || string(first) != "line one" {
		t.Fatalf("expected 'line one', got %q err=%v", first, err)
	}
	second, err := sc.Receive(ctx)
	if err != nil || string(second) != "line two" {
		t.Fatalf("expected 'line two', got %q err=%v", second, err)
	}
}

func TestWebSocketUpgradeAndEcho(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := Upgrade(w, r)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		data, err := conn.Receive(context.Background())
		if err != nil {
			return
		}
		_ = conn.Send(context.Background(), data)
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()

	if err := ws.WriteMessage(websocket.TextMessage, []byte("hello")); err != nil {
		t.Fatalf("write: %v", err)
	}
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "hello" {
		t.Fatalf("expected echo, got %q", data)
	}
}
