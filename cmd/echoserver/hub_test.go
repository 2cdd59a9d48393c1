package main

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rickgao/livesync/internal/protocol"
)

func startServer(t *testing.T, token string) (*httptest.Server, *hub) {
	t.Helper()
	h := newHub(token, nil)
	server := httptest.NewServer(newRouter(h))
	t.Cleanup(func() {
		h.Close()
		server.Close()
	})
	return server, h
}

func dial(t *testing.T, server *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) *protocol.Frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	f, err := protocol.JSON{}.Decode(data)
	if err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
	return f
}

func writeFrame(t *testing.T, conn *websocket.Conn, f *protocol.Frame) {
	t.Helper()
	data, err := protocol.JSON{}.Encode(f)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestHub_WelcomeAndBroadcast(t *testing.T) {
	server, h := startServer(t, "")

	a := dial(t, server, "")
	welcomeA := readFrame(t, a)
	if welcomeA.Type != protocol.TypeWelcome || welcomeA.SessionID == "" {
		t.Fatalf("first frame = %+v, want welcome", welcomeA)
	}

	b := dial(t, server, "")
	welcomeB := readFrame(t, b)
	if welcomeB.SessionID == welcomeA.SessionID {
		t.Error("session IDs are not unique")
	}

	deadline := time.Now().Add(time.Second)
	for h.ClientCount() != 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	writeFrame(t, a, protocol.NewMessage("m1", "chat", []byte(`{"text":"hi"}`)))

	for name, conn := range map[string]*websocket.Conn{"sender": a, "peer": b} {
		f := readFrame(t, conn)
		if f.Type != protocol.TypeMessage || f.ID != "m1" || f.Channel != "chat" {
			t.Errorf("%s got %+v", name, f)
		}
	}
}

func TestHub_PingAndErrors(t *testing.T) {
	server, _ := startServer(t, "")
	conn := dial(t, server, "")
	readFrame(t, conn)

	writeFrame(t, conn, &protocol.Frame{Type: protocol.TypePing, ID: "p1"})
	if f := readFrame(t, conn); f.Type != protocol.TypePong || f.ID != "p1" {
		t.Errorf("ping reply = %+v", f)
	}

	conn.WriteMessage(websocket.TextMessage, []byte("garbage"))
	if f := readFrame(t, conn); f.Type != protocol.TypeError || f.Error == "" {
		t.Errorf("garbage reply = %+v", f)
	}
}

func TestHub_RequiresToken(t *testing.T) {
	server, _ := startServer(t, "secret")

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("expected dial without token to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("response = %v, want 401", resp)
	}

	conn := dial(t, server, "secret")
	if f := readFrame(t, conn); f.Type != protocol.TypeWelcome {
		t.Errorf("first frame = %+v", f)
	}
}
