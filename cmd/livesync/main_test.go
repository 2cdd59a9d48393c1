package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rickgao/livesync/internal/auth"
	"github.com/rickgao/livesync/internal/config"
	"github.com/rickgao/livesync/internal/connection"
	"github.com/rickgao/livesync/internal/protocol"
	"github.com/rickgao/livesync/internal/transport/transporttest"
)

func newTestManager(t *testing.T) (*connection.Manager, *transporttest.Factory) {
	t.Helper()
	cfg := connection.DefaultConfig()
	cfg.Endpoint = "ws://test.invalid/ws"
	factory := transporttest.NewFactory()
	m := connection.NewManager(cfg, factory, auth.NewStatic("t"))
	t.Cleanup(m.DisposeSession)
	return m, factory
}

// waitState polls until m reaches want; dials run on their own goroutine.
func waitState(t *testing.T, m *connection.Manager, want connection.State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for m.State() != want {
		if time.Now().After(deadline) {
			t.Fatalf("state = %v, want %v", m.State(), want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestDebugRouter(t *testing.T) {
	m, factory := newTestManager(t)
	router := newDebugRouter(m, nil)

	get := func(path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec
	}
	post := func(path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, path, nil))
		return rec
	}

	if rec := get("/health"); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("idle /health = %d, want 503", rec.Code)
	}

	if rec := post("/debug/connect"); rec.Code != http.StatusAccepted {
		t.Errorf("/debug/connect = %d", rec.Code)
	}
	waitState(t, m, connection.StateOpen)

	rec := get("/health")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"status":"healthy"`) {
		t.Errorf("open /health = %d %s", rec.Code, rec.Body.String())
	}

	var snap connection.Connection
	rec = get("/debug/connection")
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode /debug/connection: %v", err)
	}
	if snap.State != connection.StateOpen || snap.Endpoint != "ws://test.invalid/ws" {
		t.Errorf("snapshot = %+v", snap)
	}

	var stats connection.Stats
	rec = get("/debug/stats")
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode /debug/stats: %v", err)
	}
	if stats.Opens != 1 {
		t.Errorf("Opens = %d, want 1", stats.Opens)
	}

	first := factory.Last()
	if rec := post("/debug/disconnect?reason=test"); rec.Code != http.StatusAccepted {
		t.Errorf("/debug/disconnect = %d", rec.Code)
	}
	if !first.Closed() {
		t.Error("connection not closed by /debug/disconnect")
	}
	if got := m.Connection().CloseReason; got == nil || got.Text != "test" {
		t.Errorf("CloseReason = %+v", got)
	}
}

func TestReadInput(t *testing.T) {
	m, factory := newTestManager(t)
	m.Connect()
	waitState(t, m, connection.StateOpen)

	input := "hello\n\n/token rotated\n/bogus\nworld\n/quit\nnever sent\n"
	if quit := readInput(strings.NewReader(input), m, []string{"chat"}, nil); !quit {
		t.Error("readInput did not report /quit")
	}

	var texts []string
	for _, raw := range factory.Last().Written() {
		f, err := protocol.JSON{}.Decode(raw)
		if err != nil || f.Type != protocol.TypeMessage {
			continue
		}
		var p map[string]string
		json.Unmarshal(f.Payload, &p)
		texts = append(texts, p["text"])
	}
	if strings.Join(texts, ",") != "hello,world" {
		t.Errorf("sent %v, want [hello world]", texts)
	}
}

func TestParseCommand(t *testing.T) {
	tests := []struct {
		line    string
		cmd     string
		arg     string
		command bool
	}{
		{"/quit", "quit", "", true},
		{"/token  abc ", "token", "abc", true},
		{"plain text", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			cmd, arg, ok := parseCommand(tt.line)
			if cmd != tt.cmd || arg != tt.arg || ok != tt.command {
				t.Errorf("parseCommand(%q) = %q, %q, %v", tt.line, cmd, arg, ok)
			}
		})
	}
}

func TestTokenProvider(t *testing.T) {
	tests := []struct {
		name string
		s    config.SessionConfig
		want string
	}{
		{"none", config.SessionConfig{}, "<nil>"},
		{"static", config.SessionConfig{Token: "abc"}, "*auth.Static"},
		{"file", config.SessionConfig{TokenFile: "/tmp/token"}, "auth.FileProvider"},
		{"http", config.SessionConfig{TokenURL: "http://localhost/token"}, "*auth.HTTPProvider"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := tokenProvider(tt.s, nil)
			got := "<nil>"
			if p != nil {
				got = typeName(p)
			}
			if got != tt.want {
				t.Errorf("tokenProvider = %s, want %s", got, tt.want)
			}
		})
	}
}

func typeName(v any) string {
	switch v.(type) {
	case *auth.Static:
		return "*auth.Static"
	case auth.FileProvider:
		return "auth.FileProvider"
	case *auth.HTTPProvider:
		return "*auth.HTTPProvider"
	default:
		return "unknown"
	}
}
