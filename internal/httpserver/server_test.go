package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/chat-relay/internal/config"
	"github.com/wilsonzlin/aero/proxy/chat-relay/internal/metrics"
)

func baseConfig() config.Config {
	return config.Config{
		ListenAddr:      "127.0.0.1:0",
		LogFormat:       config.LogFormatText,
		LogLevel:        slog.LevelInfo,
		ShutdownTimeout: 2 * time.Second,
		Mode:            config.ModeDev,
	}
}

func startTestServer(t *testing.T, cfg config.Config, setup func(*Server)) (baseURL string) {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	build := BuildInfo{Commit: "abc", BuildTime: "time"}
	srv, err := New(cfg, log, build, metrics.New())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if setup != nil {
		setup(srv)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		<-errCh
	})

	return "http://" + ln.Addr().String()
}

func getJSON(t *testing.T, url string, v any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if v != nil {
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			t.Fatalf("decode: %v", err)
		}
	}
	return resp.StatusCode
}

func TestHealthzReadyzVersion(t *testing.T) {
	baseURL := startTestServer(t, baseConfig(), nil)

	t.Run("healthz", func(t *testing.T) {
		var body map[string]any
		if status := getJSON(t, baseURL+"/healthz", &body); status != http.StatusOK {
			t.Fatalf("status=%d, want %d", status, http.StatusOK)
		}
		if body["ok"] != true {
			t.Fatalf("body=%v, want ok=true", body)
		}
	})

	t.Run("readyz", func(t *testing.T) {
		if status := getJSON(t, baseURL+"/readyz", nil); status != http.StatusOK {
			t.Fatalf("status=%d, want %d", status, http.StatusOK)
		}
	})

	t.Run("version", func(t *testing.T) {
		var got BuildInfo
		if status := getJSON(t, baseURL+"/version", &got); status != http.StatusOK {
			t.Fatalf("status=%d, want %d", status, http.StatusOK)
		}
		want := BuildInfo{Commit: "abc", BuildTime: "time"}
		if got != want {
			t.Fatalf("got=%+v, want=%+v", got, want)
		}
	})
}

func TestReadyzFailsOnInvalidICEConfig(t *testing.T) {
	t.Setenv("AERO_ICE_SERVERS_JSON", "[")

	cfg, err := config.Load([]string{"--listen-addr", "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("config.Load returned fatal error: %v", err)
	}
	if cfg.ICEConfigError() == nil {
		t.Fatalf("expected ICE config error to be captured for readiness")
	}

	baseURL := startTestServer(t, cfg, nil)
	if status := getJSON(t, baseURL+"/readyz", nil); status != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", status)
	}
}

func TestReadyzRunsChecks(t *testing.T) {
	var unhealthy atomic.Bool
	baseURL := startTestServer(t, baseConfig(), func(s *Server) {
		s.AddReadinessCheck("store", func(context.Context) error {
			if unhealthy.Load() {
				return errors.New("database unreachable")
			}
			return nil
		})
	})

	if status := getJSON(t, baseURL+"/readyz", nil); status != http.StatusOK {
		t.Fatalf("status=%d, want 200", status)
	}
	unhealthy.Store(true)
	var body map[string]any
	if status := getJSON(t, baseURL+"/readyz", &body); status != http.StatusServiceUnavailable {
		t.Fatalf("status=%d, want 503", status)
	}
	if msg, _ := body["error"].(string); !strings.Contains(msg, "store: database unreachable") {
		t.Fatalf("error=%q", msg)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	m := metrics.New()
	m.Inc(metrics.MessageSent)

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv, err := New(baseConfig(), log, BuildInfo{}, m)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() { _ = srv.Serve(ln) }()
	defer srv.Close()

	resp, err := http.Get("http://" + ln.Addr().String() + "/metrics")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `aero_chat_relay_events_total{event="message_sent"} 1`) {
		t.Fatalf("metrics body missing counter:\n%s", body)
	}
}

func TestOriginPolicy(t *testing.T) {
	cfg := baseConfig()
	cfg.AllowedOrigins = []string{"https://chat.example"}
	baseURL := startTestServer(t, cfg, nil)

	do := func(method, origin string) *http.Response {
		t.Helper()
		req, err := http.NewRequest(method, baseURL+"/healthz", nil)
		if err != nil {
			t.Fatalf("new request: %v", err)
		}
		req.Header.Set("Origin", origin)
		if method == http.MethodOptions {
			req.Header.Set("Access-Control-Request-Method", "GET")
			req.Header.Set("Access-Control-Request-Headers", "authorization")
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		resp.Body.Close()
		return resp
	}

	if resp := do(http.MethodGet, "https://evil.example"); resp.StatusCode != http.StatusForbidden {
		t.Fatalf("evil origin status=%d, want 403", resp.StatusCode)
	}

	resp := do(http.MethodGet, "https://chat.example")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("allowed origin status=%d, want 200", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "https://chat.example" {
		t.Fatalf("Access-Control-Allow-Origin=%q", got)
	}

	resp = do(http.MethodOptions, "https://chat.example")
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("preflight status=%d, want 204", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Headers"); got != "authorization" {
		t.Fatalf("Access-Control-Allow-Headers=%q", got)
	}
}

func TestNew_RejectsInvalidOrigins(t *testing.T) {
	cfg := baseConfig()
	cfg.AllowedOrigins = []string{"null"}
	if _, err := New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)), BuildInfo{}, nil); err == nil {
		t.Fatalf("New accepted an invalid origin")
	}
}

func TestWebSocketUpgradeThroughMiddleware(t *testing.T) {
	upgrader := websocket.Upgrader{}
	baseURL := startTestServer(t, baseConfig(), func(s *Server) {
		s.Mux().HandleFunc("GET /ws", func(w http.ResponseWriter, r *http.Request) {
			c, err := upgrader.Upgrade(w, r, nil)
			if err != nil {
				return
			}
			defer c.Close()
			mt, msg, err := c.ReadMessage()
			if err != nil {
				return
			}
			_ = c.WriteMessage(mt, msg)
		})
	})

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(baseURL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()
	if err := ws.WriteMessage(websocket.TextMessage, []byte("ping")); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, got, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != "ping" {
		t.Fatalf("echo=%q, want ping", got)
	}
}
