package main

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/chat-relay/internal/config"
	"github.com/wilsonzlin/aero/proxy/chat-relay/internal/store"
)

type recordedLog struct {
	level slog.Level
	msg   string
	attrs map[string]any
}

type recordingHandler struct {
	mu      *sync.Mutex
	records *[]recordedLog
	attrs   []slog.Attr
	groups  []string
}

func newRecordingLogger() (*slog.Logger, func() []recordedLog) {
	mu := &sync.Mutex{}
	records := &[]recordedLog{}
	h := &recordingHandler{mu: mu, records: records}
	return slog.New(h), func() []recordedLog {
		mu.Lock()
		defer mu.Unlock()
		out := make([]recordedLog, len(*records))
		copy(out, *records)
		return out
	}
}

func (h *recordingHandler) Enabled(context.Context, slog.Level) bool {
	return true
}

func (h *recordingHandler) Handle(_ context.Context, r slog.Record) error {
	rec := recordedLog{
		level: r.Level,
		msg:   r.Message,
		attrs: map[string]any{},
	}
	for _, a := range h.attrs {
		rec.attrs[h.key(a.Key)] = a.Value.Any()
	}
	r.Attrs(func(a slog.Attr) bool {
		rec.attrs[h.key(a.Key)] = a.Value.Any()
		return true
	})

	h.mu.Lock()
	*h.records = append(*h.records, rec)
	h.mu.Unlock()
	return nil
}

func (h *recordingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	nh := h.clone()
	nh.attrs = append(nh.attrs, attrs...)
	return nh
}

func (h *recordingHandler) WithGroup(name string) slog.Handler {
	nh := h.clone()
	nh.groups = append(nh.groups, name)
	return nh
}

func (h *recordingHandler) clone() *recordingHandler {
	cp := &recordingHandler{mu: h.mu, records: h.records}
	cp.attrs = append([]slog.Attr(nil), h.attrs...)
	cp.groups = append([]string(nil), h.groups...)
	return cp
}

func (h *recordingHandler) key(k string) string {
	if len(h.groups) == 0 {
		return k
	}
	return strings.Join(h.groups, ".") + "." + k
}

func warningCodes(records []recordedLog) map[string]bool {
	codes := map[string]bool{}
	for _, r := range records {
		if r.level != slog.LevelWarn {
			continue
		}
		if code, ok := r.attrs["warning_code"].(string); ok {
			codes[code] = true
		}
	}
	return codes
}

// safeConfig triggers no warnings.
func safeConfig() config.Config {
	return config.Config{
		Mode:                     config.ModeProd,
		AllowedOrigins:           []string{"https://chat.example.com"},
		StoreDriver:              store.DriverPostgres,
		HardCloseAfterViolations: 20,
		MaxChannelMessageBytes:   64 * 1024,
		CallValidateSDP:          true,
		PresenceScope:            config.PresenceScopeContacts,
	}
}

func TestStartupSecurityWarnings(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*config.Config)
		code   string
	}{
		{"dev jwt secret", func(c *config.Config) { c.JWTSecretIsDevDefault = true }, "jwt_secret_dev_default"},
		{"wildcard origin", func(c *config.Config) { c.AllowedOrigins = []string{"*"} }, "allowed_origins_wildcard"},
		{"memory store in prod", func(c *config.Config) { c.StoreDriver = store.DriverMemory }, "store_driver_memory_in_prod"},
		{"hard close disabled", func(c *config.Config) { c.HardCloseAfterViolations = 0 }, "hard_close_disabled"},
		{"large frames", func(c *config.Config) { c.MaxChannelMessageBytes = 4 << 20 }, "max_channel_message_large"},
		{"sdp unvalidated in prod", func(c *config.Config) { c.CallValidateSDP = false }, "call_validate_sdp_disabled_in_prod"},
		{"presence to all", func(c *config.Config) { c.PresenceScope = config.PresenceScopeAll }, "presence_scope_all"},
		{"turn rest without turn urls", func(c *config.Config) {
			c.TURNREST.SharedSecret = "s"
			c.ICEServers = []webrtc.ICEServer{{URLs: []string{"stun:stun.example.com:3478"}}}
		}, "turn_rest_without_turn_urls"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			logger, records := newRecordingLogger()
			cfg := safeConfig()
			tc.mutate(&cfg)

			logStartupSecurityWarnings(logger, cfg)

			codes := warningCodes(records())
			if !codes[tc.code] {
				t.Fatalf("expected warning_code=%s, got %v", tc.code, codes)
			}
			if len(codes) != 1 {
				t.Fatalf("expected only %s, got %v", tc.code, codes)
			}
		})
	}
}

func TestStartupSecurityWarnings_SafeConfigIsQuiet(t *testing.T) {
	logger, records := newRecordingLogger()
	cfg := safeConfig()
	cfg.TURNREST.SharedSecret = "s"
	cfg.ICEServers = []webrtc.ICEServer{{URLs: []string{"turns:turn.example.com:5349"}}}

	logStartupSecurityWarnings(logger, cfg)

	if codes := warningCodes(records()); len(codes) != 0 {
		t.Fatalf("unexpected warnings: %v", codes)
	}
}

func TestStartupSecurityWarnings_MemoryStoreAllowedInDev(t *testing.T) {
	logger, records := newRecordingLogger()
	cfg := safeConfig()
	cfg.Mode = config.ModeDev
	cfg.StoreDriver = store.DriverMemory
	cfg.CallValidateSDP = false

	logStartupSecurityWarnings(logger, cfg)

	if codes := warningCodes(records()); len(codes) != 0 {
		t.Fatalf("unexpected warnings in dev: %v", codes)
	}
}
