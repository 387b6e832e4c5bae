// Command chat-server-go runs the relay in-process for browser end-to-end
// tests: memory store, seeded contacts, no origin checks. It prints
// "READY <port>" followed by one JSON line mapping each seeded identity to a
// bearer token.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/wilsonzlin/aero/proxy/chat-relay/internal/api"
	"github.com/wilsonzlin/aero/proxy/chat-relay/internal/attachments"
	"github.com/wilsonzlin/aero/proxy/chat-relay/internal/auth"
	"github.com/wilsonzlin/aero/proxy/chat-relay/internal/channel"
	"github.com/wilsonzlin/aero/proxy/chat-relay/internal/presence"
	"github.com/wilsonzlin/aero/proxy/chat-relay/internal/registry"
	"github.com/wilsonzlin/aero/proxy/chat-relay/internal/relay"
	"github.com/wilsonzlin/aero/proxy/chat-relay/internal/signaling"
	"github.com/wilsonzlin/aero/proxy/chat-relay/internal/store"
)

const e2eSecret = "aero-chat-e2e-secret"

func main() {
	bindHost := envOrDefault("BIND_HOST", "127.0.0.1")
	port := envIntOrDefault("PORT", 0)
	// Pairs of accepted contacts, e.g. "alice:bob,alice:carol".
	pairs := envOrDefault("E2E_CONTACTS", "alice:bob")
	answerTimeout := time.Duration(envIntOrDefault("CALL_ANSWER_TIMEOUT_MS", 30_000)) * time.Millisecond

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if os.Getenv("E2E_VERBOSE") != "" {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mem := store.NewMemory()
	identities := map[string]struct{}{}
	for _, pair := range strings.Split(pairs, ",") {
		a, b, ok := strings.Cut(strings.TrimSpace(pair), ":")
		if !ok || a == "" || b == "" {
			fmt.Fprintf(os.Stderr, "invalid E2E_CONTACTS entry %q\n", pair)
			os.Exit(2)
		}
		if err := mem.AddContacts(ctx, a, b); err != nil {
			fmt.Fprintf(os.Stderr, "seed contacts: %v\n", err)
			os.Exit(1)
		}
		identities[a] = struct{}{}
		identities[b] = struct{}{}
	}

	uploadDir, err := os.MkdirTemp("", "aero-chat-e2e-uploads-")
	if err != nil {
		fmt.Fprintf(os.Stderr, "upload dir: %v\n", err)
		os.Exit(1)
	}
	defer os.RemoveAll(uploadDir)

	reg := registry.New()
	broker := signaling.NewBroker(signaling.Config{
		Peers:                  reg,
		Contacts:               mem,
		AnswerTimeout:          answerTimeout,
		NotifyPeerOnDisconnect: true,
		Logger:                 logger,
	})
	defer broker.Close()
	reconciler, err := presence.New(presence.Config{
		Registry: reg,
		Calls:    broker,
		Contacts: mem,
		Scope:    presence.ScopeContacts,
		Logger:   logger,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "presence: %v\n", err)
		os.Exit(1)
	}
	messages := relay.New(relay.Config{Messages: mem, Contacts: mem, Peers: reg, Logger: logger})
	verifier := auth.NewJWTVerifier(e2eSecret)

	channels, err := channel.NewServer(channel.Config{
		Verifier: verifier,
		Registry: reg,
		Relay:    messages,
		Calls:    broker,
		Presence: reconciler,
		Logger:   logger,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "channel server: %v\n", err)
		os.Exit(1)
	}
	files, err := attachments.New(attachments.Config{Dir: uploadDir, MaxBytes: 5 << 20, Logger: logger})
	if err != nil {
		fmt.Fprintf(os.Stderr, "attachments: %v\n", err)
		os.Exit(1)
	}
	routes, err := api.New(api.Config{Verifier: verifier, Messages: messages, Attachments: files, Logger: logger})
	if err != nil {
		fmt.Fprintf(os.Stderr, "api: %v\n", err)
		os.Exit(1)
	}

	mux := http.NewServeMux()
	mux.Handle("GET /ws", channels)
	routes.Register(mux)

	listenAddr := net.JoinHostPort(bindHost, strconv.Itoa(port))
	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "listen %s: %v\n", listenAddr, err)
		os.Exit(1)
	}
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	minter, err := auth.NewMinter(e2eSecret, 24*time.Hour)
	if err != nil {
		fmt.Fprintf(os.Stderr, "minter: %v\n", err)
		os.Exit(1)
	}
	tokens := make(map[string]string, len(identities))
	for id := range identities {
		if tokens[id], err = minter.Mint(id, ""); err != nil {
			fmt.Fprintf(os.Stderr, "mint %s: %v\n", id, err)
			os.Exit(1)
		}
	}
	encoded, _ := json.Marshal(tokens)

	fmt.Printf("READY %d\n", ln.Addr().(*net.TCPAddr).Port)
	fmt.Println(string(encoded))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		_ = channels.Shutdown(shutdownCtx)
		<-errCh
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			fmt.Fprintf(os.Stderr, "http server error: %v\n", err)
			os.Exit(1)
		}
	}
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		n, err := strconv.Atoi(v)
		if err == nil {
			return n
		}
	}
	return fallback
}
