package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/wilsonzlin/aero/proxy/chat-relay/internal/api"
	"github.com/wilsonzlin/aero/proxy/chat-relay/internal/attachments"
	"github.com/wilsonzlin/aero/proxy/chat-relay/internal/auth"
	"github.com/wilsonzlin/aero/proxy/chat-relay/internal/channel"
	"github.com/wilsonzlin/aero/proxy/chat-relay/internal/config"
	"github.com/wilsonzlin/aero/proxy/chat-relay/internal/httpserver"
	"github.com/wilsonzlin/aero/proxy/chat-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/chat-relay/internal/presence"
	"github.com/wilsonzlin/aero/proxy/chat-relay/internal/registry"
	"github.com/wilsonzlin/aero/proxy/chat-relay/internal/relay"
	"github.com/wilsonzlin/aero/proxy/chat-relay/internal/signaling"
	"github.com/wilsonzlin/aero/proxy/chat-relay/internal/store"
	"github.com/wilsonzlin/aero/proxy/chat-relay/internal/turnrest"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

const storeOpenTimeout = 30 * time.Second

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	logger.Info("starting aero-chat-relay",
		"listen_addr", cfg.ListenAddr,
		"public_base_url", cfg.PublicBaseURL,
		"mode", cfg.Mode,
		"store_driver", cfg.StoreDriver,
		"upload_dir", cfg.UploadDir,
		"max_upload_bytes", cfg.MaxUploadBytes,
		"max_channel_message_bytes", cfg.MaxChannelMessageBytes,
		"max_channel_messages_per_second", cfg.MaxChannelMessagesPerSecond,
		"call_answer_timeout", cfg.CallAnswerTimeout,
		"presence_scope", cfg.PresenceScope,
		"turn_rest_enabled", cfg.TURNREST.Enabled(),
		"turn_rest_realm", cfg.TURNREST.Realm,
	)
	logStartupSecurityWarnings(logger, cfg)

	openCtx, cancelOpen := context.WithTimeout(context.Background(), storeOpenTimeout)
	st, err := store.Open(openCtx, cfg.StoreOptions())
	cancelOpen()
	if err != nil {
		logger.Error("failed to open store", "err", err)
		os.Exit(2)
	}
	defer st.Close()

	files, err := attachments.New(attachments.Config{
		Dir:           cfg.UploadDir,
		MaxBytes:      cfg.MaxUploadBytes,
		PublicBaseURL: cfg.PublicBaseURL,
		Logger:        logger,
	})
	if err != nil {
		logger.Error("failed to configure attachments", "err", err)
		os.Exit(2)
	}

	var turn *turnrest.Generator
	if cfg.TURNREST.Enabled() {
		turn, err = turnrest.NewGenerator(turnrest.GeneratorConfig{
			SharedSecret:   cfg.TURNREST.SharedSecret,
			TTL:            time.Duration(cfg.TURNREST.TTLSeconds) * time.Second,
			UsernamePrefix: cfg.TURNREST.UsernamePrefix,
		})
		if err != nil {
			logger.Error("failed to configure TURN REST credentials", "err", err)
			os.Exit(2)
		}
	}

	m := metrics.New()
	reg := registry.New()
	reg.OnChange(m.SetConnected)

	broker := signaling.NewBroker(signaling.Config{
		Peers:                  reg,
		Contacts:               st,
		AnswerTimeout:          cfg.CallAnswerTimeout,
		ValidateSDP:            cfg.CallValidateSDP,
		NotifyPeerOnDisconnect: cfg.CallNotifyPeerOnDisconnect,
		Metrics:                m,
		Logger:                 logger,
	})
	defer broker.Close()

	reconciler, err := presence.New(presence.Config{
		Registry: reg,
		Calls:    broker,
		Contacts: st,
		Scope:    presence.Scope(cfg.PresenceScope),
		Metrics:  m,
		Logger:   logger,
	})
	if err != nil {
		logger.Error("failed to configure presence", "err", err)
		os.Exit(2)
	}

	messages := relay.New(relay.Config{
		Messages:            st,
		Contacts:            st,
		Peers:               reg,
		Metrics:             m,
		Logger:              logger,
		AttachmentURLPrefix: files.URL(""),
	})

	commit, built := resolveBuildInfo(buildCommit, buildTime)
	srv, err := httpserver.New(cfg, logger, httpserver.BuildInfo{Commit: commit, BuildTime: built}, m)
	if err != nil {
		logger.Error("failed to configure http server", "err", err)
		os.Exit(2)
	}
	srv.AddReadinessCheck("store", st.Ping)

	verifier := auth.NewJWTVerifier(cfg.JWTSecret)
	channels, err := channel.NewServer(channel.Config{
		Verifier: verifier,
		Registry: reg,
		Relay:    messages,
		Calls:    broker,
		Presence: reconciler,
		Origins:  srv.Origins(),
		Metrics:  m,
		Logger:   logger,

		AuthTimeout:              cfg.AuthTimeout,
		IdleTimeout:              cfg.WSIdleTimeout,
		PingInterval:             cfg.WSPingInterval,
		MaxMessageBytes:          cfg.MaxChannelMessageBytes,
		SendQueue:                cfg.ChannelSendQueue,
		MessagesPerSecond:        cfg.MaxChannelMessagesPerSecond,
		HardCloseAfterViolations: cfg.HardCloseAfterViolations,
		ViolationWindow:          cfg.ViolationWindow,
	})
	if err != nil {
		logger.Error("failed to configure channel server", "err", err)
		os.Exit(2)
	}
	srv.Mux().Handle("GET /ws", channels)

	routes, err := api.New(api.Config{
		Verifier:       verifier,
		Messages:       messages,
		Attachments:    files,
		ICEServers:     cfg.ICEServers,
		ICEConfigError: cfg.ICEConfigError(),
		TURN:           turn,
		Logger:         logger,
	})
	if err != nil {
		logger.Error("failed to configure api", "err", err)
		os.Exit(2)
	}
	routes.Register(srv.Mux())

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited", "err", err)
			os.Exit(1)
		}
		return
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}
	// Upgraded channels are not tracked by http.Server.
	if err := channels.Shutdown(shutdownCtx); err != nil {
		logger.Error("channel shutdown incomplete", "err", err, "open_channels", channels.Len())
	}

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		os.Exit(1)
	}
}

func resolveBuildInfo(commit, buildTime string) (string, string) {
	// Prefer ldflags-injected values but fall back to the Go build info, which
	// covers `go run` and dev builds.
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if buildTime == "" {
					buildTime = s.Value
				}
			}
		}
	}
	return commit, buildTime
}
