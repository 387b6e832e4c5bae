package main

import (
	"log/slog"
	"slices"

	"github.com/wilsonzlin/aero/proxy/chat-relay/internal/config"
	"github.com/wilsonzlin/aero/proxy/chat-relay/internal/store"
)

func logStartupSecurityWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.JWTSecretIsDevDefault {
		logger.Warn("startup security warning: JWT_SECRET is unset; using the built-in dev secret (anyone can mint tokens)",
			"warning_code", "jwt_secret_dev_default",
			"mode", cfg.Mode,
		)
	}

	if slices.Contains(cfg.AllowedOrigins, "*") {
		logger.Warn("startup security warning: ALLOWED_ORIGINS contains '*' (allows any origin)",
			"warning_code", "allowed_origins_wildcard",
			"allowed_origins", cfg.AllowedOrigins,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && cfg.StoreDriver == store.DriverMemory {
		logger.Warn("startup warning: STORE_DRIVER=memory while --mode=prod (messages and contacts are lost on restart)",
			"warning_code", "store_driver_memory_in_prod",
			"store_driver", cfg.StoreDriver,
			"mode", cfg.Mode,
		)
	}

	if cfg.HardCloseAfterViolations <= 0 {
		logger.Warn("startup security warning: HARD_CLOSE_AFTER_VIOLATIONS=0 never closes channels that keep exceeding the rate limit",
			"warning_code", "hard_close_disabled",
			"max_channel_messages_per_second", cfg.MaxChannelMessagesPerSecond,
			"mode", cfg.Mode,
		)
	}

	if cfg.MaxChannelMessageBytes > 1<<20 { // 1MiB
		logger.Warn("startup security warning: MAX_CHANNEL_MESSAGE_BYTES is very large (increases per-frame allocation risk)",
			"warning_code", "max_channel_message_large",
			"max_channel_message_bytes", cfg.MaxChannelMessageBytes,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && !cfg.CallValidateSDP {
		logger.Warn("startup warning: CALL_VALIDATE_SDP=false while --mode=prod (offers and answers are forwarded unparsed)",
			"warning_code", "call_validate_sdp_disabled_in_prod",
			"mode", cfg.Mode,
		)
	}

	if cfg.PresenceScope == config.PresenceScopeAll {
		logger.Warn("startup warning: PRESENCE_SCOPE=all announces every identity's online state to every channel",
			"warning_code", "presence_scope_all",
			"presence_scope", cfg.PresenceScope,
			"mode", cfg.Mode,
		)
	}

	if cfg.TURNREST.Enabled() && !slices.ContainsFunc(cfg.ICEServers, config.HasTURNURL) {
		logger.Warn("startup warning: TURN REST is enabled but no turn: URLs are configured; minted credentials are never used",
			"warning_code", "turn_rest_without_turn_urls",
			"ice_servers", len(cfg.ICEServers),
			"mode", cfg.Mode,
		)
	}
}
