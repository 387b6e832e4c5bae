package config

import (
	"flag"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/chat-relay/internal/origin"
	"github.com/wilsonzlin/aero/proxy/chat-relay/internal/store"
)

const (
	envVarListenAddr      = "AERO_CHAT_RELAY_LISTEN_ADDR"
	envVarPublicBaseURL   = "AERO_CHAT_RELAY_PUBLIC_BASE_URL"
	envVarAllowedOrigins  = "ALLOWED_ORIGINS"
	envVarLogFormat       = "AERO_CHAT_RELAY_LOG_FORMAT"
	envVarLogLevel        = "AERO_CHAT_RELAY_LOG_LEVEL"
	envVarShutdownTimeout = "AERO_CHAT_RELAY_SHUTDOWN_TIMEOUT"
	envVarMode            = "AERO_CHAT_RELAY_MODE"

	// Channel auth + hardening.
	envVarJWTSecret                   = "JWT_SECRET"
	envVarAuthTimeout                 = "AUTH_TIMEOUT"
	envVarWSIdleTimeout               = "WS_IDLE_TIMEOUT"
	envVarWSPingInterval              = "WS_PING_INTERVAL"
	envVarMaxChannelMessageBytes      = "MAX_CHANNEL_MESSAGE_BYTES"
	envVarMaxChannelMessagesPerSecond = "MAX_CHANNEL_MESSAGES_PER_SECOND"
	envVarHardCloseAfterViolations    = "HARD_CLOSE_AFTER_VIOLATIONS"
	envVarViolationWindow             = "VIOLATION_WINDOW"
	envVarChannelSendQueue            = "CHANNEL_SEND_QUEUE"

	// Calls + presence.
	envVarCallAnswerTimeout          = "CALL_ANSWER_TIMEOUT"
	envVarCallValidateSDP            = "CALL_VALIDATE_SDP"
	envVarCallNotifyPeerOnDisconnect = "CALL_NOTIFY_PEER_ON_DISCONNECT"
	envVarPresenceScope              = "PRESENCE_SCOPE"

	// Storage.
	envVarStoreDriver    = "STORE_DRIVER"
	envVarSQLitePath     = "SQLITE_PATH"
	envVarDatabaseURL    = "DATABASE_URL"
	envVarUploadDir      = "UPLOAD_DIR"
	envVarMaxUploadBytes = "MAX_UPLOAD_BYTES"

	// coturn TURN REST (ephemeral) credentials.
	envVarTURNRESTSharedSecret   = "TURN_REST_SHARED_SECRET"
	envVarTURNRESTTTLSeconds     = "TURN_REST_TTL_SECONDS"
	envVarTURNRESTUsernamePrefix = "TURN_REST_USERNAME_PREFIX"
	envVarTURNRESTRealm          = "TURN_REST_REALM"

	DefaultListenAddr      = "127.0.0.1:8080"
	DefaultShutdown        = 15 * time.Second
	DefaultMode       Mode = ModeDev

	// DevJWTSecret is only accepted in dev mode.
	DevJWTSecret = "aero-chat-dev-secret"

	DefaultAuthTimeout                 = 10 * time.Second
	DefaultWSIdleTimeout               = 60 * time.Second
	DefaultWSPingInterval              = 20 * time.Second
	DefaultMaxChannelMessageBytes      = int64(64 * 1024)
	DefaultMaxChannelMessagesPerSecond = 50
	DefaultHardCloseAfterViolations    = 20
	DefaultViolationWindow             = 10 * time.Second
	DefaultChannelSendQueue            = 256

	DefaultCallAnswerTimeout               = 30 * time.Second
	DefaultPresenceScope     PresenceScope = PresenceScopeContacts

	DefaultStoreDriver          = store.DriverSQLite
	DefaultSQLitePath           = "chat-relay.db"
	DefaultUploadDir            = "uploads"
	DefaultMaxUploadBytes int64 = 25 << 20

	DefaultTURNRESTTTLSeconds     int64  = 3600
	DefaultTURNRESTUsernamePrefix string = "aero-chat"
)

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

// PresenceScope selects who receives user_online/user_offline.
type PresenceScope string

const (
	PresenceScopeContacts PresenceScope = "contacts"
	PresenceScopeAll      PresenceScope = "all"
)

type TurnRESTConfig struct {
	SharedSecret   string
	TTLSeconds     int64
	UsernamePrefix string
	Realm          string
}

func (c TurnRESTConfig) Enabled() bool {
	return strings.TrimSpace(c.SharedSecret) != ""
}

type Config struct {
	ListenAddr      string
	PublicBaseURL   string
	AllowedOrigins  []string
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration
	Mode            Mode

	JWTSecret string
	// JWTSecretIsDevDefault is set when no secret was configured in dev mode.
	JWTSecretIsDevDefault bool

	AuthTimeout    time.Duration
	WSIdleTimeout  time.Duration
	WSPingInterval time.Duration

	MaxChannelMessageBytes      int64
	MaxChannelMessagesPerSecond int
	// HardCloseAfterViolations closes a channel after this many rejected frames
	// within ViolationWindow. 0 disables hard close.
	HardCloseAfterViolations int
	ViolationWindow          time.Duration
	ChannelSendQueue         int

	CallAnswerTimeout          time.Duration
	CallValidateSDP            bool
	CallNotifyPeerOnDisconnect bool
	PresenceScope              PresenceScope

	StoreDriver    store.Driver
	SQLitePath     string
	DatabaseURL    string
	UploadDir      string
	MaxUploadBytes int64

	ICEServers []webrtc.ICEServer
	TURNREST   TurnRESTConfig

	iceConfigErr error
}

// ICEConfigError reports a broken ICE server configuration. It is surfaced via
// /readyz and /api/calls/ice rather than failing startup, since text chat
// works without it.
func (c Config) ICEConfigError() error {
	return c.iceConfigErr
}

// StoreOptions maps the storage knobs onto store.Open.
func (c Config) StoreOptions() store.Options {
	return store.Options{Driver: c.StoreDriver, SQLitePath: c.SQLitePath, DatabaseURL: c.DatabaseURL}
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	envMode, _ := lookup(envVarMode)
	modeDefault := string(DefaultMode)
	if envMode != "" {
		modeDefault = envMode
	}

	envLogFormat, envLogFormatOK := lookup(envVarLogFormat)
	envLogFormatSet := envLogFormatOK && envLogFormat != ""
	logFormatDefault := envLogFormat
	if !envLogFormatSet {
		logFormatDefault = defaultLogFormatForMode(modeDefault)
	}

	envLogLevel, envLogLevelOK := lookup(envVarLogLevel)
	envLogLevelSet := envLogLevelOK && envLogLevel != ""
	logLevelDefault := envLogLevel
	if !envLogLevelSet {
		logLevelDefault = defaultLogLevelForMode(modeDefault)
	}

	listenAddr := envOrDefault(lookup, envVarListenAddr, DefaultListenAddr)
	publicBaseURL := envOrDefault(lookup, envVarPublicBaseURL, "")
	allowedOriginsStr := envOrDefault(lookup, envVarAllowedOrigins, "")
	jwtSecret := envOrDefault(lookup, envVarJWTSecret, "")
	presenceScopeStr := envOrDefault(lookup, envVarPresenceScope, string(DefaultPresenceScope))
	storeDriverStr := envOrDefault(lookup, envVarStoreDriver, string(DefaultStoreDriver))
	sqlitePath := envOrDefault(lookup, envVarSQLitePath, DefaultSQLitePath)
	databaseURL := envOrDefault(lookup, envVarDatabaseURL, "")
	uploadDir := envOrDefault(lookup, envVarUploadDir, DefaultUploadDir)

	iceServersJSON := envOrDefault(lookup, envICEServersJSON, "")
	stunURLs := envOrDefault(lookup, envStunURLs, "")
	turnURLs := envOrDefault(lookup, envTurnURLs, "")
	turnUsername := envOrDefault(lookup, envTurnUsername, "")
	turnCredential := envOrDefault(lookup, envTurnCredential, "")

	turnRESTSharedSecret := envOrDefault(lookup, envVarTURNRESTSharedSecret, "")
	turnRESTUsernamePrefix := envOrDefault(lookup, envVarTURNRESTUsernamePrefix, DefaultTURNRESTUsernamePrefix)
	turnRESTRealm := envOrDefault(lookup, envVarTURNRESTRealm, "")
	turnRESTTTLSeconds := DefaultTURNRESTTTLSeconds
	if raw, ok := lookup(envVarTURNRESTTTLSeconds); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarTURNRESTTTLSeconds, raw, err)
		}
		turnRESTTTLSeconds = n
	}

	shutdownTimeout, err := envDurationOrDefault(lookup, envVarShutdownTimeout, DefaultShutdown)
	if err != nil {
		return Config{}, err
	}
	authTimeout, err := envDurationOrDefault(lookup, envVarAuthTimeout, DefaultAuthTimeout)
	if err != nil {
		return Config{}, err
	}
	wsIdleTimeout, err := envDurationOrDefault(lookup, envVarWSIdleTimeout, DefaultWSIdleTimeout)
	if err != nil {
		return Config{}, err
	}
	wsPingInterval, err := envDurationOrDefault(lookup, envVarWSPingInterval, DefaultWSPingInterval)
	if err != nil {
		return Config{}, err
	}
	violationWindow, err := envDurationOrDefault(lookup, envVarViolationWindow, DefaultViolationWindow)
	if err != nil {
		return Config{}, err
	}
	callAnswerTimeout, err := envDurationOrDefault(lookup, envVarCallAnswerTimeout, DefaultCallAnswerTimeout)
	if err != nil {
		return Config{}, err
	}

	maxChannelMessageBytes := DefaultMaxChannelMessageBytes
	if raw, ok := lookup(envVarMaxChannelMessageBytes); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarMaxChannelMessageBytes, raw, err)
		}
		maxChannelMessageBytes = n
	}
	maxUploadBytes := DefaultMaxUploadBytes
	if raw, ok := lookup(envVarMaxUploadBytes); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarMaxUploadBytes, raw, err)
		}
		maxUploadBytes = n
	}
	maxChannelMessagesPerSecond, err := envIntOrDefault(lookup, envVarMaxChannelMessagesPerSecond, DefaultMaxChannelMessagesPerSecond)
	if err != nil {
		return Config{}, err
	}
	hardCloseAfterViolations, err := envIntOrDefault(lookup, envVarHardCloseAfterViolations, DefaultHardCloseAfterViolations)
	if err != nil {
		return Config{}, err
	}
	channelSendQueue, err := envIntOrDefault(lookup, envVarChannelSendQueue, DefaultChannelSendQueue)
	if err != nil {
		return Config{}, err
	}
	callValidateSDP, err := envBoolOrDefault(lookup, envVarCallValidateSDP, true)
	if err != nil {
		return Config{}, err
	}
	callNotifyPeerOnDisconnect, err := envBoolOrDefault(lookup, envVarCallNotifyPeerOnDisconnect, true)
	if err != nil {
		return Config{}, err
	}

	fs := flag.NewFlagSet("aero-chat-relay", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var (
		modeStr      string
		logFormatStr string
		logLevelStr  string
	)

	fs.StringVar(&listenAddr, "listen-addr", listenAddr, "HTTP listen address (host:port)")
	fs.StringVar(&publicBaseURL, "public-base-url", publicBaseURL, "Public base URL used to build attachment URLs (env "+envVarPublicBaseURL+")")
	fs.StringVar(&allowedOriginsStr, "allowed-origins", allowedOriginsStr, "Comma-separated list of allowed browser origins (env "+envVarAllowedOrigins+")")
	fs.StringVar(&modeStr, "mode", modeDefault, "Run mode: dev or prod")
	fs.StringVar(&logFormatStr, "log-format", logFormatDefault, "Log format: text or json")
	fs.StringVar(&logLevelStr, "log-level", logLevelDefault, "Log level: debug, info, warn, error")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Graceful shutdown timeout (e.g. 15s)")

	fs.DurationVar(&authTimeout, "auth-timeout", authTimeout, "Close channels that have not authenticated after this duration (env "+envVarAuthTimeout+")")
	fs.DurationVar(&wsIdleTimeout, "ws-idle-timeout", wsIdleTimeout, "Close idle chat WebSocket connections after this duration (env "+envVarWSIdleTimeout+")")
	fs.DurationVar(&wsPingInterval, "ws-ping-interval", wsPingInterval, "Send ping frames at this interval (must be < --ws-idle-timeout; env "+envVarWSPingInterval+")")
	fs.Int64Var(&maxChannelMessageBytes, "max-channel-message-bytes", maxChannelMessageBytes, "Max inbound chat frame size in bytes (env "+envVarMaxChannelMessageBytes+")")
	fs.IntVar(&maxChannelMessagesPerSecond, "max-channel-messages-per-second", maxChannelMessagesPerSecond, "Max inbound chat frames per second per channel (env "+envVarMaxChannelMessagesPerSecond+")")
	fs.IntVar(&hardCloseAfterViolations, "hard-close-after-violations", hardCloseAfterViolations, "Close a channel after N rate violations within --violation-window (0 = disabled)")
	fs.DurationVar(&violationWindow, "violation-window", violationWindow, "Violation window for hard close")
	fs.IntVar(&channelSendQueue, "channel-send-queue", channelSendQueue, "Outbound frames buffered per channel before dropping (env "+envVarChannelSendQueue+")")

	fs.DurationVar(&callAnswerTimeout, "call-answer-timeout", callAnswerTimeout, "End unanswered calls after this duration (env "+envVarCallAnswerTimeout+")")
	fs.BoolVar(&callValidateSDP, "call-validate-sdp", callValidateSDP, "Parse call offer/answer SDP before forwarding (env "+envVarCallValidateSDP+")")
	fs.BoolVar(&callNotifyPeerOnDisconnect, "call-notify-peer-on-disconnect", callNotifyPeerOnDisconnect, "Send call_ended to the remaining peer when a participant disconnects (env "+envVarCallNotifyPeerOnDisconnect+")")
	fs.StringVar(&presenceScopeStr, "presence-scope", presenceScopeStr, "Who receives presence events: contacts or all (env "+envVarPresenceScope+")")

	fs.StringVar(&storeDriverStr, "store-driver", storeDriverStr, "Message store: sqlite, postgres, or memory (env "+envVarStoreDriver+")")
	fs.StringVar(&sqlitePath, "sqlite-path", sqlitePath, "SQLite database file (env "+envVarSQLitePath+")")
	fs.StringVar(&databaseURL, "database-url", databaseURL, "Postgres connection URL (env "+envVarDatabaseURL+")")
	fs.StringVar(&uploadDir, "upload-dir", uploadDir, "Directory for attachment files (env "+envVarUploadDir+")")
	fs.Int64Var(&maxUploadBytes, "max-upload-bytes", maxUploadBytes, "Max attachment size in bytes (env "+envVarMaxUploadBytes+")")

	fs.StringVar(&iceServersJSON, "ice-servers-json", iceServersJSON, "ICE server JSON config (AERO_ICE_SERVERS_JSON)")
	fs.StringVar(&stunURLs, "stun-urls", stunURLs, "comma-separated STUN URLs (AERO_STUN_URLS)")
	fs.StringVar(&turnURLs, "turn-urls", turnURLs, "comma-separated TURN URLs (AERO_TURN_URLS)")
	fs.StringVar(&turnUsername, "turn-username", turnUsername, "TURN username (AERO_TURN_USERNAME)")
	fs.StringVar(&turnCredential, "turn-credential", turnCredential, "TURN credential (AERO_TURN_CREDENTIAL)")
	fs.StringVar(&turnRESTSharedSecret, "turn-rest-shared-secret", turnRESTSharedSecret, "TURN REST shared secret ("+envVarTURNRESTSharedSecret+")")
	fs.Int64Var(&turnRESTTTLSeconds, "turn-rest-ttl-seconds", turnRESTTTLSeconds, "TURN REST credential TTL seconds ("+envVarTURNRESTTTLSeconds+")")
	fs.StringVar(&turnRESTUsernamePrefix, "turn-rest-username-prefix", turnRESTUsernamePrefix, "TURN REST username prefix ("+envVarTURNRESTUsernamePrefix+")")
	fs.StringVar(&turnRESTRealm, "turn-rest-realm", turnRESTRealm, "TURN realm (coturn config; "+envVarTURNRESTRealm+")")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	setFlags := map[string]bool{}
	fs.Visit(func(f *flag.Flag) {
		setFlags[f.Name] = true
	})

	mode, err := parseMode(modeStr)
	if err != nil {
		return Config{}, err
	}

	if !envLogFormatSet && !setFlags["log-format"] {
		logFormatStr = defaultLogFormatForMode(string(mode))
	}
	if !envLogLevelSet && !setFlags["log-level"] {
		logLevelStr = defaultLogLevelForMode(string(mode))
	}

	logFormat, err := parseLogFormat(logFormatStr)
	if err != nil {
		return Config{}, err
	}
	level, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}
	presenceScope, err := parsePresenceScope(presenceScopeStr)
	if err != nil {
		return Config{}, err
	}
	storeDriver, err := parseStoreDriver(storeDriverStr)
	if err != nil {
		return Config{}, err
	}

	if listenAddr == "" {
		return Config{}, fmt.Errorf("listen address must not be empty")
	}
	if shutdownTimeout <= 0 {
		return Config{}, fmt.Errorf("shutdown timeout must be > 0")
	}

	jwtSecretIsDevDefault := false
	if strings.TrimSpace(jwtSecret) == "" {
		if mode == ModeProd {
			return Config{}, fmt.Errorf("%s must be set in prod mode", envVarJWTSecret)
		}
		jwtSecret = DevJWTSecret
		jwtSecretIsDevDefault = true
	}

	if authTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--auth-timeout must be > 0", envVarAuthTimeout)
	}
	if wsIdleTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--ws-idle-timeout must be > 0", envVarWSIdleTimeout)
	}
	if wsPingInterval <= 0 {
		return Config{}, fmt.Errorf("%s/--ws-ping-interval must be > 0", envVarWSPingInterval)
	}
	if wsPingInterval >= wsIdleTimeout {
		return Config{}, fmt.Errorf("%s/--ws-ping-interval must be < %s/--ws-idle-timeout", envVarWSPingInterval, envVarWSIdleTimeout)
	}
	if maxChannelMessageBytes <= 0 {
		return Config{}, fmt.Errorf("%s/--max-channel-message-bytes must be > 0", envVarMaxChannelMessageBytes)
	}
	if maxChannelMessagesPerSecond <= 0 {
		return Config{}, fmt.Errorf("%s/--max-channel-messages-per-second must be > 0", envVarMaxChannelMessagesPerSecond)
	}
	if hardCloseAfterViolations < 0 {
		return Config{}, fmt.Errorf("%s/--hard-close-after-violations must be >= 0", envVarHardCloseAfterViolations)
	}
	if violationWindow <= 0 {
		return Config{}, fmt.Errorf("%s/--violation-window must be > 0", envVarViolationWindow)
	}
	if channelSendQueue <= 0 {
		return Config{}, fmt.Errorf("%s/--channel-send-queue must be > 0", envVarChannelSendQueue)
	}
	if callAnswerTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--call-answer-timeout must be > 0", envVarCallAnswerTimeout)
	}
	if maxUploadBytes <= 0 {
		return Config{}, fmt.Errorf("%s/--max-upload-bytes must be > 0", envVarMaxUploadBytes)
	}
	if strings.TrimSpace(uploadDir) == "" {
		return Config{}, fmt.Errorf("%s/--upload-dir must not be empty", envVarUploadDir)
	}
	switch storeDriver {
	case store.DriverSQLite:
		if strings.TrimSpace(sqlitePath) == "" {
			return Config{}, fmt.Errorf("%s/--sqlite-path must be set when %s=%s", envVarSQLitePath, envVarStoreDriver, store.DriverSQLite)
		}
	case store.DriverPostgres:
		if strings.TrimSpace(databaseURL) == "" {
			return Config{}, fmt.Errorf("%s/--database-url must be set when %s=%s", envVarDatabaseURL, envVarStoreDriver, store.DriverPostgres)
		}
	}
	if strings.TrimSpace(turnRESTSharedSecret) != "" {
		if turnRESTTTLSeconds <= 0 {
			return Config{}, fmt.Errorf("%s must be > 0 when %s is set", envVarTURNRESTTTLSeconds, envVarTURNRESTSharedSecret)
		}
		if strings.TrimSpace(turnRESTUsernamePrefix) == "" {
			return Config{}, fmt.Errorf("%s must be non-empty when %s is set", envVarTURNRESTUsernamePrefix, envVarTURNRESTSharedSecret)
		}
		if strings.Contains(turnRESTUsernamePrefix, ":") {
			return Config{}, fmt.Errorf("%s must not contain ':'", envVarTURNRESTUsernamePrefix)
		}
	}

	publicBaseURL = strings.TrimRight(strings.TrimSpace(publicBaseURL), "/")
	if publicBaseURL != "" {
		u, err := url.Parse(publicBaseURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return Config{}, fmt.Errorf("invalid %s/--public-base-url %q (expected http(s)://host[/path])", envVarPublicBaseURL, publicBaseURL)
		}
	}

	allowedOrigins := splitCommaSeparated(allowedOriginsStr)
	if _, err := origin.NewPolicy(allowedOrigins); err != nil {
		return Config{}, fmt.Errorf("%s/%s: %w", envVarAllowedOrigins, "--allowed-origins", err)
	}

	cfg := Config{
		ListenAddr:      listenAddr,
		PublicBaseURL:   publicBaseURL,
		AllowedOrigins:  allowedOrigins,
		LogFormat:       logFormat,
		LogLevel:        level,
		ShutdownTimeout: shutdownTimeout,
		Mode:            mode,

		JWTSecret:             jwtSecret,
		JWTSecretIsDevDefault: jwtSecretIsDevDefault,

		AuthTimeout:                 authTimeout,
		WSIdleTimeout:               wsIdleTimeout,
		WSPingInterval:              wsPingInterval,
		MaxChannelMessageBytes:      maxChannelMessageBytes,
		MaxChannelMessagesPerSecond: maxChannelMessagesPerSecond,
		HardCloseAfterViolations:    hardCloseAfterViolations,
		ViolationWindow:             violationWindow,
		ChannelSendQueue:            channelSendQueue,

		CallAnswerTimeout:          callAnswerTimeout,
		CallValidateSDP:            callValidateSDP,
		CallNotifyPeerOnDisconnect: callNotifyPeerOnDisconnect,
		PresenceScope:              presenceScope,

		StoreDriver:    storeDriver,
		SQLitePath:     sqlitePath,
		DatabaseURL:    databaseURL,
		UploadDir:      uploadDir,
		MaxUploadBytes: maxUploadBytes,

		TURNREST: TurnRESTConfig{
			SharedSecret:   turnRESTSharedSecret,
			TTLSeconds:     turnRESTTTLSeconds,
			UsernamePrefix: turnRESTUsernamePrefix,
			Realm:          turnRESTRealm,
		},
	}

	iceServers, err := parseICEServersFromValues(
		iceServersJSON,
		stunURLs,
		turnURLs,
		turnUsername,
		turnCredential,
		cfg.TURNREST.Enabled(),
	)
	if err != nil {
		cfg.iceConfigErr = err
	} else {
		cfg.ICEServers = iceServers
	}
	return cfg, nil
}

func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stdout, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	return slog.New(handler), nil
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envDurationOrDefault(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}

func envBoolOrDefault(lookup func(string) (string, bool), key string, fallback bool) (bool, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	v, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return false, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return v, nil
}

func defaultLogFormatForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return string(LogFormatJSON)
	default:
		return string(LogFormatText)
	}
}

func defaultLogLevelForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return "info"
	default:
		return "debug"
	}
}

func parseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ModeDev), "development":
		return ModeDev, nil
	case string(ModeProd), "production":
		return ModeProd, nil
	default:
		return "", fmt.Errorf("invalid mode %q (expected dev or prod)", raw)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LogFormatText):
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid log format %q (expected text or json)", raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (expected debug, info, warn, error)", raw)
	}
}

func parsePresenceScope(raw string) (PresenceScope, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(PresenceScopeContacts):
		return PresenceScopeContacts, nil
	case string(PresenceScopeAll):
		return PresenceScopeAll, nil
	default:
		return "", fmt.Errorf("invalid %s %q (expected %s or %s)", envVarPresenceScope, raw, PresenceScopeContacts, PresenceScopeAll)
	}
}

func parseStoreDriver(raw string) (store.Driver, error) {
	switch d := store.Driver(strings.ToLower(strings.TrimSpace(raw))); d {
	case store.DriverSQLite, store.DriverPostgres, store.DriverMemory:
		return d, nil
	default:
		return "", fmt.Errorf("invalid %s %q (expected %s, %s, or %s)", envVarStoreDriver, raw, store.DriverSQLite, store.DriverPostgres, store.DriverMemory)
	}
}
