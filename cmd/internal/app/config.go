package app

import "time"

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string // json or pretty
	LogColor  bool

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	// WriteTimeout bounds plain responses. Zero leaves streams alone; they set per-write deadlines.
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	MaxHeaderBytes  int
	ShutdownTimeout time.Duration

	DatabaseURL string
	DBMaxConns  int32
	DBMinConns  int32
	DBSchema    string
	DBMigrate   bool

	DBMaxConnLifetime time.Duration

	// If true:
	// - /readyz returns 503 unless DB is configured and reachable.
	ReadinessRequireDB bool

	// AuthSecret signs bearer tokens. When empty and RequireAuthSecret is false a random
	// per-process secret is used, so tokens die with the process.
	AuthSecret        string
	RequireAuthSecret bool
	AuthIssuer        string
	AuthAccessTTL     time.Duration
	AuthRefreshTTL    time.Duration

	LLMProvider    string
	LLMModel       string
	LLMAPIKey      string
	LLMBaseURL     string
	LLMMaxTokens   int
	LLMTemperature float64
	LLMTimeout     time.Duration

	RelayRPS   float64
	RelayBurst int
	TrustProxy bool

	WSAllowedOrigins   []string
	WSOriginRequired   bool
	WSDevInsecure      bool
	WSSendQueueSize    int
	WSHeartbeat        time.Duration
	WSRateEvents       int
	WSRateWindow       time.Duration
	StreamWriteTimeout time.Duration

	CORSAllowedOrigins   []string
	CORSAllowCredentials bool
	CORSMaxAgeSeconds    int

	MetricsEnabled bool
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr:  EnvString("COUNSEL_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  EnvString("COUNSEL_LOG_LEVEL", "info"),
		LogFormat: EnvString("COUNSEL_LOG_FORMAT", "json"),
		LogColor:  EnvBool("COUNSEL_LOG_COLOR", false),

		ReadHeaderTimeout: EnvDuration("COUNSEL_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("COUNSEL_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("COUNSEL_HTTP_WRITE_TIMEOUT", 0),
		IdleTimeout:       EnvDuration("COUNSEL_HTTP_IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    EnvInt("COUNSEL_HTTP_MAX_HEADER_BYTES", 1<<20),
		ShutdownTimeout:   EnvDuration("COUNSEL_HTTP_SHUTDOWN_TIMEOUT", 10*time.Second),

		DatabaseURL: EnvString("COUNSEL_DATABASE_URL", ""),
		DBMaxConns:  EnvInt32("COUNSEL_DB_MAX_CONNS", 10),
		DBMinConns:  EnvInt32("COUNSEL_DB_MIN_CONNS", 0),
		DBSchema:    EnvString("COUNSEL_DB_SCHEMA", "counsel"),
		DBMigrate:   EnvBool("COUNSEL_DB_MIGRATE", true),

		DBMaxConnLifetime: EnvDuration("COUNSEL_DB_MAX_CONN_LIFETIME", 30*time.Minute),

		ReadinessRequireDB: EnvBool("COUNSEL_READINESS_REQUIRE_DB", false),

		AuthSecret:        EnvString("COUNSEL_AUTH_SECRET", ""),
		RequireAuthSecret: EnvBool("COUNSEL_REQUIRE_AUTH_SECRET", false),
		AuthIssuer:        EnvString("COUNSEL_AUTH_ISSUER", "counsel"),
		AuthAccessTTL:     EnvDuration("COUNSEL_AUTH_TTL", 15*time.Minute),
		AuthRefreshTTL:    EnvDuration("COUNSEL_AUTH_REFRESH_TTL", 30*24*time.Hour),

		LLMProvider:    EnvString("COUNSEL_LLM_PROVIDER", "echo"),
		LLMModel:       EnvString("COUNSEL_LLM_MODEL", ""),
		LLMAPIKey:      EnvString("COUNSEL_LLM_API_KEY", ""),
		LLMBaseURL:     EnvString("COUNSEL_LLM_BASE_URL", ""),
		LLMMaxTokens:   EnvInt("COUNSEL_LLM_MAX_TOKENS", 1024),
		LLMTemperature: EnvFloat("COUNSEL_LLM_TEMPERATURE", 0.7),
		LLMTimeout:     EnvDuration("COUNSEL_LLM_TIMEOUT", 2*time.Minute),

		RelayRPS:   EnvFloat("COUNSEL_RELAY_RPS", 1),
		RelayBurst: EnvInt("COUNSEL_RELAY_BURST", 5),
		TrustProxy: EnvBool("COUNSEL_TRUST_PROXY", false),

		WSAllowedOrigins:   EnvCSV("COUNSEL_WS_ALLOWED_ORIGINS", []string{"http://localhost", "http://127.0.0.1"}),
		WSOriginRequired:   EnvBool("COUNSEL_WS_ORIGIN_REQUIRED", false),
		WSDevInsecure:      EnvBool("COUNSEL_WS_DEV_INSECURE", false),
		WSSendQueueSize:    EnvInt("COUNSEL_WS_SEND_QUEUE", 256),
		WSHeartbeat:        EnvDuration("COUNSEL_WS_HEARTBEAT", 25*time.Second),
		WSRateEvents:       EnvInt("COUNSEL_WS_RATE_EVENTS", 30),
		WSRateWindow:       EnvDuration("COUNSEL_WS_RATE_WINDOW", 10*time.Second),
		StreamWriteTimeout: EnvDuration("COUNSEL_STREAM_WRITE_TIMEOUT", 5*time.Second),

		CORSAllowedOrigins:   EnvCSV("COUNSEL_CORS_ALLOWED_ORIGINS", nil),
		CORSAllowCredentials: EnvBool("COUNSEL_CORS_ALLOW_CREDENTIALS", false),
		CORSMaxAgeSeconds:    EnvInt("COUNSEL_CORS_MAX_AGE", 600),

		MetricsEnabled: EnvBool("COUNSEL_METRICS", true),
	}
}
