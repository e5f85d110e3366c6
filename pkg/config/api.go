package config

import "time"

// APIConfig holds runtime configuration for the fleet API service.
type APIConfig struct {
	Environment        string
	LogLevel           string
	Addr               string
	ShutdownGrace      time.Duration
	DatabaseURL        string
	MigrationsDir      string
	JWTSecret          string
	ArtifactsDir       string
	WorkspaceRoot      string
	ToolchainCommand   string
	BuildTimeout       time.Duration
	MaxLogLines        int
	SigningKeyPath     string
	SigningPubKeyPath  string
	RateLimitRedisAddr string
	RateLimitRedisPass string
	RateLimitRedisDB   int
}

// LoadAPIConfig constructs an APIConfig from environment variables.
func LoadAPIConfig() APIConfig {
	return APIConfig{
		Environment:        GetString("APP_ENV", "development"),
		LogLevel:           GetString("LOG_LEVEL", "info"),
		Addr:               GetString("API_ADDR", ":4000"),
		ShutdownGrace:      GetDuration("SHUTDOWN_GRACE", 10*time.Second),
		DatabaseURL:        GetString("DATABASE_URL", ""),
		MigrationsDir:      GetString("DB_MIGRATIONS_DIR", "db/migrations"),
		JWTSecret:          GetString("JWT_SECRET", "supersecuresecret"),
		ArtifactsDir:       GetString("ARTIFACTS_DIR", "artifacts"),
		WorkspaceRoot:      GetString("BUILD_WORKSPACE_ROOT", "/tmp/fleetforge-builds"),
		ToolchainCommand:   GetString("TOOLCHAIN_COMMAND", "pio"),
		BuildTimeout:       time.Duration(GetInt("BUILD_TIMEOUT_SECONDS", 180)) * time.Second,
		MaxLogLines:        GetInt("BUILD_MAX_LOG_LINES", 500),
		SigningKeyPath:     GetString("OTA_SIGNING_KEY", "ota_signing_key.pem"),
		SigningPubKeyPath:  GetString("OTA_SIGNING_PUB_KEY", "ota_signing_key_pub.pem"),
		RateLimitRedisAddr: GetString("RATE_LIMIT_REDIS_ADDR", ""),
		RateLimitRedisPass: GetString("RATE_LIMIT_REDIS_PASSWORD", ""),
		RateLimitRedisDB:   GetInt("RATE_LIMIT_REDIS_DB", 0),
	}
}
