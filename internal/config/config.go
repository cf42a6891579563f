package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all runtime settings, loaded once at startup.
type Config struct {
	HTTPPort string

	MongoURI  string
	MongoDB   string
	RedisAddr string

	JWTSecret    string
	HostUsername string
	HostPassword string

	MaxParticipants int
	BattleStateTTL  time.Duration

	DebounceQuiet  time.Duration
	WriteRetries   int
	RetryBackoff   time.Duration
	SweepInterval  time.Duration
	IdleThreshold  time.Duration
	DefaultMinutes int

	ScriptTimeout    time.Duration
	MaxSourceBytes   int
	MaxArgBytes      int
	MaxResultBytes   int
	SandboxImage     string
	SandboxMemoryMB  int64
	SandboxCPUQuota  int64
	SandboxPidsLimit int64
	SandboxTimeout   time.Duration
}

func Load() *Config {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, relying on environment variables")
	}

	return &Config{
		HTTPPort: getEnv("PORT", "8080"),

		MongoURI:  getEnv("MONGO_URI", "mongodb://localhost:27017"),
		MongoDB:   getEnv("MONGO_DB", "codeclash"),
		RedisAddr: getEnv("REDIS_ADDR", "localhost:6379"),

		JWTSecret:    getEnv("JWT_SECRET", "super-secret-key-change-in-production"),
		HostUsername: getEnv("HOST_USERNAME", "admin"),
		HostPassword: getEnv("HOST_PASSWORD", "password123"),

		MaxParticipants: getEnvAsInt("MAX_PARTICIPANTS", 10),
		BattleStateTTL:  time.Duration(getEnvAsInt("BATTLE_STATE_TTL_HOURS", 24)) * time.Hour,

		DebounceQuiet:  time.Duration(getEnvAsInt("DEBOUNCE_QUIET_MS", 1000)) * time.Millisecond,
		WriteRetries:   getEnvAsInt("WRITE_RETRIES", 3),
		RetryBackoff:   time.Duration(getEnvAsInt("RETRY_BACKOFF_MS", 200)) * time.Millisecond,
		SweepInterval:  time.Duration(getEnvAsInt("SWEEP_INTERVAL_MIN", 10)) * time.Minute,
		IdleThreshold:  time.Duration(getEnvAsInt("IDLE_THRESHOLD_MIN", 60)) * time.Minute,
		DefaultMinutes: getEnvAsInt("DEFAULT_DURATION_MIN", 15),

		ScriptTimeout:    time.Duration(getEnvAsInt("SCRIPT_TIMEOUT_MS", 1500)) * time.Millisecond,
		MaxSourceBytes:   getEnvAsInt("MAX_SOURCE_BYTES", 50*1024),
		MaxArgBytes:      getEnvAsInt("MAX_ARG_BYTES", 5*1024),
		MaxResultBytes:   getEnvAsInt("MAX_RESULT_BYTES", 10*1024),
		SandboxImage:     getEnv("SANDBOX_IMAGE", "codeclash-runner:latest"),
		SandboxMemoryMB:  int64(getEnvAsInt("SANDBOX_MEMORY_MB", 256)),
		SandboxCPUQuota:  int64(getEnvAsInt("SANDBOX_NANO_CPUS", 500000000)),
		SandboxPidsLimit: int64(getEnvAsInt("SANDBOX_PIDS_LIMIT", 64)),
		SandboxTimeout:   time.Duration(getEnvAsInt("SANDBOX_TIMEOUT_SEC", 10)) * time.Second,
	}
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	if value, err := strconv.Atoi(getEnv(key, "")); err == nil {
		return value
	}
	return fallback
}
