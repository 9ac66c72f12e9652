package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

type Config struct {
	DatabaseURL string

	// Scheduling
	PollInterval        time.Duration
	ShutdownTimeout     time.Duration
	AccountConcurrency  int // account passes run in parallel up to this limit
	DispatchConcurrency int // dispatch fan-out within one pass

	// Change source
	BatchSize          int64
	GoogleClientID     string
	GoogleClientSecret string
	AccountsFile       string

	// Transmission
	RelayEndpoint string
	RelayAPIKey   string
	RelayTarget   string
	HTTPTimeout   time.Duration
	MaxAttempts   int

	// Retry backoff
	BackoffBase time.Duration
	BackoffMax  time.Duration

	// Circuit breaker
	FailureThreshold int
	RecoveryTimeout  time.Duration

	// Reaper
	InFlightStaleAfter time.Duration
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if exists (ignore error in production)
	_ = godotenv.Load()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	relayEndpoint := os.Getenv("RELAY_ENDPOINT")
	if relayEndpoint == "" {
		return nil, fmt.Errorf("RELAY_ENDPOINT is required")
	}

	googleClientID := os.Getenv("GOOGLE_CLIENT_ID")
	googleClientSecret := os.Getenv("GOOGLE_CLIENT_SECRET")
	if googleClientID == "" || googleClientSecret == "" {
		fmt.Println("Warning: GOOGLE_CLIENT_ID or GOOGLE_CLIENT_SECRET not set, token refresh will not work")
	}

	relayTarget := os.Getenv("RELAY_TARGET")
	if relayTarget == "" {
		relayTarget = "default"
	}

	return &Config{
		DatabaseURL: dbURL,

		PollInterval:        envDuration("POLL_INTERVAL", 10*time.Second),
		ShutdownTimeout:     envDuration("SHUTDOWN_TIMEOUT", 30*time.Second),
		AccountConcurrency:  atLeast(envInt("ACCOUNT_CONCURRENCY", 4), 1),
		DispatchConcurrency: atLeast(envInt("DISPATCH_CONCURRENCY", 8), 1),

		BatchSize:          int64(envInt("BATCH_SIZE", 100)),
		GoogleClientID:     googleClientID,
		GoogleClientSecret: googleClientSecret,
		AccountsFile:       os.Getenv("ACCOUNTS_FILE"),

		RelayEndpoint: relayEndpoint,
		RelayAPIKey:   os.Getenv("RELAY_API_KEY"),
		RelayTarget:   relayTarget,
		HTTPTimeout:   envDuration("HTTP_TIMEOUT", 30*time.Second),
		MaxAttempts:   envInt("MAX_ATTEMPTS", 3),

		BackoffBase: envDuration("BACKOFF_BASE", time.Minute),
		BackoffMax:  envDuration("BACKOFF_MAX", 30*time.Minute),

		FailureThreshold: envInt("BREAKER_FAILURE_THRESHOLD", 5),
		RecoveryTimeout:  envDuration("BREAKER_RECOVERY_TIMEOUT", time.Minute),

		InFlightStaleAfter: envDuration("IN_FLIGHT_STALE_AFTER", 10*time.Minute),
	}, nil
}

func atLeast(v, min int) int {
	if v < min {
		return min
	}
	return v
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		fmt.Printf("Warning: invalid %s=%q, using default %d\n", key, v, def)
		return def
	}
	return n
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		fmt.Printf("Warning: invalid %s=%q, using default %s\n", key, v, def)
		return def
	}
	return d
}

// SeedAccount is one mailbox listed in the accounts seed file.
type SeedAccount struct {
	ID           string `yaml:"id"`
	Email        string `yaml:"email"`
	Label        string `yaml:"label"`
	Enabled      *bool  `yaml:"enabled"`
	RefreshToken string `yaml:"refreshToken"`
}

type accountsFile struct {
	Accounts []SeedAccount `yaml:"accounts"`
}

// LoadAccounts reads the YAML accounts seed file. An empty path is not an
// error: registration can also happen out of band directly in the store.
func LoadAccounts(path string) ([]SeedAccount, error) {
	if path == "" {
		return nil, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read accounts file: %w", err)
	}

	var f accountsFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("failed to parse accounts file: %w", err)
	}

	for i, a := range f.Accounts {
		if a.ID == "" || a.Email == "" {
			return nil, fmt.Errorf("accounts[%d]: id and email are required", i)
		}
	}

	return f.Accounts, nil
}
