// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Mode selects the broker implementation and the database file.
type Mode string

const (
	// ModeMock runs against the mock broker and moves_mock.db
	ModeMock Mode = "mock"
	// ModeLive runs against the Schwab broker and moves_live.db
	ModeLive Mode = "live"
)

// RiskDefaults holds the risk limits seeded at first boot.
// Values are fractions of NAV unless noted.
type RiskDefaults struct {
	MaxPositionPct   float64
	MaxSectorPct     float64
	MaxGrossExposure float64
	NetExposureMin   float64
	NetExposureMax   float64
	MaxDrawdown      float64
	DailyLossLimit   float64
}

// ApprovalConfig tunes the auto-approval rules.
type ApprovalConfig struct {
	// AutoApproveNotional is the order value below which signals execute
	// without waiting for the user.
	AutoApproveNotional float64
	// AutoApproveConfidence is the confidence floor for auto-approving
	// larger orders backed by a CONFIRMED thesis.
	AutoApproveConfidence float64
}

// ScoringConfig tunes signal confidence scoring.
type ScoringConfig struct {
	ExpertiseDomains   []string
	DomainBoost        float64
	OutOfDomainPenalty float64
}

// SchwabConfig holds live-broker credentials and endpoints.
type SchwabConfig struct {
	ClientID     string
	ClientSecret string
	RefreshToken string
	AccountHash  string
	BaseURL      string
}

// BackupConfig holds S3-compatible backup settings. Backups are disabled
// when Bucket is empty.
type BackupConfig struct {
	Bucket    string
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	Keep      int // number of remote backups to retain
}

// Config holds application configuration
type Config struct {
	Mode          Mode
	DataDir       string // Base directory for the database and backups (always absolute)
	DBPath        string // Explicit database path override (empty = derived from Mode)
	Port          int
	LogLevel      string
	DevMode       bool
	InitialCash   float64 // starting cash for a fresh mock-mode book
	FinnhubAPIKey string
	Risk          RiskDefaults
	Approval      ApprovalConfig
	Scoring       ScoringConfig
	Schwab        SchwabConfig
	Backup        BackupConfig
}

// Load reads configuration from environment variables, with an optional
// .env file. All keys use the MOVES_ prefix.
func Load() (*Config, error) {
	_ = godotenv.Load()

	dataDir := getEnv("MOVES_DATA_DIR", "")
	if dataDir == "" {
		dataDir = "./data"
	}
	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}
	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		Mode:          Mode(getEnv("MOVES_MODE", "mock")),
		DataDir:       absDataDir,
		DBPath:        getEnv("MOVES_DB_PATH", ""),
		Port:          getEnvAsInt("MOVES_PORT", 8080),
		LogLevel:      getEnv("MOVES_LOG_LEVEL", "info"),
		DevMode:       getEnvAsBool("MOVES_DEV_MODE", false),
		InitialCash:   getEnvAsFloat("MOVES_INITIAL_CASH", 100000),
		FinnhubAPIKey: getEnv("MOVES_FINNHUB_API_KEY", ""),
		Risk: RiskDefaults{
			MaxPositionPct:   getEnvAsFloat("MOVES_MAX_POSITION_PCT", 0.10),
			MaxSectorPct:     getEnvAsFloat("MOVES_MAX_SECTOR_PCT", 0.30),
			MaxGrossExposure: getEnvAsFloat("MOVES_MAX_GROSS_EXPOSURE", 1.5),
			NetExposureMin:   getEnvAsFloat("MOVES_NET_EXPOSURE_MIN", -0.5),
			NetExposureMax:   getEnvAsFloat("MOVES_NET_EXPOSURE_MAX", 1.2),
			MaxDrawdown:      getEnvAsFloat("MOVES_MAX_DRAWDOWN", 0.20),
			DailyLossLimit:   getEnvAsFloat("MOVES_DAILY_LOSS_LIMIT", 0.03),
		},
		Approval: ApprovalConfig{
			AutoApproveNotional:   getEnvAsFloat("MOVES_AUTO_APPROVE_NOTIONAL", 500),
			AutoApproveConfidence: getEnvAsFloat("MOVES_AUTO_APPROVE_CONFIDENCE", 0.9),
		},
		Scoring: ScoringConfig{
			ExpertiseDomains:   getEnvAsList("MOVES_EXPERTISE_DOMAINS", nil),
			DomainBoost:        getEnvAsFloat("MOVES_DOMAIN_BOOST", 1.15),
			OutOfDomainPenalty: getEnvAsFloat("MOVES_OUT_OF_DOMAIN_PENALTY", 0.90),
		},
		Schwab: SchwabConfig{
			ClientID:     getEnv("MOVES_SCHWAB_CLIENT_ID", ""),
			ClientSecret: getEnv("MOVES_SCHWAB_CLIENT_SECRET", ""),
			RefreshToken: getEnv("MOVES_SCHWAB_REFRESH_TOKEN", ""),
			AccountHash:  getEnv("MOVES_SCHWAB_ACCOUNT_HASH", ""),
			BaseURL:      getEnv("MOVES_SCHWAB_BASE_URL", "https://api.schwabapi.com"),
		},
		Backup: BackupConfig{
			Bucket:    getEnv("MOVES_BACKUP_BUCKET", ""),
			Endpoint:  getEnv("MOVES_BACKUP_ENDPOINT", ""),
			Region:    getEnv("MOVES_BACKUP_REGION", "auto"),
			AccessKey: getEnv("MOVES_BACKUP_ACCESS_KEY", ""),
			SecretKey: getEnv("MOVES_BACKUP_SECRET_KEY", ""),
			Keep:      getEnvAsInt("MOVES_BACKUP_KEEP", 14),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// DatabasePath returns the effective database file path for the current mode.
func (c *Config) DatabasePath() string {
	if c.DBPath != "" {
		return c.DBPath
	}
	name := "moves_mock.db"
	if c.Mode == ModeLive {
		name = "moves_live.db"
	}
	return filepath.Join(c.DataDir, name)
}

// Validate checks if required configuration is present
func (c *Config) Validate() error {
	if c.Mode != ModeMock && c.Mode != ModeLive {
		return fmt.Errorf("invalid MOVES_MODE %q (want mock or live)", c.Mode)
	}
	if c.Mode == ModeLive {
		if c.Schwab.ClientID == "" || c.Schwab.ClientSecret == "" || c.Schwab.RefreshToken == "" {
			return fmt.Errorf("live mode requires MOVES_SCHWAB_CLIENT_ID, MOVES_SCHWAB_CLIENT_SECRET and MOVES_SCHWAB_REFRESH_TOKEN")
		}
	}
	return nil
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, strings.ToLower(trimmed))
		}
	}
	return out
}
