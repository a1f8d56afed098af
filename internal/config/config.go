package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"jackpot/internal/pot"

	"github.com/gagliardetto/solana-go"
	"github.com/joho/godotenv"
)

const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"
)

type APIConfig struct {
	Addr          string
	Store         string
	DatabaseURL   string
	SQLitePath    string
	RunMigrations bool

	ProgramID solana.PublicKey
	Authority solana.PublicKey
	Buyback   solana.PublicKey
	Fee       solana.PublicKey

	ActiveDuration         time.Duration
	CooldownDuration       time.Duration
	MinDeposit             uint64
	AccountSize            uint64
	RentSafetyMargin       uint64
	ResetRequiresAuthority bool

	DevFaucet          bool
	SignatureMaxSkew   time.Duration
	RateLimitPerMinute int
	CORSOrigins        []string

	LogFormat  string
	LogVerbose bool

	EmbedCrank bool
	Crank      CrankConfig
}

type CrankConfig struct {
	APIBaseURL  string
	KeypairPath string
	Interval    time.Duration
	StartRounds bool
	LogFormat   string
	LogVerbose  bool
}

type CLIConfig struct {
	APIBaseURL  string
	KeypairPath string
}

// LoadDotEnv reads .env from the working directory when present. Variables
// already set in the environment win.
func LoadDotEnv() {
	_ = godotenv.Load()
}

func LoadAPIFromEnv() (APIConfig, error) {
	addr := os.Getenv("PORT")
	if addr != "" {
		if !strings.HasPrefix(addr, ":") {
			addr = ":" + addr
		}
	} else {
		addr = envDefault("JACKPOT_API_ADDR", ":8080")
	}

	cfg := APIConfig{
		Addr:                   addr,
		Store:                  strings.ToLower(envDefault("JACKPOT_STORE", StoreMemory)),
		DatabaseURL:            strings.TrimSpace(os.Getenv("DATABASE_URL")),
		SQLitePath:             envDefault("JACKPOT_SQLITE_PATH", "jackpot.db"),
		RunMigrations:          envBoolDefault("JACKPOT_RUN_MIGRATIONS", true),
		ActiveDuration:         envDurationDefault("JACKPOT_ACTIVE_DURATION", pot.DefaultActiveDuration),
		CooldownDuration:       envDurationDefault("JACKPOT_COOLDOWN_DURATION", pot.DefaultCooldownDuration),
		MinDeposit:             envUintDefault("JACKPOT_MIN_DEPOSIT_LAMPORTS", pot.DefaultMinDeposit),
		AccountSize:            envUintDefault("JACKPOT_POT_ACCOUNT_SIZE", pot.DefaultAccountSize),
		RentSafetyMargin:       envUintDefault("JACKPOT_RENT_SAFETY_MARGIN", pot.DefaultRentSafetyMargin),
		ResetRequiresAuthority: envBoolDefault("JACKPOT_RESET_REQUIRES_AUTHORITY", false),
		DevFaucet:              envBoolDefault("JACKPOT_DEV_FAUCET", false),
		SignatureMaxSkew:       envDurationDefault("JACKPOT_SIGNATURE_MAX_SKEW", 60*time.Second),
		RateLimitPerMinute:     envIntDefault("JACKPOT_RATE_LIMIT_PER_MINUTE", 120),
		CORSOrigins:            envList("JACKPOT_CORS_ORIGINS"),
		LogFormat:              envLogFormat(),
		LogVerbose:             envBoolDefault("JACKPOT_LOG_VERBOSE", false),
		EmbedCrank:             envBoolDefault("JACKPOT_EMBED_CRANK", false),
	}

	var err error
	if cfg.ProgramID, err = envKey("JACKPOT_PROGRAM_ID", true); err != nil {
		return cfg, err
	}
	if cfg.Buyback, err = envKey("BUYBACK_ADDRESS", true); err != nil {
		return cfg, err
	}
	if cfg.Fee, err = envKey("FEE_ADDRESS", true); err != nil {
		return cfg, err
	}
	if cfg.Authority, err = envKey("JACKPOT_AUTHORITY", false); err != nil {
		return cfg, err
	}

	switch cfg.Store {
	case StoreMemory, StoreSQLite:
	case StorePostgres:
		if cfg.DatabaseURL == "" {
			return cfg, fmt.Errorf("DATABASE_URL is required for the postgres store")
		}
	default:
		return cfg, fmt.Errorf("JACKPOT_STORE must be memory, postgres or sqlite, got %q", cfg.Store)
	}

	if cfg.EmbedCrank {
		crank, err := LoadCrankFromEnv()
		if err != nil {
			return cfg, err
		}
		cfg.Crank = crank
	}
	return cfg, nil
}

func LoadCrankFromEnv() (CrankConfig, error) {
	cfg := CrankConfig{
		APIBaseURL:  strings.TrimRight(envDefault("JACKPOT_API_BASE_URL", "http://localhost:8080"), "/"),
		KeypairPath: strings.TrimSpace(os.Getenv("JACKPOT_KEYPAIR")),
		Interval:    envDurationDefault("JACKPOT_CRANK_INTERVAL", 5*time.Second),
		StartRounds: envBoolDefault("JACKPOT_CRANK_START_ROUNDS", false),
		LogFormat:   envLogFormat(),
		LogVerbose:  envBoolDefault("JACKPOT_LOG_VERBOSE", false),
	}
	if cfg.KeypairPath == "" {
		return cfg, fmt.Errorf("JACKPOT_KEYPAIR is required")
	}
	if cfg.Interval <= 0 {
		return cfg, fmt.Errorf("JACKPOT_CRANK_INTERVAL must be > 0")
	}
	return cfg, nil
}

func LoadCLIFromEnv() CLIConfig {
	return CLIConfig{
		APIBaseURL:  strings.TrimRight(envDefault("JPK_API_BASE_URL", "http://localhost:8080"), "/"),
		KeypairPath: strings.TrimSpace(os.Getenv("JPK_KEYPAIR")),
	}
}

func envDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func envDurationDefault(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func envUintDefault(key string, fallback uint64) uint64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseUint(strings.ReplaceAll(v, "_", ""), 10, 64)
	if err != nil {
		return fallback
	}
	return n
}

func envIntDefault(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envBoolDefault(key string, fallback bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func envKey(key string, required bool) (solana.PublicKey, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		if required {
			return solana.PublicKey{}, fmt.Errorf("%s is required", key)
		}
		return solana.PublicKey{}, nil
	}
	k, err := solana.PublicKeyFromBase58(v)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("%s: %w", key, err)
	}
	return k, nil
}

func envLogFormat() string {
	switch v := strings.ToLower(strings.TrimSpace(os.Getenv("JACKPOT_LOG_FORMAT"))); v {
	case "text", "json":
		return v
	default:
		return "json"
	}
}
