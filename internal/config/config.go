package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ggonzalez94/defi-yield/internal/id"
	"github.com/ggonzalez94/defi-yield/internal/registry"
	"github.com/ggonzalez94/defi-yield/internal/safety"
)

const envPrefix = "DEFI_YIELD_"

const (
	ProviderAuto      = "auto"
	ProviderCoinGecko = "coingecko"
	ProviderTokenList = "tokenlist"
	ProviderEnso      = "enso"
	ProviderDefiLlama = "defillama"
	ProviderAave      = "aave"
	ProviderMorpho    = "morpho"
	ProviderOnchain   = "onchain"
)

type GlobalFlags struct {
	ConfigPath     string
	JSON           bool
	Plain          bool
	Select         string
	ResultsOnly    bool
	EnableCommands string
	Timeout        string
	Retries        int
	MaxStale       string
	NoStale        bool
	NoCache        bool
	LogLevel       string
	LogFormat      string
}

// ProviderSettings configures one HTTP provider client.
type ProviderSettings struct {
	APIKey  string
	BaseURL string
	RPS     float64
}

type Settings struct {
	OutputMode     string
	SelectFields   []string
	ResultsOnly    bool
	EnableCommands []string
	Timeout        time.Duration
	Retries        int
	LogLevel       string
	LogFormat      string

	CacheEnabled  bool
	CachePath     string
	CacheLockPath string
	CacheTTL      time.Duration
	MaxStale      time.Duration
	NoStale       bool

	DiscoveryProvider   string
	MetadataProvider    string
	TransactionProvider string
	Prefilter           int
	Limit               int
	MaxConcurrency      int
	MemoTTL             time.Duration
	Weights             safety.Weights

	Providers map[string]ProviderSettings
	RPCURLs   map[int64]string
}

type providerFile struct {
	APIKey    string   `yaml:"api_key"`
	APIKeyEnv string   `yaml:"api_key_env"`
	BaseURL   string   `yaml:"base_url"`
	RPS       *float64 `yaml:"rps"`
}

type fileConfig struct {
	Output  string `yaml:"output"`
	Timeout string `yaml:"timeout"`
	Retries *int   `yaml:"retries"`
	Log     struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Cache struct {
		Enabled  *bool  `yaml:"enabled"`
		TTL      string `yaml:"ttl"`
		MaxStale string `yaml:"max_stale"`
		Path     string `yaml:"path"`
		LockPath string `yaml:"lock_path"`
	} `yaml:"cache"`
	Discovery struct {
		Provider       string `yaml:"provider"`
		Prefilter      *int   `yaml:"prefilter"`
		Limit          *int   `yaml:"limit"`
		MaxConcurrency *int   `yaml:"max_concurrency"`
	} `yaml:"discovery"`
	Metadata struct {
		Provider string `yaml:"provider"`
		MemoTTL  string `yaml:"memo_ttl"`
	} `yaml:"metadata"`
	Transactions struct {
		Provider string `yaml:"provider"`
	} `yaml:"transactions"`
	Safety    *safety.Weights         `yaml:"safety"`
	Providers map[string]providerFile `yaml:"providers"`
	RPC       map[int64]string        `yaml:"rpc"`
}

func Load(flags GlobalFlags) (Settings, error) {
	settings, err := defaultSettings()
	if err != nil {
		return Settings{}, err
	}

	cfgPath, err := resolveConfigPath(flags.ConfigPath)
	if err != nil {
		return Settings{}, err
	}

	if err := applyFileConfig(cfgPath, &settings); err != nil {
		return Settings{}, err
	}

	applyEnv(&settings)

	if err := applyFlags(flags, &settings); err != nil {
		return Settings{}, err
	}

	if settings.Timeout <= 0 {
		settings.Timeout = 20 * time.Second
	}
	if settings.Retries < 0 {
		settings.Retries = 0
	}
	if settings.MaxStale < 0 {
		settings.MaxStale = 5 * time.Minute
	}

	if err := settings.Validate(); err != nil {
		return Settings{}, err
	}
	return settings, nil
}

func defaultSettings() (Settings, error) {
	cachePath, lockPath, err := defaultCachePaths()
	if err != nil {
		return Settings{}, err
	}
	return Settings{
		OutputMode:          "json",
		Timeout:             20 * time.Second,
		Retries:             2,
		LogLevel:            "warn",
		LogFormat:           "text",
		CacheEnabled:        false,
		CachePath:           cachePath,
		CacheLockPath:       lockPath,
		CacheTTL:            2 * time.Minute,
		MaxStale:            5 * time.Minute,
		DiscoveryProvider:   ProviderAuto,
		MetadataProvider:    ProviderAuto,
		TransactionProvider: ProviderAuto,
		Prefilter:           20,
		Limit:               15,
		MaxConcurrency:      4,
		MemoTTL:             2 * time.Minute,
		Weights:             safety.DefaultWeights(),
		Providers: map[string]ProviderSettings{
			ProviderCoinGecko: {RPS: 0.5},
			ProviderEnso:      {RPS: 1},
			ProviderDefiLlama: {RPS: 2},
			ProviderAave:      {RPS: 2},
			ProviderMorpho:    {RPS: 2},
		},
		RPCURLs: map[int64]string{},
	}, nil
}

// Validate rejects combinations the runner cannot wire.
func (s Settings) Validate() error {
	if s.OutputMode != "json" && s.OutputMode != "plain" {
		return fmt.Errorf("output must be json or plain")
	}
	if err := oneOf("discovery.provider", s.DiscoveryProvider, ProviderAuto, ProviderEnso, ProviderDefiLlama, ProviderAave, ProviderMorpho); err != nil {
		return err
	}
	if err := oneOf("metadata.provider", s.MetadataProvider, ProviderAuto, ProviderCoinGecko, ProviderTokenList); err != nil {
		return err
	}
	if err := oneOf("transactions.provider", s.TransactionProvider, ProviderAuto, ProviderEnso, ProviderOnchain); err != nil {
		return err
	}
	if err := oneOf("log.format", s.LogFormat, "text", "json"); err != nil {
		return err
	}
	if err := oneOf("log.level", s.LogLevel, "debug", "info", "warn", "error"); err != nil {
		return err
	}
	if s.Prefilter <= 0 || s.Limit <= 0 {
		return fmt.Errorf("discovery.prefilter and discovery.limit must be positive")
	}
	if s.Limit > s.Prefilter {
		return fmt.Errorf("discovery.limit (%d) cannot exceed discovery.prefilter (%d)", s.Limit, s.Prefilter)
	}
	if s.MaxConcurrency <= 0 {
		return fmt.Errorf("discovery.max_concurrency must be positive")
	}
	if err := s.Weights.Validate(); err != nil {
		return err
	}
	for name, p := range s.Providers {
		if p.BaseURL != "" && !registry.IsAllowedProviderURL(name, p.BaseURL) {
			return fmt.Errorf("providers.%s.base_url must be https on a known %s host or a loopback address", name, name)
		}
		if p.RPS < 0 {
			return fmt.Errorf("providers.%s.rps must be >= 0", name)
		}
	}
	for chainID := range s.RPCURLs {
		if _, ok := id.ChainByID(chainID); !ok {
			return fmt.Errorf("rpc.%d: unsupported chain id", chainID)
		}
	}
	return nil
}

func (s Settings) Provider(name string) ProviderSettings {
	return s.Providers[name]
}

func oneOf(field, value string, allowed ...string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return fmt.Errorf("%s must be one of %s", field, strings.Join(allowed, ", "))
}

func resolveConfigPath(input string) (string, error) {
	if strings.TrimSpace(input) != "" {
		return input, nil
	}
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "defi-yield", "config.yaml"), nil
}

func defaultCachePaths() (string, string, error) {
	base := os.Getenv("XDG_CACHE_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", "", err
		}
		base = filepath.Join(home, ".cache")
	}
	dir := filepath.Join(base, "defi-yield")
	return filepath.Join(dir, "cache.db"), filepath.Join(dir, "cache.lock"), nil
}

func applyFileConfig(path string, settings *Settings) error {
	buf, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}

	// Unset weights keep the current values.
	weights := settings.Weights
	cfg := fileConfig{Safety: &weights}
	if err := yaml.Unmarshal(buf, &cfg); err != nil {
		return fmt.Errorf("parse config yaml: %w", err)
	}

	if cfg.Output != "" {
		settings.OutputMode = strings.ToLower(cfg.Output)
	}
	if cfg.Timeout != "" {
		if settings.Timeout, err = parseDuration("timeout", cfg.Timeout); err != nil {
			return err
		}
	}
	if cfg.Retries != nil {
		settings.Retries = *cfg.Retries
	}
	if cfg.Log.Level != "" {
		settings.LogLevel = strings.ToLower(cfg.Log.Level)
	}
	if cfg.Log.Format != "" {
		settings.LogFormat = strings.ToLower(cfg.Log.Format)
	}

	if cfg.Cache.Enabled != nil {
		settings.CacheEnabled = *cfg.Cache.Enabled
	}
	if cfg.Cache.TTL != "" {
		if settings.CacheTTL, err = parseDuration("cache.ttl", cfg.Cache.TTL); err != nil {
			return err
		}
	}
	if cfg.Cache.MaxStale != "" {
		if settings.MaxStale, err = parseDuration("cache.max_stale", cfg.Cache.MaxStale); err != nil {
			return err
		}
	}
	if cfg.Cache.Path != "" {
		settings.CachePath = cfg.Cache.Path
	}
	if cfg.Cache.LockPath != "" {
		settings.CacheLockPath = cfg.Cache.LockPath
	}

	if cfg.Discovery.Provider != "" {
		settings.DiscoveryProvider = strings.ToLower(cfg.Discovery.Provider)
	}
	if cfg.Discovery.Prefilter != nil {
		settings.Prefilter = *cfg.Discovery.Prefilter
	}
	if cfg.Discovery.Limit != nil {
		settings.Limit = *cfg.Discovery.Limit
	}
	if cfg.Discovery.MaxConcurrency != nil {
		settings.MaxConcurrency = *cfg.Discovery.MaxConcurrency
	}
	if cfg.Metadata.Provider != "" {
		settings.MetadataProvider = strings.ToLower(cfg.Metadata.Provider)
	}
	if cfg.Metadata.MemoTTL != "" {
		if settings.MemoTTL, err = parseDuration("metadata.memo_ttl", cfg.Metadata.MemoTTL); err != nil {
			return err
		}
	}
	if cfg.Transactions.Provider != "" {
		settings.TransactionProvider = strings.ToLower(cfg.Transactions.Provider)
	}
	if cfg.Safety != nil {
		settings.Weights = *cfg.Safety
	}

	for name, p := range cfg.Providers {
		name = strings.ToLower(name)
		cur := settings.Providers[name]
		if p.APIKey != "" {
			cur.APIKey = p.APIKey
		}
		if p.APIKeyEnv != "" {
			cur.APIKey = os.Getenv(p.APIKeyEnv)
		}
		if p.BaseURL != "" {
			cur.BaseURL = p.BaseURL
		}
		if p.RPS != nil {
			cur.RPS = *p.RPS
		}
		settings.Providers[name] = cur
	}
	for chainID, url := range cfg.RPC {
		settings.RPCURLs[chainID] = strings.TrimSpace(url)
	}
	return nil
}

func parseDuration(field, v string) (time.Duration, error) {
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("config %s: %w", field, err)
	}
	return d, nil
}

func env(name string) string {
	return os.Getenv(envPrefix + name)
}

func applyEnv(settings *Settings) {
	if v := env("OUTPUT"); v != "" {
		settings.OutputMode = strings.ToLower(v)
	}
	if v := env("TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			settings.Timeout = d
		}
	}
	if v := env("RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			settings.Retries = n
		}
	}
	if v := env("LOG_LEVEL"); v != "" {
		settings.LogLevel = strings.ToLower(v)
	}
	if v := env("LOG_FORMAT"); v != "" {
		settings.LogFormat = strings.ToLower(v)
	}
	if v := env("CACHE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			settings.CacheEnabled = b
		}
	}
	if v := env("MAX_STALE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			settings.MaxStale = d
		}
	}
	if v := env("NO_STALE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			settings.NoStale = b
		}
	}
	if v := env("CACHE_PATH"); v != "" {
		settings.CachePath = v
	}
	if v := env("CACHE_LOCK_PATH"); v != "" {
		settings.CacheLockPath = v
	}
	if v := env("DISCOVERY_PROVIDER"); v != "" {
		settings.DiscoveryProvider = strings.ToLower(v)
	}
	if v := env("METADATA_PROVIDER"); v != "" {
		settings.MetadataProvider = strings.ToLower(v)
	}
	if v := env("TRANSACTION_PROVIDER"); v != "" {
		settings.TransactionProvider = strings.ToLower(v)
	}
	if v := env("MAX_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			settings.MaxConcurrency = n
		}
	}
	for _, name := range []string{ProviderCoinGecko, ProviderEnso, ProviderDefiLlama, ProviderAave, ProviderMorpho} {
		key := strings.ToUpper(name)
		cur := settings.Providers[name]
		if v := env(key + "_API_KEY"); v != "" {
			cur.APIKey = v
		}
		if v := env(key + "_BASE_URL"); v != "" {
			cur.BaseURL = v
		}
		settings.Providers[name] = cur
	}
	for _, chain := range id.SupportedChains() {
		if v := env(fmt.Sprintf("RPC_%d", chain.ID)); v != "" {
			settings.RPCURLs[chain.ID] = v
		}
	}
}

func applyFlags(flags GlobalFlags, settings *Settings) error {
	if flags.JSON && flags.Plain {
		return fmt.Errorf("cannot use --json and --plain together")
	}
	if flags.JSON {
		settings.OutputMode = "json"
	}
	if flags.Plain {
		settings.OutputMode = "plain"
	}
	if fields := splitList(flags.Select); len(fields) > 0 {
		settings.SelectFields = fields
	}
	settings.ResultsOnly = flags.ResultsOnly
	if allowed := splitList(flags.EnableCommands); len(allowed) > 0 {
		settings.EnableCommands = allowed
	}

	if flags.Timeout != "" {
		d, err := time.ParseDuration(flags.Timeout)
		if err != nil {
			return fmt.Errorf("parse --timeout: %w", err)
		}
		settings.Timeout = d
	}
	if flags.Retries >= 0 {
		settings.Retries = flags.Retries
	}
	if flags.MaxStale != "" {
		d, err := time.ParseDuration(flags.MaxStale)
		if err != nil {
			return fmt.Errorf("parse --max-stale: %w", err)
		}
		settings.MaxStale = d
	}
	if flags.NoStale {
		settings.NoStale = true
	}
	if flags.NoCache {
		settings.CacheEnabled = false
	}
	if flags.LogLevel != "" {
		settings.LogLevel = strings.ToLower(flags.LogLevel)
	}
	if flags.LogFormat != "" {
		settings.LogFormat = strings.ToLower(flags.LogFormat)
	}
	return nil
}

func splitList(v string) []string {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
