package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"quantdesk/internal/domain"
	"quantdesk/internal/ledger"
)

// EnvPath names the environment variable holding the config file path.
const EnvPath = "QUANTDESK_CONFIG"

// DefaultPath is used when EnvPath is unset.
const DefaultPath = "config/quantdesk.yaml"

// State backends.
const (
	BackendJSON     = "json"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for quantdesk.
type Config struct {
	Storage     Storage      `yaml:"storage"`
	Alpaca      Alpaca       `yaml:"alpaca"`
	Binance     Binance      `yaml:"binance"`
	Logging     Logging      `yaml:"logging"`
	Notify      Notify       `yaml:"notify"`
	Metrics     Metrics      `yaml:"metrics"`
	Backtest    Backtest     `yaml:"backtest"`
	Investments []Investment `yaml:"investments"`
}

// Storage holds paths and backends for data persistence.
type Storage struct {
	DataDir      string `yaml:"data_dir"`
	StateBackend string `yaml:"state_backend"`
	StateFile    string `yaml:"state_file"`
	SQLitePath   string `yaml:"sqlite_path"`
	PostgresDSN  string `yaml:"postgres_dsn"`
}

// Alpaca holds credentials and endpoints for the Alpaca market data and
// trading APIs. The trading API is only used for the market calendar.
type Alpaca struct {
	APIKey          string `yaml:"api_key"`
	APISecret       string `yaml:"api_secret"`
	BaseURL         string `yaml:"base_url"`
	DataURL         string `yaml:"data_url"`
	Feed            string `yaml:"feed"`
	RateLimitPerMin int    `yaml:"rate_limit_per_min"`
}

// Binance holds credentials and pacing for the Binance spot API.
type Binance struct {
	APIKey            string  `yaml:"api_key"`
	SecretKey         string  `yaml:"secret_key"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Notify configures where live-run notifications go.
type Notify struct {
	DiscordWebhookURL string `yaml:"discord_webhook_url"`
	Username          string `yaml:"username"`
}

// Metrics configures the Prometheus collectors.
type Metrics struct {
	Namespace string `yaml:"namespace"`
	Textfile  string `yaml:"textfile"`
}

// Backtest describes one offline run or optimization grid.
type Backtest struct {
	Strategy   string               `yaml:"strategy"`
	Params     map[string]float64   `yaml:"params"`
	Grid       map[string][]float64 `yaml:"grid"`
	Capital    string               `yaml:"capital"`
	Precision  int32                `yaml:"precision"`
	Sizing     string               `yaml:"sizing"`
	Resolution string               `yaml:"resolution"`
	Market     string               `yaml:"market"`
	Tickers    []string             `yaml:"tickers"`
	Start      string               `yaml:"start"`
	End        string               `yaml:"end"`
	MaxWorkers int                  `yaml:"max_workers"`
}

// Investment describes one live investment executed by cmd/invest.
type Investment struct {
	ID         string             `yaml:"id"`
	Strategy   string             `yaml:"strategy"`
	Params     map[string]float64 `yaml:"params"`
	Capital    string             `yaml:"capital"`
	Precision  int32              `yaml:"precision"`
	Sizing     string             `yaml:"sizing"`
	Resolution string             `yaml:"resolution"`
	Market     string             `yaml:"market"`
	Source     string             `yaml:"source"`
	Exchange   string             `yaml:"exchange"`
	Tickers    []string           `yaml:"tickers"`
}

// CapitalAmount parses Capital as a decimal.
func (b Backtest) CapitalAmount() (decimal.Decimal, error) { return parseCapital(b.Capital) }

// CapitalAmount parses Capital as a decimal.
func (inv Investment) CapitalAmount() (decimal.Decimal, error) { return parseCapital(inv.Capital) }

func parseCapital(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero, fmt.Errorf("capital %q: %w", s, err)
	}
	if !d.IsPositive() {
		return decimal.Zero, fmt.Errorf("capital %q: %w", s, ledger.ErrInvalidCapital)
	}
	return d, nil
}

// Investment returns the investment with the given id.
func (c *Config) Investment(id string) (Investment, bool) {
	for _, inv := range c.Investments {
		if inv.ID == id {
			return inv, true
		}
	}
	return Investment{}, false
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Path returns the config path from the environment, or DefaultPath.
func Path() string {
	if v := os.Getenv(EnvPath); v != "" {
		return v
	}
	return DefaultPath
}

// Load reads the YAML configuration file at the given path, parses it into a
// Config struct, applies environment variable overrides and then fills
// defaults. A .env file next to the config file or in the working directory
// is loaded into the environment first; variables already set win.
func Load(path string) (*Config, error) {
	if err := loadDotEnv(filepath.Join(filepath.Dir(path), ".env"), ".env"); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)

	return cfg, nil
}

func loadDotEnv(paths ...string) error {
	seen := make(map[string]bool)
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil || seen[abs] {
			continue
		}
		seen[abs] = true
		if _, err := os.Stat(abs); err != nil {
			continue
		}
		if err := godotenv.Load(abs); err != nil {
			return fmt.Errorf("loading %s: %w", abs, err)
		}
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = "data"
	}
	if cfg.Storage.StateBackend == "" {
		cfg.Storage.StateBackend = BackendJSON
	}
	if cfg.Storage.StateFile == "" {
		cfg.Storage.StateFile = filepath.Join(cfg.Storage.DataDir, "investments.json")
	}
	if cfg.Storage.SQLitePath == "" {
		cfg.Storage.SQLitePath = filepath.Join(cfg.Storage.DataDir, "quantdesk.db")
	}
	if cfg.Alpaca.Feed == "" {
		cfg.Alpaca.Feed = "sip"
	}
	if cfg.Alpaca.RateLimitPerMin == 0 {
		cfg.Alpaca.RateLimitPerMin = 200
	}
	if cfg.Binance.RequestsPerSecond == 0 {
		cfg.Binance.RequestsPerSecond = 10
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Notify.Username == "" {
		cfg.Notify.Username = "quantdesk"
	}
	if cfg.Metrics.Namespace == "" {
		cfg.Metrics.Namespace = "quantdesk"
	}
	if cfg.Backtest.Precision == 0 {
		cfg.Backtest.Precision = 2
	}
	if cfg.Backtest.Resolution == "" {
		cfg.Backtest.Resolution = string(domain.Daily)
	}
	if cfg.Backtest.Market == "" {
		cfg.Backtest.Market = string(domain.MarketUS)
	}
	for i := range cfg.Investments {
		inv := &cfg.Investments[i]
		if inv.Precision == 0 {
			inv.Precision = 2
		}
		if inv.Resolution == "" {
			inv.Resolution = string(domain.Daily)
		}
		if inv.Market == "" {
			inv.Market = string(domain.MarketUS)
		}
		if inv.Source == "" {
			inv.Source = defaultSource(domain.Market(inv.Market))
		}
	}
}

func defaultSource(m domain.Market) string {
	if m == domain.MarketCrypto {
		return "binance"
	}
	return "alpaca"
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv("STATE_FILE"); v != "" {
		cfg.Storage.StateFile = v
	}
	if v := os.Getenv("STATE_BACKEND"); v != "" {
		cfg.Storage.StateBackend = v
	}
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}
	if v := os.Getenv("POSTGRES_DSN"); v != "" {
		cfg.Storage.PostgresDSN = v
	}

	if v := os.Getenv("ALPACA_API_KEY"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("ALPACA_API_SECRET"); v != "" {
		cfg.Alpaca.APISecret = v
	}
	if v := os.Getenv("ALPACA_BASE_URL"); v != "" {
		cfg.Alpaca.BaseURL = v
	}
	if v := os.Getenv("ALPACA_DATA_URL"); v != "" {
		cfg.Alpaca.DataURL = v
	}
	// Standard Alpaca env vars (highest priority, canonical names used by SDK).
	if v := os.Getenv("APCA_API_KEY_ID"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("APCA_API_SECRET_KEY"); v != "" {
		cfg.Alpaca.APISecret = v
	}

	if v := os.Getenv("BINANCE_API_KEY"); v != "" {
		cfg.Binance.APIKey = v
	}
	if v := os.Getenv("BINANCE_SECRET_KEY"); v != "" {
		cfg.Binance.SecretKey = v
	}

	if v := os.Getenv("DISCORD_WEBHOOK_URL"); v != "" {
		cfg.Notify.DiscordWebhookURL = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// ---------------------------------------------------------------------------
// Validation
// ---------------------------------------------------------------------------

// Validate reports every configuration error it finds, joined.
func (c *Config) Validate() error {
	var errs []error

	switch c.Storage.StateBackend {
	case BackendJSON, BackendSQLite:
	case BackendPostgres:
		if c.Storage.PostgresDSN == "" {
			errs = append(errs, errors.New("storage.postgres_dsn is required for the postgres backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.state_backend %q: want json, sqlite or postgres", c.Storage.StateBackend))
	}

	switch strings.ToLower(c.Logging.Format) {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("logging.format %q: want json or text", c.Logging.Format))
	}

	seen := make(map[string]bool, len(c.Investments))
	for i, inv := range c.Investments {
		name := inv.ID
		if name == "" {
			name = fmt.Sprintf("#%d", i)
			errs = append(errs, fmt.Errorf("investments[%d]: id is required", i))
		} else if seen[inv.ID] {
			errs = append(errs, fmt.Errorf("investment %s: duplicate id", inv.ID))
		}
		seen[inv.ID] = true
		errs = append(errs, validateRun(name, inv.Strategy, inv.Capital, inv.Sizing, inv.Resolution, inv.Market, inv.Tickers)...)
		switch inv.Source {
		case "alpaca", "binance":
		default:
			errs = append(errs, fmt.Errorf("investment %s: unknown source %q", name, inv.Source))
		}
	}
	return errors.Join(errs...)
}

// ValidateBacktest checks the backtest section; it is only required by
// cmd/backtest.
func (c *Config) ValidateBacktest() error {
	b := c.Backtest
	errs := validateRun("backtest", b.Strategy, b.Capital, b.Sizing, b.Resolution, b.Market, b.Tickers)
	if _, err := domain.ParseDay(b.Start); err != nil {
		errs = append(errs, fmt.Errorf("backtest: start: %w", err))
	}
	if _, err := domain.ParseDay(b.End); err != nil {
		errs = append(errs, fmt.Errorf("backtest: end: %w", err))
	}
	return errors.Join(errs...)
}

func validateRun(name, strategy, capital, sizing, resolution, market string, tickers []string) []error {
	var errs []error
	if strategy == "" {
		errs = append(errs, fmt.Errorf("%s: strategy is required", name))
	}
	if _, err := parseCapital(capital); err != nil {
		errs = append(errs, fmt.Errorf("%s: %w", name, err))
	}
	if _, err := ledger.ParseSizing(sizing); err != nil {
		errs = append(errs, fmt.Errorf("%s: %w", name, err))
	}
	if _, err := domain.ParseResolution(resolution); err != nil {
		errs = append(errs, fmt.Errorf("%s: %w", name, err))
	}
	switch domain.Market(market) {
	case domain.MarketUS, domain.MarketCN, domain.MarketCrypto:
	default:
		errs = append(errs, fmt.Errorf("%s: unknown market %q", name, market))
	}
	if len(tickers) == 0 {
		errs = append(errs, fmt.Errorf("%s: at least one ticker is required", name))
	}
	return errs
}
