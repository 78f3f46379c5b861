// Package config loads engine configuration from a YAML file or CLI flags.
package config

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/ebalder/folio/internal/domain"
)

// Config is the resolved engine configuration.
type Config struct {
	// Venue selects the exchange adapter: coinbase, binance or bybit.
	Venue string
	// Owner keys every persisted record and the rebalance lock.
	Owner string
	// ExchangeURL overrides the Coinbase REST base URL (sandbox by default).
	ExchangeURL string
	// OracleURL overrides the price reference service base URL.
	OracleURL string
	// Listen is the HTTP listen address.
	Listen string
	// DataDir is the root directory for the WAL stores.
	DataDir string
	// MaxIterations caps the convergence loop.
	MaxIterations int
	// TolerancePercent of a currency's own USD value under which it counts
	// as already at target.
	TolerancePercent decimal.Decimal
	// CallTimeout bounds each collaborator round-trip.
	CallTimeout time.Duration
	// TLSDomains switches the API to HTTPS with automatic ACME certificates.
	TLSDomains []string
	// CertCacheDir stores issued certificates between restarts.
	CertCacheDir string
	// Once runs a single rebalance and exits instead of serving HTTP.
	Once bool
	// Targets optionally seeds the owner's target allocation set.
	Targets map[string]decimal.Decimal
}

type configTmp struct {
	Venue            string            `yaml:"venue"`
	Owner            string            `yaml:"owner"`
	ExchangeURL      string            `yaml:"exchange_url"`
	OracleURL        string            `yaml:"oracle_url"`
	Listen           string            `yaml:"listen"`
	DataDir          string            `yaml:"data_dir"`
	MaxIterations    int               `yaml:"max_iterations"`
	TolerancePercent string            `yaml:"tolerance_percent"`
	CallTimeout      time.Duration     `yaml:"call_timeout"`
	TLSDomains       []string          `yaml:"tls_domains"`
	CertCacheDir     string            `yaml:"cert_cache_dir"`
	Targets          map[string]string `yaml:"targets"`
}

const (
	defaultOwner         = "default"
	defaultListen        = ":8080"
	defaultDataDir       = "./wal"
	defaultMaxIterations = 30
	defaultCallTimeout   = 10 * time.Second
)

// Get resolves configuration from --config (YAML) or CLI flags.
func Get() (Config, error) {
	configPath := flag.String("config", "", "path to yaml config")
	venue := flag.String("venue", "coinbase", "exchange venue: coinbase, binance or bybit")
	owner := flag.String("owner", defaultOwner, "owner key for persisted records")
	listen := flag.String("listen", defaultListen, "http listen address")
	dataDir := flag.String("datadir", defaultDataDir, "directory for WAL stores")
	maxIterations := flag.Int("maxiterations", defaultMaxIterations, "convergence loop iteration cap")
	tolerance := flag.String("tolerance", "1", "tolerance percent per currency")
	callTimeout := flag.Duration("calltimeout", defaultCallTimeout, "timeout per collaborator call")
	once := flag.Bool("rebalance", false, "run a single rebalance and exit")
	flag.Parse()

	if *configPath != "" {
		cfg, err := getYaml(*configPath)
		cfg.Once = *once
		return cfg, err
	}

	tolerancePercent, err := decimal.NewFromString(*tolerance)
	if err != nil {
		return Config{}, fmt.Errorf("invalid --tolerance provided, --tolerance=%s", *tolerance)
	}

	cfg := Config{
		Venue:            *venue,
		Owner:            *owner,
		Once:             *once,
		Listen:           *listen,
		DataDir:          *dataDir,
		MaxIterations:    *maxIterations,
		TolerancePercent: tolerancePercent,
		CallTimeout:      *callTimeout,
	}

	return cfg, cfg.validate()
}

func getYaml(path string) (Config, error) {
	f, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	var tmp configTmp
	if err := yaml.Unmarshal(f, &tmp); err != nil {
		return Config{}, err
	}

	cfg := Config{
		Venue:         tmp.Venue,
		Owner:         tmp.Owner,
		ExchangeURL:   tmp.ExchangeURL,
		OracleURL:     tmp.OracleURL,
		Listen:        tmp.Listen,
		DataDir:       tmp.DataDir,
		MaxIterations: tmp.MaxIterations,
		CallTimeout:   tmp.CallTimeout,
		TLSDomains:    tmp.TLSDomains,
		CertCacheDir:  tmp.CertCacheDir,
	}

	if cfg.Venue == "" {
		cfg.Venue = "coinbase"
	}
	if cfg.Owner == "" {
		cfg.Owner = defaultOwner
	}
	if cfg.Listen == "" {
		cfg.Listen = defaultListen
	}
	if cfg.DataDir == "" {
		cfg.DataDir = defaultDataDir
	}
	if cfg.MaxIterations == 0 {
		cfg.MaxIterations = defaultMaxIterations
	}
	if cfg.CallTimeout == 0 {
		cfg.CallTimeout = defaultCallTimeout
	}

	if tmp.TolerancePercent == "" {
		cfg.TolerancePercent = decimal.NewFromInt(1)
	} else {
		cfg.TolerancePercent, err = decimal.NewFromString(tmp.TolerancePercent)
		if err != nil {
			return Config{}, fmt.Errorf("incorrect 'tolerance_percent' param in yaml config: %w", err)
		}
	}

	if len(tmp.Targets) > 0 {
		cfg.Targets = make(map[string]decimal.Decimal, len(tmp.Targets))
		for currency, raw := range tmp.Targets {
			pct, err := decimal.NewFromString(raw)
			if err != nil {
				return Config{}, fmt.Errorf("incorrect target percentage for %s in yaml config: %w", currency, err)
			}
			cfg.Targets[currency] = pct
		}
	}

	return cfg, cfg.validate()
}

func (c Config) validate() error {
	switch c.Venue {
	case "coinbase", "binance", "bybit":
	default:
		return fmt.Errorf("unsupported venue %q", c.Venue)
	}

	if c.MaxIterations < 1 {
		return fmt.Errorf("max_iterations must be at least 1, got %d", c.MaxIterations)
	}

	if c.TolerancePercent.IsNegative() {
		return fmt.Errorf("tolerance_percent must not be negative, got %s", c.TolerancePercent)
	}

	if len(c.Targets) > 0 {
		set := make([]domain.TargetAllocation, 0, len(c.Targets))
		for currency, pct := range c.Targets {
			set = append(set, domain.TargetAllocation{Currency: currency, Percentage: pct, Owner: c.Owner})
		}
		if err := domain.ValidateTargets(set); err != nil {
			return err
		}
	}

	return nil
}

// TargetSet converts configured targets into store records.
func (c Config) TargetSet() []domain.TargetAllocation {
	if len(c.Targets) == 0 {
		return nil
	}

	set := make([]domain.TargetAllocation, 0, len(c.Targets))
	for currency, pct := range c.Targets {
		set = append(set, domain.TargetAllocation{Currency: currency, Percentage: pct, Owner: c.Owner})
	}

	return set
}
