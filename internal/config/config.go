// Package config manages application configuration loading and validation.
package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// History sink drivers.
const (
	HistoryMemory   = "memory"
	HistorySQLite   = "sqlite"
	HistoryPostgres = "postgres"
)

// AppConfig is the typed form of config.yaml.
type AppConfig struct {
	API       APIConfig       `yaml:"api" json:"api"`
	Shadow    ShadowConfig    `yaml:"shadow" json:"shadow"`
	Strategy  StrategyConfig  `yaml:"strategy" json:"strategy"`
	Econ      EconConfig      `yaml:"econ" json:"econ"`
	Risk      RiskConfig      `yaml:"risk" json:"risk"`
	Binance   BinanceConfig   `yaml:"binance" json:"binance"`
	Eventbus  EventbusConfig  `yaml:"eventbus" json:"eventbus"`
	History   HistoryConfig   `yaml:"history" json:"history"`
	Telemetry TelemetryConfig `yaml:"telemetry" json:"telemetry"`
	Scanner   ScannerConfig   `yaml:"scanner" json:"scanner"`
}

// APIConfig selects the trading mode.
type APIConfig struct {
	Paper     bool `yaml:"paper" json:"paper"`
	Autostart bool `yaml:"autostart" json:"autostart"`
}

// ShadowConfig configures the local order executor used in paper mode.
type ShadowConfig struct {
	Enabled        bool     `yaml:"enabled" json:"enabled"`
	Latency        Duration `yaml:"latency" json:"latency"`
	PostOnlyReject bool     `yaml:"post_only_reject" json:"post_only_reject"`
}

// StrategyConfig holds the quoting parameters.
type StrategyConfig struct {
	Symbol          string          `yaml:"symbol" json:"symbol"`
	QuoteSize       decimal.Decimal `yaml:"quote_size" json:"quote_size"`
	TargetPct       float64         `yaml:"target_pct" json:"target_pct"`
	MinSpreadPct    float64         `yaml:"min_spread_pct" json:"min_spread_pct"`
	CancelTimeout   Duration        `yaml:"cancel_timeout" json:"cancel_timeout"`
	ReorderInterval Duration        `yaml:"reorder_interval" json:"reorder_interval"`
	PostOnly        bool            `yaml:"post_only" json:"post_only"`
	AggressiveTake  bool            `yaml:"aggressive_take" json:"aggressive_take"`
	AggressiveBps   float64         `yaml:"aggressive_bps" json:"aggressive_bps"`
	AllowShort      bool            `yaml:"allow_short" json:"allow_short"`
	StatsInterval   Duration        `yaml:"stats_interval" json:"stats_interval"`
	WSTimeout       Duration        `yaml:"ws_timeout" json:"ws_timeout"`
	BootstrapOnIdle bool            `yaml:"bootstrap_on_idle" json:"bootstrap_on_idle"`
	MarketFeed      bool            `yaml:"market_feed" json:"market_feed"`
	PaperCash       decimal.Decimal `yaml:"paper_cash" json:"paper_cash"`
}

// EconConfig holds fee assumptions and the minimum expected edge.
type EconConfig struct {
	MakerFeePct float64 `yaml:"maker_fee_pct" json:"maker_fee_pct"`
	TakerFeePct float64 `yaml:"taker_fee_pct" json:"taker_fee_pct"`
	MinNetPct   float64 `yaml:"min_net_pct" json:"min_net_pct"`
}

// ScannerConfig lists the symbols ranked by the pair scanner.
type ScannerConfig struct {
	Symbols      []string `yaml:"symbols" json:"symbols"`
	Blacklist    []string `yaml:"blacklist" json:"blacklist"`
	MinSpreadBps float64  `yaml:"min_spread_bps" json:"min_spread_bps"`
	Top          int      `yaml:"top" json:"top"`
	Concurrency  int      `yaml:"concurrency" json:"concurrency"`
}

// RiskConfig configures protections and order limits.
type RiskConfig struct {
	Protections   []GuardSpec     `yaml:"protections" json:"protections"`
	MaxPosition   decimal.Decimal `yaml:"max_position" json:"max_position"`
	OrderThrottle float64         `yaml:"order_throttle" json:"order_throttle"`
	OrderBurst    int             `yaml:"order_burst" json:"order_burst"`
}

// BinanceConfig holds public market data endpoints.
type BinanceConfig struct {
	RESTURL        string   `yaml:"rest_url" json:"rest_url"`
	WSURL          string   `yaml:"ws_url" json:"ws_url"`
	TestnetRESTURL string   `yaml:"testnet_rest_url" json:"testnet_rest_url"`
	TestnetWSURL   string   `yaml:"testnet_ws_url" json:"testnet_ws_url"`
	Timeout        Duration `yaml:"timeout" json:"timeout"`
}

// Endpoints returns the REST and websocket base URLs for the trading mode.
func (c BinanceConfig) Endpoints(paper bool) (string, string) {
	if paper {
		return c.TestnetRESTURL, c.TestnetWSURL
	}
	return c.RESTURL, c.WSURL
}

// EventbusConfig sets push channel sizing.
type EventbusConfig struct {
	BufferSize int `yaml:"buffer_size" json:"buffer_size"`
}

// HistoryConfig selects the trade/order history sink.
type HistoryConfig struct {
	Driver        string `yaml:"driver" json:"driver"`
	DSN           string `yaml:"dsn" json:"dsn"`
	Path          string `yaml:"path" json:"path"`
	RunMigrations bool   `yaml:"run_migrations" json:"run_migrations"`
	QueueSize     int    `yaml:"queue_size" json:"queue_size"`
	MaxConns      int32  `yaml:"max_conns" json:"max_conns"`
}

// TelemetryConfig overrides the OpenTelemetry exporter settings.
type TelemetryConfig struct {
	Enabled      bool   `yaml:"enabled" json:"enabled"`
	OTLPEndpoint string `yaml:"otlp_endpoint" json:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure" json:"otlp_insecure"`
	ServiceName  string `yaml:"service_name" json:"service_name"`
}

// Default returns the built-in configuration every file is merged over.
func Default() AppConfig {
	return AppConfig{
		API: APIConfig{Paper: true},
		Shadow: ShadowConfig{
			Enabled:        true,
			Latency:        Seconds(0.12),
			PostOnlyReject: true,
		},
		Strategy: StrategyConfig{
			Symbol:          "BNBUSDT",
			QuoteSize:       decimal.NewFromInt(10),
			TargetPct:       0.5,
			MinSpreadPct:    0,
			CancelTimeout:   Seconds(10),
			ReorderInterval: Seconds(1),
			PostOnly:        true,
			StatsInterval:   Seconds(1),
			WSTimeout:       Seconds(2),
			BootstrapOnIdle: true,
			MarketFeed:      true,
			PaperCash:       decimal.NewFromInt(1000),
		},
		Econ: EconConfig{MakerFeePct: 0.1, TakerFeePct: 0.1, MinNetPct: 0.10},
		Risk: RiskConfig{
			Protections:   []GuardSpec{},
			OrderThrottle: 5,
			OrderBurst:    2,
		},
		Binance: BinanceConfig{
			RESTURL:        "https://api.binance.com",
			WSURL:          "wss://stream.binance.com:9443/ws",
			TestnetRESTURL: "https://testnet.binance.vision",
			TestnetWSURL:   "wss://testnet.binance.vision/ws",
			Timeout:        Seconds(10),
		},
		Eventbus: EventbusConfig{BufferSize: 1000},
		History: HistoryConfig{
			Driver:        HistoryMemory,
			Path:          "./history.db",
			RunMigrations: true,
			QueueSize:     1024,
			MaxConns:      4,
		},
		Telemetry: TelemetryConfig{ServiceName: "amadeus"},
		Scanner: ScannerConfig{
			Symbols:      []string{"BNBUSDT", "BTCUSDT", "ETHUSDT", "SOLUSDT", "XRPUSDT", "DOGEUSDT"},
			Blacklist:    []string{},
			MinSpreadBps: 5,
			Top:          10,
			Concurrency:  4,
		},
	}
}

// Load reads configPath and merges it over Default. A missing file yields the defaults.
func Load(ctx context.Context, configPath string) (AppConfig, error) {
	_ = ctx

	cfg := Default()
	reader, closer, err := openConfigFile(configPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return cfg, cfg.Validate()
		}
		return AppConfig{}, err
	}
	defer closer()

	if err := Decode(reader, &cfg); err != nil {
		return AppConfig{}, err
	}
	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

// Decode strictly decodes YAML from r over cfg; unknown keys are rejected.
func Decode(r io.Reader, cfg *AppConfig) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.normalise()
	return nil
}

// Save writes cfg to path atomically.
func Save(path string, cfg AppConfig) error {
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	clean := filepath.Clean(strings.TrimSpace(path))
	tmp, err := os.CreateTemp(filepath.Dir(clean), ".config-*.yaml")
	if err != nil {
		return fmt.Errorf("save config: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if _, err := tmp.Write(out); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("save config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("save config: %w", err)
	}
	if err := os.Rename(tmp.Name(), clean); err != nil {
		return fmt.Errorf("save config: %w", err)
	}
	return nil
}

func (c *AppConfig) normalise() {
	c.Strategy.Symbol = strings.ToUpper(strings.TrimSpace(c.Strategy.Symbol))
	c.History.Driver = strings.ToLower(strings.TrimSpace(c.History.Driver))
	if c.History.Driver == "" {
		c.History.Driver = HistoryMemory
	}
	if c.Risk.Protections == nil {
		c.Risk.Protections = []GuardSpec{}
	}
	for i := range c.Risk.Protections {
		c.Risk.Protections[i].Method = strings.TrimSpace(c.Risk.Protections[i].Method)
	}
	c.Scanner.Symbols = upperSymbols(c.Scanner.Symbols)
	c.Scanner.Blacklist = upperSymbols(c.Scanner.Blacklist)
}

func upperSymbols(in []string) []string {
	out := make([]string, 0, len(in))
	for _, sym := range in {
		if sym = strings.ToUpper(strings.TrimSpace(sym)); sym != "" {
			out = append(out, sym)
		}
	}
	return out
}

// Validate checks the configuration for inconsistencies.
func (c AppConfig) Validate() error {
	s := c.Strategy
	if s.Symbol == "" {
		return fmt.Errorf("strategy.symbol required")
	}
	if !s.QuoteSize.IsPositive() {
		return fmt.Errorf("strategy.quote_size must be >0")
	}
	if s.TargetPct <= 0 {
		return fmt.Errorf("strategy.target_pct must be >0")
	}
	if s.MinSpreadPct < 0 {
		return fmt.Errorf("strategy.min_spread_pct must be >=0")
	}
	if s.CancelTimeout <= 0 {
		return fmt.Errorf("strategy.cancel_timeout must be >0")
	}
	if s.ReorderInterval <= 0 {
		return fmt.Errorf("strategy.reorder_interval must be >0")
	}
	if s.StatsInterval <= 0 {
		return fmt.Errorf("strategy.stats_interval must be >0")
	}
	if s.WSTimeout <= 0 {
		return fmt.Errorf("strategy.ws_timeout must be >0")
	}
	if s.AggressiveBps < 0 {
		return fmt.Errorf("strategy.aggressive_bps must be >=0")
	}
	if s.PaperCash.IsNegative() {
		return fmt.Errorf("strategy.paper_cash must be >=0")
	}
	if c.Econ.MakerFeePct < 0 || c.Econ.TakerFeePct < 0 {
		return fmt.Errorf("econ fees must be >=0")
	}
	if c.Shadow.Latency < 0 {
		return fmt.Errorf("shadow.latency must be >=0")
	}
	for i, g := range c.Risk.Protections {
		if err := g.validate(i); err != nil {
			return err
		}
	}
	if c.Risk.MaxPosition.IsNegative() {
		return fmt.Errorf("risk.max_position must be >=0")
	}
	if c.Risk.OrderThrottle < 0 || c.Risk.OrderBurst < 0 {
		return fmt.Errorf("risk.order_throttle and risk.order_burst must be >=0")
	}
	rest, ws := c.Binance.Endpoints(c.API.Paper)
	if strings.TrimSpace(rest) == "" || strings.TrimSpace(ws) == "" {
		return fmt.Errorf("binance endpoints required")
	}
	if c.Binance.Timeout <= 0 {
		return fmt.Errorf("binance.timeout must be >0")
	}
	if c.Eventbus.BufferSize <= 0 {
		return fmt.Errorf("eventbus buffer_size must be >0")
	}
	switch c.History.Driver {
	case HistoryMemory:
	case HistorySQLite:
		if strings.TrimSpace(c.History.Path) == "" {
			return fmt.Errorf("history.path required for sqlite")
		}
	case HistoryPostgres:
		if strings.TrimSpace(c.History.DSN) == "" {
			return fmt.Errorf("history.dsn required for postgres")
		}
	default:
		return fmt.Errorf("history.driver %q not supported", c.History.Driver)
	}
	if c.History.QueueSize <= 0 {
		return fmt.Errorf("history.queue_size must be >0")
	}
	if c.Scanner.MinSpreadBps < 0 {
		return fmt.Errorf("scanner.min_spread_bps must be >=0")
	}
	if c.Scanner.Top <= 0 || c.Scanner.Concurrency <= 0 {
		return fmt.Errorf("scanner.top and scanner.concurrency must be >0")
	}
	return nil
}

// Clone returns a deep copy of the configuration.
func (c AppConfig) Clone() AppConfig {
	out := c
	out.Risk.Protections = append([]GuardSpec(nil), c.Risk.Protections...)
	if out.Risk.Protections == nil {
		out.Risk.Protections = []GuardSpec{}
	}
	out.Scanner.Symbols = append([]string{}, c.Scanner.Symbols...)
	out.Scanner.Blacklist = append([]string{}, c.Scanner.Blacklist...)
	return out
}

func openConfigFile(path string) (io.Reader, func(), error) {
	candidate := filepath.Clean(strings.TrimSpace(path))

	file, err := os.Open(candidate) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, nil, fmt.Errorf("open app config: %w", err)
	}
	return file, func() { _ = file.Close() }, nil
}
