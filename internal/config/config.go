package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"

	"tradechain/internal/contracts"
	"tradechain/internal/eip1193"
)

// DeploymentsFile models deployments.json / deployments.yaml. Entries
// override the built-in table per chain id.
type DeploymentsFile struct {
	Deployments []DeploymentEntry `json:"deployments" yaml:"deployments"`
}

type DeploymentEntry struct {
	ChainID   uint64 `json:"chainId" yaml:"chainId"`
	Name      string `json:"name" yaml:"name"`
	Contracts struct {
		Escrow              string `json:"escrow" yaml:"escrow"`
		CertificateRegistry string `json:"certificateRegistry" yaml:"certificateRegistry"`
		Reputation          string `json:"reputation" yaml:"reputation"`
	} `json:"contracts" yaml:"contracts"`
	RPCURLs           []string `json:"rpcUrls" yaml:"rpcUrls"`
	BlockExplorerURLs []string `json:"blockExplorerUrls" yaml:"blockExplorerUrls"`
	NativeCurrency    *struct {
		Name     string `json:"name" yaml:"name"`
		Symbol   string `json:"symbol" yaml:"symbol"`
		Decimals int    `json:"decimals" yaml:"decimals"`
	} `json:"nativeCurrency" yaml:"nativeCurrency"`
}

// AppConfig ties together the deployment table and the env-derived settings.
type AppConfig struct {
	Deployments contracts.AddressTable
	Service     ServiceConfig
	Chain       ChainConfig
	Tx          TxConfig
	Retry       RetryConfig
	Backend     BackendConfig
	Log         LogConfig
}

type ServiceConfig struct {
	HTTPPort             int
	HMACSecret           string
	HMACClockSkew        time.Duration
	IdempotencyWindow    time.Duration
	IdempotencyStorePath string
	PostgresDSN          string
	DashboardOrderCap    int
	ShutdownTimeout      time.Duration
}

type ChainConfig struct {
	RPCURL        string
	PrivateKey    string
	RPCRateLimit  float64
	WatchInterval time.Duration
}

type TxConfig struct {
	SignatureTimeout    time.Duration
	ConfirmationTimeout time.Duration
	PollInterval        time.Duration
}

type RetryConfig struct {
	MaxAttempts       int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier int
}

type BackendConfig struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

type LogConfig struct {
	Level string
	Env   string
}

// Load aggregates configuration from disk and environment.
func Load() (*AppConfig, error) {
	table := contracts.DefaultAddressTable()
	if path := envOr("DEPLOYMENTS_PATH", ""); path != "" {
		file, err := LoadDeployments(path)
		if err != nil {
			return nil, fmt.Errorf("load deployments: %w", err)
		}
		if table, err = file.Merge(table); err != nil {
			return nil, fmt.Errorf("load deployments: %w", err)
		}
	}

	serviceCfg := ServiceConfig{
		HTTPPort:             envOrInt("API_HTTP_PORT", 3000),
		HMACSecret:           envOr("HMAC_SECRET", ""),
		HMACClockSkew:        envOrDuration("HMAC_CLOCK_SKEW_SECONDS", time.Second, 60*time.Second),
		IdempotencyWindow:    envOrDuration("IDEMPOTENCY_WINDOW_SECONDS", time.Second, 24*time.Hour),
		IdempotencyStorePath: envOr("IDEMPOTENCY_STORE_PATH", filepath.Join(os.TempDir(), "tradechain-idem.json")),
		PostgresDSN:          envOr("POSTGRES_DSN", ""),
		DashboardOrderCap:    envOrInt("DASHBOARD_ORDER_CAP", 5),
		ShutdownTimeout:      envOrDuration("SHUTDOWN_TIMEOUT_SECONDS", time.Second, 15*time.Second),
	}
	if serviceCfg.DashboardOrderCap <= 0 {
		return nil, fmt.Errorf("DASHBOARD_ORDER_CAP must be positive, got %d", serviceCfg.DashboardOrderCap)
	}

	chainCfg := ChainConfig{
		RPCURL:        envOr("CHAIN_RPC_URL", "http://127.0.0.1:8545"),
		PrivateKey:    envOr("CHAIN_PRIVATE_KEY", ""),
		RPCRateLimit:  envOrFloat("CHAIN_RPC_RPS", 0),
		WatchInterval: envOrDuration("CHAIN_WATCH_INTERVAL_MS", time.Millisecond, 4*time.Second),
	}

	txCfg := TxConfig{
		SignatureTimeout:    envOrDuration("TX_SIGNATURE_TIMEOUT_SECONDS", time.Second, 2*time.Minute),
		ConfirmationTimeout: envOrDuration("TX_CONFIRMATION_TIMEOUT_SECONDS", time.Second, 5*time.Minute),
		PollInterval:        envOrDuration("TX_POLL_INTERVAL_MS", time.Millisecond, 2*time.Second),
	}

	retryCfg := RetryConfig{
		MaxAttempts:       envOrInt("READ_RETRY_ATTEMPTS", 3),
		InitialBackoff:    envOrDuration("READ_RETRY_BACKOFF_MS", time.Millisecond, 200*time.Millisecond),
		MaxBackoff:        envOrDuration("READ_RETRY_MAX_BACKOFF_MS", time.Millisecond, 2*time.Second),
		BackoffMultiplier: envOrInt("READ_RETRY_MULTIPLIER", 2),
	}

	backendCfg := BackendConfig{
		BaseURL: strings.TrimRight(envOr("BACKEND_BASE_URL", "http://127.0.0.1:8000/api"), "/"),
		Token:   envOr("BACKEND_TOKEN", ""),
		Timeout: envOrDuration("BACKEND_TIMEOUT_SECONDS", time.Second, 10*time.Second),
	}

	return &AppConfig{
		Deployments: table,
		Service:     serviceCfg,
		Chain:       chainCfg,
		Tx:          txCfg,
		Retry:       retryCfg,
		Backend:     backendCfg,
		Log: LogConfig{
			Level: envOr("LOG_LEVEL", "info"),
			Env:   envOr("APP_ENV", "development"),
		},
	}, nil
}

// ContractOptions maps the tx and retry settings onto handle options.
func (c *AppConfig) ContractOptions() contracts.Options {
	return contracts.Options{
		SignatureTimeout:    c.Tx.SignatureTimeout,
		ConfirmationTimeout: c.Tx.ConfirmationTimeout,
		PollInterval:        c.Tx.PollInterval,
		Retry: contracts.RetryPolicy{
			MaxAttempts:       c.Retry.MaxAttempts,
			InitialBackoff:    c.Retry.InitialBackoff,
			MaxBackoff:        c.Retry.MaxBackoff,
			BackoffMultiplier: c.Retry.BackoffMultiplier,
		},
	}
}

// LoadDeployments reads a deployments file. YAML is used for .yaml and .yml,
// JSON otherwise.
func LoadDeployments(path string) (*DeploymentsFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg DeploymentsFile
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(raw, &cfg)
	default:
		err = json.Unmarshal(raw, &cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &cfg, nil
}

// Merge returns base with the file's entries layered on top. A file entry
// replaces the addresses of the same chain; name and network params fall
// back to the base entry when omitted.
func (f *DeploymentsFile) Merge(base contracts.AddressTable) (contracts.AddressTable, error) {
	byID := make(map[uint64]contracts.Deployment)
	for _, id := range base.ChainIDs() {
		d, _ := base.Deployment(id)
		byID[id] = d
	}
	for i, e := range f.Deployments {
		if e.ChainID == 0 {
			return contracts.AddressTable{}, fmt.Errorf("deployment %d: chainId is required", i)
		}
		addrs, err := e.addresses()
		if err != nil {
			return contracts.AddressTable{}, fmt.Errorf("deployment %d (chain %d): %w", i, e.ChainID, err)
		}
		d := byID[e.ChainID]
		d.ChainID = e.ChainID
		d.Addresses = addrs
		if e.Name != "" {
			d.Name = e.Name
		}
		if params := e.params(d.Name); params != nil {
			d.Params = params
		}
		byID[e.ChainID] = d
	}
	all := make([]contracts.Deployment, 0, len(byID))
	for _, d := range byID {
		all = append(all, d)
	}
	return contracts.NewAddressTable(all...), nil
}

func (e DeploymentEntry) addresses() (contracts.AddressSet, error) {
	var set contracts.AddressSet
	for _, f := range []struct {
		name string
		raw  string
		dst  *common.Address
	}{
		{"escrow", e.Contracts.Escrow, &set.Escrow},
		{"certificateRegistry", e.Contracts.CertificateRegistry, &set.CertificateRegistry},
		{"reputation", e.Contracts.Reputation, &set.Reputation},
	} {
		if f.raw == "" {
			continue
		}
		if !common.IsHexAddress(f.raw) {
			return set, fmt.Errorf("%s: invalid address %q", f.name, f.raw)
		}
		*f.dst = common.HexToAddress(f.raw)
	}
	return set, nil
}

func (e DeploymentEntry) params(name string) *eip1193.ChainParams {
	if len(e.RPCURLs) == 0 || e.NativeCurrency == nil {
		return nil
	}
	return &eip1193.ChainParams{
		ChainID:           eip1193.HexChainID(e.ChainID),
		ChainName:         name,
		RPCURLs:           e.RPCURLs,
		BlockExplorerURLs: e.BlockExplorerURLs,
		NativeCurrency: eip1193.NativeCurrency{
			Name:     e.NativeCurrency.Name,
			Symbol:   e.NativeCurrency.Symbol,
			Decimals: e.NativeCurrency.Decimals,
		},
	}
}

func envOr(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		return val
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		if parsed, err := strconv.Atoi(strings.TrimSpace(val)); err == nil {
			return parsed
		}
	}
	return fallback
}

func envOrFloat(key string, fallback float64) float64 {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		if parsed, err := strconv.ParseFloat(strings.TrimSpace(val), 64); err == nil {
			return parsed
		}
	}
	return fallback
}

// envOrDuration reads an integer count of unit.
func envOrDuration(key string, unit, fallback time.Duration) time.Duration {
	n := envOrInt(key, -1)
	if n < 0 {
		return fallback
	}
	return time.Duration(n) * unit
}
