package config

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/spf13/viper"
)

type Config struct {
	Database  DatabaseConfig  `mapstructure:"database"`
	Server    ServerConfig    `mapstructure:"server"`
	Chain     ChainConfig     `mapstructure:"chain"`
	Signer    SignerConfig    `mapstructure:"signer"`
	Contracts ContractsConfig `mapstructure:"contracts"`
	Ingestion IngestionConfig `mapstructure:"ingestion"`
	Reward    RewardConfig    `mapstructure:"reward"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

type DatabaseConfig struct {
	Host            string `mapstructure:"host"`
	Port            int    `mapstructure:"port"`
	User            string `mapstructure:"user"`
	Password        string `mapstructure:"password"`
	DBName          string `mapstructure:"dbname"`
	MaxOpenConns    int    `mapstructure:"max_open_conns"`
	MaxIdleConns    int    `mapstructure:"max_idle_conns"`
	ConnMaxLifetime int    `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool   `mapstructure:"auto_migrate"`
}

func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
		d.User, d.Password, d.Host, d.Port, d.DBName)
}

type ServerConfig struct {
	Port         int `mapstructure:"port"`
	ReadTimeout  int `mapstructure:"read_timeout"`
	WriteTimeout int `mapstructure:"write_timeout"`
}

type ChainConfig struct {
	RPCURL             string        `mapstructure:"rpc_url"`
	ChainID            int64         `mapstructure:"chain_id"`
	ConfirmationBlocks int64         `mapstructure:"confirmation_blocks"`
	RPCTimeout         time.Duration `mapstructure:"rpc_timeout"`
	RequestsPerSecond  float64       `mapstructure:"requests_per_second"`
	Burst              int           `mapstructure:"burst"`
}

// SignerConfig holds the backend wallet. PrivateKey is a secret: it is
// injected via ARANDU_SIGNER_PRIVATE_KEY and must never be logged.
type SignerConfig struct {
	PrivateKey        string        `mapstructure:"private_key"`
	RetryBaseDelay    time.Duration `mapstructure:"retry_base_delay"`
	RetryMaxAttempts  int           `mapstructure:"retry_max_attempts"`
	ConfirmTimeout    time.Duration `mapstructure:"confirm_timeout"`
	ReceiptPollPeriod time.Duration `mapstructure:"receipt_poll_period"`
}

// String keeps the key out of log lines and %v output.
func (s SignerConfig) String() string {
	return fmt.Sprintf("SignerConfig{PrivateKey:<redacted> RetryBaseDelay:%s RetryMaxAttempts:%d}",
		s.RetryBaseDelay, s.RetryMaxAttempts)
}

type ContractConfig struct {
	Name       string `mapstructure:"name"`
	Address    string `mapstructure:"address"`
	StartBlock int64  `mapstructure:"start_block"`
}

type ContractsConfig struct {
	Token        ContractConfig `mapstructure:"token"`
	Rewards      ContractConfig `mapstructure:"rewards"`
	Badges       ContractConfig `mapstructure:"badges"`
	Certificates ContractConfig `mapstructure:"certificates"`
	Resources    ContractConfig `mapstructure:"resources"`
	DataAnchor   ContractConfig `mapstructure:"data_anchor"`
}

// All returns every contract keyed by its logical role.
func (c ContractsConfig) All() map[string]ContractConfig {
	return map[string]ContractConfig{
		"token":        c.Token,
		"rewards":      c.Rewards,
		"badges":       c.Badges,
		"certificates": c.Certificates,
		"resources":    c.Resources,
		"data_anchor":  c.DataAnchor,
	}
}

type IngestionConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	BatchBlocks  int64         `mapstructure:"batch_blocks"`
	LockTTL      time.Duration `mapstructure:"lock_ttl"`
	Enabled      bool          `mapstructure:"enabled"`
}

type RewardConfig struct {
	TokenDecimals int32                    `mapstructure:"token_decimals"`
	Formula       map[string]FormulaConfig `mapstructure:"formula"`
	// PendingGrace is how long a submitted hash may stay unknown to the
	// node before the attempt counts as dropped.
	PendingGrace time.Duration `mapstructure:"pending_grace"`
}

// FormulaConfig amounts are whole-token decimals, e.g. "10" or "0.5".
type FormulaConfig struct {
	Base     string `mapstructure:"base"`
	PerPoint string `mapstructure:"per_point"`
}

type MetricsConfig struct {
	SnapshotCron string `mapstructure:"snapshot_cron"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 15)
	v.SetDefault("server.write_timeout", 15)
	v.SetDefault("database.port", 3306)
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 300)
	v.SetDefault("chain.confirmation_blocks", 2)
	v.SetDefault("chain.rpc_timeout", 10*time.Second)
	v.SetDefault("chain.requests_per_second", 20)
	v.SetDefault("chain.burst", 5)
	v.SetDefault("signer.retry_base_delay", 500*time.Millisecond)
	v.SetDefault("signer.retry_max_attempts", 4)
	v.SetDefault("signer.confirm_timeout", 60*time.Second)
	v.SetDefault("signer.receipt_poll_period", 2*time.Second)
	v.SetDefault("ingestion.poll_interval", 15*time.Second)
	v.SetDefault("ingestion.batch_blocks", 2000)
	v.SetDefault("ingestion.lock_ttl", 60*time.Second)
	v.SetDefault("ingestion.enabled", true)
	v.SetDefault("reward.token_decimals", 18)
	v.SetDefault("reward.pending_grace", 10*time.Minute)
	v.SetDefault("metrics.snapshot_cron", "0 0 * * * *")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.output", "stdout")
}

// Load reads the YAML file at configPath, overlays ARANDU_* environment
// variables and validates the result.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("ARANDU")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// AutomaticEnv only resolves keys viper already knows about.
	_ = v.BindEnv("signer.private_key")
	_ = v.BindEnv("database.password")
	_ = v.BindEnv("chain.rpc_url")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// Validate fails fast on anything the engine cannot run without.
func (c *Config) Validate() error {
	var problems []string

	if c.Chain.RPCURL == "" {
		problems = append(problems, "chain.rpc_url is required")
	}
	if c.Chain.ChainID <= 0 {
		problems = append(problems, "chain.chain_id must be positive")
	}
	if c.Chain.ConfirmationBlocks < 0 {
		problems = append(problems, "chain.confirmation_blocks must not be negative")
	}

	contracts := c.Contracts.All()
	for _, role := range sortedKeys(contracts) {
		contract := contracts[role]
		if contract.Address == "" {
			problems = append(problems, fmt.Sprintf("contracts.%s.address is required", role))
			continue
		}
		if !common.IsHexAddress(contract.Address) {
			problems = append(problems, fmt.Sprintf("contracts.%s.address %q is not a valid address", role, contract.Address))
		}
	}

	if c.Signer.PrivateKey == "" {
		problems = append(problems, "signer.private_key is required (ARANDU_SIGNER_PRIVATE_KEY)")
	} else if _, err := crypto.HexToECDSA(strings.TrimPrefix(c.Signer.PrivateKey, "0x")); err != nil {
		// the parse error is not included, it can echo key material
		problems = append(problems, "signer.private_key is not a valid secp256k1 key")
	}
	if c.Signer.RetryMaxAttempts < 1 {
		problems = append(problems, "signer.retry_max_attempts must be at least 1")
	}

	if c.Ingestion.BatchBlocks <= 0 {
		problems = append(problems, "ingestion.batch_blocks must be positive")
	}
	if c.Ingestion.PollInterval <= 0 {
		problems = append(problems, "ingestion.poll_interval must be positive")
	}

	for _, activityType := range sortedKeys(c.Reward.Formula) {
		f := c.Reward.Formula[activityType]
		if f.Base == "" && f.PerPoint == "" {
			problems = append(problems, fmt.Sprintf("reward.formula.%s has no amounts", activityType))
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ContractName resolves a display name, defaulting to the role.
func (c ContractConfig) ContractName(role string) string {
	if c.Name != "" {
		return c.Name
	}
	return role
}

// NormalizedAddress is the lower-cased hex form used as the SyncStatus key.
func (c ContractConfig) NormalizedAddress() string {
	return strings.ToLower(common.HexToAddress(c.Address).Hex())
}
