package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	xerrors "P2PLend-Chain/internal/errors"
)

const (
	// EnvPrefix 是环境变量覆盖配置时使用的前缀，例如 P2PLEND_NETWORK_NAME。
	EnvPrefix = "P2PLEND"
	// DefaultPath 是未显式指定配置文件时尝试读取的位置。
	DefaultPath = "configs/p2plend.yaml"
	// LendingAddressPlaceholder 是脚本模板中遗留的占位符，必须被真实地址替换。
	LendingAddressPlaceholder = "<PASTE_CONTRACT_ADDRESS>"
	// MaxInterestBps 对应 100% 的利率上限。
	MaxInterestBps = 10_000
)

// Config 描述了 p2plend 在启动阶段需要加载的全部配置。
type Config struct {
	Network   NetworkConfig   `mapstructure:"network"`
	Signer    SignerConfig    `mapstructure:"signer"`
	Contracts ContractsConfig `mapstructure:"contracts"`
	Defaults  DefaultsConfig  `mapstructure:"defaults"`
	Tx        TxConfig        `mapstructure:"tx"`
	Storage   StorageConfig   `mapstructure:"storage"`
	TaskQueue TaskQueueConfig `mapstructure:"task_queue"`
	Server    ServerConfig    `mapstructure:"server"`
	Log       LogConfig       `mapstructure:"log"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
	Runtime   RuntimeConfig   `mapstructure:"runtime"`
}

// NetworkConfig 选择目标网络。ChainConfig 指向多网络定义文件，内联的
// RPCURL 等字段在定义文件缺失该网络时使用。
type NetworkConfig struct {
	Name        string `mapstructure:"name"`
	ChainConfig string `mapstructure:"chain_config"`
	RPCURL      string `mapstructure:"rpc_url"`
	WSURL       string `mapstructure:"ws_url"`
	ChainID     int64  `mapstructure:"chain_id"`
	ExplorerURL string `mapstructure:"explorer_url"`
}

// SignerConfig 描述签名身份的来源：环境变量中的私钥，或 keystore 文件。
type SignerConfig struct {
	PrivateKeyEnv string `mapstructure:"private_key_env"`
	KeystorePath  string `mapstructure:"keystore_path"`
	PassphraseEnv string `mapstructure:"passphrase_env"`
}

// ContractsConfig 保存代币与借贷合约的地址及 ABI/产物路径。
type ContractsConfig struct {
	TokenAddress    string `mapstructure:"token_address"`
	LendingAddress  string `mapstructure:"lending_address"`
	TokenABI        string `mapstructure:"token_abi"`
	LendingABI      string `mapstructure:"lending_abi"`
	LendingArtifact string `mapstructure:"lending_artifact"`
}

// DefaultsConfig 为各个操作提供默认参数。
type DefaultsConfig struct {
	ApproveAmount string        `mapstructure:"approve_amount"`
	Spender       string        `mapstructure:"spender"`
	Principal     string        `mapstructure:"principal"`
	InterestBps   uint64        `mapstructure:"interest_bps"`
	Duration      time.Duration `mapstructure:"duration"`
	OfferID       uint64        `mapstructure:"offer_id"`
}

// TxConfig 控制交易确认的等待方式。
type TxConfig struct {
	ConfirmTimeout time.Duration `mapstructure:"confirm_timeout"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	GasLimit       uint64        `mapstructure:"gas_limit"`
}

// StorageConfig 统一描述交易日志与任务存储。
type StorageConfig struct {
	Journal  JournalConfig  `mapstructure:"journal"`
	JobStore JobStoreConfig `mapstructure:"job_store"`
}

// JournalConfig 选择交易日志的实现：memory（JSON 行文件）、mysql 或 none。
type JournalConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
	Path   string `mapstructure:"path"`
}

// JobStoreConfig 选择任务存储的实现。
type JobStoreConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

// TaskQueueConfig 控制异步任务队列。
type TaskQueueConfig struct {
	Driver     string         `mapstructure:"driver"`
	Buffer     int            `mapstructure:"buffer"`
	Workers    int            `mapstructure:"workers"`
	MaxRetries int            `mapstructure:"max_retries"`
	Redis      RedisConfig    `mapstructure:"redis"`
	RabbitMQ   RabbitMQConfig `mapstructure:"rabbitmq"`
}

// RedisConfig 描述 Redis 队列连接。
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Queue    string `mapstructure:"queue"`
}

// RabbitMQConfig 描述 RabbitMQ 队列连接。
type RabbitMQConfig struct {
	URL   string `mapstructure:"url"`
	Queue string `mapstructure:"queue"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address         string        `mapstructure:"address"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	Auth            AuthConfig    `mapstructure:"auth"`
}

// AuthConfig 控制作业接口的 Bearer 令牌认证。
type AuthConfig struct {
	// Mode 为 disabled 或 token。
	Mode   string            `mapstructure:"mode"`
	Tokens []AuthTokenConfig `mapstructure:"tokens"`
}

// AuthTokenConfig 描述一个访问令牌。令牌明文从 SecretEnv 指定的环境变量
// 读取，或在文件中只保存其 SHA-256 摘要。
type AuthTokenConfig struct {
	Name        string   `mapstructure:"name"`
	SecretEnv   string   `mapstructure:"secret_env"`
	SHA256      string   `mapstructure:"sha256"`
	Permissions []string `mapstructure:"permissions"`
}

// LogConfig 对应 pkg/logger 的配置。
type LogConfig struct {
	Level       string      `mapstructure:"level"`
	Format      string      `mapstructure:"format"`
	OutputPaths []string    `mapstructure:"output_paths"`
	AddSource   bool        `mapstructure:"add_source"`
	Audit       AuditConfig `mapstructure:"audit"`
}

// AuditConfig 控制审计日志的滚动策略。
type AuditConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// AlertingConfig 配置终态失败时的 webhook 通知。
type AlertingConfig struct {
	WebhookURL string        `mapstructure:"webhook_url"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `mapstructure:"data_dir"`
}

// LoadOptions 控制配置加载的来源。
type LoadOptions struct {
	// Path 为空时依次尝试 P2PLEND_CONFIG 与 DefaultPath。
	Path string
	// EnvFile 为空时读取工作目录下的 .env（不存在则忽略）。
	EnvFile string
	// Overrides 以配置键（如 "network.name"）覆盖文件与环境变量中的值，
	// 通常来自命令行参数。
	Overrides map[string]any
}

// defaults 同时注册给 viper，使得嵌套键可以被环境变量覆盖。
var defaults = map[string]any{
	"network.name":               "celo-sepolia",
	"network.rpc_url":            "https://forno.celo-sepolia.celo-testnet.org",
	"network.chain_id":           11142220,
	"network.explorer_url":       "https://celo-sepolia.blockscout.com",
	"network.chain_config":       "",
	"network.ws_url":             "",
	"signer.private_key_env":     "PRIVATE_KEY",
	"signer.keystore_path":       "",
	"signer.passphrase_env":      "KEYSTORE_PASSPHRASE",
	"contracts.token_address":    "0xEF4d55D6dE8e8d73232827Cd1e9b2F2dBb45bC80",
	"contracts.lending_address":  "",
	"contracts.token_abi":        "",
	"contracts.lending_abi":      "",
	"contracts.lending_artifact": filepath.Join("artifacts", "P2PLending.json"),
	"defaults.approve_amount":    "100",
	"defaults.spender":           "",
	"defaults.principal":         "100",
	"defaults.interest_bps":      500,
	"defaults.duration":          "720h",
	"defaults.offer_id":          0,
	"tx.confirm_timeout":         "5m",
	"tx.poll_interval":           "2s",
	"tx.gas_limit":               0,
	"storage.journal.driver":     "memory",
	"storage.journal.dsn":        "",
	"storage.journal.path":       "",
	"storage.job_store.driver":   "memory",
	"storage.job_store.dsn":      "",
	"task_queue.driver":          "memory",
	"task_queue.buffer":          64,
	"task_queue.workers":         1,
	"task_queue.max_retries":     3,
	"task_queue.redis.addr":      "",
	"task_queue.redis.password":  "",
	"task_queue.redis.db":        0,
	"task_queue.redis.queue":     "p2plend:jobs",
	"task_queue.rabbitmq.url":    "",
	"task_queue.rabbitmq.queue":  "p2plend.jobs",
	"server.address":             ":8080",
	"server.shutdown_timeout":    "10s",
	"server.auth.mode":           "disabled",
	"log.level":                  "info",
	"log.format":                 "text",
	"log.add_source":             false,
	"log.audit.enabled":          false,
	"log.audit.path":             "",
	"alerting.webhook_url":       "",
	"alerting.timeout":           "5s",
	"runtime.data_dir":           "",
}

// Load 读取 .env、配置文件与 P2PLEND_ 前缀的环境变量，合并命令行覆盖项，
// 补齐默认值并校验。
func Load(opts LoadOptions) (*Config, error) {
	if err := loadEnvFile(opts.EnvFile); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	path, explicit := resolvePath(opts.Path)
	baseDir := "."
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			v.SetConfigFile(path)
			if err := v.ReadInConfig(); err != nil {
				return nil, xerrors.Wrap(xerrors.CodeConfigInvalid, err, "解析配置文件失败",
					xerrors.WithMetadata("source", path))
			}
			baseDir = filepath.Dir(path)
		} else if explicit {
			return nil, xerrors.Wrap(xerrors.CodeConfigInvalid, err, "打开配置文件失败",
				xerrors.WithMetadata("source", path))
		}
	}

	for key, value := range opts.Overrides {
		v.Set(key, value)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfigInvalid, err, "解析配置失败")
	}
	cfg.applyDefaults(baseDir)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func loadEnvFile(path string) error {
	if strings.TrimSpace(path) == "" {
		if _, err := os.Stat(".env"); err != nil {
			return nil
		}
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		return xerrors.Wrap(xerrors.CodeConfigInvalid, err, "读取 .env 文件失败",
			xerrors.WithMetadata("source", path))
	}
	return nil
}

func resolvePath(path string) (string, bool) {
	if p := strings.TrimSpace(path); p != "" {
		return p, true
	}
	if p := strings.TrimSpace(os.Getenv(EnvPrefix + "_CONFIG")); p != "" {
		return p, true
	}
	return DefaultPath, false
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值，并把相对路径
// 解析为相对配置文件所在目录。
func (c *Config) applyDefaults(baseDir string) {
	if c.Network.Name == "" {
		c.Network.Name = "celo-sepolia"
	}
	if c.Signer.PrivateKeyEnv == "" {
		c.Signer.PrivateKeyEnv = "PRIVATE_KEY"
	}
	if c.Signer.PassphraseEnv == "" {
		c.Signer.PassphraseEnv = "KEYSTORE_PASSPHRASE"
	}
	if c.Defaults.ApproveAmount == "" {
		c.Defaults.ApproveAmount = "100"
	}
	if c.Defaults.Principal == "" {
		c.Defaults.Principal = "100"
	}
	if c.Defaults.Duration == 0 {
		c.Defaults.Duration = 30 * 24 * time.Hour
	}
	if c.Tx.PollInterval <= 0 {
		c.Tx.PollInterval = 2 * time.Second
	}
	if c.Storage.Journal.Driver == "" {
		c.Storage.Journal.Driver = "memory"
	}
	if c.Storage.JobStore.Driver == "" {
		c.Storage.JobStore.Driver = "memory"
	}
	if c.TaskQueue.Driver == "" {
		c.TaskQueue.Driver = "memory"
	}
	if c.TaskQueue.Buffer <= 0 {
		c.TaskQueue.Buffer = 64
	}
	if c.TaskQueue.Workers <= 0 {
		c.TaskQueue.Workers = 1
	}
	if c.TaskQueue.MaxRetries < 0 {
		c.TaskQueue.MaxRetries = 0
	}
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}
	if c.Server.Auth.Mode == "" {
		c.Server.Auth.Mode = "disabled"
	}
	if c.Alerting.Timeout <= 0 {
		c.Alerting.Timeout = 5 * time.Second
	}

	c.Runtime.DataDir = resolve(baseDir, c.Runtime.DataDir, "data")
	c.Network.ChainConfig = resolve(baseDir, c.Network.ChainConfig, "")
	c.Signer.KeystorePath = resolve(baseDir, c.Signer.KeystorePath, "")
	c.Contracts.TokenABI = resolve(baseDir, c.Contracts.TokenABI, "")
	c.Contracts.LendingABI = resolve(baseDir, c.Contracts.LendingABI, "")
	c.Contracts.LendingArtifact = resolve(baseDir, c.Contracts.LendingArtifact, "")
	if c.Storage.Journal.Path == "" {
		c.Storage.Journal.Path = filepath.Join(c.Runtime.DataDir, "journal.log")
	} else {
		c.Storage.Journal.Path = resolve(baseDir, c.Storage.Journal.Path, "")
	}
	if c.Log.Audit.Enabled && c.Log.Audit.Path == "" {
		c.Log.Audit.Path = filepath.Join(c.Runtime.DataDir, "audit.log")
	}
}

func resolve(baseDir, value, fallback string) string {
	if value == "" {
		value = fallback
	}
	if value == "" || filepath.IsAbs(value) {
		return value
	}
	return filepath.Join(baseDir, value)
}

// Validate 检查与具体操作无关的配置约束。借贷合约地址只在需要它的操作中
// 通过 RequireLendingAddress 校验。
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Network.Name) == "" {
		return invalid("network.name", "网络名称不能为空")
	}
	if strings.TrimSpace(c.Network.ChainConfig) == "" && strings.TrimSpace(c.Network.RPCURL) == "" {
		return invalid("network.rpc_url", "需要配置 rpc_url 或 chain_config")
	}
	if _, err := parseAddress("contracts.token_address", c.Contracts.TokenAddress); err != nil {
		return err
	}
	if c.Defaults.Spender != "" {
		if _, err := parseAddress("defaults.spender", c.Defaults.Spender); err != nil {
			return err
		}
	}
	if c.Defaults.InterestBps > MaxInterestBps {
		return invalid("defaults.interest_bps", fmt.Sprintf("利率 %d bps 超过上限 %d", c.Defaults.InterestBps, MaxInterestBps))
	}
	if c.Defaults.Duration <= 0 {
		return invalid("defaults.duration", "借款期限必须大于 0")
	}
	if c.Tx.ConfirmTimeout < 0 {
		return invalid("tx.confirm_timeout", "确认超时不能为负数")
	}

	switch c.Storage.Journal.Driver {
	case "memory", "none":
	case "mysql":
		if strings.TrimSpace(c.Storage.Journal.DSN) == "" {
			return invalid("storage.journal.dsn", "mysql 交易日志需要 dsn")
		}
	default:
		return invalid("storage.journal.driver", "未知的交易日志驱动 "+c.Storage.Journal.Driver)
	}

	switch c.Storage.JobStore.Driver {
	case "memory":
	case "mysql":
		if strings.TrimSpace(c.Storage.JobStore.DSN) == "" {
			return invalid("storage.job_store.dsn", "mysql 任务存储需要 dsn")
		}
	default:
		return invalid("storage.job_store.driver", "未知的任务存储驱动 "+c.Storage.JobStore.Driver)
	}

	switch c.TaskQueue.Driver {
	case "memory":
	case "redis":
		if strings.TrimSpace(c.TaskQueue.Redis.Addr) == "" {
			return invalid("task_queue.redis.addr", "redis 队列需要地址")
		}
	case "rabbitmq":
		if strings.TrimSpace(c.TaskQueue.RabbitMQ.URL) == "" {
			return invalid("task_queue.rabbitmq.url", "rabbitmq 队列需要连接地址")
		}
	default:
		return invalid("task_queue.driver", "未知的任务队列驱动 "+c.TaskQueue.Driver)
	}

	switch strings.ToLower(c.Server.Auth.Mode) {
	case "disabled":
	case "token":
		if len(c.Server.Auth.Tokens) == 0 {
			return invalid("server.auth.tokens", "token 认证模式至少需要一个令牌")
		}
		for i, token := range c.Server.Auth.Tokens {
			if strings.TrimSpace(token.SecretEnv) == "" && strings.TrimSpace(token.SHA256) == "" {
				return invalid(fmt.Sprintf("server.auth.tokens[%d]", i), "令牌需要 secret_env 或 sha256")
			}
		}
	default:
		return invalid("server.auth.mode", "未知的认证模式 "+c.Server.Auth.Mode)
	}

	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		return invalid("log.format", "日志格式只支持 text 或 json")
	}
	return nil
}

// TokenAddress 返回校验后的代币地址。
func (c *Config) TokenAddress() (common.Address, error) {
	return parseAddress("contracts.token_address", c.Contracts.TokenAddress)
}

// RequireLendingAddress 返回借贷合约地址；未配置、仍为占位符、零地址或格式错误时
// 返回 CONFIG_INVALID。
func (c *Config) RequireLendingAddress() (common.Address, error) {
	addr := strings.TrimSpace(c.Contracts.LendingAddress)
	if addr == "" || addr == LendingAddressPlaceholder {
		return common.Address{}, invalid("contracts.lending_address",
			"借贷合约地址未配置，请先部署并设置 contracts.lending_address")
	}
	parsed, err := parseAddress("contracts.lending_address", addr)
	if err != nil {
		return common.Address{}, err
	}
	if parsed == (common.Address{}) {
		return common.Address{}, invalid("contracts.lending_address", "借贷合约地址不能为零地址")
	}
	return parsed, nil
}

// SpenderAddress 返回 approve 的默认授权对象：defaults.spender，未配置时为
// 借贷合约地址。
func (c *Config) SpenderAddress() (common.Address, error) {
	if strings.TrimSpace(c.Defaults.Spender) != "" {
		return parseAddress("defaults.spender", c.Defaults.Spender)
	}
	return c.RequireLendingAddress()
}

func parseAddress(field, value string) (common.Address, error) {
	value = strings.TrimSpace(value)
	if !common.IsHexAddress(value) {
		return common.Address{}, invalid(field, fmt.Sprintf("%q 不是合法的地址", value))
	}
	return common.HexToAddress(value), nil
}

func invalid(field, message string) error {
	return xerrors.New(xerrors.CodeConfigInvalid, message, xerrors.WithMetadata("field", field))
}
