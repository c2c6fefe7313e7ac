package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"

	"OpenMCP-Pay/internal/asset"
	"OpenMCP-Pay/pkg/logger"
)

// EnvPath 是覆盖配置文件路径的环境变量。
const EnvPath = "OPENMCP_PAY_CONFIG"

// Config 描述结算服务启动阶段需要加载的全部配置。
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Auth     AuthConfig     `yaml:"auth"`
	Store    StoreConfig    `yaml:"store"`
	Lock     LockConfig     `yaml:"lock"`
	Keeper   KeeperConfig   `yaml:"keeper"`
	Fee      FeeConfig      `yaml:"fee"`
	Custody  CustodyConfig  `yaml:"custody"`
	Assets   []asset.Asset  `yaml:"assets"`
	Chain    ChainConfig    `yaml:"chain"`
	Alerting AlertingConfig `yaml:"alerting"`
	Logging  logger.Config  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address         string        `yaml:"address"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// AuthConfig 控制请求签名校验。mode 为 signature 或 insecure。
type AuthConfig struct {
	Mode    string        `yaml:"mode"`
	MaxSkew time.Duration `yaml:"max_skew"`
}

// Insecure 表示直接信任 X-Caller 头，只用于本地开发。
func (a AuthConfig) Insecure() bool {
	return a.Mode == "insecure"
}

// StoreConfig 选择记录存储后端。
type StoreConfig struct {
	Driver string      `yaml:"driver"`
	MySQL  MySQLConfig `yaml:"mysql"`
	Redis  RedisConfig `yaml:"redis"`
}

// MySQLConfig 描述 MySQL 连接参数。
type MySQLConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// RedisConfig 描述 Redis 连接参数，存储、分布式锁与 keeper 队列共用。
type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// LockConfig 选择实体锁实现。
type LockConfig struct {
	Driver     string        `yaml:"driver"`
	TTL        time.Duration `yaml:"ttl"`
	RetryDelay time.Duration `yaml:"retry_delay"`
}

// KeeperConfig 控制定期付款的扫描与执行。
type KeeperConfig struct {
	Enabled     bool           `yaml:"enabled"`
	Spec        string         `yaml:"spec"`
	Workers     int            `yaml:"workers"`
	Queue       string         `yaml:"queue"`
	MaxAttempts int            `yaml:"max_attempts"`
	Caller      string         `yaml:"caller"`
	RabbitMQ    RabbitMQConfig `yaml:"rabbitmq"`
}

// RabbitMQConfig 描述 RabbitMQ 队列参数。
type RabbitMQConfig struct {
	URL      string `yaml:"url"`
	Queue    string `yaml:"queue"`
	Prefetch int    `yaml:"prefetch"`
	Durable  bool   `yaml:"durable"`
}

// FeeConfig 描述协议费。
type FeeConfig struct {
	RateBps   uint32 `yaml:"rate_bps"`
	Recipient string `yaml:"recipient"`
}

// CustodyConfig 声明付款与托管各自的托管账户，两者必须不同。
type CustodyConfig struct {
	Payments string `yaml:"payments"`
	Escrow   string `yaml:"escrow"`
}

// ChainConfig 指向链定义文件，并把资产绑定到链。
type ChainConfig struct {
	Definitions string            `yaml:"definitions"`
	Assets      map[string]string `yaml:"assets"`
}

// AlertingConfig 配置告警通道。
type AlertingConfig struct {
	WebhookURL string        `yaml:"webhook_url"`
	Timeout    time.Duration `yaml:"timeout"`
}

// MetricsConfig 控制 Prometheus 指标端点。
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// ResolvePath 返回显式路径，为空时读取环境变量。
func ResolvePath(explicit string) string {
	if strings.TrimSpace(explicit) != "" {
		return explicit
	}
	return os.Getenv(EnvPath)
}

// Load 负责解析指定路径的 YAML 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.ReadTimeout <= 0 {
		c.Server.ReadTimeout = 15 * time.Second
	}
	if c.Server.WriteTimeout <= 0 {
		c.Server.WriteTimeout = 30 * time.Second
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}

	if c.Auth.Mode == "" {
		c.Auth.Mode = "signature"
	}
	if c.Auth.MaxSkew <= 0 {
		c.Auth.MaxSkew = 5 * time.Minute
	}

	if c.Store.Driver == "" {
		c.Store.Driver = "memory"
	}
	if c.Store.Redis.Prefix == "" {
		c.Store.Redis.Prefix = "openmcp-pay"
	}
	if c.Lock.Driver == "" {
		c.Lock.Driver = "memory"
	}
	if c.Lock.TTL <= 0 {
		c.Lock.TTL = 30 * time.Second
	}
	if c.Lock.RetryDelay <= 0 {
		c.Lock.RetryDelay = 50 * time.Millisecond
	}

	if c.Keeper.Spec == "" {
		c.Keeper.Spec = "@every 1m"
	}
	if c.Keeper.Workers <= 0 {
		c.Keeper.Workers = 2
	}
	if c.Keeper.Queue == "" {
		c.Keeper.Queue = "memory"
	}
	if c.Keeper.MaxAttempts <= 0 {
		c.Keeper.MaxAttempts = 3
	}

	if c.Alerting.Timeout <= 0 {
		c.Alerting.Timeout = 5 * time.Second
	}
	if c.Metrics.Address == "" {
		c.Metrics.Address = ":9090"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	c.Chain.Definitions = resolve(baseDir, c.Chain.Definitions)
	c.Logging.Audit.Path = resolve(baseDir, c.Logging.Audit.Path)
	for i, out := range c.Logging.OutputPaths {
		if out != "stdout" && out != "stderr" {
			c.Logging.OutputPaths[i] = resolve(baseDir, out)
		}
	}
}

func resolve(baseDir, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(baseDir, path)
}

// Validate 检查互相依赖的字段。
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "memory":
	case "mysql":
		if c.Store.MySQL.DSN == "" {
			return errors.New("store.mysql.dsn 不能为空")
		}
	case "redis":
		if c.Store.Redis.Address == "" {
			return errors.New("store.redis.address 不能为空")
		}
	default:
		return fmt.Errorf("不支持的存储驱动 %s", c.Store.Driver)
	}

	switch c.Lock.Driver {
	case "memory":
	case "redis":
		if c.Store.Redis.Address == "" {
			return errors.New("使用 Redis 锁时必须配置 store.redis.address")
		}
	default:
		return fmt.Errorf("不支持的锁实现 %s", c.Lock.Driver)
	}

	switch c.Keeper.Queue {
	case "memory":
	case "redis":
		if c.Store.Redis.Address == "" {
			return errors.New("使用 Redis 队列时必须配置 store.redis.address")
		}
	case "rabbitmq":
		if c.Keeper.RabbitMQ.URL == "" {
			return errors.New("keeper.rabbitmq.url 不能为空")
		}
	default:
		return fmt.Errorf("不支持的队列实现 %s", c.Keeper.Queue)
	}

	if c.Auth.Mode != "signature" && c.Auth.Mode != "insecure" {
		return fmt.Errorf("不支持的认证模式 %s", c.Auth.Mode)
	}

	payments, err := parseAddress("custody.payments", c.Custody.Payments)
	if err != nil {
		return err
	}
	escrow, err := parseAddress("custody.escrow", c.Custody.Escrow)
	if err != nil {
		return err
	}
	if payments == escrow {
		return errors.New("付款与托管必须使用不同的托管账户")
	}
	if c.Fee.RateBps > 0 {
		if _, err := parseAddress("fee.recipient", c.Fee.Recipient); err != nil {
			return err
		}
	}
	if _, err := asset.NewCatalog(c.Assets...); err != nil {
		return err
	}
	return nil
}

// PaymentsCustody 返回付款托管账户。
func (c *Config) PaymentsCustody() common.Address {
	return common.HexToAddress(c.Custody.Payments)
}

// EscrowCustody 返回托管管理器的托管账户。
func (c *Config) EscrowCustody() common.Address {
	return common.HexToAddress(c.Custody.Escrow)
}

// FeeRecipient 返回协议费收款地址，未配置时为零地址。
func (c *Config) FeeRecipient() common.Address {
	if c.Fee.Recipient == "" {
		return common.Address{}
	}
	return common.HexToAddress(c.Fee.Recipient)
}

// KeeperCaller 返回 keeper 触发定期付款时记录的地址。
func (c *Config) KeeperCaller() common.Address {
	if c.Keeper.Caller == "" {
		return common.Address{}
	}
	return common.HexToAddress(c.Keeper.Caller)
}

func parseAddress(field, value string) (common.Address, error) {
	value = strings.TrimSpace(value)
	if !common.IsHexAddress(value) {
		return common.Address{}, fmt.Errorf("%s 不是合法地址: %q", field, value)
	}
	addr := common.HexToAddress(value)
	if addr == (common.Address{}) {
		return common.Address{}, fmt.Errorf("%s 不能是零地址", field)
	}
	return addr, nil
}
