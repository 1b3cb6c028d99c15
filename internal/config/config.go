package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"THA-AgentHub/pkg/logger"
)

// EnvConfigPath 是指定配置文件路径的环境变量。
const EnvConfigPath = "THA_CONFIG"

// Config 描述 Agent Hub 在启动阶段需要加载的核心配置。
type Config struct {
	Server   ServerConfig   `json:"server" toml:"server" yaml:"server"`
	Metrics  MetricsConfig  `json:"metrics" toml:"metrics" yaml:"metrics"`
	Logging  logger.Config  `json:"logging" toml:"logging" yaml:"logging"`
	Registry RegistryConfig `json:"registry" toml:"registry" yaml:"registry"`
	Storage  StorageConfig  `json:"storage" toml:"storage" yaml:"storage"`
	Escrow   EscrowConfig   `json:"escrow" toml:"escrow" yaml:"escrow"`
	Verifier VerifierConfig `json:"verifier" toml:"verifier" yaml:"verifier"`
	Dispatch DispatchConfig `json:"dispatch" toml:"dispatch" yaml:"dispatch"`
	Alerting AlertingConfig `json:"alerting" toml:"alerting" yaml:"alerting"`
	Runtime  RuntimeConfig  `json:"runtime" toml:"runtime" yaml:"runtime"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address         string   `json:"address" toml:"address" yaml:"address"`
	AdminToken      string   `json:"admin_token" toml:"admin_token" yaml:"admin_token"`
	ShutdownTimeout Duration `json:"shutdown_timeout" toml:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// MetricsConfig 控制 prometheus 指标的暴露方式。
type MetricsConfig struct {
	Enabled bool   `json:"enabled" toml:"enabled" yaml:"enabled"`
	Path    string `json:"path" toml:"path" yaml:"path"`
}

// RegistryConfig 指定启动时加载的 agent 种子文件。
type RegistryConfig struct {
	SeedFile string `json:"seed_file" toml:"seed_file" yaml:"seed_file"`
}

// StorageConfig 描述任务状态存储。
type StorageConfig struct {
	JobStore JobStoreConfig `json:"job_store" toml:"job_store" yaml:"job_store"`
}

// JobStoreConfig 支持 memory、mysql、sqlite 三种驱动。
type JobStoreConfig struct {
	Driver          string   `json:"driver" toml:"driver" yaml:"driver"`
	DSN             string   `json:"dsn" toml:"dsn" yaml:"dsn"`
	MaxOpenConns    int      `json:"max_open_conns" toml:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns    int      `json:"max_idle_conns" toml:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetime Duration `json:"conn_max_lifetime" toml:"conn_max_lifetime" yaml:"conn_max_lifetime"`
	AutoMigrate     *bool    `json:"auto_migrate" toml:"auto_migrate" yaml:"auto_migrate"`
}

// EscrowConfig 定义托管协议的各个时间窗口。
type EscrowConfig struct {
	GracePeriod      Duration `json:"grace_period" toml:"grace_period" yaml:"grace_period"`
	ExecutionSLA     Duration `json:"execution_sla" toml:"execution_sla" yaml:"execution_sla"`
	DisputeWindow    Duration `json:"dispute_window" toml:"dispute_window" yaml:"dispute_window"`
	MinConfirmations int      `json:"min_confirmations" toml:"min_confirmations" yaml:"min_confirmations"`
}

// VerifierConfig 控制支付轮询与链上查询方式。
type VerifierConfig struct {
	Lookup              string        `json:"lookup" toml:"lookup" yaml:"lookup"`
	PollInterval        Duration      `json:"poll_interval" toml:"poll_interval" yaml:"poll_interval"`
	LookupTimeout       Duration      `json:"lookup_timeout" toml:"lookup_timeout" yaml:"lookup_timeout"`
	MaxLookupsPerSecond float64       `json:"max_lookups_per_second" toml:"max_lookups_per_second" yaml:"max_lookups_per_second"`
	Indexer             IndexerConfig `json:"indexer" toml:"indexer" yaml:"indexer"`
	EVM                 EVMConfig     `json:"evm" toml:"evm" yaml:"evm"`
}

// IndexerConfig 描述 HTTP 索引服务。
type IndexerConfig struct {
	BaseURL string `json:"base_url" toml:"base_url" yaml:"base_url"`
	APIKey  string `json:"api_key" toml:"api_key" yaml:"api_key"`
}

// EVMConfig 描述 EVM 托管合约的访问信息。
type EVMConfig struct {
	RPCURL          string `json:"rpc_url" toml:"rpc_url" yaml:"rpc_url"`
	ContractAddress string `json:"contract_address" toml:"contract_address" yaml:"contract_address"`
	// Unit 是合约锁定金额的计价单位，必须与 agent 报价单位一致，例如 "wei"。
	Unit string `json:"unit" toml:"unit" yaml:"unit"`
	// LookbackBlocks 限制 FilterLogs 的起始区块，0 表示从创世块开始。
	LookbackBlocks uint64 `json:"lookback_blocks" toml:"lookback_blocks" yaml:"lookback_blocks"`
}

// DispatchConfig 控制向 agent 后端派发任务的行为。
type DispatchConfig struct {
	MaxAttempts int         `json:"max_attempts" toml:"max_attempts" yaml:"max_attempts"`
	BackoffBase Duration    `json:"backoff_base" toml:"backoff_base" yaml:"backoff_base"`
	BackoffMax  Duration    `json:"backoff_max" toml:"backoff_max" yaml:"backoff_max"`
	CallTimeout Duration    `json:"call_timeout" toml:"call_timeout" yaml:"call_timeout"`
	Concurrency int         `json:"concurrency" toml:"concurrency" yaml:"concurrency"`
	Workers     int         `json:"workers" toml:"workers" yaml:"workers"`
	GuardTTL    Duration    `json:"guard_ttl" toml:"guard_ttl" yaml:"guard_ttl"`
	Queue       QueueConfig `json:"queue" toml:"queue" yaml:"queue"`
	Guard       GuardConfig `json:"guard" toml:"guard" yaml:"guard"`
}

// QueueConfig 选择派发队列的实现。
type QueueConfig struct {
	Driver   string         `json:"driver" toml:"driver" yaml:"driver"`
	Buffer   int            `json:"buffer" toml:"buffer" yaml:"buffer"`
	Redis    RedisConfig    `json:"redis" toml:"redis" yaml:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq" toml:"rabbitmq" yaml:"rabbitmq"`
}

// GuardConfig 选择派发去重守卫的实现。
type GuardConfig struct {
	Driver string      `json:"driver" toml:"driver" yaml:"driver"`
	Redis  RedisConfig `json:"redis" toml:"redis" yaml:"redis"`
}

// RedisConfig 是 Redis 连接参数。
type RedisConfig struct {
	Address  string `json:"address" toml:"address" yaml:"address"`
	Password string `json:"password" toml:"password" yaml:"password"`
	DB       int    `json:"db" toml:"db" yaml:"db"`
	Key      string `json:"key" toml:"key" yaml:"key"`
}

// RabbitMQConfig 是 RabbitMQ 连接参数。
type RabbitMQConfig struct {
	URL      string `json:"url" toml:"url" yaml:"url"`
	Queue    string `json:"queue" toml:"queue" yaml:"queue"`
	Prefetch int    `json:"prefetch" toml:"prefetch" yaml:"prefetch"`
}

// AlertingConfig 配置告警通知渠道。
type AlertingConfig struct {
	WebhookURL string `json:"webhook_url" toml:"webhook_url" yaml:"webhook_url"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir" toml:"data_dir" yaml:"data_dir"`
}

// Duration 支持在三种配置格式中以 "15s"、"20m" 这样的字符串书写时长。
type Duration time.Duration

// Std 返回标准库时长。
func (d Duration) Std() time.Duration { return time.Duration(d) }

// MarshalText 实现 encoding.TextMarshaler。
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// UnmarshalText 实现 encoding.TextUnmarshaler。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("无法解析时长 %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Load 根据文件扩展名解析 JSON、TOML 或 YAML 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(content), &cfg); err != nil {
			return nil, fmt.Errorf("解析 TOML 配置失败: %w", err)
		}
	case ".yaml", ".yml":
		decoder := yaml.NewDecoder(bytes.NewReader(content))
		decoder.KnownFields(true)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, fmt.Errorf("解析 YAML 配置失败: %w", err)
		}
	case ".json", "":
		decoder := json.NewDecoder(bytes.NewReader(content))
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&cfg); err != nil {
			return nil, fmt.Errorf("解析配置失败: %w", err)
		}
	default:
		return nil, fmt.Errorf("不支持的配置文件格式: %s", filepath.Ext(path))
	}

	cfg.applyDefaults(filepath.Dir(path))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default 返回未读取任何文件时的默认配置。
func Default(baseDir string) *Config {
	var cfg Config
	cfg.applyDefaults(baseDir)
	return &cfg
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = Duration(5 * time.Second)
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Audit.Path != "" && !filepath.IsAbs(c.Logging.Audit.Path) {
		c.Logging.Audit.Path = filepath.Join(baseDir, c.Logging.Audit.Path)
	}

	if c.Registry.SeedFile != "" && !filepath.IsAbs(c.Registry.SeedFile) {
		c.Registry.SeedFile = filepath.Join(baseDir, c.Registry.SeedFile)
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}

	store := &c.Storage.JobStore
	if store.Driver == "" {
		store.Driver = "memory"
	}
	store.Driver = strings.ToLower(store.Driver)
	if store.Driver == "sqlite" && store.DSN == "" {
		store.DSN = filepath.Join(c.Runtime.DataDir, "agenthub.db")
	}
	if store.MaxOpenConns == 0 {
		store.MaxOpenConns = 10
	}
	if store.MaxIdleConns == 0 {
		store.MaxIdleConns = 5
	}
	if store.ConnMaxLifetime == 0 {
		store.ConnMaxLifetime = Duration(30 * time.Minute)
	}

	if c.Escrow.GracePeriod == 0 {
		c.Escrow.GracePeriod = Duration(20 * time.Minute)
	}
	if c.Escrow.ExecutionSLA == 0 {
		c.Escrow.ExecutionSLA = Duration(60 * time.Minute)
	}
	if c.Escrow.DisputeWindow == 0 {
		c.Escrow.DisputeWindow = Duration(6 * time.Hour)
	}
	if c.Escrow.MinConfirmations == 0 {
		c.Escrow.MinConfirmations = 1
	}

	if c.Verifier.Lookup == "" {
		c.Verifier.Lookup = "indexer"
	}
	c.Verifier.Lookup = strings.ToLower(c.Verifier.Lookup)
	if c.Verifier.PollInterval == 0 {
		c.Verifier.PollInterval = Duration(15 * time.Second)
	}
	if c.Verifier.LookupTimeout == 0 {
		c.Verifier.LookupTimeout = Duration(10 * time.Second)
	}

	d := &c.Dispatch
	if d.MaxAttempts == 0 {
		d.MaxAttempts = 3
	}
	if d.BackoffBase == 0 {
		d.BackoffBase = Duration(2 * time.Second)
	}
	if d.BackoffMax == 0 {
		d.BackoffMax = Duration(30 * time.Second)
	}
	if d.CallTimeout == 0 {
		d.CallTimeout = Duration(60 * time.Second)
	}
	if d.Concurrency == 0 {
		d.Concurrency = 8
	}
	// 退避等待会占用消费协程，协程数需高于调用并发，由信号量限制并发调用。
	if d.Workers == 0 {
		d.Workers = 4 * d.Concurrency
	}
	if d.GuardTTL == 0 {
		d.GuardTTL = Duration(24 * time.Hour)
	}
	if d.Queue.Driver == "" {
		d.Queue.Driver = "memory"
	}
	d.Queue.Driver = strings.ToLower(d.Queue.Driver)
	if d.Queue.Buffer == 0 {
		d.Queue.Buffer = 128
	}
	if d.Queue.Redis.Key == "" {
		d.Queue.Redis.Key = "agenthub:dispatch"
	}
	if d.Queue.RabbitMQ.Queue == "" {
		d.Queue.RabbitMQ.Queue = "agenthub.dispatch"
	}
	if d.Queue.RabbitMQ.Prefetch == 0 {
		d.Queue.RabbitMQ.Prefetch = d.Workers
	}
	if d.Guard.Driver == "" {
		d.Guard.Driver = "memory"
	}
	d.Guard.Driver = strings.ToLower(d.Guard.Driver)
	if d.Guard.Redis.Key == "" {
		d.Guard.Redis.Key = "agenthub:dispatched"
	}
}

// Validate 检查配置的取值是否自洽。
func (c *Config) Validate() error {
	var errs []error

	switch c.Storage.JobStore.Driver {
	case "memory":
	case "mysql", "sqlite":
		if c.Storage.JobStore.DSN == "" {
			errs = append(errs, fmt.Errorf("storage.job_store.dsn 不能为空 (driver=%s)", c.Storage.JobStore.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("不支持的任务存储驱动: %s", c.Storage.JobStore.Driver))
	}

	if c.Escrow.GracePeriod <= 0 || c.Escrow.ExecutionSLA <= 0 || c.Escrow.DisputeWindow <= 0 {
		errs = append(errs, errors.New("escrow 的时间窗口必须为正数"))
	}
	if c.Escrow.MinConfirmations < 0 {
		errs = append(errs, errors.New("escrow.min_confirmations 不能为负数"))
	}

	switch c.Verifier.Lookup {
	case "indexer":
		if c.Verifier.Indexer.BaseURL == "" {
			errs = append(errs, errors.New("verifier.indexer.base_url 不能为空"))
		}
	case "evm":
		if c.Verifier.EVM.RPCURL == "" || c.Verifier.EVM.ContractAddress == "" || strings.TrimSpace(c.Verifier.EVM.Unit) == "" {
			errs = append(errs, errors.New("verifier.evm 需要 rpc_url、contract_address 与 unit"))
		}
	case "none":
	default:
		errs = append(errs, fmt.Errorf("不支持的支付查询方式: %s", c.Verifier.Lookup))
	}
	if c.Verifier.PollInterval <= 0 || c.Verifier.LookupTimeout <= 0 {
		errs = append(errs, errors.New("verifier 的轮询间隔与超时必须为正数"))
	}
	if c.Verifier.MaxLookupsPerSecond < 0 {
		errs = append(errs, errors.New("verifier.max_lookups_per_second 不能为负数"))
	}

	d := c.Dispatch
	if d.MaxAttempts < 1 {
		errs = append(errs, errors.New("dispatch.max_attempts 至少为 1"))
	}
	if d.Concurrency < 1 || d.Workers < 1 {
		errs = append(errs, errors.New("dispatch.concurrency 与 dispatch.workers 至少为 1"))
	}
	if d.BackoffBase <= 0 || d.BackoffMax < d.BackoffBase {
		errs = append(errs, errors.New("dispatch.backoff_max 必须不小于 backoff_base"))
	}
	switch d.Queue.Driver {
	case "memory":
	case "redis":
		if d.Queue.Redis.Address == "" {
			errs = append(errs, errors.New("dispatch.queue.redis.address 不能为空"))
		}
	case "rabbitmq":
		if d.Queue.RabbitMQ.URL == "" {
			errs = append(errs, errors.New("dispatch.queue.rabbitmq.url 不能为空"))
		}
	default:
		errs = append(errs, fmt.Errorf("不支持的派发队列驱动: %s", d.Queue.Driver))
	}
	switch d.Guard.Driver {
	case "memory":
	case "redis":
		if d.Guard.Redis.Address == "" {
			errs = append(errs, errors.New("dispatch.guard.redis.address 不能为空"))
		}
	default:
		errs = append(errs, fmt.Errorf("不支持的派发守卫驱动: %s", d.Guard.Driver))
	}

	return errors.Join(errs...)
}
