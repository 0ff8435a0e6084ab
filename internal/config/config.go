package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	xerrors "AgentPulse/internal/errors"
)

// 环境变量
const (
	EnvConfigPath = "PULSE_CONFIG"
	EnvRPCURL     = "PULSE_RPC_URL"

	DefaultPath          = "configs/pulse.yaml"
	DefaultPrivateKeyEnv = "PULSE_PRIVATE_KEY"
)

// Config 描述了守护进程在启动阶段需要加载的全部配置。
type Config struct {
	Server    ServerConfig    `json:"server" yaml:"server"`
	Network   NetworkConfig   `json:"network" yaml:"network"`
	Wallet    WalletConfig    `json:"wallet" yaml:"wallet"`
	Heartbeat HeartbeatConfig `json:"heartbeat" yaml:"heartbeat"`
	Events    EventsConfig    `json:"events" yaml:"events"`
	Logging   LoggingConfig   `json:"logging" yaml:"logging"`
	Alerting  AlertingConfig  `json:"alerting" yaml:"alerting"`
}

// ServerConfig 控制管理 API 的监听地址。
type ServerConfig struct {
	Address string `json:"address" yaml:"address"`
	// MetricsAddress 非空时额外启动独立的 /metrics 监听。
	MetricsAddress string `json:"metrics_address" yaml:"metrics_address"`
}

// NetworkConfig 描述网络 JSON-RPC 端点。
type NetworkConfig struct {
	RPCURL         string `json:"rpc_url" yaml:"rpc_url"`
	Namespace      string `json:"namespace" yaml:"namespace"`
	TimeoutSeconds int    `json:"timeout_seconds" yaml:"timeout_seconds"`
}

// Timeout 返回单次调用超时。
func (n NetworkConfig) Timeout() time.Duration {
	return time.Duration(n.TimeoutSeconds) * time.Second
}

// WalletConfig 描述签名密钥的来源，优先级：private_key > keystore_path > private_key_env。
type WalletConfig struct {
	PrivateKey    string `json:"private_key" yaml:"private_key"`
	PrivateKeyEnv string `json:"private_key_env" yaml:"private_key_env"`
	KeystorePath  string `json:"keystore_path" yaml:"keystore_path"`
	PassphraseEnv string `json:"passphrase_env" yaml:"passphrase_env"`
}

// HeartbeatConfig 控制心跳循环。
type HeartbeatConfig struct {
	IntervalMS         int  `json:"interval_ms" yaml:"interval_ms"`
	InFlightGuard      bool `json:"in_flight_guard" yaml:"in_flight_guard"`
	CallTimeoutSeconds int  `json:"call_timeout_seconds" yaml:"call_timeout_seconds"`
	AlertAfter         int  `json:"alert_after" yaml:"alert_after"`
	// Autostart 为 nil 时视为 true。
	Autostart *bool `json:"autostart" yaml:"autostart"`
}

// Interval 返回心跳周期。
func (h HeartbeatConfig) Interval() time.Duration {
	return time.Duration(h.IntervalMS) * time.Millisecond
}

// CallTimeout 返回单次心跳超时，0 表示不限制。
func (h HeartbeatConfig) CallTimeout() time.Duration {
	return time.Duration(h.CallTimeoutSeconds) * time.Second
}

// AutostartEnabled 报告启动时是否自动开始心跳。
func (h HeartbeatConfig) AutostartEnabled() bool {
	return h.Autostart == nil || *h.Autostart
}

// EventsConfig 选择事件投递驱动。
type EventsConfig struct {
	Driver         string         `json:"driver" yaml:"driver"`
	MemoryCapacity int            `json:"memory_capacity" yaml:"memory_capacity"`
	Redis          RedisConfig    `json:"redis" yaml:"redis"`
	RabbitMQ       RabbitMQConfig `json:"rabbitmq" yaml:"rabbitmq"`
}

// RedisConfig 描述 Redis 事件驱动。
type RedisConfig struct {
	Address  string `json:"address" yaml:"address"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
	Key      string `json:"key" yaml:"key"`
	Channel  string `json:"channel" yaml:"channel"`
	MaxLen   int64  `json:"max_len" yaml:"max_len"`
}

// RabbitMQConfig 描述 RabbitMQ 事件驱动。
type RabbitMQConfig struct {
	URL      string `json:"url" yaml:"url"`
	Exchange string `json:"exchange" yaml:"exchange"`
	Queue    string `json:"queue" yaml:"queue"`
	Durable  bool   `json:"durable" yaml:"durable"`
}

// LoggingConfig 对应 pkg/logger 的配置。
type LoggingConfig struct {
	Level      string      `json:"level" yaml:"level"`
	Format     string      `json:"format" yaml:"format"`
	Outputs    []string    `json:"outputs" yaml:"outputs"`
	AddSource  bool        `json:"add_source" yaml:"add_source"`
	MaxSizeMB  int         `json:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int         `json:"max_backups" yaml:"max_backups"`
	MaxAgeDays int         `json:"max_age_days" yaml:"max_age_days"`
	Compress   bool        `json:"compress" yaml:"compress"`
	Audit      AuditConfig `json:"audit" yaml:"audit"`
}

// AuditConfig 控制审计日志。
type AuditConfig struct {
	Enabled    bool   `json:"enabled" yaml:"enabled"`
	Path       string `json:"path" yaml:"path"`
	MaxSizeMB  int    `json:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `json:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `json:"max_age_days" yaml:"max_age_days"`
	Compress   bool   `json:"compress" yaml:"compress"`
}

// AlertingConfig 描述告警渠道。
type AlertingConfig struct {
	WebhookURL string `json:"webhook_url" yaml:"webhook_url"`
}

// PathFromEnv 返回 PULSE_CONFIG 指定的路径，未设置时为默认路径。
func PathFromEnv() string {
	if p := strings.TrimSpace(os.Getenv(EnvConfigPath)); p != "" {
		return p
	}
	return DefaultPath
}

// Load 解析指定路径的配置文件，按扩展名选择 JSON 或 YAML。
func Load(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "配置文件路径为空")
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "读取配置文件失败")
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(content, &cfg)
	case ".json":
		err = json.Unmarshal(content, &cfg)
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("不支持的配置文件格式: %s", filepath.Ext(path)))
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析配置失败")
	}

	cfg.applyEnv()
	cfg.applyDefaults(filepath.Dir(path))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	if v := strings.TrimSpace(os.Getenv(EnvRPCURL)); v != "" {
		c.Network.RPCURL = v
	}
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	if c.Network.Namespace == "" {
		c.Network.Namespace = "agent"
	}
	if c.Network.TimeoutSeconds <= 0 {
		c.Network.TimeoutSeconds = 15
	}

	if c.Wallet.PrivateKeyEnv == "" {
		c.Wallet.PrivateKeyEnv = DefaultPrivateKeyEnv
	}
	c.Wallet.KeystorePath = resolve(baseDir, c.Wallet.KeystorePath)

	if c.Heartbeat.IntervalMS == 0 {
		c.Heartbeat.IntervalMS = 60_000
	}
	if c.Heartbeat.AlertAfter == 0 {
		c.Heartbeat.AlertAfter = 3
	}

	if c.Events.Driver == "" {
		c.Events.Driver = "none"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	for i, out := range c.Logging.Outputs {
		switch strings.ToLower(out) {
		case "stdout", "stderr":
		default:
			c.Logging.Outputs[i] = resolve(baseDir, out)
		}
	}
	c.Logging.Audit.Path = resolve(baseDir, c.Logging.Audit.Path)
}

// Validate 检查会导致启动失败的配置。
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Network.RPCURL) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "network.rpc_url 不能为空")
	}
	if c.Heartbeat.IntervalMS <= 0 {
		return xerrors.New(xerrors.CodeInvalidArgument,
			fmt.Sprintf("heartbeat.interval_ms 必须大于 0，当前为 %d", c.Heartbeat.IntervalMS))
	}
	switch strings.ToLower(c.Events.Driver) {
	case "none", "memory", "redis", "rabbitmq":
	default:
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("未知的 events.driver: %s", c.Events.Driver))
	}
	if c.Logging.Audit.Enabled && c.Logging.Audit.Path == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "启用审计日志时必须设置 logging.audit.path")
	}
	return nil
}

func resolve(baseDir, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(baseDir, path)
}
