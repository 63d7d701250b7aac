package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config 主配置结构
type Config struct {
	Server       ServerConfig       `yaml:"server" toml:"server"`
	RateLimit    RateLimitConfig    `yaml:"rate_limit" toml:"rate_limit"`
	AcceptLimit  AcceptLimitConfig  `yaml:"accept_limit" toml:"accept_limit"`
	Guard        GuardConfig        `yaml:"guard" toml:"guard"`
	Tokens       TokensConfig       `yaml:"tokens" toml:"tokens"`
	Pool         PoolConfig         `yaml:"pool" toml:"pool"`
	Store        StoreConfig        `yaml:"store" toml:"store"`
	Logging      LoggingConfig      `yaml:"logging" toml:"logging"`
	AuditLogging AuditLoggingConfig `yaml:"audit_logging" toml:"audit_logging"`
	Monitoring   MonitoringConfig   `yaml:"monitoring" toml:"monitoring"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	Host             string        `yaml:"host" toml:"host"`
	Port             int           `yaml:"port" toml:"port"`
	Path             string        `yaml:"path" toml:"path"`
	MaxConnections   int           `yaml:"max_connections" toml:"max_connections"`
	ReadBufferSize   int           `yaml:"read_buffer_size" toml:"read_buffer_size"`
	WriteBufferSize  int           `yaml:"write_buffer_size" toml:"write_buffer_size"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout" toml:"handshake_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout" toml:"write_timeout"`
	RealIPHeader     string        `yaml:"real_ip_header" toml:"real_ip_header"` // 反向代理下读取真实 IP 的请求头，如 X-Real-IP
}

// RateLimitConfig 会话限流配置
type RateLimitConfig struct {
	Interval time.Duration `yaml:"interval" toml:"interval"`
	MaxBurst int           `yaml:"max_burst" toml:"max_burst"`
}

// ResponseTimeout 等待客户端响应的期限
func (c RateLimitConfig) ResponseTimeout() time.Duration {
	return 2 * c.Interval
}

// HeartbeatTimeout 两次消息之间允许的最长间隔
func (c RateLimitConfig) HeartbeatTimeout() time.Duration {
	return c.Interval * time.Duration(c.MaxBurst)
}

// AcceptLimitConfig 建连限流配置
type AcceptLimitConfig struct {
	IPLimit         int           `yaml:"ip_limit" toml:"ip_limit"`
	GlobalLimit     int           `yaml:"global_limit" toml:"global_limit"`
	CleanupInterval time.Duration `yaml:"cleanup_interval" toml:"cleanup_interval"`
}

// GuardConfig 踢出与封禁配置
type GuardConfig struct {
	KickCount     int           `yaml:"kick_count" toml:"kick_count"`
	BanTime       time.Duration `yaml:"ban_time" toml:"ban_time"`
	KickRecordTTL time.Duration `yaml:"kick_record_ttl" toml:"kick_record_ttl"`
	Whitelist     []string      `yaml:"whitelist" toml:"whitelist"` // 地址或令牌
}

// TokensConfig 各身份类别的令牌文件，每行一个令牌，留空表示不校验
type TokensConfig struct {
	Client string `yaml:"client" toml:"client"`
	Server string `yaml:"server" toml:"server"`
	Admin  string `yaml:"admin" toml:"admin"`
}

// PoolConfig 房间池配置
type PoolConfig struct {
	Size            int           `yaml:"size" toml:"size"`
	MaxAssign       int           `yaml:"max_assign" toml:"max_assign"`
	Source          string        `yaml:"source" toml:"source"` // 文件路径或 http(s) 地址
	RefreshInterval time.Duration `yaml:"refresh_interval" toml:"refresh_interval"`
	Timeout         time.Duration `yaml:"timeout" toml:"timeout"`
}

// StoreConfig 存储配置
type StoreConfig struct {
	Driver string       `yaml:"driver" toml:"driver"` // memory, redis, sqlite
	Redis  RedisConfig  `yaml:"redis" toml:"redis"`
	SQLite SQLiteConfig `yaml:"sqlite" toml:"sqlite"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	Addr     string        `yaml:"addr" toml:"addr"`
	Password string        `yaml:"password" toml:"password"`
	DB       int           `yaml:"db" toml:"db"`
	Timeout  time.Duration `yaml:"timeout" toml:"timeout"`
	Prefix   string        `yaml:"prefix" toml:"prefix"`
}

// SQLiteConfig SQLite 配置
type SQLiteConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// LoggingConfig 日志配置
type LoggingConfig struct {
	Level      string `yaml:"level" toml:"level"`
	Format     string `yaml:"format" toml:"format"`
	Output     string `yaml:"output" toml:"output"`
	FilePath   string `yaml:"file_path" toml:"file_path"`
	MaxSize    int    `yaml:"max_size" toml:"max_size"`
	MaxBackups int    `yaml:"max_backups" toml:"max_backups"`
	MaxAge     int    `yaml:"max_age" toml:"max_age"`
	Compress   bool   `yaml:"compress" toml:"compress"`
}

// AuditLoggingConfig 踢出/封禁审计日志配置
type AuditLoggingConfig struct {
	Enabled    bool   `yaml:"enabled" toml:"enabled"`
	FilePath   string `yaml:"file_path" toml:"file_path"`
	MaxSize    int    `yaml:"max_size" toml:"max_size"`
	MaxBackups int    `yaml:"max_backups" toml:"max_backups"`
	MaxAge     int    `yaml:"max_age" toml:"max_age"`
	Compress   bool   `yaml:"compress" toml:"compress"`
	Format     string `yaml:"format" toml:"format"` // json, csv
}

// MonitoringConfig 监控配置
type MonitoringConfig struct {
	StatsInterval time.Duration `yaml:"stats_interval" toml:"stats_interval"`
}

// Load 从文件加载配置，.toml 扩展名按 TOML 解析，其余按 YAML 解析
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var config Config
	if strings.EqualFold(filepath.Ext(configPath), ".toml") {
		err = toml.Unmarshal(data, &config)
	} else {
		err = yaml.Unmarshal(data, &config)
	}
	if err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	// 设置默认值
	setDefaults(&config)

	// 验证配置
	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("配置验证失败: %w", err)
	}

	return &config, nil
}

// Default 返回全部取默认值的配置，用于没有配置文件时启动
func Default() *Config {
	var config Config
	setDefaults(&config)
	return &config
}

// setDefaults 设置默认值
func setDefaults(config *Config) {
	if config.Server.Host == "" {
		config.Server.Host = "0.0.0.0"
	}
	if config.Server.Port == 0 {
		config.Server.Port = 8181
	}
	if config.Server.Path == "" {
		config.Server.Path = "/"
	}
	if config.Server.MaxConnections == 0 {
		config.Server.MaxConnections = 10000
	}
	if config.Server.ReadBufferSize == 0 {
		config.Server.ReadBufferSize = 4096
	}
	if config.Server.WriteBufferSize == 0 {
		config.Server.WriteBufferSize = 4096
	}
	if config.Server.HandshakeTimeout == 0 {
		config.Server.HandshakeTimeout = 10 * time.Second
	}
	if config.Server.WriteTimeout == 0 {
		config.Server.WriteTimeout = 10 * time.Second
	}

	if config.RateLimit.Interval == 0 {
		config.RateLimit.Interval = 10 * time.Second
	}
	if config.RateLimit.MaxBurst == 0 {
		config.RateLimit.MaxBurst = 6
	}

	if config.AcceptLimit.IPLimit == 0 {
		config.AcceptLimit.IPLimit = 5
	}
	if config.AcceptLimit.GlobalLimit == 0 {
		config.AcceptLimit.GlobalLimit = 100
	}
	if config.AcceptLimit.CleanupInterval == 0 {
		config.AcceptLimit.CleanupInterval = time.Minute
	}

	if config.Guard.KickCount == 0 {
		config.Guard.KickCount = 10
	}
	if config.Guard.BanTime == 0 {
		config.Guard.BanTime = 24 * time.Hour
	}
	if config.Guard.KickRecordTTL == 0 {
		config.Guard.KickRecordTTL = 24 * time.Hour
	}

	if config.Pool.Size == 0 {
		config.Pool.Size = 10000
	}
	if config.Pool.MaxAssign == 0 {
		config.Pool.MaxAssign = 100
	}
	if config.Pool.RefreshInterval == 0 {
		config.Pool.RefreshInterval = 10 * time.Minute
	}
	if config.Pool.Timeout == 0 {
		config.Pool.Timeout = 10 * time.Second
	}

	if config.Store.Driver == "" {
		config.Store.Driver = "memory"
	}
	if config.Store.Redis.Addr == "" {
		config.Store.Redis.Addr = "127.0.0.1:6379"
	}
	if config.Store.Redis.Timeout == 0 {
		config.Store.Redis.Timeout = 3 * time.Second
	}
	if config.Store.Redis.Prefix == "" {
		config.Store.Redis.Prefix = "labour:"
	}
	if config.Store.SQLite.Path == "" {
		config.Store.SQLite.Path = "./data/guard.db"
	}

	if config.Logging.Level == "" {
		config.Logging.Level = "info"
	}
	if config.Logging.Format == "" {
		config.Logging.Format = "json"
	}
	if config.Logging.Output == "" {
		config.Logging.Output = "stdout"
	}

	if config.AuditLogging.FilePath == "" {
		config.AuditLogging.FilePath = "./logs/audit.log"
	}
	if config.AuditLogging.Format == "" {
		config.AuditLogging.Format = "json"
	}

	if config.Monitoring.StatsInterval == 0 {
		config.Monitoring.StatsInterval = time.Minute
	}
}

// validate 验证配置
func validate(config *Config) error {
	if config.Server.Port < 1 || config.Server.Port > 65535 {
		return fmt.Errorf("无效的端口号: %d", config.Server.Port)
	}

	if config.Server.MaxConnections < 1 {
		return fmt.Errorf("最大连接数必须大于 0")
	}

	if config.RateLimit.Interval <= 0 {
		return fmt.Errorf("限流间隔必须大于 0")
	}

	if config.RateLimit.MaxBurst < 1 {
		return fmt.Errorf("限流突发值必须大于 0")
	}

	if config.AcceptLimit.IPLimit < 1 {
		return fmt.Errorf("IP 限流值必须大于 0")
	}

	if config.AcceptLimit.GlobalLimit < 1 {
		return fmt.Errorf("全局限流值必须大于 0")
	}

	if config.Guard.KickCount < 1 {
		return fmt.Errorf("封禁所需踢出次数必须大于 0")
	}

	if config.Guard.BanTime <= 0 {
		return fmt.Errorf("封禁时长必须大于 0")
	}

	if config.AcceptLimit.CleanupInterval <= 0 {
		return fmt.Errorf("限流器清理间隔必须大于 0")
	}

	if config.Pool.RefreshInterval <= 0 {
		return fmt.Errorf("房间目录刷新间隔必须大于 0")
	}

	if config.Pool.MaxAssign < 1 {
		return fmt.Errorf("单次分配房间数必须大于 0")
	}

	switch config.Store.Driver {
	case "memory", "redis", "sqlite":
	default:
		return fmt.Errorf("不支持的存储驱动: %s", config.Store.Driver)
	}

	switch config.AuditLogging.Format {
	case "json", "csv":
	default:
		return fmt.Errorf("不支持的审计日志格式: %s", config.AuditLogging.Format)
	}

	return nil
}

// GetAddress 获取监听地址
func (c *Config) GetAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
