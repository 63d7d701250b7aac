package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	// 创建临时配置文件
	configContent := `
server:
  host: "127.0.0.1"
  port: 8282
  path: "/labour"
  max_connections: 1000

rate_limit:
  interval: "5s"
  max_burst: 4

guard:
  kick_count: 3
  ban_time: "1h"
  whitelist: ["10.0.0.1"]

store:
  driver: "sqlite"
  sqlite:
    path: "/tmp/guard.db"

pool:
  source: "https://example.com/rooms.json"
`

	// 写入临时文件
	tmpFile, err := os.CreateTemp("", "config_test_*.yml")
	if err != nil {
		t.Fatalf("创建临时文件失败: %v", err)
	}
	defer os.Remove(tmpFile.Name())

	if _, err := tmpFile.WriteString(configContent); err != nil {
		t.Fatalf("写入临时文件失败: %v", err)
	}
	tmpFile.Close()

	// 加载配置
	cfg, err := Load(tmpFile.Name())
	if err != nil {
		t.Fatalf("加载配置失败: %v", err)
	}

	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("期望 host 为 '127.0.0.1'，实际为 '%s'", cfg.Server.Host)
	}

	if cfg.Server.Port != 8282 {
		t.Errorf("期望 port 为 8282，实际为 %d", cfg.Server.Port)
	}

	if cfg.Server.Path != "/labour" {
		t.Errorf("期望 path 为 '/labour'，实际为 '%s'", cfg.Server.Path)
	}

	if cfg.RateLimit.Interval != 5*time.Second {
		t.Errorf("期望 interval 为 5s，实际为 %v", cfg.RateLimit.Interval)
	}

	if cfg.RateLimit.ResponseTimeout() != 10*time.Second {
		t.Errorf("期望响应期限为 10s，实际为 %v", cfg.RateLimit.ResponseTimeout())
	}

	if cfg.RateLimit.HeartbeatTimeout() != 20*time.Second {
		t.Errorf("期望心跳期限为 20s，实际为 %v", cfg.RateLimit.HeartbeatTimeout())
	}

	if cfg.Guard.KickCount != 3 || cfg.Guard.BanTime != time.Hour {
		t.Errorf("guard 配置不符: %+v", cfg.Guard)
	}

	if len(cfg.Guard.Whitelist) != 1 || cfg.Guard.Whitelist[0] != "10.0.0.1" {
		t.Errorf("期望白名单为 [10.0.0.1]，实际为 %v", cfg.Guard.Whitelist)
	}

	if cfg.Store.Driver != "sqlite" || cfg.Store.SQLite.Path != "/tmp/guard.db" {
		t.Errorf("store 配置不符: %+v", cfg.Store)
	}

	// 未配置的字段取默认值
	if cfg.Guard.KickRecordTTL != 24*time.Hour {
		t.Errorf("期望 kick_record_ttl 默认为 24h，实际为 %v", cfg.Guard.KickRecordTTL)
	}

	if cfg.Pool.MaxAssign != 100 {
		t.Errorf("期望 max_assign 默认为 100，实际为 %d", cfg.Pool.MaxAssign)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/config.yml")
	if err == nil {
		t.Fatal("期望读取不存在的文件时报错")
	}
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("错误应包装 os.ErrNotExist，实际为 %v", err)
	}
}

func TestLoadTOML(t *testing.T) {
	configContent := `
[server]
host = "127.0.0.1"
port = 9191
real_ip_header = "X-Real-IP"

[rate_limit]
interval = "2s"
max_burst = 3

[guard]
kick_count = 5
whitelist = ["10.0.0.2"]

[store]
driver = "redis"

[store.redis]
addr = "127.0.0.1:6380"
`
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(configContent), 0644); err != nil {
		t.Fatalf("写入配置文件失败: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("加载 TOML 配置失败: %v", err)
	}

	if cfg.Server.Port != 9191 || cfg.Server.RealIPHeader != "X-Real-IP" {
		t.Errorf("server 段解析错误: %+v", cfg.Server)
	}
	if cfg.RateLimit.Interval != 2*time.Second || cfg.RateLimit.MaxBurst != 3 {
		t.Errorf("rate_limit 段解析错误: %+v", cfg.RateLimit)
	}
	if cfg.Guard.KickCount != 5 || len(cfg.Guard.Whitelist) != 1 {
		t.Errorf("guard 段解析错误: %+v", cfg.Guard)
	}
	if cfg.Store.Driver != "redis" || cfg.Store.Redis.Addr != "127.0.0.1:6380" {
		t.Errorf("store 段解析错误: %+v", cfg.Store)
	}
	if cfg.Server.Path != "/" {
		t.Errorf("未配置的字段应取默认值，path 为 %q", cfg.Server.Path)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"有效配置", func(*Config) {}, false},
		{"无效端口", func(c *Config) { c.Server.Port = 70000 }, true},
		{"限流突发为负", func(c *Config) { c.RateLimit.MaxBurst = -1 }, true},
		{"踢出次数为负", func(c *Config) { c.Guard.KickCount = -1 }, true},
		{"未知存储驱动", func(c *Config) { c.Store.Driver = "etcd" }, true},
		{"未知审计格式", func(c *Config) { c.AuditLogging.Format = "xml" }, true},
		{"清理间隔为负", func(c *Config) { c.AcceptLimit.CleanupInterval = -time.Second }, true},
		{"刷新间隔为负", func(c *Config) { c.Pool.RefreshInterval = -time.Minute }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := validate(cfg)
			if (err != nil) != tt.wantErr {
				t.Errorf("validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadRejectsNegativeIntervals(t *testing.T) {
	configContent := `
accept_limit:
  cleanup_interval: "-1s"
pool:
  refresh_interval: "-10m"
`
	path := filepath.Join(t.TempDir(), "config.yml")
	if err := os.WriteFile(path, []byte(configContent), 0644); err != nil {
		t.Fatalf("写入配置文件失败: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Error("期望负的间隔在加载时被拒绝")
	}
}

func TestGetAddress(t *testing.T) {
	cfg := &Config{
		Server: ServerConfig{
			Host: "192.168.1.100",
			Port: 8181,
		},
	}

	expected := "192.168.1.100:8181"
	actual := cfg.GetAddress()

	if actual != expected {
		t.Errorf("期望地址为 '%s'，实际为 '%s'", expected, actual)
	}
}

func TestSetDefaults(t *testing.T) {
	cfg := &Config{}
	setDefaults(cfg)

	if cfg.Server.Host != "0.0.0.0" {
		t.Errorf("期望默认 host 为 '0.0.0.0'，实际为 '%s'", cfg.Server.Host)
	}

	if cfg.Server.Port != 8181 {
		t.Errorf("期望默认 port 为 8181，实际为 %d", cfg.Server.Port)
	}

	if cfg.RateLimit.Interval != 10*time.Second || cfg.RateLimit.MaxBurst != 6 {
		t.Errorf("期望默认限流为 10s/6，实际为 %v/%d", cfg.RateLimit.Interval, cfg.RateLimit.MaxBurst)
	}

	if cfg.Guard.KickCount != 10 || cfg.Guard.BanTime != 24*time.Hour {
		t.Errorf("期望默认 guard 为 10 次/24h，实际为 %d/%v", cfg.Guard.KickCount, cfg.Guard.BanTime)
	}

	if cfg.Store.Driver != "memory" {
		t.Errorf("期望默认存储驱动为 memory，实际为 '%s'", cfg.Store.Driver)
	}
}
