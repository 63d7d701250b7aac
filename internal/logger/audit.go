package logger

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"gopkg.in/natefinch/lumberjack.v2"

	"synergetic-monitor/internal/config"
)

// 审计动作
const (
	ActionKick   = "kick"
	ActionBan    = "ban"
	ActionReject = "reject"
	ActionPardon = "pardon"
)

// AuditEvent 一次踢出/封禁/拒绝事件
type AuditEvent struct {
	Timestamp  time.Time `json:"timestamp"`
	Action     string    `json:"action"`
	Address    string    `json:"address,omitempty"`
	Token      string    `json:"token,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	Code       int       `json:"code,omitempty"`
	AddrKicks  int64     `json:"addr_kicks,omitempty"`  // 该地址累计踢出次数
	TokenKicks int64     `json:"token_kicks,omitempty"` // 该令牌累计踢出次数
	BanUntil   time.Time `json:"ban_until,omitempty"`   // 仅 ban
	Subject    string    `json:"subject,omitempty"`     // 被封禁的地址或令牌
}

// AuditLogger 审计日志记录器
type AuditLogger struct {
	config    *config.AuditLoggingConfig
	writer    io.Writer
	csvWriter *csv.Writer
	mutex     sync.Mutex
	enabled   bool
}

// NewAuditLogger 创建审计日志记录器
func NewAuditLogger(cfg *config.AuditLoggingConfig) (*AuditLogger, error) {
	if !cfg.Enabled {
		return &AuditLogger{enabled: false}, nil
	}

	// 确保日志目录存在
	logDir := filepath.Dir(cfg.FilePath)
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("创建审计日志目录失败: %w", err)
	}

	fileWriter := &lumberjack.Logger{
		Filename:   cfg.FilePath,
		MaxSize:    cfg.MaxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAge,
		Compress:   cfg.Compress,
	}

	return newAuditLogger(cfg, fileWriter)
}

func newAuditLogger(cfg *config.AuditLoggingConfig, w io.Writer) (*AuditLogger, error) {
	al := &AuditLogger{
		config:  cfg,
		writer:  w,
		enabled: true,
	}

	if strings.ToLower(cfg.Format) == "csv" {
		al.csvWriter = csv.NewWriter(w)
		if err := al.csvWriter.Write([]string{
			"timestamp", "action", "address", "token", "reason",
			"code", "addr_kicks", "token_kicks", "ban_until", "subject",
		}); err != nil {
			return nil, fmt.Errorf("写入CSV表头失败: %w", err)
		}
		al.csvWriter.Flush()
	}

	return al, nil
}

// LogEvent 记录审计事件
func (al *AuditLogger) LogEvent(event *AuditEvent) error {
	if al == nil || !al.enabled {
		return nil
	}

	al.mutex.Lock()
	defer al.mutex.Unlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if al.csvWriter != nil {
		return al.writeCSV(event)
	}
	return al.writeJSON(event)
}

func (al *AuditLogger) writeJSON(event *AuditEvent) error {
	data, err := sonic.Marshal(event)
	if err != nil {
		return fmt.Errorf("序列化审计事件失败: %w", err)
	}

	_, err = al.writer.Write(append(data, '\n'))
	return err
}

func (al *AuditLogger) writeCSV(event *AuditEvent) error {
	var until string
	if !event.BanUntil.IsZero() {
		until = event.BanUntil.Format(time.RFC3339)
	}
	record := []string{
		event.Timestamp.Format(time.RFC3339),
		event.Action,
		event.Address,
		event.Token,
		event.Reason,
		strconv.Itoa(event.Code),
		strconv.FormatInt(event.AddrKicks, 10),
		strconv.FormatInt(event.TokenKicks, 10),
		until,
		event.Subject,
	}

	if err := al.csvWriter.Write(record); err != nil {
		return err
	}

	// 立即刷新到文件
	al.csvWriter.Flush()
	return al.csvWriter.Error()
}

// LogKick 记录踢出，附带地址和令牌各自的累计踢出次数
func (al *AuditLogger) LogKick(address, token, reason string, code int, addrKicks, tokenKicks int64) error {
	return al.LogEvent(&AuditEvent{
		Action:     ActionKick,
		Address:    address,
		Token:      token,
		Reason:     reason,
		Code:       code,
		AddrKicks:  addrKicks,
		TokenKicks: tokenKicks,
	})
}

// LogBan 记录封禁，subject 为被封禁的地址或令牌
func (al *AuditLogger) LogBan(subject, reason string, until time.Time) error {
	return al.LogEvent(&AuditEvent{
		Action:   ActionBan,
		Subject:  subject,
		Reason:   reason,
		BanUntil: until,
	})
}

// LogReject 记录建连时拒绝
func (al *AuditLogger) LogReject(address, reason string, code int) error {
	return al.LogEvent(&AuditEvent{
		Action:  ActionReject,
		Address: address,
		Reason:  reason,
		Code:    code,
	})
}

// LogPardon 记录解除封禁
func (al *AuditLogger) LogPardon(subject string) error {
	return al.LogEvent(&AuditEvent{
		Action:  ActionPardon,
		Subject: subject,
	})
}

// Close 关闭日志记录器
func (al *AuditLogger) Close() error {
	if al == nil || !al.enabled {
		return nil
	}

	al.mutex.Lock()
	defer al.mutex.Unlock()

	if al.csvWriter != nil {
		al.csvWriter.Flush()
	}

	if closer, ok := al.writer.(io.Closer); ok {
		return closer.Close()
	}

	return nil
}

// IsEnabled 检查是否启用
func (al *AuditLogger) IsEnabled() bool {
	return al != nil && al.enabled
}
