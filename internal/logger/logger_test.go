package logger

import (
	"bytes"
	"encoding/csv"
	"strings"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/rs/zerolog"

	"synergetic-monitor/internal/config"
)

func TestAuditLoggerJSON(t *testing.T) {
	var buf bytes.Buffer
	al, err := newAuditLogger(&config.AuditLoggingConfig{Enabled: true, Format: "json"}, &buf)
	if err != nil {
		t.Fatalf("创建审计日志失败: %v", err)
	}

	if err := al.LogKick("1.2.3.4", "tok", "ResponseTimeout", 4002, 3, 7); err != nil {
		t.Fatalf("写入审计事件失败: %v", err)
	}

	var event AuditEvent
	if err := sonic.Unmarshal(bytes.TrimSpace(buf.Bytes()), &event); err != nil {
		t.Fatalf("解析审计事件失败: %v", err)
	}
	if event.Action != ActionKick || event.Address != "1.2.3.4" || event.Code != 4002 ||
		event.AddrKicks != 3 || event.TokenKicks != 7 {
		t.Errorf("审计事件内容不符: %+v", event)
	}
	if event.Timestamp.IsZero() {
		t.Error("期望自动填充时间戳")
	}
}

func TestAuditLoggerCSV(t *testing.T) {
	var buf bytes.Buffer
	al, err := newAuditLogger(&config.AuditLoggingConfig{Enabled: true, Format: "csv"}, &buf)
	if err != nil {
		t.Fatalf("创建审计日志失败: %v", err)
	}

	until := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	if err := al.LogBan("1.2.3.4", "TooManyKicks", until); err != nil {
		t.Fatalf("写入审计事件失败: %v", err)
	}

	records, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("解析 CSV 失败: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("期望表头加 1 行记录，实际 %d 行", len(records))
	}
	row := records[1]
	if row[1] != ActionBan || row[4] != "TooManyKicks" || row[8] != "2030-01-01T00:00:00Z" || row[9] != "1.2.3.4" {
		t.Errorf("CSV 记录不符: %v", row)
	}
}

func TestSecurityLoggerKickCounts(t *testing.T) {
	var buf bytes.Buffer
	sl := NewSecurityLogger(zerolog.New(&buf))
	sl.LogKick("1.2.3.4", "tok", "RateLimit", 4003, 2, 5)

	var fields map[string]any
	if err := sonic.Unmarshal(bytes.TrimSpace(buf.Bytes()), &fields); err != nil {
		t.Fatalf("解析日志失败: %v", err)
	}
	if fields["addr_kicks"] != float64(2) || fields["token_kicks"] != float64(5) {
		t.Errorf("踢出日志应同时包含地址和令牌的累计次数: %v", fields)
	}
}

func TestAuditLoggerDisabled(t *testing.T) {
	al, err := NewAuditLogger(&config.AuditLoggingConfig{Enabled: false})
	if err != nil {
		t.Fatalf("创建审计日志失败: %v", err)
	}
	if al.IsEnabled() {
		t.Error("期望审计日志未启用")
	}
	if err := al.LogReject("1.2.3.4", "Banned", 1008); err != nil {
		t.Errorf("未启用时写入不应报错: %v", err)
	}

	var nilLogger *AuditLogger
	if err := nilLogger.LogPardon("x"); err != nil {
		t.Errorf("nil 日志器写入不应报错: %v", err)
	}
}

func TestRateLimitedLogger(t *testing.T) {
	var buf bytes.Buffer
	base := zerolog.New(&buf).Level(zerolog.InfoLevel)
	rl := NewRateLimitedLogger(base, time.Hour)

	for i := 0; i < 5; i++ {
		rl.Warn("same").Msg("重复消息")
	}

	if got := strings.Count(buf.String(), "重复消息"); got != 1 {
		t.Errorf("期望只输出 1 条，实际 %d 条", got)
	}
	if got := rl.skipCount.Load(); got != 4 {
		t.Errorf("期望跳过 4 条，实际 %d 条", got)
	}
}

func TestConnectionLoggerWithToken(t *testing.T) {
	var buf bytes.Buffer
	cl := NewConnectionLogger(zerolog.New(&buf), "c1", "1.2.3.4")
	cl.WithToken("tok")
	cl.Warn().Msg("x")

	out := buf.String()
	for _, want := range []string{`"conn_id":"c1"`, `"remote_ip":"1.2.3.4"`, `"token":"tok"`} {
		if !strings.Contains(out, want) {
			t.Errorf("期望日志包含 %s，实际 %s", want, out)
		}
	}
}

func TestSetupInvalidLevel(t *testing.T) {
	cfg := config.Default()
	cfg.Logging.Level = "loud"
	if _, err := Setup(cfg); err == nil {
		t.Error("期望无效日志级别报错")
	}
}
