package logger

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"

	"synergetic-monitor/internal/config"
)

// Setup 设置日志
func Setup(cfg *config.Config) (zerolog.Logger, error) {
	// 设置日志级别
	level, err := zerolog.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return zerolog.Logger{}, fmt.Errorf("无效的日志级别 '%s': %w", cfg.Logging.Level, err)
	}
	zerolog.SetGlobalLevel(level)

	// 设置时间格式
	zerolog.TimeFieldFormat = time.RFC3339

	// 创建输出写入器
	var writers []io.Writer

	// 根据配置选择输出目标
	switch strings.ToLower(cfg.Logging.Output) {
	case "stdout":
		if cfg.Logging.Format == "console" {
			writers = append(writers, zerolog.ConsoleWriter{
				Out:        os.Stdout,
				TimeFormat: time.RFC3339,
			})
		} else {
			writers = append(writers, os.Stdout)
		}

	case "stderr":
		if cfg.Logging.Format == "console" {
			writers = append(writers, zerolog.ConsoleWriter{
				Out:        os.Stderr,
				TimeFormat: time.RFC3339,
			})
		} else {
			writers = append(writers, os.Stderr)
		}

	case "file":
		// 确保日志目录存在
		logDir := filepath.Dir(cfg.Logging.FilePath)
		if err := os.MkdirAll(logDir, 0755); err != nil {
			return zerolog.Logger{}, fmt.Errorf("创建日志目录失败: %w", err)
		}

		// 配置日志轮转
		fileWriter := &lumberjack.Logger{
			Filename:   cfg.Logging.FilePath,
			MaxSize:    cfg.Logging.MaxSize,
			MaxBackups: cfg.Logging.MaxBackups,
			MaxAge:     cfg.Logging.MaxAge,
			Compress:   cfg.Logging.Compress,
		}
		writers = append(writers, fileWriter)

		// 如果是控制台格式，同时输出到控制台
		if cfg.Logging.Format == "console" {
			writers = append(writers, zerolog.ConsoleWriter{
				Out:        os.Stdout,
				TimeFormat: time.RFC3339,
			})
		}

	default:
		return zerolog.Logger{}, fmt.Errorf("不支持的日志输出类型: %s", cfg.Logging.Output)
	}

	// 创建多写入器
	var writer io.Writer
	if len(writers) == 1 {
		writer = writers[0]
	} else {
		writer = io.MultiWriter(writers...)
	}

	// 创建日志器
	logger := zerolog.New(writer).With().
		Timestamp().
		Str("service", "synergetic-monitor").
		Logger()

	// 设置全局日志器
	log.Logger = logger

	return logger, nil
}

// AttackLogger 建连阶段的异常行为日志记录器
type AttackLogger struct {
	logger   zerolog.Logger
	rejected *RateLimitedLogger
}

// NewAttackLogger 创建攻击日志记录器
func NewAttackLogger(logger zerolog.Logger) *AttackLogger {
	l := logger.With().Str("component", "attack_logger").Logger()
	return &AttackLogger{
		logger:   l,
		rejected: NewRateLimitedLogger(l, 5*time.Second),
	}
}

// LogConnectionRejected 记录建连被拒绝，被封禁的对端常会循环重连，因此限流输出
func (al *AttackLogger) LogConnectionRejected(ip, reason string, code int) {
	al.rejected.Warn("connection_rejected:"+reason).
		Str("event_type", "connection_rejected").
		Str("ip", ip).
		Str("reason", reason).
		Int("code", code).
		Msg("连接被拒绝")
}

// LogRateLimitTriggered 记录建连限流触发
func (al *AttackLogger) LogRateLimitTriggered(ip string, limitType string) {
	al.rejected.Warn("rate_limit:"+limitType).
		Str("event_type", "rate_limit_triggered").
		Str("ip", ip).
		Str("limit_type", limitType).
		Msg("限流触发")
}

// LogProtocolViolation 记录协议违规
func (al *AttackLogger) LogProtocolViolation(ip, token, violation string, err error) {
	al.logger.Warn().
		Str("event_type", "protocol_violation").
		Str("ip", ip).
		Str("token", token).
		Str("violation", violation).
		Err(err).
		Msg("协议违规")
}

// LogCatalogSync 记录房间目录同步
func (al *AttackLogger) LogCatalogSync(source string, success bool, elapsed time.Duration, rooms int) {
	event := al.logger.Debug()
	if !success {
		event = al.logger.Warn()
	}

	event.
		Str("event_type", "catalog_sync").
		Str("source", source).
		Bool("success", success).
		Dur("response_time", elapsed).
		Int("room_count", rooms).
		Msg("房间目录同步")
}

// PerformanceLogger 性能日志记录器
type PerformanceLogger struct {
	logger zerolog.Logger
}

// NewPerformanceLogger 创建性能日志记录器
func NewPerformanceLogger(logger zerolog.Logger) *PerformanceLogger {
	return &PerformanceLogger{
		logger: logger.With().Str("component", "performance_logger").Logger(),
	}
}

// LogStats 记录一次周期统计
func (pl *PerformanceLogger) LogStats(stats map[string]any) {
	event := pl.logger.Info().Str("metric_type", "periodic_stats")
	for key, value := range stats {
		event = event.Interface(key, value)
	}
	event.Msg("运行统计")
}

// SecurityLogger 踢出与封禁日志记录器
type SecurityLogger struct {
	logger zerolog.Logger
}

// NewSecurityLogger 创建安全日志记录器
func NewSecurityLogger(logger zerolog.Logger) *SecurityLogger {
	return &SecurityLogger{
		logger: logger.With().Str("component", "security_logger").Logger(),
	}
}

// LogKick 记录踢出及地址、令牌各自的累计踢出次数
func (sl *SecurityLogger) LogKick(address, token, reason string, code int, addrKicks, tokenKicks int64) {
	sl.logger.Warn().
		Str("event_type", "kick").
		Str("ip", address).
		Str("token", token).
		Str("reason", reason).
		Int("code", code).
		Int64("addr_kicks", addrKicks).
		Int64("token_kicks", tokenKicks).
		Msg("踢出劳工")
}

// LogBan 记录封禁
func (sl *SecurityLogger) LogBan(subject, reason string, until time.Time) {
	sl.logger.Warn().
		Str("event_type", "ban").
		Str("subject", subject).
		Str("reason", reason).
		Time("until", until).
		Msg("封禁")
}

// LogTermination 记录因封禁而关闭的连接
func (sl *SecurityLogger) LogTermination(address, token, reason string, code int) {
	sl.logger.Warn().
		Str("event_type", "terminated").
		Str("ip", address).
		Str("token", token).
		Str("reason", reason).
		Int("code", code).
		Msg("连接因封禁关闭")
}

// LogPardon 记录解除封禁
func (sl *SecurityLogger) LogPardon(subject string) {
	sl.logger.Info().
		Str("event_type", "pardon").
		Str("subject", subject).
		Msg("解除封禁")
}

// LogStoreError 记录存储访问失败，失败时按放行处理
func (sl *SecurityLogger) LogStoreError(op, key string, err error) {
	sl.logger.Error().
		Str("event_type", "store_error").
		Str("op", op).
		Str("key", key).
		Err(err).
		Msg("存储访问失败，按放行处理")
}

// LoggerManager 日志管理器
type LoggerManager struct {
	mainLogger        zerolog.Logger
	attackLogger      *AttackLogger
	performanceLogger *PerformanceLogger
	securityLogger    *SecurityLogger
	auditLogger       *AuditLogger
	ctx               context.Context
	cancel            context.CancelFunc
}

// NewLoggerManager 创建日志管理器
func NewLoggerManager(ctx context.Context, cfg *config.Config) (*LoggerManager, error) {
	mainLogger, err := Setup(cfg)
	if err != nil {
		return nil, err
	}

	auditLogger, err := NewAuditLogger(&cfg.AuditLogging)
	if err != nil {
		return nil, fmt.Errorf("创建审计日志记录器失败: %w", err)
	}

	// 创建内部 context，继承自外部 context
	managerCtx, cancel := context.WithCancel(ctx)

	manager := &LoggerManager{
		mainLogger:        mainLogger,
		attackLogger:      NewAttackLogger(mainLogger),
		performanceLogger: NewPerformanceLogger(mainLogger),
		securityLogger:    NewSecurityLogger(mainLogger),
		auditLogger:       auditLogger,
		ctx:               managerCtx,
		cancel:            cancel,
	}

	// 启动生命周期管理 goroutine
	go manager.lifecycleManager()

	return manager, nil
}

// GetMainLogger 获取主日志器
func (lm *LoggerManager) GetMainLogger() zerolog.Logger {
	return lm.mainLogger
}

// GetAttackLogger 获取攻击日志器
func (lm *LoggerManager) GetAttackLogger() *AttackLogger {
	return lm.attackLogger
}

// GetPerformanceLogger 获取性能日志器
func (lm *LoggerManager) GetPerformanceLogger() *PerformanceLogger {
	return lm.performanceLogger
}

// GetSecurityLogger 获取安全日志器
func (lm *LoggerManager) GetSecurityLogger() *SecurityLogger {
	return lm.securityLogger
}

// GetAuditLogger 获取审计日志器
func (lm *LoggerManager) GetAuditLogger() *AuditLogger {
	return lm.auditLogger
}

// lifecycleManager 生命周期管理
func (lm *LoggerManager) lifecycleManager() {
	<-lm.ctx.Done()

	lm.mainLogger.Debug().Msg("日志管理器收到关闭信号，开始自动关闭")
	if err := lm.auditLogger.Close(); err != nil {
		lm.mainLogger.Error().Err(err).Msg("自动关闭日志管理器失败")
	} else {
		lm.mainLogger.Debug().Msg("日志管理器已自动关闭")
	}
}

// Close 关闭所有日志器
func (lm *LoggerManager) Close() error {
	lm.cancel()
	return nil
}
