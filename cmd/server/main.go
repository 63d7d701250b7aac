package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"maps"
	"os"
	"os/signal"
	"runtime"
	"slices"
	"strings"
	"syscall"
	"time"

	"synergetic-monitor/internal/config"
	"synergetic-monitor/internal/guard"
	"synergetic-monitor/internal/labour"
	"synergetic-monitor/internal/limiter"
	"synergetic-monitor/internal/logger"
	"synergetic-monitor/internal/monitor"
	"synergetic-monitor/internal/network"
	"synergetic-monitor/internal/pool"
	"synergetic-monitor/internal/protocol"
	"synergetic-monitor/internal/store"
	"synergetic-monitor/internal/sync"
)

// 构建时注入的版本信息
var (
	version   = "v1"
	buildTime = "unknown" // 通过 -ldflags 注入
	gitCommit = "unknown" // 通过 -ldflags 注入
)

var (
	configPath  = flag.String("config", "config/config.yml", "配置文件路径")
	hostFlag    = flag.String("host", "", "监听地址，覆盖配置文件")
	portFlag    = flag.Int("port", 0, "监听端口，覆盖配置文件")
	intervalArg = flag.Duration("interval", 0, "限流间隔，覆盖配置文件")
	debugFlag   = flag.Bool("debug", false, "输出调试日志")
	showVersion = flag.Bool("version", false, "显示版本信息")
)

const (
	AppName = "Synergetic Monitor"
)

// printVersion 显示详细的版本信息
func printVersion() {
	fmt.Printf("🛰️  %s\n", AppName)
	fmt.Printf("📦 Version: %s\n", version)
	if gitCommit != "unknown" {
		fmt.Printf("🔄 Git Commit: %s\n", gitCommit)
	}
	if buildTime != "unknown" {
		fmt.Printf("🕒 Build Time: %s\n", buildTime)
	}
	fmt.Printf("🔧 Go Version: %s\n", runtime.Version())
	fmt.Printf("💻 Platform: %s/%s\n", runtime.GOOS, runtime.GOARCH)
}

// loadConfig 加载配置并应用命令行覆盖，默认路径的配置文件不存在时使用默认配置
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(*configPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) || isFlagSet("config") {
			return nil, err
		}
		fmt.Printf("⚠️  配置文件 %s 不存在，使用默认配置\n", *configPath)
		cfg = config.Default()
	}

	if *hostFlag != "" {
		cfg.Server.Host = *hostFlag
	}
	if *portFlag > 0 {
		cfg.Server.Port = *portFlag
	}
	if *intervalArg > 0 {
		cfg.RateLimit.Interval = *intervalArg
	}
	if *debugFlag {
		cfg.Logging.Level = "debug"
	}
	return cfg, nil
}

func isFlagSet(name string) bool {
	set := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			set = true
		}
	})
	return set
}

func main() {
	flag.Parse()

	// 显示版本信息
	if *showVersion {
		printVersion()
		return
	}

	cfg, err := loadConfig()
	if err != nil {
		fmt.Printf("❌ 加载配置失败: %v\n", err)
		os.Exit(1)
	}

	// 创建上下文
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 初始化日志
	loggers, err := logger.NewLoggerManager(ctx, cfg)
	if err != nil {
		fmt.Printf("❌ 初始化日志失败: %v\n", err)
		os.Exit(1)
	}
	defer loggers.Close()
	mainLogger := loggers.GetMainLogger()

	// 使用 fmt 直接输出启动信息（不受日志级别限制）
	fmt.Printf("🚀 启动 %s\n", AppName)
	fmt.Printf("📦 版本: %s\n", version)
	fmt.Printf("📝 配置: %s\n", *configPath)
	fmt.Printf("📊 日志级别: %s\n", cfg.Logging.Level)
	fmt.Println()

	fmt.Printf("⏳ 打开存储 (%s)...\n", cfg.Store.Driver)
	st, err := store.Open(cfg.Store)
	if err != nil {
		fmt.Printf("❌ 打开存储失败: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	fmt.Println("⏳ 加载令牌文件...")
	tokens, err := guard.LoadTokens(cfg.Tokens)
	if err != nil {
		fmt.Printf("❌ 加载令牌文件失败: %v\n", err)
		os.Exit(1)
	}

	metrics := monitor.NewPerformanceMonitor()
	g := guard.New(cfg.Guard, st, guard.Options{
		Tokens:   tokens,
		Security: loggers.GetSecurityLogger(),
		Audit:    loggers.GetAuditLogger(),
		Monitor:  metrics,
	})

	fmt.Println("⏳ 初始化房间池...")
	roomPool := pool.New(cfg.Pool.Size, st)
	syncer := sync.NewCatalogSyncer(cfg.Pool, roomPool, mainLogger, loggers.GetAttackLogger(), metrics)
	if err := syncer.Start(ctx); err != nil {
		fmt.Printf("❌ 启动房间目录同步失败: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("⏳ 初始化限流器...")
	acceptLimiter := limiter.NewRateLimiter(cfg.AcceptLimit, mainLogger)
	acceptLimiter.StartCleanupRoutine(ctx)

	deps := &labour.Deps{
		Handlers:     labour.NewHandlers(protocol.NewRegistry()),
		Guard:        g,
		Pool:         roomPool,
		RateLimit:    cfg.RateLimit,
		MaxAssign:    cfg.Pool.MaxAssign,
		WriteTimeout: cfg.Server.WriteTimeout,
		Monitor:      metrics,
		Attack:       loggers.GetAttackLogger(),
		Logger:       mainLogger,
	}

	server := network.NewServer(ctx, cfg, mainLogger, deps, acceptLimiter, loggers.GetAttackLogger())

	// 启动服务器
	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
		if err := server.Start(); err != nil {
			mainLogger.Error().Err(err).Msg("网络服务器错误")
			cancel()
		}
	}()

	collectStats := func() map[string]any {
		stats := metrics.GetStats()
		maps.Copy(stats, server.GetStats())
		stats["rooms"] = roomPool.Len()
		stats["catalog"] = syncer.GetStats()
		stats["accept_limiter"] = acceptLimiter.GetStats()
		return stats
	}
	go statsLoop(ctx, cfg.Monitoring.StatsInterval, loggers.GetPerformanceLogger(), collectStats)

	// 显示启动信息
	fmt.Println()
	fmt.Printf("✨ %s 启动完成\n", AppName)
	fmt.Println("📊 服务器状态:")
	fmt.Printf("   - 监听地址: ws://%s%s\n", cfg.GetAddress(), cfg.Server.Path)
	fmt.Printf("   - 最大连接数: %d\n", cfg.Server.MaxConnections)
	fmt.Printf("   - 消息限流: 每 %s 一条, 突发 %d\n", cfg.RateLimit.Interval, cfg.RateLimit.MaxBurst)
	fmt.Printf("   - 建连限流: IP %d/s, 全局 %d/s\n", cfg.AcceptLimit.IPLimit, cfg.AcceptLimit.GlobalLimit)
	fmt.Printf("   - 房间数: %d\n", roomPool.Len())
	fmt.Printf("   - 令牌数: %d\n", tokens.Count())
	fmt.Println("🎯 输入 help 查看命令，使用 Ctrl+C 停止服务器")
	fmt.Println()

	commands := make(chan string)
	go readConsole(commands)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	for running := true; running; {
		select {
		case sig := <-sigChan:
			fmt.Printf("\n📡 收到停止信号: %s\n", sig.String())
			running = false
		case <-ctx.Done():
			fmt.Println("\n📡 上下文已取消")
			running = false
		case line, ok := <-commands:
			if !ok {
				// 标准输入已关闭，只能由信号停止
				commands = nil
				continue
			}
			running = handleCommand(ctx, line, g, collectStats)
		}
	}

	// 优雅关闭
	fmt.Println("🛑 正在停止服务器...")
	cancel()

	select {
	case <-serverDone:
	case <-time.After(10 * time.Second):
		fmt.Println("⚠️  等待服务器停止超时")
	}

	// 显示统计信息
	stats := server.GetStats()
	fmt.Println("📈 服务器统计:")
	fmt.Printf("   - 当前连接数: %v\n", stats["connection_count"])

	fmt.Printf("👋 %s 已停止\n", AppName)
}

// statsLoop 定期输出统计信息
func statsLoop(ctx context.Context, interval time.Duration, perf *logger.PerformanceLogger, collect func() map[string]any) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			perf.LogStats(collect())
		}
	}
}

// readConsole 逐行读取标准输入
func readConsole(out chan<- string) {
	defer close(out)
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			out <- line
		}
	}
}

// handleCommand 执行一条控制台命令，返回 false 表示停止服务器
func handleCommand(ctx context.Context, line string, g *guard.Guard, collect func() map[string]any) bool {
	fields := strings.Fields(line)
	switch strings.ToLower(fields[0]) {
	case "stop":
		return false

	case "help":
		fmt.Println("可用命令:")
		fmt.Println("   stop                     停止服务器")
		fmt.Println("   stats                    显示统计信息")
		fmt.Println("   pardon <地址|令牌>        解除封禁并清空踢出记录")
		fmt.Println("   help                     显示本帮助")

	case "stats":
		stats := collect()
		fmt.Println("📈 统计信息:")
		for _, key := range slices.Sorted(maps.Keys(stats)) {
			fmt.Printf("   - %s: %v\n", key, stats[key])
		}

	case "pardon":
		if len(fields) != 2 {
			fmt.Println("用法: pardon <地址|令牌>")
			break
		}
		if err := g.Pardon(ctx, fields[1]); err != nil {
			fmt.Printf("❌ 解除封禁失败: %v\n", err)
			break
		}
		fmt.Printf("✅ 已解除 %s 的封禁\n", fields[1])

	default:
		fmt.Printf("未知命令: %s，输入 help 查看可用命令\n", fields[0])
	}
	return true
}
