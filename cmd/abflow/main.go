// =============================================================================
// abflow 主入口
// =============================================================================
// 实验分配服务入口点，包含 HTTP 服务、健康检查、Prometheus 指标
//
// 使用方法:
//
//	abflow serve                          # 启动服务
//	abflow serve --config config.yaml     # 指定配置文件
//	abflow report trial_length            # 输出实验报告（JSON）
//	abflow report --all                   # 输出全部实验报告
//	abflow version                        # 显示版本信息
//	abflow health                         # 健康检查
//	abflow migrate up                     # 运行数据库迁移
//	abflow migrate status                 # 查看迁移状态
// =============================================================================

// @title abflow API
// @version 1.0.0
// @description Deterministic A/B experiment assignment and significance reporting.

// @license.name MIT
// @license.url https://opensource.org/licenses/MIT

// @host localhost:8080
// @BasePath /

// @securityDefinitions.apikey ApiKeyAuth
// @in header
// @name X-API-Key

package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/BaSui01/abflow/config"
	"github.com/BaSui01/abflow/experiment"
	"github.com/BaSui01/abflow/experiment/persistence"
	"github.com/BaSui01/abflow/internal/telemetry"
	"github.com/BaSui01/abflow/internal/tlsutil"
)

// =============================================================================
// 📦 版本信息（构建时注入）
// =============================================================================

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// =============================================================================
// 🎯 主函数
// =============================================================================

func main() {
	if len(os.Args) < 2 {
		printUsage(os.Stderr)
		os.Exit(1)
	}

	ctx := context.Background()
	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx, os.Args[2:])
	case "migrate":
		err = runMigrate(ctx, os.Args[2:], os.Stdout)
	case "report":
		err = runReport(ctx, os.Args[2:], os.Stdout)
	case "version":
		printVersion(os.Stdout)
	case "health":
		err = runHealthCheck(os.Args[2:], os.Stdout)
	case "help", "-h", "--help":
		printUsage(os.Stdout)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage(os.Stderr)
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig 加载并校验配置
func loadConfig(path string) (*config.Config, error) {
	loader := config.NewLoader().WithValidator((*config.Config).Validate)
	if path != "" {
		loader = loader.WithConfigPath(path)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// =============================================================================
// 🖥️ serve 命令
// =============================================================================

func runServe(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}

	logger := initLogger(cfg.Log)
	defer logger.Sync()

	logger.Info("Starting abflow",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
		zap.String("store", cfg.Store.Type),
	)

	otelProviders, err := telemetry.Init(cfg.Telemetry, logger)
	if err != nil {
		logger.Warn("failed to initialize telemetry, continuing without export", zap.Error(err))
		otelProviders = nil
	}

	srv := NewServer(cfg, *configPath, logger, otelProviders)
	if err := srv.Start(ctx); err != nil {
		srv.Shutdown(context.Background())
		return fmt.Errorf("failed to start server: %w", err)
	}

	err = srv.WaitForShutdown(ctx)
	logger.Info("abflow stopped")
	return err
}

// =============================================================================
// 📊 report 命令
// =============================================================================

// runReport 生成报告并以 JSON 输出。实验名可位于参数任意位置。
func runReport(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("report", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to config file")
	all := fs.Bool("all", false, "Report every experiment")

	var name string
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		name, args = args[0], args[1:]
	}
	if err := fs.Parse(args); err != nil {
		return err
	}
	if name == "" {
		name = fs.Arg(0)
	}
	if name == "" && !*all {
		return errors.New("usage: abflow report <experiment> [--config path] | abflow report --all")
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	logger := initLogger(config.LogConfig{Level: "warn", Format: "console", OutputPaths: []string{"stderr"}})
	defer logger.Sync()

	store, err := persistence.NewStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	// 内存存储启动时为空，导入配置中的实验定义以便离线查看
	if _, err := experiment.NewManager(store, logger).Seed(ctx, cfg.Experiments); err != nil {
		return err
	}

	aggregator := experiment.NewAggregator(store, store, logger)
	var result any
	if *all {
		result, err = aggregator.ReportAll(ctx, store)
	} else {
		result, err = aggregator.Report(ctx, name)
	}
	if err != nil {
		return err
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

// =============================================================================
// 🏥 健康检查命令
// =============================================================================

func runHealthCheck(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("health", flag.ContinueOnError)
	addr := fs.String("addr", "http://localhost:8080", "Server address")
	path := fs.String("path", "/ready", "Health endpoint path")
	if err := fs.Parse(args); err != nil {
		return err
	}

	client := tlsutil.SecureHTTPClient(5 * time.Second)
	resp, err := client.Get(strings.TrimSuffix(*addr, "/") + *path)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed: status %d", resp.StatusCode)
	}

	fmt.Fprintln(out, "OK")
	return nil
}

// =============================================================================
// 📋 版本和帮助
// =============================================================================

func printVersion(out io.Writer) {
	fmt.Fprintf(out, "abflow %s\n", Version)
	fmt.Fprintf(out, "  Build Time: %s\n", BuildTime)
	fmt.Fprintf(out, "  Git Commit: %s\n", GitCommit)
}

func printUsage(out io.Writer) {
	fmt.Fprintln(out, `abflow - deterministic A/B experiment service

Usage:
  abflow <command> [options]

Commands:
  serve     Start the abflow server
  migrate   Database migration commands
  report    Print an experiment report as JSON
  version   Show version information
  health    Check server health
  help      Show this help message

Options for 'serve':
  --config <path>   Path to configuration file (YAML)

Options for 'report':
  <experiment>      Experiment name
  --all             Report every experiment
  --config <path>   Path to configuration file (YAML)

Examples:
  abflow serve --config /etc/abflow/config.yaml
  abflow migrate up --config /etc/abflow/config.yaml
  abflow report trial_length --config /etc/abflow/config.yaml
  abflow health --addr http://localhost:8080
  abflow version`)
}

// =============================================================================
// 🔧 日志初始化
// =============================================================================

func initLogger(cfg config.LogConfig) *zap.Logger {
	var level zapcore.Level
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "info":
		level = zapcore.InfoLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	var encoderConfig zapcore.EncoderConfig
	encoding := "json"
	if cfg.Format == "console" {
		encoding = "console"
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	outputs := cfg.OutputPaths
	if len(outputs) == 0 {
		outputs = []string{"stdout"}
	}

	zapConfig := zap.Config{
		Level:             zap.NewAtomicLevelAt(level),
		Development:       encoding == "console",
		Encoding:          encoding,
		EncoderConfig:     encoderConfig,
		OutputPaths:       outputs,
		ErrorOutputPaths:  []string{"stderr"},
		DisableCaller:     !cfg.EnableCaller,
		DisableStacktrace: !cfg.EnableStacktrace,
	}

	logger, err := zapConfig.Build()
	if err != nil {
		// 回退到基本 logger
		logger, _ = zap.NewProduction()
	}

	return logger
}
