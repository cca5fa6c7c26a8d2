package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"backd/internal/api"
	"backd/internal/config"
	"backd/internal/logging"
	"backd/internal/metrics"
	"backd/internal/progress"
	"backd/internal/shutdown"
)

var (
	configPath = flag.String("config", "configs/backd.yaml", "配置文件路径")
	port       = flag.Int("port", 0, "API 服务端口，0 表示使用配置")
	verbose    = flag.Bool("verbose", false, "详细输出")
)

func main() {
	flag.Parse()

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "加载 .env 失败: %v\n", err)
	}

	// 自动检测并加载配置
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}
	if *port > 0 {
		cfg.API.Port = *port
	}

	logger, err := logging.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "创建日志器失败: %v\n", err)
		os.Exit(1)
	}
	if *verbose {
		logger.SetLevel(logrus.DebugLevel)
	}

	// 重放进程运行时快照库被锁定，这里只读打开
	store, err := progress.OpenReadOnly(cfg.Snapshot.Path, logger)
	if err != nil {
		logger.Fatalf("打开快照库失败: %v", err)
	}

	opts := api.Options{Metrics: metrics.New()}
	if dsn := os.Getenv("BACKD_DB_DSN"); dsn != "" {
		dbConfig, err := config.NewDatabaseConfig(dsn, logger)
		if err != nil {
			logger.Fatalf("连接配置数据库失败: %v", err)
		}
		defer dbConfig.Close()
		opts.DBConfig = dbConfig
	}

	server, err := api.NewServer(cfg, store, opts, logger)
	if err != nil {
		logger.Fatalf("创建API服务器失败: %v", err)
	}

	gs := shutdown.NewGracefulShutdown(15*time.Second, logger)
	gs.RegisterShutdownFunc("api_server", server.Stop, shutdown.OrderStopAcceptingRequests)
	gs.RegisterShutdownFunc("snapshot_store", func(context.Context) error { return store.Close() }, shutdown.OrderCloseStore)
	gs.Start()

	go func() {
		if err := server.Start(); err != nil {
			logger.Errorf("启动服务器失败: %v", err)
			gs.Shutdown()
		}
	}()

	gs.Wait()
	logger.Info("服务器已关闭")
}
