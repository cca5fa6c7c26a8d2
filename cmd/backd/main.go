package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"backd/internal/api"
	"backd/internal/config"
	"backd/internal/logging"
	"backd/internal/metrics"
	"backd/internal/output"
	"backd/internal/progress"
	"backd/internal/replay"
	"backd/internal/shutdown"
	"backd/internal/source"
	"backd/internal/state"
)

var (
	// 通用参数
	configFile string
	verbose    bool

	// 重放参数
	resume        bool
	resetProgress bool
	eventsPath    string
	serve         bool
)

func main() {
	// .env 不存在时忽略
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "加载 .env 失败: %v\n", err)
	}

	rootCmd := &cobra.Command{
		Use:          "backd",
		Short:        "借贷协议事件重放工具",
		Long:         `按链上顺序重放 Compound 事件，重建市场、用户仓位、利率指数和预言机价格，并保存可恢复的状态快照`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "configs/backd.yaml", "配置文件路径")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "详细输出")

	processCmd := &cobra.Command{
		Use:   "process",
		Short: "重放事件并保存快照",
		RunE:  runProcess,
	}
	processCmd.Flags().BoolVar(&resume, "resume", false, "从最近的快照继续（覆盖 snapshot.resume）")
	processCmd.Flags().BoolVar(&resetProgress, "reset-progress", false, "重置进度记录，快照保留")
	processCmd.Flags().StringVar(&eventsPath, "events", "", "JSONL 事件文件，覆盖配置中的事件源")
	processCmd.Flags().BoolVar(&serve, "serve", false, "同时启动查询 API，重放结束后继续服务")

	rootCmd.AddCommand(processCmd, newSnapshotCmd(), newTopUsersCmd(), newProgressCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "执行失败: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig 加载配置并按配置创建日志器
func loadConfig() (*config.Config, *logrus.Logger, error) {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return nil, nil, fmt.Errorf("加载配置失败: %w", err)
	}

	logger, err := logging.NewLogger(cfg.Logging)
	if err != nil {
		return nil, nil, err
	}
	if verbose {
		logger.SetLevel(logrus.DebugLevel)
	}
	return cfg, logger, nil
}

func runProcess(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("resume") {
		cfg.Snapshot.Resume = resume
	}
	if eventsPath != "" {
		cfg.Source.Type = config.SourceFile
		cfg.Source.Path = eventsPath
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("配置无效: %w", err)
	}

	gs := shutdown.NewGracefulShutdown(30*time.Second, logger)
	gs.Start()
	abort := func(err error) error {
		if serr := gs.Shutdown(); serr != nil {
			logger.WithError(serr).Warn("停机过程中出现错误")
		}
		return err
	}

	store, err := progress.NewManager(cfg.Snapshot.Path, logger)
	if err != nil {
		return abort(err)
	}
	gs.RegisterShutdownFunc("snapshot_store", func(context.Context) error { return store.Close() }, shutdown.OrderCloseStore)

	if resetProgress {
		logger.Info("重置重放进度...")
		if err := store.Reset(); err != nil {
			logger.Warnf("重置进度失败: %v", err)
		}
	}

	runID := uuid.NewString()
	sink, err := output.NewOutput(cfg.Output, runID, logger)
	if err != nil {
		return abort(fmt.Errorf("创建输出器失败: %w", err))
	}
	gs.RegisterShutdownFunc("output", func(context.Context) error { return sink.Close() }, shutdown.OrderFlushOutput)

	m := metrics.New()
	runner, err := replay.NewRunnerWithID(runID, cfg, store, sink, m, logger)
	if err != nil {
		return abort(err)
	}

	var after *state.EventTime
	if cfg.Snapshot.Resume {
		if after, err = runner.Restore(); err != nil {
			return abort(fmt.Errorf("恢复快照失败: %w", err))
		}
	}

	src, err := source.NewFromConfig(gs.Context(), cfg.Source, cfg.Blockchain, after, logger)
	if err != nil {
		return abort(err)
	}
	gs.RegisterShutdownFunc("event_source", func(context.Context) error { return src.Close() }, shutdown.OrderCloseSource)

	if serve {
		server, err := api.NewServer(cfg, store, api.Options{Metrics: m}, logger)
		if err != nil {
			return abort(err)
		}
		go func() {
			if err := server.Start(); err != nil {
				logger.WithError(err).Error("API服务器异常退出")
			}
		}()
		gs.RegisterShutdownFunc("api_server", server.Stop, shutdown.OrderStopAcceptingRequests)
	}

	replayDone := make(chan struct{})
	gs.RegisterShutdownFunc("replay", shutdown.WaitFor(replayDone), shutdown.OrderWaitForReplay)

	result, runErr := runner.Run(gs.Context(), src)
	close(replayDone)
	if result != nil {
		printResult(result)
	}

	if serve && runErr == nil {
		logger.Info("重放完成，查询服务继续运行，按 Ctrl+C 退出")
		gs.Wait()
	}
	if err := gs.Shutdown(); err != nil {
		logger.WithError(err).Warn("停机过程中出现错误")
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return fmt.Errorf("重放失败: %w", runErr)
	}
	return nil
}

// printResult 输出本次重放统计
func printResult(result *replay.Result) {
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return
	}
	fmt.Println(string(data))
}
