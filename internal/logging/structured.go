package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"backd/pkg/models"
	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogConfig 日志配置
type LogConfig struct {
	Level      string `mapstructure:"level" json:"level" yaml:"level"`                   // 日志级别 (debug, info, warn, error)
	Format     string `mapstructure:"format" json:"format" yaml:"format"`                // 日志格式 (json, text)
	Output     string `mapstructure:"output" json:"output" yaml:"output"`                // 输出路径 (stdout, stderr, file path)
	Rotation   bool   `mapstructure:"rotation" json:"rotation" yaml:"rotation"`          // 是否启用日志轮转
	MaxSize    int    `mapstructure:"max_size" json:"max_size" yaml:"max_size"`          // 单个日志文件最大大小(MB)
	MaxAge     int    `mapstructure:"max_age" json:"max_age" yaml:"max_age"`             // 日志文件保留天数
	MaxBackups int    `mapstructure:"max_backups" json:"max_backups" yaml:"max_backups"` // 保留的日志文件数量
	Compress   bool   `mapstructure:"compress" json:"compress" yaml:"compress"`          // 是否压缩轮转的日志文件
}

// DefaultLogConfig 默认日志配置
var DefaultLogConfig = &LogConfig{
	Level:      "info",
	Format:     "json",
	Output:     "stdout",
	Rotation:   false,
	MaxSize:    100,
	MaxAge:     30,
	MaxBackups: 3,
	Compress:   true,
}

// NewLogger 按配置创建 logrus 日志器
func NewLogger(config *LogConfig) (*logrus.Logger, error) {
	if config == nil {
		config = DefaultLogConfig
	}

	level, err := parseLogLevel(config.Level)
	if err != nil {
		return nil, fmt.Errorf("无效的日志级别 '%s': %w", config.Level, err)
	}

	writer, err := getLogWriter(config)
	if err != nil {
		return nil, fmt.Errorf("创建日志输出失败: %w", err)
	}

	logger := logrus.New()
	logger.SetLevel(level)
	logger.SetOutput(writer)

	switch config.Format {
	case "json", "":
		logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})
	case "text":
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: time.RFC3339})
	default:
		return nil, fmt.Errorf("不支持的日志格式: %s", config.Format)
	}

	return logger, nil
}

// parseLogLevel 解析日志级别
func parseLogLevel(levelStr string) (logrus.Level, error) {
	switch strings.ToLower(levelStr) {
	case "debug":
		return logrus.DebugLevel, nil
	case "info", "":
		return logrus.InfoLevel, nil
	case "warn", "warning":
		return logrus.WarnLevel, nil
	case "error":
		return logrus.ErrorLevel, nil
	default:
		return logrus.InfoLevel, fmt.Errorf("未知的日志级别: %s", levelStr)
	}
}

// getLogWriter 获取日志输出，文件输出在开启轮转时交给 lumberjack
func getLogWriter(config *LogConfig) (io.Writer, error) {
	switch config.Output {
	case "stdout", "":
		return os.Stdout, nil
	case "stderr":
		return os.Stderr, nil
	}

	dir := filepath.Dir(config.Output)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("创建日志目录失败: %w", err)
	}

	if config.Rotation {
		return &lumberjack.Logger{
			Filename:   config.Output,
			MaxSize:    config.MaxSize,
			MaxAge:     config.MaxAge,
			MaxBackups: config.MaxBackups,
			Compress:   config.Compress,
		}, nil
	}

	file, err := os.OpenFile(config.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("打开日志文件失败: %w", err)
	}
	return file, nil
}

// NewEventLogger 事件处理专用日志器
func NewEventLogger(logger *logrus.Logger, event *models.Event) *logrus.Entry {
	return logger.WithFields(logrus.Fields{
		"component":         "processor",
		"event":             event.Name,
		"address":           event.NormalizedAddress(),
		"block_number":      event.BlockNumber,
		"transaction_index": event.TransactionIndex,
		"log_index":         event.LogIndex,
	})
}

// NewHookLogger 钩子专用日志器
func NewHookLogger(logger *logrus.Logger, hookName string) *logrus.Entry {
	return logger.WithFields(logrus.Fields{
		"component": "hook",
		"hook":      hookName,
	})
}

// NewRPCLogger RPC调用专用日志器
func NewRPCLogger(logger *logrus.Logger, method string, nodeName string) *logrus.Entry {
	return logger.WithFields(logrus.Fields{
		"component": "rpc_client",
		"method":    method,
		"node":      nodeName,
	})
}
