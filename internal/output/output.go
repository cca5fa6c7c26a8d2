package output

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"backd/internal/config"
	"backd/internal/errors"

	"github.com/sirupsen/logrus"
)

// Output 分析记录输出接口，实现了 hook.Sink
type Output interface {
	WriteRecord(kind string, record interface{}) error
	Close() error
}

// NewOutput 按配置创建输出器
func NewOutput(cfg *config.OutputConfig, runID string, logger *logrus.Logger) (Output, error) {
	if cfg == nil {
		return NopOutput{}, nil
	}

	switch cfg.Format {
	case config.OutputKafka:
		kafka := cfg.Kafka
		if kafka == nil {
			kafka = &config.KafkaConfig{Brokers: []string{"localhost:9092"}}
		}
		return NewKafkaOutput(kafka, logger)
	case config.OutputNone:
		return NopOutput{}, nil
	case config.OutputFile, "":
		return NewFileOutput(cfg.Directory, runID)
	default:
		return nil, errors.NewReplayError(errors.ErrorTypeConfig, errors.SeverityCritical,
			errors.ErrConfigInvalid.Code, fmt.Sprintf("不支持的输出格式: %s", cfg.Format))
	}
}

// NopOutput 丢弃所有记录
type NopOutput struct{}

func (NopOutput) WriteRecord(string, interface{}) error { return nil }
func (NopOutput) Close() error                          { return nil }

// FileOutput 文件输出，每种记录一个 JSONL 文件，首次写入时创建
type FileOutput struct {
	outputDir string
	suffix    string
	mu        sync.Mutex
	files     map[string]*os.File
}

// NewFileOutput 创建文件输出器，文件名为 <kind>_<时间戳>[_<runID前8位>].jsonl
func NewFileOutput(outputDir, runID string) (*FileOutput, error) {
	if outputDir == "" {
		outputDir = "./outputs"
	}

	// 确保输出目录存在
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, fmt.Errorf("创建输出目录失败: %w", err)
	}

	suffix := time.Now().Format("20060102_150405")
	if len(runID) >= 8 {
		suffix += "_" + runID[:8]
	}

	return &FileOutput{
		outputDir: outputDir,
		suffix:    suffix,
		files:     make(map[string]*os.File),
	}, nil
}

// Path 某种记录的文件路径
func (o *FileOutput) Path(kind string) string {
	return filepath.Join(o.outputDir, fmt.Sprintf("%s_%s.jsonl", kind, o.suffix))
}

// WriteRecord 写入一条记录
func (o *FileOutput) WriteRecord(kind string, record interface{}) error {
	if record == nil {
		return nil
	}

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("序列化%s记录失败: %w", kind, err)
	}

	// 添加换行符
	data = append(data, '\n')

	o.mu.Lock()
	defer o.mu.Unlock()

	file, err := o.file(kind)
	if err != nil {
		return err
	}
	if _, err := file.Write(data); err != nil {
		return errors.WrapError(err, errors.ErrorTypeOutput, errors.SeverityHigh, "FILE_WRITE_FAILED", "写入"+kind+"文件失败")
	}
	return nil
}

// file 获取或创建记录文件，调用方持有锁
func (o *FileOutput) file(kind string) (*os.File, error) {
	if file, ok := o.files[kind]; ok {
		return file, nil
	}
	file, err := os.OpenFile(o.Path(kind), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("创建%s文件失败: %w", kind, err)
	}
	o.files[kind] = file
	return file, nil
}

// Close 刷新并关闭文件
func (o *FileOutput) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	var errs []error
	for kind, file := range o.files {
		if err := file.Sync(); err != nil {
			errs = append(errs, fmt.Errorf("刷新%s文件失败: %w", kind, err))
		}
		if err := file.Close(); err != nil {
			errs = append(errs, fmt.Errorf("关闭%s文件失败: %w", kind, err))
		}
	}
	o.files = make(map[string]*os.File)

	if len(errs) > 0 {
		return fmt.Errorf("关闭输出文件时发生错误: %v", errs)
	}
	return nil
}
