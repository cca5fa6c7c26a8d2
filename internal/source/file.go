package source

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"backd/internal/errors"
	"backd/pkg/models"
	"github.com/sirupsen/logrus"
)

// maxLineSize 单行事件的最大长度
const maxLineSize = 4 * 1024 * 1024

// FileSource 逐行读取 JSONL 事件文件
type FileSource struct {
	path    string
	file    io.Closer
	scanner *bufio.Scanner
	line    int
	logger  *logrus.Logger
}

// NewFileSource 打开事件文件
func NewFileSource(path string, logger *logrus.Logger) (*FileSource, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.WrapError(err, errors.ErrorTypeSource, errors.SeverityCritical,
			errors.ErrSourceFailed.Code, "打开事件文件失败: "+path)
	}
	src := NewReaderSource(file, logger)
	src.path = path
	src.file = file

	logger.WithField("path", path).Info("事件文件已打开")
	return src, nil
}

// NewReaderSource 从任意 reader 读取 JSONL 事件
func NewReaderSource(r io.Reader, logger *logrus.Logger) *FileSource {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	return &FileSource{
		scanner: scanner,
		logger:  logger,
	}
}

// Next 返回下一个事件，跳过空行
func (s *FileSource) Next(ctx context.Context) (*models.Event, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !s.scanner.Scan() {
			if err := s.scanner.Err(); err != nil {
				return nil, errors.WrapError(err, errors.ErrorTypeSource, errors.SeverityHigh,
					errors.ErrSourceFailed.Code, fmt.Sprintf("读取第 %d 行失败", s.line+1))
			}
			return nil, io.EOF
		}
		s.line++

		line := bytes.TrimSpace(s.scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var event models.Event
		if err := json.Unmarshal(line, &event); err != nil {
			return nil, errors.WrapError(err, errors.ErrorTypeDecode, errors.SeverityHigh,
				errors.ErrDecodeFailed.Code, fmt.Sprintf("第 %d 行事件解析失败", s.line)).
				WithContext("path", s.path).
				WithContext("line", s.line)
		}
		return &event, nil
	}
}

// Line 已读取的行数
func (s *FileSource) Line() int {
	return s.line
}

// Close 关闭文件
func (s *FileSource) Close() error {
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

// LoadEvents 读取整个事件文件
func LoadEvents(path string, logger *logrus.Logger) ([]*models.Event, error) {
	src, err := NewFileSource(path, logger)
	if err != nil {
		return nil, err
	}
	defer src.Close()
	return ReadAll(context.Background(), src)
}
