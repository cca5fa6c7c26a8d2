package api

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// LogEntry 日志条目
type LogEntry struct {
	Timestamp time.Time              `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// LogManager 最近日志的环形缓冲
type LogManager struct {
	mu      sync.RWMutex
	entries []LogEntry
	levels  []logrus.Level
	next    int
	count   int
}

// NewLogManager 创建日志管理器
func NewLogManager(maxLogs int) *LogManager {
	if maxLogs <= 0 {
		maxLogs = 1
	}
	return &LogManager{
		entries: make([]LogEntry, maxLogs),
		levels:  make([]logrus.Level, maxLogs),
	}
}

// AddLog 添加日志，满了覆盖最旧的一条
func (lm *LogManager) AddLog(entry *logrus.Entry) {
	fields := make(map[string]interface{}, len(entry.Data))
	for key, value := range entry.Data {
		// error 直接序列化会变成空对象
		if err, ok := value.(error); ok {
			value = err.Error()
		} else if s, ok := value.(fmt.Stringer); ok {
			value = s.String()
		}
		fields[key] = value
	}

	lm.mu.Lock()
	defer lm.mu.Unlock()

	lm.entries[lm.next] = LogEntry{
		Timestamp: entry.Time,
		Level:     entry.Level.String(),
		Message:   entry.Message,
		Fields:    fields,
	}
	lm.levels[lm.next] = entry.Level
	lm.next = (lm.next + 1) % len(lm.entries)
	if lm.count < len(lm.entries) {
		lm.count++
	}
}

// GetLogsWithPagination 按时间倒序分页。level 非空时只返回该级别及更严重的日志
func (lm *LogManager) GetLogsWithPagination(level string, page, pageSize int) ([]LogEntry, int) {
	threshold := logrus.TraceLevel
	if level != "" {
		parsed, err := logrus.ParseLevel(level)
		if err != nil {
			return []LogEntry{}, 0
		}
		threshold = parsed
	}
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}

	lm.mu.RLock()
	defer lm.mu.RUnlock()

	matched := make([]LogEntry, 0, lm.count)
	for i := 1; i <= lm.count; i++ {
		idx := (lm.next - i + len(lm.entries)) % len(lm.entries)
		if lm.levels[idx] <= threshold {
			matched = append(matched, lm.entries[idx])
		}
	}

	total := len(matched)
	start := (page - 1) * pageSize
	if start >= total {
		return []LogEntry{}, total
	}
	end := start + pageSize
	if end > total {
		end = total
	}
	return matched[start:end], total
}

// Len 当前保存的日志数
func (lm *LogManager) Len() int {
	lm.mu.RLock()
	defer lm.mu.RUnlock()
	return lm.count
}

// ClearLogs 清空日志
func (lm *LogManager) ClearLogs() {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	lm.entries = make([]LogEntry, len(lm.entries))
	lm.next = 0
	lm.count = 0
}

// LogHook 把日志写入 LogManager
type LogHook struct {
	manager *LogManager
}

// NewLogHook 创建日志钩子
func NewLogHook(manager *LogManager) *LogHook {
	return &LogHook{manager: manager}
}

// Fire 实现 logrus.Hook 接口
func (h *LogHook) Fire(entry *logrus.Entry) error {
	h.manager.AddLog(entry)
	return nil
}

// Levels 实现 logrus.Hook 接口
func (h *LogHook) Levels() []logrus.Level {
	return logrus.AllLevels
}
