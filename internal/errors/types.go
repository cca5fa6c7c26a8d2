package errors

import (
	"errors"
	"fmt"
	"time"
)

// ErrorType 错误类型
type ErrorType int

const (
	// 重放核心错误
	ErrorTypeOrdering ErrorType = iota
	ErrorTypeLookup
	ErrorTypePrecondition
	ErrorTypeHook

	// 数据相关错误
	ErrorTypeDecode
	ErrorTypeValidation
	ErrorTypeSerialization

	// 外部协作方错误
	ErrorTypeSource
	ErrorTypeStorage
	ErrorTypeOutput
	ErrorTypeNetwork

	// 系统相关错误
	ErrorTypeConfig
	ErrorTypeSystem
)

// ErrorSeverity 错误严重级别
type ErrorSeverity int

const (
	SeverityLow ErrorSeverity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

// ReplayError 重放过程中的错误
type ReplayError struct {
	Type        ErrorType              `json:"type"`
	Severity    ErrorSeverity          `json:"severity"`
	Code        string                 `json:"code"`
	Message     string                 `json:"message"`
	Timestamp   time.Time              `json:"timestamp"`
	Context     map[string]interface{} `json:"context,omitempty"`
	Cause       error                  `json:"cause,omitempty"`
	Retryable   bool                   `json:"retryable"`
	Component   string                 `json:"component"`
	BlockNumber *uint64                `json:"block_number,omitempty"`
	TxHash      *string                `json:"tx_hash,omitempty"`
}

// Error 实现error接口
func (e *ReplayError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap 支持errors.Unwrap
func (e *ReplayError) Unwrap() error {
	return e.Cause
}

// Is 按错误码匹配，使预定义错误可用于errors.Is
func (e *ReplayError) Is(target error) bool {
	var t *ReplayError
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// IsRetryable 判断是否可重试
func (e *ReplayError) IsRetryable() bool {
	return e.Retryable
}

// WithContext 添加上下文信息
func (e *ReplayError) WithContext(key string, value interface{}) *ReplayError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithBlockNumber 添加区块号
func (e *ReplayError) WithBlockNumber(blockNumber uint64) *ReplayError {
	e.BlockNumber = &blockNumber
	return e
}

// WithTxHash 添加交易哈希
func (e *ReplayError) WithTxHash(txHash string) *ReplayError {
	if txHash == "" {
		return e
	}
	e.TxHash = &txHash
	return e
}

// WithComponent 设置出错组件
func (e *ReplayError) WithComponent(component string) *ReplayError {
	e.Component = component
	return e
}

// NewReplayError 创建新的错误
func NewReplayError(errorType ErrorType, severity ErrorSeverity, code, message string) *ReplayError {
	return &ReplayError{
		Type:      errorType,
		Severity:  severity,
		Code:      code,
		Message:   message,
		Timestamp: time.Now(),
		Retryable: determineRetryable(errorType),
	}
}

// WrapError 包装现有错误
func WrapError(err error, errorType ErrorType, severity ErrorSeverity, code, message string) *ReplayError {
	return &ReplayError{
		Type:      errorType,
		Severity:  severity,
		Code:      code,
		Message:   message,
		Timestamp: time.Now(),
		Cause:     err,
		Retryable: determineRetryable(errorType),
	}
}

// Preconditionf 创建前置条件失败错误
func Preconditionf(format string, args ...interface{}) *ReplayError {
	return NewReplayError(ErrorTypePrecondition, SeverityHigh, ErrPrecondition.Code, fmt.Sprintf(format, args...))
}

// NotFoundf 创建查找失败错误，code取自预定义错误
func NotFoundf(base *ReplayError, format string, args ...interface{}) *ReplayError {
	return NewReplayError(base.Type, base.Severity, base.Code, fmt.Sprintf(format, args...))
}

// As 提取ReplayError
func As(err error) (*ReplayError, bool) {
	var re *ReplayError
	if errors.As(err, &re) {
		return re, true
	}
	return nil, false
}

// TypeOf 返回错误类型，非ReplayError视为系统错误
func TypeOf(err error) ErrorType {
	if re, ok := As(err); ok {
		return re.Type
	}
	return ErrorTypeSystem
}

// determineRetryable 根据错误类型判断是否可重试
func determineRetryable(errorType ErrorType) bool {
	switch errorType {
	case ErrorTypeNetwork, ErrorTypeSource, ErrorTypeOutput:
		return true
	default:
		return false
	}
}

// 预定义错误
var (
	// 核心错误
	ErrOrderingViolation = NewReplayError(
		ErrorTypeOrdering,
		SeverityCritical,
		"ORDERING_VIOLATION",
		"事件顺序倒退",
	)

	ErrInvalidEventKey = NewReplayError(
		ErrorTypeValidation,
		SeverityHigh,
		"INVALID_EVENT_KEY",
		"事件缺少有效的排序键",
	)

	ErrMarketNotFound = NewReplayError(
		ErrorTypeLookup,
		SeverityHigh,
		"MARKET_NOT_FOUND",
		"市场不存在",
	)

	ErrOracleNotFound = NewReplayError(
		ErrorTypeLookup,
		SeverityHigh,
		"ORACLE_NOT_FOUND",
		"预言机不存在",
	)

	ErrRegistryLookup = NewReplayError(
		ErrorTypeLookup,
		SeverityHigh,
		"REGISTRY_LOOKUP_FAILED",
		"注册表中不存在该名称",
	)

	ErrDuplicateMarket = NewReplayError(
		ErrorTypeValidation,
		SeverityHigh,
		"DUPLICATE_MARKET",
		"市场已存在",
	)

	ErrPrecondition = NewReplayError(
		ErrorTypePrecondition,
		SeverityHigh,
		"PRECONDITION_FAILED",
		"事件前置条件不满足",
	)

	ErrHookFailed = NewReplayError(
		ErrorTypeHook,
		SeverityMedium,
		"HOOK_FAILED",
		"钩子执行失败",
	)

	// 数据错误
	ErrDecodeFailed = NewReplayError(
		ErrorTypeDecode,
		SeverityMedium,
		"DECODE_FAILED",
		"事件解码失败",
	)

	ErrSerializationFailed = NewReplayError(
		ErrorTypeSerialization,
		SeverityMedium,
		"SERIALIZATION_FAILED",
		"数据序列化失败",
	)

	ErrDataValidation = NewReplayError(
		ErrorTypeValidation,
		SeverityMedium,
		"DATA_VALIDATION_FAILED",
		"数据验证失败",
	)

	// 外部错误
	ErrSourceFailed = NewReplayError(
		ErrorTypeSource,
		SeverityHigh,
		"SOURCE_FAILED",
		"事件源读取失败",
	)

	ErrSnapshotFailed = NewReplayError(
		ErrorTypeStorage,
		SeverityHigh,
		"SNAPSHOT_FAILED",
		"状态快照读写失败",
	)

	ErrKafkaProduceFailed = NewReplayError(
		ErrorTypeOutput,
		SeverityHigh,
		"KAFKA_PRODUCE_FAILED",
		"Kafka消息发送失败",
	)

	ErrConfigInvalid = NewReplayError(
		ErrorTypeConfig,
		SeverityCritical,
		"CONFIG_INVALID",
		"配置无效",
	)
)

// 错误类型字符串映射
var errorTypeNames = map[ErrorType]string{
	ErrorTypeOrdering:      "Ordering",
	ErrorTypeLookup:        "Lookup",
	ErrorTypePrecondition:  "Precondition",
	ErrorTypeHook:          "Hook",
	ErrorTypeDecode:        "Decode",
	ErrorTypeValidation:    "Validation",
	ErrorTypeSerialization: "Serialization",
	ErrorTypeSource:        "Source",
	ErrorTypeStorage:       "Storage",
	ErrorTypeOutput:        "Output",
	ErrorTypeNetwork:       "Network",
	ErrorTypeConfig:        "Config",
	ErrorTypeSystem:        "System",
}

// String 返回错误类型的字符串表示
func (et ErrorType) String() string {
	if name, exists := errorTypeNames[et]; exists {
		return name
	}
	return fmt.Sprintf("Unknown(%d)", et)
}

// 严重级别字符串映射
var severityNames = map[ErrorSeverity]string{
	SeverityLow:      "Low",
	SeverityMedium:   "Medium",
	SeverityHigh:     "High",
	SeverityCritical: "Critical",
}

// String 返回严重级别的字符串表示
func (es ErrorSeverity) String() string {
	if name, exists := severityNames[es]; exists {
		return name
	}
	return fmt.Sprintf("Unknown(%d)", es)
}

// ErrorStats 错误统计
type ErrorStats struct {
	TotalErrors       int                   `json:"total_errors"`
	ErrorsByType      map[ErrorType]int     `json:"errors_by_type"`
	ErrorsBySeverity  map[ErrorSeverity]int `json:"errors_by_severity"`
	ErrorsByComponent map[string]int        `json:"errors_by_component"`
	RecentErrors      []*ReplayError        `json:"recent_errors"`
	LastError         *ReplayError          `json:"last_error"`
	LastErrorTime     time.Time             `json:"last_error_time"`
}

// NewErrorStats 创建错误统计
func NewErrorStats() *ErrorStats {
	return &ErrorStats{
		ErrorsByType:      make(map[ErrorType]int),
		ErrorsBySeverity:  make(map[ErrorSeverity]int),
		ErrorsByComponent: make(map[string]int),
		RecentErrors:      make([]*ReplayError, 0),
	}
}

// RecordError 记录错误
func (es *ErrorStats) RecordError(err *ReplayError) {
	es.TotalErrors++
	es.ErrorsByType[err.Type]++
	es.ErrorsBySeverity[err.Severity]++
	if err.Component != "" {
		es.ErrorsByComponent[err.Component]++
	}

	es.LastError = err
	es.LastErrorTime = err.Timestamp

	// 保留最近100个错误
	es.RecentErrors = append(es.RecentErrors, err)
	if len(es.RecentErrors) > 100 {
		es.RecentErrors = es.RecentErrors[1:]
	}
}
