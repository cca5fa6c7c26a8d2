package errors

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
)

// Policy 一类事件级错误的处理方式
type Policy string

const (
	PolicyAbort Policy = "abort"
	PolicySkip  Policy = "skip"
)

// ErrorCallback 每个经过处理器的错误都会回调
type ErrorCallback func(err *ReplayError)

// ErrorHandler 决定一个事件级错误是中止重放还是跳过该事件
type ErrorHandler struct {
	logger    *logrus.Logger
	mu        sync.RWMutex
	stats     *ErrorStats
	policies  map[ErrorType]Policy
	callbacks []ErrorCallback
}

// NewErrorHandler 默认全部中止，钩子错误已在协调器隔离故跳过
func NewErrorHandler(logger *logrus.Logger) *ErrorHandler {
	return &ErrorHandler{
		logger:   logger,
		stats:    NewErrorStats(),
		policies: map[ErrorType]Policy{ErrorTypeHook: PolicySkip},
	}
}

// ApplyPolicy 为一类错误设置处理方式，顺序错误始终中止
func (eh *ErrorHandler) ApplyPolicy(errorType ErrorType, policy Policy) {
	if errorType == ErrorTypeOrdering {
		return
	}
	if policy != PolicySkip {
		policy = PolicyAbort
	}
	eh.mu.Lock()
	eh.policies[errorType] = policy
	eh.mu.Unlock()
}

// AddCallback 追加错误回调，回调中的 panic 会被吞掉
func (eh *ErrorHandler) AddCallback(callback ErrorCallback) {
	eh.mu.Lock()
	defer eh.mu.Unlock()
	eh.callbacks = append(eh.callbacks, callback)
}

// HandleError 返回 nil 表示跳过该事件，否则返回原始错误
func (eh *ErrorHandler) HandleError(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}

	replayErr, ok := As(err)
	if !ok {
		replayErr = WrapError(err, ErrorTypeSystem, SeverityHigh, "UNKNOWN_ERROR", "未知错误")
	}

	eh.mu.Lock()
	eh.stats.RecordError(replayErr)
	policy := eh.policies[replayErr.Type]
	callbacks := append([]ErrorCallback(nil), eh.callbacks...)
	eh.mu.Unlock()

	for _, callback := range callbacks {
		eh.invoke(callback, replayErr)
	}

	entry := eh.logger.WithFields(logrus.Fields{
		"error_type":   replayErr.Type.String(),
		"error_code":   replayErr.Code,
		"component":    replayErr.Component,
		"block_number": replayErr.BlockNumber,
		"tx_hash":      replayErr.TxHash,
		"context":      replayErr.Context,
		"cause":        replayErr.Cause,
	})
	if policy == PolicySkip {
		entry.Warnf("跳过事件: %s", replayErr.Message)
		return nil
	}
	entry.Error(replayErr.Message)
	return err
}

func (eh *ErrorHandler) invoke(callback ErrorCallback, err *ReplayError) {
	defer func() {
		if r := recover(); r != nil {
			eh.logger.Errorf("错误回调 panic: %v", r)
		}
	}()
	callback(err)
}

// GetStats 错误统计
func (eh *ErrorHandler) GetStats() *ErrorStats {
	eh.mu.RLock()
	defer eh.mu.RUnlock()
	return eh.stats
}
