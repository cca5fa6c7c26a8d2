package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// RetryConfig 退避参数，Jitter 为 0 时不加抖动
type RetryConfig struct {
	MaxAttempts     int           `mapstructure:"max_attempts" json:"max_attempts"`
	InitialInterval time.Duration `mapstructure:"initial_interval" json:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval" json:"max_interval"`
	BackoffFactor   float64       `mapstructure:"backoff_factor" json:"backoff_factor"`
	Jitter          float64       `mapstructure:"jitter" json:"jitter"`
}

// NetworkRetryConfig eth_getLogs 等节点请求
var NetworkRetryConfig = &RetryConfig{
	MaxAttempts:     4,
	InitialInterval: 500 * time.Millisecond,
	MaxInterval:     15 * time.Second,
	BackoffFactor:   2,
	Jitter:          0.2,
}

// StorageRetryConfig 快照写入和事件表分页查询
var StorageRetryConfig = &RetryConfig{
	MaxAttempts:     6,
	InitialInterval: 50 * time.Millisecond,
	MaxInterval:     5 * time.Second,
	BackoffFactor:   3,
	Jitter:          0.1,
}

// RetryableError 显式声明能否重试的错误，ReplayError 实现了该接口
type RetryableError interface {
	error
	IsRetryable() bool
}

type markedError struct {
	error
	retryable bool
}

func (e *markedError) IsRetryable() bool { return e.retryable }
func (e *markedError) Unwrap() error     { return e.error }

// NewRetryableError 显式标记错误是否可重试
func NewRetryableError(err error, retryable bool) RetryableError {
	return &markedError{error: err, retryable: retryable}
}

// 没有实现 RetryableError 的错误按消息归类
var (
	networkHints = []string{
		"connection refused", "connection reset", "broken pipe", "eof",
		"timeout", "no such host", "network is unreachable", "service unavailable",
	}
	nodeHints = []string{
		"too many requests", "rate limit", "limit exceeded",
		"header not found", "node not ready", "internal error",
	}
)

// classify 返回可重试错误的类别，空串表示不可重试
func classify(err error) string {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ""
	}

	var marked RetryableError
	if errors.As(err, &marked) {
		if marked.IsRetryable() {
			return "marked"
		}
		return ""
	}

	msg := strings.ToLower(err.Error())
	for _, hint := range networkHints {
		if strings.Contains(msg, hint) {
			return "network"
		}
	}
	for _, hint := range nodeHints {
		if strings.Contains(msg, hint) {
			return "node"
		}
	}
	return ""
}

// IsRetryableError 判断是否为可重试错误
func IsRetryableError(err error) bool {
	return classify(err) != ""
}

// Retrier 按 RetryConfig 重试可恢复的失败
type Retrier struct {
	config  *RetryConfig
	logger  *logrus.Logger
	onRetry func(operation string)
}

// NewRetrier 创建重试器，config 为空时使用 NetworkRetryConfig
func NewRetrier(config *RetryConfig, logger *logrus.Logger) *Retrier {
	if config == nil {
		config = NetworkRetryConfig
	}
	return &Retrier{config: config, logger: logger}
}

// OnRetry 每次决定重试前回调，用于计数
func (r *Retrier) OnRetry(fn func(operation string)) *Retrier {
	r.onRetry = fn
	return r
}

// Execute 重试无返回值的操作
func (r *Retrier) Execute(ctx context.Context, operation string, fn func() error) error {
	_, err := Do(ctx, r, operation, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// Do 重试带返回值的操作
func Do[T any](ctx context.Context, r *Retrier, operation string, fn func() (T, error)) (T, error) {
	var zero T
	attempts := max(r.config.MaxAttempts, 1)

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		result, err := fn()
		if err == nil {
			if attempt > 1 {
				r.logger.WithField("attempt", attempt).Debugf("%s 重试成功", operation)
			}
			return result, nil
		}

		kind := classify(err)
		if kind == "" {
			return zero, err
		}
		if attempt >= attempts {
			r.logger.WithError(err).Errorf("%s 重试 %d 次后仍失败", operation, attempt)
			return zero, fmt.Errorf("%s: 重试 %d 次后失败: %w", operation, attempt, err)
		}

		delay := r.calculateDelay(attempt)
		r.logger.WithFields(logrus.Fields{
			"attempt": attempt,
			"kind":    kind,
			"delay":   delay,
		}).WithError(err).Debugf("%s 失败，稍后重试", operation)
		if r.onRetry != nil {
			r.onRetry(operation)
		}

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		}
	}
}

// calculateDelay 第 attempt 次失败后的等待时间
func (r *Retrier) calculateDelay(attempt int) time.Duration {
	c := r.config
	delay := float64(c.InitialInterval) * math.Pow(c.BackoffFactor, float64(attempt-1))
	delay = math.Min(delay, float64(c.MaxInterval))

	if c.Jitter > 0 {
		delay *= 1 + c.Jitter*(2*rand.Float64()-1)
	}
	if delay < float64(c.InitialInterval) {
		delay = float64(c.InitialInterval)
	}
	return time.Duration(delay)
}
