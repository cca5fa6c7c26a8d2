package processor

import (
	"fmt"
	"sort"
	"time"

	"backd/internal/errors"
	"backd/internal/state"
	"backd/pkg/models"
	"github.com/sirupsen/logrus"
)

// Stateful 可被处理器修改的协议状态
type Stateful interface {
	Core() *state.State
}

// Handler 单一事件类型的处理函数
type Handler[S Stateful] func(s S, event *models.Event) error

// Processor 按事件类型分发到处理函数，并保证事件严格递增
type Processor[S Stateful] struct {
	logger   *logrus.Logger
	handlers map[string]Handler[S]
	ignored  map[string]int
}

// New 创建处理器
func New[S Stateful](logger *logrus.Logger) *Processor[S] {
	return &Processor[S]{
		logger:   logger,
		handlers: make(map[string]Handler[S]),
		ignored:  make(map[string]int),
	}
}

// Register 注册事件处理函数，同名覆盖
func (p *Processor[S]) Register(eventName string, handler Handler[S]) {
	p.handlers[eventName] = handler
}

// Handles 是否有对应处理函数
func (p *Processor[S]) Handles(eventName string) bool {
	_, ok := p.handlers[eventName]
	return ok
}

// EventTypes 已注册的事件类型
func (p *Processor[S]) EventTypes() []string {
	names := make([]string, 0, len(p.handlers))
	for name := range p.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Ignored 被忽略的未知事件类型计数
func (p *Processor[S]) Ignored() map[string]int {
	result := make(map[string]int, len(p.ignored))
	for k, v := range p.ignored {
		result[k] = v
	}
	return result
}

// CheckOrder 提取排序键并确认其严格晚于当前位置
func (p *Processor[S]) CheckOrder(s S, event *models.Event) (state.EventTime, error) {
	key, err := state.NewEventTime(event)
	if err != nil {
		return key, err
	}
	core := s.Core()
	if core.CurrentEventTime != nil && !core.CurrentEventTime.Before(key) {
		return key, errors.NewReplayError(errors.ErrorTypeOrdering, errors.SeverityCritical,
			errors.ErrOrderingViolation.Code,
			fmt.Sprintf("事件 %s 位于 %s，不晚于当前位置 %s", event.Name, key, core.CurrentEventTime)).
			WithBlockNumber(key.BlockNumber).
			WithTxHash(event.TransactionHash).
			WithComponent("processor")
	}
	return key, nil
}

// ProcessEvent 处理单个事件：校验顺序，推进事件位置，再分发。
// 未注册的事件类型被忽略，但事件位置仍会推进。
func (p *Processor[S]) ProcessEvent(s S, event *models.Event) error {
	key, err := p.CheckOrder(s, event)
	if err != nil {
		return err
	}

	core := s.Core()
	core.Advance(key)
	if event.Timestamp > 0 {
		core.Timestamp = time.Unix(event.Timestamp, 0).UTC()
	}

	handler, ok := p.handlers[event.Name]
	if !ok {
		if p.ignored[event.Name] == 0 {
			p.logger.WithField("event", event.Name).Debug("忽略未知事件类型")
		}
		p.ignored[event.Name]++
		return nil
	}

	if err := handler(s, event); err != nil {
		return annotate(err, event, key)
	}
	return nil
}

// ProcessEvents 依次处理事件，遇到第一个错误即返回
func (p *Processor[S]) ProcessEvents(s S, events []*models.Event) error {
	for _, event := range events {
		if err := p.ProcessEvent(s, event); err != nil {
			return err
		}
	}
	return nil
}

// annotate 为错误附加事件位置，非 ReplayError 视为参数解码错误
func annotate(err error, event *models.Event, key state.EventTime) error {
	replayErr, ok := errors.As(err)
	if !ok {
		replayErr = errors.WrapError(err, errors.ErrorTypeDecode, errors.SeverityMedium,
			errors.ErrDecodeFailed.Code, "事件参数无效: "+event.Name)
		err = replayErr
	}
	if replayErr.BlockNumber == nil {
		replayErr.WithBlockNumber(key.BlockNumber)
	}
	if replayErr.Component == "" {
		replayErr.WithComponent("processor")
	}
	replayErr.WithTxHash(event.TransactionHash).
		WithContext("event", event.Name).
		WithContext("address", event.NormalizedAddress()).
		WithContext("event_time", key.String())
	return err
}
