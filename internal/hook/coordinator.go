package hook

import (
	"fmt"
	"runtime/debug"

	"backd/internal/errors"
	"backd/internal/logging"
	"backd/internal/state"
	"backd/pkg/models"
	"github.com/sirupsen/logrus"
)

// 生命周期阶段名
const (
	PhaseGlobalStart      = "global_start"
	PhaseGlobalEnd        = "global_end"
	PhaseBlockStart       = "block_start"
	PhaseBlockEnd         = "block_end"
	PhaseTransactionStart = "transaction_start"
	PhaseTransactionEnd   = "transaction_end"
	PhaseEventStart       = "event_start"
	PhaseEventEnd         = "event_end"
	PhaseAccrue           = "accrue"
)

type namedHook struct {
	name string
	hook Hook
}

// FailureFunc 钩子失败通知
type FailureFunc func(hookName, phase string, err error)

// Coordinator 在事件流中识别区块、交易边界并按顺序触发钩子。
// 交易以 (区块, 交易序号) 标识；只有已开启的区块或交易才会触发结束回调。
type Coordinator struct {
	logger    *logrus.Logger
	hooks     []namedHook
	onFailure []FailureFunc

	started   bool
	finished  bool
	blockOpen bool
	lastBlock uint64
	txOpen    bool
	lastTx    uint64

	failures map[string]int
}

// NewCoordinator 创建协调器
func NewCoordinator(logger *logrus.Logger) *Coordinator {
	return &Coordinator{
		logger:   logger,
		failures: make(map[string]int),
	}
}

// Build 按配置从注册表创建钩子
func Build(logger *logrus.Logger, specs []Spec, opts Options) (*Coordinator, error) {
	c := NewCoordinator(logger)
	for _, spec := range specs {
		factory, err := Registry.Get(spec.Name)
		if err != nil {
			return nil, err
		}
		hookOpts := opts
		hookOpts.Params = spec.Params
		if hookOpts.Logger == nil {
			hookOpts.Logger = logger
		}
		h, err := factory(hookOpts)
		if err != nil {
			return nil, errors.WrapError(err, errors.ErrorTypeConfig, errors.SeverityCritical,
				errors.ErrConfigInvalid.Code, "创建钩子失败: "+spec.Name)
		}
		c.Add(spec.Name, h)
	}
	return c, nil
}

// Add 追加钩子，按添加顺序执行
func (c *Coordinator) Add(name string, h Hook) {
	c.hooks = append(c.hooks, namedHook{name: name, hook: h})
}

// Names 钩子名称
func (c *Coordinator) Names() []string {
	names := make([]string, 0, len(c.hooks))
	for _, h := range c.hooks {
		names = append(names, h.name)
	}
	return names
}

// OnFailure 注册钩子失败通知
func (c *Coordinator) OnFailure(fn FailureFunc) {
	c.onFailure = append(c.onFailure, fn)
}

// Failures 各钩子的失败次数
func (c *Coordinator) Failures() map[string]int {
	result := make(map[string]int, len(c.failures))
	for k, v := range c.failures {
		result[k] = v
	}
	return result
}

// Initialize 触发 GlobalStart，只执行一次
func (c *Coordinator) Initialize(s *state.State) {
	if c.started {
		return
	}
	c.started = true
	view := NewView(s)
	c.each(PhaseGlobalStart, func(h Hook) error { return h.GlobalStart(view) })
}

// ExecuteStart 在事件处理前调用：关闭旧交易和区块，开启新区块和交易，再触发 EventStart。
// 只有 Accruer 的错误会返回。
func (c *Coordinator) ExecuteStart(s *state.State, event *models.Event) error {
	key, err := state.NewEventTime(event)
	if err != nil {
		return err
	}
	c.Initialize(s)
	view := NewView(s)

	blockChanged := !c.blockOpen || key.BlockNumber != c.lastBlock
	txChanged := blockChanged || !c.txOpen || key.TransactionIndex != c.lastTx

	if txChanged && c.txOpen {
		block, tx := c.lastBlock, c.lastTx
		c.each(PhaseTransactionEnd, func(h Hook) error { return h.TransactionEnd(view, block, tx) })
		c.txOpen = false
	}
	if blockChanged {
		if c.blockOpen {
			block := c.lastBlock
			c.each(PhaseBlockEnd, func(h Hook) error { return h.BlockEnd(view, block) })
		}
		c.blockOpen = true
		c.lastBlock = key.BlockNumber
		if err := c.accrue(s, key.BlockNumber); err != nil {
			return err
		}
		c.each(PhaseBlockStart, func(h Hook) error { return h.BlockStart(view, key.BlockNumber) })
	}
	if txChanged {
		c.txOpen = true
		c.lastTx = key.TransactionIndex
		c.each(PhaseTransactionStart, func(h Hook) error {
			return h.TransactionStart(view, key.BlockNumber, key.TransactionIndex)
		})
	}

	c.each(PhaseEventStart, func(h Hook) error { return h.EventStart(view, event) })
	return nil
}

// ExecuteEnd 在事件处理后调用
func (c *Coordinator) ExecuteEnd(s *state.State, event *models.Event) {
	view := NewView(s)
	c.each(PhaseEventEnd, func(h Hook) error { return h.EventEnd(view, event) })
}

// Finalize 关闭未结束的交易和区块，触发 GlobalEnd，只执行一次
func (c *Coordinator) Finalize(s *state.State) {
	if c.finished {
		return
	}
	c.Initialize(s)
	view := NewView(s)
	if c.txOpen {
		block, tx := c.lastBlock, c.lastTx
		c.each(PhaseTransactionEnd, func(h Hook) error { return h.TransactionEnd(view, block, tx) })
		c.txOpen = false
	}
	if c.blockOpen {
		block := c.lastBlock
		c.each(PhaseBlockEnd, func(h Hook) error { return h.BlockEnd(view, block) })
		c.blockOpen = false
	}
	c.each(PhaseGlobalEnd, func(h Hook) error { return h.GlobalEnd(view) })
	c.finished = true
}

// ProcessEvents 用钩子包裹每次事件处理；process 出错时立即返回，不触发 GlobalEnd
func (c *Coordinator) ProcessEvents(s *state.State, events []*models.Event, process func(*models.Event) error) error {
	c.Initialize(s)
	for _, event := range events {
		if err := c.ExecuteStart(s, event); err != nil {
			return err
		}
		if err := process(event); err != nil {
			return err
		}
		c.ExecuteEnd(s, event)
	}
	c.Finalize(s)
	return nil
}

func (c *Coordinator) accrue(s *state.State, block uint64) error {
	for _, h := range c.hooks {
		accruer, ok := h.hook.(Accruer)
		if !ok {
			continue
		}
		if err := accruer.Accrue(s, block); err != nil {
			return errors.WrapError(err, errors.ErrorTypePrecondition, errors.SeverityHigh,
				errors.ErrPrecondition.Code, "钩子计息失败: "+h.name).
				WithBlockNumber(block).
				WithComponent("hook:" + h.name)
		}
	}
	return nil
}

func (c *Coordinator) each(phase string, fn func(h Hook) error) {
	for _, h := range c.hooks {
		c.call(h, phase, fn)
	}
}

func (c *Coordinator) call(h namedHook, phase string, fn func(h Hook) error) {
	defer func() {
		if r := recover(); r != nil {
			c.fail(h.name, phase, fmt.Errorf("panic: %v", r), string(debug.Stack()))
		}
	}()
	if err := fn(h.hook); err != nil {
		c.fail(h.name, phase, err, "")
	}
}

func (c *Coordinator) fail(name, phase string, err error, stack string) {
	c.failures[name]++
	entry := logging.NewHookLogger(c.logger, name).WithFields(logrus.Fields{
		"phase":      phase,
		"error_code": errors.ErrHookFailed.Code,
	})
	if c.blockOpen {
		entry = entry.WithField("block_number", c.lastBlock)
	}
	if stack != "" {
		entry = entry.WithField("stack", stack)
	}
	entry.WithError(err).Error("钩子执行失败")
	for _, fn := range c.onFailure {
		fn(name, phase, err)
	}
}
