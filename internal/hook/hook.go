package hook

import (
	"backd/internal/registry"
	"backd/internal/state"
	"backd/pkg/models"
	"github.com/sirupsen/logrus"
)

// Hook 重放生命周期观察者。回调返回的错误和 panic 由协调器隔离并记录，
// 不会中断重放。
type Hook interface {
	GlobalStart(v View) error
	GlobalEnd(v View) error
	BlockStart(v View, block uint64) error
	BlockEnd(v View, block uint64) error
	TransactionStart(v View, block, tx uint64) error
	TransactionEnd(v View, block, tx uint64) error
	EventStart(v View, event *models.Event) error
	EventEnd(v View, event *models.Event) error
}

// Accruer 可以在每个新区块开始时直接修改核心余额的钩子。
// 这是钩子唯一被允许写核心状态的入口，返回的错误会中止重放。
type Accruer interface {
	Accrue(s *state.State, block uint64) error
}

// Base 全部回调为空操作，具体钩子嵌入后只实现关心的回调
type Base struct{}

func (Base) GlobalStart(View) error                      { return nil }
func (Base) GlobalEnd(View) error                        { return nil }
func (Base) BlockStart(View, uint64) error               { return nil }
func (Base) BlockEnd(View, uint64) error                 { return nil }
func (Base) TransactionStart(View, uint64, uint64) error { return nil }
func (Base) TransactionEnd(View, uint64, uint64) error   { return nil }
func (Base) EventStart(View, *models.Event) error        { return nil }
func (Base) EventEnd(View, *models.Event) error          { return nil }

// Sink 钩子产出的分析记录去向
type Sink interface {
	WriteRecord(kind string, record interface{}) error
}

// Options 构造钩子的参数
type Options struct {
	Logger *logrus.Logger
	Params map[string]string
	Sink   Sink
	RunID  string
}

// Param 读取字符串参数
func (o Options) Param(key, fallback string) string {
	if value, ok := o.Params[key]; ok && value != "" {
		return value
	}
	return fallback
}

// Emit 写入 sink，未配置 sink 时忽略
func (o Options) Emit(kind string, record interface{}) error {
	if o.Sink == nil {
		return nil
	}
	return o.Sink.WriteRecord(kind, record)
}

// Factory 钩子构造器
type Factory func(opts Options) (Hook, error)

// Registry 钩子注册表
var Registry = registry.New[Factory]("hook")

// Spec 配置中的单个钩子
type Spec struct {
	Name   string            `mapstructure:"name" json:"name"`
	Params map[string]string `mapstructure:"params" json:"params,omitempty"`
}
