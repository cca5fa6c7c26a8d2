package replay

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"backd/internal/config"
	"backd/internal/errors"
	"backd/internal/hook"
	"backd/internal/logging"
	"backd/internal/metrics"
	"backd/internal/progress"
	"backd/internal/protocols/compound"
	"backd/internal/retry"
	"backd/internal/source"
	"backd/internal/state"
	"backd/internal/validation"
	"backd/pkg/models"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Result 一次重放的统计
type Result struct {
	RunID         string           `json:"run_id"`
	Processed     uint64           `json:"processed"`
	Skipped       uint64           `json:"skipped"`
	Ignored       uint64           `json:"ignored"`
	Resumed       uint64           `json:"resumed"` // 恢复时跳过的已处理事件
	Snapshots     int              `json:"snapshots"`
	LastEventTime *state.EventTime `json:"last_event_time,omitempty"`
	HookFailures  map[string]int   `json:"hook_failures,omitempty"`
	Duration      time.Duration    `json:"duration"`
}

// Runner 从事件源拉取事件，依次经过校验、顺序检查、钩子和处理器，并定期保存快照。
// Runner 只能在一个协程中使用。
type Runner struct {
	cfg         *config.Config
	logger      *logrus.Logger
	processor   *compound.Processor
	validator   *validation.Validator
	errHandler  *errors.ErrorHandler
	coordinator *hook.Coordinator
	store       *progress.Manager
	metrics     *metrics.Metrics
	retrier     *retry.Retrier

	runID    string
	state    *compound.State
	resumeAt *state.EventTime

	result         Result
	sinceSnapshot  int
	lastCheckpoint *state.EventTime
}

// NewRunner 根据配置组装重放流水线。store、sink 和 m 可以为 nil。
func NewRunner(cfg *config.Config, store *progress.Manager, sink hook.Sink, m *metrics.Metrics, logger *logrus.Logger) (*Runner, error) {
	return NewRunnerWithID(uuid.NewString(), cfg, store, sink, m, logger)
}

// NewRunnerWithID 使用调用方生成的运行标识，便于输出文件与运行对应
func NewRunnerWithID(runID string, cfg *config.Config, store *progress.Manager, sink hook.Sink, m *metrics.Metrics, logger *logrus.Logger) (*Runner, error) {
	if err := compound.RegisterAliases(cfg.Oracles.Aliases, cfg.InterestRateModels.Aliases); err != nil {
		return nil, err
	}

	coordinator, err := hook.Build(logger, cfg.Hooks, hook.Options{
		Logger: logger,
		Sink:   sink,
		RunID:  runID,
	})
	if err != nil {
		return nil, err
	}

	errHandler := errors.NewErrorHandler(logger)
	errHandler.ApplyPolicy(errors.ErrorTypePrecondition, errors.Policy(cfg.Processor.OnPrecondition))
	errHandler.ApplyPolicy(errors.ErrorTypeLookup, errors.Policy(cfg.Processor.OnLookup))

	r := &Runner{
		cfg:    cfg,
		logger: logger,
		processor: compound.NewProcessor(logger, compound.Options{
			SeizeCollateral: cfg.Processor.SeizeOnLiquidation,
		}),
		validator:   validation.NewValidator(logger, cfg.Processor.Strict),
		errHandler:  errHandler,
		coordinator: coordinator,
		store:       store,
		metrics:     m,
		retrier:     retry.NewRetrier(retry.StorageRetryConfig, logger),
		runID:       runID,
		state:       newState(cfg),
	}
	r.result.RunID = runID

	coordinator.OnFailure(func(hookName, phase string, err error) {
		if r.metrics != nil {
			r.metrics.HookFailed(hookName, phase)
		}
	})
	if m != nil {
		r.retrier.OnRetry(m.Retried)
	}

	logger.WithFields(logrus.Fields{
		"run_id":   runID,
		"protocol": cfg.Protocol,
		"hooks":    coordinator.Names(),
	}).Info("重放流水线已创建")
	return r, nil
}

func newState(cfg *config.Config) *compound.State {
	s := compound.NewState()
	s.InterestRateModels.SetFallback(cfg.InterestRateModels.Fallback)
	return s
}

// RunID 本次运行的标识
func (r *Runner) RunID() string {
	return r.runID
}

// State 当前状态。重放进行中不得从其他协程读取。
func (r *Runner) State() *compound.State {
	return r.state
}

// Restore 载入最近的快照作为起点，返回快照位置；没有快照时返回 nil
func (r *Runner) Restore() (*state.EventTime, error) {
	if r.store == nil {
		return nil, nil
	}
	at, data, found, err := r.store.LatestSnapshot(compound.ProtocolName)
	if err != nil {
		return nil, err
	}
	if !found {
		r.logger.Info("没有可恢复的快照，从头开始重放")
		return nil, nil
	}

	restored := newState(r.cfg)
	if err := json.Unmarshal(data, restored); err != nil {
		return nil, err
	}
	restored.InterestRateModels.SetFallback(r.cfg.InterestRateModels.Fallback)

	r.state = restored
	r.resumeAt = &at
	r.lastCheckpoint = &at
	r.logger.WithFields(logrus.Fields{
		"event_time": at.String(),
		"markets":    restored.Markets.Len(),
	}).Info("已从快照恢复状态")
	return &at, nil
}

// Run 消费事件源直到结束、出错或 ctx 取消。
// 正常结束和取消时保存快照；致命错误时保留上一个快照，避免写入处理了一半的状态。
func (r *Runner) Run(ctx context.Context, src source.Source) (*Result, error) {
	start := time.Now()
	if r.store != nil {
		if err := r.store.StartRun(r.runID, compound.ProtocolName); err != nil {
			return nil, err
		}
	}

	core := r.state.State
	r.coordinator.Initialize(core)

	for {
		if err := ctx.Err(); err != nil {
			r.logger.Warn("重放被取消，保存当前状态")
			return r.finish(start, false, err)
		}

		event, err := src.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				return r.finish(start, false, ctx.Err())
			}
			return r.fail(start, err)
		}

		if err := r.step(ctx, event); err != nil {
			return r.fail(start, err)
		}
	}

	r.coordinator.Finalize(core)
	return r.finish(start, true, nil)
}

// step 处理单个事件，返回值非空表示重放必须中止
func (r *Runner) step(ctx context.Context, event *models.Event) error {
	started := time.Now()

	if r.resumeAt != nil {
		if key, err := state.NewEventTime(event); err == nil && !r.resumeAt.Before(key) {
			r.result.Resumed++
			return nil
		}
	}

	if err := r.validator.Check(event); err != nil {
		return r.reject(ctx, event, err, started)
	}
	if _, err := r.processor.CheckOrder(r.state, event); err != nil {
		return r.reject(ctx, event, err, started)
	}
	if err := r.coordinator.ExecuteStart(r.state.State, event); err != nil {
		return r.reject(ctx, event, err, started)
	}

	if err := r.processor.ProcessEvent(r.state, event); err != nil {
		if rejected := r.reject(ctx, event, err, started); rejected != nil {
			return rejected
		}
		r.coordinator.ExecuteEnd(r.state.State, event)
		return r.maybeCheckpoint()
	}
	r.coordinator.ExecuteEnd(r.state.State, event)

	result := metrics.ResultProcessed
	if r.processor.Handles(event.Name) {
		r.result.Processed++
	} else {
		r.result.Ignored++
		result = metrics.ResultIgnored
	}
	r.observe(event, result, started)
	return r.maybeCheckpoint()
}

// reject 按错误策略决定中止还是跳过
func (r *Runner) reject(ctx context.Context, event *models.Event, err error, started time.Time) error {
	logging.NewEventLogger(r.logger, event).WithError(err).Debug("事件处理失败")

	if handled := r.errHandler.HandleError(ctx, err); handled != nil {
		r.observe(event, metrics.ResultFailed, started)
		return handled
	}
	r.result.Skipped++
	r.observe(event, metrics.ResultSkipped, started)
	return nil
}

func (r *Runner) observe(event *models.Event, result string, started time.Time) {
	if r.metrics != nil {
		r.metrics.ObserveEvent(event.Name, result, event.BlockNumberUint(), time.Since(started))
	}
}

func (r *Runner) maybeCheckpoint() error {
	r.sinceSnapshot++
	interval := r.cfg.Snapshot.Interval
	if interval <= 0 || r.sinceSnapshot < interval {
		return nil
	}
	return r.Checkpoint()
}

// Checkpoint 保存当前状态快照和进度
func (r *Runner) Checkpoint() error {
	r.sinceSnapshot = 0
	current := r.state.CurrentEventTime
	if r.store == nil || current == nil {
		return nil
	}
	if r.lastCheckpoint != nil && r.lastCheckpoint.Compare(*current) == 0 {
		return nil
	}

	data, err := json.Marshal(r.state)
	if err != nil {
		return errors.WrapError(err, errors.ErrorTypeSerialization, errors.SeverityHigh,
			errors.ErrSerializationFailed.Code, "状态序列化失败")
	}

	at := *current
	err = r.retrier.Execute(context.Background(), "save_snapshot", func() error {
		return r.store.SaveSnapshot(compound.ProtocolName, at, data)
	})
	if err != nil {
		return err
	}
	if err := r.store.UpdateProgress(at, r.result.Processed, r.result.Skipped); err != nil {
		return err
	}
	if keep := r.cfg.Snapshot.Keep; keep > 0 {
		if _, err := r.store.PruneSnapshots(compound.ProtocolName, keep); err != nil {
			r.logger.WithError(err).Warn("清理旧快照失败")
		}
	}

	r.lastCheckpoint = &at
	r.result.Snapshots++
	if r.metrics != nil {
		r.metrics.SnapshotSaved()
		r.metrics.SetMarkets(r.state.Markets.Len())
	}

	r.logger.WithFields(logrus.Fields{
		"event_time": at.String(),
		"processed":  r.result.Processed,
		"skipped":    r.result.Skipped,
		"bytes":      len(data),
	}).Info("快照已保存")
	return nil
}

func (r *Runner) finish(start time.Time, completed bool, cause error) (*Result, error) {
	if err := r.Checkpoint(); err != nil {
		r.logger.WithError(err).Error("保存最终快照失败")
		if cause == nil {
			cause = err
		}
	}
	result := r.snapshotResult(start)
	if completed {
		r.logger.WithFields(logrus.Fields{
			"run_id":    result.RunID,
			"processed": result.Processed,
			"skipped":   result.Skipped,
			"ignored":   result.Ignored,
			"resumed":   result.Resumed,
			"duration":  result.Duration.String(),
		}).Info("重放完成")
	}
	return result, cause
}

func (r *Runner) fail(start time.Time, err error) (*Result, error) {
	r.logger.WithError(err).Error("重放中止")
	if r.store != nil && r.lastCheckpoint != nil {
		if perr := r.store.UpdateProgress(*r.lastCheckpoint, r.result.Processed, r.result.Skipped); perr != nil {
			r.logger.WithError(perr).Warn("更新进度失败")
		}
	}
	return r.snapshotResult(start), err
}

func (r *Runner) snapshotResult(start time.Time) *Result {
	result := r.result
	result.Duration = time.Since(start)
	result.HookFailures = r.coordinator.Failures()
	if current := r.state.CurrentEventTime; current != nil {
		at := *current
		result.LastEventTime = &at
	}
	return &result
}

// ErrorStats 错误统计
func (r *Runner) ErrorStats() *errors.ErrorStats {
	return r.errHandler.GetStats()
}
