package source

import (
	"context"
	"io"

	"backd/internal/config"
	"backd/internal/connection"
	"backd/internal/errors"
	"backd/internal/state"
	"backd/pkg/models"
	"github.com/sirupsen/logrus"
)

// Source 有序事件流，读完时返回 io.EOF
type Source interface {
	Next(ctx context.Context) (*models.Event, error)
	Close() error
}

// SliceSource 内存中的事件列表
type SliceSource struct {
	events []*models.Event
	pos    int
}

// NewSliceSource 创建内存事件源
func NewSliceSource(events []*models.Event) *SliceSource {
	return &SliceSource{events: events}
}

// Next 返回下一个事件
func (s *SliceSource) Next(ctx context.Context) (*models.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.pos >= len(s.events) {
		return nil, io.EOF
	}
	event := s.events[s.pos]
	s.pos++
	return event, nil
}

// Close 无需释放资源
func (s *SliceSource) Close() error {
	return nil
}

// ReadAll 读完事件源中的全部事件
func ReadAll(ctx context.Context, src Source) ([]*models.Event, error) {
	var events []*models.Event
	for {
		event, err := src.Next(ctx)
		if err == io.EOF {
			return events, nil
		}
		if err != nil {
			return events, err
		}
		events = append(events, event)
	}
}

// NewFromConfig 按配置创建事件源。after 非空时，支持下推的事件源只返回其后的事件，
// 文件源仍从头读取，由调用方跳过。
func NewFromConfig(ctx context.Context, cfg *config.SourceConfig, chain *config.BlockchainConfig, after *state.EventTime, logger *logrus.Logger) (Source, error) {
	var (
		src Source
		err error
	)
	switch cfg.Type {
	case config.SourceFile, "":
		src, err = NewFileSource(cfg.Path, logger)
	case config.SourcePostgres:
		src, err = NewPostgresSource(cfg.DSN, PostgresOptions{
			Table:    cfg.Table,
			PageSize: cfg.PageSize,
			After:    after,
		}, logger)
	case config.SourceRPC:
		if chain == nil {
			return nil, errors.NewReplayError(errors.ErrorTypeConfig, errors.SeverityCritical,
				errors.ErrConfigInvalid.Code, "rpc 事件源需要 blockchain 配置")
		}
		pool := connection.NewConnectionPool(chain.Nodes, connection.DialEthereum, logger)
		if err := pool.Initialize(ctx); err != nil {
			pool.Close()
			return nil, err
		}
		src, err = NewRPCSource(ctx, pool, RPCOptions{
			Contracts:   cfg.Contracts,
			FromBlock:   cfg.FromBlock,
			ToBlock:     cfg.ToBlock,
			BatchBlocks: cfg.BatchBlocks,
			Prefetch:    cfg.Prefetch,
			After:       after,
			ClosePool:   true,
		}, logger)
		if err != nil {
			pool.Close()
		}
	default:
		return nil, errors.NewReplayError(errors.ErrorTypeConfig, errors.SeverityCritical,
			errors.ErrConfigInvalid.Code, "未知的事件源类型: "+cfg.Type)
	}
	if err != nil {
		return nil, err
	}
	return src, nil
}
