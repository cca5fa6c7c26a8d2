package source

import (
	"context"
	"fmt"
	"io"
	"math/big"
	"sort"
	"strings"
	"sync"

	"backd/internal/connection"
	"backd/internal/decoder"
	"backd/internal/errors"
	"backd/internal/logging"
	"backd/internal/retry"
	"backd/internal/state"
	"backd/pkg/models"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/sirupsen/logrus"
)

// RPCOptions 节点事件源选项
type RPCOptions struct {
	Contracts   []string
	FromBlock   uint64
	ToBlock     uint64 // 0 表示启动时的最新区块
	BatchBlocks uint64
	Prefetch    int
	After       *state.EventTime
	Retry       *retry.RetryConfig
	ClosePool   bool // Close 时一并关闭连接池
}

// batch 一个区块区间解码后的事件
type batch struct {
	from, to uint64
	events   []*models.Event
	err      error
}

// RPCSource 通过 eth_getLogs 按区块区间拉取并解码 Compound 事件，后台预取
type RPCSource struct {
	pool    *connection.ConnectionPool
	decoder *decoder.LogDecoder
	retrier *retry.Retrier
	logger  *logrus.Logger
	opts    RPCOptions
	query   ethereum.FilterQuery

	batches chan batch
	buffer  []*models.Event
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	once    sync.Once
}

// NewRPCSource 创建节点事件源并启动预取
func NewRPCSource(ctx context.Context, pool *connection.ConnectionPool, opts RPCOptions, logger *logrus.Logger) (*RPCSource, error) {
	dec, err := decoder.NewLogDecoder(logger)
	if err != nil {
		return nil, err
	}
	if opts.BatchBlocks == 0 {
		opts.BatchBlocks = 2000
	}
	if opts.Prefetch <= 0 {
		opts.Prefetch = 1
	}
	if opts.After != nil && opts.After.BlockNumber > opts.FromBlock {
		opts.FromBlock = opts.After.BlockNumber
	}

	addresses := make([]common.Address, 0, len(opts.Contracts))
	for _, contract := range opts.Contracts {
		if !common.IsHexAddress(contract) {
			return nil, errors.NewReplayError(errors.ErrorTypeConfig, errors.SeverityCritical,
				errors.ErrConfigInvalid.Code, "非法的合约地址: "+contract)
		}
		addresses = append(addresses, common.HexToAddress(contract))
	}

	retryConfig := opts.Retry
	if retryConfig == nil {
		retryConfig = retry.NetworkRetryConfig
	}

	s := &RPCSource{
		pool:    pool,
		decoder: dec,
		retrier: retry.NewRetrier(retryConfig, logger),
		logger:  logger,
		opts:    opts,
		query: ethereum.FilterQuery{
			Addresses: addresses,
			Topics:    [][]common.Hash{dec.Topics()},
		},
		batches: make(chan batch, opts.Prefetch),
	}

	if s.opts.ToBlock == 0 {
		head, err := s.blockNumber(ctx)
		if err != nil {
			return nil, err
		}
		s.opts.ToBlock = head
	}
	if s.opts.ToBlock < s.opts.FromBlock {
		return nil, errors.NewReplayError(errors.ErrorTypeConfig, errors.SeverityCritical,
			errors.ErrConfigInvalid.Code,
			fmt.Sprintf("区块范围无效: %d > %d", s.opts.FromBlock, s.opts.ToBlock))
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.wg.Add(1)
	go s.prefetch(runCtx)

	logger.WithFields(logrus.Fields{
		"contracts":    len(addresses),
		"from_block":   s.opts.FromBlock,
		"to_block":     s.opts.ToBlock,
		"batch_blocks": s.opts.BatchBlocks,
		"prefetch":     s.opts.Prefetch,
	}).Info("节点事件源已启动")
	return s, nil
}

// Range 实际拉取的区块范围
func (s *RPCSource) Range() (uint64, uint64) {
	return s.opts.FromBlock, s.opts.ToBlock
}

// Next 返回下一个事件
func (s *RPCSource) Next(ctx context.Context) (*models.Event, error) {
	for len(s.buffer) == 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case b, ok := <-s.batches:
			if !ok {
				return nil, io.EOF
			}
			if b.err != nil {
				return nil, b.err
			}
			s.buffer = b.events
		}
	}
	event := s.buffer[0]
	s.buffer = s.buffer[1:]
	return event, nil
}

// Close 停止预取并按需关闭连接池
func (s *RPCSource) Close() error {
	var err error
	s.once.Do(func() {
		s.cancel()
		s.wg.Wait()
		s.logger.WithField("nodes", s.pool.GetStats()).Debug("节点连接池统计")
		if s.opts.ClosePool {
			err = s.pool.Close()
		}
	})
	return err
}

func (s *RPCSource) prefetch(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.batches)

	for from := s.opts.FromBlock; from <= s.opts.ToBlock; {
		to := from + s.opts.BatchBlocks - 1
		if to > s.opts.ToBlock || to < from {
			to = s.opts.ToBlock
		}

		events, err := s.fetchRange(ctx, from, to)
		b := batch{from: from, to: to, events: events, err: err}
		select {
		case s.batches <- b:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}

		s.logger.WithFields(logrus.Fields{
			"from_block": from,
			"to_block":   to,
			"events":     len(events),
		}).Debug("区块区间已拉取")

		if to == s.opts.ToBlock {
			return
		}
		from = to + 1
	}
}

// fetchRange 拉取、排序、解码一个区块区间
func (s *RPCSource) fetchRange(ctx context.Context, from, to uint64) ([]*models.Event, error) {
	logs, err := s.filterLogs(ctx, from, to)
	if err != nil {
		return nil, err
	}
	sort.Slice(logs, func(i, j int) bool {
		a, b := logs[i], logs[j]
		if a.BlockNumber != b.BlockNumber {
			return a.BlockNumber < b.BlockNumber
		}
		if a.TxIndex != b.TxIndex {
			return a.TxIndex < b.TxIndex
		}
		return a.Index < b.Index
	})

	timestamps := make(map[uint64]int64)
	events := make([]*models.Event, 0, len(logs))
	for _, log := range logs {
		if log.Removed {
			continue
		}
		if s.opts.After != nil && !s.opts.After.Before(eventTimeOf(log)) {
			continue
		}
		event, err := s.decoder.Decode(log)
		if err != nil {
			return nil, err
		}

		ts, ok := timestamps[log.BlockNumber]
		if !ok {
			ts, err = s.blockTime(ctx, log.BlockNumber)
			if err != nil {
				return nil, err
			}
			timestamps[log.BlockNumber] = ts
		}
		event.Timestamp = ts
		events = append(events, event)
	}
	return events, nil
}

// filterLogs 区间结果过多时对半拆分
func (s *RPCSource) filterLogs(ctx context.Context, from, to uint64) ([]types.Log, error) {
	query := s.query
	query.FromBlock = new(big.Int).SetUint64(from)
	query.ToBlock = new(big.Int).SetUint64(to)

	logs, err := retry.Do(ctx, s.retrier, "eth_getLogs", func() ([]types.Log, error) {
		conn, err := s.pool.NewConnectionWrapper(ctx)
		if err != nil {
			return nil, err
		}
		logs, err := conn.Client().FilterLogs(ctx, query)
		if err != nil {
			logging.NewRPCLogger(s.logger, "eth_getLogs", conn.NodeName()).
				WithError(err).Debugf("区块 %d-%d 拉取失败", from, to)
		}
		if err != nil && tooManyResults(err) {
			// 节点正常，只是区间过大
			conn.Release(nil)
		} else {
			conn.Release(err)
		}
		return logs, err
	})
	if err == nil {
		return logs, nil
	}
	if !tooManyResults(err) || from == to {
		return nil, s.wrapNodeError(err, "eth_getLogs", from)
	}

	mid := from + (to-from)/2
	s.logger.WithFields(logrus.Fields{
		"from_block": from,
		"to_block":   to,
	}).Warn("日志过多，拆分区块区间")

	left, err := s.filterLogs(ctx, from, mid)
	if err != nil {
		return nil, err
	}
	right, err := s.filterLogs(ctx, mid+1, to)
	if err != nil {
		return nil, err
	}
	return append(left, right...), nil
}

func (s *RPCSource) blockNumber(ctx context.Context) (uint64, error) {
	head, err := retry.Do(ctx, s.retrier, "eth_blockNumber", func() (uint64, error) {
		conn, err := s.pool.NewConnectionWrapper(ctx)
		if err != nil {
			return 0, err
		}
		head, err := conn.Client().BlockNumber(ctx)
		conn.Release(err)
		return head, err
	})
	if err != nil {
		return 0, s.wrapNodeError(err, "eth_blockNumber", 0)
	}
	return head, nil
}

func (s *RPCSource) blockTime(ctx context.Context, number uint64) (int64, error) {
	header, err := retry.Do(ctx, s.retrier, "eth_getBlockByNumber", func() (*types.Header, error) {
		conn, err := s.pool.NewConnectionWrapper(ctx)
		if err != nil {
			return nil, err
		}
		header, err := conn.Client().HeaderByNumber(ctx, new(big.Int).SetUint64(number))
		conn.Release(err)
		return header, err
	})
	if err != nil {
		return 0, s.wrapNodeError(err, "eth_getBlockByNumber", number)
	}
	return int64(header.Time), nil
}

func (s *RPCSource) wrapNodeError(err error, method string, block uint64) error {
	if err == context.Canceled || err == context.DeadlineExceeded {
		return err
	}
	return errors.WrapError(err, errors.ErrorTypeNetwork, errors.SeverityHigh,
		errors.ErrSourceFailed.Code, method+" 调用失败").
		WithComponent("rpc_source").
		WithBlockNumber(block)
}

func eventTimeOf(log types.Log) state.EventTime {
	return state.EventTime{
		BlockNumber:      log.BlockNumber,
		TransactionIndex: uint64(log.TxIndex),
		LogIndex:         uint64(log.Index),
	}
}

// tooManyResults 节点拒绝过大查询时的错误特征
func tooManyResults(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, pattern := range []string{"more than", "too many", "limit exceeded", "response size", "block range"} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}
