package source

import (
	"context"
	"fmt"
	"io"
	"math/big"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"backd/internal/config"
	"backd/internal/connection"
	"backd/internal/errors"
	"backd/internal/state"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const mintABI = `[{"anonymous":false,"inputs":[
{"indexed":false,"name":"minter","type":"address"},
{"indexed":false,"name":"mintAmount","type":"uint256"},
{"indexed":false,"name":"mintTokens","type":"uint256"}],"name":"Mint","type":"event"}]`

var cToken = common.HexToAddress("0x5d3a536e4d6dbd6114cc1ead35777bab948e3643")

// fakeNode 按区块范围返回预置日志，跨度超过 maxSpan 时报错
type fakeNode struct {
	mu      sync.Mutex
	logs    []types.Log
	head    uint64
	maxSpan uint64
	fail    error
	queries int32
	headers int32
}

func (n *fakeNode) dialer() connection.Dialer {
	return func(ctx context.Context, url string) (connection.Client, error) {
		return &fakeRPCClient{node: n}, nil
	}
}

type fakeRPCClient struct {
	node *fakeNode
}

func (c *fakeRPCClient) ChainID(ctx context.Context) (*big.Int, error) { return big.NewInt(1), nil }

func (c *fakeRPCClient) BlockNumber(ctx context.Context) (uint64, error) { return c.node.head, nil }

func (c *fakeRPCClient) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	atomic.AddInt32(&c.node.headers, 1)
	return &types.Header{Number: number, Time: number.Uint64() * 10}, nil
}

func (c *fakeRPCClient) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	atomic.AddInt32(&c.node.queries, 1)
	if c.node.fail != nil {
		return nil, c.node.fail
	}
	from, to := q.FromBlock.Uint64(), q.ToBlock.Uint64()
	if c.node.maxSpan > 0 && to-from+1 > c.node.maxSpan {
		return nil, fmt.Errorf("query returned more than 10000 results")
	}

	c.node.mu.Lock()
	defer c.node.mu.Unlock()
	var logs []types.Log
	// 倒序返回，由事件源负责排序
	for i := len(c.node.logs) - 1; i >= 0; i-- {
		log := c.node.logs[i]
		if log.BlockNumber >= from && log.BlockNumber <= to {
			logs = append(logs, log)
		}
	}
	return logs, nil
}

func (c *fakeRPCClient) Close() {}

func mintLog(t *testing.T, block uint64, tx, index uint, amount int64) types.Log {
	t.Helper()
	parsed, err := abi.JSON(strings.NewReader(mintABI))
	require.NoError(t, err)
	event := parsed.Events["Mint"]
	data, err := event.Inputs.Pack(common.HexToAddress("0xbeef"), big.NewInt(amount), big.NewInt(amount*50))
	require.NoError(t, err)
	return types.Log{
		Address:     cToken,
		Topics:      []common.Hash{event.ID},
		Data:        data,
		BlockNumber: block,
		TxIndex:     tx,
		Index:       index,
		TxHash:      common.BigToHash(big.NewInt(int64(block))),
	}
}

func newTestPool(t *testing.T, node *fakeNode) *connection.ConnectionPool {
	t.Helper()
	pool := connection.NewConnectionPool([]*config.NodeConfig{
		{Name: "test", URL: "http://node", Priority: 1, MaxConnections: 2},
	}, node.dialer(), quietLogger())
	require.NoError(t, pool.Initialize(context.Background()))
	return pool
}

func rpcOptions(from, to, batch uint64) RPCOptions {
	return RPCOptions{
		Contracts:   []string{cToken.Hex()},
		FromBlock:   from,
		ToBlock:     to,
		BatchBlocks: batch,
		Prefetch:    2,
		Retry:       noRetry,
		ClosePool:   true,
	}
}

func TestRPCSource_OrderedAcrossBatches(t *testing.T) {
	node := &fakeNode{}
	node.logs = []types.Log{
		mintLog(t, 100, 0, 0, 1),
		mintLog(t, 105, 2, 7, 2),
		mintLog(t, 105, 1, 9, 3),
		mintLog(t, 112, 0, 1, 4),
		mintLog(t, 125, 0, 0, 5),
		mintLog(t, 130, 0, 0, 6),
	}

	src, err := NewRPCSource(context.Background(), newTestPool(t, node), rpcOptions(100, 125, 10), quietLogger())
	require.NoError(t, err)
	defer src.Close()

	events, err := ReadAll(context.Background(), src)
	require.NoError(t, err)
	require.Len(t, events, 5)

	var amounts []string
	for _, event := range events {
		assert.Equal(t, "Mint", event.Name)
		assert.Equal(t, strings.ToLower(cToken.Hex()), event.Address)
		assert.Equal(t, event.BlockNumber*10, event.Timestamp)
		amount, err := event.ReturnValues.BigInt("mintAmount")
		require.NoError(t, err)
		amounts = append(amounts, amount.String())
	}
	assert.Equal(t, []string{"1", "3", "2", "4", "5"}, amounts)

	// 100-109, 110-119, 120-125
	assert.Equal(t, int32(3), atomic.LoadInt32(&node.queries))
	// 每个区块只取一次时间戳
	assert.Equal(t, int32(4), atomic.LoadInt32(&node.headers))
}

func TestRPCSource_ResumeAfter(t *testing.T) {
	node := &fakeNode{}
	node.logs = []types.Log{
		mintLog(t, 100, 0, 0, 1),
		mintLog(t, 105, 1, 9, 2),
		mintLog(t, 105, 2, 0, 3),
		mintLog(t, 106, 0, 0, 4),
	}

	opts := rpcOptions(0, 110, 1000)
	opts.After = &state.EventTime{BlockNumber: 105, TransactionIndex: 1, LogIndex: 9}
	src, err := NewRPCSource(context.Background(), newTestPool(t, node), opts, quietLogger())
	require.NoError(t, err)
	defer src.Close()

	from, to := src.Range()
	assert.Equal(t, uint64(105), from)
	assert.Equal(t, uint64(110), to)

	events, err := ReadAll(context.Background(), src)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, int64(2), events[0].TransactionIndex)
	assert.Equal(t, int64(106), events[1].BlockNumber)
}

func TestRPCSource_SplitsLargeRanges(t *testing.T) {
	node := &fakeNode{maxSpan: 4}
	for block := uint64(0); block < 16; block++ {
		node.logs = append(node.logs, mintLog(t, block, 0, 0, int64(block+1)))
	}

	src, err := NewRPCSource(context.Background(), newTestPool(t, node), rpcOptions(0, 15, 16), quietLogger())
	require.NoError(t, err)
	defer src.Close()

	events, err := ReadAll(context.Background(), src)
	require.NoError(t, err)
	require.Len(t, events, 16)
	for i, event := range events {
		assert.Equal(t, int64(i), event.BlockNumber)
	}
	// 16 -> 8+8 -> 4*4，共 1+2+4 次查询
	assert.Equal(t, int32(7), atomic.LoadInt32(&node.queries))
}

func TestRPCSource_HeadWhenToBlockUnset(t *testing.T) {
	node := &fakeNode{head: 42}
	src, err := NewRPCSource(context.Background(), newTestPool(t, node), rpcOptions(40, 0, 10), quietLogger())
	require.NoError(t, err)
	defer src.Close()

	_, to := src.Range()
	assert.Equal(t, uint64(42), to)

	_, err = src.Next(context.Background())
	assert.Equal(t, io.EOF, err)
}

func TestRPCSource_Errors(t *testing.T) {
	t.Run("节点错误", func(t *testing.T) {
		node := &fakeNode{fail: fmt.Errorf("execution reverted")}
		src, err := NewRPCSource(context.Background(), newTestPool(t, node), rpcOptions(1, 5, 10), quietLogger())
		require.NoError(t, err)
		defer src.Close()

		_, err = src.Next(context.Background())
		require.Error(t, err)
		assert.ErrorIs(t, err, errors.ErrSourceFailed)
		assert.Equal(t, errors.ErrorTypeNetwork, errors.TypeOf(err))
	})

	t.Run("非法合约地址", func(t *testing.T) {
		node := &fakeNode{}
		pool := newTestPool(t, node)
		defer pool.Close()

		opts := rpcOptions(1, 5, 10)
		opts.Contracts = []string{"0x1a3b"}
		_, err := NewRPCSource(context.Background(), pool, opts, quietLogger())
		assert.ErrorIs(t, err, errors.ErrConfigInvalid)
	})

	t.Run("区块范围倒置", func(t *testing.T) {
		node := &fakeNode{}
		pool := newTestPool(t, node)
		defer pool.Close()

		_, err := NewRPCSource(context.Background(), pool, rpcOptions(10, 5, 10), quietLogger())
		assert.ErrorIs(t, err, errors.ErrConfigInvalid)
	})
}

func TestRPCSource_CloseStopsPrefetch(t *testing.T) {
	node := &fakeNode{}
	for block := uint64(0); block < 50; block++ {
		node.logs = append(node.logs, mintLog(t, block, 0, 0, 1))
	}
	opts := rpcOptions(0, 49, 1)
	opts.Prefetch = 1
	src, err := NewRPCSource(context.Background(), newTestPool(t, node), opts, quietLogger())
	require.NoError(t, err)

	_, err = src.Next(context.Background())
	require.NoError(t, err)
	require.NoError(t, src.Close())
	// 重复关闭无副作用
	require.NoError(t, src.Close())
	assert.Less(t, atomic.LoadInt32(&node.queries), int32(50))
}
