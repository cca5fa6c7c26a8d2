package connection

import (
	"context"
	"errors"
	"math/big"
	"sync/atomic"
	"testing"

	"backd/internal/config"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClient struct {
	url    string
	closed atomic.Bool
	fail   bool
}

func (c *fakeClient) ChainID(ctx context.Context) (*big.Int, error) {
	if c.fail {
		return nil, errors.New("connection refused")
	}
	return big.NewInt(1), nil
}

func (c *fakeClient) BlockNumber(ctx context.Context) (uint64, error) { return 100, nil }

func (c *fakeClient) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	return &types.Header{Number: number}, nil
}

func (c *fakeClient) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	return nil, nil
}

func (c *fakeClient) Close() { c.closed.Store(true) }

// fakeDialer 对 down 中的地址返回无法通过 ChainID 的连接
func fakeDialer(down map[string]bool, dials *int32) Dialer {
	return func(ctx context.Context, url string) (Client, error) {
		atomic.AddInt32(dials, 1)
		return &fakeClient{url: url, fail: down[url]}, nil
	}
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func testNodes() []*config.NodeConfig {
	return []*config.NodeConfig{
		{Name: "backup", URL: "http://backup", Priority: 2, MaxConnections: 2},
		{Name: "primary", URL: "http://primary", Priority: 1, MaxConnections: 2},
	}
}

func TestConnectionPool_PrefersPriority(t *testing.T) {
	var dials int32
	pool := NewConnectionPool(testNodes(), fakeDialer(nil, &dials), quietLogger())
	require.NoError(t, pool.Initialize(context.Background()))
	defer pool.Close()

	client, name, err := pool.GetClient(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "primary", name)
	assert.Equal(t, "http://primary", client.(*fakeClient).url)

	// 归还后复用预建连接，不再拨号
	before := atomic.LoadInt32(&dials)
	pool.ReturnClient(client, name, nil)
	_, name, err = pool.GetClient(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "primary", name)
	assert.Equal(t, before, atomic.LoadInt32(&dials))
}

func TestConnectionPool_FallsBackWhenPrimaryDown(t *testing.T) {
	var dials int32
	pool := NewConnectionPool(testNodes(), fakeDialer(map[string]bool{"http://primary": true}, &dials), quietLogger())
	require.NoError(t, pool.Initialize(context.Background()))
	defer pool.Close()

	_, name, err := pool.GetClient(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "backup", name)
}

func TestConnectionPool_NoHealthyNode(t *testing.T) {
	var dials int32
	down := map[string]bool{"http://primary": true, "http://backup": true}
	pool := NewConnectionPool(testNodes(), fakeDialer(down, &dials), quietLogger())
	assert.Error(t, pool.Initialize(context.Background()))

	_, _, err := pool.GetClient(context.Background())
	assert.Error(t, err)
}

func TestNodePool_FullAndDiscard(t *testing.T) {
	var dials int32
	node := &config.NodeConfig{Name: "n", URL: "http://n", MaxConnections: 1}
	np := NewNodePool(node, fakeDialer(nil, &dials), quietLogger())

	first, err := np.GetClient(context.Background())
	require.NoError(t, err)

	_, err = np.GetClient(context.Background())
	assert.Error(t, err, "超过最大连接数")

	// 连续三次调用失败后节点被摘除
	for i := 0; i < 3; i++ {
		np.discard(first, errors.New("timeout"))
		np.mu.Lock()
		np.current++
		np.mu.Unlock()
	}
	assert.True(t, first.(*fakeClient).closed.Load())
	assert.False(t, np.Healthy())

	// 健康检查恢复
	assert.True(t, np.check(context.Background()))
	assert.True(t, np.Healthy())
}

func TestNodePool_RateLimitHonoursContext(t *testing.T) {
	var dials int32
	node := &config.NodeConfig{Name: "slow", URL: "http://slow", RateLimit: 1, MaxConnections: 4}
	np := NewNodePool(node, fakeDialer(nil, &dials), quietLogger())

	_, err := np.GetClient(context.Background())
	require.NoError(t, err)

	// 令牌已用完，取消的上下文立即返回
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = np.GetClient(ctx)
	assert.Error(t, err)
}

func TestConnectionWrapper_Release(t *testing.T) {
	var dials int32
	pool := NewConnectionPool(testNodes(), fakeDialer(nil, &dials), quietLogger())
	require.NoError(t, pool.Initialize(context.Background()))
	defer pool.Close()

	wrapper, err := pool.NewConnectionWrapper(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "primary", wrapper.NodeName())

	client := wrapper.Client().(*fakeClient)
	wrapper.Release(errors.New("header not found"))
	assert.True(t, client.closed.Load())
	assert.Nil(t, wrapper.Client())

	stats := pool.GetStats()
	assert.Contains(t, stats, "primary")
	assert.Contains(t, stats, "backup")
}
