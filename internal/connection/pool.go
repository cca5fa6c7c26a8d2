package connection

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"backd/internal/config"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Client 事件源用到的节点接口，*ethclient.Client 实现了它
type Client interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	Close()
}

// Dialer 建立到节点的连接
type Dialer func(ctx context.Context, url string) (Client, error)

// DialEthereum 默认拨号器
func DialEthereum(ctx context.Context, url string) (Client, error) {
	return ethclient.DialContext(ctx, url)
}

// ConnectionPool 以太坊连接池，按优先级选择健康节点，每个节点单独限流
type ConnectionPool struct {
	pools       []*NodePool
	logger      *logrus.Logger
	mu          sync.RWMutex
	healthCheck time.Duration
	stop        chan struct{}
	stopOnce    sync.Once
}

// NodePool 单个节点的连接池
type NodePool struct {
	nodeConfig *config.NodeConfig
	dial       Dialer
	clients    chan Client
	maxSize    int
	current    int
	limiter    *rate.Limiter
	logger     *logrus.Logger
	mu         sync.Mutex
	isHealthy  bool
	lastCheck  time.Time
	failures   int
}

// NewConnectionPool 创建连接池
func NewConnectionPool(nodes []*config.NodeConfig, dial Dialer, logger *logrus.Logger) *ConnectionPool {
	if dial == nil {
		dial = DialEthereum
	}

	sorted := make([]*config.NodeConfig, len(nodes))
	copy(sorted, nodes)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority < sorted[j].Priority })

	cp := &ConnectionPool{
		logger:      logger,
		healthCheck: 30 * time.Second,
		stop:        make(chan struct{}),
	}
	for _, node := range sorted {
		cp.pools = append(cp.pools, NewNodePool(node, dial, logger))
	}
	return cp
}

// Initialize 预建连接并启动健康检查，至少一个节点可用才算成功
func (cp *ConnectionPool) Initialize(ctx context.Context) error {
	cp.mu.RLock()
	defer cp.mu.RUnlock()

	available := 0
	for _, pool := range cp.pools {
		if err := pool.warmUp(ctx); err != nil {
			cp.logger.Warnf("初始化节点 %s 连接池失败: %v", pool.Name(), err)
			continue
		}
		available++
		cp.logger.Infof("节点 %s 连接池已初始化", pool.Name())
	}

	if available == 0 {
		return fmt.Errorf("没有可用的节点连接池")
	}

	go cp.healthChecker()
	return nil
}

// NewNodePool 创建节点连接池
func NewNodePool(nodeConfig *config.NodeConfig, dial Dialer, logger *logrus.Logger) *NodePool {
	maxSize := nodeConfig.MaxConnections
	if maxSize <= 0 {
		maxSize = 4
	}

	limit := rate.Inf
	burst := 1
	if nodeConfig.RateLimit > 0 {
		limit = rate.Limit(nodeConfig.RateLimit)
		burst = nodeConfig.RateLimit
	}

	return &NodePool{
		nodeConfig: nodeConfig,
		dial:       dial,
		clients:    make(chan Client, maxSize),
		maxSize:    maxSize,
		limiter:    rate.NewLimiter(limit, burst),
		logger:     logger,
		isHealthy:  true,
	}
}

// Name 节点名称
func (np *NodePool) Name() string {
	return np.nodeConfig.Name
}

// warmUp 预创建一个连接
func (np *NodePool) warmUp(ctx context.Context) error {
	client, err := np.createNewClient(ctx)
	if err != nil {
		return err
	}
	np.ReturnClient(client)
	return nil
}

// createClient 创建新的以太坊客户端
func (np *NodePool) createClient(ctx context.Context) (Client, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := np.dial(ctx, np.nodeConfig.URL)
	if err != nil {
		return nil, fmt.Errorf("连接节点失败: %w", err)
	}

	// 测试连接
	if _, err := client.ChainID(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("测试连接失败: %w", err)
	}

	return client, nil
}

// GetClient 获取客户端连接，按优先级依次尝试健康节点
func (cp *ConnectionPool) GetClient(ctx context.Context) (Client, string, error) {
	cp.mu.RLock()
	pools := cp.pools
	cp.mu.RUnlock()

	healthy := 0
	for _, pool := range pools {
		if !pool.Healthy() {
			continue
		}
		healthy++

		client, err := pool.GetClient(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, "", ctx.Err()
			}
			cp.logger.Debugf("从节点 %s 获取连接失败: %v", pool.Name(), err)
			continue
		}
		return client, pool.Name(), nil
	}

	if healthy == 0 {
		return nil, "", fmt.Errorf("没有可用的健康节点")
	}
	return nil, "", fmt.Errorf("所有节点都无法提供连接")
}

// GetClient 从节点池获取客户端，先等待限流器放行
func (np *NodePool) GetClient(ctx context.Context) (Client, error) {
	if err := np.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	select {
	case client := <-np.clients:
		return client, nil
	default:
		// 池中没有可用连接，创建新连接
		return np.createNewClient(ctx)
	}
}

// createNewClient 创建新客户端连接
func (np *NodePool) createNewClient(ctx context.Context) (Client, error) {
	np.mu.Lock()
	defer np.mu.Unlock()

	// 检查是否达到最大连接数
	if np.current >= np.maxSize {
		return nil, fmt.Errorf("连接池已满")
	}

	client, err := np.createClient(ctx)
	if err != nil {
		np.isHealthy = false
		np.lastCheck = time.Now()
		return nil, err
	}

	np.current++
	return client, nil
}

// ReturnClient 归还客户端到池中，调用失败的连接直接丢弃
func (cp *ConnectionPool) ReturnClient(client Client, nodeName string, callErr error) {
	if client == nil {
		return
	}

	pool := cp.pool(nodeName)
	if pool == nil {
		client.Close()
		return
	}

	if callErr != nil {
		pool.discard(client, callErr)
		return
	}
	pool.ReturnClient(client)
}

func (cp *ConnectionPool) pool(name string) *NodePool {
	cp.mu.RLock()
	defer cp.mu.RUnlock()
	for _, pool := range cp.pools {
		if pool.Name() == name {
			return pool
		}
	}
	return nil
}

// ReturnClient 归还客户端到节点池
func (np *NodePool) ReturnClient(client Client) {
	np.mu.Lock()
	np.failures = 0
	np.mu.Unlock()

	select {
	case np.clients <- client:
		// 成功归还到池中
	default:
		// 池已满，关闭连接
		client.Close()
		np.mu.Lock()
		np.current--
		np.mu.Unlock()
	}
}

// discard 关闭出错的连接，连续失败三次后标记节点不健康
func (np *NodePool) discard(client Client, callErr error) {
	client.Close()

	np.mu.Lock()
	defer np.mu.Unlock()
	np.current--
	np.failures++
	if np.failures >= 3 {
		np.isHealthy = false
		np.lastCheck = time.Now()
		np.logger.Warnf("节点 %s 连续失败 %d 次，暂时摘除: %v", np.nodeConfig.Name, np.failures, callErr)
	}
}

// Healthy 当前健康标记
func (np *NodePool) Healthy() bool {
	np.mu.Lock()
	defer np.mu.Unlock()
	return np.isHealthy
}

// check 执行一次健康检查
func (np *NodePool) check(ctx context.Context) bool {
	client, err := np.createClient(ctx)

	np.mu.Lock()
	defer np.mu.Unlock()
	np.lastCheck = time.Now()
	if err != nil {
		np.isHealthy = false
		return false
	}
	client.Close()
	np.isHealthy = true
	np.failures = 0
	return true
}

// healthChecker 健康检查器
func (cp *ConnectionPool) healthChecker() {
	ticker := time.NewTicker(cp.healthCheck)
	defer ticker.Stop()

	for {
		select {
		case <-cp.stop:
			return
		case <-ticker.C:
		}

		cp.mu.RLock()
		pools := cp.pools
		cp.mu.RUnlock()

		for _, pool := range pools {
			if pool.check(context.Background()) {
				cp.logger.Debugf("节点 %s 健康检查通过", pool.Name())
			} else {
				cp.logger.Warnf("节点 %s 健康检查失败", pool.Name())
			}
		}
	}
}

// GetStats 获取连接池统计信息
func (cp *ConnectionPool) GetStats() map[string]interface{} {
	cp.mu.RLock()
	defer cp.mu.RUnlock()

	stats := make(map[string]interface{})
	for _, pool := range cp.pools {
		pool.mu.Lock()
		stats[pool.Name()] = map[string]interface{}{
			"max_size":     pool.maxSize,
			"current_size": pool.current,
			"available":    len(pool.clients),
			"is_healthy":   pool.isHealthy,
			"rate_limit":   pool.nodeConfig.RateLimit,
			"last_check":   pool.lastCheck.Format(time.RFC3339),
		}
		pool.mu.Unlock()
	}

	return stats
}

// Close 关闭连接池
func (cp *ConnectionPool) Close() error {
	cp.stopOnce.Do(func() { close(cp.stop) })

	cp.mu.Lock()
	defer cp.mu.Unlock()

	for _, pool := range cp.pools {
		pool.Close()
	}

	cp.logger.Info("连接池已关闭")
	return nil
}

// Close 关闭节点连接池中的空闲连接
func (np *NodePool) Close() {
	np.mu.Lock()
	defer np.mu.Unlock()

	for {
		select {
		case client := <-np.clients:
			client.Close()
		default:
			np.current = 0
			return
		}
	}
}

// ConnectionWrapper 连接包装器，自动管理连接的获取和归还
type ConnectionWrapper struct {
	client   Client
	nodeName string
	pool     *ConnectionPool
}

// NewConnectionWrapper 创建连接包装器
func (cp *ConnectionPool) NewConnectionWrapper(ctx context.Context) (*ConnectionWrapper, error) {
	client, nodeName, err := cp.GetClient(ctx)
	if err != nil {
		return nil, err
	}

	return &ConnectionWrapper{
		client:   client,
		nodeName: nodeName,
		pool:     cp,
	}, nil
}

// Client 获取以太坊客户端
func (cw *ConnectionWrapper) Client() Client {
	return cw.client
}

// NodeName 获取节点名称
func (cw *ConnectionWrapper) NodeName() string {
	return cw.nodeName
}

// Release 归还连接，callErr 非空时连接被丢弃
func (cw *ConnectionWrapper) Release(callErr error) {
	if cw.client != nil {
		cw.pool.ReturnClient(cw.client, cw.nodeName, callErr)
		cw.client = nil
	}
}
