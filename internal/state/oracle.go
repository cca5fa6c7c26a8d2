package state

import (
	"math/big"
	"sort"
	"strings"

	"backd/internal/errors"
	"backd/internal/registry"
)

// Oracle 价格预言机
type Oracle interface {
	// Address 预言机合约地址
	Address() string
	// GetPrice 原始价格查询，未知时返回 0
	GetPrice(token string) *big.Int
	// UpdatePrice 写入价格，inverted 时存储 10^36/price
	UpdatePrice(token string, price *big.Int, inverted bool)
	// GetUnderlyingPrice 市场标的价格，usd 为 true 时以美元计
	GetUnderlyingPrice(market string, usd bool) *big.Int
}

// OracleEnv 构造预言机时可用的上下文
type OracleEnv struct {
	Address string
	Markets *Markets
	Store   *PriceStore
}

// OracleFactory 预言机构造器
type OracleFactory func(env OracleEnv) Oracle

// OracleRegistry 预言机注册表，键为版本名或合约地址
var OracleRegistry = registry.New[OracleFactory]("oracle")

// PriceStore 共享价格存储，按命名空间分隔。
// 同一命名空间的所有预言机实例看到相同的价格。
type PriceStore struct {
	feeds map[string]map[string]*big.Int
}

// NewPriceStore 创建价格存储
func NewPriceStore() *PriceStore {
	return &PriceStore{feeds: make(map[string]map[string]*big.Int)}
}

// Get 读取价格，不存在时返回 0
func (ps *PriceStore) Get(namespace, token string) *big.Int {
	feed, ok := ps.feeds[namespace]
	if !ok {
		return new(big.Int)
	}
	return Copy(feed[strings.ToLower(token)])
}

// Set 写入价格
func (ps *PriceStore) Set(namespace, token string, price *big.Int) {
	feed, ok := ps.feeds[namespace]
	if !ok {
		feed = make(map[string]*big.Int)
		ps.feeds[namespace] = feed
	}
	feed[strings.ToLower(token)] = Copy(price)
}

// Update 写入价格，inverted 时先取倒数
func (ps *PriceStore) Update(namespace, token string, price *big.Int, inverted bool) {
	if inverted {
		price = Invert(price)
	}
	ps.Set(namespace, token, price)
}

// Export 导出全部价格，用于快照
func (ps *PriceStore) Export() map[string]map[string]*big.Int {
	result := make(map[string]map[string]*big.Int, len(ps.feeds))
	for namespace, feed := range ps.feeds {
		copied := make(map[string]*big.Int, len(feed))
		for token, price := range feed {
			copied[token] = Copy(price)
		}
		result[namespace] = copied
	}
	return result
}

// BasicOracle 每个实例独立价格表的预言机，市场价格即按市场地址登记的价格
type BasicOracle struct {
	address string
	store   *PriceStore
}

// NewBasicOracle 创建基础预言机，命名空间为自身地址
func NewBasicOracle(env OracleEnv) Oracle {
	return &BasicOracle{address: strings.ToLower(env.Address), store: env.Store}
}

func (o *BasicOracle) Address() string { return o.address }

func (o *BasicOracle) GetPrice(token string) *big.Int {
	return o.store.Get(o.address, token)
}

func (o *BasicOracle) UpdatePrice(token string, price *big.Int, inverted bool) {
	o.store.Update(o.address, token, price, inverted)
}

func (o *BasicOracle) GetUnderlyingPrice(market string, usd bool) *big.Int {
	return o.GetPrice(market)
}

// Oracles 按地址管理预言机实例，首次引用时通过注册表创建
type Oracles struct {
	registry *registry.Registry[OracleFactory]
	markets  *Markets
	store    *PriceStore
	oracles  map[string]Oracle
	current  string
}

// NewOracles 使用全局注册表创建
func NewOracles(markets *Markets) *Oracles {
	return NewOraclesWithRegistry(markets, OracleRegistry)
}

// NewOraclesWithRegistry 使用指定注册表创建
func NewOraclesWithRegistry(markets *Markets, reg *registry.Registry[OracleFactory]) *Oracles {
	return &Oracles{
		registry: reg,
		markets:  markets,
		store:    NewPriceStore(),
		oracles:  make(map[string]Oracle),
	}
}

// Get 返回地址对应的预言机，不存在时按注册表创建
func (o *Oracles) Get(address string) (Oracle, error) {
	address = strings.ToLower(address)
	if oracle, ok := o.oracles[address]; ok {
		return oracle, nil
	}
	factory, err := o.registry.Get(address)
	if err != nil {
		return nil, errors.WrapError(err, errors.ErrorTypeLookup, errors.SeverityHigh,
			errors.ErrOracleNotFound.Code, "无法创建预言机 "+address)
	}
	oracle := factory(OracleEnv{Address: address, Markets: o.markets, Store: o.store})
	o.oracles[address] = oracle
	return oracle, nil
}

// Current 当前生效的预言机
func (o *Oracles) Current() (Oracle, error) {
	if o.current == "" {
		return nil, errors.NotFoundf(errors.ErrOracleNotFound, "尚未设置当前预言机")
	}
	return o.Get(o.current)
}

// SetCurrent 切换当前预言机
func (o *Oracles) SetCurrent(address string) error {
	if _, err := o.Get(address); err != nil {
		return err
	}
	o.current = strings.ToLower(address)
	return nil
}

// CurrentAddress 当前预言机地址，未设置时为空
func (o *Oracles) CurrentAddress() string {
	return o.current
}

// Addresses 已创建的预言机地址，排序后返回
func (o *Oracles) Addresses() []string {
	addresses := make([]string, 0, len(o.oracles))
	for address := range o.oracles {
		addresses = append(addresses, address)
	}
	sort.Strings(addresses)
	return addresses
}

// Store 共享价格存储
func (o *Oracles) Store() *PriceStore {
	return o.store
}
