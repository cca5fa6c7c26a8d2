package state

import (
	"math/big"
	"sort"
	"strings"

	"backd/internal/errors"
	"github.com/shopspring/decimal"
)

// Balances 市场或用户的余额
type Balances struct {
	TotalBorrowed   *big.Int `json:"total_borrowed"`
	TokenBalance    *big.Int `json:"token_balance"`
	TotalUnderlying *big.Int `json:"total_underlying"` // 市场现金，用户层面不使用
}

// NewBalances 全零余额
func NewBalances() Balances {
	return Balances{
		TotalBorrowed:   new(big.Int),
		TokenBalance:    new(big.Int),
		TotalUnderlying: new(big.Int),
	}
}

// Clone 深拷贝
func (b Balances) Clone() Balances {
	return Balances{
		TotalBorrowed:   Copy(b.TotalBorrowed),
		TokenBalance:    Copy(b.TokenBalance),
		TotalUnderlying: Copy(b.TotalUnderlying),
	}
}

// MarketUser 用户在单个市场中的记录
type MarketUser struct {
	Entered     bool     `json:"entered"`
	Balances    Balances `json:"balances"`
	BorrowIndex *big.Int `json:"borrow_index"` // 上次借还款时的市场借款指数
}

// NewMarketUser 新用户记录
func NewMarketUser() *MarketUser {
	return &MarketUser{
		Balances:    NewBalances(),
		BorrowIndex: Copy(Mantissa),
	}
}

// BorrowedAt 按给定市场指数计算当前欠款 total_borrowed * index / borrow_index
func (u *MarketUser) BorrowedAt(index *big.Int) *big.Int {
	if u.BorrowIndex == nil || u.BorrowIndex.Sign() == 0 {
		return Copy(u.Balances.TotalBorrowed)
	}
	return MulDiv(u.Balances.TotalBorrowed, index, u.BorrowIndex)
}

// Clone 深拷贝
func (u *MarketUser) Clone() *MarketUser {
	return &MarketUser{
		Entered:     u.Entered,
		Balances:    u.Balances.Clone(),
		BorrowIndex: Copy(u.BorrowIndex),
	}
}

// Market 借贷市场
type Market struct {
	Address           string                 `json:"address"`
	Listed            bool                   `json:"listed"`
	Comptroller       string                 `json:"comptroller,omitempty"`
	InterestRateModel string                 `json:"interest_rate_model,omitempty"`
	Balances          Balances               `json:"balances"`
	BorrowIndex       *big.Int               `json:"borrow_index"`
	Reserves          *big.Int               `json:"reserves"`
	ReserveFactor     decimal.Decimal        `json:"reserve_factor"`
	CollateralFactor  decimal.Decimal        `json:"collateral_factor"`
	AccrualBlock      uint64                 `json:"accrual_block"`
	Users             map[string]*MarketUser `json:"users"`
}

// NewMarket 以默认值创建市场
func NewMarket(address string) *Market {
	return &Market{
		Address:          strings.ToLower(address),
		Balances:         NewBalances(),
		BorrowIndex:      Copy(Mantissa),
		Reserves:         new(big.Int),
		ReserveFactor:    decimal.Zero,
		CollateralFactor: decimal.Zero,
		Users:            make(map[string]*MarketUser),
	}
}

// UnderlyingExchangeRate 兑换率 (cash + borrows - reserves) * 1e18 / tokens，无代币时为 0
func (m *Market) UnderlyingExchangeRate() *big.Int {
	if m.Balances.TokenBalance.Sign() == 0 {
		return new(big.Int)
	}
	numerator := new(big.Int).Add(m.Balances.TotalUnderlying, m.Balances.TotalBorrowed)
	numerator.Sub(numerator, m.Reserves)
	return MulDiv(numerator, Mantissa, m.Balances.TokenBalance)
}

// ComputeNewTotalBorrowed 按新指数重算借款总额，向下取整
func (m *Market) ComputeNewTotalBorrowed(newIndex *big.Int) *big.Int {
	if m.BorrowIndex.Sign() == 0 {
		return Copy(m.Balances.TotalBorrowed)
	}
	return MulDiv(m.Balances.TotalBorrowed, newIndex, m.BorrowIndex)
}

// User 只读查找用户
func (m *Market) User(address string) (*MarketUser, bool) {
	user, ok := m.Users[strings.ToLower(address)]
	return user, ok
}

// EnsureUser 首次引用时创建用户记录
func (m *Market) EnsureUser(address string) *MarketUser {
	address = strings.ToLower(address)
	user, ok := m.Users[address]
	if !ok {
		user = NewMarketUser()
		m.Users[address] = user
	}
	return user
}

// UserAddresses 排序后的用户地址
func (m *Market) UserAddresses() []string {
	addresses := make([]string, 0, len(m.Users))
	for address := range m.Users {
		addresses = append(addresses, address)
	}
	sort.Strings(addresses)
	return addresses
}

// Markets 市场集合，保持插入顺序，按地址线性查找
type Markets struct {
	markets []*Market
}

// NewMarkets 创建市场集合
func NewMarkets(markets ...*Market) *Markets {
	return &Markets{markets: append([]*Market(nil), markets...)}
}

// Find 按地址查找，不区分大小写
func (ms *Markets) Find(address string) (*Market, error) {
	address = strings.ToLower(address)
	for _, m := range ms.markets {
		if m.Address == address {
			return m, nil
		}
	}
	return nil, errors.NotFoundf(errors.ErrMarketNotFound, "市场 %s 不存在", address).
		WithContext("market", address)
}

// Has 判断市场是否存在
func (ms *Markets) Has(address string) bool {
	_, err := ms.Find(address)
	return err == nil
}

// Add 插入市场，地址重复时返回错误
func (ms *Markets) Add(market *Market) error {
	if ms.Has(market.Address) {
		return errors.NewReplayError(errors.ErrorTypeValidation, errors.SeverityHigh,
			errors.ErrDuplicateMarket.Code, "市场已存在: "+market.Address)
	}
	ms.markets = append(ms.markets, market)
	return nil
}

// List 按插入顺序返回所有市场
func (ms *Markets) List() []*Market {
	result := make([]*Market, len(ms.markets))
	copy(result, ms.markets)
	return result
}

// Len 市场数量
func (ms *Markets) Len() int {
	return len(ms.markets)
}
