package hook

import (
	"math/big"
	"time"

	"backd/internal/state"
	"github.com/shopspring/decimal"
)

// View 钩子看到的只读状态。数值均为副本，只有 Extra 可写。
type View interface {
	ProtocolName() string
	CurrentEventTime() (state.EventTime, bool)
	LastEventTime() (state.EventTime, bool)
	Timestamp() time.Time
	Markets() []MarketView
	Market(address string) (MarketView, error)
	UniqueUsers() []string
	// UnderlyingPrice 通过当前预言机查询，未设置预言机时返回 0
	UnderlyingPrice(market string, usd bool) *big.Int
	CurrentOracle() string
	Extra() state.Extra
}

// MarketView 单个市场的只读视图
type MarketView interface {
	Address() string
	Listed() bool
	Balances() state.Balances
	BorrowIndex() *big.Int
	Reserves() *big.Int
	ReserveFactor() decimal.Decimal
	CollateralFactor() decimal.Decimal
	UnderlyingExchangeRate() *big.Int
	Users() []string
	User(address string) (*state.MarketUser, bool)
}

type stateView struct {
	s *state.State
}

// NewView 为状态创建只读视图
func NewView(s *state.State) View {
	return &stateView{s: s}
}

func (v *stateView) ProtocolName() string { return v.s.ProtocolName }

func (v *stateView) CurrentEventTime() (state.EventTime, bool) {
	if v.s.CurrentEventTime == nil {
		return state.EventTime{}, false
	}
	return *v.s.CurrentEventTime, true
}

func (v *stateView) LastEventTime() (state.EventTime, bool) {
	if v.s.LastEventTime == nil {
		return state.EventTime{}, false
	}
	return *v.s.LastEventTime, true
}

func (v *stateView) Timestamp() time.Time { return v.s.Timestamp }

func (v *stateView) Markets() []MarketView {
	markets := v.s.Markets.List()
	result := make([]MarketView, 0, len(markets))
	for _, m := range markets {
		result = append(result, marketView{m: m})
	}
	return result
}

func (v *stateView) Market(address string) (MarketView, error) {
	m, err := v.s.Markets.Find(address)
	if err != nil {
		return nil, err
	}
	return marketView{m: m}, nil
}

func (v *stateView) UniqueUsers() []string { return v.s.ComputeUniqueUsers() }

func (v *stateView) UnderlyingPrice(market string, usd bool) *big.Int {
	oracle, err := v.s.Oracles.Current()
	if err != nil {
		return new(big.Int)
	}
	return state.Copy(oracle.GetUnderlyingPrice(market, usd))
}

func (v *stateView) CurrentOracle() string { return v.s.Oracles.CurrentAddress() }

func (v *stateView) Extra() state.Extra { return v.s.Extra }

type marketView struct {
	m *state.Market
}

func (mv marketView) Address() string                   { return mv.m.Address }
func (mv marketView) Listed() bool                      { return mv.m.Listed }
func (mv marketView) Balances() state.Balances          { return mv.m.Balances.Clone() }
func (mv marketView) BorrowIndex() *big.Int             { return state.Copy(mv.m.BorrowIndex) }
func (mv marketView) Reserves() *big.Int                { return state.Copy(mv.m.Reserves) }
func (mv marketView) ReserveFactor() decimal.Decimal    { return mv.m.ReserveFactor }
func (mv marketView) CollateralFactor() decimal.Decimal { return mv.m.CollateralFactor }
func (mv marketView) UnderlyingExchangeRate() *big.Int  { return mv.m.UnderlyingExchangeRate() }
func (mv marketView) Users() []string                   { return mv.m.UserAddresses() }

func (mv marketView) User(address string) (*state.MarketUser, bool) {
	user, ok := mv.m.User(address)
	if !ok {
		return nil, false
	}
	return user.Clone(), true
}
