package compound

import (
	"encoding/json"
	"math/big"

	"backd/internal/errors"
	"backd/internal/hook"
	"backd/internal/state"
	"github.com/shopspring/decimal"
)

// State Compound 协议状态
type State struct {
	*state.State
	CloseFactor        decimal.Decimal
	InterestRateModels *InterestRateModels
}

// NewState 创建空的 Compound 状态
func NewState(markets ...*state.Market) *State {
	return &State{
		State:              state.New(ProtocolName, markets...),
		CloseFactor:        decimal.Zero,
		InterestRateModels: NewInterestRateModels(),
	}
}

type stateJSON struct {
	*state.Snapshot
	CloseFactor        decimal.Decimal     `json:"close_factor"`
	InterestRateModels *InterestRateModels `json:"interest_rate_models"`
}

// MarshalJSON 核心快照加 Compound 字段
func (s *State) MarshalJSON() ([]byte, error) {
	snap, err := s.State.Snapshot()
	if err != nil {
		return nil, err
	}
	return json.Marshal(stateJSON{
		Snapshot:           snap,
		CloseFactor:        s.CloseFactor,
		InterestRateModels: s.InterestRateModels,
	})
}

// UnmarshalJSON 从快照恢复
func (s *State) UnmarshalJSON(data []byte) error {
	decoded := stateJSON{
		Snapshot:           &state.Snapshot{},
		InterestRateModels: NewInterestRateModels(),
	}
	if err := json.Unmarshal(data, &decoded); err != nil {
		return errors.WrapError(err, errors.ErrorTypeSerialization, errors.SeverityHigh,
			errors.ErrSerializationFailed.Code, "Compound 状态解码失败")
	}
	core, err := state.Restore(decoded.Snapshot)
	if err != nil {
		return err
	}
	fallback := ""
	if s.InterestRateModels != nil {
		fallback = s.InterestRateModels.fallback
	}
	decoded.InterestRateModels.SetFallback(fallback)
	s.State = core
	s.CloseFactor = decoded.CloseFactor
	s.InterestRateModels = decoded.InterestRateModels
	return nil
}

// Position 用户在全部市场上的价值，18 位精度
type Position struct {
	Supplied   *big.Int `json:"supplied"`
	Borrowed   *big.Int `json:"borrowed"`
	Collateral *big.Int `json:"collateral"` // 已进入市场的存款乘以抵押因子
}

// Shortfall 借款超过抵押能力的部分，非负
func (p Position) Shortfall() *big.Int {
	diff := new(big.Int).Sub(p.Borrowed, p.Collateral)
	if diff.Sign() < 0 {
		return new(big.Int)
	}
	return diff
}

// ComputeUserPosition 按当前预言机计算用户存借价值
func (s *State) ComputeUserPosition(user string, usd bool) Position {
	return UserPosition(hook.NewView(s.State), user, usd)
}

// UserPosition 基于只读视图计算，供钩子使用
func UserPosition(v hook.View, user string, usd bool) Position {
	position := Position{Supplied: new(big.Int), Borrowed: new(big.Int), Collateral: new(big.Int)}
	for _, market := range v.Markets() {
		u, ok := market.User(user)
		if !ok {
			continue
		}
		price := v.UnderlyingPrice(market.Address(), usd)

		underlying := state.MulDiv(u.Balances.TokenBalance, market.UnderlyingExchangeRate(), state.Mantissa)
		supplied := state.MulDiv(underlying, price, state.Mantissa)
		position.Supplied.Add(position.Supplied, supplied)
		if u.Entered {
			collateral := decimal.NewFromBigInt(supplied, 0).Mul(market.CollateralFactor()).Floor()
			position.Collateral.Add(position.Collateral, collateral.BigInt())
		}

		borrowed := u.BorrowedAt(market.BorrowIndex())
		position.Borrowed.Add(position.Borrowed, state.MulDiv(borrowed, price, state.Mantissa))
	}
	return position
}
