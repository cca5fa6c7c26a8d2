package compound

import (
	"fmt"
	"math/big"
	"strings"

	"backd/internal/dsr"
	"backd/internal/hook"
	"backd/internal/state"
	"backd/pkg/models"
)

// 钩子注册名，同时作为 extra 的键
const (
	DSRHookName          = "dsr"
	SuppliersHookName    = "suppliers"
	BorrowersHookName    = "borrowers"
	SupplyBorrowHookName = "supply-borrow"
	LiquidationsHookName = "liquidation-amounts"
)

// DSRHook 每个新区块按 DSR 利率增加 cDAI 市场现金
type DSRHook struct {
	hook.Base
	rates     *dsr.DSR
	market    string
	lastBlock uint64
	seen      bool
}

// NewDSRHook 创建 DSR 钩子，market 为空时使用 cDAI
func NewDSRHook(rates *dsr.DSR, market string) *DSRHook {
	if market == "" {
		market = CDAIAddress
	}
	return &DSRHook{rates: rates, market: strings.ToLower(market)}
}

// Accrue 同一区块只计息一次，市场尚不存在时跳过
func (h *DSRHook) Accrue(s *state.State, block uint64) error {
	if h.seen && block == h.lastBlock {
		return nil
	}
	h.seen = true
	h.lastBlock = block

	market, err := s.Markets.Find(h.market)
	if err != nil {
		return nil
	}
	market.Balances.TotalUnderlying = h.rates.Apply(market.Balances.TotalUnderlying, block)
	return nil
}

// UserHistory 按区块记录的用户数量，仅在变化时记录
type UserHistory struct {
	Current         int            `json:"current"`
	HistoricalCount map[uint64]int `json:"historical_count"`
}

// UsersHook 统计有存款或有借款的用户数
type UsersHook struct {
	hook.Base
	kind    string
	opts    hook.Options
	history *UserHistory
	dirty   bool
}

// NewUsersHook kind 为 suppliers 或 borrowers
func NewUsersHook(kind string, opts hook.Options) *UsersHook {
	return &UsersHook{
		kind:    kind,
		opts:    opts,
		history: &UserHistory{HistoricalCount: make(map[uint64]int)},
	}
}

func (h *UsersHook) GlobalStart(v hook.View) error {
	var restored UserHistory
	ok, err := v.Extra().Load(h.kind, &restored)
	if err != nil {
		return err
	}
	if ok && restored.HistoricalCount != nil {
		h.history = &restored
	}
	v.Extra()[h.kind] = h.history
	return nil
}

func (h *UsersHook) EventEnd(v hook.View, event *models.Event) error {
	h.dirty = true
	return nil
}

func (h *UsersHook) BlockEnd(v hook.View, block uint64) error {
	if !h.dirty {
		return nil
	}
	h.dirty = false

	count := h.count(v)
	if count == h.history.Current && len(h.history.HistoricalCount) > 0 {
		return nil
	}
	h.history.Current = count
	h.history.HistoricalCount[block] = count
	return h.opts.Emit(models.RecordUserCount, models.UserCountRecord{
		RunID:       h.opts.RunID,
		Kind:        h.kind,
		BlockNumber: block,
		Count:       count,
	})
}

func (h *UsersHook) count(v hook.View) int {
	users := make(map[string]struct{})
	for _, market := range v.Markets() {
		for _, address := range market.Users() {
			user, _ := market.User(address)
			var amount *big.Int
			if h.kind == BorrowersHookName {
				amount = user.Balances.TotalBorrowed
			} else {
				amount = user.Balances.TokenBalance
			}
			if amount.Sign() > 0 {
				users[address] = struct{}{}
			}
		}
	}
	return len(users)
}

// SupplyBorrowHook 每个区块结束时记录各市场的存借规模
type SupplyBorrowHook struct {
	hook.Base
	opts   hook.Options
	latest map[string]models.SupplyBorrowRecord
	dirty  bool
}

// NewSupplyBorrowHook 构造
func NewSupplyBorrowHook(opts hook.Options) *SupplyBorrowHook {
	return &SupplyBorrowHook{opts: opts, latest: make(map[string]models.SupplyBorrowRecord)}
}

func (h *SupplyBorrowHook) GlobalStart(v hook.View) error {
	if _, err := v.Extra().Load(SupplyBorrowHookName, &h.latest); err != nil {
		return err
	}
	if h.latest == nil {
		h.latest = make(map[string]models.SupplyBorrowRecord)
	}
	v.Extra()[SupplyBorrowHookName] = h.latest
	return nil
}

func (h *SupplyBorrowHook) EventEnd(v hook.View, event *models.Event) error {
	h.dirty = true
	return nil
}

func (h *SupplyBorrowHook) BlockEnd(v hook.View, block uint64) error {
	if !h.dirty {
		return nil
	}
	h.dirty = false

	for _, market := range v.Markets() {
		balances := market.Balances()
		supply := state.MulDiv(balances.TokenBalance, market.UnderlyingExchangeRate(), state.Mantissa)
		price := v.UnderlyingPrice(market.Address(), true)

		record := models.SupplyBorrowRecord{
			RunID:       h.opts.RunID,
			BlockNumber: block,
			Timestamp:   v.Timestamp(),
			Market:      market.Address(),
			Supply:      supply.String(),
			Borrows:     balances.TotalBorrowed.String(),
			Underlying:  balances.TotalUnderlying.String(),
			SupplyUSD:   state.MulDiv(supply, price, state.Mantissa).String(),
			BorrowsUSD:  state.MulDiv(balances.TotalBorrowed, price, state.Mantissa).String(),
		}
		if info, ok := LookupMarket(market.Address()); ok {
			record.Symbol = info.Symbol
		}
		h.latest[market.Address()] = record
		if err := h.opts.Emit(models.RecordSupplyBorrow, record); err != nil {
			return err
		}
	}
	return nil
}

// LiquidationsHook 记录每笔清算的抵押价值
type LiquidationsHook struct {
	hook.Base
	opts    hook.Options
	records []models.LiquidationRecord
}

// NewLiquidationsHook 构造
func NewLiquidationsHook(opts hook.Options) *LiquidationsHook {
	return &LiquidationsHook{opts: opts}
}

func (h *LiquidationsHook) GlobalStart(v hook.View) error {
	if _, err := v.Extra().Load(LiquidationsHookName, &h.records); err != nil {
		return err
	}
	v.Extra()[LiquidationsHookName] = h.records
	return nil
}

func (h *LiquidationsHook) EventEnd(v hook.View, event *models.Event) error {
	if event.Name != "LiquidateBorrow" {
		return nil
	}
	a := argsOf(event)
	borrower := a.address("borrower")
	liquidator := a.address("liquidator")
	collateral := a.address("cTokenCollateral")
	repayAmount := a.bigInt("repayAmount")
	seizeTokens := a.bigInt("seizeTokens")
	if a.err != nil {
		return a.err
	}

	market, err := v.Market(collateral)
	if err != nil {
		return fmt.Errorf("清算抵押市场不存在: %w", err)
	}
	seized := state.MulDiv(seizeTokens, market.UnderlyingExchangeRate(), state.Mantissa)
	seizedUSD := state.MulDiv(seized, v.UnderlyingPrice(collateral, true), state.Mantissa)

	record := models.LiquidationRecord{
		RunID:            h.opts.RunID,
		BlockNumber:      event.BlockNumberUint(),
		TransactionIndex: uint64(event.TransactionIndex),
		Timestamp:        v.Timestamp(),
		Borrower:         borrower,
		Liquidator:       liquidator,
		BorrowMarket:     event.NormalizedAddress(),
		CollateralMarket: collateral,
		RepayAmount:      repayAmount.String(),
		SeizeTokens:      seizeTokens.String(),
		SeizedUSD:        seizedUSD.String(),
		ETHPrice:         v.UnderlyingPrice(CETHAddress, true).String(),
	}
	h.records = append(h.records, record)
	v.Extra()[LiquidationsHookName] = h.records
	return h.opts.Emit(models.RecordLiquidation, record)
}

// Records 已记录的清算
func (h *LiquidationsHook) Records() []models.LiquidationRecord {
	return h.records
}

func registerHooks() {
	hook.Registry.Register(DSRHookName, func(opts hook.Options) (hook.Hook, error) {
		path := opts.Param("rates", "")
		if path == "" {
			return nil, fmt.Errorf("dsr 钩子需要 rates 参数")
		}
		rates, err := dsr.Load(path)
		if err != nil {
			return nil, err
		}
		return NewDSRHook(rates, opts.Param("market", CDAIAddress)), nil
	})
	hook.Registry.Register(SuppliersHookName, func(opts hook.Options) (hook.Hook, error) {
		return NewUsersHook(SuppliersHookName, opts), nil
	})
	hook.Registry.Register(BorrowersHookName, func(opts hook.Options) (hook.Hook, error) {
		return NewUsersHook(BorrowersHookName, opts), nil
	})
	hook.Registry.Register(SupplyBorrowHookName, func(opts hook.Options) (hook.Hook, error) {
		return NewSupplyBorrowHook(opts), nil
	})
	hook.Registry.Register(LiquidationsHookName, func(opts hook.Options) (hook.Hook, error) {
		return NewLiquidationsHook(opts), nil
	})
}
