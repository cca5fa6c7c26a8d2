package compound

import (
	"fmt"
	"math/big"
	"strings"

	"backd/internal/state"
)

// 价格命名空间
const (
	priceOracleNamespace       = "price-oracle"
	priceOracleV16Namespace    = "price-oracle-v16"
	uniswapAnchorViewNamespace = "uniswap-anchor-view"
	saiPriceKey                = "sai"
)

// 预言机注册名
const (
	UniswapAnchorViewName = "UniswapAnchorView"
	latestPriceOracle     = 16
)

// PriceOracleName 第 version 版价格预言机的注册名
func PriceOracleName(version int) string {
	return fmt.Sprintf("PriceOracleV%d", version)
}

var (
	ethPrice         = state.Copy(state.Mantissa)
	usdcScale        = state.Pow10(12)
	daiRatioScale    = state.Pow10(30)
	daiRatioMin      = big.NewInt(950000000000000000)
	daiRatioMax      = big.NewInt(1050000000000000000)
	uavPriceScale    = state.Pow10(30)
	uavFixedUSD      = big.NewInt(1000000)
	uavFixedSAIInETH = big.NewInt(5285000000000000)
)

// PriceOracle V1 到 V16 的价格预言机。每个版本只覆盖少数市场，
// 其余交给 predecessor。整条链共享同一组喂价。
type PriceOracle struct {
	version     int
	address     string
	markets     *state.Markets
	store       *state.PriceStore
	override    priceOverride
	predecessor state.Oracle
}

// priceOverride 版本自己定价的市场，返回 false 时交给上一版本
type priceOverride func(o *PriceOracle, market string) (*big.Int, bool)

// priceOverrides 没有条目的版本（V3 到 V11）原样委托
var priceOverrides = map[int]priceOverride{
	1: func(o *PriceOracle, market string) (*big.Int, bool) {
		return o.v1Price(market), true
	},
	2: func(o *PriceOracle, market string) (*big.Int, bool) {
		if IsToken(market, "ETH") {
			return state.Copy(ethPrice), true
		}
		return nil, false
	},
	12: func(o *PriceOracle, market string) (*big.Int, bool) {
		if IsToken(market, "USDC") {
			return o.GetPrice(USDCOracleKey), true
		}
		return nil, false
	},
	13: func(o *PriceOracle, market string) (*big.Int, bool) {
		switch {
		case IsToken(market, "USDC"):
			return new(big.Int).Mul(o.GetPrice(MakerUSDOracleKey), usdcScale), true
		case IsToken(market, "SAI"):
			return o.daiLikePrice(), true
		}
		return nil, false
	},
	14: func(o *PriceOracle, market string) (*big.Int, bool) {
		if IsToken(market, "DAI") {
			return o.daiLikePrice(), true
		}
		return nil, false
	},
	15: func(o *PriceOracle, market string) (*big.Int, bool) {
		switch {
		case IsToken(market, "ETH"):
			return state.Copy(ethPrice), true
		case IsToken(market, "USDC"):
			return o.GetPrice(USDCOracleKey), true
		case IsToken(market, "DAI"), IsToken(market, "SAI"):
			return o.GetPrice(DAIOracleKey), true
		}
		return nil, false
	},
	16: func(o *PriceOracle, market string) (*big.Int, bool) {
		if IsToken(market, "USDT") {
			return o.GetPrice(USDCOracleKey), true
		}
		if IsToken(market, "SAI") {
			if sai := o.SaiPrice(); sai.Sign() > 0 {
				return sai, true
			}
		}
		return nil, false
	},
}

// NewPriceOracleFactory 返回指定版本的构造器
func NewPriceOracleFactory(version int) state.OracleFactory {
	return func(env state.OracleEnv) state.Oracle {
		return newPriceOracle(min(max(version, 1), latestPriceOracle), env)
	}
}

// newPriceOracle 从 V1 开始逐版本包装上一版本
func newPriceOracle(version int, env state.OracleEnv) *PriceOracle {
	var predecessor state.Oracle
	if version > 1 {
		predecessor = newPriceOracle(version-1, env)
	}
	return &PriceOracle{
		version:     version,
		address:     strings.ToLower(env.Address),
		markets:     env.Markets,
		store:       env.Store,
		override:    priceOverrides[version],
		predecessor: predecessor,
	}
}

// Version 版本号
func (o *PriceOracle) Version() int { return o.version }

func (o *PriceOracle) Address() string { return o.address }

func (o *PriceOracle) GetPrice(token string) *big.Int {
	return o.store.Get(priceOracleNamespace, token)
}

func (o *PriceOracle) UpdatePrice(token string, price *big.Int, inverted bool) {
	o.store.Update(priceOracleNamespace, token, price, inverted)
}

// SetSaiPrice V16 的 SAI 固定价格，仅 V16 实例之间共享
func (o *PriceOracle) SetSaiPrice(price *big.Int) {
	o.store.Set(priceOracleV16Namespace, saiPriceKey, price)
}

// SaiPrice V16 的 SAI 固定价格
func (o *PriceOracle) SaiPrice() *big.Int {
	return o.store.Get(priceOracleV16Namespace, saiPriceKey)
}

func (o *PriceOracle) GetUnderlyingPrice(market string, usd bool) *big.Int {
	price := o.underlyingPrice(strings.ToLower(market))
	if !usd {
		return price
	}
	return o.toUSD(price)
}

// toUSD 价格以 ETH 计，除以 maker 的每美元 ETH 价格
func (o *PriceOracle) toUSD(price *big.Int) *big.Int {
	return state.MulDiv(price, state.Mantissa, o.GetPrice(MakerUSDOracleKey))
}

func (o *PriceOracle) underlyingPrice(market string) *big.Int {
	if o.override != nil {
		if price, ok := o.override(o, market); ok {
			return price
		}
	}
	if o.predecessor == nil {
		return new(big.Int)
	}
	return o.predecessor.GetUnderlyingPrice(market, false)
}

// v1Price 已上架市场按标的资产直接查喂价
func (o *PriceOracle) v1Price(market string) *big.Int {
	m, err := o.markets.Find(market)
	if err != nil || !m.Listed {
		return new(big.Int)
	}
	return o.GetPrice(UnderlyingOf(market))
}

// daiLikePrice makerUsd * clamp(dai * 1e30 / usdc, 0.95, 1.05)
func (o *PriceOracle) daiLikePrice() *big.Int {
	ratio := state.MulDiv(o.GetPrice(DAIOracleKey), daiRatioScale, o.GetPrice(USDCOracleKey))
	if ratio.Cmp(daiRatioMin) < 0 {
		ratio = daiRatioMin
	}
	if ratio.Cmp(daiRatioMax) > 0 {
		ratio = daiRatioMax
	}
	return state.MulDiv(o.GetPrice(MakerUSDOracleKey), ratio, state.Mantissa)
}

type priceSource int

const (
	sourceReporter priceSource = iota
	sourceFixedUSD
	sourceFixedETH
)

type tokenConfig struct {
	symbol     string
	source     priceSource
	fixedPrice *big.Int
	baseUnit   *big.Int
}

func reporter(symbol string, decimals int) tokenConfig {
	return tokenConfig{symbol: symbol, source: sourceReporter, baseUnit: state.Pow10(decimals)}
}

// uniswapAnchorTokens 各 cToken 的价格来源
var uniswapAnchorTokens = map[string]tokenConfig{
	CETHAddress:  reporter("ETH", 18),
	CDAIAddress:  reporter("DAI", 18),
	CBATAddress:  reporter("BAT", 18),
	CREPAddress:  reporter("REP", 18),
	CZRXAddress:  reporter("ZRX", 18),
	CWBTCAddress: reporter("BTC", 8),
	CUSDCAddress: {symbol: "USDC", source: sourceFixedUSD, fixedPrice: uavFixedUSD, baseUnit: state.Pow10(6)},
	CUSDTAddress: {symbol: "USDT", source: sourceFixedUSD, fixedPrice: uavFixedUSD, baseUnit: state.Pow10(6)},
	CSAIAddress:  {symbol: "SAI", source: sourceFixedETH, fixedPrice: uavFixedSAIInETH, baseUnit: state.Pow10(18)},
}

// UniswapAnchorView 以美元计价、按代币符号上报价格的预言机
type UniswapAnchorView struct {
	address string
	store   *state.PriceStore
}

// NewUniswapAnchorView 构造器
func NewUniswapAnchorView(env state.OracleEnv) state.Oracle {
	return &UniswapAnchorView{address: strings.ToLower(env.Address), store: env.Store}
}

func (o *UniswapAnchorView) Address() string { return o.address }

func (o *UniswapAnchorView) GetPrice(symbol string) *big.Int {
	return o.store.Get(uniswapAnchorViewNamespace, symbol)
}

func (o *UniswapAnchorView) UpdatePrice(symbol string, price *big.Int, inverted bool) {
	o.store.Update(uniswapAnchorViewNamespace, symbol, price, inverted)
}

func (o *UniswapAnchorView) priceInternal(cfg tokenConfig) *big.Int {
	switch cfg.source {
	case sourceFixedUSD:
		return state.Copy(cfg.fixedPrice)
	case sourceFixedETH:
		return state.MulDiv(o.GetPrice("ETH"), cfg.fixedPrice, state.Mantissa)
	default:
		return o.GetPrice(cfg.symbol)
	}
}

// GetUnderlyingPrice 1e30 * price / baseUnit；usd 为 false 时再按 ETH 价格折算
func (o *UniswapAnchorView) GetUnderlyingPrice(market string, usd bool) *big.Int {
	cfg, ok := uniswapAnchorTokens[strings.ToLower(market)]
	if !ok {
		return new(big.Int)
	}
	usdPrice := state.MulDiv(uavPriceScale, o.priceInternal(cfg), cfg.baseUnit)
	if usd {
		return usdPrice
	}
	ethUSD := state.MulDiv(uavPriceScale, o.GetPrice("ETH"), state.Mantissa)
	return state.MulDiv(usdPrice, state.Mantissa, ethUSD)
}

func registerOracles() {
	for version := 1; version <= latestPriceOracle; version++ {
		state.OracleRegistry.Register(PriceOracleName(version), NewPriceOracleFactory(version))
	}
	state.OracleRegistry.Register(PriceOracleV1Address, NewPriceOracleFactory(1))
	state.OracleRegistry.Register(UniswapAnchorViewName, NewUniswapAnchorView)
}
