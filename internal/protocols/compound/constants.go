package compound

import "strings"

// ProtocolName 协议名
const ProtocolName = "compound"

// 已知合约地址（小写）
const (
	CETHAddress  = "0x4ddc2d193948926d02f9b1fe9e1daa0718270ed5"
	CBATAddress  = "0x6c8c6b02e7b2be14d4fa6022dfd6d75921d90e4e"
	CDAIAddress  = "0x5d3a536e4d6dbd6114cc1ead35777bab948e3643"
	CSAIAddress  = "0xf5dce57282a584d2746faf1593d3121fcac444dc"
	CREPAddress  = "0x158079ee67fce2f58472a96584a73c7ab9ac95c1"
	CUSDCAddress = "0x39aa39c021dfbae8fac545936693ac917d5e7563"
	CUSDTAddress = "0xf650c3d88d12db855b8bf7d11be6c55a4e07dcc9"
	CWBTCAddress = "0xc11b1268c1a384e55c48c2391d8d480264a3a7f4"
	CZRXAddress  = "0xb3319f5d18bc0d84dd1b4825dcde5d5f7266d407"

	PriceOracleV1Address = "0x02557a5e05defeffd4cae6d83ea3d173b272c904"

	// MakerUSDOracleKey maker 中位数喂价，价格为每美元的 ETH
	MakerUSDOracleKey = "0x729d19f657bd0614b4985cf1d82531c67569197b"
	USDCOracleKey     = "0x0000000000000000000000000000000000000001"
	DAIOracleKey      = "0x0000000000000000000000000000000000000002"
)

// 精度
const (
	DSRDecimals     = 27
	FactorsDecimals = 18
	CTokenDecimals  = 8
)

// MarketInfo 主网市场元数据
type MarketInfo struct {
	Address          string
	Symbol           string
	Decimals         int // 标的资产精度
	Underlying       string
	UnderlyingSymbol string
}

// KnownMarkets 主网 cToken 列表
var KnownMarkets = []MarketInfo{
	{CETHAddress, "cETH", 18, "0x0000000000000000000000000000000000000000", "ETH"},
	{CBATAddress, "cBAT", 18, "0x0d8775f648430679a709e98d2b0cb6250d2887ef", "BAT"},
	{CDAIAddress, "cDAI", 18, "0x6b175474e89094c44da98b954eedeac495271d0f", "DAI"},
	{CSAIAddress, "cSAI", 18, "0x89d24a6b4ccb1b6faa2625fe562bdd9a23260359", "SAI"},
	{CREPAddress, "cREP", 18, "0x1985365e9f78359a9b6ad760e32412f4a445e862", "REP"},
	{CUSDCAddress, "cUSDC", 6, "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48", "USDC"},
	{CUSDTAddress, "cUSDT", 6, "0xdac17f958d2ee523a2206206994597c13d831ec7", "USDT"},
	{CWBTCAddress, "cWBTC", 8, "0x2260fac5e5542a773aa44fbcfedf7c193bc2c599", "BTC"},
	{CZRXAddress, "cZRX", 18, "0xe41d2489571d322189246dafa5ebde1f4699f498", "ZRX"},
}

// DSValuesMapping maker DSValue 喂价合约到使用其价格的标的资产
var DSValuesMapping = map[string][]string{
	MakerUSDOracleKey: {
		"0x89d24a6b4ccb1b6faa2625fe562bdd9a23260359", // SAI
		"0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48", // USDC
	},
}

// LookupMarket 按 cToken 地址查元数据
func LookupMarket(address string) (MarketInfo, bool) {
	address = strings.ToLower(address)
	for _, info := range KnownMarkets {
		if info.Address == address {
			return info, true
		}
	}
	return MarketInfo{}, false
}

// IsToken 判断 cToken 的标的是否为给定符号
func IsToken(market, symbol string) bool {
	info, ok := LookupMarket(market)
	return ok && strings.EqualFold(info.UnderlyingSymbol, symbol)
}

// UnderlyingOf 标的资产地址，未知市场返回市场地址本身
func UnderlyingOf(market string) string {
	if info, ok := LookupMarket(market); ok {
		return info.Underlying
	}
	return strings.ToLower(market)
}
