package models

import "time"

// 分析记录类型，用作输出文件名和 Kafka topic 的键
const (
	RecordSupplyBorrow = "supply_borrow"
	RecordLiquidation  = "liquidation"
	RecordUserCount    = "user_count"
)

// SupplyBorrowRecord 每个区块结束时某个市场的供给与借款规模
type SupplyBorrowRecord struct {
	RunID       string    `json:"run_id"`
	BlockNumber uint64    `json:"block_number"`
	Timestamp   time.Time `json:"timestamp"`
	Market      string    `json:"market"`
	Symbol      string    `json:"symbol,omitempty"`
	Supply      string    `json:"supply"`      // 以标的计的存款总额
	Borrows     string    `json:"borrows"`     // 借款总额
	Underlying  string    `json:"underlying"`  // 池内现金
	SupplyUSD   string    `json:"supply_usd"`  // 按当前预言机折算，18 位精度
	BorrowsUSD  string    `json:"borrows_usd"` // 同上
}

// LiquidationRecord 单笔清算
type LiquidationRecord struct {
	RunID            string    `json:"run_id"`
	BlockNumber      uint64    `json:"block_number"`
	TransactionIndex uint64    `json:"transaction_index"`
	Timestamp        time.Time `json:"timestamp"`
	Borrower         string    `json:"borrower"`
	Liquidator       string    `json:"liquidator"`
	BorrowMarket     string    `json:"borrow_market"`
	CollateralMarket string    `json:"collateral_market"`
	RepayAmount      string    `json:"repay_amount"`
	SeizeTokens      string    `json:"seize_tokens"`
	SeizedUSD        string    `json:"seized_usd"` // 18 位精度
	ETHPrice         string    `json:"eth_price"`  // 当前预言机 ETH 美元价
}

// UserCountRecord 每个区块的供给者或借款者数量
type UserCountRecord struct {
	RunID       string `json:"run_id"`
	Kind        string `json:"kind"` // suppliers 或 borrowers
	BlockNumber uint64 `json:"block_number"`
	Count       int    `json:"count"`
}
