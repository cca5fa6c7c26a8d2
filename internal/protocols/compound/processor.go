package compound

import (
	"math/big"

	"backd/internal/errors"
	"backd/internal/processor"
	"backd/internal/state"
	"backd/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Options 处理器选项
type Options struct {
	// SeizeCollateral 清算时同时转移抵押代币。数据源已包含 seize 的 Transfer 日志时关闭。
	SeizeCollateral bool
}

// DefaultOptions 默认选项
func DefaultOptions() Options {
	return Options{SeizeCollateral: true}
}

// Processor Compound 事件处理器
type Processor = processor.Processor[*State]

// NewProcessor 注册全部 Compound 事件
func NewProcessor(logger *logrus.Logger, opts Options) *Processor {
	p := processor.New[*State](logger)
	h := &handlers{opts: opts}

	p.Register("Mint", h.mint)
	p.Register("Redeem", h.redeem)
	p.Register("Transfer", h.transfer)
	p.Register("Borrow", h.borrow)
	p.Register("RepayBorrow", h.repayBorrow)
	p.Register("LiquidateBorrow", h.liquidateBorrow)
	p.Register("AccrueInterest", h.accrueInterest)
	p.Register("ReservesAdded", h.reservesAdded)
	p.Register("ReservesReduced", h.reservesReduced)
	p.Register("NewComptroller", h.newComptroller)
	p.Register("NewMarketInterestRateModel", h.newMarketInterestRateModel)
	p.Register("NewInterestParams", h.newInterestParams)
	p.Register("NewReserveFactor", h.newReserveFactor)
	p.Register("NewCloseFactor", h.newCloseFactor)
	p.Register("NewCollateralFactor", h.newCollateralFactor)
	p.Register("MarketListed", h.marketListed)
	p.Register("MarketEntered", h.marketEntered)
	p.Register("MarketExited", h.marketExited)
	p.Register("NewPriceOracle", h.newPriceOracle)
	p.Register("PricePosted", h.pricePosted)
	p.Register("LogValue", h.logValue)
	p.Register("PriceUpdated", h.priceUpdated)
	p.Register("SaiPriceSet", h.saiPriceSet)

	return p
}

type handlers struct {
	opts Options
}

// args 顺序读取事件参数，记录第一个错误
type args struct {
	values models.Values
	err    error
}

func argsOf(e *models.Event) *args {
	return &args{values: e.ReturnValues}
}

func (a *args) bigInt(key string) *big.Int {
	if a.err != nil {
		return new(big.Int)
	}
	v, err := a.values.BigInt(key)
	if err != nil {
		a.err = err
		return new(big.Int)
	}
	return v
}

func (a *args) address(key string) string {
	if a.err != nil {
		return ""
	}
	v, err := a.values.Address(key)
	if err != nil {
		a.err = err
	}
	return v
}

func (a *args) str(key string) string {
	if a.err != nil {
		return ""
	}
	v, err := a.values.String(key)
	if err != nil {
		a.err = err
	}
	return v
}

// factor 18 位定点数转为小数
func factor(mantissa *big.Int) decimal.Decimal {
	return decimal.NewFromBigInt(mantissa, -FactorsDecimals)
}

func (h *handlers) mint(s *State, e *models.Event) error {
	a := argsOf(e)
	minter := a.address("minter")
	amount := a.bigInt("mintAmount")
	tokens := a.bigInt("mintTokens")
	if a.err != nil {
		return a.err
	}
	market, err := s.Markets.Find(e.Address)
	if err != nil {
		return err
	}

	market.Balances.TokenBalance.Add(market.Balances.TokenBalance, tokens)
	market.Balances.TotalUnderlying.Add(market.Balances.TotalUnderlying, amount)
	market.EnsureUser(minter)
	return nil
}

func (h *handlers) redeem(s *State, e *models.Event) error {
	a := argsOf(e)
	redeemer := a.address("redeemer")
	amount := a.bigInt("redeemAmount")
	tokens := a.bigInt("redeemTokens")
	if a.err != nil {
		return a.err
	}
	market, err := s.Markets.Find(e.Address)
	if err != nil {
		return err
	}

	if market.Balances.TokenBalance.Cmp(tokens) < 0 {
		return errors.Preconditionf("市场 %s 代币余额 %s 小于赎回数量 %s", market.Address, market.Balances.TokenBalance, tokens)
	}
	if market.Balances.TotalUnderlying.Cmp(amount) < 0 {
		return errors.Preconditionf("市场 %s 现金 %s 小于赎回金额 %s", market.Address, market.Balances.TotalUnderlying, amount)
	}
	market.Balances.TokenBalance.Sub(market.Balances.TokenBalance, tokens)
	market.Balances.TotalUnderlying.Sub(market.Balances.TotalUnderlying, amount)
	market.EnsureUser(redeemer)
	return nil
}

func (h *handlers) transfer(s *State, e *models.Event) error {
	a := argsOf(e)
	from := a.address("from")
	to := a.address("to")
	amount := a.bigInt("amount")
	if a.err != nil {
		return a.err
	}
	market, err := s.Markets.Find(e.Address)
	if err != nil {
		return err
	}
	return moveTokens(market, from, to, amount)
}

// moveTokens 用户之间转移代币。来自市场本身的转账只入账，转入市场的只出账。
func moveTokens(market *state.Market, from, to string, amount *big.Int) error {
	if err := checkTransfer(market, from, amount); err != nil {
		return err
	}
	applyTransfer(market, from, to, amount)
	return nil
}

func checkTransfer(market *state.Market, from string, amount *big.Int) error {
	if from == market.Address {
		return nil
	}
	sender, ok := market.User(from)
	if !ok || sender.Balances.TokenBalance.Cmp(amount) < 0 {
		balance := new(big.Int)
		if ok {
			balance = sender.Balances.TokenBalance
		}
		return errors.Preconditionf("用户 %s 在市场 %s 的代币余额 %s 小于转出数量 %s", from, market.Address, balance, amount)
	}
	return nil
}

func applyTransfer(market *state.Market, from, to string, amount *big.Int) {
	if from != market.Address {
		sender, _ := market.User(from)
		sender.Balances.TokenBalance.Sub(sender.Balances.TokenBalance, amount)
	}
	if to != market.Address {
		recipient := market.EnsureUser(to)
		recipient.Balances.TokenBalance.Add(recipient.Balances.TokenBalance, amount)
	}
}

// borrow 不校验市场现金，缺少早期历史时现金可以为负
func (h *handlers) borrow(s *State, e *models.Event) error {
	a := argsOf(e)
	borrower := a.address("borrower")
	amount := a.bigInt("borrowAmount")
	if a.err != nil {
		return a.err
	}
	market, err := s.Markets.Find(e.Address)
	if err != nil {
		return err
	}

	user := market.EnsureUser(borrower)
	owed := user.BorrowedAt(market.BorrowIndex)
	user.Balances.TotalBorrowed = owed.Add(owed, amount)
	user.BorrowIndex = state.Copy(market.BorrowIndex)

	market.Balances.TotalBorrowed.Add(market.Balances.TotalBorrowed, amount)
	market.Balances.TotalUnderlying.Sub(market.Balances.TotalUnderlying, amount)
	return nil
}

func (h *handlers) repayBorrow(s *State, e *models.Event) error {
	a := argsOf(e)
	borrower := a.address("borrower")
	amount := a.bigInt("repayAmount")
	if a.err != nil {
		return a.err
	}
	market, err := s.Markets.Find(e.Address)
	if err != nil {
		return err
	}
	owed, err := checkRepay(market, borrower, amount)
	if err != nil {
		return err
	}
	applyRepay(market, borrower, owed, amount)
	return nil
}

// checkRepay 返回按当前指数结算后的用户欠款
func checkRepay(market *state.Market, borrower string, amount *big.Int) (*big.Int, error) {
	owed := new(big.Int)
	if user, ok := market.User(borrower); ok {
		owed = user.BorrowedAt(market.BorrowIndex)
	}
	if owed.Cmp(amount) < 0 {
		return nil, errors.Preconditionf("用户 %s 在市场 %s 的欠款 %s 小于还款 %s", borrower, market.Address, owed, amount)
	}
	if market.Balances.TotalBorrowed.Cmp(amount) < 0 {
		return nil, errors.Preconditionf("市场 %s 借款总额 %s 小于还款 %s", market.Address, market.Balances.TotalBorrowed, amount)
	}
	return owed, nil
}

func applyRepay(market *state.Market, borrower string, owed, amount *big.Int) {
	user := market.EnsureUser(borrower)
	user.Balances.TotalBorrowed = new(big.Int).Sub(owed, amount)
	user.BorrowIndex = state.Copy(market.BorrowIndex)
	market.Balances.TotalBorrowed.Sub(market.Balances.TotalBorrowed, amount)
	market.Balances.TotalUnderlying.Add(market.Balances.TotalUnderlying, amount)
}

// liquidateBorrow 两个市场的校验全部通过后才修改状态，失败时不留下部分结果
func (h *handlers) liquidateBorrow(s *State, e *models.Event) error {
	a := argsOf(e)
	liquidator := a.address("liquidator")
	borrower := a.address("borrower")
	amount := a.bigInt("repayAmount")
	collateral := a.address("cTokenCollateral")
	seizeTokens := a.bigInt("seizeTokens")
	if a.err != nil {
		return a.err
	}
	borrowMarket, err := s.Markets.Find(e.Address)
	if err != nil {
		return err
	}

	var collateralMarket *state.Market
	if h.opts.SeizeCollateral {
		if collateralMarket, err = s.Markets.Find(collateral); err != nil {
			return err
		}
		if borrower == liquidator {
			return errors.Preconditionf("清算人与借款人相同: %s", borrower)
		}
		if err := checkTransfer(collateralMarket, borrower, seizeTokens); err != nil {
			return err
		}
	}
	owed, err := checkRepay(borrowMarket, borrower, amount)
	if err != nil {
		return err
	}

	applyRepay(borrowMarket, borrower, owed, amount)
	if collateralMarket != nil {
		applyTransfer(collateralMarket, borrower, liquidator, seizeTokens)
	}
	return nil
}

func (h *handlers) accrueInterest(s *State, e *models.Event) error {
	market, err := s.Markets.Find(e.Address)
	if err != nil {
		return err
	}
	block := e.BlockNumberUint()

	var newIndex *big.Int
	if e.ReturnValues.Has("borrowIndex") {
		newIndex, err = e.ReturnValues.BigInt("borrowIndex")
		if err != nil {
			return err
		}
	} else {
		newIndex, err = h.modelIndex(s, market, block)
		if err != nil {
			return err
		}
	}
	if newIndex.Cmp(market.BorrowIndex) < 0 {
		return errors.Preconditionf("市场 %s 借款指数下降: %s -> %s", market.Address, market.BorrowIndex, newIndex)
	}

	newTotal := market.ComputeNewTotalBorrowed(newIndex)
	interest := new(big.Int).Sub(newTotal, market.Balances.TotalBorrowed)
	reserves := decimal.NewFromBigInt(interest, 0).Mul(market.ReserveFactor).Floor().BigInt()

	market.Reserves.Add(market.Reserves, reserves)
	market.Balances.TotalBorrowed = newTotal
	market.BorrowIndex = newIndex
	market.AccrualBlock = block
	return nil
}

// modelIndex 用利率模型推算指数：index + index * rate * Δblocks / 1e18
func (h *handlers) modelIndex(s *State, market *state.Market, block uint64) (*big.Int, error) {
	if market.InterestRateModel == "" {
		return nil, errors.NotFoundf(errors.ErrRegistryLookup, "市场 %s 未绑定利率模型", market.Address)
	}
	model, err := s.InterestRateModels.Get(market.InterestRateModel)
	if err != nil {
		return nil, err
	}
	if market.AccrualBlock == 0 || block <= market.AccrualBlock {
		return state.Copy(market.BorrowIndex), nil
	}
	rate := model.BorrowRate(market.Balances.TotalUnderlying, market.Balances.TotalBorrowed, market.Reserves)
	rate.Mul(rate, new(big.Int).SetUint64(block-market.AccrualBlock))
	growth := state.MulDiv(market.BorrowIndex, rate, state.Mantissa)
	return growth.Add(growth, market.BorrowIndex), nil
}

func (h *handlers) reservesAdded(s *State, e *models.Event) error {
	a := argsOf(e)
	amount := a.bigInt("addAmount")
	if a.err != nil {
		return a.err
	}
	market, err := s.Markets.Find(e.Address)
	if err != nil {
		return err
	}
	market.Reserves.Add(market.Reserves, amount)
	market.Balances.TotalUnderlying.Add(market.Balances.TotalUnderlying, amount)
	return nil
}

func (h *handlers) reservesReduced(s *State, e *models.Event) error {
	a := argsOf(e)
	amount := a.bigInt("reduceAmount")
	if a.err != nil {
		return a.err
	}
	market, err := s.Markets.Find(e.Address)
	if err != nil {
		return err
	}
	if market.Reserves.Cmp(amount) < 0 {
		return errors.Preconditionf("市场 %s 储备 %s 小于减少量 %s", market.Address, market.Reserves, amount)
	}
	if market.Balances.TotalUnderlying.Cmp(amount) < 0 {
		return errors.Preconditionf("市场 %s 现金 %s 小于减少量 %s", market.Address, market.Balances.TotalUnderlying, amount)
	}
	market.Reserves.Sub(market.Reserves, amount)
	market.Balances.TotalUnderlying.Sub(market.Balances.TotalUnderlying, amount)
	return nil
}

// newComptroller cToken 构造时发出，首次出现即创建市场
func (h *handlers) newComptroller(s *State, e *models.Event) error {
	a := argsOf(e)
	comptroller := a.address("newComptroller")
	if a.err != nil {
		return a.err
	}
	market, err := s.Markets.Find(e.Address)
	if err != nil {
		market = state.NewMarket(e.Address)
		if err := s.Markets.Add(market); err != nil {
			return err
		}
	}
	market.Comptroller = comptroller
	return nil
}

func (h *handlers) newMarketInterestRateModel(s *State, e *models.Event) error {
	a := argsOf(e)
	address := a.address("newInterestRateModel")
	if a.err != nil {
		return a.err
	}
	market, err := s.Markets.Find(e.Address)
	if err != nil {
		return err
	}
	if _, err := s.InterestRateModels.Ensure(address); err != nil {
		return err
	}
	market.InterestRateModel = address
	return nil
}

// newInterestParams 由利率模型合约发出
func (h *handlers) newInterestParams(s *State, e *models.Event) error {
	model, err := s.InterestRateModels.Ensure(e.Address)
	if err != nil {
		return err
	}
	return model.SetParams(e.ReturnValues)
}

func (h *handlers) newReserveFactor(s *State, e *models.Event) error {
	a := argsOf(e)
	mantissa := a.bigInt("newReserveFactorMantissa")
	if a.err != nil {
		return a.err
	}
	market, err := s.Markets.Find(e.Address)
	if err != nil {
		return err
	}
	market.ReserveFactor = factor(mantissa)
	return nil
}

func (h *handlers) newCloseFactor(s *State, e *models.Event) error {
	a := argsOf(e)
	mantissa := a.bigInt("newCloseFactorMantissa")
	if a.err != nil {
		return a.err
	}
	s.CloseFactor = factor(mantissa)
	return nil
}

func (h *handlers) newCollateralFactor(s *State, e *models.Event) error {
	a := argsOf(e)
	cToken := a.address("cToken")
	mantissa := a.bigInt("newCollateralFactorMantissa")
	if a.err != nil {
		return a.err
	}
	market, err := s.Markets.Find(cToken)
	if err != nil {
		return err
	}
	market.CollateralFactor = factor(mantissa)
	return nil
}

func (h *handlers) marketListed(s *State, e *models.Event) error {
	a := argsOf(e)
	cToken := a.address("cToken")
	if a.err != nil {
		return a.err
	}
	market, err := s.Markets.Find(cToken)
	if err != nil {
		return err
	}
	market.Listed = true
	return nil
}

func (h *handlers) marketEntered(s *State, e *models.Event) error {
	return h.setEntered(s, e, true)
}

func (h *handlers) marketExited(s *State, e *models.Event) error {
	return h.setEntered(s, e, false)
}

func (h *handlers) setEntered(s *State, e *models.Event, entered bool) error {
	a := argsOf(e)
	cToken := a.address("cToken")
	account := a.address("account")
	if a.err != nil {
		return a.err
	}
	market, err := s.Markets.Find(cToken)
	if err != nil {
		return err
	}
	if entered && !market.Listed {
		return errors.Preconditionf("市场 %s 尚未上架", market.Address)
	}
	market.EnsureUser(account).Entered = entered
	return nil
}

func (h *handlers) newPriceOracle(s *State, e *models.Event) error {
	a := argsOf(e)
	oracle := a.address("newPriceOracle")
	if a.err != nil {
		return a.err
	}
	return s.Oracles.SetCurrent(oracle)
}

// pricePosted V1 预言机按资产上报价格
func (h *handlers) pricePosted(s *State, e *models.Event) error {
	a := argsOf(e)
	asset := a.address("asset")
	price := a.bigInt("newPriceMantissa")
	if a.err != nil {
		return a.err
	}
	oracle, err := s.Oracles.Get(e.Address)
	if err != nil {
		return err
	}
	oracle.UpdatePrice(asset, price, false)
	return nil
}

// logValue maker DSValue 的美元价格，取倒数后写入 V1 喂价
func (h *handlers) logValue(s *State, e *models.Event) error {
	tokens, ok := DSValuesMapping[e.NormalizedAddress()]
	if !ok {
		return nil
	}
	a := argsOf(e)
	value := a.bigInt("val")
	if a.err != nil {
		return a.err
	}
	oracle, err := s.Oracles.Get(PriceOracleV1Address)
	if err != nil {
		return err
	}
	oracle.UpdatePrice(e.NormalizedAddress(), value, true)
	for _, token := range tokens {
		oracle.UpdatePrice(token, value, true)
	}
	return nil
}

// priceUpdated UniswapAnchorView 按符号上报价格
func (h *handlers) priceUpdated(s *State, e *models.Event) error {
	a := argsOf(e)
	symbol := a.str("symbol")
	price := a.bigInt("price")
	if a.err != nil {
		return a.err
	}
	oracle, err := s.Oracles.Get(e.Address)
	if err != nil {
		return err
	}
	oracle.UpdatePrice(symbol, price, false)
	return nil
}

type saiPricer interface {
	SetSaiPrice(price *big.Int)
}

func (h *handlers) saiPriceSet(s *State, e *models.Event) error {
	a := argsOf(e)
	price := a.bigInt("newPriceMantissa")
	if a.err != nil {
		return a.err
	}
	oracle, err := s.Oracles.Get(e.Address)
	if err != nil {
		return err
	}
	pricer, ok := oracle.(saiPricer)
	if !ok {
		return errors.Preconditionf("预言机 %s 不支持 SAI 固定价格", e.Address)
	}
	pricer.SetSaiPrice(price)
	return nil
}
