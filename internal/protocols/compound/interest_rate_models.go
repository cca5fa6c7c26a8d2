package compound

import (
	"encoding/json"
	"math/big"
	"sort"
	"strings"

	"backd/internal/errors"
	"backd/internal/registry"
	"backd/internal/state"
	"backd/pkg/models"
)

// 利率模型名称
const (
	JumpRateModelName           = "JumpRateModel"
	WhitePaperModelName         = "WhitePaperInterestRateModel"
	paramBaseRatePerBlock       = "baseRatePerBlock"
	paramMultiplierPerBlock     = "multiplierPerBlock"
	paramJumpMultiplierPerBlock = "jumpMultiplierPerBlock"
	paramKink                   = "kink"
)

// InterestRateModel 利率模型
type InterestRateModel interface {
	Kind() string
	// BorrowRate 每区块借款利率，18 位精度
	BorrowRate(cash, borrows, reserves *big.Int) *big.Int
	// SetParams 根据 NewInterestParams 事件参数更新
	SetParams(values models.Values) error
	Params() map[string]*big.Int
}

// InterestRateModelFactory 利率模型构造器
type InterestRateModelFactory func() InterestRateModel

// InterestRateModelRegistry 键为模型名或模型合约地址
var InterestRateModelRegistry = registry.New[InterestRateModelFactory]("interest-rate-model")

// UtilizationRate borrows / (cash + borrows)，18 位精度。储备金不参与计算，分母非正时为 0
func UtilizationRate(cash, borrows *big.Int) *big.Int {
	denominator := new(big.Int).Add(cash, borrows)
	if borrows.Sign() == 0 || denominator.Sign() <= 0 {
		return new(big.Int)
	}
	return state.MulDiv(borrows, state.Mantissa, denominator)
}

// JumpRateModel 超过拐点后使用跳跃斜率
type JumpRateModel struct {
	BaseRatePerBlock       *big.Int
	MultiplierPerBlock     *big.Int
	JumpMultiplierPerBlock *big.Int
	Kink                   *big.Int
}

// NewJumpRateModel 参数全零的模型
func NewJumpRateModel() InterestRateModel {
	return &JumpRateModel{
		BaseRatePerBlock:       new(big.Int),
		MultiplierPerBlock:     new(big.Int),
		JumpMultiplierPerBlock: new(big.Int),
		Kink:                   new(big.Int),
	}
}

func (m *JumpRateModel) Kind() string { return JumpRateModelName }

func (m *JumpRateModel) BorrowRate(cash, borrows, reserves *big.Int) *big.Int {
	util := UtilizationRate(cash, borrows)
	if util.Cmp(m.Kink) <= 0 {
		rate := state.MulDiv(util, m.MultiplierPerBlock, state.Mantissa)
		return rate.Add(rate, m.BaseRatePerBlock)
	}
	normal := state.MulDiv(m.Kink, m.MultiplierPerBlock, state.Mantissa)
	normal.Add(normal, m.BaseRatePerBlock)
	excess := new(big.Int).Sub(util, m.Kink)
	jump := state.MulDiv(excess, m.JumpMultiplierPerBlock, state.Mantissa)
	return jump.Add(jump, normal)
}

func (m *JumpRateModel) SetParams(values models.Values) error {
	params := map[string]**big.Int{
		paramBaseRatePerBlock:       &m.BaseRatePerBlock,
		paramMultiplierPerBlock:     &m.MultiplierPerBlock,
		paramJumpMultiplierPerBlock: &m.JumpMultiplierPerBlock,
		paramKink:                   &m.Kink,
	}
	return setParams(values, params)
}

func (m *JumpRateModel) Params() map[string]*big.Int {
	return map[string]*big.Int{
		paramBaseRatePerBlock:       state.Copy(m.BaseRatePerBlock),
		paramMultiplierPerBlock:     state.Copy(m.MultiplierPerBlock),
		paramJumpMultiplierPerBlock: state.Copy(m.JumpMultiplierPerBlock),
		paramKink:                   state.Copy(m.Kink),
	}
}

// WhitePaperInterestRateModel 线性模型
type WhitePaperInterestRateModel struct {
	BaseRatePerBlock   *big.Int
	MultiplierPerBlock *big.Int
}

// NewWhitePaperInterestRateModel 参数全零的模型
func NewWhitePaperInterestRateModel() InterestRateModel {
	return &WhitePaperInterestRateModel{
		BaseRatePerBlock:   new(big.Int),
		MultiplierPerBlock: new(big.Int),
	}
}

func (m *WhitePaperInterestRateModel) Kind() string { return WhitePaperModelName }

func (m *WhitePaperInterestRateModel) BorrowRate(cash, borrows, reserves *big.Int) *big.Int {
	util := UtilizationRate(cash, borrows)
	rate := state.MulDiv(util, m.MultiplierPerBlock, state.Mantissa)
	return rate.Add(rate, m.BaseRatePerBlock)
}

func (m *WhitePaperInterestRateModel) SetParams(values models.Values) error {
	return setParams(values, map[string]**big.Int{
		paramBaseRatePerBlock:   &m.BaseRatePerBlock,
		paramMultiplierPerBlock: &m.MultiplierPerBlock,
	})
}

func (m *WhitePaperInterestRateModel) Params() map[string]*big.Int {
	return map[string]*big.Int{
		paramBaseRatePerBlock:   state.Copy(m.BaseRatePerBlock),
		paramMultiplierPerBlock: state.Copy(m.MultiplierPerBlock),
	}
}

// setParams 全部参数都解析成功后才写入
func setParams(values models.Values, targets map[string]**big.Int) error {
	parsed := make(map[string]*big.Int, len(targets))
	for key := range targets {
		value, err := values.BigInt(key)
		if err != nil {
			return err
		}
		parsed[key] = value
	}
	for key, target := range targets {
		*target = parsed[key]
	}
	return nil
}

// InterestRateModels 按合约地址保存的利率模型实例
type InterestRateModels struct {
	registry *registry.Registry[InterestRateModelFactory]
	fallback string
	models   map[string]InterestRateModel
}

// NewInterestRateModels 使用全局注册表
func NewInterestRateModels() *InterestRateModels {
	return &InterestRateModels{
		registry: InterestRateModelRegistry,
		models:   make(map[string]InterestRateModel),
	}
}

// SetFallback 未注册地址使用的模型名，空字符串表示不回退
func (irm *InterestRateModels) SetFallback(kind string) {
	irm.fallback = kind
}

// Get 已创建的模型
func (irm *InterestRateModels) Get(address string) (InterestRateModel, error) {
	model, ok := irm.models[strings.ToLower(address)]
	if !ok {
		return nil, errors.NotFoundf(errors.ErrRegistryLookup, "利率模型 %s 不存在", address).
			WithContext("interest_rate_model", address)
	}
	return model, nil
}

// Ensure 返回地址对应的模型，不存在时通过注册表创建
func (irm *InterestRateModels) Ensure(address string) (InterestRateModel, error) {
	address = strings.ToLower(address)
	if model, ok := irm.models[address]; ok {
		return model, nil
	}
	factory, err := irm.registry.Get(address)
	if err != nil && irm.fallback != "" {
		factory, err = irm.registry.Get(irm.fallback)
	}
	if err != nil {
		return nil, err
	}
	model := factory()
	irm.models[address] = model
	return model, nil
}

// Addresses 排序后的模型地址
func (irm *InterestRateModels) Addresses() []string {
	addresses := make([]string, 0, len(irm.models))
	for address := range irm.models {
		addresses = append(addresses, address)
	}
	sort.Strings(addresses)
	return addresses
}

type modelJSON struct {
	Kind   string            `json:"kind"`
	Params map[string]string `json:"params"`
}

// MarshalJSON 编码为 地址 -> {kind, params}
func (irm *InterestRateModels) MarshalJSON() ([]byte, error) {
	encoded := make(map[string]modelJSON, len(irm.models))
	for address, model := range irm.models {
		params := make(map[string]string)
		for key, value := range model.Params() {
			params[key] = value.String()
		}
		encoded[address] = modelJSON{Kind: model.Kind(), Params: params}
	}
	return json.Marshal(encoded)
}

// UnmarshalJSON 按 kind 通过注册表重建模型
func (irm *InterestRateModels) UnmarshalJSON(data []byte) error {
	var encoded map[string]modelJSON
	if err := json.Unmarshal(data, &encoded); err != nil {
		return err
	}
	if irm.registry == nil {
		irm.registry = InterestRateModelRegistry
	}
	irm.models = make(map[string]InterestRateModel, len(encoded))
	for address, entry := range encoded {
		factory, err := irm.registry.Get(entry.Kind)
		if err != nil {
			return err
		}
		model := factory()
		values := make(models.Values, len(entry.Params))
		for key, value := range entry.Params {
			values[key] = value
		}
		if err := model.SetParams(values); err != nil {
			return err
		}
		irm.models[address] = model
	}
	return nil
}
