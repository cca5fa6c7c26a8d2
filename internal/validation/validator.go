package validation

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"backd/internal/errors"
	"backd/pkg/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
)

var (
	hashRegex     = regexp.MustCompile("^0x[0-9a-fA-F]{64}$")
	shortHexRegex = regexp.MustCompile("^0x[0-9a-fA-F]+$")
)

// Validator 事件结构验证器。非严格模式接受测试数据中的短地址，
// 严格模式要求完整的 20 字节地址和 32 字节哈希。
type Validator struct {
	logger     *logrus.Logger
	strictMode bool
	rules      []ValidationRule
	mu         sync.Mutex
	checked    int
	rejected   int
}

// ValidationRule 验证规则接口
type ValidationRule interface {
	Validate(event *models.Event, strict bool) error
	Name() string
	Description() string
}

// ValidationResult 验证结果
type ValidationResult struct {
	Valid    bool                  `json:"valid"`
	Errors   []*errors.ReplayError `json:"errors,omitempty"`
	Warnings []string              `json:"warnings,omitempty"`
}

// NewValidator 创建事件验证器
func NewValidator(logger *logrus.Logger, strictMode bool) *Validator {
	v := &Validator{
		logger:     logger,
		strictMode: strictMode,
	}

	// 注册默认验证规则
	v.AddRule(NewEventKeyValidationRule())
	v.AddRule(NewEventNameValidationRule())
	v.AddRule(NewAddressValidationRule())
	v.AddRule(NewHashValidationRule())

	return v
}

// AddRule 添加验证规则，按添加顺序执行
func (v *Validator) AddRule(rule ValidationRule) {
	v.rules = append(v.rules, rule)
	v.logger.Debugf("已注册验证规则: %s", rule.Name())
}

// ValidateEvent 执行全部规则
func (v *Validator) ValidateEvent(event *models.Event) *ValidationResult {
	if event == nil {
		return &ValidationResult{
			Valid:  false,
			Errors: []*errors.ReplayError{validationError("EMPTY_EVENT", "事件为空")},
		}
	}

	result := &ValidationResult{
		Valid:    true,
		Errors:   make([]*errors.ReplayError, 0),
		Warnings: make([]string, 0),
	}

	for _, rule := range v.rules {
		err := rule.Validate(event, v.strictMode)
		if err == nil {
			continue
		}
		if warning, ok := err.(Warning); ok {
			result.Warnings = append(result.Warnings, string(warning))
			continue
		}

		result.Valid = false
		replayErr, ok := errors.As(err)
		if !ok {
			replayErr = errors.WrapError(err, errors.ErrorTypeValidation, errors.SeverityMedium,
				"EVENT_RULE_VALIDATION_FAILED", "事件规则验证失败: "+rule.Name())
		}
		if event.BlockNumber >= 0 {
			replayErr = replayErr.WithBlockNumber(uint64(event.BlockNumber))
		}
		result.Errors = append(result.Errors, replayErr.WithTxHash(event.TransactionHash).WithComponent("validator"))
	}

	v.mu.Lock()
	v.checked++
	if !result.Valid {
		v.rejected++
	}
	v.mu.Unlock()

	return result
}

// Check 返回第一个验证错误，警告只记日志
func (v *Validator) Check(event *models.Event) error {
	result := v.ValidateEvent(event)
	for _, warning := range result.Warnings {
		v.logger.WithField("event", event.Name).Debug(warning)
	}
	if result.Valid {
		return nil
	}
	return result.Errors[0]
}

// Warning 不影响有效性的问题
type Warning string

func (w Warning) Error() string { return string(w) }

func validationError(code, message string) *errors.ReplayError {
	return errors.NewReplayError(errors.ErrorTypeValidation, errors.SeverityHigh, code, message)
}

// isValidHash 验证哈希格式
func isValidHash(hash string) bool {
	return hashRegex.MatchString(hash)
}

// isValidAddress 验证地址格式
func isValidAddress(addr string, strict bool) bool {
	if !strings.HasPrefix(addr, "0x") {
		return false
	}
	if strict {
		return common.IsHexAddress(addr)
	}
	return shortHexRegex.MatchString(addr)
}

// EventKeyValidationRule 排序键验证规则
type EventKeyValidationRule struct{}

func NewEventKeyValidationRule() *EventKeyValidationRule {
	return &EventKeyValidationRule{}
}

func (r *EventKeyValidationRule) Name() string {
	return "event_key"
}

func (r *EventKeyValidationRule) Description() string {
	return "区块号、交易序号和日志序号必须非负"
}

func (r *EventKeyValidationRule) Validate(event *models.Event, strict bool) error {
	if event.BlockNumber < 0 || event.TransactionIndex < 0 || event.LogIndex < 0 {
		return errors.NotFoundf(errors.ErrInvalidEventKey, "事件排序键为负: (%d, %d, %d)",
			event.BlockNumber, event.TransactionIndex, event.LogIndex)
	}
	return nil
}

// EventNameValidationRule 事件名验证规则
type EventNameValidationRule struct{}

func NewEventNameValidationRule() *EventNameValidationRule {
	return &EventNameValidationRule{}
}

func (r *EventNameValidationRule) Name() string {
	return "event_name"
}

func (r *EventNameValidationRule) Description() string {
	return "事件名不能为空"
}

func (r *EventNameValidationRule) Validate(event *models.Event, strict bool) error {
	if strings.TrimSpace(event.Name) == "" {
		return validationError("MISSING_EVENT_NAME", "事件名为空")
	}
	return nil
}

// AddressValidationRule 地址验证规则
type AddressValidationRule struct{}

func NewAddressValidationRule() *AddressValidationRule {
	return &AddressValidationRule{}
}

func (r *AddressValidationRule) Name() string {
	return "address"
}

func (r *AddressValidationRule) Description() string {
	return "以太坊地址验证规则"
}

func (r *AddressValidationRule) Validate(event *models.Event, strict bool) error {
	if !isValidAddress(event.Address, strict) {
		return validationError("INVALID_ADDRESS_FORMAT", fmt.Sprintf("地址格式无效: %q", event.Address))
	}
	return nil
}

// HashValidationRule 哈希验证规则，非严格模式下只产生警告
type HashValidationRule struct{}

func NewHashValidationRule() *HashValidationRule {
	return &HashValidationRule{}
}

func (r *HashValidationRule) Name() string {
	return "hash"
}

func (r *HashValidationRule) Description() string {
	return "交易哈希和区块哈希验证规则"
}

func (r *HashValidationRule) Validate(event *models.Event, strict bool) error {
	for _, hash := range []string{event.TransactionHash, event.BlockHash} {
		if hash == "" || isValidHash(hash) {
			continue
		}
		if !strict {
			return Warning(fmt.Sprintf("哈希格式无效: %s", hash))
		}
		return validationError("INVALID_HASH_FORMAT", fmt.Sprintf("哈希格式无效: %s", hash))
	}
	return nil
}

// GetValidationStats 获取验证统计信息
func (v *Validator) GetValidationStats() map[string]interface{} {
	v.mu.Lock()
	defer v.mu.Unlock()
	return map[string]interface{}{
		"strict_mode":      v.strictMode,
		"registered_rules": len(v.rules),
		"checked":          v.checked,
		"rejected":         v.rejected,
	}
}

// SetStrictMode 设置严格模式
func (v *Validator) SetStrictMode(strict bool) {
	v.strictMode = strict
	v.logger.Infof("验证器严格模式设置为: %t", strict)
}
