package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Event 原始链上事件记录，字段命名与 web3 日志导出格式一致
type Event struct {
	Name             string `json:"event"`                     // 事件类型，例如 "Mint"
	Address          string `json:"address"`                   // 发出事件的合约地址
	BlockNumber      int64  `json:"blockNumber"`               // 区块号
	TransactionIndex int64  `json:"transactionIndex"`          // 交易在区块中的序号
	LogIndex         int64  `json:"logIndex"`                  // 日志序号
	TransactionHash  string `json:"transactionHash,omitempty"` // 交易哈希
	BlockHash        string `json:"blockHash,omitempty"`       // 区块哈希
	Timestamp        int64  `json:"timestamp,omitempty"`       // 区块时间戳(秒)，可选
	ReturnValues     Values `json:"returnValues"`              // 事件参数
}

// requiredKeys 排序键字段，缺失时记录无法定位
var requiredKeys = []string{"blockNumber", "transactionIndex", "logIndex"}

// UnmarshalJSON 解析事件并校验排序键字段存在且为整数
func (e *Event) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for _, key := range requiredKeys {
		value, ok := raw[key]
		if !ok || bytes.Equal(bytes.TrimSpace(value), []byte("null")) {
			return fmt.Errorf("事件缺少字段 %s", key)
		}
	}

	type plain Event
	var decoded plain
	if err := json.Unmarshal(data, &decoded); err != nil {
		return fmt.Errorf("事件字段格式错误: %w", err)
	}
	*e = Event(decoded)
	e.Address = strings.ToLower(e.Address)
	if e.ReturnValues == nil {
		e.ReturnValues = Values{}
	}
	return nil
}

// NormalizedAddress 小写的合约地址
func (e *Event) NormalizedAddress() string {
	return strings.ToLower(e.Address)
}

// BlockNumberUint 返回非负区块号
func (e *Event) BlockNumberUint() uint64 {
	if e.BlockNumber < 0 {
		return 0
	}
	return uint64(e.BlockNumber)
}

// Values 事件参数，数值保持任意精度
type Values map[string]interface{}

// UnmarshalJSON 使用 json.Number 保留大整数精度
func (v *Values) UnmarshalJSON(data []byte) error {
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()
	var m map[string]interface{}
	if err := decoder.Decode(&m); err != nil {
		return err
	}
	*v = m
	return nil
}

// Has 判断参数是否存在
func (v Values) Has(key string) bool {
	_, ok := v[key]
	return ok
}

// BigInt 读取整数参数，支持十进制字符串、0x 十六进制、json.Number 和 *big.Int
func (v Values) BigInt(key string) (*big.Int, error) {
	raw, ok := v[key]
	if !ok {
		return nil, fmt.Errorf("缺少参数 %s", key)
	}
	switch value := raw.(type) {
	case *big.Int:
		if value == nil {
			return nil, fmt.Errorf("参数 %s 为空", key)
		}
		return new(big.Int).Set(value), nil
	case json.Number:
		return parseBigInt(key, value.String())
	case string:
		return parseBigInt(key, value)
	case int:
		return big.NewInt(int64(value)), nil
	case int64:
		return big.NewInt(value), nil
	case uint64:
		return new(big.Int).SetUint64(value), nil
	case float64:
		if value != float64(int64(value)) {
			return nil, fmt.Errorf("参数 %s 不是整数: %v", key, value)
		}
		return big.NewInt(int64(value)), nil
	default:
		return nil, fmt.Errorf("参数 %s 类型不支持: %T", key, raw)
	}
}

func parseBigInt(key, text string) (*big.Int, error) {
	text = strings.TrimSpace(text)
	base := 10
	if strings.HasPrefix(text, "0x") || strings.HasPrefix(text, "0X") {
		text, base = text[2:], 16
	}
	n, ok := new(big.Int).SetString(text, base)
	if !ok {
		return nil, fmt.Errorf("参数 %s 不是整数: %q", key, text)
	}
	return n, nil
}

// Address 读取地址参数并转为小写
func (v Values) Address(key string) (string, error) {
	raw, ok := v[key]
	if !ok {
		return "", fmt.Errorf("缺少参数 %s", key)
	}
	switch value := raw.(type) {
	case string:
		return strings.ToLower(value), nil
	case common.Address:
		return strings.ToLower(value.Hex()), nil
	default:
		return "", fmt.Errorf("参数 %s 不是地址: %T", key, raw)
	}
}

// String 读取字符串参数
func (v Values) String(key string) (string, error) {
	raw, ok := v[key]
	if !ok {
		return "", fmt.Errorf("缺少参数 %s", key)
	}
	switch value := raw.(type) {
	case string:
		return value, nil
	case json.Number:
		return value.String(), nil
	case fmt.Stringer:
		return value.String(), nil
	case int64:
		return strconv.FormatInt(value, 10), nil
	default:
		return "", fmt.Errorf("参数 %s 不是字符串: %T", key, raw)
	}
}
