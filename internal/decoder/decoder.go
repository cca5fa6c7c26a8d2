package decoder

import (
	_ "embed"
	"fmt"
	"math/big"
	"sort"
	"strings"

	"backd/internal/errors"
	"backd/pkg/models"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/sirupsen/logrus"
)

//go:embed compound.abi.json
var compoundABI string

// ErrUnknownEvent 日志签名不在 ABI 中
var ErrUnknownEvent = errors.NewReplayError(
	errors.ErrorTypeDecode,
	errors.SeverityLow,
	"UNKNOWN_EVENT",
	"未知的事件签名",
)

// LogDecoder 把原始日志解码为重放事件。同名重载事件（例如两个版本的
// AccrueInterest）按签名区分，解码后统一使用原始事件名。
type LogDecoder struct {
	logger  *logrus.Logger
	abi     abi.ABI
	byTopic map[common.Hash]abi.Event
}

// NewLogDecoder 使用内置的 Compound 事件 ABI 创建解码器
func NewLogDecoder(logger *logrus.Logger) (*LogDecoder, error) {
	return NewLogDecoderFromJSON(compoundABI, logger)
}

// NewLogDecoderFromJSON 使用指定 ABI 创建解码器
func NewLogDecoderFromJSON(abiJSON string, logger *logrus.Logger) (*LogDecoder, error) {
	parsed, err := abi.JSON(strings.NewReader(abiJSON))
	if err != nil {
		return nil, fmt.Errorf("解析事件ABI失败: %w", err)
	}

	d := &LogDecoder{
		logger:  logger,
		abi:     parsed,
		byTopic: make(map[common.Hash]abi.Event, len(parsed.Events)),
	}
	for _, event := range parsed.Events {
		d.byTopic[event.ID] = event
	}
	logger.Debugf("事件解码器已加载 %d 个事件签名", len(d.byTopic))
	return d, nil
}

// Topics 所有已知事件的 topic0，按字节序排列，用于 eth_getLogs 过滤
func (d *LogDecoder) Topics() []common.Hash {
	topics := make([]common.Hash, 0, len(d.byTopic))
	for topic := range d.byTopic {
		topics = append(topics, topic)
	}
	sort.Slice(topics, func(i, j int) bool { return topics[i].Big().Cmp(topics[j].Big()) < 0 })
	return topics
}

// EventName 返回 topic0 对应的原始事件名
func (d *LogDecoder) EventName(topic common.Hash) (string, bool) {
	event, ok := d.byTopic[topic]
	if !ok {
		return "", false
	}
	return event.RawName, true
}

// Decode 解码单条日志
func (d *LogDecoder) Decode(log types.Log) (*models.Event, error) {
	if log.Removed {
		return nil, d.fail(log, "日志已因重组被移除", nil)
	}
	if len(log.Topics) == 0 {
		return nil, d.fail(log, "日志没有 topic", nil)
	}

	event, ok := d.byTopic[log.Topics[0]]
	if !ok {
		return nil, errors.NotFoundf(ErrUnknownEvent, "未知的事件签名 %s", log.Topics[0].Hex()).
			WithBlockNumber(log.BlockNumber).
			WithTxHash(log.TxHash.Hex())
	}

	var indexed abi.Arguments
	for _, arg := range event.Inputs {
		if arg.Indexed {
			indexed = append(indexed, arg)
		}
	}
	if len(log.Topics)-1 != len(indexed) {
		return nil, d.fail(log, fmt.Sprintf("%s 的 topic 数量 %d 与 ABI 不符", event.RawName, len(log.Topics)), nil)
	}

	raw := make(map[string]interface{}, len(event.Inputs))
	if err := event.Inputs.NonIndexed().UnpackIntoMap(raw, log.Data); err != nil {
		return nil, d.fail(log, "解码事件数据失败: "+event.RawName, err)
	}
	if err := abi.ParseTopicsIntoMap(raw, indexed, log.Topics[1:]); err != nil {
		return nil, d.fail(log, "解码事件 topic 失败: "+event.RawName, err)
	}

	values := make(models.Values, len(raw))
	for key, value := range raw {
		values[key] = normalize(value)
	}

	return &models.Event{
		Name:             event.RawName,
		Address:          strings.ToLower(log.Address.Hex()),
		BlockNumber:      int64(log.BlockNumber),
		TransactionIndex: int64(log.TxIndex),
		LogIndex:         int64(log.Index),
		TransactionHash:  log.TxHash.Hex(),
		BlockHash:        log.BlockHash.Hex(),
		ReturnValues:     values,
	}, nil
}

// normalize 地址转为小写十六进制，bytes32 按无符号大整数解释
func normalize(value interface{}) interface{} {
	switch v := value.(type) {
	case common.Address:
		return strings.ToLower(v.Hex())
	case [32]byte:
		return new(big.Int).SetBytes(v[:])
	default:
		return value
	}
}

func (d *LogDecoder) fail(log types.Log, message string, cause error) error {
	var err *errors.ReplayError
	if cause != nil {
		err = errors.WrapError(cause, errors.ErrorTypeDecode, errors.SeverityMedium, errors.ErrDecodeFailed.Code, message)
	} else {
		err = errors.NewReplayError(errors.ErrorTypeDecode, errors.SeverityMedium, errors.ErrDecodeFailed.Code, message)
	}
	return err.
		WithBlockNumber(log.BlockNumber).
		WithTxHash(log.TxHash.Hex()).
		WithComponent("decoder")
}
