package state

import (
	"fmt"

	"backd/internal/errors"
	"backd/pkg/models"
)

// EventTime 事件的全序位置 (区块, 交易序号, 日志序号)
type EventTime struct {
	BlockNumber      uint64 `json:"block_number"`
	TransactionIndex uint64 `json:"transaction_index"`
	LogIndex         uint64 `json:"log_index"`
}

// NewEventTime 从原始事件提取排序键，任一字段为负时返回错误
func NewEventTime(event *models.Event) (EventTime, error) {
	if event == nil {
		return EventTime{}, errors.NewReplayError(errors.ErrorTypeValidation, errors.SeverityHigh,
			errors.ErrInvalidEventKey.Code, "事件为空")
	}
	if event.BlockNumber < 0 || event.TransactionIndex < 0 || event.LogIndex < 0 {
		return EventTime{}, errors.NewReplayError(errors.ErrorTypeValidation, errors.SeverityHigh,
			errors.ErrInvalidEventKey.Code,
			fmt.Sprintf("排序键必须为非负整数: (%d, %d, %d)", event.BlockNumber, event.TransactionIndex, event.LogIndex)).
			WithTxHash(event.TransactionHash)
	}
	return EventTime{
		BlockNumber:      uint64(event.BlockNumber),
		TransactionIndex: uint64(event.TransactionIndex),
		LogIndex:         uint64(event.LogIndex),
	}, nil
}

// Compare 字典序比较，返回 -1、0、1
func (t EventTime) Compare(other EventTime) int {
	switch {
	case t.BlockNumber != other.BlockNumber:
		return compareUint(t.BlockNumber, other.BlockNumber)
	case t.TransactionIndex != other.TransactionIndex:
		return compareUint(t.TransactionIndex, other.TransactionIndex)
	default:
		return compareUint(t.LogIndex, other.LogIndex)
	}
}

// Before 是否严格早于 other
func (t EventTime) Before(other EventTime) bool {
	return t.Compare(other) < 0
}

// SameTransaction 是否属于同一笔交易
func (t EventTime) SameTransaction(other EventTime) bool {
	return t.BlockNumber == other.BlockNumber && t.TransactionIndex == other.TransactionIndex
}

func (t EventTime) String() string {
	return fmt.Sprintf("(%d, %d, %d)", t.BlockNumber, t.TransactionIndex, t.LogIndex)
}

func compareUint(a, b uint64) int {
	if a < b {
		return -1
	}
	if a > b {
		return 1
	}
	return 0
}
