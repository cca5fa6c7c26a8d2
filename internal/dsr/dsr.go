package dsr

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"sort"
	"strings"

	"backd/internal/errors"
	"backd/internal/state"
)

// Snapshot 某区块起生效的每区块复利因子，27 位精度
type Snapshot struct {
	Block uint64   `json:"block"`
	Rate  *big.Int `json:"rate"`
}

// DSR 储蓄利率序列
type DSR struct {
	snapshots []Snapshot
}

// New 创建利率序列，按区块排序
func New(snapshots []Snapshot) *DSR {
	sorted := make([]Snapshot, len(snapshots))
	copy(sorted, snapshots)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Block < sorted[j].Block })
	return &DSR{snapshots: sorted}
}

// Len 快照数量
func (d *DSR) Len() int {
	return len(d.snapshots)
}

// RateAt 返回区块的复利因子：取不晚于该区块的最近快照，
// 位于两个快照之间时线性插值。早于第一个快照时没有利率。
func (d *DSR) RateAt(block uint64) (*big.Int, bool) {
	i := sort.Search(len(d.snapshots), func(i int) bool { return d.snapshots[i].Block > block })
	if i == 0 {
		return nil, false
	}
	prev := d.snapshots[i-1]
	if prev.Block == block || i == len(d.snapshots) {
		return state.Copy(prev.Rate), true
	}
	next := d.snapshots[i]
	// prev.rate + (next.rate - prev.rate) * (block - prev.block) / (next.block - prev.block)
	delta := new(big.Int).Sub(next.Rate, prev.Rate)
	delta.Mul(delta, new(big.Int).SetUint64(block-prev.Block))
	delta.Div(delta, new(big.Int).SetUint64(next.Block-prev.Block))
	return delta.Add(delta, prev.Rate), true
}

// Apply 按区块利率对金额复利一次，无利率时原样返回
func (d *DSR) Apply(amount *big.Int, block uint64) *big.Int {
	rate, ok := d.RateAt(block)
	if !ok {
		return state.Copy(amount)
	}
	return state.MulDiv(amount, rate, state.Ray)
}

type rawSnapshot struct {
	Block uint64          `json:"block"`
	Rate  json.RawMessage `json:"rate"`
}

func (r rawSnapshot) snapshot() (Snapshot, error) {
	text := strings.Trim(string(bytes.TrimSpace(r.Rate)), `"`)
	rate, ok := new(big.Int).SetString(text, 10)
	if !ok {
		return Snapshot{}, fmt.Errorf("区块 %d 的利率无效: %s", r.Block, text)
	}
	return Snapshot{Block: r.Block, Rate: rate}, nil
}

// Load 从文件读取利率快照，支持 JSON 数组或每行一个对象。
// 利率可写成数字或字符串。
func Load(path string) (*DSR, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WrapError(err, errors.ErrorTypeConfig, errors.SeverityCritical,
			errors.ErrConfigInvalid.Code, "读取DSR利率文件失败: "+path)
	}
	raws, err := parse(data)
	if err != nil {
		return nil, errors.WrapError(err, errors.ErrorTypeConfig, errors.SeverityCritical,
			errors.ErrConfigInvalid.Code, "解析DSR利率文件失败: "+path)
	}
	snapshots := make([]Snapshot, 0, len(raws))
	for _, raw := range raws {
		snapshot, err := raw.snapshot()
		if err != nil {
			return nil, errors.WrapError(err, errors.ErrorTypeConfig, errors.SeverityCritical,
				errors.ErrConfigInvalid.Code, "DSR利率无效")
		}
		snapshots = append(snapshots, snapshot)
	}
	return New(snapshots), nil
}

func parse(data []byte) ([]rawSnapshot, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var raws []rawSnapshot
		if err := json.Unmarshal(trimmed, &raws); err != nil {
			return nil, err
		}
		return raws, nil
	}

	var raws []rawSnapshot
	scanner := bufio.NewScanner(bytes.NewReader(trimmed))
	for line := 1; scanner.Scan(); line++ {
		text := bytes.TrimSpace(scanner.Bytes())
		if len(text) == 0 {
			continue
		}
		var raw rawSnapshot
		if err := json.Unmarshal(text, &raw); err != nil {
			return nil, fmt.Errorf("第 %d 行: %w", line, err)
		}
		raws = append(raws, raw)
	}
	return raws, scanner.Err()
}
