package state

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// State 协议在某一事件位置上的完整状态，单线程独占修改
type State struct {
	ProtocolName     string
	CurrentEventTime *EventTime
	LastEventTime    *EventTime
	Timestamp        time.Time
	Markets          *Markets
	Oracles          *Oracles
	Extra            Extra
}

// New 创建空状态
func New(protocolName string, markets ...*Market) *State {
	ms := NewMarkets(markets...)
	return &State{
		ProtocolName: protocolName,
		Markets:      ms,
		Oracles:      NewOracles(ms),
		Extra:        make(Extra),
	}
}

// Core 返回核心状态，协议状态通过嵌入继承该方法
func (s *State) Core() *State {
	return s
}

// Advance 记录新的事件位置
func (s *State) Advance(t EventTime) {
	s.LastEventTime = s.CurrentEventTime
	current := t
	s.CurrentEventTime = &current
}

// ComputeUniqueUsers 所有市场中出现过的用户地址，排序后返回
func (s *State) ComputeUniqueUsers() []string {
	seen := make(map[string]struct{})
	for _, market := range s.Markets.List() {
		for address := range market.Users {
			seen[address] = struct{}{}
		}
	}
	users := make([]string, 0, len(seen))
	for address := range seen {
		users = append(users, address)
	}
	sort.Strings(users)
	return users
}

// Extra 钩子的附加数据。从快照恢复的值以 json.RawMessage 形式存在，
// 通过 Load 解码到具体类型。
type Extra map[string]interface{}

// Load 读取 key 对应的值到 target。
// 值已是 target 的同类指针时直接赋值；为 RawMessage 时解码。
func (e Extra) Load(key string, target interface{}) (bool, error) {
	value, ok := e[key]
	if !ok {
		return false, nil
	}
	raw, isRaw := value.(json.RawMessage)
	if !isRaw {
		data, err := json.Marshal(value)
		if err != nil {
			return false, fmt.Errorf("extra %s 编码失败: %w", key, err)
		}
		raw = data
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return false, fmt.Errorf("extra %s 解码失败: %w", key, err)
	}
	return true, nil
}
