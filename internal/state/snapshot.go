package state

import (
	"encoding/json"
	"math/big"
	"time"

	"backd/internal/errors"
)

// Snapshot 状态的可序列化形式，大整数按 JSON 数字原样保存
type Snapshot struct {
	ProtocolName     string                     `json:"protocol_name"`
	CurrentEventTime *EventTime                 `json:"current_event_time,omitempty"`
	LastEventTime    *EventTime                 `json:"last_event_time,omitempty"`
	Timestamp        *time.Time                 `json:"timestamp,omitempty"`
	Markets          []*Market                  `json:"markets"`
	Oracles          OraclesSnapshot            `json:"oracles"`
	Extra            map[string]json.RawMessage `json:"extra,omitempty"`
}

// OraclesSnapshot 预言机部分
type OraclesSnapshot struct {
	Current   string                         `json:"current,omitempty"`
	Addresses []string                       `json:"addresses"`
	Prices    map[string]map[string]*big.Int `json:"prices"`
}

// Snapshot 导出快照
func (s *State) Snapshot() (*Snapshot, error) {
	snap := &Snapshot{
		ProtocolName:     s.ProtocolName,
		CurrentEventTime: s.CurrentEventTime,
		LastEventTime:    s.LastEventTime,
		Markets:          s.Markets.List(),
		Oracles: OraclesSnapshot{
			Current:   s.Oracles.CurrentAddress(),
			Addresses: s.Oracles.Addresses(),
			Prices:    s.Oracles.Store().Export(),
		},
		Extra: make(map[string]json.RawMessage, len(s.Extra)),
	}
	if !s.Timestamp.IsZero() {
		ts := s.Timestamp
		snap.Timestamp = &ts
	}
	for key, value := range s.Extra {
		if raw, ok := value.(json.RawMessage); ok {
			snap.Extra[key] = raw
			continue
		}
		data, err := json.Marshal(value)
		if err != nil {
			return nil, errors.WrapError(err, errors.ErrorTypeSerialization, errors.SeverityHigh,
				errors.ErrSerializationFailed.Code, "extra 序列化失败: "+key)
		}
		snap.Extra[key] = data
	}
	return snap, nil
}

// Restore 从快照重建状态，预言机通过注册表重新创建
func Restore(snap *Snapshot) (*State, error) {
	s := New(snap.ProtocolName)
	for _, market := range snap.Markets {
		if market.Users == nil {
			market.Users = make(map[string]*MarketUser)
		}
		if err := s.Markets.Add(market); err != nil {
			return nil, err
		}
	}
	s.CurrentEventTime = snap.CurrentEventTime
	s.LastEventTime = snap.LastEventTime
	if snap.Timestamp != nil {
		s.Timestamp = *snap.Timestamp
	}
	for namespace, feed := range snap.Oracles.Prices {
		for token, price := range feed {
			s.Oracles.Store().Set(namespace, token, price)
		}
	}
	for _, address := range snap.Oracles.Addresses {
		if _, err := s.Oracles.Get(address); err != nil {
			return nil, err
		}
	}
	if snap.Oracles.Current != "" {
		if err := s.Oracles.SetCurrent(snap.Oracles.Current); err != nil {
			return nil, err
		}
	}
	for key, raw := range snap.Extra {
		s.Extra[key] = raw
	}
	return s, nil
}

// MarshalJSON 按快照格式编码
func (s *State) MarshalJSON() ([]byte, error) {
	snap, err := s.Snapshot()
	if err != nil {
		return nil, err
	}
	return json.Marshal(snap)
}

// UnmarshalJSON 从快照格式解码
func (s *State) UnmarshalJSON(data []byte) error {
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return errors.WrapError(err, errors.ErrorTypeSerialization, errors.SeverityHigh,
			errors.ErrSerializationFailed.Code, "状态快照解码失败")
	}
	restored, err := Restore(&snap)
	if err != nil {
		return err
	}
	*s = *restored
	return nil
}
