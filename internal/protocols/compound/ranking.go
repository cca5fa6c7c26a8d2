package compound

import (
	"fmt"
	"math/big"
	"sort"

	"backd/internal/errors"
	"backd/internal/hook"
)

// 排序依据
const (
	RankBySupplied  = "supplied"
	RankByBorrowed  = "borrowed"
	RankByShortfall = "shortfall"
)

// UserRank 用户及其价值
type UserRank struct {
	User     string   `json:"user"`
	Position Position `json:"position"`
	Value    *big.Int `json:"value"`
}

// TopUsers 按 by 指定的价值降序返回前 n 个用户，价值为 0 的不计入。n <= 0 返回全部
func (s *State) TopUsers(n int, by string, usd bool) ([]UserRank, error) {
	var value func(Position) *big.Int
	switch by {
	case RankBySupplied:
		value = func(p Position) *big.Int { return p.Supplied }
	case RankByBorrowed, "":
		value = func(p Position) *big.Int { return p.Borrowed }
	case RankByShortfall:
		value = Position.Shortfall
	default:
		return nil, errors.NewReplayError(errors.ErrorTypeConfig, errors.SeverityMedium,
			errors.ErrConfigInvalid.Code, fmt.Sprintf("未知的排序依据: %s", by))
	}

	view := hook.NewView(s.State)
	var ranks []UserRank
	for _, user := range s.ComputeUniqueUsers() {
		position := UserPosition(view, user, usd)
		v := value(position)
		if v.Sign() <= 0 {
			continue
		}
		ranks = append(ranks, UserRank{User: user, Position: position, Value: v})
	}

	sort.SliceStable(ranks, func(i, j int) bool {
		if c := ranks[i].Value.Cmp(ranks[j].Value); c != 0 {
			return c > 0
		}
		return ranks[i].User < ranks[j].User
	})
	if n > 0 && len(ranks) > n {
		ranks = ranks[:n]
	}
	return ranks, nil
}
