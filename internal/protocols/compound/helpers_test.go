package compound

import (
	"bufio"
	"encoding/json"
	"math/big"
	"os"
	"testing"

	"backd/internal/state"
	"backd/pkg/models"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

const (
	mainUser      = "0x1234a"
	mainMarket    = "0x1a3b"
	borrowMarket  = "0xa123"
	mainOracle    = "0xab23"
	comptroller   = "0xc2a1"
	dummyIRM      = "0xbae0"
	liquidator    = "0xab31"
	otherSupplier = "0xbeef"
)

func init() {
	// 测试数据中的预言机使用独立价格表
	state.OracleRegistry.Register(mainOracle, state.NewBasicOracle)
	InterestRateModelRegistry.Register(dummyIRM, NewJumpRateModel)
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func loadEvents(t *testing.T) []*models.Event {
	t.Helper()
	file, err := os.Open("testdata/compound-dummy-events.jsonl")
	require.NoError(t, err)
	defer file.Close()

	var events []*models.Event
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		var event models.Event
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &event))
		events = append(events, &event)
	}
	require.NoError(t, scanner.Err())
	return events
}

// eventsUntil 返回直到第 n 个（从 1 开始）指定类型事件为止的全部事件
func eventsUntil(t *testing.T, name string, n int) []*models.Event {
	t.Helper()
	events := loadEvents(t)
	seen := 0
	for i, event := range events {
		if event.Name == name {
			seen++
			if seen == n {
				return events[:i+1]
			}
		}
	}
	t.Fatalf("测试数据中没有第 %d 个 %s 事件", n, name)
	return nil
}

func findEvent(t *testing.T, name string) *models.Event {
	t.Helper()
	events := eventsUntil(t, name, 1)
	return events[len(events)-1]
}

func processAll(t *testing.T, events []*models.Event) *State {
	t.Helper()
	s := NewState()
	require.NoError(t, NewProcessor(quietLogger(), DefaultOptions()).ProcessEvents(s, events))
	return s
}

func newEvent(name, address string, block int64, values models.Values) *models.Event {
	return &models.Event{Name: name, Address: address, BlockNumber: block, ReturnValues: values}
}

func mustFind(t *testing.T, s *State, address string) *state.Market {
	t.Helper()
	market, err := s.Markets.Find(address)
	require.NoError(t, err)
	return market
}

func mustUser(t *testing.T, market *state.Market, address string) *state.MarketUser {
	t.Helper()
	user, ok := market.User(address)
	require.True(t, ok, "用户 %s 不存在", address)
	return user
}

func bigInt(t *testing.T, s string) *big.Int {
	t.Helper()
	n, ok := new(big.Int).SetString(s, 10)
	require.True(t, ok, s)
	return n
}

// listedState 已上架的两个空市场
func listedState() *State {
	main := state.NewMarket(mainMarket)
	main.Listed = true
	borrow := state.NewMarket(borrowMarket)
	borrow.Listed = true
	return NewState(main, borrow)
}
