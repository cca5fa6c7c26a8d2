package state

import (
	"encoding/json"
	"errors"
	"math/big"
	"testing"
	"time"

	replayerrors "backd/internal/errors"
	"backd/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func bigInt(t *testing.T, s string) *big.Int {
	t.Helper()
	n, ok := new(big.Int).SetString(s, 10)
	require.True(t, ok, s)
	return n
}

func TestEventTime_Ordering(t *testing.T) {
	tests := []struct {
		a, b     EventTime
		expected int
	}{
		{EventTime{1, 2, 3}, EventTime{1, 2, 3}, 0},
		{EventTime{1, 2, 3}, EventTime{1, 2, 4}, -1},
		{EventTime{1, 3, 0}, EventTime{1, 2, 9}, 1},
		{EventTime{2, 0, 0}, EventTime{1, 9, 9}, 1},
		{EventTime{0, 9, 9}, EventTime{1, 0, 0}, -1},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, tt.a.Compare(tt.b), "%s vs %s", tt.a, tt.b)
	}
	assert.True(t, EventTime{1, 2, 3}.Before(EventTime{1, 2, 4}))
	assert.True(t, EventTime{1, 2, 3}.SameTransaction(EventTime{1, 2, 9}))
	assert.False(t, EventTime{1, 2, 3}.SameTransaction(EventTime{2, 2, 3}))
}

func TestNewEventTime(t *testing.T) {
	key, err := NewEventTime(&models.Event{BlockNumber: 123, TransactionIndex: 9, LogIndex: 1})
	require.NoError(t, err)
	assert.Equal(t, EventTime{123, 9, 1}, key)

	_, err = NewEventTime(&models.Event{BlockNumber: -1})
	assert.True(t, errors.Is(err, replayerrors.ErrInvalidEventKey))

	_, err = NewEventTime(nil)
	assert.Error(t, err)
}

func TestMarketUser_BorrowedAt(t *testing.T) {
	user := NewMarketUser()
	user.Balances.TotalBorrowed = big.NewInt(80)
	user.BorrowIndex = Copy(Mantissa)

	assert.Equal(t, "82", user.BorrowedAt(bigInt(t, "1033291579335879146")).String())
	assert.Equal(t, "80", user.BorrowedAt(Mantissa).String())
}

func TestMarket_UnderlyingExchangeRate(t *testing.T) {
	m := NewMarket("0x1A3B")
	assert.Equal(t, "0", m.UnderlyingExchangeRate().String())

	m.Balances.TotalUnderlying = big.NewInt(60)
	m.Balances.TotalBorrowed = big.NewInt(30)
	m.Reserves = big.NewInt(10)
	m.Balances.TokenBalance = big.NewInt(400)
	// (60 + 30 - 10) * 1e18 / 400
	assert.Equal(t, "200000000000000000", m.UnderlyingExchangeRate().String())
}

func TestMarket_ComputeNewTotalBorrowed(t *testing.T) {
	m := NewMarket("0xa123")
	m.Balances.TotalBorrowed = big.NewInt(80)
	assert.Equal(t, "82", m.ComputeNewTotalBorrowed(bigInt(t, "1033291579335879146")).String())

	// 向下取整
	m.Balances.TotalBorrowed = big.NewInt(60)
	assert.Equal(t, "61", m.ComputeNewTotalBorrowed(bigInt(t, "1033291579335879146")).String())
}

func TestMarket_Users(t *testing.T) {
	m := NewMarket("0x1a3b")
	_, ok := m.User("0xABC")
	assert.False(t, ok)

	user := m.EnsureUser("0xABC")
	assert.Same(t, user, m.EnsureUser("0xabc"))
	found, ok := m.User("0xAbC")
	assert.True(t, ok)
	assert.Same(t, user, found)
	assert.Equal(t, []string{"0xabc"}, m.UserAddresses())
}

func TestMarkets_FindAndAdd(t *testing.T) {
	markets := NewMarkets(NewMarket("0xA234"), NewMarket("0x1A3B"))

	m, err := markets.Find("0x1a3b")
	require.NoError(t, err)
	assert.Equal(t, "0x1a3b", m.Address)

	_, err = markets.Find("0xdead")
	assert.True(t, errors.Is(err, replayerrors.ErrMarketNotFound))

	err = markets.Add(NewMarket("0xa234"))
	assert.True(t, errors.Is(err, replayerrors.ErrDuplicateMarket))
	assert.Equal(t, 2, markets.Len())

	require.NoError(t, markets.Add(NewMarket("0xA123")))
	assert.Equal(t, "0xa123", markets.List()[2].Address)
}

func TestOracles_LazyCreation(t *testing.T) {
	reg := newTestOracleRegistry()
	oracles := NewOraclesWithRegistry(NewMarkets(), reg)

	_, err := oracles.Current()
	assert.True(t, errors.Is(err, replayerrors.ErrOracleNotFound))

	oracle, err := oracles.Get("0xAB23")
	require.NoError(t, err)
	again, err := oracles.Get("0xab23")
	require.NoError(t, err)
	assert.Same(t, oracle, again)

	_, err = oracles.Get("0xffff")
	assert.True(t, errors.Is(err, replayerrors.ErrOracleNotFound))

	require.NoError(t, oracles.SetCurrent("0xab23"))
	current, err := oracles.Current()
	require.NoError(t, err)
	assert.Same(t, oracle, current)
}

func TestBasicOracle_Prices(t *testing.T) {
	store := NewPriceStore()
	a := NewBasicOracle(OracleEnv{Address: "0xAB23", Store: store})
	b := NewBasicOracle(OracleEnv{Address: "0xab24", Store: store})

	a.UpdatePrice("0x1A3B", big.NewInt(200), false)
	assert.Equal(t, "200", a.GetUnderlyingPrice("0x1a3b", false).String())
	// 实例之间互不共享
	assert.Equal(t, "0", b.GetPrice("0x1a3b").String())

	a.UpdatePrice("0x1a3b", Pow10(18), true)
	assert.Equal(t, Pow10(18).String(), a.GetPrice("0x1a3b").String())
	a.UpdatePrice("0x1a3b", big.NewInt(0), true)
	assert.Equal(t, "0", a.GetPrice("0x1a3b").String())
}

func TestState_ComputeUniqueUsers(t *testing.T) {
	s := New("compound", NewMarket("0x1"), NewMarket("0x2"))
	m1, _ := s.Markets.Find("0x1")
	m2, _ := s.Markets.Find("0x2")
	m1.EnsureUser("0xb")
	m1.EnsureUser("0xa")
	m2.EnsureUser("0xA")
	m2.EnsureUser("0xc")

	assert.Equal(t, []string{"0xa", "0xb", "0xc"}, s.ComputeUniqueUsers())
}

func TestState_Advance(t *testing.T) {
	s := New("compound")
	s.Advance(EventTime{1, 0, 0})
	assert.Nil(t, s.LastEventTime)
	s.Advance(EventTime{1, 0, 1})
	assert.Equal(t, EventTime{1, 0, 0}, *s.LastEventTime)
	assert.Equal(t, EventTime{1, 0, 1}, *s.CurrentEventTime)
}

func TestState_SnapshotRoundTrip(t *testing.T) {
	OracleRegistry.Register("0xab23", NewBasicOracle)

	s := New("compound", NewMarket("0x1A3B"))
	market, _ := s.Markets.Find("0x1a3b")
	market.Listed = true
	market.Balances.TokenBalance = bigInt(t, "123456789012345678901234567890")
	market.ReserveFactor = decimal.RequireFromString("0.1")
	market.Reserves = big.NewInt(20)
	user := market.EnsureUser("0x1234a")
	user.Entered = true
	user.Balances.TotalBorrowed = big.NewInt(61)
	s.Advance(EventTime{123, 9, 1})
	s.Advance(EventTime{124, 0, 0})
	s.Timestamp = time.Unix(1600000000, 0).UTC()

	oracle, err := s.Oracles.Get("0xab23")
	require.NoError(t, err)
	oracle.UpdatePrice("0x1a3b", big.NewInt(200), false)
	require.NoError(t, s.Oracles.SetCurrent("0xab23"))
	s.Extra["counter"] = map[string]int{"a": 1}

	data, err := json.Marshal(s)
	require.NoError(t, err)

	var restored State
	require.NoError(t, json.Unmarshal(data, &restored))

	assert.Equal(t, "compound", restored.ProtocolName)
	assert.Equal(t, EventTime{124, 0, 0}, *restored.CurrentEventTime)
	assert.Equal(t, EventTime{123, 9, 1}, *restored.LastEventTime)
	assert.True(t, s.Timestamp.Equal(restored.Timestamp))

	rm, err := restored.Markets.Find("0x1a3b")
	require.NoError(t, err)
	assert.True(t, rm.Listed)
	assert.Equal(t, "123456789012345678901234567890", rm.Balances.TokenBalance.String())
	assert.True(t, rm.ReserveFactor.Equal(decimal.RequireFromString("0.1")))
	ru, ok := rm.User("0x1234a")
	require.True(t, ok)
	assert.True(t, ru.Entered)
	assert.Equal(t, "61", ru.Balances.TotalBorrowed.String())

	current, err := restored.Oracles.Current()
	require.NoError(t, err)
	assert.Equal(t, "200", current.GetUnderlyingPrice("0x1a3b", false).String())

	var counter map[string]int
	ok, err = restored.Extra.Load("counter", &counter)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, counter["a"])
}

func TestExtra_Load(t *testing.T) {
	extra := Extra{"live": []int{1, 2}}
	var values []int
	ok, err := extra.Load("live", &values)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []int{1, 2}, values)

	ok, err = extra.Load("missing", &values)
	assert.NoError(t, err)
	assert.False(t, ok)
}

func TestMulDivAndInvert(t *testing.T) {
	assert.Equal(t, "3", MulDiv(big.NewInt(7), big.NewInt(1), big.NewInt(2)).String())
	assert.Equal(t, "0", MulDiv(big.NewInt(7), big.NewInt(1), big.NewInt(0)).String())
	assert.Equal(t, Pow10(34).String(), Invert(big.NewInt(100)).String())
	assert.Equal(t, "0", Invert(nil).String())
}
