package netting

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clearmesh/settler/internal/domain"
)

func trade(id, buyer, seller, base, quote string, amtBase, amtQuote int64) domain.TradeEvent {
	return domain.TradeEvent{
		TradeID:     id,
		Pair:        base + "/" + quote,
		Buyer:       buyer,
		Seller:      seller,
		BaseToken:   base,
		QuoteToken:  quote,
		AmountBase:  decimal.NewFromInt(amtBase),
		AmountQuote: decimal.NewFromInt(amtQuote),
		ReceivedAt:  time.Now(),
	}
}

func TestNetTwoLegsPerTrade(t *testing.T) {
	e := NewEngine(false, time.Hour)
	now := time.Now()

	legs := e.Net([]domain.TradeEvent{
		trade("t1", "alice", "bob", "HII", "USDC", 10, 100),
	}, 0, now)

	require.Len(t, legs, 2)

	// Buyer pays quote to seller.
	assert.Equal(t, "USDC", legs[0].Token)
	assert.Equal(t, "alice", legs[0].From)
	assert.Equal(t, "bob", legs[0].To)
	assert.True(t, legs[0].Amount.Equal(decimal.NewFromInt(100)))

	// Seller delivers base to buyer.
	assert.Equal(t, "HII", legs[1].Token)
	assert.Equal(t, "bob", legs[1].From)
	assert.Equal(t, "alice", legs[1].To)
	assert.True(t, legs[1].Amount.Equal(decimal.NewFromInt(10)))

	// Sequential nonces and stamped deadlines.
	assert.Equal(t, uint64(0), legs[0].Nonce)
	assert.Equal(t, uint64(1), legs[1].Nonce)
	assert.Equal(t, now.Add(time.Hour), legs[0].Deadline)
}

func TestNetStartNonce(t *testing.T) {
	e := NewEngine(false, time.Hour)

	legs := e.Net([]domain.TradeEvent{
		trade("t1", "alice", "bob", "HII", "USDC", 10, 100),
		trade("t2", "carol", "dave", "HII", "USDC", 5, 50),
	}, 7, time.Now())

	require.Len(t, legs, 4)
	for i, l := range legs {
		assert.Equal(t, uint64(7+i), l.Nonce)
	}
}

func TestNetCollapseOpposingFlows(t *testing.T) {
	e := NewEngine(true, time.Hour)

	// alice buys 10 HII for 100 USDC from bob, then bob buys 4 HII for
	// 40 USDC back from alice. Net: alice owes 60 USDC, bob owes 6 HII.
	legs := e.Net([]domain.TradeEvent{
		trade("t1", "alice", "bob", "HII", "USDC", 10, 100),
		trade("t2", "bob", "alice", "HII", "USDC", 4, 40),
	}, 0, time.Now())

	require.Len(t, legs, 2)

	assert.Equal(t, "HII", legs[0].Token)
	assert.Equal(t, "bob", legs[0].From)
	assert.Equal(t, "alice", legs[0].To)
	assert.True(t, legs[0].Amount.Equal(decimal.NewFromInt(6)), "got %s", legs[0].Amount)

	assert.Equal(t, "USDC", legs[1].Token)
	assert.Equal(t, "alice", legs[1].From)
	assert.Equal(t, "bob", legs[1].To)
	assert.True(t, legs[1].Amount.Equal(decimal.NewFromInt(60)), "got %s", legs[1].Amount)
}

func TestNetCollapseOrderIndependent(t *testing.T) {
	e := NewEngine(true, time.Hour)
	now := time.Now()

	trades := []domain.TradeEvent{
		trade("t1", "alice", "bob", "HII", "USDC", 10, 100),
		trade("t2", "bob", "alice", "HII", "USDC", 4, 40),
		trade("t3", "alice", "carol", "HII", "USDC", 2, 20),
	}
	reversed := []domain.TradeEvent{trades[2], trades[1], trades[0]}

	a := e.Net(trades, 0, now)
	b := e.Net(reversed, 0, now)

	require.Equal(t, len(a), len(b))
	for i := range a {
		assert.Equal(t, a[i].Token, b[i].Token)
		assert.Equal(t, a[i].From, b[i].From)
		assert.Equal(t, a[i].To, b[i].To)
		assert.True(t, a[i].Amount.Equal(b[i].Amount))
	}
}

func TestNetCollapseDropsZeroNet(t *testing.T) {
	e := NewEngine(true, time.Hour)

	// Perfectly offsetting trades cancel to nothing.
	legs := e.Net([]domain.TradeEvent{
		trade("t1", "alice", "bob", "HII", "USDC", 10, 100),
		trade("t2", "bob", "alice", "HII", "USDC", 10, 100),
	}, 0, time.Now())

	assert.Empty(t, legs)
}

func TestNetUncollapsedKeepsEveryLeg(t *testing.T) {
	e := NewEngine(false, time.Hour)

	legs := e.Net([]domain.TradeEvent{
		trade("t1", "alice", "bob", "HII", "USDC", 10, 100),
		trade("t2", "bob", "alice", "HII", "USDC", 4, 40),
	}, 0, time.Now())

	assert.Len(t, legs, 4)
}

func TestNetEmptyInput(t *testing.T) {
	e := NewEngine(true, time.Hour)
	assert.Empty(t, e.Net(nil, 0, time.Now()))
}
