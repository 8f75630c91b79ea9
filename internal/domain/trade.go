// Package domain defines the core types and interfaces of the settlement
// batching orchestrator: trade events, transfer legs, batches, submission
// results, and the contracts implemented by the stream, store, and sink
// layers.
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// TradeEvent is a matched trade as produced by the external matching engine.
// It is immutable once ingested and uniquely identified by TradeID; the
// durable log may redeliver it, but duplicates are suppressed before netting.
type TradeEvent struct {
	TradeID     string          `json:"trade_id"`
	Pair        string          `json:"pair"`
	Buyer       string          `json:"buyer"`
	Seller      string          `json:"seller"`
	BaseToken   string          `json:"base_token"`
	QuoteToken  string          `json:"quote_token"`
	AmountBase  decimal.Decimal `json:"amount_base"`
	AmountQuote decimal.Decimal `json:"amount_quote"`
	ReceivedAt  time.Time       `json:"received_at"`
}

// Validate checks that the event carries everything netting needs.
func (t TradeEvent) Validate() error {
	switch {
	case t.TradeID == "":
		return ErrMissingTradeID
	case t.Buyer == "" || t.Seller == "":
		return ErrMissingParty
	case t.BaseToken == "" || t.QuoteToken == "":
		return ErrMissingToken
	case !t.AmountBase.IsPositive() || !t.AmountQuote.IsPositive():
		return ErrNonPositiveAmount
	}
	return nil
}
