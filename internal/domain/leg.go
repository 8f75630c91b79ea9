package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Leg is a single directed, single-asset transfer obligation between two
// parties. Legs are derived from trades during netting and are owned
// exclusively by the batch that contains them; they are never persisted on
// their own. Nonce is unique within its batch, Deadline is the latest time
// the settlement sink may apply the transfer.
type Leg struct {
	Token    string          `json:"token"`
	From     string          `json:"from"`
	To       string          `json:"to"`
	Amount   decimal.Decimal `json:"amount"`
	Nonce    uint64          `json:"nonce"`
	Deadline time.Time       `json:"deadline"`
}
