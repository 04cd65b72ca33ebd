package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// StockLot is one batch of a stock item. QuantityOnHand only moves down
// through consumption; a depleted lot stays in the item history.
type StockLot struct {
	LotNumber      string          `json:"lot_number"`
	ExpiryDate     time.Time       `json:"expiry_date"`
	QuantityOnHand decimal.Decimal `json:"quantity_on_hand"`
}

type StockItem struct {
	Name             string          `json:"name"`
	MinimumThreshold decimal.Decimal `json:"minimum_threshold"`
	Lots             []StockLot      `json:"lots"`
}
