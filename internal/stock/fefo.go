package stock

import (
	"time"

	"github.com/shopspring/decimal"

	"centralmed/flow-service/internal/models"
)

const (
	ExpiryExpired         = "expired"
	ExpiryNear            = "near_expiry"
	ExpiryOK              = "ok"
	DefaultNearWindowDays = 30
)

// Engine classifies stock items by expiry risk and stock level. Dates are
// compared at day granularity in a fixed reference location.
type Engine struct {
	loc            *time.Location
	nearWindowDays int
}

type Options struct {
	Location       *time.Location
	NearWindowDays int
}

func NewEngine(options Options) *Engine {
	loc := options.Location
	if loc == nil {
		loc = time.UTC
	}
	window := options.NearWindowDays
	if window <= 0 {
		window = DefaultNearWindowDays
	}
	return &Engine{loc: loc, nearWindowDays: window}
}

// NextToExpire picks the first-expire-first-out candidate: the lot with the
// earliest expiry date among lots that still have stock. Ties keep input
// order. A fully depleted item yields ok=false, which is a valid state, not
// an error.
func NextToExpire(lots []models.StockLot) (models.StockLot, bool) {
	var next models.StockLot
	found := false
	for _, lot := range lots {
		if !lot.QuantityOnHand.IsPositive() {
			continue
		}
		if !found || lot.ExpiryDate.Before(next.ExpiryDate) {
			next = lot
			found = true
		}
	}
	return next, found
}

func TotalOnHand(item models.StockItem) decimal.Decimal {
	total := decimal.Zero
	for _, lot := range item.Lots {
		total = total.Add(lot.QuantityOnHand)
	}
	return total
}

// DaysRemaining counts the days until the lot expires, with the current day
// counted as not yet expired: a lot expiring today has one day remaining,
// a lot that expired yesterday has zero.
func (e *Engine) DaysRemaining(expiry, today time.Time) int {
	return wholeDaysBetween(today.In(e.loc), expiry.In(e.loc)) + 1
}

func (e *Engine) ExpiryStatus(lot models.StockLot, today time.Time) string {
	remaining := e.DaysRemaining(lot.ExpiryDate, today)
	switch {
	case remaining <= 0:
		return ExpiryExpired
	case remaining <= e.nearWindowDays:
		return ExpiryNear
	default:
		return ExpiryOK
	}
}

// Health is the combined condition of one stock item. LowStock and the
// expiry status of the FEFO candidate are independent signals; an item can
// be low on stock and expired at the same time and both are reported.
type Health struct {
	TotalOnHand  decimal.Decimal  `json:"total_on_hand"`
	LowStock     bool             `json:"low_stock"`
	NextLot      *models.StockLot `json:"next_lot,omitempty"`
	ExpiryStatus string           `json:"expiry_status,omitempty"`
}

func (e *Engine) Health(item models.StockItem, today time.Time) Health {
	health := Health{TotalOnHand: TotalOnHand(item)}
	health.LowStock = health.TotalOnHand.LessThanOrEqual(item.MinimumThreshold)
	if next, ok := NextToExpire(item.Lots); ok {
		health.NextLot = &next
		health.ExpiryStatus = e.ExpiryStatus(next, today)
	}
	return health
}

func wholeDaysBetween(from, to time.Time) int {
	fy, fm, fd := from.Date()
	ty, tm, td := to.Date()
	start := time.Date(fy, fm, fd, 0, 0, 0, 0, time.UTC)
	end := time.Date(ty, tm, td, 0, 0, 0, 0, time.UTC)
	return int(end.Sub(start).Hours() / 24)
}
