// Package broker provides the bar-driven market simulator: next-bar-open
// fills clamped to the bar's high/low, maker/taker commission, a
// single-long-position model, and a dense per-bar equity curve. Orders
// never fill on the bar they were placed on; filling at the placing bar's
// close would let a strategy trade on information it could not have had.
package broker

import (
	"fmt"
	"time"

	"github.com/atlas-desktop/walkforward/internal/strategy"
	"github.com/atlas-desktop/walkforward/pkg/bar"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Trade is one closed round-trip position (T).
type Trade struct {
	ID         uuid.UUID
	EntryTime  time.Time
	ExitTime   time.Time
	EntryPrice decimal.Decimal
	ExitPrice  decimal.Decimal
	Size       decimal.Decimal
	PnL        decimal.Decimal
	EntryFee   decimal.Decimal
	ExitFee    decimal.Decimal
}

// EquityPoint is one mark-to-market sample, one per processed bar.
type EquityPoint struct {
	Timestamp time.Time
	Value     decimal.Decimal
}

// FeeType selects which commission rate applies.
type FeeType string

const (
	FeeMaker FeeType = "maker"
	FeeTaker FeeType = "taker"
)

// Config holds the broker's trading-cost and sizing parameters, bound to
// the `trading.*` configuration keys.
type Config struct {
	InitialCapital   decimal.Decimal
	CommissionMaker  decimal.Decimal
	CommissionTaker  decimal.Decimal
	FeeType          FeeType
	Slippage         decimal.Decimal
	PositionFraction decimal.Decimal // fraction of available cash sized into each entry; defaults to 0.9
}

// DefaultConfig returns the stock defaults (position_fraction 0.9 of cash,
// no slippage/commission) for callers that only want to override a subset
// of fields.
func DefaultConfig(initialCapital decimal.Decimal) Config {
	return Config{
		InitialCapital:   initialCapital,
		PositionFraction: decimal.NewFromFloat(0.9),
	}
}

func (c Config) commissionRate() decimal.Decimal {
	if c.FeeType == FeeMaker {
		return c.CommissionMaker
	}
	return c.CommissionTaker
}

func (c Config) positionFraction() decimal.Decimal {
	if c.PositionFraction.IsZero() {
		return decimal.NewFromFloat(0.9)
	}
	return c.PositionFraction
}

// Result is everything the metrics calculator needs: the trade ledger, the
// dense equity curve, and the initial capital the run started from.
type Result struct {
	Trades         []Trade
	Equity         []EquityPoint
	InitialCapital decimal.Decimal
}

// pendingOrder is the single in-flight order the broker tracks. At most
// one can exist, since at most one position is ever open and the broker
// processes bars strictly sequentially; there is no order book.
type pendingOrder struct {
	side strategy.OrderSide
}

// Broker drives one strategy instance bar-by-bar over an enriched table.
type Broker struct {
	cfg    Config
	logger *zap.Logger

	cash         decimal.Decimal
	positionSize decimal.Decimal
	entryPrice   decimal.Decimal
	entryTime    time.Time
	entryFee     decimal.Decimal

	pending *pendingOrder

	trades []Trade
	equity []EquityPoint
}

// New constructs a Broker starting from cfg.InitialCapital cash, no
// position, an empty ledger and equity curve.
func New(logger *zap.Logger, cfg Config) *Broker {
	return &Broker{
		cfg:    cfg,
		logger: logger,
		cash:   cfg.InitialCapital,
	}
}

// Run drives strat across table, honoring requiredColumns as the warm-up
// gate: bars where any of those columns hold bar.NotComputed are not
// passed to the strategy and never generate new orders, though a pending
// order from a prior (non-warm-up) bar still fills normally and equity is
// still recorded every bar.
func (b *Broker) Run(table *bar.Table, strat strategy.Strategy, requiredColumns []string) (*Result, error) {
	n := table.Len()
	for i := 0; i < n; i++ {
		bar := table.Bars[i]

		if b.pending != nil {
			if err := b.fill(table, i, *b.pending); err != nil {
				return nil, fmt.Errorf("broker: fill at bar %d (%s): %w", i, bar.Timestamp.Format(time.RFC3339), err)
			}
			b.pending = nil
		}

		if !isWarmedUp(table, i, requiredColumns) {
			b.recordEquity(bar)
			continue
		}

		order, err := strat.OnBar(strategy.NewBarView(table, i))
		if err != nil {
			return nil, fmt.Errorf("broker: strategy error at bar %d (%s): %w", i, bar.Timestamp.Format(time.RFC3339), err)
		}

		switch order.Side {
		case strategy.Buy:
			if !b.positionSize.IsZero() {
				b.logger.Warn("rejected buy order: position already open", zap.Time("bar", bar.Timestamp))
			} else {
				b.pending = &pendingOrder{side: strategy.Buy}
			}
		case strategy.Sell:
			if b.positionSize.IsZero() {
				b.logger.Warn("rejected sell order: no open position", zap.Time("bar", bar.Timestamp))
			} else {
				b.pending = &pendingOrder{side: strategy.Sell}
			}
		}

		b.recordEquity(bar)
	}

	return &Result{
		Trades:         b.trades,
		Equity:         b.equity,
		InitialCapital: b.cfg.InitialCapital,
	}, nil
}

// isWarmedUp reports whether every required column has a real value at
// row i (i.e. none hold the warm-up sentinel).
func isWarmedUp(table *bar.Table, i int, requiredColumns []string) bool {
	for _, name := range requiredColumns {
		if bar.IsNotComputed(table.At(name, i)) {
			return false
		}
	}
	return true
}

// fill executes the pending order against bar i's OHLC, clamped to that
// bar's high/low after the slippage adjustment.
func (b *Broker) fill(table *bar.Table, i int, order pendingOrder) error {
	bk := table.Bars[i]
	open := bk.Open

	switch order.side {
	case strategy.Buy:
		price := open.Mul(decimal.NewFromInt(1).Add(b.cfg.Slippage))
		if price.GreaterThan(bk.High) {
			price = bk.High
		}
		return b.openPosition(bk.Timestamp, price)
	case strategy.Sell:
		price := open.Mul(decimal.NewFromInt(1).Sub(b.cfg.Slippage))
		if price.LessThan(bk.Low) {
			price = bk.Low
		}
		return b.closePosition(bk.Timestamp, price)
	}
	return nil
}

// openPosition sizes a whole-unit long entry as floor(cash * fraction /
// price), deducts notional plus commission from cash.
func (b *Broker) openPosition(ts time.Time, price decimal.Decimal) error {
	if price.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("non-positive fill price %s", price)
	}
	budget := b.cash.Mul(b.cfg.positionFraction())
	size := budget.Div(price).Floor()
	if size.LessThanOrEqual(decimal.Zero) {
		b.logger.Warn("skipped entry: insufficient cash for one whole unit", zap.Time("bar", ts))
		return nil
	}

	notional := size.Mul(price)
	commission := notional.Mul(b.cfg.commissionRate())

	b.cash = b.cash.Sub(notional).Sub(commission)
	b.positionSize = size
	b.entryPrice = price
	b.entryTime = ts
	b.entryFee = commission
	return nil
}

// closePosition exits the entire open position, recording a Trade.
func (b *Broker) closePosition(ts time.Time, price decimal.Decimal) error {
	notional := b.positionSize.Mul(price)
	commission := notional.Mul(b.cfg.commissionRate())

	pnl := price.Sub(b.entryPrice).Mul(b.positionSize).Sub(b.entryFee).Sub(commission)

	b.trades = append(b.trades, Trade{
		ID:         uuid.New(),
		EntryTime:  b.entryTime,
		ExitTime:   ts,
		EntryPrice: b.entryPrice,
		ExitPrice:  price,
		Size:       b.positionSize,
		PnL:        pnl,
		EntryFee:   b.entryFee,
		ExitFee:    commission,
	})

	b.cash = b.cash.Add(notional).Sub(commission)
	b.positionSize = decimal.Zero
	b.entryPrice = decimal.Zero
	b.entryFee = decimal.Zero
	return nil
}

// recordEquity marks the open position to bar's close and appends the
// resulting portfolio value.
func (b *Broker) recordEquity(bk bar.Bar) {
	value := b.cash.Add(b.positionSize.Mul(bk.Close))
	b.equity = append(b.equity, EquityPoint{Timestamp: bk.Timestamp, Value: value})
}
