package depth

import (
	"slices"
	"time"

	"github.com/shopspring/decimal"

	"scalpwatch/internal/state"
)

// MaxLevels is the canonical book depth per side.
const MaxLevels = 10

type Aggregator struct {
	st *state.State
}

func NewAggregator(st *state.State) *Aggregator {
	return &Aggregator{st: st}
}

// AggregateSide canonicalizes raw venue rows into a ranked book for one
// side: filter to matching side with positive price and size, sum sizes by
// 4-decimal price bucket, order best-first (asks ascending, bids
// descending), truncate to MaxLevels. Returns the book and the best price
// (nil when the side is empty).
//
// decimal.Decimal values that are numerically equal can carry different
// exponents ("100" vs "100.00"), so the grouping key is the price rendered
// at fixed 4-decimal precision, never the Decimal itself.
func AggregateSide(rows []DepthLevel, side string) ([]AggregatedLevel, *decimal.Decimal) {
	sumByKey := map[string]int64{}
	priceByKey := map[string]decimal.Decimal{}
	for _, r := range rows {
		if r.Side != side || r.Size <= 0 || !r.Price.IsPositive() {
			continue
		}
		k := CanonicalPriceKey(r.Price)
		sumByKey[k] += r.Size
		if _, ok := priceByKey[k]; !ok {
			priceByKey[k] = r.Price
		}
	}
	if len(sumByKey) == 0 {
		return nil, nil
	}

	keys := make([]string, 0, len(sumByKey))
	for k := range sumByKey {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, func(ka, kb string) int {
		if side == SideBid {
			// best bid is the highest price
			return priceByKey[kb].Cmp(priceByKey[ka])
		}
		return priceByKey[ka].Cmp(priceByKey[kb])
	})
	if len(keys) > MaxLevels {
		keys = keys[:MaxLevels]
	}

	book := make([]AggregatedLevel, 0, len(keys))
	for i, k := range keys {
		book = append(book, AggregatedLevel{
			Price:     priceByKey[k],
			SumShares: sumByKey[k],
			Rank:      i,
		})
	}
	best := book[0].Price
	return book, &best
}

// Both aggregates ask and bid sides independently and emits threshold
// alerts for the session's active side only. Alert eligibility goes
// through the state's per-(symbol, price) cooldown registry.
func (a *Aggregator) Both(symbol string, asks, bids []DepthLevel, now time.Time) (askBook, bidBook []AggregatedLevel, alerts []AlertEvent, bestAsk, bestBid *decimal.Decimal) {
	askBook, bestAsk = AggregateSide(asks, SideAsk)
	bidBook, bestBid = AggregateSide(bids, SideBid)

	side := a.st.Side()
	active := askBook
	if side == SideBid {
		active = bidBook
	}
	thr := a.st.Threshold()
	for _, lvl := range active {
		if lvl.SumShares >= thr && a.st.AllowAlert(symbol, lvl.Price, now) {
			alerts = append(alerts, AlertEvent{
				Side:      side,
				Symbol:    symbol,
				Price:     lvl.Price,
				SumShares: lvl.SumShares,
				Time:      now,
			})
		}
	}
	return askBook, bidBook, alerts, bestAsk, bestBid
}

// CanonicalPriceKey renders a price at fixed 4-decimal precision so
// numerically equal prices from different rows land in the same bucket.
func CanonicalPriceKey(p decimal.Decimal) string {
	return p.StringFixed(4)
}
