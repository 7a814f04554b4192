package depth

import (
	"time"

	"github.com/shopspring/decimal"
)

// Book sides.
const (
	SideAsk = "ASK"
	SideBid = "BID"
)

// DepthLevel is one raw venue row from the feed. Rows are ephemeral; they
// exist only for the duration of one aggregation call.
type DepthLevel struct {
	Side  string          `json:"side"`
	Price decimal.Decimal `json:"price"`
	Size  int64           `json:"size"`  // shares at this venue at this price
	Venue string          `json:"venue"` // exchange/venue
	Level int             `json:"level"` // source-reported level index
}

// AggregatedLevel is one canonical price bucket, best-first.
type AggregatedLevel struct {
	Price     decimal.Decimal `json:"price"`
	SumShares int64           `json:"sumShares"`
	Rank      int             `json:"rank"` // 0..9; 0 is the best level
}

// AlertEvent fires when an aggregated level on the session's active side
// reaches the share threshold and the per-(symbol, price) cooldown allows.
type AlertEvent struct {
	Side      string          `json:"side"`
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	SumShares int64           `json:"sumShares"`
	Time      time.Time       `json:"time"`
}
