package coinspot

import (
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"execution-core/pkg/exchanges/common"
)

// envelope is the part every response shares. status is "ok" on success.
type envelope struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// venueTime accepts the timestamp spellings the API uses and ignores the rest.
type venueTime struct{ time.Time }

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.000Z",
	"2006-01-02 15:04:05",
}

func (t *venueTime) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		var ms int64
		if json.Unmarshal(b, &ms) == nil && ms > 0 {
			t.Time = time.UnixMilli(ms).UTC()
		}
		return nil
	}
	for _, layout := range timeLayouts {
		if parsed, err := time.Parse(layout, s); err == nil {
			t.Time = parsed.UTC()
			return nil
		}
	}
	return nil
}

// venueOrder is one order as the API reports it. Numbers may arrive as JSON
// numbers or strings; decimal handles both.
type venueOrder struct {
	ID          string          `json:"id"`
	Coin        string          `json:"coin"`
	CoinType    string          `json:"cointype"`
	Market      string          `json:"market"`
	Amount      decimal.Decimal `json:"amount"`
	Rate        decimal.Decimal `json:"rate"`
	Total       decimal.Decimal `json:"total"`
	Created     venueTime       `json:"created"`
	SoldDate    venueTime       `json:"solddate"`
	OrderStatus string          `json:"orderstatus"`
	Type        string          `json:"type"`
}

func (o venueOrder) symbol(fallback string) string {
	switch {
	case o.CoinType != "":
		return strings.ToUpper(o.CoinType)
	case o.Coin != "":
		return strings.ToUpper(o.Coin)
	case o.Market != "":
		return strings.ToUpper(strings.SplitN(o.Market, "/", 2)[0])
	}
	return fallback
}

func (o venueOrder) toResult(symbol string, side common.Side, typ common.OrderType, status common.OrderStatus, quote string) common.OrderResult {
	symbol = o.symbol(symbol)
	if o.OrderStatus != "" {
		if st := common.NormalizeStatus(o.OrderStatus); st != common.StatusUnknown {
			status = st
		}
	}
	if o.Type != "" {
		typ = common.OrderType(strings.ToLower(o.Type))
	}
	created := o.Created.Time
	if created.IsZero() {
		created = o.SoldDate.Time
	}
	market := o.Market
	if market == "" {
		market = common.MarketName(symbol, quote)
	}
	total := o.Total
	if total.IsZero() && o.Amount.IsPositive() && o.Rate.IsPositive() {
		total = o.Amount.Mul(o.Rate)
	}
	return common.OrderResult{
		ID:         o.ID,
		Status:     status,
		Symbol:     symbol,
		AmountCoin: o.Amount,
		AvgRate:    o.Rate,
		TotalQuote: total,
		Market:     market,
		Side:       side,
		Type:       typ,
		Created:    created,
	}
}

// orderResponse is the reply to a placement.
type orderResponse struct {
	envelope
	venueOrder
}

// result normalizes a placement reply. Market orders execute on placement;
// limit orders rest until a listing reports otherwise.
func (r orderResponse) result(symbol string, side common.Side, typ common.OrderType, quote string) *common.OrderResult {
	status := common.StatusOpen
	if typ == common.OrderTypeMarket {
		status = common.StatusCompleted
	}
	out := r.venueOrder.toResult(symbol, side, typ, status, quote)
	return &out
}

type listResponse struct {
	envelope
	BuyOrders  []venueOrder `json:"buyorders"`
	SellOrders []venueOrder `json:"sellorders"`
}

func (r listResponse) lists(status common.OrderStatus, quote string) *common.OrderLists {
	out := &common.OrderLists{
		BuyOrders:  make([]common.OrderResult, 0, len(r.BuyOrders)),
		SellOrders: make([]common.OrderResult, 0, len(r.SellOrders)),
	}
	for _, o := range r.BuyOrders {
		out.BuyOrders = append(out.BuyOrders, o.toResult("", common.SideBuy, common.OrderTypeLimit, status, quote))
	}
	for _, o := range r.SellOrders {
		out.SellOrders = append(out.SellOrders, o.toResult("", common.SideSell, common.OrderTypeLimit, status, quote))
	}
	return out
}

type coinBalance struct {
	Balance decimal.Decimal `json:"balance"`
}

// balancesResponse carries a list of single-key objects: [{"BTC": {...}}].
type balancesResponse struct {
	envelope
	Balances []map[string]coinBalance `json:"balances"`
}

func (r balancesResponse) balances() []common.Balance {
	var out []common.Balance
	for _, entry := range r.Balances {
		for coin, b := range entry {
			out = append(out, common.Balance{Coin: strings.ToUpper(coin), Balance: b.Balance})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Coin < out[j].Coin })
	return out
}

// balanceResponse carries {"balance": {"BTC": {...}}}.
type balanceResponse struct {
	envelope
	Balance map[string]coinBalance `json:"balance"`
}

func (r balanceResponse) balance(symbol string) common.Balance {
	for coin, b := range r.Balance {
		if strings.EqualFold(coin, symbol) {
			return common.Balance{Coin: symbol, Balance: b.Balance}
		}
	}
	return common.Balance{Coin: symbol, Balance: decimal.Zero}
}
