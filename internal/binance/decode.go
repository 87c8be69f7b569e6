package binance

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/fushengyk/marketws/internal/domain"
)

// streamError is the error frame Binance sends on a stream connection
type streamError struct {
	Error *struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	} `json:"error"`
}

// tickerData represents a Binance 24hr ticker event.
// Note: Must include all fields to prevent json decoder case-insensitive matching issues
type tickerData struct {
	EventType   string `json:"e"`
	EventTime   int64  `json:"E"`
	Symbol      string `json:"s"`
	Change      string `json:"p"`
	ChangePct   string `json:"P"`
	WeightedAvg string `json:"w"`
	FirstPrice  string `json:"x"`
	Last        string `json:"c"`
	LastQty     string `json:"Q"`
	Bid         string `json:"b"`
	BidQty      string `json:"B"`
	Ask         string `json:"a"`
	AskQty      string `json:"A"`
	Open        string `json:"o"`
	High        string `json:"h"`
	Low         string `json:"l"`
	Volume      string `json:"v"`
	QuoteVolume string `json:"q"`
	OpenTime    int64  `json:"O"`
	CloseTime   int64  `json:"C"`
	FirstID     int64  `json:"F"`
	LastID      int64  `json:"L"`
	Trades      int64  `json:"n"`
}

// tickerUpdate is the decoded ticker, independent of the client's symbol spelling
type tickerUpdate struct {
	last, open, high, low, bid, ask   *float64
	change, pct, baseVol, quoteVolume *float64
	timestamp                         int64
}

func (u *tickerUpdate) toTicker(key domain.InstrumentKey) *domain.Ticker {
	return &domain.Ticker{
		Symbol:      key.Symbol,
		MarketType:  key.Market,
		Last:        u.last,
		Open:        u.open,
		High:        u.high,
		Low:         u.low,
		Bid:         u.bid,
		Ask:         u.ask,
		Change:      u.change,
		Percentage:  u.pct,
		BaseVolume:  u.baseVol,
		QuoteVolume: u.quoteVolume,
		Timestamp:   u.timestamp,
	}
}

func decodeTicker(msg []byte) (any, error) {
	if err := checkStreamError(msg); err != nil {
		return nil, err
	}
	var event tickerData
	if err := json.Unmarshal(msg, &event); err != nil {
		return nil, err
	}
	if event.EventType != "24hrTicker" {
		return nil, nil
	}

	ts := event.EventTime
	if ts == 0 {
		ts = time.Now().UnixMilli()
	}
	return &tickerUpdate{
		last:        parseFloat(event.Last),
		open:        parseFloat(event.Open),
		high:        parseFloat(event.High),
		low:         parseFloat(event.Low),
		bid:         parseFloat(event.Bid),
		ask:         parseFloat(event.Ask),
		change:      parseFloat(event.Change),
		pct:         parseFloat(event.ChangePct),
		baseVol:     parseFloat(event.Volume),
		quoteVolume: parseFloat(event.QuoteVolume),
		timestamp:   ts,
	}, nil
}

// markPriceData represents a Binance futures mark price event
type markPriceData struct {
	EventType   string `json:"e"`
	EventTime   int64  `json:"E"`
	Symbol      string `json:"s"`
	MarkPrice   string `json:"p"`
	SettlePrice string `json:"P"`
	IndexPrice  string `json:"i"`
	FundingRate string `json:"r"`
	NextFunding int64  `json:"T"`
}

type markUpdate struct {
	mark, index, funding *float64
	nextFunding          *int64
}

func decodeMarkPrice(msg []byte) (any, error) {
	if err := checkStreamError(msg); err != nil {
		return nil, err
	}
	var event markPriceData
	if err := json.Unmarshal(msg, &event); err != nil {
		return nil, err
	}
	if event.EventType != "markPriceUpdate" {
		return nil, nil
	}

	u := &markUpdate{
		mark:    parseFloat(event.MarkPrice),
		index:   parseFloat(event.IndexPrice),
		funding: parseFloat(event.FundingRate),
	}
	if event.NextFunding > 0 {
		u.nextFunding = domain.Int(event.NextFunding)
	}
	return u, nil
}

func (u *markUpdate) apply(t *domain.Ticker) {
	t.MarkPrice = u.mark
	t.IndexPrice = u.index
	t.FundingRate = u.funding
	t.NextFundingTime = u.nextFunding
}

// depthData covers both the spot partial book and the futures depthUpdate frame
type depthData struct {
	EventType    string      `json:"e"`
	EventTime    int64       `json:"E"`
	TxTime       int64       `json:"T"`
	Symbol       string      `json:"s"`
	FirstID      int64       `json:"U"`
	FinalID      int64       `json:"u"`
	PrevFinalID  int64       `json:"pu"`
	LastUpdateID int64       `json:"lastUpdateId"`
	SpotBids     [][2]string `json:"bids"`
	SpotAsks     [][2]string `json:"asks"`
	FutBids      [][2]string `json:"b"`
	FutAsks      [][2]string `json:"a"`
}

func decodeDepth(msg []byte) (any, error) {
	if err := checkStreamError(msg); err != nil {
		return nil, err
	}
	var event depthData
	if err := json.Unmarshal(msg, &event); err != nil {
		return nil, err
	}

	ob := &domain.OrderBook{}
	switch {
	case event.LastUpdateID > 0:
		ob.Bids = parseLevels(event.SpotBids)
		ob.Asks = parseLevels(event.SpotAsks)
		ob.Timestamp = time.Now().UnixMilli()
		ob.Nonce = domain.Int(event.LastUpdateID)
	case event.EventType == "depthUpdate":
		ob.Bids = parseLevels(event.FutBids)
		ob.Asks = parseLevels(event.FutAsks)
		ob.Timestamp = event.TxTime
		if ob.Timestamp == 0 {
			ob.Timestamp = event.EventTime
		}
		ob.Nonce = domain.Int(event.FinalID)
	default:
		return nil, nil
	}
	return ob, nil
}

func checkStreamError(msg []byte) error {
	if !strings.Contains(string(msg), `"error"`) {
		return nil
	}
	var se streamError
	if err := json.Unmarshal(msg, &se); err == nil && se.Error != nil {
		return fmt.Errorf("%w: code=%d msg=%s", domain.ErrExchange, se.Error.Code, se.Error.Msg)
	}
	return nil
}

func parseLevels(raw [][2]string) []domain.PriceLevel {
	out := make([]domain.PriceLevel, 0, len(raw))
	for _, l := range raw {
		price, err := strconv.ParseFloat(l[0], 64)
		if err != nil {
			continue
		}
		size, err := strconv.ParseFloat(l[1], 64)
		if err != nil {
			continue
		}
		out = append(out, domain.PriceLevel{Price: price, Size: size})
	}
	return out
}

func parseFloat(s string) *float64 {
	if s == "" {
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil
	}
	return &v
}
